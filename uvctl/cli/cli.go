// Copyright 2024 The MicroV Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cli is the main entrypoint for uvctl.
package cli

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/containerd/log"
	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/enr0n/MicroV/uvctl/cmd"
)

var (
	logLevel  = flag.String("log-level", "info", "log level: one of trace, debug, info, warn, error")
	logFormat = flag.String("log-format", "text", "log format: text or json")
	logFile   = flag.String("log-file", "", "write logs to this file instead of stderr")
)

// Main is the main entrypoint.
func Main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(cmd.Run), "")
	subcommands.Register(new(cmd.Info), "")

	flag.Parse()

	if err := setupLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "uvctl: %v\n", err)
		os.Exit(1)
	}

	os.Exit(int(subcommands.Execute(context.Background())))
}

func setupLogging() error {
	if err := log.SetLevel(*logLevel); err != nil {
		return err
	}
	if err := log.SetFormat(log.OutputFormat(*logFormat)); err != nil {
		return err
	}
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		logrus.StandardLogger().SetOutput(f)
	}
	return nil
}
