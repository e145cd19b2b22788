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

package cmd

import (
	"context"
	"flag"
	"time"

	"github.com/google/subcommands"

	"github.com/enr0n/MicroV/uvctl/boot"
	"github.com/enr0n/MicroV/uvctl/config"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	configPath string
	rounds     int
	timeout    time.Duration
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "boot the platform and drive the configured VMs"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] - boot the platform described by -config, run donation
traffic through every configured VM and retire them.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.configPath, "config", "uvctl.toml", "path to the platform description")
	f.IntVar(&r.rounds, "rounds", 64, "pages of donation traffic per VM")
	f.DurationVar(&r.timeout, "timeout", 30*time.Second, "deadline for the traffic run")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	cfg, err := config.Load(r.configPath)
	if err != nil {
		Fatalf("loading %q: %v", r.configPath, err)
	}
	p, err := boot.Assemble(cfg)
	if err != nil {
		Fatalf("assembling platform: %v", err)
	}
	defer p.Teardown()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := p.Run(ctx, r.rounds); err != nil {
		Fatalf("running platform: %v", err)
	}
	return subcommands.ExitSuccess
}
