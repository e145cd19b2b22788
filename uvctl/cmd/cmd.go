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

// Package cmd holds implementations of the uvctl commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/containerd/log"
)

// Fatalf logs the error, prints it to stderr and exits the process.
func Fatalf(format string, args ...any) {
	log.L.Errorf(format, args...)
	fmt.Fprintf(os.Stderr, "uvctl: %s\n", fmt.Sprintf(format, args...))
	os.Exit(1)
}
