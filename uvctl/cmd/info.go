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
	"fmt"

	"github.com/google/subcommands"

	"github.com/enr0n/MicroV/uvctl/config"
)

// Info implements subcommands.Command for the "info" command.
type Info struct {
	configPath string
}

// Name implements subcommands.Command.Name.
func (*Info) Name() string {
	return "info"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Info) Synopsis() string {
	return "validate a platform description and print its layout"
}

// Usage implements subcommands.Command.Usage.
func (*Info) Usage() string {
	return `info [flags] - validate the platform description given by -config and
print the resulting platform layout without booting anything.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (i *Info) SetFlags(f *flag.FlagSet) {
	f.StringVar(&i.configPath, "config", "uvctl.toml", "path to the platform description")
}

// Execute implements subcommands.Command.Execute.
func (i *Info) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	cfg, err := config.Load(i.configPath)
	if err != nil {
		Fatalf("loading %q: %v", i.configPath, err)
	}

	fmt.Printf("platform: memory=%#x cpus=%d\n", cfg.Platform.Memory, cfg.NumCPUs())
	for _, u := range cfg.IOMMUs {
		fmt.Printf("iommu %s: catchall=%t coherent=%t snoop=%t psi=%t\n",
			u.Name, u.Catchall, u.CoherentPageWalk, u.SnoopControl, u.PSI)
	}
	for _, d := range cfg.Devices {
		unit := "catchall"
		if d.IOMMU != "" {
			unit = d.IOMMU
		}
		fmt.Printf("device %s: passthrough=%t iommu=%s\n", d.BDF, d.Passthrough, unit)
	}
	for _, vm := range cfg.VMs {
		fmt.Printf("vm %s: ram=%#x mode=%s uart=%#x", vm.Name, vm.RAM, vm.ExecMode, vm.UART)
		if vm.PTUART != 0 {
			fmt.Printf(" ptuart=%#x", vm.PTUART)
		}
		if len(vm.Devices) > 0 {
			fmt.Printf(" devices=%v", vm.Devices)
		}
		fmt.Printf("\n")
	}
	return subcommands.ExitSuccess
}
