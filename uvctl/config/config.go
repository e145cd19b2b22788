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

// Package config loads and validates uvctl's platform description.
//
// The description is TOML: one [platform] table, any number of [[iommu]],
// [[device]] and [[vm]] tables. Addresses and sizes may use TOML hex
// literals.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/enr0n/MicroV/pkg/hvarch"
	"github.com/enr0n/MicroV/pkg/pci"
)

// Exec mode names accepted in a [[vm]] table.
const (
	ExecModeNative = "native"
	ExecModeXenPVH = "xenpvh"
)

// Config is a complete platform description.
type Config struct {
	Platform Platform `toml:"platform"`
	IOMMUs   []IOMMU  `toml:"iommu"`
	Devices  []Device `toml:"device"`
	VMs      []VM     `toml:"vm"`
}

// Platform describes the host.
type Platform struct {
	// Memory is the size of the physical address space in bytes. It must
	// be a whole number of pages.
	Memory uint64 `toml:"memory"`

	// CPUs is the processor count. Zero means one.
	CPUs int `toml:"cpus"`
}

// IOMMU describes one DMA remapping unit.
type IOMMU struct {
	Name string `toml:"name"`

	// Catchall marks the unit that claims every device no other unit
	// scopes. A platform with units needs exactly one.
	Catchall bool `toml:"catchall"`

	CoherentPageWalk bool `toml:"coherent_page_walk"`
	SnoopControl     bool `toml:"snoop_control"`
	PSI              bool `toml:"page_selective_invalidation"`
}

// Device describes one PCI device function.
type Device struct {
	// BDF is the device address, "bus:device.function" in hex.
	BDF string `toml:"bdf"`

	// Passthrough marks the device for guest assignment.
	Passthrough bool `toml:"passthrough"`

	// IOMMU names the unit scoping this device. Empty means the
	// catch-all unit.
	IOMMU string `toml:"iommu"`
}

// VM describes one guest.
type VM struct {
	Name string `toml:"name"`

	// RAM is the guest memory size in bytes.
	RAM uint64 `toml:"ram"`

	// ExecMode is the kernel entry convention, "native" or "xenpvh".
	// Empty means native.
	ExecMode string `toml:"exec_mode"`

	// UART selects the emulated console port. Zero means COM1.
	UART uint16 `toml:"uart"`

	// PTUART selects a passthrough console port, overriding UART.
	PTUART uint16 `toml:"pt_uart"`

	// Devices lists the BDFs of passthrough devices assigned to this
	// guest.
	Devices []string `toml:"devices"`
}

// Load reads and validates the platform description at path.
func Load(path string) (*Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: unknown keys in %s: %v", path, undecoded)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the description for internal consistency: well-formed
// sizes and addresses, resolvable references, exactly one catch-all unit
// when any unit exists.
func (c *Config) Validate() error {
	if c.Platform.Memory == 0 || c.Platform.Memory&(hvarch.PageSize-1) != 0 {
		return fmt.Errorf("platform memory %#x is not a whole number of pages", c.Platform.Memory)
	}
	if c.Platform.CPUs < 0 {
		return fmt.Errorf("negative cpu count %d", c.Platform.CPUs)
	}

	units := make(map[string]bool, len(c.IOMMUs))
	catchalls := 0
	for _, u := range c.IOMMUs {
		if u.Name == "" {
			return fmt.Errorf("iommu with no name")
		}
		if units[u.Name] {
			return fmt.Errorf("duplicate iommu %q", u.Name)
		}
		units[u.Name] = true
		if u.Catchall {
			catchalls++
		}
	}
	if len(c.IOMMUs) > 0 && catchalls != 1 {
		return fmt.Errorf("%d catch-all iommus, need exactly one", catchalls)
	}

	devices := make(map[string]*Device, len(c.Devices))
	for i := range c.Devices {
		d := &c.Devices[i]
		if _, err := pci.ParseBDF(d.BDF); err != nil {
			return fmt.Errorf("device %q: %w", d.BDF, err)
		}
		if devices[d.BDF] != nil {
			return fmt.Errorf("duplicate device %q", d.BDF)
		}
		devices[d.BDF] = d
		if d.IOMMU != "" && !units[d.IOMMU] {
			return fmt.Errorf("device %q references unknown iommu %q", d.BDF, d.IOMMU)
		}
		if d.IOMMU == "" && len(c.IOMMUs) == 0 {
			return fmt.Errorf("device %q needs an iommu, none configured", d.BDF)
		}
	}

	names := make(map[string]bool, len(c.VMs))
	assigned := make(map[string]string)
	for _, vm := range c.VMs {
		if vm.Name == "" {
			return fmt.Errorf("vm with no name")
		}
		if names[vm.Name] {
			return fmt.Errorf("duplicate vm %q", vm.Name)
		}
		names[vm.Name] = true
		if vm.RAM == 0 || vm.RAM&(hvarch.PageSize-1) != 0 {
			return fmt.Errorf("vm %q: ram %#x is not a whole number of pages", vm.Name, vm.RAM)
		}
		switch vm.ExecMode {
		case "", ExecModeNative, ExecModeXenPVH:
		default:
			return fmt.Errorf("vm %q: unknown exec mode %q", vm.Name, vm.ExecMode)
		}
		for _, bdf := range vm.Devices {
			d := devices[bdf]
			if d == nil {
				return fmt.Errorf("vm %q: unknown device %q", vm.Name, bdf)
			}
			if !d.Passthrough {
				return fmt.Errorf("vm %q: device %q is not marked passthrough", vm.Name, bdf)
			}
			if owner, ok := assigned[bdf]; ok {
				return fmt.Errorf("device %q assigned to both %q and %q", bdf, owner, vm.Name)
			}
			assigned[bdf] = vm.Name
		}
	}
	return nil
}

// NumCPUs returns the configured processor count, defaulted.
func (c *Config) NumCPUs() int {
	if c.Platform.CPUs == 0 {
		return 1
	}
	return c.Platform.CPUs
}
