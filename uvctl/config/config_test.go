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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const sampleConfig = `
[platform]
memory = 0x8000000
cpus = 2

[[iommu]]
name = "dmar0"
catchall = true
coherent_page_walk = true
snoop_control = true
page_selective_invalidation = true

[[iommu]]
name = "dmar1"
coherent_page_walk = false

[[device]]
bdf = "00:1f.3"

[[device]]
bdf = "02:00.0"
passthrough = true
iommu = "dmar1"

[[vm]]
name = "ndvm"
ram = 0x4000000
exec_mode = "xenpvh"
uart = 0x3f8
devices = ["02:00.0"]
`

func writeConfig(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "uvctl.toml")
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadSample(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := &Config{
		Platform: Platform{Memory: 0x8000000, CPUs: 2},
		IOMMUs: []IOMMU{
			{Name: "dmar0", Catchall: true, CoherentPageWalk: true, SnoopControl: true, PSI: true},
			{Name: "dmar1"},
		},
		Devices: []Device{
			{BDF: "00:1f.3"},
			{BDF: "02:00.0", Passthrough: true, IOMMU: "dmar1"},
		},
		VMs: []VM{
			{Name: "ndvm", RAM: 0x4000000, ExecMode: "xenpvh", UART: 0x3f8, Devices: []string{"02:00.0"}},
		},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	if got := cfg.NumCPUs(); got != 2 {
		t.Errorf("NumCPUs: got %d, wanted 2", got)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	text := `
[platform]
memory = 0x1000
cpu_count = 4
`
	if _, err := Load(writeConfig(t, text)); err == nil {
		t.Error("Load with unknown key did not fail")
	}
}

func TestNumCPUsDefault(t *testing.T) {
	c := &Config{Platform: Platform{Memory: 0x1000}}
	if got := c.NumCPUs(); got != 1 {
		t.Errorf("NumCPUs: got %d, wanted 1", got)
	}
}

func validConfig() *Config {
	return &Config{
		Platform: Platform{Memory: 0x8000000, CPUs: 2},
		IOMMUs: []IOMMU{
			{Name: "dmar0", Catchall: true, CoherentPageWalk: true},
			{Name: "dmar1", CoherentPageWalk: true},
		},
		Devices: []Device{
			{BDF: "00:1f.3"},
			{BDF: "02:00.0", Passthrough: true, IOMMU: "dmar1"},
		},
		VMs: []VM{
			{Name: "ndvm", RAM: 0x4000000, ExecMode: "xenpvh", Devices: []string{"02:00.0"}},
		},
	}
}

func TestValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	for _, test := range []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero memory", func(c *Config) { c.Platform.Memory = 0 }},
		{"unaligned memory", func(c *Config) { c.Platform.Memory = 0x1234 }},
		{"negative cpus", func(c *Config) { c.Platform.CPUs = -1 }},
		{"unnamed iommu", func(c *Config) { c.IOMMUs[0].Name = "" }},
		{"duplicate iommu", func(c *Config) { c.IOMMUs[1].Name = "dmar0" }},
		{"two catchalls", func(c *Config) { c.IOMMUs[1].Catchall = true }},
		{"no catchall", func(c *Config) { c.IOMMUs[0].Catchall = false }},
		{"bad bdf", func(c *Config) { c.Devices[0].BDF = "zz:00.0" }},
		{"duplicate device", func(c *Config) { c.Devices[1].BDF = "00:1f.3"; c.VMs[0].Devices[0] = "00:1f.3" }},
		{"unknown unit", func(c *Config) { c.Devices[0].IOMMU = "dmar9" }},
		{"unnamed vm", func(c *Config) { c.VMs[0].Name = "" }},
		{"unaligned ram", func(c *Config) { c.VMs[0].RAM = 0x1001 }},
		{"bad exec mode", func(c *Config) { c.VMs[0].ExecMode = "realmode" }},
		{"unknown vm device", func(c *Config) { c.VMs[0].Devices[0] = "07:00.0" }},
		{"non-passthrough vm device", func(c *Config) { c.VMs[0].Devices[0] = "00:1f.3" }},
		{"double assignment", func(c *Config) {
			c.VMs = append(c.VMs, VM{Name: "vpnvm", RAM: 0x1000, Devices: []string{"02:00.0"}})
		}},
	} {
		t.Run(test.name, func(t *testing.T) {
			c := validConfig()
			test.mutate(c)
			if err := c.Validate(); err == nil {
				t.Error("Validate did not fail")
			}
		})
	}
}
