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

package boot

import (
	"context"
	"testing"

	"github.com/enr0n/MicroV/pkg/hvarch"
	"github.com/enr0n/MicroV/pkg/hve"
	"github.com/enr0n/MicroV/pkg/pci"
	"github.com/enr0n/MicroV/uvctl/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Platform: config.Platform{Memory: 0x8000000, CPUs: 2},
		IOMMUs: []config.IOMMU{
			{Name: "dmar0", Catchall: true, CoherentPageWalk: true, SnoopControl: true, PSI: true},
			{Name: "dmar1"},
		},
		Devices: []config.Device{
			{BDF: "00:1f.3"},
			{BDF: "02:00.0", Passthrough: true, IOMMU: "dmar1"},
		},
		VMs: []config.VM{
			{Name: "ndvm", RAM: 0x2000000, ExecMode: "xenpvh", UART: 0x3f8, Devices: []string{"02:00.0"}},
			{Name: "vpnvm", RAM: 0x1000000},
		},
	}
}

func TestEndToEnd(t *testing.T) {
	p, err := Assemble(testConfig())
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	defer p.Teardown()

	guests := p.Guests()
	if len(guests) != 2 {
		t.Fatalf("Guests: got %d, wanted 2", len(guests))
	}
	ndvm, vpnvm := guests[0], guests[1]
	if ndvm.ExecMode() != hve.ExecModeXenPVH || vpnvm.ExecMode() != hve.ExecModeNative {
		t.Errorf("exec modes: got %v and %v", ndvm.ExecMode(), vpnvm.ExecMode())
	}
	if len(ndvm.E820()) == 0 {
		t.Error("ndvm has no memory map")
	}

	// The passthrough NIC is bound to ndvm on its dedicated unit, which
	// cannot snoop table walks, so ndvm's map went non-coherent.
	nic := pci.NewBDF(2, 0, 0)
	unit, ok := p.IOMMUs.UnitFor(nic)
	if !ok {
		t.Fatalf("no unit claims %v", nic)
	}
	if dom, ok := unit.DomainFor(nic); !ok || dom != ndvm.ID() {
		t.Errorf("DomainFor(%v): got (%v, %t), wanted %v", nic, dom, ok, ndvm.ID())
	}
	if ndvm.EPT().Coherent() {
		t.Error("ndvm map still coherent behind a non-snooping unit")
	}

	// The root holds the rest of the platform through the catch-all.
	catchall, err := p.IOMMUs.Catchall()
	if err != nil {
		t.Fatalf("Catchall: %v", err)
	}
	if dom, ok := catchall.DomainFor(pci.NewBDF(0, 0x1f, 3)); !ok || !dom.IsRoot() {
		t.Errorf("DomainFor(00:1f.3): got (%v, %t), wanted dom0", dom, ok)
	}
	if !catchall.DMARemappingEnabled() {
		t.Error("catch-all remapping not enabled")
	}

	const rounds = 8
	if err := p.Run(context.Background(), rounds); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Guests retired; only the root remains and every page came home.
	if got := len(p.Pool.Domains()); got != 1 {
		t.Errorf("Domains after Run: got %d, wanted the root only", got)
	}
	stats := p.Root.DonationStats()
	if want := uint64(2 * rounds); stats.Donations != want || stats.Reclaims != want {
		t.Errorf("stats: got %+v, wanted %d donations and reclaims", stats, want)
	}

	// Spot-check a traffic page: identity at full access again.
	gpa := hvarch.GPA(trafficBase)
	hpa, size, at, _, ok := p.Root.EPT().Lookup(gpa)
	if !ok || hpa != hvarch.HPA(gpa) || size != hvarch.PageLevel4K || at != hvarch.AnyAccess {
		t.Errorf("root Lookup(%#x): got (%#x, %v, %v, %t), wanted reclaimed identity",
			uint64(gpa), uint64(hpa), size, at, ok)
	}

	if mstats := p.Machine.Stats(); mstats.ShootdownsBegun < uint64(2*rounds) {
		t.Errorf("ShootdownsBegun = %d, wanted at least %d", mstats.ShootdownsBegun, 2*rounds)
	}
}

func TestAssembleWithoutIOMMUs(t *testing.T) {
	cfg := &config.Config{
		Platform: config.Platform{Memory: 0x2000000, CPUs: 1},
		VMs:      []config.VM{{Name: "vm0", RAM: 0x400000}},
	}
	p, err := Assemble(cfg)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	defer p.Teardown()

	if err := p.Run(context.Background(), 2); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestAssembleRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Platform.Memory = 0x1234
	if _, err := Assemble(cfg); err == nil {
		t.Error("Assemble with unaligned memory did not fail")
	}
}
