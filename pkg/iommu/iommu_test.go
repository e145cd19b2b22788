// Copyright 2025 The MicroV Authors.
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

package iommu

import (
	"errors"
	"testing"

	"github.com/enr0n/MicroV/pkg/hvarch"
	"github.com/enr0n/MicroV/pkg/pci"
)

func TestContextTableBinding(t *testing.T) {
	u := NewUnit("dmar0", Capabilities{}, true, nil)

	if err := u.MapBus(0, 0); err != nil {
		t.Fatalf("MapBus(0, dom0): %v", err)
	}
	// Rebinding to the same domain is fine.
	if err := u.MapBus(0, 0); err != nil {
		t.Errorf("MapBus(0, dom0) again: %v", err)
	}
	// Another domain's claim is not.
	if err := u.MapBus(0, 1); !errors.Is(err, ErrScopeConflict) {
		t.Errorf("MapBus(0, dom1): got %v, wanted ErrScopeConflict", err)
	}

	bdf := pci.NewBDF(2, 0, 0)
	if err := u.MapDeviceFunction(bdf, 1); err != nil {
		t.Fatalf("MapDeviceFunction(%v, dom1): %v", bdf, err)
	}
	if err := u.MapDeviceFunction(bdf, 1); err != nil {
		t.Errorf("MapDeviceFunction(%v, dom1) again: %v", bdf, err)
	}
	if err := u.MapDeviceFunction(bdf, 2); !errors.Is(err, ErrScopeConflict) {
		t.Errorf("MapDeviceFunction(%v, dom2): got %v, wanted ErrScopeConflict", bdf, err)
	}
}

func TestDomainForPrefersDeviceContext(t *testing.T) {
	u := NewUnit("dmar0", Capabilities{}, true, nil)
	bdf := pci.NewBDF(0, 2, 0)

	if err := u.MapBus(0, 0); err != nil {
		t.Fatalf("MapBus: %v", err)
	}
	if err := u.MapDeviceFunction(bdf, 3); err != nil {
		t.Fatalf("MapDeviceFunction: %v", err)
	}

	if dom, ok := u.DomainFor(bdf); !ok || dom != 3 {
		t.Errorf("DomainFor(%v): got (%v, %t), wanted (dom3, true)", bdf, dom, ok)
	}
	if dom, ok := u.DomainFor(pci.NewBDF(0, 3, 0)); !ok || dom != 0 {
		t.Errorf("DomainFor(00:03.0): got (%v, %t), wanted (dom0, true)", dom, ok)
	}
	if _, ok := u.DomainFor(pci.NewBDF(5, 0, 0)); ok {
		t.Errorf("DomainFor(05:00.0): got ok, wanted no binding")
	}
}

func TestClearDomain(t *testing.T) {
	u := NewUnit("dmar0", Capabilities{}, true, nil)
	bdf := pci.NewBDF(2, 0, 0)

	if err := u.MapBus(0, 0); err != nil {
		t.Fatalf("MapBus: %v", err)
	}
	if err := u.MapDeviceFunction(bdf, 1); err != nil {
		t.Fatalf("MapDeviceFunction: %v", err)
	}

	u.ClearDomain(1)
	if _, ok := u.DomainFor(bdf); ok {
		t.Errorf("DomainFor(%v) after ClearDomain: got ok, wanted no binding", bdf)
	}
	// dom0's bus context survives.
	if dom, ok := u.DomainFor(pci.NewBDF(0, 2, 0)); !ok || dom != 0 {
		t.Errorf("DomainFor(00:02.0): got (%v, %t), wanted (dom0, true)", dom, ok)
	}

	// The slot can be claimed again.
	if err := u.MapDeviceFunction(bdf, 2); err != nil {
		t.Errorf("MapDeviceFunction after ClearDomain: %v", err)
	}
}

func TestEnableDMARemappingOnce(t *testing.T) {
	u := NewUnit("dmar0", Capabilities{}, false, nil)
	if u.DMARemappingEnabled() {
		t.Fatalf("fresh unit reports remapping enabled")
	}

	u.EnableDMARemapping()
	u.EnableDMARemapping()
	u.EnableDMARemapping()

	if !u.DMARemappingEnabled() {
		t.Errorf("DMARemappingEnabled: got false, wanted true")
	}
	if got, want := u.Stats().Enables, uint64(1); got != want {
		t.Errorf("Enables: got %d, wanted %d", got, want)
	}
}

func TestFlushSelectivity(t *testing.T) {
	psi := NewUnit("dmar0", Capabilities{PSI: true}, false, nil)
	psi.FlushIOTLBRange(1, 0x100000, hvarch.PageSize)
	if got := psi.Stats(); got.RangeFlushes != 1 || got.DomainFlushes != 0 {
		t.Errorf("PSI unit stats: got %+v, wanted one range flush", got)
	}

	full := NewUnit("dmar1", Capabilities{}, false, nil)
	full.FlushIOTLBRange(1, 0x100000, hvarch.PageSize)
	if got := full.Stats(); got.RangeFlushes != 0 || got.DomainFlushes != 1 {
		t.Errorf("non-PSI unit stats: got %+v, wanted one domain flush", got)
	}

	full.FlushIOTLBDomain(1)
	if got := full.Stats().DomainFlushes; got != 2 {
		t.Errorf("DomainFlushes: got %d, wanted 2", got)
	}
}

func TestRegistryRouting(t *testing.T) {
	assigned := pci.NewBDF(2, 0, 0)
	scoped := NewUnit("dmar1", Capabilities{PSI: true}, false, []pci.BDF{assigned})
	catchall := NewUnit("dmar0", Capabilities{}, true, nil)

	r, err := NewRegistry(scoped, catchall)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	if u, ok := r.UnitFor(assigned); !ok || u != scoped {
		t.Errorf("UnitFor(%v): got %v, wanted dmar1", assigned, u)
	}
	if u, ok := r.UnitFor(pci.NewBDF(0, 2, 0)); !ok || u != catchall {
		t.Errorf("UnitFor(00:02.0): got %v, wanted catch-all", u)
	}
	if u, err := r.Catchall(); err != nil || u != catchall {
		t.Errorf("Catchall: got (%v, %v), wanted dmar0", u, err)
	}
	if got := len(r.Units()); got != 2 {
		t.Errorf("Units: got %d, wanted 2", got)
	}
}

func TestRegistryValidation(t *testing.T) {
	if _, err := NewRegistry(
		NewUnit("dmar0", Capabilities{}, true, nil),
		NewUnit("dmar1", Capabilities{}, true, nil),
	); err == nil {
		t.Errorf("two catch-all units: expected error")
	}

	bdf := pci.NewBDF(2, 0, 0)
	if _, err := NewRegistry(
		NewUnit("dmar0", Capabilities{}, false, []pci.BDF{bdf}),
		NewUnit("dmar1", Capabilities{}, false, []pci.BDF{bdf}),
	); err == nil {
		t.Errorf("overlapping scopes: expected error")
	}

	r, err := NewRegistry(NewUnit("dmar0", Capabilities{}, false, []pci.BDF{bdf}))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, err := r.Catchall(); !errors.Is(err, ErrNoCatchall) {
		t.Errorf("Catchall without one: got %v, wanted ErrNoCatchall", err)
	}
	if _, ok := r.UnitFor(pci.NewBDF(0, 2, 0)); ok {
		t.Errorf("UnitFor with no catch-all: got ok, wanted none")
	}
}
