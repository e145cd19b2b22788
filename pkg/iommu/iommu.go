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

// Package iommu models the DMA-remapping units and the per-unit context
// tables binding PCI devices to domains.
//
// A unit claims devices either through an explicit scope list or through a
// catch-all scope covering everything no other unit claims. Context-table
// writes are idempotent for the holding domain and fail when another domain
// already holds the slot; a domain never silently steals a device's DMA
// translation.
package iommu

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/log"
	"golang.org/x/time/rate"

	"github.com/enr0n/MicroV/pkg/hvarch"
	"github.com/enr0n/MicroV/pkg/pci"
)

var (
	// ErrScopeConflict is returned when a context-table slot is already
	// bound to a different domain.
	ErrScopeConflict = errors.New("device scope held by another domain")

	// ErrNoCatchall is returned by a registry built without a catch-all
	// unit when one is required.
	ErrNoCatchall = errors.New("no catch-all unit")
)

// Capabilities describes what a unit's hardware can do.
type Capabilities struct {
	// CoherentPageWalk is true if the unit snoops the CPU caches when
	// walking translation tables. Without it the CPU must flush table
	// memory it writes.
	CoherentPageWalk bool

	// SnoopControl is true if the unit honors the snoop bit in
	// translation entries.
	SnoopControl bool

	// PSI is true if the unit supports page-selective IOTLB
	// invalidation. Without it every invalidation flushes the whole
	// domain.
	PSI bool
}

// Stats is a snapshot of a unit's observable activity.
type Stats struct {
	// DomainFlushes counts full per-domain IOTLB flushes.
	DomainFlushes uint64

	// RangeFlushes counts page-selective IOTLB flushes.
	RangeFlushes uint64

	// Enables counts DMA-remapping enable transitions. Stays at most 1
	// unless remapping is torn down and brought back.
	Enables uint64
}

// fallbackWarn paces the non-PSI fallback warning so a flush-heavy guest
// cannot flood the log.
var fallbackWarn = rate.NewLimiter(rate.Every(30*time.Second), 1)

// Unit is one DMA-remapping unit.
type Unit struct {
	name     string
	caps     Capabilities
	catchall bool
	scope    map[pci.BDF]bool

	mu sync.Mutex

	// busCtx and devCtx are the context tables: who translates DMA for
	// a whole bus, and for a single device function. Guarded by mu.
	busCtx map[uint8]hvarch.DomainID
	devCtx map[pci.BDF]hvarch.DomainID

	remapEnabled bool
	stats        Stats
}

// NewUnit builds a unit named name with the given capabilities. A catchall
// unit claims every device no other unit's scope lists; otherwise the unit
// claims exactly the scope devices.
func NewUnit(name string, caps Capabilities, catchall bool, scope []pci.BDF) *Unit {
	u := &Unit{
		name:     name,
		caps:     caps,
		catchall: catchall,
		scope:    make(map[pci.BDF]bool, len(scope)),
		busCtx:   make(map[uint8]hvarch.DomainID),
		devCtx:   make(map[pci.BDF]hvarch.DomainID),
	}
	for _, bdf := range scope {
		u.scope[bdf] = true
	}
	return u
}

// Name returns the unit's name.
func (u *Unit) Name() string {
	return u.name
}

// Capabilities returns the unit's capability flags.
func (u *Unit) Capabilities() Capabilities {
	return u.caps
}

// CoherentPageWalk reports whether the unit snoops translation-table walks.
func (u *Unit) CoherentPageWalk() bool {
	return u.caps.CoherentPageWalk
}

// SnoopControl reports whether the unit honors snoop control.
func (u *Unit) SnoopControl() bool {
	return u.caps.SnoopControl
}

// SupportsPSI reports whether the unit can invalidate single pages.
func (u *Unit) SupportsPSI() bool {
	return u.caps.PSI
}

// HasCatchallScope reports whether the unit claims otherwise-unclaimed
// devices.
func (u *Unit) HasCatchallScope() bool {
	return u.catchall
}

// ClaimsDevice reports whether bdf is in the unit's explicit scope.
func (u *Unit) ClaimsDevice(bdf pci.BDF) bool {
	return u.scope[bdf]
}

// MapBus binds every device function on bus to dom. Rebinding to the same
// domain is a no-op; a bus held by another domain is a conflict.
func (u *Unit) MapBus(bus uint8, dom hvarch.DomainID) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if held, ok := u.busCtx[bus]; ok && held != dom {
		return fmt.Errorf("%w: unit %s bus %02x held by %v", ErrScopeConflict, u.name, bus, held)
	}
	u.busCtx[bus] = dom
	return nil
}

// MapDeviceFunction binds a single device function to dom. Rebinding to the
// same domain is a no-op; a function held by another domain is a conflict.
func (u *Unit) MapDeviceFunction(bdf pci.BDF, dom hvarch.DomainID) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if held, ok := u.devCtx[bdf]; ok && held != dom {
		return fmt.Errorf("%w: unit %s device %v held by %v", ErrScopeConflict, u.name, bdf, held)
	}
	u.devCtx[bdf] = dom
	return nil
}

// DomainFor returns the domain bound to bdf, preferring a device-function
// context over a whole-bus context.
func (u *Unit) DomainFor(bdf pci.BDF) (hvarch.DomainID, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if dom, ok := u.devCtx[bdf]; ok {
		return dom, true
	}
	dom, ok := u.busCtx[bdf.Bus()]
	return dom, ok
}

// ClearDomain removes every context binding to dom, for teardown after the
// domain is destroyed.
func (u *Unit) ClearDomain(dom hvarch.DomainID) {
	u.mu.Lock()
	defer u.mu.Unlock()

	for bus, held := range u.busCtx {
		if held == dom {
			delete(u.busCtx, bus)
		}
	}
	for bdf, held := range u.devCtx {
		if held == dom {
			delete(u.devCtx, bdf)
		}
	}
}

// EnableDMARemapping turns translation on if it is not already on.
func (u *Unit) EnableDMARemapping() {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.remapEnabled {
		return
	}
	u.remapEnabled = true
	u.stats.Enables++
	log.L.Debugf("iommu %s: dma remapping enabled", u.name)
}

// DMARemappingEnabled reports whether translation is on.
func (u *Unit) DMARemappingEnabled() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.remapEnabled
}

// FlushIOTLBDomain invalidates every cached translation the unit holds for
// dom.
func (u *Unit) FlushIOTLBDomain(dom hvarch.DomainID) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.stats.DomainFlushes++
}

// FlushIOTLBRange invalidates the cached translations for length bytes at
// gpa in dom. A unit without page-selective invalidation cannot do less
// than the whole domain, so it does that instead.
func (u *Unit) FlushIOTLBRange(dom hvarch.DomainID, gpa hvarch.GPA, length uint64) {
	if !u.caps.PSI {
		if fallbackWarn.Allow() {
			log.L.Warnf("iommu %s: no PSI support, flushing all of %v for [%#x, %#x)",
				u.name, dom, uint64(gpa), uint64(gpa)+length)
		}
		u.FlushIOTLBDomain(dom)
		return
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	u.stats.RangeFlushes++
}

// Stats returns a snapshot of the unit's counters.
func (u *Unit) Stats() Stats {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stats
}

// Registry owns the platform's units and routes devices to them.
type Registry struct {
	units    []*Unit
	catchall *Unit
}

// NewRegistry validates and collects the platform's units: explicit scopes
// must not overlap, and at most one unit may carry the catch-all scope.
func NewRegistry(units ...*Unit) (*Registry, error) {
	r := &Registry{}
	claimed := make(map[pci.BDF]string)
	for _, u := range units {
		if u.catchall {
			if r.catchall != nil {
				return nil, fmt.Errorf("iommu: units %s and %s both claim catch-all scope", r.catchall.name, u.name)
			}
			r.catchall = u
		}
		for bdf := range u.scope {
			if prev, ok := claimed[bdf]; ok {
				return nil, fmt.Errorf("iommu: device %v claimed by units %s and %s", bdf, prev, u.name)
			}
			claimed[bdf] = u.name
		}
		r.units = append(r.units, u)
	}
	return r, nil
}

// Units returns every unit, in registration order.
func (r *Registry) Units() []*Unit {
	return r.units
}

// UnitFor returns the unit servicing bdf: the unit explicitly scoping it if
// one does, else the catch-all unit.
func (r *Registry) UnitFor(bdf pci.BDF) (*Unit, bool) {
	for _, u := range r.units {
		if u.ClaimsDevice(bdf) {
			return u, true
		}
	}
	if r.catchall != nil {
		return r.catchall, true
	}
	return nil, false
}

// Catchall returns the catch-all unit.
func (r *Registry) Catchall() (*Unit, error) {
	if r.catchall == nil {
		return nil, ErrNoCatchall
	}
	return r.catchall, nil
}
