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

package hve

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/containerd/log"

	"github.com/enr0n/MicroV/pkg/donation"
	"github.com/enr0n/MicroV/pkg/ept"
	"github.com/enr0n/MicroV/pkg/hvarch"
	"github.com/enr0n/MicroV/pkg/iommu"
	"github.com/enr0n/MicroV/pkg/pci"
	"github.com/enr0n/MicroV/pkg/uart"
)

// assignedDevice pairs a PCI device with the unit that remaps its DMA.
type assignedDevice struct {
	dev  pci.Device
	unit *iommu.Unit
}

// Domain is one virtual machine's memory-ownership state.
type Domain struct {
	id       hvarch.DomainID
	cfg      Config
	ept      *ept.Map
	donated  *donation.Tracker
	registry Registry

	// iommuMu guards the device-assignment and remapping-unit state.
	// It is never held while waiting on another processor.
	iommuMu     sync.Mutex
	iommus      map[*iommu.Unit]bool
	assigned    []assignedDevice
	dmaMapReady bool

	// uarts answer the four standard COM ports; ptUART, once created,
	// takes precedence over all of them.
	uarts  [4]*uart.Device
	ptUART *uart.Device

	// stateMu guards the builder-written state below.
	stateMu    sync.Mutex
	pv         PVMap
	regs       Registers
	e820       []E820Entry
	uartPort   uart.Port
	ptUARTPort uart.Port

	// Informational counters.
	donations        atomic.Uint64
	reclaims         atomic.Uint64
	shootdownRetries atomic.Uint64
}

// DonationStats is a snapshot of a domain's donation activity.
type DonationStats struct {
	// Donations counts pages successfully lent out.
	Donations uint64

	// Reclaims counts pages successfully taken back.
	Reclaims uint64

	// ShootdownRetries counts donation attempts turned away because a
	// shootdown was already in flight.
	ShootdownRetries uint64
}

func newDomain(id hvarch.DomainID, cfg Config, registry Registry) *Domain {
	d := &Domain{
		id:         id,
		cfg:        cfg,
		ept:        ept.New(),
		donated:    donation.NewTracker(),
		registry:   registry,
		iommus:     make(map[*iommu.Unit]bool),
		uartPort:   cfg.UART,
		ptUARTPort: cfg.PTUART,
	}
	for i, port := range uart.StandardPorts {
		d.uarts[i] = uart.NewDevice(port)
	}
	return d
}

// ID returns the domain's identifier.
func (d *Domain) ID() hvarch.DomainID {
	return d.id
}

// Config returns the domain's build parameters.
func (d *Domain) Config() Config {
	return d.cfg
}

// ExecMode returns the domain's kernel entry convention.
func (d *Domain) ExecMode() ExecMode {
	return d.cfg.ExecMode
}

// EPT returns the domain's translation map.
func (d *Domain) EPT() *ept.Map {
	return d.ept
}

// SetPVMap routes future page installations for this domain through pv
// instead of the translation map.
func (d *Domain) SetPVMap(pv PVMap) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	d.pv = pv
}

func (d *Domain) pvMap() PVMap {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.pv
}

// DonationStats returns a snapshot of the domain's donation counters.
func (d *Domain) DonationStats() DonationStats {
	return DonationStats{
		Donations:        d.donations.Load(),
		Reclaims:         d.reclaims.Load(),
		ShootdownRetries: d.shootdownRetries.Load(),
	}
}

// Device assignment and DMA remapping.

// AssignPCIDevice gives the domain a device and the unit that remaps its
// DMA. Assignment is complete before PrepareIOMMUs runs.
func (d *Domain) AssignPCIDevice(dev pci.Device, unit *iommu.Unit) {
	d.iommuMu.Lock()
	defer d.iommuMu.Unlock()
	d.assigned = append(d.assigned, assignedDevice{dev: dev, unit: unit})
}

// AssignedDevices returns the domain's assigned devices.
func (d *Domain) AssignedDevices() []pci.Device {
	d.iommuMu.Lock()
	defer d.iommuMu.Unlock()
	devs := make([]pci.Device, 0, len(d.assigned))
	for _, ad := range d.assigned {
		devs = append(devs, ad.dev)
	}
	return devs
}

// AddIOMMU puts unit in the domain's remapping-unit set. Duplicate adds
// are no-ops.
func (d *Domain) AddIOMMU(unit *iommu.Unit) {
	d.iommuMu.Lock()
	defer d.iommuMu.Unlock()
	d.iommus[unit] = true
}

// RemoveIOMMU takes unit out of the domain's remapping-unit set.
func (d *Domain) RemoveIOMMU(unit *iommu.Unit) {
	d.iommuMu.Lock()
	defer d.iommuMu.Unlock()
	delete(d.iommus, unit)
}

// IOMMUs returns the domain's remapping units, ordered by name.
func (d *Domain) IOMMUs() []*iommu.Unit {
	units := d.iommuSet()
	sort.Slice(units, func(i, j int) bool { return units[i].Name() < units[j].Name() })
	return units
}

func (d *Domain) iommuSet() []*iommu.Unit {
	d.iommuMu.Lock()
	defer d.iommuMu.Unlock()
	units := make([]*iommu.Unit, 0, len(d.iommus))
	for u := range d.iommus {
		units = append(units, u)
	}
	return units
}

// PrepareIOMMUs finalizes device assignment: it collects the assigned
// devices' units into the domain's set, intersects their capabilities onto
// the translation map, and flushes the tables once if any unit cannot
// snoop table walks. Afterwards MapDMA may run.
func (d *Domain) PrepareIOMMUs() {
	coherent, snoopCtl := true, true

	d.iommuMu.Lock()
	for _, ad := range d.assigned {
		coherent = ad.unit.CoherentPageWalk() && coherent
		snoopCtl = ad.unit.SnoopControl() && snoopCtl
		d.iommus[ad.unit] = true
	}
	d.iommuMu.Unlock()

	d.ept.SetCoherence(coherent, snoopCtl)
	if !coherent {
		d.ept.FlushTables()
		log.L.Infof("domain %v: flushed translation tables: coherent=%t snoop_ctl=%t",
			d.id, coherent, snoopCtl)
	}

	d.iommuMu.Lock()
	d.dmaMapReady = true
	d.iommuMu.Unlock()
}

func (d *Domain) findCatchallLocked() *iommu.Unit {
	for u := range d.iommus {
		if u.HasCatchallScope() {
			return u
		}
	}
	return nil
}

// MapDMA writes the domain's context-table bindings and turns remapping on
// for each of its units.
//
// The root domain claims the whole platform: every bus without passthrough
// devices binds wholesale to the catch-all unit; buses hosting passthrough
// devices bind function by function, skipping the passthrough functions;
// each assigned device on a non-catch-all unit binds through that unit.
// Guests bind only their assigned devices. topo is consulted only on the
// root path.
//
// MapDMA panics if PrepareIOMMUs has not run.
func (d *Domain) MapDMA(topo *pci.Topology) error {
	d.iommuMu.Lock()
	defer d.iommuMu.Unlock()

	if !d.dmaMapReady {
		panic("hve: MapDMA before PrepareIOMMUs")
	}
	if d.id.IsRoot() {
		return d.mapRootDMALocked(topo)
	}
	return d.mapGuestDMALocked()
}

func (d *Domain) mapRootDMALocked(topo *pci.Topology) error {
	if topo == nil {
		panic("hve: root MapDMA requires the platform topology")
	}
	catchall := d.findCatchallLocked()
	if catchall == nil {
		return iommu.ErrNoCatchall
	}

	for bus := 0; bus < pci.NumBuses; bus++ {
		b := uint8(bus)
		if !topo.BusHasPassthrough(b) {
			if err := catchall.MapBus(b, d.id); err != nil {
				return err
			}
			continue
		}
		for devfn := 0; devfn < pci.NumDevFns; devfn++ {
			addr := pci.BDFFromDevFn(b, uint8(devfn))
			if topo.IsPassthrough(addr) {
				continue
			}
			if err := catchall.MapDeviceFunction(addr, d.id); err != nil {
				return err
			}
		}
	}

	for _, ad := range d.assigned {
		if ad.unit.HasCatchallScope() {
			continue
		}
		if err := ad.unit.MapDeviceFunction(ad.dev.Addr, d.id); err != nil {
			return err
		}
	}

	d.enableRemappingLocked()
	return nil
}

func (d *Domain) mapGuestDMALocked() error {
	for _, ad := range d.assigned {
		if err := ad.unit.MapDeviceFunction(ad.dev.Addr, d.id); err != nil {
			return err
		}
	}
	d.enableRemappingLocked()
	return nil
}

func (d *Domain) enableRemappingLocked() {
	for u := range d.iommus {
		if u.DMARemappingEnabled() {
			continue
		}
		u.EnableDMARemapping()
	}
}

// FlushIOTLB invalidates every unit's cached translations for this domain.
func (d *Domain) FlushIOTLB() {
	for _, u := range d.iommuSet() {
		u.FlushIOTLBDomain(d.id)
	}
}

// FlushIOTLBPage4K invalidates one 4K page's cached DMA translations,
// falling back to a whole-domain flush on units without page-selective
// invalidation.
func (d *Domain) FlushIOTLBPage4K(gpa hvarch.GPA) {
	d.flushIOTLBRange(gpa, hvarch.PageSize)
}

// FlushIOTLBPage2M is FlushIOTLBPage4K for a 2M page.
func (d *Domain) FlushIOTLBPage2M(gpa hvarch.GPA) {
	d.flushIOTLBRange(gpa, hvarch.HugePageSize)
}

func (d *Domain) flushIOTLBRange(gpa hvarch.GPA, length uint64) {
	for _, u := range d.iommuSet() {
		if !u.SupportsPSI() {
			u.FlushIOTLBDomain(d.id)
			continue
		}
		u.FlushIOTLBRange(d.id, gpa, length)
	}
}

// The fixed-granularity mapping surface the VM-exit and hypercall layers
// call into. Addresses must be aligned to the named granularity.

// Map1GR maps a 1G read-only write-back page.
func (d *Domain) Map1GR(gpa hvarch.GPA, hpa hvarch.HPA) {
	d.ept.Map(gpa, hpa, hvarch.PageLevel1G, hvarch.ReadOnly, hvarch.MemoryTypeWriteBack)
}

// Map2MR maps a 2M read-only write-back page.
func (d *Domain) Map2MR(gpa hvarch.GPA, hpa hvarch.HPA) {
	d.ept.Map(gpa, hpa, hvarch.PageLevel2M, hvarch.ReadOnly, hvarch.MemoryTypeWriteBack)
}

// Map4KR maps a 4K read-only write-back page.
func (d *Domain) Map4KR(gpa hvarch.GPA, hpa hvarch.HPA) {
	d.ept.Map(gpa, hpa, hvarch.PageLevel4K, hvarch.ReadOnly, hvarch.MemoryTypeWriteBack)
}

// Map1GRW maps a 1G read-write write-back page.
func (d *Domain) Map1GRW(gpa hvarch.GPA, hpa hvarch.HPA) {
	d.ept.Map(gpa, hpa, hvarch.PageLevel1G, hvarch.ReadWrite, hvarch.MemoryTypeWriteBack)
}

// Map2MRW maps a 2M read-write write-back page.
func (d *Domain) Map2MRW(gpa hvarch.GPA, hpa hvarch.HPA) {
	d.ept.Map(gpa, hpa, hvarch.PageLevel2M, hvarch.ReadWrite, hvarch.MemoryTypeWriteBack)
}

// Map4KRW maps a 4K read-write write-back page.
func (d *Domain) Map4KRW(gpa hvarch.GPA, hpa hvarch.HPA) {
	d.ept.Map(gpa, hpa, hvarch.PageLevel4K, hvarch.ReadWrite, hvarch.MemoryTypeWriteBack)
}

// Map1GRWE maps a 1G read-write-execute write-back page.
func (d *Domain) Map1GRWE(gpa hvarch.GPA, hpa hvarch.HPA) {
	d.ept.Map(gpa, hpa, hvarch.PageLevel1G, hvarch.AnyAccess, hvarch.MemoryTypeWriteBack)
}

// Map2MRWE maps a 2M read-write-execute write-back page.
func (d *Domain) Map2MRWE(gpa hvarch.GPA, hpa hvarch.HPA) {
	d.ept.Map(gpa, hpa, hvarch.PageLevel2M, hvarch.AnyAccess, hvarch.MemoryTypeWriteBack)
}

// Map4KRWE maps a 4K read-write-execute write-back page.
func (d *Domain) Map4KRWE(gpa hvarch.GPA, hpa hvarch.HPA) {
	d.ept.Map(gpa, hpa, hvarch.PageLevel4K, hvarch.AnyAccess, hvarch.MemoryTypeWriteBack)
}

// Map4KRWWriteCombine maps a 4K read-write write-combining page.
func (d *Domain) Map4KRWWriteCombine(gpa hvarch.GPA, hpa hvarch.HPA) {
	d.ept.Map(gpa, hpa, hvarch.PageLevel4K, hvarch.ReadWrite, hvarch.MemoryTypeWriteCombine)
}

// Map4KRWUncached maps a 4K read-write uncached page.
func (d *Domain) Map4KRWUncached(gpa hvarch.GPA, hpa hvarch.HPA) {
	d.ept.Map(gpa, hpa, hvarch.PageLevel4K, hvarch.ReadWrite, hvarch.MemoryTypeUncached)
}

// Unmap marks the translation covering gpa not-present, keeping the table
// node. It fails with ErrNoTranslation if nothing covers gpa.
func (d *Domain) Unmap(gpa hvarch.GPA) error {
	if !d.ept.Unmap(gpa) {
		return fmt.Errorf("%w: gpa %#x", ErrNoTranslation, uint64(gpa))
	}
	return nil
}

// Release removes the translation covering gpa and prunes empty tables. It
// fails with ErrNoTranslation if no translation was removed; pruning
// happens regardless.
func (d *Domain) Release(gpa hvarch.GPA) error {
	if !d.ept.Release(gpa) {
		return fmt.Errorf("%w: gpa %#x", ErrNoTranslation, uint64(gpa))
	}
	return nil
}

// UART plumbing.

// SetUART selects the emulated console port.
func (d *Domain) SetUART(port uart.Port) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	d.uartPort = port
}

// SetPTUART selects a passthrough console port, overriding SetUART.
func (d *Domain) SetPTUART(port uart.Port) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	d.ptUARTPort = port
}

// SetupVCPUUARTs wires vcpu's view of the COM ports. All four standard
// ports are disabled first; guests probe them, so each must answer even if
// it swallows the traffic. Then the passthrough port, if configured, or
// the selected emulated port is enabled.
func (d *Domain) SetupVCPUUARTs(vcpu int) {
	for _, u := range d.uarts {
		u.Disable(vcpu)
	}

	d.stateMu.Lock()
	if d.ptUARTPort != 0 && d.ptUART == nil {
		d.ptUART = uart.NewPassthrough(d.ptUARTPort)
	}
	pt, port := d.ptUART, d.uartPort
	d.stateMu.Unlock()

	if pt != nil {
		pt.Enable(vcpu)
		return
	}
	if u := d.uartAt(port); u != nil {
		u.Enable(vcpu)
	}
}

func (d *Domain) uartAt(port uart.Port) *uart.Device {
	for _, u := range d.uarts {
		if u.Port() == port {
			return u
		}
	}
	return nil
}

// WriteUART delivers guest console bytes arriving from vcpu at port,
// returning how many were accepted.
func (d *Domain) WriteUART(vcpu int, port uart.Port, p []byte) int {
	d.stateMu.Lock()
	pt := d.ptUART
	d.stateMu.Unlock()

	if pt != nil && pt.Port() == port {
		return pt.Write(vcpu, p)
	}
	if u := d.uartAt(port); u != nil {
		return u.Write(vcpu, p)
	}
	return 0
}

// DumpUART drains the active console device into p, returning how many
// bytes were drained.
func (d *Domain) DumpUART(p []byte) int {
	d.stateMu.Lock()
	pt, port := d.ptUART, d.uartPort
	d.stateMu.Unlock()

	if pt != nil {
		return pt.Dump(p)
	}
	if u := d.uartAt(port); u != nil {
		return u.Dump(p)
	}
	return 0
}

// Boot state.

// AddE820Entry appends [base, end) with the given type to the memory map
// handed to the guest.
func (d *Domain) AddE820Entry(base, end uint64, typ E820Type) error {
	if end <= base {
		return fmt.Errorf("hve: bad e820 range [%#x, %#x)", base, end)
	}
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	d.e820 = append(d.e820, E820Entry{Base: base, Size: end - base, Type: typ})
	return nil
}

// E820 returns a copy of the guest-visible memory map, in insertion order.
func (d *Domain) E820() []E820Entry {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	entries := make([]E820Entry, len(d.e820))
	copy(entries, d.e820)
	return entries
}

// Registers returns the domain's launch register state.
func (d *Domain) Registers() Registers {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.regs
}

// SetRegisters replaces the domain's launch register state.
func (d *Domain) SetRegisters(regs Registers) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	d.regs = regs
}
