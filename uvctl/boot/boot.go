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

// Package boot assembles the platform a config describes and drives guest
// memory traffic through it: donated pages carry real bytes through the
// backing arena, and reclaim returns them to the root intact.
package boot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/log"
	"golang.org/x/sync/errgroup"

	"github.com/enr0n/MicroV/pkg/hostmem"
	"github.com/enr0n/MicroV/pkg/hvarch"
	"github.com/enr0n/MicroV/pkg/hve"
	"github.com/enr0n/MicroV/pkg/iommu"
	"github.com/enr0n/MicroV/pkg/machine"
	"github.com/enr0n/MicroV/pkg/pci"
	"github.com/enr0n/MicroV/pkg/uart"
	"github.com/enr0n/MicroV/uvctl/config"
)

// Boot-state layout constants, the conventional PC memory map handed to
// each guest.
const (
	lowMemEnd    = 0x9FC00  // EBDA base
	lowMemTop    = 0xA0000  // legacy video hole
	biosBase     = 0xF0000  // system BIOS shadow
	extMemBase   = 0x100000 // memory above the 1M hole
	guestLoadGPA = 0x100000 // donated pages land here in guest space

	// trafficBase is where donation traffic draws root pages from, clear
	// of anything the boot layout touches.
	trafficBase = 0x01000000
)

// guest pairs a configured VM with its domain.
type guest struct {
	name string
	dom  *hve.Domain
}

// Platform is an assembled system: the simulated host, the domain pool,
// the remapping units, the PCI topology and the memory arena.
type Platform struct {
	Machine  *machine.Machine
	Pool     *hve.Pool
	IOMMUs   *iommu.Registry
	Topology *pci.Topology
	Arena    *hostmem.Arena
	Root     *hve.Domain

	guests []guest
}

// Assemble builds the platform cfg describes: arena, units, topology,
// machine, the identity-mapped root domain with platform DMA ownership,
// and one guest domain per configured VM. On failure everything already
// built is torn down.
func Assemble(cfg *config.Config) (*Platform, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("boot: %w", err)
	}

	arena, err := hostmem.NewArena(cfg.Platform.Memory)
	if err != nil {
		return nil, fmt.Errorf("boot: %w", err)
	}

	devs := make([]pci.Device, 0, len(cfg.Devices))
	scopes := make(map[string][]pci.BDF)
	for _, d := range cfg.Devices {
		addr, err := pci.ParseBDF(d.BDF)
		if err != nil {
			arena.Close()
			return nil, fmt.Errorf("boot: %w", err)
		}
		devs = append(devs, pci.Device{Addr: addr, Passthrough: d.Passthrough})
		if d.IOMMU != "" {
			scopes[d.IOMMU] = append(scopes[d.IOMMU], addr)
		}
	}

	units := make([]*iommu.Unit, 0, len(cfg.IOMMUs))
	for _, u := range cfg.IOMMUs {
		caps := iommu.Capabilities{
			CoherentPageWalk: u.CoherentPageWalk,
			SnoopControl:     u.SnoopControl,
			PSI:              u.PSI,
		}
		units = append(units, iommu.NewUnit(u.Name, caps, u.Catchall, scopes[u.Name]))
	}
	registry, err := iommu.NewRegistry(units...)
	if err != nil {
		arena.Close()
		return nil, fmt.Errorf("boot: %w", err)
	}

	topo, err := pci.NewTopology(devs)
	if err != nil {
		arena.Close()
		return nil, fmt.Errorf("boot: %w", err)
	}

	p := &Platform{
		Machine:  machine.New(cfg.NumCPUs()),
		Pool:     hve.NewPool(cfg.Platform.Memory),
		IOMMUs:   registry,
		Topology: topo,
		Arena:    arena,
	}

	root, err := p.Pool.CreateRoot(hve.Config{RAM: cfg.Platform.Memory})
	if err != nil {
		p.Teardown()
		return nil, fmt.Errorf("boot: %w", err)
	}
	p.Root = root

	// The root owns every unit and the whole bus space.
	for _, u := range registry.Units() {
		root.AddIOMMU(u)
	}
	root.PrepareIOMMUs()
	if len(registry.Units()) > 0 {
		if err := root.MapDMA(topo); err != nil {
			p.Teardown()
			return nil, fmt.Errorf("boot: root dma map: %w", err)
		}
	}

	for i := 0; i < p.Machine.NumCPUs(); i++ {
		cpu := p.Machine.CPU(i)
		cpu.BindDomain(root)
		root.SetupVCPUUARTs(cpu.ID())
	}

	for _, vm := range cfg.VMs {
		if err := p.addGuest(vm); err != nil {
			p.Teardown()
			return nil, fmt.Errorf("boot: vm %q: %w", vm.Name, err)
		}
	}

	log.L.Infof("boot: platform up: %d CPUs, %#x bytes, %d units, %d devices, %d VMs",
		p.Machine.NumCPUs(), cfg.Platform.Memory, len(units), len(devs), len(cfg.VMs))
	return p, nil
}

func (p *Platform) addGuest(vm config.VM) error {
	mode := hve.ExecModeNative
	if vm.ExecMode == config.ExecModeXenPVH {
		mode = hve.ExecModeXenPVH
	}
	uartPort := uart.Port(vm.UART)
	if uartPort == 0 {
		uartPort = uart.COM1
	}

	// Snapshot boot time for the guest. The monotonic reading stands in
	// for the timestamp counter.
	now := time.Now()
	d := p.Pool.Create(hve.Config{
		RAM:         vm.RAM,
		ExecMode:    mode,
		Wallclock:   now,
		TSC:         uint64(now.UnixNano()),
		UART:        uartPort,
		PTUART:      uart.Port(vm.PTUART),
		Passthrough: len(vm.Devices) > 0,
	})

	for _, s := range vm.Devices {
		addr, err := pci.ParseBDF(s)
		if err != nil {
			return err
		}
		dev, ok := p.Topology.Device(addr)
		if !ok {
			return fmt.Errorf("device %v not in topology", addr)
		}
		unit, ok := p.IOMMUs.UnitFor(addr)
		if !ok {
			return fmt.Errorf("no unit claims device %v", addr)
		}
		d.AssignPCIDevice(dev, unit)
	}
	d.PrepareIOMMUs()
	if len(vm.Devices) > 0 {
		if err := d.MapDMA(nil); err != nil {
			return err
		}
	}

	if err := addBootE820(d, vm.RAM); err != nil {
		return err
	}
	for i := 0; i < p.Machine.NumCPUs(); i++ {
		d.SetupVCPUUARTs(i)
	}

	p.guests = append(p.guests, guest{name: vm.Name, dom: d})
	log.L.Infof("boot: vm %q is %v: ram=%#x mode=%v uart=%#x", vm.Name, d.ID(), vm.RAM, mode, uint16(uartPort))
	return nil
}

// addBootE820 hands the guest the conventional PC memory map for its RAM
// size.
func addBootE820(d *hve.Domain, ram uint64) error {
	if err := d.AddE820Entry(0, lowMemEnd, hve.E820Ram); err != nil {
		return err
	}
	if err := d.AddE820Entry(lowMemEnd, lowMemTop, hve.E820Reserved); err != nil {
		return err
	}
	if err := d.AddE820Entry(biosBase, extMemBase, hve.E820Reserved); err != nil {
		return err
	}
	if ram > extMemBase {
		if err := d.AddE820Entry(extMemBase, ram, hve.E820Ram); err != nil {
			return err
		}
	}
	return nil
}

// Guests returns the guest domains in configuration order.
func (p *Platform) Guests() []*hve.Domain {
	ds := make([]*hve.Domain, 0, len(p.guests))
	for _, g := range p.guests {
		ds = append(ds, g.dom)
	}
	return ds
}

// Run drives rounds pages of donation traffic into every guest
// concurrently, verifying that each donated page carries its payload into
// guest address space, then retires the guests and reclaims their pages.
func (p *Platform) Run(ctx context.Context, rounds int) error {
	if rounds <= 0 {
		rounds = 1
	}

	if len(p.guests) > 0 {
		need := uint64(trafficBase) + uint64(len(p.guests)*rounds)*hvarch.PageSize
		if need > p.Arena.Size() {
			return fmt.Errorf("boot: arena of %#x bytes too small for %d rounds across %d VMs",
				p.Arena.Size(), rounds, len(p.guests))
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := range p.guests {
		i := i
		g.Go(func() error {
			return p.driveGuest(ctx, i, rounds)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := p.retireGuests(); err != nil {
		return err
	}

	stats := p.Root.DonationStats()
	mstats := p.Machine.Stats()
	log.L.Infof("boot: traffic done: %d donations, %d reclaims, %d shootdown retries, %d shootdowns, %d IPIs",
		stats.Donations, stats.Reclaims, stats.ShootdownRetries, mstats.ShootdownsBegun, mstats.IPIsDelivered)
	return nil
}

// driveGuest donates rounds pages to guest i, each carrying a payload
// written before donation and read back through the guest's translation
// afterwards.
func (p *Platform) driveGuest(ctx context.Context, i int, rounds int) error {
	gst := p.guests[i]
	cpu := p.Machine.CPU(i % p.Machine.NumCPUs())

	for r := 0; r < rounds; r++ {
		rootGPA := hvarch.GPA(trafficBase + (i*rounds+r)*hvarch.PageSize)
		guestGPA := hvarch.GPA(guestLoadGPA + r*hvarch.PageSize)

		hpa, _, err := cpu.GPAToHPA(rootGPA)
		if err != nil {
			return fmt.Errorf("vm %q: resolve %#x: %w", gst.name, uint64(rootGPA), err)
		}
		payload, err := p.Arena.Slice(hpa, hvarch.PageSize)
		if err != nil {
			return fmt.Errorf("vm %q: %w", gst.name, err)
		}
		fillPayload(payload, i, r)

		if err := p.Root.DonateWithRetry(ctx, cpu, rootGPA, gst.dom, guestGPA,
			hvarch.ReadWrite, hvarch.MemoryTypeWriteBack); err != nil {
			return fmt.Errorf("vm %q: donate %#x: %w", gst.name, uint64(rootGPA), err)
		}

		// Read the page back through the guest's own translation.
		ghpa, _, _, _, ok := gst.dom.EPT().Lookup(guestGPA)
		if !ok {
			return fmt.Errorf("vm %q: no guest translation at %#x after donation", gst.name, uint64(guestGPA))
		}
		got, err := p.Arena.Slice(ghpa, hvarch.PageSize)
		if err != nil {
			return fmt.Errorf("vm %q: %w", gst.name, err)
		}
		if !bytes.Equal(got, payload) {
			return fmt.Errorf("vm %q: page %#x corrupted across donation", gst.name, uint64(rootGPA))
		}

		cpu.Preempt()
	}

	if got := p.Root.DonatedPages(gst.dom.ID()); got != uint64(rounds) {
		return fmt.Errorf("vm %q: %d pages on loan, wanted %d", gst.name, got, rounds)
	}
	return nil
}

// fillPayload writes a per-guest, per-round pattern.
func fillPayload(p []byte, guest, round int) {
	for j := range p {
		p[j] = byte(guest + 1)
	}
	p[0] = byte(round)
	p[len(p)-1] = byte(round >> 8)
}

// retireGuests destroys every guest and reclaims its pages, verifying the
// root's identity mapping comes back.
func (p *Platform) retireGuests() error {
	for _, gst := range p.guests {
		id := gst.dom.ID()
		if err := p.Pool.Destroy(id); err != nil {
			return fmt.Errorf("boot: destroy %q: %w", gst.name, err)
		}
		if err := p.Root.ReclaimRootPages(id); err != nil && !errors.Is(err, hve.ErrNotDonated) {
			return fmt.Errorf("boot: reclaim from %q: %w", gst.name, err)
		}
		if p.Root.DonatedToGuest(id) {
			return fmt.Errorf("boot: %q still holds pages after reclaim", gst.name)
		}
		log.L.Infof("boot: vm %q retired", gst.name)
	}
	p.guests = nil
	return nil
}

// Teardown stops the machine and releases the arena. The platform must be
// quiescent.
func (p *Platform) Teardown() {
	if p.Machine != nil {
		p.Machine.Stop()
		p.Machine = nil
	}
	if p.Arena != nil {
		p.Arena.Close()
		p.Arena = nil
	}
}
