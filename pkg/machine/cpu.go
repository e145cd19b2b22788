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

package machine

import (
	"fmt"
	"sync"

	"github.com/enr0n/MicroV/pkg/hvarch"
	"github.com/enr0n/MicroV/pkg/hve"
)

// tlbEntry is one cached 4K translation.
type tlbEntry struct {
	hpa  hvarch.HPA
	size hvarch.PageLevel
}

// CPU is one processor. It caches translations for its bound domain, so a
// mapping change elsewhere is invisible to it until a shootdown or an
// explicit invalidation, exactly the hazard the shootdown protocol exists
// to close.
type CPU struct {
	id int
	m  *Machine

	// ipi delivers shootdown requests. The send blocks until the CPU
	// picks the request up, from its monitor or from a preemption point.
	ipi chan *shootdown

	// mu guards dom and tlb.
	mu  sync.Mutex
	dom *hve.Domain
	tlb map[hvarch.GPA]tlbEntry
}

var _ hve.VCPU = (*CPU)(nil)

func newCPU(id int, m *Machine) *CPU {
	return &CPU{
		id:  id,
		m:   m,
		ipi: make(chan *shootdown),
		tlb: make(map[hvarch.GPA]tlbEntry),
	}
}

// ID returns the CPU's index on its machine.
func (c *CPU) ID() int {
	return c.id
}

// BindDomain switches the CPU onto d, flushing the translation cache as a
// context switch would. A nil d leaves the CPU unbound.
func (c *CPU) BindDomain(d *hve.Domain) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dom = d
	c.tlb = make(map[hvarch.GPA]tlbEntry)
}

// Domain returns the bound domain, or nil.
func (c *CPU) Domain() *hve.Domain {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dom
}

// DomainID implements hve.VCPU.DomainID.
func (c *CPU) DomainID() hvarch.DomainID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dom == nil {
		return hvarch.InvalidDomainID
	}
	return c.dom.ID()
}

// GPAToHPA implements hve.VCPU.GPAToHPA. It consults the CPU's translation
// cache first, then walks the bound domain's map and caches the result. A
// cached translation may be stale until this CPU invalidates.
func (c *CPU) GPAToHPA(gpa hvarch.GPA) (hvarch.HPA, hvarch.PageLevel, error) {
	page := gpa.RoundDown()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.tlb[page]; ok {
		return e.hpa, e.size, nil
	}
	if c.dom == nil {
		return 0, 0, fmt.Errorf("%w: cpu%d has no domain", hve.ErrTranslationFault, c.id)
	}
	hpa, size, _, _, ok := c.dom.EPT().Lookup(page)
	if !ok {
		return 0, 0, fmt.Errorf("%w: gpa %#x", hve.ErrNoTranslation, uint64(page))
	}
	c.tlb[page] = tlbEntry{hpa: hpa, size: size}
	return hpa, size, nil
}

// TryBeginTLBShootdown implements hve.VCPU.TryBeginTLBShootdown.
func (c *CPU) TryBeginTLBShootdown() bool {
	return c.m.tryBeginShootdown(c)
}

// EndTLBShootdown implements hve.VCPU.EndTLBShootdown.
func (c *CPU) EndTLBShootdown() {
	c.m.endShootdown(c)
}

// InvalidateEPT implements hve.VCPU.InvalidateEPT. It flushes this CPU's
// cache only; remote caches are handled by the shootdown itself.
func (c *CPU) InvalidateEPT() {
	c.invalidateTLB()
}

func (c *CPU) invalidateTLB() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tlb = make(map[hvarch.GPA]tlbEntry)
}

// Preempt services a pending shootdown request, if any, parking until the
// initiator finishes. Loops modeling code running on this CPU call it so
// the machine cannot stall waiting for their acknowledgement.
func (c *CPU) Preempt() {
	select {
	case sd := <-c.ipi:
		c.park(sd)
	default:
	}
}

// monitor acknowledges shootdown requests while the CPU is otherwise idle.
func (c *CPU) monitor() {
	defer c.m.wg.Done()
	for {
		select {
		case <-c.m.quit:
			return
		case sd := <-c.ipi:
			c.park(sd)
		}
	}
}

// park acknowledges sd and waits out the shootdown, invalidating the
// translation cache before resuming.
func (c *CPU) park(sd *shootdown) {
	sd.acks.Done()
	<-sd.release
	c.invalidateTLB()
	sd.resumed.Done()
}
