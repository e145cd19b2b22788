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

// Package machine models a small SMP host: a fixed set of processors with
// per-processor translation caches, and the machine-wide TLB shootdown
// protocol that page revocation relies on.
//
// A shootdown stops the world. The initiating CPU claims the single
// in-flight slot, interrupts every other CPU and waits for each to
// acknowledge; acknowledged CPUs park until the initiator ends the
// shootdown, and invalidate their translation caches before resuming. The
// initiator's own cache is flushed separately, by InvalidateEPT.
package machine

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/containerd/log"
)

// noOwner marks the shootdown slot free.
const noOwner int32 = -1

// shootdown is one stop-the-world request. acks is released as each
// interrupted CPU parks; release frees the parked CPUs; resumed is
// released as each of them finishes invalidating its cache.
type shootdown struct {
	acks    sync.WaitGroup
	release chan struct{}
	resumed sync.WaitGroup
}

// Stats is a snapshot of the machine's shootdown activity.
type Stats struct {
	// ShootdownsBegun counts successfully acquired shootdowns.
	ShootdownsBegun uint64

	// ShootdownsRefused counts TryBegin calls turned away because a
	// shootdown was already in flight.
	ShootdownsRefused uint64

	// IPIsDelivered counts per-CPU interrupts sent for shootdowns.
	IPIsDelivered uint64
}

// Machine is a fixed set of CPUs sharing one shootdown coordinator.
type Machine struct {
	cpus []*CPU

	// owner holds the ID of the CPU driving the in-flight shootdown, or
	// noOwner. It is the coordinator's only lock.
	owner atomic.Int32

	// inflight is written by the owning CPU between a successful
	// TryBegin and the matching End; nothing else touches it.
	inflight *shootdown

	begun   atomic.Uint64
	refused atomic.Uint64
	ipis    atomic.Uint64

	quit chan struct{}
	wg   sync.WaitGroup
}

// New returns a running machine with n CPUs. Each CPU's monitor goroutine
// is already servicing interrupts; call Stop to retire them.
func New(n int) *Machine {
	if n <= 0 {
		panic(fmt.Sprintf("machine: invalid CPU count %d", n))
	}
	m := &Machine{quit: make(chan struct{})}
	m.owner.Store(noOwner)
	for i := 0; i < n; i++ {
		m.cpus = append(m.cpus, newCPU(i, m))
	}
	for _, c := range m.cpus {
		m.wg.Add(1)
		go c.monitor()
	}
	log.L.Debugf("machine: %d CPUs online", n)
	return m
}

// NumCPUs returns the number of CPUs.
func (m *Machine) NumCPUs() int {
	return len(m.cpus)
}

// CPU returns the i'th CPU.
func (m *Machine) CPU(i int) *CPU {
	return m.cpus[i]
}

// Stop retires the CPU monitors. No shootdown may be in flight and no
// further shootdowns may begin.
func (m *Machine) Stop() {
	close(m.quit)
	m.wg.Wait()
}

// Stats returns a snapshot of the shootdown counters.
func (m *Machine) Stats() Stats {
	return Stats{
		ShootdownsBegun:   m.begun.Load(),
		ShootdownsRefused: m.refused.Load(),
		IPIsDelivered:     m.ipis.Load(),
	}
}

// tryBeginShootdown claims the shootdown slot for initiator. On success
// every other CPU has acknowledged and parked by the time it returns; the
// world stays stopped until endShootdown. On failure nothing happened.
func (m *Machine) tryBeginShootdown(initiator *CPU) bool {
	if !m.owner.CompareAndSwap(noOwner, int32(initiator.id)) {
		m.refused.Add(1)
		return false
	}

	sd := &shootdown{release: make(chan struct{})}
	others := len(m.cpus) - 1
	sd.acks.Add(others)
	sd.resumed.Add(others)
	for _, c := range m.cpus {
		if c == initiator {
			continue
		}
		c.ipi <- sd
		m.ipis.Add(1)
	}
	sd.acks.Wait()

	m.inflight = sd
	m.begun.Add(1)
	return true
}

// endShootdown releases the CPUs parked by initiator's shootdown. It
// returns once every one of them has invalidated its translation cache and
// resumed, then frees the slot.
func (m *Machine) endShootdown(initiator *CPU) {
	if m.owner.Load() != int32(initiator.id) {
		panic(fmt.Sprintf("machine: cpu%d ending a shootdown it does not own", initiator.id))
	}
	sd := m.inflight
	m.inflight = nil
	close(sd.release)
	sd.resumed.Wait()
	m.owner.Store(noOwner)
}
