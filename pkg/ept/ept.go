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

// Package ept implements a domain's second-level address-translation map:
// the sparse four-level radix tree taking guest-physical to host-physical
// addresses at 4K, 2M and 1G granularity.
//
// The map enforces its contract with panics: callers pass page-aligned
// addresses, non-zero host-physical targets and at least one permission
// bit, or they are buggy. Runtime conditions (an address that simply is not
// mapped) are reported through return values.
//
// All methods are safe to call concurrently.
package ept

import (
	"fmt"
	"sync"

	"github.com/enr0n/MicroV/pkg/hvarch"
)

// Map is one domain's translation map.
//
// The zero Map is not usable; call New.
type Map struct {
	mu   sync.RWMutex
	root *table

	// coherent records whether every IOMMU walking these tables snoops
	// the page-walk cache. While false, each entry update is flushed.
	coherent bool

	// snoopCtl records whether every IOMMU walking these tables honors
	// the snoop-control bit.
	snoopCtl bool

	// Informational counters, guarded by mu.
	mappings     uint64
	tables       uint64
	flushes      uint64
	entryFlushes uint64
}

// Stats is a point-in-time snapshot of a Map's size and flush activity.
type Stats struct {
	// Mappings is the number of leaf translations.
	Mappings uint64

	// Tables is the number of allocated translation tables, including the
	// root.
	Tables uint64

	// Flushes is the number of full-table flushes.
	Flushes uint64

	// EntryFlushes is the number of single-entry flushes performed
	// because the map was marked non-coherent.
	EntryFlushes uint64
}

// New returns an empty translation map. A fresh map is considered coherent
// until an IOMMU capability intersection says otherwise.
func New() *Map {
	return &Map{
		root:     &table{},
		coherent: true,
		tables:   1,
	}
}

// touchEntry accounts for one entry write. Non-coherent maps flush each
// written entry so a concurrently-walking IOMMU observes it.
func (m *Map) touchEntry() {
	if !m.coherent {
		m.entryFlushes++
	}
}

// Map installs the translation gpa→hpa at the given granularity, replacing
// whatever the range previously translated to. If gpa currently lies inside
// a larger leaf, that leaf is demoted (splitting 1G→2M→4K as needed) so
// that every other page it covered keeps its translation. If the range
// currently holds smaller mappings, they are all replaced.
//
// Map panics if hpa is zero, if gpa or hpa is not aligned to size, or if at
// grants nothing.
func (m *Map) Map(gpa hvarch.GPA, hpa hvarch.HPA, size hvarch.PageLevel, at hvarch.AccessType, mt hvarch.MemoryType) {
	if hpa == 0 {
		panic(fmt.Sprintf("ept: mapping gpa %#x to the zero hpa", uint64(gpa)))
	}
	if uint64(gpa)&size.Mask() != 0 {
		panic(fmt.Sprintf("ept: gpa %#x not aligned to %v", uint64(gpa), size))
	}
	if uint64(hpa)&size.Mask() != 0 {
		panic(fmt.Sprintf("ept: hpa %#x not aligned to %v", uint64(hpa), size))
	}
	if !at.Any() {
		panic(fmt.Sprintf("ept: mapping gpa %#x with no access", uint64(gpa)))
	}
	if end, ok := gpa.AddLength(size.Size()); !ok || uint64(end) > 1<<translatableBits {
		panic(fmt.Sprintf("ept: gpa %#x beyond translatable range", uint64(gpa)))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.mapLocked(gpa, hpa, size, at, mt)
}

func (m *Map) mapLocked(gpa hvarch.GPA, hpa hvarch.HPA, size hvarch.PageLevel, at hvarch.AccessType, mt hvarch.MemoryType) {
	target := leafLevel(size)
	t := m.root
	for level := rootLevel; level > target; level-- {
		e := &t.entries[tableIndex(gpa, level)]
		if e.present {
			m.split(t, e, level)
		}
		if e.next == nil {
			e.next = &table{}
			t.used++
			m.tables++
			m.touchEntry()
		}
		t = e.next
	}

	e := &t.entries[tableIndex(gpa, target)]
	if e.next != nil {
		m.dropSubtree(t, e)
	}
	if e.present {
		m.clearLeaf(t, e)
	}
	m.setLeaf(t, e, hpa, at, mt)
}

// Unmap removes the leaf translation covering gpa, whatever its
// granularity, leaving interior tables in place. It returns false if gpa
// has no translation.
func (m *Map) Unmap(gpa hvarch.GPA) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, e, _, ok := m.walkLeaf(gpa)
	if !ok {
		return false
	}
	m.clearLeaf(t, e)
	return true
}

// Release removes the leaf translation covering gpa, if any, and prunes
// interior tables left empty along the walk. It returns whether a
// translation was removed; pruning happens either way, so Release after
// Unmap reclaims the tables Unmap kept.
func (m *Map) Release(gpa hvarch.GPA) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	path, e, level, ok := m.walkPath(gpa)
	if ok {
		m.clearLeaf(path[rootLevel-level], e)
	}
	m.prune(path, gpa, level)
	return ok
}

// Lookup returns the translation covering gpa. The returned hpa corresponds
// to gpa itself, with the offset inside the leaf folded in; size reports
// the leaf's granularity.
func (m *Map) Lookup(gpa hvarch.GPA) (hpa hvarch.HPA, size hvarch.PageLevel, at hvarch.AccessType, mt hvarch.MemoryType, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, e, level, ok := m.walkLeaf(gpa)
	if !ok {
		return 0, 0, hvarch.AccessType{}, 0, false
	}
	size = pageLevel(level)
	offset := uint64(gpa) & size.Mask()
	return e.hpa + hvarch.HPA(offset), size, e.at, e.mt, true
}

// Demote re-expresses the leaf covering gpa one granularity down: a 1G leaf
// becomes 512 2M leaves, a 2M leaf becomes 512 4K leaves. Every covered
// page keeps its translation, permissions and cacheability; only the
// granularity changes.
//
// Demote panics if gpa is unmapped or already covered by a 4K leaf.
func (m *Map) Demote(gpa hvarch.GPA) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, e, level, ok := m.walkLeaf(gpa)
	if !ok {
		panic(fmt.Sprintf("ept: demote of unmapped gpa %#x", uint64(gpa)))
	}
	if level == 0 {
		panic(fmt.Sprintf("ept: demote of 4K mapping at gpa %#x", uint64(gpa)))
	}
	m.split(t, e, level)
}

// IdentityMap fills [4K, max) with identity translations, read-write-execute
// and write-back, using the largest granularity each address's alignment
// permits. Page zero is intentionally left unmapped: a zero host-physical
// address means "no translation" everywhere else in the hypervisor, so the
// root domain must never receive it as a valid one.
//
// IdentityMap panics if max is not page-aligned or not above 4K.
func (m *Map) IdentityMap(max uint64) {
	if max&(hvarch.PageSize-1) != 0 {
		panic(fmt.Sprintf("ept: identity map limit %#x not page-aligned", max))
	}
	if max <= hvarch.PageSize {
		panic(fmt.Sprintf("ept: identity map limit %#x too small", max))
	}
	if max > 1<<translatableBits {
		panic(fmt.Sprintf("ept: identity map limit %#x beyond translatable range", max))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for addr := uint64(hvarch.PageSize); addr < max; {
		var size hvarch.PageLevel
		switch {
		case addr&(hvarch.GiantPageSize-1) == 0 && addr+hvarch.GiantPageSize <= max:
			size = hvarch.PageLevel1G
		case addr&(hvarch.HugePageSize-1) == 0 && addr+hvarch.HugePageSize <= max:
			size = hvarch.PageLevel2M
		default:
			size = hvarch.PageLevel4K
		}
		m.mapLocked(hvarch.GPA(addr), hvarch.HPA(addr), size, hvarch.AnyAccess, hvarch.MemoryTypeWriteBack)
		addr += size.Size()
	}
}

// FlushTables flushes every translation table, for IOMMUs that do not snoop
// the page-walk cache. In this model the flush is recorded rather than
// performed.
func (m *Map) FlushTables() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
}

// SetCoherence records the capability intersection of the IOMMUs sharing
// this map. Setting coherent to false makes every subsequent entry update
// flush.
func (m *Map) SetCoherence(coherent, snoopCtl bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coherent = coherent
	m.snoopCtl = snoopCtl
}

// Coherent reports whether page-walk coherence holds for every IOMMU
// sharing this map.
func (m *Map) Coherent() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.coherent
}

// SnoopControl reports whether every IOMMU sharing this map supports
// snoop control.
func (m *Map) SnoopControl() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snoopCtl
}

// Stats returns a snapshot of the map's counters.
func (m *Map) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		Mappings:     m.mappings,
		Tables:       m.tables,
		Flushes:      m.flushes,
		EntryFlushes: m.entryFlushes,
	}
}
