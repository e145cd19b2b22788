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

package ept

import (
	"fmt"

	"github.com/enr0n/MicroV/pkg/hvarch"
)

const (
	// entriesPerTable is the number of slots in one translation table.
	entriesPerTable = 512

	// indexMask extracts a table index from a shifted address.
	indexMask = entriesPerTable - 1

	// rootLevel is the table level of the top-level table. Leaves at
	// levels 0, 1 and 2 translate 4K, 2M and 1G respectively.
	rootLevel = 3

	// translatableBits is the width of the guest-physical address space
	// covered by a four-level walk.
	translatableBits = 48
)

// entry is one slot in a translation table. An entry is empty, a leaf
// translation, or a pointer to the next-level table; never both a leaf and a
// pointer.
type entry struct {
	// present is true for a leaf translation.
	present bool

	// hpa is the host-physical base of the translated range. Valid only
	// when present.
	hpa hvarch.HPA

	// at and mt are the leaf's permissions and cacheability. Valid only
	// when present.
	at hvarch.AccessType
	mt hvarch.MemoryType

	// next points to the lower-level table. Valid only when not present.
	next *table
}

func (e *entry) empty() bool {
	return !e.present && e.next == nil
}

// table is one level of the sparse radix tree.
type table struct {
	entries [entriesPerTable]entry

	// used counts non-empty entries, so pruning does not rescan.
	used int
}

// levelShift returns the address shift for a table level.
func levelShift(level int) uint {
	return hvarch.PageShift + uint(level)*9
}

// tableIndex returns gpa's slot in a table at the given level.
func tableIndex(gpa hvarch.GPA, level int) int {
	return int(uint64(gpa)>>levelShift(level)) & indexMask
}

// leafLevel maps a page granule onto the table level holding its leaves.
func leafLevel(size hvarch.PageLevel) int {
	switch size {
	case hvarch.PageLevel4K:
		return 0
	case hvarch.PageLevel2M:
		return 1
	case hvarch.PageLevel1G:
		return 2
	default:
		panic(fmt.Sprintf("invalid page level %d", size))
	}
}

// pageLevel is the inverse of leafLevel.
func pageLevel(level int) hvarch.PageLevel {
	switch level {
	case 0:
		return hvarch.PageLevel4K
	case 1:
		return hvarch.PageLevel2M
	case 2:
		return hvarch.PageLevel1G
	default:
		panic(fmt.Sprintf("no page granule at table level %d", level))
	}
}

// setLeaf installs a leaf translation in e, which must be empty.
func (m *Map) setLeaf(t *table, e *entry, hpa hvarch.HPA, at hvarch.AccessType, mt hvarch.MemoryType) {
	if !e.empty() {
		panic("setLeaf on occupied entry")
	}
	e.present = true
	e.hpa = hpa
	e.at = at
	e.mt = mt
	t.used++
	m.mappings++
	m.touchEntry()
}

// clearLeaf removes the leaf translation in e, which must be present.
func (m *Map) clearLeaf(t *table, e *entry) {
	e.present = false
	e.hpa = 0
	e.at = hvarch.AccessType{}
	e.mt = hvarch.MemoryTypeWriteBack
	t.used--
	m.mappings--
	m.touchEntry()
}

// split demotes the leaf in e one level: the translation is re-expressed as
// a full table of next-smaller leaves covering the same range with the same
// permissions and cacheability. level is the table level e lives at.
func (m *Map) split(t *table, e *entry, level int) {
	if !e.present {
		panic("split of non-leaf entry")
	}
	if level == 0 {
		panic("split of 4K entry")
	}
	next := &table{}
	childSize := hvarch.HPA(1) << levelShift(level-1)
	for i := range next.entries {
		c := &next.entries[i]
		c.present = true
		c.hpa = e.hpa + hvarch.HPA(i)*childSize
		c.at = e.at
		c.mt = e.mt
	}
	next.used = entriesPerTable
	m.mappings += entriesPerTable - 1
	m.tables++

	e.present = false
	e.hpa = 0
	e.at = hvarch.AccessType{}
	e.mt = hvarch.MemoryTypeWriteBack
	e.next = next
	m.touchEntry()
}

// dropSubtree discards the table below e and every translation in it,
// adjusting the mapping and table counts. e itself becomes empty.
func (m *Map) dropSubtree(t *table, e *entry) {
	if e.next == nil {
		return
	}
	m.discard(e.next)
	e.next = nil
	t.used--
	m.touchEntry()
}

func (m *Map) discard(t *table) {
	for i := range t.entries {
		e := &t.entries[i]
		if e.present {
			m.mappings--
		} else if e.next != nil {
			m.discard(e.next)
		}
	}
	m.tables--
}

// walkLeaf descends to the leaf entry covering gpa. It returns the entry,
// its containing table and its table level, or ok=false if the walk ends on
// an empty slot.
func (m *Map) walkLeaf(gpa hvarch.GPA) (t *table, e *entry, level int, ok bool) {
	t = m.root
	for level = rootLevel; ; level-- {
		e = &t.entries[tableIndex(gpa, level)]
		if e.present {
			return t, e, level, true
		}
		if e.next == nil || level == 0 {
			return nil, nil, 0, false
		}
		t = e.next
	}
}

// walkPath descends like walkLeaf but records the tables visited, outermost
// first, so the caller can prune. path[i] is the table at level rootLevel-i.
func (m *Map) walkPath(gpa hvarch.GPA) (path [rootLevel + 1]*table, e *entry, level int, ok bool) {
	t := m.root
	for level = rootLevel; ; level-- {
		path[rootLevel-level] = t
		e = &t.entries[tableIndex(gpa, level)]
		if e.present {
			return path, e, level, true
		}
		if e.next == nil || level == 0 {
			return path, nil, level, false
		}
		t = e.next
	}
}

// prune detaches empty tables along a recorded walk, innermost first. The
// root table is never detached.
func (m *Map) prune(path [rootLevel + 1]*table, gpa hvarch.GPA, level int) {
	for l := level; l < rootLevel; l++ {
		t := path[rootLevel-l]
		if t == nil || t.used > 0 {
			return
		}
		parent := path[rootLevel-l-1]
		pe := &parent.entries[tableIndex(gpa, l+1)]
		pe.next = nil
		parent.used--
		m.tables--
		m.touchEntry()
	}
}
