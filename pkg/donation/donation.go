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

// Package donation tracks the pages a lending domain has temporarily
// granted to borrowers.
//
// Pages are recorded per borrower as ordered sets of contiguous 4K runs.
// Within one borrower's set no two runs overlap or touch: insertion
// coalesces with both neighbors, removal shrinks or splits. Across
// borrowers the sets are disjoint; a page can be lent to at most one
// domain at a time.
package donation

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/btree"

	"github.com/enr0n/MicroV/pkg/hvarch"
)

// ErrAlreadyDonated is returned by Insert when the page is already lent
// out, to this borrower or any other.
var ErrAlreadyDonated = errors.New("page already donated")

// PageRange is a run of contiguous donated 4K pages: Count pages starting
// at Start.
type PageRange struct {
	Start hvarch.GPA
	Count uint64
}

// Limit returns the exclusive upper bound of the run.
func (r PageRange) Limit() hvarch.GPA {
	return r.Start + hvarch.GPA(r.Count*hvarch.PageSize)
}

// Contains returns true if gpa's page lies within the run.
func (r PageRange) Contains(gpa hvarch.GPA) bool {
	return gpa >= r.Start && gpa < r.Limit()
}

// IsBottom returns true if gpa is the run's first page.
func (r PageRange) IsBottom(gpa hvarch.GPA) bool {
	return gpa == r.Start
}

// IsTop returns true if gpa is the run's last page.
func (r PageRange) IsTop(gpa hvarch.GPA) bool {
	return gpa == r.Limit()-hvarch.PageSize
}

// IsMiddle returns true if gpa is strictly interior to the run.
func (r PageRange) IsMiddle(gpa hvarch.GPA) bool {
	return r.Contains(gpa) && !r.IsBottom(gpa) && !r.IsTop(gpa)
}

// endsBelow returns true if the run ends exactly where gpa's page begins.
func (r PageRange) endsBelow(gpa hvarch.GPA) bool {
	return r.Limit() == gpa
}

// startsAbove returns true if the run begins exactly where gpa's page ends.
func (r PageRange) startsAbove(gpa hvarch.GPA) bool {
	return gpa+hvarch.PageSize == r.Start
}

func rangeLess(a, b PageRange) bool {
	return a.Start < b.Start
}

// btreeDegree matches the btree package's usual tuning for small items.
const btreeDegree = 32

// Tracker records one lender's outstanding page grants.
//
// All methods are safe to call concurrently.
type Tracker struct {
	mu sync.Mutex

	// byBorrower holds each borrower's interval set, ordered by Start.
	// A borrower with no pages has no entry.
	byBorrower map[hvarch.DomainID]*btree.BTreeG[PageRange]
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		byBorrower: make(map[hvarch.DomainID]*btree.BTreeG[PageRange]),
	}
}

// containing returns the run in set covering gpa. The candidate is the
// greatest run starting at or below gpa; anything further up cannot cover
// it.
func containing(set *btree.BTreeG[PageRange], gpa hvarch.GPA) (PageRange, bool) {
	var (
		candidate PageRange
		found     bool
	)
	set.DescendLessOrEqual(PageRange{Start: gpa}, func(r PageRange) bool {
		candidate = r
		found = true
		return false
	})
	if !found || !candidate.Contains(gpa) {
		return PageRange{}, false
	}
	return candidate, true
}

// successor returns the lowest run starting strictly above gpa.
func successor(set *btree.BTreeG[PageRange], gpa hvarch.GPA) (PageRange, bool) {
	var (
		succ  PageRange
		found bool
	)
	set.AscendGreaterOrEqual(PageRange{Start: gpa + 1}, func(r PageRange) bool {
		succ = r
		found = true
		return false
	})
	return succ, found
}

// DonatedTo returns true if gpa's page is currently lent to borrower.
func (t *Tracker) DonatedTo(borrower hvarch.DomainID, gpa hvarch.GPA) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.byBorrower[borrower]
	if !ok {
		return false
	}
	_, ok = containing(set, gpa)
	return ok
}

// Donated returns true if gpa's page is currently lent to any borrower.
func (t *Tracker) Donated(gpa hvarch.GPA) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.donatedLocked(gpa)
}

func (t *Tracker) donatedLocked(gpa hvarch.GPA) bool {
	for _, set := range t.byBorrower {
		if _, ok := containing(set, gpa); ok {
			return true
		}
	}
	return false
}

// HasBorrower returns true if borrower currently holds at least one page.
func (t *Tracker) HasBorrower(borrower hvarch.DomainID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.byBorrower[borrower]
	return ok
}

// Insert records gpa's page as lent to borrower. The page joins an existing
// run when it touches one; a page bridging two runs fuses them. Insert
// fails with ErrAlreadyDonated if the page is already lent out, to this
// borrower or any other.
//
// Insert panics if gpa is not page-aligned.
func (t *Tracker) Insert(borrower hvarch.DomainID, gpa hvarch.GPA) error {
	if !gpa.IsPageAligned() {
		panic("donation: unaligned gpa")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.donatedLocked(gpa) {
		return ErrAlreadyDonated
	}

	set, ok := t.byBorrower[borrower]
	if !ok {
		set = btree.NewG(btreeDegree, rangeLess)
		t.byBorrower[borrower] = set
	}

	// gpa is covered by no run, so the greatest run starting at or below
	// it can only touch from below, and the next run only from above.
	var pred, succ PageRange
	var hasPred, hasSucc bool
	set.DescendLessOrEqual(PageRange{Start: gpa}, func(r PageRange) bool {
		pred = r
		hasPred = true
		return false
	})
	succ, hasSucc = successor(set, gpa)

	joinBelow := hasPred && pred.endsBelow(gpa)
	joinAbove := hasSucc && succ.startsAbove(gpa)

	switch {
	case joinBelow && joinAbove:
		set.Delete(pred)
		set.Delete(succ)
		set.ReplaceOrInsert(PageRange{Start: pred.Start, Count: pred.Count + 1 + succ.Count})
	case joinBelow:
		set.Delete(pred)
		set.ReplaceOrInsert(PageRange{Start: pred.Start, Count: pred.Count + 1})
	case joinAbove:
		set.Delete(succ)
		set.ReplaceOrInsert(PageRange{Start: gpa, Count: succ.Count + 1})
	default:
		set.ReplaceOrInsert(PageRange{Start: gpa, Count: 1})
	}
	return nil
}

// Remove forgets gpa's grant to borrower. Removing a page that is not
// recorded is a no-op. An interior page splits its run in two; an end page
// shrinks the run; a sole page deletes it.
//
// Remove panics if gpa is not page-aligned.
func (t *Tracker) Remove(borrower hvarch.DomainID, gpa hvarch.GPA) {
	if !gpa.IsPageAligned() {
		panic("donation: unaligned gpa")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.byBorrower[borrower]
	if !ok {
		return
	}
	r, ok := containing(set, gpa)
	if !ok {
		return
	}

	set.Delete(r)
	switch {
	case r.Count == 1:
		// Sole page, nothing to reinsert.
	case r.IsTop(gpa):
		set.ReplaceOrInsert(PageRange{Start: r.Start, Count: r.Count - 1})
	case r.IsBottom(gpa):
		set.ReplaceOrInsert(PageRange{Start: r.Start + hvarch.PageSize, Count: r.Count - 1})
	default:
		upperStart := gpa + hvarch.PageSize
		lower := PageRange{Start: r.Start, Count: uint64(gpa-r.Start) >> hvarch.PageShift}
		upper := PageRange{Start: upperStart, Count: uint64(r.Limit()-upperStart) >> hvarch.PageShift}
		set.ReplaceOrInsert(lower)
		set.ReplaceOrInsert(upper)
	}

	if set.Len() == 0 {
		delete(t.byBorrower, borrower)
	}
}

// Ranges returns borrower's runs in ascending order.
func (t *Tracker) Ranges(borrower hvarch.DomainID) []PageRange {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.byBorrower[borrower]
	if !ok {
		return nil
	}
	ranges := make([]PageRange, 0, set.Len())
	set.Ascend(func(r PageRange) bool {
		ranges = append(ranges, r)
		return true
	})
	return ranges
}

// RemoveBorrower atomically detaches borrower's whole interval set and
// returns its runs in ascending order. Bulk reclaim uses this to walk the
// pages without holding the tracker lock.
func (t *Tracker) RemoveBorrower(borrower hvarch.DomainID) []PageRange {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.byBorrower[borrower]
	if !ok {
		return nil
	}
	delete(t.byBorrower, borrower)

	ranges := make([]PageRange, 0, set.Len())
	set.Ascend(func(r PageRange) bool {
		ranges = append(ranges, r)
		return true
	})
	return ranges
}

// Pages returns the total number of pages currently lent to borrower.
func (t *Tracker) Pages(borrower hvarch.DomainID) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.byBorrower[borrower]
	if !ok {
		return 0
	}
	var total uint64
	set.Ascend(func(r PageRange) bool {
		total += r.Count
		return true
	})
	return total
}

// Borrowers returns the IDs of every borrower currently holding pages, in
// ascending order.
func (t *Tracker) Borrowers() []hvarch.DomainID {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]hvarch.DomainID, 0, len(t.byBorrower))
	for id := range t.byBorrower {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
