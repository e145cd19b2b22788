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
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/containerd/log"

	"github.com/enr0n/MicroV/pkg/donation"
	"github.com/enr0n/MicroV/pkg/hvarch"
)

// donateRetryInterval paces DonateWithRetry. Shootdowns quiesce every
// processor briefly, so contention clears fast.
const donateRetryInterval = 100 * time.Microsecond

// DonateRootPage lends the 4K root page at rootGPA to guest, mapping it at
// guestGPA with the requested permissions and cacheability.
//
// The root page must be identity mapped. Revocation runs under a TLB
// shootdown: the page is demoted to 4K if a larger leaf covers it, marked
// not-present in the root's map, and only then recorded as donated, so a
// failure at any earlier step leaves no donation state behind. If the page
// is already lent to this guest, the revocation is skipped and only the
// guest mapping is (re-)installed.
//
// DonateRootPage fails with ErrAgain when another shootdown is in flight;
// the caller retries the whole call. It fails with ErrNotRoot unless d is
// the root domain and root is one of its processors.
func (d *Domain) DonateRootPage(root VCPU, rootGPA hvarch.GPA, guest *Domain, guestGPA hvarch.GPA, at hvarch.AccessType, mt hvarch.MemoryType) error {
	if !d.id.IsRoot() {
		return ErrNotRoot
	}
	if root.DomainID() != d.id {
		return fmt.Errorf("%w: donating vcpu runs %v", ErrNotRoot, root.DomainID())
	}

	rootPage := rootGPA.RoundDown()
	guestPage := guestGPA.RoundDown()

	if !d.donated.DonatedTo(guest.id, rootPage) {
		if d.donated.Donated(rootPage) {
			return fmt.Errorf("%w: gpa %#x", donation.ErrAlreadyDonated, uint64(rootPage))
		}
		if err := d.revokeRootPage(root, rootPage, guest.id); err != nil {
			return err
		}
	}

	if err := installGuestPage(guest, guestPage, hvarch.HPA(rootPage), at, mt); err != nil {
		return err
	}

	d.donations.Add(1)
	log.L.Debugf("domain %v: donated gpa %#x to %v at gpa %#x", d.id, uint64(rootPage), guest.id, uint64(guestPage))
	return nil
}

// revokeRootPage removes rootPage from the root's translation map and
// records it as lent to borrower.
func (d *Domain) revokeRootPage(root VCPU, rootPage hvarch.GPA, borrower hvarch.DomainID) error {
	hpa, _, err := root.GPAToHPA(rootPage)
	if err != nil {
		log.L.Debugf("domain %v: donate failed to resolve gpa %#x: %v", d.id, uint64(rootPage), err)
		return err
	}
	if hpa != hvarch.HPA(rootPage) {
		return fmt.Errorf("%w: root gpa %#x resolves to hpa %#x, not identity",
			ErrInternal, uint64(rootPage), uint64(hpa))
	}

	// From here to EndTLBShootdown, no lock may be taken that another
	// processor needs before it can acknowledge.
	if !root.TryBeginTLBShootdown() {
		d.shootdownRetries.Add(1)
		return ErrAgain
	}

	// Re-check now that no other revocation can interleave: losing the
	// race to a concurrent donation leaves the page unmapped.
	_, size, _, _, ok := d.ept.Lookup(rootPage)
	if !ok {
		root.EndTLBShootdown()
		return ErrAgain
	}
	for size != hvarch.PageLevel4K {
		d.ept.Demote(rootPage)
		_, size, _, _, _ = d.ept.Lookup(rootPage)
	}

	d.ept.Unmap(rootPage)
	root.EndTLBShootdown()
	root.InvalidateEPT()

	if err := d.donated.Insert(borrower, rootPage); err != nil {
		return fmt.Errorf("%w: tracker rejected revoked gpa %#x: %v", ErrInternal, uint64(rootPage), err)
	}
	return nil
}

// installGuestPage hands hpa to guest at gpa, through the paravirtualized
// path when one is set, the guest's translation map otherwise.
func installGuestPage(guest *Domain, gpa hvarch.GPA, hpa hvarch.HPA, at hvarch.AccessType, mt hvarch.MemoryType) error {
	if pv := guest.pvMap(); pv != nil {
		return pv.AddRootPage(gpa, hpa, at, mt)
	}
	guest.ept.Map(gpa, hpa, hvarch.PageLevel4K, at, mt)
	return nil
}

// DonateWithRetry is DonateRootPage with the shootdown-contention retry
// folded in: ErrAgain retries at a constant pace until ctx is done, every
// other failure is permanent.
func (d *Domain) DonateWithRetry(ctx context.Context, root VCPU, rootGPA hvarch.GPA, guest *Domain, guestGPA hvarch.GPA, at hvarch.AccessType, mt hvarch.MemoryType) error {
	op := func() error {
		err := d.DonateRootPage(root, rootGPA, guest, guestGPA, at, mt)
		switch {
		case err == nil:
			return nil
		case IsRetryable(err):
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	return backoff.Retry(op, backoff.WithContext(backoff.NewConstantBackOff(donateRetryInterval), ctx))
}

// ReclaimRootPage takes back one page lent to borrower, restoring the
// root's identity mapping at full access.
//
// Reclaim is refused while borrower is still registered: pages cannot be
// pulled out from under a running guest. No shootdown is needed because
// the root's entry stayed not-present for the whole donation window, so no
// processor holds a stale translation for it.
func (d *Domain) ReclaimRootPage(borrower hvarch.DomainID, rootGPA hvarch.GPA) error {
	if !d.id.IsRoot() {
		return ErrNotRoot
	}
	if d.registry.Lookup(borrower) != nil {
		return fmt.Errorf("%w: %v", ErrDomainLive, borrower)
	}

	rootPage := rootGPA.RoundDown()
	if !d.donated.DonatedTo(borrower, rootPage) {
		return fmt.Errorf("%w: gpa %#x for %v", ErrNotDonated, uint64(rootPage), borrower)
	}

	d.donated.Remove(borrower, rootPage)
	d.ept.Map(rootPage, hvarch.HPA(rootPage), hvarch.PageLevel4K, hvarch.AnyAccess, hvarch.MemoryTypeWriteBack)
	d.reclaims.Add(1)
	return nil
}

// ReclaimRootPages takes back everything lent to borrower in one sweep,
// under the same liveness rule as ReclaimRootPage. The borrower's interval
// set is detached atomically; the identity remapping walk then runs
// without holding the tracker lock.
func (d *Domain) ReclaimRootPages(borrower hvarch.DomainID) error {
	if !d.id.IsRoot() {
		return ErrNotRoot
	}
	if d.registry.Lookup(borrower) != nil {
		return fmt.Errorf("%w: %v", ErrDomainLive, borrower)
	}

	ranges := d.donated.RemoveBorrower(borrower)
	if ranges == nil {
		return fmt.Errorf("%w: nothing recorded for %v", ErrNotDonated, borrower)
	}

	var pages uint64
	for _, r := range ranges {
		for gpa := r.Start; gpa < r.Limit(); gpa += hvarch.PageSize {
			d.ept.Map(gpa, hvarch.HPA(gpa), hvarch.PageLevel4K, hvarch.AnyAccess, hvarch.MemoryTypeWriteBack)
			pages++
		}
	}
	d.reclaims.Add(pages)
	log.L.Debugf("domain %v: reclaimed %d pages from %v", d.id, pages, borrower)
	return nil
}

// ShareRootPage maps the root page backing rootGPA into this domain at
// guestGPA without revoking the root's access; afterwards both domains
// reference the same physical page. Unlike donation the root mapping need
// not be identity, nothing is tracked, and there is nothing to reclaim.
func (d *Domain) ShareRootPage(root VCPU, rootGPA, guestGPA hvarch.GPA, at hvarch.AccessType, mt hvarch.MemoryType) error {
	if root.DomainID() != hvarch.RootDomainID {
		return fmt.Errorf("%w: sharing vcpu runs %v", ErrNotRoot, root.DomainID())
	}

	hpa, _, err := root.GPAToHPA(rootGPA.RoundDown())
	if err != nil {
		return err
	}
	return installGuestPage(d, guestGPA.RoundDown(), hpa, at, mt)
}

// Donation queries.

// PageDonated returns true if gpa's page is lent out to any borrower.
func (d *Domain) PageDonated(gpa hvarch.GPA) bool {
	return d.donated.Donated(gpa.RoundDown())
}

// PageDonatedTo returns true if gpa's page is lent to borrower.
func (d *Domain) PageDonatedTo(borrower hvarch.DomainID, gpa hvarch.GPA) bool {
	return d.donated.DonatedTo(borrower, gpa.RoundDown())
}

// DonatedToGuest returns true if borrower currently holds any of this
// domain's pages.
func (d *Domain) DonatedToGuest(borrower hvarch.DomainID) bool {
	return d.donated.HasBorrower(borrower)
}

// DonatedPages returns how many of this domain's pages borrower holds.
func (d *Domain) DonatedPages(borrower hvarch.DomainID) uint64 {
	return d.donated.Pages(borrower)
}

// Borrowers returns the domains currently holding donated pages.
func (d *Domain) Borrowers() []hvarch.DomainID {
	return d.donated.Borrowers()
}
