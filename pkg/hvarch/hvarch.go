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

// Package hvarch defines the address types, page geometry and access
// attributes shared by the hypervisor's memory-management packages.
//
// Guest-physical and host-physical addresses are distinct types so that a
// translation bug shows up as a compile error rather than a wild pointer.
package hvarch

import "fmt"

const (
	// PageShift is the binary log of the base translation granule.
	// 4K pages: 2^12 = 4096
	PageShift = 12

	// PageSize is the base translation granule. All donation and DMA
	// bookkeeping is carried out in units of this size.
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of the 2M translation granule.
	HugePageShift = 21

	// HugePageSize is the 2M translation granule.
	HugePageSize = 1 << HugePageShift

	// GiantPageShift is the binary log of the 1G translation granule.
	GiantPageShift = 30

	// GiantPageSize is the 1G translation granule.
	GiantPageSize = 1 << GiantPageShift
)

// MaxPhysAddr is the exclusive upper bound of the physical address space
// visible to the root domain. Identity maps cover [PageSize, MaxPhysAddr).
const MaxPhysAddr = 1 << 39

// GPA is a guest-physical address.
type GPA uint64

// HPA is a host-physical address.
//
// The zero HPA is never a valid translation target; the hypervisor reserves
// physical page zero precisely so that 0 can mean "no translation".
type HPA uint64

// RoundDown returns the address rounded down to the nearest page boundary.
func (v GPA) RoundDown() GPA {
	return v & ^GPA(PageSize-1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v GPA) RoundUp() (addr GPA, ok bool) {
	addr = GPA(v + PageSize - 1).RoundDown()
	ok = addr >= v
	return
}

// HugeRoundDown returns the address rounded down to the nearest huge page
// boundary.
func (v GPA) HugeRoundDown() GPA {
	return v & ^GPA(HugePageSize-1)
}

// GiantRoundDown returns the address rounded down to the nearest 1G page
// boundary.
func (v GPA) GiantRoundDown() GPA {
	return v & ^GPA(GiantPageSize-1)
}

// IsPageAligned returns true if v is aligned to the base granule.
func (v GPA) IsPageAligned() bool {
	return v&(PageSize-1) == 0
}

// PageOffset returns the offset of v within its page.
func (v GPA) PageOffset() uint64 {
	return uint64(v) & (PageSize - 1)
}

// AddLength returns v + length. ok is true iff adding length did not wrap
// around.
func (v GPA) AddLength(length uint64) (end GPA, ok bool) {
	end = v + GPA(length)
	ok = end >= v
	return
}

// IsPageAligned returns true if v is aligned to the base granule.
func (v HPA) IsPageAligned() bool {
	return v&(PageSize-1) == 0
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v HPA) RoundDown() HPA {
	return v & ^HPA(PageSize-1)
}

// PageLevel identifies a translation granule.
type PageLevel int

const (
	// PageLevel4K is the base 4K granule.
	PageLevel4K PageLevel = iota

	// PageLevel2M is the 2M huge page granule.
	PageLevel2M

	// PageLevel1G is the 1G giant page granule.
	PageLevel1G

	numPageLevels
)

// Shift returns the binary log of the level's granule size.
func (l PageLevel) Shift() uint {
	switch l {
	case PageLevel4K:
		return PageShift
	case PageLevel2M:
		return HugePageShift
	case PageLevel1G:
		return GiantPageShift
	default:
		panic(fmt.Sprintf("invalid page level %d", l))
	}
}

// Size returns the level's granule size in bytes.
func (l PageLevel) Size() uint64 {
	return 1 << l.Shift()
}

// Mask returns the alignment mask for the level's granule.
func (l PageLevel) Mask() uint64 {
	return l.Size() - 1
}

// String implements fmt.Stringer.String.
func (l PageLevel) String() string {
	switch l {
	case PageLevel4K:
		return "4K"
	case PageLevel2M:
		return "2M"
	case PageLevel1G:
		return "1G"
	default:
		return fmt.Sprintf("PageLevel(%d)", int(l))
	}
}

// DomainID identifies a domain. The root domain is always domain 0.
type DomainID uint64

// RootDomainID is the ID of the root domain, the initial owner of all
// donatable physical memory.
const RootDomainID DomainID = 0

// InvalidDomainID is a reserved ID that never names a live domain.
const InvalidDomainID DomainID = ^DomainID(0)

// IsRoot returns true if id names the root domain.
func (id DomainID) IsRoot() bool {
	return id == RootDomainID
}

// String implements fmt.Stringer.String.
func (id DomainID) String() string {
	switch id {
	case RootDomainID:
		return "dom0"
	case InvalidDomainID:
		return "dom[invalid]"
	default:
		return fmt.Sprintf("dom%d", uint64(id))
	}
}
