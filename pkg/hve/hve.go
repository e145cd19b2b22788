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

// Package hve implements domains and the page-donation protocol between
// the root domain and its guests.
//
// A Domain owns a second-level translation map, the tracker recording
// pages it has lent out, its DMA-remapping unit set, and the emulated UART
// and boot state its virtual processors see. The root domain (ID 0) starts
// identity-mapped over the whole physical address space and lends 4K
// pages to guests one at a time; reclaim is only possible after the
// borrower is gone.
//
// The processor-side primitives the protocol depends on — address
// resolution and the cross-CPU TLB shootdown — are consumed through the
// VCPU interface so the package stays independent of how processors are
// run.
package hve

import (
	"time"

	"github.com/enr0n/MicroV/pkg/hvarch"
	"github.com/enr0n/MicroV/pkg/uart"
)

// VCPU is the donation protocol's view of the acting virtual processor.
type VCPU interface {
	// DomainID identifies the domain the processor is running.
	DomainID() hvarch.DomainID

	// GPAToHPA resolves gpa through the processor's own translation,
	// returning the backing host-physical address and the granularity of
	// the covering leaf. Resolution failures are ErrNoTranslation or
	// ErrTranslationFault.
	GPAToHPA(gpa hvarch.GPA) (hvarch.HPA, hvarch.PageLevel, error)

	// TryBeginTLBShootdown attempts to start a shootdown of every other
	// processor's translation caches. It returns false, mutating
	// nothing, if another shootdown is already in flight.
	//
	// A successful TryBeginTLBShootdown holds every other processor
	// quiesced until EndTLBShootdown. Any lock held between the two must
	// be one no quiesced processor needs in order to acknowledge.
	TryBeginTLBShootdown() bool

	// EndTLBShootdown releases the processors quiesced by a successful
	// TryBeginTLBShootdown; each invalidates its cached translations
	// before resuming.
	EndTLBShootdown()

	// InvalidateEPT drops this processor's own cached translations.
	InvalidateEPT()
}

// Registry reports domain liveness. Reclaim consults it: a borrower still
// registered cannot have its pages taken back.
type Registry interface {
	// Lookup returns the live domain with the given ID, or nil.
	Lookup(id hvarch.DomainID) *Domain
}

// PVMap is the alternate page-installation path for paravirtualized
// guests, whose physical map is maintained outside the translation tables.
type PVMap interface {
	// AddRootPage hands the guest a donated or shared root page.
	AddRootPage(gpa hvarch.GPA, hpa hvarch.HPA, at hvarch.AccessType, mt hvarch.MemoryType) error
}

// ExecMode selects how a domain's kernel is entered.
type ExecMode int

const (
	// ExecModeNative boots the kernel directly.
	ExecModeNative ExecMode = iota

	// ExecModeXenPVH boots through the Xen PVH entry point.
	ExecModeXenPVH
)

// String implements fmt.Stringer.String.
func (m ExecMode) String() string {
	switch m {
	case ExecModeNative:
		return "native"
	case ExecModeXenPVH:
		return "xenpvh"
	default:
		return "unknown"
	}
}

// Origin records which path brought a domain into existence.
type Origin int

const (
	// OriginBuilder marks a domain created by the userspace builder.
	OriginBuilder Origin = iota

	// OriginRoot marks the root domain, created at platform bring-up.
	OriginRoot
)

// String implements fmt.Stringer.String.
func (o Origin) String() string {
	switch o {
	case OriginBuilder:
		return "builder"
	case OriginRoot:
		return "root"
	default:
		return "unknown"
	}
}

// Config carries the builder-provided parameters of a domain.
type Config struct {
	// RAM is the guest's memory size in bytes.
	RAM uint64

	// ExecMode selects the kernel entry convention.
	ExecMode ExecMode

	// Origin records who created the domain. The pool overrides it on
	// creation; builders need not set it.
	Origin Origin

	// Wallclock is the host wallclock at creation, the guest's notion of
	// boot time.
	Wallclock time.Time

	// TSC is the host timestamp counter paired with Wallclock; the guest
	// tracks time forward from the pair.
	TSC uint64

	// UART, when non-zero, selects the COM port the guest's console
	// output is emulated on.
	UART uart.Port

	// PTUART, when non-zero, passes the given COM port through to real
	// hardware instead; it takes precedence over UART.
	PTUART uart.Port

	// Passthrough marks a domain that will receive passthrough PCI
	// devices.
	Passthrough bool
}
