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

import "fmt"

// Segment is one segment register's loaded state.
type Segment struct {
	Selector     uint16
	Base         uint64
	Limit        uint32
	AccessRights uint32
}

// Registers is the processor state a domain's first virtual processor
// starts from, filled in by the builder before launch.
type Registers struct {
	RAX, RBX, RCX, RDX uint64
	RBP, RSI, RDI      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RSP           uint64

	GDTBase  uint64
	GDTLimit uint32
	IDTBase  uint64
	IDTLimit uint32

	CR0, CR3, CR4 uint64
	IA32EFER      uint64
	IA32PAT       uint64

	ES, CS, SS, DS Segment
	FS, GS         Segment
	TR, LDTR       Segment
}

// E820Type classifies a region of the guest-visible memory map.
type E820Type uint32

// The standard BIOS memory map region types.
const (
	E820Ram      E820Type = 1
	E820Reserved E820Type = 2
	E820ACPI     E820Type = 3
	E820NVS      E820Type = 4
	E820Unusable E820Type = 5
)

// String implements fmt.Stringer.String.
func (t E820Type) String() string {
	switch t {
	case E820Ram:
		return "ram"
	case E820Reserved:
		return "reserved"
	case E820ACPI:
		return "acpi"
	case E820NVS:
		return "nvs"
	case E820Unusable:
		return "unusable"
	default:
		return fmt.Sprintf("type%d", uint32(t))
	}
}

// E820Entry is one region of the guest-visible memory map.
type E820Entry struct {
	Base uint64
	Size uint64
	Type E820Type
}
