// Copyright 2025 The MicroV Authors.
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

// Package pci holds PCI bus/device/function addressing and the platform
// device inventory consulted when DMA-remapping scopes are set up.
package pci

import (
	"fmt"
	"sort"
)

const (
	// NumBuses is the number of configuration-space buses.
	NumBuses = 256

	// NumDevFns is the number of device/function slots per bus.
	NumDevFns = 256
)

// BDF is a PCI bus/device/function address: bus in bits 15:8, device in
// bits 7:3, function in bits 2:0.
type BDF uint16

// NewBDF builds a BDF. It panics if device or function are out of range.
func NewBDF(bus, device, function uint8) BDF {
	if device >= 32 {
		panic(fmt.Sprintf("pci: device %d out of range", device))
	}
	if function >= 8 {
		panic(fmt.Sprintf("pci: function %d out of range", function))
	}
	return BDF(uint16(bus)<<8 | uint16(device)<<3 | uint16(function))
}

// BDFFromDevFn builds a BDF from a bus and a packed device/function.
func BDFFromDevFn(bus, devfn uint8) BDF {
	return BDF(uint16(bus)<<8 | uint16(devfn))
}

// Bus returns the bus number.
func (b BDF) Bus() uint8 {
	return uint8(b >> 8)
}

// Device returns the device number.
func (b BDF) Device() uint8 {
	return uint8(b>>3) & 0x1f
}

// Function returns the function number.
func (b BDF) Function() uint8 {
	return uint8(b) & 0x7
}

// DevFn returns the packed device/function byte.
func (b BDF) DevFn() uint8 {
	return uint8(b)
}

// String implements fmt.Stringer.String, in lspci's bb:dd.f form.
func (b BDF) String() string {
	return fmt.Sprintf("%02x:%02x.%x", b.Bus(), b.Device(), b.Function())
}

// ConfigAddr returns the configuration-space address selecting register reg
// of this device, in the form written to I/O port 0xCF8: enable bit set,
// register truncated to its dword.
func (b BDF) ConfigAddr(reg uint8) uint32 {
	return 1<<31 | uint32(b)<<8 | uint32(reg)&^3
}

// BDFFromConfigAddr extracts the device address from a CF8 configuration
// address.
func BDFFromConfigAddr(addr uint32) BDF {
	return BDF(addr >> 8)
}

// ParseBDF parses an address in bb:dd.f form, as printed by lspci.
func ParseBDF(s string) (BDF, error) {
	var bus, device, function uint8
	n, err := fmt.Sscanf(s, "%02x:%02x.%x", &bus, &device, &function)
	if err != nil || n != 3 {
		return 0, fmt.Errorf("pci: malformed address %q", s)
	}
	if device >= 32 || function >= 8 {
		return 0, fmt.Errorf("pci: address %q out of range", s)
	}
	return NewBDF(bus, device, function), nil
}

// Device is one discovered PCI device.
type Device struct {
	// Addr is the device's configuration address.
	Addr BDF

	// Passthrough marks the device for direct assignment to a guest.
	// Passthrough devices are excluded from the root's catch-all DMA
	// scope and mapped through their own unit instead.
	Passthrough bool
}

// Topology is the platform's device inventory. It is built once at startup
// and read-only afterwards.
type Topology struct {
	devices []Device
	byAddr  map[BDF]Device

	// passthruBuses marks buses hosting at least one passthrough device.
	passthruBuses map[uint8]bool
}

// NewTopology builds a Topology from the discovered devices. Duplicate
// addresses are rejected.
func NewTopology(devices []Device) (*Topology, error) {
	t := &Topology{
		byAddr:        make(map[BDF]Device, len(devices)),
		passthruBuses: make(map[uint8]bool),
	}
	for _, dev := range devices {
		if _, ok := t.byAddr[dev.Addr]; ok {
			return nil, fmt.Errorf("pci: duplicate device %v", dev.Addr)
		}
		t.byAddr[dev.Addr] = dev
		if dev.Passthrough {
			t.passthruBuses[dev.Addr.Bus()] = true
		}
	}
	t.devices = append(t.devices, devices...)
	sort.Slice(t.devices, func(i, j int) bool { return t.devices[i].Addr < t.devices[j].Addr })
	return t, nil
}

// Devices returns every device, ordered by address.
func (t *Topology) Devices() []Device {
	return t.devices
}

// Device returns the device at addr.
func (t *Topology) Device(addr BDF) (Device, bool) {
	dev, ok := t.byAddr[addr]
	return dev, ok
}

// IsPassthrough returns true if a passthrough device sits at addr.
func (t *Topology) IsPassthrough(addr BDF) bool {
	return t.byAddr[addr].Passthrough
}

// BusHasPassthrough returns true if any passthrough device sits on bus.
func (t *Topology) BusHasPassthrough(bus uint8) bool {
	return t.passthruBuses[bus]
}

// Passthrough returns the passthrough devices, ordered by address.
func (t *Topology) Passthrough() []Device {
	var devs []Device
	for _, dev := range t.devices {
		if dev.Passthrough {
			devs = append(devs, dev)
		}
	}
	return devs
}
