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

// Package uart keeps the transmit-side state of emulated COM ports. Port
// trap decoding lives with the VM-exit handlers; this package only stores
// what guests write so the control plane can drain it.
package uart

import "sync"

// Port is the I/O port base of a COM device.
type Port uint16

// The four standard COM ports.
const (
	COM1 Port = 0x3F8
	COM2 Port = 0x2F8
	COM3 Port = 0x3E8
	COM4 Port = 0x2E8
)

// StandardPorts lists the four standard COM ports. Guests probe all of
// them, so each needs a device answering, enabled or not.
var StandardPorts = [4]Port{COM1, COM2, COM3, COM4}

// bufferSize bounds the transmit FIFO. On overflow the oldest bytes drop,
// keeping the most recent output for Dump.
const bufferSize = 4096

// Device is one emulated UART.
type Device struct {
	port        Port
	passthrough bool

	mu      sync.Mutex
	enabled map[int]bool
	fifo    []byte
}

// NewDevice returns a disabled emulated UART at port.
func NewDevice(port Port) *Device {
	return &Device{
		port:    port,
		enabled: make(map[int]bool),
	}
}

// NewPassthrough returns a UART at port whose traffic is destined for real
// hardware rather than a guest-visible emulation.
func NewPassthrough(port Port) *Device {
	d := NewDevice(port)
	d.passthrough = true
	return d
}

// Port returns the device's I/O port base.
func (d *Device) Port() Port {
	return d.port
}

// Passthrough reports whether the device fronts real hardware.
func (d *Device) Passthrough() bool {
	return d.passthrough
}

// Enable starts accepting writes arriving from vcpu.
func (d *Device) Enable(vcpu int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled[vcpu] = true
}

// Disable stops accepting writes arriving from vcpu. Disabled ports still
// answer probes; they just swallow the traffic.
func (d *Device) Disable(vcpu int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.enabled, vcpu)
}

// EnabledFor reports whether writes from vcpu are accepted.
func (d *Device) EnabledFor(vcpu int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled[vcpu]
}

// Write appends p to the transmit FIFO if the device accepts traffic from
// vcpu, returning how many bytes were accepted.
func (d *Device) Write(vcpu int, p []byte) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.enabled[vcpu] {
		return 0
	}
	d.fifo = append(d.fifo, p...)
	if excess := len(d.fifo) - bufferSize; excess > 0 {
		d.fifo = d.fifo[excess:]
	}
	return len(p)
}

// Dump drains up to len(p) buffered bytes into p, oldest first, returning
// how many were drained.
func (d *Device) Dump(p []byte) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := copy(p, d.fifo)
	d.fifo = d.fifo[n:]
	return n
}
