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

package uart

import (
	"bytes"
	"testing"
)

func TestEnableDisable(t *testing.T) {
	d := NewDevice(COM1)
	if d.EnabledFor(0) {
		t.Fatalf("fresh device enabled")
	}

	// Writes while disabled are swallowed.
	if n := d.Write(0, []byte("dropped")); n != 0 {
		t.Errorf("Write while disabled: got %d, wanted 0", n)
	}

	d.Enable(0)
	if n := d.Write(0, []byte("hello")); n != 5 {
		t.Errorf("Write: got %d, wanted 5", n)
	}
	// Another vcpu without enablement still gets dropped.
	if n := d.Write(1, []byte("nope")); n != 0 {
		t.Errorf("Write from vcpu 1: got %d, wanted 0", n)
	}

	d.Disable(0)
	if n := d.Write(0, []byte("late")); n != 0 {
		t.Errorf("Write after Disable: got %d, wanted 0", n)
	}

	buf := make([]byte, 64)
	if n := d.Dump(buf); n != 5 || !bytes.Equal(buf[:n], []byte("hello")) {
		t.Errorf("Dump: got %q, wanted %q", buf[:n], "hello")
	}
}

func TestDumpDrains(t *testing.T) {
	d := NewDevice(COM2)
	d.Enable(0)
	d.Write(0, []byte("abcdef"))

	buf := make([]byte, 4)
	if n := d.Dump(buf); n != 4 || !bytes.Equal(buf[:n], []byte("abcd")) {
		t.Fatalf("first Dump: got %q", buf[:n])
	}
	if n := d.Dump(buf); n != 2 || !bytes.Equal(buf[:n], []byte("ef")) {
		t.Fatalf("second Dump: got %q", buf[:n])
	}
	if n := d.Dump(buf); n != 0 {
		t.Fatalf("third Dump: got %d bytes, wanted 0", n)
	}
}

func TestOverflowKeepsNewest(t *testing.T) {
	d := NewDevice(COM1)
	d.Enable(0)

	chunk := bytes.Repeat([]byte{'x'}, bufferSize)
	d.Write(0, chunk)
	d.Write(0, []byte("tail"))

	buf := make([]byte, bufferSize+16)
	n := d.Dump(buf)
	if n != bufferSize {
		t.Fatalf("Dump: got %d bytes, wanted %d", n, bufferSize)
	}
	if !bytes.HasSuffix(buf[:n], []byte("tail")) {
		t.Errorf("overflow dropped the newest bytes")
	}
}

func TestPassthrough(t *testing.T) {
	d := NewPassthrough(COM3)
	if !d.Passthrough() {
		t.Errorf("Passthrough: got false, wanted true")
	}
	if d.Port() != COM3 {
		t.Errorf("Port: got %#x, wanted %#x", d.Port(), COM3)
	}
}
