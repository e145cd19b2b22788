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

package pci

import "testing"

func TestBDFRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		bus, device, function uint8
		str                   string
	}{
		{0, 0, 0, "00:00.0"},
		{0, 2, 0, "00:02.0"},
		{0, 31, 3, "00:1f.3"},
		{0x80, 4, 7, "80:04.7"},
		{0xff, 31, 7, "ff:1f.7"},
	} {
		bdf := NewBDF(tc.bus, tc.device, tc.function)
		if bdf.Bus() != tc.bus || bdf.Device() != tc.device || bdf.Function() != tc.function {
			t.Errorf("NewBDF(%d, %d, %d): fields do not round-trip: %v", tc.bus, tc.device, tc.function, bdf)
		}
		if got := bdf.String(); got != tc.str {
			t.Errorf("String(): got %q, wanted %q", got, tc.str)
		}
		parsed, err := ParseBDF(tc.str)
		if err != nil {
			t.Errorf("ParseBDF(%q): %v", tc.str, err)
		} else if parsed != bdf {
			t.Errorf("ParseBDF(%q): got %v, wanted %v", tc.str, parsed, bdf)
		}
		if got := BDFFromDevFn(tc.bus, bdf.DevFn()); got != bdf {
			t.Errorf("BDFFromDevFn: got %v, wanted %v", got, bdf)
		}
	}
}

func TestParseBDFErrors(t *testing.T) {
	for _, s := range []string{"", "00", "00:02", "zz:02.0", "00:20.0", "00:02.8"} {
		if _, err := ParseBDF(s); err == nil {
			t.Errorf("ParseBDF(%q): expected error", s)
		}
	}
}

func TestConfigAddr(t *testing.T) {
	bdf := NewBDF(2, 0, 1)
	if got, want := bdf.ConfigAddr(0x10), uint32(0x80020110); got != want {
		t.Errorf("ConfigAddr(0x10): got %#x, wanted %#x", got, want)
	}
	// Register reads are dword-granular; the low bits select within it.
	if got, want := bdf.ConfigAddr(0x13), uint32(0x80020110); got != want {
		t.Errorf("ConfigAddr(0x13): got %#x, wanted %#x", got, want)
	}
	if got := BDFFromConfigAddr(bdf.ConfigAddr(0)); got != bdf {
		t.Errorf("BDFFromConfigAddr: got %v, wanted %v", got, bdf)
	}
}

func TestTopology(t *testing.T) {
	topo, err := NewTopology([]Device{
		{Addr: NewBDF(0, 31, 3)},
		{Addr: NewBDF(0, 2, 0)},
		{Addr: NewBDF(2, 0, 0), Passthrough: true},
		{Addr: NewBDF(2, 0, 1)},
	})
	if err != nil {
		t.Fatalf("NewTopology: %v", err)
	}

	if got := topo.Devices(); len(got) != 4 || got[0].Addr != NewBDF(0, 2, 0) {
		t.Errorf("Devices: got %v, wanted 4 devices ordered by address", got)
	}
	if !topo.IsPassthrough(NewBDF(2, 0, 0)) {
		t.Errorf("IsPassthrough(02:00.0): got false, wanted true")
	}
	if topo.IsPassthrough(NewBDF(2, 0, 1)) {
		t.Errorf("IsPassthrough(02:00.1): got true, wanted false")
	}
	if topo.BusHasPassthrough(0) {
		t.Errorf("BusHasPassthrough(0): got true, wanted false")
	}
	if !topo.BusHasPassthrough(2) {
		t.Errorf("BusHasPassthrough(2): got false, wanted true")
	}
	if got := topo.Passthrough(); len(got) != 1 || got[0].Addr != NewBDF(2, 0, 0) {
		t.Errorf("Passthrough: got %v, wanted [02:00.0]", got)
	}
	if _, ok := topo.Device(NewBDF(9, 0, 0)); ok {
		t.Errorf("Device(09:00.0): got ok, wanted absent")
	}
}

func TestTopologyDuplicate(t *testing.T) {
	_, err := NewTopology([]Device{
		{Addr: NewBDF(0, 2, 0)},
		{Addr: NewBDF(0, 2, 0), Passthrough: true},
	})
	if err == nil {
		t.Fatalf("NewTopology with duplicate address: expected error")
	}
}
