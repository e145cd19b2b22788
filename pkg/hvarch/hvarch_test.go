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

package hvarch

import "testing"

func TestGPARounding(t *testing.T) {
	for _, tc := range []struct {
		gpa  GPA
		down GPA
		up   GPA
	}{
		{0, 0, 0},
		{1, 0, PageSize},
		{PageSize - 1, 0, PageSize},
		{PageSize, PageSize, PageSize},
		{PageSize + 1, PageSize, 2 * PageSize},
		{0x1234_5678, 0x1234_5000, 0x1234_6000},
	} {
		if got := tc.gpa.RoundDown(); got != tc.down {
			t.Errorf("GPA(%#x).RoundDown(): got %#x, wanted %#x", uint64(tc.gpa), uint64(got), uint64(tc.down))
		}
		up, ok := tc.gpa.RoundUp()
		if !ok || up != tc.up {
			t.Errorf("GPA(%#x).RoundUp(): got (%#x, %t), wanted (%#x, true)", uint64(tc.gpa), uint64(up), ok, uint64(tc.up))
		}
	}

	if _, ok := GPA(^uint64(0) - 1).RoundUp(); ok {
		t.Errorf("GPA.RoundUp near the top of the address space should wrap")
	}
}

func TestHugeAndGiantRounding(t *testing.T) {
	gpa := GPA(GiantPageSize + 5*HugePageSize + 3*PageSize + 17)
	if got, want := gpa.HugeRoundDown(), GPA(GiantPageSize+5*HugePageSize); got != want {
		t.Errorf("HugeRoundDown: got %#x, wanted %#x", uint64(got), uint64(want))
	}
	if got, want := gpa.GiantRoundDown(), GPA(GiantPageSize); got != want {
		t.Errorf("GiantRoundDown: got %#x, wanted %#x", uint64(got), uint64(want))
	}
}

func TestPageLevelGeometry(t *testing.T) {
	for _, tc := range []struct {
		level PageLevel
		shift uint
		size  uint64
		str   string
	}{
		{PageLevel4K, 12, 4096, "4K"},
		{PageLevel2M, 21, 2 << 20, "2M"},
		{PageLevel1G, 30, 1 << 30, "1G"},
	} {
		if got := tc.level.Shift(); got != tc.shift {
			t.Errorf("%v.Shift(): got %d, wanted %d", tc.level, got, tc.shift)
		}
		if got := tc.level.Size(); got != tc.size {
			t.Errorf("%v.Size(): got %d, wanted %d", tc.level, got, tc.size)
		}
		if got := tc.level.String(); got != tc.str {
			t.Errorf("PageLevel(%d).String(): got %q, wanted %q", int(tc.level), got, tc.str)
		}
	}
}

func TestAccessType(t *testing.T) {
	if got, want := AnyAccess.String(), "rwx"; got != want {
		t.Errorf("AnyAccess.String(): got %q, wanted %q", got, want)
	}
	if got, want := ReadWrite.String(), "rw-"; got != want {
		t.Errorf("ReadWrite.String(): got %q, wanted %q", got, want)
	}
	if NoAccess.Any() {
		t.Errorf("NoAccess.Any() should be false")
	}
	if !AnyAccess.SupersetOf(ReadWrite) {
		t.Errorf("AnyAccess should be a superset of ReadWrite")
	}
	if ReadWrite.SupersetOf(ReadExecute) {
		t.Errorf("ReadWrite should not be a superset of ReadExecute")
	}
	if got, want := ReadWrite.Intersect(ReadExecute), ReadOnly; got != want {
		t.Errorf("ReadWrite.Intersect(ReadExecute): got %v, wanted %v", got, want)
	}
	if got, want := ReadWrite.Union(ReadExecute), AnyAccess; got != want {
		t.Errorf("ReadWrite.Union(ReadExecute): got %v, wanted %v", got, want)
	}
}

func TestMemoryTypeStrings(t *testing.T) {
	for _, tc := range []struct {
		mt    MemoryType
		long  string
		short string
	}{
		{MemoryTypeWriteBack, "WriteBack", "WB"},
		{MemoryTypeWriteCombine, "WriteCombine", "WC"},
		{MemoryTypeUncached, "Uncached", "UC"},
	} {
		if got := tc.mt.String(); got != tc.long {
			t.Errorf("MemoryType(%d).String(): got %q, wanted %q", tc.mt, got, tc.long)
		}
		if got := tc.mt.ShortString(); got != tc.short {
			t.Errorf("MemoryType(%d).ShortString(): got %q, wanted %q", tc.mt, got, tc.short)
		}
	}
}

func TestDomainID(t *testing.T) {
	if !RootDomainID.IsRoot() {
		t.Errorf("RootDomainID.IsRoot() should be true")
	}
	if DomainID(3).IsRoot() {
		t.Errorf("DomainID(3).IsRoot() should be false")
	}
	if got, want := RootDomainID.String(), "dom0"; got != want {
		t.Errorf("RootDomainID.String(): got %q, wanted %q", got, want)
	}
	if got, want := DomainID(7).String(), "dom7"; got != want {
		t.Errorf("DomainID(7).String(): got %q, wanted %q", got, want)
	}
}
