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

package hostmem

import (
	"bytes"
	"testing"

	"github.com/enr0n/MicroV/pkg/hvarch"
)

func TestArenaSlicesAlias(t *testing.T) {
	a, err := NewArena(16 * hvarch.PageSize)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	defer a.Close()

	const hpa = hvarch.HPA(3 * hvarch.PageSize)
	msg := []byte("written once, visible everywhere")

	s1, err := a.Slice(hpa, hvarch.PageSize)
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	copy(s1, msg)

	s2, err := a.Slice(hpa, uint64(len(msg)))
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	if !bytes.Equal(s2, msg) {
		t.Errorf("re-slice: got %q, wanted %q", s2, msg)
	}

	// A slice of a different page sees none of it.
	s3, err := a.Slice(0, hvarch.PageSize)
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	if !bytes.Equal(s3, make([]byte, hvarch.PageSize)) {
		t.Error("unwritten page is not zero")
	}
}

func TestArenaBounds(t *testing.T) {
	a, err := NewArena(4 * hvarch.PageSize)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	defer a.Close()

	for _, test := range []struct {
		name   string
		hpa    hvarch.HPA
		length uint64
	}{
		{"past end", 4 * hvarch.PageSize, 1},
		{"straddles end", 3 * hvarch.PageSize, 2 * hvarch.PageSize},
		{"wraps", ^hvarch.HPA(0), 2},
	} {
		if _, err := a.Slice(test.hpa, test.length); err == nil {
			t.Errorf("%s: Slice(%#x, %#x) did not fail", test.name, uint64(test.hpa), test.length)
		}
	}

	if s, err := a.Slice(0, a.Size()); err != nil || len(s) != int(a.Size()) {
		t.Errorf("whole-arena slice: got (%d, %v)", len(s), err)
	}
}

func TestArenaSizeValidation(t *testing.T) {
	if _, err := NewArena(0); err == nil {
		t.Error("NewArena(0) did not fail")
	}
	if _, err := NewArena(hvarch.PageSize + 1); err == nil {
		t.Error("NewArena of a partial page did not fail")
	}
}

func TestArenaCloseIdempotent(t *testing.T) {
	a, err := NewArena(hvarch.PageSize)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
