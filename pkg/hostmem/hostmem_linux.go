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

// Package hostmem backs the model's physical address space with a sealed
// memfd, so that translation and donation results can be checked against
// real bytes.
package hostmem

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/enr0n/MicroV/pkg/hvarch"
)

// Arena is a mapped shared memory file standing in for physical memory.
// Byte i of the arena is the byte at host-physical address i.
type Arena struct {
	fd   int
	mem  []byte
	size uint64
}

// NewArena creates an arena of size bytes. size must be page-aligned and
// nonzero.
func NewArena(size uint64) (*Arena, error) {
	if size == 0 || size&(hvarch.PageSize-1) != 0 {
		return nil, fmt.Errorf("hostmem: arena size %#x is not a whole number of pages", size)
	}

	fd, err := unix.MemfdCreate("microv_hostmem", unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("hostmem: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("hostmem: ftruncate to %#x: %w", size, err)
	}
	// Seal the size so that no one can SIGBUS a mapped user by truncating
	// the file out from under it.
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK|unix.F_SEAL_GROW|unix.F_SEAL_SEAL); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("hostmem: seal memfd: %w", err)
	}

	mem, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("hostmem: mmap %#x bytes: %w", size, err)
	}

	return &Arena{fd: fd, mem: mem, size: size}, nil
}

// Size returns the arena size in bytes.
func (a *Arena) Size() uint64 {
	return a.size
}

// FD returns the backing memfd.
func (a *Arena) FD() int {
	return a.fd
}

// Slice returns the bytes backing the host-physical range [hpa, hpa+length).
// The slice aliases the arena; writes through it are visible to every other
// slice of the same range.
func (a *Arena) Slice(hpa hvarch.HPA, length uint64) ([]byte, error) {
	end := uint64(hpa) + length
	if end < uint64(hpa) || end > a.size {
		return nil, fmt.Errorf("hostmem: range [%#x, %#x) outside arena of %#x bytes", uint64(hpa), end, a.size)
	}
	return a.mem[hpa:end:end], nil
}

// Close unmaps and closes the arena. Slices from it must no longer be used.
func (a *Arena) Close() error {
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	if cerr := unix.Close(a.fd); err == nil {
		err = cerr
	}
	a.fd = -1
	return err
}
