// Copyright 2018 Google Inc.
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

package ioemu

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const slotSize = int(unsafe.Sizeof(VhmRequest{}))

// SharedPage is the per-VM ring of VhmRequest slots, one per vCPU, backed
// by an anonymous shared memory mapping so that a real device model in a
// separate process could be given the same pages via a memfd in place of
// MAP_ANONYMOUS. Indexing is by vCPU id.
type SharedPage struct {
	mem   []byte
	slots []*VhmRequest
}

// NewSharedPage maps a shared ring sized for n vCPUs.
func NewSharedPage(n int) (*SharedPage, error) {
	if n <= 0 {
		return nil, fmt.Errorf("ioemu: invalid vCPU count %d", n)
	}
	size := n * slotSize
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("ioemu: mmap shared ring: %w", err)
	}
	sp := &SharedPage{mem: mem, slots: make([]*VhmRequest, n)}
	for i := 0; i < n; i++ {
		sp.slots[i] = (*VhmRequest)(unsafe.Pointer(&mem[i*slotSize]))
	}
	return sp, nil
}

// Slot returns the slot belonging to the given vCPU id. It panics if id is
// out of range, matching the teacher's convention of letting an
// out-of-bounds slice index crash loudly rather than silently truncating.
func (sp *SharedPage) Slot(vcpuID uint16) *VhmRequest {
	return sp.slots[vcpuID]
}

// Close unmaps the ring's backing memory.
func (sp *SharedPage) Close() error {
	if sp.mem == nil {
		return nil
	}
	err := unix.Munmap(sp.mem)
	sp.mem = nil
	sp.slots = nil
	return err
}
