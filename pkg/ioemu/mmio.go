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

import "github.com/karthikatintc/acrn-hypervisor/pkg/hvlog"

// MmioReadWriteFn services an MMIO or write-protect access. On a read, it
// must populate req.Value before returning.
type MmioReadWriteFn func(vcpu *VCPU, req *IoRequest, ctx any) error

// mmioHandler is one node of a VM's doubly linked MMIO handler list.
type mmioHandler struct {
	start, end uint64
	rw         MmioReadWriteFn
	ctx        any
	prev, next *mmioHandler
}

// EPTUnmapper removes an identity mapping from a VM's second-level
// translation tables, causing subsequent guest accesses in that range to
// exit to the hypervisor. It is an external collaborator: this module never
// touches page tables directly.
type EPTUnmapper interface {
	UnmapIdentity(start, end uint64) error
}

// RegisterMmioEmulationHandler installs an MMIO handler covering
// [start, end) for vm. rw must be non-nil and end must be greater than
// start. Registration is only valid before any vCPU of vm has been
// launched; calling it afterwards is a programming error and panics. The
// check is not compiled out of any build. On
// success, if vm is the privileged guest, [start, end) is removed from its
// identity EPT mapping so that subsequent accesses trap.
func RegisterMmioEmulationHandler(vm *VM, rw MmioReadWriteFn, start, end uint64, ctx any) error {
	vm.assertNotLaunched()

	if rw == nil || end <= start {
		return ErrInvalid
	}

	vm.mu.Lock()
	h := &mmioHandler{start: start, end: end, rw: rw, ctx: ctx}
	if vm.mmioTail == nil {
		vm.mmioHead = h
		vm.mmioTail = h
	} else {
		h.prev = vm.mmioTail
		vm.mmioTail.next = h
		vm.mmioTail = h
	}
	vm.mu.Unlock()

	if vm.privileged && vm.ept != nil {
		if err := vm.ept.UnmapIdentity(start, end); err != nil {
			hvlog.Warningf("ioemu: failed to unmap EPT range [%#x, %#x): %v", start, end, err)
		}
	}
	return nil
}

// UnregisterMmioEmulationHandler removes the first MMIO handler whose
// (start, end) match exactly. It is a no-op if no such handler exists.
// Duplicate (start, end) registrations are unreachable under the disjoint
// range invariant, so "first match" and "the only match" coincide in
// correct use.
func UnregisterMmioEmulationHandler(vm *VM, start, end uint64) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	for cur := vm.mmioHead; cur != nil; cur = cur.next {
		if cur.start == start && cur.end == end {
			if cur.prev != nil {
				cur.prev.next = cur.next
			} else {
				vm.mmioHead = cur.next
			}
			if cur.next != nil {
				cur.next.prev = cur.prev
			} else {
				vm.mmioTail = cur.prev
			}
			return
		}
	}
}

// findMmioHandler scans the MMIO handler list for the handler covering
// [addr, addr+size). Semantics mirror findPioHandler.
func findMmioHandler(vm *VM, addr, size uint64) (h *mmioHandler, span bool) {
	end := addr + size
	for cur := vm.mmioHead; cur != nil; cur = cur.next {
		if end <= cur.start || addr >= cur.end {
			continue
		}
		if addr >= cur.start && end <= cur.end {
			return cur, false
		}
		return nil, true
	}
	return nil, false
}
