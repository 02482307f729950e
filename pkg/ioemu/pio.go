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

// PioReadFn services a guest read from a registered port range.
type PioReadFn func(vm *VM, port uint16, size uint8) uint64

// PioWriteFn services a guest write to a registered port range.
type PioWriteFn func(vm *VM, port uint16, size uint8, value uint64)

// pioHandler is one node of a VM's singly linked PIO handler list.
type pioHandler struct {
	addr  uint16
	len   uint16
	read  PioReadFn
	write PioWriteFn
	next  *pioHandler
}

func (h *pioHandler) end() uint32 {
	return uint32(h.addr) + uint32(h.len)
}

// RegisterIOEmulationHandler installs a PIO handler covering
// [base.addr, base.addr+base.len) for vm. Both read and write must be
// non-nil. If vm is the privileged guest, the covered ports are switched
// from pass-through to trapping. New handlers are prepended, so among
// registrations that (incorrectly) overlap, the most recently registered
// one is checked first; correct use keeps ranges disjoint, per the region
// table invariant, so ordering has no observable effect in practice.
func RegisterIOEmulationHandler(vm *VM, base uint16, length uint16, read PioReadFn, write PioWriteFn) {
	if read == nil || write == nil {
		hvlog.Warningf("ioemu: invalid PIO handler for port %#x, length %d: nil callback", base, length)
		return
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.privileged {
		vm.bitmap.DenyGuestIOAccess(uint32(base), uint32(length))
	}

	h := &pioHandler{addr: base, len: length, read: read, write: write}
	h.next = vm.pioHandlers
	vm.pioHandlers = h
}

// findPioHandler scans the PIO handler list for the handler covering
// [addr, addr+size). It returns (handler, false) on a full match, (nil,
// false) if no handler overlaps at all, and (nil, true) if some handler
// partially overlaps the access (a span error).
func findPioHandler(vm *VM, addr uint16, size uint8) (h *pioHandler, span bool) {
	port := uint32(addr)
	end := port + uint32(size)
	for cur := vm.pioHandlers; cur != nil; cur = cur.next {
		base := uint32(cur.addr)
		hend := cur.end()
		if end <= base || port >= hend {
			continue
		}
		if port >= base && end <= hend {
			return cur, false
		}
		return nil, true
	}
	return nil, false
}
