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

// hvEmulatePio tries to service req with a hypervisor-internal PIO
// handler. It returns ErrNoDevice if no handler covers the address at
// all, ErrSpanError if some handler partially overlaps it, or nil on a
// full match.
func hvEmulatePio(vm *VM, req *IoRequest) error {
	port := uint16(req.Address)
	size := req.Size
	mask := Mask(size)

	vm.mu.Lock()
	h, span := findPioHandler(vm, port, size)
	vm.mu.Unlock()

	if span {
		hvlog.Debugf("ioemu: IO port %#04x, size=%d spans devices", port, size)
		return ErrSpanError
	}
	if h == nil {
		return ErrNoDevice
	}

	if req.Direction == DirWrite {
		h.write(vm, port, size, req.Value&mask)
		hvlog.Debugf("ioemu: IO write on port %#04x, data %#08x", port, req.Value&mask)
	} else {
		req.Value = h.read(vm, port, size)
		hvlog.Debugf("ioemu: IO read on port %#04x, data %#08x", port, req.Value)
	}
	return nil
}

// hvEmulateMmio tries to service req with a hypervisor-internal MMIO
// handler. Semantics mirror hvEmulatePio.
func hvEmulateMmio(vcpu *VCPU, req *IoRequest) error {
	vm := vcpu.VM
	address := req.Address
	size := uint64(req.Size)

	vm.mu.Lock()
	h, span := findMmioHandler(vm, address, size)
	vm.mu.Unlock()

	if span {
		hvlog.Debugf("ioemu: MMIO address %#x, size=%d spans devices", address, size)
		return ErrSpanError
	}
	if h == nil {
		return ErrNoDevice
	}

	return h.rw(vcpu, req, h.ctx)
}

// noDeviceFallback runs when no hypervisor-internal handler covers req. In
// partition mode the access is serviced locally with the dead-device
// synthesis (all-ones reads, masked to the access width; discarded
// writes) and the request completes immediately. Otherwise the request is
// hand off to the device model via the VHM bridge.
func noDeviceFallback(vcpu *VCPU, req *IoRequest) (Status, error) {
	vm := vcpu.VM
	vm.recordNoDeviceFallback()

	if vm.partition {
		if req.Direction == DirRead {
			req.Value = Mask(req.Size)
		}
		return StatusOK, nil
	}

	if err := vm.InsertRequestWait(vcpu, req); err != nil {
		hvlog.Warningf("ioemu: %s access to address %#x, size=%d: %v",
			req.Direction, req.Address, req.Size, err)
		return 0, err
	}
	vm.recordPendingRequest()
	return StatusPending, nil
}

// EmulateIO dispatches req to the region table matching its type: PortIo
// requests use the PIO table, Mmio and WriteProtect requests use the MMIO
// table. A handler that only partially covers the access is always an
// error; emulation is never split across handlers.
func EmulateIO(vcpu *VCPU, req *IoRequest) (Status, error) {
	var err error
	switch req.Type {
	case ReqPortIo:
		err = hvEmulatePio(vcpu.VM, req)
	case ReqMmio, ReqWriteProtect:
		err = hvEmulateMmio(vcpu, req)
	default:
		return 0, ErrInvalid
	}

	switch err {
	case nil:
		return StatusOK, nil
	case ErrNoDevice:
		return noDeviceFallback(vcpu, req)
	case ErrSpanError:
		vcpu.VM.recordSpanError()
		return 0, ErrSpanError
	default:
		return 0, err
	}
}
