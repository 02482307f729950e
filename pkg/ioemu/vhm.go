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

	"github.com/karthikatintc/acrn-hypervisor/pkg/atomicbitops"
)

// ReqState is the three-state lifecycle of a VhmRequest slot.
type ReqState uint32

const (
	// ReqStateFree means the slot carries no in-flight request. Only the
	// hypervisor writes this state.
	ReqStateFree ReqState = iota
	// ReqStatePending means the hypervisor has filled the slot and is
	// waiting on the device model. Only the hypervisor writes this state.
	ReqStatePending
	// ReqStateComplete means the device model has filled in the result.
	// Only the device model writes this state.
	ReqStateComplete
)

// VhmRequest is the ABI between the hypervisor and the device model
// process: one fixed-size slot per vCPU, memory-mapped into both. The
// common request prefix (ReqType, Direction, Address, Size, Value) is
// shared field-for-field across PortIo, Mmio, and PciConfig requests, so
// post-processing on the read path can treat them uniformly — this is a
// conceptual simplification of the byte-for-byte 28-byte prefix described
// for the original C ABI; since this module has no separate-language
// consumer of the struct, Go's natural field alignment is used instead of
// hand-packing, and the prefix/epilogue split is preserved in spirit
// (DESIGN.md records this as a deliberate adaptation).
type VhmRequest struct {
	ReqType   uint32
	Direction uint32
	Address   uint64
	Size      uint32
	Value     uint64
	OwnerVCPU uint32

	// Valid is 0 when the slot carries no in-flight request.
	Valid atomicbitops.Uint32
	// Processed cycles FREE -> PENDING -> COMPLETE -> FREE. Only the
	// hypervisor writes FREE and PENDING; only the device model writes
	// COMPLETE. Every store/load on this field uses the ordering
	// sync/atomic already provides (no relaxed access is ever correct
	// here).
	Processed atomicbitops.Uint32
}

func completeIoreq(slot *VhmRequest) {
	slot.Valid.Store(0)
	slot.Processed.Store(uint32(ReqStateFree))
}

// InsertRequestWait hands req to the device model for vcpu: it atomically
// writes the request into vcpu's slot, stores Pending, sets Valid, and
// signals the device model's upcall eventfd. Despite the name — inherited
// from the protocol this implements — this call does not block the
// calling goroutine on the device model's response; EmulateIO's dispatch
// returns Pending immediately, and the actual wait for a result happens
// later, out-of-line, in the completion path (EmulateIOPost). A real
// integration that needs a blocking variant would layer a response
// channel on top of this; that blocking behavior is an external
// collaborator's contract, not implemented here.
func (vm *VM) InsertRequestWait(vcpu *VCPU, req *IoRequest) error {
	if vm.shared == nil {
		return ErrNoDevice
	}
	slot := vm.shared.Slot(vcpu.ID)

	slot.ReqType = uint32(req.Type)
	slot.Direction = uint32(req.Direction)
	slot.Address = req.Address
	slot.Size = uint32(req.Size)
	slot.Value = req.Value
	slot.OwnerVCPU = uint32(vcpu.ID)

	slot.Processed.Store(uint32(ReqStatePending))
	slot.Valid.Store(1)

	if vm.upcall != nil {
		return vm.upcall.Notify()
	}
	return nil
}

// CompleteRequest plays the device model's side of the protocol: it
// writes the result value into vcpu's slot and stores Complete. This is a
// reference implementation of the far side of the contract, useful for
// tests and for a same-process device-model stand-in, not a substitute
// for the real out-of-process device model, which is an external
// collaborator.
func (vm *VM) CompleteRequest(vcpuID uint16, value uint64) error {
	if vm.shared == nil {
		return ErrNoDevice
	}
	slot := vm.shared.Slot(vcpuID)
	if ReqState(slot.Processed.Load()) != ReqStatePending {
		return fmt.Errorf("ioemu: slot %d is not pending (protocol error)", vcpuID)
	}
	slot.Value = value
	slot.Processed.Store(uint32(ReqStateComplete))
	return nil
}
