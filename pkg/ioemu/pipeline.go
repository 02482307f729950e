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

// DecodeExitQualification pulls the architectural PIO fields out of a raw
// VM-exit qualification: size is bits[2:0]+1, direction is bit[3] (0 means
// write), and port is bits[31:16]. This mirrors the hardware encoding
// exactly; there is nothing to validate here, since the CPU only ever
// produces well-formed qualifications.
func DecodeExitQualification(exitQual uint64) (size uint8, direction Direction, port uint16) {
	size = uint8(exitQual&0x7) + 1
	if (exitQual>>3)&1 == 0 {
		direction = DirWrite
	} else {
		direction = DirRead
	}
	port = uint16(exitQual >> 16)
	return
}

// EmulatePioPost runs PIO read post-work: the low 8*size bits of the
// guest's accumulator register are replaced with the emulated value;
// higher bits, and everything for a write, are left untouched.
func EmulatePioPost(vcpu *VCPU, req *IoRequest) {
	if req.Direction != DirRead {
		return
	}
	mask := Mask(req.Size)
	rax := vcpu.RAX()
	rax = (rax &^ mask) | (req.Value & mask)
	vcpu.SetRAX(rax)
}

// EmulateMmioPost runs MMIO read post-work by re-entering the external
// instruction emulator, which writes req.Value into the destination
// register or memory operand implied by the decoded instruction. Writes
// require no post-work.
func EmulateMmioPost(vcpu *VCPU, req *IoRequest) error {
	if req.Direction != DirRead {
		return nil
	}
	if vcpu.VM.emulator == nil {
		return nil
	}
	return vcpu.VM.emulator.DecodeAndEmulate(vcpu, req)
}

// DmEmulatePioPost is the post-work counterpart to a PIO (or PciConfig)
// request that was serviced by the device model: it copies the result
// value out of the VHM slot, frees the slot, and runs EmulatePioPost.
// PciConfig requests are routed here too, since a PortIo request on
// 0xCF8/0xCFC may be reclassified to PciConfig, and the two share the
// same field layout for everything post-work cares about.
func DmEmulatePioPost(vcpu *VCPU) {
	slot := vcpu.VM.shared.Slot(vcpu.ID)
	vcpu.req.Value = slot.Value
	completeIoreq(slot)
	EmulatePioPost(vcpu, &vcpu.req)
}

// DmEmulateMmioPost is the MMIO analogue of DmEmulatePioPost.
func DmEmulateMmioPost(vcpu *VCPU) error {
	slot := vcpu.VM.shared.Slot(vcpu.ID)
	vcpu.req.Value = slot.Value
	completeIoreq(slot)
	return EmulateMmioPost(vcpu, &vcpu.req)
}

// EmulateIOPost is the completion path: invoked by the scheduler when a
// vCPU becomes runnable after a device-model completion. It is defensive
// by design — an unexpected slot state is treated as a spurious wake-up,
// not an error.
func EmulateIOPost(vcpu *VCPU) {
	vm := vcpu.VM
	if vm.shared == nil {
		return
	}
	slot := vm.shared.Slot(vcpu.ID)

	if slot.Valid.Load() == 0 || ReqState(slot.Processed.Load()) != ReqStateComplete {
		return // spurious wake-up
	}

	if vcpu.State() == VCPUZombie {
		completeIoreq(slot)
		return
	}

	switch vcpu.req.Type {
	case ReqMmio:
		if err := DmEmulateMmioPost(vcpu); err != nil {
			hvlog.Warningf("ioemu: mmio post-work for vcpu %d failed: %v", vcpu.ID, err)
		}
	case ReqPortIo, ReqPciConfig:
		DmEmulatePioPost(vcpu)
	default:
		// ReqWriteProtect can only be triggered on writes, which need no
		// post-work; just mark the request done.
		completeIoreq(slot)
	}

	if vm.resumer != nil {
		vm.resumer.ResumeVCPU(vcpu)
	}
}

// PioInstrVMExitHandler builds an IoRequest from a raw hardware exit
// qualification, dispatches it, and — on an immediate (non-pending)
// outcome — runs PIO post-work. It returns the dispatch status so the
// caller (the trap/exit dispatcher, out of scope here) knows whether to
// resume the vCPU itself (StatusOK) or leave it parked (StatusPending).
func PioInstrVMExitHandler(vcpu *VCPU, exitQual uint64) (Status, error) {
	size, direction, port := DecodeExitQualification(exitQual)

	req := &vcpu.req
	*req = IoRequest{
		Type:      ReqPortIo,
		Direction: direction,
		Address:   uint64(port),
		Size:      size,
	}
	if direction == DirWrite {
		req.Value = vcpu.RAX() & Mask(size)
	}

	status, err := EmulateIO(vcpu, req)
	if err != nil {
		return 0, err
	}
	if status == StatusOK {
		EmulatePioPost(vcpu, req)
	}
	return status, nil
}
