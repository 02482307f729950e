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

import "testing"

type recordingResumer struct {
	resumed []*VCPU
}

func (r *recordingResumer) ResumeVCPU(vcpu *VCPU) { r.resumed = append(r.resumed, vcpu) }

type fakeEmulator struct {
	called bool
	value  uint64
}

func (f *fakeEmulator) DecodeAndEmulate(vcpu *VCPU, req *IoRequest) error {
	f.called = true
	f.value = req.Value
	return nil
}

func TestDecodeExitQualification(t *testing.T) {
	// size=4 (bits[2:0]=3), direction=read (bit3=1), port=0x3F8.
	exitQual := uint64(0x3F8)<<16 | 1<<3 | 3
	size, dir, port := DecodeExitQualification(exitQual)
	if size != 4 {
		t.Fatalf("size = %d, want 4", size)
	}
	if dir != DirRead {
		t.Fatalf("direction = %v, want DirRead", dir)
	}
	if port != 0x3F8 {
		t.Fatalf("port = %#x, want 0x3F8", port)
	}
}

func TestDecodeExitQualificationWrite(t *testing.T) {
	exitQual := uint64(0x80) << 16 // bit3=0 => write, size bits=0 => size 1
	size, dir, port := DecodeExitQualification(exitQual)
	if size != 1 || dir != DirWrite || port != 0x80 {
		t.Fatalf("got size=%d dir=%v port=%#x", size, dir, port)
	}
}

func TestEmulatePioPostMasksLowBits(t *testing.T) {
	vm := newTestVM(t, false)
	vcpu := vm.NewVCPU(0)
	vcpu.SetRAX(0xFFFFFFFFFFFFFFFF)

	req := &IoRequest{Direction: DirRead, Size: 2, Value: 0xABCD}
	EmulatePioPost(vcpu, req)

	if got, want := vcpu.RAX(), uint64(0xFFFFFFFFFFFFABCD); got != want {
		t.Fatalf("RAX() = %#x, want %#x", got, want)
	}
}

func TestEmulatePioPostSkipsWrites(t *testing.T) {
	vm := newTestVM(t, false)
	vcpu := vm.NewVCPU(0)
	vcpu.SetRAX(0x1122334455667788)

	EmulatePioPost(vcpu, &IoRequest{Direction: DirWrite, Size: 4, Value: 0xDEADBEEF})
	if got := vcpu.RAX(); got != 0x1122334455667788 {
		t.Fatalf("RAX() = %#x, want unchanged", got)
	}
}

func TestEmulateMmioPostInvokesEmulatorOnRead(t *testing.T) {
	emu := &fakeEmulator{}
	vm, err := NewVM(VMConfig{Emulator: emu})
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	vcpu := vm.NewVCPU(0)
	req := &IoRequest{Direction: DirRead, Value: 0x77}

	if err := EmulateMmioPost(vcpu, req); err != nil {
		t.Fatalf("EmulateMmioPost: %v", err)
	}
	if !emu.called || emu.value != 0x77 {
		t.Fatalf("emulator not invoked correctly: called=%v value=%#x", emu.called, emu.value)
	}
}

func TestEmulateMmioPostSkipsWrites(t *testing.T) {
	emu := &fakeEmulator{}
	vm, err := NewVM(VMConfig{Emulator: emu})
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	vcpu := vm.NewVCPU(0)
	if err := EmulateMmioPost(vcpu, &IoRequest{Direction: DirWrite}); err != nil {
		t.Fatalf("EmulateMmioPost: %v", err)
	}
	if emu.called {
		t.Fatal("emulator should not run for a write")
	}
}

func TestEmulateIOPostSpuriousWakeupIsIgnored(t *testing.T) {
	resumer := &recordingResumer{}
	vm, err := NewVM(VMConfig{VCPUCount: 1, Resumer: resumer})
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	vcpu := vm.NewVCPU(0)

	EmulateIOPost(vcpu) // slot is Free; nothing queued.

	if len(resumer.resumed) != 0 {
		t.Fatal("resumer should not run on a spurious wake-up")
	}
}

func TestEmulateIOPostZombieCompletesWithoutPostWork(t *testing.T) {
	emu := &fakeEmulator{}
	resumer := &recordingResumer{}
	vm, err := NewVM(VMConfig{VCPUCount: 1, Emulator: emu, Resumer: resumer})
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	vcpu := vm.NewVCPU(0)
	vcpu.req = IoRequest{Type: ReqMmio, Direction: DirRead}
	vcpu.SetState(VCPUZombie)

	vm.InsertRequestWait(vcpu, &vcpu.req)
	vm.CompleteRequest(0, 0xFF)

	EmulateIOPost(vcpu)

	if emu.called {
		t.Fatal("post-work must not run for a zombie vCPU")
	}
	if len(resumer.resumed) != 0 {
		t.Fatal("a zombie vCPU must never be resumed")
	}
	slot := vm.Shared().Slot(0)
	if slot.Valid.Load() != 0 {
		t.Fatal("the slot must still be freed even though the vCPU is a zombie")
	}
}

func TestEmulateIOPostFullRoundTripPio(t *testing.T) {
	resumer := &recordingResumer{}
	vm, err := NewVM(VMConfig{VCPUCount: 1, Resumer: resumer})
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	vcpu := vm.NewVCPU(0)
	vcpu.SetRAX(0)

	status, err := PioInstrVMExitHandler(vcpu, exitQualFor(1, DirRead, 0x60))
	if err != nil {
		t.Fatalf("PioInstrVMExitHandler: %v", err)
	}
	if status != StatusPending {
		t.Fatalf("status = %v, want StatusPending", status)
	}

	if err := vm.CompleteRequest(0, 0x42); err != nil {
		t.Fatalf("CompleteRequest: %v", err)
	}

	EmulateIOPost(vcpu)

	if got := vcpu.RAX(); got != 0x42 {
		t.Fatalf("RAX() = %#x, want 0x42", got)
	}
	if len(resumer.resumed) != 1 || resumer.resumed[0] != vcpu {
		t.Fatal("resumer should have resumed the vCPU exactly once")
	}
}

func TestPioInstrVMExitHandlerImmediate(t *testing.T) {
	vm := newTestVM(t, false)
	RegisterIOEmulationHandler(vm, 0x60, 1,
		func(*VM, uint16, uint8) uint64 { return 0x9 },
		func(*VM, uint16, uint8, uint64) {},
	)
	vcpu := vm.NewVCPU(0)

	status, err := PioInstrVMExitHandler(vcpu, exitQualFor(1, DirRead, 0x60))
	if err != nil {
		t.Fatalf("PioInstrVMExitHandler: %v", err)
	}
	if status != StatusOK {
		t.Fatalf("status = %v, want StatusOK", status)
	}
	if got := vcpu.RAX() & 0xFF; got != 0x9 {
		t.Fatalf("RAX()&0xFF = %#x, want 0x9", got)
	}
}

// exitQualFor builds a raw exit qualification matching DecodeExitQualification.
func exitQualFor(size uint8, dir Direction, port uint16) uint64 {
	q := uint64(port) << 16
	q |= uint64(size-1) & 0x7
	if dir == DirRead {
		q |= 1 << 3
	}
	return q
}
