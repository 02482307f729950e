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

type fakeEPT struct {
	unmapped []struct{ start, end uint64 }
}

func (f *fakeEPT) UnmapIdentity(start, end uint64) error {
	f.unmapped = append(f.unmapped, struct{ start, end uint64 }{start, end})
	return nil
}

func TestRegisterMmioEmulationHandlerFullMatch(t *testing.T) {
	vm := newTestVM(t, false)
	called := false
	err := RegisterMmioEmulationHandler(vm, func(vcpu *VCPU, req *IoRequest, ctx any) error {
		called = true
		req.Value = 0x42
		return nil
	}, 0x1000, 0x2000, nil)
	if err != nil {
		t.Fatalf("RegisterMmioEmulationHandler: %v", err)
	}

	vcpu := vm.NewVCPU(0)
	req := &IoRequest{Type: ReqMmio, Direction: DirRead, Address: 0x1500, Size: 4}
	if err := hvEmulateMmio(vcpu, req); err != nil {
		t.Fatalf("hvEmulateMmio: %v", err)
	}
	if !called || req.Value != 0x42 {
		t.Fatalf("handler not invoked correctly: called=%v value=%#x", called, req.Value)
	}
}

func TestRegisterMmioEmulationHandlerUnmapsEPTForPrivilegedGuest(t *testing.T) {
	vm := newTestVM(t, true)
	ept := &fakeEPT{}
	vm.ept = ept

	if err := RegisterMmioEmulationHandler(vm, func(*VCPU, *IoRequest, any) error { return nil }, 0x1000, 0x2000, nil); err != nil {
		t.Fatalf("RegisterMmioEmulationHandler: %v", err)
	}
	if len(ept.unmapped) != 1 || ept.unmapped[0].start != 0x1000 || ept.unmapped[0].end != 0x2000 {
		t.Fatalf("EPT unmap calls = %v, want one call for [0x1000, 0x2000)", ept.unmapped)
	}
}

func TestRegisterMmioEmulationHandlerRejectsInvalidRange(t *testing.T) {
	vm := newTestVM(t, false)
	err := RegisterMmioEmulationHandler(vm, func(*VCPU, *IoRequest, any) error { return nil }, 0x2000, 0x1000, nil)
	if err != ErrInvalid {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestRegisterMmioEmulationHandlerPanicsAfterLaunch(t *testing.T) {
	vm := newTestVM(t, false)
	vm.MarkLaunched()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic registering an MMIO handler after launch")
		}
	}()
	RegisterMmioEmulationHandler(vm, func(*VCPU, *IoRequest, any) error { return nil }, 0x1000, 0x2000, nil)
}

func TestUnregisterMmioEmulationHandler(t *testing.T) {
	vm := newTestVM(t, false)
	RegisterMmioEmulationHandler(vm, func(*VCPU, *IoRequest, any) error { return nil }, 0x1000, 0x2000, nil)
	RegisterMmioEmulationHandler(vm, func(*VCPU, *IoRequest, any) error { return nil }, 0x3000, 0x4000, nil)

	UnregisterMmioEmulationHandler(vm, 0x1000, 0x2000)

	vcpu := vm.NewVCPU(0)
	err := hvEmulateMmio(vcpu, &IoRequest{Type: ReqMmio, Direction: DirRead, Address: 0x1500, Size: 4})
	if err != ErrNoDevice {
		t.Fatalf("err = %v, want ErrNoDevice after unregistering the covering handler", err)
	}

	// The remaining handler must still work; the list links must not have
	// been corrupted by removing the other node.
	err = hvEmulateMmio(vcpu, &IoRequest{Type: ReqMmio, Direction: DirRead, Address: 0x3500, Size: 4})
	if err != nil {
		t.Fatalf("remaining handler broken after unregister: %v", err)
	}
}

func TestHvEmulateMmioSpanError(t *testing.T) {
	vm := newTestVM(t, false)
	RegisterMmioEmulationHandler(vm, func(*VCPU, *IoRequest, any) error { return nil }, 0x1000, 0x1004, nil)

	vcpu := vm.NewVCPU(0)
	err := hvEmulateMmio(vcpu, &IoRequest{Type: ReqMmio, Direction: DirRead, Address: 0x1000, Size: 8})
	if err != ErrSpanError {
		t.Fatalf("err = %v, want ErrSpanError", err)
	}
}
