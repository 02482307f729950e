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

func newTestVM(t *testing.T, privileged bool) *VM {
	t.Helper()
	vm, err := NewVM(VMConfig{Privileged: privileged})
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	return vm
}

func TestRegisterIOEmulationHandlerFullMatch(t *testing.T) {
	vm := newTestVM(t, false)
	var written uint64
	RegisterIOEmulationHandler(vm, 0x3F8, 8,
		func(vm *VM, port uint16, size uint8) uint64 { return 0xAB },
		func(vm *VM, port uint16, size uint8, value uint64) { written = value },
	)

	if err := hvEmulatePio(vm, &IoRequest{Type: ReqPortIo, Direction: DirWrite, Address: 0x3FA, Size: 1, Value: 0x7}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if written != 0x7 {
		t.Fatalf("write handler saw %#x, want 0x7", written)
	}

	req := &IoRequest{Type: ReqPortIo, Direction: DirRead, Address: 0x3F8, Size: 1}
	if err := hvEmulatePio(vm, req); err != nil {
		t.Fatalf("read: %v", err)
	}
	if req.Value != 0xAB {
		t.Fatalf("read handler returned %#x, want 0xAB", req.Value)
	}
}

func TestRegisterIOEmulationHandlerDeniesBitmapForPrivilegedGuest(t *testing.T) {
	vm := newTestVM(t, true)
	if vm.Bitmap().Traps(0x60) {
		t.Fatal("privileged guest should default to pass-through before registration")
	}
	RegisterIOEmulationHandler(vm, 0x60, 4, func(*VM, uint16, uint8) uint64 { return 0 }, func(*VM, uint16, uint8, uint64) {})
	if !vm.Bitmap().Traps(0x60) || !vm.Bitmap().Traps(0x63) {
		t.Fatal("registering a handler should deny guest access to the covered ports")
	}
}

func TestHvEmulatePioNoDevice(t *testing.T) {
	vm := newTestVM(t, false)
	err := hvEmulatePio(vm, &IoRequest{Type: ReqPortIo, Direction: DirRead, Address: 0x100, Size: 1})
	if err != ErrNoDevice {
		t.Fatalf("err = %v, want ErrNoDevice", err)
	}
}

func TestHvEmulatePioSpanError(t *testing.T) {
	vm := newTestVM(t, false)
	RegisterIOEmulationHandler(vm, 0x10, 2, func(*VM, uint16, uint8) uint64 { return 0 }, func(*VM, uint16, uint8, uint64) {})

	// [0x10, 0x12) is registered; a 4-byte access at 0x10 spans past it.
	err := hvEmulatePio(vm, &IoRequest{Type: ReqPortIo, Direction: DirRead, Address: 0x10, Size: 4})
	if err != ErrSpanError {
		t.Fatalf("err = %v, want ErrSpanError", err)
	}
}

func TestRegisterIOEmulationHandlerRejectsNilCallback(t *testing.T) {
	vm := newTestVM(t, false)
	RegisterIOEmulationHandler(vm, 0x10, 2, nil, func(*VM, uint16, uint8, uint64) {})

	if err := hvEmulatePio(vm, &IoRequest{Type: ReqPortIo, Direction: DirRead, Address: 0x10, Size: 1}); err != ErrNoDevice {
		t.Fatalf("err = %v, want ErrNoDevice (nil-callback registration should be rejected)", err)
	}
}
