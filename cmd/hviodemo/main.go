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

// Command hviodemo drives the guest I/O emulation core against a small
// synthetic scenario: a UART-like PIO device handled entirely inside the
// hypervisor, an RTC-like PIO device deferred to a device-model stand-in
// over the VHM bridge, and a cross-CPU notification broadcast once both
// vCPUs have serviced an access.
package main

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/karthikatintc/acrn-hypervisor/pkg/hvlog"
	"github.com/karthikatintc/acrn-hypervisor/pkg/ioemu"
	"github.com/karthikatintc/acrn-hypervisor/pkg/smpcall"
)

// blockingResumer hands a parked vCPU's post-work completion back to the
// goroutine that's waiting on it, standing in for a real vCPU scheduler.
type blockingResumer struct {
	done map[uint16]chan struct{}
}

func newBlockingResumer(vcpuIDs ...uint16) *blockingResumer {
	r := &blockingResumer{done: make(map[uint16]chan struct{})}
	for _, id := range vcpuIDs {
		r.done[id] = make(chan struct{}, 1)
	}
	return r
}

func (r *blockingResumer) ResumeVCPU(vcpu *ioemu.VCPU) {
	r.done[vcpu.ID] <- struct{}{}
}

func (r *blockingResumer) wait(id uint16) { <-r.done[id] }

func main() {
	hvlog.SetTarget(&hvlog.BasicLogger{Level: hvlog.Debug, Emitter: hvlog.GoogleEmitter{Emitter: hvlog.NewWriter(os.Stdout)}})

	resumer := newBlockingResumer(0, 1)
	vm, err := ioemu.NewVM(ioemu.VMConfig{VCPUCount: 2, Resumer: resumer})
	if err != nil {
		hvlog.Warningf("hviodemo: NewVM: %v", err)
		os.Exit(1)
	}
	defer vm.FreeIOEmulationResource()

	// A UART-like device at 0x3F8-0x3FF, serviced entirely in-hypervisor.
	var scratch uint8
	ioemu.RegisterIOEmulationHandler(vm, 0x3F8, 8,
		func(vm *ioemu.VM, port uint16, size uint8) uint64 { return uint64(scratch) },
		func(vm *ioemu.VM, port uint16, size uint8, value uint64) { scratch = uint8(value) },
	)

	notifier := smpcall.NewNotifier()
	notifier.AddCPU(0)
	notifier.AddCPU(1)
	if err := notifier.SetupNotification(0); err != nil {
		hvlog.Warningf("hviodemo: SetupNotification: %v", err)
	}

	vcpu0 := vm.NewVCPU(0)
	vcpu1 := vm.NewVCPU(1)

	g, _ := errgroup.WithContext(context.Background())

	// vCPU 0 writes then reads the in-hypervisor UART port: both complete
	// immediately with no trip through the device model.
	g.Go(func() error {
		vcpu0.SetRAX(0xAA)
		if _, err := ioemu.PioInstrVMExitHandler(vcpu0, pioExitQual(1, ioemu.DirWrite, 0x3F8)); err != nil {
			return err
		}
		vcpu0.SetRAX(0)
		status, err := ioemu.PioInstrVMExitHandler(vcpu0, pioExitQual(1, ioemu.DirRead, 0x3F8))
		if err != nil {
			return err
		}
		fmt.Printf("vcpu0: uart read status=%v rax&0xFF=%#x\n", status, vcpu0.RAX()&0xFF)
		return nil
	})

	// vCPU 1 reads an RTC-like port nobody claimed in-hypervisor; the
	// access is deferred to the device model over the VHM bridge, the same
	// goroutine then plays the device model's side, and the pipeline
	// resumes vCPU 1 once the completion lands.
	g.Go(func() error {
		status, err := ioemu.PioInstrVMExitHandler(vcpu1, pioExitQual(1, ioemu.DirRead, 0x70))
		if err != nil {
			return err
		}
		if status != ioemu.StatusPending {
			return fmt.Errorf("expected pending RTC read, got %v", status)
		}

		if err := vm.CompleteRequest(1, 0x55); err != nil {
			return err
		}
		ioemu.EmulateIOPost(vcpu1)
		resumer.wait(1)
		fmt.Printf("vcpu1: rtc read rax&0xFF=%#x\n", vcpu1.RAX()&0xFF)
		return nil
	})

	if err := g.Wait(); err != nil {
		hvlog.Warningf("hviodemo: scenario failed: %v", err)
		os.Exit(1)
	}

	// Once both vCPUs have serviced an access, broadcast a TLB-shootdown-
	// style callback to every physical CPU and wait for it to land
	// everywhere before continuing.
	notifier.SMPCall(0b11, func(ctx any) {
		fmt.Printf("smpcall: flush callback running, tag=%v\n", ctx)
	}, "tlb-shootdown")

	fmt.Printf("stats: %+v\n", vm.Stats())
}

func pioExitQual(size uint8, dir ioemu.Direction, port uint16) uint64 {
	q := uint64(port) << 16
	q |= uint64(size-1) & 0x7
	if dir == ioemu.DirRead {
		q |= 1 << 3
	}
	return q
}
