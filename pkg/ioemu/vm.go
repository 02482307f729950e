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
	"sync"

	"github.com/karthikatintc/acrn-hypervisor/pkg/atomicbitops"
)

// VCPUState is the lifecycle state of a vCPU, as observed by the completion
// path. Only VCPUZombie is meaningful to this package; the rest of the
// state machine belongs to the scheduler, which is out of scope.
type VCPUState int32

const (
	// VCPURunning covers every non-terminal vCPU state.
	VCPURunning VCPUState = iota
	// VCPUZombie is the terminal state: the vCPU is being torn down and
	// must never be resumed again.
	VCPUZombie
)

// InstructionEmulator decodes the instruction that caused an MMIO exit and
// writes an emulated read's result into the guest's destination register or
// memory operand. It is an external collaborator: this module never decodes
// guest instructions itself.
type InstructionEmulator interface {
	DecodeAndEmulate(vcpu *VCPU, req *IoRequest) error
}

// VCPU is the per-vCPU state this package needs: an id used to index the
// VHM shared ring, a pointer back to its VM, a lifecycle state, and the
// single outstanding IoRequest (a vCPU never has more than one in flight,
// since the exit handler and the completion handler never run
// concurrently for the same vCPU).
type VCPU struct {
	ID    uint16
	VM    *VM
	state atomicbitops.Uint32

	// req is the vCPU's single outstanding request, valid between a
	// pending emulate_io call and the matching post-work.
	req IoRequest

	// rax models the guest's accumulator register for PIO post-work. A
	// real integration would read/write the vCPU's actual register file;
	// this field lets the pipeline and its tests exercise the exact
	// masking rule without a full register-file dependency.
	rax uint64
}

// SetState sets the vCPU's lifecycle state.
func (c *VCPU) SetState(s VCPUState) { c.state.Store(uint32(s)) }

// State returns the vCPU's lifecycle state.
func (c *VCPU) State() VCPUState { return VCPUState(c.state.Load()) }

// RAX returns the modeled guest accumulator register.
func (c *VCPU) RAX() uint64 { return c.rax }

// SetRAX sets the modeled guest accumulator register.
func (c *VCPU) SetRAX(v uint64) { c.rax = v }

// Stats are informational, in-memory-only counters, analogous to the
// teacher's vCPU.switches/vCPU.faults fields: they exist purely for
// diagnostics and are never consulted for correctness.
type Stats struct {
	SpanErrors        uint64
	NoDeviceFallbacks uint64
	PendingRequests   uint64
}

// VM owns the per-VM I/O emulation state: the PIO and MMIO handler tables,
// the PIO bitmap, and (when VMConfig.VCPUCount is non-zero) the VHM shared
// ring used to hand requests to the device model.
type VM struct {
	mu sync.Mutex

	privileged bool
	// partition mirrors CONFIG_PARTITION_MODE: an unclaimed access
	// synthesizes an all-ones read (masked to the access width) and
	// discards writes locally instead of deferring to a device model.
	partition bool
	bitmap    *PioBitmap

	pioHandlers *pioHandler
	mmioHead    *mmioHandler
	mmioTail    *mmioHandler

	launched atomicbitops.Bool

	// shared is the VHM ring backing this VM's device model handoff,
	// created whenever VMConfig.VCPUCount is non-zero, whether or not the
	// VM is privileged. nil when VCPUCount is zero.
	shared *SharedPage
	// upcall signals the device model process when a slot transitions to
	// Pending. nil whenever shared is nil.
	upcall *Upcall

	emulator InstructionEmulator
	ept      EPTUnmapper
	resumer  Resumer

	statsMu sync.Mutex
	stats   Stats
}

// VMConfig parameterizes VM construction. There is no file- or
// environment-backed configuration layer in this core: the caller (the
// rest of the hypervisor) already knows these facts about the VM it is
// creating.
type VMConfig struct {
	// Privileged marks this VM as the guest that runs the device model:
	// its PIO bitmap defaults to pass-through and MMIO handler
	// registration unmaps the corresponding EPT range.
	Privileged bool
	// VCPUCount sizes the VHM shared ring, one slot per vCPU. Zero means
	// no ring and no upcall are created.
	VCPUCount int
	// Emulator services MMIO read post-work by decoding the trapping
	// instruction. May be nil if the VM never installs MMIO handlers and
	// never falls through to the device model on an MMIO read.
	Emulator InstructionEmulator
	// EPT removes identity mappings when MMIO handlers are installed for
	// a privileged guest. May be nil for unprivileged guests.
	EPT EPTUnmapper
	// Partition puts the VM in partition-mode dead-device synthesis:
	// unclaimed accesses are serviced locally (all-ones reads, discarded
	// writes) instead of being handed to a device model.
	Partition bool
	// Resumer resumes a parked vCPU once its post-work has run. May be
	// nil, in which case callers are responsible for resuming vCPUs
	// themselves (useful in tests that only want to observe state).
	Resumer Resumer
}

// Resumer resumes a vCPU that was parked awaiting completion of a pending
// I/O request. It is an external collaborator: vCPU scheduling is out of
// scope for this module.
type Resumer interface {
	ResumeVCPU(vcpu *VCPU)
}

// NewVM constructs a VM and its I/O bitmap per SetupIoBitmap, and — unless
// cfg.VCPUCount is zero — a backing VHM shared ring sized for cfg.VCPUCount
// vCPUs.
func NewVM(cfg VMConfig) (*VM, error) {
	vm := &VM{
		privileged: cfg.Privileged,
		partition:  cfg.Partition,
		bitmap:     SetupIoBitmap(cfg.Privileged),
		emulator:   cfg.Emulator,
		ept:        cfg.EPT,
		resumer:    cfg.Resumer,
	}
	if cfg.VCPUCount > 0 {
		sp, err := NewSharedPage(cfg.VCPUCount)
		if err != nil {
			return nil, err
		}
		vm.shared = sp

		up, err := NewUpcall()
		if err != nil {
			sp.Close()
			return nil, err
		}
		vm.upcall = up
	}
	return vm, nil
}

// NewVCPU allocates a vCPU with the given id, bound to vm.
func (vm *VM) NewVCPU(id uint16) *VCPU {
	return &VCPU{ID: id, VM: vm}
}

// MarkLaunched records that a vCPU of vm has been launched. After this
// call, RegisterMmioEmulationHandler panics.
func (vm *VM) MarkLaunched() { vm.launched.Store(true) }

// assertNotLaunched is the invariant check for "register mmio handler
// after vm launched" — an engineering assertion, not a user-visible error
// path. It panics in every build; there is no build in which it is
// compiled out.
func (vm *VM) assertNotLaunched() {
	if vm.launched.Load() {
		panic("ioemu: register mmio handler after vm launched")
	}
}

// Privileged reports whether vm is the privileged guest.
func (vm *VM) Privileged() bool { return vm.privileged }

// Bitmap returns vm's PIO bitmap.
func (vm *VM) Bitmap() *PioBitmap { return vm.bitmap }

// Shared returns vm's VHM shared ring, or nil if none was configured.
func (vm *VM) Shared() *SharedPage { return vm.shared }

// FreeIOEmulationResource drops the handler lists and the shared ring.
// There is no explicit page deallocation to perform in this
// implementation: Go's garbage collector reclaims the backing storage once
// the VM is unreferenced. If the ring was backed by a real memory mapping
// it is explicitly unmapped.
func (vm *VM) FreeIOEmulationResource() error {
	vm.mu.Lock()
	vm.pioHandlers = nil
	vm.mmioHead = nil
	vm.mmioTail = nil
	sp := vm.shared
	up := vm.upcall
	vm.shared = nil
	vm.upcall = nil
	vm.mu.Unlock()

	if up != nil {
		up.Close()
	}
	if sp != nil {
		return sp.Close()
	}
	return nil
}

// Upcall returns vm's device-model notification channel, or nil if none
// was configured.
func (vm *VM) Upcall() *Upcall { return vm.upcall }

func (vm *VM) recordSpanError() {
	vm.statsMu.Lock()
	vm.stats.SpanErrors++
	vm.statsMu.Unlock()
}

func (vm *VM) recordNoDeviceFallback() {
	vm.statsMu.Lock()
	vm.stats.NoDeviceFallbacks++
	vm.statsMu.Unlock()
}

func (vm *VM) recordPendingRequest() {
	vm.statsMu.Lock()
	vm.stats.PendingRequests++
	vm.statsMu.Unlock()
}

// Stats returns a snapshot of vm's diagnostic counters.
func (vm *VM) Stats() Stats {
	vm.statsMu.Lock()
	defer vm.statsMu.Unlock()
	return vm.stats
}
