// Package svm is the AMD-V execution engine for one hypervisor instance.
//
// An Engine owns the state shared by all VMs: the capability flags, the IO
// permission map, the MSR permission offset table and the AVIC VM-ID space.
// VMs are created from it, vCPUs from VMs, and a vCPU is driven by calling
// Run after Load has bound it to a PhysicalCPU.
package svm

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/svmcore/internal/avic"
	"github.com/tinyrange/svmcore/internal/config"
	"github.com/tinyrange/svmcore/internal/debug"
	"github.com/tinyrange/svmcore/internal/hostmem"
)

// Processor executes VMRUN. Implementations update vmcb and regs with the
// state the processor wrote back on #VMEXIT. An error means the instruction
// itself could not be issued.
type Processor interface {
	VMRun(cpu *PhysicalCPU, vmcbPA uint64, vmcb *VMCB, regs *Registers) error
	ReadMSR(msr uint32) (uint64, error)
	WriteMSR(msr uint32, value uint64) error
}

// AsyncPFSource is implemented by processors that report the async page
// fault reason token of a #PF exit.
type AsyncPFSource interface {
	TakeAsyncPFReason(cpu *PhysicalCPU) uint32
}

// Registers is the vCPU general purpose register cache, indexed by Reg.
type Registers [NumRegs]uint64

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithTracer sets the binary trace destination.
func WithTracer(t debug.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithVMIDs shares a VM-ID allocator between engines.
func WithVMIDs(ids *avic.IDAllocator) Option {
	return func(e *Engine) { e.vmIDs = ids }
}

// Engine is the hardware setup of one host.
type Engine struct {
	caps   config.Capabilities
	mem    *hostmem.Allocator
	proc   Processor
	log    *slog.Logger
	tracer debug.Tracer

	msrpmOffsets []uint32
	iopm         *hostmem.Region
	handlers     map[ExitCode]exitHandler

	vmIDs *avic.IDAllocator

	mu  sync.RWMutex
	vms map[uint32]*VM
}

// NewEngine validates caps and allocates the shared permission maps.
func NewEngine(caps config.Capabilities, mem *hostmem.Allocator, proc Processor, opts ...Option) (*Engine, error) {
	caps.Normalize()
	if err := caps.Validate(); err != nil {
		return nil, fmt.Errorf("svm: %w", err)
	}
	if mem == nil || proc == nil {
		return nil, fmt.Errorf("%w: engine needs host memory and a processor", ErrInvalidArgument)
	}

	e := &Engine{
		caps:   caps,
		mem:    mem,
		proc:   proc,
		log:    slog.Default(),
		tracer: debug.WithSource("svm"),
		vms:    make(map[uint32]*VM),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.vmIDs == nil && caps.AVIC {
		e.vmIDs = avic.NewIDAllocator()
	}

	offsets, err := buildMSRPMOffsets()
	if err != nil {
		return nil, fmt.Errorf("svm: hardware setup: %w", err)
	}
	e.msrpmOffsets = offsets

	iopm, err := mem.AllocatePages("iopm", iopmPages)
	if err != nil {
		return nil, fmt.Errorf("svm: hardware setup: %w", err)
	}
	iopm.Fill(0xff)
	e.iopm = iopm

	e.handlers = exitHandlers()

	if caps.Erratum383 {
		e.initErratum383()
	}

	e.log.Info("svm: hardware setup",
		"npt", caps.NPT, "nrips", caps.NRIPS, "avic", caps.AVIC, "nested", caps.Nested,
		"flush_by_asid", caps.FlushByASID, "max_asid", caps.MaxASID)
	return e, nil
}

// Capabilities returns the normalised capability flags.
func (e *Engine) Capabilities() config.Capabilities { return e.caps }

// Close releases the IO permission map. VMs must be destroyed first.
func (e *Engine) Close() error {
	e.mu.RLock()
	n := len(e.vms)
	e.mu.RUnlock()
	if n != 0 {
		return fmt.Errorf("%w: %d VMs still registered", ErrInvalidArgument, n)
	}
	if e.iopm == nil {
		return nil
	}
	err := e.mem.Free(e.iopm)
	e.iopm = nil
	return err
}

// GALogNotify handles a guest-virtual-APIC log entry from the IOMMU: an
// interrupt was posted for a vCPU that was not running. The target vCPU is
// woken. Unknown tags are ignored.
func (e *Engine) GALogNotify(gaTag uint32) {
	vmID, vcpuID := avic.SplitGATag(gaTag)
	e.log.Debug("avic: ga log", "vm_id", vmID, "vcpu", vcpuID)

	e.mu.RLock()
	vm := e.vms[vmID]
	e.mu.RUnlock()
	if vm == nil {
		return
	}
	if v := vm.VCPUByAPICID(vcpuID); v != nil {
		v.Wake()
	}
}

func (e *Engine) register(vm *VM) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vms[vm.avicID] = vm
}

func (e *Engine) unregister(vm *VM) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.vms, vm.avicID)
}
