package svm

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/tinyrange/svmcore/internal/avic"
	"github.com/tinyrange/svmcore/internal/hostmem"
)

// defaultGuestMemory is the size of the sparse guest memory used when a VM
// is created without one.
const defaultGuestMemory = 4 << 30

// VMConfig wires a VM to the services of the generic layer. Nil services are
// replaced with minimal defaults.
type VMConfig struct {
	Name     string
	Memory   GuestMemory
	Emulator Emulator
	MMU      MMU
	MSRs     MSRHandler
	Platform Platform
	Waker    Waker
	IOMMU    IOMMU

	// NewAPIC builds the local APIC of a vCPU over its 4 KiB register page,
	// which doubles as the AVIC backing page.
	NewAPIC func(v *VCPU, regs []byte) LocalAPIC

	// UserspaceAPIC reports lowered TPR writes with ErrSetTPR instead of
	// completing them in the engine.
	UserspaceAPIC bool

	// AssignedDevices is set when passthrough devices may post interrupts.
	AssignedDevices bool

	// CPUSignature is CPUID.1:EAX, loaded into RDX on reset.
	CPUSignature uint32
}

// VM is one guest. With AVIC it owns the physical and logical APIC-ID
// tables and a VM ID registered with the engine.
type VM struct {
	engine *Engine
	cfg    VMConfig
	log    *slog.Logger

	avicID   uint32
	physPage *hostmem.Region
	logPage  *hostmem.Region
	physical *avic.PhysicalTable
	logical  *avic.LogicalTable

	// irqMu serialises UpdatePIIRTE against itself.
	irqMu sync.Mutex

	warnBackingPage sync.Once

	mu    sync.RWMutex
	vcpus map[int]*VCPU
}

// NewVM creates a VM. With AVIC enabled it allocates the APIC-ID tables and
// a VM ID, failing with ErrResourceExhausted when the ID space is full.
func (e *Engine) NewVM(cfg VMConfig) (*VM, error) {
	if cfg.Memory == nil {
		cfg.Memory = hostmem.NewMemory(defaultGuestMemory)
	}
	if cfg.Emulator == nil {
		cfg.Emulator = noEmulator{}
	}
	if cfg.MMU == nil {
		cfg.MMU = nopMMU{}
	}
	if cfg.MSRs == nil {
		cfg.MSRs = NewMSRStore()
	}
	if cfg.Platform == nil {
		cfg.Platform = BasePlatform{}
	}
	if cfg.Waker == nil {
		cfg.Waker = nopWaker{}
	}

	vm := &VM{
		engine: e,
		cfg:    cfg,
		log:    e.log,
		vcpus:  make(map[int]*VCPU),
	}
	if cfg.Name != "" {
		vm.log = e.log.With("vm", cfg.Name)
	}

	if e.caps.AVIC {
		if err := vm.avicInit(); err != nil {
			vm.Destroy()
			return nil, err
		}
	}
	return vm, nil
}

func (vm *VM) avicInit() error {
	e := vm.engine

	id, err := e.vmIDs.Allocate()
	if err != nil {
		return fmt.Errorf("svm: vm init: %w", err)
	}
	vm.avicID = id

	vm.physPage, err = e.mem.AllocatePages(fmt.Sprintf("vm%d-avic-physical", id), 1)
	if err != nil {
		return fmt.Errorf("svm: vm %d: %w", id, err)
	}
	vm.logPage, err = e.mem.AllocatePages(fmt.Sprintf("vm%d-avic-logical", id), 1)
	if err != nil {
		return fmt.Errorf("svm: vm %d: %w", id, err)
	}
	if vm.physical, err = avic.NewPhysicalTable(vm.physPage.Base, vm.physPage.Bytes()); err != nil {
		return fmt.Errorf("svm: vm %d: %w", id, err)
	}
	if vm.logical, err = avic.NewLogicalTable(vm.logPage.Base, vm.logPage.Bytes()); err != nil {
		return fmt.Errorf("svm: vm %d: %w", id, err)
	}

	e.register(vm)
	vm.log.Debug("avic: vm init", "vm_id", id)
	return nil
}

// Destroy frees the VM's vCPUs, AVIC tables and VM ID.
func (vm *VM) Destroy() {
	for _, v := range vm.VCPUs() {
		v.Free()
	}
	if vm.avicID == 0 {
		return
	}
	e := vm.engine
	e.unregister(vm)
	for _, r := range []*hostmem.Region{vm.physPage, vm.logPage} {
		if err := e.mem.Free(r); err != nil {
			vm.log.Error("avic: free table", "err", err)
		}
	}
	vm.physPage, vm.logPage = nil, nil
	if err := e.vmIDs.Free(vm.avicID); err != nil {
		vm.log.Error("avic: free vm id", "vm_id", vm.avicID, "err", err)
	}
	vm.avicID = 0
}

// ID returns the AVIC VM ID, or 0 without AVIC.
func (vm *VM) ID() uint32 { return vm.avicID }

// Memory returns the guest-physical memory of the VM.
func (vm *VM) Memory() GuestMemory { return vm.cfg.Memory }

// PhysicalTable returns the physical APIC-ID table, or nil without AVIC.
func (vm *VM) PhysicalTable() *avic.PhysicalTable { return vm.physical }

// LogicalTable returns the logical APIC-ID table, or nil without AVIC.
func (vm *VM) LogicalTable() *avic.LogicalTable { return vm.logical }

// VCPU returns vCPU id, or nil.
func (vm *VM) VCPU(id int) *VCPU {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.vcpus[id]
}

// VCPUByAPICID returns the vCPU whose APIC ID is id.
func (vm *VM) VCPUByAPICID(id uint32) *VCPU {
	return vm.VCPU(int(id))
}

// VCPUs returns the vCPUs ordered by id.
func (vm *VM) VCPUs() []*VCPU {
	vm.mu.RLock()
	defer vm.mu.RUnlock()

	out := make([]*VCPU, 0, len(vm.vcpus))
	for _, v := range vm.vcpus {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b *VCPU) int { return a.id - b.id })
	return out
}

// sendIPI delivers the interrupt written to src's ICR to every matching
// vCPU. Lowest-priority interrupts go to the first match.
func (vm *VM) sendIPI(src *VCPU, icrLow, icrHigh uint32) {
	vector := uint8(icrLow & avic.ICRVectorMask)
	shorthand := icrLow & avic.ICRShorthandMask
	logical := icrLow&avic.ICRDestModeMask != 0
	dest := avic.DestField(icrHigh)

	var targets []*VCPU
	for _, v := range vm.VCPUs() {
		if v.apic.MatchDest(v == src, shorthand, dest, logical) {
			targets = append(targets, v)
		}
	}

	switch mode := icrLow & avic.ICRDeliveryModeMask; mode {
	case avic.ICRFixed:
		for _, t := range targets {
			t.DeliverInterrupt(vector)
		}
	case avic.ICRLowestPriority:
		if len(targets) > 0 {
			targets[0].DeliverInterrupt(vector)
		}
	case avic.ICRNMI:
		for _, t := range targets {
			t.SendNMI()
		}
	case avic.ICRInit:
		// INIT level de-assert is ignored.
		if icrLow&avic.ICRLevelAssert == 0 {
			return
		}
		for _, t := range targets {
			t.SendINIT()
		}
	case avic.ICRStartup:
		for _, t := range targets {
			t.SendSIPI(vector)
		}
	default:
		vm.log.Debug("svm: ipi delivery mode not handled", "vcpu", src.id, "mode", mode>>8)
	}
}
