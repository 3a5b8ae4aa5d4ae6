package svm

import (
	"io"

	"github.com/tinyrange/svmcore/internal/avic"
)

// GuestMemory is the guest-physical address space of a VM. Nested VMCBs and
// permission bitmaps of an L1 hypervisor are read and written through it.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

// EmulationKind selects how the instruction emulator treats the instruction
// at the current RIP.
type EmulationKind int

const (
	// EmulateNormal fully emulates the instruction.
	EmulateNormal EmulationKind = iota
	// EmulateSkip only decodes the instruction to advance RIP past it.
	EmulateSkip
	// EmulateTrapUD emulates an instruction that raised #UD.
	EmulateTrapUD
)

// Emulator is the generic x86 instruction emulator. A nil error means the
// instruction completed and the guest can resume.
type Emulator interface {
	Emulate(v *VCPU, kind EmulationKind) error
}

// MMU is the generic memory management unit of the VM.
type MMU interface {
	// Reset drops cached translations after a paging mode change.
	Reset(v *VCPU)
	// PageFault resolves a guest or nested page fault.
	PageFault(v *VCPU, addr uint64, errorCode uint64, insn []byte) error
	// InvalidatePage handles INVLPG and INVLPGA.
	InvalidatePage(v *VCPU, addr uint64)
	// InitNested switches the vCPU to walking L1's nested page tables.
	InitNested(v *VCPU, nestedCR3 uint64)
	// UninitNested switches back to the VM's own page tables.
	UninitNested(v *VCPU)
}

// MSRHandler serves MSRs the engine does not virtualise itself. An error
// raises #GP in the guest.
type MSRHandler interface {
	GetMSR(v *VCPU, index uint32) (uint64, error)
	SetMSR(v *VCPU, index uint32, data uint64) error
}

// LocalAPIC is the emulated local APIC of one vCPU.
type LocalAPIC interface {
	ReadRegister(offset uint32) uint32
	WriteRegister(offset uint32, value uint32)
	// SetIRR marks vector pending without delivering it.
	SetIRR(vector uint8)
	// PendingInterrupt returns the highest vector that can be delivered.
	PendingInterrupt() (uint8, bool)
	// AckInterrupt moves vector from IRR to ISR.
	AckInterrupt(vector uint8)
	// HighestIRR returns the highest requested vector, or -1.
	HighestIRR() int
	// MatchDest reports whether an IPI addressed with the given shorthand,
	// destination and mode targets this APIC. self is true when the sender
	// is this APIC's vCPU.
	MatchDest(self bool, shorthand, dest uint32, logical bool) bool
	TPR() uint8
	SetTPR(cr8 uint8)
}

// TaskSwitchReason is why a task switch was intercepted.
type TaskSwitchReason int

const (
	TaskSwitchCall TaskSwitchReason = iota
	TaskSwitchIRET
	TaskSwitchJMP
	TaskSwitchGate
)

// TaskSwitch describes an intercepted hardware task switch.
type TaskSwitch struct {
	Selector uint16
	Reason   TaskSwitchReason
	// Vector is the software interrupt vector for gate switches caused by
	// INTn, or -1.
	Vector    int
	HasError  bool
	ErrorCode uint32
}

// Platform carries out instructions whose semantics live in the generic
// layer. The engine has already advanced RIP where the instruction completes;
// a non-nil error ends the run cycle and is returned from VCPU.Run.
type Platform interface {
	CPUID(v *VCPU) error
	Halt(v *VCPU) error
	Hypercall(v *VCPU) error
	WBINVD(v *VCPU) error
	// SetXCR and RDPMC errors raise #GP in the guest.
	SetXCR(v *VCPU, index uint32, value uint64) error
	RDPMC(v *VCPU) error
	OutPort(v *VCPU, port uint16, size int) error
	TaskSwitch(v *VCPU, ts TaskSwitch) error
	OnSpin(v *VCPU)
}

// Waker notifies the scheduler that a blocked vCPU has work.
type Waker interface {
	Wake(v *VCPU)
}

// IOMMU is the interrupt remapping unit used for posted interrupts.
type IOMMU interface {
	// SetVCPUAffinity switches hostIRQ between guest (posted) mode and
	// legacy remapped mode. pi.PrevGATag is filled with the tag the entry
	// carried before the switch.
	SetVCPUAffinity(hostIRQ uint32, pi *PIData) error
	// UpdateGA tells the IOMMU which host core a vCPU runs on. hostCPU is
	// -1 when the vCPU is not running.
	UpdateGA(hostCPU int, running bool, r avic.Remap) error
}

// PIData is the posted-interrupt descriptor exchanged with the IOMMU.
type PIData struct {
	Base      uint64
	GATag     uint32
	GuestMode bool
	DescAddr  uint64
	Vector    uint8
	PrevGATag uint32
}

// PIRoute is one routing entry of a host interrupt.
type PIRoute struct {
	MSI bool
	// Single is set when the MSI targets exactly one vCPU in fixed or
	// lowest-priority mode and can be posted.
	Single bool
	VCPU   int
	Vector uint8
}
