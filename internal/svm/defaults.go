package svm

import (
	"fmt"
	"sync"
)

type noEmulator struct{}

func (noEmulator) Emulate(v *VCPU, kind EmulationKind) error {
	if kind == EmulateSkip {
		return fmt.Errorf("%w: cannot decode instruction at %#x", ErrEmulationFailed, v.RIP())
	}
	return ErrEmulationFailed
}

type nopMMU struct{}

func (nopMMU) Reset(*VCPU)                                {}
func (nopMMU) PageFault(*VCPU, uint64, uint64, []byte) error { return nil }
func (nopMMU) InvalidatePage(*VCPU, uint64)                 {}
func (nopMMU) InitNested(*VCPU, uint64)                     {}
func (nopMMU) UninitNested(*VCPU)                           {}

type nopWaker struct{}

func (nopWaker) Wake(*VCPU) {}

// MSRStore keeps MSR values the engine does not interpret. Reads of MSRs
// that were never written fail.
type MSRStore struct {
	mu   sync.Mutex
	msrs map[uint64]uint64
}

// NewMSRStore returns an empty store.
func NewMSRStore() *MSRStore {
	return &MSRStore{msrs: make(map[uint64]uint64)}
}

func msrKey(v *VCPU, index uint32) uint64 {
	return uint64(v.id)<<32 | uint64(index)
}

// GetMSR implements MSRHandler.
func (s *MSRStore) GetMSR(v *VCPU, index uint32) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	val, ok := s.msrs[msrKey(v, index)]
	if !ok {
		return 0, fmt.Errorf("%w: unhandled rdmsr %#x", ErrInvalidArgument, index)
	}
	return val, nil
}

// SetMSR implements MSRHandler.
func (s *MSRStore) SetMSR(v *VCPU, index uint32, data uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msrs[msrKey(v, index)] = data
	return nil
}

// BasePlatform implements Platform with architectural minimums: CPUID leaves
// read as zero, hypercalls fail with -ENOSYS, and only XCR0 with x87 state
// enabled is accepted.
type BasePlatform struct{}

const hypercallENOSYS = ^uint64(1000 - 1)

func (BasePlatform) CPUID(v *VCPU) error {
	for _, r := range []Reg{RAX, RBX, RCX, RDX} {
		v.SetRegister(r, 0)
	}
	return nil
}

func (BasePlatform) Halt(*VCPU) error { return nil }

func (BasePlatform) Hypercall(v *VCPU) error {
	v.SetRegister(RAX, hypercallENOSYS)
	return nil
}

func (BasePlatform) WBINVD(*VCPU) error { return nil }

func (BasePlatform) SetXCR(_ *VCPU, index uint32, value uint64) error {
	if index != 0 || value&1 == 0 {
		return fmt.Errorf("%w: xcr%d=%#x", ErrInvalidArgument, index, value)
	}
	return nil
}

func (BasePlatform) RDPMC(*VCPU) error {
	return fmt.Errorf("%w: no performance counters", ErrInvalidArgument)
}

func (BasePlatform) OutPort(*VCPU, uint16, int) error { return nil }

func (BasePlatform) TaskSwitch(*VCPU, TaskSwitch) error { return ErrEmulationFailed }

func (BasePlatform) OnSpin(*VCPU) {}

var (
	_ Emulator   = noEmulator{}
	_ MMU        = nopMMU{}
	_ Waker      = nopWaker{}
	_ MSRHandler = &MSRStore{}
	_ Platform   = BasePlatform{}
)
