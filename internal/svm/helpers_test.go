package svm

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/tinyrange/svmcore/internal/config"
	"github.com/tinyrange/svmcore/internal/hostmem"
)

// entryState is what the fake processor saw at VMRUN.
type entryState struct {
	ASID     uint32
	TLBCtl   uint8
	Clean    uint32
	EventInj uint32
	RIP      uint64
}

type msrWrite struct {
	index uint32
	value uint64
}

// fakeProcessor replays scripted exits. Each VMRUN consumes one exit
// function, which plays the part of the guest and the #VMEXIT microcode.
type fakeProcessor struct {
	mu      sync.Mutex
	exits   []func(*VMCB, *Registers)
	entries []entryState
	msrs    map[uint32]uint64
	writes  []msrWrite
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{msrs: make(map[uint32]uint64)}
}

func (p *fakeProcessor) script(exits ...func(*VMCB, *Registers)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exits = append(p.exits, exits...)
}

func (p *fakeProcessor) VMRun(_ *PhysicalCPU, _ uint64, vmcb *VMCB, regs *Registers) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := &vmcb.Control
	p.entries = append(p.entries, entryState{
		ASID:     c.ASID,
		TLBCtl:   c.TLBCtl,
		Clean:    c.Clean,
		EventInj: c.EventInj,
		RIP:      vmcb.Save.RIP,
	})
	if len(p.exits) == 0 {
		return errors.New("fake: no exit scripted")
	}
	fn := p.exits[0]
	p.exits = p.exits[1:]

	// The injected event was delivered and nothing was interrupted.
	c.EventInj = 0
	c.EventInjErr = 0
	c.ExitIntInfo = 0
	c.ExitIntInfoErr = 0
	c.NextRIP = 0
	fn(vmcb, regs)
	return nil
}

func (p *fakeProcessor) ReadMSR(msr uint32) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.msrs[msr], nil
}

func (p *fakeProcessor) WriteMSR(msr uint32, value uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msrs[msr] = value
	p.writes = append(p.writes, msrWrite{msr, value})
	return nil
}

func (p *fakeProcessor) writesTo(msr uint32) []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []uint64
	for _, w := range p.writes {
		if w.index == msr {
			out = append(out, w.value)
		}
	}
	return out
}

func exitWith(code ExitCode, info1, info2 uint64) func(*VMCB, *Registers) {
	return func(vmcb *VMCB, _ *Registers) {
		vmcb.Control.ExitCode = code
		vmcb.Control.ExitInfo1 = info1
		vmcb.Control.ExitInfo2 = info2
	}
}

type recordingWaker struct {
	mu    sync.Mutex
	woken []int
}

func (w *recordingWaker) Wake(v *VCPU) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.woken = append(w.woken, v.ID())
}

func (w *recordingWaker) ids() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]int(nil), w.woken...)
}

type testEnv struct {
	engine *Engine
	proc   *fakeProcessor
	vm     *VM
	cpu    *PhysicalCPU
	waker  *recordingWaker
	mem    *hostmem.Memory
}

func newTestEngine(t *testing.T, caps config.Capabilities) (*Engine, *fakeProcessor) {
	t.Helper()

	proc := newFakeProcessor()
	e, err := NewEngine(caps, hostmem.NewAllocator(0x100000, 256<<20), proc,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e, proc
}

// newTestEnv builds an engine, a VM with 16 MiB of guest memory and a
// physical CPU with host APIC ID 5.
func newTestEnv(t *testing.T, caps config.Capabilities) *testEnv {
	t.Helper()

	e, proc := newTestEngine(t, caps)
	env := &testEnv{
		engine: e,
		proc:   proc,
		waker:  &recordingWaker{},
		mem:    hostmem.NewMemory(16 << 20),
	}

	vm, err := e.NewVM(VMConfig{Name: "test", Memory: env.mem, Waker: env.waker})
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	t.Cleanup(vm.Destroy)
	env.vm = vm

	cpu, err := e.NewPhysicalCPU(0, 5)
	if err != nil {
		t.Fatalf("NewPhysicalCPU: %v", err)
	}
	t.Cleanup(func() { _ = cpu.Close() })
	env.cpu = cpu
	return env
}

// vcpu creates vCPU id and loads it on the environment's CPU.
func (env *testEnv) vcpu(t *testing.T, id int) *VCPU {
	t.Helper()

	v, err := env.vm.CreateVCPU(id)
	if err != nil {
		t.Fatalf("CreateVCPU(%d): %v", id, err)
	}
	if err := v.Load(env.cpu); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return v
}

func avicCaps() config.Capabilities {
	caps := config.Default()
	caps.AVIC = true
	return caps
}

func writeVMCB(t *testing.T, mem *hostmem.Memory, gpa uint64, vmcb *VMCB) {
	t.Helper()

	buf, err := vmcb.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if _, err := mem.WriteAt(buf, int64(gpa)); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
}

func readVMCB(t *testing.T, mem *hostmem.Memory, gpa uint64) *VMCB {
	t.Helper()

	buf := make([]byte, VMCBSize)
	if _, err := mem.ReadAt(buf, int64(gpa)); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	vmcb := &VMCB{}
	if err := vmcb.UnmarshalBinary(buf); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	return vmcb
}
