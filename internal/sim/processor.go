package sim

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/svmcore/internal/svm"
)

// ErrScriptDone is returned by VMRun when a vCPU has no exits left.
var ErrScriptDone = errors.New("sim: script exhausted")

type script struct {
	vcpu  int
	steps []Step
	next  int
}

// Processor replays scripted exits. Scripts are attached per VMCB address,
// so a vCPU keeps its script when it moves between physical CPUs.
type Processor struct {
	// NRIPS makes the processor report the next RIP of each exit.
	NRIPS bool

	mu      sync.Mutex
	scripts map[uint64]*script
	msrs    map[uint32]uint64

	exits    atomic.Int64
	injected atomic.Int64
}

var _ svm.Processor = (*Processor)(nil)

// NewProcessor returns a processor whose MSRs start with the given values.
// MSRs not listed read as zero.
func NewProcessor(msrs map[uint32]uint64) *Processor {
	p := &Processor{
		scripts: make(map[uint64]*script),
		msrs:    make(map[uint32]uint64, len(msrs)),
	}
	for k, v := range msrs {
		p.msrs[k] = v
	}
	return p
}

// Attach assigns steps to the vCPU whose VMCB lives at vmcbPA.
func (p *Processor) Attach(vmcbPA uint64, vcpu int, steps []Step) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts[vmcbPA] = &script{vcpu: vcpu, steps: steps}
}

// Position returns how many exits of the script at vmcbPA were reported.
func (p *Processor) Position(vmcbPA uint64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s := p.scripts[vmcbPA]; s != nil {
		return s.next
	}
	return 0
}

// Exits returns the number of exits reported so far.
func (p *Processor) Exits() int { return int(p.exits.Load()) }

// Injected returns how many entries carried an event injection.
func (p *Processor) Injected() int { return int(p.injected.Load()) }

func (p *Processor) step(vmcbPA uint64) (Step, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.scripts[vmcbPA]
	if s == nil {
		return Step{}, fmt.Errorf("sim: no script for vmcb %#x", vmcbPA)
	}
	if s.next >= len(s.steps) {
		return Step{}, fmt.Errorf("vcpu %d: %w", s.vcpu, ErrScriptDone)
	}
	st := s.steps[s.next]
	s.next++
	return st, nil
}

func setReg(vmcb *svm.VMCB, regs *svm.Registers, r svm.Reg, val uint64) {
	switch r {
	case svm.RAX:
		vmcb.Save.RAX = val
	case svm.RSP:
		vmcb.Save.RSP = val
	case svm.RIP:
		vmcb.Save.RIP = val
	default:
		regs[r] = val
	}
}

// VMRun implements svm.Processor. The pending event injection is consumed
// and the next scripted exit is written into the VMCB.
func (p *Processor) VMRun(_ *svm.PhysicalCPU, vmcbPA uint64, vmcb *svm.VMCB, regs *svm.Registers) error {
	st, err := p.step(vmcbPA)
	if err != nil {
		return err
	}

	c := &vmcb.Control
	if c.EventInj&svm.EvtInjValid != 0 {
		p.injected.Add(1)
	}
	c.EventInj, c.EventInjErr = 0, 0

	for r, val := range st.regs {
		setReg(vmcb, regs, r, val)
	}

	c.ExitCode = st.code
	c.ExitInfo1 = st.Info1
	c.ExitInfo2 = st.Info2
	c.ExitIntInfo = st.IntInfo
	c.ExitIntInfoErr = 0
	c.NextRIP = 0
	if p.NRIPS && st.Length != 0 {
		c.NextRIP = vmcb.Save.RIP + st.Length
	}

	p.exits.Add(1)
	return nil
}

// ReadMSR implements svm.Processor.
func (p *Processor) ReadMSR(msr uint32) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.msrs[msr], nil
}

// WriteMSR implements svm.Processor.
func (p *Processor) WriteMSR(msr uint32, value uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msrs[msr] = value
	return nil
}
