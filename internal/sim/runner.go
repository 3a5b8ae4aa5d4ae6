package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/svmcore/internal/debug"
	"github.com/tinyrange/svmcore/internal/hostmem"
	"github.com/tinyrange/svmcore/internal/svm"
)

const (
	hostMemBase = 0x100000
	hostMemSize = 256 << 20
)

// Result summarises the run of one vCPU.
type Result struct {
	VCPU  int
	CPU   int
	Exits int
	Runs  int
	Halts int
	Wakes int
	// Errors are the expected errors the vCPU returned, in order.
	Errors []string
	RIP    uint64
}

// Runner replays a Scenario through a fresh engine.
type Runner struct {
	Scenario *Scenario

	Log    *slog.Logger
	Tracer debug.Tracer

	// Pin binds each physical CPU goroutine to the host core of the same
	// number.
	Pin bool

	// OnExit is called after every reported exit. It may be called from
	// several goroutines at once.
	OnExit func(vcpu int, code svm.ExitCode)
}

type wakeCounter struct {
	mu sync.Mutex
	n  map[int]int
}

func (w *wakeCounter) Wake(v *svm.VCPU) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.n[v.ID()]++
}

func (w *wakeCounter) count(id int) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n[id]
}

// vcpuRun tracks one vCPU through its script.
type vcpuRun struct {
	v    *svm.VCPU
	spec *VCPUSpec

	res Result

	// delivered is the index of the next step whose interrupts have not
	// been sent yet.
	delivered int
	// want is the error the last reported step expects; wantMet is set
	// once it was returned.
	want    error
	wantAt  int
	wantMet bool
	extra   bool
}

func (r *vcpuRun) done(pos int) bool {
	if pos < len(r.spec.Exits) {
		return false
	}
	return r.want == nil || r.wantMet || r.extra
}

// Run executes the scenario and returns one result per vCPU, ordered by
// vCPU id. The first unexpected error cancels the remaining CPUs.
func (r *Runner) Run(ctx context.Context) ([]Result, error) {
	s := r.Scenario
	if s == nil || s.Capabilities == nil {
		return nil, fmt.Errorf("%w: scenario not validated", ErrInvalidScenario)
	}
	log := r.Log
	if log == nil {
		log = slog.Default()
	}
	caps := *s.Capabilities

	proc := NewProcessor(s.HostMSRs)
	proc.NRIPS = caps.NRIPS

	opts := []svm.Option{svm.WithLogger(log)}
	if r.Tracer != nil {
		opts = append(opts, svm.WithTracer(r.Tracer))
	}
	engine, err := svm.NewEngine(caps, hostmem.NewAllocator(hostMemBase, hostMemSize), proc, opts...)
	if err != nil {
		return nil, err
	}
	defer engine.Close()

	wakes := &wakeCounter{n: make(map[int]int)}
	vm, err := engine.NewVM(svm.VMConfig{
		Name:          s.Name,
		Memory:        hostmem.NewMemory(s.Memory),
		MSRs:          svm.NewMSRStore(),
		Waker:         wakes,
		UserspaceAPIC: s.UserspaceAPIC,
		CPUSignature:  s.CPUSignature,
	})
	if err != nil {
		return nil, err
	}
	defer vm.Destroy()

	cpus := make([]*svm.PhysicalCPU, s.CPUs)
	for i := range cpus {
		cpu, err := engine.NewPhysicalCPU(i, uint32(i))
		if err != nil {
			return nil, err
		}
		defer cpu.Close()
		cpus[i] = cpu
	}

	perCPU := make([][]*vcpuRun, s.CPUs)
	var runs []*vcpuRun
	for i := range s.VCPUs {
		spec := &s.VCPUs[i]
		v, err := vm.CreateVCPU(spec.ID)
		if err != nil {
			return nil, err
		}
		if spec.RIP != 0 {
			v.SetRIP(spec.RIP)
		}
		if spec.RFlags != 0 {
			v.SetRFlags(spec.RFlags)
		}
		for reg, val := range spec.regs {
			if reg == svm.RIP {
				v.SetRIP(val)
				continue
			}
			v.SetRegister(reg, val)
		}
		proc.Attach(v.VMCBAddr(), spec.ID, spec.Exits)

		run := &vcpuRun{v: v, spec: spec, res: Result{VCPU: spec.ID, CPU: spec.CPU}}
		perCPU[spec.CPU] = append(perCPU[spec.CPU], run)
		runs = append(runs, run)
	}

	log.Info("sim: starting", "scenario", s.Name, "cpus", s.CPUs, "vcpus", len(s.VCPUs),
		"exits", s.TotalExits())

	g, gctx := errgroup.WithContext(ctx)
	for i, cpu := range cpus {
		queue := perCPU[i]
		if len(queue) == 0 {
			continue
		}
		g.Go(func() error {
			if r.Pin {
				unpin, err := cpu.Pin()
				if err != nil {
					return err
				}
				defer unpin()
			}
			return r.runCPU(gctx, proc, cpu, queue)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(runs))
	for _, run := range runs {
		run.res.RIP = run.v.RIP()
		run.res.Wakes = wakes.count(run.spec.ID)
		results = append(results, run.res)
	}
	slices.SortFunc(results, func(a, b Result) int { return a.VCPU - b.VCPU })
	return results, nil
}

// runCPU round-robins the vCPUs of one physical CPU, one run cycle each,
// until every script is finished.
func (r *Runner) runCPU(ctx context.Context, proc *Processor, cpu *svm.PhysicalCPU, queue []*vcpuRun) error {
	for len(queue) > 0 {
		next := queue[:0]
		for _, run := range queue {
			finished, err := r.cycle(ctx, proc, cpu, run)
			if err != nil {
				return err
			}
			if !finished {
				next = append(next, run)
			}
		}
		queue = next
	}
	return nil
}

func (r *Runner) cycle(ctx context.Context, proc *Processor, cpu *svm.PhysicalCPU, run *vcpuRun) (bool, error) {
	v := run.v
	pa := v.VMCBAddr()
	steps := run.spec.Exits

	before := proc.Position(pa)
	if run.done(before) {
		return true, nil
	}
	if before >= len(steps) {
		// The last exit expects an error the engine raises without
		// entering the guest again. Allow one more cycle for it.
		run.extra = true
	}
	if before < len(steps) && run.delivered <= before {
		for _, vec := range steps[before].Deliver {
			v.DeliverInterrupt(vec)
		}
		run.delivered = before + 1
	}
	if v.Halted() {
		run.res.Halts++
		v.Wake()
	}

	if err := v.Load(cpu); err != nil {
		return false, fmt.Errorf("sim: vcpu %d: %w", run.spec.ID, err)
	}
	err := v.Run(ctx)
	v.Put()
	run.res.Runs++

	after := proc.Position(pa)
	if after > before {
		if run.want != nil && !run.wantMet {
			return false, fmt.Errorf("sim: vcpu %d step %d (%s): want %q, vcpu kept running",
				run.spec.ID, run.wantAt, steps[run.wantAt].Exit, steps[run.wantAt].Want)
		}
		st := steps[after-1]
		run.res.Exits++
		run.want, run.wantAt, run.wantMet = st.want, after-1, false
		if r.OnExit != nil {
			r.OnExit(run.spec.ID, st.code)
		}
	}

	if err != nil && run.extra && errors.Is(err, ErrScriptDone) {
		err = nil
	}
	if err != nil {
		if run.want == nil || run.wantMet || !errors.Is(err, run.want) {
			return false, fmt.Errorf("sim: vcpu %d after %d exits: %w", run.spec.ID, after, err)
		}
		run.wantMet = true
		run.res.Errors = append(run.res.Errors, steps[run.wantAt].Want)
	}

	if run.extra && run.want != nil && !run.wantMet {
		return false, fmt.Errorf("sim: vcpu %d step %d (%s): want %q, run succeeded",
			run.spec.ID, run.wantAt, steps[run.wantAt].Exit, steps[run.wantAt].Want)
	}
	return run.done(after), nil
}
