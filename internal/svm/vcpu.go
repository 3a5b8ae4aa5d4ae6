package svm

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/svmcore/internal/avic"
	"github.com/tinyrange/svmcore/internal/debug"
	"github.com/tinyrange/svmcore/internal/hostmem"
)

type hflags uint32

const (
	hfGIF hflags = 1 << iota
	hfHIF
	hfVINTR
	hfNMIMask
	hfIRETMask
	hfGuestMode
)

type request uint32

const (
	reqEvent request = 1 << iota
	reqTripleFault
	reqTLBFlush
	reqNMI
	reqINIT
	reqSIPI
)

// GuestDebug selects which debug events are reported to the host instead of
// the guest.
type GuestDebug uint32

const (
	GuestDebugEnable GuestDebug = 1 << iota
	GuestDebugSingleStep
	GuestDebugSWBreakpoint
	GuestDebugHWBreakpoint
)

const (
	outsideGuestMode int32 = iota
	inGuestMode
)

type queuedException struct {
	pending  bool
	injected bool
	nr       uint8
	hasErr   bool
	errCode  uint32
	reinject bool
}

type queuedInterrupt struct {
	pending bool
	nr      uint8
	soft    bool
}

// nestedState is the L1 hypervisor state kept while it runs an L2 guest.
type nestedState struct {
	// hsave holds L1's own VMCB while L2 runs. It is owned by the vCPU.
	hsave     *VMCB
	hsavePage *hostmem.Region

	hsaveMSR uint64
	vmCR     uint64

	// vmcb is the guest-physical address of L1's VMCB, 0 outside guest mode.
	vmcb uint64

	msrpm     MSRPermissionMap
	msrpmPage *hostmem.Region

	vmcbMSRPM uint64
	vmcbIOPM  uint64

	// exitRequired forces a nested #VMEXIT before the next entry.
	exitRequired bool

	intercepts InterceptSet
	nestedCR3  uint64
}

// VCPU is one virtual CPU. Run, Load, Put and the state accessors must be
// called from the goroutine driving the vCPU. DeliverInterrupt and Wake may
// be called from anywhere.
type VCPU struct {
	id  int
	vm  *VM
	log *slog.Logger

	vmcb      *VMCB
	vmcbPage  *hostmem.Region
	msrpm     MSRPermissionMap
	msrpmPage *hostmem.Region

	backingPage *hostmem.Region
	apic        LocalAPIC

	nested nestedState

	regs Registers
	cr0  uint64
	cr2  uint64
	cr3  uint64
	cr4  uint64
	efer uint64
	db   [4]uint64

	pat         uint64
	apicBase    uint64
	sysenterESP uint64
	sysenterEIP uint64
	tscAux      uint64

	hflags     hflags
	requests   atomic.Uint32
	fpuActive  bool
	guestDebug GuestDebug

	cpu            *PhysicalCPU
	lastCPU        int
	asidGeneration uint64

	nextRIP       uint64
	int3RIP       uint64
	int3Injected  uint64
	nmiIRETRIP    uint64
	nmiSingleStep bool
	apfReason     uint32

	exception   queuedException
	nmiPending  int
	nmiInjected bool
	interrupt   queuedInterrupt

	apicvActive   bool
	avicIsRunning bool
	physicalID    uint32
	ldrReg        uint32
	irList        avic.IRList

	mode   atomic.Int32
	halted atomic.Bool

	waitSIPI   atomic.Bool
	sipiVector atomic.Uint32

	warnMonitor sync.Once
	warnUnknown sync.Once
}

// CreateVCPU allocates the VMCB, the MSR permission maps, the host save area
// and the APIC register page of a new vCPU and resets it.
func (vm *VM) CreateVCPU(id int) (_ *VCPU, err error) {
	if id < 0 {
		return nil, fmt.Errorf("%w: vcpu id %d", ErrInvalidArgument, id)
	}
	if vm.VCPU(id) != nil {
		return nil, fmt.Errorf("%w: vcpu %d already exists", ErrInvalidArgument, id)
	}

	e := vm.engine
	v := &VCPU{
		id:      id,
		vm:      vm,
		log:     vm.log.With("vcpu", id),
		lastCPU: -1,
		vmcb:    &VMCB{},
		pat:     patDefault,
	}
	v.nested.hsave = &VMCB{}

	defer func() {
		if err != nil {
			v.release()
		}
	}()

	alloc := func(what string, pages int) (*hostmem.Region, error) {
		r, err := e.mem.AllocatePages(fmt.Sprintf("vm%d-vcpu%d-%s", vm.avicID, id, what), pages)
		if err != nil {
			return nil, fmt.Errorf("svm: create vcpu %d: %w", id, err)
		}
		return r, nil
	}
	if v.vmcbPage, err = alloc("vmcb", 1); err != nil {
		return nil, err
	}
	if v.msrpmPage, err = alloc("msrpm", msrpmPages); err != nil {
		return nil, err
	}
	if v.nested.msrpmPage, err = alloc("nested-msrpm", msrpmPages); err != nil {
		return nil, err
	}
	if v.nested.hsavePage, err = alloc("hsave", 1); err != nil {
		return nil, err
	}
	if v.backingPage, err = alloc("apic", 1); err != nil {
		return nil, err
	}

	v.msrpm = MSRPermissionMap(v.msrpmPage.Bytes())
	v.msrpm.Reset()
	v.nested.msrpm = MSRPermissionMap(v.nested.msrpmPage.Bytes())
	v.nested.msrpm.Reset()

	if vm.cfg.NewAPIC != nil {
		v.apic = vm.cfg.NewAPIC(v, v.backingPage.Bytes())
	} else {
		v.apic = NewRegisterAPIC(v.backingPage.Bytes(), func(lo, hi uint32) {
			vm.sendIPI(v, lo, hi)
		})
	}

	v.apicvActive = e.caps.AVIC
	if v.apicvActive {
		if err = v.avicInitBackingPage(); err != nil {
			return nil, err
		}
	}
	v.avicIsRunning = true

	v.Reset(false)

	vm.mu.Lock()
	vm.vcpus[id] = v
	vm.mu.Unlock()

	v.log.Debug("svm: vcpu created", "vmcb", fmt.Sprintf("%#x", v.vmcbPage.Base))
	return v, nil
}

// Free releases every page owned by the vCPU.
func (v *VCPU) Free() {
	v.vm.mu.Lock()
	delete(v.vm.vcpus, v.id)
	v.vm.mu.Unlock()

	if v.cpu != nil {
		v.Put()
	}
	if v.vm.physical != nil && v.id < avic.MaxPhysicalID {
		_ = v.vm.physical.Clear(uint32(v.id))
	}
	v.release()
}

func (v *VCPU) release() {
	mem := v.vm.engine.mem
	var errs []error
	for _, r := range []**hostmem.Region{&v.vmcbPage, &v.msrpmPage, &v.nested.msrpmPage, &v.nested.hsavePage, &v.backingPage} {
		if *r == nil {
			continue
		}
		errs = append(errs, mem.Free(*r))
		*r = nil
	}
	if err := errors.Join(errs...); err != nil {
		v.log.Error("svm: free vcpu", "err", err)
	}
}

// ID returns the vCPU id, which is also its initial APIC ID.
func (v *VCPU) ID() int { return v.id }

// VM returns the owning VM.
func (v *VCPU) VM() *VM { return v.vm }

// VMCB returns the live VMCB. It is only stable between runs.
func (v *VCPU) VMCB() *VMCB { return v.vmcb }

// VMCBAddr returns the host physical address of the VMCB page.
func (v *VCPU) VMCBAddr() uint64 { return v.vmcbPage.Base }

// APIC returns the local APIC.
func (v *VCPU) APIC() LocalAPIC { return v.apic }

// BackingPageAddr returns the host physical address of the APIC page.
func (v *VCPU) BackingPageAddr() uint64 { return v.backingPage.Base }

// Reset performs a power-on reset, or an INIT when initEvent is set.
func (v *VCPU) Reset(initEvent bool) {
	if !initEvent {
		v.apicBase = DefaultAPICBase | apicBaseEnable
		if v.id == 0 {
			v.apicBase |= apicBaseBSP
		}
		if r, ok := v.apic.(*RegisterAPIC); ok {
			r.reset(uint32(v.id))
		}
	}
	v.initVMCB()

	v.regs[RDX] = uint64(v.vm.cfg.CPUSignature)

	if v.apicvActive && !initEvent {
		v.updateVAPICBar(DefaultAPICBase)
	}
}

func (v *VCPU) initVMCB() {
	caps := v.vm.engine.caps
	control := &v.vmcb.Control
	save := &v.vmcb.Save

	v.hflags = 0
	v.nested.vmcb = 0
	v.fpuActive = true

	v.setCRIntercept(InterceptCR0Read)
	v.setCRIntercept(InterceptCR3Read)
	v.setCRIntercept(InterceptCR4Read)
	v.setCRIntercept(InterceptCR0Write)
	v.setCRIntercept(InterceptCR3Write)
	v.setCRIntercept(InterceptCR4Write)
	if !v.apicvActive {
		v.setCRIntercept(InterceptCR8Write)
	}
	v.setDRIntercepts()

	for _, vec := range []uint{PFVector, UDVector, MCVector, ACVector, DBVector} {
		v.setExceptionIntercept(vec)
	}
	for _, i := range []Intercept{
		InterceptIntr, InterceptNMI, InterceptSMI, InterceptSelectiveCR0,
		InterceptRDPMC, InterceptCPUID, InterceptINVD, InterceptHLT,
		InterceptINVLPG, InterceptINVLPGA, InterceptIOIOProt, InterceptMSRProt,
		InterceptTaskSwitch, InterceptShutdown, InterceptVMRUN, InterceptVMMCALL,
		InterceptVMLOAD, InterceptVMSAVE, InterceptSTGI, InterceptCLGI,
		InterceptSKINIT, InterceptWBINVD, InterceptMonitor, InterceptMwait,
		InterceptXSETBV,
	} {
		v.setIntercept(i)
	}

	control.IOPMBasePA = v.vm.engine.iopm.Base
	control.MSRPMBasePA = v.msrpmPage.Base
	control.IntCtl = VIntrMaskingMask

	initSeg(&save.ES)
	initSeg(&save.SS)
	initSeg(&save.DS)
	initSeg(&save.FS)
	initSeg(&save.GS)

	save.CS = Segment{
		Selector: 0xf000,
		Base:     0xffff0000,
		Attrib:   SelectorReadMask | 1<<SelectorPShift | 1<<SelectorSShift | SelectorCodeMask,
		Limit:    0xffff,
	}
	save.GDTR.Limit = 0xffff
	save.IDTR.Limit = 0xffff
	initSysSeg(&save.LDTR, segTypeLDT)
	initSysSeg(&save.TR, segTypeBusyTSS16)

	v.setEFER(0)
	save.DR6 = 0xffff0ff0
	v.SetRFlags(RFlagsReserved)
	save.RIP = 0x0000fff0
	v.regs[RIP] = save.RIP

	v.setCR0Raw(CR0NW | CR0CD | CR0ET)
	v.vm.cfg.MMU.Reset(v)

	save.CR4 = CR4PAE

	if caps.NPT {
		control.NestedCtl = NestedCtlNPEnable
		v.clrIntercept(InterceptINVLPG)
		v.clrExceptionIntercept(PFVector)
		v.clrCRIntercept(InterceptCR3Read)
		v.clrCRIntercept(InterceptCR3Write)
		save.GPAT = v.pat
		save.CR3 = 0
		save.CR4 = 0
	}
	v.asidGeneration = 0

	if caps.PauseFilter {
		control.PauseFilterCount = caps.PauseFilterCount
		v.setIntercept(InterceptPause)
	}

	if v.apicvActive {
		v.avicInitVMCB()
	}

	control.MarkAllDirty()
	v.enableGIF()
}

func initSeg(seg *Segment) {
	seg.Selector = 0
	seg.Attrib = 1<<SelectorPShift | 1<<SelectorSShift | SelectorWriteMask
	seg.Limit = 0xffff
	seg.Base = 0
}

func initSysSeg(seg *Segment, typ uint16) {
	seg.Selector = 0
	seg.Attrib = 1<<SelectorPShift | typ
	seg.Limit = 0xffff
	seg.Base = 0
}

// Load binds the vCPU to cpu. A vCPU that moved to a different core gets a
// new ASID and a fully dirty VMCB on its next entry.
func (v *VCPU) Load(cpu *PhysicalCPU) error {
	if v.cpu != nil {
		return fmt.Errorf("%w: vcpu %d already loaded on cpu %d", ErrInvalidArgument, v.id, v.cpu.ID)
	}
	if cpu.ID != v.lastCPU {
		v.asidGeneration = 0
		v.vmcb.Control.MarkAllDirty()
	}
	v.cpu = cpu
	v.lastCPU = cpu.ID

	if err := v.vm.engine.proc.WriteMSR(MSRTSCAux, v.tscAux); err != nil {
		v.log.Debug("svm: restore tsc_aux", "err", err)
	}
	v.avicVCPULoad()
	return nil
}

// Put unbinds the vCPU from its core.
func (v *VCPU) Put() {
	if v.cpu == nil {
		return
	}
	v.avicVCPUPut()
	v.cpu = nil
}

// CPU returns the core the vCPU is loaded on, or nil.
func (v *VCPU) CPU() *PhysicalCPU { return v.cpu }

// Blocking is called before the vCPU halts. Interrupts posted while it is
// blocked go through the GA log instead of the doorbell.
func (v *VCPU) Blocking() { v.avicSetRunning(false) }

// Unblocking is called when the vCPU resumes after halting.
func (v *VCPU) Unblocking() { v.avicSetRunning(true) }

// Halted reports whether the guest executed HLT and has not been woken, or
// is waiting for a startup IPI after INIT.
func (v *VCPU) Halted() bool { return v.halted.Load() || v.waitSIPI.Load() }

// WaitingForSIPI reports whether the vCPU was sent INIT and has not been
// started again.
func (v *VCPU) WaitingForSIPI() bool { return v.waitSIPI.Load() }

// Wake clears the halted state and notifies the scheduler.
func (v *VCPU) Wake() {
	v.halted.Store(false)
	v.vm.cfg.Waker.Wake(v)
}

// InGuestMode reports whether the vCPU is between VMRUN and #VMEXIT.
func (v *VCPU) InGuestMode() bool { return v.mode.Load() == inGuestMode }

// GuestMode reports whether an L2 guest is running under a nested hypervisor.
func (v *VCPU) GuestMode() bool { return v.hflags&hfGuestMode != 0 }

// SetGuestDebug selects which debug events exit to the host.
func (v *VCPU) SetGuestDebug(d GuestDebug) {
	v.guestDebug = d
	v.clrExceptionIntercept(BPVector)
	if d&GuestDebugEnable != 0 && d&GuestDebugSWBreakpoint != 0 {
		v.setExceptionIntercept(BPVector)
	}
	if d&GuestDebugEnable != 0 {
		v.setDRIntercepts()
	}
}

func (v *VCPU) enableGIF()  { v.hflags |= hfGIF }
func (v *VCPU) disableGIF() { v.hflags &^= hfGIF }
func (v *VCPU) gifSet() bool { return v.hflags&hfGIF != 0 }

func (v *VCPU) enterGuestMode() { v.hflags |= hfGuestMode }
func (v *VCPU) leaveGuestMode() { v.hflags &^= hfGuestMode }

func (v *VCPU) request(r request) { v.requests.Or(uint32(r)) }

func (v *VCPU) takeRequest(r request) bool {
	return v.requests.And(^uint32(r))&uint32(r) != 0
}

func (v *VCPU) trace(event debug.Event, code, a1, a2, a3 uint64) {
	v.vm.engine.tracer.Record(debug.Record{
		Event: event,
		VCPU:  uint32(v.id),
		Code:  code,
		Arg1:  a1,
		Arg2:  a2,
		Arg3:  a3,
	})
}
