package svm

import "fmt"

// exitHandler handles one exit code. A nil error resumes the guest; an error
// ends the run cycle and is returned to the caller of Run.
type exitHandler func(v *VCPU, info ExitInfo) error

func exitHandlers() map[ExitCode]exitHandler {
	h := map[ExitCode]exitHandler{
		ExitReadCR0:     crInterception,
		ExitReadCR3:     crInterception,
		ExitReadCR4:     crInterception,
		ExitReadCR8:     crInterception,
		ExitCR0SelWrite: crInterception,
		ExitWriteCR0:    crInterception,
		ExitWriteCR3:    crInterception,
		ExitWriteCR4:    crInterception,
		ExitWriteCR8:    cr8WriteInterception,

		ExitExcpBase + DBVector: dbInterception,
		ExitExcpBase + BPVector: bpInterception,
		ExitExcpBase + UDVector: udInterception,
		ExitExcpBase + PFVector: pfInterception,
		ExitExcpBase + NMVector: nmInterception,
		ExitExcpBase + MCVector: mcInterception,
		ExitExcpBase + ACVector: acInterception,

		ExitIntr:       intrInterception,
		ExitNMI:        nmiInterception,
		ExitSMI:        nopOnInterception,
		ExitInit:       nopOnInterception,
		ExitVINTR:      interruptWindowInterception,
		ExitRDPMC:      rdpmcInterception,
		ExitCPUID:      cpuidInterception,
		ExitIRET:       iretInterception,
		ExitINVD:       emulateOnInterception,
		ExitRSM:        emulateOnInterception,
		ExitPause:      pauseInterception,
		ExitHLT:        haltInterception,
		ExitINVLPG:     invlpgInterception,
		ExitINVLPGA:    invlpgaInterception,
		ExitIOIO:       ioInterception,
		ExitMSR:        msrInterception,
		ExitTaskSwitch: taskSwitchInterception,
		ExitShutdown:   shutdownInterception,
		ExitVMRUN:      vmrunInterception,
		ExitVMMCALL:    vmmcallInterception,
		ExitVMLOAD:     vmloadInterception,
		ExitVMSAVE:     vmsaveInterception,
		ExitSTGI:       stgiInterception,
		ExitCLGI:       clgiInterception,
		ExitSKINIT:     skinitInterception,
		ExitWBINVD:     wbinvdInterception,
		ExitMonitor:    monitorInterception,
		ExitMwait:      mwaitInterception,
		ExitXSETBV:     xsetbvInterception,
		ExitNPF:        npfInterception,

		ExitAVICIncompleteIPI:       avicIncompleteIPIInterception,
		ExitAVICUnacceleratedAccess: avicUnacceleratedAccessInterception,
	}
	for dr := ExitReadDR0; dr <= ExitReadDR7; dr++ {
		h[dr] = drInterception
	}
	for dr := ExitWriteDR0; dr <= ExitWriteDR7; dr++ {
		h[dr] = drInterception
	}
	return h
}

func nopOnInterception(*VCPU, ExitInfo) error { return nil }

func intrInterception(*VCPU, ExitInfo) error { return nil }

func nmiInterception(*VCPU, ExitInfo) error { return nil }

// Machine checks are forwarded to the host right after the exit.
func mcInterception(*VCPU, ExitInfo) error { return nil }

func emulateOnInterception(v *VCPU, _ ExitInfo) error {
	if err := v.vm.cfg.Emulator.Emulate(v, EmulateNormal); err != nil {
		return fmt.Errorf("svm: vcpu %d: emulate %s at %#x: %w: %w",
			v.id, v.vmcb.Control.ExitCode, v.RIP(), ErrInternal, err)
	}
	return nil
}

// checkSelectiveCR0Intercepted reflects a CR0 write to L1 when L1 asked for
// the selective CR0 intercept and the write changes bits other than TS and MP.
func (v *VCPU) checkSelectiveCR0Intercepted(val uint64) bool {
	if !v.GuestMode() || !v.nested.intercepts.Has(InterceptSelectiveCR0) {
		return false
	}
	cr0 := v.cr0 &^ cr0SelectiveMask
	val &^= cr0SelectiveMask
	if cr0 == val {
		return false
	}
	v.vmcb.Control.ExitCode = ExitCR0SelWrite
	return v.nestedExitHandled() == nestedExitDone
}

func crInterception(v *VCPU, info ExitInfo) error {
	caps := v.vm.engine.caps
	cr, ok := info.(CRExit)
	if !caps.DecodeAssists || !ok || !cr.Valid {
		return emulateOnInterception(v, info)
	}

	var err error
	if cr.Write {
		val := v.regs[cr.Reg]
		switch cr.CR {
		case 0:
			if v.checkSelectiveCR0Intercepted(val) {
				return nil
			}
			err = v.SetCR0(val)
		case 3:
			err = v.SetCR3(val)
		case 4:
			err = v.SetCR4(val)
		case 8:
			err = v.SetCR8(val)
		default:
			v.log.Warn("svm: unhandled write to cr", "cr", cr.CR)
			v.injectUD()
			return nil
		}
	} else {
		var val uint64
		switch cr.CR {
		case 0:
			val = v.cr0
		case 2:
			val = v.cr2
		case 3:
			val = v.cr3
		case 4:
			val = v.cr4
		case 8:
			val = v.CR8()
		default:
			v.log.Warn("svm: unhandled read from cr", "cr", cr.CR)
			v.injectUD()
			return nil
		}
		v.regs[cr.Reg] = val
	}
	v.completeInsnGP(err)
	return nil
}

// cr8WriteInterception reports a TPR decrease to the caller when the local
// APIC is emulated outside the engine, so pending interrupts can be
// delivered.
func cr8WriteInterception(v *VCPU, info ExitInfo) error {
	prev := v.CR8()
	if err := crInterception(v, info); err != nil {
		return err
	}
	if !v.vm.cfg.UserspaceAPIC {
		return nil
	}
	if prev <= v.CR8() {
		return nil
	}
	return ErrSetTPR
}

func drInterception(v *VCPU, info ExitInfo) error {
	dr, ok := info.(DRExit)
	if !v.vm.engine.caps.DecodeAssists || !ok {
		return emulateOnInterception(v, info)
	}

	if dr.Write {
		if err := v.SetDR(dr.DR, v.regs[dr.Reg]); err != nil {
			v.injectGP(0)
			return nil
		}
	} else {
		val, err := v.DR(dr.DR)
		if err != nil {
			v.injectUD()
			return nil
		}
		v.regs[dr.Reg] = val
	}
	v.skipInstruction()
	return nil
}

func (v *VCPU) disableNMISingleStep() {
	v.nmiSingleStep = false
	if v.guestDebug&GuestDebugSingleStep == 0 {
		v.vmcb.Save.RFlags &^= RFlagsTF | RFlagsRF
	}
}

func dbInterception(v *VCPU, _ ExitInfo) error {
	hostDebug := v.guestDebug & (GuestDebugSingleStep | GuestDebugHWBreakpoint)
	if hostDebug == 0 && !v.nmiSingleStep {
		v.QueueException(DBVector, false, 0)
		return nil
	}

	if v.nmiSingleStep {
		v.disableNMISingleStep()
		// The NMI window is open now.
		v.request(reqEvent)
	}

	if hostDebug != 0 {
		return &DebugExit{PC: v.vmcb.Save.CS.Base + v.RIP(), Exception: DBVector}
	}
	return nil
}

func bpInterception(v *VCPU, _ ExitInfo) error {
	return &DebugExit{PC: v.vmcb.Save.CS.Base + v.RIP(), Exception: BPVector}
}

func udInterception(v *VCPU, _ ExitInfo) error {
	if err := v.vm.cfg.Emulator.Emulate(v, EmulateTrapUD); err != nil {
		v.injectUD()
	}
	return nil
}

func acInterception(v *VCPU, _ ExitInfo) error {
	v.QueueException(ACVector, true, 0)
	return nil
}

// activateFPU stops trapping FPU use once the guest state is loaded.
func (v *VCPU) activateFPU() {
	v.clrExceptionIntercept(NMVector)
	v.fpuActive = true
	v.updateCR0Intercept()
}

func nmInterception(v *VCPU, _ ExitInfo) error {
	v.activateFPU()
	return nil
}

func (v *VCPU) insnBytes() []byte {
	if !v.vm.engine.caps.DecodeAssists {
		return nil
	}
	c := &v.vmcb.Control
	n := min(int(c.InsnLen), len(c.InsnBytes))
	return c.InsnBytes[:n]
}

func pfInterception(v *VCPU, info ExitInfo) error {
	exc := info.(ExceptionExit)

	if reason := v.apfReason; reason != 0 {
		// Async page fault tokens are consumed by the generic layer.
		v.apfReason = 0
		v.log.Debug("svm: async page fault", "reason", reason, "token", fmt.Sprintf("%#x", exc.Address))
		return nil
	}

	err := v.vm.cfg.MMU.PageFault(v, exc.Address, uint64(exc.ErrorCode), v.insnBytes())
	if err != nil {
		return fmt.Errorf("svm: vcpu %d: page fault at %#x: %w", v.id, exc.Address, err)
	}
	return nil
}

func npfInterception(v *VCPU, info ExitInfo) error {
	npf := info.(NPFExit)
	if err := v.vm.cfg.MMU.PageFault(v, npf.GPA, npf.ErrorCode, v.insnBytes()); err != nil {
		return fmt.Errorf("svm: vcpu %d: nested page fault at %#x: %w", v.id, npf.GPA, err)
	}
	return nil
}

func (v *VCPU) clearVINTR() {
	v.clrIntercept(InterceptVINTR)
	v.vmcb.Control.IntCtl &^= VIRQMask
	v.vmcb.Control.MarkDirty(CleanIntr)
}

func interruptWindowInterception(v *VCPU, _ ExitInfo) error {
	v.request(reqEvent)
	v.clearVINTR()
	return nil
}

func iretInterception(v *VCPU, _ ExitInfo) error {
	v.clrIntercept(InterceptIRET)
	v.hflags |= hfIRETMask
	v.nmiIRETRIP = v.RIP()
	v.request(reqEvent)
	return nil
}

func rdpmcInterception(v *VCPU, info ExitInfo) error {
	if !v.vm.engine.caps.NRIPS {
		return emulateOnInterception(v, info)
	}
	v.completeInsnGP(v.vm.cfg.Platform.RDPMC(v))
	return nil
}

func cpuidInterception(v *VCPU, _ ExitInfo) error {
	v.nextRIP = v.RIP() + 2
	if err := v.vm.cfg.Platform.CPUID(v); err != nil {
		return err
	}
	v.skipInstruction()
	return nil
}

func pauseInterception(v *VCPU, _ ExitInfo) error {
	v.vm.cfg.Platform.OnSpin(v)
	return nil
}

func haltInterception(v *VCPU, _ ExitInfo) error {
	v.nextRIP = v.RIP() + 1
	v.skipInstruction()
	v.halted.Store(true)
	return v.vm.cfg.Platform.Halt(v)
}

func invlpgInterception(v *VCPU, info ExitInfo) error {
	inv, ok := info.(InvlpgExit)
	if !v.vm.engine.caps.DecodeAssists || !ok {
		return emulateOnInterception(v, info)
	}
	v.vm.cfg.MMU.InvalidatePage(v, inv.Addr)
	v.skipInstruction()
	return nil
}

// ioInterception completes OUT in place. IN and the string forms go to the
// emulator.
func ioInterception(v *VCPU, info ExitInfo) error {
	ioe := info.(IOExit)
	if ioe.String || ioe.In {
		return emulateOnInterception(v, info)
	}

	v.nextRIP = ioe.NextRIP
	v.skipInstruction()
	return v.vm.cfg.Platform.OutPort(v, ioe.Port, ioe.Size)
}

func taskSwitchInterception(v *VCPU, info ExitInfo) error {
	ts := info.(TaskSwitchExit)
	c := &v.vmcb.Control

	idtValid := c.ExitIntInfo&EvtInjValid != 0
	typ := c.ExitIntInfo & EvtInjTypeMask
	vector := int(c.ExitIntInfo & EvtInjVecMask)

	reason := TaskSwitchCall
	switch {
	case ts.IRET:
		reason = TaskSwitchIRET
	case ts.JMP:
		reason = TaskSwitchJMP
	case idtValid:
		reason = TaskSwitchGate
	}

	var hasErr bool
	var errCode uint32
	if reason == TaskSwitchGate {
		switch typ {
		case EvtInjTypeNMI:
			v.nmiInjected = false
		case EvtInjTypeExcept:
			if ts.HasError {
				hasErr = true
				errCode = ts.ErrorCode
			}
			v.clearExceptionQueue()
		case EvtInjTypeIntr:
			v.clearInterruptQueue()
		}
	}

	softException := typ == EvtInjTypeExcept && (vector == OFVector || vector == BPVector)
	if reason != TaskSwitchGate || typ == EvtInjTypeSoft || softException {
		v.skipInstruction()
	}
	if typ != EvtInjTypeSoft {
		vector = -1
	}

	err := v.vm.cfg.Platform.TaskSwitch(v, TaskSwitch{
		Selector:  ts.Selector,
		Reason:    reason,
		Vector:    vector,
		HasError:  hasErr,
		ErrorCode: errCode,
	})
	if err != nil {
		return fmt.Errorf("svm: vcpu %d: task switch to %#x: %w: %w", v.id, ts.Selector, ErrInternal, err)
	}
	return nil
}

// shutdownInterception resets the VMCB. Its contents are undefined after a
// shutdown intercept.
func shutdownInterception(v *VCPU, _ ExitInfo) error {
	*v.vmcb = VMCB{}
	v.initVMCB()
	return ErrShutdown
}

func vmmcallInterception(v *VCPU, _ ExitInfo) error {
	v.nextRIP = v.RIP() + 3
	v.skipInstruction()
	return v.vm.cfg.Platform.Hypercall(v)
}

func wbinvdInterception(v *VCPU, _ ExitInfo) error {
	v.nextRIP = v.RIP() + 2
	v.skipInstruction()
	return v.vm.cfg.Platform.WBINVD(v)
}

// MONITOR and MWAIT are treated as NOP.
func monitorInterception(v *VCPU, _ ExitInfo) error {
	v.warnMonitor.Do(func() {
		v.log.Warn("svm: MONITOR/MWAIT instruction emulated as NOP")
	})
	v.nextRIP = v.RIP() + 3
	v.skipInstruction()
	return nil
}

func mwaitInterception(v *VCPU, info ExitInfo) error {
	return monitorInterception(v, info)
}

func xsetbvInterception(v *VCPU, _ ExitInfo) error {
	index := uint32(v.regs[RCX])
	if err := v.vm.cfg.Platform.SetXCR(v, index, v.edxEAX()); err != nil {
		v.injectGP(0)
		return nil
	}
	v.nextRIP = v.RIP() + 3
	v.skipInstruction()
	return nil
}
