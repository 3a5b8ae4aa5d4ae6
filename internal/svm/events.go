package svm

import (
	"fmt"

	"github.com/tinyrange/svmcore/internal/debug"
)

const maxInstructionLength = 15

// skipInstruction advances RIP past the intercepted instruction, using the
// processor-reported next RIP when there is one and the emulator otherwise.
func (v *VCPU) skipInstruction() {
	if v.vmcb.Control.NextRIP != 0 {
		v.nextRIP = v.vmcb.Control.NextRIP
	}

	if v.nextRIP == 0 {
		if err := v.vm.cfg.Emulator.Emulate(v, EmulateSkip); err != nil {
			v.log.Debug("svm: skip instruction failed", "rip", fmt.Sprintf("%#x", v.RIP()), "err", err)
		}
		return
	}
	if v.nextRIP-v.RIP() > maxInstructionLength {
		v.log.Error("svm: next rip beyond instruction limit",
			"rip", fmt.Sprintf("%#x", v.RIP()), "next_rip", fmt.Sprintf("%#x", v.nextRIP))
	}

	v.SetRIP(v.nextRIP)
	v.setInterruptShadow(false)
}

type exceptionClass int

const (
	excBenign exceptionClass = iota
	excContributory
	excPageFault
)

func classify(nr uint8) exceptionClass {
	switch nr {
	case PFVector:
		return excPageFault
	case DEVector, TSVector, NPVector, SSVector, GPVector:
		return excContributory
	}
	return excBenign
}

// QueueException queues exception nr for delivery on the next entry. Two
// contributory faults, or a fault during #PF delivery, merge into #DF; a
// fault during #DF delivery shuts the guest down.
func (v *VCPU) QueueException(nr uint8, hasErr bool, errCode uint32) {
	v.queueException(nr, hasErr, errCode, false)
}

func (v *VCPU) queueException(nr uint8, hasErr bool, errCode uint32, reinject bool) {
	v.request(reqEvent)

	next := queuedException{pending: true, nr: nr, hasErr: hasErr, errCode: errCode, reinject: reinject}
	if !v.exception.pending {
		v.exception = next
		return
	}

	prev := v.exception.nr
	if prev == DFVector {
		v.request(reqTripleFault)
		return
	}
	c1, c2 := classify(prev), classify(nr)
	if c1 == excContributory && c2 == excContributory || c1 == excPageFault && c2 != excBenign {
		v.exception = queuedException{pending: true, nr: DFVector, hasErr: true}
		return
	}
	// Re-executing the instruction regenerates the lost exception.
	v.exception = next
}

func (v *VCPU) injectUD() { v.QueueException(UDVector, false, 0) }

func (v *VCPU) injectGP(errCode uint32) { v.QueueException(GPVector, true, errCode) }

// completeInsnGP finishes an instruction that raises #GP(0) on err.
func (v *VCPU) completeInsnGP(err error) {
	if err != nil {
		v.injectGP(0)
		return
	}
	v.skipInstruction()
}

func (v *VCPU) clearExceptionQueue() { v.exception = queuedException{} }

func (v *VCPU) clearInterruptQueue() { v.interrupt = queuedInterrupt{} }

// injectException writes the pending exception into the VMCB. An exception
// L1 intercepts turns into a nested #VMEXIT instead.
func (v *VCPU) injectException() {
	ex := v.exception
	if !ex.reinject && v.nestedCheckException(ex.nr, ex.hasErr, ex.errCode) {
		return
	}

	if ex.nr == BPVector && !v.vm.engine.caps.NRIPS {
		// Without next RIP the processor cannot advance over INT3 itself.
		// Remember how far RIP moved so a failed delivery can rewind it.
		old := v.RIP()
		v.skipInstruction()
		v.int3RIP = v.RIP() + v.vmcb.Save.CS.Base
		v.int3Injected = v.RIP() - old
	}

	inj := uint32(ex.nr) | EvtInjValid | EvtInjTypeExcept
	if ex.hasErr {
		inj |= EvtInjValidErr
	}
	v.vmcb.Control.EventInj = inj
	v.vmcb.Control.EventInjErr = ex.errCode
	v.trace(debug.EventInject, uint64(inj), uint64(ex.errCode), 0, 0)
}

// QueueNMI raises an NMI. At most two NMIs are kept pending.
func (v *VCPU) QueueNMI() {
	if v.nmiPending < 2 {
		v.nmiPending++
	}
	v.request(reqEvent)
}

// SendNMI raises an NMI from any goroutine. It is queued by the vCPU's own
// next Run.
func (v *VCPU) SendNMI() {
	v.request(reqNMI)
	v.Wake()
}

// SendINIT resets the vCPU on its next Run and leaves it waiting for a
// startup IPI.
func (v *VCPU) SendINIT() {
	v.request(reqINIT)
	v.Wake()
}

// SendSIPI starts a vCPU waiting after INIT at vector<<12 in real mode.
func (v *VCPU) SendSIPI(vector uint8) {
	v.sipiVector.Store(uint32(vector))
	v.request(reqSIPI)
	v.Wake()
}

// takeRemoteEvents applies the NMI, INIT and SIPI requests other goroutines
// posted. It runs on the vCPU's goroutine.
func (v *VCPU) takeRemoteEvents() {
	if v.takeRequest(reqINIT) {
		v.Reset(true)
		v.waitSIPI.Store(true)
		v.nmiPending = 0
		v.exception = queuedException{}
		v.interrupt = queuedInterrupt{}
	}
	if v.takeRequest(reqSIPI) && v.waitSIPI.Load() {
		vector := v.sipiVector.Load()
		cs := &v.vmcb.Save.CS
		cs.Selector = uint16(vector << 8)
		cs.Base = uint64(vector) << 12
		v.vmcb.Control.MarkDirty(CleanSeg)
		v.SetRIP(0)
		v.waitSIPI.Store(false)
		v.trace(debug.EventSIPI, uint64(vector), 0, 0, 0)
	}
	if v.takeRequest(reqNMI) && !v.waitSIPI.Load() {
		v.QueueNMI()
	}
}

// QueueInterrupt injects vector on the next entry. The caller checks
// InterruptAllowed first.
func (v *VCPU) QueueInterrupt(vector uint8, soft bool) {
	v.interrupt = queuedInterrupt{pending: true, nr: vector, soft: soft}
	v.request(reqEvent)
}

func (v *VCPU) injectNMI() {
	v.vmcb.Control.EventInj = EvtInjValid | EvtInjTypeNMI
	v.hflags |= hfNMIMask
	v.setIntercept(InterceptIRET)
	v.trace(debug.EventInject, uint64(v.vmcb.Control.EventInj), 0, 0, 0)
}

// setIRQ injects the queued external interrupt.
func (v *VCPU) setIRQ() {
	inj := uint32(v.interrupt.nr) | EvtInjValid
	if v.interrupt.soft {
		inj |= EvtInjTypeSoft
	} else {
		inj |= EvtInjTypeIntr
	}
	v.vmcb.Control.EventInj = inj
	v.trace(debug.EventInject, uint64(inj), 0, 0, 0)
}

// injectVirtualIRQ raises a virtual interrupt request. The processor exits
// with VINTR once the guest can take it.
func (v *VCPU) injectVirtualIRQ(irq uint8) {
	c := &v.vmcb.Control
	c.IntVector = uint32(irq)
	c.IntCtl &^= VIntrPrioMask
	c.IntCtl |= VIRQMask | 0xf<<VIntrPrioShift
	c.MarkDirty(CleanIntr)
}

// NMIAllowed reports whether an NMI can be injected now.
func (v *VCPU) NMIAllowed() bool {
	ok := !v.interruptShadow() && v.hflags&hfNMIMask == 0 && v.gifSet()
	return ok && v.nestedNMI()
}

// NMIMask reports whether NMIs are blocked.
func (v *VCPU) NMIMask() bool { return v.hflags&hfNMIMask != 0 }

// SetNMIMask blocks or unblocks NMIs. While blocked, IRET is intercepted to
// find the end of the handler.
func (v *VCPU) SetNMIMask(masked bool) {
	if masked {
		v.hflags |= hfNMIMask
		v.setIntercept(InterceptIRET)
	} else {
		v.hflags &^= hfNMIMask
		v.clrIntercept(InterceptIRET)
	}
}

// InterruptAllowed reports whether an external interrupt can be injected.
// Under a nested hypervisor that virtualises interrupt masking, L1 decides.
func (v *VCPU) InterruptAllowed() bool {
	if !v.gifSet() || v.interruptShadow() {
		return false
	}
	ok := v.RFlags()&RFlagsIF != 0
	if v.GuestMode() {
		return ok && v.hflags&hfVINTR == 0
	}
	return ok
}

// enableIRQWindow asks for an exit as soon as the guest can take an
// interrupt. With GIF clear the STGI intercept reopens the window instead.
func (v *VCPU) enableIRQWindow() {
	if v.apicvActive {
		return
	}
	if v.gifSet() && v.nestedIntr() {
		v.setIntercept(InterceptVINTR)
		v.injectVirtualIRQ(0)
	}
}

// enableNMIWindow single-steps the guest past whatever blocks the NMI,
// unless the blocking IRET is already intercepted.
func (v *VCPU) enableNMIWindow() {
	if v.hflags&(hfNMIMask|hfIRETMask) == hfNMIMask {
		return
	}
	v.nmiSingleStep = true
	v.vmcb.Save.RFlags |= RFlagsTF | RFlagsRF
	v.setExceptionIntercept(DBVector)
}

func (v *VCPU) nestedVirtualizeTPR() bool {
	return v.GuestMode() && v.hflags&hfVINTR != 0
}

// UpdateCR8Intercept traps CR8 writes only while they could unmask the
// pending interrupt of priority class irr. irr is -1 when none is pending.
func (v *VCPU) UpdateCR8Intercept(tpr, irr int) {
	if v.nestedVirtualizeTPR() || v.apicvActive {
		return
	}
	v.clrCRIntercept(InterceptCR8Write)
	if irr == -1 {
		return
	}
	if tpr >= irr {
		v.setCRIntercept(InterceptCR8Write)
	}
}

func (v *VCPU) updateCR8InterceptFromAPIC() {
	irr := v.apic.HighestIRR()
	if irr != -1 {
		irr >>= 4
	}
	v.UpdateCR8Intercept(int(v.apic.TPR()), irr)
}

func (v *VCPU) syncLAPICToCR8() {
	if v.nestedVirtualizeTPR() || v.apicvActive {
		return
	}
	c := &v.vmcb.Control
	c.IntCtl = c.IntCtl&^VTPRMask | uint32(v.apic.TPR())&VTPRMask
}

func (v *VCPU) syncCR8ToLAPIC() {
	if v.nestedVirtualizeTPR() {
		return
	}
	if !v.isCRIntercept(InterceptCR8Write) {
		v.apic.SetTPR(uint8(v.vmcb.Control.IntCtl & VTPRMask))
	}
}

func (v *VCPU) hasInjectableInterrupt() (uint8, bool) {
	if v.apicvActive {
		return 0, false
	}
	return v.apic.PendingInterrupt()
}

// injectPendingEvent programs at most one event into the VMCB: events that
// were being delivered at the last exit first, then a new NMI, then a new
// interrupt. Blocked events open a window instead.
func (v *VCPU) injectPendingEvent() {
	switch {
	case v.exception.pending:
		v.injectException()
		return
	case v.nmiInjected:
		v.injectNMI()
		return
	case v.interrupt.pending:
		v.setIRQ()
		return
	}

	if v.nmiPending > 0 && v.NMIAllowed() {
		v.nmiPending--
		v.nmiInjected = true
		v.injectNMI()
	} else if vector, ok := v.hasInjectableInterrupt(); ok && v.InterruptAllowed() {
		v.apic.AckInterrupt(vector)
		v.interrupt = queuedInterrupt{pending: true, nr: vector}
		v.setIRQ()
	}

	if v.nmiPending > 0 {
		v.enableNMIWindow()
	}
	if _, ok := v.hasInjectableInterrupt(); ok {
		v.enableIRQWindow()
	}
}

// completeInterrupts requeues the event the processor was delivering when
// the exit happened, so it is delivered again on the next entry.
func (v *VCPU) completeInterrupts() {
	exitIntInfo := v.vmcb.Control.ExitIntInfo

	// IRET has executed once RIP moves past it; NMIs are unblocked.
	if v.hflags&hfIRETMask != 0 && v.RIP() != v.nmiIRETRIP {
		v.hflags &^= hfNMIMask | hfIRETMask
		v.request(reqEvent)
	}

	v.nmiInjected = false
	v.clearExceptionQueue()
	v.clearInterruptQueue()

	if exitIntInfo&EvtInjValid == 0 {
		return
	}
	v.request(reqEvent)

	vector := uint8(exitIntInfo & EvtInjVecMask)
	switch exitIntInfo & EvtInjTypeMask {
	case EvtInjTypeNMI:
		v.nmiInjected = true
	case EvtInjTypeExcept:
		// Software exceptions are regenerated by re-executing the
		// instruction, except INT3 the engine already skipped.
		if vector == BPVector || vector == OFVector {
			if vector == BPVector && v.int3Injected != 0 &&
				v.RIP()+v.vmcb.Save.CS.Base == v.int3RIP {
				v.SetRIP(v.RIP() - v.int3Injected)
			}
			break
		}
		if exitIntInfo&EvtInjValidErr != 0 {
			v.queueException(vector, true, v.vmcb.Control.ExitIntInfoErr, true)
		} else {
			v.queueException(vector, false, 0, true)
		}
	case EvtInjTypeIntr:
		v.QueueInterrupt(vector, false)
	}
}

// CancelInjection moves an event programmed for the next entry back into
// the queues, as if the entry had been interrupted while delivering it.
func (v *VCPU) CancelInjection() {
	c := &v.vmcb.Control
	c.ExitIntInfo = c.EventInj
	c.ExitIntInfoErr = c.EventInjErr
	c.EventInj = 0
	v.completeInterrupts()
}

// PendingEvent reports the event programmed for the next entry.
func (v *VCPU) PendingEvent() (eventInj, errCode uint32) {
	return v.vmcb.Control.EventInj, v.vmcb.Control.EventInjErr
}
