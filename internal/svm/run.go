package svm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tinyrange/svmcore/internal/debug"
)

// Run executes one cycle of the vCPU: pending requests and events are
// processed, the guest is entered and the resulting exit is handled. A nil
// error means the guest can be resumed by calling Run again.
//
// The vCPU must be loaded on a PhysicalCPU.
func (v *VCPU) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if v.cpu == nil {
		return fmt.Errorf("%w: vcpu %d is not loaded", ErrInvalidArgument, v.id)
	}

	if v.takeRequest(reqTripleFault) {
		v.log.Info("svm: triple fault", "rip", fmt.Sprintf("%#x", v.RIP()))
		return ErrShutdown
	}
	v.takeRemoteEvents()
	if v.waitSIPI.Load() {
		return nil
	}
	if v.takeRequest(reqTLBFlush) {
		v.flushTLB()
	}

	v.updateCR8InterceptFromAPIC()
	if v.takeRequest(reqEvent) {
		v.injectPendingEvent()
	}

	if err := v.enterGuest(); err != nil {
		return err
	}
	return v.handleExit()
}

// enterGuest runs the guest until the next #VMEXIT and copies the exit state
// back into the register cache. A deferred nested exit skips the hardware
// entry; handleExit completes it.
func (v *VCPU) enterGuest() error {
	save := &v.vmcb.Save
	save.RAX = v.regs[RAX]
	save.RSP = v.regs[RSP]
	save.RIP = v.regs[RIP]

	if v.nested.exitRequired {
		return nil
	}

	cpu := v.cpu
	cpu.run.Lock()
	defer cpu.run.Unlock()

	v.ensureASID(cpu)
	v.syncLAPICToCR8()
	save.CR2 = v.cr2

	if err := v.vmcb.Encode(v.vmcbPage.Bytes()); err != nil {
		return fmt.Errorf("svm: vcpu %d: %w", v.id, err)
	}

	proc := v.vm.engine.proc
	v.mode.Store(inGuestMode)
	start := time.Now()
	err := proc.VMRun(cpu, v.vmcbPage.Base, v.vmcb, &v.regs)
	elapsed := time.Since(start)
	v.mode.Store(outsideGuestMode)
	if err != nil {
		v.trace(debug.EventFailedEntry, uint64(v.vmcb.Control.ExitCode), 0, 0, 0)
		return fmt.Errorf("svm: vcpu %d: %w: %w", v.id, ErrFailedEntry, err)
	}

	v.cr2 = save.CR2
	v.regs[RAX] = save.RAX
	v.regs[RSP] = save.RSP
	v.regs[RIP] = save.RIP

	v.syncCR8ToLAPIC()

	c := &v.vmcb.Control
	v.nextRIP = 0
	c.TLBCtl = TLBControlDoNothing

	if c.ExitCode == ExitExcpBase+PFVector {
		if src, ok := proc.(AsyncPFSource); ok {
			v.apfReason = src.TakeAsyncPFReason(cpu)
		}
	}
	if c.ExitCode == ExitExcpBase+MCVector {
		v.handleMCE()
	}

	c.MarkAllClean()
	v.completeInterrupts()

	v.vm.engine.tracer.Record(debug.Record{
		Event:    debug.EventExit,
		VCPU:     uint32(v.id),
		Code:     uint64(c.ExitCode),
		Arg1:     c.ExitInfo1,
		Arg2:     c.ExitInfo2,
		Arg3:     uint64(c.ExitIntInfo),
		Duration: elapsed,
	})
	return nil
}

// handleExit dispatches the exit recorded in the VMCB. While an L2 guest
// runs, exits L1 intercepts are reflected to L1 first.
func (v *VCPU) handleExit() error {
	c := &v.vmcb.Control
	code := c.ExitCode

	if !v.isCRIntercept(InterceptCR0Write) {
		v.cr0 = v.vmcb.Save.CR0
	}
	if v.npt() {
		v.cr3 = v.vmcb.Save.CR3
	}

	if v.nested.exitRequired {
		v.nestedVMExit()
		v.nested.exitRequired = false
		return nil
	}

	if v.GuestMode() {
		vmexit := v.nestedExitSpecial()
		if vmexit == nestedExitContinue {
			vmexit = v.nestedExitHandled()
		}
		if vmexit == nestedExitDone {
			return nil
		}
	}

	if code == ExitErr {
		v.DumpVMCB()
		return fmt.Errorf("svm: vcpu %d: %w: invalid guest state", v.id, ErrFailedEntry)
	}

	if c.ExitIntInfo&EvtInjValid != 0 && c.ExitIntInfo&EvtInjTypeMask == EvtInjTypeIntr {
		switch code {
		case ExitExcpBase + PFVector, ExitNPF, ExitTaskSwitch, ExitIntr:
		default:
			v.log.Debug("svm: exit while delivering external interrupt",
				"exit_code", code.String(), "exit_int_info", fmt.Sprintf("%#x", c.ExitIntInfo))
		}
	}

	handler, ok := v.vm.engine.handlers[code]
	if !ok {
		v.log.Error("svm: unexpected exit", "vcpu", v.id, "exit_code", fmt.Sprintf("%#x", uint32(code)),
			"err", ErrUnhandledExit)
		v.injectUD()
		return nil
	}

	err := handler(v, DecodeExit(c))
	var dbg *DebugExit
	if err != nil && !errors.As(err, &dbg) && !errors.Is(err, ErrSetTPR) {
		v.log.Debug("svm: exit to caller", "exit_code", code.String(), "err", err)
	}
	return err
}
