package svm

import (
	"encoding/binary"
	"errors"
	"fmt"

	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/tinyrange/svmcore/internal/debug"
)

// nestedExit is the routing decision for an exit taken while L2 runs.
type nestedExit int

const (
	// nestedExitHost handles the exit in the engine.
	nestedExitHost nestedExit = iota
	// nestedExitDone reflects the exit to L1.
	nestedExitDone
	// nestedExitContinue asks the L1 intercept check.
	nestedExitContinue
)

func (n nestedExit) String() string {
	switch n {
	case nestedExitHost:
		return "host"
	case nestedExitDone:
		return "done"
	case nestedExitContinue:
		return "continue"
	}
	return fmt.Sprintf("nested_exit(%d)", int(n))
}

func (v *VCPU) readGuest(gpa uint64, buf []byte) error {
	if _, err := v.vm.cfg.Memory.ReadAt(buf, int64(gpa)); err != nil {
		return fmt.Errorf("%w: read %d bytes at %#x: %v", ErrGuestMemory, len(buf), gpa, err)
	}
	return nil
}

func (v *VCPU) writeGuest(gpa uint64, buf []byte) error {
	if _, err := v.vm.cfg.Memory.WriteAt(buf, int64(gpa)); err != nil {
		return fmt.Errorf("%w: write %d bytes at %#x: %v", ErrGuestMemory, len(buf), gpa, err)
	}
	return nil
}

// mapNestedVMCB reads the VMCB of L1 at gpa.
func (v *VCPU) mapNestedVMCB(gpa uint64) (*VMCB, error) {
	buf := make([]byte, VMCBSize)
	if err := v.readGuest(gpa, buf); err != nil {
		return nil, err
	}
	vmcb := &VMCB{}
	if err := vmcb.UnmarshalBinary(buf); err != nil {
		return nil, fmt.Errorf("nested: decode vmcb at %#x: %w", gpa, err)
	}
	return vmcb, nil
}

// unmapNestedVMCB writes vmcb back to L1's memory at gpa.
func (v *VCPU) unmapNestedVMCB(gpa uint64, vmcb *VMCB) error {
	buf, err := vmcb.MarshalBinary()
	if err != nil {
		return err
	}
	return v.writeGuest(gpa, buf)
}

// nestedCheckPermissions gates the SVM instructions: they need EFER.SVME
// and paging (#UD otherwise) and CPL 0 (#GP otherwise).
func (v *VCPU) nestedCheckPermissions() bool {
	if v.efer&EFERSVME == 0 || !v.isPaging() {
		v.injectUD()
		return false
	}
	if v.CPL() != 0 {
		v.injectGP(0)
		return false
	}
	return true
}

// nestedCheckException reports whether exception nr is intercepted by L1.
// If so, a nested #VMEXIT is scheduled in place of the injection.
func (v *VCPU) nestedCheckException(nr uint8, hasErr bool, errCode uint32) bool {
	if !v.GuestMode() {
		return false
	}

	c := &v.vmcb.Control
	c.ExitCode = ExitExcpBase + ExitCode(nr)
	c.ExitCodeHi = 0
	c.ExitInfo1 = uint64(errCode)
	c.ExitInfo2 = v.cr2

	if v.nestedIntercept() != nestedExitDone {
		return false
	}
	v.nested.exitRequired = true
	return true
}

// nestedIntr reports whether a host interrupt can be injected into the
// current guest. When L1 intercepts physical interrupts the injection turns
// into a nested #VMEXIT, scheduled here.
func (v *VCPU) nestedIntr() bool {
	if !v.GuestMode() {
		return true
	}
	if v.hflags&hfVINTR == 0 {
		return true
	}
	if v.hflags&hfHIF == 0 {
		return false
	}

	// A vmexit is already queued; injecting now would lose it.
	if v.nested.exitRequired {
		return false
	}

	c := &v.vmcb.Control
	c.ExitCode = ExitIntr
	c.ExitInfo1 = 0
	c.ExitInfo2 = 0

	if v.nested.intercepts.Has(InterceptIntr) {
		v.nested.exitRequired = true
		v.trace(debug.EventNestedIntercept, uint64(ExitIntr), 0, 0, 0)
		return false
	}
	return true
}

// nestedNMI is nestedIntr for NMIs.
func (v *VCPU) nestedNMI() bool {
	if !v.GuestMode() {
		return true
	}
	if !v.nested.intercepts.Has(InterceptNMI) {
		return true
	}
	v.vmcb.Control.ExitCode = ExitNMI
	v.nested.exitRequired = true
	return false
}

// nestedInterceptIOIO looks the port access up in L1's IO permission map.
func (v *VCPU) nestedInterceptIOIO() nestedExit {
	if !v.nested.intercepts.Has(InterceptIOIOProt) {
		return nestedExitHost
	}

	info1 := v.vmcb.Control.ExitInfo1
	port := uint16(info1 >> 16)
	size := uint(info1&IOIOSizeMask) >> IOIOSizeShift
	offset, length, mask := ioPermission(port, size)

	var buf [2]byte
	if err := v.readGuest(v.nested.vmcbIOPM+offset, buf[:length]); err != nil {
		return nestedExitDone
	}
	if binary.LittleEndian.Uint16(buf[:])&mask != 0 {
		return nestedExitDone
	}
	return nestedExitHost
}

// nestedExitHandledMSR looks the MSR access up in L1's MSR permission map.
func (v *VCPU) nestedExitHandledMSR() nestedExit {
	if !v.nested.intercepts.Has(InterceptMSRProt) {
		return nestedExitHost
	}

	msr := uint32(v.regs[RCX])
	write := uint(v.vmcb.Control.ExitInfo1 & 1)
	offset := MSRPMOffset(msr)
	if offset == MSRInvalid {
		return nestedExitDone
	}

	var buf [4]byte
	if err := v.readGuest(v.nested.vmcbMSRPM+uint64(offset)*4, buf[:]); err != nil {
		return nestedExitDone
	}
	rbit, _ := msrBits(msr)
	if binary.LittleEndian.Uint32(buf[:])&(1<<(rbit+write)) != 0 {
		return nestedExitDone
	}
	return nestedExitHost
}

// nestedExitSpecial picks out the exits the host always handles itself.
func (v *VCPU) nestedExitSpecial() nestedExit {
	switch v.vmcb.Control.ExitCode {
	case ExitIntr, ExitNMI, ExitExcpBase + MCVector:
		return nestedExitHost
	case ExitNPF:
		if v.npt() {
			return nestedExitHost
		}
	case ExitExcpBase + PFVector:
		// Faults on the shadow page tables are the host's.
		if !v.npt() && v.apfReason == 0 {
			return nestedExitHost
		}
	case ExitExcpBase + NMVector:
		v.activateFPU()
	}
	return nestedExitContinue
}

// nestedIntercept reports whether L1 asked to intercept the current exit.
func (v *VCPU) nestedIntercept() nestedExit {
	code := v.vmcb.Control.ExitCode
	ni := v.nested.intercepts

	switch {
	case code == ExitMSR:
		return v.nestedExitHandledMSR()
	case code == ExitIOIO:
		return v.nestedInterceptIOIO()
	case code >= ExitReadCR0 && code < ExitReadDR0:
		if ni.CR&(1<<(code-ExitReadCR0)) != 0 {
			return nestedExitDone
		}
	case code >= ExitReadDR0 && code < ExitExcpBase:
		if ni.DR&(1<<(code-ExitReadDR0)) != 0 {
			return nestedExitDone
		}
	case code >= ExitExcpBase && code <= ExitLastExcp:
		if ni.Exceptions&(1<<(code-ExitExcpBase)) != 0 {
			return nestedExitDone
		}
		// Async page faults always go to L1.
		if code == ExitExcpBase+PFVector && v.apfReason != 0 {
			return nestedExitDone
		}
	case code == ExitErr:
		return nestedExitDone
	case code >= ExitIntr && code < ExitIntr+64:
		if ni.Generic&(1<<(code-ExitIntr)) != 0 {
			return nestedExitDone
		}
	}
	return nestedExitHost
}

// nestedExitHandled reflects the current exit to L1 if L1 intercepts it.
func (v *VCPU) nestedExitHandled() nestedExit {
	vmexit := v.nestedIntercept()
	v.trace(debug.EventNestedIntercept, uint64(v.vmcb.Control.ExitCode), uint64(vmexit), 0, 0)
	if vmexit == nestedExitDone {
		v.nestedVMExit()
	}
	return vmexit
}

// copyControlArea copies the control fields that travel between L1's VMCB,
// hsave and the live VMCB.
func copyControlArea(dst, from *Control) {
	dst.InterceptCR = from.InterceptCR
	dst.InterceptDR = from.InterceptDR
	dst.InterceptExceptions = from.InterceptExceptions
	dst.Intercept = from.Intercept
	dst.IOPMBasePA = from.IOPMBasePA
	dst.MSRPMBasePA = from.MSRPMBasePA
	dst.TSCOffset = from.TSCOffset
	dst.ASID = from.ASID
	dst.TLBCtl = from.TLBCtl
	dst.IntCtl = from.IntCtl
	dst.IntVector = from.IntVector
	dst.IntState = from.IntState
	dst.ExitCode = from.ExitCode
	dst.ExitCodeHi = from.ExitCodeHi
	dst.ExitInfo1 = from.ExitInfo1
	dst.ExitInfo2 = from.ExitInfo2
	dst.ExitIntInfo = from.ExitIntInfo
	dst.ExitIntInfoErr = from.ExitIntInfoErr
	dst.NestedCtl = from.NestedCtl
	dst.EventInj = from.EventInj
	dst.EventInjErr = from.EventInjErr
	dst.NestedCR3 = from.NestedCR3
	dst.VirtExt = from.VirtExt
}

// nestedVMExit emulates #VMEXIT from L2 to L1: the exit is written into L1's
// VMCB and L1's state is restored from hsave.
func (v *VCPU) nestedVMExit() {
	vmcb := v.vmcb
	hsave := v.nested.hsave
	c := &vmcb.Control
	s := &vmcb.Save

	v.trace(debug.EventNestedVMExit, uint64(c.ExitCode), c.ExitInfo1, c.ExitInfo2, uint64(c.ExitIntInfo))

	gpa := v.nested.vmcb
	nested, err := v.mapNestedVMCB(gpa)
	if err != nil {
		v.log.Error("nested: vmexit cannot map vmcb", "vmcb", fmt.Sprintf("%#x", gpa), "err", err)
		v.injectGP(0)
		return
	}

	v.leaveGuestMode()
	v.nested.vmcb = 0
	v.disableGIF()

	ns := &nested.Save
	ns.ES = s.ES
	ns.CS = s.CS
	ns.SS = s.SS
	ns.DS = s.DS
	ns.GDTR = s.GDTR
	ns.IDTR = s.IDTR
	ns.EFER = v.efer
	ns.CR0 = v.cr0
	ns.CR3 = v.cr3
	ns.CR2 = s.CR2
	ns.CR4 = v.cr4
	ns.RFlags = v.RFlags()
	ns.RIP = v.regs[RIP]
	ns.RSP = v.regs[RSP]
	ns.RAX = v.regs[RAX]
	ns.DR7 = s.DR7
	ns.DR6 = s.DR6
	ns.CPL = s.CPL

	nc := &nested.Control
	nc.IntCtl = c.IntCtl
	nc.IntVector = c.IntVector
	nc.IntState = c.IntState
	nc.ExitCode = c.ExitCode
	nc.ExitCodeHi = c.ExitCodeHi
	nc.ExitInfo1 = c.ExitInfo1
	nc.ExitInfo2 = c.ExitInfo2
	nc.ExitIntInfo = c.ExitIntInfo
	nc.ExitIntInfoErr = c.ExitIntInfoErr
	if v.vm.engine.caps.NRIPS {
		nc.NextRIP = c.NextRIP
	}

	// An event we were injecting into L2 is reported back to L1 as the
	// interrupted delivery. It replaces any fault information.
	if c.EventInj&EvtInjValid != 0 {
		nc.ExitIntInfo = c.EventInj
		nc.ExitIntInfoErr = c.EventInjErr
	}

	nc.TLBCtl = 0
	nc.EventInj = 0
	nc.EventInjErr = 0

	if v.hflags&hfVINTR == 0 {
		nc.IntCtl &^= VIntrMaskingMask
	}

	copyControlArea(c, &hsave.Control)

	v.clearExceptionQueue()
	v.clearInterruptQueue()
	v.nested.nestedCR3 = 0

	hs := &hsave.Save
	s.ES = hs.ES
	s.CS = hs.CS
	s.SS = hs.SS
	s.DS = hs.DS
	s.GDTR = hs.GDTR
	s.IDTR = hs.IDTR
	v.SetRFlags(hs.RFlags)
	v.setEFER(hs.EFER)
	v.setCR0Raw(hs.CR0 | CR0PE)
	if err := v.setCR4Raw(hs.CR4); err != nil {
		v.log.Error("nested: restore cr4", "err", err)
	}
	if v.npt() {
		s.CR3 = hs.CR3
		v.cr3 = hs.CR3
	} else {
		_ = v.SetCR3(hs.CR3)
	}
	v.regs[RAX] = hs.RAX
	v.regs[RSP] = hs.RSP
	v.regs[RIP] = hs.RIP
	s.RAX = hs.RAX
	s.RSP = hs.RSP
	s.RIP = hs.RIP
	s.DR7 = 0
	s.CPL = 0
	c.ExitIntInfo = 0

	c.MarkAllDirty()

	if err := v.unmapNestedVMCB(gpa, nested); err != nil {
		v.log.Error("nested: vmexit cannot write vmcb", "vmcb", fmt.Sprintf("%#x", gpa), "err", err)
	}

	mmu := v.vm.cfg.MMU
	mmu.UninitNested(v)
	mmu.Reset(v)
}

// nestedVMRunMSRPM builds the MSR permission map for L2: an MSR is passed
// through only if both the host and L1 pass it through.
func (v *VCPU) nestedVMRunMSRPM() bool {
	if !v.nested.intercepts.Has(InterceptMSRProt) {
		return true
	}

	var buf [4]byte
	for _, p := range v.vm.engine.msrpmOffsets {
		if err := v.readGuest(v.nested.vmcbMSRPM+uint64(p)*4, buf[:]); err != nil {
			return false
		}
		v.nested.msrpm.SetWord(p, v.msrpm.Word(p)|binary.LittleEndian.Uint32(buf[:]))
	}
	v.vmcb.Control.MSRPMBasePA = v.nested.msrpmPage.Base
	return true
}

var (
	errNoVMRUNIntercept = errors.New("VMRUN not intercepted")
	errZeroASID         = errors.New("ASID 0")
	errNestedPaging     = errors.New("nested paging unavailable")
)

// checkNestedVMCB applies the consistency checks VMRUN performs on L1's
// VMCB.
func checkNestedVMCB(c *Control, npt bool) error {
	if c.Intercept&InterceptVMRUN.Bit() == 0 {
		return errNoVMRUNIntercept
	}
	if c.ASID == 0 {
		return errZeroASID
	}
	if c.NestedCtl != 0 && !npt {
		return errNestedPaging
	}
	return nil
}

func pageBase(pa uint64) uint64 {
	return uint64(hostarch.Addr(pa).RoundDown())
}

// nestedVMRun emulates VMRUN executed by L1: L1's state is saved in hsave
// and the L2 state of the VMCB at RAX is loaded. It reports whether L2 was
// entered.
func (v *VCPU) nestedVMRun() bool {
	gpa := v.regs[RAX]
	nested, err := v.mapNestedVMCB(gpa)
	if err != nil {
		v.log.Debug("nested: vmrun cannot map vmcb", "vmcb", fmt.Sprintf("%#x", gpa), "err", err)
		v.injectGP(0)
		return false
	}

	nc := &nested.Control
	ns := &nested.Save
	v.trace(debug.EventNestedVMRun, gpa, ns.RIP, uint64(nc.IntCtl), uint64(nc.EventInj))

	if err := checkNestedVMCB(nc, v.npt()); err != nil {
		v.log.Debug("nested: vmrun rejected", "vmcb", fmt.Sprintf("%#x", gpa), "reason", err)
		nc.ExitCode = ExitErr
		nc.ExitCodeHi = 0
		nc.ExitInfo1 = 0
		nc.ExitInfo2 = 0
		if err := v.unmapNestedVMCB(gpa, nested); err != nil {
			v.log.Error("nested: write vmcb", "vmcb", fmt.Sprintf("%#x", gpa), "err", err)
		}
		return false
	}

	v.clearExceptionQueue()
	v.clearInterruptQueue()

	vmcb := v.vmcb
	hsave := v.nested.hsave
	s := &vmcb.Save
	c := &vmcb.Control

	hs := &hsave.Save
	hs.ES = s.ES
	hs.CS = s.CS
	hs.SS = s.SS
	hs.DS = s.DS
	hs.GDTR = s.GDTR
	hs.IDTR = s.IDTR
	hs.EFER = v.efer
	hs.CR0 = v.cr0
	hs.CR4 = v.cr4
	hs.RFlags = v.RFlags()
	hs.RIP = v.RIP()
	hs.RSP = s.RSP
	hs.RAX = s.RAX
	if v.npt() {
		hs.CR3 = s.CR3
	} else {
		hs.CR3 = v.cr3
	}
	copyControlArea(&hsave.Control, c)

	if v.RFlags()&RFlagsIF != 0 {
		v.hflags |= hfHIF
	} else {
		v.hflags &^= hfHIF
	}

	mmu := v.vm.cfg.MMU
	if nc.NestedCtl != 0 {
		mmu.Reset(v)
		v.nested.nestedCR3 = nc.NestedCR3
		mmu.InitNested(v, nc.NestedCR3)
	}

	s.ES = ns.ES
	s.CS = ns.CS
	s.SS = ns.SS
	s.DS = ns.DS
	s.GDTR = ns.GDTR
	s.IDTR = ns.IDTR
	v.SetRFlags(ns.RFlags)
	v.setEFER(ns.EFER)
	v.setCR0Raw(ns.CR0)
	if err := v.setCR4Raw(ns.CR4); err != nil {
		v.log.Debug("nested: l2 cr4", "err", err)
	}
	if v.npt() {
		s.CR3 = ns.CR3
		v.cr3 = ns.CR3
	} else {
		_ = v.SetCR3(ns.CR3)
	}
	mmu.Reset(v)

	s.CR2 = ns.CR2
	v.cr2 = ns.CR2
	v.regs[RAX] = ns.RAX
	v.regs[RSP] = ns.RSP
	v.regs[RIP] = ns.RIP
	s.RAX = ns.RAX
	s.RSP = ns.RSP
	s.RIP = ns.RIP
	s.DR7 = ns.DR7
	s.DR6 = ns.DR6
	s.CPL = ns.CPL

	v.nested.vmcbMSRPM = pageBase(nc.MSRPMBasePA)
	v.nested.vmcbIOPM = pageBase(nc.IOPMBasePA)
	v.nested.intercepts = nc.Intercepts()

	v.flushTLB()

	c.IntCtl = nc.IntCtl | VIntrMaskingMask
	if nc.IntCtl&VIntrMaskingMask != 0 {
		v.hflags |= hfVINTR
	} else {
		v.hflags &^= hfVINTR
	}

	c.VirtExt = nc.VirtExt
	c.IntVector = nc.IntVector
	c.IntState = nc.IntState
	c.TSCOffset += nc.TSCOffset
	c.EventInj = nc.EventInj
	c.EventInjErr = nc.EventInjErr

	if err := v.unmapNestedVMCB(gpa, nested); err != nil {
		v.log.Error("nested: write vmcb", "vmcb", fmt.Sprintf("%#x", gpa), "err", err)
	}

	v.enterGuestMode()
	// Live intercepts become the union of the host's and L1's.
	v.recalcIntercepts()

	v.nested.vmcb = gpa
	v.enableGIF()
	c.MarkAllDirty()
	return true
}

// loadSaveState copies the state VMLOAD and VMSAVE transfer.
func loadSaveState(to, from *Save) {
	to.FS = from.FS
	to.GS = from.GS
	to.TR = from.TR
	to.LDTR = from.LDTR
	to.KernelGSBase = from.KernelGSBase
	to.STAR = from.STAR
	to.LSTAR = from.LSTAR
	to.CSTAR = from.CSTAR
	to.SFMask = from.SFMask
	to.SysenterCS = from.SysenterCS
	to.SysenterESP = from.SysenterESP
	to.SysenterEIP = from.SysenterEIP
}

func vmloadInterception(v *VCPU, _ ExitInfo) error {
	if !v.nestedCheckPermissions() {
		return nil
	}
	nested, err := v.mapNestedVMCB(v.regs[RAX])
	if err != nil {
		v.injectGP(0)
		return nil
	}

	v.nextRIP = v.RIP() + 3
	v.skipInstruction()

	loadSaveState(&v.vmcb.Save, &nested.Save)
	return nil
}

func vmsaveInterception(v *VCPU, _ ExitInfo) error {
	if !v.nestedCheckPermissions() {
		return nil
	}
	gpa := v.regs[RAX]
	nested, err := v.mapNestedVMCB(gpa)
	if err != nil {
		v.injectGP(0)
		return nil
	}

	v.nextRIP = v.RIP() + 3
	v.skipInstruction()

	loadSaveState(&nested.Save, &v.vmcb.Save)
	if err := v.unmapNestedVMCB(gpa, nested); err != nil {
		v.log.Error("nested: vmsave", "vmcb", fmt.Sprintf("%#x", gpa), "err", err)
	}
	return nil
}

func vmrunInterception(v *VCPU, _ ExitInfo) error {
	if !v.nestedCheckPermissions() {
		return nil
	}

	// hsave records the instruction after VMRUN as L1's RIP.
	v.SetRIP(v.RIP() + 3)

	if !v.nestedVMRun() {
		return nil
	}
	if !v.nestedVMRunMSRPM() {
		c := &v.vmcb.Control
		c.ExitCode = ExitErr
		c.ExitCodeHi = 0
		c.ExitInfo1 = 0
		c.ExitInfo2 = 0
		v.nestedVMExit()
	}
	return nil
}

func stgiInterception(v *VCPU, _ ExitInfo) error {
	if !v.nestedCheckPermissions() {
		return nil
	}
	v.nextRIP = v.RIP() + 3
	v.skipInstruction()
	v.request(reqEvent)
	v.enableGIF()
	return nil
}

func clgiInterception(v *VCPU, _ ExitInfo) error {
	if !v.nestedCheckPermissions() {
		return nil
	}
	v.nextRIP = v.RIP() + 3
	v.skipInstruction()
	v.disableGIF()

	// With GIF clear no interrupt window can open.
	if !v.apicvActive {
		v.clrIntercept(InterceptVINTR)
		v.vmcb.Control.IntCtl &^= VIRQMask
		v.vmcb.Control.MarkDirty(CleanIntr)
	}
	return nil
}

func invlpgaInterception(v *VCPU, _ ExitInfo) error {
	if !v.nestedCheckPermissions() {
		return nil
	}
	v.vm.cfg.MMU.InvalidatePage(v, v.regs[RAX])
	v.nextRIP = v.RIP() + 3
	v.skipInstruction()
	return nil
}

func skinitInterception(v *VCPU, _ ExitInfo) error {
	v.injectUD()
	return nil
}

// NestedVMCB returns the guest-physical address of L1's VMCB while an L2
// guest runs.
func (v *VCPU) NestedVMCB() (uint64, bool) {
	return v.nested.vmcb, v.GuestMode()
}

// HostSave returns L1's saved VMCB. It is only meaningful in guest mode.
func (v *VCPU) HostSave() *VMCB { return v.nested.hsave }
