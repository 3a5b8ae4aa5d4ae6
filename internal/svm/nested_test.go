package svm

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/tinyrange/svmcore/internal/config"
)

const (
	l1VMCB = 0x10000
	l1IOPM = 0x20000
	l1RIP  = 0x1000
	l2RIP  = 0x4000
)

// l1 returns a vCPU running an L1 hypervisor at CPL 0 with SVME set.
func l1(t *testing.T, env *testEnv) *VCPU {
	t.Helper()

	v := env.vcpu(t, 0)
	v.setEFER(EFERSVME)
	v.setCR0Raw(CR0PE | CR0PG)
	v.SetRIP(l1RIP)
	v.SetRegister(RAX, l1VMCB)
	return v
}

func l2VMCB() *VMCB {
	vmcb := &VMCB{}
	vmcb.Control.Intercept = InterceptVMRUN.Bit() | InterceptIOIOProt.Bit()
	vmcb.Control.ASID = 1
	vmcb.Control.IOPMBasePA = l1IOPM
	vmcb.Save.CR0 = CR0PE | CR0PG
	vmcb.Save.RIP = l2RIP
	return vmcb
}

func TestNestedVMRUNRejectsInvalidVMCB(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(*VMCB)
	}{
		{"no vmrun intercept", func(vmcb *VMCB) { vmcb.Control.Intercept &^= InterceptVMRUN.Bit() }},
		{"asid zero", func(vmcb *VMCB) { vmcb.Control.ASID = 0 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, config.Default())
			v := l1(t, env)

			nested := l2VMCB()
			tc.modify(nested)
			writeVMCB(t, env.mem, l1VMCB, nested)

			if err := vmrunInterception(v, RawExit{}); err != nil {
				t.Fatalf("vmrunInterception: %v", err)
			}
			if v.GuestMode() {
				t.Fatal("entered guest mode with an invalid vmcb")
			}
			if got := readVMCB(t, env.mem, l1VMCB).Control.ExitCode; got != ExitErr {
				t.Fatalf("nested exit code = %v, want %v", got, ExitErr)
			}
			if v.RIP() != l1RIP+3 {
				t.Fatalf("RIP = %#x, want %#x", v.RIP(), l1RIP+3)
			}
		})
	}
}

func TestCheckNestedVMCB(t *testing.T) {
	c := l2VMCB().Control
	if err := checkNestedVMCB(&c, true); err != nil {
		t.Fatalf("valid vmcb rejected: %v", err)
	}
	c.NestedCtl = NestedCtlNPEnable
	if err := checkNestedVMCB(&c, false); !errors.Is(err, errNestedPaging) {
		t.Fatalf("nested paging without npt: got %v", err)
	}
	if err := checkNestedVMCB(&c, true); err != nil {
		t.Fatalf("nested paging with npt: %v", err)
	}
}

func TestNestedVMRUNPermissions(t *testing.T) {
	env := newTestEnv(t, config.Default())
	v := env.vcpu(t, 0)

	if err := vmrunInterception(v, RawExit{}); err != nil {
		t.Fatalf("vmrunInterception: %v", err)
	}
	if !v.exception.pending || v.exception.nr != UDVector {
		t.Fatalf("VMRUN without SVME: exception = %+v, want #UD", v.exception)
	}
}

func enterL2(t *testing.T, env *testEnv) *VCPU {
	t.Helper()

	v := l1(t, env)
	writeVMCB(t, env.mem, l1VMCB, l2VMCB())
	if err := vmrunInterception(v, RawExit{}); err != nil {
		t.Fatalf("vmrunInterception: %v", err)
	}
	if !v.GuestMode() {
		t.Fatalf("VMRUN did not enter guest mode: %v", readVMCB(t, env.mem, l1VMCB).Control.ExitCode)
	}
	return v
}

func TestNestedVMRUN(t *testing.T) {
	env := newTestEnv(t, config.Default())
	v := enterL2(t, env)

	if v.RIP() != l2RIP {
		t.Fatalf("RIP = %#x, want %#x", v.RIP(), l2RIP)
	}
	if gpa, ok := v.NestedVMCB(); !ok || gpa != l1VMCB {
		t.Fatalf("NestedVMCB = %#x, %v", gpa, ok)
	}
	if v.HostSave().Save.RIP != l1RIP+3 {
		t.Fatalf("hsave RIP = %#x, want %#x", v.HostSave().Save.RIP, l1RIP+3)
	}

	live := v.Intercepts()
	for _, i := range []Intercept{InterceptHLT, InterceptCPUID, InterceptIOIOProt, InterceptVMRUN, InterceptVMMCALL} {
		if !live.Has(i) {
			t.Errorf("live intercepts miss %d: %v", i, live)
		}
	}
	want := v.HostSave().Control.Intercepts().Union(v.nested.intercepts)
	if diff := cmp.Diff(want, v.vmcb.Control.Intercepts()); diff != "" {
		t.Errorf("live intercepts are not the union of hsave and L1 (-want +got):\n%s", diff)
	}
}

func TestNestedHostInterceptsSurvive(t *testing.T) {
	env := newTestEnv(t, config.Default())
	v := enterL2(t, env)

	// Changes made while L2 runs go to hsave and stay in the union.
	v.setIntercept(InterceptRDPMC)
	if !v.Intercepts().Has(InterceptRDPMC) {
		t.Fatal("host intercept set in guest mode is not live")
	}
	v.clrIntercept(InterceptIOIOProt)
	if !v.Intercepts().Has(InterceptIOIOProt) {
		t.Fatal("L1's IOIO intercept was dropped from the union")
	}
}

func ioExitInfo(port uint16, in bool) uint64 {
	info := uint64(port)<<16 | 1<<IOIOSizeShift
	if in {
		info |= IOIOTypeMask
	}
	return info
}

func TestNestedIOIOReflectedToL1(t *testing.T) {
	env := newTestEnv(t, config.Default())

	// Port 0x80 is intercepted by L1.
	if _, err := env.mem.WriteAt([]byte{0x01}, l1IOPM+0x80/8); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	v := enterL2(t, env)

	c := &v.vmcb.Control
	c.ExitCode = ExitIOIO
	c.ExitInfo1 = ioExitInfo(0x80, true)
	c.ExitInfo2 = l2RIP + 2
	if err := v.handleExit(); err != nil {
		t.Fatalf("handleExit: %v", err)
	}

	if v.GuestMode() {
		t.Fatal("still in guest mode after an intercepted port access")
	}
	if v.RIP() != l1RIP+3 {
		t.Fatalf("RIP = %#x, want L1 RIP %#x", v.RIP(), l1RIP+3)
	}
	nested := readVMCB(t, env.mem, l1VMCB)
	if nested.Control.ExitCode != ExitIOIO || nested.Control.ExitInfo1 != ioExitInfo(0x80, true) {
		t.Fatalf("nested exit = %v %#x", nested.Control.ExitCode, nested.Control.ExitInfo1)
	}
	if nested.Save.RIP != l2RIP {
		t.Fatalf("nested save RIP = %#x, want %#x", nested.Save.RIP, l2RIP)
	}
	if !v.Intercepts().Has(InterceptVMMCALL) {
		t.Fatal("host intercepts not restored on #VMEXIT")
	}
}

func TestNestedIOIOHandledByHost(t *testing.T) {
	env := newTestEnv(t, config.Default())
	if _, err := env.mem.WriteAt([]byte{0x01}, l1IOPM+0x80/8); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	v := enterL2(t, env)

	c := &v.vmcb.Control
	c.ExitCode = ExitIOIO
	c.ExitInfo1 = ioExitInfo(0x81, false)
	c.ExitInfo2 = l2RIP + 2
	if err := v.handleExit(); err != nil {
		t.Fatalf("handleExit: %v", err)
	}
	if !v.GuestMode() {
		t.Fatal("port L1 does not intercept was reflected")
	}
	if v.RIP() != l2RIP+2 {
		t.Fatalf("RIP = %#x, want %#x", v.RIP(), l2RIP+2)
	}
	if got := readVMCB(t, env.mem, l1VMCB).Control.ExitCode; got == ExitIOIO {
		t.Fatal("exit written to L1's vmcb")
	}
}

func TestIOPermission(t *testing.T) {
	for _, tc := range []struct {
		port   uint16
		size   uint
		offset uint64
		length int
		mask   uint16
	}{
		{0x80, 1, 0x10, 1, 0x1},
		{0x81, 2, 0x10, 1, 0x6},
		{7, 2, 0, 2, 0x180},
		{0x3fe, 4, 0x7f, 2, 0x3c0},
	} {
		offset, length, mask := ioPermission(tc.port, tc.size)
		if offset != tc.offset || length != tc.length || mask != tc.mask {
			t.Errorf("ioPermission(%#x, %d) = %#x, %d, %#x; want %#x, %d, %#x",
				tc.port, tc.size, offset, length, mask, tc.offset, tc.length, tc.mask)
		}
	}
}

func TestNestedVMExitReportsInjectedEvent(t *testing.T) {
	const (
		injected = EvtInjValid | EvtInjTypeIntr | 0x30
		fault    = EvtInjValid | EvtInjTypeExcept | PFVector
	)
	for _, tc := range []struct {
		name     string
		eventInj uint32
		want     uint32
	}{
		{"pending injection wins", injected, injected},
		{"fault kept without injection", 0, fault},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, config.Default())
			v := enterL2(t, env)

			c := &v.vmcb.Control
			c.ExitCode = ExitNPF
			c.EventInj = tc.eventInj
			c.ExitIntInfo = fault
			v.nestedVMExit()

			nc := readVMCB(t, env.mem, l1VMCB).Control
			if nc.ExitIntInfo != tc.want {
				t.Fatalf("ExitIntInfo = %#x, want %#x", nc.ExitIntInfo, tc.want)
			}
			if nc.EventInj != 0 {
				t.Fatalf("EventInj = %#x, want 0", nc.EventInj)
			}
			if v.vmcb.Control.ExitIntInfo != 0 {
				t.Fatalf("live ExitIntInfo = %#x after #VMEXIT", v.vmcb.Control.ExitIntInfo)
			}
		})
	}
}

func TestNestedExceptionIntercept(t *testing.T) {
	env := newTestEnv(t, config.Default())

	nested := l2VMCB()
	nested.Control.InterceptExceptions = 1 << GPVector
	v := l1(t, env)
	writeVMCB(t, env.mem, l1VMCB, nested)
	if err := vmrunInterception(v, RawExit{}); err != nil {
		t.Fatalf("vmrunInterception: %v", err)
	}

	v.QueueException(GPVector, true, 0)
	if err := v.Run(t.Context()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(env.proc.entries) != 0 {
		t.Fatal("entered L2 although L1 intercepts #GP")
	}
	if v.GuestMode() {
		t.Fatal("still in L2")
	}
	nc := readVMCB(t, env.mem, l1VMCB).Control
	if nc.ExitCode != ExitExcpBase+GPVector {
		t.Fatalf("nested exit code = %v", nc.ExitCode)
	}
}

const l1MSRPM = 0x30000

// enterL2With runs VMRUN on an L2 VMCB adjusted by modify.
func enterL2With(t *testing.T, env *testEnv, modify func(*VMCB)) *VCPU {
	t.Helper()

	v := l1(t, env)
	nested := l2VMCB()
	modify(nested)
	writeVMCB(t, env.mem, l1VMCB, nested)
	if err := vmrunInterception(v, RawExit{}); err != nil {
		t.Fatalf("vmrunInterception: %v", err)
	}
	if !v.GuestMode() {
		t.Fatalf("VMRUN did not enter guest mode: %v", readVMCB(t, env.mem, l1VMCB).Control.ExitCode)
	}
	return v
}

// setL1MSRIntercept sets the read or write bit of msr in L1's permission map.
func setL1MSRIntercept(t *testing.T, env *testEnv, msr uint32, write bool) {
	t.Helper()

	read, wbit := msrBits(msr)
	bit := read
	if write {
		bit = wbit
	}
	addr := int64(l1MSRPM) + int64(MSRPMOffset(msr))*4 + int64(bit/8)
	var b [1]byte
	if _, err := env.mem.ReadAt(b[:], addr); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	b[0] |= 1 << (bit % 8)
	if _, err := env.mem.WriteAt(b[:], addr); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
}

func TestNestedMSRPermission(t *testing.T) {
	const star = 0xc0000081

	for _, tc := range []struct {
		name  string
		prot  bool
		msr   uint32
		write bool
		want  nestedExit
	}{
		{"read intercepted", true, 0x10, false, nestedExitDone},
		{"write not intercepted", true, 0x10, true, nestedExitHost},
		{"write intercepted", true, star, true, nestedExitDone},
		{"read not intercepted", true, star, false, nestedExitHost},
		{"outside every range", true, 0x40000000, false, nestedExitDone},
		{"no msr intercept", false, 0x10, false, nestedExitHost},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, config.Default())
			setL1MSRIntercept(t, env, 0x10, false)
			setL1MSRIntercept(t, env, star, true)
			v := enterL2With(t, env, func(vmcb *VMCB) {
				vmcb.Control.MSRPMBasePA = l1MSRPM
				if tc.prot {
					vmcb.Control.Intercept |= InterceptMSRProt.Bit()
				}
			})

			v.SetRegister(RCX, uint64(tc.msr))
			v.vmcb.Control.ExitCode = ExitMSR
			v.vmcb.Control.ExitInfo1 = 0
			if tc.write {
				v.vmcb.Control.ExitInfo1 = 1
			}
			if got := v.nestedExitHandledMSR(); got != tc.want {
				t.Fatalf("nestedExitHandledMSR = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestNestedMSRReflectedToL1(t *testing.T) {
	env := newTestEnv(t, config.Default())
	setL1MSRIntercept(t, env, 0x10, false)
	v := enterL2With(t, env, func(vmcb *VMCB) {
		vmcb.Control.MSRPMBasePA = l1MSRPM
		vmcb.Control.Intercept |= InterceptMSRProt.Bit()
	})
	if v.vmcb.Control.MSRPMBasePA != v.nested.msrpmPage.Base {
		t.Fatal("L2 does not run with the merged permission map")
	}

	v.SetRegister(RCX, 0x10)
	c := &v.vmcb.Control
	c.ExitCode = ExitMSR
	c.ExitInfo1 = 0
	if err := v.handleExit(); err != nil {
		t.Fatalf("handleExit: %v", err)
	}
	if v.GuestMode() {
		t.Fatal("still in L2 after an intercepted RDMSR")
	}
	if v.gifSet() {
		t.Fatal("GIF set after #VMEXIT")
	}
	if v.vmcb.Control.MSRPMBasePA != v.msrpmPage.Base {
		t.Fatal("host permission map not restored")
	}
	if got := readVMCB(t, env.mem, l1VMCB).Control.ExitCode; got != ExitMSR {
		t.Fatalf("nested exit code = %v, want %v", got, ExitMSR)
	}
}

func TestNestedExitSpecial(t *testing.T) {
	for _, tc := range []struct {
		name string
		npt  bool
		code ExitCode
		apf  uint32
		want nestedExit
	}{
		{"intr", true, ExitIntr, 0, nestedExitHost},
		{"nmi", true, ExitNMI, 0, nestedExitHost},
		{"machine check", true, ExitExcpBase + MCVector, 0, nestedExitHost},
		{"npf with npt", true, ExitNPF, 0, nestedExitHost},
		{"npf without npt", false, ExitNPF, 0, nestedExitContinue},
		{"pf with npt", true, ExitExcpBase + PFVector, 0, nestedExitContinue},
		{"pf on shadow tables", false, ExitExcpBase + PFVector, 0, nestedExitHost},
		{"async pf", false, ExitExcpBase + PFVector, 1, nestedExitContinue},
		{"cpuid", true, ExitCPUID, 0, nestedExitContinue},
	} {
		t.Run(tc.name, func(t *testing.T) {
			caps := config.Default()
			caps.NPT = tc.npt
			env := newTestEnv(t, caps)
			v := enterL2(t, env)

			v.vmcb.Control.ExitCode = tc.code
			v.apfReason = tc.apf
			if got := v.nestedExitSpecial(); got != tc.want {
				t.Fatalf("nestedExitSpecial(%v) = %d, want %d", tc.code, got, tc.want)
			}
		})
	}
}

func TestNestedExitSpecialActivatesFPU(t *testing.T) {
	env := newTestEnv(t, config.Default())
	v := enterL2(t, env)
	v.DeactivateFPU()

	v.vmcb.Control.ExitCode = ExitExcpBase + NMVector
	if got := v.nestedExitSpecial(); got != nestedExitContinue {
		t.Fatalf("nestedExitSpecial(#NM) = %d, want %d", got, nestedExitContinue)
	}
	if !v.fpuActive {
		t.Fatal("#NM in L2 did not activate the FPU")
	}
}

func TestVMSaveVMLoad(t *testing.T) {
	const other = 0x30000

	env := newTestEnv(t, config.Default())
	v := l1(t, env)

	s := &v.vmcb.Save
	s.FS.Base = 0x1111
	s.GS.Selector = 0x18
	s.TR.Limit = 0x67
	s.KernelGSBase = 0x2222
	s.LSTAR = 0x3333
	s.SysenterEIP = 0x4444
	if err := vmsaveInterception(v, RawExit{}); err != nil {
		t.Fatalf("vmsaveInterception: %v", err)
	}
	if v.RIP() != l1RIP+3 {
		t.Fatalf("RIP = %#x after VMSAVE, want %#x", v.RIP(), l1RIP+3)
	}
	saved := readVMCB(t, env.mem, l1VMCB).Save
	want := Save{}
	loadSaveState(&want, s)
	got := Save{}
	loadSaveState(&got, &saved)
	if diff := cmp.Diff(want, got, cmpopts.IgnoreUnexported(Save{})); diff != "" {
		t.Fatalf("VMSAVE state mismatch (-want +got):\n%s", diff)
	}
	if saved.RIP != 0 || saved.CS.Selector != 0 {
		t.Fatalf("VMSAVE wrote more than its state: rip %#x cs %#x", saved.RIP, saved.CS.Selector)
	}

	src := &VMCB{}
	src.Save.FS.Base = 0x5555
	src.Save.STAR = 0x6666
	src.Save.SysenterCS = 0x10
	src.Save.CS.Selector = 0x1234
	writeVMCB(t, env.mem, other, src)
	v.SetRegister(RAX, other)
	if err := vmloadInterception(v, RawExit{}); err != nil {
		t.Fatalf("vmloadInterception: %v", err)
	}
	if s.FS.Base != 0x5555 || s.STAR != 0x6666 || s.SysenterCS != 0x10 || s.LSTAR != 0 {
		t.Fatalf("VMLOAD state: fs %#x star %#x sysenter_cs %#x lstar %#x", s.FS.Base, s.STAR, s.SysenterCS, s.LSTAR)
	}
	if s.CS.Selector == 0x1234 {
		t.Fatal("VMLOAD loaded CS")
	}

	v.SetRegister(RAX, 1<<40)
	rip := v.RIP()
	if err := vmloadInterception(v, RawExit{}); err != nil {
		t.Fatalf("vmloadInterception: %v", err)
	}
	if !v.exception.pending || v.exception.nr != GPVector || v.RIP() != rip {
		t.Fatalf("VMLOAD outside guest memory: exception %+v rip %#x", v.exception, v.RIP())
	}
}

func TestGIFGatesEvents(t *testing.T) {
	env := newTestEnv(t, config.Default())
	v := l1(t, env)
	v.SetRFlags(v.RFlags() | RFlagsIF)

	if err := clgiInterception(v, RawExit{}); err != nil {
		t.Fatalf("clgiInterception: %v", err)
	}
	if v.gifSet() || v.RIP() != l1RIP+3 {
		t.Fatalf("after CLGI: gif %t rip %#x", v.gifSet(), v.RIP())
	}
	if v.InterruptAllowed() || v.NMIAllowed() {
		t.Fatal("events allowed with GIF clear")
	}

	v.QueueNMI()
	v.DeliverInterrupt(0x40)
	env.proc.script(exitWith(ExitIntr, 0, 0), exitWith(ExitIntr, 0, 0))
	if err := v.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := env.proc.entries[0].EventInj; got != 0 {
		t.Fatalf("injected %#x with GIF clear", got)
	}
	if v.Intercepts().Has(InterceptVINTR) {
		t.Fatal("interrupt window opened with GIF clear")
	}

	if err := stgiInterception(v, RawExit{}); err != nil {
		t.Fatalf("stgiInterception: %v", err)
	}
	if !v.gifSet() {
		t.Fatal("GIF clear after STGI")
	}
	if err := v.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := env.proc.entries[1].EventInj; got != EvtInjValid|EvtInjTypeNMI {
		t.Fatalf("EventInj = %#x after STGI, want NMI", got)
	}
	if !v.Intercepts().Has(InterceptVINTR) {
		t.Fatal("no interrupt window behind the NMI")
	}
}
