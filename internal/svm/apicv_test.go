package svm

import (
	"context"
	"encoding/binary"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/svmcore/internal/avic"
	"github.com/tinyrange/svmcore/internal/hostmem"
)

func TestAVICPhysicalIDBound(t *testing.T) {
	env := newTestEnv(t, avicCaps())

	inUse := env.engine.mem.InUse()
	_, err := env.vm.CreateVCPU(avic.MaxPhysicalID)
	if !errors.Is(err, ErrInvalidArgument) || !errors.Is(err, avic.ErrPhysicalIDRange) {
		t.Fatalf("CreateVCPU(%d) = %v, want ErrPhysicalIDRange", avic.MaxPhysicalID, err)
	}
	if env.vm.VCPU(avic.MaxPhysicalID) != nil {
		t.Fatal("failed vcpu was registered")
	}
	if got := env.engine.mem.InUse(); got != inUse {
		t.Fatalf("host memory in use = %#x after failed create, want %#x", got, inUse)
	}

	v := env.vcpu(t, avic.MaxPhysicalID-1)
	entry, err := env.vm.PhysicalTable().Entry(avic.MaxPhysicalID - 1)
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	if !entry.Valid() || entry.BackingPage() != v.BackingPageAddr() {
		t.Fatalf("entry = %v, want valid with backing page %#x", entry, v.BackingPageAddr())
	}
	if !entry.Running() || entry.HostPhysicalID() != env.cpu.APICID {
		t.Fatalf("entry after load = %v, want running on host %d", entry, env.cpu.APICID)
	}

	v.Put()
	if env.vm.PhysicalTable().IsRunning(avic.MaxPhysicalID - 1) {
		t.Fatal("entry still running after Put")
	}
}

func TestAVICVMCBFields(t *testing.T) {
	env := newTestEnv(t, avicCaps())
	v := env.vcpu(t, 0)

	c := v.VMCB().Control
	if c.IntCtl&AVICEnableMask == 0 {
		t.Fatal("AVIC not enabled in int_ctl")
	}
	if c.AVICBackingPage != v.BackingPageAddr() {
		t.Fatalf("backing page = %#x, want %#x", c.AVICBackingPage, v.BackingPageAddr())
	}
	if c.AVICPhysicalID&0xff != avic.MaxPhysicalID {
		t.Fatalf("physical table max index = %d", c.AVICPhysicalID&0xff)
	}
	if c.AVICVAPICBar != DefaultAPICBase {
		t.Fatalf("vapic bar = %#x", c.AVICVAPICBar)
	}
	if v.isCRIntercept(InterceptCR8Write) {
		t.Fatal("CR8 writes intercepted with AVIC")
	}
}

// hostPage returns the bytes of the host page at pa.
func (env *testEnv) hostPage(t *testing.T, pa uint64) []byte {
	t.Helper()
	r, ok := env.engine.mem.Lookup(pa)
	if !ok {
		t.Fatalf("no host region at %#x", pa)
	}
	return r.Bytes()[pa-r.Base:]
}

func TestAVICTablesInHostPages(t *testing.T) {
	env := newTestEnv(t, avicCaps())
	v := env.vcpu(t, 2)

	c := v.VMCB().Control
	phys := env.hostPage(t, c.AVICPhysicalID&avic.HPAMask)
	entry := avic.PhysicalEntry(binary.LittleEndian.Uint64(phys[2*8:]))
	if !entry.Valid() || !entry.Running() || entry.BackingPage() != v.BackingPageAddr() || entry.HostPhysicalID() != env.cpu.APICID {
		t.Fatalf("physical table page entry = %v", entry)
	}

	v.Put()
	entry = avic.PhysicalEntry(binary.LittleEndian.Uint64(phys[2*8:]))
	if entry.Running() {
		t.Fatalf("page entry still running after Put: %v", entry)
	}

	v.APIC().WriteRegister(avic.RegLDR, 0x04000000)
	acc := UnacceleratedAccessExit{avic.UnacceleratedAccess{Offset: avic.RegLDR, Write: true, Trap: true}}
	if err := avicUnacceleratedAccessInterception(v, acc); err != nil {
		t.Fatalf("trap write: %v", err)
	}
	logical := env.hostPage(t, c.AVICLogicalID&avic.HPAMask)
	le := avic.LogicalEntry(binary.LittleEndian.Uint32(logical[2*4:]))
	if !le.Valid() || le.PhysicalID() != 2 {
		t.Fatalf("logical table page entry = %#x", uint32(le))
	}
}

func TestAVICDoorbell(t *testing.T) {
	env := newTestEnv(t, avicCaps())
	v := env.vcpu(t, 0)

	v.DeliverInterrupt(0x41)
	if got := env.proc.writesTo(MSRAVICDoorbell); !slices.Equal(got, []uint64{uint64(env.cpu.APICID)}) {
		t.Fatalf("doorbell writes = %v, want [%d]", got, env.cpu.APICID)
	}
	if len(env.waker.ids()) != 0 {
		t.Fatal("running vcpu was woken")
	}

	v.Blocking()
	v.DeliverInterrupt(0x42)
	if got := env.proc.writesTo(MSRAVICDoorbell); len(got) != 1 {
		t.Fatalf("doorbell rung for a blocked vcpu: %v", got)
	}
	if got := env.waker.ids(); !slices.Equal(got, []int{0}) {
		t.Fatalf("woken = %v, want [0]", got)
	}
	if v.APIC().HighestIRR() != 0x42 {
		t.Fatalf("highest IRR = %#x, want 0x42", v.APIC().HighestIRR())
	}

	v.Unblocking()
	if !env.vm.PhysicalTable().IsRunning(0) {
		t.Fatal("entry not running after Unblocking")
	}
}

func TestAVICIncompleteIPITargetNotRunning(t *testing.T) {
	env := newTestEnv(t, avicCaps())
	src := env.vcpu(t, 0)
	if _, err := env.vm.CreateVCPU(1); err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}
	if _, err := env.vm.CreateVCPU(2); err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}

	info := IncompleteIPIExit{avic.IncompleteIPI{
		ICRLow:  0x31,
		ICRHigh: 2 << 24,
		Cause:   avic.IPITargetNotRunning,
	}}
	if err := avicIncompleteIPIInterception(src, info); err != nil {
		t.Fatalf("incomplete ipi: %v", err)
	}
	if got := env.waker.ids(); !slices.Equal(got, []int{2}) {
		t.Fatalf("woken = %v, want [2]", got)
	}
}

func TestAVICIncompleteIPITargetNotRunningSkipsRunning(t *testing.T) {
	env := newTestEnv(t, avicCaps())
	src := env.vcpu(t, 0)
	running, err := env.vm.CreateVCPU(1)
	if err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}
	if _, err := env.vm.CreateVCPU(2); err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}
	cpu1, err := env.engine.NewPhysicalCPU(1, 6)
	if err != nil {
		t.Fatalf("NewPhysicalCPU: %v", err)
	}
	t.Cleanup(func() { _ = cpu1.Close() })
	if err := running.Load(cpu1); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !env.vm.PhysicalTable().IsRunning(1) {
		t.Fatal("vcpu 1 not marked running")
	}

	info := IncompleteIPIExit{avic.IncompleteIPI{
		ICRLow: avic.ICRShorthandMask | 0x31,
		Cause:  avic.IPITargetNotRunning,
	}}
	if err := avicIncompleteIPIInterception(src, info); err != nil {
		t.Fatalf("incomplete ipi: %v", err)
	}
	if diff := cmp.Diff([]int{2}, env.waker.ids()); diff != "" {
		t.Fatalf("woken mismatch (-want +got):\n%s", diff)
	}
}

func TestAVICIncompleteIPIInvalidTarget(t *testing.T) {
	env := newTestEnv(t, avicCaps())
	src := env.vcpu(t, 0)

	info := IncompleteIPIExit{avic.IncompleteIPI{
		ICRLow:  0x31,
		ICRHigh: 9 << 24,
		Cause:   avic.IPIInvalidTarget,
	}}
	if err := avicIncompleteIPIInterception(src, info); err != nil {
		t.Fatalf("incomplete ipi: %v", err)
	}
	if got := env.waker.ids(); len(got) != 0 {
		t.Fatalf("woken = %v, want none", got)
	}
	if src.APIC().HighestIRR() != -1 {
		t.Fatalf("source IRR = %d", src.APIC().HighestIRR())
	}
}

// switchTo puts the loaded vCPU and loads next on the same core.
func (env *testEnv) switchTo(t *testing.T, from, next *VCPU) {
	t.Helper()
	from.Put()
	if err := next.Load(env.cpu); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestAVICIncompleteIPIInvalidIntType(t *testing.T) {
	tests := []struct {
		name    string
		icrLow  uint32
		icrHigh uint32
		// nmi and irr describe vcpu 1 and 2 after the IPI.
		nmi   [2]bool
		irr   [2]int
		woken []int
	}{
		{
			name:    "nmi",
			icrLow:  avic.ICRNMI,
			icrHigh: 1 << 24,
			nmi:     [2]bool{true, false},
			irr:     [2]int{-1, -1},
			woken:   []int{1},
		},
		{
			name:   "nmi all but self",
			icrLow: avic.ICRShorthandMask | avic.ICRNMI,
			nmi:    [2]bool{true, true},
			irr:    [2]int{-1, -1},
			woken:  []int{1, 2},
		},
		{
			name:   "lowest priority",
			icrLow: avic.ICRShorthandMask | avic.ICRLowestPriority | 0x52,
			irr:    [2]int{0x52, -1},
			woken:  []int{1},
		},
		{
			name:    "smi dropped",
			icrLow:  avic.ICRSMI,
			icrHigh: 1 << 24,
			irr:     [2]int{-1, -1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, avicCaps())
			src := env.vcpu(t, 0)
			var dst [2]*VCPU
			for i := range dst {
				v, err := env.vm.CreateVCPU(i + 1)
				if err != nil {
					t.Fatalf("CreateVCPU: %v", err)
				}
				dst[i] = v
			}

			info := IncompleteIPIExit{avic.IncompleteIPI{
				ICRLow:  tt.icrLow,
				ICRHigh: tt.icrHigh,
				Cause:   avic.IPIInvalidIntType,
			}}
			if err := avicIncompleteIPIInterception(src, info); err != nil {
				t.Fatalf("incomplete ipi: %v", err)
			}
			if diff := cmp.Diff(tt.woken, env.waker.ids()); diff != "" {
				t.Fatalf("woken mismatch (-want +got):\n%s", diff)
			}
			if src.APIC().HighestIRR() != -1 {
				t.Fatalf("source IRR = %d", src.APIC().HighestIRR())
			}

			prev := src
			for i, v := range dst {
				if got := v.APIC().HighestIRR(); got != tt.irr[i] {
					t.Errorf("vcpu %d IRR = %#x, want %#x", v.ID(), got, tt.irr[i])
				}

				env.switchTo(t, prev, v)
				prev = v
				env.proc.script(exitWith(ExitIntr, 0, 0))
				if err := v.Run(context.Background()); err != nil {
					t.Fatalf("Run: %v", err)
				}
				entries := env.proc.entries
				gotNMI := entries[len(entries)-1].EventInj == EvtInjValid|EvtInjTypeNMI
				if gotNMI != tt.nmi[i] {
					t.Errorf("vcpu %d NMI injected = %t, want %t", v.ID(), gotNMI, tt.nmi[i])
				}
			}
		})
	}
}

func TestINITAndStartupIPI(t *testing.T) {
	env := newTestEnv(t, avicCaps())
	src := env.vcpu(t, 0)
	ap, err := env.vm.CreateVCPU(1)
	if err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}
	ap.SetRIP(0x1234)

	send := func(icrLow uint32) {
		t.Helper()
		info := IncompleteIPIExit{avic.IncompleteIPI{ICRLow: icrLow, ICRHigh: 1 << 24, Cause: avic.IPIInvalidIntType}}
		if err := avicIncompleteIPIInterception(src, info); err != nil {
			t.Fatalf("incomplete ipi: %v", err)
		}
	}

	// De-asserting INIT does nothing.
	send(avic.ICRInit)
	if ap.WaitingForSIPI() || len(env.waker.ids()) != 0 {
		t.Fatal("INIT de-assert reached the target")
	}

	send(avic.ICRInit | avic.ICRLevelAssert)
	env.switchTo(t, src, ap)
	runs := len(env.proc.entries)
	if err := ap.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(env.proc.entries) != runs {
		t.Fatal("vcpu waiting for SIPI entered the guest")
	}
	if !ap.WaitingForSIPI() || !ap.Halted() {
		t.Fatal("vcpu not waiting for SIPI after INIT")
	}
	if ap.RIP() != 0xfff0 {
		t.Fatalf("RIP = %#x after INIT, want reset vector", ap.RIP())
	}

	env.switchTo(t, ap, src)
	send(avic.ICRStartup | 0x98)
	env.switchTo(t, src, ap)
	env.proc.script(exitWith(ExitIntr, 0, 0))
	if err := ap.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ap.WaitingForSIPI() {
		t.Fatal("still waiting after SIPI")
	}
	if got := env.proc.entries[len(env.proc.entries)-1].RIP; got != 0 {
		t.Fatalf("entered at RIP %#x, want 0", got)
	}
	cs := ap.VMCB().Save.CS
	if cs.Selector != 0x9800 || cs.Base != 0x98000 {
		t.Fatalf("CS = %#x base %#x, want 0x9800 base 0x98000", cs.Selector, cs.Base)
	}
	if diff := cmp.Diff([]int{1, 1}, env.waker.ids()); diff != "" {
		t.Fatalf("woken mismatch (-want +got):\n%s", diff)
	}
}

func TestAVICLogicalTableFollowsLDR(t *testing.T) {
	env := newTestEnv(t, avicCaps())
	v := env.vcpu(t, 3)
	logical := env.vm.LogicalTable()

	trap := func(offset, value uint32) {
		t.Helper()
		v.APIC().WriteRegister(offset, value)
		acc := UnacceleratedAccessExit{avic.UnacceleratedAccess{Offset: offset, Write: true, Trap: true}}
		if err := avicUnacceleratedAccessInterception(v, acc); err != nil {
			t.Fatalf("trap write %#x: %v", offset, err)
		}
	}

	trap(avic.RegDFR, avic.DFRFlat)
	trap(avic.RegLDR, 0x02000000)
	if e := logical.Entry(1); !e.Valid() || e.PhysicalID() != 3 {
		t.Fatalf("slot 1 = %#x, want valid for apic 3", uint32(e))
	}

	trap(avic.RegLDR, 0x14000000)
	if logical.Entry(1).Valid() {
		t.Fatal("old slot still valid")
	}
	if e := logical.Entry(2); !e.Valid() || e.PhysicalID() != 3 {
		t.Fatalf("slot 2 = %#x, want valid for apic 3", uint32(e))
	}

	// Switching to cluster mode clears the table and re-adds the entry at
	// its cluster slot.
	trap(avic.RegDFR, 0x0fffffff)
	if logical.Entry(2).Valid() {
		t.Fatal("flat slot survived the mode change")
	}
	if e := logical.Entry(6); !e.Valid() || e.PhysicalID() != 3 {
		t.Fatalf("cluster slot 6 = %#x, want valid for apic 3", uint32(e))
	}
}

func TestAVICAPICIDMove(t *testing.T) {
	env := newTestEnv(t, avicCaps())
	v := env.vcpu(t, 1)
	phys := env.vm.PhysicalTable()

	v.APIC().WriteRegister(avic.RegID, 7<<24)
	if err := v.avicUnaccelTrapWrite(avic.RegID); err != nil {
		t.Fatalf("trap write: %v", err)
	}
	old, _ := phys.Entry(1)
	moved, _ := phys.Entry(7)
	if old.Valid() || !moved.Valid() || moved.BackingPage() != v.BackingPageAddr() {
		t.Fatalf("after id change: slot 1 = %v, slot 7 = %v", old, moved)
	}

	v.DeliverInterrupt(0x60)
	if got := env.proc.writesTo(MSRAVICDoorbell); len(got) != 1 {
		t.Fatalf("doorbell writes = %v after move", got)
	}
}

func TestDeactivateAPICv(t *testing.T) {
	env := newTestEnv(t, avicCaps())
	v := env.vcpu(t, 0)

	v.DeactivateAPICv()
	if v.APICvActive() || v.VMCB().Control.IntCtl&AVICEnableMask != 0 {
		t.Fatal("AVIC still active")
	}
	if !v.isCRIntercept(InterceptCR8Write) {
		t.Fatal("CR8 writes not intercepted without AVIC")
	}
	if env.vm.PhysicalTable().IsRunning(0) {
		t.Fatal("physical entry still running")
	}

	v.DeliverInterrupt(0x30)
	if len(env.proc.writesTo(MSRAVICDoorbell)) != 0 {
		t.Fatal("doorbell rung with AVIC inactive")
	}

	if err := v.ActivateAPICv(); err != nil {
		t.Fatalf("ActivateAPICv: %v", err)
	}
	if !v.APICvActive() || !env.vm.PhysicalTable().IsRunning(0) {
		t.Fatal("AVIC not restored")
	}
}

func TestActivateAPICvWithoutAVIC(t *testing.T) {
	env := newTestEnv(t, avicCaps())
	v, err := env.vm.CreateVCPU(0)
	if err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}
	v.DeactivateAPICv()
	env.engine.caps.AVIC = false
	if err := v.ActivateAPICv(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("ActivateAPICv = %v, want ErrInvalidArgument", err)
	}
}

func TestGALogNotifyWakes(t *testing.T) {
	env := newTestEnv(t, avicCaps())
	env.vcpu(t, 0)
	v1, err := env.vm.CreateVCPU(1)
	if err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}

	env.engine.GALogNotify(avic.GATag(env.vm.ID(), uint32(v1.ID())))
	env.engine.GALogNotify(avic.GATag(env.vm.ID()+1, 0))
	if got := env.waker.ids(); !slices.Equal(got, []int{1}) {
		t.Fatalf("woken = %v, want [1]", got)
	}
}

type gaUpdate struct {
	hostCPU int
	running bool
	hostIRQ uint32
}

type fakeIOMMU struct {
	mu      sync.Mutex
	irte    map[uint32]PIData
	updates []gaUpdate
}

func (f *fakeIOMMU) SetVCPUAffinity(hostIRQ uint32, pi *PIData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if prev, ok := f.irte[hostIRQ]; ok && prev.GuestMode {
		pi.PrevGATag = prev.GATag
	}
	f.irte[hostIRQ] = *pi
	return nil
}

func (f *fakeIOMMU) UpdateGA(hostCPU int, running bool, r avic.Remap) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, gaUpdate{hostCPU, running, r.HostIRQ})
	return nil
}

func TestUpdatePIIRTE(t *testing.T) {
	env := newTestEnv(t, avicCaps())
	iommu := &fakeIOMMU{irte: make(map[uint32]PIData)}
	vm, err := env.engine.NewVM(VMConfig{
		Memory:          hostmem.NewMemory(1 << 20),
		IOMMU:           iommu,
		AssignedDevices: true,
	})
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	t.Cleanup(vm.Destroy)

	v0, err := vm.CreateVCPU(0)
	if err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}
	v1, err := vm.CreateVCPU(1)
	if err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}

	const irq = 42
	route := func(vcpu int) []PIRoute {
		return []PIRoute{{MSI: true, Single: true, VCPU: vcpu, Vector: 0x70}}
	}

	if err := vm.UpdatePIIRTE(irq, route(0), true); err != nil {
		t.Fatalf("UpdatePIIRTE: %v", err)
	}
	want := []avic.Remap{{HostIRQ: irq, GATag: avic.GATag(vm.ID(), 0), Vector: 0x70}}
	if diff := cmp.Diff(want, v0.PostedInterrupts()); diff != "" {
		t.Fatalf("vcpu 0 posted interrupts (-want +got):\n%s", diff)
	}

	if err := vm.UpdatePIIRTE(irq, route(1), true); err != nil {
		t.Fatalf("UpdatePIIRTE: %v", err)
	}
	if got := v0.PostedInterrupts(); len(got) != 0 {
		t.Fatalf("vcpu 0 kept %v after retargeting", got)
	}
	if got := v1.PostedInterrupts(); len(got) != 1 {
		t.Fatalf("vcpu 1 posted interrupts = %v", got)
	}

	if err := v1.Load(env.cpu); err != nil {
		t.Fatalf("Load: %v", err)
	}
	v1.Put()
	wantGA := []gaUpdate{{env.cpu.ID, true, irq}, {-1, false, irq}}
	if diff := cmp.Diff(wantGA, iommu.updates, cmp.AllowUnexported(gaUpdate{})); diff != "" {
		t.Fatalf("GA updates (-want +got):\n%s", diff)
	}

	if err := vm.UpdatePIIRTE(irq, route(1), false); err != nil {
		t.Fatalf("UpdatePIIRTE: %v", err)
	}
	if got := v1.PostedInterrupts(); len(got) != 0 {
		t.Fatalf("vcpu 1 kept %v in legacy mode", got)
	}
	if iommu.irte[irq].GuestMode {
		t.Fatal("irte still in guest mode")
	}
}
