package svm

import (
	"errors"
	"fmt"

	"github.com/tinyrange/svmcore/internal/avic"
	"github.com/tinyrange/svmcore/internal/debug"
)

func (v *VCPU) avicInitBackingPage() error {
	if v.id >= avic.MaxPhysicalID {
		return fmt.Errorf("%w: vcpu %d: %w", ErrInvalidArgument, v.id, avic.ErrPhysicalIDRange)
	}
	if !v.apicvActive {
		return nil
	}
	id := uint32(v.id)
	if err := v.vm.physical.Bind(id, v.backingPage.Base&avic.HPAMask); err != nil {
		return fmt.Errorf("svm: vcpu %d: %w", v.id, err)
	}
	v.physicalID = id
	return nil
}

func (v *VCPU) avicInitVMCB() {
	c := &v.vmcb.Control
	c.AVICBackingPage = v.backingPage.Base & avic.HPAMask
	c.AVICLogicalID = v.vm.logical.Addr() & avic.HPAMask
	c.AVICPhysicalID = v.vm.physical.Addr()&avic.HPAMask | avic.MaxPhysicalID
	c.IntCtl |= AVICEnableMask
	v.apicvActive = true
}

// updateVAPICBar moves the guest-physical address of the APIC page.
func (v *VCPU) updateVAPICBar(data uint64) {
	v.vmcb.Control.AVICVAPICBar = data & vmcbAVICAPICBarMask
	v.vmcb.Control.MarkDirty(CleanAVIC)
}

// APICvActive reports whether the vCPU's interrupts are virtualised by AVIC.
func (v *VCPU) APICvActive() bool { return v.apicvActive }

// DeactivateAPICv switches the vCPU to software interrupt delivery.
func (v *VCPU) DeactivateAPICv() {
	if !v.apicvActive {
		return
	}
	v.avicVCPUPut()
	v.apicvActive = false
	v.vmcb.Control.IntCtl &^= AVICEnableMask
	v.vmcb.Control.MarkDirty(CleanAVIC)
	v.setCRIntercept(InterceptCR8Write)
	v.request(reqEvent)
}

// ActivateAPICv hands interrupt delivery back to AVIC.
func (v *VCPU) ActivateAPICv() error {
	if v.apicvActive {
		return nil
	}
	if !v.vm.engine.caps.AVIC {
		return fmt.Errorf("%w: avic disabled", ErrInvalidArgument)
	}
	v.avicInitVMCB()
	v.updateVAPICBar(v.apicBase)
	v.clrCRIntercept(InterceptCR8Write)
	v.vmcb.Control.MarkDirty(CleanAVIC)
	if v.cpu != nil {
		v.avicVCPULoad()
	}
	return nil
}

func (v *VCPU) postingEnabled() bool {
	cfg := &v.vm.cfg
	return v.vm.engine.caps.AVIC && cfg.AssignedDevices && cfg.IOMMU != nil
}

// updateIOMMUAffinity points every interrupt posted to this vCPU at
// hostCPU, or marks them not running when hostCPU is -1.
func (v *VCPU) updateIOMMUAffinity(hostCPU int, running bool) {
	if !v.postingEnabled() {
		return
	}
	iommu := v.vm.cfg.IOMMU
	err := v.irList.Each(func(r avic.Remap) error {
		return iommu.UpdateGA(hostCPU, running, r)
	})
	if err != nil {
		v.log.Error("avic: update iommu affinity", "cpu", hostCPU, "err", err)
	}
}

func (v *VCPU) avicVCPULoad() {
	if !v.apicvActive || v.cpu == nil {
		return
	}
	phys := v.vm.physical
	prev, err := phys.Load(v.physicalID, v.cpu.APICID, v.avicIsRunning)
	if err != nil {
		v.log.Error("avic: vcpu load", "err", err)
		return
	}
	if prev.Running() {
		v.log.Warn("avic: vcpu loaded while marked running", "entry", prev.String())
	}
	v.updateIOMMUAffinity(v.cpu.ID, v.avicIsRunning)
}

func (v *VCPU) avicVCPUPut() {
	if !v.apicvActive {
		return
	}
	phys := v.vm.physical
	if phys.IsRunning(v.physicalID) {
		v.updateIOMMUAffinity(-1, false)
	}
	if err := phys.SetRunning(v.physicalID, false); err != nil {
		v.log.Error("avic: vcpu put", "err", err)
	}
}

func (v *VCPU) avicSetRunning(running bool) {
	v.avicIsRunning = running
	if running {
		v.avicVCPULoad()
	} else {
		v.avicVCPUPut()
	}
}

// DeliverInterrupt requests vector on the vCPU from any goroutine. With AVIC
// the vector is set in the APIC page and a running vCPU gets a doorbell, so
// the processor takes the interrupt without an exit; a vCPU that is not
// running is woken.
func (v *VCPU) DeliverInterrupt(vector uint8) {
	v.apic.SetIRR(vector)

	if !v.apicvActive {
		v.request(reqEvent)
		v.Wake()
		return
	}

	entry, err := v.vm.physical.Entry(v.physicalID)
	if err == nil && entry.Running() {
		host := entry.HostPhysicalID()
		if err := v.vm.engine.proc.WriteMSR(MSRAVICDoorbell, uint64(host)); err != nil {
			v.log.Error("avic: doorbell", "host_apic_id", host, "err", err)
		}
		v.trace(debug.EventAVICDoorbell, uint64(vector), uint64(host), 0, 0)
		return
	}
	v.Wake()
}

func avicIncompleteIPIInterception(v *VCPU, info ExitInfo) error {
	ipi := info.(IncompleteIPIExit)
	v.trace(debug.EventAVICIncompleteIPI, uint64(ipi.Cause), uint64(ipi.ICRLow), uint64(ipi.ICRHigh), uint64(ipi.Index))

	switch ipi.Cause {
	case avic.IPIInvalidIntType:
		// Only fixed interrupts are sent by hardware. Emulate the ICR
		// write for the rest.
		v.apic.WriteRegister(avic.RegICR2, ipi.ICRHigh)
		v.apic.WriteRegister(avic.RegICR, ipi.ICRLow)
	case avic.IPITargetNotRunning:
		// The IRR bits are already set and running targets got a
		// doorbell. The rest only need waking.
		shorthand := ipi.ICRLow & avic.ICRShorthandMask
		dest := avic.DestField(ipi.ICRHigh)
		logical := ipi.ICRLow&avic.ICRDestModeMask != 0
		phys := v.vm.physical
		for _, t := range v.vm.VCPUs() {
			if t.apic.MatchDest(t == v, shorthand, dest, logical) && !phys.IsRunning(t.physicalID) {
				t.Wake()
			}
		}
	case avic.IPIInvalidTarget:
		v.log.Debug("avic: invalid ipi target", "icr", fmt.Sprintf("%#x", ipi.ICRLow),
			"icr2", fmt.Sprintf("%#x", ipi.ICRHigh))
	case avic.IPIInvalidBackingPage:
		v.vm.warnBackingPage.Do(func() {
			v.log.Warn("avic: invalid backing page", "index", ipi.Index)
		})
	default:
		v.log.Error("avic: unknown incomplete ipi cause", "cause", ipi.Cause.String())
	}
	return nil
}

func (v *VCPU) logicalFlat() bool {
	return v.apic.ReadRegister(avic.RegDFR) == avic.DFRFlat
}

func (v *VCPU) apicID() uint32 {
	return v.apic.ReadRegister(avic.RegID) >> apicIDShift
}

// avicHandleLDRUpdate moves this vCPU's logical table entry to follow a new
// logical destination.
func (v *VCPU) avicHandleLDRUpdate() error {
	ldr := v.apic.ReadRegister(avic.RegLDR)
	if ldr == v.ldrReg {
		return nil
	}

	flat := v.logicalFlat()
	if v.ldrReg != 0 {
		_ = v.vm.logical.Write(v.ldrReg, flat, v.apicID(), false)
	}
	if ldr != 0 {
		if err := v.vm.logical.Write(ldr, flat, v.apicID(), true); err != nil {
			v.ldrReg = 0
			return fmt.Errorf("avic: ldr %#x: %w", ldr, err)
		}
	}
	v.ldrReg = ldr
	return nil
}

// avicHandleAPICIDUpdate moves the physical table entry when the guest
// changes its APIC ID.
func (v *VCPU) avicHandleAPICIDUpdate() error {
	id := v.apicID() & 0xff
	if id == v.physicalID {
		return nil
	}
	if err := v.vm.physical.Move(v.physicalID, id); err != nil {
		return fmt.Errorf("avic: apic id %d: %w", id, err)
	}
	v.physicalID = id

	if v.ldrReg != 0 {
		ldr := v.ldrReg
		v.ldrReg = 0
		_ = v.vm.logical.Write(ldr, v.logicalFlat(), 0, false)
		return v.avicHandleLDRUpdate()
	}
	return nil
}

// avicHandleDFRUpdate clears the logical table when the destination format
// changes. All APICs of a VM are assumed to use the same model.
func (v *VCPU) avicHandleDFRUpdate() error {
	mode := v.apic.ReadRegister(avic.RegDFR) >> 28 & 0xf
	if !v.vm.logical.SetMode(mode) {
		return nil
	}
	if v.ldrReg != 0 {
		v.ldrReg = 0
		return v.avicHandleLDRUpdate()
	}
	return nil
}

// avicUnaccelTrapWrite emulates the side effects of a register write that
// already landed in the APIC page.
func (v *VCPU) avicUnaccelTrapWrite(offset uint32) error {
	var err error
	switch offset {
	case avic.RegID:
		err = v.avicHandleAPICIDUpdate()
	case avic.RegLDR:
		err = v.avicHandleLDRUpdate()
	case avic.RegDFR:
		err = v.avicHandleDFRUpdate()
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInternal, err)
	}
	v.apic.WriteRegister(offset, v.apic.ReadRegister(offset))
	return nil
}

func avicUnacceleratedAccessInterception(v *VCPU, info ExitInfo) error {
	acc := info.(UnacceleratedAccessExit)
	v.trace(debug.EventAVICUnaccelerated, uint64(acc.Offset), uint64(acc.Vector), boolArg(acc.Write), boolArg(acc.Trap))

	if acc.Trap {
		if !acc.Write {
			v.log.Warn("avic: trap on apic read", "offset", fmt.Sprintf("%#x", acc.Offset))
		}
		return v.avicUnaccelTrapWrite(acc.Offset)
	}

	if err := v.vm.cfg.Emulator.Emulate(v, EmulateNormal); err != nil {
		return fmt.Errorf("svm: vcpu %d: apic access at %#x: %w", v.id, acc.Offset, err)
	}
	return nil
}

func boolArg(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// irListAdd records a posted-interrupt remapping for this vCPU, removing it
// from the vCPU it targeted before.
func (v *VCPU) irListAdd(hostIRQ uint32, pi *PIData) {
	if pi.PrevGATag != 0 {
		_, prevID := avic.SplitGATag(pi.PrevGATag)
		if prev := v.vm.VCPUByAPICID(prevID); prev != nil {
			prev.irList.Remove(hostIRQ)
		}
	}
	v.irList.Add(avic.Remap{HostIRQ: hostIRQ, GATag: pi.GATag, Vector: pi.Vector})
}

// PostedInterrupts returns the remapping entries targeting this vCPU.
func (v *VCPU) PostedInterrupts() []avic.Remap {
	var out []avic.Remap
	_ = v.irList.Each(func(r avic.Remap) error {
		out = append(out, r)
		return nil
	})
	return out
}

var errNotPostable = errors.New("route cannot be posted")

func (vm *VM) piTarget(r PIRoute) (*VCPU, error) {
	if !r.Single {
		return nil, errNotPostable
	}
	v := vm.VCPU(r.VCPU)
	if v == nil {
		return nil, fmt.Errorf("%w: no vcpu %d", errNotPostable, r.VCPU)
	}
	return v, nil
}

// UpdatePIIRTE switches the remapping of hostIRQ between posting into a
// vCPU and legacy remapping. Routes that target one vCPU with AVIC active
// are posted when set is true; every other route is put in legacy mode and
// the vCPU it was posted to forgets it.
func (vm *VM) UpdatePIIRTE(hostIRQ uint32, routes []PIRoute, set bool) error {
	e := vm.engine
	if !e.caps.AVIC || !vm.cfg.AssignedDevices || vm.cfg.IOMMU == nil {
		return nil
	}

	vm.irqMu.Lock()
	defer vm.irqMu.Unlock()

	iommu := vm.cfg.IOMMU
	for _, r := range routes {
		if !r.MSI {
			continue
		}

		v, err := vm.piTarget(r)
		if err == nil && set && v.apicvActive {
			pi := PIData{
				Base:      v.backingPage.Base & avic.HPAMask,
				GATag:     avic.GATag(vm.avicID, uint32(v.id)),
				GuestMode: true,
				DescAddr:  v.backingPage.Base & avic.HPAMask,
				Vector:    r.Vector,
			}
			if err := iommu.SetVCPUAffinity(hostIRQ, &pi); err != nil {
				vm.log.Error("avic: pi update irte", "host_irq", hostIRQ, "vcpu", v.id, "err", err)
				return fmt.Errorf("svm: posted interrupt %d: %w", hostIRQ, err)
			}
			if pi.GuestMode {
				v.irListAdd(hostIRQ, &pi)
			}
			vm.log.Debug("avic: pi posted", "host_irq", hostIRQ, "vcpu", v.id, "vector", r.Vector)
			continue
		}

		pi := PIData{}
		if err := iommu.SetVCPUAffinity(hostIRQ, &pi); err != nil {
			vm.log.Error("avic: pi update irte", "host_irq", hostIRQ, "err", err)
			return fmt.Errorf("svm: posted interrupt %d: %w", hostIRQ, err)
		}
		if pi.PrevGATag != 0 {
			_, id := avic.SplitGATag(pi.PrevGATag)
			if prev := vm.VCPUByAPICID(id); prev != nil {
				prev.irList.Remove(hostIRQ)
			}
		}
	}
	return nil
}
