package svm

import "fmt"

// SegmentRegister names a segment register of the save area.
type SegmentRegister int

const (
	SegES SegmentRegister = iota
	SegCS
	SegSS
	SegDS
	SegFS
	SegGS
	SegTR
	SegLDTR
)

var segmentNames = [...]string{"es", "cs", "ss", "ds", "fs", "gs", "tr", "ldtr"}

func (s SegmentRegister) String() string {
	if int(s) < len(segmentNames) {
		return segmentNames[s]
	}
	return fmt.Sprintf("seg(%d)", int(s))
}

// SegmentDescriptor is the unpacked form of a segment register.
type SegmentDescriptor struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	DPL      uint8
	S        bool
	Present  bool
	AVL      bool
	L        bool
	DB       bool
	G        bool
	Unusable bool
}

// DescriptorTable is a GDTR or IDTR value.
type DescriptorTable struct {
	Base  uint64
	Limit uint16
}

func (v *VCPU) segment(s SegmentRegister) *Segment {
	save := &v.vmcb.Save
	switch s {
	case SegES:
		return &save.ES
	case SegCS:
		return &save.CS
	case SegSS:
		return &save.SS
	case SegDS:
		return &save.DS
	case SegFS:
		return &save.FS
	case SegGS:
		return &save.GS
	case SegTR:
		return &save.TR
	case SegLDTR:
		return &save.LDTR
	}
	panic(fmt.Sprintf("svm: bad segment register %d", int(s)))
}

func attrBit(attr uint16, shift uint) bool { return attr>>shift&1 != 0 }

// Segment returns segment register s. The VMCB does not store the
// granularity and unusable flags, so they are derived from the limit and
// the present bit.
func (v *VCPU) Segment(s SegmentRegister) SegmentDescriptor {
	seg := v.segment(s)
	attr := seg.Attrib

	d := SegmentDescriptor{
		Base:     seg.Base,
		Limit:    seg.Limit,
		Selector: seg.Selector,
		Type:     uint8(attr & SelectorTypeMask),
		S:        attrBit(attr, SelectorSShift),
		DPL:      uint8(attr>>SelectorDPLShift) & 3,
		Present:  attrBit(attr, SelectorPShift),
		AVL:      attrBit(attr, SelectorAVLShift),
		L:        attrBit(attr, SelectorLShift),
		DB:       attrBit(attr, SelectorDBShift),
		G:        seg.Limit > 0xfffff,
	}
	d.Unusable = !d.Present || d.Type == 0

	switch s {
	case SegTR:
		// The busy bit is not kept across exits.
		d.Type |= 0x2
	case SegDS, SegES, SegFS, SegGS:
		// The accessed bit is not kept either.
		if !d.Unusable {
			d.Type |= 0x1
		}
	case SegSS:
		if d.Unusable {
			d.DB = false
		}
		d.DPL = v.vmcb.Save.CPL
	}
	return d
}

func boolBit(b bool, shift uint) uint16 {
	if b {
		return 1 << shift
	}
	return 0
}

// SetSegment loads segment register s. Loading SS also sets the CPL.
func (v *VCPU) SetSegment(s SegmentRegister, d SegmentDescriptor) {
	seg := v.segment(s)
	seg.Base = d.Base
	seg.Limit = d.Limit
	seg.Selector = d.Selector
	if d.Unusable {
		seg.Attrib = 0
	} else {
		seg.Attrib = uint16(d.Type)&SelectorTypeMask |
			boolBit(d.S, SelectorSShift) |
			uint16(d.DPL&3)<<SelectorDPLShift |
			boolBit(d.Present, SelectorPShift) |
			boolBit(d.AVL, SelectorAVLShift) |
			boolBit(d.L, SelectorLShift) |
			boolBit(d.DB, SelectorDBShift) |
			boolBit(d.G, SelectorGShift)
	}
	if s == SegSS {
		v.vmcb.Save.CPL = d.DPL & 3
	}
	v.vmcb.Control.MarkDirty(CleanSeg)
}

// CPL returns the current privilege level.
func (v *VCPU) CPL() uint8 { return v.vmcb.Save.CPL }

func (v *VCPU) GDT() DescriptorTable {
	return DescriptorTable{Base: v.vmcb.Save.GDTR.Base, Limit: uint16(v.vmcb.Save.GDTR.Limit)}
}

func (v *VCPU) SetGDT(dt DescriptorTable) {
	v.vmcb.Save.GDTR.Base = dt.Base
	v.vmcb.Save.GDTR.Limit = uint32(dt.Limit)
	v.vmcb.Control.MarkDirty(CleanDT)
}

func (v *VCPU) IDT() DescriptorTable {
	return DescriptorTable{Base: v.vmcb.Save.IDTR.Base, Limit: uint16(v.vmcb.Save.IDTR.Limit)}
}

func (v *VCPU) SetIDT(dt DescriptorTable) {
	v.vmcb.Save.IDTR.Base = dt.Base
	v.vmcb.Save.IDTR.Limit = uint32(dt.Limit)
	v.vmcb.Control.MarkDirty(CleanDT)
}

// Register returns a cached general purpose register.
func (v *VCPU) Register(r Reg) uint64 { return v.regs[r] }

// SetRegister updates a cached general purpose register.
func (v *VCPU) SetRegister(r Reg, value uint64) { v.regs[r] = value }

// RIP returns the guest instruction pointer.
func (v *VCPU) RIP() uint64 { return v.regs[RIP] }

// SetRIP moves the guest instruction pointer.
func (v *VCPU) SetRIP(rip uint64) { v.regs[RIP] = rip }

// SetNextRIP records where the current instruction ends when the processor
// did not report it.
func (v *VCPU) SetNextRIP(rip uint64) { v.nextRIP = rip }

func (v *VCPU) edxEAX() uint64 {
	return v.regs[RDX]<<32 | v.regs[RAX]&0xffffffff
}

func (v *VCPU) RFlags() uint64 { return v.vmcb.Save.RFlags }

func (v *VCPU) SetRFlags(rflags uint64) { v.vmcb.Save.RFlags = rflags }

func (v *VCPU) interruptShadow() bool {
	return v.vmcb.Control.IntState&InterruptShadowMask != 0
}

func (v *VCPU) setInterruptShadow(on bool) {
	if on {
		v.vmcb.Control.IntState |= InterruptShadowMask
	} else {
		v.vmcb.Control.IntState &^= InterruptShadowMask
	}
}

// CR0 returns the guest-visible CR0.
func (v *VCPU) CR0() uint64 { return v.cr0 }

func (v *VCPU) CR2() uint64 { return v.cr2 }

func (v *VCPU) CR3() uint64 { return v.cr3 }

func (v *VCPU) CR4() uint64 { return v.cr4 }

// EFER returns the guest-visible EFER, without the SVME bit the VMCB copy
// always carries.
func (v *VCPU) EFER() uint64 { return v.efer }

func (v *VCPU) isPaging() bool { return v.cr0&CR0PG != 0 }

func (v *VCPU) npt() bool { return v.vm.engine.caps.NPT }

// setCR0Raw loads CR0 into the VMCB. Without nested paging the processor
// always runs with paging and write protection on. Long mode is entered or
// left here when EFER.LME is set.
func (v *VCPU) setCR0Raw(cr0 uint64) {
	save := &v.vmcb.Save

	if v.efer&EFERLME != 0 {
		if !v.isPaging() && cr0&CR0PG != 0 {
			v.efer |= EFERLMA
			save.EFER |= EFERLMA | EFERLME
		}
		if v.isPaging() && cr0&CR0PG == 0 {
			v.efer &^= EFERLMA
			save.EFER &^= EFERLMA | EFERLME
		}
	}
	v.cr0 = cr0

	if !v.npt() {
		cr0 |= CR0PG | CR0WP
	}
	if !v.fpuActive {
		cr0 |= CR0TS
	}
	cr0 &^= CR0CD | CR0NW
	save.CR0 = cr0
	v.vmcb.Control.MarkDirty(CleanCR)
	v.updateCR0Intercept()
}

// updateCR0Intercept drops the CR0 intercepts while the guest and host
// views of CR0 agree.
func (v *VCPU) updateCR0Intercept() {
	gcr0 := v.cr0
	hcr0 := &v.vmcb.Save.CR0

	if !v.fpuActive {
		*hcr0 |= cr0SelectiveMask
	} else {
		*hcr0 = *hcr0&^cr0SelectiveMask | gcr0&cr0SelectiveMask
	}
	v.vmcb.Control.MarkDirty(CleanCR)

	if gcr0 == *hcr0 && v.fpuActive {
		v.clrCRIntercept(InterceptCR0Read)
		v.clrCRIntercept(InterceptCR0Write)
	} else {
		v.setCRIntercept(InterceptCR0Read)
		v.setCRIntercept(InterceptCR0Write)
	}
}

// SetCR0 performs a guest CR0 load with the architectural checks. An error
// means the load raises #GP.
func (v *VCPU) SetCR0(cr0 uint64) error {
	cr0 |= CR0ET
	if cr0>>32 != 0 {
		return fmt.Errorf("%w: cr0 %#x has reserved bits", ErrInvalidArgument, cr0)
	}
	if cr0&CR0NW != 0 && cr0&CR0CD == 0 {
		return fmt.Errorf("%w: cr0 NW without CD", ErrInvalidArgument)
	}
	if cr0&CR0PG != 0 && cr0&CR0PE == 0 {
		return fmt.Errorf("%w: cr0 PG without PE", ErrInvalidArgument)
	}
	if !v.isPaging() && cr0&CR0PG != 0 && v.efer&EFERLME != 0 && v.cr4&CR4PAE == 0 {
		return fmt.Errorf("%w: long mode paging without PAE", ErrInvalidArgument)
	}

	old := v.cr0
	v.setCR0Raw(cr0)
	if (old^cr0)&(CR0PG|CR0WP) != 0 {
		v.vm.cfg.MMU.Reset(v)
	}
	return nil
}

func (v *VCPU) setCR4Raw(cr4 uint64) error {
	if cr4&CR4VMXE != 0 {
		return fmt.Errorf("%w: cr4.VMXE on svm", ErrInvalidArgument)
	}
	if v.npt() && (v.cr4^cr4)&CR4PGE != 0 {
		v.flushTLB()
	}
	v.cr4 = cr4
	if !v.npt() {
		cr4 |= CR4PAE
	}
	v.vmcb.Save.CR4 = cr4
	v.vmcb.Control.MarkDirty(CleanCR)
	return nil
}

// SetCR4 performs a guest CR4 load. An error means the load raises #GP.
func (v *VCPU) SetCR4(cr4 uint64) error {
	const pse = 1 << 4
	if v.efer&EFERLMA != 0 && cr4&CR4PAE == 0 {
		return fmt.Errorf("%w: clearing cr4.PAE in long mode", ErrInvalidArgument)
	}
	old := v.cr4
	if err := v.setCR4Raw(cr4); err != nil {
		return err
	}
	if (old^cr4)&(CR4PGE|CR4PAE|pse) != 0 {
		v.vm.cfg.MMU.Reset(v)
	}
	return nil
}

// SetCR3 performs a guest CR3 load. With nested paging the value goes
// straight into the VMCB; otherwise the MMU rebuilds its shadow root.
func (v *VCPU) SetCR3(cr3 uint64) error {
	v.cr3 = cr3
	if v.npt() {
		v.vmcb.Save.CR3 = cr3
		v.vmcb.Control.MarkDirty(CleanCR)
		return nil
	}
	v.vm.cfg.MMU.Reset(v)
	return nil
}

// LoadShadowRoot points the processor at a shadow page table root. It is
// called by MMU implementations when nested paging is off.
func (v *VCPU) LoadShadowRoot(root uint64) {
	v.vmcb.Save.CR3 = root
	v.vmcb.Control.MarkDirty(CleanCR)
	v.flushTLB()
}

// CR8 returns the task priority.
func (v *VCPU) CR8() uint64 { return uint64(v.apic.TPR()) }

// SetCR8 sets the task priority. An error means the load raises #GP.
func (v *VCPU) SetCR8(cr8 uint64) error {
	if cr8&^0xf != 0 {
		return fmt.Errorf("%w: cr8 %#x", ErrInvalidArgument, cr8)
	}
	v.apic.SetTPR(uint8(cr8))
	return nil
}

// setEFER loads EFER into the VMCB. The processor requires SVME while a
// guest runs, so it is always set in the VMCB copy.
func (v *VCPU) setEFER(efer uint64) {
	v.efer = efer
	if !v.npt() && efer&EFERLMA == 0 {
		efer &^= EFERLME
	}
	v.vmcb.Save.EFER = efer | EFERSVME
	v.vmcb.Control.MarkDirty(CleanCR)
}

const (
	dr6Volatile = 0x0001e00f
	dr6Fixed1   = 0xfffe0ff0
	dr7Fixed1   = 0x00000400
)

// DR returns debug register dr. DR4 and DR5 alias DR6 and DR7.
func (v *VCPU) DR(dr int) (uint64, error) {
	switch dr {
	case 0, 1, 2, 3:
		return v.db[dr], nil
	case 4, 6:
		return v.vmcb.Save.DR6, nil
	case 5, 7:
		return v.vmcb.Save.DR7, nil
	}
	return 0, fmt.Errorf("%w: dr%d", ErrInvalidArgument, dr)
}

// SetDR loads debug register dr. An error means the load raises #GP.
func (v *VCPU) SetDR(dr int, value uint64) error {
	switch dr {
	case 0, 1, 2, 3:
		v.db[dr] = value
		return nil
	case 4, 6:
		if value>>32 != 0 {
			return fmt.Errorf("%w: dr6 %#x", ErrInvalidArgument, value)
		}
		v.setDR6(value&dr6Volatile | dr6Fixed1)
		return nil
	case 5, 7:
		if value>>32 != 0 {
			return fmt.Errorf("%w: dr7 %#x", ErrInvalidArgument, value)
		}
		v.setDR7(value | dr7Fixed1)
		return nil
	}
	return fmt.Errorf("%w: dr%d", ErrInvalidArgument, dr)
}

func (v *VCPU) setDR6(value uint64) {
	v.vmcb.Save.DR6 = value
	v.vmcb.Control.MarkDirty(CleanDR)
}

func (v *VCPU) setDR7(value uint64) {
	v.vmcb.Save.DR7 = value
	v.vmcb.Control.MarkDirty(CleanDR)
}

// WriteTSCOffset sets L1's TSC offset. While L2 runs, the L2 offset keeps
// its distance from L1's.
func (v *VCPU) WriteTSCOffset(offset uint64) {
	var nested uint64
	if v.GuestMode() {
		nested = v.vmcb.Control.TSCOffset - v.nested.hsave.Control.TSCOffset
		v.nested.hsave.Control.TSCOffset = offset
	}
	v.vmcb.Control.TSCOffset = offset + nested
	v.vmcb.Control.MarkDirty(CleanIntercepts)
}

// DeactivateFPU traps the next FPU use so the guest FPU state can be loaded
// lazily.
func (v *VCPU) DeactivateFPU() {
	v.fpuActive = false
	v.setExceptionIntercept(NMVector)
	v.vmcb.Save.CR0 |= CR0TS
	v.updateCR0Intercept()
}
