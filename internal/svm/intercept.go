package svm

import "fmt"

// InterceptSet is the four intercept vectors of a VMCB control area.
type InterceptSet struct {
	CR         uint32
	DR         uint32
	Exceptions uint32
	Generic    uint64
}

// Union returns the intercepts requested by either set.
func (s InterceptSet) Union(o InterceptSet) InterceptSet {
	return InterceptSet{
		CR:         s.CR | o.CR,
		DR:         s.DR | o.DR,
		Exceptions: s.Exceptions | o.Exceptions,
		Generic:    s.Generic | o.Generic,
	}
}

// Has reports whether the generic intercept i is set.
func (s InterceptSet) Has(i Intercept) bool { return s.Generic&i.Bit() != 0 }

func (s InterceptSet) String() string {
	return fmt.Sprintf("cr=%08x dr=%08x excp=%08x intercept=%016x", s.CR, s.DR, s.Exceptions, s.Generic)
}

// Intercepts returns the intercept vectors of c.
func (c *Control) Intercepts() InterceptSet {
	return InterceptSet{
		CR:         c.InterceptCR,
		DR:         c.InterceptDR,
		Exceptions: c.InterceptExceptions,
		Generic:    c.Intercept,
	}
}

// SetIntercepts replaces the intercept vectors of c and marks them dirty.
func (c *Control) SetIntercepts(s InterceptSet) {
	c.InterceptCR = s.CR
	c.InterceptDR = s.DR
	c.InterceptExceptions = s.Exceptions
	c.Intercept = s.Generic
	c.MarkDirty(CleanIntercepts)
}

const allDRIntercepts = 0x00ff00ff

// hostVMCB returns the VMCB holding the host's own intercepts: the live VMCB
// outside guest mode and hsave while an L2 guest runs.
func (v *VCPU) hostVMCB() *VMCB {
	if v.GuestMode() {
		return v.nested.hsave
	}
	return v.vmcb
}

// recalcIntercepts recomputes the live intercepts after either the host or
// the nested set changed. In guest mode the result is the union of both, so
// L1 can never clear a trap the host depends on.
func (v *VCPU) recalcIntercepts() {
	v.vmcb.Control.MarkDirty(CleanIntercepts)

	if !v.GuestMode() {
		return
	}
	h := v.nested.hsave.Control.Intercepts()
	v.vmcb.Control.SetIntercepts(h.Union(v.nested.intercepts))
}

func (v *VCPU) setCRIntercept(bit uint) {
	v.hostVMCB().Control.InterceptCR |= 1 << bit
	v.recalcIntercepts()
}

func (v *VCPU) clrCRIntercept(bit uint) {
	v.hostVMCB().Control.InterceptCR &^= 1 << bit
	v.recalcIntercepts()
}

func (v *VCPU) isCRIntercept(bit uint) bool {
	return v.hostVMCB().Control.InterceptCR&(1<<bit) != 0
}

func (v *VCPU) setDRIntercepts() {
	v.hostVMCB().Control.InterceptDR = allDRIntercepts
	v.recalcIntercepts()
}

func (v *VCPU) clrDRIntercepts() {
	v.hostVMCB().Control.InterceptDR = 0
	v.recalcIntercepts()
}

func (v *VCPU) setExceptionIntercept(vector uint) {
	v.hostVMCB().Control.InterceptExceptions |= 1 << vector
	v.recalcIntercepts()
}

func (v *VCPU) clrExceptionIntercept(vector uint) {
	v.hostVMCB().Control.InterceptExceptions &^= 1 << vector
	v.recalcIntercepts()
}

func (v *VCPU) setIntercept(i Intercept) {
	v.hostVMCB().Control.Intercept |= i.Bit()
	v.recalcIntercepts()
}

func (v *VCPU) clrIntercept(i Intercept) {
	v.hostVMCB().Control.Intercept &^= i.Bit()
	v.recalcIntercepts()
}

// Intercepts returns the intercepts that will be in effect on the next entry.
func (v *VCPU) Intercepts() InterceptSet {
	return v.vmcb.Control.Intercepts()
}
