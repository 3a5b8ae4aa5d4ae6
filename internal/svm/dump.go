package svm

import (
	"fmt"
	"log/slog"
)

func hex(v uint64) string { return fmt.Sprintf("%#x", v) }

func segAttr(name string, s Segment) slog.Attr {
	return slog.Group(name,
		"sel", fmt.Sprintf("%#04x", s.Selector),
		"attr", fmt.Sprintf("%#04x", s.Attrib),
		"limit", fmt.Sprintf("%#08x", s.Limit),
		"base", hex(s.Base),
	)
}

// DumpVMCB logs the VMCB at error level. It is called when VMRUN rejects
// the guest state.
func (v *VCPU) DumpVMCB() {
	c := &v.vmcb.Control
	s := &v.vmcb.Save

	v.log.Error("svm: vmcb control area",
		"cr_read", fmt.Sprintf("%#04x", c.InterceptCR&0xffff),
		"cr_write", fmt.Sprintf("%#04x", c.InterceptCR>>16),
		"dr_read", fmt.Sprintf("%#04x", c.InterceptDR&0xffff),
		"dr_write", fmt.Sprintf("%#04x", c.InterceptDR>>16),
		"exceptions", fmt.Sprintf("%#08x", c.InterceptExceptions),
		"intercepts", fmt.Sprintf("%#016x", c.Intercept),
		"pause_filter_count", c.PauseFilterCount,
		"iopm_base_pa", hex(c.IOPMBasePA),
		"msrpm_base_pa", hex(c.MSRPMBasePA),
		"tsc_offset", hex(c.TSCOffset),
		"asid", c.ASID,
		"tlb_ctl", c.TLBCtl,
		"int_ctl", fmt.Sprintf("%#08x", c.IntCtl),
		"int_vector", fmt.Sprintf("%#08x", c.IntVector),
		"int_state", fmt.Sprintf("%#08x", c.IntState),
		"exit_code", fmt.Sprintf("%#08x", uint32(c.ExitCode)),
		"exit_info1", hex(c.ExitInfo1),
		"exit_info2", hex(c.ExitInfo2),
		"exit_int_info", fmt.Sprintf("%#08x", c.ExitIntInfo),
		"exit_int_info_err", fmt.Sprintf("%#08x", c.ExitIntInfoErr),
		"nested_ctl", c.NestedCtl,
		"avic_vapic_bar", hex(c.AVICVAPICBar),
		"event_inj", fmt.Sprintf("%#08x", c.EventInj),
		"event_inj_err", fmt.Sprintf("%#08x", c.EventInjErr),
		"nested_cr3", hex(c.NestedCR3),
		"virt_ext", c.VirtExt,
		"clean", fmt.Sprintf("%#08x", c.Clean),
		"next_rip", hex(c.NextRIP),
		"avic_backing_page", hex(c.AVICBackingPage),
		"avic_logical_id", hex(c.AVICLogicalID),
		"avic_physical_id", hex(c.AVICPhysicalID),
	)

	v.log.Error("svm: vmcb save area",
		segAttr("es", s.ES),
		segAttr("cs", s.CS),
		segAttr("ss", s.SS),
		segAttr("ds", s.DS),
		segAttr("fs", s.FS),
		segAttr("gs", s.GS),
		segAttr("gdtr", s.GDTR),
		segAttr("ldtr", s.LDTR),
		segAttr("idtr", s.IDTR),
		segAttr("tr", s.TR),
		slog.Int("cpl", int(s.CPL)),
		slog.String("efer", hex(s.EFER)),
		slog.String("cr0", hex(s.CR0)),
		slog.String("cr2", hex(s.CR2)),
		slog.String("cr3", hex(s.CR3)),
		slog.String("cr4", hex(s.CR4)),
		slog.String("dr6", hex(s.DR6)),
		slog.String("dr7", hex(s.DR7)),
		slog.String("rip", hex(s.RIP)),
		slog.String("rflags", hex(s.RFlags)),
		slog.String("rsp", hex(s.RSP)),
		slog.String("rax", hex(s.RAX)),
		slog.String("star", hex(s.STAR)),
		slog.String("lstar", hex(s.LSTAR)),
		slog.String("cstar", hex(s.CSTAR)),
		slog.String("sfmask", hex(s.SFMask)),
		slog.String("kernel_gs_base", hex(s.KernelGSBase)),
		slog.String("sysenter_cs", hex(s.SysenterCS)),
		slog.String("sysenter_esp", hex(s.SysenterESP)),
		slog.String("sysenter_eip", hex(s.SysenterEIP)),
		slog.String("gpat", hex(s.GPAT)),
		slog.String("dbgctl", hex(s.DbgCtl)),
		slog.String("br_from", hex(s.BrFrom)),
		slog.String("br_to", hex(s.BrTo)),
		slog.String("excp_from", hex(s.LastExcpFrom)),
		slog.String("excp_to", hex(s.LastExcpTo)),
	)
}
