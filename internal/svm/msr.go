package svm

import (
	"errors"
	"fmt"
)

const eferValidBits = EFERSCE | EFERLME | EFERLMA | EFERNX | EFERSVME

var errMSR = errors.New("svm: msr access faults")

// GetMSR reads an MSR as the guest sees it. An error means RDMSR raises #GP.
func (v *VCPU) GetMSR(index uint32) (uint64, error) {
	save := &v.vmcb.Save

	switch index {
	case MSRTSC:
		host, err := v.vm.engine.proc.ReadMSR(MSRTSC)
		if err != nil {
			return 0, fmt.Errorf("svm: read host tsc: %w", err)
		}
		return v.vmcb.Control.TSCOffset + host, nil
	case MSRSTAR:
		return save.STAR, nil
	case MSRLSTAR:
		return save.LSTAR, nil
	case MSRCSTAR:
		return save.CSTAR, nil
	case MSRKernelGSBase:
		return save.KernelGSBase, nil
	case MSRSyscallMask:
		return save.SFMask, nil
	case MSRSysenterCS:
		return save.SysenterCS, nil
	case MSRSysenterEIP:
		return v.sysenterEIP, nil
	case MSRSysenterESP:
		return v.sysenterESP, nil
	case MSRTSCAux:
		return v.tscAux, nil
	case MSRDebugCtl:
		return save.DbgCtl, nil
	case MSRLastBranchFromIP:
		return save.BrFrom, nil
	case MSRLastBranchToIP:
		return save.BrTo, nil
	case MSRLastIntFromIP:
		return save.LastExcpFrom, nil
	case MSRLastIntToIP:
		return save.LastExcpTo, nil
	case MSRVMHsavePA:
		return v.nested.hsaveMSR, nil
	case MSRVMCR:
		return v.nested.vmCR, nil
	case MSRPatchLevel:
		return ucodePatchLevel, nil
	case MSREFER:
		return v.efer, nil
	case MSRPAT:
		return v.pat, nil
	case MSRAPICBase:
		return v.apicBase, nil
	case MSRF15hICCfg:
		// Family 15h models 02h-1fh report the indirect branch predictor
		// workaround as already applied.
		family, model := cpuFamilyModel(v.vm.cfg.CPUSignature)
		if family == 0x15 && model >= 0x2 && model < 0x20 {
			return f15hICCfgDefault, nil
		}
		return 0, nil
	}
	return v.vm.cfg.MSRs.GetMSR(v, index)
}

// cpuFamilyModel decodes CPUID.1:EAX.
func cpuFamilyModel(sig uint32) (family, model uint32) {
	family = sig >> 8 & 0xf
	model = sig >> 4 & 0xf
	if family == 0xf {
		family += sig >> 20 & 0xff
		model |= (sig >> 16 & 0xf) << 4
	}
	return family, model
}

// setVMCR updates VM_CR. Once SVMDIS is set, LOCK and SVMDIS are frozen,
// and SVMDIS may not be set while the guest has EFER.SVME on.
func (v *VCPU) setVMCR(data uint64) error {
	if data&^VMCRValidMask != 0 {
		return fmt.Errorf("%w: vm_cr reserved bits %#x", errMSR, data)
	}

	var chg uint64 = VMCRValidMask
	if v.nested.vmCR&VMCRSVMDisMask != 0 {
		chg &^= VMCRSVMLockMask | VMCRSVMDisMask
	}
	v.nested.vmCR = v.nested.vmCR&^chg | data&chg

	svmDis := v.nested.vmCR&VMCRSVMDisMask != 0
	if svmDis && v.efer&EFERSVME != 0 {
		return fmt.Errorf("%w: vm_cr.SVMDIS with efer.SVME", errMSR)
	}
	return nil
}

func (v *VCPU) setEFERChecked(efer uint64) error {
	if efer&^eferValidBits != 0 {
		return fmt.Errorf("%w: efer reserved bits %#x", errMSR, efer)
	}
	if v.isPaging() && (v.efer^efer)&EFERLME != 0 {
		return fmt.Errorf("%w: efer.LME toggled with paging on", errMSR)
	}
	if efer&EFERSVME != 0 && !v.vm.engine.caps.Nested {
		return fmt.Errorf("%w: efer.SVME without nested virtualisation", errMSR)
	}
	if efer&EFERSVME != 0 && v.nested.vmCR&VMCRSVMDisMask != 0 {
		return fmt.Errorf("%w: efer.SVME with vm_cr.SVMDIS", errMSR)
	}
	efer = efer&^EFERLMA | v.efer&EFERLMA
	v.setEFER(efer)
	return nil
}

// SetMSR writes an MSR on behalf of the guest. An error means WRMSR raises
// #GP.
func (v *VCPU) SetMSR(index uint32, data uint64) error {
	save := &v.vmcb.Save

	switch index {
	case MSRTSC:
		host, err := v.vm.engine.proc.ReadMSR(MSRTSC)
		if err != nil {
			return fmt.Errorf("svm: read host tsc: %w", err)
		}
		v.WriteTSCOffset(data - host)
	case MSRSTAR:
		save.STAR = data
	case MSRLSTAR:
		save.LSTAR = data
	case MSRCSTAR:
		save.CSTAR = data
	case MSRKernelGSBase:
		save.KernelGSBase = data
	case MSRSyscallMask:
		save.SFMask = data
	case MSRSysenterCS:
		save.SysenterCS = data
	case MSRSysenterEIP:
		v.sysenterEIP = data
		save.SysenterEIP = data
	case MSRSysenterESP:
		v.sysenterESP = data
		save.SysenterESP = data
	case MSRTSCAux:
		v.tscAux = data
		if v.cpu != nil {
			return v.vm.engine.proc.WriteMSR(MSRTSCAux, data)
		}
	case MSRDebugCtl:
		return v.setDebugCtl(data)
	case MSRVMHsavePA:
		v.nested.hsaveMSR = data
	case MSRVMCR:
		return v.setVMCR(data)
	case MSREFER:
		return v.setEFERChecked(data)
	case MSRPAT:
		v.pat = data
		if v.npt() {
			save.GPAT = data
			v.vmcb.Control.MarkDirty(CleanNPT)
		}
	case MSRAPICBase:
		if v.apicvActive {
			v.updateVAPICBar(data)
		}
		v.apicBase = data
	case MSRPatchLevel:
	default:
		return v.vm.cfg.MSRs.SetMSR(v, index, data)
	}
	return nil
}

func (v *VCPU) setDebugCtl(data uint64) error {
	if !v.vm.engine.caps.LBRV {
		v.log.Debug("svm: ignoring debugctl write", "data", fmt.Sprintf("%#x", data))
		return nil
	}
	if data&debugCtlReservedBits != 0 {
		return fmt.Errorf("%w: debugctl reserved bits %#x", errMSR, data)
	}

	v.vmcb.Save.DbgCtl = data
	v.vmcb.Control.MarkDirty(CleanLBR)
	if data&1 != 0 {
		v.enableLBRV()
	} else {
		v.disableLBRV()
	}
	return nil
}

var lbrMSRs = [...]uint32{MSRLastBranchFromIP, MSRLastBranchToIP, MSRLastIntFromIP, MSRLastIntToIP}

func (v *VCPU) enableLBRV() {
	v.vmcb.Control.VirtExt |= LBRCtlEnableMask
	for _, msr := range lbrMSRs {
		_ = v.msrpm.Allow(msr, true, true)
	}
}

func (v *VCPU) disableLBRV() {
	v.vmcb.Control.VirtExt &^= LBRCtlEnableMask
	for _, msr := range lbrMSRs {
		_ = v.msrpm.Allow(msr, false, false)
	}
}

// SetMSRInterception changes whether the guest reads and writes msr
// directly. Only MSRs of the direct access list can be passed through.
func (v *VCPU) SetMSRInterception(msr uint32, read, write bool) error {
	return v.msrpm.Allow(msr, !read, !write)
}

func rdmsrInterception(v *VCPU, _ ExitInfo) error {
	index := uint32(v.regs[RCX])
	data, err := v.GetMSR(index)
	if err != nil {
		v.log.Debug("svm: rdmsr faults", "msr", fmt.Sprintf("%#x", index), "err", err)
		v.injectGP(0)
		return nil
	}
	v.regs[RAX] = data & 0xffffffff
	v.regs[RDX] = data >> 32
	v.nextRIP = v.RIP() + 2
	v.skipInstruction()
	return nil
}

func wrmsrInterception(v *VCPU, _ ExitInfo) error {
	index := uint32(v.regs[RCX])
	data := v.edxEAX()

	v.nextRIP = v.RIP() + 2
	if err := v.SetMSR(index, data); err != nil {
		v.log.Debug("svm: wrmsr faults", "msr", fmt.Sprintf("%#x", index), "data", fmt.Sprintf("%#x", data), "err", err)
		v.injectGP(0)
		return nil
	}
	v.skipInstruction()
	return nil
}

func msrInterception(v *VCPU, info ExitInfo) error {
	if m, ok := info.(MSRExit); ok && m.Write {
		return wrmsrInterception(v, info)
	}
	return rdmsrInterception(v, info)
}
