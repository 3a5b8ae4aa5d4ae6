package svm

import "github.com/tinyrange/svmcore/internal/avic"

// ExitInfo is the decoded form of the exit information words of one exit
// code. Handlers type-switch on it.
type ExitInfo interface {
	exitInfo()
}

// IOExit is an intercepted IN, OUT, INS or OUTS.
type IOExit struct {
	Port    uint16
	Size    int
	In      bool
	String  bool
	Rep     bool
	NextRIP uint64
}

// MSRExit is an intercepted RDMSR or WRMSR. The index is in RCX.
type MSRExit struct {
	Write bool
}

// CRExit is an intercepted control register access. Reg and Valid are only
// reported with decode assists.
type CRExit struct {
	CR    int
	Write bool
	Reg   Reg
	Valid bool
}

// DRExit is an intercepted debug register access.
type DRExit struct {
	DR    int
	Write bool
	Reg   Reg
}

// ExceptionExit is an intercepted exception.
type ExceptionExit struct {
	Vector    uint8
	ErrorCode uint32
	// Address is the faulting address of #PF.
	Address uint64
}

// NPFExit is a nested page fault.
type NPFExit struct {
	GPA       uint64
	ErrorCode uint64
}

// TaskSwitchExit is an intercepted task switch.
type TaskSwitchExit struct {
	Selector  uint16
	IRET      bool
	JMP       bool
	HasError  bool
	ErrorCode uint32
}

// InvlpgExit carries the linear address with decode assists.
type InvlpgExit struct {
	Addr uint64
}

// IncompleteIPIExit wraps avic.IncompleteIPI.
type IncompleteIPIExit struct {
	avic.IncompleteIPI
}

// UnacceleratedAccessExit wraps avic.UnacceleratedAccess.
type UnacceleratedAccessExit struct {
	avic.UnacceleratedAccess
}

// RawExit is used for exits whose information words carry nothing the
// handler needs.
type RawExit struct {
	Info1 uint64
	Info2 uint64
}

func (IOExit) exitInfo()                  {}
func (MSRExit) exitInfo()                 {}
func (CRExit) exitInfo()                  {}
func (DRExit) exitInfo()                  {}
func (ExceptionExit) exitInfo()           {}
func (NPFExit) exitInfo()                 {}
func (TaskSwitchExit) exitInfo()          {}
func (InvlpgExit) exitInfo()              {}
func (IncompleteIPIExit) exitInfo()       {}
func (UnacceleratedAccessExit) exitInfo() {}
func (RawExit) exitInfo()                 {}

// DecodeExit decodes the exit information of the exit recorded in c.
func DecodeExit(c *Control) ExitInfo {
	code := c.ExitCode
	info1, info2 := c.ExitInfo1, c.ExitInfo2

	switch {
	case code >= ExitReadCR0 && code <= ExitWriteCR8+7:
		cr := int(code - ExitReadCR0)
		return CRExit{
			CR:    cr % 16,
			Write: cr >= 16,
			Reg:   Reg(info1 & ExitInfoRegMask),
			Valid: info1&crValid != 0,
		}
	case code == ExitCR0SelWrite:
		return CRExit{CR: 0, Write: true, Reg: Reg(info1 & ExitInfoRegMask), Valid: info1&crValid != 0}
	case code >= ExitReadDR0 && code < ExitExcpBase:
		dr := int(code - ExitReadDR0)
		return DRExit{DR: dr % 16, Write: dr >= 16, Reg: Reg(info1 & ExitInfoRegMask)}
	case code >= ExitExcpBase && code <= ExitLastExcp:
		return ExceptionExit{
			Vector:    uint8(code - ExitExcpBase),
			ErrorCode: uint32(info1),
			Address:   info2,
		}
	}

	switch code {
	case ExitIOIO:
		return IOExit{
			Port:    uint16(info1 >> 16),
			Size:    int(info1&IOIOSizeMask) >> IOIOSizeShift,
			In:      info1&IOIOTypeMask != 0,
			String:  info1&IOIOStrMask != 0,
			Rep:     info1&IOIORepMask != 0,
			NextRIP: info2,
		}
	case ExitMSR:
		return MSRExit{Write: info1 != 0}
	case ExitNPF:
		return NPFExit{GPA: info2, ErrorCode: info1}
	case ExitTaskSwitch:
		return TaskSwitchExit{
			Selector:  uint16(info1),
			IRET:      info2&(1<<ExitInfoShiftTSReasonIRET) != 0,
			JMP:       info2&(1<<ExitInfoShiftTSReasonJMP) != 0,
			HasError:  info2&(1<<ExitInfoShiftTSHasErrCode) != 0,
			ErrorCode: uint32(info2),
		}
	case ExitINVLPG:
		return InvlpgExit{Addr: info1}
	case ExitAVICIncompleteIPI:
		return IncompleteIPIExit{avic.DecodeIncompleteIPI(info1, info2)}
	case ExitAVICUnacceleratedAccess:
		return UnacceleratedAccessExit{avic.DecodeUnacceleratedAccess(info1, info2)}
	}
	return RawExit{Info1: info1, Info2: info2}
}
