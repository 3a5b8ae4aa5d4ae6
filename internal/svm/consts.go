package svm

import "fmt"

// ExitCode is the low half of the VMCB exit code.
type ExitCode uint32

const (
	ExitReadCR0  ExitCode = 0x000
	ExitReadCR2  ExitCode = 0x002
	ExitReadCR3  ExitCode = 0x003
	ExitReadCR4  ExitCode = 0x004
	ExitReadCR8  ExitCode = 0x008
	ExitWriteCR0 ExitCode = 0x010
	ExitWriteCR2 ExitCode = 0x012
	ExitWriteCR3 ExitCode = 0x013
	ExitWriteCR4 ExitCode = 0x014
	ExitWriteCR8 ExitCode = 0x018
	ExitReadDR0  ExitCode = 0x020
	ExitReadDR7  ExitCode = 0x027
	ExitWriteDR0 ExitCode = 0x030
	ExitWriteDR7 ExitCode = 0x037
	ExitExcpBase ExitCode = 0x040
	ExitLastExcp ExitCode = 0x05f

	ExitIntr        ExitCode = 0x060
	ExitNMI         ExitCode = 0x061
	ExitSMI         ExitCode = 0x062
	ExitInit        ExitCode = 0x063
	ExitVINTR       ExitCode = 0x064
	ExitCR0SelWrite ExitCode = 0x065
	ExitIDTRRead    ExitCode = 0x066
	ExitGDTRRead    ExitCode = 0x067
	ExitLDTRRead    ExitCode = 0x068
	ExitTRRead      ExitCode = 0x069
	ExitIDTRWrite   ExitCode = 0x06a
	ExitGDTRWrite   ExitCode = 0x06b
	ExitLDTRWrite   ExitCode = 0x06c
	ExitTRWrite     ExitCode = 0x06d
	ExitRDTSC       ExitCode = 0x06e
	ExitRDPMC       ExitCode = 0x06f
	ExitPUSHF       ExitCode = 0x070
	ExitPOPF        ExitCode = 0x071
	ExitCPUID       ExitCode = 0x072
	ExitRSM         ExitCode = 0x073
	ExitIRET        ExitCode = 0x074
	ExitSWINT       ExitCode = 0x075
	ExitINVD        ExitCode = 0x076
	ExitPause       ExitCode = 0x077
	ExitHLT         ExitCode = 0x078
	ExitINVLPG      ExitCode = 0x079
	ExitINVLPGA     ExitCode = 0x07a
	ExitIOIO        ExitCode = 0x07b
	ExitMSR         ExitCode = 0x07c
	ExitTaskSwitch  ExitCode = 0x07d
	ExitFERRFreeze  ExitCode = 0x07e
	ExitShutdown    ExitCode = 0x07f
	ExitVMRUN       ExitCode = 0x080
	ExitVMMCALL     ExitCode = 0x081
	ExitVMLOAD      ExitCode = 0x082
	ExitVMSAVE      ExitCode = 0x083
	ExitSTGI        ExitCode = 0x084
	ExitCLGI        ExitCode = 0x085
	ExitSKINIT      ExitCode = 0x086
	ExitRDTSCP      ExitCode = 0x087
	ExitICEBP       ExitCode = 0x088
	ExitWBINVD      ExitCode = 0x089
	ExitMonitor     ExitCode = 0x08a
	ExitMwait       ExitCode = 0x08b
	ExitMwaitCond   ExitCode = 0x08c
	ExitXSETBV      ExitCode = 0x08d
	ExitNPF         ExitCode = 0x400

	ExitAVICIncompleteIPI       ExitCode = 0x401
	ExitAVICUnacceleratedAccess ExitCode = 0x402

	ExitErr ExitCode = 0xffffffff
)

var exitNames = map[ExitCode]string{
	ExitReadCR0: "read_cr0", ExitReadCR3: "read_cr3", ExitReadCR4: "read_cr4", ExitReadCR8: "read_cr8",
	ExitWriteCR0: "write_cr0", ExitWriteCR3: "write_cr3", ExitWriteCR4: "write_cr4", ExitWriteCR8: "write_cr8",
	ExitIntr: "intr", ExitNMI: "nmi", ExitSMI: "smi", ExitInit: "init", ExitVINTR: "vintr",
	ExitCR0SelWrite: "cr0_sel_write", ExitIDTRRead: "read_idtr", ExitGDTRRead: "read_gdtr",
	ExitLDTRRead: "read_ldtr", ExitTRRead: "read_tr", ExitIDTRWrite: "write_idtr",
	ExitGDTRWrite: "write_gdtr", ExitLDTRWrite: "write_ldtr", ExitTRWrite: "write_tr",
	ExitRDTSC: "rdtsc", ExitRDPMC: "rdpmc", ExitPUSHF: "pushf", ExitPOPF: "popf", ExitCPUID: "cpuid",
	ExitRSM: "rsm", ExitIRET: "iret", ExitSWINT: "swint", ExitINVD: "invd", ExitPause: "pause",
	ExitHLT: "hlt", ExitINVLPG: "invlpg", ExitINVLPGA: "invlpga", ExitIOIO: "io", ExitMSR: "msr",
	ExitTaskSwitch: "task_switch", ExitFERRFreeze: "ferr_freeze", ExitShutdown: "shutdown",
	ExitVMRUN: "vmrun", ExitVMMCALL: "hypercall", ExitVMLOAD: "vmload", ExitVMSAVE: "vmsave",
	ExitSTGI: "stgi", ExitCLGI: "clgi", ExitSKINIT: "skinit", ExitRDTSCP: "rdtscp", ExitICEBP: "icebp",
	ExitWBINVD: "wbinvd", ExitMonitor: "monitor", ExitMwait: "mwait", ExitMwaitCond: "mwait_cond",
	ExitXSETBV: "xsetbv", ExitNPF: "npf", ExitAVICIncompleteIPI: "avic_incomplete_ipi",
	ExitAVICUnacceleratedAccess: "avic_unaccelerated_access", ExitErr: "err",
}

func (c ExitCode) String() string {
	if name, ok := exitNames[c]; ok {
		return name
	}
	switch {
	case c >= ExitReadCR0 && c < ExitWriteCR0:
		return fmt.Sprintf("read_cr%d", c-ExitReadCR0)
	case c >= ExitWriteCR0 && c < ExitReadDR0:
		return fmt.Sprintf("write_cr%d", c-ExitWriteCR0)
	case c >= ExitReadDR0 && c < ExitWriteDR0:
		return fmt.Sprintf("read_dr%d", c-ExitReadDR0)
	case c >= ExitWriteDR0 && c < ExitExcpBase:
		return fmt.Sprintf("write_dr%d", c-ExitWriteDR0)
	case c >= ExitExcpBase && c <= ExitLastExcp:
		return fmt.Sprintf("excp_%d", c-ExitExcpBase)
	}
	return fmt.Sprintf("exit(%#x)", uint32(c))
}

// ParseExitCode resolves an exit name as printed by ExitCode.String.
func ParseExitCode(name string) (ExitCode, bool) {
	for code, n := range exitNames {
		if n == name {
			return code, true
		}
	}
	for c := ExitReadCR0; c <= ExitLastExcp; c++ {
		if c.String() == name {
			return c, true
		}
	}
	return 0, false
}

// Intercept is a bit number in the 64-bit generic intercept vector. Bit n
// corresponds to exit code ExitIntr+n.
type Intercept uint

const (
	InterceptIntr Intercept = iota
	InterceptNMI
	InterceptSMI
	InterceptInit
	InterceptVINTR
	InterceptSelectiveCR0
	InterceptStoreIDTR
	InterceptStoreGDTR
	InterceptStoreLDTR
	InterceptStoreTR
	InterceptLoadIDTR
	InterceptLoadGDTR
	InterceptLoadLDTR
	InterceptLoadTR
	InterceptRDTSC
	InterceptRDPMC
	InterceptPUSHF
	InterceptPOPF
	InterceptCPUID
	InterceptRSM
	InterceptIRET
	InterceptINTn
	InterceptINVD
	InterceptPause
	InterceptHLT
	InterceptINVLPG
	InterceptINVLPGA
	InterceptIOIOProt
	InterceptMSRProt
	InterceptTaskSwitch
	InterceptFERRFreeze
	InterceptShutdown
	InterceptVMRUN
	InterceptVMMCALL
	InterceptVMLOAD
	InterceptVMSAVE
	InterceptSTGI
	InterceptCLGI
	InterceptSKINIT
	InterceptRDTSCP
	InterceptICEBP
	InterceptWBINVD
	InterceptMonitor
	InterceptMwait
	InterceptMwaitCond
	InterceptXSETBV
)

// Bit returns the mask of the intercept in the generic vector.
func (i Intercept) Bit() uint64 { return 1 << i }

// CR and DR intercept bit numbers within intercept_cr / intercept_dr.
const (
	InterceptCR0Read  = 0
	InterceptCR3Read  = 3
	InterceptCR4Read  = 4
	InterceptCR8Read  = 8
	InterceptCR0Write = 16 + 0
	InterceptCR3Write = 16 + 3
	InterceptCR4Write = 16 + 4
	InterceptCR8Write = 16 + 8

	InterceptDR0Read  = 0
	InterceptDR7Read  = 7
	InterceptDR0Write = 16 + 0
	InterceptDR7Write = 16 + 7
)

// Exception vectors.
const (
	DEVector  = 0
	DBVector  = 1
	NMIVector = 2
	BPVector  = 3
	OFVector  = 4
	BRVector  = 5
	UDVector  = 6
	NMVector  = 7
	DFVector  = 8
	TSVector  = 10
	NPVector  = 11
	SSVector  = 12
	GPVector  = 13
	PFVector  = 14
	MFVector  = 16
	ACVector  = 17
	MCVector  = 18
)

// int_ctl fields.
const (
	VTPRMask         = 0x0f
	VIRQShift        = 8
	VIRQMask         = 1 << VIRQShift
	VIntrPrioShift   = 16
	VIntrPrioMask    = 0x0f << VIntrPrioShift
	VIgnTPRShift     = 20
	VIgnTPRMask      = 1 << VIgnTPRShift
	VIntrMaskingMask = 1 << 24
	AVICEnableMask   = 1 << 31
)

const InterruptShadowMask = 1

// Event injection and exit interrupt information share one layout.
const (
	EvtInjVecMask    = 0xff
	EvtInjTypeShift  = 8
	EvtInjTypeMask   = 7 << EvtInjTypeShift
	EvtInjTypeIntr   = 0 << EvtInjTypeShift
	EvtInjTypeNMI    = 2 << EvtInjTypeShift
	EvtInjTypeExcept = 3 << EvtInjTypeShift
	EvtInjTypeSoft   = 4 << EvtInjTypeShift
	EvtInjValidErr   = 1 << 11
	EvtInjValid      = 1 << 31
)

// IOIO exit information.
const (
	IOIOTypeMask   = 1
	IOIOStrMask    = 1 << 2
	IOIORepMask    = 1 << 3
	IOIOSizeShift  = 4
	IOIOSizeMask   = 7 << IOIOSizeShift
	IOIOASizeShift = 7
	IOIOASizeMask  = 7 << IOIOASizeShift
)

// Task switch exit information.
const (
	ExitInfoShiftTSReasonIRET = 36
	ExitInfoShiftTSReasonJMP  = 38
	ExitInfoShiftTSHasErrCode = 44
	ExitInfoRegMask           = 0x0f
	crValid                   = uint64(1) << 63
)

// TLB control values.
const (
	TLBControlDoNothing      = 0
	TLBControlFlushAll       = 1
	TLBControlFlushASID      = 3
	TLBControlFlushASIDLocal = 7
)

const (
	NestedCtlNPEnable = 1
	LBRCtlEnableMask  = 1
)

// Segment attribute packing.
const (
	SelectorTypeMask  = 0xf
	SelectorSShift    = 4
	SelectorDPLShift  = 5
	SelectorPShift    = 7
	SelectorAVLShift  = 8
	SelectorLShift    = 9
	SelectorDBShift   = 10
	SelectorGShift    = 11
	SelectorWriteMask = 1 << 1
	SelectorReadMask  = SelectorWriteMask
	SelectorCodeMask  = 1 << 3

	segTypeLDT       = 2
	segTypeBusyTSS16 = 3
)

// VM_CR MSR fields.
const (
	VMCRValidMask   = 0x001f
	VMCRSVMLockMask = 0x0008
	VMCRSVMDisMask  = 0x0010
)

// Control register and flag bits.
const (
	CR0PE = 1 << 0
	CR0MP = 1 << 1
	CR0EM = 1 << 2
	CR0TS = 1 << 3
	CR0ET = 1 << 4
	CR0NE = 1 << 5
	CR0WP = 1 << 16
	CR0AM = 1 << 18
	CR0NW = 1 << 29
	CR0CD = 1 << 30
	CR0PG = 1 << 31

	cr0SelectiveMask = CR0TS | CR0MP

	CR4PAE  = 1 << 5
	CR4PGE  = 1 << 7
	CR4VMXE = 1 << 13

	EFERSCE  = 1 << 0
	EFERLME  = 1 << 8
	EFERLMA  = 1 << 10
	EFERNX   = 1 << 11
	EFERSVME = 1 << 12

	RFlagsTF       = 1 << 8
	RFlagsIF       = 1 << 9
	RFlagsRF       = 1 << 16
	RFlagsReserved = 1 << 1
)

// MSR indexes.
const (
	MSRTSC              = 0x00000010
	MSRAPICBase         = 0x0000001b
	MSRPatchLevel       = 0x0000008b
	MSRSysenterCS       = 0x00000174
	MSRSysenterESP      = 0x00000175
	MSRSysenterEIP      = 0x00000176
	MSRMCGStatus        = 0x0000017a
	MSRDebugCtl         = 0x000001d9
	MSRLastBranchFromIP = 0x000001db
	MSRLastBranchToIP   = 0x000001dc
	MSRLastIntFromIP    = 0x000001dd
	MSRLastIntToIP      = 0x000001de
	MSRPAT              = 0x00000277
	MSRMC0Status        = 0x00000401
	MSREFER             = 0xc0000080
	MSRSTAR             = 0xc0000081
	MSRLSTAR            = 0xc0000082
	MSRCSTAR            = 0xc0000083
	MSRSyscallMask      = 0xc0000084
	MSRFSBase           = 0xc0000100
	MSRGSBase           = 0xc0000101
	MSRKernelGSBase     = 0xc0000102
	MSRTSCAux           = 0xc0000103
	MSRAVICDoorbell     = 0xc001011b
	MSRVMCR             = 0xc0010114
	MSRVMHsavePA        = 0xc0010117
	MSRF15hICCfg        = 0xc0011021

	mcgStatusMCIP        = 1 << 2
	debugCtlReservedBits = ^uint64(0x3f)
	f15hICCfgDefault     = 0x1e
	ucodePatchLevel      = 0x01000065
)

// MCStatusMSR returns the MCi_STATUS MSR of bank i.
func MCStatusMSR(i int) uint32 { return MSRMC0Status + 4*uint32(i) }

// Register indexes into the vCPU register cache.
type Reg int

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	RIP
	NumRegs
)

const (
	DefaultAPICBase     = 0xfee00000
	apicBaseBSP         = 1 << 8
	apicBaseEnable      = 1 << 11
	vmcbAVICAPICBarMask = 0xffffffffff000

	patDefault = 0x0007040600070406
)
