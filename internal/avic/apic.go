package avic

import "fmt"

// Local APIC register offsets the AVIC exit paths care about.
const (
	RegID     = 0x20
	RegEOI    = 0xb0
	RegRRR    = 0xc0
	RegLDR    = 0xd0
	RegDFR    = 0xe0
	RegSPIV   = 0xf0
	RegESR    = 0x280
	RegICR    = 0x300
	RegICR2   = 0x310
	RegLVTT   = 0x320
	RegLVTTHM = 0x330
	RegLVTPC  = 0x340
	RegLVT0   = 0x350
	RegLVT1   = 0x360
	RegLVTERR = 0x370
	RegTMICT  = 0x380
	RegTDCR   = 0x3e0

	DFRFlat = 0xffffffff

	ICRShorthandMask = 0xc0000
	ICRDestModeMask  = 0x800
	ICRLevelAssert   = 0x4000
	ICRVectorMask    = 0xff

	ICRDeliveryModeMask = 0x700
	ICRFixed            = 0x000
	ICRLowestPriority   = 0x100
	ICRSMI              = 0x200
	ICRNMI              = 0x400
	ICRInit             = 0x500
	ICRStartup          = 0x600
)

// Exit information layout for AVIC_UNACCELERATED_ACCESS.
const (
	UnaccelWriteMask  = 1
	UnaccelOffsetMask = 0xff0
	UnaccelVectorMask = 0xffffffff
)

// IsTrapOffset reports whether an unaccelerated access to offset is a trap
// (the write already landed in the backing page and only needs its side
// effects emulated) rather than a fault that must be emulated in full.
func IsTrapOffset(offset uint32) bool {
	switch offset {
	case RegID, RegEOI, RegRRR, RegLDR, RegDFR, RegSPIV, RegESR, RegICR,
		RegLVTT, RegLVTTHM, RegLVTPC, RegLVT0, RegLVT1, RegLVTERR,
		RegTMICT, RegTDCR:
		return true
	}
	return false
}

// DestField extracts the destination from the high half of the ICR.
func DestField(icrh uint32) uint32 { return (icrh >> 24) & 0xff }

// IPIFailure is the reason hardware could not complete an IPI on its own.
type IPIFailure uint32

const (
	IPIInvalidIntType IPIFailure = iota
	IPITargetNotRunning
	IPIInvalidTarget
	IPIInvalidBackingPage
)

func (f IPIFailure) String() string {
	switch f {
	case IPIInvalidIntType:
		return "invalid-int-type"
	case IPITargetNotRunning:
		return "target-not-running"
	case IPIInvalidTarget:
		return "invalid-target"
	case IPIInvalidBackingPage:
		return "invalid-backing-page"
	}
	return fmt.Sprintf("ipi-failure(%d)", uint32(f))
}

// IncompleteIPI is the decoded exit information of AVIC_INCOMPLETE_IPI.
type IncompleteIPI struct {
	ICRLow  uint32
	ICRHigh uint32
	Cause   IPIFailure
	Index   uint32
}

// DecodeIncompleteIPI splits the two exit info words.
func DecodeIncompleteIPI(info1, info2 uint64) IncompleteIPI {
	return IncompleteIPI{
		ICRLow:  uint32(info1),
		ICRHigh: uint32(info1 >> 32),
		Cause:   IPIFailure(info2 >> 32),
		Index:   uint32(info2 & 0xff),
	}
}

// UnacceleratedAccess is the decoded exit information of
// AVIC_UNACCELERATED_ACCESS.
type UnacceleratedAccess struct {
	Offset uint32
	Vector uint32
	Write  bool
	Trap   bool
}

// DecodeUnacceleratedAccess splits the two exit info words.
func DecodeUnacceleratedAccess(info1, info2 uint64) UnacceleratedAccess {
	offset := uint32(info1 & UnaccelOffsetMask)
	return UnacceleratedAccess{
		Offset: offset,
		Vector: uint32(info2 & UnaccelVectorMask),
		Write:  (info1>>32)&UnaccelWriteMask != 0,
		Trap:   IsTrapOffset(offset),
	}
}
