package svm

import (
	"encoding/binary"
	"math/bits"
	"sync"

	"github.com/tinyrange/svmcore/internal/avic"
)

const (
	apicRegTPR = 0x80
	apicRegISR = 0x100
	apicRegIRR = 0x200

	apicShorthandSelf        = 0x40000
	apicShorthandAllIncSelf  = 0x80000
	apicShorthandAllButSelf  = 0xc0000
	apicBroadcast            = 0xff
	apicSPIVDefault          = 0xff
	apicRegisterPageSize     = 0x400
	apicVectorBanks          = 8
	apicVectorBankStride     = 0x10
	apicIDShift              = 24
	apicLogicalClusterIDMask = 0xf0
)

// RegisterAPIC is a local APIC whose registers live in its vAPIC page, the
// same page AVIC hardware reads and writes. It covers what the engine needs:
// interrupt request and service bits, TPR, destination matching, and ICR
// writes forwarded to a send function.
type RegisterAPIC struct {
	mu   sync.Mutex
	regs []byte
	send func(icrLow, icrHigh uint32)
}

// NewRegisterAPIC wraps a register page. send is called for every ICR
// write and may be nil.
func NewRegisterAPIC(regs []byte, send func(icrLow, icrHigh uint32)) *RegisterAPIC {
	return &RegisterAPIC{regs: regs, send: send}
}

func (a *RegisterAPIC) load(offset uint32) uint32 {
	return binary.LittleEndian.Uint32(a.regs[offset:])
}

func (a *RegisterAPIC) store(offset, value uint32) {
	binary.LittleEndian.PutUint32(a.regs[offset:], value)
}

// ReadRegister implements LocalAPIC.
func (a *RegisterAPIC) ReadRegister(offset uint32) uint32 {
	if offset >= apicRegisterPageSize || offset&0xf != 0 {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.load(offset)
}

// WriteRegister implements LocalAPIC.
func (a *RegisterAPIC) WriteRegister(offset, value uint32) {
	if offset >= apicRegisterPageSize || offset&0xf != 0 {
		return
	}

	a.mu.Lock()
	switch offset {
	case avic.RegEOI:
		if v := a.highest(apicRegISR); v >= 0 {
			a.clearBit(apicRegISR, uint8(v))
		}
	default:
		a.store(offset, value)
	}
	high := a.load(avic.RegICR2)
	a.mu.Unlock()

	if offset == avic.RegICR && a.send != nil {
		a.send(value, high)
	}
}

func (a *RegisterAPIC) setBit(base uint32, vector uint8) {
	off := base + uint32(vector/32)*apicVectorBankStride
	a.store(off, a.load(off)|1<<(vector%32))
}

func (a *RegisterAPIC) clearBit(base uint32, vector uint8) {
	off := base + uint32(vector/32)*apicVectorBankStride
	a.store(off, a.load(off)&^(1<<(vector%32)))
}

// highest returns the highest vector set in the bank at base, or -1.
func (a *RegisterAPIC) highest(base uint32) int {
	for i := apicVectorBanks - 1; i >= 0; i-- {
		w := a.load(base + uint32(i)*apicVectorBankStride)
		if w != 0 {
			return i*32 + 31 - bits.LeadingZeros32(w)
		}
	}
	return -1
}

// SetIRR implements LocalAPIC.
func (a *RegisterAPIC) SetIRR(vector uint8) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setBit(apicRegIRR, vector)
}

// PendingInterrupt implements LocalAPIC. A vector is deliverable when its
// priority class is above both the TPR and the in-service class.
func (a *RegisterAPIC) PendingInterrupt() (uint8, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	irr := a.highest(apicRegIRR)
	if irr < 0 {
		return 0, false
	}
	ppr := int(a.load(apicRegTPR) & 0xf0)
	if isr := a.highest(apicRegISR); isr >= 0 && isr&0xf0 > ppr {
		ppr = isr & 0xf0
	}
	if irr&0xf0 <= ppr {
		return 0, false
	}
	return uint8(irr), true
}

// AckInterrupt implements LocalAPIC.
func (a *RegisterAPIC) AckInterrupt(vector uint8) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clearBit(apicRegIRR, vector)
	a.setBit(apicRegISR, vector)
}

// HighestIRR implements LocalAPIC.
func (a *RegisterAPIC) HighestIRR() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.highest(apicRegIRR)
}

// MatchDest implements LocalAPIC.
func (a *RegisterAPIC) MatchDest(self bool, shorthand, dest uint32, logical bool) bool {
	switch shorthand {
	case apicShorthandSelf:
		return self
	case apicShorthandAllIncSelf:
		return true
	case apicShorthandAllButSelf:
		return !self
	}

	a.mu.Lock()
	id := a.load(avic.RegID) >> apicIDShift
	ldr := a.load(avic.RegLDR) >> 24
	dfr := a.load(avic.RegDFR)
	a.mu.Unlock()

	if dest == apicBroadcast {
		return true
	}
	if !logical {
		return dest == id
	}
	if dfr == avic.DFRFlat {
		return ldr&dest != 0
	}
	return dest&apicLogicalClusterIDMask == ldr&apicLogicalClusterIDMask && dest&ldr&0xf != 0
}

// TPR implements LocalAPIC.
func (a *RegisterAPIC) TPR() uint8 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return uint8(a.load(apicRegTPR)>>4) & 0xf
}

// SetTPR implements LocalAPIC.
func (a *RegisterAPIC) SetTPR(cr8 uint8) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.store(apicRegTPR, uint32(cr8&0xf)<<4)
}

// reset loads the power-on register values for APIC ID id.
func (a *RegisterAPIC) reset(id uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.regs[:apicRegisterPageSize])
	a.store(avic.RegID, id<<apicIDShift)
	a.store(avic.RegDFR, avic.DFRFlat)
	a.store(avic.RegSPIV, apicSPIVDefault)
}

var _ LocalAPIC = &RegisterAPIC{}
