package svm

import (
	"encoding/binary"
	"fmt"
	"slices"
)

const (
	msrpmPages = 2
	iopmPages  = 3

	msrsRangeSize = 2048
	msrsInRange   = msrsRangeSize * 8 / 2

	msrpmOffsetSlots = 16

	// MSRInvalid is the offset of an MSR outside every permission map range.
	MSRInvalid = 0xffffffff
)

var msrpmRanges = [...]uint32{0, 0xc0000000, 0xc0010000}

// MSRPMOffset returns the index of the 32-bit word of the MSR permission map
// holding the read and write bits of msr, or MSRInvalid.
func MSRPMOffset(msr uint32) uint32 {
	for i, base := range msrpmRanges {
		if msr < base || msr >= base+msrsInRange {
			continue
		}
		// Four MSRs per byte, one range per 2 KiB.
		offset := (msr-base)/4 + uint32(i)*msrsRangeSize
		return offset / 4
	}
	return MSRInvalid
}

// msrBits returns the read and write intercept bit numbers of msr within its
// permission map word.
func msrBits(msr uint32) (read, write uint) {
	read = 2 * uint(msr&0x0f)
	return read, read + 1
}

type directAccessMSR struct {
	index  uint32
	always bool
}

var directAccessMSRs = []directAccessMSR{
	{MSRSTAR, true},
	{MSRSysenterCS, true},
	{MSRGSBase, true},
	{MSRFSBase, true},
	{MSRKernelGSBase, true},
	{MSRLSTAR, true},
	{MSRCSTAR, true},
	{MSRSyscallMask, true},
	{MSRLastBranchFromIP, false},
	{MSRLastBranchToIP, false},
	{MSRLastIntFromIP, false},
	{MSRLastIntToIP, false},
}

func isDirectAccessMSR(msr uint32) bool {
	return slices.ContainsFunc(directAccessMSRs, func(m directAccessMSR) bool {
		return m.index == msr
	})
}

// buildMSRPMOffsets lists the permission map words that contain at least one
// pass-through MSR. Only those words need merging on nested VMRUN.
func buildMSRPMOffsets() ([]uint32, error) {
	offsets := make([]uint32, 0, msrpmOffsetSlots)
	for _, m := range directAccessMSRs {
		offset := MSRPMOffset(m.index)
		if offset == MSRInvalid {
			return nil, fmt.Errorf("%w: msr %#x has no permission map slot", ErrInvalidArgument, m.index)
		}
		if slices.Contains(offsets, offset) {
			continue
		}
		if len(offsets) == msrpmOffsetSlots {
			return nil, fmt.Errorf("%w: msr permission offset table full", ErrResourceExhausted)
		}
		offsets = append(offsets, offset)
	}
	return offsets, nil
}

// MSRPermissionMap is a view of an 8 KiB MSR permission map. A set bit
// intercepts the access.
type MSRPermissionMap []byte

// Word returns permission word offset.
func (m MSRPermissionMap) Word(offset uint32) uint32 {
	return binary.LittleEndian.Uint32(m[offset*4:])
}

// SetWord stores permission word offset.
func (m MSRPermissionMap) SetWord(offset, value uint32) {
	binary.LittleEndian.PutUint32(m[offset*4:], value)
}

// Reset intercepts every MSR except those always passed through.
func (m MSRPermissionMap) Reset() {
	for i := range m {
		m[i] = 0xff
	}
	for _, d := range directAccessMSRs {
		if d.always {
			_ = m.Allow(d.index, true, true)
		}
	}
}

// Allow sets whether the guest may read and write msr without an exit.
func (m MSRPermissionMap) Allow(msr uint32, read, write bool) error {
	if !isDirectAccessMSR(msr) {
		return fmt.Errorf("%w: msr %#x is not a direct access msr", ErrInvalidArgument, msr)
	}
	offset := MSRPMOffset(msr)
	if offset == MSRInvalid {
		return fmt.Errorf("%w: msr %#x", ErrInvalidArgument, msr)
	}

	rbit, wbit := msrBits(msr)
	w := m.Word(offset)
	if read {
		w &^= 1 << rbit
	} else {
		w |= 1 << rbit
	}
	if write {
		w &^= 1 << wbit
	} else {
		w |= 1 << wbit
	}
	m.SetWord(offset, w)
	return nil
}

// Intercepted reports whether a read or write of msr exits.
func (m MSRPermissionMap) Intercepted(msr uint32, write bool) bool {
	offset := MSRPMOffset(msr)
	if offset == MSRInvalid {
		return true
	}
	rbit, wbit := msrBits(msr)
	bit := rbit
	if write {
		bit = wbit
	}
	return m.Word(offset)&(1<<bit) != 0
}

// ioPermission locates the I/O permission bits covering an access of size
// bytes at port: the byte offset into the map, how many bytes to read, and
// the mask to test in the little-endian value read.
func ioPermission(port uint16, size uint) (offset uint64, length int, mask uint16) {
	start := uint(port % 8)
	length = 1
	if start+size > 8 {
		length = 2
	}
	mask = uint16(0xf>>(4-size)) << start
	return uint64(port / 8), length, mask
}
