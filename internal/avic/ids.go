// Package avic manages the per-VM tables the AMD Advanced Virtual Interrupt
// Controller reads, plus the global VM-ID space they are tagged with.
package avic

import (
	"errors"
	"fmt"
	"sync"

	"gvisor.dev/gvisor/pkg/bitmap"
)

const (
	VCPUIDBits = 8
	VCPUIDMask = 1<<VCPUIDBits - 1

	VMIDBits  = 24
	VMIDCount = 1 << VMIDBits
	VMIDMask  = VMIDCount - 1

	// MaxPhysicalID bounds the physical APIC-ID table. ID 0xff is broadcast.
	MaxPhysicalID = 255

	// HPAMask strips the low page offset and the high reserved bits from a
	// host physical address before it is written into the VMCB.
	HPAMask = ^uint64(0xfff<<52 | 0xfff)
)

var (
	ErrInvalidArgument   = errors.New("avic: invalid argument")
	ErrResourceExhausted = errors.New("avic: resource exhausted")

	ErrPhysicalIDRange = fmt.Errorf("%w: physical APIC ID out of range", ErrInvalidArgument)
)

// IDAllocator hands out VM IDs. ID 0 is never allocated so that a zero GA
// tag always means "no previous tag".
type IDAllocator struct {
	mu    sync.Mutex
	ids   bitmap.Bitmap
	limit uint32
}

// NewIDAllocator returns an allocator over the full 24-bit VM-ID space.
func NewIDAllocator() *IDAllocator {
	return newIDAllocator(VMIDCount)
}

func newIDAllocator(n uint32) *IDAllocator {
	return &IDAllocator{ids: bitmap.New(n), limit: n}
}

// Allocate returns the lowest free VM ID.
func (a *IDAllocator) Allocate() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id, err := a.ids.FirstZero(1)
	if err != nil || id >= a.limit || id > VMIDMask {
		return 0, fmt.Errorf("%w: all %d VM IDs in use", ErrResourceExhausted, a.limit-1)
	}
	a.ids.Add(id)
	return id, nil
}

// Free releases id.
func (a *IDAllocator) Free(id uint32) error {
	if id == 0 || id > VMIDMask || id >= a.limit {
		return fmt.Errorf("%w: VM ID %d", ErrInvalidArgument, id)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.ids.Remove(id)
	return nil
}

// InUse returns the number of allocated IDs.
func (a *IDAllocator) InUse() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ids.GetNumOnes()
}

// GATag packs a VM ID and vCPU ID into the tag the IOMMU reports in its
// guest-virtual-APIC log.
func GATag(vmID, vcpuID uint32) uint32 {
	return (vmID&VMIDMask)<<VCPUIDBits | vcpuID&VCPUIDMask
}

// SplitGATag reverses GATag.
func SplitGATag(tag uint32) (vmID, vcpuID uint32) {
	return (tag >> VCPUIDBits) & VMIDMask, tag & VCPUIDMask
}
