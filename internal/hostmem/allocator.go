package hostmem

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"gvisor.dev/gvisor/pkg/hostarch"
)

var (
	ErrOutOfMemory  = errors.New("host memory exhausted")
	ErrNotAllocated = errors.New("region not allocated")
)

// Region is a page-aligned block of host memory with a stable physical address.
type Region struct {
	Name string
	Base uint64
	Size uint64

	data []byte
}

// Bytes returns the backing storage of the region.
func (r *Region) Bytes() []byte {
	return r.data
}

// End returns the first address after the region.
func (r *Region) End() uint64 {
	return r.Base + r.Size
}

// Clear zeroes the region.
func (r *Region) Clear() {
	clear(r.data)
}

// Fill sets every byte of the region to b.
func (r *Region) Fill(b byte) {
	for i := range r.data {
		r.data[i] = b
	}
}

// Request describes a host memory allocation.
type Request struct {
	Name string
	Size uint64
	// Alignment defaults to the page size when zero.
	Alignment uint64
}

// Allocator hands out host-physical ranges for structures the processor
// addresses by physical address: VMCBs, permission maps and AVIC tables.
// Freed ranges of the same size are reused before the bump pointer advances.
type Allocator struct {
	mu sync.Mutex

	base uint64
	size uint64

	next    uint64
	regions map[uint64]*Region
	free    map[uint64][]uint64
}

// NewAllocator creates an allocator over [base, base+size).
func NewAllocator(base, size uint64) *Allocator {
	return &Allocator{
		base:    base,
		size:    size,
		next:    alignUp(base, hostarch.PageSize),
		regions: make(map[uint64]*Region),
		free:    make(map[uint64][]uint64),
	}
}

// AllocatePages allocates n contiguous zeroed pages.
func (a *Allocator) AllocatePages(name string, n int) (*Region, error) {
	if n <= 0 {
		return nil, fmt.Errorf("hostmem: cannot allocate %d pages for %s", n, name)
	}
	return a.Allocate(Request{Name: name, Size: uint64(n) * hostarch.PageSize})
}

// Allocate allocates a zeroed region with the specified requirements.
func (a *Allocator) Allocate(req Request) (*Region, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.Size == 0 {
		return nil, fmt.Errorf("hostmem: cannot allocate zero-size region for %s", req.Name)
	}

	alignment := req.Alignment
	if alignment == 0 {
		alignment = hostarch.PageSize
	}
	if alignment&(alignment-1) != 0 {
		return nil, fmt.Errorf("hostmem: alignment 0x%x is not a power of 2 for %s", alignment, req.Name)
	}

	size := alignUp(req.Size, hostarch.PageSize)

	if bases := a.free[size]; len(bases) > 0 {
		for i, base := range bases {
			if base&(alignment-1) != 0 {
				continue
			}
			a.free[size] = append(bases[:i], bases[i+1:]...)
			return a.track(req.Name, base, size), nil
		}
	}

	base := alignUp(a.next, alignment)
	if base+size > a.base+a.size || base+size < base {
		return nil, fmt.Errorf("hostmem: %s needs 0x%x bytes: %w", req.Name, size, ErrOutOfMemory)
	}
	a.next = base + size

	return a.track(req.Name, base, size), nil
}

func (a *Allocator) track(name string, base, size uint64) *Region {
	r := &Region{
		Name: name,
		Base: base,
		Size: size,
		data: make([]byte, size),
	}
	a.regions[base] = r
	return r
}

// Free returns a region to the allocator. The region must not be used afterwards.
func (a *Allocator) Free(r *Region) error {
	if r == nil {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if got, ok := a.regions[r.Base]; !ok || got != r {
		return fmt.Errorf("hostmem: free %s at 0x%x: %w", r.Name, r.Base, ErrNotAllocated)
	}
	delete(a.regions, r.Base)
	a.free[r.Size] = append(a.free[r.Size], r.Base)
	r.data = nil
	return nil
}

// Lookup returns the region containing the physical address pa.
func (a *Allocator) Lookup(pa uint64) (*Region, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if pa < a.base || pa >= a.next {
		return nil, false
	}

	base := uint64(hostarch.Addr(pa).RoundDown())
	for {
		if r, ok := a.regions[base]; ok {
			if pa < r.End() {
				return r, true
			}
			return nil, false
		}
		if base == a.base || base < hostarch.PageSize {
			return nil, false
		}
		base -= hostarch.PageSize
	}
}

// Regions returns a snapshot of all live regions ordered by address.
func (a *Allocator) Regions() []Region {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]Region, 0, len(a.regions))
	for _, r := range a.regions {
		result = append(result, Region{Name: r.Name, Base: r.Base, Size: r.Size})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Base < result[j].Base })
	return result
}

// InUse returns the number of bytes currently allocated.
func (a *Allocator) InUse() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var total uint64
	for _, r := range a.regions {
		total += r.Size
	}
	return total
}

// alignUp aligns value up to the specified alignment.
func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
