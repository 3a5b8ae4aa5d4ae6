package avic

import (
	"fmt"
	"unsafe"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// PhysicalTableBytes is the number of bytes of a page the physical table
// occupies.
const PhysicalTableBytes = MaxPhysicalID * 8

const (
	physHostIDMask      = 0xff
	physBackingPageMask = uint64(0xffffffffff) << 12
	physRunningBit      = uint64(1) << 62
	physValidBit        = uint64(1) << 63
)

// PhysicalEntry is one slot of the physical APIC-ID table.
type PhysicalEntry uint64

// NewPhysicalEntry returns a valid, not-running entry for a backing page.
func NewPhysicalEntry(backingPA uint64) PhysicalEntry {
	return PhysicalEntry(backingPA&physBackingPageMask | physValidBit)
}

func (e PhysicalEntry) Valid() bool            { return uint64(e)&physValidBit != 0 }
func (e PhysicalEntry) Running() bool          { return uint64(e)&physRunningBit != 0 }
func (e PhysicalEntry) BackingPage() uint64    { return uint64(e) & physBackingPageMask }
func (e PhysicalEntry) HostPhysicalID() uint32 { return uint32(uint64(e) & physHostIDMask) }

func (e PhysicalEntry) String() string {
	return fmt.Sprintf("backing=%#x host=%d valid=%t running=%t", e.BackingPage(), e.HostPhysicalID(), e.Valid(), e.Running())
}

// PhysicalTable maps guest physical APIC IDs to vAPIC backing pages. Entries
// live in the table page itself, where hardware and other vCPUs read them
// without a lock, so every update is a single atomic store or
// compare-and-swap.
type PhysicalTable struct {
	pa      uint64
	entries *[MaxPhysicalID]atomicbitops.Uint64
}

// NewPhysicalTable returns a table over page, located at host address pa.
// The page is cleared. A nil page gets private storage.
func NewPhysicalTable(pa uint64, page []byte) (*PhysicalTable, error) {
	if page == nil {
		page = make([]byte, PhysicalTableBytes)
	}
	if err := checkPage(page, PhysicalTableBytes, 8); err != nil {
		return nil, err
	}
	clear(page[:PhysicalTableBytes])
	return &PhysicalTable{
		pa:      pa,
		entries: (*[MaxPhysicalID]atomicbitops.Uint64)(unsafe.Pointer(&page[0])),
	}, nil
}

func checkPage(page []byte, size int, align uintptr) error {
	if len(page) < size {
		return fmt.Errorf("%w: table page is %d bytes, need %d", ErrInvalidArgument, len(page), size)
	}
	if uintptr(unsafe.Pointer(&page[0]))%align != 0 {
		return fmt.Errorf("%w: table page not %d byte aligned", ErrInvalidArgument, align)
	}
	return nil
}

// Addr returns the host physical address of the table.
func (t *PhysicalTable) Addr() uint64 { return t.pa }

func checkPhysicalID(id uint32) error {
	if id >= MaxPhysicalID {
		return fmt.Errorf("%w: %d >= %d", ErrPhysicalIDRange, id, MaxPhysicalID)
	}
	return nil
}

// Bind points slot id at a vCPU backing page and marks it valid.
func (t *PhysicalTable) Bind(id uint32, backingPA uint64) error {
	if err := checkPhysicalID(id); err != nil {
		return err
	}
	t.entries[id].Store(uint64(NewPhysicalEntry(backingPA)))
	return nil
}

// Entry returns the current contents of slot id.
func (t *PhysicalTable) Entry(id uint32) (PhysicalEntry, error) {
	if err := checkPhysicalID(id); err != nil {
		return 0, err
	}
	return PhysicalEntry(t.entries[id].Load()), nil
}

func (t *PhysicalTable) update(id uint32, fn func(uint64) uint64) (PhysicalEntry, error) {
	if err := checkPhysicalID(id); err != nil {
		return 0, err
	}
	e := &t.entries[id]
	for {
		old := e.Load()
		next := fn(old)
		if e.CompareAndSwap(old, next) {
			return PhysicalEntry(next), nil
		}
	}
}

// SetRunning sets or clears the is-running bit of slot id.
func (t *PhysicalTable) SetRunning(id uint32, running bool) error {
	_, err := t.update(id, func(v uint64) uint64 {
		if running {
			return v | physRunningBit
		}
		return v &^ physRunningBit
	})
	return err
}

// Load records the host physical APIC ID slot id is scheduled on and its
// running state, returning the entry as it was before the update.
func (t *PhysicalTable) Load(id, hostID uint32, running bool) (PhysicalEntry, error) {
	var prev uint64
	_, err := t.update(id, func(v uint64) uint64 {
		prev = v
		v = v&^physHostIDMask | uint64(hostID)&physHostIDMask
		v &^= physRunningBit
		if running {
			v |= physRunningBit
		}
		return v
	})
	return PhysicalEntry(prev), err
}

// IsRunning reports whether slot id is marked running.
func (t *PhysicalTable) IsRunning(id uint32) bool {
	e, err := t.Entry(id)
	return err == nil && e.Running()
}

// Move relocates the entry in slot from to slot to and clears slot from.
func (t *PhysicalTable) Move(from, to uint32) error {
	if err := checkPhysicalID(from); err != nil {
		return err
	}
	if err := checkPhysicalID(to); err != nil {
		return err
	}
	t.entries[to].Store(t.entries[from].Load())
	t.entries[from].Store(0)
	return nil
}

// Clear invalidates slot id.
func (t *PhysicalTable) Clear(id uint32) error {
	if err := checkPhysicalID(id); err != nil {
		return err
	}
	t.entries[id].Store(0)
	return nil
}
