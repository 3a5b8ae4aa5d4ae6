package avic

import (
	"math/bits"
	"sync"
	"unsafe"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

const (
	LogicalTableSize  = 256
	LogicalTableBytes = LogicalTableSize * 4

	logicalPhysIDMask = 0xff
	logicalValidBit   = uint32(1) << 31
)

// LogicalEntry is one slot of the logical APIC-ID table.
type LogicalEntry uint32

func (e LogicalEntry) Valid() bool        { return uint32(e)&logicalValidBit != 0 }
func (e LogicalEntry) PhysicalID() uint32 { return uint32(e) & logicalPhysIDMask }

// LogicalIndex returns the table slot addressed by a logical destination
// register value in flat or cluster mode.
func LogicalIndex(ldr uint32, flat bool) (int, bool) {
	dlid := (ldr >> 24) & 0xff
	if dlid == 0 {
		return 0, false
	}
	if flat {
		index := bits.TrailingZeros32(dlid)
		if index > 7 {
			return 0, false
		}
		return index, true
	}

	cluster := (dlid & 0xf0) >> 4
	low := dlid & 0x0f
	if low == 0 || cluster >= 0xf {
		return 0, false
	}
	return int(cluster<<2) + bits.TrailingZeros32(low), true
}

// LogicalTable maps logical destinations to guest physical APIC IDs.
type LogicalTable struct {
	pa uint64

	// mu serialises the mode change that clears the table; single entry
	// updates are atomic on their own.
	mu      sync.Mutex
	mode    uint32
	entries *[LogicalTableSize]atomicbitops.Uint32
}

// NewLogicalTable returns a table over page, located at host address pa.
// The page is cleared. A nil page gets private storage.
func NewLogicalTable(pa uint64, page []byte) (*LogicalTable, error) {
	if page == nil {
		page = make([]byte, LogicalTableBytes)
	}
	if err := checkPage(page, LogicalTableBytes, 4); err != nil {
		return nil, err
	}
	clear(page[:LogicalTableBytes])
	return &LogicalTable{
		pa:      pa,
		entries: (*[LogicalTableSize]atomicbitops.Uint32)(unsafe.Pointer(&page[0])),
	}, nil
}

func (t *LogicalTable) Addr() uint64 { return t.pa }

// Entry returns slot index.
func (t *LogicalTable) Entry(index int) LogicalEntry {
	if index < 0 || index >= LogicalTableSize {
		return 0
	}
	return LogicalEntry(t.entries[index].Load())
}

// Write sets the guest physical ID stored at the slot addressed by ldr.
func (t *LogicalTable) Write(ldr uint32, flat bool, physID uint32, valid bool) error {
	index, ok := LogicalIndex(ldr, flat)
	if !ok {
		return ErrInvalidArgument
	}
	p := &t.entries[index]
	for {
		old := p.Load()
		next := old&^logicalPhysIDMask | physID&logicalPhysIDMask
		if valid {
			next |= logicalValidBit
		} else {
			next &^= logicalValidBit
		}
		if p.CompareAndSwap(old, next) {
			return nil
		}
	}
}

// SetMode records the destination format model and clears the table when it
// changes. It reports whether a change happened.
func (t *LogicalTable) SetMode(mode uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.mode == mode {
		return false
	}
	for i := range t.entries {
		t.entries[i].Store(0)
	}
	t.mode = mode
	return true
}

// Mode returns the current destination format model.
func (t *LogicalTable) Mode() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}
