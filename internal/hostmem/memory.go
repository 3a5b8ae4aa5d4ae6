package hostmem

import (
	"errors"
	"fmt"
	"sync"

	"gvisor.dev/gvisor/pkg/hostarch"
)

var ErrOutOfRange = errors.New("guest physical address out of range")

// Memory is a sparse guest-physical address space. Pages are materialised on
// first write and read back as zero until then.
type Memory struct {
	mu    sync.RWMutex
	size  uint64
	pages map[uint64][]byte
}

// NewMemory creates guest memory covering [0, size).
func NewMemory(size uint64) *Memory {
	return &Memory{
		size:  size,
		pages: make(map[uint64][]byte),
	}
}

// Size returns the size of the address space in bytes.
func (m *Memory) Size() uint64 { return m.size }

func (m *Memory) check(off int64, n int) error {
	if off < 0 {
		return fmt.Errorf("hostmem: negative offset %d: %w", off, ErrOutOfRange)
	}
	end := uint64(off) + uint64(n)
	if end < uint64(off) || end > m.size {
		return fmt.Errorf("hostmem: access [0x%x, 0x%x) beyond 0x%x: %w", off, end, m.size, ErrOutOfRange)
	}
	return nil
}

// ReadAt implements io.ReaderAt.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if err := m.check(off, len(p)); err != nil {
		return 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	addr := uint64(off)
	done := 0
	for done < len(p) {
		page := uint64(hostarch.Addr(addr).RoundDown())
		pageOff := addr - page
		n := min(uint64(len(p)-done), hostarch.PageSize-pageOff)
		if data, ok := m.pages[page]; ok {
			copy(p[done:done+int(n)], data[pageOff:pageOff+n])
		} else {
			clear(p[done : done+int(n)])
		}
		done += int(n)
		addr += n
	}
	return done, nil
}

// WriteAt implements io.WriterAt.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if err := m.check(off, len(p)); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	addr := uint64(off)
	done := 0
	for done < len(p) {
		page := uint64(hostarch.Addr(addr).RoundDown())
		pageOff := addr - page
		n := min(uint64(len(p)-done), hostarch.PageSize-pageOff)
		data, ok := m.pages[page]
		if !ok {
			data = make([]byte, hostarch.PageSize)
			m.pages[page] = data
		}
		copy(data[pageOff:pageOff+n], p[done:done+int(n)])
		done += int(n)
		addr += n
	}
	return done, nil
}

// ResidentPages returns the number of pages that have been written.
func (m *Memory) ResidentPages() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pages)
}
