package avic

import "sync"

// Remap is an interrupt-remapping table entry the IOMMU has switched to guest
// mode, posting interrupts for HostIRQ directly into a vCPU backing page.
type Remap struct {
	HostIRQ uint32
	GATag   uint32
	Vector  uint8
}

// IRList is the set of remapping entries that target one vCPU. It is walked
// whenever the vCPU moves between physical CPUs so the IOMMU can follow it.
type IRList struct {
	mu      sync.Mutex
	entries []Remap
}

// Add records r, replacing any entry for the same host IRQ.
func (l *IRList) Add(r Remap) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, cur := range l.entries {
		if cur.HostIRQ == r.HostIRQ {
			l.entries[i] = r
			return
		}
	}
	l.entries = append(l.entries, r)
}

// Remove deletes the entry for hostIRQ and reports whether one existed.
func (l *IRList) Remove(hostIRQ uint32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, cur := range l.entries {
		if cur.HostIRQ == hostIRQ {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Each calls fn for every entry while holding the list lock, stopping at the
// first error.
func (l *IRList) Each(fn func(Remap) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, r := range l.entries {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (l *IRList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
