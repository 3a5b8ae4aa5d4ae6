package svm

import (
	"fmt"
	"sync"

	"github.com/tinyrange/svmcore/internal/debug"
	"github.com/tinyrange/svmcore/internal/hostmem"
)

// PhysicalCPU is the per-core state of the engine: the ASID allocator and the
// host save area VMRUN spills host state into. It is created when a core is
// brought up and closed when it goes offline.
type PhysicalCPU struct {
	ID     int
	APICID uint32

	// run is held for the whole entry window. Only the vCPU inside it may
	// touch the ASID counters.
	run sync.Mutex

	generation uint64
	maxASID    uint32
	nextASID   uint32

	saveArea *hostmem.Region
	mem      *hostmem.Allocator
}

// NewPhysicalCPU brings up core id. The first vCPU to enter on it always
// starts a new ASID generation.
func (e *Engine) NewPhysicalCPU(id int, apicID uint32) (*PhysicalCPU, error) {
	save, err := e.mem.AllocatePages(fmt.Sprintf("cpu%d-hsave", id), 1)
	if err != nil {
		return nil, fmt.Errorf("svm: cpu %d: allocate host save area: %w", id, err)
	}
	return &PhysicalCPU{
		ID:         id,
		APICID:     apicID,
		generation: 1,
		maxASID:    e.caps.MaxASID - 1,
		nextASID:   e.caps.MaxASID,
		saveArea:   save,
		mem:        e.mem,
	}, nil
}

// Close releases the host save area.
func (c *PhysicalCPU) Close() error {
	if c.saveArea == nil {
		return nil
	}
	err := c.mem.Free(c.saveArea)
	c.saveArea = nil
	return err
}

// SaveAreaPA is the value programmed into VM_HSAVE_PA on this core.
func (c *PhysicalCPU) SaveAreaPA() uint64 {
	if c.saveArea == nil {
		return 0
	}
	return c.saveArea.Base
}

// Generation returns the current ASID generation of the core.
func (c *PhysicalCPU) Generation() uint64 { return c.generation }

// MaxASID returns the highest ASID handed to guests on this core.
func (c *PhysicalCPU) MaxASID() uint32 { return c.maxASID }

// assignASID gives vmcb the next ASID. When the space is used up the
// generation advances, every vCPU that last ran under the old generation
// gets a fresh ASID on its next entry, and the entry that caused the wrap
// flushes all ASIDs.
func (c *PhysicalCPU) assignASID(vmcb *VMCB) (gen uint64, flushed bool) {
	if c.nextASID > c.maxASID {
		c.generation++
		c.nextASID = 1
		vmcb.Control.TLBCtl = TLBControlFlushAll
		flushed = true
	}
	vmcb.Control.ASID = c.nextASID
	c.nextASID++
	vmcb.Control.MarkDirty(CleanASID)
	return c.generation, flushed
}

// ensureASID refreshes the vCPU's ASID if the core moved to a new generation
// since its last entry.
func (v *VCPU) ensureASID(cpu *PhysicalCPU) {
	if v.asidGeneration == cpu.generation {
		return
	}
	gen, flushed := cpu.assignASID(v.vmcb)
	v.asidGeneration = gen

	var flush uint64
	if flushed {
		flush = 1
	}
	v.trace(debug.EventASID, uint64(v.vmcb.Control.ASID), gen, flush, 0)
}

// flushTLB requests a flush of this vCPU's translations on the next entry.
func (v *VCPU) flushTLB() {
	if v.vm.engine.caps.FlushByASID {
		v.vmcb.Control.TLBCtl = TLBControlFlushASID
		return
	}
	v.asidGeneration--
}
