package avic

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
)

func TestIDAllocatorRoundTrip(t *testing.T) {
	a := NewIDAllocator()

	id, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if id != 1 {
		t.Fatalf("first ID = %d, want 1", id)
	}
	if err := a.Free(id); err != nil {
		t.Fatalf("Free: %v", err)
	}
	again, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if again != id {
		t.Fatalf("reallocated ID = %d, want %d", again, id)
	}
}

func TestIDAllocatorExhaustion(t *testing.T) {
	a := newIDAllocator(4)

	for want := uint32(1); want < 4; want++ {
		id, err := a.Allocate()
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if id != want {
			t.Fatalf("Allocate = %d, want %d", id, want)
		}
	}
	if _, err := a.Allocate(); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
	if a.InUse() != 3 {
		t.Fatalf("InUse = %d, want 3", a.InUse())
	}
}

func TestIDAllocatorFreeInvalid(t *testing.T) {
	a := NewIDAllocator()
	for _, id := range []uint32{0, VMIDMask + 1} {
		if err := a.Free(id); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("Free(%d): expected ErrInvalidArgument, got %v", id, err)
		}
	}
}

func TestIDAllocatorConcurrent(t *testing.T) {
	a := NewIDAllocator()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[uint32]bool)
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 32 {
				id, err := a.Allocate()
				if err != nil {
					t.Errorf("Allocate: %v", err)
					return
				}
				mu.Lock()
				if seen[id] {
					t.Errorf("ID %d handed out twice", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 256 {
		t.Fatalf("allocated %d unique IDs, want 256", len(seen))
	}
}

func TestGATag(t *testing.T) {
	tag := GATag(0x123456, 0x2a)
	vm, vcpu := SplitGATag(tag)
	if vm != 0x123456 || vcpu != 0x2a {
		t.Fatalf("SplitGATag(%#x) = %#x, %#x", tag, vm, vcpu)
	}
	// vCPU IDs wider than eight bits are truncated.
	if _, vcpu := SplitGATag(GATag(1, 0x1ff)); vcpu != 0xff {
		t.Fatalf("vcpu = %#x, want 0xff", vcpu)
	}
}

func newPhysical(t *testing.T, page []byte) *PhysicalTable {
	t.Helper()
	tbl, err := NewPhysicalTable(0x10000, page)
	if err != nil {
		t.Fatalf("NewPhysicalTable: %v", err)
	}
	return tbl
}

func newLogical(t *testing.T, page []byte) *LogicalTable {
	t.Helper()
	tbl, err := NewLogicalTable(0x11000, page)
	if err != nil {
		t.Fatalf("NewLogicalTable: %v", err)
	}
	return tbl
}

func TestTablesLiveInPage(t *testing.T) {
	page := make([]byte, 4096)
	page[0] = 0xaa
	phys := newPhysical(t, page)
	if page[0] != 0 {
		t.Fatal("physical table page not cleared")
	}
	if err := phys.Bind(3, 0x7000); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if _, err := phys.Load(3, 5, true); err != nil {
		t.Fatalf("Load: %v", err)
	}
	raw := PhysicalEntry(binary.LittleEndian.Uint64(page[3*8:]))
	if !raw.Valid() || !raw.Running() || raw.BackingPage() != 0x7000 || raw.HostPhysicalID() != 5 {
		t.Fatalf("page entry = %v", raw)
	}
	if err := phys.Move(3, 4); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if binary.LittleEndian.Uint64(page[3*8:]) != 0 || PhysicalEntry(binary.LittleEndian.Uint64(page[4*8:])) != raw {
		t.Fatal("move not reflected in page")
	}

	lpage := make([]byte, 4096)
	logical := newLogical(t, lpage)
	if err := logical.Write(0x28<<24, false, 9, true); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := LogicalEntry(binary.LittleEndian.Uint32(lpage[11*4:])); !got.Valid() || got.PhysicalID() != 9 {
		t.Fatalf("logical page entry = %#x", uint32(got))
	}
	logical.SetMode(0xf)
	if binary.LittleEndian.Uint32(lpage[11*4:]) != 0 {
		t.Fatal("mode change did not clear the page")
	}

	if _, err := NewPhysicalTable(0, make([]byte, 64)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("short page: got %v, want ErrInvalidArgument", err)
	}
}

func TestPhysicalTableBound(t *testing.T) {
	tbl := newPhysical(t, nil)

	if err := tbl.Bind(255, 0x200000); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Bind(255): expected ErrInvalidArgument, got %v", err)
	}
	if err := tbl.Bind(254, 0x200000); err != nil {
		t.Fatalf("Bind(254): %v", err)
	}
	if err := tbl.SetRunning(254, true); err != nil {
		t.Fatalf("SetRunning: %v", err)
	}

	e, err := tbl.Entry(254)
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	if !e.Valid() || !e.Running() {
		t.Fatalf("entry %v should be valid and running", e)
	}
	if e.BackingPage() != 0x200000 {
		t.Fatalf("backing page = %#x", e.BackingPage())
	}
	if !tbl.IsRunning(254) {
		t.Fatal("IsRunning(254) = false")
	}

	if err := tbl.SetRunning(254, false); err != nil {
		t.Fatalf("SetRunning: %v", err)
	}
	if tbl.IsRunning(254) {
		t.Fatal("running bit not cleared")
	}
}

func TestPhysicalTableLoadAndMove(t *testing.T) {
	tbl := newPhysical(t, nil)
	if err := tbl.Bind(1, 0x5000); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	prev, err := tbl.Load(1, 7, true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if prev.Running() {
		t.Fatal("entry should not have been running before load")
	}
	e, _ := tbl.Entry(1)
	if e.HostPhysicalID() != 7 || !e.Running() || e.BackingPage() != 0x5000 {
		t.Fatalf("after load: %v", e)
	}

	if err := tbl.Move(1, 9); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if old, _ := tbl.Entry(1); old != 0 {
		t.Fatalf("old slot not cleared: %v", old)
	}
	if moved, _ := tbl.Entry(9); moved != e {
		t.Fatalf("moved entry = %v, want %v", moved, e)
	}
}

func TestLogicalIndex(t *testing.T) {
	tests := []struct {
		name  string
		ldr   uint32
		flat  bool
		index int
		ok    bool
	}{
		{"flat bit0", 0x01 << 24, true, 0, true},
		{"flat bit7", 0x80 << 24, true, 7, true},
		{"flat zero", 0, true, 0, false},
		{"cluster 0 apic 0", 0x01 << 24, false, 0, true},
		{"cluster 2 apic 3", 0x28 << 24, false, 11, true},
		{"cluster 15 rejected", 0xf1 << 24, false, 0, false},
		{"cluster no apic", 0x30 << 24, false, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			index, ok := LogicalIndex(tt.ldr, tt.flat)
			if ok != tt.ok || (ok && index != tt.index) {
				t.Fatalf("LogicalIndex(%#x, %t) = %d, %t; want %d, %t", tt.ldr, tt.flat, index, ok, tt.index, tt.ok)
			}
		})
	}
}

func TestLogicalTableWriteAndMode(t *testing.T) {
	tbl := newLogical(t, nil)

	if err := tbl.Write(0x04<<24, true, 3, true); err != nil {
		t.Fatalf("Write: %v", err)
	}
	e := tbl.Entry(2)
	if !e.Valid() || e.PhysicalID() != 3 {
		t.Fatalf("entry = %#x", uint32(e))
	}

	if err := tbl.Write(0x04<<24, true, 0, false); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if tbl.Entry(2).Valid() {
		t.Fatal("entry should be invalid")
	}

	if err := tbl.Write(0, true, 1, true); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}

	_ = tbl.Write(0x01<<24, true, 1, true)
	if !tbl.SetMode(0xf) {
		t.Fatal("SetMode should report a change")
	}
	if tbl.Entry(0).Valid() {
		t.Fatal("mode change should clear the table")
	}
	if tbl.SetMode(0xf) {
		t.Fatal("SetMode with the same mode should be a no-op")
	}
}

func TestIRList(t *testing.T) {
	var l IRList

	l.Add(Remap{HostIRQ: 10, GATag: 1})
	l.Add(Remap{HostIRQ: 11, GATag: 1})
	l.Add(Remap{HostIRQ: 10, GATag: 2})
	if l.Len() != 2 {
		t.Fatalf("Len = %d, want 2", l.Len())
	}

	var tags []uint32
	_ = l.Each(func(r Remap) error {
		tags = append(tags, r.GATag)
		return nil
	})
	if len(tags) != 2 || tags[0] != 2 {
		t.Fatalf("tags = %v", tags)
	}

	if !l.Remove(10) || l.Remove(10) {
		t.Fatal("Remove should succeed exactly once")
	}
	stop := errors.New("stop")
	if err := l.Each(func(Remap) error { return stop }); !errors.Is(err, stop) {
		t.Fatalf("Each error = %v", err)
	}
}

func TestDecodeExitInfo(t *testing.T) {
	ipi := DecodeIncompleteIPI(0x0300_0000_0000_40fe, uint64(IPITargetNotRunning)<<32|0x05)
	if ipi.ICRHigh != 0x03000000 || ipi.ICRLow != 0x40fe || ipi.Cause != IPITargetNotRunning || ipi.Index != 5 {
		t.Fatalf("DecodeIncompleteIPI = %+v", ipi)
	}

	acc := DecodeUnacceleratedAccess(1<<32|RegLDR, 0x30)
	if !acc.Write || !acc.Trap || acc.Offset != RegLDR || acc.Vector != 0x30 {
		t.Fatalf("DecodeUnacceleratedAccess = %+v", acc)
	}
	if DecodeUnacceleratedAccess(0x3f0, 0).Trap {
		t.Fatal("offset 0x3f0 should be a fault")
	}
}
