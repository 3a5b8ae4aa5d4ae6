package svm

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/tinyrange/svmcore/internal/config"
	"github.com/tinyrange/svmcore/internal/hostmem"
)

func TestCreateVCPUOutOfHostMemory(t *testing.T) {
	alloc := hostmem.NewAllocator(0x100000, 64*4096)
	e, err := NewEngine(config.Default(), alloc, newFakeProcessor(),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })

	vm, err := e.NewVM(VMConfig{Name: "oom"})
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	t.Cleanup(vm.Destroy)

	// Leave a single free page: the VMCB fits, the permission map does not.
	var last *hostmem.Region
	for i := 0; ; i++ {
		r, err := alloc.AllocatePages(fmt.Sprintf("filler%d", i), 1)
		if err != nil {
			break
		}
		last = r
	}
	if last == nil {
		t.Fatal("allocator had no room for a filler page")
	}
	if err := alloc.Free(last); err != nil {
		t.Fatalf("Free: %v", err)
	}
	inUse := alloc.InUse()

	for id := range 2 {
		if _, err := vm.CreateVCPU(id); !errors.Is(err, hostmem.ErrOutOfMemory) {
			t.Fatalf("CreateVCPU(%d) = %v, want ErrOutOfMemory", id, err)
		}
		if got := alloc.InUse(); got != inUse {
			t.Fatalf("in use = %#x after failed create, want %#x", got, inUse)
		}
		if vm.VCPU(id) != nil {
			t.Fatalf("vcpu %d registered after failed create", id)
		}
	}
}
