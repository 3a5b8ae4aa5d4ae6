//go:build linux

package svm

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// Pin locks the calling goroutine to its OS thread and binds that thread to
// the core. The returned function undoes both.
func (c *PhysicalCPU) Pin() (func(), error) {
	runtime.LockOSThread()

	var old unix.CPUSet
	if err := unix.SchedGetaffinity(0, &old); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("svm: cpu %d: get affinity: %w", c.ID, err)
	}

	var set unix.CPUSet
	set.Set(c.ID)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("svm: cpu %d: set affinity: %w", c.ID, err)
	}

	return func() {
		_ = unix.SchedSetaffinity(0, &old)
		runtime.UnlockOSThread()
	}, nil
}
