//go:build !linux

package svm

import "runtime"

// Pin locks the calling goroutine to its OS thread. Thread affinity is only
// available on Linux.
func (c *PhysicalCPU) Pin() (func(), error) {
	runtime.LockOSThread()
	return runtime.UnlockOSThread, nil
}
