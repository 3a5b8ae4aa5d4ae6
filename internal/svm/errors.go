package svm

import (
	"errors"
	"fmt"
)

var (
	// ErrFailedEntry is returned when VMRUN rejected the VMCB.
	ErrFailedEntry = errors.New("svm: failed vmrun")
	// ErrShutdown is returned after a SHUTDOWN intercept.
	ErrShutdown = errors.New("svm: guest shutdown")
	// ErrUnhandledExit is logged for exit codes without a handler.
	ErrUnhandledExit = errors.New("svm: unhandled exit")
	// ErrInternal reports emulation failures that need host intervention.
	ErrInternal = errors.New("svm: internal error")
	// ErrDebug is wrapped by *DebugExit.
	ErrDebug = errors.New("svm: debug exit")
	// ErrSetTPR is returned when a CR8 write lowered the TPR and no local
	// APIC is emulated in the engine.
	ErrSetTPR = errors.New("svm: tpr lowered")

	ErrInvalidArgument   = errors.New("svm: invalid argument")
	ErrResourceExhausted = errors.New("svm: resource exhausted")
	ErrEmulationFailed   = errors.New("svm: emulation failed")
	ErrGuestMemory       = errors.New("svm: guest memory access failed")
)

// DebugExit is returned when a #DB or #BP has to be reported to the host
// debugger.
type DebugExit struct {
	PC        uint64
	Exception uint8
}

func (e *DebugExit) Error() string {
	return fmt.Sprintf("svm: debug exit: vector %d at %#x", e.Exception, e.PC)
}

func (e *DebugExit) Unwrap() error { return ErrDebug }
