package iface

import (
	"fmt"
	"strings"
)

// LoadError means the backend artifact is missing or cannot be loaded in this process.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load backend %q: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// SymbolResolutionError lists every required entry point the backend lacks.
type SymbolResolutionError struct {
	Path    string
	Missing []string
}

func (e *SymbolResolutionError) Error() string {
	return fmt.Sprintf("backend %q is missing entry points: %s", e.Path, strings.Join(e.Missing, ", "))
}

// EngineInitError is returned by CreateEngine for a bad model or config.
type EngineInitError struct {
	ModelPath string
	Reason    string
	Err       error
}

func (e *EngineInitError) Error() string {
	msg := "create engine"
	if e.ModelPath != "" {
		msg += fmt.Sprintf(" for %q", e.ModelPath)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EngineInitError) Unwrap() error { return e.Err }

// InvalidStateError is returned when an operation is called out of sequence,
// e.g. Detect on a destroyed handle.
type InvalidStateError struct {
	Op    string
	State string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s: engine is %s", e.Op, e.State)
}

// DetectionOverflowError reports that more detections were found than the
// caller's buffer could hold.
type DetectionOverflowError struct {
	Found    int
	Capacity int
}

func (e *DetectionOverflowError) Error() string {
	return fmt.Sprintf("found %d detections but buffer holds %d", e.Found, e.Capacity)
}
