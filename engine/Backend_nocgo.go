//go:build !windows && !cgo

package engine

import (
	"errors"

	iface "github.com/RocketWill/ByteWhisperer/interface"
)

var errNoLoader = errors.New("native backends need cgo on this platform")

type proc = uintptr

type dynLib struct{}

func openLibrary(string) (*dynLib, error) { return nil, errNoLoader }

func (*dynLib) symbol(string) (proc, error) { return 0, errNoLoader }

func (*dynLib) close() error { return nil }

func callCreate(proc, iface.Config) (uintptr, error) { return 0, errNoLoader }

func callDestroy(proc, uintptr) {}

func callDetect(proc, uintptr, iface.RawImage) {}

func callGetDetections(proc, uintptr, []cDetection) int { return 0 }
