//go:build windows

package engine

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"unsafe"

	iface "github.com/RocketWill/ByteWhisperer/interface"
)

type proc = *syscall.LazyProc

type dynLib struct {
	dll *syscall.LazyDLL
}

// cConfig mirrors the C Config struct. On 64-bit Windows a struct wider than
// 8 bytes is passed by hidden reference.
type cConfig struct {
	ConfThreshold  float32
	NmsThreshold   float32
	ScoreThreshold float32
	InpWidth       int32
	InpHeight      int32
	OnnxPath       *byte
}

func setDllDirectory(dllDir string) error {
	k32 := syscall.NewLazyDLL("kernel32.dll")
	procSetDllDirectoryW := k32.NewProc("SetDllDirectoryW")
	ptr, err := syscall.UTF16PtrFromString(dllDir)
	if err != nil {
		return err
	}
	ret, _, callErr := procSetDllDirectoryW.Call(uintptr(unsafe.Pointer(ptr)))
	if ret == 0 {
		old := os.Getenv("PATH")
		_ = os.Setenv("PATH", dllDir+";"+old)
		if callErr != nil && !errors.Is(callErr, syscall.Errno(0)) {
			return fmt.Errorf("SetDllDirectoryW failed: %v", callErr)
		}
	}
	return nil
}

func openLibrary(path string) (*dynLib, error) {
	if err := setDllDirectory(filepath.Dir(path)); err != nil {
		return nil, err
	}
	mod := syscall.NewLazyDLL(path)
	if err := mod.Load(); err != nil {
		return nil, fmt.Errorf("load %s failed: %w", path, err)
	}
	return &dynLib{dll: mod}, nil
}

func (l *dynLib) symbol(name string) (proc, error) {
	p := l.dll.NewProc(name)
	if err := p.Find(); err != nil {
		return nil, err
	}
	return p, nil
}

func (l *dynLib) close() error {
	return syscall.FreeLibrary(syscall.Handle(l.dll.Handle()))
}

func callCreate(p proc, cfg iface.Config) (uintptr, error) {
	path, err := syscall.BytePtrFromString(cfg.ModelPath)
	if err != nil {
		return 0, err
	}
	if unsafe.Sizeof(uintptr(0)) == 4 {
		// 386 cdecl pushes the struct fields in order
		r, _, _ := p.Call(
			uintptr(math.Float32bits(cfg.ConfThreshold)),
			uintptr(math.Float32bits(cfg.NmsThreshold)),
			uintptr(math.Float32bits(cfg.ScoreThreshold)),
			uintptr(cfg.InpWidth),
			uintptr(cfg.InpHeight),
			uintptr(unsafe.Pointer(path)),
		)
		runtime.KeepAlive(path)
		return r, nil
	}
	c := &cConfig{
		ConfThreshold:  cfg.ConfThreshold,
		NmsThreshold:   cfg.NmsThreshold,
		ScoreThreshold: cfg.ScoreThreshold,
		InpWidth:       int32(cfg.InpWidth),
		InpHeight:      int32(cfg.InpHeight),
		OnnxPath:       path,
	}
	r, _, _ := p.Call(uintptr(unsafe.Pointer(c)))
	runtime.KeepAlive(c)
	return r, nil
}

func callDestroy(p proc, h uintptr) {
	_, _, _ = p.Call(h)
}

func callDetect(p proc, h uintptr, img iface.RawImage) {
	_, _, _ = p.Call(
		h,
		uintptr(unsafe.Pointer(&img.Data[0])),
		uintptr(len(img.Data)),
		uintptr(img.Width),
		uintptr(img.Height),
	)
	runtime.KeepAlive(img.Data)
}

func callGetDetections(p proc, h uintptr, scratch []cDetection) int {
	num := int32(len(scratch))
	_, _, _ = p.Call(
		h,
		uintptr(unsafe.Pointer(&scratch[0])),
		uintptr(unsafe.Pointer(&num)),
	)
	runtime.KeepAlive(scratch)
	return int(num)
}
