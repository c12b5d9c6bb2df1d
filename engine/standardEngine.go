package engine

import (
	"fmt"
	"os"
	"sort"
	"sync"

	iface "github.com/RocketWill/ByteWhisperer/interface"
	"go.uber.org/multierr"
)

// nativeScratch is the number of slots handed to GetDetectionsYOLOV8, which
// has no capacity argument.
const nativeScratch = 1024

// cDetection mirrors the C Detection struct.
type cDetection struct {
	ClassID    int32
	Confidence float32
	X          int32
	Y          int32
	Width      int32
	Height     int32
}

func (d cDetection) toDetection() iface.Detection {
	return iface.Detection{
		ClassID:    int(d.ClassID),
		Confidence: d.Confidence,
		Box: iface.Rect{
			X:      int(d.X),
			Y:      int(d.Y),
			Width:  int(d.Width),
			Height: int(d.Height),
		},
	}
}

type entryPoints struct {
	create        proc
	destroy       proc
	detect        proc
	getDetections proc
}

// resolveEntryPoints looks up all four symbols and reports every missing one.
func resolveEntryPoints(path string, syms Symbols, lookup func(string) (proc, error)) (entryPoints, error) {
	var eps entryPoints
	var missing []string
	bind := func(dst *proc, capability, name string) {
		p, err := lookup(name)
		if err != nil {
			missing = append(missing, fmt.Sprintf("%s (%s)", capability, name))
			return
		}
		*dst = p
	}
	bind(&eps.create, "create", syms.Create)
	bind(&eps.destroy, "destroy", syms.Destroy)
	bind(&eps.detect, "detect", syms.Detect)
	bind(&eps.getDetections, "getDetections", syms.GetDetections)
	if len(missing) > 0 {
		return entryPoints{}, &iface.SymbolResolutionError{Path: path, Missing: missing}
	}
	return eps, nil
}

type nativeCalls struct {
	create        func(cfg iface.Config) (uintptr, error)
	destroy       func(h uintptr)
	detect        func(h uintptr, img iface.RawImage)
	getDetections func(h uintptr, scratch []cDetection) int
}

func bindCalls(eps entryPoints) nativeCalls {
	return nativeCalls{
		create:  func(cfg iface.Config) (uintptr, error) { return callCreate(eps.create, cfg) },
		destroy: func(h uintptr) { callDestroy(eps.destroy, h) },
		detect:  func(h uintptr, img iface.RawImage) { callDetect(eps.detect, h, img) },
		getDetections: func(h uintptr, scratch []cDetection) int {
			return callGetDetections(eps.getDetections, h, scratch)
		},
	}
}

type nativeHandle struct {
	mu        sync.Mutex
	destroyed bool
	// detected is false until a Detect succeeds and again after one fails.
	detected bool
}

// nativeBackend drives a YOLOv8_SDK style library through its four entry points.
type nativeBackend struct {
	path   string
	calls  nativeCalls
	unload func() error

	mu      sync.Mutex
	handles map[iface.Handle]*nativeHandle

	closeOnce sync.Once
	closeErr  error
}

func newNativeBackend(path string, calls nativeCalls, unload func() error) *nativeBackend {
	return &nativeBackend{
		path:    path,
		calls:   calls,
		unload:  unload,
		handles: make(map[iface.Handle]*nativeHandle),
	}
}

// openNative loads the configured library and binds its entry points.
func openNative(cfg BackendConfig) (*nativeBackend, error) {
	path, err := locateLibrary(cfg)
	if err != nil {
		return nil, err
	}
	if err := checkDeps(path, cfg.Deps); err != nil {
		return nil, err
	}
	if err := checkArch(path); err != nil {
		return nil, &iface.LoadError{Path: path, Err: err}
	}
	lib, err := openLibrary(path)
	if err != nil {
		return nil, &iface.LoadError{Path: path, Err: err}
	}
	eps, err := resolveEntryPoints(path, cfg.symbols(), lib.symbol)
	if err != nil {
		return nil, multierr.Append(err, lib.close())
	}
	return newNativeBackend(path, bindCalls(eps), lib.close), nil
}

func (b *nativeBackend) Name() string { return BackendNative }

func (b *nativeBackend) CreateEngine(cfg iface.Config) (iface.Handle, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	info, err := os.Stat(cfg.ModelPath)
	if err != nil {
		return 0, &iface.EngineInitError{ModelPath: cfg.ModelPath, Reason: "model file not readable", Err: err}
	}
	if info.IsDir() {
		return 0, &iface.EngineInitError{ModelPath: cfg.ModelPath, Reason: "model path is a directory"}
	}
	raw, err := b.calls.create(cfg)
	if err != nil {
		return 0, &iface.EngineInitError{ModelPath: cfg.ModelPath, Reason: "create call failed", Err: err}
	}
	if raw == 0 {
		return 0, &iface.EngineInitError{ModelPath: cfg.ModelPath, Reason: "backend returned a null handle"}
	}
	h := iface.Handle(raw)
	b.mu.Lock()
	b.handles[h] = &nativeHandle{}
	b.mu.Unlock()
	return h, nil
}

// lookup returns the locked entry for h.
func (b *nativeBackend) lookup(op string, h iface.Handle) (*nativeHandle, error) {
	b.mu.Lock()
	nh, ok := b.handles[h]
	b.mu.Unlock()
	if !ok {
		return nil, &iface.InvalidStateError{Op: op, State: StateName(StateUninitialized)}
	}
	nh.mu.Lock()
	if nh.destroyed {
		nh.mu.Unlock()
		return nil, &iface.InvalidStateError{Op: op, State: StateName(StateDestroyed)}
	}
	return nh, nil
}

func (b *nativeBackend) DestroyEngine(h iface.Handle) error {
	nh, err := b.lookup("DestroyEngine", h)
	if err != nil {
		return err
	}
	defer nh.mu.Unlock()
	b.calls.destroy(uintptr(h))
	nh.destroyed = true
	return nil
}

func (b *nativeBackend) Detect(h iface.Handle, img iface.RawImage) error {
	nh, err := b.lookup("Detect", h)
	if err != nil {
		return err
	}
	defer nh.mu.Unlock()
	nh.detected = false
	if len(img.Data) == 0 {
		return fmt.Errorf("empty image data")
	}
	if img.Width <= 0 || img.Height <= 0 {
		return fmt.Errorf("invalid original size %dx%d", img.Width, img.Height)
	}
	b.calls.detect(uintptr(h), img)
	nh.detected = true
	return nil
}

func (b *nativeBackend) GetDetections(h iface.Handle, buf []iface.Detection) (int, error) {
	nh, err := b.lookup("GetDetections", h)
	if err != nil {
		return 0, err
	}
	defer nh.mu.Unlock()
	if !nh.detected {
		return 0, nil
	}
	scratch := make([]cDetection, nativeScratch)
	total := b.calls.getDetections(uintptr(h), scratch)
	if total < 0 {
		total = 0
	}
	// The library returns detections in its own order; callers get the
	// highest confidence first, ties in library order.
	held := scratch[:min(total, nativeScratch)]
	sort.SliceStable(held, func(i, j int) bool {
		return held[i].Confidence > held[j].Confidence
	})
	n := min(len(held), len(buf))
	for i := 0; i < n; i++ {
		buf[i] = held[i].toDetection()
	}
	return total, nil
}

// Close destroys any handle still live and unloads the library once.
func (b *nativeBackend) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		live := make([]iface.Handle, 0, len(b.handles))
		for h, nh := range b.handles {
			nh.mu.Lock()
			if !nh.destroyed {
				live = append(live, h)
			}
			nh.mu.Unlock()
		}
		b.mu.Unlock()
		for _, h := range live {
			_ = b.DestroyEngine(h)
		}
		if b.unload != nil {
			b.closeErr = b.unload()
		}
	})
	return b.closeErr
}
