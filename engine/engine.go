package engine

import (
	"fmt"
	"sync"
	"sync/atomic"

	iface "github.com/RocketWill/ByteWhisperer/interface"
	"go.uber.org/zap"
)

// Engine is one backend session. All calls on its handle are serialized.
type Engine struct {
	id      string
	handle  iface.Handle
	cfg     iface.Config
	backend iface.Backend
	manager *Manager

	mu    sync.Mutex
	names []string
	state atomic.Int32

	destroyOnce sync.Once
	destroyErr  error
}

func (e *Engine) ID() string { return e.id }

// Config returns the configuration the engine was created with.
func (e *Engine) Config() iface.Config { return e.cfg }

func (e *Engine) State() int { return int(e.state.Load()) }

func (e *Engine) SetNames(names []string) {
	e.mu.Lock()
	e.names = append([]string(nil), names...)
	e.mu.Unlock()
}

func (e *Engine) Names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.names...)
}

// ClassName returns the label for id, or "" without a names list.
func (e *Engine) ClassName(id int) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id < 0 || id >= len(e.names) {
		return ""
	}
	return e.names[id]
}

func (e *Engine) Info() iface.EngineInfo {
	return iface.EngineInfo{
		ID:      e.id,
		Backend: e.backend.Name(),
		Config:  e.cfg,
		Names:   e.Names(),
		State:   e.State(),
	}
}

func (e *Engine) ready(op string) error {
	if s := e.State(); s != StateReady {
		return &iface.InvalidStateError{Op: op, State: StateName(s)}
	}
	return nil
}

// Detect replaces the engine's detections with those found in img.
func (e *Engine) Detect(img iface.RawImage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.detect(img)
}

func (e *Engine) detect(img iface.RawImage) error {
	if err := e.ready("Detect"); err != nil {
		return err
	}
	e.state.Store(StateBusy)
	defer e.state.Store(StateReady)
	return e.backend.Detect(e.handle, img)
}

// Detections fetches at most capacity detections. When more were found the
// truncated slice is returned together with a DetectionOverflowError.
func (e *Engine) Detections(capacity int) ([]iface.Detection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.detections(capacity)
}

func (e *Engine) detections(capacity int) ([]iface.Detection, error) {
	if capacity < 0 {
		return nil, fmt.Errorf("negative capacity %d", capacity)
	}
	if err := e.ready("GetDetections"); err != nil {
		return nil, err
	}
	buf := make([]iface.Detection, capacity)
	total, err := e.backend.GetDetections(e.handle, buf)
	if err != nil {
		return nil, err
	}
	n := min(total, capacity)
	if total > capacity {
		return buf[:n], &iface.DetectionOverflowError{Found: total, Capacity: capacity}
	}
	return buf[:n], nil
}

// DetectAndFetch runs Detect and Detections without letting another caller in between.
func (e *Engine) DetectAndFetch(img iface.RawImage, capacity int) ([]iface.Detection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.detect(img); err != nil {
		return nil, err
	}
	return e.detections(capacity)
}

// Destroy releases the handle. Only the first call reaches the backend.
func (e *Engine) Destroy() error {
	e.destroyOnce.Do(func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.destroyErr = e.backend.DestroyEngine(e.handle)
		e.state.Store(StateDestroyed)
		if e.manager != nil {
			e.manager.forget(e.id)
			e.manager.log.Info("engine destroyed", zap.String("id", e.id))
		}
	})
	return e.destroyErr
}
