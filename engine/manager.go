package engine

import (
	"fmt"
	"sort"
	"sync"

	iface "github.com/RocketWill/ByteWhisperer/interface"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Manager owns a loaded backend and every engine created from it. The backend
// is unloaded exactly once, after all of its engines are destroyed.
type Manager struct {
	backend iface.Backend
	log     *zap.Logger

	mu      sync.Mutex
	engines map[string]*Engine
	closed  bool

	closeOnce sync.Once
	closeErr  error
}

// Open loads the configured backend and resolves its entry points.
func Open(cfg BackendConfig, log *zap.Logger) (*Manager, error) {
	var (
		b   iface.Backend
		err error
	)
	switch cfg.UseBackend {
	case BackendNative, "":
		b, err = openNativeBackend(cfg)
	case BackendOnnx:
		b, err = openOnnxBackend(cfg)
	default:
		return nil, &iface.LoadError{Path: cfg.UseBackend, Err: fmt.Errorf("unsupported backend: %s", cfg.UseBackend)}
	}
	if err != nil {
		return nil, err
	}
	m := NewManager(b, log)
	m.log.Info("backend loaded", zap.String("backend", b.Name()))
	return m, nil
}

// typed nils must not leak into iface.Backend
func openNativeBackend(cfg BackendConfig) (iface.Backend, error) {
	b, err := openNative(cfg)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func openOnnxBackend(cfg BackendConfig) (iface.Backend, error) {
	b, err := openOnnx(cfg)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// NewManager wraps an already loaded backend.
func NewManager(b iface.Backend, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		backend: b,
		log:     log,
		engines: make(map[string]*Engine),
	}
}

func (m *Manager) Backend() string { return m.backend.Name() }

// Create validates cfg and creates one engine session.
func (m *Manager) Create(cfg iface.Config) (*Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, &iface.InvalidStateError{Op: "Create", State: "unloaded"}
	}
	h, err := m.backend.CreateEngine(cfg)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		id:      uuid.New().String(),
		handle:  h,
		cfg:     cfg,
		backend: m.backend,
		manager: m,
	}
	e.state.Store(StateReady)
	m.engines[e.id] = e
	m.log.Info("engine created",
		zap.String("id", e.id),
		zap.String("model", cfg.ModelPath),
		zap.Int("inpWidth", cfg.InpWidth),
		zap.Int("inpHeight", cfg.InpHeight),
	)
	return e, nil
}

// Get returns the live engine with the given id.
func (m *Manager) Get(id string) (*Engine, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.engines[id]
	return e, ok
}

// Engines returns the live engines ordered by id.
func (m *Manager) Engines() []*Engine {
	m.mu.Lock()
	out := make([]*Engine, 0, len(m.engines))
	for _, e := range m.engines {
		out = append(out, e)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.engines, id)
	m.mu.Unlock()
}

// Close destroys every live engine, then unloads the backend. Safe to call
// more than once.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()

		var err error
		for _, e := range m.Engines() {
			err = multierr.Append(err, e.Destroy())
		}
		err = multierr.Append(err, m.backend.Close())
		m.closeErr = err
		m.log.Info("backend unloaded", zap.String("backend", m.backend.Name()), zap.Error(err))
	})
	return m.closeErr
}
