// Package onnxdet is an in-process YOLOv8 detection backend on ONNX Runtime.
// It fulfils the same four-call contract as the native detection libraries:
// create, destroy, detect and fetch detections.
package onnxdet

import (
	"image"
	"os"
	"sync"

	iface "github.com/RocketWill/ByteWhisperer/interface"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gocv.io/x/gocv"
)

const BackendName = "onnx"

type session struct {
	mu        sync.Mutex
	cfg       iface.Config
	runner    Runner
	dets      []iface.Detection
	destroyed bool
}

// Backend owns the sessions created through it. Calls on one handle are
// serialized; different handles run concurrently.
type Backend struct {
	mu        sync.Mutex
	factory   RunnerFactory
	sessions  map[iface.Handle]*session
	next      iface.Handle
	release   func() error
	closeOnce sync.Once
	closeErr  error
}

// Open initializes the ONNX Runtime environment and returns a backend bound to it.
func Open(opts RuntimeOptions) (*Backend, error) {
	if err := acquireEnvironment(opts.LibPath); err != nil {
		return nil, &iface.LoadError{Path: opts.LibPath, Err: err}
	}
	b := NewBackend(NewORTRunnerFactory(opts))
	b.release = releaseEnvironment
	return b, nil
}

// NewBackend builds a backend around factory without touching ONNX Runtime.
func NewBackend(factory RunnerFactory) *Backend {
	return &Backend{
		factory:  factory,
		sessions: make(map[iface.Handle]*session),
	}
}

func (b *Backend) Name() string { return BackendName }

func (b *Backend) CreateEngine(cfg iface.Config) (iface.Handle, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	if info, err := os.Stat(cfg.ModelPath); err != nil {
		return 0, &iface.EngineInitError{ModelPath: cfg.ModelPath, Err: err}
	} else if info.IsDir() {
		return 0, &iface.EngineInitError{ModelPath: cfg.ModelPath, Reason: "model path is a directory"}
	}
	runner, err := b.factory(cfg)
	if err != nil {
		return 0, &iface.EngineInitError{ModelPath: cfg.ModelPath, Err: err}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.sessions[b.next] = &session{cfg: cfg, runner: runner}
	return b.next, nil
}

// lookup returns the live session for h, locked.
func (b *Backend) lookup(op string, h iface.Handle) (*session, error) {
	b.mu.Lock()
	s, ok := b.sessions[h]
	b.mu.Unlock()
	if !ok {
		return nil, &iface.InvalidStateError{Op: op, State: "uninitialized"}
	}
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil, &iface.InvalidStateError{Op: op, State: "destroyed"}
	}
	return s, nil
}

func (b *Backend) DestroyEngine(h iface.Handle) error {
	s, err := b.lookup("DestroyEngine", h)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.destroyed = true
	s.dets = nil
	return s.runner.Close()
}

func (b *Backend) Detect(h iface.Handle, img iface.RawImage) error {
	s, err := b.lookup("Detect", h)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	s.dets = nil
	if len(img.Data) == 0 {
		return errors.New("empty image data")
	}
	if img.Width <= 0 || img.Height <= 0 {
		return errors.Errorf("invalid original size %dx%d", img.Width, img.Height)
	}
	lb := NewLetterbox(img.Width, img.Height, s.cfg.InpWidth, s.cfg.InpHeight)
	if err := preprocess(img.Data, lb, s.runner.Input()); err != nil {
		return err
	}
	out, shape, err := s.runner.Run()
	if err != nil {
		return err
	}
	dets, err := postprocess(out, shape, s.cfg, lb)
	if err != nil {
		return err
	}
	s.dets = dets
	return nil
}

func (b *Backend) GetDetections(h iface.Handle, buf []iface.Detection) (int, error) {
	s, err := b.lookup("GetDetections", h)
	if err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	copy(buf, s.dets)
	return len(s.dets), nil
}

// Close destroys any session still alive and releases the runtime environment.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		handles := make([]iface.Handle, 0, len(b.sessions))
		for h := range b.sessions {
			handles = append(handles, h)
		}
		b.mu.Unlock()
		for _, h := range handles {
			if err := b.DestroyEngine(h); err != nil {
				var ise *iface.InvalidStateError
				if !errors.As(err, &ise) {
					b.closeErr = multierr.Append(b.closeErr, err)
				}
			}
		}
		if b.release != nil {
			b.closeErr = multierr.Append(b.closeErr, b.release())
		}
	})
	return b.closeErr
}

// preprocess decodes data, letterboxes it and writes normalized planar RGB into dst.
func preprocess(data []byte, lb Letterbox, dst []float32) error {
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return errors.Wrap(err, "decode image")
	}
	defer mat.Close()
	if mat.Empty() {
		return errors.New("decoded image is empty or unsupported format")
	}

	padded := lb.Apply(mat)
	defer padded.Close()

	blob := gocv.BlobFromImage(padded, 1.0/255.0, image.Pt(lb.InpW, lb.InpH), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()
	values, err := blob.DataPtrFloat32()
	if err != nil {
		return errors.Wrap(err, "read blob")
	}
	if len(values) != len(dst) {
		return errors.Errorf("blob holds %d values, input tensor expects %d", len(values), len(dst))
	}
	copy(dst, values)
	return nil
}
