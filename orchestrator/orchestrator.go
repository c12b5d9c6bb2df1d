// Package orchestrator sequences one command line detection run: load the
// backend, create an engine, push every image through it, render the result
// and tear everything down again.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/RocketWill/ByteWhisperer/engine"
	"github.com/RocketWill/ByteWhisperer/images"
	iface "github.com/RocketWill/ByteWhisperer/interface"
	"github.com/RocketWill/ByteWhisperer/render"
	"github.com/RocketWill/ByteWhisperer/store"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type Phase string

const (
	PhaseLoad    Phase = "load"
	PhaseResolve Phase = "resolve"
	PhaseCreate  Phase = "create"
	PhaseImage   Phase = "image"
	PhaseDetect  Phase = "detect"
	PhaseRender  Phase = "render"
)

// PhaseError tags a failure with the step it happened in and, for per-image
// steps, the image.
type PhaseError struct {
	Phase Phase
	Image string
	Err   error
}

func (e *PhaseError) Error() string {
	if e.Image != "" {
		return fmt.Sprintf("%s %s: %v", e.Phase, e.Image, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// ErrImagesFailed is returned, wrapped, when at least one image failed.
var ErrImagesFailed = errors.New("some images failed")

type Opener func(engine.BackendConfig, *zap.Logger) (*engine.Manager, error)

type Options struct {
	Backend       engine.BackendConfig
	Detector      iface.Config
	Names         []string
	MaxDetections int
	Images        []string

	// Show opens a window per image and waits for a key.
	Show bool
	// OutputDir receives the annotated images under their original names.
	OutputDir string
	History   *store.RunRepository

	// Open defaults to engine.Open.
	Open Opener
	Log  *zap.Logger
}

type ImageReport struct {
	Image      string
	Width      int
	Height     int
	Detections []iface.Detection
	Found      int
	Truncated  bool
	Elapsed    time.Duration
	Output     string
	Err        error
}

type Report struct {
	Backend  string
	EngineID string
	Images   []ImageReport
}

func (r *Report) Failed() int {
	n := 0
	for _, img := range r.Images {
		if img.Err != nil {
			n++
		}
	}
	return n
}

func setupPhase(err error) Phase {
	var symErr *iface.SymbolResolutionError
	if errors.As(err, &symErr) {
		return PhaseResolve
	}
	return PhaseLoad
}

// Run executes o. Backend and engine setup failures abort the run; a failing
// image is reported and the next one is processed.
func Run(ctx context.Context, o Options) (report *Report, err error) {
	log := o.Log
	if log == nil {
		log = zap.NewNop()
	}
	open := o.Open
	if open == nil {
		open = engine.Open
	}
	if o.MaxDetections <= 0 {
		o.MaxDetections = 100
	}

	mgr, err := open(o.Backend, log)
	if err != nil {
		return nil, &PhaseError{Phase: setupPhase(err), Err: err}
	}
	defer func() {
		if cerr := mgr.Close(); cerr != nil {
			log.Error("backend teardown failed", zap.Error(cerr))
			err = multierr.Append(err, cerr)
		}
	}()

	e, err := mgr.Create(o.Detector)
	if err != nil {
		return nil, &PhaseError{Phase: PhaseCreate, Err: err}
	}
	defer func() {
		if derr := e.Destroy(); derr != nil {
			err = multierr.Append(err, derr)
		}
	}()
	e.SetNames(o.Names)

	if o.OutputDir != "" {
		if err := os.MkdirAll(o.OutputDir, 0o755); err != nil {
			return nil, &PhaseError{Phase: PhaseRender, Err: err}
		}
	}

	report = &Report{Backend: mgr.Backend(), EngineID: e.ID()}
	for _, path := range o.Images {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		rep := runImage(e, path, o, log)
		if rep.Err != nil {
			var pe *PhaseError
			phase := PhaseDetect
			if errors.As(rep.Err, &pe) {
				phase = pe.Phase
			}
			log.Error("image failed", zap.String("image", path), zap.String("phase", string(phase)), zap.Error(rep.Err))
		}
		record(ctx, o.History, report, rep, log)
		report.Images = append(report.Images, rep)
	}

	if n := report.Failed(); n > 0 {
		return report, fmt.Errorf("%w: %d of %d", ErrImagesFailed, n, len(o.Images))
	}
	return report, nil
}

func runImage(e *engine.Engine, path string, o Options, log *zap.Logger) (rep ImageReport) {
	rep.Image = path
	img, err := images.Read(path)
	if err != nil {
		rep.Err = &PhaseError{Phase: PhaseImage, Image: path, Err: err}
		return rep
	}
	defer img.Close()
	rep.Width, rep.Height = img.Raw.Width, img.Raw.Height

	start := time.Now()
	dets, err := e.DetectAndFetch(img.Raw, o.MaxDetections)
	rep.Elapsed = time.Since(start)
	var overflow *iface.DetectionOverflowError
	switch {
	case errors.As(err, &overflow):
		rep.Found = overflow.Found
		rep.Truncated = true
		log.Warn("detections truncated", zap.String("image", path), zap.Int("found", overflow.Found), zap.Int("kept", overflow.Capacity))
	case err != nil:
		rep.Err = &PhaseError{Phase: PhaseDetect, Image: path, Err: err}
		return rep
	default:
		rep.Found = len(dets)
	}
	rep.Detections = dets

	log.Info("detected", zap.String("image", path), zap.Int("count", len(dets)), zap.Duration("elapsed", rep.Elapsed))
	for _, d := range dets {
		log.Info("detection", zap.Stringer("detection", d), zap.String("class", e.ClassName(d.ClassID)))
	}

	if !o.Show && o.OutputDir == "" {
		return rep
	}
	render.Draw(&img.Mat, dets, o.Names)
	if o.OutputDir != "" {
		out := filepath.Join(o.OutputDir, filepath.Base(path))
		if err := render.Save(out, img.Mat); err != nil {
			rep.Err = &PhaseError{Phase: PhaseRender, Image: path, Err: err}
			return rep
		}
		rep.Output = out
	}
	if o.Show {
		render.Show(filepath.Base(path), img.Mat)
	}
	return rep
}

func record(ctx context.Context, history *store.RunRepository, report *Report, rep ImageReport, log *zap.Logger) {
	if history == nil {
		return
	}
	run := &store.Run{
		Image:      rep.Image,
		Width:      rep.Width,
		Height:     rep.Height,
		Backend:    report.Backend,
		EngineID:   report.EngineID,
		Found:      rep.Found,
		Truncated:  rep.Truncated,
		Elapsed:    rep.Elapsed,
		Detections: rep.Detections,
	}
	if rep.Err != nil {
		run.Error = rep.Err.Error()
	}
	if err := history.Record(ctx, run); err != nil {
		log.Warn("history not recorded", zap.String("image", rep.Image), zap.Error(err))
	}
}
