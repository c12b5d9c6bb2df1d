// Package service is the transport independent detection path shared by the
// gRPC and HTTP servers.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RocketWill/ByteWhisperer/engine"
	"github.com/RocketWill/ByteWhisperer/images"
	iface "github.com/RocketWill/ByteWhisperer/interface"
	"github.com/RocketWill/ByteWhisperer/monitor"
	"github.com/RocketWill/ByteWhisperer/store"
	"go.uber.org/zap"
)

// ErrBadImage marks requests whose payload cannot be decoded.
var ErrBadImage = errors.New("invalid image")

// Runner is the part of engine.Pool a Detector needs.
type Runner interface {
	Detect(ctx context.Context, img iface.RawImage) (engine.JobResult, error)
}

type Box struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type Object struct {
	ClassID    int     `json:"classId"`
	Name       string  `json:"name,omitempty"`
	Confidence float32 `json:"confidence"`
	Box        Box     `json:"box"`
}

type Result struct {
	RunID     string   `json:"runId,omitempty"`
	EngineID  string   `json:"engineId"`
	Width     int      `json:"width"`
	Height    int      `json:"height"`
	Found     int      `json:"found"`
	Truncated bool     `json:"truncated"`
	ElapsedMS float64  `json:"elapsedMs"`
	Objects   []Object `json:"objects"`
}

type Detector struct {
	Runner  Runner
	Backend string
	Names   []string
	Monitor *monitor.Monitor
	History *store.RunRepository
	Log     *zap.Logger
}

// Detect decodes data for its size, runs it on the pool and records the outcome.
func (d *Detector) Detect(ctx context.Context, name string, data []byte) (*Result, error) {
	raw, err := images.Probe(data)
	if err != nil {
		d.Monitor.Failure("image")
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}

	res, err := d.Runner.Detect(ctx, raw)
	if err == nil {
		err = res.Err
	}
	d.Monitor.Observe(res.Elapsed, res.Found, err)

	run := &store.Run{
		Image:      name,
		Width:      raw.Width,
		Height:     raw.Height,
		Backend:    d.Backend,
		EngineID:   res.EngineID,
		Found:      res.Found,
		Truncated:  res.Truncated,
		Elapsed:    res.Elapsed,
		Detections: res.Detections,
	}
	if err != nil {
		run.Error = err.Error()
	}
	d.record(ctx, run)
	if err != nil {
		return nil, err
	}

	out := &Result{
		RunID:     run.ID,
		EngineID:  res.EngineID,
		Width:     raw.Width,
		Height:    raw.Height,
		Found:     res.Found,
		Truncated: res.Truncated,
		ElapsedMS: float64(res.Elapsed) / float64(time.Millisecond),
		Objects:   make([]Object, 0, len(res.Detections)),
	}
	for _, det := range res.Detections {
		out.Objects = append(out.Objects, d.object(det))
	}
	if res.Truncated {
		d.logger().Warn("detections truncated", zap.String("image", name), zap.Int("found", res.Found), zap.Int("kept", len(res.Detections)))
	}
	return out, nil
}

func (d *Detector) object(det iface.Detection) Object {
	o := Object{
		ClassID:    det.ClassID,
		Confidence: det.Confidence,
		Box:        Box{X: det.Box.X, Y: det.Box.Y, Width: det.Box.Width, Height: det.Box.Height},
	}
	if det.ClassID >= 0 && det.ClassID < len(d.Names) {
		o.Name = d.Names[det.ClassID]
	}
	return o
}

func (d *Detector) record(ctx context.Context, run *store.Run) {
	if d.History == nil {
		return
	}
	if err := d.History.Record(ctx, run); err != nil {
		d.logger().Warn("history not recorded", zap.String("image", run.Image), zap.Error(err))
	}
}

func (d *Detector) logger() *zap.Logger {
	if d.Log == nil {
		return zap.NewNop()
	}
	return d.Log
}
