package service

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/RocketWill/ByteWhisperer/engine"
	"github.com/RocketWill/ByteWhisperer/images"
	iface "github.com/RocketWill/ByteWhisperer/interface"
	"github.com/RocketWill/ByteWhisperer/monitor"
	"github.com/RocketWill/ByteWhisperer/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	res   engine.JobResult
	err   error
	calls int
	last  iface.RawImage
}

func (f *fakeRunner) Detect(ctx context.Context, img iface.RawImage) (engine.JobResult, error) {
	f.calls++
	f.last = img
	return f.res, f.err
}

func newHistory(t *testing.T) *store.RunRepository {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s.Runs()
}

func TestDetector_Detect(t *testing.T) {
	raw, err := images.Blank(640, 480)
	require.NoError(t, err)

	runner := &fakeRunner{res: engine.JobResult{
		EngineID: "engine-0",
		Detections: []iface.Detection{
			{ClassID: 0, Confidence: 0.91, Box: iface.Rect{X: 1, Y: 2, Width: 3, Height: 4}},
			{ClassID: 7, Confidence: 0.55, Box: iface.Rect{X: 5, Y: 6, Width: 7, Height: 8}},
		},
		Found:     5,
		Truncated: true,
		Elapsed:   12 * time.Millisecond,
	}}
	mon, err := monitor.New()
	require.NoError(t, err)
	history := newHistory(t)

	d := &Detector{Runner: runner, Backend: "onnx", Names: []string{"person", "bicycle"}, Monitor: mon, History: history}
	res, err := d.Detect(context.Background(), "street.jpg", raw.Data)
	require.NoError(t, err)

	assert.Equal(t, 1, runner.calls)
	assert.Equal(t, 640, runner.last.Width)
	assert.Equal(t, 480, runner.last.Height)

	assert.Equal(t, "engine-0", res.EngineID)
	assert.Equal(t, 5, res.Found)
	assert.True(t, res.Truncated)
	assert.InDelta(t, 12.0, res.ElapsedMS, 1e-9)
	require.Len(t, res.Objects, 2)
	assert.Equal(t, "person", res.Objects[0].Name)
	assert.Equal(t, Box{X: 1, Y: 2, Width: 3, Height: 4}, res.Objects[0].Box)
	assert.Empty(t, res.Objects[1].Name, "class id outside the names list")

	require.NotEmpty(t, res.RunID)
	run, err := history.Get(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, "street.jpg", run.Image)
	assert.Equal(t, "onnx", run.Backend)
	assert.Equal(t, 5, run.Found)
	assert.Len(t, run.Detections, 2)
}

func TestDetector_BadImage(t *testing.T) {
	runner := &fakeRunner{}
	d := &Detector{Runner: runner}

	_, err := d.Detect(context.Background(), "x", []byte("not an image"))
	assert.ErrorIs(t, err, ErrBadImage)
	_, err = d.Detect(context.Background(), "x", nil)
	assert.ErrorIs(t, err, ErrBadImage)
	assert.Zero(t, runner.calls)
}

func TestDetector_EngineFailure(t *testing.T) {
	raw, err := images.Blank(32, 32)
	require.NoError(t, err)
	history := newHistory(t)

	boom := errors.New("inference failed")
	d := &Detector{Runner: &fakeRunner{res: engine.JobResult{EngineID: "engine-1", Err: boom}}, History: history}
	_, err = d.Detect(context.Background(), "a.jpg", raw.Data)
	assert.ErrorIs(t, err, boom)

	d.Runner = &fakeRunner{err: engine.ErrPoolClosed}
	_, err = d.Detect(context.Background(), "b.jpg", raw.Data)
	assert.ErrorIs(t, err, engine.ErrPoolClosed)

	runs, err := history.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, r := range runs {
		assert.NotEmpty(t, r.Error)
	}
}
