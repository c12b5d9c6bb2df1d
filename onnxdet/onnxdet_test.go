package onnxdet

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	iface "github.com/RocketWill/ByteWhisperer/interface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

const numClasses = 3

type fakeBox struct {
	cx, cy, w, h float32
	class        int
	score        float32
}

// headOutput builds a channels-first YOLOv8 head with one anchor per box.
func headOutput(boxes ...fakeBox) ([]float32, []int64) {
	channels := 4 + numClasses
	anchors := len(boxes)
	data := make([]float32, channels*anchors)
	for i, b := range boxes {
		data[0*anchors+i] = b.cx
		data[1*anchors+i] = b.cy
		data[2*anchors+i] = b.w
		data[3*anchors+i] = b.h
		data[(4+b.class)*anchors+i] = b.score
	}
	return data, []int64{1, int64(channels), int64(anchors)}
}

type fakeRunner struct {
	input  []float32
	out    []float32
	shape  []int64
	runs   int
	closed bool
}

func (f *fakeRunner) Input() []float32 { return f.input }

func (f *fakeRunner) Run() ([]float32, []int64, error) {
	f.runs++
	return f.out, f.shape, nil
}

func (f *fakeRunner) Close() error {
	f.closed = true
	return nil
}

func fakeFactory(runners *[]*fakeRunner, boxes ...fakeBox) RunnerFactory {
	return func(cfg iface.Config) (Runner, error) {
		out, shape := headOutput(boxes...)
		r := &fakeRunner{input: make([]float32, 3*cfg.InpWidth*cfg.InpHeight), out: out, shape: shape}
		*runners = append(*runners, r)
		return r, nil
	}
}

func testModel(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "model.onnx")
	require.NoError(t, os.WriteFile(p, []byte("onnx"), 0o644))
	return p
}

func testConfig(t *testing.T) iface.Config {
	return iface.Config{
		ConfThreshold:  0.5,
		NmsThreshold:   0.4,
		ScoreThreshold: 0.3,
		InpWidth:       640,
		InpHeight:      640,
		ModelPath:      testModel(t),
	}
}

func encodedImage(t *testing.T, width, height int) iface.RawImage {
	t.Helper()
	mat := gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC3)
	defer mat.Close()
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, mat)
	require.NoError(t, err)
	defer buf.Close()
	return iface.RawImage{Data: append([]byte(nil), buf.GetBytes()...), Width: width, Height: height}
}

func TestBackend_CreateEngine(t *testing.T) {
	var runners []*fakeRunner
	b := NewBackend(fakeFactory(&runners))

	t.Run("valid config", func(t *testing.T) {
		h, err := b.CreateEngine(testConfig(t))
		require.NoError(t, err)
		assert.NotZero(t, h)
		require.NoError(t, b.DestroyEngine(h))
		assert.True(t, runners[0].closed)
	})

	t.Run("missing model file", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.ModelPath = filepath.Join(t.TempDir(), "missing.onnx")
		for i := 0; i < 2; i++ {
			_, err := b.CreateEngine(cfg)
			var initErr *iface.EngineInitError
			require.True(t, errors.As(err, &initErr))
			assert.Equal(t, cfg.ModelPath, initErr.ModelPath)
		}
	})

	t.Run("non-positive input size", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.InpHeight = 0
		_, err := b.CreateEngine(cfg)
		var initErr *iface.EngineInitError
		assert.True(t, errors.As(err, &initErr))
	})
}

func TestBackend_Detect(t *testing.T) {
	object := fakeBox{cx: 125, cy: 125, w: 50, h: 50, class: 0, score: 0.9}

	t.Run("original equals input size", func(t *testing.T) {
		var runners []*fakeRunner
		b := NewBackend(fakeFactory(&runners, object))
		h, err := b.CreateEngine(testConfig(t))
		require.NoError(t, err)
		defer b.DestroyEngine(h)

		require.NoError(t, b.Detect(h, encodedImage(t, 640, 640)))
		buf := make([]iface.Detection, 10)
		n, err := b.GetDetections(h, buf)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		assert.Equal(t, iface.Rect{X: 100, Y: 100, Width: 50, Height: 50}, buf[0].Box)
		assert.Equal(t, 0, buf[0].ClassID)
		assert.InDelta(t, 0.9, buf[0].Confidence, 1e-6)
	})

	t.Run("letterboxed wide original", func(t *testing.T) {
		var runners []*fakeRunner
		b := NewBackend(fakeFactory(&runners, object))
		h, err := b.CreateEngine(testConfig(t))
		require.NoError(t, err)
		defer b.DestroyEngine(h)

		require.NoError(t, b.Detect(h, encodedImage(t, 1280, 640)))
		buf := make([]iface.Detection, 1)
		n, err := b.GetDetections(h, buf)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		assert.Equal(t, iface.Rect{X: 200, Y: -120, Width: 100, Height: 100}, buf[0].Box)
	})

	t.Run("input tensor is normalized", func(t *testing.T) {
		var runners []*fakeRunner
		b := NewBackend(fakeFactory(&runners, object))
		h, err := b.CreateEngine(testConfig(t))
		require.NoError(t, err)
		defer b.DestroyEngine(h)

		require.NoError(t, b.Detect(h, encodedImage(t, 320, 320)))
		for _, v := range runners[0].input {
			require.True(t, v >= 0 && v <= 1)
		}
	})

	t.Run("invalid image clears previous detections", func(t *testing.T) {
		var runners []*fakeRunner
		b := NewBackend(fakeFactory(&runners, object))
		h, err := b.CreateEngine(testConfig(t))
		require.NoError(t, err)
		defer b.DestroyEngine(h)

		require.NoError(t, b.Detect(h, encodedImage(t, 640, 640)))
		assert.Error(t, b.Detect(h, iface.RawImage{Data: []byte("not an image"), Width: 640, Height: 640}))
		n, err := b.GetDetections(h, nil)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

func TestBackend_GetDetections(t *testing.T) {
	boxes := []fakeBox{
		{cx: 50, cy: 50, w: 20, h: 20, class: 0, score: 0.6},
		{cx: 200, cy: 200, w: 20, h: 20, class: 1, score: 0.95},
		{cx: 400, cy: 400, w: 20, h: 20, class: 2, score: 0.8},
		{cx: 52, cy: 52, w: 20, h: 20, class: 0, score: 0.55},  // suppressed by the first
		{cx: 600, cy: 20, w: 10, h: 10, class: 1, score: 0.4},  // below confThreshold
		{cx: 600, cy: 600, w: 10, h: 10, class: 2, score: 0.1}, // below scoreThreshold
	}
	var runners []*fakeRunner
	b := NewBackend(fakeFactory(&runners, boxes...))
	h, err := b.CreateEngine(testConfig(t))
	require.NoError(t, err)
	defer b.DestroyEngine(h)
	require.NoError(t, b.Detect(h, encodedImage(t, 640, 640)))

	for _, capacity := range []int{0, 1, 3, 8} {
		buf := make([]iface.Detection, capacity)
		for i := range buf {
			buf[i].ClassID = -1
		}
		total, err := b.GetDetections(h, buf)
		require.NoError(t, err)
		assert.Equal(t, 3, total, "capacity %d", capacity)
		for i := range buf {
			if i < 3 {
				assert.NotEqual(t, -1, buf[i].ClassID, "slot %d of %d", i, capacity)
			} else {
				assert.Equal(t, -1, buf[i].ClassID, "slot %d of %d written", i, capacity)
			}
		}
	}

	buf := make([]iface.Detection, 3)
	_, err = b.GetDetections(h, buf)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 0}, []int{buf[0].ClassID, buf[1].ClassID, buf[2].ClassID})
}

func TestBackend_Deterministic(t *testing.T) {
	boxes := []fakeBox{
		{cx: 100, cy: 100, w: 40, h: 40, class: 0, score: 0.7},
		{cx: 104, cy: 104, w: 40, h: 40, class: 0, score: 0.7},
		{cx: 300, cy: 300, w: 40, h: 40, class: 1, score: 0.7},
	}
	var runners []*fakeRunner
	b := NewBackend(fakeFactory(&runners, boxes...))
	h, err := b.CreateEngine(testConfig(t))
	require.NoError(t, err)
	defer b.DestroyEngine(h)

	img := encodedImage(t, 800, 600)
	var first []iface.Detection
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Detect(h, img))
		buf := make([]iface.Detection, 10)
		n, err := b.GetDetections(h, buf)
		require.NoError(t, err)
		if first == nil {
			first = buf[:n]
			continue
		}
		assert.Equal(t, first, buf[:n])
	}
	assert.Len(t, first, 2)
}

func TestBackend_Lifecycle(t *testing.T) {
	var runners []*fakeRunner
	b := NewBackend(fakeFactory(&runners))
	img := encodedImage(t, 64, 64)

	t.Run("unknown handle", func(t *testing.T) {
		err := b.Detect(iface.Handle(42), img)
		var ise *iface.InvalidStateError
		require.True(t, errors.As(err, &ise))
		assert.Equal(t, "uninitialized", ise.State)
	})

	t.Run("detect after destroy", func(t *testing.T) {
		h, err := b.CreateEngine(testConfig(t))
		require.NoError(t, err)
		require.NoError(t, b.DestroyEngine(h))

		var ise *iface.InvalidStateError
		require.True(t, errors.As(b.Detect(h, img), &ise))
		assert.Equal(t, "destroyed", ise.State)
		_, err = b.GetDetections(h, make([]iface.Detection, 1))
		assert.True(t, errors.As(err, &ise))
		assert.True(t, errors.As(b.DestroyEngine(h), &ise))
	})

	t.Run("close destroys live sessions", func(t *testing.T) {
		before := len(runners)
		_, err := b.CreateEngine(testConfig(t))
		require.NoError(t, err)
		require.NoError(t, b.Close())
		assert.True(t, runners[before].closed)
		assert.NoError(t, b.Close())
	})
}
