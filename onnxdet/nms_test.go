package onnxdet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func box(index, class int, score float32, x, y, w, h float64) Candidate {
	return Candidate{ClassID: class, Score: score, X: x, Y: y, W: w, H: h, Index: index}
}

func TestIoU(t *testing.T) {
	a := box(0, 0, 1, 0, 0, 100, 100)
	b := box(1, 0, 1, 50, 50, 100, 100)
	assert.InDelta(t, 2500.0/17500.0, IoU(a, b), 1e-9)
	assert.InDelta(t, 1.0, IoU(a, a), 1e-9)
	assert.Equal(t, 0.0, IoU(a, box(2, 0, 1, 200, 200, 10, 10)))
	assert.Equal(t, 0.0, IoU(a, box(3, 0, 1, 100, 0, 10, 10)), "touching edges do not overlap")
}

func TestNMS(t *testing.T) {
	t.Run("keeps highest confidence of a cluster", func(t *testing.T) {
		cands := []Candidate{
			box(0, 0, 0.6, 10, 10, 100, 100),
			box(1, 0, 0.9, 12, 12, 100, 100),
			box(2, 0, 0.7, 300, 300, 50, 50),
		}
		kept := NMS(cands, 0.4)
		require.Len(t, kept, 2)
		assert.Equal(t, 1, kept[0].Index)
		assert.Equal(t, 2, kept[1].Index)
	})

	t.Run("classes do not suppress each other", func(t *testing.T) {
		cands := []Candidate{
			box(0, 0, 0.9, 10, 10, 100, 100),
			box(1, 1, 0.8, 10, 10, 100, 100),
		}
		assert.Len(t, NMS(cands, 0.4), 2)
	})

	t.Run("ties broken by earliest index", func(t *testing.T) {
		cands := []Candidate{
			box(5, 0, 0.8, 11, 11, 100, 100),
			box(3, 0, 0.8, 10, 10, 100, 100),
		}
		kept := NMS(cands, 0.4)
		require.Len(t, kept, 1)
		assert.Equal(t, 3, kept[0].Index)
	})

	t.Run("IoU below threshold is kept", func(t *testing.T) {
		a := box(0, 0, 0.9, 0, 0, 100, 100)
		b := box(1, 0, 0.8, 50, 50, 100, 100)
		thr := float32(IoU(a, b))
		assert.Len(t, NMS([]Candidate{a, b}, thr+1e-6), 2)
		assert.Len(t, NMS([]Candidate{a, b}, 0.1), 1)
	})

	t.Run("idempotent", func(t *testing.T) {
		cands := []Candidate{
			box(0, 0, 0.55, 0, 0, 80, 80),
			box(1, 0, 0.95, 5, 5, 80, 80),
			box(2, 1, 0.65, 5, 5, 80, 80),
			box(3, 0, 0.75, 60, 60, 80, 80),
			box(4, 2, 0.75, 400, 10, 30, 30),
			box(5, 0, 0.45, 200, 200, 40, 40),
		}
		once := NMS(cands, 0.3)
		twice := NMS(once, 0.3)
		assert.Equal(t, once, twice)
	})

	t.Run("input is not modified", func(t *testing.T) {
		cands := []Candidate{box(0, 0, 0.1, 0, 0, 1, 1), box(1, 0, 0.9, 0, 0, 1, 1)}
		_ = NMS(cands, 0.5)
		assert.Equal(t, 0, cands[0].Index)
	})
}
