package render

import (
	"image"
	"os"
	"path/filepath"
	"testing"

	iface "github.com/RocketWill/ByteWhisperer/interface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func TestLabel(t *testing.T) {
	d := iface.Detection{ClassID: 5, Confidence: 0.87}
	assert.Equal(t, "ID: 5, Conf: 0.870000", Label(d, nil))
	assert.Equal(t, "ID: 5, Conf: 0.870000", Label(d, []string{"person"}))
	names := []string{"person", "bicycle", "car", "motorcycle", "airplane", "bus"}
	assert.Equal(t, "bus: 0.870000", Label(d, names))
}

func TestLabelOrigin(t *testing.T) {
	tests := []struct {
		name string
		box  iface.Rect
		want image.Point
	}{
		{"above box", iface.Rect{X: 50, Y: 100, Width: 20, Height: 20}, image.Pt(50, 90)},
		{"clamped to top", iface.Rect{X: 50, Y: 5, Width: 20, Height: 20}, image.Pt(50, 12)},
		{"negative x", iface.Rect{X: -30, Y: 200, Width: 20, Height: 20}, image.Pt(0, 190)},
		{"right edge", iface.Rect{X: 600, Y: 200, Width: 20, Height: 20}, image.Pt(540, 190)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LabelOrigin(tt.box, 640, 100, 12))
		})
	}
}

func TestDrawAndSave(t *testing.T) {
	img := gocv.NewMatWithSize(200, 300, gocv.MatTypeCV8UC3)
	defer img.Close()
	dets := []iface.Detection{
		{ClassID: 0, Confidence: 0.9, Box: iface.Rect{X: 10, Y: 40, Width: 100, Height: 80}},
		{ClassID: 2, Confidence: 0.6, Box: iface.Rect{X: -5, Y: -5, Width: 30, Height: 30}},
	}
	before := append([]iface.Detection(nil), dets...)

	Draw(&img, dets, nil)
	assert.Equal(t, before, dets)

	// the top-left corner of the first box is painted green
	px := img.GetVecbAt(40, 10)
	assert.Equal(t, uint8(0), px[0])
	assert.Equal(t, uint8(255), px[1])
	assert.Equal(t, uint8(0), px[2])

	out := filepath.Join(t.TempDir(), "result.jpg")
	require.NoError(t, Save(out, img))
	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}
