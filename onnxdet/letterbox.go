package onnxdet

import (
	"image"
	"image/color"
	"math"

	iface "github.com/RocketWill/ByteWhisperer/interface"
	"gocv.io/x/gocv"
)

// padColor is the gray used by the YOLOv8 exporters for letterbox borders.
var padColor = color.RGBA{R: 114, G: 114, B: 114, A: 0}

// Letterbox records how an original image was fitted into the model input.
type Letterbox struct {
	RX, RY       float64 // model pixels per original pixel
	DW, DH       int     // left and top padding in model pixels
	NewW, NewH   int     // size of the resized image before padding
	InpW, InpH   int
	OrigW, OrigH int
}

// NewLetterbox keeps the aspect ratio: both axes use the smaller ratio and the
// remaining space is split between the two sides, the extra pixel going right/bottom.
func NewLetterbox(origW, origH, inpW, inpH int) Letterbox {
	r := math.Min(float64(inpW)/float64(origW), float64(inpH)/float64(origH))
	newW := int(math.Round(float64(origW) * r))
	newH := int(math.Round(float64(origH) * r))
	return Letterbox{
		RX:    r,
		RY:    r,
		DW:    (inpW - newW) / 2,
		DH:    (inpH - newH) / 2,
		NewW:  newW,
		NewH:  newH,
		InpW:  inpW,
		InpH:  inpH,
		OrigW: origW,
		OrigH: origH,
	}
}

// ToOriginal maps a model-space box (top-left x, y, width, height) back to the
// original image: ((mx-dw)/rx, (my-dh)/ry, mw/rx, mh/ry).
func (l Letterbox) ToOriginal(mx, my, mw, mh float64) iface.Rect {
	return iface.Rect{
		X:      int(math.Round((mx - float64(l.DW)) / l.RX)),
		Y:      int(math.Round((my - float64(l.DH)) / l.RY)),
		Width:  int(math.Round(mw / l.RX)),
		Height: int(math.Round(mh / l.RY)),
	}
}

// Apply resizes src to NewW x NewH and pads it to the model input size.
// The caller owns the returned Mat.
func (l Letterbox) Apply(src gocv.Mat) gocv.Mat {
	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(src, &resized, image.Pt(l.NewW, l.NewH), 0, 0, gocv.InterpolationLinear)

	padded := gocv.NewMat()
	gocv.CopyMakeBorder(resized, &padded,
		l.DH, l.InpH-l.NewH-l.DH,
		l.DW, l.InpW-l.NewW-l.DW,
		gocv.BorderConstant, padColor)
	return padded
}
