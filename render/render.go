// Package render draws detections onto an image and shows or saves it.
package render

import (
	"fmt"
	"image"
	"image/color"

	iface "github.com/RocketWill/ByteWhisperer/interface"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

var boxColor = color.RGBA{R: 0, G: 255, B: 0, A: 0}

const (
	thickness  = 2
	fontScale  = 0.5
	labelShift = 10
)

// Label is the text drawn above a box: the class name when one is known,
// otherwise the raw id.
func Label(d iface.Detection, names []string) string {
	if d.ClassID >= 0 && d.ClassID < len(names) {
		return fmt.Sprintf("%s: %f", names[d.ClassID], d.Confidence)
	}
	return fmt.Sprintf("ID: %d, Conf: %f", d.ClassID, d.Confidence)
}

// LabelOrigin places the label baseline 10px above the box, kept inside an
// image of width imgW. textW and textH are the rendered label size.
func LabelOrigin(box iface.Rect, imgW, textW, textH int) image.Point {
	x := box.X
	if x+textW > imgW {
		x = imgW - textW
	}
	if x < 0 {
		x = 0
	}
	y := box.Y - labelShift
	if y < textH {
		y = textH
	}
	return image.Pt(x, y)
}

// Draw annotates img in place. dets are only read.
func Draw(img *gocv.Mat, dets []iface.Detection, names []string) {
	for _, d := range dets {
		r := image.Rect(d.Box.X, d.Box.Y, d.Box.X+d.Box.Width, d.Box.Y+d.Box.Height)
		gocv.Rectangle(img, r, boxColor, thickness)

		label := Label(d, names)
		size := gocv.GetTextSize(label, gocv.FontHersheySimplex, fontScale, thickness)
		org := LabelOrigin(d.Box, img.Cols(), size.X, size.Y)
		gocv.PutText(img, label, org, gocv.FontHersheySimplex, fontScale, boxColor, thickness)
	}
}

// Show displays img in a window and blocks until a key is pressed.
func Show(title string, img gocv.Mat) {
	window := gocv.NewWindow(title)
	defer window.Close()
	window.IMShow(img)
	window.WaitKey(0)
}

// Save writes img to path; the extension picks the format.
func Save(path string, img gocv.Mat) error {
	if !gocv.IMWrite(path, img) {
		return errors.Errorf("write %s failed", path)
	}
	return nil
}
