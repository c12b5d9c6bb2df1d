// Package images loads encoded images and records the size of the decoded
// original, which detection boxes are scaled back to.
package images

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"

	iface "github.com/RocketWill/ByteWhisperer/interface"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

var ErrEmptyImage = errors.New("decoded image is empty or unsupported format")

// Image is an encoded image together with its decoded pixels.
type Image struct {
	Name string
	Raw  iface.RawImage
	Mat  gocv.Mat
}

// Read loads and decodes the file at path.
func Read(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read image %s", path)
	}
	return Decode(filepath.Base(path), data)
}

// Decode decodes data as a BGR image. The caller must Close the result.
func Decode(name string, data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, errors.Wrapf(ErrEmptyImage, "decode %s", name)
	}
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", name)
	}
	if mat.Empty() {
		_ = mat.Close()
		return nil, errors.Wrapf(ErrEmptyImage, "decode %s", name)
	}
	return &Image{
		Name: name,
		Raw:  iface.RawImage{Data: data, Width: mat.Cols(), Height: mat.Rows()},
		Mat:  mat,
	}, nil
}

func (i *Image) Close() error {
	return i.Mat.Close()
}

// Probe decodes data only to learn its dimensions.
func Probe(data []byte) (iface.RawImage, error) {
	img, err := Decode("", data)
	if err != nil {
		return iface.RawImage{}, err
	}
	defer img.Close()
	return img.Raw, nil
}

// FromBase64 accepts plain base64 or a data URL such as data:image/jpeg;base64,....
func FromBase64(s string) ([]byte, error) {
	if i := strings.Index(s, ","); i != -1 && strings.HasPrefix(s, "data:") {
		s = s[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, errors.Wrap(err, "decode base64 image")
	}
	return data, nil
}

// Blank returns a black JPEG of the given size.
func Blank(width, height int) (iface.RawImage, error) {
	mat := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), height, width, gocv.MatTypeCV8UC3)
	defer mat.Close()
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, mat)
	if err != nil {
		return iface.RawImage{}, errors.Wrap(err, "encode blank image")
	}
	defer buf.Close()
	return iface.RawImage{
		Data:   append([]byte(nil), buf.GetBytes()...),
		Width:  width,
		Height: height,
	}, nil
}
