package onnxdet

import (
	iface "github.com/RocketWill/ByteWhisperer/interface"
	"github.com/pkg/errors"
)

// outputLayout describes a YOLOv8 detection head: Channels = 4 box values plus
// one score per class, Anchors = number of predictions.
type outputLayout struct {
	Channels      int
	Anchors       int
	ChannelsFirst bool // [1, Channels, Anchors] as exported by ultralytics
}

// layoutOf picks the anchor axis by matching the anchor count the input size
// implies. When neither axis matches, the longer axis is taken as anchors.
func layoutOf(shape []int64, anchors int64) (outputLayout, error) {
	if len(shape) != 3 || shape[0] != 1 {
		return outputLayout{}, errors.Errorf("unsupported output shape %v, want [1, 4+classes, anchors]", shape)
	}
	d1, d2 := int(shape[1]), int(shape[2])
	first := outputLayout{Channels: d1, Anchors: d2, ChannelsFirst: true}
	second := outputLayout{Channels: d2, Anchors: d1}
	var l outputLayout
	switch {
	case anchors > 0 && shape[2] == anchors:
		l = first
	case anchors > 0 && shape[1] == anchors:
		l = second
	case d1 > d2:
		l = second
	default:
		l = first
	}
	if l.Channels <= 4 {
		return outputLayout{}, errors.Errorf("output shape %v has no class scores", shape)
	}
	return l, nil
}

func (l outputLayout) at(data []float32, ch, i int) float32 {
	if l.ChannelsFirst {
		return data[ch*l.Anchors+i]
	}
	return data[i*l.Channels+ch]
}

// decodeOutput turns the raw head output into candidates whose best class score
// reaches scoreThreshold. Boxes stay in model-input pixels. anchors is the
// expected prediction count, or 0 when unknown.
func decodeOutput(data []float32, shape []int64, anchors int64, scoreThreshold float32) ([]Candidate, error) {
	l, err := layoutOf(shape, anchors)
	if err != nil {
		return nil, err
	}
	if len(data) < l.Channels*l.Anchors {
		return nil, errors.Errorf("output holds %d values, shape %v needs %d", len(data), shape, l.Channels*l.Anchors)
	}

	cands := make([]Candidate, 0, 64)
	for i := 0; i < l.Anchors; i++ {
		classID := -1
		var best float32
		for ch := 4; ch < l.Channels; ch++ {
			if s := l.at(data, ch, i); classID < 0 || s > best {
				best = s
				classID = ch - 4
			}
		}
		if best < scoreThreshold {
			continue
		}
		cx, cy := float64(l.at(data, 0, i)), float64(l.at(data, 1, i))
		w, h := float64(l.at(data, 2, i)), float64(l.at(data, 3, i))
		cands = append(cands, Candidate{
			ClassID: classID,
			Score:   best,
			X:       cx - w/2,
			Y:       cy - h/2,
			W:       w,
			H:       h,
			Index:   i,
		})
	}
	return cands, nil
}

// postprocess applies the confidence filter, NMS and the letterbox inverse.
// The result is ordered by descending confidence.
func postprocess(data []float32, shape []int64, cfg iface.Config, lb Letterbox) ([]iface.Detection, error) {
	cands, err := decodeOutput(data, shape, anchorCount(cfg.InpWidth, cfg.InpHeight), cfg.ScoreThreshold)
	if err != nil {
		return nil, err
	}
	cands = filterScore(cands, cfg.ConfThreshold)
	kept := NMS(cands, cfg.NmsThreshold)

	dets := make([]iface.Detection, len(kept))
	for i, c := range kept {
		dets[i] = iface.Detection{
			ClassID:    c.ClassID,
			Confidence: c.Score,
			Box:        lb.ToOriginal(c.X, c.Y, c.W, c.H),
		}
	}
	return dets, nil
}
