package onnxdet

import (
	"math"
	"sort"
)

// Candidate is a detection in model-input space, before rescaling.
// Index is its position in the decoded output and breaks confidence ties.
type Candidate struct {
	ClassID int
	Score   float32
	X, Y    float64 // top-left
	W, H    float64
	Index   int
}

func (c Candidate) area() float64 {
	return math.Max(c.W, 0) * math.Max(c.H, 0)
}

// IoU is the intersection-over-union of two boxes, 0 when either is empty.
func IoU(a, b Candidate) float64 {
	ix := math.Min(a.X+a.W, b.X+b.W) - math.Max(a.X, b.X)
	iy := math.Min(a.Y+a.H, b.Y+b.H) - math.Max(a.Y, b.Y)
	if ix <= 0 || iy <= 0 {
		return 0
	}
	inter := ix * iy
	union := a.area() + b.area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// sortByScore orders candidates by descending score, earliest index first on ties.
func sortByScore(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].Index < cands[j].Index
	})
}

// NMS keeps, per class, the highest scoring box of every overlapping cluster and
// drops boxes whose IoU with a kept box of the same class exceeds threshold.
// The result is sorted like sortByScore, so running it again is a no-op.
func NMS(cands []Candidate, threshold float32) []Candidate {
	sorted := make([]Candidate, len(cands))
	copy(sorted, cands)
	sortByScore(sorted)

	kept := make([]Candidate, 0, len(sorted))
	byClass := make(map[int][]Candidate)
	for _, c := range sorted {
		suppressed := false
		for _, k := range byClass[c.ClassID] {
			if IoU(c, k) > float64(threshold) {
				suppressed = true
				break
			}
		}
		if suppressed {
			continue
		}
		byClass[c.ClassID] = append(byClass[c.ClassID], c)
		kept = append(kept, c)
	}
	return kept
}

// filterScore drops candidates scoring below min.
func filterScore(cands []Candidate, min float32) []Candidate {
	out := cands[:0]
	for _, c := range cands {
		if c.Score >= min {
			out = append(out, c)
		}
	}
	return out
}
