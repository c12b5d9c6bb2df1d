package iface

import "fmt"

// Config is handed to CreateEngine and never modified afterwards.
type Config struct {
	ConfThreshold  float32 `yaml:"confThreshold"`
	NmsThreshold   float32 `yaml:"nmsThreshold"`
	ScoreThreshold float32 `yaml:"scoreThreshold"`
	InpWidth       int     `yaml:"inpWidth"`
	InpHeight      int     `yaml:"inpHeight"`
	ModelPath      string  `yaml:"modelPath"`
}

// Validate checks the ranges every backend relies on. It does not touch the model file.
func (c Config) Validate() error {
	switch {
	case c.ConfThreshold <= 0 || c.ConfThreshold > 1:
		return &EngineInitError{ModelPath: c.ModelPath, Reason: fmt.Sprintf("confThreshold must be in (0,1], got %v", c.ConfThreshold)}
	case c.NmsThreshold < 0 || c.NmsThreshold > 1:
		return &EngineInitError{ModelPath: c.ModelPath, Reason: fmt.Sprintf("nmsThreshold must be in [0,1], got %v", c.NmsThreshold)}
	case c.ScoreThreshold < 0 || c.ScoreThreshold > 1:
		return &EngineInitError{ModelPath: c.ModelPath, Reason: fmt.Sprintf("scoreThreshold must be in [0,1], got %v", c.ScoreThreshold)}
	case c.InpWidth <= 0 || c.InpHeight <= 0:
		return &EngineInitError{ModelPath: c.ModelPath, Reason: fmt.Sprintf("input size must be positive, got %dx%d", c.InpWidth, c.InpHeight)}
	case c.ModelPath == "":
		return &EngineInitError{Reason: "model path cannot be empty"}
	}
	return nil
}

// Handle identifies one engine session inside a backend.
type Handle uintptr

// Rect is a box in original-image pixels.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type Detection struct {
	ClassID    int     `json:"class_id"`
	Confidence float32 `json:"confidence"`
	Box        Rect    `json:"box"`
}

func (d Detection) String() string {
	return fmt.Sprintf("Class ID: %d, Confidence: %f, Box: [%d, %d, %d, %d]",
		d.ClassID, d.Confidence, d.Box.X, d.Box.Y, d.Box.Width, d.Box.Height)
}

// RawImage is an encoded image plus the size of the decoded original.
type RawImage struct {
	Data   []byte
	Width  int
	Height int
}

// NamesConf mirrors the names section of the config: either a file of
// newline separated labels or an inline list.
type NamesConf struct {
	IsFile bool
	Data   any
}

// EngineInfo is what CheckEngine reports for a live engine.
type EngineInfo struct {
	ID      string
	Backend string
	Config  Config
	Names   []string
	State   int
}
