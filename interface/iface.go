package iface

// Backend is the detection engine contract. The four capabilities mirror the
// CreateEngine/DestroyEngine/Detect/GetDetections entry points of a native
// detection library; Close unloads whatever the backend loaded and must only be
// called after every handle it produced has been destroyed.
type Backend interface {
	// Name reports the backend kind, e.g. "native" or "onnx".
	Name() string

	// CreateEngine loads the model described by cfg and returns a Ready handle.
	CreateEngine(cfg Config) (Handle, error)

	// DestroyEngine releases h. A second call for the same handle fails with
	// an InvalidStateError.
	DestroyEngine(h Handle) error

	// Detect runs inference on img and replaces the detections held for h.
	Detect(h Handle, img RawImage) error

	// GetDetections copies at most len(buf) detections, highest confidence
	// first, and returns the total number held for h.
	GetDetections(h Handle, buf []Detection) (int, error)

	Close() error
}
