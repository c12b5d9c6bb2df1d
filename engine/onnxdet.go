package engine

import (
	"github.com/RocketWill/ByteWhisperer/onnxdet"
)

// openOnnx initializes ONNX Runtime. A relative onnxRuntimeLib is searched for
// the same way as a native backend; an empty one leaves the choice to
// onnxruntime_go.
func openOnnx(cfg BackendConfig) (*onnxdet.Backend, error) {
	opts := onnxdet.RuntimeOptions{
		IntraOpThreads: cfg.IntraOpThreads,
		InterOpThreads: cfg.InterOpThreads,
	}
	if cfg.OnnxRuntimeLib != "" {
		lookup := cfg
		lookup.BackendLibName = cfg.OnnxRuntimeLib
		path, err := locateLibrary(lookup)
		if err != nil {
			return nil, err
		}
		if err := checkDeps(path, cfg.Deps); err != nil {
			return nil, err
		}
		opts.LibPath = path
	}
	return onnxdet.Open(opts)
}
