package onnxdet

import (
	"os"
	"sync"

	iface "github.com/RocketWill/ByteWhisperer/interface"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// Runner executes the network for one engine session. Input returns the
// planar RGB buffer (1x3xHxW) to fill before Run.
type Runner interface {
	Input() []float32
	Run() (output []float32, shape []int64, err error)
	Close() error
}

// RunnerFactory builds a Runner for a validated config.
type RunnerFactory func(cfg iface.Config) (Runner, error)

// RuntimeOptions configure the process-wide ONNX Runtime environment.
type RuntimeOptions struct {
	LibPath        string
	IntraOpThreads int
	InterOpThreads int
}

var (
	envMu    sync.Mutex
	envUsers int
)

// acquireEnvironment initializes ONNX Runtime on first use. The environment is
// global to the process and is torn down when the last backend releases it.
func acquireEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envUsers == 0 {
		if libPath != "" {
			if _, err := os.Stat(libPath); err != nil {
				return err
			}
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return err
		}
	}
	envUsers++
	return nil
}

func releaseEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()
	if envUsers == 0 {
		return nil
	}
	envUsers--
	if envUsers == 0 {
		return ort.DestroyEnvironment()
	}
	return nil
}

// anchorCount is the number of YOLOv8 predictions for an input size (strides 8, 16, 32).
func anchorCount(inpW, inpH int) int64 {
	var n int64
	for _, s := range []int{8, 16, 32} {
		n += int64(inpW/s) * int64(inpH/s)
	}
	return n
}

// resolveOutputShape fills the dynamic axes of the model's declared output shape.
func resolveOutputShape(dims []int64, inpW, inpH int) ([]int64, error) {
	if len(dims) != 3 {
		return nil, errors.Errorf("unsupported output rank %d", len(dims))
	}
	shape := append([]int64(nil), dims...)
	if shape[0] < 0 {
		shape[0] = 1
	}
	switch {
	case shape[1] < 0 && shape[2] < 0:
		return nil, errors.Errorf("output shape %v has no static class axis", dims)
	case shape[1] < 0:
		shape[1] = anchorCount(inpW, inpH)
	case shape[2] < 0:
		shape[2] = anchorCount(inpW, inpH)
	}
	return shape, nil
}

type ortRunner struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	shape   []int64
}

// NewORTRunnerFactory returns a factory that opens cfg.ModelPath with ONNX Runtime.
// The environment must already be initialized.
func NewORTRunnerFactory(opts RuntimeOptions) RunnerFactory {
	return func(cfg iface.Config) (Runner, error) {
		inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
		if err != nil {
			return nil, errors.Wrap(err, "read model inputs/outputs")
		}
		if len(inputs) != 1 || len(outputs) < 1 {
			return nil, errors.Errorf("expected 1 input and at least 1 output, model has %d and %d", len(inputs), len(outputs))
		}
		outShape, err := resolveOutputShape(outputs[0].Dimensions, cfg.InpWidth, cfg.InpHeight)
		if err != nil {
			return nil, err
		}

		input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(cfg.InpHeight), int64(cfg.InpWidth)))
		if err != nil {
			return nil, errors.Wrap(err, "create input tensor")
		}
		output, err := ort.NewEmptyTensor[float32](ort.NewShape(outShape...))
		if err != nil {
			input.Destroy()
			return nil, errors.Wrap(err, "create output tensor")
		}

		options, err := ort.NewSessionOptions()
		if err != nil {
			input.Destroy()
			output.Destroy()
			return nil, errors.Wrap(err, "create session options")
		}
		defer options.Destroy()
		if opts.IntraOpThreads > 0 {
			_ = options.SetIntraOpNumThreads(opts.IntraOpThreads)
		}
		if opts.InterOpThreads > 0 {
			_ = options.SetInterOpNumThreads(opts.InterOpThreads)
		}
		_ = options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended)

		session, err := ort.NewAdvancedSession(cfg.ModelPath,
			[]string{inputs[0].Name}, []string{outputs[0].Name},
			[]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output}, options)
		if err != nil {
			input.Destroy()
			output.Destroy()
			return nil, errors.Wrap(err, "create session")
		}
		return &ortRunner{session: session, input: input, output: output, shape: outShape}, nil
	}
}

func (r *ortRunner) Input() []float32 {
	return r.input.GetData()
}

func (r *ortRunner) Run() ([]float32, []int64, error) {
	if err := r.session.Run(); err != nil {
		return nil, nil, errors.Wrap(err, "run session")
	}
	return r.output.GetData(), r.shape, nil
}

func (r *ortRunner) Close() error {
	var err error
	if r.session != nil {
		err = r.session.Destroy()
		r.session = nil
	}
	if r.input != nil {
		r.input.Destroy()
		r.input = nil
	}
	if r.output != nil {
		r.output.Destroy()
		r.output = nil
	}
	return err
}
