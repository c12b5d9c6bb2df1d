package engine

import (
	"fmt"
	"os"
	"reflect"
	"runtime"
	"strings"

	iface "github.com/RocketWill/ByteWhisperer/interface"
)

const (
	StateUninitialized = 0x0001
	StateReady         = 0x0003
	StateBusy          = 0x0004
	StateDestroyed     = 0x0005
)

func StateName(state int) string {
	switch state {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("unknown(%#x)", state)
	}
}

const (
	BackendNative = "native"
	BackendOnnx   = "onnx"
)

// Symbols names the four entry points exported by a native detection library.
type Symbols struct {
	Create        string `yaml:"create"`
	Destroy       string `yaml:"destroy"`
	Detect        string `yaml:"detect"`
	GetDetections string `yaml:"getDetections"`
}

// DefaultSymbols are the exports of YOLOv8_SDK.
func DefaultSymbols() Symbols {
	return Symbols{
		Create:        "CreateYOLOV8",
		Destroy:       "DestroyYOLOV8",
		Detect:        "DetectYOLOV8",
		GetDetections: "GetDetectionsYOLOV8",
	}
}

// BackendConfig is the backend section of config.yaml.
type BackendConfig struct {
	UseBackend     string   `yaml:"useBackend"`
	BackendDir     string   `yaml:"backendDir"`
	BackendLibName string   `yaml:"backendLibName"`
	Deps           []string `yaml:"deps"`
	Symbols        Symbols  `yaml:"symbols"`
	OnnxRuntimeLib string   `yaml:"onnxRuntimeLib"`
	IntraOpThreads int      `yaml:"intraOpThreads"`
	InterOpThreads int      `yaml:"interOpThreads"`
}

func (c BackendConfig) symbols() Symbols {
	s := c.Symbols
	d := DefaultSymbols()
	if s.Create == "" {
		s.Create = d.Create
	}
	if s.Destroy == "" {
		s.Destroy = d.Destroy
	}
	if s.Detect == "" {
		s.Detect = d.Detect
	}
	if s.GetDetections == "" {
		s.GetDetections = d.GetDetections
	}
	return s
}

func (c BackendConfig) libName() string {
	if c.BackendLibName != "" {
		return c.BackendLibName
	}
	switch runtime.GOOS {
	case "windows":
		return "YOLOv8_SDK.dll"
	case "darwin":
		return "libYOLOv8_SDK.dylib"
	default:
		return "libYOLOv8_SDK.so"
	}
}

func detArch(system, arch string) (string, error) {
	switch arch {
	case "amd64":
		return fmt.Sprintf("%s-%s", system, "x64"), nil
	case "386":
		return fmt.Sprintf("%s-%s", system, "x86"), nil
	case "arm64":
		return fmt.Sprintf("%s-%s", system, "arm64"), nil
	default:
		return "", fmt.Errorf("architecture %s not supported", arch)
	}
}

// getPlatform names the per-platform subdirectory a backend may ship in, e.g. "windows-x64".
func getPlatform() (string, error) {
	switch runtime.GOOS {
	case "windows", "linux", "darwin":
		return detArch(runtime.GOOS, runtime.GOARCH)
	default:
		return "", fmt.Errorf("operating system %s not supported", runtime.GOOS)
	}
}

// ReadLinesReadFile returns the non-empty lines of path, tolerating CRLF.
func ReadLinesReadFile(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, l := range strings.Split(string(b), "\n") {
		l = strings.TrimRight(l, "\r")
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

// LoadNames resolves a NamesConf into class labels.
func LoadNames(names iface.NamesConf) ([]string, error) {
	if names.Data == nil {
		return nil, nil
	}
	if names.IsFile {
		path, ok := names.Data.(string)
		if !ok {
			return nil, fmt.Errorf("names file must be a path, got %T", names.Data)
		}
		return ReadLinesReadFile(path)
	}
	rv := reflect.ValueOf(names.Data)
	if rv.Kind() != reflect.Slice {
		return nil, fmt.Errorf("names must be a slice or a file path, got %T", names.Data)
	}
	out := make([]string, rv.Len())
	for i := range out {
		s, ok := rv.Index(i).Interface().(string)
		if !ok {
			return nil, fmt.Errorf("names[%d] is %T, want string", i, rv.Index(i).Interface())
		}
		out[i] = s
	}
	return out, nil
}
