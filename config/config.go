// Package config reads config.yaml.
package config

import (
	"fmt"
	"os"

	"github.com/RocketWill/ByteWhisperer/engine"
	iface "github.com/RocketWill/ByteWhisperer/interface"
	"github.com/RocketWill/ByteWhisperer/logger"
	"gopkg.in/yaml.v3"
)

// MaxDetectionsLimit matches the slot count handed to native backends.
const MaxDetectionsLimit = 1024

type Detector struct {
	iface.Config  `yaml:",inline"`
	NamesFile     string `yaml:"namesFile"`
	MaxDetections int    `yaml:"maxDetections"`
}

type Server struct {
	RPCPort       int    `yaml:"RPCPort"`
	HTTPPort      int    `yaml:"HTTPPort"`
	AdhocPort     int    `yaml:"AdhocPort"`
	WorkersNum    int    `yaml:"workersNum"`
	InstanceClass string `yaml:"instanceClass"`
	UseRegServer  bool   `yaml:"UseRegServer"`
	RegServerHost string `yaml:"RegServerHost"`
	RegServerPort int    `yaml:"RegServerPort"`
	AdvertiseIP   string `yaml:"advertiseIP"`
	Warmup        bool   `yaml:"warmup"`
}

type History struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type Config struct {
	Backend  engine.BackendConfig `yaml:"backend"`
	Detector Detector             `yaml:"detector"`
	Logging  logger.Config        `yaml:"logging"`
	Server   Server               `yaml:"server"`
	History  History              `yaml:"history"`
}

// Default holds everything except the model path.
func Default() Config {
	return Config{
		Backend: engine.BackendConfig{
			UseBackend: engine.BackendNative,
			BackendDir: "src",
			Symbols:    engine.DefaultSymbols(),
		},
		Detector: Detector{
			Config: iface.Config{
				ConfThreshold:  0.5,
				NmsThreshold:   0.4,
				ScoreThreshold: 0.3,
				InpWidth:       640,
				InpHeight:      640,
			},
			MaxDetections: 100,
		},
		Logging: logger.Config{Mode: "production", Level: "info"},
		Server: Server{
			RPCPort:       50051,
			HTTPPort:      8080,
			AdhocPort:     50053,
			WorkersNum:    1,
			InstanceClass: "Cpu",
		},
		History: History{Path: "history.db"},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Read is Load without validation, for callers that override fields first.
func Read(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Backend.UseBackend {
	case engine.BackendNative, engine.BackendOnnx:
	default:
		return fmt.Errorf("backend.useBackend must be %q or %q, got %q", engine.BackendNative, engine.BackendOnnx, c.Backend.UseBackend)
	}
	if err := c.Detector.Config.Validate(); err != nil {
		return err
	}
	if c.Detector.MaxDetections <= 0 || c.Detector.MaxDetections > MaxDetectionsLimit {
		return fmt.Errorf("detector.maxDetections must be in [1,%d], got %d", MaxDetectionsLimit, c.Detector.MaxDetections)
	}
	if c.Server.WorkersNum <= 0 {
		return fmt.Errorf("server.workersNum must be positive, got %d", c.Server.WorkersNum)
	}
	if c.Server.UseRegServer && (c.Server.RegServerHost == "" || c.Server.RegServerPort <= 0) {
		return fmt.Errorf("server.RegServerHost and RegServerPort are required when UseRegServer is set")
	}
	if c.History.Enabled && c.History.Path == "" {
		return fmt.Errorf("history.path is required when history is enabled")
	}
	return nil
}

// Names loads the configured class labels, if any.
func (c Config) Names() ([]string, error) {
	if c.Detector.NamesFile == "" {
		return nil, nil
	}
	return engine.LoadNames(iface.NamesConf{IsFile: true, Data: c.Detector.NamesFile})
}
