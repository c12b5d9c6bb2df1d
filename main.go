// Command bytewhisperer runs YOLOv8 detection through a native or ONNX
// Runtime backend, either once over a list of images or as a server.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/RocketWill/ByteWhisperer/config"
	"github.com/RocketWill/ByteWhisperer/logger"
	"github.com/RocketWill/ByteWhisperer/orchestrator"
	"github.com/RocketWill/ByteWhisperer/store"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const (
	flagConfig        = "config"
	flagBackend       = "backend"
	flagModel         = "model"
	flagNames         = "names"
	flagMaxDetections = "max-detections"
	flagShow          = "show"
	flagOutput        = "output"
	flagHistory       = "history"
	flagDebug         = "debug"

	defaultConfigFile = "config.yaml"
)

func main() {
	app := &cli.App{
		Name:  "bytewhisperer",
		Usage: "YOLOv8 object detection over a pluggable inference backend",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Value:   defaultConfigFile,
				Usage:   "load configuration from `FILE`",
			},
			&cli.StringFlag{
				Name:  flagBackend,
				Usage: "inference backend, native or onnx",
			},
			&cli.StringFlag{
				Name:  flagModel,
				Usage: "model `PATH`",
			},
			&cli.StringFlag{
				Name:  flagNames,
				Usage: "class names `FILE`, one label per line",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "development logging at debug level",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "detect",
				Usage:     "detect objects in one or more images",
				ArgsUsage: "IMAGE...",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  flagMaxDetections,
						Usage: "keep at most `N` detections per image",
					},
					&cli.BoolFlag{
						Name:  flagShow,
						Usage: "show every annotated image and wait for a key",
					},
					&cli.StringFlag{
						Name:    flagOutput,
						Aliases: []string{"o"},
						Usage:   "write annotated images to `DIR`",
					},
					&cli.BoolFlag{
						Name:  flagHistory,
						Usage: "record every run in the history database",
					},
				},
				Action: detectAction,
			},
			{
				Name:   "serve",
				Usage:  "serve detection over gRPC, HTTP and WebSocket",
				Action: serveAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Fatal("command failed", zap.Error(err))
	}
}

// loadConfig reads the config file and applies the global flags on top. A
// missing default config file is not an error.
func loadConfig(c *cli.Context) (config.Config, error) {
	path := c.String(flagConfig)
	cfg, err := config.Read(path)
	if err != nil {
		if !c.IsSet(flagConfig) && errors.Is(err, os.ErrNotExist) {
			cfg = config.Default()
		} else {
			return cfg, err
		}
	}
	if v := c.String(flagBackend); v != "" {
		cfg.Backend.UseBackend = v
	}
	if v := c.String(flagModel); v != "" {
		cfg.Detector.ModelPath = v
	}
	if v := c.String(flagNames); v != "" {
		cfg.Detector.NamesFile = v
	}
	if c.Bool(flagDebug) {
		cfg.Logging.Mode = "development"
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

func detectAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet(flagMaxDetections) {
		cfg.Detector.MaxDetections = c.Int(flagMaxDetections)
	}
	if c.Bool(flagHistory) {
		cfg.History.Enabled = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if c.NArg() == 0 {
		return cli.Exit("at least one IMAGE is required", 2)
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Log()

	names, err := cfg.Names()
	if err != nil {
		return fmt.Errorf("failed to load class names: %w", err)
	}

	opts := orchestrator.Options{
		Backend:       cfg.Backend,
		Detector:      cfg.Detector.Config,
		Names:         names,
		MaxDetections: cfg.Detector.MaxDetections,
		Images:        c.Args().Slice(),
		Show:          c.Bool(flagShow),
		OutputDir:     c.String(flagOutput),
		Log:           log,
	}
	if cfg.History.Enabled {
		s, err := store.New(cfg.History.Path)
		if err != nil {
			return err
		}
		defer s.Close()
		opts.History = s.Runs()
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	report, err := orchestrator.Run(ctx, opts)
	if report != nil {
		log.Info("run finished",
			zap.String("backend", report.Backend),
			zap.Int("images", len(report.Images)),
			zap.Int("failed", report.Failed()),
		)
	}
	return err
}
