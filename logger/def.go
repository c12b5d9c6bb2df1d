package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logMu sync.RWMutex
	log   *zap.Logger
	sugar *zap.SugaredLogger
)

// Config is the logging section of config.yaml.
type Config struct {
	Mode       string `yaml:"mode"` // production or development
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// InitProduction installs a JSON logger on stderr.
func InitProduction() error {
	return Init(Config{Mode: "production"})
}

// InitDevelopment installs a console logger.
func InitDevelopment() error {
	return Init(Config{Mode: "development"})
}

// Init builds the process logger from cfg. With File set, entries are also
// written as JSON to a rotating file.
func Init(cfg Config) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	setLogger(l)
	return nil
}

// New builds a logger without installing it.
func New(cfg Config) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Mode == "development" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Level != "" {
		lvl, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = lvl
	}
	l, err := zc.Build()
	if err != nil {
		return nil, err
	}
	if cfg.File == "" {
		return l, nil
	}

	fileEnc := zap.NewProductionEncoderConfig()
	fileEnc.TimeKey = "timestamp"
	fileEnc.EncodeTime = zapcore.ISO8601TimeEncoder
	sink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    orDefault(cfg.MaxSizeMB, 100),
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	})
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(fileEnc), sink, zc.Level)
	return l.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, fileCore)
	})), nil
}

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

func setLogger(l *zap.Logger) {
	logMu.Lock()
	defer logMu.Unlock()
	zap.ReplaceGlobals(l)
	if log != nil {
		_ = log.Sync()
	}
	log = l
	sugar = l.Sugar()
}

// Log returns the process logger, or a stderr fallback before Init.
func Log() *zap.Logger {
	logMu.RLock()
	l := log
	logMu.RUnlock()
	if l != nil {
		return l
	}
	return fallback()
}

func S() *zap.SugaredLogger {
	logMu.RLock()
	s := sugar
	logMu.RUnlock()
	if s != nil {
		return s
	}
	return fallback().Sugar()
}

var (
	fallbackOnce sync.Once
	fallbackLog  *zap.Logger
)

// fallback is a production logger on stderr used until Init runs, so errors
// raised while loading the config are still reported.
func fallback() *zap.Logger {
	fallbackOnce.Do(func() {
		l, err := New(Config{Mode: "production"})
		if err != nil {
			l = zap.NewExample()
		}
		fallbackLog = l
	})
	return fallbackLog
}

// Sync flushes buffered entries. Errors from syncing a terminal are ignored.
func Sync() {
	_ = Log().Sync()
}

// Fatal logs msg and exits with status 1.
func Fatal(msg string, fields ...zap.Field) {
	Log().Error(msg, fields...)
	Sync()
	os.Exit(1)
}
