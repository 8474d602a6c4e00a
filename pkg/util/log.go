package util

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func level(verbose bool) zapcore.Level {
	if verbose {
		return zap.DebugLevel
	}
	return zap.InfoLevel
}

func encoderConfig() zapcore.EncoderConfig {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return encoderCfg
}

// NewLoggerWithFile creates a logger that writes to both console and a file.
// An empty path means console only.
func NewLoggerWithFile(logPath string, verbose bool) (*zap.Logger, error) {
	if logPath == "" {
		return zap.New(zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.AddSync(os.Stdout), level(verbose))), nil
	}

	// Ensure log directory exists
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	enc := zapcore.NewJSONEncoder(encoderConfig())
	core := zapcore.NewTee(
		zapcore.NewCore(enc, zapcore.AddSync(os.Stdout), level(verbose)),
		zapcore.NewCore(enc.Clone(), zapcore.AddSync(file), level(verbose)),
	)
	return zap.New(core), nil
}
