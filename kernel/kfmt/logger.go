// Package kfmt builds the structured loggers used by the kernel.
package kfmt

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hnu-osdesign/kcore/kernel"
)

// LoggerConfig selects the behavior of the logger returned by NewLogger.
type LoggerConfig struct {
	ServiceName   string
	IsDebug       bool
	InitialFields []zap.Field

	// OutputPaths defaults to stdout.
	OutputPaths []string

	// Cores receive a copy of every entry.
	Cores []zapcore.Core
}

// NewLogger returns a JSON logger. Debug entries are only emitted when
// IsDebug is set.
func NewLogger(loggerConfig LoggerConfig) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if loggerConfig.IsDebug {
		level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	outputPaths := loggerConfig.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stdout"}
	}

	config := zap.Config{
		Level:            level,
		Encoding:         "json",
		EncoderConfig:    GetEncoderConfig(zapcore.DefaultLineEnding),
		OutputPaths:      outputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}

	cores := append([]zapcore.Core{}, loggerConfig.Cores...)
	logger, err := config.Build(
		zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return zapcore.NewTee(append(cores, c)...)
		}),
		zap.Fields(zap.String("service", loggerConfig.ServiceName)),
		zap.Fields(loggerConfig.InitialFields...),
	)
	if err != nil {
		return nil, fmt.Errorf("error building logger: %w", err)
	}

	return logger, nil
}

// GetEncoderConfig returns the encoder configuration shared by all kernel
// loggers.
func GetEncoderConfig(lineEnding string) zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:       "timestamp",
		MessageKey:    "message",
		LevelKey:      "level",
		EncodeLevel:   zapcore.LowercaseLevelEncoder,
		NameKey:       "logger",
		StacktraceKey: "stacktrace",
		EncodeTime:    zapcore.RFC3339TimeEncoder,
		LineEnding:    lineEnding,
	}
}

// Error returns a field describing a kernel error.
func Error(err *kernel.Error) zap.Field {
	if err == nil {
		return zap.Skip()
	}

	return zap.Dict("error",
		zap.String("module", err.Module),
		zap.String("message", err.Message),
		zap.Stringer("kind", err.Kind),
	)
}
