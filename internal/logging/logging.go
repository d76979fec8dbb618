// Package logging builds the zap loggers used across tallycam.
package logging

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

// NewConfig returns the base zap config: console output, ISO8601 times and no
// stacktraces.
func NewConfig(level zapcore.Level, format string) zap.Config {
	encoding := "console"
	encodeLevel := zapcore.CapitalColorLevelEncoder
	if strings.EqualFold(format, "json") {
		encoding = "json"
		encodeLevel = zapcore.CapitalLevelEncoder
	}
	return zap.Config{
		Level:    zap.NewAtomicLevelAt(level),
		Encoding: encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    encodeLevel,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		DisableStacktrace: true,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
	}
}

// New builds a sugared logger from a level name ("debug", "info", ...) and a
// format ("console" or "json").
func New(level, format string) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	logger, err := NewConfig(lvl, format).Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// Sometimes logs the first few calls and then at most once per interval.
// Per-frame failures go through it so a dead camera or detector does not
// flood the log.
type Sometimes struct {
	logger *zap.SugaredLogger
	s      rate.Sometimes
}

func NewSometimes(logger *zap.SugaredLogger, first int, interval time.Duration) *Sometimes {
	return &Sometimes{
		logger: logger,
		s:      rate.Sometimes{First: first, Interval: interval},
	}
}

func (s *Sometimes) Warnw(msg string, keysAndValues ...any) {
	s.s.Do(func() {
		s.logger.Warnw(msg, keysAndValues...)
	})
}
