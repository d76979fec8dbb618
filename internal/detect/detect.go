// Package detect defines the detection/tracking contract used by the
// broadcasters and its implementations.
//
// Detectors are assumed NOT to be safe for concurrent calls. Serialized puts
// one mutual-exclusion boundary in front of a detector; every session then
// waits its turn, which caps total throughput at one detection at a time.
// Only implementations verified reentrant may skip it.
package detect

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"go.uber.org/zap"

	"tallycam/internal/config"
	"tallycam/internal/types"
)

var (
	ErrDetectorFailure = errors.New("detector failure")
	ErrTimeout         = errors.New("detector timeout")
)

// Result is the detector output for one frame. Rendered may be nil, in which
// case viewers get the raw frame.
type Result struct {
	Rendered     image.Image
	Observations []types.TrackedObservation
}

type Detector interface {
	Detect(ctx context.Context, frame types.Frame) (Result, error)
	Close() error
}

// Func adapts a function to Detector.
type Func func(ctx context.Context, frame types.Frame) (Result, error)

func (f Func) Detect(ctx context.Context, frame types.Frame) (Result, error) {
	return f(ctx, frame)
}

func (f Func) Close() error { return nil }

type serialized struct {
	d   Detector
	sem chan struct{}
}

// Serialized allows one Detect call at a time. Waiting for the turn honours
// ctx, so a disconnected session stops queueing.
func Serialized(d Detector) Detector {
	return &serialized{d: d, sem: make(chan struct{}, 1)}
}

func (s *serialized) Detect(ctx context.Context, frame types.Frame) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case s.sem <- struct{}{}:
	}
	defer func() { <-s.sem }()
	return s.d.Detect(ctx, frame)
}

func (s *serialized) Close() error {
	return s.d.Close()
}

// New builds the configured detector: the built-in local tracker or a
// sidecar at a ZeroMQ endpoint.
func New(cfg config.DetectorConfig, logger *zap.SugaredLogger) (Detector, error) {
	if cfg.Endpoint == config.DetectorLocal {
		if cfg.Reentrant {
			logger.Warnw("local detector keeps tracker state and is always serialized")
		}
		return Serialized(NewLocal(LocalConfig{Threshold: cfg.Threshold, MaxMissed: cfg.MaxMissed})), nil
	}

	sockets := 1
	if cfg.Reentrant {
		sockets = 4
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	remote, err := DialRemote(cfg.Endpoint, timeout, sockets)
	if err != nil {
		return nil, fmt.Errorf("dial detector %s: %w", cfg.Endpoint, err)
	}
	logger.Infow("detector sidecar configured", "endpoint", cfg.Endpoint, "reentrant", cfg.Reentrant)
	if cfg.Reentrant {
		return remote, nil
	}
	return Serialized(remote), nil
}
