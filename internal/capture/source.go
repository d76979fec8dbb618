// Package capture owns the capture device. A dedicated goroutine reads
// frames from it and publishes each one into a single-slot buffer where the
// latest frame wins. Readers take non-destructive snapshots, so any number of
// sessions can read without ever blocking the capture loop.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"

	"tallycam/internal/logging"
	"tallycam/internal/types"
)

var (
	ErrDeviceUnavailable = errors.New("capture device unavailable")
	ErrSourceClosed      = errors.New("capture source closed")
)

// Device is a frame producer. Read blocks until the next frame or an error;
// it must return promptly once ctx is done.
type Device interface {
	Read(ctx context.Context) (image.Image, error)
	Close() error
}

type Options struct {
	// RetryInterval is the pause after a failed read.
	RetryInterval time.Duration
	// MaxFailures consecutive failed reads make the device permanently
	// unavailable. Zero retries forever.
	MaxFailures int
	// ReadTimeout bounds a single blocking read on network devices.
	ReadTimeout time.Duration
	// Recorder, if set, receives every frame a network device receives as a
	// CBOR frame message.
	Recorder Recorder
}

// Recorder stores raw device payloads (see framelog.Writer).
type Recorder interface {
	Record(payload []byte) error
}

type Stats struct {
	Available  bool   `json:"available"`
	Seq        uint64 `json:"seq"`
	Captured   uint64 `json:"frames_captured_total"`
	Failures   uint64 `json:"capture_failures_total"`
	Overwrites uint64 `json:"frames_overwritten_unread_total"`
	Buffered   int    `json:"frames_buffered"`
	LastError  string `json:"last_error,omitempty"`
	LastFrame  string `json:"last_frame,omitempty"`
}

type Source struct {
	logger  *zap.SugaredLogger
	failLog *logging.Sometimes
	device  Device
	opts    Options

	mu          sync.Mutex
	frame       *types.Frame
	frameRead   bool
	seq         uint64
	attempts    uint64
	lastErr     error
	unavailable error
	changed     chan struct{}

	captured    uint64
	failures    uint64
	overwrites  uint64
	consecutive int

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Open resolves address to a device, opens it and starts capturing. An open
// failure is returned once, wrapped in ErrDeviceUnavailable.
func Open(ctx context.Context, address string, opts Options, logger *zap.SugaredLogger) (*Source, error) {
	device, err := OpenDevice(ctx, address, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrDeviceUnavailable, address, err)
	}
	logger.Infow("capture device opened", "address", address)
	return Start(ctx, device, opts, logger), nil
}

// Start runs the capture loop for an already opened device.
func Start(ctx context.Context, device Device, opts Options, logger *zap.SugaredLogger) *Source {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 100 * time.Millisecond
	}
	runCtx, cancel := context.WithCancel(ctx)
	s := &Source{
		logger:  logger,
		failLog: logging.NewSometimes(logger, 3, 10*time.Second),
		device:  device,
		opts:    opts,
		changed: make(chan struct{}),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.run(runCtx)
	return s
}

// Unavailable returns a source for a device that could not be opened. Every
// read reports ok=false.
func Unavailable(cause error) *Source {
	if cause == nil {
		cause = ErrDeviceUnavailable
	}
	done := make(chan struct{})
	close(done)
	return &Source{
		unavailable: cause,
		lastErr:     cause,
		changed:     make(chan struct{}),
		cancel:      func() {},
		done:        done,
	}
}

func (s *Source) run(ctx context.Context) {
	defer close(s.done)
	for {
		if ctx.Err() != nil {
			return
		}
		img, err := s.device.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if fatal := s.fail(err); fatal != nil {
				s.logger.Errorw("capture device given up", "error", fatal)
				return
			}
			s.failLog.Warnw("capture read failed", "error", err)
			if !sleep(ctx, s.opts.RetryInterval) {
				return
			}
			continue
		}
		s.publish(img, time.Now())
	}
}

// publish swaps img into the slot. The previous frame is dropped whether or
// not anyone read it.
func (s *Source) publish(img image.Image, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frame != nil && !s.frameRead {
		s.overwrites++
	}
	s.seq++
	s.frame = &types.Frame{Seq: s.seq, CapturedAt: at, Image: img}
	s.frameRead = false
	s.attempts++
	s.captured++
	s.lastErr = nil
	s.consecutive = 0
	s.notifyLocked()
}

func (s *Source) fail(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	s.failures++
	s.consecutive++
	s.lastErr = err
	if s.opts.MaxFailures > 0 && s.consecutive >= s.opts.MaxFailures {
		s.unavailable = fmt.Errorf("%w: %d consecutive read failures: %w", ErrDeviceUnavailable, s.consecutive, err)
	}
	s.notifyLocked()
	return s.unavailable
}

func (s *Source) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// Read blocks until the device has completed at least one acquisition, then
// returns the latest frame. ok is false when the most recent acquisition
// failed, the device is unavailable, the source is closed or ctx is done;
// callers should back off before reading again.
func (s *Source) Read(ctx context.Context) (types.Frame, bool) {
	return s.Next(ctx, 0)
}

// Next is Read for a caller that already has frame after: it waits until a
// newer frame exists. Failure is still reported immediately.
func (s *Source) Next(ctx context.Context, after uint64) (types.Frame, bool) {
	for {
		s.mu.Lock()
		if s.unavailable != nil {
			s.mu.Unlock()
			return types.Frame{}, false
		}
		if s.attempts > 0 {
			if s.lastErr != nil {
				s.mu.Unlock()
				return types.Frame{}, false
			}
			if s.frame != nil && s.frame.Seq > after {
				frame := *s.frame
				s.frameRead = true
				s.mu.Unlock()
				return frame, true
			}
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return types.Frame{}, false
		case <-s.done:
			// the loop may have exited after one last publish
			s.mu.Lock()
			fresh := s.unavailable == nil && s.lastErr == nil && s.frame != nil && s.frame.Seq > after
			s.mu.Unlock()
			if !fresh {
				return types.Frame{}, false
			}
		case <-changed:
		}
	}
}

// Err reports why the source is unavailable, or nil.
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unavailable
}

func (s *Source) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Available:  s.unavailable == nil,
		Seq:        s.seq,
		Captured:   s.captured,
		Failures:   s.failures,
		Overwrites: s.overwrites,
	}
	if s.frame != nil {
		st.Buffered = 1
		st.LastFrame = s.frame.CapturedAt.Format(time.RFC3339Nano)
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Close stops the capture loop and closes the device. Pending reads return
// ok=false.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		s.mu.Lock()
		if s.unavailable == nil {
			s.unavailable = ErrSourceClosed
		}
		s.notifyLocked()
		s.mu.Unlock()
		if s.device != nil {
			s.closeErr = s.device.Close()
		}
	})
	return s.closeErr
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
