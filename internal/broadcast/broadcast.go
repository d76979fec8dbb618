// Package broadcast drives one viewer's feed: read the latest frame, detect,
// count, encode, publish, repeat. Each viewer gets its own Broadcaster and
// goroutine; the only things shared with other viewers are the frame source,
// the detector and (in global scope) the registry.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tallycam/internal/detect"
	"tallycam/internal/logging"
	"tallycam/internal/types"
)

// ErrSessionClosed ends a loop whose viewer channel is gone.
var ErrSessionClosed = errors.New("session closed")

type State int32

const (
	StateStarted State = iota
	StateLooping
	StateWaiting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarted:
		return "started"
	case StateLooping:
		return "looping"
	case StateWaiting:
		return "waiting_for_frame"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// FrameSource is satisfied by *capture.Source.
type FrameSource interface {
	Next(ctx context.Context, after uint64) (types.Frame, bool)
}

// Counter is satisfied by *registry.Registry.
type Counter interface {
	Observe(ids []int64) int
}

// Publisher delivers updates to one viewer, in order.
type Publisher interface {
	Publish(ctx context.Context, update types.Update) error
}

type Options struct {
	// RetryInterval is the pause after the source reports no frame.
	RetryInterval time.Duration
	// YieldInterval is the pause after each published update. Zero only
	// yields the processor.
	YieldInterval time.Duration
	Encoder       Encoder
}

type Stats struct {
	State          string `json:"state"`
	Published      uint64 `json:"updates_published_total"`
	DetectFailures uint64 `json:"detect_failures_total"`
	EncodeFailures uint64 `json:"encode_failures_total"`
	Waits          uint64 `json:"frame_waits_total"`
	LastSeq        uint64 `json:"last_seq"`
	LastCount      int    `json:"last_count"`
}

type Broadcaster struct {
	id        string
	source    FrameSource
	detector  detect.Detector
	counter   Counter
	publisher Publisher
	opts      Options
	logger    *zap.SugaredLogger
	failLog   *logging.Sometimes

	state          atomic.Int32
	published      atomic.Uint64
	detectFailures atomic.Uint64
	encodeFailures atomic.Uint64
	waits          atomic.Uint64
	lastSeq        atomic.Uint64
	lastCount      atomic.Int64
}

func New(
	id string,
	source FrameSource,
	detector detect.Detector,
	counter Counter,
	publisher Publisher,
	opts Options,
	logger *zap.SugaredLogger,
) *Broadcaster {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 100 * time.Millisecond
	}
	if opts.Encoder == nil {
		opts.Encoder = JPEGEncoder{Quality: 80}
	}
	logger = logger.With("session", id)
	return &Broadcaster{
		id:        id,
		source:    source,
		detector:  detector,
		counter:   counter,
		publisher: publisher,
		opts:      opts,
		logger:    logger,
		failLog:   logging.NewSometimes(logger, 3, 10*time.Second),
	}
}

// Run loops until ctx is cancelled (returns nil) or the publisher fails
// (returns an error wrapping ErrSessionClosed). Detect and encode failures
// skip the frame and keep going.
func (b *Broadcaster) Run(ctx context.Context) error {
	b.setState(StateLooping)
	defer b.setState(StateStopped)

	var last uint64
	for {
		if ctx.Err() != nil {
			return nil
		}
		frame, ok := b.source.Next(ctx, last)
		if !ok {
			if ctx.Err() != nil {
				return nil
			}
			b.setState(StateWaiting)
			b.waits.Add(1)
			if !sleep(ctx, b.opts.RetryInterval) {
				return nil
			}
			continue
		}
		b.setState(StateLooping)
		last = frame.Seq

		result, err := b.detector.Detect(ctx, frame)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.detectFailures.Add(1)
			b.failLog.Warnw("detect failed, frame skipped", "seq", frame.Seq, "error", err)
			continue
		}
		count := b.counter.Observe(types.IDs(result.Observations))

		rendered := result.Rendered
		if rendered == nil {
			rendered = frame.Image
		}
		data, err := b.opts.Encoder.Encode(rendered)
		if err != nil {
			b.encodeFailures.Add(1)
			b.failLog.Warnw("encode failed, frame skipped", "seq", frame.Seq, "error", err)
			continue
		}

		update := types.Update{Seq: frame.Seq, Count: count, Format: b.opts.Encoder.Format(), Image: data}
		if err := b.publisher.Publish(ctx, update); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %w", ErrSessionClosed, err)
		}
		b.published.Add(1)
		b.lastSeq.Store(frame.Seq)
		b.lastCount.Store(int64(count))

		if b.opts.YieldInterval > 0 {
			if !sleep(ctx, b.opts.YieldInterval) {
				return nil
			}
		} else {
			runtime.Gosched()
		}
	}
}

func (b *Broadcaster) ID() string {
	return b.id
}

func (b *Broadcaster) State() State {
	return State(b.state.Load())
}

func (b *Broadcaster) Stats() Stats {
	return Stats{
		State:          b.State().String(),
		Published:      b.published.Load(),
		DetectFailures: b.detectFailures.Load(),
		EncodeFailures: b.encodeFailures.Load(),
		Waits:          b.waits.Load(),
		LastSeq:        b.lastSeq.Load(),
		LastCount:      int(b.lastCount.Load()),
	}
}

func (b *Broadcaster) setState(s State) {
	b.state.Store(int32(s))
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
