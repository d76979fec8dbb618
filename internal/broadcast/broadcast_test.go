package broadcast

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"go.viam.com/test"

	"tallycam/internal/capture"
	"tallycam/internal/detect"
	"tallycam/internal/registry"
	"tallycam/internal/types"
)

// camera hands the capture loop whatever the test pushes.
type camera struct {
	frames chan image.Image
}

func (c *camera) Read(ctx context.Context) (image.Image, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case img := <-c.frames:
		return img, nil
	}
}

func (c *camera) Close() error { return nil }

// recorder is an in-memory viewer channel.
type recorder struct {
	mu      sync.Mutex
	updates []types.Update
	ch      chan types.Update
	err     error
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan types.Update, 64)}
}

func (r *recorder) Publish(ctx context.Context, u types.Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.updates = append(r.updates, u)
	r.ch <- u
	return nil
}

func (r *recorder) next(t *testing.T) types.Update {
	t.Helper()
	select {
	case u := <-r.ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("no update published")
		return types.Update{}
	}
}

// chanSource feeds frames directly, bypassing capture.
type chanSource struct {
	frames chan types.Frame
}

func (s *chanSource) Next(ctx context.Context, after uint64) (types.Frame, bool) {
	select {
	case <-ctx.Done():
		return types.Frame{}, false
	case f := <-s.frames:
		return f, true
	}
}

// absentSource never has a frame.
type absentSource struct {
	calls atomic.Int32
}

func (s *absentSource) Next(ctx context.Context, after uint64) (types.Frame, bool) {
	s.calls.Add(1)
	return types.Frame{}, false
}

func solid(shade uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.Gray{Y: shade}}, image.Point{}, draw.Src)
	return img
}

func shadeOf(img image.Image) uint8 {
	return color.GrayModel.Convert(img.At(8, 8)).(color.Gray).Y
}

func obs(ids ...int64) []types.TrackedObservation {
	out := make([]types.TrackedObservation, len(ids))
	for i, id := range ids {
		out[i] = types.TrackedObservation{ID: id, Box: image.Rect(0, 0, 2, 2)}
	}
	return out
}

func run(t *testing.T, b *Broadcaster) (context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel, done
}

func TestEndToEndCounts(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	cam := &camera{frames: make(chan image.Image)}
	src := capture.Start(context.Background(), cam, capture.Options{RetryInterval: time.Millisecond}, logger)
	defer src.Close()

	tracks := map[uint8][]int64{40: {1}, 120: {1, 2}, 200: {2, 3}}
	det := detect.Serialized(detect.Func(func(ctx context.Context, f types.Frame) (detect.Result, error) {
		return detect.Result{Observations: obs(tracks[shadeOf(f.Image)]...)}, nil
	}))
	rec := newRecorder()
	b := New("a", src, det, registry.New(), rec, Options{RetryInterval: time.Millisecond}, logger)
	run(t, b)

	for i, shade := range []uint8{40, 120, 200} {
		cam.frames <- solid(shade)
		u := rec.next(t)
		test.That(t, u.Count, test.ShouldEqual, i+1)
		test.That(t, u.Seq, test.ShouldEqual, uint64(i+1))
		test.That(t, u.Format, test.ShouldEqual, "jpeg")

		img, err := jpeg.Decode(bytes.NewReader(u.Image))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, int(shadeOf(img)), test.ShouldAlmostEqual, int(shade), 6)
	}

	// The same frame is never published twice.
	select {
	case u := <-rec.ch:
		t.Fatalf("unexpected extra update seq=%d", u.Seq)
	case <-time.After(50 * time.Millisecond):
	}
	test.That(t, b.Stats().Published, test.ShouldEqual, uint64(3))
	test.That(t, b.Stats().LastCount, test.ShouldEqual, 3)
}

func TestDetectFailureSkipsFrame(t *testing.T) {
	src := &chanSource{frames: make(chan types.Frame)}
	det := detect.Func(func(ctx context.Context, f types.Frame) (detect.Result, error) {
		if f.Seq == 1 {
			return detect.Result{}, detect.ErrDetectorFailure
		}
		return detect.Result{Observations: obs(7)}, nil
	})
	rec := newRecorder()
	b := New("a", src, det, registry.New(), rec, Options{}, zaptest.NewLogger(t).Sugar())
	_, done := run(t, b)

	src.frames <- types.Frame{Seq: 1, Image: solid(10)}
	src.frames <- types.Frame{Seq: 2, Image: solid(10)}
	u := rec.next(t)
	test.That(t, u.Seq, test.ShouldEqual, uint64(2))
	test.That(t, u.Count, test.ShouldEqual, 1)
	test.That(t, b.Stats().DetectFailures, test.ShouldEqual, uint64(1))

	select {
	case err := <-done:
		t.Fatalf("loop ended: %v", err)
	default:
	}
}

type flakyEncoder struct {
	fails atomic.Int32
	inner JPEGEncoder
}

func (e *flakyEncoder) Format() string { return e.inner.Format() }

func (e *flakyEncoder) Encode(img image.Image) ([]byte, error) {
	if e.fails.Add(-1) >= 0 {
		return nil, ErrEncodingFailure
	}
	return e.inner.Encode(img)
}

func TestEncodeFailureSkipsFrame(t *testing.T) {
	src := &chanSource{frames: make(chan types.Frame)}
	det := detect.Func(func(ctx context.Context, f types.Frame) (detect.Result, error) {
		return detect.Result{Observations: obs(int64(f.Seq))}, nil
	})
	enc := &flakyEncoder{}
	enc.fails.Store(1)
	rec := newRecorder()
	b := New("a", src, det, registry.New(), rec, Options{Encoder: enc}, zaptest.NewLogger(t).Sugar())
	run(t, b)

	src.frames <- types.Frame{Seq: 1, Image: solid(10)}
	src.frames <- types.Frame{Seq: 2, Image: solid(10)}
	u := rec.next(t)
	test.That(t, u.Seq, test.ShouldEqual, uint64(2))
	// The skipped frame's object was still counted.
	test.That(t, u.Count, test.ShouldEqual, 2)
	test.That(t, b.Stats().EncodeFailures, test.ShouldEqual, uint64(1))
}

func TestPublishFailureEndsSession(t *testing.T) {
	src := &chanSource{frames: make(chan types.Frame, 1)}
	det := detect.Func(func(ctx context.Context, f types.Frame) (detect.Result, error) {
		return detect.Result{}, nil
	})
	rec := newRecorder()
	rec.err = errors.New("connection reset")
	b := New("a", src, det, registry.New(), rec, Options{}, zaptest.NewLogger(t).Sugar())
	_, done := run(t, b)

	src.frames <- types.Frame{Seq: 1, Image: solid(10)}
	select {
	case err := <-done:
		test.That(t, errors.Is(err, ErrSessionClosed), test.ShouldBeTrue)
		done <- nil
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not end")
	}
	test.That(t, b.State(), test.ShouldEqual, StateStopped)
}

func TestAbsentDeviceDoesNotSpin(t *testing.T) {
	src := &absentSource{}
	var detects atomic.Int32
	det := detect.Func(func(ctx context.Context, f types.Frame) (detect.Result, error) {
		detects.Add(1)
		return detect.Result{}, nil
	})
	b := New("a", src, det, registry.New(), newRecorder(), Options{RetryInterval: 20 * time.Millisecond}, zaptest.NewLogger(t).Sugar())
	cancel, done := run(t, b)

	time.Sleep(200 * time.Millisecond)
	test.That(t, b.State(), test.ShouldEqual, StateWaiting)
	test.That(t, src.calls.Load(), test.ShouldBeLessThanOrEqualTo, 12)
	test.That(t, src.calls.Load(), test.ShouldBeGreaterThanOrEqualTo, 2)
	test.That(t, detects.Load(), test.ShouldEqual, 0)

	cancel()
	test.That(t, <-done, test.ShouldBeNil)
	done <- nil
	test.That(t, b.State(), test.ShouldEqual, StateStopped)
}

func TestCancelWhileWaitingForDetector(t *testing.T) {
	src := &chanSource{frames: make(chan types.Frame, 1)}
	block := make(chan struct{})
	det := detect.Serialized(detect.Func(func(ctx context.Context, f types.Frame) (detect.Result, error) {
		<-block
		return detect.Result{}, nil
	}))
	// Hold the detector so the session queues behind it.
	go det.Detect(context.Background(), types.Frame{})
	time.Sleep(10 * time.Millisecond)

	b := New("a", src, det, registry.New(), newRecorder(), Options{}, zaptest.NewLogger(t).Sugar())
	cancel, done := run(t, b)
	src.frames <- types.Frame{Seq: 1, Image: solid(1)}
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case err := <-done:
		test.That(t, err, test.ShouldBeNil)
		done <- nil
	case <-time.After(2 * time.Second):
		t.Fatal("loop stuck behind detector")
	}
	close(block)
}

func TestJPEGEncoderRejectsEmpty(t *testing.T) {
	_, err := JPEGEncoder{}.Encode(image.NewGray(image.Rectangle{}))
	test.That(t, errors.Is(err, ErrEncodingFailure), test.ShouldBeTrue)
	_, err = JPEGEncoder{}.Encode(nil)
	test.That(t, errors.Is(err, ErrEncodingFailure), test.ShouldBeTrue)
}
