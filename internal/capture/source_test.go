package capture

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"go.viam.com/test"
)

type step struct {
	img image.Image
	err error
}

// fakeDevice produces exactly what the test feeds it.
type fakeDevice struct {
	steps  chan step
	closed atomic.Bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{steps: make(chan step)}
}

func (d *fakeDevice) Read(ctx context.Context) (image.Image, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case s := <-d.steps:
		return s.img, s.err
	}
}

func (d *fakeDevice) Close() error {
	d.closed.Store(true)
	return nil
}

func (d *fakeDevice) frame(shade uint8) image.Image {
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	img.SetGray(0, 0, color.Gray{Y: shade})
	d.steps <- step{img: img}
	return img
}

func (d *fakeDevice) fail(err error) {
	d.steps <- step{err: err}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func startFake(t *testing.T, opts Options) (*Source, *fakeDevice) {
	t.Helper()
	dev := newFakeDevice()
	if opts.RetryInterval == 0 {
		opts.RetryInterval = time.Millisecond
	}
	src := Start(context.Background(), dev, opts, zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { src.Close() })
	return src, dev
}

func TestLatestFrameWins(t *testing.T) {
	src, dev := startFake(t, Options{})
	dev.frame(1)
	dev.frame(2)
	f3 := dev.frame(3)
	waitFor(t, func() bool { return src.Stats().Seq == 3 })

	frame, ok := src.Read(context.Background())
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, frame.Seq, test.ShouldEqual, uint64(3))
	test.That(t, frame.Image, test.ShouldEqual, f3)

	stats := src.Stats()
	test.That(t, stats.Buffered, test.ShouldEqual, 1)
	test.That(t, stats.Overwrites, test.ShouldEqual, uint64(2))
}

func TestBufferStaysBounded(t *testing.T) {
	src, dev := startFake(t, Options{})
	for i := 0; i < 500; i++ {
		dev.frame(uint8(i))
		if i%7 == 0 {
			src.Read(context.Background())
		}
		test.That(t, src.Stats().Buffered, test.ShouldBeLessThanOrEqualTo, 1)
	}
	waitFor(t, func() bool { return src.Stats().Seq == 500 })
	frame, ok := src.Read(context.Background())
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, frame.Seq, test.ShouldEqual, uint64(500))
}

func TestReadsAreNonDestructive(t *testing.T) {
	src, dev := startFake(t, Options{})
	dev.frame(9)
	waitFor(t, func() bool { return src.Stats().Seq == 1 })

	var wg sync.WaitGroup
	seqs := make([]uint64, 8)
	for i := range seqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			frame, _ := src.Read(context.Background())
			seqs[i] = frame.Seq
		}(i)
	}
	wg.Wait()
	for _, seq := range seqs {
		test.That(t, seq, test.ShouldEqual, uint64(1))
	}
}

func TestReadBlocksUntilFirstAcquisition(t *testing.T) {
	src, dev := startFake(t, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, ok := src.Read(ctx)
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, time.Since(start) >= 50*time.Millisecond, test.ShouldBeTrue)

	got := make(chan uint64, 1)
	go func() {
		frame, _ := src.Read(context.Background())
		got <- frame.Seq
	}()
	dev.frame(1)
	select {
	case seq := <-got:
		test.That(t, seq, test.ShouldEqual, uint64(1))
	case <-time.After(2 * time.Second):
		t.Fatal("read did not wake on first frame")
	}
}

func TestFailedAcquisitionReportsNotOK(t *testing.T) {
	src, dev := startFake(t, Options{})
	dev.frame(1)
	dev.fail(errors.New("camera hiccup"))
	waitFor(t, func() bool { return src.Stats().Failures == 1 })

	_, ok := src.Read(context.Background())
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, src.Stats().LastError, test.ShouldContainSubstring, "hiccup")
	test.That(t, src.Err(), test.ShouldBeNil)

	dev.frame(2)
	waitFor(t, func() bool { return src.Stats().Seq == 2 })
	frame, ok := src.Read(context.Background())
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, frame.Seq, test.ShouldEqual, uint64(2))
}

func TestRepeatedFailuresMakeDeviceUnavailable(t *testing.T) {
	src, dev := startFake(t, Options{MaxFailures: 3})
	for i := 0; i < 3; i++ {
		dev.fail(errors.New("no route to camera"))
	}
	waitFor(t, func() bool { return src.Err() != nil })
	test.That(t, errors.Is(src.Err(), ErrDeviceUnavailable), test.ShouldBeTrue)
	test.That(t, src.Stats().Available, test.ShouldBeFalse)

	// permanent: reads return at once even with no deadline
	_, ok := src.Read(context.Background())
	test.That(t, ok, test.ShouldBeFalse)
}

func TestNextWaitsForNewerFrame(t *testing.T) {
	src, dev := startFake(t, Options{})
	dev.frame(1)
	first, ok := src.Next(context.Background(), 0)
	test.That(t, ok, test.ShouldBeTrue)

	got := make(chan uint64, 1)
	go func() {
		frame, _ := src.Next(context.Background(), first.Seq)
		got <- frame.Seq
	}()
	select {
	case <-got:
		t.Fatal("next returned the frame already seen")
	case <-time.After(30 * time.Millisecond):
	}
	dev.frame(2)
	select {
	case seq := <-got:
		test.That(t, seq, test.ShouldEqual, uint64(2))
	case <-time.After(2 * time.Second):
		t.Fatal("next did not wake")
	}
}

func TestCloseReleasesWaiters(t *testing.T) {
	src, dev := startFake(t, Options{})
	done := make(chan bool, 1)
	go func() {
		_, ok := src.Read(context.Background())
		done <- ok
	}()
	time.Sleep(10 * time.Millisecond)
	test.That(t, src.Close(), test.ShouldBeNil)
	select {
	case ok := <-done:
		test.That(t, ok, test.ShouldBeFalse)
	case <-time.After(2 * time.Second):
		t.Fatal("reader not released by close")
	}
	test.That(t, dev.closed.Load(), test.ShouldBeTrue)
	test.That(t, errors.Is(src.Err(), ErrSourceClosed), test.ShouldBeTrue)
	test.That(t, src.Close(), test.ShouldBeNil)
}

func TestUnavailableSource(t *testing.T) {
	src := Unavailable(errors.New("dial tcp: refused"))
	_, ok := src.Read(context.Background())
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = src.Next(context.Background(), 5)
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, src.Stats().Available, test.ShouldBeFalse)
	test.That(t, src.Close(), test.ShouldBeNil)
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	_, err := Open(context.Background(), "rtsp://cam/stream", Options{}, zaptest.NewLogger(t).Sugar())
	test.That(t, errors.Is(err, ErrDeviceUnavailable), test.ShouldBeTrue)
}

func TestSimulatorProducesFrames(t *testing.T) {
	src, err := Open(context.Background(), "sim://?fps=200&width=128&height=96&objects=2&seed=1", Options{}, zaptest.NewLogger(t).Sugar())
	test.That(t, err, test.ShouldBeNil)
	defer src.Close()

	frame, ok := src.Next(context.Background(), 0)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, frame.Image.Bounds(), test.ShouldResemble, image.Rect(0, 0, 128, 96))

	next, ok := src.Next(context.Background(), frame.Seq)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, next.Seq, test.ShouldBeGreaterThan, frame.Seq)
}
