package session

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"go.viam.com/test"

	"tallycam/internal/broadcast"
	"tallycam/internal/capture"
	"tallycam/internal/detect"
	"tallycam/internal/registry"
	"tallycam/internal/types"
)

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

type viewer struct {
	ch  chan types.Update
	mu  sync.Mutex
	err error
}

func newViewer() *viewer {
	return &viewer{ch: make(chan types.Update, 64)}
}

func (v *viewer) Publish(ctx context.Context, u types.Update) error {
	v.mu.Lock()
	err := v.err
	v.mu.Unlock()
	if err != nil {
		return err
	}
	v.ch <- u
	return nil
}

func (v *viewer) next(t *testing.T) types.Update {
	t.Helper()
	select {
	case u := <-v.ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("no update")
		return types.Update{}
	}
}

func (v *viewer) fail(err error) {
	v.mu.Lock()
	v.err = err
	v.mu.Unlock()
}

// newID detector reports a fresh identity per frame, so every frame adds one
// to the count.
var newID = detect.Func(func(ctx context.Context, f types.Frame) (detect.Result, error) {
	return detect.Result{Observations: []types.TrackedObservation{{ID: int64(f.Seq), Box: image.Rect(0, 0, 1, 1)}}}, nil
})

func setup(t *testing.T, provider *registry.Provider) (*Manager, *camera) {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	cam := &camera{frames: make(chan image.Image)}
	src := capture.Start(context.Background(), cam, capture.Options{RetryInterval: time.Millisecond}, logger)
	t.Cleanup(func() { src.Close() })
	m := NewManager(src, detect.Serialized(newID), provider, broadcast.Options{RetryInterval: time.Millisecond}, logger)
	t.Cleanup(m.Close)
	return m, cam
}

func frame() image.Image {
	return image.NewGray(image.Rect(0, 0, 8, 8))
}

func TestSessionsAreIsolated(t *testing.T) {
	m, cam := setup(t, registry.NewGlobalProvider(registry.New()))
	a, b := newViewer(), newViewer()
	_, err := m.Connect(context.Background(), "a", a)
	test.That(t, err, test.ShouldBeNil)
	_, err = m.Connect(context.Background(), "b", b)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.Count(), test.ShouldEqual, 2)

	cam.frames <- frame()
	test.That(t, a.next(t).Count, test.ShouldEqual, 1)
	test.That(t, b.next(t).Count, test.ShouldEqual, 1)

	m.Disconnect("a")
	test.That(t, m.Count(), test.ShouldEqual, 1)

	last := 1
	for i := 0; i < 3; i++ {
		cam.frames <- frame()
		u := b.next(t)
		test.That(t, u.Count, test.ShouldBeGreaterThan, last)
		last = u.Count
	}
	test.That(t, len(a.ch), test.ShouldEqual, 0)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	m, _ := setup(t, registry.NewGlobalProvider(registry.New()))
	_, err := m.Connect(context.Background(), "a", newViewer())
	test.That(t, err, test.ShouldBeNil)
	m.Disconnect("a")
	m.Disconnect("a")
	m.Disconnect("never-connected")
	test.That(t, m.Count(), test.ShouldEqual, 0)
}

func TestDuplicateSession(t *testing.T) {
	m, _ := setup(t, registry.NewGlobalProvider(registry.New()))
	_, err := m.Connect(context.Background(), "a", newViewer())
	test.That(t, err, test.ShouldBeNil)
	_, err = m.Connect(context.Background(), "a", newViewer())
	test.That(t, errors.Is(err, ErrSessionExists), test.ShouldBeTrue)
}

func TestConnectAfterClose(t *testing.T) {
	m, _ := setup(t, registry.NewGlobalProvider(registry.New()))
	s, err := m.Connect(context.Background(), "a", newViewer())
	test.That(t, err, test.ShouldBeNil)
	m.Close()
	<-s.Done()
	test.That(t, s.Err(), test.ShouldBeNil)
	test.That(t, m.Count(), test.ShouldEqual, 0)

	_, err = m.Connect(context.Background(), "b", newViewer())
	test.That(t, errors.Is(err, ErrClosed), test.ShouldBeTrue)
}

func TestPublishFailureRemovesSession(t *testing.T) {
	var created atomic.Int32
	provider := registry.NewSessionProvider(func() *registry.Registry {
		created.Add(1)
		return registry.New()
	})
	m, cam := setup(t, provider)
	a, b := newViewer(), newViewer()
	sa, err := m.Connect(context.Background(), "a", a)
	test.That(t, err, test.ShouldBeNil)
	_, err = m.Connect(context.Background(), "b", b)
	test.That(t, err, test.ShouldBeNil)

	a.fail(errors.New("broken pipe"))
	cam.frames <- frame()
	<-sa.Done()
	test.That(t, errors.Is(sa.Err(), broadcast.ErrSessionClosed), test.ShouldBeTrue)
	test.That(t, m.Count(), test.ShouldEqual, 1)
	test.That(t, b.next(t).Count, test.ShouldEqual, 1)
	test.That(t, created.Load(), test.ShouldEqual, 2)
	_, ok := provider.Counts()["a"]
	test.That(t, ok, test.ShouldBeFalse)
}

func TestSessionScopeCountsSeparately(t *testing.T) {
	m, cam := setup(t, registry.NewSessionProvider(func() *registry.Registry { return registry.New() }))
	a := newViewer()
	_, err := m.Connect(context.Background(), "a", a)
	test.That(t, err, test.ShouldBeNil)
	cam.frames <- frame()
	test.That(t, a.next(t).Count, test.ShouldEqual, 1)
	cam.frames <- frame()
	test.That(t, a.next(t).Count, test.ShouldEqual, 2)

	b := newViewer()
	_, err = m.Connect(context.Background(), "b", b)
	test.That(t, err, test.ShouldBeNil)
	cam.frames <- frame()
	test.That(t, a.next(t).Count, test.ShouldEqual, 3)
	// b starts from its own empty registry
	test.That(t, b.next(t).Count, test.ShouldEqual, 1)

	stats := m.Stats()
	test.That(t, stats, test.ShouldHaveLength, 2)
}

func TestReconnectKeepsNewRegistry(t *testing.T) {
	provider := registry.NewSessionProvider(func() *registry.Registry { return registry.New() })
	m, cam := setup(t, provider)
	first := newViewer()
	old, err := m.Connect(context.Background(), "a", first)
	test.That(t, err, test.ShouldBeNil)
	cam.frames <- frame()
	test.That(t, first.next(t).Count, test.ShouldEqual, 1)
	m.Disconnect("a")
	test.That(t, provider.Counts(), test.ShouldBeEmpty)

	second := newViewer()
	_, err = m.Connect(context.Background(), "a", second)
	test.That(t, err, test.ShouldBeNil)
	// the held frame is new to the fresh registry
	test.That(t, second.next(t).Count, test.ShouldEqual, 1)
	cam.frames <- frame()
	test.That(t, second.next(t).Count, test.ShouldEqual, 2)

	// a late exit of the old loop must not touch the new session
	m.remove(old)
	test.That(t, m.Count(), test.ShouldEqual, 1)
	test.That(t, provider.Counts(), test.ShouldResemble, map[string]int{"a": 2})
}
