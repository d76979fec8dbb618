// Package session owns viewer sessions: one broadcaster goroutine per
// connected viewer, started on connect and torn down on disconnect.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"tallycam/internal/broadcast"
	"tallycam/internal/detect"
	"tallycam/internal/registry"
)

var (
	ErrSessionExists = errors.New("session already exists")
	ErrClosed        = errors.New("session manager closed")
)

type Session struct {
	ID string

	b      *broadcast.Broadcaster
	reg    *registry.Registry
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Done is closed once the session's loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err is the reason the loop ended on its own; nil after a disconnect.
// Only valid after Done is closed.
func (s *Session) Err() error {
	return s.err
}

type Manager struct {
	source   broadcast.FrameSource
	detector detect.Detector
	provider *registry.Provider
	opts     broadcast.Options
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewManager(
	source broadcast.FrameSource,
	detector detect.Detector,
	provider *registry.Provider,
	opts broadcast.Options,
	logger *zap.SugaredLogger,
) *Manager {
	return &Manager{
		source:   source,
		detector: detector,
		provider: provider,
		opts:     opts,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Connect starts a broadcaster for id that publishes to pub. The session
// lives until Disconnect, Close, ctx cancellation or a publish failure.
func (m *Manager) Connect(ctx context.Context, id string, pub broadcast.Publisher) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if _, ok := m.sessions[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}

	reg := m.provider.Acquire(id)
	b := broadcast.New(id, m.source, m.detector, reg, pub, m.opts, m.logger)
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{ID: id, b: b, reg: reg, cancel: cancel, done: make(chan struct{})}
	m.sessions[id] = s

	go func() {
		defer close(s.done)
		err := b.Run(sctx)
		cancel()
		s.err = err
		m.remove(s)
		if err != nil {
			m.logger.Infow("session ended", "session", id, "reason", err)
		}
	}()
	m.logger.Infow("client connected", "session", id, "sessions", len(m.sessions))
	return s, nil
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	m.dropLocked(s)
	m.mu.Unlock()
}

// dropLocked forgets s and its registry unless id already belongs to a newer
// session. m.mu must be held.
func (m *Manager) dropLocked(s *Session) {
	if m.sessions[s.ID] != s {
		return
	}
	delete(m.sessions, s.ID)
	m.provider.Release(s.ID, s.reg)
}

// Disconnect stops the session and waits for its loop to exit. Unknown ids
// are ignored.
func (m *Manager) Disconnect(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		m.dropLocked(s)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	s.cancel()
	<-s.done
	m.logger.Infow("client disconnected", "session", id)
}

// Close disconnects every session and refuses new ones.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.Disconnect(id)
		}(id)
	}
	wg.Wait()
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) Stats() map[string]broadcast.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]broadcast.Stats, len(m.sessions))
	for id, s := range m.sessions {
		out[id] = s.b.Stats()
	}
	return out
}

func (m *Manager) Provider() *registry.Provider {
	return m.provider
}
