// Package registry keeps the set of object identities seen so far and the
// running unique-object count derived from it.
package registry

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Registry is safe for concurrent use. Observe is an atomic
// insert-if-absent, so two sessions reporting the same new identity at the
// same instant count it once.
//
// Count counts admissions. With no retention an identity is admitted once
// for the registry lifetime and Count equals the set size. With a retention,
// identities unseen for longer than it are forgotten and a later sighting is
// admitted (and counted) again. Either way Count never decreases until Reset.
type Registry struct {
	mu        sync.Mutex
	clock     clock.Clock
	retention time.Duration
	lastSeen  map[int64]time.Time
	count     int
	onNew     func(id int64, count int)
}

type Option func(*Registry)

// WithRetention sets how long an identity is remembered after its last
// sighting. Zero keeps identities forever.
func WithRetention(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.retention = d
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		r.clock = c
	}
}

// WithNewObjectHook is called, under the registry lock, for every admitted
// identity.
func WithNewObjectHook(fn func(id int64, count int)) Option {
	return func(r *Registry) {
		r.onNew = fn
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		clock:    clock.New(),
		lastSeen: make(map[int64]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Observe records one frame's identities and returns the count after
// insertion.
func (r *Registry) Observe(ids []int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	r.expireLocked(now)
	for _, id := range ids {
		if _, ok := r.lastSeen[id]; !ok {
			r.count++
			if r.onNew != nil {
				r.onNew(id, r.count)
			}
		}
		r.lastSeen[id] = now
	}
	return r.count
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Len is the number of identities currently remembered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked(r.clock.Now())
	return len(r.lastSeen)
}

// Contains reports whether id is currently remembered.
func (r *Registry) Contains(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked(r.clock.Now())
	_, ok := r.lastSeen[id]
	return ok
}

// Reset forgets every identity and zeroes the count.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.lastSeen = make(map[int64]time.Time)
	r.count = 0
	r.mu.Unlock()
}

func (r *Registry) Retention() time.Duration {
	return r.retention
}

func (r *Registry) expireLocked(now time.Time) {
	if r.retention <= 0 {
		return
	}
	for id, seen := range r.lastSeen {
		if now.Sub(seen) > r.retention {
			delete(r.lastSeen, id)
		}
	}
}
