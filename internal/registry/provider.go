package registry

import "sync"

// Provider hands a registry to each session. In global scope every session
// shares one registry; in session scope each session gets its own, dropped
// on Release.
type Provider struct {
	mu       sync.Mutex
	global   *Registry
	perSess  bool
	newFn    func() *Registry
	sessions map[string]*Registry
}

// NewGlobalProvider shares r between all sessions.
func NewGlobalProvider(r *Registry) *Provider {
	return &Provider{global: r}
}

// NewSessionProvider builds an isolated registry per session with newFn.
func NewSessionProvider(newFn func() *Registry) *Provider {
	return &Provider{
		perSess:  true,
		newFn:    newFn,
		sessions: make(map[string]*Registry),
	}
}

func (p *Provider) Acquire(sessionID string) *Registry {
	if !p.perSess {
		return p.global
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.sessions[sessionID]
	if !ok {
		r = p.newFn()
		p.sessions[sessionID] = r
	}
	return r
}

// Release drops the registry held for sessionID if it is still r. A session
// that reconnected under the same id keeps its newer registry.
func (p *Provider) Release(sessionID string, r *Registry) {
	if !p.perSess {
		return
	}
	p.mu.Lock()
	if p.sessions[sessionID] == r {
		delete(p.sessions, sessionID)
	}
	p.mu.Unlock()
}

// Shared returns the global registry, or nil in session scope.
func (p *Provider) Shared() *Registry {
	return p.global
}

// Reset resets every registry the provider currently holds.
func (p *Provider) Reset() {
	if !p.perSess {
		p.global.Reset()
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.sessions {
		r.Reset()
	}
}

// Counts reports the count of every registry, keyed by session id, or by
// "global".
func (p *Provider) Counts() map[string]int {
	if !p.perSess {
		return map[string]int{"global": p.global.Count()}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.sessions))
	for id, r := range p.sessions {
		out[id] = r.Count()
	}
	return out
}
