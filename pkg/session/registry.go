package session

import (
	"sync"
)

// command is the closed set of control signals a worker accepts. Anything else
// is rejected at the boundary before it ever reaches a worker.
type command int

const (
	cmdPause command = iota
	cmdResume
	cmdStop
)

// controlMsg pairs a command with an ack channel the worker closes once the
// command has been observed. Pause in particular is only acknowledged after
// the worker is guaranteed not to deliver again.
type controlMsg struct {
	ack chan struct{}
	cmd command
}

// handle is the live, in-memory side of one session: the control channel into
// its worker and the last status the registry observed. The control channel is
// the only cross-goroutine signal the controller sends a worker.
type handle struct {
	ctrl   chan controlMsg
	done   chan struct{}
	id     string
	mu     sync.Mutex
	status Status
}

func newHandle(id string, status Status) *handle {
	return &handle{
		id: id,
		// buffered so a controller never blocks on a worker that is mid-poll
		ctrl:   make(chan controlMsg, 4),
		done:   make(chan struct{}),
		status: status,
	}
}

func (h *handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *handle) setStatus(s Status) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
}

// Registry is the authoritative in-memory map of running sessions. A session
// id present here means a worker goroutine is alive (or terminating) for it.
type Registry struct {
	handles map[string]*handle
	mu      sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*handle)}
}

// register adds a handle for a session. It fails if one is already live, which
// is how concurrent starts on the same session are serialized.
func (r *Registry) register(id string, status Status) (*handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handles[id]; ok {
		return nil, ErrSessionExists
	}
	h := newHandle(id, status)
	r.handles[id] = h
	return h, nil
}

func (r *Registry) get(id string) (*handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return h, ok
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, id)
}

// Alive reports whether a worker is currently registered for the session.
func (r *Registry) Alive(id string) bool {
	_, ok := r.get(id)
	return ok
}

// LiveStatus returns the registry's view of a running session's status.
func (r *Registry) LiveStatus(id string) (Status, bool) {
	h, ok := r.get(id)
	if !ok {
		return "", false
	}
	return h.Status(), true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// IDs returns the ids of all live sessions.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	return ids
}
