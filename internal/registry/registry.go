// Package registry tracks the live session handles of the current process.
// Membership is the source of truth for whether a session is servable.
package registry

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/sessiongate/internal/transport"
)

var (
	ErrExists    = errors.New("registry: session already registered")
	ErrNilHandle = errors.New("registry: handle is nil")
)

// State is the lifecycle position of one session instance.
type State string

const (
	StateCreated        State = "created"
	StatePairing        State = "pairing"
	StateAuthenticating State = "authenticating"
	StateReady          State = "ready"
	StateAuthFailed     State = "auth_failed"
	StateDisconnected   State = "disconnected"

	// StateRetrying and StateStopped describe persisted sessions that have no
	// live handle: a recreate is pending, or retries were exhausted.
	StateRetrying State = "retrying"
	StateStopped  State = "stopped"
)

// Handle is the in-memory owner of one transport client.
type Handle struct {
	ID          string
	Description string
	Client      transport.Client
	Generation  uint64
	CreatedAt   time.Time

	state  atomic.Value
	closed atomic.Bool
}

// NewHandle builds a handle in the created state.
func NewHandle(id, description string, client transport.Client, generation uint64) *Handle {
	h := &Handle{
		ID:          id,
		Description: description,
		Client:      client,
		Generation:  generation,
		CreatedAt:   time.Now(),
	}
	h.state.Store(StateCreated)
	return h
}

func (h *Handle) State() State {
	s, _ := h.state.Load().(State)
	return s
}

func (h *Handle) SetState(s State) {
	h.state.Store(s)
}

// MarkClosed flips the handle to closed and reports whether this call did it.
func (h *Handle) MarkClosed() bool {
	return h.closed.CompareAndSwap(false, true)
}

func (h *Handle) Closed() bool {
	return h.closed.Load()
}

// Info is a copyable view of a handle.
type Info struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	State       State     `json:"state"`
	Generation  uint64    `json:"generation"`
	CreatedAt   time.Time `json:"created_at"`
}

func (h *Handle) Info() Info {
	return Info{
		ID:          h.ID,
		Description: h.Description,
		State:       h.State(),
		Generation:  h.Generation,
		CreatedAt:   h.CreatedAt,
	}
}

// Registry maps session ids to live handles.
type Registry struct {
	mu    sync.RWMutex
	items map[string]*Handle
}

func New() *Registry {
	return &Registry{items: make(map[string]*Handle)}
}

// Add registers a handle; an id may hold at most one handle.
func (r *Registry) Add(h *Handle) error {
	if h == nil {
		return ErrNilHandle
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[h.ID]; ok {
		return ErrExists
	}
	r.items[h.ID] = h
	return nil
}

func (r *Registry) Get(id string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.items[id]
	return h, ok
}

// Remove deletes whatever handle is registered for id.
func (r *Registry) Remove(id string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.items[id]
	if ok {
		delete(r.items, id)
	}
	return h, ok
}

// RemoveIf deletes the entry for id only when it is still target.
func (r *Registry) RemoveIf(id string, target *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.items[id] != target || target == nil {
		return false
	}
	delete(r.items, id)
	return true
}

// ListIDs returns registered ids in sorted order.
func (r *Registry) ListIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.items))
	for id := range r.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns handle views sorted by id.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.items))
	for _, h := range r.items {
		out = append(out, h.Info())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
