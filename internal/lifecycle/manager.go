// Package lifecycle owns the per-session state machine: it creates transport
// clients, consumes their events in order, keeps the persisted records and
// credential artifacts in step with them, and recreates sessions that drop.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/sessiongate/internal/bus"
	logs "github.com/danmuck/sessiongate/internal/logging"
	"github.com/danmuck/sessiongate/internal/observability"
	"github.com/danmuck/sessiongate/internal/registry"
	"github.com/danmuck/sessiongate/internal/store"
	"github.com/danmuck/sessiongate/internal/transport"
)

var (
	ErrClosed   = errors.New("lifecycle: manager closed")
	ErrNotFound = errors.New("lifecycle: session not found")
	ErrMissing  = errors.New("lifecycle: missing dependency")
)

const defaultStoreTimeout = 5 * time.Second

// Status lines published on the message event.
const (
	msgConnecting    = "Connecting..."
	msgQR            = "QR code received, please scan"
	msgAuthenticated = "Session authenticated"
	msgAuthFailure   = "Authentication failure"
	msgReady         = "Session ready"
	msgDisconnected  = "Session disconnected"
	msgRetrying      = "Session retrying"
	msgStopped       = "Session stopped after repeated failures"
	msgDeleted       = "Session deleted"
)

type Config struct {
	Retry        RetryPolicy
	QRSize       int
	StoreTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Retry:        DefaultRetryPolicy(),
		QRSize:       DefaultQRSize,
		StoreTimeout: defaultStoreTimeout,
	}
}

// Deps are the collaborators a Manager drives.
type Deps struct {
	Store       store.Store
	Credentials *store.CredentialStore
	Registry    *registry.Registry
	Bus         bus.Publisher
	Factory     transport.Factory
	// QR defaults to PNGDataURL(Config.QRSize).
	QR QRRenderer
}

type retry struct {
	description string
	timer       *time.Timer
}

// command is a transition requested from outside the transport, handled on
// the session's event goroutine. acted reports whether the handle was still
// open when it ran.
type command struct {
	event transport.Event
	acted chan bool
}

// session is the goroutine-side state of one live handle.
type session struct {
	handle   *registry.Handle
	commands chan command
	initDone chan error
	exited   chan struct{}
}

// Manager runs every session of the process.
type Manager struct {
	cfg      Config
	store    store.Store
	creds    *store.CredentialStore
	registry *registry.Registry
	bus      bus.Publisher
	factory  transport.Factory
	renderQR QRRenderer

	mu       sync.Mutex
	closed   bool
	attempts map[string]int
	retries  map[string]*retry
	pending  map[string]struct{}
	live     map[string]*session
	rng      *rand.Rand

	generation atomic.Uint64
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func New(cfg Config, deps Deps) (*Manager, error) {
	if deps.Store == nil || deps.Credentials == nil || deps.Registry == nil || deps.Bus == nil || deps.Factory == nil {
		return nil, ErrMissing
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if deps.QR == nil {
		deps.QR = PNGDataURL(cfg.QRSize)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		store:    deps.Store,
		creds:    deps.Credentials,
		registry: deps.Registry,
		bus:      deps.Bus,
		factory:  deps.Factory,
		renderQR: deps.QR,
		attempts: make(map[string]int),
		retries:  make(map[string]*retry),
		pending:  make(map[string]struct{}),
		live:     make(map[string]*session),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Bootstrap creates one live session per persisted record. Only a store that
// cannot be read is an error; individual sessions that fail are logged.
func (m *Manager) Bootstrap(ctx context.Context) error {
	records, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("lifecycle: bootstrap: %w", err)
	}
	for _, rec := range records {
		if err := m.CreateSession(ctx, rec.ID, rec.Description); err != nil {
			logs.Warnf("lifecycle.Manager.Bootstrap skip id=%q err=%v", rec.ID, err)
		}
	}
	logs.Infof("lifecycle.Manager.Bootstrap records=%d live=%d", len(records), m.registry.Len())
	return nil
}

// CreateSession starts a session for id unless one is already live or being
// built. It returns once the client exists and its record is persisted;
// pairing and readiness arrive later as events.
func (m *Manager) CreateSession(ctx context.Context, id, description string) error {
	if err := store.ValidateID(id); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.cancelRetryLocked(id)
	_, building := m.pending[id]
	if _, ok := m.registry.Get(id); ok || building {
		m.mu.Unlock()
		logs.Debugf("lifecycle.Manager.CreateSession exists id=%q building=%t", id, building)
		return nil
	}
	m.pending[id] = struct{}{}
	m.mu.Unlock()

	client, resumed, err := m.build(id)

	m.mu.Lock()
	delete(m.pending, id)
	if err == nil && m.closed {
		err = ErrClosed
	}
	var s *session
	if err == nil {
		s, err = m.spawnLocked(id, description, client)
	}
	m.mu.Unlock()
	if err != nil {
		if client != nil {
			_ = client.Close()
		}
		return err
	}
	logs.Infof("lifecycle.Manager.spawn id=%q generation=%d resumed=%t", id, s.handle.Generation, resumed)

	m.ensureRecord(ctx, id, description)
	m.bus.Publish(bus.EventMessage, bus.MessagePayload{ID: id, Text: msgConnecting})

	go func() {
		defer m.wg.Done()
		s.initDone <- s.handle.Client.Initialize(m.ctx)
		close(s.initDone)
	}()
	return nil
}

// build loads the stored credential and asks the factory for a client. It
// runs without the manager lock.
func (m *Manager) build(id string) (transport.Client, bool, error) {
	cred, _, err := m.creds.Load(id)
	if err != nil {
		logs.Warnf("lifecycle.Manager.build credential load failed id=%q err=%v", id, err)
		cred = nil
	}
	client, err := m.factory.NewClient(id, cred)
	if err != nil {
		return nil, false, fmt.Errorf("lifecycle: new client %q: %w", id, err)
	}
	return client, len(cred) > 0, nil
}

// spawnLocked registers client and starts its event goroutine before the
// client is initialized, so no event can be missed.
func (m *Manager) spawnLocked(id, description string, client transport.Client) (*session, error) {
	h := registry.NewHandle(id, description, client, m.generation.Add(1))
	if err := m.registry.Add(h); err != nil {
		return nil, err
	}
	observability.SetActiveSessions(m.registry.Len())

	s := &session{
		handle:   h,
		commands: make(chan command, 1),
		initDone: make(chan error, 1),
		exited:   make(chan struct{}),
	}
	m.live[id] = s
	// One for the event goroutine, one for the Initialize call the caller starts.
	m.wg.Add(2)
	go m.run(s)
	return s, nil
}

func (m *Manager) ensureRecord(ctx context.Context, id, description string) {
	ctx, cancel := m.storeContext(ctx)
	defer cancel()
	_, ok, err := m.store.Get(ctx, id)
	if err != nil {
		logs.Errorf("lifecycle.Manager.ensureRecord get id=%q err=%v", id, err)
		return
	}
	if ok {
		return
	}
	if err := m.store.Upsert(ctx, store.Record{ID: id, Description: description}); err != nil {
		logs.Errorf("lifecycle.Manager.ensureRecord upsert id=%q err=%v", id, err)
	}
}

// run consumes one instance's events and commands in order. Every
// transition for a handle happens here.
func (m *Manager) run(s *session) {
	defer m.wg.Done()
	defer m.detach(s)

	h := s.handle
	events := h.Client.Events()
	var initDone <-chan error = s.initDone
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				logs.Debugf("lifecycle.Manager.run events closed id=%q generation=%d", h.ID, h.Generation)
				return
			}
			m.dispatch(h, ev)
		case err, ok := <-initDone:
			initDone = nil
			if ok && err != nil && !errors.Is(err, context.Canceled) {
				m.dispatch(h, transport.AuthFailed{Reason: err.Error()})
			}
		case cmd := <-s.commands:
			acted := !h.Closed()
			m.dispatch(h, cmd.event)
			cmd.acted <- acted
		}
	}
}

func (m *Manager) detach(s *session) {
	close(s.exited)
	m.mu.Lock()
	if m.live[s.handle.ID] == s {
		delete(m.live, s.handle.ID)
	}
	m.mu.Unlock()
}

// submit hands ev to the session goroutine and waits until it was handled.
func (m *Manager) submit(ctx context.Context, s *session, ev transport.Event) (bool, error) {
	cmd := command{event: ev, acted: make(chan bool, 1)}
	select {
	case s.commands <- cmd:
	case <-s.exited:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
	select {
	case acted := <-cmd.acted:
		return acted, nil
	case <-s.exited:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (m *Manager) dispatch(h *registry.Handle, ev transport.Event) {
	if h.Closed() {
		logs.Debugf("lifecycle.Manager.dispatch stale id=%q generation=%d kind=%s", h.ID, h.Generation, ev.Kind())
		return
	}
	observability.RecordSessionTransition(string(ev.Kind()))

	switch e := ev.(type) {
	case transport.Pairing:
		m.onPairing(h, e)
	case transport.Authenticated:
		m.onAuthenticated(h, e)
	case transport.Ready:
		m.onReady(h)
	case transport.AuthFailed:
		m.onAuthFailed(h, e)
	case transport.Disconnected:
		m.onDisconnected(h, e)
	default:
		logs.Warnf("lifecycle.Manager.dispatch unknown event id=%q kind=%s", h.ID, ev.Kind())
	}
}

func (m *Manager) onPairing(h *registry.Handle, e transport.Pairing) {
	h.SetState(registry.StatePairing)
	src, err := m.renderQR(e.Token)
	if err != nil {
		logs.Warnf("lifecycle.Manager.onPairing id=%q err=%v", h.ID, err)
		return
	}
	m.bus.Publish(bus.EventQR, bus.QRPayload{ID: h.ID, Src: src})
	m.bus.Publish(bus.EventMessage, bus.MessagePayload{ID: h.ID, Text: msgQR})
}

func (m *Manager) onAuthenticated(h *registry.Handle, e transport.Authenticated) {
	h.SetState(registry.StateAuthenticating)
	if len(e.Credential) > 0 {
		if err := m.creds.Save(h.ID, e.Credential); err != nil {
			logs.Errorf("lifecycle.Manager.onAuthenticated save credential id=%q err=%v", h.ID, err)
		}
	}
	m.bus.Publish(bus.EventAuthenticated, bus.SessionPayload{ID: h.ID})
	m.bus.Publish(bus.EventMessage, bus.MessagePayload{ID: h.ID, Text: msgAuthenticated})
}

func (m *Manager) onReady(h *registry.Handle) {
	h.SetState(registry.StateReady)

	m.mu.Lock()
	delete(m.attempts, h.ID)
	m.mu.Unlock()

	ctx, cancel := m.storeContext(context.Background())
	defer cancel()
	rec, ok, err := m.store.Get(ctx, h.ID)
	if h.Closed() {
		logs.Debugf("lifecycle.Manager.onReady closed id=%q generation=%d", h.ID, h.Generation)
		return
	}
	switch {
	case err != nil:
		logs.Errorf("lifecycle.Manager.onReady get id=%q err=%v", h.ID, err)
	case ok && !rec.Ready:
		rec.Ready = true
		if err := m.store.Upsert(ctx, rec); err != nil {
			logs.Errorf("lifecycle.Manager.onReady upsert id=%q err=%v", h.ID, err)
		}
	}

	logs.Infof("lifecycle.Manager.onReady id=%q generation=%d", h.ID, h.Generation)
	m.bus.Publish(bus.EventReady, bus.SessionPayload{ID: h.ID})
	m.bus.Publish(bus.EventMessage, bus.MessagePayload{ID: h.ID, Text: msgReady})
}

// onAuthFailed keeps the record but drops the rejected credential so the
// recreated instance pairs from scratch.
func (m *Manager) onAuthFailed(h *registry.Handle, e transport.AuthFailed) {
	if !m.retire(h, registry.StateAuthFailed) {
		return
	}
	if err := m.creds.Delete(h.ID); err != nil {
		logs.Errorf("lifecycle.Manager.onAuthFailed delete credential id=%q err=%v", h.ID, err)
	}
	logs.Warnf("lifecycle.Manager.onAuthFailed id=%q generation=%d reason=%q", h.ID, h.Generation, e.Reason)
	m.bus.Publish(bus.EventAuthFailure, bus.AuthFailurePayload{ID: h.ID, Reason: e.Reason})
	m.bus.Publish(bus.EventMessage, bus.MessagePayload{ID: h.ID, Text: msgAuthFailure})
	m.scheduleRecreate(h.ID, h.Description)
}

func (m *Manager) onDisconnected(h *registry.Handle, e transport.Disconnected) {
	if !m.retire(h, registry.StateDisconnected) {
		return
	}
	m.purge(h.ID)
	logs.Infof("lifecycle.Manager.onDisconnected id=%q generation=%d %s", h.ID, h.Generation, e)
	m.bus.Publish(bus.EventRemoveSession, bus.SessionPayload{ID: h.ID})
	m.bus.Publish(bus.EventMessage, bus.MessagePayload{ID: h.ID, Text: msgDisconnected})
	if e.UserInitiated {
		m.forget(h.ID)
		return
	}
	if m.scheduleRecreate(h.ID, h.Description) {
		// Out of attempts: restore the record so the session lists as stopped
		// and resumes on the next start.
		m.ensureRecord(context.Background(), h.ID, h.Description)
	}
}

// retire closes h exactly once and drops it from the registry if it is still
// the live handle for its id.
func (m *Manager) retire(h *registry.Handle, state registry.State) bool {
	if !h.MarkClosed() {
		return false
	}
	h.SetState(state)
	m.registry.RemoveIf(h.ID, h)
	observability.SetActiveSessions(m.registry.Len())

	// Close may wait on the event goroutine draining, so it runs apart from it.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := h.Client.Close(); err != nil {
			logs.Warnf("lifecycle.Manager.retire close id=%q err=%v", h.ID, err)
		}
	}()
	return true
}

// purge deletes the credential artifact and the session record.
func (m *Manager) purge(id string) {
	if err := m.creds.Delete(id); err != nil {
		logs.Errorf("lifecycle.Manager.purge delete credential id=%q err=%v", id, err)
	}
	ctx, cancel := m.storeContext(context.Background())
	defer cancel()
	if err := m.store.Remove(ctx, id); err != nil {
		logs.Errorf("lifecycle.Manager.purge remove record id=%q err=%v", id, err)
	}
}

// forget drops retry bookkeeping for id and reports whether a pending
// recreate was cancelled.
func (m *Manager) forget(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forgetLocked(id)
}

func (m *Manager) forgetLocked(id string) bool {
	delete(m.attempts, id)
	return m.cancelRetryLocked(id)
}

// scheduleRecreate arms the next attempt for id. It reports true when the
// retry budget is spent and no attempt was scheduled.
func (m *Manager) scheduleRecreate(id, description string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.cancelRetryLocked(id)

	m.attempts[id]++
	attempt := m.attempts[id]
	if m.cfg.Retry.Exhausted(attempt) {
		delete(m.attempts, id)
		observability.RecordRecreate("exhausted")
		logs.Warnf("lifecycle.Manager.scheduleRecreate exhausted id=%q attempts=%d", id, attempt-1)
		m.bus.Publish(bus.EventMessage, bus.MessagePayload{ID: id, Text: msgStopped})
		return true
	}

	delay := NextBackoffDelay(m.cfg.Retry.Backoff, attempt, m.rng)
	r := &retry{description: description}
	r.timer = time.AfterFunc(delay, func() { m.fire(id, r) })
	m.retries[id] = r
	observability.RecordRecreate("scheduled")
	logs.Infof("lifecycle.Manager.scheduleRecreate id=%q attempt=%d delay=%s", id, attempt, delay)
	m.bus.Publish(bus.EventMessage, bus.MessagePayload{ID: id, Text: msgRetrying})
	return false
}

func (m *Manager) fire(id string, r *retry) {
	m.mu.Lock()
	if m.closed || m.retries[id] != r {
		m.mu.Unlock()
		return
	}
	delete(m.retries, id)
	m.mu.Unlock()

	if err := m.CreateSession(m.ctx, id, r.description); err != nil {
		logs.Warnf("lifecycle.Manager.fire id=%q err=%v", id, err)
	}
}

func (m *Manager) cancelRetryLocked(id string) bool {
	r, ok := m.retries[id]
	if !ok {
		return false
	}
	r.timer.Stop()
	delete(m.retries, id)
	return true
}

// DeleteSession logs the session out and removes it for good. The teardown
// runs on the session's own goroutine. A persisted or retrying session
// without a live handle is purged as well.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	if err := store.ValidateID(id); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	cancelled := m.forgetLocked(id)
	s := m.live[id]
	m.mu.Unlock()

	if s == nil || s.handle.Closed() {
		if !m.removeDetached(ctx, id) && !cancelled {
			return ErrNotFound
		}
		return nil
	}

	if err := s.handle.Client.Logout(ctx); err != nil {
		logs.Warnf("lifecycle.Manager.DeleteSession logout id=%q err=%v", id, err)
	}
	acted, err := m.submit(ctx, s, transport.Disconnected{Reason: "deleted", UserInitiated: true})
	if err != nil {
		return err
	}
	if acted {
		return nil
	}

	// The handle went down on its own first and may have armed a recreate.
	m.forget(id)
	m.mu.Lock()
	fresh := m.live[id]
	m.mu.Unlock()
	if fresh != nil && fresh != s {
		if err := m.DeleteSession(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		return nil
	}
	m.removeDetached(ctx, id)
	return nil
}

// removeDetached purges a session that has no live handle and reports
// whether a record existed.
func (m *Manager) removeDetached(ctx context.Context, id string) bool {
	sctx, cancel := m.storeContext(ctx)
	_, exists, err := m.store.Get(sctx, id)
	cancel()
	if err != nil {
		logs.Errorf("lifecycle.Manager.DeleteSession get id=%q err=%v", id, err)
	}
	if !exists {
		return false
	}
	m.purge(id)
	m.bus.Publish(bus.EventRemoveSession, bus.SessionPayload{ID: id})
	m.bus.Publish(bus.EventMessage, bus.MessagePayload{ID: id, Text: msgDeleted})
	return true
}

// States reports the lifecycle position of every live or pending session.
func (m *Manager) States() map[string]registry.State {
	out := make(map[string]registry.State)
	for _, info := range m.registry.Snapshot() {
		out[info.ID] = info.State
	}
	m.mu.Lock()
	for id := range m.retries {
		if _, live := out[id]; !live {
			out[id] = registry.StateRetrying
		}
	}
	m.mu.Unlock()
	return out
}

// Client returns the live transport client for id.
func (m *Manager) Client(id string) (transport.Client, bool) {
	h, ok := m.registry.Get(id)
	if !ok {
		return nil, false
	}
	return h.Client, true
}

// Close stops retries and closes every client. Records and credentials are
// kept so the next process resumes the same sessions.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for id := range m.retries {
		m.cancelRetryLocked(id)
	}
	m.mu.Unlock()

	m.cancel()
	// No handle can be added once closed is set, so every id is evicted whole.
	for _, id := range m.registry.ListIDs() {
		h, ok := m.registry.Remove(id)
		if !ok || !h.MarkClosed() {
			continue
		}
		if err := h.Client.Close(); err != nil {
			logs.Warnf("lifecycle.Manager.Close id=%q err=%v", id, err)
		}
	}
	observability.SetActiveSessions(m.registry.Len())
	m.wg.Wait()
	logs.Infof("lifecycle.Manager.Close done")
	return nil
}

func (m *Manager) storeContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(parent), m.cfg.StoreTimeout)
}
