package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/sessiongate/internal/bus"
	"github.com/danmuck/sessiongate/internal/registry"
	"github.com/danmuck/sessiongate/internal/store"
	"github.com/danmuck/sessiongate/internal/testutil/testlog"
	"github.com/danmuck/sessiongate/internal/transport"
	"github.com/danmuck/sessiongate/internal/transport/loopback"
)

type harness struct {
	store    *store.FileStore
	creds    *store.CredentialStore
	registry *registry.Registry
	bus      *bus.Bus
	loopback *loopback.Factory
	builds   atomic.Int64
	broken   map[string]bool
	dropping map[string]bool
	hold     map[string]chan struct{}
	manager  *Manager
}

// brokenClient never gets past Initialize.
type brokenClient struct {
	events chan transport.Event
	once   sync.Once
}

func newBrokenClient() *brokenClient {
	return &brokenClient{events: make(chan transport.Event)}
}

func (c *brokenClient) Events() <-chan transport.Event { return c.events }
func (c *brokenClient) Initialize(context.Context) error {
	return errors.New("engine unavailable")
}
func (c *brokenClient) Send(context.Context, string, string) (transport.SendResult, error) {
	return transport.SendResult{}, transport.ErrNotReady
}
func (c *brokenClient) IsRegistered(context.Context, string) (bool, error) {
	return false, transport.ErrNotReady
}
func (c *brokenClient) Logout(context.Context) error { return nil }
func (c *brokenClient) Close() error {
	c.once.Do(func() { close(c.events) })
	return nil
}

// droppingClient loses its connection as soon as it is initialized.
type droppingClient struct {
	events chan transport.Event
	once   sync.Once
}

func newDroppingClient() *droppingClient {
	return &droppingClient{events: make(chan transport.Event, 1)}
}

func (c *droppingClient) Events() <-chan transport.Event { return c.events }
func (c *droppingClient) Initialize(context.Context) error {
	c.events <- transport.Disconnected{Reason: "CONFLICT"}
	return nil
}
func (c *droppingClient) Send(context.Context, string, string) (transport.SendResult, error) {
	return transport.SendResult{}, transport.ErrNotReady
}
func (c *droppingClient) IsRegistered(context.Context, string) (bool, error) {
	return false, transport.ErrNotReady
}
func (c *droppingClient) Logout(context.Context) error { return nil }
func (c *droppingClient) Close() error {
	c.once.Do(func() { close(c.events) })
	return nil
}

// readyGate holds the write that marks a record ready until released.
type readyGate struct {
	store.Store
	hit     chan struct{}
	release chan struct{}
}

func newReadyGate(inner store.Store) *readyGate {
	return &readyGate{Store: inner, hit: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *readyGate) Upsert(ctx context.Context, rec store.Record) error {
	if rec.Ready {
		select {
		case g.hit <- struct{}{}:
		default:
		}
		<-g.release
	}
	return g.Store.Upsert(ctx, rec)
}

func newHarness(t *testing.T, retry RetryPolicy, broken ...string) *harness {
	t.Helper()
	return newHarnessWith(t, retry, nil, broken...)
}

func newHarnessWith(t *testing.T, retry RetryPolicy, wrap func(store.Store) store.Store, broken ...string) *harness {
	t.Helper()
	dir := t.TempDir()
	fs, err := store.OpenFile(filepath.Join(dir, store.DefaultFileName))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	h := &harness{
		store:    fs,
		creds:    store.NewCredentialStore(filepath.Join(dir, "credentials")),
		registry: registry.New(),
		loopback: loopback.NewFactory(loopback.Options{PairingInterval: time.Hour}),
		broken:   make(map[string]bool),
		dropping: make(map[string]bool),
		hold:     make(map[string]chan struct{}),
	}
	for _, id := range broken {
		h.broken[id] = true
	}
	h.bus = bus.New(fs.Load, 256)

	factory := transport.FactoryFunc(func(id string, cred []byte) (transport.Client, error) {
		h.builds.Add(1)
		if gate := h.hold[id]; gate != nil {
			<-gate
		}
		if h.broken[id] {
			return newBrokenClient(), nil
		}
		if h.dropping[id] {
			return newDroppingClient(), nil
		}
		return h.loopback.NewClient(id, cred)
	})
	var records store.Store = fs
	if wrap != nil {
		records = wrap(fs)
	}
	cfg := DefaultConfig()
	cfg.Retry = retry
	m, err := New(cfg, Deps{
		Store:       records,
		Credentials: h.creds,
		Registry:    h.registry,
		Bus:         h.bus,
		Factory:     factory,
		QR:          func(token string) (string, error) { return "qr:" + token, nil },
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	h.manager = m
	t.Cleanup(func() {
		_ = m.Close()
		h.bus.Close()
	})
	return h
}

func writeRaw(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func fastRetry(max int) RetryPolicy {
	return RetryPolicy{
		Backoff:     BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1},
		MaxAttempts: max,
	}
}

func (h *harness) subscribe(t *testing.T) *bus.Subscription {
	t.Helper()
	sub, err := h.bus.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if frame := <-sub.C(); frame.Event != bus.EventInit {
		t.Fatalf("expected init frame, got %q", frame.Event)
	}
	return sub
}

func frameID(data any) string {
	switch p := data.(type) {
	case bus.SessionPayload:
		return p.ID
	case bus.QRPayload:
		return p.ID
	case bus.MessagePayload:
		return p.ID
	case bus.AuthFailurePayload:
		return p.ID
	}
	return ""
}

func waitFrame(t *testing.T, sub *bus.Subscription, event, id string) bus.Frame {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case frame, ok := <-sub.C():
			if !ok {
				t.Fatalf("subscription closed waiting for %s/%s", event, id)
			}
			if frame.Event == event && frameID(frame.Data) == id {
				return frame
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s/%s", event, id)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) pair(t *testing.T, sub *bus.Subscription, id string) {
	t.Helper()
	waitFrame(t, sub, bus.EventQR, id)
	c, ok := h.loopback.Client(id)
	if !ok || !c.Pair() {
		t.Fatalf("pair %q failed", id)
	}
	waitFrame(t, sub, bus.EventReady, id)
}

func (h *harness) record(t *testing.T, id string) (store.Record, bool) {
	t.Helper()
	rec, ok, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %q: %v", id, err)
	}
	return rec, ok
}

func TestCreateSessionPairsToReady(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, fastRetry(3))
	sub := h.subscribe(t)

	if err := h.manager.CreateSession(context.Background(), "alpha", "first"); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, ok := h.record(t, "alpha")
	if !ok || rec.Ready || rec.Description != "first" {
		t.Fatalf("expected pending record, got %#v ok=%v", rec, ok)
	}

	qr := waitFrame(t, sub, bus.EventQR, "alpha")
	if src := qr.Data.(bus.QRPayload).Src; !strings.HasPrefix(src, "qr:") {
		t.Fatalf("unexpected qr src %q", src)
	}
	if got := h.manager.States()["alpha"]; got != registry.StatePairing {
		t.Fatalf("expected pairing state, got %q", got)
	}
	c, _ := h.loopback.Client("alpha")
	c.Pair()
	waitFrame(t, sub, bus.EventAuthenticated, "alpha")
	waitFrame(t, sub, bus.EventReady, "alpha")

	rec, _ = h.record(t, "alpha")
	if !rec.Ready {
		t.Fatalf("expected ready record")
	}
	if !h.creds.Exists("alpha") {
		t.Fatalf("expected credential artifact")
	}
	if got := h.manager.States()["alpha"]; got != registry.StateReady {
		t.Fatalf("expected ready state, got %q", got)
	}
}

func TestCreateSessionRejectsInvalidID(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, fastRetry(1))
	if err := h.manager.CreateSession(context.Background(), "../etc", ""); !errors.Is(err, store.ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
}

func TestBootstrapIsIdempotent(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, fastRetry(1))
	seed := []store.Record{{ID: "alpha"}, {ID: "beta", Ready: true}}
	if err := h.store.Save(context.Background(), seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := h.manager.Bootstrap(context.Background()); err != nil {
			t.Fatalf("bootstrap %d: %v", i, err)
		}
	}
	if got := h.registry.ListIDs(); len(got) != 2 {
		t.Fatalf("expected two live sessions, got %v", got)
	}
	if got := h.builds.Load(); got != 2 {
		t.Fatalf("expected two clients built, got %d", got)
	}
	records, _ := h.store.Load(context.Background())
	if len(records) != 2 {
		t.Fatalf("expected two records, got %#v", records)
	}
}

func TestBootstrapCorruptStore(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, fastRetry(1))
	if err := writeRaw(h.store.Path(), "{not json"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := h.manager.Bootstrap(context.Background()); !errors.Is(err, store.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestReadyIsMonotonic(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, fastRetry(1))
	sub := h.subscribe(t)
	_ = h.manager.CreateSession(context.Background(), "alpha", "")
	h.pair(t, sub, "alpha")

	if err := h.manager.CreateSession(context.Background(), "alpha", "again"); err != nil {
		t.Fatalf("recreate: %v", err)
	}
	rec, _ := h.record(t, "alpha")
	if !rec.Ready || rec.Description != "" {
		t.Fatalf("existing record should be untouched, got %#v", rec)
	}
}

func TestDisconnectCleansUpAndRecreates(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, fastRetry(3))
	sub := h.subscribe(t)
	_ = h.manager.CreateSession(context.Background(), "alpha", "desc")
	h.pair(t, sub, "alpha")
	old, _ := h.registry.Get("alpha")

	c, _ := h.loopback.Client("alpha")
	c.Disconnect("NAVIGATION")
	waitFrame(t, sub, bus.EventRemoveSession, "alpha")
	if h.creds.Exists("alpha") {
		t.Fatalf("credential should be deleted on disconnect")
	}

	// A fresh instance pairs again from scratch.
	waitFrame(t, sub, bus.EventQR, "alpha")
	fresh, ok := h.registry.Get("alpha")
	if !ok || fresh == old || fresh.Generation <= old.Generation {
		t.Fatalf("expected a newer handle, got %#v", fresh)
	}
	if !old.Closed() {
		t.Fatalf("old handle should be closed")
	}
	rec, ok := h.record(t, "alpha")
	if !ok || rec.Ready || rec.Description != "desc" {
		t.Fatalf("expected re-created pending record, got %#v ok=%v", rec, ok)
	}
}

func TestDeleteSessionDoesNotRecreate(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, fastRetry(3))
	sub := h.subscribe(t)
	_ = h.manager.CreateSession(context.Background(), "alpha", "")
	h.pair(t, sub, "alpha")

	if err := h.manager.DeleteSession(context.Background(), "alpha"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	waitFrame(t, sub, bus.EventRemoveSession, "alpha")
	time.Sleep(50 * time.Millisecond)

	if _, ok := h.registry.Get("alpha"); ok {
		t.Fatalf("deleted session must not be recreated")
	}
	if _, ok := h.record(t, "alpha"); ok {
		t.Fatalf("record should be removed")
	}
	if h.creds.Exists("alpha") {
		t.Fatalf("credential should be removed")
	}
	if h.builds.Load() != 1 {
		t.Fatalf("expected no rebuild, builds=%d", h.builds.Load())
	}
	if err := h.manager.DeleteSession(context.Background(), "alpha"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAuthFailureKeepsRecordAndRepairs(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, fastRetry(3))
	sub := h.subscribe(t)
	if err := h.creds.Save("alpha", []byte(`{"session_id":"alpha","secret":"stale"}`)); err != nil {
		t.Fatalf("seed credential: %v", err)
	}
	h.loopback.Revoke("alpha")

	_ = h.manager.CreateSession(context.Background(), "alpha", "")
	failure := waitFrame(t, sub, bus.EventAuthFailure, "alpha")
	if failure.Data.(bus.AuthFailurePayload).Reason == "" {
		t.Fatalf("expected a failure reason")
	}
	if _, ok := h.record(t, "alpha"); !ok {
		t.Fatalf("record must survive an auth failure")
	}

	// The retry has no credential and falls back to pairing.
	h.pair(t, sub, "alpha")
	rec, _ := h.record(t, "alpha")
	if !rec.Ready {
		t.Fatalf("expected ready after re-pairing")
	}
	if h.builds.Load() != 2 {
		t.Fatalf("expected one retry, builds=%d", h.builds.Load())
	}
}

func TestRetryLimitStopsSession(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, fastRetry(2), "beta")
	_ = h.manager.CreateSession(context.Background(), "beta", "")

	waitFor(t, "retries exhausted", func() bool {
		_, live := h.registry.Get("beta")
		_, pending := h.manager.States()["beta"]
		return h.builds.Load() == 3 && !live && !pending
	})
	time.Sleep(20 * time.Millisecond)
	if h.builds.Load() != 3 {
		t.Fatalf("expected initial attempt plus two retries, got %d", h.builds.Load())
	}
	if _, ok := h.record(t, "beta"); !ok {
		t.Fatalf("stopped session keeps its record")
	}

	// An explicit create starts over.
	_ = h.manager.CreateSession(context.Background(), "beta", "")
	waitFor(t, "explicit retry", func() bool { return h.builds.Load() >= 4 })
}

func TestFaultIsolation(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, fastRetry(1), "beta")
	sub := h.subscribe(t)
	_ = h.manager.CreateSession(context.Background(), "beta", "")
	_ = h.manager.CreateSession(context.Background(), "alpha", "")

	waitFrame(t, sub, bus.EventAuthFailure, "beta")
	h.pair(t, sub, "alpha")

	c, ok := h.manager.Client("alpha")
	if !ok {
		t.Fatalf("alpha should stay live")
	}
	if _, err := c.Send(context.Background(), "628123456789@c.us", "hi"); err != nil {
		t.Fatalf("send through alpha: %v", err)
	}
}

func TestConcurrentCreatesPersistOnce(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, fastRetry(1))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		id := "alpha"
		if i%2 == 1 {
			id = "beta"
		}
		wg.Add(1)
		go func(id string, n int) {
			defer wg.Done()
			if err := h.manager.CreateSession(context.Background(), id, fmt.Sprintf("d%d", n)); err != nil {
				t.Errorf("create %s: %v", id, err)
			}
		}(id, i)
	}
	wg.Wait()

	records, err := h.store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected exactly two records, got %#v", records)
	}
	if h.builds.Load() != 2 || h.registry.Len() != 2 {
		t.Fatalf("expected one client per id, builds=%d live=%d", h.builds.Load(), h.registry.Len())
	}
}

func TestCloseKeepsRecords(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, fastRetry(1))
	sub := h.subscribe(t)
	_ = h.manager.CreateSession(context.Background(), "alpha", "")
	h.pair(t, sub, "alpha")

	if err := h.manager.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if h.registry.Len() != 0 {
		t.Fatalf("expected empty registry after close")
	}
	if _, ok := h.record(t, "alpha"); !ok {
		t.Fatalf("record should survive close")
	}
	if !h.creds.Exists("alpha") {
		t.Fatalf("credential should survive close")
	}
	if err := h.manager.CreateSession(context.Background(), "beta", ""); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestDeleteWaitsForInFlightReady(t *testing.T) {
	testlog.Start(t)
	var gate *readyGate
	h := newHarnessWith(t, fastRetry(3), func(inner store.Store) store.Store {
		gate = newReadyGate(inner)
		return gate
	})
	releaseGate := sync.OnceFunc(func() { close(gate.release) })
	t.Cleanup(releaseGate)
	sub := h.subscribe(t)
	_ = h.manager.CreateSession(context.Background(), "alpha", "")
	waitFrame(t, sub, bus.EventQR, "alpha")
	c, _ := h.loopback.Client("alpha")
	c.Pair()

	select {
	case <-gate.hit:
	case <-time.After(3 * time.Second):
		t.Fatalf("ready write never started")
	}

	done := make(chan error, 1)
	go func() {
		done <- h.manager.DeleteSession(context.Background(), "alpha")
	}()
	select {
	case err := <-done:
		t.Fatalf("delete returned while ready was in flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	releaseGate()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("delete never returned")
	}

	waitFrame(t, sub, bus.EventReady, "alpha")
	waitFrame(t, sub, bus.EventRemoveSession, "alpha")
	time.Sleep(20 * time.Millisecond)
	if _, ok := h.record(t, "alpha"); ok {
		t.Fatalf("deleted session record was written back")
	}
	if _, ok := h.registry.Get("alpha"); ok {
		t.Fatalf("deleted session is still live")
	}
	if h.creds.Exists("alpha") {
		t.Fatalf("credential should be removed")
	}
	if h.builds.Load() != 1 {
		t.Fatalf("deleted session was rebuilt, builds=%d", h.builds.Load())
	}
}

func TestDisconnectLoopStopsWithRecord(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, fastRetry(2))
	h.dropping["gamma"] = true
	sub := h.subscribe(t)
	_ = h.manager.CreateSession(context.Background(), "gamma", "kiosk")

	waitFor(t, "retries exhausted", func() bool {
		_, live := h.registry.Get("gamma")
		_, listed := h.manager.States()["gamma"]
		_, ok := h.record(t, "gamma")
		return h.builds.Load() == 3 && !live && !listed && ok
	})
	waitFrame(t, sub, bus.EventRemoveSession, "gamma")

	rec, ok := h.record(t, "gamma")
	if !ok || rec.Ready || rec.Description != "kiosk" {
		t.Fatalf("stopped session should keep a pending record, got %#v ok=%v", rec, ok)
	}
	time.Sleep(20 * time.Millisecond)
	if h.builds.Load() != 3 {
		t.Fatalf("expected initial attempt plus two retries, got %d", h.builds.Load())
	}
}

func TestDeleteCancelsPendingRetry(t *testing.T) {
	testlog.Start(t)
	retry := RetryPolicy{
		Backoff:     BackoffConfig{InitialDelay: time.Hour, Multiplier: 1},
		MaxAttempts: 3,
	}
	h := newHarness(t, retry)
	sub := h.subscribe(t)
	_ = h.manager.CreateSession(context.Background(), "alpha", "")
	h.pair(t, sub, "alpha")

	c, _ := h.loopback.Client("alpha")
	c.Disconnect("NAVIGATION")
	waitFor(t, "pending retry", func() bool {
		return h.manager.States()["alpha"] == registry.StateRetrying
	})

	if err := h.manager.DeleteSession(context.Background(), "alpha"); err != nil {
		t.Fatalf("delete of a retrying session: %v", err)
	}
	if _, listed := h.manager.States()["alpha"]; listed {
		t.Fatalf("retry should be cancelled")
	}
	if err := h.manager.DeleteSession(context.Background(), "alpha"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound once nothing is left, got %v", err)
	}
}

func TestSlowBuildDoesNotBlockOtherSessions(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, fastRetry(1))
	gate := make(chan struct{})
	h.hold["slow"] = gate
	releaseGate := sync.OnceFunc(func() { close(gate) })
	t.Cleanup(releaseGate)

	slowDone := make(chan error, 1)
	go func() {
		slowDone <- h.manager.CreateSession(context.Background(), "slow", "")
	}()
	waitFor(t, "slow build started", func() bool { return h.builds.Load() == 1 })

	fastDone := make(chan error, 1)
	go func() {
		fastDone <- h.manager.CreateSession(context.Background(), "alpha", "")
	}()
	select {
	case err := <-fastDone:
		if err != nil {
			t.Fatalf("create alpha: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("create alpha blocked behind the slow build")
	}

	// A second create for an id still being built is a no-op.
	if err := h.manager.CreateSession(context.Background(), "slow", ""); err != nil {
		t.Fatalf("duplicate create: %v", err)
	}
	if h.builds.Load() != 2 {
		t.Fatalf("expected one build per id, builds=%d", h.builds.Load())
	}

	releaseGate()
	if err := <-slowDone; err != nil {
		t.Fatalf("create slow: %v", err)
	}
	if got := h.registry.ListIDs(); len(got) != 2 {
		t.Fatalf("expected both sessions live, got %v", got)
	}
}
