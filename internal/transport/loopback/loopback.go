// Package loopback is an in-process transport engine. It walks the same
// pairing, authentication and readiness sequence as a network engine and
// accepts every send once ready, which makes the gateway runnable end to end
// without an external messaging engine.
package loopback

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/sessiongate/internal/transport"
	"github.com/google/uuid"
)

const (
	defaultPairingInterval = 20 * time.Second
	defaultEventBuffer     = 32
)

// Options tunes the pairing simulation.
type Options struct {
	// PairingInterval is how often a new pairing token replaces the last one.
	PairingInterval time.Duration
	// AutoPairAfter pairs the client automatically; zero waits for Pair.
	AutoPairAfter time.Duration
	EventBuffer   int
}

func (o Options) withDefaults() Options {
	if o.PairingInterval <= 0 {
		o.PairingInterval = defaultPairingInterval
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = defaultEventBuffer
	}
	return o
}

type credential struct {
	SessionID string `json:"session_id"`
	Secret    string `json:"secret"`
}

// Factory builds loopback clients and remembers the newest one per session.
type Factory struct {
	opts Options

	mu      sync.Mutex
	clients map[string]*Client
	revoked map[string]struct{}
}

var _ transport.Factory = (*Factory)(nil)

func NewFactory(opts Options) *Factory {
	return &Factory{
		opts:    opts.withDefaults(),
		clients: make(map[string]*Client),
		revoked: make(map[string]struct{}),
	}
}

func (f *Factory) NewClient(sessionID string, cred []byte) (transport.Client, error) {
	c := &Client{
		id:      sessionID,
		opts:    f.opts,
		factory: f,
		cred:    append([]byte(nil), cred...),
		events:  make(chan transport.Event, f.opts.EventBuffer),
		done:    make(chan struct{}),
		paired:  make(chan struct{}),
	}
	f.mu.Lock()
	f.clients[sessionID] = c
	f.mu.Unlock()
	return c, nil
}

// Client returns the newest client built for a session.
func (f *Factory) Client(sessionID string) (*Client, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[sessionID]
	return c, ok
}

// Revoke invalidates every credential previously issued for a session.
func (f *Factory) Revoke(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[sessionID] = struct{}{}
}

func (f *Factory) accepts(sessionID string, raw []byte) bool {
	var cred credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return false
	}
	if cred.SessionID != sessionID || strings.TrimSpace(cred.Secret) == "" {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, revoked := f.revoked[sessionID]
	return !revoked
}

func (f *Factory) issue(sessionID string) []byte {
	f.mu.Lock()
	delete(f.revoked, sessionID)
	f.mu.Unlock()
	raw, _ := json.Marshal(credential{SessionID: sessionID, Secret: uuid.NewString()})
	return raw
}

type clientState int

const (
	stateIdle clientState = iota
	statePairing
	stateReady
	stateClosed
)

// Client is one loopback session.
type Client struct {
	id      string
	opts    Options
	factory *Factory
	cred    []byte

	events chan transport.Event
	done   chan struct{}
	paired chan struct{}

	mu        sync.Mutex
	state     clientState
	authed    bool
	emitters  sync.WaitGroup
	workers   sync.WaitGroup
	pairOnce  sync.Once
	closeOnce sync.Once
	sent      atomic.Uint64
}

var _ transport.Client = (*Client)(nil)

func (c *Client) Events() <-chan transport.Event {
	return c.events
}

// Initialize resumes from a stored credential or starts emitting pairing tokens.
func (c *Client) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	if c.state != stateIdle {
		c.mu.Unlock()
		return nil
	}
	c.state = statePairing
	c.mu.Unlock()

	if len(c.cred) > 0 {
		if !c.factory.accepts(c.id, c.cred) {
			c.emit(transport.AuthFailed{Reason: "stored credential rejected"})
			return nil
		}
		c.mu.Lock()
		c.authed = true
		c.mu.Unlock()
		c.authenticate(c.cred)
		return nil
	}

	c.workers.Add(1)
	go c.pairingLoop()
	return nil
}

// Pair completes pairing as if the token had been scanned.
func (c *Client) Pair() bool {
	c.mu.Lock()
	if c.state != statePairing || c.authed {
		c.mu.Unlock()
		return false
	}
	c.authed = true
	c.mu.Unlock()
	c.authenticate(c.factory.issue(c.id))
	return true
}

// Disconnect simulates the network dropping the session.
func (c *Client) Disconnect(reason string) {
	c.mu.Lock()
	if c.state == stateReady {
		c.state = stateIdle
	}
	c.mu.Unlock()
	c.emit(transport.Disconnected{Reason: reason})
}

func (c *Client) Send(ctx context.Context, to, body string) (transport.SendResult, error) {
	if err := ctx.Err(); err != nil {
		return transport.SendResult{}, err
	}
	if !c.isReady() {
		return transport.SendResult{}, transport.ErrNotReady
	}
	c.sent.Add(1)
	return transport.SendResult{
		ID:        "loopback_" + uuid.NewString(),
		To:        to,
		Body:      body,
		Timestamp: time.Now().UnixMilli(),
		Ack:       1,
	}, nil
}

func (c *Client) IsRegistered(ctx context.Context, to string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !c.isReady() {
		return false, transport.ErrNotReady
	}
	return strings.Contains(to, "@"), nil
}

// Sent reports how many messages were accepted.
func (c *Client) Sent() uint64 {
	return c.sent.Load()
}

func (c *Client) Logout(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.factory.Revoke(c.id)
	c.emit(transport.Disconnected{Reason: "LOGOUT", UserInitiated: true})
	return nil
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = stateClosed
		close(c.done)
		c.mu.Unlock()

		c.workers.Wait()
		c.emitters.Wait()
		close(c.events)
	})
	return nil
}

func (c *Client) authenticate(cred []byte) {
	c.pairOnce.Do(func() { close(c.paired) })
	c.emit(transport.Authenticated{Credential: cred})

	c.mu.Lock()
	if c.state == statePairing {
		c.state = stateReady
	}
	c.mu.Unlock()
	c.emit(transport.Ready{})
}

func (c *Client) pairingLoop() {
	defer c.workers.Done()

	ticker := time.NewTicker(c.opts.PairingInterval)
	defer ticker.Stop()

	var autoPair <-chan time.Time
	if c.opts.AutoPairAfter > 0 {
		timer := time.NewTimer(c.opts.AutoPairAfter)
		defer timer.Stop()
		autoPair = timer.C
	}

	c.emit(transport.Pairing{Token: c.token()})
	for {
		select {
		case <-c.done:
			return
		case <-c.paired:
			return
		case <-autoPair:
			c.Pair()
			return
		case <-ticker.C:
			c.emit(transport.Pairing{Token: c.token()})
		}
	}
}

func (c *Client) token() string {
	return "2@" + c.id + "," + uuid.NewString()
}

func (c *Client) isReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateReady
}

// emit delivers an event unless the client has been closed.
func (c *Client) emit(ev transport.Event) {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.emitters.Add(1)
	c.mu.Unlock()
	defer c.emitters.Done()

	select {
	case c.events <- ev:
	case <-c.done:
	}
}
