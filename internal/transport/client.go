package transport

import (
	"context"
	"errors"
)

var (
	ErrNotReady = errors.New("transport: session not ready")
	ErrClosed   = errors.New("transport: client closed")
)

// SendResult is the opaque acknowledgement returned for one delivered message.
type SendResult struct {
	ID        string `json:"id"`
	To        string `json:"to"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"`
	Ack       int    `json:"ack"`
}

// Client is one live connection to the messaging network.
//
// Events must be readable before Initialize is called and is closed by the
// client after Close. Initialize starts the connection and may block until
// the connection attempt settles; failures may be returned or emitted as
// AuthFailed.
type Client interface {
	Events() <-chan Event
	Initialize(ctx context.Context) error
	Send(ctx context.Context, to, body string) (SendResult, error)
	IsRegistered(ctx context.Context, to string) (bool, error)
	Logout(ctx context.Context) error
	Close() error
}

// Factory builds a Client for a session id, seeded with a credential artifact
// from a previous login when one exists.
type Factory interface {
	NewClient(sessionID string, credential []byte) (Client, error)
}

// FactoryFunc adapts a function into a Factory.
type FactoryFunc func(sessionID string, credential []byte) (Client, error)

func (f FactoryFunc) NewClient(sessionID string, credential []byte) (Client, error) {
	return f(sessionID, credential)
}
