package transport

import "fmt"

// Event is one lifecycle signal emitted by a Client. The concrete variants are
// Pairing, Authenticated, AuthFailed, Ready and Disconnected.
type Event interface {
	Kind() EventKind
	isEvent()
}

// EventKind names an Event variant for logs and metrics.
type EventKind string

const (
	KindPairing       EventKind = "pairing"
	KindAuthenticated EventKind = "authenticated"
	KindAuthFailed    EventKind = "auth_failed"
	KindReady         EventKind = "ready"
	KindDisconnected  EventKind = "disconnected"
)

// Pairing carries a fresh pairing token. Each one supersedes the previous.
type Pairing struct {
	Token string
}

// Authenticated carries the credential artifact produced by a successful login.
type Authenticated struct {
	Credential []byte
}

// AuthFailed reports that authentication or initialization did not succeed.
type AuthFailed struct {
	Reason string
}

// Ready reports that the session can send messages.
type Ready struct{}

// Disconnected is terminal for the client instance that emitted it.
type Disconnected struct {
	Reason        string
	UserInitiated bool
}

func (Pairing) Kind() EventKind { return KindPairing }
func (Authenticated) Kind() EventKind { return KindAuthenticated }
func (AuthFailed) Kind() EventKind { return KindAuthFailed }
func (Ready) Kind() EventKind { return KindReady }
func (Disconnected) Kind() EventKind { return KindDisconnected }

func (Pairing) isEvent() {}
func (Authenticated) isEvent() {}
func (AuthFailed) isEvent() {}
func (Ready) isEvent() {}
func (Disconnected) isEvent() {}

func (e Disconnected) String() string {
	return fmt.Sprintf("disconnected reason=%q user_initiated=%v", e.Reason, e.UserInitiated)
}
