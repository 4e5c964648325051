package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/danmuck/sessiongate/internal/lifecycle"
	logs "github.com/danmuck/sessiongate/internal/logging"
	"github.com/danmuck/sessiongate/internal/observability"
	"github.com/danmuck/sessiongate/internal/registry"
	"github.com/danmuck/sessiongate/internal/store"
	"github.com/danmuck/sessiongate/internal/transport"
)

const DefaultSendTimeout = 30 * time.Second

// SessionView is one entry of the session listing.
type SessionView struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Ready       bool           `json:"ready"`
	State       registry.State `json:"state"`
}

// API is the command surface behind the HTTP routes.
type API struct {
	manager     *lifecycle.Manager
	store       store.Store
	format      transport.AddressFormat
	sendTimeout time.Duration
}

func NewAPI(manager *lifecycle.Manager, records store.Store, format transport.AddressFormat, sendTimeout time.Duration) *API {
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	return &API{
		manager:     manager,
		store:       records,
		format:      format,
		sendTimeout: sendTimeout,
	}
}

// CreateSession validates the request and starts the session in the
// background; the outcome is reported through realtime events.
func (a *API) CreateSession(id, description string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return invalid(map[string]string{"id": "required"})
	}
	if err := store.ValidateID(id); err != nil {
		return invalid(map[string]string{"id": "invalid"})
	}
	go func() {
		if err := a.manager.CreateSession(context.Background(), id, description); err != nil {
			logs.Warnf("gateway.API.CreateSession id=%q err=%v", id, err)
		}
	}()
	return nil
}

func (a *API) SendMessage(ctx context.Context, sender, number, message string) (transport.SendResult, error) {
	fields := map[string]string{}
	required(fields, "sender", sender)
	required(fields, "number", number)
	required(fields, "message", message)
	to, client, err := a.resolve(fields, sender, number)
	if err != nil {
		return transport.SendResult{}, err
	}

	start := time.Now()
	res, err := callWithTimeout(ctx, a.sendTimeout, func(ctx context.Context) (transport.SendResult, error) {
		return client.Send(ctx, to, message)
	})
	observability.RecordSend(err == nil, time.Since(start))
	if err != nil {
		logs.Warnf("gateway.API.SendMessage sender=%q to=%q err=%v", sender, to, err)
		return transport.SendResult{}, &TransportError{Op: "send", Err: err}
	}
	return res, nil
}

// CheckNumber asks the sender's transport whether number is registered on
// the messaging network.
func (a *API) CheckNumber(ctx context.Context, sender, number string) (bool, error) {
	fields := map[string]string{}
	required(fields, "sender", sender)
	required(fields, "number", number)
	to, client, err := a.resolve(fields, sender, number)
	if err != nil {
		return false, err
	}
	ok, err := callWithTimeout(ctx, a.sendTimeout, func(ctx context.Context) (bool, error) {
		return client.IsRegistered(ctx, to)
	})
	if err != nil {
		return false, &TransportError{Op: "check number", Err: err}
	}
	return ok, nil
}

func (a *API) DeleteSession(ctx context.Context, id string) error {
	err := a.manager.DeleteSession(ctx, strings.TrimSpace(id))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrInvalidID):
		return invalid(map[string]string{"id": "invalid"})
	case errors.Is(err, lifecycle.ErrNotFound):
		return ErrUnknownSession
	default:
		return err
	}
}

// Sessions lists persisted sessions with their live state. When the store
// cannot be read only live sessions are listed.
func (a *API) Sessions(ctx context.Context) []SessionView {
	states := a.manager.States()
	records, err := a.store.Load(ctx)
	if err != nil {
		logs.Errorf("gateway.API.Sessions load err=%v", err)
		records = nil
		for id, state := range states {
			records = append(records, store.Record{ID: id, Ready: state == registry.StateReady})
		}
	}
	out := make([]SessionView, 0, len(records))
	for _, rec := range records {
		state, ok := states[rec.ID]
		if !ok {
			state = registry.StateStopped
		}
		out = append(out, SessionView{
			ID:          rec.ID,
			Description: rec.Description,
			Ready:       rec.Ready,
			State:       state,
		})
	}
	return out
}

func (a *API) resolve(fields map[string]string, sender, number string) (string, transport.Client, error) {
	var to string
	if _, missing := fields["number"]; !missing {
		normalized, err := a.format.Normalize(number)
		if err != nil {
			fields["number"] = "invalid"
		}
		to = normalized
	}
	if err := invalid(fields); err != nil {
		return "", nil, err
	}
	client, ok := a.manager.Client(strings.TrimSpace(sender))
	if !ok {
		return "", nil, ErrUnknownSession
	}
	return to, client, nil
}

func required(fields map[string]string, name, value string) {
	if strings.TrimSpace(value) == "" {
		fields[name] = "required"
	}
}

// callWithTimeout bounds fn even when the client ignores its context.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		val, err := fn(ctx)
		done <- result{val: val, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
			return r.val, ErrSendTimeout
		}
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, ErrSendTimeout
		}
		return zero, ctx.Err()
	}
}
