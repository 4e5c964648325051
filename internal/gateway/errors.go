package gateway

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrUnknownSession = errors.New("gateway: unknown session")
	ErrSendTimeout    = errors.New("gateway: transport call timed out")
)

// ValidationError lists rejected request fields with a short reason each.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+e.Fields[k])
	}
	return "gateway: invalid request: " + strings.Join(parts, ", ")
}

func invalid(fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: fields}
}

// TransportError wraps a failure reported by a session's transport client.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("gateway: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
