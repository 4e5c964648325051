// Package store persists which sessions should exist and the credential
// artifacts that let them resume without pairing again.
//
// Every Store backend rewrites or replaces whole records; none supports
// partial field updates. The file backend rewrites the full collection on each
// mutation, which bounds it to small session counts.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCorrupt        = errors.New("store: corrupt session collection")
	ErrInvalidID      = errors.New("store: invalid session id")
	ErrUnknownBackend = errors.New("store: unknown backend")
)

const maxIDLength = 64

// Record is the persisted view of one session.
type Record struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Ready       bool   `json:"ready"`
}

// Store is the durable session collection.
type Store interface {
	Load(ctx context.Context) ([]Record, error)
	Save(ctx context.Context, records []Record) error
	Upsert(ctx context.Context, rec Record) error
	Remove(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (Record, bool, error)
	Close() error
}

// ValidateID checks that a session id is safe to use as a key and a file stem.
func ValidateID(id string) error {
	if !isValidID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func isValidID(id string) bool {
	if id == "" || len(id) > maxIDLength || strings.TrimSpace(id) != id {
		return false
	}
	lastSep := false
	for i := 0; i < len(id); i++ {
		c := id[i]
		isLetter := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isLetter || isDigit || isSep) {
			return false
		}
		if i == 0 || i == len(id)-1 {
			if isSep {
				return false
			}
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}

// upsertRecord replaces the record with the same id in place or appends it.
func upsertRecord(records []Record, rec Record) []Record {
	for i := range records {
		if records[i].ID == rec.ID {
			records[i] = rec
			return records
		}
	}
	return append(records, rec)
}

func removeRecord(records []Record, id string) []Record {
	out := records[:0]
	for _, rec := range records {
		if rec.ID != id {
			out = append(out, rec)
		}
	}
	return out
}

// dedupe keeps the last record seen for each id, at the position of its first
// occurrence.
func dedupe(records []Record) []Record {
	out := make([]Record, 0, len(records))
	index := make(map[string]int, len(records))
	for _, rec := range records {
		if i, ok := index[rec.ID]; ok {
			out[i] = rec
			continue
		}
		index[rec.ID] = len(out)
		out = append(out, rec)
	}
	return out
}
