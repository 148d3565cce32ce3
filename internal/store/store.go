package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for a call identifier
var ErrNotFound = errors.New("store: record not found")

// Record is one call's persisted state as a flat set of named fields
type Record struct {
	CallID string
	Fields map[string]string
	// Active controls membership in the active-call set
	Active bool
}

// Store is the cross-process view of call sessions. Implementations must be
// safe for concurrent use. Reads are eventually consistent with writes made
// by other processes.
type Store interface {
	// Save writes all fields of rec and refreshes its expiry
	Save(ctx context.Context, rec Record) error
	// Load returns the record for callID or ErrNotFound
	Load(ctx context.Context, callID string) (Record, error)
	// ActiveIDs lists the identifiers in the active-call set
	ActiveIDs(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// DefaultTTL is applied when a backend is constructed with a zero TTL
const DefaultTTL = 24 * time.Hour
