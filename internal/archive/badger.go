package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v3"
)

const keyPrefix = "call/"

// BadgerConfig configures a badger-backed archive
type BadgerConfig struct {
	// Path is the data directory; empty opens an in-memory database
	Path      string
	Retention time.Duration
}

// Badger is an Archive on a badger key-value database
type Badger struct {
	db        *badger.DB
	retention time.Duration
}

// Compile-time interface check.
var _ Archive = (*Badger)(nil)

// NewBadger opens (or creates) the archive database
func NewBadger(cfg BadgerConfig) (*Badger, error) {
	var opts badger.Options
	if cfg.Path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create archive directory: %w", err)
		}
		opts = badger.DefaultOptions(filepath.Join(cfg.Path, "badger"))
	}
	opts.Logger = nil // Disable badger logging

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	return &Badger{db: db, retention: cfg.Retention}, nil
}

func archiveKey(callID string) []byte {
	return []byte(keyPrefix + callID)
}

// Put stores entry, replacing any previous one but keeping its insights
func (b *Badger) Put(_ context.Context, entry Entry) error {
	return b.db.Update(func(txn *badger.Txn) error {
		existing, err := getEntry(txn, entry.CallID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if existing != nil {
			entry.Insights = append(existing.Insights, entry.Insights...)
		}
		return b.setEntry(txn, &entry)
	})
}

// Get returns the archived entry for callID
func (b *Badger) Get(_ context.Context, callID string) (*Entry, error) {
	var entry *Entry
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		entry, err = getEntry(txn, callID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// AttachInsight appends insight to the call's entry in one transaction
func (b *Badger) AttachInsight(_ context.Context, callID string, insight Insight) error {
	return b.db.Update(func(txn *badger.Txn) error {
		entry, err := getEntry(txn, callID)
		if errors.Is(err, ErrNotFound) {
			entry = &Entry{CallID: callID, ArchivedAt: time.Now()}
		} else if err != nil {
			return err
		}
		entry.Insights = append(entry.Insights, insight)
		return b.setEntry(txn, entry)
	})
}

// Close closes the database
func (b *Badger) Close() error {
	return b.db.Close()
}

func getEntry(txn *badger.Txn, callID string) (*Entry, error) {
	item, err := txn.Get(archiveKey(callID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read archive entry: %w", err)
	}

	var entry Entry
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &entry)
	}); err != nil {
		return nil, fmt.Errorf("failed to decode archive entry: %w", err)
	}
	return &entry, nil
}

func (b *Badger) setEntry(txn *badger.Txn, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal archive entry: %w", err)
	}

	e := badger.NewEntry(archiveKey(entry.CallID), data)
	if b.retention > 0 {
		e = e.WithTTL(b.retention)
	}
	return txn.SetEntry(e)
}
