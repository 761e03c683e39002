// Package store persists engine records (projects, mutexes, indexed commits,
// snapshots) in an embedded BadgerDB.
//
// Records are JSON documents addressed by slash separated keys. Multi-record
// updates run inside one serializable transaction; concurrent transactions
// touching the same keys conflict and are replayed, so read-then-write logic
// inside Update behaves as an atomic compare-and-set.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"speleostore/internal/common"
	"speleostore/internal/observability"
)

var (
	// ErrNotFound is returned when a key holds no record
	ErrNotFound = errors.New("record not found")

	// ErrExists is returned by Create when the key already holds a record
	ErrExists = errors.New("record already exists")

	// ErrTooManyConflicts is returned when a transaction keeps conflicting
	ErrTooManyConflicts = errors.New("transaction conflicted too many times")
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

const maxConflictReplays = 16

// Config holds configuration for the record store
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps all data in RAM. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit
	SyncWrites bool

	Logger *zap.Logger
}

// Store is the durable create/get/delete record interface
type Store struct {
	db     *badger.DB
	logger *zap.Logger
}

// zapBadgerLogger adapts zap to badger's Logger interface
type zapBadgerLogger struct {
	sugar *zap.SugaredLogger
}

func (l *zapBadgerLogger) Errorf(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }
func (l *zapBadgerLogger) Warningf(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}
func (l *zapBadgerLogger) Infof(format string, args ...interface{})  { l.sugar.Debugf(format, args...) }
func (l *zapBadgerLogger) Debugf(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }

// Open opens the record store
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent record store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		cleaned, err := common.CleanPath(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("invalid record store path: %w", err)
		}
		if err := os.MkdirAll(cleaned, common.DirPermissionSecure); err != nil {
			return nil, fmt.Errorf("create record store directory %s: %w", cleaned, err)
		}
		opts = badger.DefaultOptions(cleaned)
	}

	logger := observability.OrNop(cfg.Logger).Named("store")
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&zapBadgerLogger{sugar: logger.Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// OpenInMemory opens a throwaway in-memory store
func OpenInMemory() (*Store, error) {
	return Open(Config{InMemory: true})
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Create stores v under key, failing with ErrExists if the key is taken
func (s *Store) Create(ctx context.Context, key string, v interface{}) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.Create(key, v)
	})
}

// Put stores v under key, replacing any previous record
func (s *Store) Put(ctx context.Context, key string, v interface{}) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.Put(key, v)
	})
}

// Get decodes the record under key into v
func (s *Store) Get(ctx context.Context, key string, v interface{}) error {
	return s.View(ctx, func(tx *Tx) error {
		return tx.Get(key, v)
	})
}

// Exists reports whether key holds a record
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var found bool
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		found, err = tx.Exists(key)
		return err
	})
	return found, err
}

// Delete removes the record under key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.Delete(key)
	})
}

// List calls fn for every record whose key starts with prefix, in key order
func (s *Store) List(ctx context.Context, prefix string, fn func(key string, decode func(v interface{}) error) error) error {
	return s.View(ctx, func(tx *Tx) error {
		return tx.List(prefix, fn)
	})
}

// View runs fn in a read-only transaction
func (s *Store) View(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&Tx{txn: txn})
	})
}

// Update runs fn in a serializable read-write transaction. When the commit
// conflicts with a concurrent transaction fn is replayed against fresh state.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	for attempt := 1; attempt <= maxConflictReplays; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.db.Update(func(txn *badger.Txn) error {
			return fn(&Tx{txn: txn})
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}

		s.logger.Debug("transaction conflict, replaying", zap.Int("attempt", attempt))
		time.Sleep(time.Duration(attempt) * time.Millisecond)
	}
	return ErrTooManyConflicts
}

// Key joins key segments with slashes
func Key(parts ...string) string {
	return strings.Join(parts, "/")
}
