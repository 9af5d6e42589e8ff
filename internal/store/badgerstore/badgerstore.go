// Package badgerstore implements store.Backend on BadgerDB.
//
// Keys carry big-endian version suffixes so "newest record at or below V" is a
// single reverse seek. Layout:
//
//	meta/version                      current version
//	meta/kindseq                      kind insertion counter
//	v/<version>                       commit info
//	i/<uuid><version>                 item header
//	d/<uuid><attr>\x00<version>       attribute value
//	m/<version><uuid>                 items written by a commit
//	n/<version><uuid><attr>           attributes written by a commit
//	c/<parent><name>\x00<uuid>        child candidates (every parent/name an item ever had)
//	k/<kind><uuid>                    kind candidates
//	s/<seq>                           kind definition
//	sn/<uuid>                         kind presence
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/roach88/kindstore/internal/store"
)

// Config holds configuration for a Badger-backed store.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal log output.
	// If nil, BadgerDB's internal logging is disabled.
	Logger *slog.Logger

	// GCDiscardRatio is the garbage ratio at which Close rewrites value log
	// files. Zero disables the pass.
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults for a store at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is the Badger backend.
type Store struct {
	db     *badger.DB
	cfg    Config
	logger *slog.Logger
}

var _ store.Backend = (*Store)(nil)

// Open opens or creates a store.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, cfg: cfg, logger: logger}, nil
}

// Close runs a value log GC pass and closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if !s.cfg.InMemory && s.cfg.GCDiscardRatio > 0 {
		s.runGC()
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) runGC() {
	for {
		// RunValueLogGC returns nil if a file was rewritten, ErrNoRewrite when nothing is left
		err := s.db.RunValueLogGC(s.cfg.GCDiscardRatio)
		if err == nil {
			s.logger.Debug("badger value log GC rewrote a file")
			continue
		}
		if !errors.Is(err, badger.ErrNoRewrite) {
			s.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
		}
		return
	}
}

// withReadTxn runs fn in a read-only transaction.
func (s *Store) withReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

// withTxn runs fn in a read-write transaction and commits it.
func (s *Store) withTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(fn)
}

// Verify recomputes every commit digest.
func (s *Store) Verify(ctx context.Context) error {
	return store.VerifyDigests(ctx, s)
}
