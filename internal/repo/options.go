package repo

import (
	"log/slog"
	"time"

	"github.com/roach88/kindstore/internal/ident"
)

// Backend names accepted by Create.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// DefaultCacheSize bounds the clean attribute bodies each View keeps.
const DefaultCacheSize = 4096

type options struct {
	logger    *slog.Logger
	policy    ConflictPolicy
	cacheSize int
	backend   string
	now       func() time.Time
	newID     func() ident.UUID
}

func defaultOptions() options {
	return options{
		logger:    slog.Default(),
		policy:    LastCommitterWins{},
		cacheSize: DefaultCacheSize,
		backend:   BackendSQLite,
		now:       time.Now,
		newID:     ident.New,
	}
}

// Option configures a Repository.
type Option func(*options)

// WithLogger sets the logger for commits, merges and conflicts.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithConflictPolicy sets how Refresh and Commit resolve conflicting edits.
func WithConflictPolicy(p ConflictPolicy) Option {
	return func(o *options) {
		if p != nil {
			o.policy = p
		}
	}
}

// WithCacheSize bounds the clean attribute bodies cached per View.
func WithCacheSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.cacheSize = n
		}
	}
}

// WithBackend selects the store used by Create (BackendSQLite or
// BackendBadger). Open detects the backend from the directory.
func WithBackend(name string) Option {
	return func(o *options) { o.backend = name }
}

// WithClock sets the source of commit timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDs sets the generator of new item UUIDs. Generated ids must be unique
// within the repository.
func WithIDs(gen func() ident.UUID) Option {
	return func(o *options) {
		if gen != nil {
			o.newID = gen
		}
	}
}
