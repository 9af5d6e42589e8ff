package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/roach88/kindstore/internal/notify"
	"github.com/roach88/kindstore/internal/repoerr"
	"github.com/roach88/kindstore/internal/schema"
	"github.com/roach88/kindstore/internal/store"
	"github.com/roach88/kindstore/internal/store/badgerstore"
)

// File names inside a repository directory.
const (
	sqliteFile = "kindstore.db"
	badgerDir  = "badger"
	lockFile   = ".lock"
)

// Repository is an open object-graph repository.
type Repository struct {
	dir     string
	backend store.Backend
	lock    *flock.Flock
	reg     *schema.Registry
	bus     *notify.Bus
	opts    options

	// commitMu serializes refresh+append across views.
	commitMu sync.Mutex

	mu     sync.Mutex
	closed bool
	views  map[*View]struct{}
}

// Create initializes a new repository in dir, which must not already hold one.
func Create(ctx context.Context, dir string, opts ...Option) (*Repository, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if _, err := detectBackend(dir); err == nil {
		return nil, fmt.Errorf("create repository: %s already holds a repository", dir)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create repository: %w", err)
	}
	lock, err := acquireLock(dir)
	if err != nil {
		return nil, fmt.Errorf("create repository: %w", err)
	}

	var b store.Backend
	switch o.backend {
	case BackendSQLite:
		b, err = store.Open(filepath.Join(dir, sqliteFile))
	case BackendBadger:
		b, err = badgerstore.Open(badgerConfig(dir, o.logger))
	default:
		err = fmt.Errorf("unknown backend %q", o.backend)
	}
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("create repository: %w", err)
	}
	o.logger.Info("repository created", slog.String("dir", dir), slog.String("backend", o.backend))
	return newRepository(ctx, dir, b, lock, o)
}

// Open opens the repository in dir.
func Open(ctx context.Context, dir string, opts ...Option) (*Repository, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	backend, err := detectBackend(dir)
	if err != nil {
		return nil, err
	}
	lock, err := acquireLock(dir)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}

	var b store.Backend
	if backend == BackendBadger {
		b, err = badgerstore.Open(badgerConfig(dir, o.logger))
	} else {
		b, err = store.Open(filepath.Join(dir, sqliteFile))
	}
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("open repository: %w", err)
	}
	o.backend = backend
	return newRepository(ctx, dir, b, lock, o)
}

// New wraps an already open backend, typically an in-memory store in tests.
// The repository takes ownership of b and closes it on Close.
func New(ctx context.Context, b store.Backend, opts ...Option) (*Repository, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return newRepository(ctx, "", b, nil, o)
}

func newRepository(ctx context.Context, dir string, b store.Backend, lock *flock.Flock, o options) (*Repository, error) {
	r := &Repository{
		dir:     dir,
		backend: b,
		lock:    lock,
		reg:     schema.NewRegistry(),
		bus:     notify.NewBus(),
		opts:    o,
		views:   make(map[*View]struct{}),
	}
	if err := r.loadKinds(ctx); err != nil {
		r.release()
		return nil, err
	}
	return r, nil
}

func detectBackend(dir string) (string, error) {
	if _, err := os.Stat(filepath.Join(dir, sqliteFile)); err == nil {
		return BackendSQLite, nil
	}
	if _, err := os.Stat(filepath.Join(dir, badgerDir)); err == nil {
		return BackendBadger, nil
	}
	return "", repoerr.New(repoerr.CodeNotFound, "open repository", "no repository in %s", dir)
}

func badgerConfig(dir string, logger *slog.Logger) badgerstore.Config {
	cfg := badgerstore.DefaultConfig(filepath.Join(dir, badgerDir))
	cfg.Logger = logger
	return cfg
}

// acquireLock takes the directory lock without waiting.
func acquireLock(dir string) (*flock.Flock, error) {
	lock := flock.New(filepath.Join(dir, lockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", dir, err)
	}
	if !locked {
		return nil, fmt.Errorf("repository %s is locked by another process", dir)
	}
	return lock, nil
}

func (r *Repository) loadKinds(ctx context.Context) error {
	records, err := r.backend.LoadKinds(ctx)
	if err != nil {
		return fmt.Errorf("load kinds: %w", err)
	}
	for _, rec := range records {
		def, err := schema.DefinitionFromIR(rec.Definition)
		if err != nil {
			return repoerr.Wrap(repoerr.CodeRepositoryCorruption, "load kinds", err).WithItem(rec.Name)
		}
		if _, err := r.reg.Define(def); err != nil {
			return repoerr.Wrap(repoerr.CodeRepositoryCorruption, "load kinds", err).WithItem(rec.Name)
		}
	}
	return nil
}

// Dir returns the repository directory ("" for repositories made with New).
func (r *Repository) Dir() string { return r.dir }

// Backend returns the underlying store.
func (r *Repository) Backend() store.Backend { return r.backend }

// BackendName returns the store type.
func (r *Repository) BackendName() string { return r.opts.backend }

// Registry returns the kind registry.
func (r *Repository) Registry() *schema.Registry { return r.reg }

// Logger returns the repository logger.
func (r *Repository) Logger() *slog.Logger { return r.opts.logger }

// Policy returns the active conflict policy.
func (r *Repository) Policy() ConflictPolicy { return r.opts.policy }

// Subscribe returns a queue of commit notices.
func (r *Repository) Subscribe() *notify.Subscription { return r.bus.Subscribe() }

// DefineKind registers a kind and persists its definition.
func (r *Repository) DefineKind(ctx context.Context, def schema.Definition) (*schema.Kind, error) {
	if err := r.checkOpen("define kind"); err != nil {
		return nil, err
	}
	k, err := r.reg.Define(def)
	if err != nil {
		return nil, err
	}
	version, err := r.backend.Version(ctx)
	if err != nil {
		return nil, fmt.Errorf("define kind %s: %w", def.Name, err)
	}
	rec := store.KindRecord{ID: k.ID(), Name: k.Name(), Definition: k.Definition().ToIR(), Version: version}
	if err := r.backend.SaveKind(ctx, rec); err != nil {
		return nil, fmt.Errorf("define kind %s: %w", def.Name, err)
	}
	return k, nil
}

// Kind looks up a kind by name.
func (r *Repository) Kind(name string) (*schema.Kind, error) {
	k, ok := r.reg.Lookup(name)
	if !ok {
		return nil, repoerr.New(repoerr.CodeNotFound, "kind", "unknown kind %q", name)
	}
	return k, nil
}

// Version returns the store's latest committed version.
func (r *Repository) Version(ctx context.Context) (int64, error) {
	if err := r.checkOpen("version"); err != nil {
		return 0, err
	}
	return r.backend.Version(ctx)
}

// Verify recomputes every commit digest.
func (r *Repository) Verify(ctx context.Context) error {
	if err := r.checkOpen("verify"); err != nil {
		return err
	}
	return r.backend.Verify(ctx)
}

// Backup compacts the repository into a new repository at dir, keeping the
// newest retain versions verbatim.
func (r *Repository) Backup(ctx context.Context, dir string, retain int64) error {
	if err := r.checkOpen("backup"); err != nil {
		return err
	}
	dst, err := Create(ctx, dir, WithBackend(r.opts.backend), WithLogger(r.opts.logger))
	if err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	defer dst.Close()

	r.commitMu.Lock()
	defer r.commitMu.Unlock()
	if err := store.Compact(ctx, r.backend, dst.backend, retain); err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	r.opts.logger.Info("backup written", slog.String("dir", dir), slog.Int64("retain", retain))
	return nil
}

// Close closes every open view, the store and the directory lock.
func (r *Repository) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	views := make([]*View, 0, len(r.views))
	for v := range r.views {
		views = append(views, v)
	}
	r.mu.Unlock()

	for _, v := range views {
		v.Close()
	}
	r.bus.Close()
	return r.release()
}

func (r *Repository) release() error {
	err := r.backend.Close()
	if r.lock != nil {
		err = errors.Join(err, r.lock.Unlock())
	}
	return err
}

func (r *Repository) checkOpen(op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return repoerr.New(repoerr.CodeRepositoryClosed, op, "repository is closed")
	}
	return nil
}
