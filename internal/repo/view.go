package repo

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/roach88/kindstore/internal/ident"
	"github.com/roach88/kindstore/internal/metrics"
	"github.com/roach88/kindstore/internal/repoerr"
	"github.com/roach88/kindstore/internal/store"
)

// View is a transactional snapshot of a repository.
//
// A View sees the store as of its version plus its own uncommitted changes.
// It is not safe for concurrent use.
type View struct {
	repo    *Repository
	name    string
	logger  *slog.Logger
	version int64

	items map[ident.UUID]*itemState
	dirty map[ident.UUID]*itemState
	cache *lru.Cache[ident.UUID, *body]

	// watchers maps a member to the value indexes that order it.
	watchers map[ident.UUID]map[watchKey]struct{}
	// epoch invalidates every built index when bumped.
	epoch uint64

	closed bool
}

// OpenView opens a View at the latest committed version.
func (r *Repository) OpenView(ctx context.Context, name string) (*View, error) {
	if err := r.checkOpen("open view"); err != nil {
		return nil, err
	}
	version, err := r.backend.Version(ctx)
	if err != nil {
		return nil, fmt.Errorf("open view %s: %w", name, err)
	}
	cache, err := lru.NewWithEvict(r.opts.cacheSize, func(ident.UUID, *body) {
		metrics.RecordEviction()
	})
	if err != nil {
		return nil, fmt.Errorf("open view %s: %w", name, err)
	}
	v := &View{
		repo:     r,
		name:     name,
		logger:   r.opts.logger.With(slog.String("view", name)),
		version:  version,
		items:    make(map[ident.UUID]*itemState),
		dirty:    make(map[ident.UUID]*itemState),
		cache:    cache,
		watchers: make(map[ident.UUID]map[watchKey]struct{}),
	}

	r.mu.Lock()
	r.views[v] = struct{}{}
	r.mu.Unlock()
	metrics.ViewOpened()
	return v, nil
}

// Name returns the view name.
func (v *View) Name() string { return v.name }

// Version returns the committed version the view sees.
func (v *View) Version() int64 { return v.version }

// Repository returns the owning repository.
func (v *View) Repository() *Repository { return v.repo }

// Close discards uncommitted changes and releases the view.
func (v *View) Close() {
	if v.closed {
		return
	}
	v.closed = true
	v.items = nil
	v.dirty = nil
	v.cache.Purge()

	v.repo.mu.Lock()
	delete(v.repo.views, v)
	v.repo.mu.Unlock()
	metrics.ViewClosed()
}

func (v *View) checkOpen(op string) error {
	if v.closed {
		return repoerr.New(repoerr.CodeRepositoryClosed, op, "view %s is closed", v.name)
	}
	return v.repo.checkOpen(op)
}

// state returns the arena entry for id, loading its header if needed.
// Version 0 is the empty store; backends read it as latest, so it is never
// passed down.
func (v *View) state(ctx context.Context, id ident.UUID) (*itemState, error) {
	if st, ok := v.items[id]; ok {
		return st, nil
	}
	if v.version == 0 {
		return nil, repoerr.New(repoerr.CodeNotFound, "load item", "no item %s", id).WithItem(id.String())
	}
	rec, err := v.repo.backend.LoadItem(ctx, id, v.version)
	if errors.Is(err, store.ErrNotFound) {
		return nil, repoerr.New(repoerr.CodeNotFound, "load item", "no item %s", id).WithItem(id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("load item %s: %w", id, err)
	}
	return v.adopt(rec)
}

// adopt returns the arena entry for a loaded header record.
func (v *View) adopt(rec store.ItemRecord) (*itemState, error) {
	if st, ok := v.items[rec.ID]; ok {
		return st, nil
	}
	hdr, err := v.headerFrom(rec)
	if err != nil {
		return nil, err
	}
	st := &itemState{id: rec.ID, hdr: hdr}
	v.items[rec.ID] = st
	metrics.RecordItemLoad("header")
	return st, nil
}

func (v *View) headerFrom(rec store.ItemRecord) (header, error) {
	h := header{
		name:    rec.Name,
		parent:  rec.Parent,
		status:  Status(rec.Status & store.Persisted),
		version: rec.Version,
	}
	if !rec.Kind.IsNil() {
		k, ok := v.repo.reg.ByID(rec.Kind)
		if !ok {
			return h, repoerr.New(repoerr.CodeRepositoryCorruption, "load item",
				"item %s has unknown kind %s", rec.ID, rec.Kind).WithItem(rec.ID.String())
		}
		h.kind = k
	}
	return h, nil
}

// body returns the attribute values of st, loading them on first access.
func (v *View) body(ctx context.Context, st *itemState) (*body, error) {
	if st.pinned != nil {
		return st.pinned, nil
	}
	if b, ok := v.cache.Get(st.id); ok {
		return b, nil
	}
	if v.version == 0 {
		b := newBody()
		v.cache.Add(st.id, b)
		return b, nil
	}
	values, err := v.repo.backend.LoadValues(ctx, st.id, v.version)
	if err != nil {
		return nil, fmt.Errorf("load item %s: %w", st.id, err)
	}
	b := newBody()
	for name, sv := range values {
		if dv := decodeValue(sv); dv != nil {
			b.values[name] = dv
		}
	}
	v.cache.Add(st.id, b)
	metrics.RecordItemLoad("body")
	return b, nil
}

// peekBody returns a body only if it is already in memory.
func (v *View) peekBody(st *itemState) (*body, bool) {
	if st.pinned != nil {
		return st.pinned, true
	}
	return v.cache.Peek(st.id)
}

// pin returns the working body of st, copying the clean body on first write.
func (v *View) pin(ctx context.Context, st *itemState) (*body, error) {
	if st.pinned == nil {
		b, err := v.body(ctx, st)
		if err != nil {
			return nil, err
		}
		st.pinned = b.clone()
	}
	return st.pinned, nil
}

func (v *View) markDirty(st *itemState) {
	if st.isDirty() {
		return
	}
	snap := st.hdr
	st.snapshot = &snap
	st.hdr.status |= StatusDirty
	st.dirty = make(map[string]bool)
	v.dirty[st.id] = st
}

func (v *View) touchHeader(st *itemState) {
	v.markDirty(st)
	st.hdrDirty = true
}

// touchAttr pins st and records name as changed.
func (v *View) touchAttr(ctx context.Context, st *itemState, name string) (*body, error) {
	b, err := v.pin(ctx, st)
	if err != nil {
		return nil, err
	}
	v.markDirty(st)
	st.dirty[name] = true
	return b, nil
}

// Cancel discards every uncommitted change. It never fails and does no I/O.
func (v *View) Cancel() {
	if v.closed {
		return
	}
	n := len(v.dirty)
	for id, st := range v.dirty {
		if st.isNew() {
			delete(v.items, id)
			delete(v.watchers, id)
			continue
		}
		st.hdr = *st.snapshot
		st.snapshot = nil
		st.hdrDirty = false
		st.dirty = nil
		st.pinned = nil
	}
	clear(v.dirty)
	v.epoch++
	v.logger.Debug("cancelled", slog.Int("items", n))
}

// GetItem returns the live item with the given uuid.
func (v *View) GetItem(ctx context.Context, id ident.UUID) (*Item, error) {
	if err := v.checkOpen("get item"); err != nil {
		return nil, err
	}
	st, err := v.state(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.hdr.deleted() {
		return nil, repoerr.New(repoerr.CodeNotFound, "get item", "item %s is deleted", id).WithItem(id.String())
	}
	return &Item{view: v, id: id}, nil
}

// FindPath resolves an absolute path such as "//a/b/c".
func (v *View) FindPath(ctx context.Context, path string) (*Item, error) {
	if err := v.checkOpen("find path"); err != nil {
		return nil, err
	}
	segments, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	parent := ident.Nil
	for _, name := range segments {
		st, err := v.findChild(ctx, parent, name)
		if err != nil {
			return nil, err
		}
		if st == nil {
			return nil, repoerr.New(repoerr.CodeNotFound, "find path", "no item at %s", path).WithItem(path)
		}
		parent = st.id
	}
	return &Item{view: v, id: parent}, nil
}

func splitPath(path string) ([]string, error) {
	rest, ok := strings.CutPrefix(path, "//")
	if !ok || rest == "" {
		return nil, repoerr.New(repoerr.CodeNotFound, "find path", "malformed path %q", path).WithItem(path)
	}
	segments := strings.Split(rest, "/")
	for _, s := range segments {
		if s == "" || s == "." || s == ".." {
			return nil, repoerr.New(repoerr.CodeNotFound, "find path", "malformed path %q", path).WithItem(path)
		}
	}
	return segments, nil
}

// Roots returns the live items without a parent, ordered by name.
func (v *View) Roots(ctx context.Context) ([]*Item, error) {
	if err := v.checkOpen("roots"); err != nil {
		return nil, err
	}
	states, err := v.children(ctx, ident.Nil)
	if err != nil {
		return nil, err
	}
	return v.handles(states), nil
}

// DirtyItems returns the items changed in this view, ordered by uuid.
func (v *View) DirtyItems() []*Item {
	ids := make([]ident.UUID, 0, len(v.dirty))
	for id := range v.dirty {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, ident.UUID.Compare)
	out := make([]*Item, len(ids))
	for i, id := range ids {
		out[i] = &Item{view: v, id: id}
	}
	return out
}

func (v *View) handles(states []*itemState) []*Item {
	out := make([]*Item, len(states))
	for i, st := range states {
		out[i] = &Item{view: v, id: st.id}
	}
	return out
}

// children merges the stored children of parent with local changes.
func (v *View) children(ctx context.Context, parent ident.UUID) ([]*itemState, error) {
	var recs []store.ItemRecord
	if v.version > 0 {
		var err error
		if recs, err = v.repo.backend.Children(ctx, parent, v.version); err != nil {
			return nil, fmt.Errorf("children of %s: %w", parent, err)
		}
	}
	seen := make(map[ident.UUID]bool, len(recs))
	var out []*itemState
	for _, rec := range recs {
		st, err := v.adopt(rec)
		if err != nil {
			return nil, err
		}
		seen[st.id] = true
		if st.hdr.parent == parent && !st.hdr.deleted() {
			out = append(out, st)
		}
	}
	for _, st := range v.dirty {
		if !seen[st.id] && st.hdr.parent == parent && !st.hdr.deleted() {
			out = append(out, st)
		}
	}
	slices.SortFunc(out, func(a, b *itemState) int {
		if c := cmp.Compare(a.hdr.name, b.hdr.name); c != 0 {
			return c
		}
		return a.id.Compare(b.id)
	})
	return out, nil
}

// findChild returns the live child of parent named name, or nil.
func (v *View) findChild(ctx context.Context, parent ident.UUID, name string) (*itemState, error) {
	for _, st := range v.dirty {
		if st.hdr.parent == parent && st.hdr.name == name && !st.hdr.deleted() {
			return st, nil
		}
	}
	if v.version == 0 {
		return nil, nil
	}
	rec, err := v.repo.backend.FindChild(ctx, parent, name, v.version)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find child %q: %w", name, err)
	}
	st, err := v.adopt(rec)
	if err != nil {
		return nil, err
	}
	if st.hdr.parent != parent || st.hdr.name != name || st.hdr.deleted() {
		return nil, nil
	}
	return st, nil
}
