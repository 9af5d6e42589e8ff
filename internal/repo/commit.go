package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/roach88/kindstore/internal/ident"
	"github.com/roach88/kindstore/internal/metrics"
	"github.com/roach88/kindstore/internal/notify"
	"github.com/roach88/kindstore/internal/repoerr"
	"github.com/roach88/kindstore/internal/store"
)

// Commit merges newer commits into the view, then writes every dirty item as
// one new version. A view without changes commits nothing.
func (v *View) Commit(ctx context.Context) error {
	if err := v.checkOpen("commit"); err != nil {
		return err
	}
	start := time.Now()
	r := v.repo
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	if err := v.refresh(ctx); err != nil {
		recordFailure(err, start)
		return err
	}
	if len(v.dirty) == 0 {
		metrics.RecordCommit(metrics.ResultEmpty, 0, time.Since(start))
		return nil
	}
	if err := v.checkNames(ctx); err != nil {
		recordFailure(err, start)
		return err
	}
	if err := v.checkRequired(ctx); err != nil {
		recordFailure(err, start)
		return err
	}

	at := r.opts.now()
	c := store.Commit{
		Base:    v.version,
		Version: v.version + 1,
		View:    v.name,
		At:      at,
	}
	ids := slices.SortedFunc(maps.Keys(v.dirty), ident.UUID.Compare)
	for _, id := range ids {
		st := v.dirty[id]
		rec := st.hdr.record(id)
		rec.Version = c.Version
		c.Items = append(c.Items, rec)
		for _, attr := range slices.Sorted(maps.Keys(st.dirty)) {
			var val *value
			if st.pinned != nil {
				val = st.pinned.values[attr]
			}
			c.Diffs = append(c.Diffs, store.Diff{
				Item:        id,
				Attr:        attr,
				Version:     c.Version,
				Value:       encodeValue(val),
				CommittedAt: at,
			})
		}
	}

	info, err := r.backend.Append(ctx, c)
	if errors.Is(err, store.ErrStaleBase) {
		err = repoerr.Wrap(repoerr.CodeConcurrentModification, "commit", err)
	} else if err != nil {
		err = fmt.Errorf("commit: %w", err)
	}
	if err != nil {
		recordFailure(err, start)
		return err
	}

	for _, id := range ids {
		st := v.dirty[id]
		st.hdr.status &^= StatusNew | StatusDirty
		st.hdr.version = c.Version
		st.snapshot = nil
		st.hdrDirty = false
		st.dirty = nil
		if st.pinned != nil {
			v.cache.Add(id, st.pinned)
			st.pinned = nil
		}
	}
	clear(v.dirty)
	v.version = c.Version

	r.bus.Publish(notify.Notice{Version: c.Version, View: v.name, Items: ids, At: at})
	v.logger.Info(fmt.Sprintf("committed %d items", len(ids)),
		slog.Int64("version", c.Version),
		slog.Int("diffs", len(c.Diffs)),
		slog.String("digest", info.Digest))
	metrics.RecordCommit(metrics.ResultCommitted, len(ids), time.Since(start))
	return nil
}

func recordFailure(err error, start time.Time) {
	result := metrics.ResultError
	if repoerr.IsConcurrentModification(err) {
		result = metrics.ResultConflict
	}
	metrics.RecordCommit(result, 0, time.Since(start))
}

// checkNames reports a dirty item whose name was taken under the same parent
// by a commit the view has just merged. Only new, renamed and moved items are
// checked; the view sits at the latest version.
func (v *View) checkNames(ctx context.Context) error {
	if v.version == 0 {
		return nil
	}
	for _, id := range slices.SortedFunc(maps.Keys(v.dirty), ident.UUID.Compare) {
		st := v.dirty[id]
		if st.hdr.deleted() || !(st.isNew() || st.hdrDirty) {
			continue
		}
		rec, err := v.repo.backend.FindChild(ctx, st.hdr.parent, st.hdr.name, v.version)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		if rec.ID == id {
			continue
		}
		if other, ok := v.items[rec.ID]; ok &&
			(other.hdr.deleted() || other.hdr.parent != st.hdr.parent || other.hdr.name != st.hdr.name) {
			continue
		}
		return repoerr.New(repoerr.CodeNameCollision, "commit",
			"name %q is taken by item %s", st.hdr.name, rec.ID).WithItem(id.String())
	}
	return nil
}

// checkRequired reports the first live dirty item missing a required value.
func (v *View) checkRequired(ctx context.Context) error {
	for _, id := range slices.SortedFunc(maps.Keys(v.dirty), ident.UUID.Compare) {
		st := v.dirty[id]
		if st.hdr.deleted() || st.hdr.kind == nil {
			continue
		}
		b, err := v.body(ctx, st)
		if err != nil {
			return err
		}
		for e := range st.hdr.kind.Attributes(true) {
			if !e.Def.Required || e.Def.Default != nil {
				continue
			}
			if b.values[e.Name] == nil {
				return repoerr.New(repoerr.CodeSchemaViolation, "commit",
					"required attribute is not set").WithItem(id.String()).WithAttribute(e.Name)
			}
		}
	}
	return nil
}
