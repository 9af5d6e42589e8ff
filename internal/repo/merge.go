package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/roach88/kindstore/internal/ident"
	"github.com/roach88/kindstore/internal/ir"
	"github.com/roach88/kindstore/internal/metrics"
	"github.com/roach88/kindstore/internal/repoerr"
	"github.com/roach88/kindstore/internal/store"
)

// Refresh moves the view to the latest committed version. Clean items are
// reloaded lazily; dirty items keep their edits and adopt committed values
// of the attributes they did not touch. Conflicts go to the policy. If the
// policy fails any of them, or a resolution cannot be applied, the view is
// left as it was.
func (v *View) Refresh(ctx context.Context) error {
	if err := v.checkOpen("refresh"); err != nil {
		return err
	}
	return v.refresh(ctx)
}

// itemMerge is the plan for one item written by newer commits.
type itemMerge struct {
	st        *itemState
	committed header
	// adopt holds committed values of attributes the view did not touch.
	adopt map[string]*value
	// refs holds merged reference collections.
	refs      map[string]*refList
	conflicts []conflictPlan
	// local is the view's header before the committed side was installed.
	local header
}

type conflictPlan struct {
	Conflict
	resolution Resolution
	base       *value
	local      *value
	theirs     *value
}

func (v *View) refresh(ctx context.Context) error {
	b := v.repo.backend
	latest, err := b.Version(ctx)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	if latest <= v.version {
		return nil
	}
	changes, err := b.Changes(ctx, v.version, latest)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}

	policy := v.repo.opts.policy
	var plans []*itemMerge
	var failed []conflictPlan
	for _, ch := range changes {
		st, ok := v.items[ch.Item]
		if !ok {
			continue
		}
		plan, err := v.planMerge(ctx, st, ch, latest)
		if err != nil {
			return err
		}
		for i := range plan.conflicts {
			c := &plan.conflicts[i]
			c.resolution = policy.Resolve(c.Conflict)
			if c.resolution == Fail {
				failed = append(failed, *c)
			}
		}
		plans = append(plans, plan)
	}
	if len(failed) > 0 {
		for _, c := range failed {
			metrics.RecordConflict(policy.Name(), Fail.String())
			v.logger.Warn("conflict",
				slog.String("item", c.Item.String()),
				slog.String("attribute", c.Attribute),
				slog.Int64("version", c.Version),
				slog.String("resolution", Fail.String()))
		}
		first := failed[0]
		return repoerr.New(repoerr.CodeConcurrentModification, "refresh",
			"changed by version %d (%d conflicts)", first.Version, len(failed)).
			WithItem(first.Item.String()).WithAttribute(first.Attribute)
	}

	// Every plan is installed before any conflict is resolved: resolving one
	// item may touch another changed item, which must already hold its
	// committed state.
	cp := v.checkpoint()
	v.version = latest
	v.epoch++
	for _, plan := range plans {
		v.installMerge(plan)
	}
	for _, plan := range plans {
		for _, c := range plan.conflicts {
			if err := v.resolve(ctx, plan.st, plan.local, c); err != nil {
				v.restore(cp)
				return err
			}
		}
	}
	for _, plan := range plans {
		for _, c := range plan.conflicts {
			metrics.RecordConflict(policy.Name(), c.resolution.String())
			v.logger.Warn("conflict",
				slog.String("item", c.Item.String()),
				slog.String("attribute", c.Attribute),
				slog.Int64("version", c.Version),
				slog.String("resolution", c.resolution.String()))
		}
	}
	v.logger.Debug("refreshed", slog.Int64("version", latest), slog.Int("changed", len(changes)))
	return nil
}

// planMerge compares one changed item with the view without mutating it.
func (v *View) planMerge(ctx context.Context, st *itemState, ch store.Change, latest int64) (*itemMerge, error) {
	b := v.repo.backend
	rec, err := b.LoadItem(ctx, st.id, latest)
	if err != nil {
		return nil, fmt.Errorf("refresh %s: %w", st.id, err)
	}
	committed, err := v.headerFrom(rec)
	if err != nil {
		return nil, err
	}
	plan := &itemMerge{st: st, committed: committed}
	if !st.isDirty() {
		return plan, nil
	}

	conflictErr := func(msg string) error {
		return repoerr.New(repoerr.CodeConcurrentModification, "refresh", "%s by version %d", msg, ch.Version).
			WithItem(st.id.String())
	}
	switch {
	case committed.deleted() && !st.hdr.deleted():
		return nil, conflictErr("edited item was deleted")
	case st.hdr.deleted() && !committed.deleted():
		return nil, conflictErr("deleted item was changed")
	}

	if st.hdrDirty && st.snapshot != nil {
		theirs := HeaderValue{Name: committed.name, Parent: committed.parent}
		base := HeaderValue{Name: st.snapshot.name, Parent: st.snapshot.parent}
		local := HeaderValue{Name: st.hdr.name, Parent: st.hdr.parent}
		if theirs != base && theirs != local {
			plan.conflicts = append(plan.conflicts, conflictPlan{Conflict: Conflict{
				Item: st.id, Attribute: HeaderAttribute,
				Base: base, Local: local, Committed: theirs, Version: ch.Version,
			}})
		}
	}

	plan.adopt = make(map[string]*value)
	plan.refs = make(map[string]*refList)
	for _, attr := range ch.Attrs {
		theirs, err := v.loadValueAt(ctx, st.id, attr, latest)
		if err != nil {
			return nil, err
		}
		if !st.dirty[attr] {
			plan.adopt[attr] = theirs
			continue
		}
		base, err := v.loadValueAt(ctx, st.id, attr, v.version)
		if err != nil {
			return nil, err
		}
		var local *value
		if st.pinned != nil {
			local = st.pinned.values[attr]
		}
		if isRefs(local) || isRefs(theirs) || isRefs(base) {
			plan.refs[attr] = mergeRefs(base, local, theirs)
			continue
		}
		if sameValue(local, theirs) || sameValue(theirs, base) {
			continue
		}
		plan.conflicts = append(plan.conflicts, conflictPlan{
			Conflict: Conflict{
				Item: st.id, Attribute: attr,
				Base: conflictValue(base), Local: conflictValue(local), Committed: conflictValue(theirs),
				Version: ch.Version,
			},
			base: base, local: local, theirs: theirs,
		})
	}
	return plan, nil
}

// loadValueAt reads one stored value; nil means unset or version 0.
func (v *View) loadValueAt(ctx context.Context, id ident.UUID, attr string, version int64) (*value, error) {
	if version <= 0 {
		return nil, nil
	}
	sv, err := v.repo.backend.LoadValue(ctx, id, attr, version)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("refresh %s.%s: %w", id, attr, err)
	}
	return decodeValue(sv), nil
}

// installMerge installs the committed side of a plan. The view already sits
// at the new version.
func (v *View) installMerge(plan *itemMerge) {
	st := plan.st
	if !st.isDirty() {
		st.hdr = plan.committed
		v.cache.Remove(st.id)
		return
	}

	committed := plan.committed
	plan.local = st.hdr
	st.hdr.version = committed.version
	st.hdr.status |= committed.status & StatusContainer
	if !st.hdrDirty {
		st.hdr.name, st.hdr.parent, st.hdr.kind = committed.name, committed.parent, committed.kind
	}
	snap := committed
	st.snapshot = &snap

	if st.pinned == nil {
		v.cache.Remove(st.id)
		return
	}
	for attr, val := range plan.adopt {
		if val == nil {
			delete(st.pinned.values, attr)
		} else {
			st.pinned.values[attr] = val
		}
	}
	for attr, rl := range plan.refs {
		st.pinned.values[attr] = &value{tag: store.TagRefs, refs: rl}
	}
}

// checkpoint is the view state a failed merge restores.
type checkpoint struct {
	version  int64
	headers  map[ident.UUID]header
	dirty    map[ident.UUID]dirtyState
	watchers map[ident.UUID]map[watchKey]struct{}
}

type dirtyState struct {
	snapshot *header
	hdrDirty bool
	attrs    map[string]bool
	pinned   *body
}

func (v *View) checkpoint() *checkpoint {
	cp := &checkpoint{
		version:  v.version,
		headers:  make(map[ident.UUID]header, len(v.items)),
		dirty:    make(map[ident.UUID]dirtyState, len(v.dirty)),
		watchers: make(map[ident.UUID]map[watchKey]struct{}, len(v.watchers)),
	}
	for id, st := range v.items {
		cp.headers[id] = st.hdr
	}
	for id, st := range v.dirty {
		d := dirtyState{hdrDirty: st.hdrDirty, attrs: maps.Clone(st.dirty)}
		if st.snapshot != nil {
			snap := *st.snapshot
			d.snapshot = &snap
		}
		if st.pinned != nil {
			d.pinned = st.pinned.clone()
		}
		cp.dirty[id] = d
	}
	for id, w := range v.watchers {
		cp.watchers[id] = maps.Clone(w)
	}
	return cp
}

// restore returns the view to cp. Items first loaded after cp are dropped,
// and the body cache is purged since it may hold bodies read at a newer
// version.
func (v *View) restore(cp *checkpoint) {
	clear(v.dirty)
	for id, st := range v.items {
		hdr, ok := cp.headers[id]
		if !ok {
			delete(v.items, id)
			continue
		}
		st.hdr = hdr
		d, dirty := cp.dirty[id]
		st.snapshot, st.hdrDirty, st.dirty, st.pinned = d.snapshot, d.hdrDirty, d.attrs, d.pinned
		if dirty {
			v.dirty[id] = st
		}
	}
	v.watchers = cp.watchers
	v.cache.Purge()
	v.version = cp.version
	v.epoch++
}

// resolve applies one decided conflict. Single references with an inverse are
// replayed through link so both sides stay paired.
func (v *View) resolve(ctx context.Context, st *itemState, local header, c conflictPlan) error {
	if c.Attribute == HeaderAttribute {
		if c.resolution == TakeCommitted {
			theirs := c.Committed.(HeaderValue)
			st.hdr.name, st.hdr.parent = theirs.Name, theirs.Parent
		} else {
			st.hdr.name, st.hdr.parent = local.name, local.parent
		}
		return nil
	}

	attr, err := v.attribute(st, c.Attribute)
	if err != nil {
		return err
	}
	winner, loser := c.local, c.theirs
	if c.resolution == TakeCommitted {
		winner, loser = c.theirs, c.local
	}
	if !attr.IsRef() || attr.Inverse == "" {
		if winner == nil {
			delete(st.pinned.values, c.Attribute)
		} else {
			st.pinned.values[c.Attribute] = winner
		}
		if c.resolution == TakeCommitted {
			delete(st.dirty, c.Attribute)
		}
		return nil
	}

	if loser == nil {
		delete(st.pinned.values, c.Attribute)
	} else {
		st.pinned.values[c.Attribute] = loser
	}
	if winner == nil {
		if loser == nil {
			return nil
		}
		return v.unlink(ctx, st, attr, loser.ref)
	}
	target, err := v.state(ctx, winner.ref)
	if err != nil {
		return err
	}
	if err := v.planLink(ctx, st, attr, target, ""); err != nil {
		return err
	}
	return v.link(ctx, st, attr, target, "", ident.Nil)
}

func isRefs(v *value) bool { return v != nil && v.tag == store.TagRefs }

func sameValue(a, b *value) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.tag != b.tag {
		return false
	}
	switch a.tag {
	case store.TagLiteral:
		return ir.Equal(a.lit, b.lit)
	case store.TagRef:
		return a.ref == b.ref
	}
	return false
}

func conflictValue(v *value) any {
	switch {
	case v == nil:
		return nil
	case v.tag == store.TagLiteral:
		return v.lit
	case v.tag == store.TagRef:
		return v.ref
	}
	return nil
}

// mergeRefs merges reference collections three ways: committed members minus
// local removals, then local additions. Local index specs win.
func mergeRefs(base, local, theirs *value) *refList {
	set := func(v *value) map[ident.UUID]bool {
		out := make(map[ident.UUID]bool)
		if isRefs(v) {
			for id := range v.refs.ids() {
				out[id] = true
			}
		}
		return out
	}
	baseSet, localSet := set(base), set(local)

	out := newRefList()
	addFrom := func(v *value, keep func(ident.UUID) bool) {
		if !isRefs(v) {
			return
		}
		for id := range v.refs.ids() {
			if out.contains(id) || !keep(id) {
				continue
			}
			alias := v.refs.links[id].alias
			if _, taken := out.aliases[alias]; taken {
				alias = ""
			}
			out.insertBefore(id, ident.Nil, alias)
		}
	}
	addFrom(theirs, func(id ident.UUID) bool { return !baseSet[id] || localSet[id] })
	addFrom(local, func(id ident.UUID) bool { return !baseSet[id] })

	switch {
	case isRefs(local):
		out.specs = append(out.specs, local.refs.specs...)
	case isRefs(theirs):
		out.specs = append(out.specs, theirs.refs.specs...)
	}
	return out
}
