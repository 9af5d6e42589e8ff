package repo

import (
	"context"
	"slices"

	"github.com/roach88/kindstore/internal/ident"
	"github.com/roach88/kindstore/internal/index"
	"github.com/roach88/kindstore/internal/ir"
	"github.com/roach88/kindstore/internal/repoerr"
	"github.com/roach88/kindstore/internal/store"
)

// maxSubindexDepth bounds chains of subindexes following each other.
const maxSubindexDepth = 16

// watchKey names a value index that orders some member.
type watchKey struct {
	owner ident.UUID
	attr  string
	index string
}

func (v *View) watch(member ident.UUID, k watchKey) {
	w := v.watchers[member]
	if w == nil {
		w = make(map[watchKey]struct{})
		v.watchers[member] = w
	}
	w[k] = struct{}{}
}

func (v *View) unwatch(member ident.UUID, k watchKey) {
	if w := v.watchers[member]; w != nil {
		delete(w, k)
		if len(w) == 0 {
			delete(v.watchers, member)
		}
	}
}

// memberAdded places id in every built index of rl.
func (v *View) memberAdded(ctx context.Context, owner *itemState, attr string, rl *refList, id ident.UUID) error {
	for name, bi := range rl.built {
		if bi.epoch != v.epoch {
			delete(rl.built, name)
			continue
		}
		spec := bi.sorted.Spec()
		switch spec.Type {
		case index.Numeric:
			bi.sorted.InsertAt(rl.position(id), id)
		case index.Value:
			key, err := v.valueKey(ctx, id, spec.Attributes)
			if err != nil {
				return err
			}
			bi.sorted.Insert(id, key)
			v.watch(id, watchKey{owner.id, attr, name})
		default:
			// Subindexes are rebuilt on next use.
			delete(rl.built, name)
		}
	}
	return nil
}

// memberRemoved drops id from every built index of rl.
func (v *View) memberRemoved(owner *itemState, attr string, rl *refList, id ident.UUID) {
	for name, bi := range rl.built {
		bi.sorted.Remove(id)
		v.unwatch(id, watchKey{owner.id, attr, name})
	}
}

// memberChanged repositions id in the value indexes that sort on attr.
func (v *View) memberChanged(ctx context.Context, id ident.UUID, attr string) error {
	for k := range v.watchers[id] {
		bi := v.builtIndex(k)
		if bi == nil {
			v.unwatch(id, k)
			continue
		}
		spec := bi.sorted.Spec()
		if !slices.Contains(spec.Attributes, attr) || !bi.sorted.Contains(id) {
			continue
		}
		key, err := v.valueKey(ctx, id, spec.Attributes)
		if err != nil {
			return err
		}
		bi.sorted.Insert(id, key)
	}
	return nil
}

// builtIndex finds a current built index without loading anything.
func (v *View) builtIndex(k watchKey) *builtIndex {
	owner, ok := v.items[k.owner]
	if !ok {
		return nil
	}
	b, ok := v.peekBody(owner)
	if !ok {
		return nil
	}
	val := b.values[k.attr]
	if val == nil || val.refs == nil {
		return nil
	}
	bi := val.refs.built[k.index]
	if bi == nil || bi.epoch != v.epoch {
		return nil
	}
	return bi
}

// valueKey reads the sort key of a value index member.
func (v *View) valueKey(ctx context.Context, id ident.UUID, attrs []string) ([]ir.IRValue, error) {
	st, err := v.state(ctx, id)
	if err != nil {
		return nil, err
	}
	b, err := v.body(ctx, st)
	if err != nil {
		return nil, err
	}
	key := make([]ir.IRValue, len(attrs))
	for i, name := range attrs {
		val := b.values[name]
		switch {
		case val == nil:
			if st.hdr.kind != nil {
				if a, _, ok := st.hdr.kind.Attribute(name); ok && a.Default != nil {
					key[i] = a.Default
				}
			}
		case val.tag == store.TagLiteral:
			key[i] = val.lit
		case val.tag == store.TagRef:
			key[i] = ir.IRString(val.ref.String())
		}
	}
	return key, nil
}

// refListOf returns the collection held by owner.attr, or nil.
func (v *View) refListOf(ctx context.Context, owner *itemState, attr string) (*refList, error) {
	b, err := v.body(ctx, owner)
	if err != nil {
		return nil, err
	}
	if val := b.values[attr]; val != nil && val.refs != nil {
		return val.refs, nil
	}
	return nil, nil
}

// ensureIndex returns the built index name of owner.attr, building it if it
// is missing or stale.
func (v *View) ensureIndex(ctx context.Context, owner *itemState, attr, name string, depth int) (*index.Sorted, error) {
	if depth > maxSubindexDepth {
		return nil, repoerr.New(repoerr.CodeReferenceIntegrity, "index",
			"subindex chain through %q is too deep", name).WithItem(owner.id.String()).WithAttribute(attr)
	}
	rl, err := v.refListOf(ctx, owner, attr)
	if err != nil {
		return nil, err
	}
	if rl == nil {
		return nil, repoerr.New(repoerr.CodeNotFound, "index", "no index %q", name).
			WithItem(owner.id.String()).WithAttribute(attr)
	}
	spec, ok := rl.spec(name)
	if !ok {
		return nil, repoerr.New(repoerr.CodeNotFound, "index", "no index %q", name).
			WithItem(owner.id.String()).WithAttribute(attr)
	}

	var super *index.Sorted
	if spec.Type == index.Subindex {
		superOwner, err := v.state(ctx, spec.Super.Owner)
		if err != nil {
			return nil, err
		}
		if super, err = v.ensureIndex(ctx, superOwner, spec.Super.Attribute, spec.Super.Index, depth+1); err != nil {
			return nil, err
		}
	}
	if bi := rl.built[name]; bi != nil && bi.epoch == v.epoch {
		if super == nil || super.Generation() == bi.superGen {
			return bi.sorted, nil
		}
	}

	s, err := index.New(spec)
	if err != nil {
		return nil, repoerr.Wrap(repoerr.CodeSchemaViolation, "index", err).WithAttribute(attr)
	}
	ids := rl.slice()
	bi := &builtIndex{sorted: s, epoch: v.epoch}
	switch spec.Type {
	case index.Numeric:
		s.Reset(ids, nil)
	case index.Value:
		keys := make(map[ident.UUID][]ir.IRValue, len(ids))
		for _, id := range ids {
			if keys[id], err = v.valueKey(ctx, id, spec.Attributes); err != nil {
				return nil, err
			}
			v.watch(id, watchKey{owner.id, attr, name})
		}
		s.Reset(ids, keys)
	case index.Subindex:
		keys := make(map[ident.UUID][]ir.IRValue, len(ids))
		for _, id := range ids {
			keys[id] = []ir.IRValue{ir.IRInt(super.Position(id))}
		}
		s.Reset(ids, keys)
		bi.superGen = super.Generation()
	}
	rl.built[name] = bi
	return s, nil
}
