package repo

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"slices"

	"github.com/roach88/kindstore/internal/ident"
	"github.com/roach88/kindstore/internal/queryir"
	"github.com/roach88/kindstore/internal/repoerr"
	"github.com/roach88/kindstore/internal/schema"
)

// selectPage is the number of stored items fetched per backend call.
const selectPage = 256

// Select returns the live items whose kind is one of kinds (any kind when
// empty) and that satisfy where, ordered by uuid.
func (v *View) Select(ctx context.Context, kinds []*schema.Kind, where queryir.Predicate) ([]*Item, error) {
	out := []*Item{}
	for it, err := range v.Scan(ctx, kinds, where) {
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	slices.SortFunc(out, func(a, b *Item) int { return a.id.Compare(b.id) })
	return out, nil
}

// Scan yields the items Select returns without collecting them. Stored items
// are filtered by the backend and fetched a page at a time in uuid order, as
// of the version the view had when iteration began. Items changed in the view
// follow, evaluated in memory. Each item is yielded once. Predicates see
// stored values only, not kind defaults.
func (v *View) Scan(ctx context.Context, kinds []*schema.Kind, where queryir.Predicate) iter.Seq2[*Item, error] {
	return func(yield func(*Item, error) bool) {
		if err := v.checkOpen("select"); err != nil {
			yield(nil, err)
			return
		}
		if where != nil {
			if err := queryir.Validate(where); err != nil {
				yield(nil, repoerr.Wrap(repoerr.CodeSchemaViolation, "select", err))
				return
			}
		}
		ids := make([]ident.UUID, len(kinds))
		for i, k := range kinds {
			ids[i] = k.ID()
		}

		yielded := make(map[ident.UUID]bool)
		version, after := v.version, ident.Nil
		for version > 0 {
			page, err := v.repo.backend.Select(ctx, queryir.Select{
				Kinds: ids, Filter: where, AsOf: version, After: after, Limit: selectPage,
			})
			if err != nil {
				yield(nil, fmt.Errorf("select: %w", err))
				return
			}
			for _, id := range page {
				if st, ok := v.items[id]; ok && (st.isDirty() || st.hdr.deleted()) {
					continue
				}
				yielded[id] = true
				if !yield(&Item{view: v, id: id}, nil) {
					return
				}
			}
			if len(page) < selectPage {
				break
			}
			after = page[len(page)-1]
		}

		for _, id := range slices.SortedFunc(maps.Keys(v.dirty), ident.UUID.Compare) {
			st, ok := v.dirty[id]
			if !ok || yielded[id] || st.hdr.deleted() || !kindIn(st.hdr.kind, ids) {
				continue
			}
			match, err := queryir.Eval(where, func(field string) (queryir.Fact, error) {
				b, err := v.body(ctx, st)
				if err != nil {
					return queryir.Fact{}, err
				}
				return b.fact(field), nil
			})
			if err != nil {
				yield(nil, fmt.Errorf("select: %w", err))
				return
			}
			if match && !yield(&Item{view: v, id: id}, nil) {
				return
			}
		}
	}
}

func kindIn(k *schema.Kind, ids []ident.UUID) bool {
	if len(ids) == 0 {
		return true
	}
	return k != nil && slices.Contains(ids, k.ID())
}

// fact reports an in-memory value the way the store reports stored ones.
func (b *body) fact(field string) queryir.Fact {
	return encodeValue(b.values[field]).Fact()
}

// SelectExtent is Select over the extent of k.
func (v *View) SelectExtent(ctx context.Context, k *schema.Kind, recursive bool, where queryir.Predicate) ([]*Item, error) {
	return v.Select(ctx, k.Extent(recursive), where)
}

// ScanExtent is Scan over the extent of k.
func (v *View) ScanExtent(ctx context.Context, k *schema.Kind, recursive bool, where queryir.Predicate) iter.Seq2[*Item, error] {
	return v.Scan(ctx, k.Extent(recursive), where)
}
