package query

import (
	"context"
	"iter"

	"github.com/roach88/kindstore/internal/ident"
	"github.com/roach88/kindstore/internal/queryir"
	"github.com/roach88/kindstore/internal/repo"
	"github.com/roach88/kindstore/internal/schema"
)

// KindQuery selects the items of one or more kinds.
type KindQuery struct {
	// Recursive includes the items of every sub-kind.
	Recursive bool

	// Where filters the items; nil matches all of them.
	Where queryir.Predicate
}

// Run yields the union of the extents of kinds, each item once. Stored items
// are fetched page by page as the sequence advances.
func (q KindQuery) Run(ctx context.Context, v *repo.View, kinds ...*schema.Kind) iter.Seq2[*repo.Item, error] {
	return func(yield func(*repo.Item, error) bool) {
		seen := make(map[ident.UUID]struct{})
		for _, k := range kinds {
			for it, err := range v.ScanExtent(ctx, k, q.Recursive, q.Where) {
				if err != nil {
					yield(nil, err)
					return
				}
				if _, dup := seen[it.ID()]; dup {
					continue
				}
				seen[it.ID()] = struct{}{}
				if !yield(it, nil) {
					return
				}
			}
		}
	}
}
