package query

import (
	"context"
	"iter"

	"github.com/roach88/kindstore/internal/queryir"
	"github.com/roach88/kindstore/internal/repo"
)

// FilterQuery narrows an item sequence. Both conditions must hold when both
// are set.
type FilterQuery struct {
	Func  func(*repo.Item) (bool, error)
	Where queryir.Predicate
}

// Run yields the items of source that pass the filter. Errors from source
// pass through unchanged.
func (q FilterQuery) Run(ctx context.Context, source iter.Seq2[*repo.Item, error]) iter.Seq2[*repo.Item, error] {
	return func(yield func(*repo.Item, error) bool) {
		if q.Where != nil {
			if err := queryir.Validate(q.Where); err != nil {
				yield(nil, err)
				return
			}
		}
		for it, err := range source {
			if err != nil {
				if !yield(nil, err) {
					return
				}
				continue
			}
			ok, err := q.match(ctx, it)
			if err != nil {
				if !yield(nil, err) {
					return
				}
				continue
			}
			if ok && !yield(it, nil) {
				return
			}
		}
	}
}

func (q FilterQuery) match(ctx context.Context, it *repo.Item) (bool, error) {
	if q.Where != nil {
		ok, err := queryir.Eval(q.Where, func(field string) (queryir.Fact, error) {
			return it.Fact(ctx, field)
		})
		if err != nil || !ok {
			return false, err
		}
	}
	if q.Func != nil {
		return q.Func(it)
	}
	return true, nil
}
