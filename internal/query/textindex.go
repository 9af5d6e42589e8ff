package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/kindstore/internal/ident"
	"github.com/roach88/kindstore/internal/metrics"
	"github.com/roach88/kindstore/internal/notify"
	"github.com/roach88/kindstore/internal/repo"
	"github.com/roach88/kindstore/internal/repoerr"
)

// posting locates one indexed attribute.
type posting struct {
	item ident.UUID
	attr string
}

func sortedPostings(set map[posting]struct{}) []posting {
	out := make([]posting, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b posting) int {
		if c := a.item.Compare(b.item); c != 0 {
			return c
		}
		return strings.Compare(a.attr, b.attr)
	})
	return out
}

// TextIndex maps the words of committed text-indexed attributes to the
// attributes holding them. Stopwords are indexed too, so a term found inside
// one matches here as it does in a scan.
//
// Thread-safety model:
//   - Run(): must be called from exactly one goroutine; it owns a private View
//   - Version(), TermCount(), WaitFor() and TextQuery.RunIndexed: safe from any goroutine
type TextIndex struct {
	repo   *repo.Repository
	logger *slog.Logger
	sub    *notify.Subscription

	mu       sync.RWMutex
	terms    map[string]map[posting]struct{}
	byItem   map[ident.UUID]map[string][]string // item -> attribute -> words
	version  int64
	advanced *sync.Cond
}

// NewTextIndex subscribes to commits of r. Notices published after this call
// are applied by Run.
func NewTextIndex(r *repo.Repository) *TextIndex {
	x := &TextIndex{
		repo:   r,
		logger: r.Logger().With(slog.String("component", "textindex")),
		sub:    r.Subscribe(),
		terms:  make(map[string]map[posting]struct{}),
		byItem: make(map[ident.UUID]map[string][]string),
	}
	x.advanced = sync.NewCond(x.mu.RLocker())
	return x
}

// Run indexes the latest version, then applies commit notices until ctx is
// done or Stop is called. It returns nil after Stop.
func (x *TextIndex) Run(ctx context.Context) error {
	x.logger.Info("text index starting")
	v, err := x.repo.OpenView(ctx, "textindex")
	if err != nil {
		return fmt.Errorf("text index: %w", err)
	}
	defer v.Close()

	if err := x.rebuild(ctx, v); err != nil {
		return err
	}
	for {
		n, err := x.sub.Next(ctx)
		if errors.Is(err, notify.ErrClosed) {
			x.logger.Info("text index stopping")
			return nil
		}
		if err != nil {
			x.logger.Info("text index stopping", slog.String("reason", err.Error()))
			return err
		}
		if n.Version <= x.Version() {
			continue
		}
		if err := v.Refresh(ctx); err != nil {
			return fmt.Errorf("text index: %w", err)
		}
		for _, id := range n.Items {
			if err := x.reindex(ctx, v, id); err != nil {
				x.logger.Warn("reindex failed",
					slog.String("item", id.String()),
					slog.String("error", err.Error()))
			}
		}
		x.advance(v.Version())
	}
}

// Stop ends Run once the queued notices are applied.
func (x *TextIndex) Stop() {
	x.sub.Close()
}

func (x *TextIndex) rebuild(ctx context.Context, v *repo.View) error {
	for _, k := range x.repo.Registry().Kinds() {
		if len(textAttributes(k)) == 0 {
			continue
		}
		for it, err := range v.ScanExtent(ctx, k, false, nil) {
			if err != nil {
				return fmt.Errorf("text index: %w", err)
			}
			if err := x.reindex(ctx, v, it.ID()); err != nil {
				return fmt.Errorf("text index: %w", err)
			}
		}
	}
	x.advance(v.Version())
	return nil
}

// reindex replaces the postings of one item with its current words.
func (x *TextIndex) reindex(ctx context.Context, v *repo.View, id ident.UUID) error {
	words := make(map[string][]string)
	it, err := v.GetItem(ctx, id)
	switch {
	case repoerr.IsNotFound(err):
	case err != nil:
		return err
	case it.Kind() != nil:
		for _, a := range textAttributes(it.Kind()) {
			s, err := it.String(ctx, a)
			if repoerr.IsNotFound(err) {
				continue
			}
			if err != nil {
				return err
			}
			if w := Words(s); len(w) > 0 {
				words[a] = w
			}
		}
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	for attr, ws := range x.byItem[id] {
		for _, w := range ws {
			set := x.terms[w]
			delete(set, posting{id, attr})
			if len(set) == 0 {
				delete(x.terms, w)
			}
		}
	}
	delete(x.byItem, id)
	for attr, ws := range words {
		for _, w := range ws {
			set := x.terms[w]
			if set == nil {
				set = make(map[posting]struct{})
				x.terms[w] = set
			}
			set[posting{id, attr}] = struct{}{}
		}
	}
	if len(words) > 0 {
		x.byItem[id] = words
	}
	metrics.SetTextIndexTerms(len(x.terms))
	return nil
}

func (x *TextIndex) advance(version int64) {
	x.mu.Lock()
	x.version = version
	x.mu.Unlock()
	x.advanced.Broadcast()
	x.logger.Debug("text index advanced", slog.Int64("version", version))
}

// Version returns the last version applied.
func (x *TextIndex) Version() int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.version
}

// TermCount returns the number of distinct words indexed.
func (x *TextIndex) TermCount() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.terms)
}

// WaitFor blocks until the index has applied version, or ctx is done.
func (x *TextIndex) WaitFor(ctx context.Context, version int64) error {
	stop := context.AfterFunc(ctx, func() {
		x.mu.Lock()
		defer x.mu.Unlock()
		x.advanced.Broadcast()
	})
	defer stop()

	x.mu.RLock()
	defer x.mu.RUnlock()
	for x.version < version {
		if err := ctx.Err(); err != nil {
			return err
		}
		x.advanced.Wait()
	}
	return nil
}

// candidates returns the postings whose words contain every term of m. A
// query term matches any indexed word it is a substring of.
func (x *TextIndex) candidates(m *matcher) map[posting]struct{} {
	x.mu.RLock()
	defer x.mu.RUnlock()

	perTerm := make([]map[posting]struct{}, len(m.terms))
	for i := range perTerm {
		perTerm[i] = make(map[posting]struct{})
	}
	for w, set := range x.terms {
		for _, i := range m.matchAny(w) {
			for p := range set {
				perTerm[i][p] = struct{}{}
			}
		}
	}

	out := perTerm[0]
	for _, other := range perTerm[1:] {
		for p := range out {
			if _, ok := other[p]; !ok {
				delete(out, p)
			}
		}
	}
	return out
}
