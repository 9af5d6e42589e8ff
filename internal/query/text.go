package query

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"
	"unicode"

	"github.com/coregx/ahocorasick"
	"github.com/orsinium-labs/stopwords"

	"github.com/roach88/kindstore/internal/queryir"
	"github.com/roach88/kindstore/internal/repo"
	"github.com/roach88/kindstore/internal/repoerr"
	"github.com/roach88/kindstore/internal/schema"
)

var english = stopwords.MustGet("en")

// Hit is one attribute that matched a text query.
type Hit struct {
	Item      *repo.Item
	Attribute string
}

// TextQuery finds text-indexed string attributes that contain every term of
// Expr. A term matches when it is a case-insensitive substring of one word of
// the text; stopwords in the text are words like any other. English stopwords
// in Expr are ignored. Run and RunIndexed apply the same rule.
type TextQuery struct {
	Expr string
}

// Words returns the lowercased, deduplicated runs of letters and digits of s
// in order of first appearance.
func Words(s string) []string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := words[:0]
	for _, w := range words {
		if !slices.Contains(out, w) {
			out = append(out, w)
		}
	}
	return out
}

// Terms returns Words(s) without English stopwords.
func Terms(s string) []string {
	return slices.DeleteFunc(Words(s), english.Contains)
}

// wordSep joins words for matching. Terms never contain it, so no match
// spans two words.
const wordSep = "\x00"

// matcher reports whether text contains every term.
type matcher struct {
	terms []string
	ac    *ahocorasick.Automaton
}

func newMatcher(terms []string) (*matcher, error) {
	ac, err := ahocorasick.NewBuilder().
		AddStrings(terms).
		SetMatchKind(ahocorasick.LeftmostLongest).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build matcher: %w", err)
	}
	return &matcher{terms: terms, ac: ac}, nil
}

// matchAll reports whether text contains every term of m.
func (m *matcher) matchAll(text string) bool {
	found := make([]bool, len(m.terms))
	left := len(m.terms)
	joined := strings.Join(Words(text), wordSep)
	for _, hit := range m.ac.FindAllOverlapping([]byte(joined)) {
		if !found[hit.PatternID] {
			found[hit.PatternID] = true
			left--
			if left == 0 {
				return true
			}
		}
	}
	return false
}

// matchAny returns the indexes of the terms text contains.
func (m *matcher) matchAny(text string) []int {
	var out []int
	for _, hit := range m.ac.FindAllOverlapping([]byte(text)) {
		if !slices.Contains(out, hit.PatternID) {
			out = append(out, hit.PatternID)
		}
	}
	return out
}

// textAttributes lists the text-indexed string attributes of k, including
// inherited ones.
func textAttributes(k *schema.Kind) []string {
	var out []string
	for e := range k.Attributes(true) {
		if e.Def.TextIndexed && e.Def.Type == schema.TypeString && e.Def.Cardinality == schema.Single {
			out = append(out, e.Name)
		}
	}
	return out
}

// Run scans every kind with text-indexed attributes. An expression made only
// of stopwords matches nothing.
func (q TextQuery) Run(ctx context.Context, v *repo.View) iter.Seq2[Hit, error] {
	return func(yield func(Hit, error) bool) {
		terms := Terms(q.Expr)
		if len(terms) == 0 {
			return
		}
		m, err := newMatcher(terms)
		if err != nil {
			yield(Hit{}, err)
			return
		}
		for _, k := range v.Repository().Registry().Kinds() {
			attrs := textAttributes(k)
			if len(attrs) == 0 {
				continue
			}
			has := make([]queryir.Predicate, len(attrs))
			for i, a := range attrs {
				has[i] = queryir.Has{Field: a}
			}
			for it, err := range v.ScanExtent(ctx, k, false, queryir.Or{Predicates: has}) {
				if err != nil {
					yield(Hit{}, err)
					return
				}
				if !q.yieldMatches(ctx, m, it, attrs, yield) {
					return
				}
			}
		}
	}
}

// yieldMatches reports whether iteration should continue.
func (q TextQuery) yieldMatches(ctx context.Context, m *matcher, it *repo.Item, attrs []string, yield func(Hit, error) bool) bool {
	for _, a := range attrs {
		s, err := it.String(ctx, a)
		if repoerr.IsNotFound(err) {
			continue
		}
		if err != nil {
			return yield(Hit{}, err)
		}
		if m.matchAll(s) && !yield(Hit{Item: it, Attribute: a}, nil) {
			return false
		}
	}
	return true
}

// RunIndexed answers the query from idx instead of scanning, then checks each
// candidate against v. Items changed in v are always checked, so local edits
// are seen even though idx only follows commits.
func (q TextQuery) RunIndexed(ctx context.Context, v *repo.View, idx *TextIndex) iter.Seq2[Hit, error] {
	return func(yield func(Hit, error) bool) {
		terms := Terms(q.Expr)
		if len(terms) == 0 {
			return
		}
		m, err := newMatcher(terms)
		if err != nil {
			yield(Hit{}, err)
			return
		}
		candidates := idx.candidates(m)
		for _, it := range v.DirtyItems() {
			if it.IsDeleted() || it.Kind() == nil {
				continue
			}
			for _, a := range textAttributes(it.Kind()) {
				candidates[posting{it.ID(), a}] = struct{}{}
			}
		}

		for _, p := range sortedPostings(candidates) {
			it, err := v.GetItem(ctx, p.item)
			if repoerr.IsNotFound(err) {
				continue
			}
			if err != nil {
				if !yield(Hit{}, err) {
					return
				}
				continue
			}
			if it.Kind() == nil || !slices.Contains(textAttributes(it.Kind()), p.attr) {
				continue
			}
			if !q.yieldMatches(ctx, m, it, []string{p.attr}, yield) {
				return
			}
		}
	}
}
