package index

import (
	"fmt"
	"slices"
	"sync/atomic"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/roach88/kindstore/internal/ident"
	"github.com/roach88/kindstore/internal/ir"
)

// generations hands out Generation values; they are unique across indexes so a
// rebuilt index never repeats the generation of the one it replaced.
var generations atomic.Uint64

// Mode selects which matching element Find returns.
type Mode int

const (
	First Mode = iota
	Last
	Exact
)

func (m Mode) String() string {
	switch m {
	case First:
		return "first"
	case Last:
		return "last"
	case Exact:
		return "exact"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Sorted is an ordered key sequence over the members of one collection.
//
// Numeric indexes are positioned explicitly by the caller (Append/InsertAt).
// Value and subindex indexes place members by a sort key the caller computes:
// the attribute values for value indexes, the position in the followed index
// for subindexes. Equal sort keys are ordered by UUID so the order is total.
//
// A Sorted is not safe for concurrent use.
type Sorted struct {
	spec     Spec
	coll     *collate.Collator
	keys     []ident.UUID
	sortKeys map[ident.UUID][]ir.IRValue
	gen      uint64
}

// New creates an empty index.
func New(spec Spec) (*Sorted, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	s := &Sorted{
		spec:     spec,
		sortKeys: make(map[ident.UUID][]ir.IRValue),
	}
	if spec.Locale != "" {
		s.coll = collate.New(language.MustParse(spec.Locale))
	}
	return s, nil
}

// Clone returns an independent copy with the same generation.
func (s *Sorted) Clone() *Sorted {
	c := &Sorted{
		spec:     s.spec,
		keys:     slices.Clone(s.keys),
		sortKeys: make(map[ident.UUID][]ir.IRValue, len(s.sortKeys)),
		gen:      s.gen,
	}
	for id, k := range s.sortKeys {
		c.sortKeys[id] = slices.Clone(k)
	}
	// Collators keep scratch buffers, so copies never share one.
	if s.spec.Locale != "" {
		c.coll = collate.New(language.MustParse(s.spec.Locale))
	}
	return c
}

// Spec returns the index description.
func (s *Sorted) Spec() Spec { return s.spec }

// Ordered reports whether members are placed by sort key.
func (s *Sorted) Ordered() bool { return s.spec.Type != Numeric }

// Generation changes on every mutation and is never reused.
func (s *Sorted) Generation() uint64 { return s.gen }

// Len returns the number of members.
func (s *Sorted) Len() int { return len(s.keys) }

// At returns the member at position i.
func (s *Sorted) At(i int) ident.UUID { return s.keys[i] }

// Keys returns a copy of the ordered members.
func (s *Sorted) Keys() []ident.UUID { return slices.Clone(s.keys) }

// Contains reports membership.
func (s *Sorted) Contains(id ident.UUID) bool {
	_, ok := s.sortKeys[id]
	return ok
}

// SortKey returns the sort key recorded for a member.
func (s *Sorted) SortKey(id ident.UUID) ([]ir.IRValue, bool) {
	k, ok := s.sortKeys[id]
	return k, ok
}

// Position returns the member's position, or -1.
func (s *Sorted) Position(id ident.UUID) int {
	key, ok := s.sortKeys[id]
	if !ok {
		return -1
	}
	if !s.Ordered() {
		return slices.Index(s.keys, id)
	}
	i, found := s.search(id, key)
	if !found {
		return -1
	}
	return i
}

// Append adds a member at the end of a numeric index.
func (s *Sorted) Append(id ident.UUID) {
	s.InsertAt(len(s.keys), id)
}

// InsertAt places a member at position pos of a numeric index.
func (s *Sorted) InsertAt(pos int, id ident.UUID) {
	if s.Ordered() {
		panic("index: InsertAt on ordered index " + s.spec.Name)
	}
	if s.Contains(id) {
		s.removeAt(slices.Index(s.keys, id), id)
	}
	pos = min(max(pos, 0), len(s.keys))
	s.keys = slices.Insert(s.keys, pos, id)
	s.sortKeys[id] = nil
	s.gen = generations.Add(1)
}

// Insert places a member by its sort key, replacing any earlier placement.
func (s *Sorted) Insert(id ident.UUID, sortKey []ir.IRValue) {
	if !s.Ordered() {
		panic("index: Insert on numeric index " + s.spec.Name)
	}
	s.Remove(id)
	i, _ := s.search(id, sortKey)
	s.keys = slices.Insert(s.keys, i, id)
	s.sortKeys[id] = slices.Clone(sortKey)
	s.gen = generations.Add(1)
}

// Remove drops a member. It reports whether the member was present.
func (s *Sorted) Remove(id ident.UUID) bool {
	if !s.Contains(id) {
		return false
	}
	s.removeAt(s.Position(id), id)
	return true
}

func (s *Sorted) removeAt(i int, id ident.UUID) {
	s.keys = slices.Delete(s.keys, i, i+1)
	delete(s.sortKeys, id)
	s.gen = generations.Add(1)
}

// Reset replaces the contents. Numeric indexes keep ids in the given order;
// ordered indexes sort them by sortKeys, which must hold an entry per id.
func (s *Sorted) Reset(ids []ident.UUID, sortKeys map[ident.UUID][]ir.IRValue) {
	s.keys = slices.Clone(ids)
	s.sortKeys = make(map[ident.UUID][]ir.IRValue, len(ids))
	for _, id := range ids {
		s.sortKeys[id] = slices.Clone(sortKeys[id])
	}
	if s.Ordered() {
		slices.SortFunc(s.keys, func(a, b ident.UUID) int {
			return s.compare(a, s.sortKeys[a], b, s.sortKeys[b])
		})
	}
	s.gen = generations.Add(1)
}

// Find binary-searches for the boundary element matching fn. fn returns 0 when
// the member matches, a negative number when the target sorts before the
// member and a positive number when it sorts after. With First or Last the
// search continues toward that end after a match; Exact stops at the first
// match probed.
func (s *Sorted) Find(mode Mode, fn func(ident.UUID) int) (ident.UUID, bool) {
	lo, hi := 0, len(s.keys)-1
	found := -1
	for lo <= hi {
		mid := int(uint(lo+hi) >> 1)
		c := fn(s.keys[mid])
		switch {
		case c == 0:
			found = mid
			switch mode {
			case Exact:
				return s.keys[mid], true
			case First:
				hi = mid - 1
			default:
				lo = mid + 1
			}
		case c < 0:
			hi = mid - 1
		default:
			lo = mid + 1
		}
	}
	if found < 0 {
		return ident.Nil, false
	}
	return s.keys[found], true
}

// search returns the insertion point for (id, key) and whether id sits there.
func (s *Sorted) search(id ident.UUID, key []ir.IRValue) (int, bool) {
	return slices.BinarySearchFunc(s.keys, id, func(member, target ident.UUID) int {
		return s.compare(member, s.sortKeys[member], target, key)
	})
}

func (s *Sorted) compare(a ident.UUID, ka []ir.IRValue, b ident.UUID, kb []ir.IRValue) int {
	if c := s.compareKeys(ka, kb); c != 0 {
		return c
	}
	return a.Compare(b)
}

func (s *Sorted) compareKeys(ka, kb []ir.IRValue) int {
	for i := range max(len(ka), len(kb)) {
		var a, b ir.IRValue
		if i < len(ka) {
			a = ka[i]
		}
		if i < len(kb) {
			b = kb[i]
		}
		c := s.compareValue(a, b)
		if c != 0 {
			if s.spec.Descending {
				return -c
			}
			return c
		}
	}
	return 0
}

// compareValue orders unset values first.
func (s *Sorted) compareValue(a, b ir.IRValue) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if s.coll != nil {
		as, aok := a.(ir.IRString)
		bs, bok := b.(ir.IRString)
		if aok && bok {
			if c := s.coll.CompareString(string(as), string(bs)); c != 0 {
				return c
			}
		}
	}
	return ir.Compare(a, b)
}
