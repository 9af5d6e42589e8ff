package index

import (
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kindstore/internal/ident"
	"github.com/roach88/kindstore/internal/ir"
)

func newValueIndex(t *testing.T, spec Spec) *Sorted {
	t.Helper()
	s, err := New(spec)
	require.NoError(t, err)
	return s
}

func TestFindMatchesLinearScan(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	s := newValueIndex(t, Spec{Name: "byValue", Type: Value, Attributes: []string{"n"}})

	values := make(map[ident.UUID]int64)
	for range 600 {
		id := ident.New()
		v := rng.Int64N(50)
		values[id] = v
		s.Insert(id, []ir.IRValue{ir.IRInt(v)})
	}
	// Churn: remove some members and change the value of others.
	for id := range values {
		switch rng.IntN(5) {
		case 0:
			s.Remove(id)
			delete(values, id)
		case 1:
			v := rng.Int64N(50)
			values[id] = v
			s.Insert(id, []ir.IRValue{ir.IRInt(v)})
		}
	}
	require.Equal(t, len(values), s.Len())

	keys := s.Keys()
	for i := 1; i < len(keys); i++ {
		require.LessOrEqual(t, values[keys[i-1]], values[keys[i]], "keys out of order at %d", i)
	}

	for target := int64(-1); target <= 51; target++ {
		fn := func(id ident.UUID) int {
			switch v := values[id]; {
			case target < v:
				return -1
			case target > v:
				return 1
			}
			return 0
		}

		firstWant, lastWant := -1, -1
		for i, id := range keys {
			if values[id] == target {
				if firstWant < 0 {
					firstWant = i
				}
				lastWant = i
			}
		}

		first, ok := s.Find(First, fn)
		if firstWant < 0 {
			assert.False(t, ok, "target %d", target)
			_, ok = s.Find(Exact, fn)
			assert.False(t, ok)
			continue
		}
		require.True(t, ok, "target %d", target)
		assert.Equal(t, keys[firstWant], first, "first for %d", target)

		last, ok := s.Find(Last, fn)
		require.True(t, ok)
		assert.Equal(t, keys[lastWant], last, "last for %d", target)

		exact, ok := s.Find(Exact, fn)
		require.True(t, ok)
		assert.Equal(t, target, values[exact])
	}
}

func TestPositionAndRemove(t *testing.T) {
	s := newValueIndex(t, Spec{Name: "byTitle", Type: Value, Attributes: []string{"title"}})
	a, b, c := ident.New(), ident.New(), ident.New()
	s.Insert(c, []ir.IRValue{ir.IRString("cherry")})
	s.Insert(a, []ir.IRValue{ir.IRString("apple")})
	s.Insert(b, []ir.IRValue{ir.IRString("banana")})

	assert.Equal(t, []ident.UUID{a, b, c}, s.Keys())
	assert.Equal(t, 1, s.Position(b))

	// Re-inserting with a changed value moves the member.
	s.Insert(a, []ir.IRValue{ir.IRString("date")})
	assert.Equal(t, []ident.UUID{b, c, a}, s.Keys())

	assert.True(t, s.Remove(c))
	assert.False(t, s.Remove(c))
	assert.Equal(t, -1, s.Position(c))
	assert.Equal(t, []ident.UUID{b, a}, s.Keys())
}

func TestDescendingAndUnsetValues(t *testing.T) {
	s := newValueIndex(t, Spec{Name: "rank", Type: Value, Attributes: []string{"rank"}, Descending: true})
	a, b, c := ident.New(), ident.New(), ident.New()
	s.Insert(a, []ir.IRValue{ir.IRInt(1)})
	s.Insert(b, []ir.IRValue{nil})
	s.Insert(c, []ir.IRValue{ir.IRInt(3)})
	assert.Equal(t, []ident.UUID{c, a, b}, s.Keys())
}

func TestLocaleCollation(t *testing.T) {
	plain := newValueIndex(t, Spec{Name: "plain", Type: Value, Attributes: []string{"name"}})
	collated := newValueIndex(t, Spec{Name: "collated", Type: Value, Attributes: []string{"name"}, Locale: "en"})

	upper, lower := ident.New(), ident.New()
	for _, s := range []*Sorted{plain, collated} {
		s.Insert(upper, []ir.IRValue{ir.IRString("Zebra")})
		s.Insert(lower, []ir.IRValue{ir.IRString("apple")})
	}
	// Byte order puts upper case first; the collator does not.
	assert.Equal(t, []ident.UUID{upper, lower}, plain.Keys())
	assert.Equal(t, []ident.UUID{lower, upper}, collated.Keys())
}

func TestNumericIndexFollowsExplicitPositions(t *testing.T) {
	s, err := New(Spec{Name: "order", Type: Numeric})
	require.NoError(t, err)
	a, b, c := ident.New(), ident.New(), ident.New()
	s.Append(a)
	s.Append(c)
	s.InsertAt(1, b)
	assert.Equal(t, []ident.UUID{a, b, c}, s.Keys())
	assert.Equal(t, 2, s.Position(c))

	gen := s.Generation()
	s.Remove(b)
	assert.NotEqual(t, gen, s.Generation())
	assert.Equal(t, []ident.UUID{a, c}, s.Keys())

	assert.Panics(t, func() { s.Insert(b, nil) })
}

func TestReset(t *testing.T) {
	s := newValueIndex(t, Spec{Name: "v", Type: Value, Attributes: []string{"n"}})
	ids := []ident.UUID{ident.New(), ident.New(), ident.New()}
	keys := map[ident.UUID][]ir.IRValue{
		ids[0]: {ir.IRInt(3)},
		ids[1]: {ir.IRInt(1)},
		ids[2]: {ir.IRInt(2)},
	}
	s.Reset(ids, keys)
	want := []ident.UUID{ids[1], ids[2], ids[0]}
	assert.Equal(t, want, s.Keys())
	assert.True(t, slices.Equal(want, s.Keys()))
	assert.Equal(t, 0, s.Position(ids[1]))
}

func TestSpecValidateAndRoundTrip(t *testing.T) {
	invalid := []Spec{
		{},
		{Name: "x", Type: "hash"},
		{Name: "x", Type: Value},
		{Name: "x", Type: Numeric, Attributes: []string{"a"}},
		{Name: "x", Type: Subindex},
		{Name: "x", Type: Value, Attributes: []string{"a"}, Locale: "not a locale!"},
	}
	for _, spec := range invalid {
		assert.Error(t, spec.Validate(), "%+v", spec)
	}

	spec := Spec{
		Name:  "sub",
		Type:  Subindex,
		Super: &SuperRef{Owner: ident.New(), Attribute: "members", Index: "byTitle"},
	}
	back, err := SpecFromIR(spec.ToIR())
	require.NoError(t, err)
	assert.Equal(t, spec, back)

	spec = Spec{Name: "v", Type: Value, Attributes: []string{"a", "b"}, Locale: "fr", Descending: true}
	back, err = SpecFromIR(spec.ToIR())
	require.NoError(t, err)
	assert.Equal(t, spec, back)
}
