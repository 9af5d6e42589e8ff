package queryir

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kindstore/internal/ident"
	"github.com/roach88/kindstore/internal/ir"
)

func factsLookup(facts map[string]Fact) Lookup {
	return func(field string) (Fact, error) {
		return facts[field], nil
	}
}

func TestEval(t *testing.T) {
	actor := ident.New()
	other := ident.New()
	lookup := factsLookup(map[string]Fact{
		"title":  {Set: true, Literal: ir.IRString("Metropolis")},
		"year":   {Set: true, Literal: ir.IRInt(1927)},
		"actors": {Set: true, Refs: []ident.UUID{actor}},
	})

	tests := []struct {
		name string
		pred Predicate
		want bool
	}{
		{"nil matches", nil, true},
		{"equals string", Equals{Field: "title", Value: ir.IRString("Metropolis")}, true},
		{"equals pointer", &Equals{Field: "year", Value: ir.IRInt(1927)}, true},
		{"equals type mismatch", Equals{Field: "year", Value: ir.IRString("1927")}, false},
		{"equals unset", Equals{Field: "genre", Value: ir.IRString("drama")}, false},
		{"refers member", Refers{Field: "actors", Target: actor}, true},
		{"refers non-member", Refers{Field: "actors", Target: other}, false},
		{"refers on literal", Refers{Field: "title", Target: actor}, false},
		{"has set", Has{Field: "title"}, true},
		{"has unset", Has{Field: "genre"}, false},
		{"empty and", And{}, true},
		{"empty or", Or{}, false},
		{"and", And{Predicates: []Predicate{Has{Field: "title"}, Equals{Field: "year", Value: ir.IRInt(1927)}}}, true},
		{"and short", And{Predicates: []Predicate{Has{Field: "genre"}, Has{Field: "title"}}}, false},
		{"or", Or{Predicates: []Predicate{Has{Field: "genre"}, Has{Field: "title"}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Eval(tt.pred, lookup)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvalPropagatesLookupErrors(t *testing.T) {
	boom := errors.New("boom")
	_, err := Eval(Has{Field: "x"}, func(string) (Fact, error) { return Fact{}, boom })
	assert.ErrorIs(t, err, boom)
}

func TestFields(t *testing.T) {
	p := And{Predicates: []Predicate{
		Equals{Field: "title", Value: ir.IRString("x")},
		Or{Predicates: []Predicate{Has{Field: "year"}, &Refers{Field: "actors", Target: ident.New()}}},
		Has{Field: "title"},
	}}
	assert.Equal(t, []string{"actors", "title", "year"}, Fields(p))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(nil))
	assert.NoError(t, Validate(And{Predicates: []Predicate{Has{Field: "a"}, Equals{Field: "b", Value: ir.IRInt(1)}}}))

	err := Validate(And{Predicates: []Predicate{
		Equals{Field: "", Value: ir.IRInt(1)},
		Equals{Field: "b", Value: ir.IRNull{}},
		Refers{Field: "c"},
		nil,
	}})
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "where.and[0]: field name is required")
	assert.Contains(t, msg, "where.and[1]")
	assert.Contains(t, msg, "nil uuid")
	assert.Contains(t, msg, "where.and[3]: nil predicate")
}
