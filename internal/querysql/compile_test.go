package querysql

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kindstore/internal/ident"
	"github.com/roach88/kindstore/internal/ir"
	"github.com/roach88/kindstore/internal/queryir"
)

func TestCompile_KindsOnly(t *testing.T) {
	kind := ident.New()
	sql, params, err := Compile(queryir.Select{Kinds: []ident.UUID{kind}, AsOf: 4})
	require.NoError(t, err)

	assert.Contains(t, sql, "FROM items i")
	assert.Contains(t, sql, "(i.status & 1) = 0")
	assert.Contains(t, sql, "i.kind IN (?)")
	assert.Contains(t, sql, "ORDER BY i.uuid ASC")
	assert.Equal(t, []any{int64(4), kind.Bytes()}, params)
}

func TestCompile_LatestVersion(t *testing.T) {
	sql, params, err := Compile(&queryir.Select{})
	require.NoError(t, err)
	assert.NotContains(t, sql, "i.kind IN")
	assert.Equal(t, []any{int64(math.MaxInt64)}, params)
}

func TestCompile_Page(t *testing.T) {
	after := ident.New()
	sql, params, err := Compile(queryir.Select{AsOf: 3, After: after, Limit: 50})
	require.NoError(t, err)
	assert.Contains(t, sql, "AND i.uuid > ? ORDER BY i.uuid ASC LIMIT ?")
	assert.Equal(t, []any{int64(3), after.Bytes(), 50}, params)
}

func TestCompile_EqualsIsParameterized(t *testing.T) {
	sql, params, err := Compile(queryir.Select{
		AsOf:   2,
		Filter: queryir.Equals{Field: "title", Value: ir.IRString("Metropolis")},
	})
	require.NoError(t, err)

	assert.NotContains(t, sql, "Metropolis")
	assert.NotContains(t, sql, "title")
	assert.Contains(t, sql, "d.tag = 'lit' AND d.payload = ?")
	assert.Equal(t, []any{int64(2), "title", "title", int64(2), `"Metropolis"`}, params)
}

func TestCompile_RefersAndJunctions(t *testing.T) {
	target := ident.New()
	sql, params, err := Compile(queryir.Select{
		AsOf: 1,
		Filter: queryir.Or{Predicates: []queryir.Predicate{
			queryir.Refers{Field: "actors", Target: target},
			queryir.And{Predicates: []queryir.Predicate{queryir.Has{Field: "title"}}},
		}},
	})
	require.NoError(t, err)

	assert.Contains(t, sql, "json_each(d.payload, '$.refs')")
	assert.Contains(t, sql, " OR ")
	assert.Contains(t, sql, "d.tag <> 'del'")
	assert.Equal(t, []any{
		int64(1),
		"actors", "actors", int64(1), target.String(), target.String(),
		"title", "title", int64(1),
	}, params)
}

func TestCompile_EmptyJunctions(t *testing.T) {
	sql, _, err := Compile(queryir.Select{Filter: queryir.Or{}})
	require.NoError(t, err)
	assert.Contains(t, sql, "AND 1 = 0")

	sql, _, err = Compile(queryir.Select{Filter: queryir.And{}})
	require.NoError(t, err)
	assert.Contains(t, sql, "AND 1 = 1")
}

func TestCompile_Errors(t *testing.T) {
	_, _, err := Compile(nil)
	assert.Error(t, err)

	_, _, err = Compile(queryir.Select{Filter: queryir.Equals{Field: "a", Value: ir.IRNull{}}})
	assert.Error(t, err)
}
