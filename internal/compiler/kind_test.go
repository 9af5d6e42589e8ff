package compiler

import (
	"os"
	"path/filepath"
	"testing"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kindstore/internal/ir"
	"github.com/roach88/kindstore/internal/schema"
)

const movieKinds = `
kind: Movie: {
	superKinds: ["Work"]
	attributes: {
		title: {type: "string", required: true, textIndexed: true}
		year:   int
		rating: string | *"unrated"
		meta:   {...}
		actors: {type: "ref", cardinality: "dict", inverse: "movies", target: "Person"}
		tags:   {type: "string", cardinality: "list"}
	}
	aspects: {
		icon:   "film"
		layout: {columns: 3, compact: false}
	}
}

kind: Person: attributes: {
	name:   string
	movies: {type: "ref", cardinality: "list", inverse: "actors", target: "Movie"}
}

kind: Work: attributes: created: int
`

func compile(t *testing.T, src string) cue.Value {
	t.Helper()
	v := cuecontext.New().CompileString(src)
	require.NoError(t, v.Err())
	return v
}

func TestCompileKind(t *testing.T) {
	v := compile(t, movieKinds)
	def, err := CompileKind(v.LookupPath(cue.ParsePath("kind.Movie")))
	require.NoError(t, err)

	assert.Equal(t, "Movie", def.Name)
	assert.Equal(t, []string{"Work"}, def.SuperKinds)
	require.Len(t, def.Attributes, 6)

	title := def.Attributes[0]
	assert.Equal(t, schema.Attribute{Name: "title", Type: schema.TypeString, Required: true, TextIndexed: true}, title)
	assert.Equal(t, schema.TypeInt, def.Attributes[1].Type)
	assert.Equal(t, schema.TypeString, def.Attributes[2].Type)
	assert.Equal(t, ir.IRString("unrated"), def.Attributes[2].Default)
	assert.Equal(t, schema.TypeObject, def.Attributes[3].Type)

	actors := def.Attributes[4]
	assert.Equal(t, schema.TypeRef, actors.Type)
	assert.Equal(t, schema.Dict, actors.Cardinality)
	assert.Equal(t, "movies", actors.Inverse)
	assert.Equal(t, "Person", actors.Target)
	assert.Equal(t, schema.List, def.Attributes[5].Cardinality)

	assert.Equal(t, ir.IRString("film"), def.Aspects["icon"])
	assert.Equal(t, ir.IRObject{"columns": ir.IRInt(3), "compact": ir.IRBool(false)}, def.Aspects["layout"])
}

func TestCompileKind_Errors(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		field string
	}{
		{"float shorthand", `kind: K: attributes: price: float`, "attributes.price"},
		{"number shorthand", `kind: K: attributes: price: number`, "attributes.price"},
		{"float type", `kind: K: attributes: price: {type: "float"}`, "attributes.price.type"},
		{"unknown type", `kind: K: attributes: x: {type: "date"}`, "attributes.x.type"},
		{"unknown cardinality", `kind: K: attributes: x: {type: "int", cardinality: "set"}`, "attributes.x.cardinality"},
		{"float default", `kind: K: attributes: x: {type: "any", default: 1.5}`, "attributes.x.default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := compile(t, tt.src)
			_, err := CompileKind(v.LookupPath(cue.ParsePath("kind.K")))
			var ce *CompileError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestCompileKinds_OrdersSuperKindsFirst(t *testing.T) {
	defs, err := CompileKinds(compile(t, movieKinds), nil)
	require.NoError(t, err)

	pos := make(map[string]int)
	for i, d := range defs {
		pos[d.Name] = i
	}
	assert.Len(t, defs, 3)
	assert.Less(t, pos["Work"], pos["Movie"])

	reg := schema.NewRegistry()
	for _, d := range defs {
		_, err := reg.Define(d)
		require.NoError(t, err, d.Name)
	}
}

func TestCompileKinds_Validation(t *testing.T) {
	src := `
kind: Movie: {
	superKinds: ["Missing"]
	attributes: {
		title: {type: "string", required: true, default: "x"}
		cast:  {type: "ref", cardinality: "list", inverse: "roles", target: "Person"}
		crew:  {type: "ref", target: "Nobody"}
	}
}
kind: Person: attributes: roles: string
`
	_, err := CompileKinds(compile(t, src), nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, ErrUnknownSuperKind)
	assert.ErrorContains(t, err, ErrRequiredWithDefault)
	assert.ErrorContains(t, err, ErrInverseMismatch)
	assert.ErrorContains(t, err, ErrUnknownTarget)
}

func TestCompileKinds_UsesKnownKinds(t *testing.T) {
	reg := schema.NewRegistry()
	_, err := reg.Define(schema.Definition{Name: "Base", Attributes: []schema.Attribute{{Name: "id", Type: schema.TypeInt}}})
	require.NoError(t, err)

	defs, err := CompileKinds(compile(t, `kind: Derived: superKinds: ["Base"]`), reg)
	require.NoError(t, err)
	require.Len(t, defs, 1)

	_, err = CompileKinds(compile(t, `kind: Derived: superKinds: ["Base"]`), nil)
	assert.ErrorContains(t, err, `unknown super kind "Base"`)
}

func TestOrderKinds(t *testing.T) {
	defs := []schema.Definition{
		{Name: "C", SuperKinds: []string{"B"}},
		{Name: "B", SuperKinds: []string{"A"}},
		{Name: "D"},
		{Name: "A", SuperKinds: []string{"External"}},
	}
	ordered, err := OrderKinds(defs)
	require.NoError(t, err)
	var names []string
	for _, d := range ordered {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"A", "B", "C", "D"}, names)
}

func TestOrderKinds_Cycles(t *testing.T) {
	tests := []struct {
		name string
		defs []schema.Definition
		path string
	}{
		{
			name: "self",
			defs: []schema.Definition{{Name: "A", SuperKinds: []string{"A"}}},
			path: "A → A",
		},
		{
			name: "pair",
			defs: []schema.Definition{
				{Name: "A", SuperKinds: []string{"B"}},
				{Name: "B", SuperKinds: []string{"A"}},
			},
			path: "A → B → A",
		},
		{
			name: "triangle",
			defs: []schema.Definition{
				{Name: "A", SuperKinds: []string{"B"}},
				{Name: "B", SuperKinds: []string{"C"}},
				{Name: "C", SuperKinds: []string{"A"}},
				{Name: "D", SuperKinds: []string{"A"}},
			},
			path: "A → B → C → A",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := OrderKinds(tt.defs)
			var ce *CompileError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, "superKinds", ce.Field)
			assert.Contains(t, ce.Message, tt.path)
		})
	}
}

func TestOrderKinds_Duplicate(t *testing.T) {
	_, err := OrderKinds([]schema.Definition{{Name: "A"}, {Name: "A"}})
	assert.ErrorContains(t, err, "defined twice")
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "movies.cue"), []byte("package kinds\n"+movieKinds), 0o644))

	res, err := LoadDir(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FileCount)
	assert.Len(t, res.Kinds, 3)

	_, err = LoadDir(t.TempDir(), nil)
	assert.ErrorContains(t, err, "no CUE files")
	_, err = LoadDir(filepath.Join(dir, "missing"), nil)
	assert.Error(t, err)
}
