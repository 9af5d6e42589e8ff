package repo

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/kindstore/internal/ident"
	"github.com/roach88/kindstore/internal/ir"
	"github.com/roach88/kindstore/internal/schema"
)

// createTestRepo creates a repository under t.TempDir().
func createTestRepo(t *testing.T, opts ...Option) *Repository {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	r, err := Create(context.Background(), t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func openTestView(t *testing.T, r *Repository, name string) *View {
	t.Helper()
	v, err := r.OpenView(context.Background(), name)
	require.NoError(t, err)
	t.Cleanup(v.Close)
	return v
}

type movieKinds struct {
	movie, person, note *schema.Kind
}

// defineMovies registers Movie and Person, linked both ways through
// actors/movies and director/directed, plus a kind with a one-way ref.
func defineMovies(t *testing.T, r *Repository) movieKinds {
	t.Helper()
	ctx := context.Background()
	person, err := r.DefineKind(ctx, schema.Definition{
		Name: "Person",
		Attributes: []schema.Attribute{
			{Name: "name", Type: schema.TypeString, TextIndexed: true},
			{Name: "born", Type: schema.TypeInt},
			{Name: "movies", Cardinality: schema.List, Type: schema.TypeRef, Inverse: "actors", Target: "Movie"},
			{Name: "directed", Cardinality: schema.List, Type: schema.TypeRef, Inverse: "director", Target: "Movie"},
			{Name: "nicknames", Cardinality: schema.List, Type: schema.TypeString},
		},
	})
	require.NoError(t, err)
	movie, err := r.DefineKind(ctx, schema.Definition{
		Name: "Movie",
		Attributes: []schema.Attribute{
			{Name: "title", Type: schema.TypeString, Required: true, TextIndexed: true},
			{Name: "year", Type: schema.TypeInt},
			{Name: "rating", Type: schema.TypeString, Default: ir.IRString("unrated")},
			{Name: "actors", Cardinality: schema.Dict, Type: schema.TypeRef, Inverse: "movies", Target: "Person"},
			{Name: "director", Type: schema.TypeRef, Inverse: "directed", Target: "Person"},
			{Name: "tags", Cardinality: schema.Dict, Type: schema.TypeString},
		},
	})
	require.NoError(t, err)
	note, err := r.DefineKind(ctx, schema.Definition{
		Name: "Note",
		Attributes: []schema.Attribute{
			{Name: "text", Type: schema.TypeString},
			{Name: "about", Type: schema.TypeRef},
		},
	})
	require.NoError(t, err)
	return movieKinds{movie: movie, person: person, note: note}
}

func newMovie(t *testing.T, v *View, parent *Item, k movieKinds, name, title string, year int) *Item {
	t.Helper()
	ctx := context.Background()
	m, err := v.NewItem(ctx, name, parent, k.movie)
	require.NoError(t, err)
	require.NoError(t, m.SetAttributeValue(ctx, "title", title))
	require.NoError(t, m.SetAttributeValue(ctx, "year", year))
	return m
}

func newPerson(t *testing.T, v *View, parent *Item, k movieKinds, name string) *Item {
	t.Helper()
	ctx := context.Background()
	p, err := v.NewItem(ctx, name, parent, k.person)
	require.NoError(t, err)
	require.NoError(t, p.SetAttributeValue(ctx, "name", name))
	return p
}

// refIDs lists the members of a reference collection.
func refIDs(t *testing.T, it *Item, attr string) []ident.UUID {
	t.Helper()
	ctx := context.Background()
	d, err := it.RefDict(ctx, attr)
	require.NoError(t, err)
	var ids []ident.UUID
	for m, err := range d.All(ctx) {
		require.NoError(t, err)
		ids = append(ids, m.ID())
	}
	return ids
}

// checkPaired asserts that every reference between items is mirrored by its
// inverse: movie.actors <-> person.movies and movie.director <-> person.directed.
func checkPaired(t *testing.T, movies, people []*Item) {
	t.Helper()
	ctx := context.Background()
	has := func(it *Item, attr string, id ident.UUID) bool {
		for _, m := range refIDs(t, it, attr) {
			if m == id {
				return true
			}
		}
		return false
	}
	for _, m := range movies {
		if m.IsDeleted() {
			continue
		}
		for _, p := range people {
			if p.IsDeleted() {
				continue
			}
			require.Equal(t, has(m, "actors", p.ID()), has(p, "movies", m.ID()),
				"actors/movies mismatch for %s and %s", m.Name(), p.Name())

			dir, err := m.GetAttributeValue(ctx, "director")
			directs := err == nil && dir.(*Item).ID() == p.ID()
			require.Equal(t, directs, has(p, "directed", m.ID()),
				"director/directed mismatch for %s and %s", m.Name(), p.Name())
		}
	}
}

// schemaNode is a kind whose links point back at the same kind.
func schemaNode() schema.Definition {
	return schema.Definition{
		Name: "Node",
		Attributes: []schema.Attribute{
			{Name: "links", Cardinality: schema.List, Type: schema.TypeRef, Inverse: "linkedFrom"},
			{Name: "linkedFrom", Cardinality: schema.List, Type: schema.TypeRef, Inverse: "links"},
			{Name: "label", Type: schema.TypeString},
			{Name: "rank", Type: schema.TypeInt},
		},
		Aspects: map[string]ir.IRValue{"graph": ir.IRBool(true)},
	}
}
