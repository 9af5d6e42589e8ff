package repo

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kindstore/internal/ident"
	"github.com/roach88/kindstore/internal/ir"
	"github.com/roach88/kindstore/internal/queryir"
	"github.com/roach88/kindstore/internal/repoerr"
)

func TestNewItem_Names(t *testing.T) {
	ctx := context.Background()
	r := createTestRepo(t)
	v := openTestView(t, r, "main")

	root, err := v.NewItem(ctx, "root", nil, nil)
	require.NoError(t, err)
	assert.True(t, root.IsNew())
	assert.True(t, root.IsDirty())

	_, err = v.NewItem(ctx, "root", nil, nil)
	assert.True(t, repoerr.IsNameCollision(err))

	for _, name := range []string{"", "a/b", ".", ".."} {
		_, err = v.NewItem(ctx, name, root, nil)
		assert.True(t, repoerr.IsSchemaViolation(err), "name %q", name)
	}

	child, err := v.NewItem(ctx, "child", root, nil)
	require.NoError(t, err)
	assert.NotZero(t, root.Status()&StatusContainer)

	require.NoError(t, v.Commit(ctx))
	assert.False(t, child.IsNew())
	assert.False(t, child.IsDirty())
	assert.Equal(t, int64(1), child.Version())

	_, err = v.NewItem(ctx, "child", root, nil)
	assert.True(t, repoerr.IsNameCollision(err), "collision with a committed sibling")
}

func TestSetAttributeValue_Validation(t *testing.T) {
	ctx := context.Background()
	r := createTestRepo(t)
	k := defineMovies(t, r)
	v := openTestView(t, r, "main")
	m := newMovie(t, v, nil, k, "alien", "Alien", 1979)
	require.NoError(t, v.Commit(ctx))
	note, err := v.NewItem(ctx, "note", nil, k.note)
	require.NoError(t, err)
	require.NoError(t, v.Commit(ctx))

	tests := []struct {
		name  string
		attr  string
		value any
	}{
		{"wrong literal type", "year", "nineteen"},
		{"unknown attribute", "budget", 10},
		{"float", "year", 1.5},
		{"item into literal", "title", note},
		{"literal into reference", "director", "scott"},
		{"target kind mismatch", "director", note},
		{"many items into single", "director", []*Item{note, note}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.SetAttributeValue(ctx, tt.attr, tt.value)
			assert.True(t, repoerr.IsSchemaViolation(err), "got %v", err)
			assert.False(t, m.IsDirty())
		})
	}

	err = m.RemoveAttributeValue(ctx, "title")
	assert.True(t, repoerr.IsSchemaViolation(err))
}

func TestKindlessItemsHoldSingleLiterals(t *testing.T) {
	ctx := context.Background()
	r := createTestRepo(t)
	v := openTestView(t, r, "main")
	it, err := v.NewItem(ctx, "free", nil, nil)
	require.NoError(t, err)

	require.NoError(t, it.SetAttributeValue(ctx, "anything", map[string]any{"a": 1}))
	got, err := it.Literal(ctx, "anything")
	require.NoError(t, err)
	assert.Equal(t, ir.IRObject{"a": ir.IRInt(1)}, got)

	err = it.AddValue(ctx, "anything", 2)
	assert.True(t, repoerr.IsSchemaViolation(err))

	ok, err := it.HasValue(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLiteralCollections(t *testing.T) {
	ctx := context.Background()
	r := createTestRepo(t)
	k := defineMovies(t, r)
	v := openTestView(t, r, "main")
	p := newPerson(t, v, nil, k, "weaver")
	m := newMovie(t, v, nil, k, "alien", "Alien", 1979)

	require.NoError(t, p.AddValue(ctx, "nicknames", "sig"))
	require.NoError(t, p.AddValue(ctx, "nicknames", "siggy"))
	err := p.AddValue(ctx, "nicknames", 3)
	assert.True(t, repoerr.IsSchemaViolation(err))
	require.NoError(t, p.RemoveValue(ctx, "nicknames", "sig"))
	got, err := p.Literal(ctx, "nicknames")
	require.NoError(t, err)
	assert.Equal(t, ir.IRArray{ir.IRString("siggy")}, got)
	assert.True(t, repoerr.IsNotFound(p.RemoveValue(ctx, "nicknames", "sig")))

	err = m.AddValue(ctx, "tags", "horror")
	assert.True(t, repoerr.IsSchemaViolation(err), "dict values need an alias")
	require.NoError(t, m.AddValue(ctx, "tags", "horror", WithAlias("genre")))
	require.NoError(t, m.AddValue(ctx, "tags", "R", WithAlias("rating")))
	require.NoError(t, m.RemoveValue(ctx, "tags", "rating"))
	got, err = m.Literal(ctx, "tags")
	require.NoError(t, err)
	assert.Equal(t, ir.IRObject{"genre": ir.IRString("horror")}, got)

	require.NoError(t, m.SetAttributeValue(ctx, "tags", map[string]any{"x": "y"}))
	got, err = m.Literal(ctx, "tags")
	require.NoError(t, err)
	assert.Equal(t, ir.IRObject{"x": ir.IRString("y")}, got)
}

func TestReferences_InverseMaintained(t *testing.T) {
	ctx := context.Background()
	r := createTestRepo(t)
	k := defineMovies(t, r)
	v := openTestView(t, r, "main")
	alien := newMovie(t, v, nil, k, "alien", "Alien", 1979)
	aliens := newMovie(t, v, nil, k, "aliens", "Aliens", 1986)
	scott := newPerson(t, v, nil, k, "scott")
	cameron := newPerson(t, v, nil, k, "cameron")

	require.NoError(t, alien.SetAttributeValue(ctx, "director", scott))
	require.NoError(t, aliens.SetAttributeValue(ctx, "director", scott))
	assert.Equal(t, []ident.UUID{alien.ID(), aliens.ID()}, refIDs(t, scott, "directed"))

	// Replacing a single reference detaches the old inverse.
	require.NoError(t, aliens.SetAttributeValue(ctx, "director", cameron))
	assert.Equal(t, []ident.UUID{alien.ID()}, refIDs(t, scott, "directed"))
	assert.Equal(t, []ident.UUID{aliens.ID()}, refIDs(t, cameron, "directed"))

	// Adding from the collection side displaces the previous single holder.
	d, err := cameron.RefDict(ctx, "directed")
	require.NoError(t, err)
	require.NoError(t, d.Append(ctx, alien))
	dir, err := alien.Ref(ctx, "director")
	require.NoError(t, err)
	assert.Equal(t, cameron.ID(), dir.ID())
	assert.Empty(t, refIDs(t, scott, "directed"))

	require.NoError(t, alien.RemoveAttributeValue(ctx, "director"))
	assert.Equal(t, []ident.UUID{aliens.ID()}, refIDs(t, cameron, "directed"))
	_, err = alien.GetAttributeValue(ctx, "director")
	assert.True(t, repoerr.IsNotFound(err))

	checkPaired(t, []*Item{alien, aliens}, []*Item{scott, cameron})
	require.NoError(t, v.Commit(ctx))
	checkPaired(t, []*Item{alien, aliens}, []*Item{scott, cameron})
}

func TestRefDict_Operations(t *testing.T) {
	ctx := context.Background()
	r := createTestRepo(t)
	k := defineMovies(t, r)
	v := openTestView(t, r, "main")
	m := newMovie(t, v, nil, k, "alien", "Alien", 1979)
	a := newPerson(t, v, nil, k, "a")
	b := newPerson(t, v, nil, k, "b")
	c := newPerson(t, v, nil, k, "c")

	d, err := m.RefDict(ctx, "actors")
	require.NoError(t, err)
	first, err := d.First(ctx)
	require.NoError(t, err)
	assert.Nil(t, first)

	require.NoError(t, d.Append(ctx, a, WithAlias("one")))
	require.NoError(t, d.Append(ctx, c))
	require.NoError(t, d.Insert(ctx, 1, b, WithAlias("two")))
	require.NoError(t, d.Append(ctx, a), "set semantics")
	assert.Equal(t, []ident.UUID{a.ID(), b.ID(), c.ID()}, refIDs(t, m, "actors"))

	n, err := d.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	err = d.Append(ctx, c, WithAlias("one"))
	assert.True(t, repoerr.IsNameCollision(err))

	next, err := d.Next(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, b.ID(), next.ID())
	prev, err := d.Previous(ctx, a)
	require.NoError(t, err)
	assert.Nil(t, prev)
	last, err := d.Last(ctx)
	require.NoError(t, err)
	assert.Equal(t, c.ID(), last.ID())
	at, err := d.At(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, b.ID(), at.ID())
	_, err = d.At(ctx, 3)
	assert.True(t, repoerr.IsNotFound(err))
	alias, err := d.Alias(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, "two", alias)

	require.NoError(t, d.Remove(ctx, "two"))
	require.NoError(t, d.Remove(ctx, c))
	assert.True(t, repoerr.IsNotFound(d.Remove(ctx, c)))
	assert.Equal(t, []ident.UUID{a.ID()}, refIDs(t, m, "actors"))
	assert.Empty(t, refIDs(t, b, "movies"))
	assert.Empty(t, refIDs(t, c, "movies"))

	ok, err := d.Contains(ctx, a)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, m.SetAttributeValue(ctx, "actors", []*Item{c, b}))
	assert.Equal(t, []ident.UUID{c.ID(), b.ID()}, refIDs(t, m, "actors"))
	assert.Empty(t, refIDs(t, a, "movies"))
	checkPaired(t, []*Item{m}, []*Item{a, b, c})
}

func TestSelfReference(t *testing.T) {
	ctx := context.Background()
	r := createTestRepo(t)
	k, err := r.DefineKind(ctx, schemaNode())
	require.NoError(t, err)
	v := openTestView(t, r, "main")
	n, err := v.NewItem(ctx, "n", nil, k)
	require.NoError(t, err)

	require.NoError(t, n.AddValue(ctx, "links", n))
	assert.Equal(t, []ident.UUID{n.ID()}, refIDs(t, n, "links"))
	assert.Equal(t, []ident.UUID{n.ID()}, refIDs(t, n, "linkedFrom"))
	require.NoError(t, v.Commit(ctx))
	require.NoError(t, n.RemoveValue(ctx, "links", n))
	assert.Empty(t, refIDs(t, n, "linkedFrom"))
}

func TestBidirectionalInvariant_RandomOperations(t *testing.T) {
	ctx := context.Background()
	r := createTestRepo(t)
	k := defineMovies(t, r)
	v := openTestView(t, r, "main")

	var movies, people []*Item
	for i := range 6 {
		movies = append(movies, newMovie(t, v, nil, k, fmt.Sprintf("m%d", i), fmt.Sprintf("M%d", i), 1980+i))
		people = append(people, newPerson(t, v, nil, k, fmt.Sprintf("p%d", i)))
	}
	require.NoError(t, v.Commit(ctx))

	rng := rand.New(rand.NewPCG(1, 2))
	for step := range 300 {
		m := movies[rng.IntN(len(movies))]
		p := people[rng.IntN(len(people))]
		switch rng.IntN(6) {
		case 0:
			require.NoError(t, m.AddValue(ctx, "actors", p))
		case 1:
			err := m.RemoveValue(ctx, "actors", p)
			require.True(t, err == nil || repoerr.IsNotFound(err), "step %d: %v", step, err)
		case 2:
			require.NoError(t, m.SetAttributeValue(ctx, "director", p))
		case 3:
			require.NoError(t, p.AddValue(ctx, "directed", m))
		case 4:
			require.NoError(t, m.RemoveAttributeValue(ctx, "director"))
		case 5:
			if rng.IntN(2) == 0 {
				require.NoError(t, v.Commit(ctx))
			} else {
				v.Cancel()
			}
		}
		checkPaired(t, movies, people)
	}
	require.NoError(t, v.Commit(ctx))

	fresh := openTestView(t, r, "fresh")
	var fm, fp []*Item
	for i := range movies {
		m, err := fresh.GetItem(ctx, movies[i].ID())
		require.NoError(t, err)
		p, err := fresh.GetItem(ctx, people[i].ID())
		require.NoError(t, err)
		fm, fp = append(fm, m), append(fp, p)
	}
	checkPaired(t, fm, fp)
}

func TestDelete_Cascades(t *testing.T) {
	ctx := context.Background()
	r := createTestRepo(t)
	k := defineMovies(t, r)
	v := openTestView(t, r, "main")

	folder, err := v.NewItem(ctx, "folder", nil, nil)
	require.NoError(t, err)
	m := newMovie(t, v, folder, k, "alien", "Alien", 1979)
	inner, err := v.NewItem(ctx, "inner", m, nil)
	require.NoError(t, err)
	p := newPerson(t, v, nil, k, "weaver")
	require.NoError(t, m.AddValue(ctx, "actors", p))
	require.NoError(t, m.SetAttributeValue(ctx, "director", p))
	note, err := v.NewItem(ctx, "note", nil, k.note)
	require.NoError(t, err)
	require.NoError(t, note.SetAttributeValue(ctx, "about", m))
	require.NoError(t, v.Commit(ctx))

	require.NoError(t, folder.Delete(ctx))
	assert.True(t, folder.IsDeleted())
	assert.True(t, m.IsDeleted())
	assert.True(t, inner.IsDeleted())
	assert.Empty(t, refIDs(t, p, "movies"))
	assert.Empty(t, refIDs(t, p, "directed"))
	require.NoError(t, v.Commit(ctx))

	other := openTestView(t, r, "other")
	_, err = other.FindPath(ctx, "//folder/alien")
	assert.True(t, repoerr.IsNotFound(err))
	_, err = other.GetItem(ctx, inner.ID())
	assert.True(t, repoerr.IsNotFound(err))
	roots, err := other.Roots(ctx)
	require.NoError(t, err)
	var names []string
	for _, it := range roots {
		names = append(names, it.Name())
	}
	assert.Equal(t, []string{"note", "weaver"}, names)

	// One-way references are left dangling and fail on dereference.
	n, err := other.GetItem(ctx, note.ID())
	require.NoError(t, err)
	_, err = n.GetAttributeValue(ctx, "about")
	assert.True(t, repoerr.IsReferenceIntegrity(err))

	err = m.SetAttributeValue(ctx, "year", 2000)
	assert.True(t, repoerr.IsReferenceIntegrity(err), "deleted items reject writes")
}

func TestMoveAndRename(t *testing.T) {
	ctx := context.Background()
	r := createTestRepo(t)
	v := openTestView(t, r, "main")
	a, err := v.NewItem(ctx, "a", nil, nil)
	require.NoError(t, err)
	b, err := v.NewItem(ctx, "b", a, nil)
	require.NoError(t, err)
	c, err := v.NewItem(ctx, "c", b, nil)
	require.NoError(t, err)
	x, err := v.NewItem(ctx, "c", nil, nil)
	require.NoError(t, err)
	require.NoError(t, v.Commit(ctx))

	assert.True(t, repoerr.IsReferenceIntegrity(a.Move(ctx, c)))
	assert.True(t, repoerr.IsReferenceIntegrity(a.Move(ctx, a)))
	assert.True(t, repoerr.IsNameCollision(x.Move(ctx, b)))

	assert.True(t, repoerr.IsNameCollision(c.Move(ctx, nil)), "x is a root named c")
	require.NoError(t, c.Rename(ctx, "d"))
	require.NoError(t, c.Move(ctx, nil))
	assert.True(t, repoerr.IsNameCollision(c.Rename(ctx, "a")))
	require.NoError(t, x.Move(ctx, b))
	require.NoError(t, v.Commit(ctx))

	other := openTestView(t, r, "other")
	got, err := other.FindPath(ctx, "//d")
	require.NoError(t, err)
	assert.Equal(t, c.ID(), got.ID())
	got, err = other.FindPath(ctx, "//a/b/c")
	require.NoError(t, err)
	assert.Equal(t, x.ID(), got.ID())
	parent, err := got.Parent(ctx)
	require.NoError(t, err)
	assert.Equal(t, b.ID(), parent.ID())
	children, err := parent.Children(ctx)
	require.NoError(t, err)
	require.Len(t, children, 1)
}

func TestCancel_RestoresState(t *testing.T) {
	ctx := context.Background()
	r := createTestRepo(t)
	k := defineMovies(t, r)
	v := openTestView(t, r, "main")
	m := newMovie(t, v, nil, k, "alien", "Alien", 1979)
	p := newPerson(t, v, nil, k, "weaver")
	require.NoError(t, v.Commit(ctx))

	require.NoError(t, m.SetAttributeValue(ctx, "year", 2001))
	require.NoError(t, m.AddValue(ctx, "actors", p))
	require.NoError(t, m.Rename(ctx, "renamed"))
	fresh, err := v.NewItem(ctx, "fresh", nil, nil)
	require.NoError(t, err)
	require.Len(t, v.DirtyItems(), 3)

	v.Cancel()
	assert.Empty(t, v.DirtyItems())
	assert.False(t, m.IsDirty())
	assert.Equal(t, "alien", m.Name())
	year, err := m.Int(ctx, "year")
	require.NoError(t, err)
	assert.Equal(t, int64(1979), year)
	assert.Empty(t, refIDs(t, m, "actors"))
	assert.Empty(t, refIDs(t, p, "movies"))
	_, err = v.GetItem(ctx, fresh.ID())
	assert.True(t, repoerr.IsNotFound(err))
}

func TestSelect_OverlaysViewChanges(t *testing.T) {
	ctx := context.Background()
	r := createTestRepo(t)
	k := defineMovies(t, r)
	v := openTestView(t, r, "main")
	alien := newMovie(t, v, nil, k, "alien", "Alien", 1979)
	heat := newMovie(t, v, nil, k, "heat", "Heat", 1995)
	p := newPerson(t, v, nil, k, "weaver")
	require.NoError(t, v.Commit(ctx))

	pred := queryir.Equals{Field: "year", Value: ir.IRInt(1979)}
	got, err := v.Select(ctx, nil, pred)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, alien.ID(), got[0].ID())

	require.NoError(t, heat.SetAttributeValue(ctx, "year", 1979))
	require.NoError(t, alien.Delete(ctx))
	neu := newMovie(t, v, nil, k, "new", "New", 1979)
	got, err = v.Select(ctx, nil, pred)
	require.NoError(t, err)
	var ids []ident.UUID
	for _, it := range got {
		ids = append(ids, it.ID())
	}
	assert.ElementsMatch(t, []ident.UUID{heat.ID(), neu.ID()}, ids)

	got, err = v.SelectExtent(ctx, k.person, false, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, p.ID(), got[0].ID())

	_, err = v.Select(ctx, nil, queryir.Equals{})
	assert.True(t, repoerr.IsSchemaViolation(err))
}

func TestCommit_RequiresRequiredAttributes(t *testing.T) {
	ctx := context.Background()
	r := createTestRepo(t)
	k := defineMovies(t, r)
	v := openTestView(t, r, "main")
	_, err := v.NewItem(ctx, "untitled", nil, k.movie)
	require.NoError(t, err)

	err = v.Commit(ctx)
	assert.True(t, repoerr.IsSchemaViolation(err))
	version, err := r.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), version)
}

func TestAspects(t *testing.T) {
	ctx := context.Background()
	r := createTestRepo(t)
	k, err := r.DefineKind(ctx, schemaNode())
	require.NoError(t, err)
	v := openTestView(t, r, "main")
	n, err := v.NewItem(ctx, "n", nil, k)
	require.NoError(t, err)
	assert.True(t, n.HasAspect("graph"))
	got, ok := n.Aspect("graph")
	require.True(t, ok)
	assert.Equal(t, ir.IRBool(true), got)

	free, err := v.NewItem(ctx, "free", nil, nil)
	require.NoError(t, err)
	assert.False(t, free.HasAspect("graph"))
}
