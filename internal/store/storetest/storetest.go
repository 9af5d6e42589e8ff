// Package storetest holds the conformance suite every store.Backend must pass.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kindstore/internal/ident"
	"github.com/roach88/kindstore/internal/index"
	"github.com/roach88/kindstore/internal/ir"
	"github.com/roach88/kindstore/internal/queryir"
	"github.com/roach88/kindstore/internal/repoerr"
	"github.com/roach88/kindstore/internal/store"
)

// Opener returns a new, empty backend that is closed when the test ends.
type Opener func(t *testing.T) store.Backend

var (
	kindMovie = ident.Named(ident.Nil, "Movie")
	kindActor = ident.Named(ident.Nil, "Actor")
	epoch     = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
)

// Run executes the suite against backends produced by open.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, open Opener)
	}{
		{"EmptyStore", testEmptyStore},
		{"AppendAndLoad", testAppendAndLoad},
		{"ReadsAsOfVersion", testReadsAsOfVersion},
		{"RejectsStaleBase", testRejectsStaleBase},
		{"RejectsInvalidCommit", testRejectsInvalidCommit},
		{"DeletedItemsAreHidden", testDeletedItemsAreHidden},
		{"UnsetValues", testUnsetValues},
		{"ReferencePayloads", testReferencePayloads},
		{"Select", testSelect},
		{"ChangesAndHistory", testChangesAndHistory},
		{"CommitsAndVerify", testCommitsAndVerify},
		{"Kinds", testKinds},
		{"Compact", testCompact},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, open)
		})
	}
}

// builder assembles commits against one backend.
type builder struct {
	t       *testing.T
	b       store.Backend
	version int64
}

func newBuilder(t *testing.T, b store.Backend) *builder {
	return &builder{t: t, b: b}
}

func (bl *builder) commit(items []store.ItemRecord, diffs []store.Diff) store.CommitInfo {
	bl.t.Helper()
	c := store.Commit{
		Base:    bl.version,
		Version: bl.version + 1,
		View:    "test",
		At:      epoch.Add(time.Duration(bl.version) * time.Minute),
		Items:   items,
		Diffs:   diffs,
	}
	info, err := bl.b.Append(context.Background(), c)
	require.NoError(bl.t, err)
	bl.version = info.Version
	return info
}

func item(id, parent ident.UUID, name string, kind ident.UUID) store.ItemRecord {
	return store.ItemRecord{ID: id, Parent: parent, Name: name, Kind: kind}
}

func lit(id ident.UUID, attr string, v ir.IRValue) store.Diff {
	return store.Diff{Item: id, Attr: attr, Value: store.Value{Tag: store.TagLiteral, Literal: v}}
}

func testEmptyStore(t *testing.T, open Opener) {
	ctx := context.Background()
	b := open(t)

	v, err := b.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	_, err = b.LoadItem(ctx, ident.New(), 0)
	assert.ErrorIs(t, err, store.ErrNotFound)

	items, err := b.Items(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, items)

	require.NoError(t, b.Verify(ctx))
}

func testAppendAndLoad(t *testing.T, open Opener) {
	ctx := context.Background()
	b := open(t)
	bl := newBuilder(t, b)

	root, child := ident.New(), ident.New()
	info := bl.commit(
		[]store.ItemRecord{
			{ID: root, Name: "movies", Status: store.StatusContainer},
			item(child, root, "metropolis", kindMovie),
		},
		[]store.Diff{
			lit(child, "title", ir.IRString("Metropolis")),
			lit(child, "year", ir.IRInt(1927)),
		},
	)
	assert.Equal(t, int64(1), info.Version)
	assert.Equal(t, 2, info.ItemCount)
	assert.Equal(t, 2, info.DiffCount)
	assert.NotEmpty(t, info.Digest)

	v, err := b.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	rec, err := b.LoadItem(ctx, child, 0)
	require.NoError(t, err)
	assert.Equal(t, "metropolis", rec.Name)
	assert.Equal(t, root, rec.Parent)
	assert.Equal(t, kindMovie, rec.Kind)
	assert.Equal(t, int64(1), rec.Version)

	rootRec, err := b.LoadItem(ctx, root, 0)
	require.NoError(t, err)
	assert.True(t, rootRec.Parent.IsNil())
	assert.True(t, rootRec.Kind.IsNil())
	assert.Equal(t, store.StatusContainer, rootRec.Status)

	val, err := b.LoadValue(ctx, child, "title", 0)
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("Metropolis"), val.Literal)

	values, err := b.LoadValues(ctx, child, 0)
	require.NoError(t, err)
	assert.Len(t, values, 2)
	assert.Equal(t, ir.IRInt(1927), values["year"].Literal)

	found, err := b.FindChild(ctx, ident.Nil, "movies", 0)
	require.NoError(t, err)
	assert.Equal(t, root, found.ID)

	found, err = b.FindChild(ctx, root, "metropolis", 0)
	require.NoError(t, err)
	assert.Equal(t, child, found.ID)

	_, err = b.FindChild(ctx, root, "nosferatu", 0)
	assert.ErrorIs(t, err, store.ErrNotFound)

	children, err := b.Children(ctx, root, 0)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, child, children[0].ID)
}

func testReadsAsOfVersion(t *testing.T, open Opener) {
	ctx := context.Background()
	b := open(t)
	bl := newBuilder(t, b)

	id := ident.New()
	bl.commit([]store.ItemRecord{item(id, ident.Nil, "a", ident.Nil)}, []store.Diff{lit(id, "n", ir.IRInt(1))})
	bl.commit([]store.ItemRecord{item(id, ident.Nil, "b", ident.Nil)}, []store.Diff{lit(id, "n", ir.IRInt(2))})
	bl.commit([]store.ItemRecord{item(id, ident.Nil, "b", ident.Nil)}, []store.Diff{lit(id, "m", ir.IRInt(9))})

	for asOf, want := range map[int64]int64{1: 1, 2: 2, 3: 2, 0: 2} {
		v, err := b.LoadValue(ctx, id, "n", asOf)
		require.NoError(t, err)
		assert.Equal(t, ir.IRInt(want), v.Literal, "as of %d", asOf)
	}

	rec, err := b.LoadItem(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, "a", rec.Name)
	assert.Equal(t, int64(1), rec.Version)

	_, err = b.FindChild(ctx, ident.Nil, "b", 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = b.FindChild(ctx, ident.Nil, "a", 2)
	assert.ErrorIs(t, err, store.ErrNotFound)

	values, err := b.LoadValues(ctx, id, 2)
	require.NoError(t, err)
	assert.NotContains(t, values, "m")

	_, err = b.LoadValue(ctx, id, "m", 2)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testRejectsStaleBase(t *testing.T, open Opener) {
	ctx := context.Background()
	b := open(t)
	bl := newBuilder(t, b)

	id := ident.New()
	bl.commit([]store.ItemRecord{item(id, ident.Nil, "a", ident.Nil)}, nil)

	_, err := b.Append(ctx, store.Commit{
		Base:    0,
		Version: 1,
		View:    "other",
		At:      epoch,
		Items:   []store.ItemRecord{item(ident.New(), ident.Nil, "b", ident.Nil)},
	})
	assert.ErrorIs(t, err, store.ErrStaleBase)

	v, err := b.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	_, err = b.FindChild(ctx, ident.Nil, "b", 0)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testRejectsInvalidCommit(t *testing.T, open Opener) {
	ctx := context.Background()
	b := open(t)
	id := ident.New()

	_, err := b.Append(ctx, store.Commit{Base: 0, Version: 0, At: epoch})
	assert.Error(t, err)

	_, err = b.Append(ctx, store.Commit{
		Base: 0, Version: 1, At: epoch,
		Items: []store.ItemRecord{item(id, ident.Nil, "a", ident.Nil), item(id, ident.Nil, "a", ident.Nil)},
	})
	assert.Error(t, err)

	v, err := b.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func testDeletedItemsAreHidden(t *testing.T, open Opener) {
	ctx := context.Background()
	b := open(t)
	bl := newBuilder(t, b)

	a, keep := ident.New(), ident.New()
	bl.commit([]store.ItemRecord{
		item(a, ident.Nil, "a", kindMovie),
		item(keep, ident.Nil, "keep", kindMovie),
	}, nil)
	deleted := item(a, ident.Nil, "a", kindMovie)
	deleted.Status = store.StatusDeleted
	bl.commit([]store.ItemRecord{deleted}, nil)

	rec, err := b.LoadItem(ctx, a, 0)
	require.NoError(t, err)
	assert.True(t, rec.Deleted())

	_, err = b.FindChild(ctx, ident.Nil, "a", 0)
	assert.ErrorIs(t, err, store.ErrNotFound)

	items, err := b.Items(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, keep, items[0].ID)

	items, err = b.Items(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	ids, err := b.Select(ctx, queryir.Select{Kinds: []ident.UUID{kindMovie}})
	require.NoError(t, err)
	assert.Equal(t, []ident.UUID{keep}, ids)
}

func testUnsetValues(t *testing.T, open Opener) {
	ctx := context.Background()
	b := open(t)
	bl := newBuilder(t, b)

	id := ident.New()
	bl.commit([]store.ItemRecord{item(id, ident.Nil, "a", ident.Nil)}, []store.Diff{lit(id, "title", ir.IRString("x"))})
	bl.commit([]store.ItemRecord{item(id, ident.Nil, "a", ident.Nil)}, []store.Diff{{Item: id, Attr: "title", Value: store.Unset}})

	_, err := b.LoadValue(ctx, id, "title", 0)
	assert.ErrorIs(t, err, store.ErrNotFound)

	values, err := b.LoadValues(ctx, id, 0)
	require.NoError(t, err)
	assert.Empty(t, values)

	v, err := b.LoadValue(ctx, id, "title", 1)
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("x"), v.Literal)
}

func testReferencePayloads(t *testing.T, open Opener) {
	ctx := context.Background()
	b := open(t)
	bl := newBuilder(t, b)

	movie, a1, a2 := ident.New(), ident.New(), ident.New()
	spec := index.Spec{Name: "byName", Type: index.Value, Attributes: []string{"name"}, Locale: "en"}
	refs := store.Value{
		Tag:     store.TagRefs,
		Refs:    []store.RefEntry{{ID: a1, Alias: "lead"}, {ID: a2}},
		Indexes: []index.Spec{spec},
	}
	bl.commit(
		[]store.ItemRecord{
			item(movie, ident.Nil, "m", kindMovie),
			item(a1, ident.Nil, "a1", kindActor),
			item(a2, ident.Nil, "a2", kindActor),
		},
		[]store.Diff{
			{Item: movie, Attr: "actors", Value: refs},
			{Item: a1, Attr: "favorite", Value: store.Value{Tag: store.TagRef, Ref: movie}},
		},
	)

	got, err := b.LoadValue(ctx, movie, "actors", 0)
	require.NoError(t, err)
	assert.Equal(t, refs, got)

	fav, err := b.LoadValue(ctx, a1, "favorite", 0)
	require.NoError(t, err)
	assert.Equal(t, store.TagRef, fav.Tag)
	assert.Equal(t, movie, fav.Ref)
}

func testSelect(t *testing.T, open Opener) {
	ctx := context.Background()
	b := open(t)
	bl := newBuilder(t, b)

	m1, m2, actor, loose := ident.New(), ident.New(), ident.New(), ident.New()
	bl.commit(
		[]store.ItemRecord{
			item(m1, ident.Nil, "m1", kindMovie),
			item(m2, ident.Nil, "m2", kindMovie),
			item(actor, ident.Nil, "actor", kindActor),
			item(loose, ident.Nil, "loose", ident.Nil),
		},
		[]store.Diff{
			lit(m1, "year", ir.IRInt(1927)),
			lit(m2, "year", ir.IRInt(1931)),
			{Item: m1, Attr: "actors", Value: store.Value{Tag: store.TagRefs, Refs: []store.RefEntry{{ID: actor}}}},
			{Item: actor, Attr: "agent", Value: store.Value{Tag: store.TagRef, Ref: m2}},
		},
	)
	bl.commit([]store.ItemRecord{item(m2, ident.Nil, "m2", kindMovie)}, []store.Diff{lit(m2, "year", ir.IRInt(1927))})

	sorted := func(ids ...ident.UUID) []ident.UUID {
		out := append([]ident.UUID(nil), ids...)
		for i := range out {
			for j := i + 1; j < len(out); j++ {
				if out[j].Compare(out[i]) < 0 {
					out[i], out[j] = out[j], out[i]
				}
			}
		}
		return out
	}

	all := sorted(m1, m2, actor, loose)
	movies := sorted(m1, m2)

	tests := []struct {
		name string
		q    queryir.Select
		want []ident.UUID
	}{
		{"all items", queryir.Select{}, all},
		{"by kind", queryir.Select{Kinds: []ident.UUID{kindMovie}}, sorted(m1, m2)},
		{"two kinds", queryir.Select{Kinds: []ident.UUID{kindMovie, kindActor}}, sorted(m1, m2, actor)},
		{"equals latest", queryir.Select{Filter: queryir.Equals{Field: "year", Value: ir.IRInt(1927)}}, sorted(m1, m2)},
		{"equals as of 1", queryir.Select{AsOf: 1, Filter: queryir.Equals{Field: "year", Value: ir.IRInt(1927)}}, sorted(m1)},
		{"refers collection", queryir.Select{Filter: queryir.Refers{Field: "actors", Target: actor}}, sorted(m1)},
		{"refers single", queryir.Select{Filter: queryir.Refers{Field: "agent", Target: m2}}, sorted(actor)},
		{"has", queryir.Select{Filter: queryir.Has{Field: "actors"}}, sorted(m1)},
		{"or", queryir.Select{Filter: queryir.Or{Predicates: []queryir.Predicate{
			queryir.Has{Field: "agent"}, queryir.Has{Field: "actors"},
		}}}, sorted(m1, actor)},
		{"and none", queryir.Select{Kinds: []ident.UUID{kindActor}, Filter: queryir.Has{Field: "year"}}, []ident.UUID{}},
		{"first page", queryir.Select{Limit: 2}, all[:2]},
		{"next page", queryir.Select{After: all[1], Limit: 2}, all[2:]},
		{"past the end", queryir.Select{After: all[3]}, []ident.UUID{}},
		{"page of a kind", queryir.Select{Kinds: []ident.UUID{kindMovie}, After: movies[0]}, movies[1:]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := b.Select(ctx, tt.q)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func testChangesAndHistory(t *testing.T, open Opener) {
	ctx := context.Background()
	b := open(t)
	bl := newBuilder(t, b)

	x, y := ident.New(), ident.New()
	bl.commit([]store.ItemRecord{item(x, ident.Nil, "x", ident.Nil), item(y, ident.Nil, "y", ident.Nil)},
		[]store.Diff{lit(x, "a", ir.IRInt(1))})
	bl.commit([]store.ItemRecord{item(x, ident.Nil, "x", ident.Nil)},
		[]store.Diff{lit(x, "b", ir.IRInt(2)), lit(x, "a", ir.IRInt(3))})
	bl.commit([]store.ItemRecord{item(y, ident.Nil, "y2", ident.Nil)}, nil)

	changes, err := b.Changes(ctx, 1, 3)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	byItem := map[ident.UUID]store.Change{}
	for _, ch := range changes {
		byItem[ch.Item] = ch
	}
	assert.Equal(t, []string{"a", "b"}, byItem[x].Attrs)
	assert.Equal(t, int64(2), byItem[x].Version)
	assert.Empty(t, byItem[y].Attrs)
	assert.Equal(t, int64(3), byItem[y].Version)
	assert.True(t, changes[0].Item.Compare(changes[1].Item) < 0)

	changes, err = b.Changes(ctx, 2, 2)
	require.NoError(t, err)
	assert.Empty(t, changes)

	hist, err := b.History(ctx, x, "a")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, int64(1), hist[0].Version)
	assert.Equal(t, ir.IRInt(1), hist[0].Value.Literal)
	assert.Equal(t, int64(2), hist[1].Version)
	assert.Equal(t, ir.IRInt(3), hist[1].Value.Literal)
	assert.True(t, hist[1].CommittedAt.Equal(epoch.Add(time.Minute)))
}

func testCommitsAndVerify(t *testing.T, open Opener) {
	ctx := context.Background()
	b := open(t)
	bl := newBuilder(t, b)

	id := ident.New()
	first := bl.commit([]store.ItemRecord{item(id, ident.Nil, "a", kindMovie)}, []store.Diff{lit(id, "n", ir.IRInt(1))})
	second := bl.commit([]store.ItemRecord{item(id, ident.Nil, "a", kindMovie)}, []store.Diff{lit(id, "n", ir.IRInt(2))})
	assert.NotEqual(t, first.Digest, second.Digest)

	infos, err := b.Commits(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, first, infos[0])
	assert.Equal(t, second, infos[1])
	assert.True(t, infos[0].CommittedAt.Equal(epoch))

	c, err := b.CommitRecords(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Base)
	assert.Equal(t, "test", c.View)
	require.Len(t, c.Items, 1)
	require.Len(t, c.Diffs, 1)
	digest, err := store.Seal(c)
	require.NoError(t, err)
	assert.Equal(t, second.Digest, digest)

	_, err = b.CommitRecords(ctx, 9)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, b.Verify(ctx))
	assert.False(t, repoerr.IsRepositoryCorruption(b.Verify(ctx)))
}

func testKinds(t *testing.T, open Opener) {
	ctx := context.Background()
	b := open(t)

	media := store.KindRecord{ID: ident.New(), Name: "Media", Definition: ir.IRObject{"name": ir.IRString("Media")}, Version: 0}
	movie := store.KindRecord{ID: ident.New(), Name: "Movie", Definition: ir.IRObject{
		"name":       ir.IRString("Movie"),
		"superKinds": ir.IRArray{ir.IRString("Media")},
	}, Version: 0}
	require.NoError(t, b.SaveKind(ctx, media))
	require.NoError(t, b.SaveKind(ctx, movie))
	require.NoError(t, b.SaveKind(ctx, media))

	kinds, err := b.LoadKinds(ctx)
	require.NoError(t, err)
	require.Len(t, kinds, 2)
	assert.Equal(t, media, kinds[0])
	assert.Equal(t, movie, kinds[1])
}

func testCompact(t *testing.T, open Opener) {
	ctx := context.Background()
	src := open(t)
	bl := newBuilder(t, src)

	keep, gone, late, still := ident.New(), ident.New(), ident.New(), ident.New()
	bl.commit([]store.ItemRecord{item(keep, ident.Nil, "keep", kindMovie), item(gone, ident.Nil, "gone", kindMovie), item(still, ident.Nil, "still", kindMovie)},
		[]store.Diff{lit(keep, "n", ir.IRInt(1)), lit(gone, "n", ir.IRInt(1)), lit(still, "n", ir.IRInt(9))})
	bl.commit([]store.ItemRecord{item(keep, ident.Nil, "keep", kindMovie)}, []store.Diff{lit(keep, "n", ir.IRInt(2))})
	deleted := item(gone, ident.Nil, "gone", kindMovie)
	deleted.Status = store.StatusDeleted
	bl.commit([]store.ItemRecord{deleted}, nil)
	bl.commit([]store.ItemRecord{item(late, ident.Nil, "late", kindActor)}, []store.Diff{lit(late, "n", ir.IRInt(7))})
	bl.commit([]store.ItemRecord{item(keep, ident.Nil, "keep", kindMovie)}, []store.Diff{lit(keep, "n", ir.IRInt(3))})
	require.NoError(t, src.SaveKind(ctx, store.KindRecord{ID: kindMovie, Name: "Movie", Definition: ir.IRObject{}}))

	dst := open(t)
	require.NoError(t, store.Compact(ctx, src, dst, 2))

	v, err := dst.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)

	infos, err := dst.Commits(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{infos[0].Version, infos[1].Version, infos[2].Version})

	for _, id := range []ident.UUID{keep, late, still} {
		want, err := src.LoadValues(ctx, id, 0)
		require.NoError(t, err)
		got, err := dst.LoadValues(ctx, id, 0)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err = dst.LoadItem(ctx, gone, 0)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// unchanged since version 1, the item now carries the baseline version
	rec, err := dst.LoadItem(ctx, still, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.Version)
	rec, err = dst.LoadItem(ctx, keep, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), rec.Version)

	srcInfos, err := src.Commits(ctx, 4, 5)
	require.NoError(t, err)
	assert.Equal(t, srcInfos[0].Digest, infos[1].Digest)
	assert.Equal(t, srcInfos[1].Digest, infos[2].Digest)

	kinds, err := dst.LoadKinds(ctx)
	require.NoError(t, err)
	assert.Len(t, kinds, 1)
	require.NoError(t, dst.Verify(ctx))

	require.Error(t, store.Compact(ctx, src, dst, 1))
}
