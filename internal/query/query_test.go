package query

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kindstore/internal/ir"
	"github.com/roach88/kindstore/internal/queryir"
	"github.com/roach88/kindstore/internal/repo"
	"github.com/roach88/kindstore/internal/schema"
)

func createTestRepo(t *testing.T) *repo.Repository {
	t.Helper()
	r, err := repo.Create(context.Background(), t.TempDir(),
		repo.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func openTestView(t *testing.T, r *repo.Repository, name string) *repo.View {
	t.Helper()
	v, err := r.OpenView(context.Background(), name)
	require.NoError(t, err)
	t.Cleanup(v.Close)
	return v
}

// defineChain registers A, B extends A, and C extends B.
func defineChain(t *testing.T, r *repo.Repository) (a, b, c *schema.Kind) {
	t.Helper()
	ctx := context.Background()
	var err error
	a, err = r.DefineKind(ctx, schema.Definition{
		Name: "A",
		Attributes: []schema.Attribute{
			{Name: "n", Type: schema.TypeInt},
			{Name: "body", Type: schema.TypeString, TextIndexed: true},
		},
	})
	require.NoError(t, err)
	b, err = r.DefineKind(ctx, schema.Definition{Name: "B", SuperKinds: []string{"A"}})
	require.NoError(t, err)
	c, err = r.DefineKind(ctx, schema.Definition{
		Name:       "C",
		SuperKinds: []string{"B"},
		Attributes: []schema.Attribute{{Name: "title", Type: schema.TypeString, TextIndexed: true}},
	})
	require.NoError(t, err)
	return a, b, c
}

func newItem(t *testing.T, v *repo.View, name string, k *schema.Kind, attrs map[string]any) *repo.Item {
	t.Helper()
	ctx := context.Background()
	it, err := v.NewItem(ctx, name, nil, k)
	require.NoError(t, err)
	for a, val := range attrs {
		require.NoError(t, it.SetAttributeValue(ctx, a, val))
	}
	return it
}

func names(t *testing.T, seq func(func(*repo.Item, error) bool)) []string {
	t.Helper()
	var out []string
	for it, err := range seq {
		require.NoError(t, err)
		out = append(out, it.Name())
	}
	return out
}

func TestKindQuery_Recursive(t *testing.T) {
	ctx := context.Background()
	r := createTestRepo(t)
	a, b, c := defineChain(t, r)
	v := openTestView(t, r, "main")
	newItem(t, v, "a1", a, nil)
	newItem(t, v, "b1", b, nil)
	newItem(t, v, "c1", c, nil)
	require.NoError(t, v.Commit(ctx))

	assert.ElementsMatch(t, []string{"a1", "b1", "c1"}, names(t, KindQuery{Recursive: true}.Run(ctx, v, a)))
	assert.ElementsMatch(t, []string{"a1"}, names(t, KindQuery{}.Run(ctx, v, a)))
	assert.ElementsMatch(t, []string{"b1", "c1"}, names(t, KindQuery{Recursive: true}.Run(ctx, v, b)))
	assert.ElementsMatch(t, []string{"c1"}, names(t, KindQuery{Recursive: true}.Run(ctx, v, c)))

	// Overlapping extents yield each item once.
	assert.ElementsMatch(t, []string{"a1", "b1", "c1"}, names(t, KindQuery{Recursive: true}.Run(ctx, v, b, a, c)))
}

func TestKindQuery_SeesViewChanges(t *testing.T) {
	ctx := context.Background()
	r := createTestRepo(t)
	a, b, _ := defineChain(t, r)
	v := openTestView(t, r, "main")
	old := newItem(t, v, "old", a, map[string]any{"n": 1})
	newItem(t, v, "kept", b, map[string]any{"n": 2})
	require.NoError(t, v.Commit(ctx))

	require.NoError(t, old.Delete(ctx))
	newItem(t, v, "fresh", b, map[string]any{"n": 2})
	assert.ElementsMatch(t, []string{"kept", "fresh"}, names(t, KindQuery{Recursive: true}.Run(ctx, v, a)))

	q := KindQuery{Recursive: true, Where: queryir.Equals{Field: "n", Value: ir.IRInt(2)}}
	assert.ElementsMatch(t, []string{"kept", "fresh"}, names(t, q.Run(ctx, v, a)))

	other := openTestView(t, r, "other")
	assert.ElementsMatch(t, []string{"old", "kept"}, names(t, KindQuery{Recursive: true}.Run(ctx, other, a)))
}

func TestKindQuery_StopsEarly(t *testing.T) {
	ctx := context.Background()
	r := createTestRepo(t)
	a, _, _ := defineChain(t, r)
	v := openTestView(t, r, "main")
	for _, n := range []string{"x", "y", "z"} {
		newItem(t, v, n, a, nil)
	}
	count := 0
	for _, err := range (KindQuery{}).Run(ctx, v, a) {
		require.NoError(t, err)
		count++
		if count == 2 {
			break
		}
	}
	assert.Equal(t, 2, count)
}

func TestFilterQuery(t *testing.T) {
	ctx := context.Background()
	r := createTestRepo(t)
	a, _, _ := defineChain(t, r)
	v := openTestView(t, r, "main")
	for i, n := range []string{"one", "two", "three", "four"} {
		newItem(t, v, n, a, map[string]any{"n": i + 1})
	}
	source := KindQuery{}.Run(ctx, v, a)

	even := FilterQuery{Func: func(it *repo.Item) (bool, error) {
		n, err := it.Int(ctx, "n")
		return n%2 == 0, err
	}}
	assert.ElementsMatch(t, []string{"two", "four"}, names(t, even.Run(ctx, source)))

	both := FilterQuery{Func: even.Func, Where: queryir.Equals{Field: "n", Value: ir.IRInt(4)}}
	assert.Equal(t, []string{"four"}, names(t, both.Run(ctx, source)))

	bad := FilterQuery{Where: queryir.Has{}}
	var errs int
	for _, err := range bad.Run(ctx, source) {
		assert.Error(t, err)
		errs++
	}
	assert.Equal(t, 1, errs)
}

func TestTerms(t *testing.T) {
	assert.Equal(t, []string{"quick", "brown", "fox"}, Terms("The quick, brown fox and the FOX"))
	assert.Empty(t, Terms("the of and"))
	assert.Empty(t, Terms(""))
}

func hits(t *testing.T, seq func(func(Hit, error) bool)) []string {
	t.Helper()
	var out []string
	for h, err := range seq {
		require.NoError(t, err)
		out = append(out, h.Item.Name()+"."+h.Attribute)
	}
	return out
}

func textFixture(t *testing.T) (*repo.Repository, *repo.View) {
	t.Helper()
	ctx := context.Background()
	r := createTestRepo(t)
	a, _, c := defineChain(t, r)
	v := openTestView(t, r, "main")
	newItem(t, v, "alien", c, map[string]any{"title": "Alien", "body": "In space no one can hear you scream"})
	newItem(t, v, "aliens", c, map[string]any{"title": "Aliens", "body": "This time it's war"})
	newItem(t, v, "notes", a, map[string]any{"body": "Scream queens of the eighties"})
	require.NoError(t, v.Commit(ctx))
	return r, v
}

func TestTextQuery_Scan(t *testing.T) {
	ctx := context.Background()
	_, v := textFixture(t)

	assert.ElementsMatch(t, []string{"alien.title", "aliens.title"}, hits(t, TextQuery{Expr: "ALIEN"}.Run(ctx, v)))
	assert.ElementsMatch(t, []string{"alien.body", "notes.body"}, hits(t, TextQuery{Expr: "scream"}.Run(ctx, v)))
	assert.ElementsMatch(t, []string{"alien.body"}, hits(t, TextQuery{Expr: "the space scream"}.Run(ctx, v)))
	assert.Empty(t, hits(t, TextQuery{Expr: "the"}.Run(ctx, v)))
	assert.Empty(t, hits(t, TextQuery{Expr: "predator"}.Run(ctx, v)))
}

func TestTextIndex_FollowsCommits(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r, v := textFixture(t)

	idx := NewTextIndex(r)
	done := make(chan error, 1)
	go func() { done <- idx.Run(ctx) }()
	require.NoError(t, idx.WaitFor(ctx, v.Version()))
	assert.Greater(t, idx.TermCount(), 0)

	reader := openTestView(t, r, "reader")
	assert.ElementsMatch(t, []string{"alien.body", "notes.body"},
		hits(t, TextQuery{Expr: "scream"}.RunIndexed(ctx, reader, idx)))

	// A committed edit reaches the index through the notice queue.
	notes, err := v.FindPath(ctx, "//notes")
	require.NoError(t, err)
	require.NoError(t, notes.SetAttributeValue(ctx, "body", "Quiet evenings"))
	require.NoError(t, v.Commit(ctx))
	assert.Eventually(t, func() bool { return idx.Version() == v.Version() }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, reader.Refresh(ctx))
	assert.ElementsMatch(t, []string{"alien.body"}, hits(t, TextQuery{Expr: "scream"}.RunIndexed(ctx, reader, idx)))
	assert.ElementsMatch(t, []string{"notes.body"}, hits(t, TextQuery{Expr: "quiet"}.RunIndexed(ctx, reader, idx)))

	// Uncommitted edits in the reading view are checked directly.
	local, err := reader.FindPath(ctx, "//aliens")
	require.NoError(t, err)
	require.NoError(t, local.SetAttributeValue(ctx, "body", "A quiet colony"))
	assert.ElementsMatch(t, []string{"notes.body", "aliens.body"},
		hits(t, TextQuery{Expr: "quiet"}.RunIndexed(ctx, reader, idx)))

	idx.Stop()
	require.NoError(t, <-done)
}

func TestTextIndex_DropsDeletedItems(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r, v := textFixture(t)
	idx := NewTextIndex(r)
	done := make(chan error, 1)
	go func() { done <- idx.Run(ctx) }()
	require.NoError(t, idx.WaitFor(ctx, v.Version()))
	before := idx.TermCount()

	alien, err := v.FindPath(ctx, "//alien")
	require.NoError(t, err)
	require.NoError(t, alien.Delete(ctx))
	require.NoError(t, v.Commit(ctx))
	require.NoError(t, idx.WaitFor(ctx, v.Version()))

	assert.Less(t, idx.TermCount(), before)
	reader := openTestView(t, r, "reader")
	assert.Empty(t, hits(t, TextQuery{Expr: "space"}.RunIndexed(ctx, reader, idx)))
	idx.Stop()
	require.NoError(t, <-done)
}

func TestTextQuery_ScanAndIndexAgree(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r, v := textFixture(t)
	c, err := r.Kind("C")
	require.NoError(t, err)
	newItem(t, v, "lost", c, map[string]any{"title": "Lost between worlds"})
	require.NoError(t, v.Commit(ctx))

	idx := NewTextIndex(r)
	done := make(chan error, 1)
	go func() { done <- idx.Run(ctx) }()
	require.NoError(t, idx.WaitFor(ctx, v.Version()))

	reader := openTestView(t, r, "reader")
	for _, expr := range []string{"twee", "eam", "ALIEN", "noone", "it s", "spacescream"} {
		scan := hits(t, TextQuery{Expr: expr}.Run(ctx, reader))
		indexed := hits(t, TextQuery{Expr: expr}.RunIndexed(ctx, reader, idx))
		assert.ElementsMatch(t, scan, indexed, expr)
	}
	assert.ElementsMatch(t, []string{"lost.title"}, hits(t, TextQuery{Expr: "twee"}.RunIndexed(ctx, reader, idx)))
	assert.Empty(t, hits(t, TextQuery{Expr: "noone"}.Run(ctx, reader)))

	idx.Stop()
	require.NoError(t, <-done)
}

func TestWords(t *testing.T) {
	assert.Equal(t, []string{"the", "quick", "fox"}, Words("The quick FOX, the fox"))
	assert.Empty(t, Words(" -- "))
}

func TestTextIndex_WaitForHonorsContext(t *testing.T) {
	r := createTestRepo(t)
	idx := NewTextIndex(r)
	defer idx.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, idx.WaitFor(ctx, 1), context.DeadlineExceeded)
}
