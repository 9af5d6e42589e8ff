package badgerstore

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kindstore/internal/ident"
	"github.com/roach88/kindstore/internal/ir"
	"github.com/roach88/kindstore/internal/store"
	"github.com/roach88/kindstore/internal/store/storetest"
)

func TestBadgerConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		s, err := Open(InMemoryConfig())
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestOpen_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	cfg := DefaultConfig(t.TempDir())
	cfg.Logger = slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))

	s, err := Open(cfg)
	require.NoError(t, err)

	id := ident.New()
	at := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	_, err = s.Append(ctx, store.Commit{
		Base: 0, Version: 1, View: "main", At: at,
		Items: []store.ItemRecord{{ID: id, Name: "greeting"}},
		Diffs: []store.Diff{{Item: id, Attr: "text", Value: store.Value{Tag: store.TagLiteral, Literal: ir.IRString("hello")}}},
	})
	require.NoError(t, err)
	require.NoError(t, s.SaveKind(ctx, store.KindRecord{ID: ident.New(), Name: "Note", Definition: ir.IRObject{}, Version: 1}))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "second close is a no-op")

	s, err = Open(cfg)
	require.NoError(t, err)
	defer s.Close()

	v, err := s.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	rec, err := s.FindChild(ctx, ident.Nil, "greeting", 0)
	require.NoError(t, err)
	assert.Equal(t, id, rec.ID)

	val, err := s.LoadValue(ctx, id, "text", 0)
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("hello"), val.Literal)

	kinds, err := s.LoadKinds(ctx)
	require.NoError(t, err)
	require.Len(t, kinds, 1)
	assert.Equal(t, "Note", kinds[0].Name)

	require.NoError(t, s.Verify(ctx))
}

func TestKeys_DiffKeySplit(t *testing.T) {
	id := ident.New()
	key := diffKey(id, "title", 42)
	attr, version, err := splitDiffKey(key, len(diffItemPrefix(id)))
	require.NoError(t, err)
	assert.Equal(t, "title", attr)
	assert.Equal(t, int64(42), version)

	_, _, err = splitDiffKey(diffItemPrefix(id), len(diffItemPrefix(id)))
	assert.Error(t, err)
}

func TestKeys_AttributePrefixesDoNotOverlap(t *testing.T) {
	id := ident.New()
	assert.False(t, bytes.HasPrefix(diffKey(id, "ab", 1), diffPrefix(id, "a")))
}

func TestItemCodec(t *testing.T) {
	rec := store.ItemRecord{
		ID:      ident.New(),
		Version: 7,
		Status:  store.StatusContainer | store.StatusDeleted,
		Parent:  ident.New(),
		Name:    "folder",
		Kind:    ident.New(),
	}
	got, err := decodeItem(rec.ID, 7, encodeItem(rec))
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	_, err = decodeItem(rec.ID, 7, []byte{1, 2})
	assert.Error(t, err)
}
