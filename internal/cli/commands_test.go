package cli

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kindstore/internal/repo"
)

const kindsDir = "../harness/testdata/kinds"

// decode unmarshals the data of a JSON envelope into out.
func decode(t *testing.T, stdout string, out any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp), stdout)
	require.Equal(t, "ok", resp.Status)
	require.NoError(t, json.Unmarshal(resp.Data, out))
}

// seedRepository creates a repository with the test kinds and two commits:
// Alien starring Ellen Ripley, then a retitle.
func seedRepository(t *testing.T, backend string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "movies")

	_, err := execute(t, "--repo", dir, "--backend", backend, "create")
	require.NoError(t, err)
	_, err = execute(t, "--repo", dir, "schema", kindsDir)
	require.NoError(t, err)

	ctx := context.Background()
	r, err := repo.Open(ctx, dir)
	require.NoError(t, err)
	defer r.Close()
	v, err := r.OpenView(ctx, "seed")
	require.NoError(t, err)

	movie, err := r.Kind("Movie")
	require.NoError(t, err)
	person, err := r.Kind("Person")
	require.NoError(t, err)

	alien, err := v.NewItem(ctx, "alien", nil, movie)
	require.NoError(t, err)
	require.NoError(t, alien.SetAttributeValue(ctx, "title", "Alien"))
	require.NoError(t, alien.SetAttributeValue(ctx, "year", 1979))
	ripley, err := v.NewItem(ctx, "ripley", nil, person)
	require.NoError(t, err)
	require.NoError(t, ripley.SetAttributeValue(ctx, "name", "Ellen Ripley"))
	require.NoError(t, alien.AddValue(ctx, "actors", ripley))
	require.NoError(t, v.Commit(ctx))

	require.NoError(t, alien.SetAttributeValue(ctx, "title", "Alien (director's cut)"))
	require.NoError(t, v.Commit(ctx))
	return dir
}

func TestCreateCommand(t *testing.T) {
	for _, backend := range []string{"sqlite", "badger"} {
		t.Run(backend, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "repo")
			out, err := execute(t, "--format", "json", "--backend", backend, "create", dir)
			require.NoError(t, err)

			var result CreateResult
			decode(t, out, &result)
			assert.Equal(t, CreateResult{Dir: dir, Backend: backend}, result)

			_, err = execute(t, "create", dir)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "already holds a repository")
			assert.Equal(t, ExitCommandError, GetExitCode(err))
		})
	}
}

func TestCreateCommand_NoDirectory(t *testing.T) {
	_, err := execute(t, "create")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSchemaCommand_Check(t *testing.T) {
	out, err := execute(t, "--format", "json", "schema", "--check", kindsDir)
	require.NoError(t, err)

	var result SchemaResult
	decode(t, out, &result)
	assert.False(t, result.Defined)
	assert.Equal(t, 1, result.Files)

	names := make([]string, len(result.Kinds))
	for i, k := range result.Kinds {
		names[i] = k.Name
	}
	assert.ElementsMatch(t, []string{"Counter", "Work", "Movie", "Person"}, names)
	assert.Less(t, indexOf(names, "Work"), indexOf(names, "Movie"))
}

func TestSchemaCommand_Define(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "repo")
	_, err := execute(t, "--repo", dir, "create")
	require.NoError(t, err)

	out, err := execute(t, "--repo", dir, "schema", kindsDir)
	require.NoError(t, err)
	assert.Contains(t, out, "4 kinds defined from 1 files")
	assert.Contains(t, out, "Movie : Work")

	// Identical definitions are accepted again.
	_, err = execute(t, "--repo", dir, "schema", kindsDir)
	require.NoError(t, err)
}

func TestSchemaCommand_Errors(t *testing.T) {
	_, err := execute(t, "schema", "--check", "/nonexistent/kinds")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kinds directory not found")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	bad := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bad, "kinds.cue"),
		[]byte("package kinds\n\nkind: Broken: attributes: x: float\n"), 0o644))
	_, err = execute(t, "schema", "--check", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema check failed")
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestInfoCommand(t *testing.T) {
	dir := seedRepository(t, "sqlite")

	out, err := execute(t, "--repo", dir, "--format", "json", "info")
	require.NoError(t, err)

	var result InfoResult
	decode(t, out, &result)
	assert.Equal(t, "sqlite", result.Backend)
	assert.Equal(t, int64(2), result.Version)
	assert.Equal(t, 2, result.Items)
	assert.Equal(t, 0, result.Untyped)
	counts := make(map[string]int)
	for _, k := range result.Kinds {
		counts[k.Name] = k.Items
	}
	assert.Equal(t, map[string]int{"Counter": 0, "Work": 0, "Movie": 1, "Person": 1}, counts)

	text, err := execute(t, "--repo", dir, "info")
	require.NoError(t, err)
	assert.Contains(t, text, "Version:    2")
}

func TestLogCommand(t *testing.T) {
	dir := seedRepository(t, "badger")

	out, err := execute(t, "--repo", dir, "--format", "json", "log")
	require.NoError(t, err)

	var entries []CommitEntry
	decode(t, out, &entries)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1), entries[0].Version)
	assert.Equal(t, int64(0), entries[0].Base)
	assert.Equal(t, "seed", entries[0].View)
	assert.Equal(t, 2, entries[0].Items)
	assert.Equal(t, int64(2), entries[1].Version)
	assert.NotEmpty(t, entries[1].Digest)

	out, err = execute(t, "--repo", dir, "--format", "json", "log", "--from", "2")
	require.NoError(t, err)
	decode(t, out, &entries)
	require.Len(t, entries, 1)

	_, err = execute(t, "--repo", dir, "log", "--from", "3", "--to", "2")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestGetCommand(t *testing.T) {
	dir := seedRepository(t, "sqlite")

	out, err := execute(t, "--repo", dir, "--format", "json", "get", "//alien")
	require.NoError(t, err)

	var item ItemResult
	decode(t, out, &item)
	assert.Equal(t, "alien", item.Name)
	assert.Equal(t, "//alien", item.Path)
	assert.Equal(t, "Movie", item.Kind)
	assert.Equal(t, int64(2), item.Version)
	assert.Equal(t, "Alien (director's cut)", item.Attributes["title"])
	assert.Equal(t, float64(1979), item.Attributes["year"])
	assert.Equal(t, []any{"//ripley"}, item.Attributes["actors"])
	assert.NotContains(t, item.Attributes, "director")

	// The same item by uuid, in text form.
	text, err := execute(t, "--repo", dir, "get", item.ID)
	require.NoError(t, err)
	assert.Contains(t, text, `title = "Alien (director's cut)"`)
	assert.Contains(t, text, `actors = ["//ripley"]`)

	out, err = execute(t, "--repo", dir, "--format", "json", "get", "//ripley")
	require.NoError(t, err)
	decode(t, out, &item)
	assert.Equal(t, []any{"//alien"}, item.Attributes["movies"])
}

func TestGetCommand_Errors(t *testing.T) {
	dir := seedRepository(t, "sqlite")

	_, err := execute(t, "--repo", dir, "get", "//heat")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no item //heat")
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "NOT_FOUND", ErrorCode(err))

	_, err = execute(t, "--repo", dir, "get", "not-a-uuid")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestHistoryCommand(t *testing.T) {
	dir := seedRepository(t, "badger")

	out, err := execute(t, "--repo", dir, "--format", "json", "history", "//alien", "title")
	require.NoError(t, err)

	var result HistoryResult
	decode(t, out, &result)
	require.Len(t, result.Entries, 2)
	assert.Equal(t, HistoryEntry{Version: 1, CommittedAt: result.Entries[0].CommittedAt, Change: "set", Value: "Alien"}, result.Entries[0])
	assert.Equal(t, "Alien (director's cut)", result.Entries[1].Value)

	out, err = execute(t, "--repo", dir, "--format", "json", "history", "//alien", "actors")
	require.NoError(t, err)
	decode(t, out, &result)
	require.Len(t, result.Entries, 1)
	assert.Equal(t, "refs", result.Entries[0].Change)

	text, err := execute(t, "--repo", dir, "history", "//alien", "director")
	require.NoError(t, err)
	assert.Contains(t, text, "No history for //alien.director")
}

func TestQueryKindCommand(t *testing.T) {
	dir := seedRepository(t, "sqlite")

	run := func(args ...string) QueryResult {
		t.Helper()
		out, err := execute(t, append([]string{"--repo", dir, "--format", "json", "query", "kind"}, args...)...)
		require.NoError(t, err)
		var result QueryResult
		decode(t, out, &result)
		return result
	}

	assert.Empty(t, run("Work").Hits)
	hits := run("Work", "--recursive").Hits
	require.Len(t, hits, 1)
	assert.Equal(t, QueryHit{ID: hits[0].ID, Path: "//alien", Kind: "Movie"}, hits[0])

	assert.Len(t, run("Movie", "Person").Hits, 2)
	assert.Len(t, run("Movie", "--where", "year=1979").Hits, 1)
	assert.Empty(t, run("Movie", "--where", `year="1979"`).Hits)
	assert.Empty(t, run("Movie", "--has", "director").Hits)
	assert.Len(t, run("Movie", "--has", "actors", "--where", "year=1979").Hits, 1)

	limited := run("Movie", "Person", "--limit", "1")
	assert.Len(t, limited.Hits, 1)
	assert.True(t, limited.Truncated)

	_, err := execute(t, "--repo", dir, "query", "kind", "Dinosaur")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, "--repo", dir, "query", "kind", "Movie", "--where", "year")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want attr=value")
}

func TestQueryTextCommand(t *testing.T) {
	dir := seedRepository(t, "badger")

	out, err := execute(t, "--repo", dir, "--format", "json", "query", "text", "RIPLEY")
	require.NoError(t, err)
	var result QueryResult
	decode(t, out, &result)
	require.Len(t, result.Hits, 1)
	assert.Equal(t, "//ripley", result.Hits[0].Path)
	assert.Equal(t, "name", result.Hits[0].Attribute)

	out, err = execute(t, "--repo", dir, "--format", "json", "query", "text", "the")
	require.NoError(t, err)
	decode(t, out, &result)
	assert.Empty(t, result.Hits)

	text, err := execute(t, "--repo", dir, "query", "text", "alien cut")
	require.NoError(t, err)
	assert.Contains(t, text, "//alien  Movie.title")
	assert.Contains(t, text, "1 hits")
}

func TestBackupCommand(t *testing.T) {
	dir := seedRepository(t, "sqlite")
	dst := filepath.Join(t.TempDir(), "backup")

	out, err := execute(t, "--repo", dir, "--format", "json", "backup", dst)
	require.NoError(t, err)
	var result BackupResult
	decode(t, out, &result)
	assert.Equal(t, int64(2), result.Version)

	out, err = execute(t, "--repo", dst, "--format", "json", "get", "//alien")
	require.NoError(t, err)
	var item ItemResult
	decode(t, out, &item)
	assert.Equal(t, "Alien (director's cut)", item.Attributes["title"])

	_, err = execute(t, "--repo", dir, "backup", dst)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not empty")

	_, err = execute(t, "--repo", dir, "backup", "--retain", "-1", filepath.Join(t.TempDir(), "b"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestCheckCommand(t *testing.T) {
	dir := seedRepository(t, "sqlite")

	out, err := execute(t, "--repo", dir, "--format", "json", "check")
	require.NoError(t, err)
	var result CheckResult
	decode(t, out, &result)
	assert.Equal(t, CheckResult{Version: 2, Commits: 2, Kinds: 4}, result)
}

func indexOf(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}
