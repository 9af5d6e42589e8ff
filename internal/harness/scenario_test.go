package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScenario writes body next to a copy-free kinds directory reference and
// returns the scenario path.
func writeScenario(t *testing.T, body string) string {
	t.Helper()
	kinds, err := filepath.Abs("testdata/kinds")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	content := "kinds: " + kinds + "\n" + body
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadScenario_Valid(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/two_view_conflict.yaml")
	require.NoError(t, err)

	assert.Equal(t, "two_view_conflict", s.Name)
	assert.Equal(t, filepath.Join("testdata", "kinds"), s.Kinds)
	require.Len(t, s.Steps, 8)
	assert.Equal(t, OpNew, s.Steps[0].Op)
	assert.Equal(t, map[string]any{"a": 1}, s.Steps[0].Values)
	assert.Equal(t, "other", s.Steps[2].View)
	assert.Equal(t, 3, s.Steps[5].Value)
	require.Len(t, s.Assertions, 3)
	assert.Equal(t, int64(3), s.Assertions[2].Version)
}

func TestLoadScenario_RejectsUnknownFields(t *testing.T) {
	path := writeScenario(t, `name: typo
description: "d"
steps:
  - op: commit
assertion:
  - type: version
`)
	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoadScenario_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		msg  string
	}{
		{
			name: "missing name",
			body: "description: d\nsteps: [{op: commit}]\nassertions: [{type: version}]\n",
			msg:  "name is required",
		},
		{
			name: "no steps",
			body: "name: n\ndescription: d\nassertions: [{type: version}]\n",
			msg:  "steps list is required",
		},
		{
			name: "unknown op",
			body: "name: n\ndescription: d\nsteps: [{op: explode}]\nassertions: [{type: version}]\n",
			msg:  `unknown op "explode"`,
		},
		{
			name: "set without attr",
			body: "name: n\ndescription: d\nsteps: [{op: set, path: //x, value: 1}]\nassertions: [{type: version}]\n",
			msg:  "attr is required for set",
		},
		{
			name: "move without target",
			body: "name: n\ndescription: d\nsteps: [{op: move, path: //x}]\nassertions: [{type: version}]\n",
			msg:  "to is required for move",
		},
		{
			name: "unknown error code",
			body: "name: n\ndescription: d\nsteps: [{op: commit, expect_error: BOOM}]\nassertions: [{type: version}]\n",
			msg:  `unknown error code "BOOM"`,
		},
		{
			name: "value without equals",
			body: "name: n\ndescription: d\nsteps: [{op: commit}]\nassertions: [{type: value, path: //x, attr: a}]\n",
			msg:  "equals is required",
		},
		{
			name: "unknown assertion",
			body: "name: n\ndescription: d\nsteps: [{op: commit}]\nassertions: [{type: vibes}]\n",
			msg:  `unknown assertion type "vibes"`,
		},
		{
			name: "unknown backend",
			body: "name: n\ndescription: d\nbackend: postgres\nsteps: [{op: commit}]\nassertions: [{type: version}]\n",
			msg:  `unknown backend "postgres"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadScenario(writeScenario(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestLoadScenario_MissingKindsDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	body := "name: n\ndescription: d\nkinds: nowhere\nsteps: [{op: commit}]\nassertions: [{type: version}]\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kinds directory not found")
}

func TestSplitPath(t *testing.T) {
	tests := []struct{ path, parent, name string }{
		{"//a", "", "a"},
		{"//a/b", "//a", "b"},
		{"//a/b/c", "//a/b", "c"},
	}
	for _, tt := range tests {
		parent, name := splitPath(tt.path)
		assert.Equal(t, tt.parent, parent, tt.path)
		assert.Equal(t, tt.name, name, tt.path)
	}
}
