package cli

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args, isolated from any kindstore.yaml
// in the user's home directory, and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	cmd := NewRootCommand()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "kindstore", cmd.Use)
	assert.Contains(t, cmd.Long, "KINDSTORE_")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"create"}, {"schema"}, {"info"}, {"log"}, {"get"}, {"history"},
		{"query", "kind"}, {"query", "text"}, {"backup"}, {"check"}, {"test"},
	}

	for _, path := range commands {
		name := path[len(path)-1]
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "Command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, name, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	for _, name := range []string{"config", "repo", "backend", "cache-size", "policy", "view", "log-level"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
	assert.Equal(t, "sqlite", cmd.PersistentFlags().Lookup("backend").DefValue)
	assert.Equal(t, "last-committer-wins", cmd.PersistentFlags().Lookup("policy").DefValue)
}

func TestCommandFlags(t *testing.T) {
	tests := []struct {
		path []string
		flag string
		def  string
	}{
		{[]string{"schema"}, "check", "false"},
		{[]string{"log"}, "from", "1"},
		{[]string{"log"}, "to", "0"},
		{[]string{"query", "kind"}, "recursive", "false"},
		{[]string{"query", "kind"}, "where", "[]"},
		{[]string{"query", "text"}, "limit", "0"},
		{[]string{"backup"}, "retain", "0"},
		{[]string{"test"}, "update", "false"},
		{[]string{"test"}, "filter", ""},
	}
	cmd := NewRootCommand()
	for _, tt := range tests {
		sub, _, err := cmd.Find(tt.path)
		require.NoError(t, err)
		f := sub.Flags().Lookup(tt.flag)
		require.NotNil(t, f, "%v --%s", tt.path, tt.flag)
		assert.Equal(t, tt.def, f.DefValue, "%v --%s", tt.path, tt.flag)
	}
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "--format", "xml", "info")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid format "xml"`)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestInvalidConfig(t *testing.T) {
	_, err := execute(t, "--backend", "postgres", "info")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestMissingRepository(t *testing.T) {
	_, err := execute(t, "info")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no repository")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
