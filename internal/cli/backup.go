package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// BackupOptions holds flags for the backup command.
type BackupOptions struct {
	*RootOptions
	Retain int64
}

// BackupResult is the output of the backup command.
type BackupResult struct {
	Source  string `json:"source"`
	Dir     string `json:"dir"`
	Version int64  `json:"version"`
	Retain  int64  `json:"retain"`
}

// NewBackupCommand creates the backup command.
func NewBackupCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BackupOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "backup <dir>",
		Short: "Write a compacted copy of the repository",
		Long: `Copy the repository into a new repository at dir, using the same backend.

The newest --retain versions are copied verbatim. Older versions collapse
into one baseline commit holding the latest value of every item live at
that point; items deleted by then are dropped.

Examples:
  kindstore --repo ./movies backup ./movies-backup
  kindstore --repo ./movies backup ./movies-backup --retain 100`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackup(opts, args[0], cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.Retain, "retain", 0, "number of newest versions to keep verbatim")

	return cmd
}

func runBackup(opts *BackupOptions, dir string, cmd *cobra.Command) error {
	if opts.Retain < 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid --retain %d", opts.Retain))
	}
	if entries, err := os.ReadDir(dir); err == nil && len(entries) > 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("backup directory is not empty: %s", dir))
	}

	ctx := commandContext(cmd)
	r, err := opts.openRepository(ctx, cmd)
	if err != nil {
		return err
	}
	defer opts.closeRepository(r)

	version, err := r.Version(ctx)
	if err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	if err := r.Backup(ctx, dir, opts.Retain); err != nil {
		return WrapExitError(ExitFailure, "backup failed", err)
	}

	result := BackupResult{Source: r.Dir(), Dir: dir, Version: version, Retain: opts.Retain}
	return opts.formatter(cmd).Emit(result, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Backed up %s at version %d to %s\n", result.Source, result.Version, result.Dir)
	})
}
