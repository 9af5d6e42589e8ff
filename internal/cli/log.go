package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/kindstore/internal/store"
)

// LogOptions holds flags for the log command.
type LogOptions struct {
	*RootOptions
	From int64
	To   int64 // 0 means the latest version
}

// CommitEntry is one line of the commit log.
type CommitEntry struct {
	Version     int64  `json:"version"`
	Base        int64  `json:"base"`
	View        string `json:"view"`
	Items       int    `json:"items"`
	Diffs       int    `json:"diffs"`
	CommittedAt string `json:"committed_at"`
	Digest      string `json:"digest"`
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "log",
		Short: "List commits",
		Long: `List the commits in a version range, oldest first: the view that wrote
each, how many items and attribute diffs it carried, and its digest.

Examples:
  kindstore --repo ./movies log
  kindstore --repo ./movies log --from 10 --to 20`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLog(opts, cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.From, "from", 1, "first version")
	cmd.Flags().Int64Var(&opts.To, "to", 0, "last version (0 for latest)")

	return cmd
}

func runLog(opts *LogOptions, cmd *cobra.Command) error {
	if opts.To > 0 && opts.To < opts.From {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid range: --to %d is before --from %d", opts.To, opts.From))
	}
	ctx := commandContext(cmd)
	r, err := opts.openRepository(ctx, cmd)
	if err != nil {
		return err
	}
	defer opts.closeRepository(r)

	infos, err := r.Backend().Commits(ctx, opts.From, opts.To)
	if err != nil {
		return fmt.Errorf("log: %w", err)
	}
	entries := make([]CommitEntry, len(infos))
	for i, info := range infos {
		entries[i] = commitEntry(info)
	}

	return opts.formatter(cmd).Emit(entries, func(w io.Writer) {
		if len(entries) == 0 {
			fmt.Fprintln(w, "No commits.")
			return
		}
		for _, e := range entries {
			fmt.Fprintf(w, "%6d  %s  %-12s %4d items %5d diffs  %s\n",
				e.Version, e.CommittedAt, e.View, e.Items, e.Diffs, shortDigest(e.Digest))
		}
	})
}

func commitEntry(info store.CommitInfo) CommitEntry {
	return CommitEntry{
		Version:     info.Version,
		Base:        info.Base,
		View:        info.View,
		Items:       info.ItemCount,
		Diffs:       info.DiffCount,
		CommittedAt: info.CommittedAt.UTC().Format(time.RFC3339),
		Digest:      info.Digest,
	}
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
