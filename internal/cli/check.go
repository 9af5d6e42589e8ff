package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// CheckResult is the output of the check command.
type CheckResult struct {
	Version int64 `json:"version"`
	Commits int   `json:"commits"`
	Kinds   int   `json:"kinds"`
}

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify commit digests",
		Long: `Recompute the digest of every commit from its stored diffs and compare it
with the recorded one.

Exit codes:
  0 - Every digest matches
  1 - The repository is corrupt
  2 - Command error

Examples:
  kindstore --repo ./movies check`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(rootOpts, cmd)
		},
	}
}

func runCheck(opts *RootOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	r, err := opts.openRepository(ctx, cmd)
	if err != nil {
		return err
	}
	defer opts.closeRepository(r)

	if err := r.Verify(ctx); err != nil {
		return WrapExitError(ExitFailure, "repository check failed", err)
	}
	version, err := r.Version(ctx)
	if err != nil {
		return fmt.Errorf("check: %w", err)
	}
	commits, err := r.Backend().Commits(ctx, 1, version)
	if err != nil {
		return fmt.Errorf("check: %w", err)
	}

	result := CheckResult{Version: version, Commits: len(commits), Kinds: len(r.Registry().Kinds())}
	return opts.formatter(cmd).Emit(result, func(w io.Writer) {
		fmt.Fprintf(w, "✓ %d commits verified (version %d, %d kinds)\n", result.Commits, result.Version, result.Kinds)
	})
}
