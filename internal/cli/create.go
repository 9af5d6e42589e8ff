package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/kindstore/internal/repo"
)

// CreateResult is the output of the create command.
type CreateResult struct {
	Dir     string `json:"dir"`
	Backend string `json:"backend"`
}

// NewCreateCommand creates the create command.
func NewCreateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create [dir]",
		Short: "Create an empty repository",
		Long: `Create an empty repository in dir, or in the configured --repo directory.

The backend is chosen with --backend and recorded by the files it writes;
later commands detect it.

Examples:
  kindstore create ./movies
  kindstore create ./movies --backend badger
  kindstore --repo ./movies create`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(rootOpts, args, cmd)
		},
	}
}

func runCreate(opts *RootOptions, args []string, cmd *cobra.Command) error {
	cfg, err := opts.settings(cmd)
	if err != nil {
		return err
	}
	dir := cfg.Repository
	if len(args) == 1 {
		dir = args[0]
	}
	if dir == "" {
		return NewExitError(ExitCommandError, "no repository directory: pass [dir] or --repo")
	}

	ropts, err := cfg.Options(opts.Logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create repository", err)
	}
	r, err := repo.Create(commandContext(cmd), dir, ropts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create repository", err)
	}
	result := CreateResult{Dir: dir, Backend: r.BackendName()}
	if err := r.Close(); err != nil {
		return fmt.Errorf("close repository: %w", err)
	}

	return opts.formatter(cmd).Emit(result, func(w io.Writer) {
		fmt.Fprintf(w, "Created %s repository in %s\n", result.Backend, result.Dir)
	})
}
