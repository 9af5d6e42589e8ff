package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roach88/kindstore/internal/config"
	"github.com/roach88/kindstore/internal/repo"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigFile string

	// Config and Logger are resolved before a command runs. Tests may set
	// them directly.
	Config *config.Config
	Logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the kindstore CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "kindstore",
		Short: "kindstore - versioned object-graph repositories",
		Long: `Administer kindstore repositories: embedded, versioned stores of items
whose attributes are typed by kinds loaded from CUE files.

Settings come from flags, KINDSTORE_* environment variables and an optional
kindstore.yaml in the working directory or $HOME/.kindstore.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setup(cmd)
		},
	}

	pf := cmd.PersistentFlags()
	pf.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	pf.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	pf.StringVar(&opts.ConfigFile, "config", "", "config file (default ./kindstore.yaml or $HOME/.kindstore/kindstore.yaml)")
	pf.String("repo", "", "repository directory")
	pf.String("backend", repo.BackendSQLite, "storage backend for new repositories (sqlite|badger)")
	pf.Int("cache-size", repo.DefaultCacheSize, "attribute bodies cached per view")
	pf.String("policy", repo.LastCommitterWins{}.Name(), "conflict policy (last-committer-wins|other-view-wins|fail-on-conflict)")
	pf.String("view", "cli", "name recorded in commits made by this process")
	pf.String("log-level", "info", "log level (debug|info|warn|error)")

	cmd.AddCommand(NewCreateCommand(opts))
	cmd.AddCommand(NewSchemaCommand(opts))
	cmd.AddCommand(NewInfoCommand(opts))
	cmd.AddCommand(NewLogCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewQueryCommand(opts))
	cmd.AddCommand(NewBackupCommand(opts))
	cmd.AddCommand(NewCheckCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// Execute runs the kindstore CLI with the process arguments and returns the
// exit code. Errors a command did not already print are reported on stderr,
// or on stdout as a JSON envelope under --format json.
func Execute() int {
	cmd := NewRootCommand()
	err := cmd.Execute()
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || !exitErr.Reported {
		format, _ := cmd.PersistentFlags().GetString("format")
		f := &OutputFormatter{Format: format, Writer: cmd.ErrOrStderr()}
		if format == "json" {
			f.Writer = cmd.OutOrStdout()
		}
		_ = f.Report(err)
	}
	return GetExitCode(err)
}

// setup validates the global flags, loads the configuration and installs
// the logger.
func (o *RootOptions) setup(cmd *cobra.Command) error {
	if !isValidFormat(o.Format) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", o.Format, ValidFormats))
	}
	if o.Config == nil {
		v := viper.New()
		if err := config.BindFlags(v, cmd.Flags()); err != nil {
			return WrapExitError(ExitCommandError, "failed to bind flags", err)
		}
		cfg, err := config.Load(v, o.ConfigFile)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load config", err)
		}
		o.Config = cfg
	}
	if o.Logger == nil {
		level := o.Config.Level()
		if o.Verbose {
			level = slog.LevelDebug
		}
		handler := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})
		o.Logger = slog.New(handler)
		slog.SetDefault(o.Logger)
	}
	return nil
}

// settings returns the resolved configuration, loading it when a command
// runs without the root command.
func (o *RootOptions) settings(cmd *cobra.Command) (*config.Config, error) {
	if o.Config == nil || o.Logger == nil {
		if err := o.setup(cmd); err != nil {
			return nil, err
		}
	}
	return o.Config, nil
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// openRepository opens the configured repository.
func (o *RootOptions) openRepository(ctx context.Context, cmd *cobra.Command) (*repo.Repository, error) {
	cfg, err := o.settings(cmd)
	if err != nil {
		return nil, err
	}
	if err := cfg.RequireRepository(); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open repository", err)
	}
	ropts, err := cfg.Options(o.Logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open repository", err)
	}
	r, err := repo.Open(ctx, cfg.Repository, ropts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open repository", err)
	}
	o.Logger.Debug("repository opened", "dir", cfg.Repository, "backend", r.BackendName())
	return r, nil
}

// openView opens the configured repository and a view on it. The returned
// cleanup closes both.
func (o *RootOptions) openView(ctx context.Context, cmd *cobra.Command) (*repo.View, func(), error) {
	r, err := o.openRepository(ctx, cmd)
	if err != nil {
		return nil, nil, err
	}
	v, err := r.OpenView(ctx, o.Config.ViewName)
	if err != nil {
		o.closeRepository(r)
		return nil, nil, fmt.Errorf("open view: %w", err)
	}
	return v, func() { o.closeRepository(r) }, nil
}

func (o *RootOptions) closeRepository(r *repo.Repository) {
	if err := r.Close(); err != nil {
		o.Logger.Error("error closing repository", "error", err)
	}
}

// commandContext returns the command's context, or Background when the
// command runs outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
