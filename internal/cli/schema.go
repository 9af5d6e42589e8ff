package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/kindstore/internal/compiler"
	"github.com/roach88/kindstore/internal/schema"
)

// SchemaOptions holds flags for the schema command.
type SchemaOptions struct {
	*RootOptions
	Check bool // compile only, define nothing
}

// KindSummary describes one loaded kind.
type KindSummary struct {
	Name       string   `json:"name"`
	SuperKinds []string `json:"super_kinds,omitempty"`
	Attributes []string `json:"attributes"`
}

// SchemaResult is the output of the schema command.
type SchemaResult struct {
	Files   int           `json:"files"`
	Kinds   []KindSummary `json:"kinds"`
	Defined bool          `json:"defined"`
}

// NewSchemaCommand creates the schema command.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SchemaOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "schema <kinds-dir>",
		Short: "Load kinds from CUE files",
		Long: `Compile every kind declared under the top-level "kind" field of the CUE
package in kinds-dir and define them in the repository.

Super kinds are defined before their sub-kinds. Redefining a kind with an
identical definition is a no-op; a changed definition is rejected.

With --check the kinds are compiled and validated but nothing is written.
Super kinds and ref targets already defined in the repository are resolved
when a repository is configured.

Examples:
  kindstore --repo ./movies schema ./kinds
  kindstore schema ./kinds --check`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchema(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Check, "check", false, "compile and validate without defining kinds")

	return cmd
}

func runSchema(opts *SchemaOptions, dir string, cmd *cobra.Command) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return NewExitError(ExitCommandError, fmt.Sprintf("kinds directory not found: %s", dir))
	}
	cfg, err := opts.settings(cmd)
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)

	if opts.Check && cfg.Repository == "" {
		loaded, err := compiler.LoadDir(dir, nil)
		if err != nil {
			return WrapExitError(ExitFailure, "schema check failed", err)
		}
		return outputSchema(opts, cmd, SchemaResult{Files: loaded.FileCount, Kinds: summarize(loaded.Kinds)})
	}

	r, err := opts.openRepository(ctx, cmd)
	if err != nil {
		return err
	}
	defer opts.closeRepository(r)

	loaded, err := compiler.LoadDir(dir, r.Registry())
	if err != nil {
		return WrapExitError(ExitFailure, "schema check failed", err)
	}
	result := SchemaResult{Files: loaded.FileCount, Kinds: summarize(loaded.Kinds)}
	if !opts.Check {
		for _, def := range loaded.Kinds {
			if _, err := r.DefineKind(ctx, def); err != nil {
				return WrapExitError(ExitFailure, fmt.Sprintf("failed to define kind %s", def.Name), err)
			}
			opts.Logger.Debug("kind defined", "kind", def.Name)
		}
		result.Defined = true
	}
	return outputSchema(opts, cmd, result)
}

func summarize(defs []schema.Definition) []KindSummary {
	out := make([]KindSummary, len(defs))
	for i, def := range defs {
		attrs := make([]string, len(def.Attributes))
		for j, a := range def.Attributes {
			attrs[j] = a.Name
		}
		out[i] = KindSummary{Name: def.Name, SuperKinds: def.SuperKinds, Attributes: attrs}
	}
	return out
}

func outputSchema(opts *SchemaOptions, cmd *cobra.Command, result SchemaResult) error {
	return opts.formatter(cmd).Emit(result, func(w io.Writer) {
		for _, k := range result.Kinds {
			line := k.Name
			if len(k.SuperKinds) > 0 {
				line += " : " + strings.Join(k.SuperKinds, ", ")
			}
			fmt.Fprintf(w, "  %s (%d attributes)\n", line, len(k.Attributes))
		}
		verb := "checked"
		if result.Defined {
			verb = "defined"
		}
		fmt.Fprintf(w, "✓ %d kinds %s from %d files\n", len(result.Kinds), verb, result.Files)
	})
}
