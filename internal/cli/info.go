package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/kindstore/internal/ident"
)

// KindInfo reports one defined kind and its live items.
type KindInfo struct {
	Name       string   `json:"name"`
	SuperKinds []string `json:"super_kinds,omitempty"`
	Items      int      `json:"items"`
}

// InfoResult is the output of the info command.
type InfoResult struct {
	Dir      string     `json:"dir"`
	Backend  string     `json:"backend"`
	Version  int64      `json:"version"`
	Items    int        `json:"items"`
	Untyped  int        `json:"untyped"`
	Kinds    []KindInfo `json:"kinds"`
	Policy   string     `json:"policy"`
	ViewName string     `json:"view"`
}

// NewInfoCommand creates the info command.
func NewInfoCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Summarize a repository",
		Long: `Show the repository's backend, latest version, defined kinds and the
number of live items of each kind.

Examples:
  kindstore --repo ./movies info
  kindstore --repo ./movies info --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo(rootOpts, cmd)
		},
	}
}

func runInfo(opts *RootOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	r, err := opts.openRepository(ctx, cmd)
	if err != nil {
		return err
	}
	defer opts.closeRepository(r)

	version, err := r.Version(ctx)
	if err != nil {
		return fmt.Errorf("info: %w", err)
	}
	records, err := r.Backend().Items(ctx, version)
	if err != nil {
		return fmt.Errorf("info: %w", err)
	}

	result := InfoResult{
		Dir:      r.Dir(),
		Backend:  r.BackendName(),
		Version:  version,
		Policy:   r.Policy().Name(),
		ViewName: opts.Config.ViewName,
	}
	perKind := make(map[ident.UUID]int)
	for _, rec := range records {
		result.Items++
		if rec.Kind.IsNil() {
			result.Untyped++
			continue
		}
		perKind[rec.Kind]++
	}
	for _, k := range r.Registry().Kinds() {
		info := KindInfo{Name: k.Name(), Items: perKind[k.ID()]}
		for _, s := range k.SuperKinds() {
			info.SuperKinds = append(info.SuperKinds, s.Name())
		}
		result.Kinds = append(result.Kinds, info)
	}

	return opts.formatter(cmd).Emit(result, func(w io.Writer) {
		fmt.Fprintf(w, "Repository: %s (%s)\n", result.Dir, result.Backend)
		fmt.Fprintf(w, "Version:    %d\n", result.Version)
		fmt.Fprintf(w, "Items:      %d live, %d without kind\n", result.Items, result.Untyped)
		fmt.Fprintf(w, "Kinds:      %d\n", len(result.Kinds))
		for _, k := range result.Kinds {
			name := k.Name
			if len(k.SuperKinds) > 0 {
				name += " : " + strings.Join(k.SuperKinds, ", ")
			}
			fmt.Fprintf(w, "  %-30s %d\n", name, k.Items)
		}
	})
}
