package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/kindstore/internal/ident"
	"github.com/roach88/kindstore/internal/ir"
	"github.com/roach88/kindstore/internal/repo"
	"github.com/roach88/kindstore/internal/repoerr"
)

// ItemResult is the output of the get command.
type ItemResult struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Path       string         `json:"path"`
	Kind       string         `json:"kind,omitempty"`
	Version    int64          `json:"version"`
	Attributes map[string]any `json:"attributes"`

	order []string
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <path|uuid>",
		Short: "Show an item",
		Long: `Show an item's header and every attribute of its kind that holds a value.
Defaults are shown for unset attributes that declare one. References are
shown as item paths.

The item is addressed by absolute path (//a/b) or by uuid in the 36 or 22
character form.

Examples:
  kindstore --repo ./movies get //movies/alien
  kindstore --repo ./movies get 8W3dTz0GQ2uV1m9Fh4xKpA --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(rootOpts, args[0], cmd)
		},
	}
}

func runGet(opts *RootOptions, ref string, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	v, done, err := opts.openView(ctx, cmd)
	if err != nil {
		return err
	}
	defer done()

	it, err := resolveItem(ctx, v, ref)
	if err != nil {
		return err
	}
	result, err := describeItem(ctx, it)
	if err != nil {
		return fmt.Errorf("get %s: %w", ref, err)
	}

	return opts.formatter(cmd).Emit(result, func(w io.Writer) {
		fmt.Fprintf(w, "%s\n", result.Path)
		fmt.Fprintf(w, "  id:      %s\n", result.ID)
		if result.Kind != "" {
			fmt.Fprintf(w, "  kind:    %s\n", result.Kind)
		}
		fmt.Fprintf(w, "  version: %d\n", result.Version)
		for _, name := range result.order {
			fmt.Fprintf(w, "  %s = %s\n", name, renderValue(result.Attributes[name]))
		}
	})
}

// resolveItem finds an item by absolute path or uuid.
func resolveItem(ctx context.Context, v *repo.View, ref string) (*repo.Item, error) {
	var (
		it  *repo.Item
		err error
	)
	if strings.HasPrefix(ref, "//") {
		it, err = v.FindPath(ctx, ref)
	} else {
		id, perr := ident.Parse(ref)
		if perr != nil {
			return nil, WrapExitError(ExitCommandError, "invalid item reference", perr)
		}
		it, err = v.GetItem(ctx, id)
	}
	if err != nil {
		if repoerr.IsNotFound(err) {
			return nil, WrapExitError(ExitFailure, fmt.Sprintf("no item %s", ref), err)
		}
		return nil, err
	}
	return it, nil
}

func describeItem(ctx context.Context, it *repo.Item) (*ItemResult, error) {
	path, err := it.Path(ctx)
	if err != nil {
		return nil, err
	}
	result := &ItemResult{
		ID:         it.ID().String(),
		Name:       it.Name(),
		Path:       path,
		Version:    it.Version(),
		Attributes: make(map[string]any),
	}
	k := it.Kind()
	if k == nil {
		return result, nil
	}
	result.Kind = k.Name()
	for entry := range k.Attributes(true) {
		val, err := it.GetAttributeValue(ctx, entry.Name)
		if repoerr.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out, err := plainValue(ctx, val)
		if err != nil {
			return nil, err
		}
		result.Attributes[entry.Name] = out
		result.order = append(result.order, entry.Name)
	}
	return result, nil
}

// plainValue converts an attribute value for output: literals to Go values,
// references to item paths.
func plainValue(ctx context.Context, val any) (any, error) {
	switch v := val.(type) {
	case ir.IRValue:
		return ir.ToGo(v), nil
	case *repo.Item:
		return v.Path(ctx)
	case *repo.RefDict:
		paths := []any{}
		for member, err := range v.All(ctx) {
			if err != nil {
				return nil, err
			}
			p, err := member.Path(ctx)
			if err != nil {
				return nil, err
			}
			paths = append(paths, p)
		}
		return paths, nil
	default:
		return nil, fmt.Errorf("unexpected attribute value %T", val)
	}
}

// renderValue formats a plain value as canonical JSON.
func renderValue(v any) string {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
