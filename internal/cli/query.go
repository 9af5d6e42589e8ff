package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/kindstore/internal/ident"
	"github.com/roach88/kindstore/internal/ir"
	"github.com/roach88/kindstore/internal/query"
	"github.com/roach88/kindstore/internal/queryir"
	"github.com/roach88/kindstore/internal/schema"
)

// QueryOptions holds flags for the query subcommands.
type QueryOptions struct {
	*RootOptions
	Recursive bool
	Where     []string // attr=value, value parsed as a YAML scalar
	Has       []string
	Limit     int
}

// QueryHit is one item matched by a query.
type QueryHit struct {
	ID        string `json:"id"`
	Path      string `json:"path"`
	Kind      string `json:"kind,omitempty"`
	Attribute string `json:"attribute,omitempty"`
}

// QueryResult is the output of the query subcommands.
type QueryResult struct {
	Hits      []QueryHit `json:"hits"`
	Truncated bool       `json:"truncated,omitempty"`
}

// NewQueryCommand creates the query command and its kind and text
// subcommands.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Find items by kind or text",
		Long: `Run a query against the latest committed version of the repository.

  query kind   items whose kind is one of the given kinds
  query text   items whose text-indexed attributes contain every term`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newQueryKindCommand(rootOpts))
	cmd.AddCommand(newQueryTextCommand(rootOpts))
	return cmd
}

func newQueryKindCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "kind <kind>...",
		Short: "List the items of one or more kinds",
		Long: `List the items whose kind is one of the given kinds, each once.

--recursive includes the items of every sub-kind. --where attr=value keeps
items whose attribute equals value, parsed as a YAML scalar (1979, true,
"1979"). --has attr keeps items where attr holds any value. Filters
combine with AND.

Examples:
  kindstore --repo ./movies query kind Work --recursive
  kindstore --repo ./movies query kind Movie --where year=1979 --has director`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueryKind(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVarP(&opts.Recursive, "recursive", "r", false, "include sub-kinds")
	cmd.Flags().StringArrayVar(&opts.Where, "where", nil, "attr=value filter (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Has, "has", nil, "attribute that must hold a value (repeatable)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of hits (0 for all)")

	return cmd
}

func newQueryTextCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "text <terms>",
		Short: "Search text-indexed attributes",
		Long: `Find items whose text-indexed string attributes contain every term of
the expression, case-insensitively. Stopwords are ignored; an expression
of only stopwords matches nothing. One hit is reported per matching
attribute.

Examples:
  kindstore --repo ./movies query text "alien ripley"`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueryText(opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of hits (0 for all)")

	return cmd
}

// parseWhere builds the predicate for --where and --has. It returns nil when
// neither is given.
func parseWhere(where, has []string) (queryir.Predicate, error) {
	var preds []queryir.Predicate
	for _, w := range where {
		field, raw, ok := strings.Cut(w, "=")
		if !ok || field == "" {
			return nil, fmt.Errorf("invalid --where %q: want attr=value", w)
		}
		var scalar any
		if err := yaml.Unmarshal([]byte(raw), &scalar); err != nil {
			return nil, fmt.Errorf("invalid --where %q: %w", w, err)
		}
		if scalar == nil {
			scalar = raw
		}
		val, err := ir.FromGo(scalar)
		if err != nil {
			return nil, fmt.Errorf("invalid --where %q: %w", w, err)
		}
		preds = append(preds, queryir.Equals{Field: field, Value: val})
	}
	for _, h := range has {
		preds = append(preds, queryir.Has{Field: h})
	}
	switch len(preds) {
	case 0:
		return nil, nil
	case 1:
		return preds[0], nil
	default:
		return queryir.And{Predicates: preds}, nil
	}
}

func runQueryKind(opts *QueryOptions, names []string, cmd *cobra.Command) error {
	where, err := parseWhere(opts.Where, opts.Has)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid filter", err)
	}
	if where != nil {
		if err := queryir.Validate(where); err != nil {
			return WrapExitError(ExitCommandError, "invalid filter", err)
		}
	}

	ctx := commandContext(cmd)
	v, done, err := opts.openView(ctx, cmd)
	if err != nil {
		return err
	}
	defer done()

	kinds := make([]*schema.Kind, len(names))
	for i, name := range names {
		k, err := v.Repository().Kind(name)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("unknown kind %s", name), err)
		}
		kinds[i] = k
	}

	var result QueryResult
	q := query.KindQuery{Recursive: opts.Recursive, Where: where}
	for it, err := range q.Run(ctx, v, kinds...) {
		if err != nil {
			return fmt.Errorf("query kind: %w", err)
		}
		if opts.Limit > 0 && len(result.Hits) == opts.Limit {
			result.Truncated = true
			break
		}
		path, err := it.Path(ctx)
		if err != nil {
			return fmt.Errorf("query kind: %w", err)
		}
		result.Hits = append(result.Hits, QueryHit{ID: it.ID().String(), Path: path, Kind: it.Kind().Name()})
	}
	return outputQuery(opts, cmd, result)
}

func runQueryText(opts *QueryOptions, expr string, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	v, done, err := opts.openView(ctx, cmd)
	if err != nil {
		return err
	}
	defer done()

	var result QueryResult
	items := make(map[ident.UUID]bool)
	for hit, err := range (query.TextQuery{Expr: expr}).Run(ctx, v) {
		if err != nil {
			return fmt.Errorf("query text: %w", err)
		}
		if opts.Limit > 0 && len(items) == opts.Limit && !items[hit.Item.ID()] {
			result.Truncated = true
			break
		}
		items[hit.Item.ID()] = true
		path, err := hit.Item.Path(ctx)
		if err != nil {
			return fmt.Errorf("query text: %w", err)
		}
		result.Hits = append(result.Hits, QueryHit{
			ID:        hit.Item.ID().String(),
			Path:      path,
			Kind:      hit.Item.Kind().Name(),
			Attribute: hit.Attribute,
		})
	}
	return outputQuery(opts, cmd, result)
}

func outputQuery(opts *QueryOptions, cmd *cobra.Command, result QueryResult) error {
	if result.Hits == nil {
		result.Hits = []QueryHit{}
	}
	return opts.formatter(cmd).Emit(result, func(w io.Writer) {
		for _, h := range result.Hits {
			line := fmt.Sprintf("%s  %s", h.Path, h.Kind)
			if h.Attribute != "" {
				line += "." + h.Attribute
			}
			fmt.Fprintln(w, line)
		}
		suffix := ""
		if result.Truncated {
			suffix = " (truncated)"
		}
		fmt.Fprintf(w, "%d hits%s\n", len(result.Hits), suffix)
	})
}
