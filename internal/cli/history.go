package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/kindstore/internal/ir"
	"github.com/roach88/kindstore/internal/store"
)

// HistoryEntry is one recorded change of an attribute.
type HistoryEntry struct {
	Version     int64  `json:"version"`
	CommittedAt string `json:"committed_at"`
	Change      string `json:"change"` // set, ref, refs or unset
	Value       any    `json:"value,omitempty"`
}

// HistoryResult is the output of the history command.
type HistoryResult struct {
	Item      string         `json:"item"`
	Attribute string         `json:"attribute"`
	Entries   []HistoryEntry `json:"entries"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <path|uuid> <attribute>",
		Short: "Show the committed values of an attribute",
		Long: `List every committed value of one attribute of an item, oldest first.
References are shown as uuids since the referenced items may since have
been deleted.

Examples:
  kindstore --repo ./movies history //movies/alien title
  kindstore --repo ./movies history //movies/alien actors --format json`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(rootOpts, args[0], args[1], cmd)
		},
	}
}

func runHistory(opts *RootOptions, ref, attr string, cmd *cobra.Command) error {
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
	diffs, err := v.Repository().Backend().History(ctx, it.ID(), attr)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}

	result := HistoryResult{Item: ref, Attribute: attr, Entries: make([]HistoryEntry, len(diffs))}
	for i, d := range diffs {
		result.Entries[i] = historyEntry(d)
	}

	return opts.formatter(cmd).Emit(result, func(w io.Writer) {
		if len(result.Entries) == 0 {
			fmt.Fprintf(w, "No history for %s.%s\n", ref, attr)
			return
		}
		for _, e := range result.Entries {
			line := fmt.Sprintf("%6d  %s  %-5s", e.Version, e.CommittedAt, e.Change)
			if e.Value != nil {
				line += "  " + renderValue(e.Value)
			}
			fmt.Fprintln(w, line)
		}
	})
}

func historyEntry(d store.Diff) HistoryEntry {
	e := HistoryEntry{Version: d.Version, CommittedAt: d.CommittedAt.UTC().Format(time.RFC3339)}
	switch d.Value.Tag {
	case store.TagLiteral:
		e.Change = "set"
		e.Value = ir.ToGo(d.Value.Literal)
	case store.TagRef:
		e.Change = "ref"
		e.Value = d.Value.Ref.String()
	case store.TagRefs:
		e.Change = "refs"
		ids := make([]any, len(d.Value.Refs))
		for i, r := range d.Value.Refs {
			ids[i] = r.ID.String()
		}
		e.Value = ids
	default:
		e.Change = "unset"
	}
	return e
}
