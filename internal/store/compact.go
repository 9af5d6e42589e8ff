package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
)

// Compact copies src into the empty store dst, keeping the last retain
// versions verbatim.
//
// Versions at or below latest-retain collapse into one baseline commit that
// holds the newest header and values of every item live at that point; items
// deleted by then are purged. Items carried by the baseline are stamped with
// the baseline version, so an item last changed before it reports the
// threshold as its version. Newer commits are copied unchanged, so the
// newest version of every live item survives. Kind definitions are copied.
func Compact(ctx context.Context, src, dst Backend, retain int64) error {
	if retain < 0 {
		return fmt.Errorf("compact: negative retention %d", retain)
	}
	dstVersion, err := dst.Version(ctx)
	if err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	if dstVersion != 0 {
		return fmt.Errorf("compact: destination is not empty (version %d)", dstVersion)
	}
	head, err := src.Version(ctx)
	if err != nil {
		return fmt.Errorf("compact: %w", err)
	}

	kinds, err := src.LoadKinds(ctx)
	if err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	for _, k := range kinds {
		if err := dst.SaveKind(ctx, k); err != nil {
			return fmt.Errorf("compact: %w", err)
		}
	}

	threshold := head - retain
	base := int64(0)
	if threshold > 1 {
		baseline, err := baselineCommit(ctx, src, threshold)
		if err != nil {
			return fmt.Errorf("compact: %w", err)
		}
		if _, err := dst.Append(ctx, baseline); err != nil {
			return fmt.Errorf("compact: baseline: %w", err)
		}
		base = threshold
	}

	infos, err := src.Commits(ctx, base+1, head)
	if err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	for _, info := range infos {
		c, err := src.CommitRecords(ctx, info.Version)
		if err != nil {
			return fmt.Errorf("compact: %w", err)
		}
		c.Base = base
		if _, err := dst.Append(ctx, c); err != nil {
			return fmt.Errorf("compact: copy version %d: %w", c.Version, err)
		}
		base = c.Version
	}
	return nil
}

func baselineCommit(ctx context.Context, src Backend, threshold int64) (Commit, error) {
	last, err := src.CommitRecords(ctx, threshold)
	if err != nil {
		return Commit{}, err
	}
	items, err := src.Items(ctx, threshold)
	if err != nil {
		return Commit{}, err
	}
	c := Commit{
		Base:    0,
		Version: threshold,
		View:    "compact",
		At:      last.At,
		Items:   items,
	}
	for _, it := range items {
		values, err := src.LoadValues(ctx, it.ID, threshold)
		if err != nil {
			return Commit{}, err
		}
		for _, attr := range slices.Sorted(maps.Keys(values)) {
			c.Diffs = append(c.Diffs, Diff{Item: it.ID, Attr: attr, Version: threshold, Value: values[attr]})
		}
	}
	return c, nil
}
