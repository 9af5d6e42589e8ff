package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/kindstore/internal/ident"
	"github.com/roach88/kindstore/internal/ir"
)

// Append writes a commit in one transaction.
//
// The commit's Base must equal the store's current version, otherwise
// ErrStaleBase is returned and nothing is written. Item records and diffs are
// stamped with the commit's version and time.
func (s *Store) Append(ctx context.Context, c Commit) (CommitInfo, error) {
	if err := ValidateCommit(c); err != nil {
		return CommitInfo{}, fmt.Errorf("append: %w", err)
	}
	digest, err := Seal(c)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("append: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("append: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var current int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM commits`).Scan(&current); err != nil {
		return CommitInfo{}, fmt.Errorf("append: read version: %w", err)
	}
	if current != c.Base {
		return CommitInfo{}, fmt.Errorf("append version %d on base %d (store at %d): %w",
			c.Version, c.Base, current, ErrStaleBase)
	}

	at := c.At.UnixNano()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO commits (version, base, view_name, item_count, diff_count, committed_at, digest)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.Version, c.Base, c.View, len(c.Items), len(c.Diffs), at, digest)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("append: insert commit: %w", err)
	}

	itemStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO items (uuid, version, status, parent, name, kind)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("append: prepare items: %w", err)
	}
	defer itemStmt.Close()
	for _, it := range c.Items {
		_, err := itemStmt.ExecContext(ctx,
			it.ID.Bytes(), c.Version, int64(it.Status&Persisted),
			nullableUUID(it.Parent), it.Name, nullableUUID(it.Kind))
		if err != nil {
			return CommitInfo{}, fmt.Errorf("append: insert item %s: %w", it.ID, err)
		}
	}

	diffStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO diffs (uuid, attr, version, tag, payload, committed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("append: prepare diffs: %w", err)
	}
	defer diffStmt.Close()
	for _, d := range c.Diffs {
		tag, payload, err := EncodeValue(d.Value)
		if err != nil {
			return CommitInfo{}, fmt.Errorf("append: %s.%s: %w", d.Item, d.Attr, err)
		}
		if _, err := diffStmt.ExecContext(ctx, d.Item.Bytes(), d.Attr, c.Version, string(tag), payload, at); err != nil {
			return CommitInfo{}, fmt.Errorf("append: insert diff %s.%s: %w", d.Item, d.Attr, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return CommitInfo{}, fmt.Errorf("append: commit tx: %w", err)
	}

	return CommitInfo{
		Version:     c.Version,
		Base:        c.Base,
		View:        c.View,
		ItemCount:   len(c.Items),
		DiffCount:   len(c.Diffs),
		CommittedAt: time.Unix(0, at).UTC(),
		Digest:      digest,
	}, nil
}

// SaveKind persists a kind definition.
// Uses ON CONFLICT DO NOTHING: a kind is written once and never changes.
func (s *Store) SaveKind(ctx context.Context, k KindRecord) error {
	def, err := ir.MarshalCanonical(k.Definition)
	if err != nil {
		return fmt.Errorf("save kind %s: %w", k.Name, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kinds (uuid, name, definition, version)
		VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, k.ID.Bytes(), k.Name, string(def), k.Version)
	if err != nil {
		return fmt.Errorf("save kind %s: %w", k.Name, err)
	}
	return nil
}

// nullableUUID maps ident.Nil to SQL NULL.
func nullableUUID(id ident.UUID) any {
	if id.IsNil() {
		return nil
	}
	return id.Bytes()
}
