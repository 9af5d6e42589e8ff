package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/kindstore/internal/ident"
	"github.com/roach88/kindstore/internal/repoerr"
)

// Changes returns the items written by commits in (from, to], ordered by uuid.
func (s *Store) Changes(ctx context.Context, from, to int64) ([]Change, error) {
	byItem := make(map[ident.UUID]*Change)
	var order []ident.UUID
	note := func(raw []byte, version int64) (*Change, error) {
		id, err := ident.FromBytes(raw)
		if err != nil {
			return nil, err
		}
		ch, ok := byItem[id]
		if !ok {
			ch = &Change{Item: id}
			byItem[id] = ch
			order = append(order, id)
		}
		ch.Version = max(ch.Version, version)
		return ch, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, version FROM items
		WHERE version > ? AND version <= ?
		ORDER BY uuid ASC, version ASC
	`, from, latest(to))
	if err != nil {
		return nil, fmt.Errorf("changes: %w", err)
	}
	for rows.Next() {
		var raw []byte
		var version int64
		if err := rows.Scan(&raw, &version); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan change: %w", err)
		}
		if _, err := note(raw, version); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan change: %w", err)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT uuid, attr, version FROM diffs
		WHERE version > ? AND version <= ?
		ORDER BY uuid ASC, attr ASC, version ASC
	`, from, latest(to))
	if err != nil {
		return nil, fmt.Errorf("changes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw []byte
		var attr string
		var version int64
		if err := rows.Scan(&raw, &attr, &version); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		ch, err := note(raw, version)
		if err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		if !slices.Contains(ch.Attrs, attr) {
			ch.Attrs = append(ch.Attrs, attr)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}

	slices.SortFunc(order, ident.UUID.Compare)
	changes := make([]Change, 0, len(order))
	for _, id := range order {
		ch := byItem[id]
		slices.Sort(ch.Attrs)
		changes = append(changes, *ch)
	}
	return changes, nil
}

// History returns every recorded value of one attribute, oldest first.
func (s *Store) History(ctx context.Context, id ident.UUID, attr string) ([]Diff, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, tag, payload, committed_at
		FROM diffs
		WHERE uuid = ? AND attr = ?
		ORDER BY version ASC
	`, id.Bytes(), attr)
	if err != nil {
		return nil, fmt.Errorf("history %s.%s: %w", id, attr, err)
	}
	defer rows.Close()

	diffs := []Diff{}
	for rows.Next() {
		d := Diff{Item: id, Attr: attr}
		var tag, payload string
		var at int64
		if err := rows.Scan(&d.Version, &tag, &payload, &at); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if d.Value, err = DecodeValue(Tag(tag), payload); err != nil {
			return nil, fmt.Errorf("history %s.%s@%d: %w", id, attr, d.Version, err)
		}
		d.CommittedAt = time.Unix(0, at).UTC()
		diffs = append(diffs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return diffs, nil
}

// Commits lists commits with from <= version <= to, oldest first.
func (s *Store) Commits(ctx context.Context, from, to int64) ([]CommitInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, base, view_name, item_count, diff_count, committed_at, digest
		FROM commits
		WHERE version >= ? AND version <= ?
		ORDER BY version ASC
	`, from, latest(to))
	if err != nil {
		return nil, fmt.Errorf("commits: %w", err)
	}
	defer rows.Close()

	infos := []CommitInfo{}
	for rows.Next() {
		info, err := scanCommitInfo(rows)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commits: %w", err)
	}
	return infos, nil
}

// CommitRecords reconstructs the commit written at version.
func (s *Store) CommitRecords(ctx context.Context, version int64) (Commit, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT version, base, view_name, item_count, diff_count, committed_at, digest
		FROM commits WHERE version = ?
	`, version)
	info, err := scanCommitInfo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Commit{}, fmt.Errorf("commit %d: %w", version, ErrNotFound)
	}
	if err != nil {
		return Commit{}, err
	}
	c := Commit{Base: info.Base, Version: info.Version, View: info.View, At: info.CommittedAt}

	c.Items, err = s.queryItems(ctx, "commit items", `
		SELECT `+itemColumns+`
		FROM items i
		WHERE i.version = ?
		ORDER BY i.uuid ASC
	`, version)
	if err != nil {
		return Commit{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, attr, tag, payload
		FROM diffs
		WHERE version = ?
		ORDER BY uuid ASC, attr ASC
	`, version)
	if err != nil {
		return Commit{}, fmt.Errorf("commit %d diffs: %w", version, err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw []byte
		var attr, tag, payload string
		if err := rows.Scan(&raw, &attr, &tag, &payload); err != nil {
			return Commit{}, fmt.Errorf("scan diff: %w", err)
		}
		id, err := ident.FromBytes(raw)
		if err != nil {
			return Commit{}, fmt.Errorf("scan diff: %w", err)
		}
		v, err := DecodeValue(Tag(tag), payload)
		if err != nil {
			return Commit{}, fmt.Errorf("commit %d %s.%s: %w", version, id, attr, err)
		}
		c.Diffs = append(c.Diffs, Diff{Item: id, Attr: attr, Version: version, Value: v, CommittedAt: c.At})
	}
	if err := rows.Err(); err != nil {
		return Commit{}, fmt.Errorf("iterate diffs: %w", err)
	}
	return c, nil
}

func scanCommitInfo(row scanner) (CommitInfo, error) {
	var info CommitInfo
	var at int64
	err := row.Scan(&info.Version, &info.Base, &info.View, &info.ItemCount, &info.DiffCount, &at, &info.Digest)
	if errors.Is(err, sql.ErrNoRows) {
		return info, err
	}
	if err != nil {
		return info, fmt.Errorf("scan commit: %w", err)
	}
	info.CommittedAt = time.Unix(0, at).UTC()
	return info, nil
}

// VerifyDigests recomputes the digest of every commit in b and reports the
// first mismatch as a RepositoryCorruption error.
func VerifyDigests(ctx context.Context, b Backend) error {
	infos, err := b.Commits(ctx, 1, 0)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	for _, info := range infos {
		c, err := b.CommitRecords(ctx, info.Version)
		if err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		digest, err := Seal(c)
		if err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		if digest != info.Digest {
			return repoerr.New(repoerr.CodeRepositoryCorruption, "verify",
				"commit %d digest %s does not match recorded %s", info.Version, digest, info.Digest)
		}
		if len(c.Items) != info.ItemCount || len(c.Diffs) != info.DiffCount {
			return repoerr.New(repoerr.CodeRepositoryCorruption, "verify",
				"commit %d holds %d items and %d diffs, recorded %d and %d",
				info.Version, len(c.Items), len(c.Diffs), info.ItemCount, info.DiffCount)
		}
	}
	return nil
}
