package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/kindstore/internal/ident"
	"github.com/roach88/kindstore/internal/ir"
	"github.com/roach88/kindstore/internal/queryir"
	"github.com/roach88/kindstore/internal/querysql"
)

const itemColumns = `i.uuid, i.version, i.status, i.parent, i.name, i.kind`

// currentItem restricts alias i to the newest record of each item at or below
// the version bound to its placeholder.
const currentItem = `i.version = (SELECT MAX(h.version) FROM items h WHERE h.uuid = i.uuid AND h.version <= ?)`

// LoadItem returns the newest header of an item at or below asOf, deleted or
// not. Returns ErrNotFound if the item did not exist yet.
func (s *Store) LoadItem(ctx context.Context, id ident.UUID, asOf int64) (ItemRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+itemColumns+`
		FROM items i
		WHERE i.uuid = ? AND i.version <= ?
		ORDER BY i.version DESC
		LIMIT 1
	`, id.Bytes(), latest(asOf))
	rec, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ItemRecord{}, fmt.Errorf("load item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return ItemRecord{}, fmt.Errorf("load item %s: %w", id, err)
	}
	return rec, nil
}

// LoadValues returns every attribute value set on an item as of asOf.
func (s *Store) LoadValues(ctx context.Context, id ident.UUID, asOf int64) (map[string]Value, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.attr, d.tag, d.payload
		FROM diffs d
		WHERE d.uuid = ?
		  AND d.version = (SELECT MAX(x.version) FROM diffs x
		                   WHERE x.uuid = d.uuid AND x.attr = d.attr AND x.version <= ?)
		ORDER BY d.attr ASC
	`, id.Bytes(), latest(asOf))
	if err != nil {
		return nil, fmt.Errorf("load values %s: %w", id, err)
	}
	defer rows.Close()

	values := make(map[string]Value)
	for rows.Next() {
		var attr, tag, payload string
		if err := rows.Scan(&attr, &tag, &payload); err != nil {
			return nil, fmt.Errorf("scan value: %w", err)
		}
		if Tag(tag) == TagDeleted {
			continue
		}
		v, err := DecodeValue(Tag(tag), payload)
		if err != nil {
			return nil, fmt.Errorf("load values %s.%s: %w", id, attr, err)
		}
		values[attr] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate values: %w", err)
	}
	return values, nil
}

// LoadValue returns one attribute value as of asOf, or ErrNotFound when unset.
func (s *Store) LoadValue(ctx context.Context, id ident.UUID, attr string, asOf int64) (Value, error) {
	var tag, payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT tag, payload
		FROM diffs
		WHERE uuid = ? AND attr = ? AND version <= ?
		ORDER BY version DESC
		LIMIT 1
	`, id.Bytes(), attr, latest(asOf)).Scan(&tag, &payload)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && Tag(tag) == TagDeleted) {
		return Value{}, fmt.Errorf("load value %s.%s: %w", id, attr, ErrNotFound)
	}
	if err != nil {
		return Value{}, fmt.Errorf("load value %s.%s: %w", id, attr, err)
	}
	return DecodeValue(Tag(tag), payload)
}

// FindChild returns the live child of parent named name as of asOf.
// A nil parent searches the roots.
func (s *Store) FindChild(ctx context.Context, parent ident.UUID, name string, asOf int64) (ItemRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+itemColumns+`
		FROM items i
		WHERE i.parent IS ? AND i.name = ? AND `+currentItem+` AND (i.status & 1) = 0
		ORDER BY i.uuid ASC
		LIMIT 1
	`, nullableUUID(parent), name, latest(asOf))
	rec, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ItemRecord{}, fmt.Errorf("find child %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return ItemRecord{}, fmt.Errorf("find child %q: %w", name, err)
	}
	return rec, nil
}

// Children returns the live children of parent as of asOf, ordered by name.
func (s *Store) Children(ctx context.Context, parent ident.UUID, asOf int64) ([]ItemRecord, error) {
	return s.queryItems(ctx, "children", `
		SELECT `+itemColumns+`
		FROM items i
		WHERE i.parent IS ? AND `+currentItem+` AND (i.status & 1) = 0
		ORDER BY i.name ASC, i.uuid ASC
	`, nullableUUID(parent), latest(asOf))
}

// Items returns every live item as of asOf, ordered by uuid.
func (s *Store) Items(ctx context.Context, asOf int64) ([]ItemRecord, error) {
	return s.queryItems(ctx, "items", `
		SELECT `+itemColumns+`
		FROM items i
		WHERE `+currentItem+` AND (i.status & 1) = 0
		ORDER BY i.uuid ASC
	`, latest(asOf))
}

// Select runs a compiled selection.
func (s *Store) Select(ctx context.Context, q queryir.Select) ([]ident.UUID, error) {
	query, params, err := querysql.Compile(q)
	if err != nil {
		return nil, fmt.Errorf("select: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("select: %w", err)
	}
	defer rows.Close()

	ids := []ident.UUID{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan select: %w", err)
		}
		id, err := ident.FromBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("scan select: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate select: %w", err)
	}
	return ids, nil
}

// LoadKinds returns every persisted kind ordered by version, then name, so
// super kinds saved earlier come first.
func (s *Store) LoadKinds(ctx context.Context) ([]KindRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, name, definition, version
		FROM kinds
		ORDER BY version ASC, rowid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("load kinds: %w", err)
	}
	defer rows.Close()

	kinds := []KindRecord{}
	for rows.Next() {
		var raw []byte
		var rec KindRecord
		var def string
		if err := rows.Scan(&raw, &rec.Name, &def, &rec.Version); err != nil {
			return nil, fmt.Errorf("scan kind: %w", err)
		}
		if rec.ID, err = ident.FromBytes(raw); err != nil {
			return nil, fmt.Errorf("scan kind %s: %w", rec.Name, err)
		}
		v, err := ir.UnmarshalIRValue([]byte(def))
		if err != nil {
			return nil, fmt.Errorf("decode kind %s: %w", rec.Name, err)
		}
		obj, ok := v.(ir.IRObject)
		if !ok {
			return nil, fmt.Errorf("decode kind %s: definition is not an object", rec.Name)
		}
		rec.Definition = obj
		kinds = append(kinds, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate kinds: %w", err)
	}
	return kinds, nil
}

func (s *Store) queryItems(ctx context.Context, op, query string, args ...any) ([]ItemRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", op, err)
	}
	defer rows.Close()

	recs := []ItemRecord{}
	for rows.Next() {
		rec, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", op, err)
	}
	return recs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (ItemRecord, error) {
	var rec ItemRecord
	var id, parent, kind []byte
	var status int64
	if err := row.Scan(&id, &rec.Version, &status, &parent, &rec.Name, &kind); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan item: %w", err)
	}
	rec.Status = Status(status)
	var err error
	if rec.ID, err = ident.FromBytes(id); err != nil {
		return rec, fmt.Errorf("scan item: %w", err)
	}
	if parent != nil {
		if rec.Parent, err = ident.FromBytes(parent); err != nil {
			return rec, fmt.Errorf("scan item parent: %w", err)
		}
	}
	if kind != nil {
		if rec.Kind, err = ident.FromBytes(kind); err != nil {
			return rec, fmt.Errorf("scan item kind: %w", err)
		}
	}
	return rec, nil
}
