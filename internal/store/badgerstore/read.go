package badgerstore

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/dgraph-io/badger/v4"

	"github.com/roach88/kindstore/internal/ident"
	"github.com/roach88/kindstore/internal/queryir"
	"github.com/roach88/kindstore/internal/store"
)

// Version returns the newest committed version, 0 for an empty store.
func (s *Store) Version(ctx context.Context) (int64, error) {
	var v int64
	err := s.withReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		v, err = readVersion(txn)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("read version: %w", err)
	}
	return v, nil
}

// seekAtOrBelow positions a reverse iterator on the largest key under prefix
// whose version suffix is <= asOf and returns its key and value.
func seekAtOrBelow(txn *badger.Txn, prefix []byte, asOf int64) ([]byte, []byte, bool, error) {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	it.Seek(join(prefix, u64(bound(asOf))))
	if !it.ValidForPrefix(prefix) {
		return nil, nil, false, nil
	}
	item := it.Item()
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, nil, false, err
	}
	return item.KeyCopy(nil), val, true, nil
}

func loadItem(txn *badger.Txn, id ident.UUID, asOf int64) (store.ItemRecord, bool, error) {
	key, val, ok, err := seekAtOrBelow(txn, itemPrefix(id), asOf)
	if err != nil || !ok {
		return store.ItemRecord{}, false, err
	}
	rec, err := decodeItem(id, readU64(key[len(key)-8:]), val)
	return rec, err == nil, err
}

func loadValue(txn *badger.Txn, id ident.UUID, attr string, asOf int64) (store.Value, bool, error) {
	_, val, ok, err := seekAtOrBelow(txn, diffPrefix(id, attr), asOf)
	if err != nil || !ok {
		return store.Value{}, false, err
	}
	v, err := decodeValue(val)
	if err != nil {
		return store.Value{}, false, err
	}
	return v, v.Tag != store.TagDeleted, nil
}

// LoadItem returns the newest header of an item at or below asOf.
func (s *Store) LoadItem(ctx context.Context, id ident.UUID, asOf int64) (store.ItemRecord, error) {
	var rec store.ItemRecord
	var found bool
	err := s.withReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		rec, found, err = loadItem(txn, id, asOf)
		return err
	})
	if err != nil {
		return store.ItemRecord{}, fmt.Errorf("load item %s: %w", id, err)
	}
	if !found {
		return store.ItemRecord{}, fmt.Errorf("load item %s: %w", id, store.ErrNotFound)
	}
	return rec, nil
}

// LoadValue returns one attribute value as of asOf.
func (s *Store) LoadValue(ctx context.Context, id ident.UUID, attr string, asOf int64) (store.Value, error) {
	var v store.Value
	var found bool
	err := s.withReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		v, found, err = loadValue(txn, id, attr, asOf)
		return err
	})
	if err != nil {
		return store.Value{}, fmt.Errorf("load value %s.%s: %w", id, attr, err)
	}
	if !found {
		return store.Value{}, fmt.Errorf("load value %s.%s: %w", id, attr, store.ErrNotFound)
	}
	return v, nil
}

// LoadValues returns every attribute value set on an item as of asOf.
func (s *Store) LoadValues(ctx context.Context, id ident.UUID, asOf int64) (map[string]store.Value, error) {
	values := make(map[string]store.Value)
	limit := bound(asOf)
	prefix := diffItemPrefix(id)
	err := s.withReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		newest := make(map[string][]byte)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			attr, version, err := splitDiffKey(it.Item().Key(), len(prefix))
			if err != nil {
				return err
			}
			if version > limit {
				continue
			}
			// Keys ascend by version within one attribute, so the last one wins.
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			newest[attr] = val
		}
		for attr, val := range newest {
			v, err := decodeValue(val)
			if err != nil {
				return fmt.Errorf("%s: %w", attr, err)
			}
			if v.Tag != store.TagDeleted {
				values[attr] = v
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load values %s: %w", id, err)
	}
	return values, nil
}

// candidates collects the uuid suffixes of every key under prefix.
func candidates(txn *badger.Txn, prefix []byte) []ident.UUID {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var ids []ident.UUID
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		key := it.Item().Key()
		id, err := ident.FromBytes(key[len(key)-16:])
		if err == nil && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// liveItems resolves candidates as of asOf and keeps those accepted by keep.
func liveItems(txn *badger.Txn, ids []ident.UUID, asOf int64, keep func(store.ItemRecord) bool) ([]store.ItemRecord, error) {
	var out []store.ItemRecord
	for _, id := range ids {
		rec, ok, err := loadItem(txn, id, asOf)
		if err != nil {
			return nil, err
		}
		if ok && !rec.Deleted() && keep(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// FindChild returns the live child of parent named name as of asOf.
func (s *Store) FindChild(ctx context.Context, parent ident.UUID, name string, asOf int64) (store.ItemRecord, error) {
	var found []store.ItemRecord
	err := s.withReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		found, err = liveItems(txn, candidates(txn, childNamePrefix(parent, name)), asOf, func(r store.ItemRecord) bool {
			return r.Parent == parent && r.Name == name
		})
		return err
	})
	if err != nil {
		return store.ItemRecord{}, fmt.Errorf("find child %q: %w", name, err)
	}
	if len(found) == 0 {
		return store.ItemRecord{}, fmt.Errorf("find child %q: %w", name, store.ErrNotFound)
	}
	slices.SortFunc(found, func(a, b store.ItemRecord) int { return a.ID.Compare(b.ID) })
	return found[0], nil
}

// Children returns the live children of parent as of asOf, ordered by name.
func (s *Store) Children(ctx context.Context, parent ident.UUID, asOf int64) ([]store.ItemRecord, error) {
	var out []store.ItemRecord
	err := s.withReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		out, err = liveItems(txn, candidates(txn, childPrefix(parent)), asOf, func(r store.ItemRecord) bool {
			return r.Parent == parent
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("children: %w", err)
	}
	slices.SortFunc(out, func(a, b store.ItemRecord) int {
		if c := cmp.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return a.ID.Compare(b.ID)
	})
	if out == nil {
		out = []store.ItemRecord{}
	}
	return out, nil
}

// Items returns every live item as of asOf, ordered by uuid.
func (s *Store) Items(ctx context.Context, asOf int64) ([]store.ItemRecord, error) {
	out := []store.ItemRecord{}
	err := s.withReadTxn(ctx, func(txn *badger.Txn) error {
		ids, err := allItemIDs(txn)
		if err != nil {
			return err
		}
		recs, err := liveItems(txn, ids, asOf, func(store.ItemRecord) bool { return true })
		out = append(out, recs...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("items: %w", err)
	}
	return out, nil
}

// allItemIDs lists every item ever written, in uuid order.
func allItemIDs(txn *badger.Txn) ([]ident.UUID, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefixItem
	it := txn.NewIterator(opts)
	defer it.Close()

	var ids []ident.UUID
	for it.Seek(prefixItem); it.ValidForPrefix(prefixItem); it.Next() {
		key := it.Item().Key()
		if len(key) != len(prefixItem)+16+8 {
			return nil, fmt.Errorf("malformed item key %x", key)
		}
		id, err := ident.FromBytes(key[len(prefixItem) : len(prefixItem)+16])
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 || ids[len(ids)-1] != id {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Select evaluates the selection item by item with queryir.Eval, in uuid
// order, stopping once a page is full.
func (s *Store) Select(ctx context.Context, q queryir.Select) ([]ident.UUID, error) {
	if err := queryir.Validate(q.Filter); err != nil {
		return nil, fmt.Errorf("select: %w", err)
	}
	out := []ident.UUID{}
	err := s.withReadTxn(ctx, func(txn *badger.Txn) error {
		var ids []ident.UUID
		if len(q.Kinds) == 0 {
			var err error
			if ids, err = allItemIDs(txn); err != nil {
				return err
			}
		} else {
			for _, k := range q.Kinds {
				ids = append(ids, candidates(txn, kindIdxPrefix(k))...)
			}
			slices.SortFunc(ids, ident.UUID.Compare)
			ids = slices.Compact(ids)
		}
		if !q.After.IsNil() {
			n, found := slices.BinarySearchFunc(ids, q.After, ident.UUID.Compare)
			if found {
				n++
			}
			ids = ids[n:]
		}
		for _, id := range ids {
			if q.Limit > 0 && len(out) == q.Limit {
				return nil
			}
			rec, ok, err := loadItem(txn, id, q.AsOf)
			if err != nil {
				return err
			}
			if !ok || rec.Deleted() || (len(q.Kinds) > 0 && !slices.Contains(q.Kinds, rec.Kind)) {
				continue
			}
			match, err := queryir.Eval(q.Filter, func(field string) (queryir.Fact, error) {
				v, found, err := loadValue(txn, rec.ID, field, q.AsOf)
				if err != nil || !found {
					return queryir.Fact{}, err
				}
				return v.Fact(), nil
			})
			if err != nil {
				return err
			}
			if match {
				out = append(out, rec.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("select: %w", err)
	}
	return out, nil
}

// Changes returns the items written by commits in (from, to], ordered by uuid.
func (s *Store) Changes(ctx context.Context, from, to int64) ([]store.Change, error) {
	byItem := make(map[ident.UUID]*store.Change)
	limit := bound(to)
	err := s.withReadTxn(ctx, func(txn *badger.Txn) error {
		note := func(id ident.UUID, version int64) *store.Change {
			ch, ok := byItem[id]
			if !ok {
				ch = &store.Change{Item: id}
				byItem[id] = ch
			}
			ch.Version = max(ch.Version, version)
			return ch
		}
		for _, p := range []struct {
			prefix []byte
			attrs  bool
		}{{prefixManifest, false}, {prefixWritten, true}} {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = p.prefix
			it := txn.NewIterator(opts)
			for it.Seek(join(p.prefix, u64(from+1))); it.ValidForPrefix(p.prefix); it.Next() {
				key := it.Item().Key()
				rest := key[len(p.prefix):]
				version := readU64(rest[:8])
				if version > limit {
					break
				}
				id, err := ident.FromBytes(rest[8:24])
				if err != nil {
					it.Close()
					return err
				}
				ch := note(id, version)
				if p.attrs {
					attr := string(rest[24:])
					if !slices.Contains(ch.Attrs, attr) {
						ch.Attrs = append(ch.Attrs, attr)
					}
				}
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("changes: %w", err)
	}
	changes := make([]store.Change, 0, len(byItem))
	for _, ch := range byItem {
		slices.Sort(ch.Attrs)
		changes = append(changes, *ch)
	}
	slices.SortFunc(changes, func(a, b store.Change) int { return a.Item.Compare(b.Item) })
	return changes, nil
}

// History returns every recorded value of one attribute, oldest first.
func (s *Store) History(ctx context.Context, id ident.UUID, attr string) ([]store.Diff, error) {
	diffs := []store.Diff{}
	prefix := diffPrefix(id, attr)
	err := s.withReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			version := readU64(key[len(key)-8:])
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			v, err := decodeValue(val)
			if err != nil {
				return fmt.Errorf("%s.%s@%d: %w", id, attr, version, err)
			}
			info, err := commitInfo(txn, version)
			if err != nil {
				return err
			}
			diffs = append(diffs, store.Diff{Item: id, Attr: attr, Version: version, Value: v, CommittedAt: info.CommittedAt})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("history %s.%s: %w", id, attr, err)
	}
	return diffs, nil
}

func commitInfo(txn *badger.Txn, version int64) (store.CommitInfo, error) {
	item, err := txn.Get(commitKey(version))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return store.CommitInfo{}, fmt.Errorf("commit %d: %w", version, store.ErrNotFound)
	}
	if err != nil {
		return store.CommitInfo{}, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return store.CommitInfo{}, err
	}
	return decodeCommitInfo(val)
}

// Commits lists commits with from <= version <= to, oldest first.
func (s *Store) Commits(ctx context.Context, from, to int64) ([]store.CommitInfo, error) {
	infos := []store.CommitInfo{}
	limit := bound(to)
	err := s.withReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixCommit
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(commitKey(max(from, 0))); it.ValidForPrefix(prefixCommit); it.Next() {
			if readU64(it.Item().Key()[len(prefixCommit):]) > limit {
				break
			}
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			info, err := decodeCommitInfo(val)
			if err != nil {
				return err
			}
			infos = append(infos, info)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("commits: %w", err)
	}
	return infos, nil
}

// CommitRecords reconstructs the commit written at version.
func (s *Store) CommitRecords(ctx context.Context, version int64) (store.Commit, error) {
	var c store.Commit
	err := s.withReadTxn(ctx, func(txn *badger.Txn) error {
		info, err := commitInfo(txn, version)
		if err != nil {
			return err
		}
		c = store.Commit{Base: info.Base, Version: info.Version, View: info.View, At: info.CommittedAt}

		for _, id := range candidates(txn, manifestPrefix(version)) {
			item, err := txn.Get(itemKey(id, version))
			if err != nil {
				return fmt.Errorf("item %s: %w", id, err)
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			rec, err := decodeItem(id, version, val)
			if err != nil {
				return err
			}
			c.Items = append(c.Items, rec)
		}

		prefix := writtenPrefix(version)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rest := it.Item().Key()[len(prefix):]
			id, err := ident.FromBytes(rest[:16])
			if err != nil {
				return err
			}
			attr := string(rest[16:])
			item, err := txn.Get(diffKey(id, attr, version))
			if err != nil {
				return fmt.Errorf("diff %s.%s: %w", id, attr, err)
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			v, err := decodeValue(val)
			if err != nil {
				return err
			}
			c.Diffs = append(c.Diffs, store.Diff{Item: id, Attr: attr, Version: version, Value: v, CommittedAt: c.At})
		}
		return nil
	})
	if err != nil {
		return store.Commit{}, fmt.Errorf("commit records %d: %w", version, err)
	}
	slices.SortFunc(c.Items, func(a, b store.ItemRecord) int { return a.ID.Compare(b.ID) })
	slices.SortFunc(c.Diffs, func(a, b store.Diff) int {
		if x := a.Item.Compare(b.Item); x != 0 {
			return x
		}
		return cmp.Compare(a.Attr, b.Attr)
	})
	return c, nil
}

// LoadKinds returns every persisted kind in the order it was saved.
func (s *Store) LoadKinds(ctx context.Context) ([]store.KindRecord, error) {
	kinds := []store.KindRecord{}
	err := s.withReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixKindDef
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefixKindDef); it.ValidForPrefix(prefixKindDef); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			k, err := decodeKind(val)
			if err != nil {
				return err
			}
			kinds = append(kinds, k)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load kinds: %w", err)
	}
	return kinds, nil
}
