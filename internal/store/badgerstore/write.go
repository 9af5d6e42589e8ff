package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/roach88/kindstore/internal/store"
)

// Append writes a commit in one Badger transaction.
// The commit's Base must equal the current version (store.ErrStaleBase).
func (s *Store) Append(ctx context.Context, c store.Commit) (store.CommitInfo, error) {
	if err := store.ValidateCommit(c); err != nil {
		return store.CommitInfo{}, fmt.Errorf("append: %w", err)
	}
	digest, err := store.Seal(c)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("append: %w", err)
	}
	info := store.CommitInfo{
		Version:     c.Version,
		Base:        c.Base,
		View:        c.View,
		ItemCount:   len(c.Items),
		DiffCount:   len(c.Diffs),
		CommittedAt: time.Unix(0, c.At.UnixNano()).UTC(),
		Digest:      digest,
	}
	infoVal, err := encodeCommitInfo(info)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("append: %w", err)
	}

	err = s.withTxn(ctx, func(txn *badger.Txn) error {
		current, err := readVersion(txn)
		if err != nil {
			return err
		}
		if current != c.Base {
			return fmt.Errorf("append version %d on base %d (store at %d): %w",
				c.Version, c.Base, current, store.ErrStaleBase)
		}

		if err := txn.Set(commitKey(c.Version), infoVal); err != nil {
			return err
		}
		for _, it := range c.Items {
			sets := []struct{ k, v []byte }{
				{itemKey(it.ID, c.Version), encodeItem(it)},
				{join(manifestPrefix(c.Version), it.ID.Bytes()), nil},
				{join(childNamePrefix(it.Parent, it.Name), it.ID.Bytes()), nil},
				{join(kindIdxPrefix(it.Kind), it.ID.Bytes()), nil},
			}
			for _, kv := range sets {
				if err := txn.Set(kv.k, kv.v); err != nil {
					return err
				}
			}
		}
		for _, d := range c.Diffs {
			val, err := encodeValue(d.Value)
			if err != nil {
				return fmt.Errorf("%s.%s: %w", d.Item, d.Attr, err)
			}
			if err := txn.Set(diffKey(d.Item, d.Attr, c.Version), val); err != nil {
				return err
			}
			if err := txn.Set(join(writtenPrefix(c.Version), d.Item.Bytes(), []byte(d.Attr)), nil); err != nil {
				return err
			}
		}
		return txn.Set(keyVersion, u64(c.Version))
	})
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("append: %w", err)
	}
	return info, nil
}

// SaveKind persists a kind definition once; later saves of the same uuid are ignored.
func (s *Store) SaveKind(ctx context.Context, k store.KindRecord) error {
	val, err := encodeKind(k)
	if err != nil {
		return fmt.Errorf("save kind %s: %w", k.Name, err)
	}
	err = s.withTxn(ctx, func(txn *badger.Txn) error {
		nameKey := join(prefixKindName, k.ID.Bytes())
		if _, err := txn.Get(nameKey); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		seq, err := readCounter(txn, keyKindSeq)
		if err != nil {
			return err
		}
		seq++
		if err := txn.Set(join(prefixKindDef, u64(seq)), val); err != nil {
			return err
		}
		if err := txn.Set(nameKey, nil); err != nil {
			return err
		}
		return txn.Set(keyKindSeq, u64(seq))
	})
	if err != nil {
		return fmt.Errorf("save kind %s: %w", k.Name, err)
	}
	return nil
}

func readVersion(txn *badger.Txn) (int64, error) {
	return readCounter(txn, keyVersion)
}

func readCounter(txn *badger.Txn, key []byte) (int64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var v int64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("counter %s: bad length %d", key, len(val))
		}
		v = readU64(val)
		return nil
	})
	return v, err
}
