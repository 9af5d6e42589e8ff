package badgerstore

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/roach88/kindstore/internal/ident"
	"github.com/roach88/kindstore/internal/ir"
	"github.com/roach88/kindstore/internal/store"
)

var (
	keyVersion = []byte("meta/version")
	keyKindSeq = []byte("meta/kindseq")

	prefixCommit   = []byte("v/")
	prefixItem     = []byte("i/")
	prefixDiff     = []byte("d/")
	prefixManifest = []byte("m/")
	prefixWritten  = []byte("n/")
	prefixChild    = []byte("c/")
	prefixKindIdx  = []byte("k/")
	prefixKindDef  = []byte("s/")
	prefixKindName = []byte("sn/")
)

func join(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func u64(v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return b[:]
}

func readU64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

// bound maps asOf <= 0 to the largest version.
func bound(asOf int64) int64 {
	if asOf <= 0 {
		return math.MaxInt64
	}
	return asOf
}

func commitKey(version int64) []byte { return join(prefixCommit, u64(version)) }

func itemPrefix(id ident.UUID) []byte { return join(prefixItem, id.Bytes()) }

func itemKey(id ident.UUID, version int64) []byte { return join(itemPrefix(id), u64(version)) }

func diffItemPrefix(id ident.UUID) []byte { return join(prefixDiff, id.Bytes()) }

func diffPrefix(id ident.UUID, attr string) []byte {
	return join(diffItemPrefix(id), []byte(attr), []byte{0})
}

func diffKey(id ident.UUID, attr string, version int64) []byte {
	return join(diffPrefix(id, attr), u64(version))
}

// splitDiffKey parses the attr and version out of a key under diffItemPrefix.
func splitDiffKey(key []byte, itemPrefixLen int) (string, int64, error) {
	rest := key[itemPrefixLen:]
	if len(rest) < 9 || rest[len(rest)-9] != 0 {
		return "", 0, fmt.Errorf("malformed diff key %x", key)
	}
	return string(rest[:len(rest)-9]), readU64(rest[len(rest)-8:]), nil
}

func manifestPrefix(version int64) []byte { return join(prefixManifest, u64(version)) }

func writtenPrefix(version int64) []byte { return join(prefixWritten, u64(version)) }

func childPrefix(parent ident.UUID) []byte { return join(prefixChild, parent.Bytes()) }

func childNamePrefix(parent ident.UUID, name string) []byte {
	return join(childPrefix(parent), []byte(name), []byte{0})
}

func kindIdxPrefix(kind ident.UUID) []byte { return join(prefixKindIdx, kind.Bytes()) }

// encodeItem packs status, parent, kind and name.
func encodeItem(rec store.ItemRecord) []byte {
	out := make([]byte, 4, 4+32+len(rec.Name))
	binary.BigEndian.PutUint32(out, uint32(rec.Status&store.Persisted))
	out = append(out, rec.Parent.Bytes()...)
	out = append(out, rec.Kind.Bytes()...)
	return append(out, rec.Name...)
}

func decodeItem(id ident.UUID, version int64, val []byte) (store.ItemRecord, error) {
	if len(val) < 36 {
		return store.ItemRecord{}, fmt.Errorf("item %s@%d: short record", id, version)
	}
	rec := store.ItemRecord{
		ID:      id,
		Version: version,
		Status:  store.Status(binary.BigEndian.Uint32(val[:4])),
		Name:    string(val[36:]),
	}
	var err error
	if rec.Parent, err = ident.FromBytes(val[4:20]); err != nil {
		return rec, err
	}
	if rec.Kind, err = ident.FromBytes(val[20:36]); err != nil {
		return rec, err
	}
	return rec, nil
}

// encodeValue stores the tag, a zero byte and the payload.
func encodeValue(v store.Value) ([]byte, error) {
	tag, payload, err := store.EncodeValue(v)
	if err != nil {
		return nil, err
	}
	return join([]byte(tag), []byte{0}, []byte(payload)), nil
}

func decodeValue(val []byte) (store.Value, error) {
	for i, b := range val {
		if b == 0 {
			return store.DecodeValue(store.Tag(val[:i]), string(val[i+1:]))
		}
	}
	return store.Value{}, fmt.Errorf("malformed value record")
}

func encodeCommitInfo(info store.CommitInfo) ([]byte, error) {
	return ir.MarshalCanonical(ir.IRObject{
		"version":     ir.IRInt(info.Version),
		"base":        ir.IRInt(info.Base),
		"view":        ir.IRString(info.View),
		"itemCount":   ir.IRInt(info.ItemCount),
		"diffCount":   ir.IRInt(info.DiffCount),
		"committedAt": ir.IRInt(info.CommittedAt.UnixNano()),
		"digest":      ir.IRString(info.Digest),
	})
}

func decodeCommitInfo(val []byte) (store.CommitInfo, error) {
	raw, err := ir.UnmarshalIRValue(val)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("decode commit info: %w", err)
	}
	obj, ok := raw.(ir.IRObject)
	if !ok {
		return store.CommitInfo{}, fmt.Errorf("decode commit info: not an object")
	}
	num := func(k string) int64 { v, _ := obj[k].(ir.IRInt); return int64(v) }
	str := func(k string) string { v, _ := obj[k].(ir.IRString); return string(v) }
	return store.CommitInfo{
		Version:     num("version"),
		Base:        num("base"),
		View:        str("view"),
		ItemCount:   int(num("itemCount")),
		DiffCount:   int(num("diffCount")),
		CommittedAt: time.Unix(0, num("committedAt")).UTC(),
		Digest:      str("digest"),
	}, nil
}

func encodeKind(k store.KindRecord) ([]byte, error) {
	return ir.MarshalCanonical(ir.IRObject{
		"uuid":       ir.IRString(k.ID.String()),
		"name":       ir.IRString(k.Name),
		"definition": k.Definition,
		"version":    ir.IRInt(k.Version),
	})
}

func decodeKind(val []byte) (store.KindRecord, error) {
	raw, err := ir.UnmarshalIRValue(val)
	if err != nil {
		return store.KindRecord{}, fmt.Errorf("decode kind: %w", err)
	}
	obj, ok := raw.(ir.IRObject)
	if !ok {
		return store.KindRecord{}, fmt.Errorf("decode kind: not an object")
	}
	idText, _ := obj["uuid"].(ir.IRString)
	id, err := ident.Parse(string(idText))
	if err != nil {
		return store.KindRecord{}, fmt.Errorf("decode kind: %w", err)
	}
	name, _ := obj["name"].(ir.IRString)
	def, _ := obj["definition"].(ir.IRObject)
	version, _ := obj["version"].(ir.IRInt)
	return store.KindRecord{ID: id, Name: string(name), Definition: def, Version: int64(version)}, nil
}
