package store

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/kindstore/internal/ident"
	"github.com/roach88/kindstore/internal/index"
	"github.com/roach88/kindstore/internal/ir"
	"github.com/roach88/kindstore/internal/queryir"
)

// ErrNotFound is returned when an item, value or commit does not exist at the
// requested version.
var ErrNotFound = errors.New("store: not found")

// ErrStaleBase is returned by Append when the commit's base is not the
// store's current version.
var ErrStaleBase = errors.New("store: stale base version")

// Status holds the persisted item status bits.
type Status uint32

const (
	StatusDeleted Status = 1 << iota
	StatusContainer
)

// Persisted masks the bits that are written to the store.
const Persisted = StatusDeleted | StatusContainer

// ItemRecord is an item header as of one version.
type ItemRecord struct {
	ID      ident.UUID
	Version int64
	Status  Status
	Parent  ident.UUID // ident.Nil for roots
	Name    string
	Kind    ident.UUID // ident.Nil for items without a kind
}

// Deleted reports the deleted bit.
func (r ItemRecord) Deleted() bool { return r.Status&StatusDeleted != 0 }

// Tag identifies the encoding of a diff payload.
type Tag string

const (
	TagLiteral Tag = "lit"
	TagRef     Tag = "ref"
	TagRefs    Tag = "refs"
	TagDeleted Tag = "del"
)

// RefEntry is one member of a persisted reference collection.
type RefEntry struct {
	ID    ident.UUID
	Alias string
}

// Value is a decoded attribute value. Exactly one of Literal, Ref or
// Refs/Indexes is meaningful, selected by Tag.
type Value struct {
	Tag     Tag
	Literal ir.IRValue
	Ref     ident.UUID
	Refs    []RefEntry
	Indexes []index.Spec
}

// Unset is the value recorded when an attribute is removed.
var Unset = Value{Tag: TagDeleted}

// Fact converts a stored value for predicate evaluation.
func (v Value) Fact() queryir.Fact {
	switch v.Tag {
	case TagLiteral:
		return queryir.Fact{Set: true, Literal: v.Literal}
	case TagRef:
		return queryir.Fact{Set: true, Refs: []ident.UUID{v.Ref}}
	case TagRefs:
		refs := make([]ident.UUID, len(v.Refs))
		for i, r := range v.Refs {
			refs[i] = r.ID
		}
		return queryir.Fact{Set: true, Refs: refs}
	default:
		return queryir.Fact{}
	}
}

// Diff is one attribute change within a commit.
type Diff struct {
	Item        ident.UUID
	Attr        string
	Version     int64
	Value       Value
	CommittedAt time.Time
}

// Commit is the unit written by Append: the headers of every item a View
// touched and the attributes it changed.
type Commit struct {
	Base    int64
	Version int64
	View    string
	At      time.Time
	Items   []ItemRecord
	Diffs   []Diff
}

// CommitInfo summarizes a stored commit.
type CommitInfo struct {
	Version     int64
	Base        int64
	View        string
	ItemCount   int
	DiffCount   int
	CommittedAt time.Time
	Digest      string
}

// Change reports that an item was written in a range of versions.
type Change struct {
	Item    ident.UUID
	Version int64    // newest version in the range that wrote the item
	Attrs   []string // attributes written in the range, sorted
}

// KindRecord is a persisted kind definition.
type KindRecord struct {
	ID         ident.UUID
	Name       string
	Definition ir.IRObject
	Version    int64
}

// Backend is the durable store behind a repository.
//
// Versions start at 1; version 0 is the empty store. Reads take an asOf
// version and see the newest record at or below it; asOf <= 0 reads the
// latest version.
type Backend interface {
	Version(ctx context.Context) (int64, error)
	Append(ctx context.Context, c Commit) (CommitInfo, error)

	LoadItem(ctx context.Context, id ident.UUID, asOf int64) (ItemRecord, error)
	LoadValues(ctx context.Context, id ident.UUID, asOf int64) (map[string]Value, error)
	LoadValue(ctx context.Context, id ident.UUID, attr string, asOf int64) (Value, error)
	FindChild(ctx context.Context, parent ident.UUID, name string, asOf int64) (ItemRecord, error)
	Children(ctx context.Context, parent ident.UUID, asOf int64) ([]ItemRecord, error)
	Items(ctx context.Context, asOf int64) ([]ItemRecord, error)
	Select(ctx context.Context, q queryir.Select) ([]ident.UUID, error)

	Changes(ctx context.Context, from, to int64) ([]Change, error)
	History(ctx context.Context, id ident.UUID, attr string) ([]Diff, error)
	Commits(ctx context.Context, from, to int64) ([]CommitInfo, error)
	CommitRecords(ctx context.Context, version int64) (Commit, error)

	SaveKind(ctx context.Context, k KindRecord) error
	LoadKinds(ctx context.Context) ([]KindRecord, error)

	Verify(ctx context.Context) error
	Close() error
}
