package repo

import (
	"iter"
	"maps"
	"slices"

	"github.com/roach88/kindstore/internal/ident"
	"github.com/roach88/kindstore/internal/index"
	"github.com/roach88/kindstore/internal/ir"
	"github.com/roach88/kindstore/internal/schema"
	"github.com/roach88/kindstore/internal/store"
)

// Status holds item status bits. StatusDeleted and StatusContainer are
// persisted; StatusNew and StatusDirty exist only inside a View.
type Status uint32

const (
	StatusDeleted   = Status(store.StatusDeleted)
	StatusContainer = Status(store.StatusContainer)
	StatusNew       Status = 1 << 8
	StatusDirty     Status = 1 << 9
)

// header is the part of an item loaded on first access.
type header struct {
	name    string
	parent  ident.UUID
	kind    *schema.Kind
	status  Status
	version int64
}

func (h header) record(id ident.UUID) store.ItemRecord {
	rec := store.ItemRecord{
		ID:     id,
		Status: store.Status(h.status) & store.Persisted,
		Parent: h.parent,
		Name:   h.name,
	}
	if h.kind != nil {
		rec.Kind = h.kind.ID()
	}
	return rec
}

func (h header) deleted() bool { return h.status&StatusDeleted != 0 }

// itemState is one arena entry.
type itemState struct {
	id  ident.UUID
	hdr header

	// snapshot is the committed header; set while the item is dirty.
	snapshot *header
	hdrDirty bool
	dirty    map[string]bool

	// pinned holds the working body of a dirty item.
	pinned *body
}

func (st *itemState) isDirty() bool { return st.hdr.status&StatusDirty != 0 }
func (st *itemState) isNew() bool   { return st.hdr.status&StatusNew != 0 }

// body holds an item's attribute values.
type body struct {
	values map[string]*value
}

func newBody() *body { return &body{values: make(map[string]*value)} }

func (b *body) clone() *body {
	c := &body{values: make(map[string]*value, len(b.values))}
	for k, v := range b.values {
		c.values[k] = v.clone()
	}
	return c
}

// value is an in-memory attribute value. Literals are immutable and shared
// between clones; reference lists are copied.
type value struct {
	tag  store.Tag
	lit  ir.IRValue
	ref  ident.UUID
	refs *refList
}

func (v *value) clone() *value {
	c := *v
	if v.refs != nil {
		c.refs = v.refs.clone()
	}
	return &c
}

func decodeValue(sv store.Value) *value {
	switch sv.Tag {
	case store.TagLiteral:
		return &value{tag: store.TagLiteral, lit: sv.Literal}
	case store.TagRef:
		return &value{tag: store.TagRef, ref: sv.Ref}
	case store.TagRefs:
		rl := newRefList()
		for _, e := range sv.Refs {
			rl.insertBefore(e.ID, ident.Nil, e.Alias)
		}
		rl.specs = append(rl.specs, sv.Indexes...)
		return &value{tag: store.TagRefs, refs: rl}
	}
	return nil
}

func encodeValue(v *value) store.Value {
	if v == nil {
		return store.Unset
	}
	switch v.tag {
	case store.TagLiteral:
		return store.Value{Tag: store.TagLiteral, Literal: v.lit}
	case store.TagRef:
		return store.Value{Tag: store.TagRef, Ref: v.ref}
	default:
		out := store.Value{Tag: store.TagRefs, Refs: []store.RefEntry{}}
		for id := range v.refs.ids() {
			out.Refs = append(out.Refs, store.RefEntry{ID: id, Alias: v.refs.links[id].alias})
		}
		out.Indexes = append(out.Indexes, v.refs.specs...)
		return out
	}
}

// link is one RefDict entry.
type link struct {
	prev, next ident.UUID
	alias      string
}

// builtIndex is a materialized index with the state it was built against.
type builtIndex struct {
	sorted   *index.Sorted
	epoch    uint64
	superGen uint64
}

// refList is a doubly linked, aliasable set of item ids.
type refList struct {
	links      map[ident.UUID]*link
	head, tail ident.UUID
	aliases    map[string]ident.UUID
	specs      []index.Spec
	built      map[string]*builtIndex
}

func newRefList() *refList {
	return &refList{
		links:   make(map[ident.UUID]*link),
		aliases: make(map[string]ident.UUID),
		built:   make(map[string]*builtIndex),
	}
}

func (rl *refList) clone() *refList {
	c := &refList{
		links:   make(map[ident.UUID]*link, len(rl.links)),
		head:    rl.head,
		tail:    rl.tail,
		aliases: maps.Clone(rl.aliases),
		specs:   append([]index.Spec(nil), rl.specs...),
		built:   make(map[string]*builtIndex, len(rl.built)),
	}
	for id, l := range rl.links {
		cp := *l
		c.links[id] = &cp
	}
	for name, b := range rl.built {
		c.built[name] = &builtIndex{sorted: b.sorted.Clone(), epoch: b.epoch, superGen: b.superGen}
	}
	return c
}

func (rl *refList) len() int { return len(rl.links) }

func (rl *refList) contains(id ident.UUID) bool {
	_, ok := rl.links[id]
	return ok
}

// ids yields members in list order.
func (rl *refList) ids() iter.Seq[ident.UUID] {
	return func(yield func(ident.UUID) bool) {
		for id := rl.head; !id.IsNil(); id = rl.links[id].next {
			if !yield(id) {
				return
			}
		}
	}
}

func (rl *refList) slice() []ident.UUID {
	out := make([]ident.UUID, 0, len(rl.links))
	for id := range rl.ids() {
		out = append(out, id)
	}
	return out
}

func (rl *refList) at(i int) (ident.UUID, bool) {
	if i < 0 || i >= len(rl.links) {
		return ident.Nil, false
	}
	for id := range rl.ids() {
		if i == 0 {
			return id, true
		}
		i--
	}
	return ident.Nil, false
}

func (rl *refList) position(id ident.UUID) int {
	i := 0
	for m := range rl.ids() {
		if m == id {
			return i
		}
		i++
	}
	return -1
}

// insertBefore links id in front of before (ident.Nil appends).
func (rl *refList) insertBefore(id, before ident.UUID, alias string) {
	l := &link{alias: alias}
	if before.IsNil() {
		l.prev = rl.tail
		if !rl.tail.IsNil() {
			rl.links[rl.tail].next = id
		} else {
			rl.head = id
		}
		rl.tail = id
	} else {
		b := rl.links[before]
		l.prev, l.next = b.prev, before
		if !b.prev.IsNil() {
			rl.links[b.prev].next = id
		} else {
			rl.head = id
		}
		b.prev = id
	}
	rl.links[id] = l
	if alias != "" {
		rl.aliases[alias] = id
	}
}

func (rl *refList) remove(id ident.UUID) bool {
	l, ok := rl.links[id]
	if !ok {
		return false
	}
	if !l.prev.IsNil() {
		rl.links[l.prev].next = l.next
	} else {
		rl.head = l.next
	}
	if !l.next.IsNil() {
		rl.links[l.next].prev = l.prev
	} else {
		rl.tail = l.prev
	}
	if l.alias != "" {
		delete(rl.aliases, l.alias)
	}
	delete(rl.links, id)
	return true
}

func (rl *refList) spec(name string) (index.Spec, bool) {
	for _, s := range rl.specs {
		if s.Name == name {
			return s, true
		}
	}
	return index.Spec{}, false
}

// reorder moves the listed members to the front in the given order. Members
// not listed keep their relative order after them. Built indexes are dropped.
func (rl *refList) reorder(order []ident.UUID) {
	rest := make([]ident.UUID, 0, len(rl.links))
	listed := make(map[ident.UUID]bool, len(order))
	for _, id := range order {
		listed[id] = true
	}
	for id := range rl.ids() {
		if !listed[id] {
			rest = append(rest, id)
		}
	}
	aliases := make(map[ident.UUID]string, len(rl.links))
	for id, l := range rl.links {
		aliases[id] = l.alias
	}
	clear(rl.links)
	clear(rl.aliases)
	rl.head, rl.tail = ident.Nil, ident.Nil
	for _, id := range append(slices.Clone(order), rest...) {
		if _, ok := aliases[id]; ok {
			rl.insertBefore(id, ident.Nil, aliases[id])
		}
	}
	clear(rl.built)
}
