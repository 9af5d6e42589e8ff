package repo

import (
	"context"
	"iter"
	"slices"

	"github.com/roach88/kindstore/internal/ident"
	"github.com/roach88/kindstore/internal/index"
	"github.com/roach88/kindstore/internal/repoerr"
	"github.com/roach88/kindstore/internal/schema"
	"github.com/roach88/kindstore/internal/store"
)

// RefDict is a handle on the reference collection held by one list or dict
// attribute. Members are unique and keep insertion order; each may carry an
// alias unique within the collection. Mutations update the inverse attribute
// of the member in the same call.
type RefDict struct {
	item *Item
	attr string
}

// Item returns the owner of the collection.
func (d *RefDict) Item() *Item { return d.item }

// Attribute returns the attribute holding the collection.
func (d *RefDict) Attribute() string { return d.attr }

func (d *RefDict) resolve(op string, write bool) (*View, *itemState, *schema.Attribute, error) {
	var (
		v   *View
		st  *itemState
		err error
	)
	if write {
		v, st, err = d.item.mutable(op)
	} else {
		v, st, err = d.item.resolve(op)
	}
	if err != nil {
		return nil, nil, nil, err
	}
	attr, err := v.attribute(st, d.attr)
	if err != nil {
		return nil, nil, nil, err
	}
	if !attr.IsRef() || !attr.IsCollection() {
		return nil, nil, nil, repoerr.New(repoerr.CodeSchemaViolation, op, "not a reference collection").
			WithItem(st.id.String()).WithAttribute(d.attr)
	}
	return v, st, attr, nil
}

// list returns the collection, or nil while it has never held a value.
func (d *RefDict) list(ctx context.Context, op string) (*View, *refList, error) {
	v, st, _, err := d.resolve(op, false)
	if err != nil {
		return nil, nil, err
	}
	rl, err := v.refListOf(ctx, st, d.attr)
	return v, rl, err
}

// Append adds item at the end. Appending a member again is a no-op.
func (d *RefDict) Append(ctx context.Context, item *Item, opts ...ValueOption) error {
	return d.insert(ctx, "append", item, ident.Nil, applyValueOptions(opts).alias)
}

// Insert places item before the member at position i; i == Len appends.
func (d *RefDict) Insert(ctx context.Context, i int, item *Item, opts ...ValueOption) error {
	_, rl, err := d.list(ctx, "insert")
	if err != nil {
		return err
	}
	n := 0
	if rl != nil {
		n = rl.len()
	}
	if i < 0 || i > n {
		return repoerr.New(repoerr.CodeNotFound, "insert", "position %d out of range [0,%d]", i, n).WithAttribute(d.attr)
	}
	before := ident.Nil
	if i < n {
		before, _ = rl.at(i)
	}
	return d.insert(ctx, "insert", item, before, applyValueOptions(opts).alias)
}

func (d *RefDict) insert(ctx context.Context, op string, item *Item, before ident.UUID, alias string) error {
	v, st, attr, err := d.resolve(op, true)
	if err != nil {
		return err
	}
	if item == nil {
		return repoerr.New(repoerr.CodeSchemaViolation, op, "nil item").WithAttribute(d.attr)
	}
	target, err := v.live(ctx, item, op)
	if err != nil {
		return err
	}
	if err := v.planLink(ctx, st, attr, target, alias); err != nil {
		return err
	}
	return v.link(ctx, st, attr, target, alias, before)
}

// Remove detaches a member given as an *Item or by alias.
func (d *RefDict) Remove(ctx context.Context, member any) error {
	v, st, attr, err := d.resolve("remove", true)
	if err != nil {
		return err
	}
	rl, err := v.refListOf(ctx, st, d.attr)
	if err != nil {
		return err
	}
	id, ok := ident.Nil, false
	if rl != nil {
		switch m := member.(type) {
		case *Item:
			id, ok = m.id, rl.contains(m.id)
		case string:
			id, ok = rl.aliases[m]
		case ident.UUID:
			id, ok = m, rl.contains(m)
		}
	}
	if !ok {
		return repoerr.New(repoerr.CodeNotFound, "remove", "%v is not a member", member).
			WithItem(st.id.String()).WithAttribute(d.attr)
	}
	if target, err := v.state(ctx, id); err == nil {
		if _, err := v.body(ctx, target); err != nil {
			return err
		}
	}
	return v.unlink(ctx, st, attr, id)
}

// Len returns the number of members.
func (d *RefDict) Len(ctx context.Context) (int, error) {
	_, rl, err := d.list(ctx, "len")
	if err != nil || rl == nil {
		return 0, err
	}
	return rl.len(), nil
}

// Contains reports whether item is a member.
func (d *RefDict) Contains(ctx context.Context, item *Item) (bool, error) {
	_, rl, err := d.list(ctx, "contains")
	if err != nil || rl == nil {
		return false, err
	}
	return rl.contains(item.id), nil
}

// At returns the member at position i in insertion order.
func (d *RefDict) At(ctx context.Context, i int) (*Item, error) {
	v, rl, err := d.list(ctx, "at")
	if err != nil {
		return nil, err
	}
	if rl != nil {
		if id, ok := rl.at(i); ok {
			return v.deref(ctx, id)
		}
	}
	return nil, repoerr.New(repoerr.CodeNotFound, "at", "position %d out of range", i).WithAttribute(d.attr)
}

// First returns the first member, or nil when empty.
func (d *RefDict) First(ctx context.Context) (*Item, error) {
	v, rl, err := d.list(ctx, "first")
	if err != nil || rl == nil || rl.head.IsNil() {
		return nil, err
	}
	return v.deref(ctx, rl.head)
}

// Last returns the last member, or nil when empty.
func (d *RefDict) Last(ctx context.Context) (*Item, error) {
	v, rl, err := d.list(ctx, "last")
	if err != nil || rl == nil || rl.tail.IsNil() {
		return nil, err
	}
	return v.deref(ctx, rl.tail)
}

// Next returns the member after item, or nil at the end.
func (d *RefDict) Next(ctx context.Context, item *Item) (*Item, error) {
	return d.step(ctx, "next", item, func(l *link) ident.UUID { return l.next })
}

// Previous returns the member before item, or nil at the start.
func (d *RefDict) Previous(ctx context.Context, item *Item) (*Item, error) {
	return d.step(ctx, "previous", item, func(l *link) ident.UUID { return l.prev })
}

func (d *RefDict) step(ctx context.Context, op string, item *Item, dir func(*link) ident.UUID) (*Item, error) {
	v, rl, err := d.list(ctx, op)
	if err != nil {
		return nil, err
	}
	var l *link
	if rl != nil {
		l = rl.links[item.id]
	}
	if l == nil {
		return nil, repoerr.New(repoerr.CodeNotFound, op, "%s is not a member", item.id).WithAttribute(d.attr)
	}
	next := dir(l)
	if next.IsNil() {
		return nil, nil
	}
	return v.deref(ctx, next)
}

// GetByAlias returns the member carrying alias.
func (d *RefDict) GetByAlias(ctx context.Context, alias string) (*Item, error) {
	v, rl, err := d.list(ctx, "get by alias")
	if err != nil {
		return nil, err
	}
	if rl != nil {
		if id, ok := rl.aliases[alias]; ok {
			return v.deref(ctx, id)
		}
	}
	return nil, repoerr.New(repoerr.CodeNotFound, "get by alias", "no member aliased %q", alias).WithAttribute(d.attr)
}

// Alias returns the alias of a member, "" when it has none.
func (d *RefDict) Alias(ctx context.Context, item *Item) (string, error) {
	_, rl, err := d.list(ctx, "alias")
	if err != nil {
		return "", err
	}
	if rl != nil {
		if l, ok := rl.links[item.id]; ok {
			return l.alias, nil
		}
	}
	return "", repoerr.New(repoerr.CodeNotFound, "alias", "%s is not a member", item.id).WithAttribute(d.attr)
}

// All yields the members in insertion order. The sequence is a snapshot taken
// when iteration starts; a dangling member yields its error.
func (d *RefDict) All(ctx context.Context) iter.Seq2[*Item, error] {
	return func(yield func(*Item, error) bool) {
		v, rl, err := d.list(ctx, "all")
		if err != nil {
			yield(nil, err)
			return
		}
		if rl == nil {
			return
		}
		for _, id := range rl.slice() {
			if !yield(v.deref(ctx, id)) {
				return
			}
		}
	}
}

// IndexOption configures AddIndex.
type IndexOption func(*index.Spec)

// IndexAttributes sets the attributes a value index sorts on.
func IndexAttributes(attrs ...string) IndexOption {
	return func(s *index.Spec) { s.Attributes = append(s.Attributes, attrs...) }
}

// IndexLocale compares strings with the collation rules of a BCP 47 locale.
func IndexLocale(locale string) IndexOption {
	return func(s *index.Spec) { s.Locale = locale }
}

// IndexDescending reverses a value index.
func IndexDescending() IndexOption {
	return func(s *index.Spec) { s.Descending = true }
}

// IndexSuper makes a subindex follow the index name of owner's attribute.
func IndexSuper(owner *Item, attr, name string) IndexOption {
	return func(s *index.Spec) {
		s.Super = &index.SuperRef{Owner: owner.ID(), Attribute: attr, Index: name}
	}
}

// AddIndex attaches an index to the collection. The index is persisted with
// the collection on commit and kept current on every mutation.
func (d *RefDict) AddIndex(ctx context.Context, name string, typ index.Type, opts ...IndexOption) error {
	v, st, _, err := d.resolve("add index", true)
	if err != nil {
		return err
	}
	spec := index.Spec{Name: name, Type: typ}
	for _, opt := range opts {
		opt(&spec)
	}
	if err := spec.Validate(); err != nil {
		return repoerr.Wrap(repoerr.CodeSchemaViolation, "add index", err).WithItem(st.id.String()).WithAttribute(d.attr)
	}
	if spec.Super != nil {
		owner, err := v.state(ctx, spec.Super.Owner)
		if err != nil {
			return err
		}
		if owner.id == st.id && spec.Super.Attribute == d.attr && spec.Super.Index == name {
			return repoerr.New(repoerr.CodeReferenceIntegrity, "add index", "index %q cannot follow itself", name).
				WithAttribute(d.attr)
		}
	}
	rl, err := v.refListOf(ctx, st, d.attr)
	if err != nil {
		return err
	}
	if rl != nil {
		if _, exists := rl.spec(name); exists {
			return repoerr.New(repoerr.CodeNameCollision, "add index", "index %q already exists", name).
				WithItem(st.id.String()).WithAttribute(d.attr)
		}
	}
	b, err := v.touchAttr(ctx, st, d.attr)
	if err != nil {
		return err
	}
	val := b.values[d.attr]
	if val == nil || val.refs == nil {
		val = &value{tag: store.TagRefs, refs: newRefList()}
		b.values[d.attr] = val
	}
	val.refs.specs = append(val.refs.specs, spec)
	return nil
}

// RemoveIndex detaches an index.
func (d *RefDict) RemoveIndex(ctx context.Context, name string) error {
	v, st, _, err := d.resolve("remove index", true)
	if err != nil {
		return err
	}
	rl, err := v.refListOf(ctx, st, d.attr)
	if err != nil {
		return err
	}
	if rl == nil {
		return repoerr.New(repoerr.CodeNotFound, "remove index", "no index %q", name).WithAttribute(d.attr)
	}
	if _, ok := rl.spec(name); !ok {
		return repoerr.New(repoerr.CodeNotFound, "remove index", "no index %q", name).WithAttribute(d.attr)
	}
	b, err := v.touchAttr(ctx, st, d.attr)
	if err != nil {
		return err
	}
	rl = b.values[d.attr].refs
	rl.specs = slices.DeleteFunc(rl.specs, func(s index.Spec) bool { return s.Name == name })
	if bi := rl.built[name]; bi != nil {
		for _, id := range bi.sorted.Keys() {
			v.unwatch(id, watchKey{st.id, d.attr, name})
		}
		delete(rl.built, name)
	}
	return nil
}

// Indexes returns the specs of the attached indexes.
func (d *RefDict) Indexes(ctx context.Context) ([]index.Spec, error) {
	_, rl, err := d.list(ctx, "indexes")
	if err != nil || rl == nil {
		return nil, err
	}
	return slices.Clone(rl.specs), nil
}

func (d *RefDict) index(ctx context.Context, op, name string) (*View, *index.Sorted, error) {
	v, st, _, err := d.resolve(op, false)
	if err != nil {
		return nil, nil, err
	}
	s, err := v.ensureIndex(ctx, st, d.attr, name, 0)
	return v, s, err
}

// IndexKeys returns the members in the order of index name.
func (d *RefDict) IndexKeys(ctx context.Context, name string) ([]*Item, error) {
	v, s, err := d.index(ctx, "index keys", name)
	if err != nil {
		return nil, err
	}
	out := make([]*Item, s.Len())
	for i := range out {
		out[i] = &Item{view: v, id: s.At(i)}
	}
	return out, nil
}

// IndexPosition returns the position of item in index name, or -1.
func (d *RefDict) IndexPosition(ctx context.Context, name string, item *Item) (int, error) {
	_, s, err := d.index(ctx, "index position", name)
	if err != nil {
		return -1, err
	}
	return s.Position(item.id), nil
}

// FindInIndex binary-searches index name for the member where fn returns 0.
// fn returns a negative number when the target sorts before the member and a
// positive one when it sorts after. Mode picks the first, last or any match.
// It returns nil when nothing matches.
func (d *RefDict) FindInIndex(ctx context.Context, name string, mode index.Mode, fn func(*Item) int) (*Item, error) {
	v, s, err := d.index(ctx, "find in index", name)
	if err != nil {
		return nil, err
	}
	id, ok := s.Find(mode, func(id ident.UUID) int {
		return fn(&Item{view: v, id: id})
	})
	if !ok {
		return nil, nil
	}
	return &Item{view: v, id: id}, nil
}
