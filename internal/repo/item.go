package repo

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/kindstore/internal/ident"
	"github.com/roach88/kindstore/internal/ir"
	"github.com/roach88/kindstore/internal/queryir"
	"github.com/roach88/kindstore/internal/repoerr"
	"github.com/roach88/kindstore/internal/schema"
	"github.com/roach88/kindstore/internal/store"
)

// Item is a handle on one item of a View. It holds no state of its own.
type Item struct {
	view *View
	id   ident.UUID
}

// ValueOption configures AddValue and RefDict.Append.
type ValueOption func(*valueOptions)

type valueOptions struct {
	alias string
}

// WithAlias names a collection member: the RefDict alias of a reference or
// the key of a literal dict entry.
func WithAlias(alias string) ValueOption {
	return func(o *valueOptions) { o.alias = alias }
}

func applyValueOptions(opts []ValueOption) valueOptions {
	var o valueOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewItem creates an item named name under parent (nil for a root).
func (v *View) NewItem(ctx context.Context, name string, parent *Item, kind *schema.Kind) (*Item, error) {
	if err := v.checkOpen("new item"); err != nil {
		return nil, err
	}
	if err := validateItemName(name); err != nil {
		return nil, err
	}
	parentID := ident.Nil
	var pst *itemState
	if parent != nil {
		var err error
		if pst, err = v.live(ctx, parent, "new item"); err != nil {
			return nil, err
		}
		parentID = pst.id
	}
	existing, err := v.findChild(ctx, parentID, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, repoerr.New(repoerr.CodeNameCollision, "new item",
			"a child named %q already exists", name).WithItem(name)
	}

	st := &itemState{
		id: v.repo.opts.newID(),
		hdr: header{
			name:   name,
			parent: parentID,
			kind:   kind,
			status: StatusNew,
		},
		pinned: newBody(),
	}
	v.items[st.id] = st
	v.touchHeader(st)
	if pst != nil && pst.hdr.status&StatusContainer == 0 {
		v.touchHeader(pst)
		pst.hdr.status |= StatusContainer
	}
	return &Item{view: v, id: st.id}, nil
}

func validateItemName(name string) error {
	if name == "" || strings.Contains(name, "/") || name == "." || name == ".." {
		return repoerr.New(repoerr.CodeSchemaViolation, "name item", "invalid item name %q", name).WithItem(name)
	}
	return nil
}

// live resolves a handle that must belong to v and not be deleted.
func (v *View) live(ctx context.Context, it *Item, op string) (*itemState, error) {
	if it.view != v {
		return nil, repoerr.New(repoerr.CodeReferenceIntegrity, op, "item %s belongs to another view", it.id)
	}
	st, err := v.state(ctx, it.id)
	if err != nil {
		return nil, err
	}
	if st.hdr.deleted() {
		return nil, repoerr.New(repoerr.CodeReferenceIntegrity, op, "item %s is deleted", it.id).WithItem(it.id.String())
	}
	return st, nil
}

// resolve checks the view and returns the item's state.
func (it *Item) resolve(op string) (*View, *itemState, error) {
	v := it.view
	if err := v.checkOpen(op); err != nil {
		return nil, nil, err
	}
	st, ok := v.items[it.id]
	if !ok {
		return nil, nil, repoerr.New(repoerr.CodeNotFound, op, "item %s is not in view %s", it.id, v.name).WithItem(it.id.String())
	}
	return v, st, nil
}

// mutable is resolve for operations that change a live item.
func (it *Item) mutable(op string) (*View, *itemState, error) {
	v, st, err := it.resolve(op)
	if err != nil {
		return nil, nil, err
	}
	if st.hdr.deleted() {
		return nil, nil, repoerr.New(repoerr.CodeReferenceIntegrity, op, "item %s is deleted", it.id).WithItem(it.id.String())
	}
	return v, st, nil
}

func (it *Item) hdr() header {
	if it.view.items == nil {
		return header{}
	}
	if st, ok := it.view.items[it.id]; ok {
		return st.hdr
	}
	return header{}
}

// ID returns the item's uuid.
func (it *Item) ID() ident.UUID { return it.id }

// View returns the owning view.
func (it *Item) View() *View { return it.view }

// Name returns the item's name among its siblings.
func (it *Item) Name() string { return it.hdr().name }

// Kind returns the item's kind, or nil.
func (it *Item) Kind() *schema.Kind { return it.hdr().kind }

// Status returns the status bits.
func (it *Item) Status() Status { return it.hdr().status }

// Version returns the version of the item's last committed mutation (0 for new items).
func (it *Item) Version() int64 { return it.hdr().version }

func (it *Item) IsNew() bool     { return it.Status()&StatusNew != 0 }
func (it *Item) IsDirty() bool   { return it.Status()&StatusDirty != 0 }
func (it *Item) IsDeleted() bool { return it.Status()&StatusDeleted != 0 }

// HasAspect reports whether the item's kind carries the aspect.
func (it *Item) HasAspect(name string) bool {
	k := it.Kind()
	return k != nil && k.HasAspect(name)
}

// Aspect returns an aspect of the item's kind.
func (it *Item) Aspect(name string) (ir.IRValue, bool) {
	k := it.Kind()
	if k == nil {
		return nil, false
	}
	return k.Aspect(name)
}

// Parent returns the containing item, or nil for roots.
func (it *Item) Parent(ctx context.Context) (*Item, error) {
	v, st, err := it.resolve("parent")
	if err != nil {
		return nil, err
	}
	if st.hdr.parent.IsNil() {
		return nil, nil
	}
	if _, err := v.state(ctx, st.hdr.parent); err != nil {
		return nil, err
	}
	return &Item{view: v, id: st.hdr.parent}, nil
}

// Children returns the live children ordered by name.
func (it *Item) Children(ctx context.Context) ([]*Item, error) {
	v, st, err := it.resolve("children")
	if err != nil {
		return nil, err
	}
	states, err := v.children(ctx, st.id)
	if err != nil {
		return nil, err
	}
	return v.handles(states), nil
}

// Path returns the absolute path "//root/.../name".
func (it *Item) Path(ctx context.Context) (string, error) {
	v, st, err := it.resolve("path")
	if err != nil {
		return "", err
	}
	var names []string
	for cur := st; ; {
		names = append(names, cur.hdr.name)
		if cur.hdr.parent.IsNil() {
			break
		}
		if len(names) > 1<<16 {
			return "", repoerr.New(repoerr.CodeRepositoryCorruption, "path", "parent cycle at %s", it.id)
		}
		if cur, err = v.state(ctx, cur.hdr.parent); err != nil {
			return "", err
		}
	}
	slices.Reverse(names)
	return "//" + strings.Join(names, "/"), nil
}

// GetAttributeValue returns a literal (ir.IRValue), the referenced *Item or
// a *RefDict. Unset attributes return their default, or NotFound.
func (it *Item) GetAttributeValue(ctx context.Context, name string) (any, error) {
	v, st, err := it.resolve("get attribute")
	if err != nil {
		return nil, err
	}
	attr, err := v.attribute(st, name)
	if err != nil {
		return nil, err
	}
	b, err := v.body(ctx, st)
	if err != nil {
		return nil, err
	}
	val := b.values[name]
	if val == nil {
		if attr.Default != nil {
			return attr.Default, nil
		}
		return nil, repoerr.New(repoerr.CodeNotFound, "get attribute", "no value").
			WithItem(st.id.String()).WithAttribute(name)
	}
	switch val.tag {
	case store.TagLiteral:
		return val.lit, nil
	case store.TagRef:
		return v.deref(ctx, val.ref)
	default:
		return &RefDict{item: it, attr: name}, nil
	}
}

// deref resolves a reference, failing ReferenceIntegrity if it dangles.
func (v *View) deref(ctx context.Context, id ident.UUID) (*Item, error) {
	st, err := v.state(ctx, id)
	if repoerr.IsNotFound(err) {
		return nil, repoerr.New(repoerr.CodeReferenceIntegrity, "dereference", "dangling reference to %s", id).WithItem(id.String())
	}
	if err != nil {
		return nil, err
	}
	if st.hdr.deleted() {
		return nil, repoerr.New(repoerr.CodeReferenceIntegrity, "dereference", "reference to deleted item %s", id).WithItem(id.String())
	}
	return &Item{view: v, id: id}, nil
}

// HasValue reports whether the attribute holds a value or a default.
func (it *Item) HasValue(ctx context.Context, name string) (bool, error) {
	_, err := it.GetAttributeValue(ctx, name)
	if repoerr.IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

// Fact reports an attribute the way predicates see it: stored values only,
// without kind defaults.
func (it *Item) Fact(ctx context.Context, name string) (queryir.Fact, error) {
	v, st, err := it.resolve("fact")
	if err != nil {
		return queryir.Fact{}, err
	}
	b, err := v.body(ctx, st)
	if err != nil {
		return queryir.Fact{}, err
	}
	return b.fact(name), nil
}

// Literal returns a literal attribute value.
func (it *Item) Literal(ctx context.Context, name string) (ir.IRValue, error) {
	raw, err := it.GetAttributeValue(ctx, name)
	if err != nil {
		return nil, err
	}
	lit, ok := raw.(ir.IRValue)
	if !ok {
		return nil, repoerr.New(repoerr.CodeSchemaViolation, "get attribute", "not a literal").
			WithItem(it.id.String()).WithAttribute(name)
	}
	return lit, nil
}

// String returns a string attribute value.
func (it *Item) String(ctx context.Context, name string) (string, error) {
	lit, err := it.Literal(ctx, name)
	if err != nil {
		return "", err
	}
	s, ok := lit.(ir.IRString)
	if !ok {
		return "", repoerr.New(repoerr.CodeSchemaViolation, "get attribute", "expected string, got %s", ir.TypeName(lit)).
			WithItem(it.id.String()).WithAttribute(name)
	}
	return string(s), nil
}

// Int returns an int attribute value.
func (it *Item) Int(ctx context.Context, name string) (int64, error) {
	lit, err := it.Literal(ctx, name)
	if err != nil {
		return 0, err
	}
	n, ok := lit.(ir.IRInt)
	if !ok {
		return 0, repoerr.New(repoerr.CodeSchemaViolation, "get attribute", "expected int, got %s", ir.TypeName(lit)).
			WithItem(it.id.String()).WithAttribute(name)
	}
	return int64(n), nil
}

// Bool returns a bool attribute value.
func (it *Item) Bool(ctx context.Context, name string) (bool, error) {
	lit, err := it.Literal(ctx, name)
	if err != nil {
		return false, err
	}
	b, ok := lit.(ir.IRBool)
	if !ok {
		return false, repoerr.New(repoerr.CodeSchemaViolation, "get attribute", "expected bool, got %s", ir.TypeName(lit)).
			WithItem(it.id.String()).WithAttribute(name)
	}
	return bool(b), nil
}

// Ref returns the item referenced by a single-valued attribute.
func (it *Item) Ref(ctx context.Context, name string) (*Item, error) {
	raw, err := it.GetAttributeValue(ctx, name)
	if err != nil {
		return nil, err
	}
	ref, ok := raw.(*Item)
	if !ok {
		return nil, repoerr.New(repoerr.CodeSchemaViolation, "get attribute", "not a single reference").
			WithItem(it.id.String()).WithAttribute(name)
	}
	return ref, nil
}

// RefDict returns the reference collection of a list or dict ref attribute,
// whether or not it holds members yet.
func (it *Item) RefDict(ctx context.Context, name string) (*RefDict, error) {
	v, st, err := it.resolve("refdict")
	if err != nil {
		return nil, err
	}
	attr, err := v.attribute(st, name)
	if err != nil {
		return nil, err
	}
	if !attr.IsRef() || !attr.IsCollection() {
		return nil, repoerr.New(repoerr.CodeSchemaViolation, "refdict", "not a reference collection").
			WithItem(st.id.String()).WithAttribute(name)
	}
	return &RefDict{item: it, attr: name}, nil
}

// SetAttributeValue replaces an attribute value. value is an ir.IRValue or Go
// literal for literal attributes, an *Item for single references and a
// []*Item for reference collections. Inverse sides are updated in the same
// operation; on a validation error nothing changes.
func (it *Item) SetAttributeValue(ctx context.Context, name string, val any) error {
	v, st, err := it.mutable("set attribute")
	if err != nil {
		return err
	}
	attr, err := v.attribute(st, name)
	if err != nil {
		return err
	}
	if val == nil {
		return repoerr.New(repoerr.CodeSchemaViolation, "set attribute", "nil value; use RemoveAttributeValue").
			WithItem(st.id.String()).WithAttribute(name)
	}
	if attr.IsRef() {
		return v.setRefs(ctx, st, attr, val)
	}
	lit, err := toLiteral(val)
	if err == nil {
		err = attr.CheckLiteral(lit)
	}
	if err != nil {
		return repoerr.Wrap(repoerr.CodeSchemaViolation, "set attribute", err).WithItem(st.id.String()).WithAttribute(name)
	}
	return v.setLiteral(ctx, st, name, ir.Clone(lit))
}

func (v *View) setLiteral(ctx context.Context, st *itemState, name string, lit ir.IRValue) error {
	b, err := v.touchAttr(ctx, st, name)
	if err != nil {
		return err
	}
	b.values[name] = &value{tag: store.TagLiteral, lit: lit}
	return v.memberChanged(ctx, st.id, name)
}

func toLiteral(val any) (ir.IRValue, error) {
	switch x := val.(type) {
	case *Item, []*Item:
		return nil, fmt.Errorf("attribute holds literals, got an item")
	case ir.IRValue:
		return x, nil
	default:
		return ir.FromGo(val)
	}
}

func (v *View) setRefs(ctx context.Context, st *itemState, attr *schema.Attribute, val any) error {
	var items []*Item
	switch x := val.(type) {
	case *Item:
		if attr.IsCollection() {
			items = []*Item{x}
		} else {
			target, err := v.live(ctx, x, "set attribute")
			if err != nil {
				return err
			}
			if err := v.planLink(ctx, st, attr, target, ""); err != nil {
				return err
			}
			return v.link(ctx, st, attr, target, "", ident.Nil)
		}
	case []*Item:
		if !attr.IsCollection() {
			return repoerr.New(repoerr.CodeSchemaViolation, "set attribute", "single reference cannot hold %d items", len(x)).
				WithItem(st.id.String()).WithAttribute(attr.Name)
		}
		items = x
	default:
		return repoerr.New(repoerr.CodeSchemaViolation, "set attribute", "expected items, got %T", val).
			WithItem(st.id.String()).WithAttribute(attr.Name)
	}

	targets := make([]*itemState, 0, len(items))
	seen := make(map[ident.UUID]bool, len(items))
	for _, item := range items {
		target, err := v.live(ctx, item, "set attribute")
		if err != nil {
			return err
		}
		if err := v.planLink(ctx, st, attr, target, ""); err != nil {
			return err
		}
		if !seen[target.id] {
			seen[target.id] = true
			targets = append(targets, target)
		}
	}
	current, err := v.members(ctx, st, attr)
	if err != nil {
		return err
	}
	for _, id := range current {
		if other, err := v.state(ctx, id); err == nil {
			if _, err := v.body(ctx, other); err != nil {
				return err
			}
		}
	}

	for _, id := range current {
		if !seen[id] {
			if err := v.unlink(ctx, st, attr, id); err != nil {
				return err
			}
		}
	}
	for _, target := range targets {
		if err := v.link(ctx, st, attr, target, "", ident.Nil); err != nil {
			return err
		}
	}
	b, err := v.touchAttr(ctx, st, attr.Name)
	if err != nil {
		return err
	}
	val2 := b.values[attr.Name]
	if val2 == nil || val2.refs == nil {
		val2 = &value{tag: store.TagRefs, refs: newRefList()}
		b.values[attr.Name] = val2
	}
	order := make([]ident.UUID, len(targets))
	for i, t := range targets {
		order[i] = t.id
	}
	val2.refs.reorder(order)
	return nil
}

// RemoveAttributeValue unsets an attribute, detaching inverse sides.
func (it *Item) RemoveAttributeValue(ctx context.Context, name string) error {
	v, st, err := it.mutable("remove attribute")
	if err != nil {
		return err
	}
	attr, err := v.attribute(st, name)
	if err != nil {
		return err
	}
	if attr.Required {
		return repoerr.New(repoerr.CodeSchemaViolation, "remove attribute", "attribute is required").
			WithItem(st.id.String()).WithAttribute(name)
	}
	b, err := v.body(ctx, st)
	if err != nil {
		return err
	}
	if b.values[name] == nil {
		return nil
	}
	if attr.IsRef() {
		if err := v.unsetRefs(ctx, st, attr); err != nil {
			return err
		}
	}
	if b, err = v.touchAttr(ctx, st, name); err != nil {
		return err
	}
	delete(b.values, name)
	return v.memberChanged(ctx, st.id, name)
}

// AddValue adds one member to a list or dict attribute. References go through
// the attribute's RefDict; dict literals need WithAlias for the key.
func (it *Item) AddValue(ctx context.Context, name string, val any, opts ...ValueOption) error {
	v, st, err := it.mutable("add value")
	if err != nil {
		return err
	}
	attr, err := v.attribute(st, name)
	if err != nil {
		return err
	}
	if !attr.IsCollection() {
		return repoerr.New(repoerr.CodeSchemaViolation, "add value", "attribute is single-valued").
			WithItem(st.id.String()).WithAttribute(name)
	}
	if attr.IsRef() {
		item, ok := val.(*Item)
		if !ok {
			return repoerr.New(repoerr.CodeSchemaViolation, "add value", "expected an item, got %T", val).
				WithItem(st.id.String()).WithAttribute(name)
		}
		return (&RefDict{item: it, attr: name}).Append(ctx, item, opts...)
	}

	elem, err := toLiteral(val)
	if err == nil {
		err = attr.CheckElement(elem)
	}
	if err != nil {
		return repoerr.Wrap(repoerr.CodeSchemaViolation, "add value", err).WithItem(st.id.String()).WithAttribute(name)
	}
	cur, err := v.currentLiteral(ctx, st, attr)
	if err != nil {
		return err
	}
	o := applyValueOptions(opts)
	if attr.Cardinality == schema.List {
		arr, _ := cur.(ir.IRArray)
		return v.setLiteral(ctx, st, name, append(slices.Clone(arr), ir.Clone(elem)))
	}
	if o.alias == "" {
		return repoerr.New(repoerr.CodeSchemaViolation, "add value", "dict values need WithAlias").
			WithItem(st.id.String()).WithAttribute(name)
	}
	obj := ir.IRObject{}
	if m, ok := cur.(ir.IRObject); ok {
		for k, x := range m {
			obj[k] = x
		}
	}
	obj[o.alias] = ir.Clone(elem)
	return v.setLiteral(ctx, st, name, obj)
}

// RemoveValue removes one member of a list or dict attribute: an *Item or
// alias for references, an element for literal lists, a key for literal dicts.
func (it *Item) RemoveValue(ctx context.Context, name string, val any) error {
	v, st, err := it.mutable("remove value")
	if err != nil {
		return err
	}
	attr, err := v.attribute(st, name)
	if err != nil {
		return err
	}
	if !attr.IsCollection() {
		return repoerr.New(repoerr.CodeSchemaViolation, "remove value", "attribute is single-valued").
			WithItem(st.id.String()).WithAttribute(name)
	}
	if attr.IsRef() {
		return (&RefDict{item: it, attr: name}).Remove(ctx, val)
	}
	cur, err := v.currentLiteral(ctx, st, attr)
	if err != nil {
		return err
	}
	notFound := repoerr.New(repoerr.CodeNotFound, "remove value", "no such member").
		WithItem(st.id.String()).WithAttribute(name)
	if attr.Cardinality == schema.List {
		elem, err := toLiteral(val)
		if err != nil {
			return repoerr.Wrap(repoerr.CodeSchemaViolation, "remove value", err).WithAttribute(name)
		}
		arr, _ := cur.(ir.IRArray)
		i := slices.IndexFunc(arr, func(x ir.IRValue) bool { return ir.Equal(x, elem) })
		if i < 0 {
			return notFound
		}
		return v.setLiteral(ctx, st, name, slices.Delete(slices.Clone(arr), i, i+1))
	}
	key, ok := val.(string)
	if s, isIR := val.(ir.IRString); isIR {
		key, ok = string(s), true
	}
	obj, _ := cur.(ir.IRObject)
	if !ok {
		return repoerr.New(repoerr.CodeSchemaViolation, "remove value", "dict members are removed by key").WithAttribute(name)
	}
	if _, present := obj[key]; !present {
		return notFound
	}
	next := make(ir.IRObject, len(obj)-1)
	for k, x := range obj {
		if k != key {
			next[k] = x
		}
	}
	return v.setLiteral(ctx, st, name, next)
}

// currentLiteral returns the stored literal or the default, or nil.
func (v *View) currentLiteral(ctx context.Context, st *itemState, attr *schema.Attribute) (ir.IRValue, error) {
	b, err := v.body(ctx, st)
	if err != nil {
		return nil, err
	}
	if val := b.values[attr.Name]; val != nil && val.tag == store.TagLiteral {
		return val.lit, nil
	}
	return attr.Default, nil
}

// Delete marks the item deleted, detaches every inverse reference to it and
// deletes its children.
func (it *Item) Delete(ctx context.Context) error {
	v, st, err := it.resolve("delete")
	if err != nil {
		return err
	}
	return v.deleteItem(ctx, st)
}

func (v *View) deleteItem(ctx context.Context, st *itemState) error {
	if st.hdr.deleted() {
		return nil
	}
	children, err := v.children(ctx, st.id)
	if err != nil {
		return err
	}
	b, err := v.body(ctx, st)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(b.values))
	for name, val := range b.values {
		if val.tag != store.TagLiteral {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	for _, name := range names {
		attr, err := v.attribute(st, name)
		if err != nil {
			continue
		}
		if attr.Inverse == "" {
			continue
		}
		if err := v.unsetRefs(ctx, st, attr); err != nil {
			return err
		}
	}
	v.touchHeader(st)
	st.hdr.status |= StatusDeleted
	for _, child := range children {
		if err := v.deleteItem(ctx, child); err != nil {
			return err
		}
	}
	return nil
}

// Move reparents the item; nil makes it a root.
func (it *Item) Move(ctx context.Context, newParent *Item) error {
	v, st, err := it.mutable("move")
	if err != nil {
		return err
	}
	parentID := ident.Nil
	var pst *itemState
	if newParent != nil {
		if pst, err = v.live(ctx, newParent, "move"); err != nil {
			return err
		}
		parentID = pst.id
		for cur := pst; ; {
			if cur.id == st.id {
				return repoerr.New(repoerr.CodeReferenceIntegrity, "move",
					"cannot move %s under itself", st.hdr.name).WithItem(st.id.String())
			}
			if cur.hdr.parent.IsNil() {
				break
			}
			if cur, err = v.state(ctx, cur.hdr.parent); err != nil {
				return err
			}
		}
	}
	if parentID == st.hdr.parent {
		return nil
	}
	if err := v.checkSibling(ctx, st, parentID, st.hdr.name, "move"); err != nil {
		return err
	}
	v.touchHeader(st)
	st.hdr.parent = parentID
	if pst != nil && pst.hdr.status&StatusContainer == 0 {
		v.touchHeader(pst)
		pst.hdr.status |= StatusContainer
	}
	return nil
}

// Rename changes the item's name among its siblings.
func (it *Item) Rename(ctx context.Context, name string) error {
	v, st, err := it.mutable("rename")
	if err != nil {
		return err
	}
	if err := validateItemName(name); err != nil {
		return err
	}
	if name == st.hdr.name {
		return nil
	}
	if err := v.checkSibling(ctx, st, st.hdr.parent, name, "rename"); err != nil {
		return err
	}
	v.touchHeader(st)
	st.hdr.name = name
	return nil
}

func (v *View) checkSibling(ctx context.Context, st *itemState, parent ident.UUID, name, op string) error {
	other, err := v.findChild(ctx, parent, name)
	if err != nil {
		return err
	}
	if other != nil && other.id != st.id {
		return repoerr.New(repoerr.CodeNameCollision, op, "a child named %q already exists", name).WithItem(name)
	}
	return nil
}
