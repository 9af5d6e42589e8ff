package repo

import (
	"context"

	"github.com/roach88/kindstore/internal/ident"
	"github.com/roach88/kindstore/internal/repoerr"
	"github.com/roach88/kindstore/internal/schema"
	"github.com/roach88/kindstore/internal/store"
)

// attribute returns the definition of name for st. Items without a kind
// accept any single-valued literal.
func (v *View) attribute(st *itemState, name string) (*schema.Attribute, error) {
	if st.hdr.kind == nil {
		return &schema.Attribute{Name: name, Cardinality: schema.Single, Type: schema.TypeAny}, nil
	}
	a, _, ok := st.hdr.kind.Attribute(name)
	if !ok {
		return nil, repoerr.New(repoerr.CodeSchemaViolation, "attribute",
			"kind %s has no attribute %q", st.hdr.kind.Name(), name).WithItem(st.id.String()).WithAttribute(name)
	}
	return a, nil
}

// inverseOf returns the attribute on target paired with attr, or nil when
// attr is one-way. Both sides must name each other.
func (v *View) inverseOf(attr *schema.Attribute, target *itemState) (*schema.Attribute, error) {
	if attr.Inverse == "" {
		return nil, nil
	}
	if target.hdr.kind == nil {
		return nil, repoerr.New(repoerr.CodeSchemaViolation, "link",
			"item %s has no kind to hold inverse %q", target.id, attr.Inverse).WithAttribute(attr.Name)
	}
	inv, _, ok := target.hdr.kind.Attribute(attr.Inverse)
	if !ok {
		return nil, repoerr.New(repoerr.CodeSchemaViolation, "link",
			"kind %s has no inverse attribute %q", target.hdr.kind.Name(), attr.Inverse).WithAttribute(attr.Name)
	}
	if !inv.IsRef() || inv.Inverse != attr.Name {
		return nil, repoerr.New(repoerr.CodeSchemaViolation, "link",
			"attribute %s.%s must be a reference naming %q as its inverse",
			target.hdr.kind.Name(), inv.Name, attr.Name).WithAttribute(attr.Name)
	}
	return inv, nil
}

// checkTarget validates a reference target against attr.
func (v *View) checkTarget(attr *schema.Attribute, target *itemState) error {
	if target.hdr.deleted() {
		return repoerr.New(repoerr.CodeReferenceIntegrity, "link",
			"item %s is deleted", target.id).WithAttribute(attr.Name)
	}
	if attr.Target == "" {
		return nil
	}
	want, ok := v.repo.reg.Lookup(attr.Target)
	if !ok {
		return repoerr.New(repoerr.CodeSchemaViolation, "link",
			"attribute %q targets unknown kind %q", attr.Name, attr.Target).WithAttribute(attr.Name)
	}
	if target.hdr.kind == nil || !target.hdr.kind.IsSubKindOf(want) {
		return repoerr.New(repoerr.CodeSchemaViolation, "link",
			"attribute %q expects a %s", attr.Name, attr.Target).WithItem(target.id.String()).WithAttribute(attr.Name)
	}
	return nil
}

// singleRef returns the reference held by a single-valued attribute.
func (v *View) singleRef(ctx context.Context, st *itemState, name string) (ident.UUID, error) {
	b, err := v.body(ctx, st)
	if err != nil {
		return ident.Nil, err
	}
	if val := b.values[name]; val != nil && val.tag == store.TagRef {
		return val.ref, nil
	}
	return ident.Nil, nil
}

// members returns the references held by attr in list order.
func (v *View) members(ctx context.Context, st *itemState, attr *schema.Attribute) ([]ident.UUID, error) {
	b, err := v.body(ctx, st)
	if err != nil {
		return nil, err
	}
	val := b.values[attr.Name]
	switch {
	case val == nil:
		return nil, nil
	case val.tag == store.TagRef:
		return []ident.UUID{val.ref}, nil
	case val.refs != nil:
		return val.refs.slice(), nil
	}
	return nil, nil
}

// planLink validates a link and loads every body the link will touch, so the
// mutation that follows cannot fail halfway on validation.
func (v *View) planLink(ctx context.Context, st *itemState, attr *schema.Attribute, target *itemState, alias string) error {
	if err := v.checkTarget(attr, target); err != nil {
		return err
	}
	inv, err := v.inverseOf(attr, target)
	if err != nil {
		return err
	}
	b, err := v.body(ctx, st)
	if err != nil {
		return err
	}
	if _, err := v.body(ctx, target); err != nil {
		return err
	}
	if attr.IsCollection() {
		if alias != "" {
			if val := b.values[attr.Name]; val != nil && val.refs != nil {
				if owner, ok := val.refs.aliases[alias]; ok && owner != target.id {
					return repoerr.New(repoerr.CodeNameCollision, "link",
						"alias %q is already used", alias).WithItem(st.id.String()).WithAttribute(attr.Name)
				}
			}
		}
	} else if err := v.prefetchRef(ctx, st, attr.Name); err != nil {
		return err
	}
	if inv != nil && !inv.IsCollection() {
		return v.prefetchRef(ctx, target, inv.Name)
	}
	return nil
}

func (v *View) prefetchRef(ctx context.Context, st *itemState, name string) error {
	cur, err := v.singleRef(ctx, st, name)
	if err != nil || cur.IsNil() {
		return err
	}
	holder, err := v.state(ctx, cur)
	if repoerr.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = v.body(ctx, holder)
	return err
}

// link makes target a value of st.attr and pairs the inverse side. before
// positions the member in a collection; ident.Nil appends.
func (v *View) link(ctx context.Context, st *itemState, attr *schema.Attribute, target *itemState, alias string, before ident.UUID) error {
	if !attr.IsCollection() {
		cur, err := v.singleRef(ctx, st, attr.Name)
		if err != nil {
			return err
		}
		if cur == target.id {
			return nil
		}
		if !cur.IsNil() {
			if err := v.unlink(ctx, st, attr, cur); err != nil {
				return err
			}
		}
	}
	if err := v.rawAdd(ctx, st, attr, target.id, alias, before); err != nil {
		return err
	}
	inv, err := v.inverseOf(attr, target)
	if err != nil || inv == nil {
		return err
	}
	if !inv.IsCollection() {
		cur, err := v.singleRef(ctx, target, inv.Name)
		if err != nil {
			return err
		}
		if cur == st.id {
			return nil
		}
		if !cur.IsNil() {
			if err := v.displace(ctx, cur, inv.Inverse, target.id); err != nil {
				return err
			}
		}
	}
	return v.rawAdd(ctx, target, inv, st.id, "", ident.Nil)
}

// displace removes target from the forward attribute of its previous holder.
func (v *View) displace(ctx context.Context, holderID ident.UUID, name string, target ident.UUID) error {
	holder, err := v.state(ctx, holderID)
	if repoerr.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	hattr, err := v.attribute(holder, name)
	if err != nil {
		return nil
	}
	return v.rawRemove(ctx, holder, hattr, target)
}

// unlink removes id from st.attr and st from id's inverse attribute.
func (v *View) unlink(ctx context.Context, st *itemState, attr *schema.Attribute, id ident.UUID) error {
	if err := v.rawRemove(ctx, st, attr, id); err != nil {
		return err
	}
	if attr.Inverse == "" {
		return nil
	}
	target, err := v.state(ctx, id)
	if repoerr.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	inv, err := v.inverseOf(attr, target)
	if err != nil {
		return nil
	}
	return v.rawRemove(ctx, target, inv, st.id)
}

// rawAdd records id on one side only.
func (v *View) rawAdd(ctx context.Context, st *itemState, attr *schema.Attribute, id ident.UUID, alias string, before ident.UUID) error {
	if !attr.IsCollection() {
		if cur, err := v.singleRef(ctx, st, attr.Name); err != nil || cur == id {
			return err
		}
		b, err := v.touchAttr(ctx, st, attr.Name)
		if err != nil {
			return err
		}
		b.values[attr.Name] = &value{tag: store.TagRef, ref: id}
		return v.memberChanged(ctx, st.id, attr.Name)
	}

	b, err := v.body(ctx, st)
	if err != nil {
		return err
	}
	if val := b.values[attr.Name]; val != nil && val.refs != nil && val.refs.contains(id) {
		return nil
	}
	if b, err = v.touchAttr(ctx, st, attr.Name); err != nil {
		return err
	}
	val := b.values[attr.Name]
	if val == nil || val.refs == nil {
		val = &value{tag: store.TagRefs, refs: newRefList()}
		b.values[attr.Name] = val
	}
	if !before.IsNil() && !val.refs.contains(before) {
		before = ident.Nil
	}
	val.refs.insertBefore(id, before, alias)
	return v.memberAdded(ctx, st, attr.Name, val.refs, id)
}

// rawRemove drops id from one side only.
func (v *View) rawRemove(ctx context.Context, st *itemState, attr *schema.Attribute, id ident.UUID) error {
	b, err := v.body(ctx, st)
	if err != nil {
		return err
	}
	val := b.values[attr.Name]
	switch {
	case val == nil:
		return nil
	case val.tag == store.TagRef:
		if val.ref != id {
			return nil
		}
		if b, err = v.touchAttr(ctx, st, attr.Name); err != nil {
			return err
		}
		delete(b.values, attr.Name)
		return v.memberChanged(ctx, st.id, attr.Name)
	case val.refs != nil:
		if !val.refs.contains(id) {
			return nil
		}
		if b, err = v.touchAttr(ctx, st, attr.Name); err != nil {
			return err
		}
		rl := b.values[attr.Name].refs
		rl.remove(id)
		v.memberRemoved(st, attr.Name, rl, id)
	}
	return nil
}

// unsetRefs unlinks every value of a reference attribute.
func (v *View) unsetRefs(ctx context.Context, st *itemState, attr *schema.Attribute) error {
	ids, err := v.members(ctx, st, attr)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := v.unlink(ctx, st, attr, id); err != nil {
			return err
		}
	}
	return nil
}
