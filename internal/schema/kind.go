package schema

import (
	"iter"
	"slices"

	"github.com/roach88/kindstore/internal/ident"
	"github.com/roach88/kindstore/internal/ir"
)

// Namespace derives kind identities: Kind.ID() == ident.Named(Namespace, name).
var Namespace = ident.MustParse("3f6c2a94-5d1e-5b7a-9c40-8e2d7f1b6a03")

// Kind is a schema descriptor for a class of items.
//
// Kinds are immutable once defined, apart from the sub-kind list which the
// registry extends as new kinds name this one as a super kind.
type Kind struct {
	id      ident.UUID
	name    string
	supers  []*Kind
	subs    []*Kind
	attrs   []*Attribute
	byName  map[string]*Attribute
	aspects map[string]ir.IRValue
	def     Definition
	reg     *Registry
}

// AttributeEntry is one element of Kind.Attributes.
type AttributeEntry struct {
	Name  string
	Def   *Attribute
	Owner *Kind
}

// ID returns the kind's stable identity.
func (k *Kind) ID() ident.UUID { return k.id }

// Name returns the kind name.
func (k *Kind) Name() string { return k.name }

// String implements fmt.Stringer.
func (k *Kind) String() string { return k.name }

// SuperKinds returns the direct super kinds in declaration order.
func (k *Kind) SuperKinds() []*Kind { return slices.Clone(k.supers) }

// SubKinds returns the direct sub kinds, sorted by name.
func (k *Kind) SubKinds() []*Kind {
	k.reg.mu.RLock()
	defer k.reg.mu.RUnlock()
	return slices.Clone(k.subs)
}

// Definition returns the definition the kind was created from.
func (k *Kind) Definition() Definition { return k.def.clone() }

// Attribute looks up an attribute definition: local attributes first, then
// each super kind depth-first in declaration order. The first match wins, so
// the most-derived definition of a name shadows inherited ones.
func (k *Kind) Attribute(name string) (*Attribute, *Kind, bool) {
	for e := range k.Attributes(true) {
		if e.Name == name {
			return e.Def, e.Owner, true
		}
	}
	return nil, nil, false
}

// Attributes yields (name, definition, owning kind) lazily. With recursive
// set, inherited attributes follow in the same order Attribute searches them;
// a shadowed name is yielded only once. The sequence is restartable.
func (k *Kind) Attributes(recursive bool) iter.Seq[AttributeEntry] {
	return func(yield func(AttributeEntry) bool) {
		seen := make(map[string]bool)
		visited := make(map[*Kind]bool)
		var walk func(*Kind) bool
		walk = func(kind *Kind) bool {
			if visited[kind] {
				return true
			}
			visited[kind] = true
			for _, a := range kind.attrs {
				if seen[a.Name] {
					continue
				}
				seen[a.Name] = true
				if !yield(AttributeEntry{Name: a.Name, Def: a, Owner: kind}) {
					return false
				}
			}
			if !recursive {
				return true
			}
			for _, s := range kind.supers {
				if !walk(s) {
					return false
				}
			}
			return true
		}
		walk(k)
	}
}

// IsSubKindOf reports whether k is other or inherits from it.
func (k *Kind) IsSubKindOf(other *Kind) bool {
	if other == nil {
		return false
	}
	if k == other || k.id == other.id {
		return true
	}
	for _, s := range k.supers {
		if s.IsSubKindOf(other) {
			return true
		}
	}
	return false
}

// Extent returns the kinds whose items form this kind's extent: the kind
// itself and, when recursive, every transitive sub kind. Each kind appears once.
func (k *Kind) Extent(recursive bool) []*Kind {
	if !recursive {
		return []*Kind{k}
	}
	k.reg.mu.RLock()
	defer k.reg.mu.RUnlock()

	var out []*Kind
	seen := make(map[*Kind]bool)
	queue := []*Kind{k}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		out = append(out, cur)
		queue = append(queue, cur.subs...)
	}
	return out
}

// HasAspect reports whether the kind or one of its super kinds carries the aspect.
func (k *Kind) HasAspect(name string) bool {
	_, ok := k.Aspect(name)
	return ok
}

// Aspect returns an aspect value, searching super kinds like Attribute does.
func (k *Kind) Aspect(name string) (ir.IRValue, bool) {
	if v, ok := k.aspects[name]; ok {
		return v, true
	}
	for _, s := range k.supers {
		if v, ok := s.Aspect(name); ok {
			return v, true
		}
	}
	return nil, false
}
