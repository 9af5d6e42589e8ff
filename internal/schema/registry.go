package schema

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/kindstore/internal/ident"
	"github.com/roach88/kindstore/internal/ir"
	"github.com/roach88/kindstore/internal/repoerr"
)

// Definition is the declarative form of a kind, as loaded from CUE files or
// from the store.
type Definition struct {
	Name       string
	SuperKinds []string
	Attributes []Attribute
	Aspects    map[string]ir.IRValue
}

func (d Definition) clone() Definition {
	c := Definition{
		Name:       d.Name,
		SuperKinds: slices.Clone(d.SuperKinds),
		Attributes: slices.Clone(d.Attributes),
	}
	if d.Aspects != nil {
		c.Aspects = maps.Clone(d.Aspects)
	}
	return c
}

// ToIR returns the canonical description persisted by the store.
func (d Definition) ToIR() ir.IRObject {
	supers := make(ir.IRArray, len(d.SuperKinds))
	for i, s := range d.SuperKinds {
		supers[i] = ir.IRString(s)
	}
	attrs := make(ir.IRArray, len(d.Attributes))
	for i := range d.Attributes {
		attrs[i] = d.Attributes[i].toIR()
	}
	obj := ir.IRObject{
		"name":       ir.IRString(d.Name),
		"superKinds": supers,
		"attributes": attrs,
	}
	if len(d.Aspects) > 0 {
		aspects := make(ir.IRObject, len(d.Aspects))
		for k, v := range d.Aspects {
			aspects[k] = v
		}
		obj["aspects"] = aspects
	}
	return obj
}

// DefinitionFromIR decodes the output of ToIR.
func DefinitionFromIR(v ir.IRValue) (Definition, error) {
	obj, ok := v.(ir.IRObject)
	if !ok {
		return Definition{}, fmt.Errorf("kind definition: expected object, got %s", ir.TypeName(v))
	}
	var d Definition
	var err error
	if d.Name, err = stringField(obj, "name"); err != nil {
		return d, fmt.Errorf("kind definition: %w", err)
	}
	supers, _ := obj["superKinds"].(ir.IRArray)
	for _, s := range supers {
		name, ok := s.(ir.IRString)
		if !ok {
			return d, fmt.Errorf("kind %s: super kind names must be strings", d.Name)
		}
		d.SuperKinds = append(d.SuperKinds, string(name))
	}
	attrs, _ := obj["attributes"].(ir.IRArray)
	for _, a := range attrs {
		ao, ok := a.(ir.IRObject)
		if !ok {
			return d, fmt.Errorf("kind %s: attribute must be an object", d.Name)
		}
		attr, err := attributeFromIR(ao)
		if err != nil {
			return d, fmt.Errorf("kind %s: %w", d.Name, err)
		}
		d.Attributes = append(d.Attributes, attr)
	}
	if aspects, ok := obj["aspects"].(ir.IRObject); ok {
		d.Aspects = make(map[string]ir.IRValue, len(aspects))
		for k, v := range aspects {
			d.Aspects[k] = v
		}
	}
	return d, nil
}

// Digest identifies a definition's content; equal definitions share a digest.
func (d Definition) Digest() (string, error) {
	return ir.Digest(ir.DomainKind, d.ToIR())
}

// Registry holds the kinds of one repository and maintains the sub-kind
// inverse of every super-kind link.
type Registry struct {
	mu     sync.RWMutex
	byID   map[ident.UUID]*Kind
	byName map[string]*Kind
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[ident.UUID]*Kind),
		byName: make(map[string]*Kind),
	}
}

// Define registers a kind. Super kinds must already be defined. Defining an
// existing name again is a no-op when the definitions are identical and a
// SchemaViolation otherwise.
func (r *Registry) Define(def Definition) (*Kind, error) {
	def = def.clone()
	if err := validateName(def.Name); err != nil {
		return nil, repoerr.New(repoerr.CodeSchemaViolation, "define kind", "%v", err)
	}

	local := make(map[string]bool, len(def.Attributes))
	for i := range def.Attributes {
		a := &def.Attributes[i]
		if err := a.normalize(); err != nil {
			return nil, repoerr.New(repoerr.CodeSchemaViolation, "define kind", "kind %s: %v", def.Name, err)
		}
		if local[a.Name] {
			return nil, repoerr.New(repoerr.CodeSchemaViolation, "define kind",
				"kind %s: duplicate attribute %q", def.Name, a.Name)
		}
		local[a.Name] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byName[def.Name]; ok {
		same, err := sameDefinition(existing.def, def)
		if err != nil {
			return nil, repoerr.New(repoerr.CodeSchemaViolation, "define kind", "kind %s: %v", def.Name, err)
		}
		if !same {
			return nil, repoerr.New(repoerr.CodeSchemaViolation, "define kind",
				"kind %s is already defined differently", def.Name)
		}
		return existing, nil
	}

	k := &Kind{
		id:      ident.Named(Namespace, def.Name),
		name:    def.Name,
		byName:  make(map[string]*Attribute, len(def.Attributes)),
		aspects: def.Aspects,
		def:     def,
		reg:     r,
	}
	for _, sname := range def.SuperKinds {
		super, ok := r.byName[sname]
		if !ok {
			return nil, repoerr.New(repoerr.CodeSchemaViolation, "define kind",
				"kind %s: unknown super kind %q", def.Name, sname)
		}
		if slices.Contains(k.supers, super) {
			return nil, repoerr.New(repoerr.CodeSchemaViolation, "define kind",
				"kind %s: super kind %q listed twice", def.Name, sname)
		}
		k.supers = append(k.supers, super)
	}
	for i := range def.Attributes {
		a := &def.Attributes[i]
		k.attrs = append(k.attrs, a)
		k.byName[a.Name] = a
	}

	for _, super := range k.supers {
		super.subs = append(super.subs, k)
		slices.SortFunc(super.subs, func(a, b *Kind) int { return strings.Compare(a.name, b.name) })
	}
	r.byName[k.name] = k
	r.byID[k.id] = k
	return k, nil
}

// Lookup returns a kind by name.
func (r *Registry) Lookup(name string) (*Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.byName[name]
	return k, ok
}

// ByID returns a kind by identity.
func (r *Registry) ByID(id ident.UUID) (*Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.byID[id]
	return k, ok
}

// Kinds returns every kind sorted by name.
func (r *Registry) Kinds() []*Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Kind, 0, len(r.byName))
	for _, k := range r.byName {
		out = append(out, k)
	}
	slices.SortFunc(out, func(a, b *Kind) int { return strings.Compare(a.name, b.name) })
	return out
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("kind name is required")
	}
	if strings.ContainsAny(name, "/ \t\n") {
		return fmt.Errorf("kind name %q contains separators or whitespace", name)
	}
	return nil
}

func sameDefinition(a, b Definition) (bool, error) {
	da, err := a.Digest()
	if err != nil {
		return false, err
	}
	db, err := b.Digest()
	if err != nil {
		return false, err
	}
	return da == db, nil
}
