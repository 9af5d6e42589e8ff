package index

import (
	"fmt"

	"golang.org/x/text/language"

	"github.com/roach88/kindstore/internal/ident"
	"github.com/roach88/kindstore/internal/ir"
)

// Type selects how an index orders the members of a collection.
type Type string

const (
	// Numeric keeps the collection's own insertion order.
	Numeric Type = "numeric"
	// Value orders members by one or more of their attribute values.
	Value Type = "value"
	// Subindex orders members by their position in another collection's index.
	Subindex Type = "subindex"
)

// SuperRef identifies the index a subindex follows.
type SuperRef struct {
	Owner     ident.UUID
	Attribute string
	Index     string
}

// Spec describes an index; it is persisted with the collection it is attached to.
type Spec struct {
	Name       string
	Type       Type
	Attributes []string
	Locale     string
	Descending bool
	Super      *SuperRef
}

// Validate checks that the parameters fit the index type.
func (s Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("index name is required")
	}
	switch s.Type {
	case Numeric:
		if len(s.Attributes) > 0 || s.Super != nil {
			return fmt.Errorf("index %q: numeric indexes take no parameters", s.Name)
		}
	case Value:
		if len(s.Attributes) == 0 {
			return fmt.Errorf("index %q: value index needs at least one attribute", s.Name)
		}
		if s.Super != nil {
			return fmt.Errorf("index %q: value index cannot follow another index", s.Name)
		}
		if s.Locale != "" {
			if _, err := language.Parse(s.Locale); err != nil {
				return fmt.Errorf("index %q: locale %q: %w", s.Name, s.Locale, err)
			}
		}
	case Subindex:
		if s.Super == nil || s.Super.Attribute == "" || s.Super.Index == "" {
			return fmt.Errorf("index %q: subindex needs owner, attribute and index", s.Name)
		}
	default:
		return fmt.Errorf("index %q: unknown type %q", s.Name, s.Type)
	}
	return nil
}

// ToIR encodes the spec for persistence.
func (s Spec) ToIR() ir.IRObject {
	obj := ir.IRObject{
		"name": ir.IRString(s.Name),
		"type": ir.IRString(s.Type),
	}
	if len(s.Attributes) > 0 {
		attrs := make(ir.IRArray, len(s.Attributes))
		for i, a := range s.Attributes {
			attrs[i] = ir.IRString(a)
		}
		obj["attributes"] = attrs
	}
	if s.Locale != "" {
		obj["locale"] = ir.IRString(s.Locale)
	}
	if s.Descending {
		obj["descending"] = ir.IRBool(true)
	}
	if s.Super != nil {
		obj["super"] = ir.IRObject{
			"owner":     ir.IRString(s.Super.Owner.String()),
			"attribute": ir.IRString(s.Super.Attribute),
			"index":     ir.IRString(s.Super.Index),
		}
	}
	return obj
}

// SpecFromIR decodes the output of ToIR.
func SpecFromIR(v ir.IRValue) (Spec, error) {
	obj, ok := v.(ir.IRObject)
	if !ok {
		return Spec{}, fmt.Errorf("index spec: expected object, got %s", ir.TypeName(v))
	}
	var s Spec
	name, _ := obj["name"].(ir.IRString)
	typ, _ := obj["type"].(ir.IRString)
	s.Name, s.Type = string(name), Type(typ)
	if attrs, ok := obj["attributes"].(ir.IRArray); ok {
		for _, a := range attrs {
			str, ok := a.(ir.IRString)
			if !ok {
				return s, fmt.Errorf("index %q: attribute names must be strings", s.Name)
			}
			s.Attributes = append(s.Attributes, string(str))
		}
	}
	if loc, ok := obj["locale"].(ir.IRString); ok {
		s.Locale = string(loc)
	}
	if desc, ok := obj["descending"].(ir.IRBool); ok {
		s.Descending = bool(desc)
	}
	if sup, ok := obj["super"].(ir.IRObject); ok {
		owner, _ := sup["owner"].(ir.IRString)
		id, err := ident.Parse(string(owner))
		if err != nil {
			return s, fmt.Errorf("index %q: super owner: %w", s.Name, err)
		}
		attr, _ := sup["attribute"].(ir.IRString)
		idx, _ := sup["index"].(ir.IRString)
		s.Super = &SuperRef{Owner: id, Attribute: string(attr), Index: string(idx)}
	}
	return s, s.Validate()
}
