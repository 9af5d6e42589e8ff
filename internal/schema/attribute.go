package schema

import (
	"fmt"

	"github.com/roach88/kindstore/internal/ir"
)

// Cardinality is the number of values an attribute holds.
type Cardinality string

const (
	Single Cardinality = "single"
	List   Cardinality = "list"
	Dict   Cardinality = "dict"
)

// Type constrains attribute values. TypeRef values are items; the others are ir literals.
type Type string

const (
	TypeString Type = "string"
	TypeInt    Type = "int"
	TypeBool   Type = "bool"
	TypeArray  Type = "array"
	TypeObject Type = "object"
	TypeAny    Type = "any"
	TypeRef    Type = "ref"
)

var validTypes = map[Type]bool{
	TypeString: true, TypeInt: true, TypeBool: true, TypeArray: true,
	TypeObject: true, TypeAny: true, TypeRef: true,
}

var validCardinalities = map[Cardinality]bool{Single: true, List: true, Dict: true}

// Attribute describes one attribute of a kind.
type Attribute struct {
	Name        string
	Cardinality Cardinality
	Type        Type

	// Required attributes must hold a value (or have a Default) when committed.
	Required bool

	// Default is returned for unset attributes. Literal types only.
	Default ir.IRValue

	// Inverse names the attribute on the referenced item that points back.
	// Refs only. The repository keeps both sides paired.
	Inverse string

	// Target restricts referenced items to this kind or its sub-kinds. Refs only.
	Target string

	// TextIndexed marks string attributes searched by text queries.
	TextIndexed bool
}

// IsRef reports whether values are item references.
func (a *Attribute) IsRef() bool {
	return a.Type == TypeRef
}

// IsCollection reports list or dict cardinality.
func (a *Attribute) IsCollection() bool {
	return a.Cardinality == List || a.Cardinality == Dict
}

// CheckElement validates one element (the whole value for single cardinality,
// one member for collections) against the type constraint.
func (a *Attribute) CheckElement(v ir.IRValue) error {
	if a.IsRef() {
		return fmt.Errorf("attribute %q holds references, not literals", a.Name)
	}
	if v == nil {
		return fmt.Errorf("attribute %q: missing value", a.Name)
	}
	if _, isNull := v.(ir.IRNull); isNull {
		return fmt.Errorf("attribute %q: null is not a value", a.Name)
	}
	if a.Type == TypeAny {
		return nil
	}
	if got := ir.TypeName(v); got != string(a.Type) {
		return fmt.Errorf("attribute %q expects %s, got %s", a.Name, a.Type, got)
	}
	return nil
}

// CheckLiteral validates a complete literal value: the element itself for
// single cardinality, an array of elements for lists, an object of elements
// for dicts.
func (a *Attribute) CheckLiteral(v ir.IRValue) error {
	switch a.Cardinality {
	case List:
		arr, ok := v.(ir.IRArray)
		if !ok {
			return fmt.Errorf("attribute %q is a list, got %s", a.Name, ir.TypeName(v))
		}
		for i, elem := range arr {
			if err := a.CheckElement(elem); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		return nil
	case Dict:
		obj, ok := v.(ir.IRObject)
		if !ok {
			return fmt.Errorf("attribute %q is a dict, got %s", a.Name, ir.TypeName(v))
		}
		for k, elem := range obj {
			if err := a.CheckElement(elem); err != nil {
				return fmt.Errorf("[%q]: %w", k, err)
			}
		}
		return nil
	default:
		return a.CheckElement(v)
	}
}

// normalize fills defaults and validates the definition itself.
func (a *Attribute) normalize() error {
	if a.Name == "" {
		return fmt.Errorf("attribute name is required")
	}
	if a.Cardinality == "" {
		a.Cardinality = Single
	}
	if a.Type == "" {
		a.Type = TypeAny
	}
	if !validCardinalities[a.Cardinality] {
		return fmt.Errorf("attribute %q: unknown cardinality %q", a.Name, a.Cardinality)
	}
	if !validTypes[a.Type] {
		return fmt.Errorf("attribute %q: unknown type %q", a.Name, a.Type)
	}
	if !a.IsRef() {
		if a.Inverse != "" {
			return fmt.Errorf("attribute %q: inverse requires type ref", a.Name)
		}
		if a.Target != "" {
			return fmt.Errorf("attribute %q: target requires type ref", a.Name)
		}
	}
	if a.Default != nil {
		if a.IsRef() {
			return fmt.Errorf("attribute %q: references cannot have a default", a.Name)
		}
		if err := a.CheckLiteral(a.Default); err != nil {
			return fmt.Errorf("default: %w", err)
		}
	}
	if a.TextIndexed && a.Type != TypeString {
		return fmt.Errorf("attribute %q: only string attributes can be text indexed", a.Name)
	}
	return nil
}

func (a *Attribute) toIR() ir.IRObject {
	obj := ir.IRObject{
		"name":        ir.IRString(a.Name),
		"cardinality": ir.IRString(a.Cardinality),
		"type":        ir.IRString(a.Type),
	}
	if a.Required {
		obj["required"] = ir.IRBool(true)
	}
	if a.Default != nil {
		obj["default"] = a.Default
	}
	if a.Inverse != "" {
		obj["inverse"] = ir.IRString(a.Inverse)
	}
	if a.Target != "" {
		obj["target"] = ir.IRString(a.Target)
	}
	if a.TextIndexed {
		obj["textIndexed"] = ir.IRBool(true)
	}
	return obj
}

func attributeFromIR(obj ir.IRObject) (Attribute, error) {
	var a Attribute
	var err error
	if a.Name, err = stringField(obj, "name"); err != nil {
		return a, err
	}
	card, err := stringField(obj, "cardinality")
	if err != nil {
		return a, err
	}
	a.Cardinality = Cardinality(card)
	typ, err := stringField(obj, "type")
	if err != nil {
		return a, err
	}
	a.Type = Type(typ)
	if v, ok := obj["required"].(ir.IRBool); ok {
		a.Required = bool(v)
	}
	if v, ok := obj["default"]; ok {
		a.Default = v
	}
	if v, ok := obj["inverse"].(ir.IRString); ok {
		a.Inverse = string(v)
	}
	if v, ok := obj["target"].(ir.IRString); ok {
		a.Target = string(v)
	}
	if v, ok := obj["textIndexed"].(ir.IRBool); ok {
		a.TextIndexed = bool(v)
	}
	return a, nil
}

func stringField(obj ir.IRObject, key string) (string, error) {
	v, ok := obj[key].(ir.IRString)
	if !ok {
		return "", fmt.Errorf("field %q: expected string", key)
	}
	return string(v), nil
}
