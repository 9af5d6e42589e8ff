package compiler

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/kindstore/internal/ir"
	"github.com/roach88/kindstore/internal/schema"
)

// CompileKind parses a CUE value into a kind definition.
// Uses CUE SDK's Go API directly (not CLI subprocess).
//
// The CUE value should be the kind struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`kind: Movie: { attributes: { title: string } }`)
//	def, err := CompileKind(v.LookupPath(cue.ParsePath("kind.Movie")))
//
// Attributes are either a type shorthand (title: string, rating: string |
// *"unrated") or a struct with a type field:
//
//	actors: {type: "ref", cardinality: "dict", inverse: "movies", target: "Person"}
func CompileKind(v cue.Value) (*schema.Definition, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	def := &schema.Definition{}

	// Kind name comes from the struct label (the path selector)
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		def.Name = labels[len(labels)-1].String()
	}
	if def.Name == "" {
		return nil, &CompileError{Field: "kind", Message: "kind name is required", Pos: v.Pos()}
	}

	supersVal := v.LookupPath(cue.ParsePath("superKinds"))
	if supersVal.Exists() {
		list, err := supersVal.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for list.Next() {
			name, err := list.Value().String()
			if err != nil {
				return nil, formatCUEError(err)
			}
			def.SuperKinds = append(def.SuperKinds, name)
		}
	}

	attrs, err := parseAttributes(v)
	if err != nil {
		return nil, err
	}
	def.Attributes = attrs

	aspectsVal := v.LookupPath(cue.ParsePath("aspects"))
	if aspectsVal.Exists() {
		iter, err := aspectsVal.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		def.Aspects = make(map[string]ir.IRValue)
		for iter.Next() {
			val, err := toIR(iter.Value())
			if err != nil {
				return nil, err
			}
			def.Aspects[iter.Label()] = val
		}
	}

	return def, nil
}

// parseAttributes extracts attribute definitions in declaration order.
func parseAttributes(v cue.Value) ([]schema.Attribute, error) {
	var attrs []schema.Attribute

	attrsVal := v.LookupPath(cue.ParsePath("attributes"))
	if !attrsVal.Exists() {
		return attrs, nil // a kind may only inherit
	}

	iter, err := attrsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		name := iter.Label()
		attr, err := parseAttribute(name, iter.Value())
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, attr)
	}
	return attrs, nil
}

func parseAttribute(name string, v cue.Value) (schema.Attribute, error) {
	attr := schema.Attribute{Name: name}

	typeVal := v.LookupPath(cue.ParsePath("type"))
	if v.IncompleteKind() != cue.StructKind || !typeVal.Exists() {
		// Shorthand: the value itself is the type, with an optional default.
		typ, err := extractType(v)
		if err != nil {
			return attr, withField(err, "attributes."+name)
		}
		attr.Type = typ
		if d, ok := v.Default(); ok && d.IsConcrete() {
			if attr.Default, err = toIR(d); err != nil {
				return attr, withField(err, "attributes."+name+".default")
			}
		}
		return attr, nil
	}

	field := func(key string) string { return fmt.Sprintf("attributes.%s.%s", name, key) }

	typ, err := typeVal.String()
	if err != nil {
		return attr, formatCUEError(err)
	}
	switch schema.Type(typ) {
	case schema.TypeString, schema.TypeInt, schema.TypeBool, schema.TypeArray,
		schema.TypeObject, schema.TypeAny, schema.TypeRef:
		attr.Type = schema.Type(typ)
	case "float", "number":
		return attr, &CompileError{Field: field("type"), Message: "float types are forbidden - use int instead", Pos: typeVal.Pos()}
	default:
		return attr, &CompileError{Field: field("type"), Message: fmt.Sprintf("unknown type %q", typ), Pos: typeVal.Pos()}
	}

	texts := map[string]*string{"inverse": &attr.Inverse, "target": &attr.Target}
	for key, dst := range texts {
		if fv := v.LookupPath(cue.ParsePath(key)); fv.Exists() {
			if *dst, err = fv.String(); err != nil {
				return attr, formatCUEError(err)
			}
		}
	}
	if fv := v.LookupPath(cue.ParsePath("cardinality")); fv.Exists() {
		c, err := fv.String()
		if err != nil {
			return attr, formatCUEError(err)
		}
		switch schema.Cardinality(c) {
		case schema.Single, schema.List, schema.Dict:
			attr.Cardinality = schema.Cardinality(c)
		default:
			return attr, &CompileError{Field: field("cardinality"), Message: fmt.Sprintf("unknown cardinality %q", c), Pos: fv.Pos()}
		}
	}
	bools := map[string]*bool{"required": &attr.Required, "textIndexed": &attr.TextIndexed}
	for key, dst := range bools {
		if fv := v.LookupPath(cue.ParsePath(key)); fv.Exists() {
			if *dst, err = fv.Bool(); err != nil {
				return attr, formatCUEError(err)
			}
		}
	}
	if fv := v.LookupPath(cue.ParsePath("default")); fv.Exists() {
		if attr.Default, err = toIR(fv); err != nil {
			return attr, withField(err, field("default"))
		}
	}
	return attr, nil
}

// extractType converts a CUE type to an attribute type.
// Floats are forbidden.
func extractType(v cue.Value) (schema.Type, error) {
	switch v.IncompleteKind() {
	case cue.StringKind:
		return schema.TypeString, nil
	case cue.IntKind:
		return schema.TypeInt, nil
	case cue.BoolKind:
		return schema.TypeBool, nil
	case cue.ListKind:
		return schema.TypeArray, nil
	case cue.StructKind:
		return schema.TypeObject, nil
	case cue.TopKind:
		return schema.TypeAny, nil
	case cue.FloatKind, cue.NumberKind:
		return "", &CompileError{
			Field:   "type",
			Message: "float types are forbidden - use int instead",
			Pos:     v.Pos(),
		}
	default:
		return "", &CompileError{
			Field:   "type",
			Message: fmt.Sprintf("unsupported type kind: %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}

// toIR converts a concrete CUE value to an IR value.
func toIR(v cue.Value) (ir.IRValue, error) {
	if !v.IsConcrete() {
		return nil, &CompileError{Field: "value", Message: "value must be concrete", Pos: v.Pos()}
	}
	switch v.Kind() {
	case cue.NullKind:
		return ir.IRNull{}, nil
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.IRString(s), nil
	case cue.IntKind:
		n, err := v.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.IRInt(n), nil
	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.IRBool(b), nil
	case cue.ListKind:
		list, err := v.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		arr := ir.IRArray{}
		for list.Next() {
			elem, err := toIR(list.Value())
			if err != nil {
				return nil, err
			}
			arr = append(arr, elem)
		}
		return arr, nil
	case cue.StructKind:
		iter, err := v.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		obj := ir.IRObject{}
		for iter.Next() {
			elem, err := toIR(iter.Value())
			if err != nil {
				return nil, err
			}
			obj[iter.Label()] = elem
		}
		return obj, nil
	case cue.FloatKind, cue.NumberKind:
		return nil, &CompileError{Field: "value", Message: "float values are forbidden - use int instead", Pos: v.Pos()}
	default:
		return nil, &CompileError{Field: "value", Message: fmt.Sprintf("unsupported value kind: %v", v.Kind()), Pos: v.Pos()}
	}
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// withField qualifies the field of a CompileError.
func withField(err error, field string) error {
	if ce, ok := err.(*CompileError); ok {
		return &CompileError{Field: field, Message: ce.Message, Pos: ce.Pos}
	}
	return err
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Return first error with position info
	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
