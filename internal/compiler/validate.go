package compiler

import (
	"fmt"
	"regexp"

	"github.com/roach88/kindstore/internal/schema"
)

// Validation error codes (E100-E199)
const (
	ErrInvalidKindName     = "E101" // kind name is not an identifier
	ErrDuplicateName       = "E105" // duplicate kind or attribute name
	ErrUnknownSuperKind    = "E106" // super kind neither in the batch nor known
	ErrUnknownTarget       = "E107" // ref target kind unknown
	ErrInverseMismatch     = "E108" // inverse attribute missing or not a ref back
	ErrRequiredWithDefault = "E109" // required attribute that also has a default
)

// ValidationError represents a kind definition error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// kindNamePattern matches kind names: an uppercase letter, then letters,
// digits or underscores.
var kindNamePattern = regexp.MustCompile(`^[A-Z][A-Za-z0-9_]*$`)

// Validate checks a batch of kind definitions against each other and the
// kinds already known to known (which may be nil). Returns all errors found
// (does not fail-fast). Per-attribute rules (types, defaults) are enforced
// when the kinds are defined in a registry.
func Validate(defs []schema.Definition, known *schema.Registry) []ValidationError {
	var errs []ValidationError

	byName := make(map[string]*schema.Definition, len(defs))
	for i := range defs {
		d := &defs[i]
		if !kindNamePattern.MatchString(d.Name) {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("kind[%d]", i),
				Message: fmt.Sprintf("invalid kind name %q", d.Name),
				Code:    ErrInvalidKindName,
			})
		}
		if _, dup := byName[d.Name]; dup {
			errs = append(errs, ValidationError{
				Field:   "kind." + d.Name,
				Message: "kind defined twice",
				Code:    ErrDuplicateName,
			})
		}
		byName[d.Name] = d
	}

	exists := func(name string) bool {
		if _, ok := byName[name]; ok {
			return true
		}
		if known != nil {
			_, ok := known.Lookup(name)
			return ok
		}
		return false
	}

	for _, d := range defs {
		for _, s := range d.SuperKinds {
			if !exists(s) {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("kind.%s.superKinds", d.Name),
					Message: fmt.Sprintf("unknown super kind %q", s),
					Code:    ErrUnknownSuperKind,
				})
			}
		}

		attrNames := make(map[string]bool)
		for _, a := range d.Attributes {
			field := fmt.Sprintf("kind.%s.attributes.%s", d.Name, a.Name)
			if attrNames[a.Name] {
				errs = append(errs, ValidationError{Field: field, Message: "duplicate attribute name", Code: ErrDuplicateName})
			}
			attrNames[a.Name] = true

			if a.Required && a.Default != nil {
				errs = append(errs, ValidationError{
					Field:   field,
					Message: "required attributes cannot have a default",
					Code:    ErrRequiredWithDefault,
				})
			}
			if a.Target != "" && !exists(a.Target) {
				errs = append(errs, ValidationError{
					Field:   field + ".target",
					Message: fmt.Sprintf("unknown target kind %q", a.Target),
					Code:    ErrUnknownTarget,
				})
			}
			if a.Inverse != "" && a.Target != "" {
				if msg := checkInverse(a, byName[a.Target], known); msg != "" {
					errs = append(errs, ValidationError{Field: field + ".inverse", Message: msg, Code: ErrInverseMismatch})
				}
			}
		}
	}

	return errs
}

// checkInverse verifies that the target kind declares the inverse attribute
// as a ref pointing back. Targets outside the batch are checked through known.
func checkInverse(a schema.Attribute, target *schema.Definition, known *schema.Registry) string {
	var back *schema.Attribute
	switch {
	case target != nil:
		for i := range target.Attributes {
			if target.Attributes[i].Name == a.Inverse {
				back = &target.Attributes[i]
			}
		}
		if back == nil && len(target.SuperKinds) > 0 {
			// Inherited inverses are checked when the kinds are defined.
			return ""
		}
	case known != nil:
		k, ok := known.Lookup(a.Target)
		if !ok {
			return ""
		}
		back, _, _ = k.Attribute(a.Inverse)
	default:
		return ""
	}
	if back == nil {
		return fmt.Sprintf("target %s has no attribute %q", a.Target, a.Inverse)
	}
	if back.Type != schema.TypeRef {
		return fmt.Sprintf("%s.%s is not a reference", a.Target, a.Inverse)
	}
	if back.Inverse != "" && back.Inverse != a.Name {
		return fmt.Sprintf("%s.%s pairs with %q, not %q", a.Target, a.Inverse, back.Inverse, a.Name)
	}
	return ""
}
