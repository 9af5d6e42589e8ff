package queryir

import (
	"errors"
	"fmt"

	"github.com/roach88/kindstore/internal/ir"
)

// Validate checks a predicate tree: every leaf names a field, Equals compares
// against a concrete literal and no node is nil. All problems are reported
// together.
func Validate(p Predicate) error {
	v := &validator{}
	v.validatePredicate(p, "where")
	return errors.Join(v.errs...)
}

type validator struct {
	errs []error
}

func (v *validator) addError(path, format string, args ...any) {
	v.errs = append(v.errs, fmt.Errorf("%s: %s", path, fmt.Sprintf(format, args...)))
}

func (v *validator) validatePredicate(p Predicate, path string) {
	switch pred := p.(type) {
	case nil:
		if path != "where" {
			v.addError(path, "nil predicate")
		}
	case Equals:
		v.validateEquals(pred, path)
	case *Equals:
		v.validateEquals(*pred, path)
	case Refers:
		v.validateField(pred.Field, path)
		if pred.Target.IsNil() {
			v.addError(path, "field %q compared to the nil uuid", pred.Field)
		}
	case *Refers:
		v.validatePredicate(*pred, path)
	case Has:
		v.validateField(pred.Field, path)
	case *Has:
		v.validateField(pred.Field, path)
	case And:
		for i, sub := range pred.Predicates {
			v.validatePredicate(sub, fmt.Sprintf("%s.and[%d]", path, i))
		}
	case *And:
		v.validatePredicate(*pred, path)
	case Or:
		for i, sub := range pred.Predicates {
			v.validatePredicate(sub, fmt.Sprintf("%s.or[%d]", path, i))
		}
	case *Or:
		v.validatePredicate(*pred, path)
	default:
		v.addError(path, "unknown predicate type %T", p)
	}
}

func (v *validator) validateField(field, path string) {
	if field == "" {
		v.addError(path, "field name is required")
	}
}

func (v *validator) validateEquals(eq Equals, path string) {
	v.validateField(eq.Field, path)
	switch eq.Value.(type) {
	case nil:
		v.addError(path, "field %q compared to a missing value", eq.Field)
	case ir.IRNull:
		v.addError(path, "field %q compared to null; use Has to test presence", eq.Field)
	}
}
