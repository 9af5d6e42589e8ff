package queryir

import (
	"fmt"
	"slices"

	"github.com/roach88/kindstore/internal/ir"
)

// Lookup reports the value of one attribute of the item being evaluated.
type Lookup func(field string) (Fact, error)

// Eval evaluates a predicate against one item. A nil predicate matches.
func Eval(p Predicate, lookup Lookup) (bool, error) {
	if p == nil {
		return true, nil
	}
	switch pred := p.(type) {
	case Equals:
		f, err := lookup(pred.Field)
		if err != nil {
			return false, err
		}
		return f.Set && f.Literal != nil && ir.Equal(f.Literal, pred.Value), nil
	case *Equals:
		return Eval(*pred, lookup)
	case Refers:
		f, err := lookup(pred.Field)
		if err != nil {
			return false, err
		}
		return f.Set && slices.Contains(f.Refs, pred.Target), nil
	case *Refers:
		return Eval(*pred, lookup)
	case Has:
		f, err := lookup(pred.Field)
		if err != nil {
			return false, err
		}
		return f.Set, nil
	case *Has:
		return Eval(*pred, lookup)
	case And:
		for _, sub := range pred.Predicates {
			ok, err := Eval(sub, lookup)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case *And:
		return Eval(*pred, lookup)
	case Or:
		for _, sub := range pred.Predicates {
			ok, err := Eval(sub, lookup)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case *Or:
		return Eval(*pred, lookup)
	default:
		return false, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

// Fields returns the attribute names a predicate reads, sorted and deduplicated.
func Fields(p Predicate) []string {
	var out []string
	var walk func(Predicate)
	walk = func(p Predicate) {
		switch pred := p.(type) {
		case Equals:
			out = append(out, pred.Field)
		case *Equals:
			out = append(out, pred.Field)
		case Refers:
			out = append(out, pred.Field)
		case *Refers:
			out = append(out, pred.Field)
		case Has:
			out = append(out, pred.Field)
		case *Has:
			out = append(out, pred.Field)
		case And:
			for _, sub := range pred.Predicates {
				walk(sub)
			}
		case *And:
			walk(*pred)
		case Or:
			for _, sub := range pred.Predicates {
				walk(sub)
			}
		case *Or:
			walk(*pred)
		}
	}
	walk(p)
	slices.Sort(out)
	return slices.Compact(out)
}
