package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/kindstore/internal/ident"
	"github.com/roach88/kindstore/internal/ir"
	"github.com/roach88/kindstore/internal/query"
	"github.com/roach88/kindstore/internal/repo"
	"github.com/roach88/kindstore/internal/repoerr"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s %s", ev.Seq, ev.View, ev.Op, ev.Path)
			if ev.Error != "" {
				fmt.Fprintf(&buf, " -> %s", ev.Error)
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

// AssertionContext gives assertions access to the repository and its Views.
type AssertionContext struct {
	Ctx  context.Context
	Repo *repo.Repository
	View func(ctx context.Context, name string) (*repo.View, error)
}

// EvaluateAssertions checks every assertion and returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(actx, result.Trace, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d (%s): %v", i, a.Type, err))
		}
	}
	return errs
}

func evaluate(actx *AssertionContext, trace []TraceEvent, a Assertion) error {
	ctx := actx.Ctx
	if a.Type == AssertVersion {
		return assertVersion(ctx, actx.Repo, trace, a)
	}
	v, err := actx.View(ctx, a.View)
	if err != nil {
		return err
	}
	switch a.Type {
	case AssertValue:
		return assertValue(ctx, v, trace, a)
	case AssertMissing:
		return assertMissing(ctx, v, trace, a)
	case AssertCount:
		return assertCount(ctx, v, trace, a)
	case AssertText:
		return assertText(ctx, v, trace, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// assertValue compares an attribute with the expected value. References are
// compared by path; collections of references by the ordered list of paths.
func assertValue(ctx context.Context, v *repo.View, trace []TraceEvent, a Assertion) error {
	it, err := v.FindPath(ctx, a.Path)
	if err != nil {
		return &AssertionError{
			Type:     AssertValue,
			Expected: fmt.Sprintf("item at %s", a.Path),
			Actual:   err.Error(),
			Trace:    trace,
		}
	}
	got, err := it.GetAttributeValue(ctx, a.Attr)
	if err != nil {
		return &AssertionError{
			Type:     AssertValue,
			Expected: fmt.Sprintf("%s.%s = %v", a.Path, a.Attr, a.Equals),
			Actual:   err.Error(),
			Trace:    trace,
		}
	}
	actual, err := observed(ctx, got)
	if err != nil {
		return err
	}
	expected, err := ir.FromGo(a.Equals)
	if err != nil {
		return fmt.Errorf("equals: %w", err)
	}
	if !ir.Equal(expected, actual) {
		return &AssertionError{
			Type:     AssertValue,
			Expected: fmt.Sprintf("%s.%s = %v", a.Path, a.Attr, ir.ToGo(expected)),
			Actual:   fmt.Sprintf("%v", ir.ToGo(actual)),
			Trace:    trace,
		}
	}
	return nil
}

// observed converts an attribute value to an IR value: literals as is,
// items as their path, collections as the list of member paths.
func observed(ctx context.Context, got any) (ir.IRValue, error) {
	switch x := got.(type) {
	case ir.IRValue:
		return x, nil
	case *repo.Item:
		p, err := x.Path(ctx)
		if err != nil {
			return nil, err
		}
		return ir.IRString(p), nil
	case *repo.RefDict:
		paths := ir.IRArray{}
		for member, err := range x.All(ctx) {
			if err != nil {
				return nil, err
			}
			p, err := member.Path(ctx)
			if err != nil {
				return nil, err
			}
			paths = append(paths, ir.IRString(p))
		}
		return paths, nil
	default:
		return nil, fmt.Errorf("unsupported attribute value %T", got)
	}
}

func assertMissing(ctx context.Context, v *repo.View, trace []TraceEvent, a Assertion) error {
	_, err := v.FindPath(ctx, a.Path)
	if repoerr.IsNotFound(err) {
		return nil
	}
	actual := "item found"
	if err != nil {
		actual = err.Error()
	}
	return &AssertionError{
		Type:     AssertMissing,
		Expected: fmt.Sprintf("no item at %s", a.Path),
		Actual:   actual,
		Trace:    trace,
	}
}

func assertVersion(ctx context.Context, r *repo.Repository, trace []TraceEvent, a Assertion) error {
	got, err := r.Version(ctx)
	if err != nil {
		return err
	}
	if got != a.Version {
		return &AssertionError{
			Type:     AssertVersion,
			Expected: fmt.Sprintf("version %d", a.Version),
			Actual:   fmt.Sprintf("version %d", got),
			Trace:    trace,
		}
	}
	return nil
}

func assertCount(ctx context.Context, v *repo.View, trace []TraceEvent, a Assertion) error {
	k, err := v.Repository().Kind(a.Kind)
	if err != nil {
		return err
	}
	n := 0
	for _, err := range (query.KindQuery{Recursive: a.Recursive}).Run(ctx, v, k) {
		if err != nil {
			return err
		}
		n++
	}
	if n != a.Count {
		return &AssertionError{
			Type:     AssertCount,
			Expected: fmt.Sprintf("%d items of %s (recursive=%t)", a.Count, a.Kind, a.Recursive),
			Actual:   fmt.Sprintf("%d items", n),
			Trace:    trace,
		}
	}
	return nil
}

// assertText counts distinct items with at least one matching attribute.
func assertText(ctx context.Context, v *repo.View, trace []TraceEvent, a Assertion) error {
	seen := make(map[ident.UUID]bool)
	for hit, err := range (query.TextQuery{Expr: a.Text}).Run(ctx, v) {
		if err != nil {
			return err
		}
		seen[hit.Item.ID()] = true
	}
	if len(seen) != a.Count {
		return &AssertionError{
			Type:     AssertText,
			Expected: fmt.Sprintf("%d items matching %q", a.Count, a.Text),
			Actual:   fmt.Sprintf("%d items", len(seen)),
			Trace:    trace,
		}
	}
	return nil
}
