// Package querysql compiles queryir selections to parameterized SQL over the
// SQLite store's items and diffs tables.
//
// Every statement orders by item uuid so results are deterministic, and every
// value is bound as a parameter, never interpolated.
package querysql

import (
	"fmt"
	"math"
	"strings"

	"github.com/roach88/kindstore/internal/ir"
	"github.com/roach88/kindstore/internal/queryir"
)

// Compile converts a query to SQL returning one uuid column.
func Compile(q queryir.Query) (string, []any, error) {
	if q == nil {
		return "", nil, fmt.Errorf("cannot compile nil query")
	}
	switch query := q.(type) {
	case queryir.Select:
		return compileSelect(query)
	case *queryir.Select:
		return compileSelect(*query)
	default:
		return "", nil, fmt.Errorf("unsupported query type: %T", q)
	}
}

// compiler accumulates parameters in the order their placeholders appear.
type compiler struct {
	asOf   int64
	params []any
}

func (c *compiler) bind(v any) string {
	c.params = append(c.params, v)
	return "?"
}

func compileSelect(q queryir.Select) (string, []any, error) {
	if err := queryir.Validate(q.Filter); err != nil {
		return "", nil, fmt.Errorf("compile select: %w", err)
	}
	c := &compiler{asOf: q.AsOf}
	if c.asOf <= 0 {
		c.asOf = math.MaxInt64
	}

	var sb strings.Builder
	sb.WriteString("SELECT i.uuid FROM items i WHERE i.version = ")
	sb.WriteString("(SELECT MAX(h.version) FROM items h WHERE h.uuid = i.uuid AND h.version <= ")
	sb.WriteString(c.bind(c.asOf))
	sb.WriteString(") AND (i.status & 1) = 0")

	if len(q.Kinds) > 0 {
		marks := make([]string, len(q.Kinds))
		for i, k := range q.Kinds {
			marks[i] = c.bind(k.Bytes())
		}
		sb.WriteString(" AND i.kind IN (" + strings.Join(marks, ", ") + ")")
	}

	if q.Filter != nil {
		where, err := c.compilePredicate(q.Filter)
		if err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
		sb.WriteString(" AND " + where)
	}

	if !q.After.IsNil() {
		sb.WriteString(" AND i.uuid > " + c.bind(q.After.Bytes()))
	}

	sb.WriteString(" ORDER BY i.uuid ASC")
	if q.Limit > 0 {
		sb.WriteString(" LIMIT " + c.bind(q.Limit))
	}
	return sb.String(), c.params, nil
}

func (c *compiler) compilePredicate(p queryir.Predicate) (string, error) {
	switch pred := p.(type) {
	case queryir.Equals:
		payload, err := ir.MarshalCanonical(pred.Value)
		if err != nil {
			return "", fmt.Errorf("field %q: %w", pred.Field, err)
		}
		return c.current(pred.Field, func() string {
			return "d.tag = 'lit' AND d.payload = " + c.bind(string(payload))
		}), nil
	case *queryir.Equals:
		return c.compilePredicate(*pred)
	case queryir.Refers:
		return c.current(pred.Field, func() string {
			target := pred.Target.String()
			return "((d.tag = 'ref' AND d.payload = " + c.bind(target) + ") OR " +
				"(d.tag = 'refs' AND EXISTS (SELECT 1 FROM json_each(d.payload, '$.refs') r " +
				"WHERE json_extract(r.value, '$.uuid') = " + c.bind(target) + ")))"
		}), nil
	case *queryir.Refers:
		return c.compilePredicate(*pred)
	case queryir.Has:
		return c.current(pred.Field, func() string { return "d.tag <> 'del'" }), nil
	case *queryir.Has:
		return c.compilePredicate(*pred)
	case queryir.And:
		return c.compileJunction(pred.Predicates, " AND ", "1 = 1")
	case *queryir.And:
		return c.compilePredicate(*pred)
	case queryir.Or:
		return c.compileJunction(pred.Predicates, " OR ", "1 = 0")
	case *queryir.Or:
		return c.compilePredicate(*pred)
	default:
		return "", fmt.Errorf("unsupported predicate type: %T", p)
	}
}

func (c *compiler) compileJunction(preds []queryir.Predicate, op, empty string) (string, error) {
	if len(preds) == 0 {
		return empty, nil
	}
	parts := make([]string, 0, len(preds))
	for _, sub := range preds {
		sql, err := c.compilePredicate(sub)
		if err != nil {
			return "", err
		}
		parts = append(parts, sql)
	}
	return "(" + strings.Join(parts, op) + ")", nil
}

// current wraps cond in a test against the newest diff of field at or below
// the selection's version. cond is called after the field's own parameters
// are bound so placeholders stay in order.
func (c *compiler) current(field string, cond func() string) string {
	var sb strings.Builder
	sb.WriteString("EXISTS (SELECT 1 FROM diffs d WHERE d.uuid = i.uuid AND d.attr = ")
	sb.WriteString(c.bind(field))
	sb.WriteString(" AND d.version = (SELECT MAX(x.version) FROM diffs x WHERE x.uuid = i.uuid AND x.attr = ")
	sb.WriteString(c.bind(field))
	sb.WriteString(" AND x.version <= ")
	sb.WriteString(c.bind(c.asOf))
	sb.WriteString(") AND ")
	sb.WriteString(cond())
	sb.WriteString(")")
	return sb.String()
}
