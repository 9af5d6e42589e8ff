package queryir

import (
	"github.com/roach88/kindstore/internal/ident"
	"github.com/roach88/kindstore/internal/ir"
)

// Query is a sealed interface for store-level queries.
type Query interface {
	queryNode()
}

// Predicate is a sealed interface for filter conditions over item attributes.
type Predicate interface {
	predicateNode()
}

// Select finds the live items of the given kinds that satisfy Filter as of
// version AsOf.
//
// An empty Kinds list selects items of every kind, including items without a
// kind. A nil Filter matches every item. AsOf <= 0 reads the latest version.
//
// Results are ordered by uuid. After and Limit page through them: only items
// whose uuid sorts after After are returned, at most Limit of them (all when
// Limit <= 0).
type Select struct {
	Kinds  []ident.UUID
	Filter Predicate
	AsOf   int64
	After  ident.UUID
	Limit  int
}

func (Select) queryNode() {}

// Equals matches items whose attribute Field holds a literal equal to Value.
type Equals struct {
	Field string
	Value ir.IRValue
}

func (Equals) predicateNode() {}

// Refers matches items whose reference attribute Field points at Target,
// directly or as a member of a reference collection.
type Refers struct {
	Field  string
	Target ident.UUID
}

func (Refers) predicateNode() {}

// Has matches items where Field holds any value.
type Has struct {
	Field string
}

func (Has) predicateNode() {}

// And matches when every predicate matches.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Or matches when any predicate matches.
type Or struct {
	Predicates []Predicate
}

func (Or) predicateNode() {}

// Fact is what a Lookup reports about one attribute of one item.
type Fact struct {
	// Set is false when the attribute holds no value.
	Set bool

	// Literal holds literal values; nil for references.
	Literal ir.IRValue

	// Refs lists referenced items, in collection order for collections.
	Refs []ident.UUID
}
