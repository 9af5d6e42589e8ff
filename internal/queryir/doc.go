// Package queryir provides the predicate representation shared by the query
// engine and the store backends.
//
// A Select names the kinds whose items are wanted, an optional Filter and the
// version to read at. Backends either compile it (querysql, for SQLite) or
// evaluate it item by item with Eval (Badger, and in-memory checks of dirty
// items in a View). Both paths must agree, so Eval is the reference
// semantics:
//
//   - Equals{Field, Value}: the attribute holds a literal equal to Value.
//   - Refers{Field, Target}: the attribute is a reference, or a reference
//     collection, that includes Target.
//   - Has{Field}: the attribute holds any value.
//   - And / Or: conjunction and disjunction; an empty And is true and an
//     empty Or is false.
//
// SEALED INTERFACES:
//
// Query and Predicate are sealed interfaces using the marker method pattern.
// Only types in this package implement them, so compilers can switch on them
// exhaustively.
package queryir
