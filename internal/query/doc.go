// Package query runs read-only searches over the items visible in a View.
//
// Every query returns a lazy iter.Seq2 that yields items bound to the View it
// ran on, including items created or changed in that View and not yet
// committed. Results are unordered.
//
//   - KindQuery walks the extent of one or more kinds, optionally filtered by
//     a queryir.Predicate that is pushed down to the store.
//   - TextQuery finds text-indexed string attributes containing every
//     non-stopword term of an expression.
//   - FilterQuery narrows any item sequence.
//
// TextIndex keeps a term index current in the background, driven by commit
// notices, and serves as a candidate source for TextQuery.RunIndexed.
package query
