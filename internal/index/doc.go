// Package index maintains ordered key sequences over reference collections.
//
// An index is attached to one collection and persisted with it as a Spec.
// Three kinds exist: numeric (the collection's insertion order), value
// (ordered by member attribute values, optionally collated for a locale) and
// subindex (ordered by position in another collection's index). Find performs
// the O(log n) boundary search used by RefDict.FindInIndex.
package index
