// Package repo is the object-graph layer: repositories, views, items and
// bidirectional reference collections over a store.Backend.
//
// A Repository owns the store, the kind registry and the commit lock. Views
// are transactional snapshots opened on a repository; each View keeps an
// arena of item states keyed by UUID, loads headers on first access and
// attribute bodies lazily, and pins the bodies of items it has modified.
// Items and RefDicts are small handles that re-resolve through their View on
// every call.
//
// Concurrency: a View is used by one goroutine at a time. Many Views may be
// open on one Repository; Commit is the only cross-view operation and is
// serialized by the repository. Committed changes become visible to another
// View when it calls Refresh (or commits).
//
// Invariants maintained by every mutation:
//   - For attribute pairs with declared inverses, B is in A.fwd exactly when A
//     is in B.inv, in the View and after commit.
//   - Single-valued attributes hold at most one value.
//   - Live siblings have distinct names.
//   - Deleting an item detaches it from its parent and from every collection
//     reached through an inverse, then deletes its children.
package repo
