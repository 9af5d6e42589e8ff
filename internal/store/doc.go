// Package store provides durable, versioned storage for repository items.
//
// The store is an append-only log with:
//   - Commits: one row per version (view, counts, timestamp, digest)
//   - Items: item headers keyed by (uuid, version)
//   - Diffs: attribute values keyed by (uuid, attr, version)
//   - Kinds: persisted kind definitions
//
// Reads take a version and see the newest record at or below it, so a View
// opened at version N keeps reading a consistent snapshot while later commits
// are appended.
//
// # Critical Patterns
//
// Atomic commits
//   - Append writes a commit in a single transaction
//   - A commit whose base is not the current version is rejected (ErrStaleBase)
//
// Deterministic results
//   - Every read orders its rows (uuid, name or version)
//   - Payloads are RFC 8785 canonical JSON, so equal values store equal bytes
//
// Sealed history
//   - Each commit carries a SHA-256 digest over its canonical content
//   - Verify recomputes every digest and reports RepositoryCorruption
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// The Badger backend in store/badgerstore implements the same Backend
// interface; store/storetest holds the conformance suite both must pass.
package store
