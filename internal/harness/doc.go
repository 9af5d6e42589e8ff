// Package harness runs scripted scenarios against a fresh repository.
//
// A scenario loads CUE kinds, drives one or more named Views through a list
// of steps and then checks assertions against the final state. Every step is
// recorded in a trace so whole runs can be compared against golden files.
//
// # Scenario Format
//
// Scenarios are YAML files with the following structure:
//
//	name: two_view_conflict
//	description: "Last committer wins on a conflicting literal"
//	kinds: kinds            # directory of .cue files, relative to the scenario
//	policy: last-committer-wins
//	backend: sqlite         # sqlite | badger, both in memory
//	steps:
//	  - op: new
//	    path: //x
//	    kind: Counter
//	    values: { a: 1 }
//	  - op: commit
//	  - view: other
//	    op: set
//	    path: //x
//	    attr: a
//	    value: 2
//	  - view: other
//	    op: commit
//	    expect_error: CONCURRENT_MODIFICATION
//	assertions:
//	  - type: value
//	    path: //x
//	    attr: a
//	    equals: 3
//
// Steps and assertions run in the View named by their view field, "main" when
// empty. Views are opened on first use. Values of reference attributes are
// written as item paths.
//
// # Step Operations
//
//   - new: create the item at path (its parent must exist), optionally of kind,
//     then set values
//   - set, unset: write or remove attr
//   - add, remove: add or remove one value of a collection attr (alias optional)
//   - delete, move, rename: structural edits; move and rename take to
//   - commit, refresh, cancel: View lifecycle
//
// A step that fails with the repository error code named by expect_error
// passes; any other failure is reported as a scenario error.
//
// # Assertion Types
//
//   - value: attr of the item at path equals the expected literal or paths
//   - missing: no live item at path
//   - version: the repository's committed version
//   - count: number of items of kind (recursive optional)
//   - text: number of items matching a text query
//
// # Deterministic Testing
//
// Each scenario runs on an in-memory backend with a deterministic commit
// clock (testutil.DeterministicClock) and seeded item ids
// (testutil.SequentialIDs), so identical scenarios produce identical traces.
package harness
