// Package ident provides the UUID identity used for every item and kind.
//
// Two textual forms are accepted and produced:
//   - canonical: 36 chars, lowercase hex with dashes
//   - compact: 22 chars, two 11-digit base-64 groups (alphabet 0-9a-zA-Z_$)
//
// UUIDs are compared bytewise. Kind identities are derived with Named so that
// the same kind name maps to the same UUID in every repository.
package ident
