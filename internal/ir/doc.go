// Package ir provides the literal value model stored in item attributes.
//
// ir imports nothing internal; every other package may import it.
//
// Key constraints:
//   - no float type anywhere; numbers are int64
//   - null is not a value: an unset attribute is simply absent
//   - MarshalCanonical (RFC 8785) is the single encoding for persisted
//     literals and for commit digests, so equal values always encode to
//     equal bytes
package ir
