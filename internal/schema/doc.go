// Package schema describes item shape: kinds, their attributes and inheritance.
//
// A Kind lists its own attributes and any number of super kinds. Lookups walk
// local attributes first, then super kinds depth-first in declaration order,
// so the most-derived definition of a name wins. The Registry keeps the
// inverse sub-kind links that Kind.Extent follows.
//
// Capabilities that other systems would express through mixin classes are
// aspects: named literal values attached to a kind and inherited the same way
// attributes are (HasAspect/Aspect).
package schema
