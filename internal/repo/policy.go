package repo

import (
	"fmt"

	"github.com/roach88/kindstore/internal/ident"
)

// HeaderAttribute is the Conflict.Attribute of a conflict on an item's name
// or parent.
const HeaderAttribute = "@header"

// Conflict describes one value changed both in a View and by a newer commit.
//
// Values are ir.IRValue for literals, ident.UUID for single references and
// HeaderValue for header conflicts; nil means unset.
type Conflict struct {
	Item      ident.UUID
	Attribute string
	Base      any // value at the View's version before the merge
	Local     any // the View's uncommitted value
	Committed any // value in the newer commit
	Version   int64
}

// HeaderValue is the conflict value of an item's name and parent.
type HeaderValue struct {
	Name   string
	Parent ident.UUID
}

// Resolution is a policy's verdict on a conflict.
type Resolution int

const (
	// KeepLocal keeps the View's edit; it overwrites the newer value on commit.
	KeepLocal Resolution = iota
	// TakeCommitted drops the local edit in favor of the committed value.
	TakeCommitted
	// Fail aborts the refresh or commit with ConcurrentModification.
	Fail
)

func (r Resolution) String() string {
	switch r {
	case KeepLocal:
		return "local"
	case TakeCommitted:
		return "committed"
	case Fail:
		return "failed"
	}
	return fmt.Sprintf("Resolution(%d)", int(r))
}

// ConflictPolicy decides conflicts found while merging newer commits into a
// View. Reference collections are merged without consulting the policy.
type ConflictPolicy interface {
	Name() string
	Resolve(Conflict) Resolution
}

// LastCommitterWins keeps the local edit: the View that commits last wins.
type LastCommitterWins struct{}

func (LastCommitterWins) Name() string               { return "last-committer-wins" }
func (LastCommitterWins) Resolve(Conflict) Resolution { return KeepLocal }

// OtherViewWins lets the newer committed value prevail over local edits.
type OtherViewWins struct{}

func (OtherViewWins) Name() string               { return "other-view-wins" }
func (OtherViewWins) Resolve(Conflict) Resolution { return TakeCommitted }

// FailOnConflict turns every conflict into a ConcurrentModification error.
type FailOnConflict struct{}

func (FailOnConflict) Name() string               { return "fail-on-conflict" }
func (FailOnConflict) Resolve(Conflict) Resolution { return Fail }

// PolicyFunc adapts a function to ConflictPolicy.
type PolicyFunc func(Conflict) Resolution

func (PolicyFunc) Name() string                  { return "custom" }
func (f PolicyFunc) Resolve(c Conflict) Resolution { return f(c) }

// ParsePolicy returns the built-in policy with the given name.
func ParsePolicy(name string) (ConflictPolicy, error) {
	for _, p := range []ConflictPolicy{LastCommitterWins{}, OtherViewWins{}, FailOnConflict{}} {
		if p.Name() == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("unknown conflict policy %q", name)
}
