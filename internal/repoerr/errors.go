// Package repoerr defines the error taxonomy shared by the repository layers.
//
// Every failure that callers are expected to branch on is an *Error carrying
// a Code. Sentinels (ErrSchemaViolation, ErrNotFound, ...) match any *Error
// with the same code under errors.Is, so callers can write either
//
//	errors.Is(err, repoerr.ErrNameCollision)
//
// or
//
//	repoerr.IsNameCollision(err)
package repoerr

import (
	"errors"
	"fmt"
	"strings"
)

// Code categorizes repository errors.
type Code string

const (
	// CodeSchemaViolation: wrong cardinality or type, unknown or missing required attribute.
	CodeSchemaViolation Code = "SCHEMA_VIOLATION"

	// CodeNameCollision: duplicate sibling name or RefDict alias.
	CodeNameCollision Code = "NAME_COLLISION"

	// CodeReferenceIntegrity: dangling reference or a move that would make an item its own ancestor.
	CodeReferenceIntegrity Code = "REFERENCE_INTEGRITY"

	// CodeConcurrentModification: a conflict the active policy could not resolve.
	CodeConcurrentModification Code = "CONCURRENT_MODIFICATION"

	// CodeRepositoryClosed: operation on a closed view or repository.
	CodeRepositoryClosed Code = "REPOSITORY_CLOSED"

	// CodeNotFound: missing uuid, path, attribute value or index.
	CodeNotFound Code = "NOT_FOUND"

	// CodeRepositoryCorruption: persisted data failed an integrity check.
	CodeRepositoryCorruption Code = "REPOSITORY_CORRUPTION"
)

// Error is a categorized repository error.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Op names the failing operation (e.g. "set attribute").
	Op string

	// Item identifies the affected item, usually its path or uuid.
	Item string

	// Attribute names the affected attribute, if any.
	Attribute string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause (optional).
	Err error
}

// Sentinels for errors.Is.
var (
	ErrSchemaViolation        = &Error{Code: CodeSchemaViolation}
	ErrNameCollision          = &Error{Code: CodeNameCollision}
	ErrReferenceIntegrity     = &Error{Code: CodeReferenceIntegrity}
	ErrConcurrentModification = &Error{Code: CodeConcurrentModification}
	ErrRepositoryClosed       = &Error{Code: CodeRepositoryClosed}
	ErrNotFound               = &Error{Code: CodeNotFound}
	ErrRepositoryCorruption   = &Error{Code: CodeRepositoryCorruption}
)

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	switch {
	case e.Item != "" && e.Attribute != "":
		fmt.Fprintf(&b, " (item=%s, attribute=%s)", e.Item, e.Attribute)
	case e.Item != "":
		fmt.Fprintf(&b, " (item=%s)", e.Item)
	case e.Attribute != "":
		fmt.Fprintf(&b, " (attribute=%s)", e.Attribute)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates an Error with a formatted message.
func New(code Code, op string, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error around an underlying cause.
func Wrap(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// WithItem returns a copy of e annotated with an item reference.
func (e *Error) WithItem(item string) *Error {
	c := *e
	c.Item = item
	return &c
}

// WithAttribute returns a copy of e annotated with an attribute name.
func (e *Error) WithAttribute(attr string) *Error {
	c := *e
	c.Attribute = attr
	return &c
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

func hasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsSchemaViolation returns true if err is a schema violation.
func IsSchemaViolation(err error) bool { return hasCode(err, CodeSchemaViolation) }

// IsNameCollision returns true if err is a name collision.
func IsNameCollision(err error) bool { return hasCode(err, CodeNameCollision) }

// IsReferenceIntegrity returns true if err is a reference integrity error.
func IsReferenceIntegrity(err error) bool { return hasCode(err, CodeReferenceIntegrity) }

// IsConcurrentModification returns true if err is an unresolved conflict.
func IsConcurrentModification(err error) bool { return hasCode(err, CodeConcurrentModification) }

// IsRepositoryClosed returns true if err reports a closed view or repository.
func IsRepositoryClosed(err error) bool { return hasCode(err, CodeRepositoryClosed) }

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool { return hasCode(err, CodeNotFound) }

// IsRepositoryCorruption returns true if err reports corrupted persisted data.
func IsRepositoryCorruption(err error) bool { return hasCode(err, CodeRepositoryCorruption) }
