package repoerr

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorsIsMatchesByCode(t *testing.T) {
	err := New(CodeNameCollision, "new item", "child %q already exists", "Movie1")
	assert.ErrorIs(t, err, ErrNameCollision)
	assert.NotErrorIs(t, err, ErrSchemaViolation)

	wrapped := fmt.Errorf("import: %w", err)
	assert.ErrorIs(t, wrapped, ErrNameCollision)
	assert.True(t, IsNameCollision(wrapped))
	assert.False(t, IsNotFound(wrapped))
}

func TestErrorMessage(t *testing.T) {
	err := New(CodeSchemaViolation, "set attribute", "expected int").
		WithItem("//movies/m1").
		WithAttribute("duration")
	assert.Equal(t,
		"SCHEMA_VIOLATION: set attribute: expected int (item=//movies/m1, attribute=duration)",
		err.Error())

	assert.Equal(t, "NOT_FOUND", ErrNotFound.Error())
}

func TestWrapKeepsCause(t *testing.T) {
	err := Wrap(CodeRepositoryCorruption, "load item", io.ErrUnexpectedEOF)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.True(t, IsRepositoryCorruption(err))
	assert.Contains(t, err.Error(), "unexpected EOF")
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeRepositoryClosed, CodeOf(fmt.Errorf("x: %w", ErrRepositoryClosed)))
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
	assert.Equal(t, Code(""), CodeOf(nil))
}

func TestHelpers(t *testing.T) {
	cases := []struct {
		err   error
		check func(error) bool
	}{
		{ErrSchemaViolation, IsSchemaViolation},
		{ErrNameCollision, IsNameCollision},
		{ErrReferenceIntegrity, IsReferenceIntegrity},
		{ErrConcurrentModification, IsConcurrentModification},
		{ErrRepositoryClosed, IsRepositoryClosed},
		{ErrNotFound, IsNotFound},
		{ErrRepositoryCorruption, IsRepositoryCorruption},
	}
	for _, tc := range cases {
		assert.True(t, tc.check(tc.err), "%v", tc.err)
		assert.False(t, tc.check(errors.New("other")))
	}
}
