package errkind

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClassifiesUnderlyingError(t *testing.T) {
	base := errors.New("session not yet established")
	err := New(Transient, base)
	require.Error(t, err)
	assert.True(t, Is(err, Transient))
	assert.False(t, Is(err, Fatal))
	assert.Equal(t, Transient, KindOf(err))
}

func TestNewNilReturnsNil(t *testing.T) {
	assert.NoError(t, New(Policy, nil))
}

func TestErrorfClassifies(t *testing.T) {
	err := Errorf(Invariant, "malformed RC for %x", []byte{1, 2, 3})
	assert.True(t, Is(err, Invariant))
	assert.Contains(t, err.Error(), "malformed RC")
}

func TestKindOfUnclassifiedErrorIsEmpty(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}
