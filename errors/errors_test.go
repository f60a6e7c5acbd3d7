package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesIdentity(t *testing.T) {
	original := New("original")
	wrapped := Wrapf(original, "wrapped: %d", 42)

	assert.Contains(t, wrapped.Error(), "wrapped: 42")
	assert.Contains(t, wrapped.Error(), "original")
	assert.True(t, Is(wrapped, original))
	assert.False(t, Is(nil, original))
}

func TestWithDetail(t *testing.T) {
	err := WithDetail(New("error"), "source: example.com")

	details := GetAllDetails(err)
	require.Len(t, details, 1)
	assert.Equal(t, "source: example.com", details[0])
}

func TestMarkStoreUnavailable(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		assert.NoError(t, MarkStoreUnavailable(nil, "list due sources"))
	})

	t.Run("driver error becomes store unavailable", func(t *testing.T) {
		driverErr := fmt.Errorf("sql: database is closed")
		err := MarkStoreUnavailable(driverErr, "list due sources")

		require.Error(t, err)
		assert.True(t, IsStoreUnavailable(err))
		assert.Contains(t, err.Error(), "list due sources")
		assert.Contains(t, err.Error(), "database is closed")
	})

	t.Run("mark survives further wrapping", func(t *testing.T) {
		err := Wrap(MarkStoreUnavailable(New("disk I/O error"), "insert run"), "cycle 2")
		assert.True(t, IsStoreUnavailable(err))
		assert.False(t, IsAlreadyInProgress(err))
	})
}

func TestIsAlreadyInProgress(t *testing.T) {
	err := Wrap(ErrAlreadyInProgress, "manual pull")
	assert.True(t, IsAlreadyInProgress(err))
	assert.False(t, IsAlreadyInProgress(nil))
	assert.False(t, IsAlreadyInProgress(ErrStoreUnavailable))
}

func TestNotFoundHelpers(t *testing.T) {
	err := NewNotFoundError("job %s", "abc")
	assert.True(t, IsNotFoundError(err))
	assert.Contains(t, err.Error(), "job abc")

	invalid := NewInvalidRequestError("cycles must be a number")
	assert.True(t, Is(invalid, ErrInvalidRequest))
	assert.False(t, IsNotFoundError(invalid))
}

func TestAssertionFailure(t *testing.T) {
	err := AssertionFailedf("released token %s is not the holder", "run-1")
	assert.True(t, IsAssertionFailure(err))
	assert.Contains(t, fmt.Sprintf("%+v", err), "errors_test.go")
}
