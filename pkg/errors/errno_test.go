package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrnoWithCause(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection refused")
	wrapped := ErrStoreUnavailable.WithCause(cause)

	require.ErrorIs(t, wrapped, ErrStoreUnavailable)
	assert.Equal(t, KindStoreTransient, wrapped.Kind)
	assert.ErrorIs(t, wrapped.Unwrap(), cause)
}

func TestIsAndAs(t *testing.T) {
	err := ErrTokenInvalid.WithMessage("token expired at 2026-01-01")

	assert.True(t, Is(err, KindAuth))
	assert.False(t, Is(err, KindValidation))

	e, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, 401, e.HTTPStatus())
}

func TestFromErrorWrapsPlainErrors(t *testing.T) {
	plain := fmt.Errorf("boom")
	wrapped := FromError(plain)

	require.NotNil(t, wrapped)
	assert.Equal(t, KindStorePermanent, wrapped.Kind)
	assert.ErrorIs(t, wrapped.Unwrap(), plain)
}

func TestFromErrorPassesThroughErrno(t *testing.T) {
	wrapped := FromError(ErrMemoryNotFound)
	assert.Same(t, ErrMemoryNotFound, wrapped)
}
