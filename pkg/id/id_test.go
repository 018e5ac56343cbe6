package id

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewULIDIsSortableByGenerationOrder(t *testing.T) {
	first := NewULID()
	time.Sleep(2 * time.Millisecond)
	second := NewULID()

	assert.Less(t, first, second)

	_, err := ulid.ParseStrict(first)
	require.NoError(t, err)
}

func TestNewUUIDIsWellFormed(t *testing.T) {
	id1 := NewUUID()
	id2 := NewUUID()

	assert.Len(t, id1, 36)
	assert.NotEqual(t, id1, id2)
}
