package vector

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollectionNameIsStableAndValid(t *testing.T) {
	a := collectionName("user-123")
	b := collectionName("user-123")
	c := collectionName("user-456")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, len(a) <= 64)
	for _, r := range a {
		isLower := r >= 'a' && r <= 'z'
		isDigit := r >= '0' && r <= '9'
		isUnderscore := r == '_'
		assert.True(t, isLower || isDigit || isUnderscore, "unexpected rune %q in collection name", r)
	}
}

func TestNormalizeCosineClampsToUnitRange(t *testing.T) {
	assert.InDelta(t, 1.0, normalizeCosine(1.0), 1e-9)
	assert.InDelta(t, 0.0, normalizeCosine(-1.0), 1e-9)
	assert.InDelta(t, 0.5, normalizeCosine(0.0), 1e-9)
	assert.Equal(t, 0.0, normalizeCosine(-1.5))
	assert.Equal(t, 1.0, normalizeCosine(1.5))
}

func TestBuildInExprQuotesValues(t *testing.T) {
	expr := buildInExpr("primary_id", []string{"a", "b"})
	assert.Equal(t, `primary_id in ["a", "b"]`, expr)
}
