package relational

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderedPairIsOrderIndependent(t *testing.T) {
	lo1, hi1 := orderedPair("mem-b", "mem-a")
	lo2, hi2 := orderedPair("mem-a", "mem-b")
	assert.Equal(t, lo1, lo2)
	assert.Equal(t, hi1, hi2)
	assert.Equal(t, "mem-a", lo1)
	assert.Equal(t, "mem-b", hi1)
}
