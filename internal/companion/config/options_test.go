package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOptionsValidates(t *testing.T) {
	opts := NewOptions()
	errs := opts.Validate()
	assert.Empty(t, errs)
}

func TestCompanionOptionsRejectsInvertedTopK(t *testing.T) {
	co := NewCompanionOptions()
	co.TopKMin = 20
	co.TopKMax = 10
	errs := co.Validate()
	require.NotEmpty(t, errs)
}

func TestCompanionOptionsRejectsEmptyTierRules(t *testing.T) {
	co := NewCompanionOptions()
	co.TierRules = nil
	errs := co.Validate()
	require.NotEmpty(t, errs)
}

func TestDefaultTierRulesCoverTheClosedSet(t *testing.T) {
	rules := DefaultTierRules()
	assert.Len(t, rules, 5)
	for i := 1; i < len(rules); i++ {
		assert.Less(t, rules[i-1].Priority, rules[i].Priority)
	}
}
