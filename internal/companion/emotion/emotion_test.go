package emotion

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnalyzeReturnsNeutralForUnmatchedText(t *testing.T) {
	r := Analyze("the weather report mentions rainfall totals")
	assert.Equal(t, neutralEmotion, r.PrimaryEmotion)
	assert.Equal(t, 0.0, r.Valence)
	assert.Equal(t, 0.0, r.Confidence)
}

func TestAnalyzeDetectsPositiveEmotion(t *testing.T) {
	r := Analyze("I am so happy and excited today!")
	assert.Equal(t, "joy", r.PrimaryEmotion)
	assert.Greater(t, r.Valence, 0.0)
	assert.Greater(t, r.Confidence, 0.0)
}

func TestAnalyzeDetectsNegativeEmotion(t *testing.T) {
	r := Analyze("I am furious and angry about this")
	assert.Equal(t, "anger", r.PrimaryEmotion)
	assert.Less(t, r.Valence, 0.0)
}

func TestAnalyzeValenceStaysWithinUnitRange(t *testing.T) {
	r := Analyze("love love love wonderful great happy glad excited thanks")
	assert.LessOrEqual(t, r.Valence, 1.0)
	assert.GreaterOrEqual(t, r.Valence, -1.0)
}
