// Package emotion implements §4.11 step 3's inline emotion analysis: a
// lightweight keyword/lexicon scorer, not an external model call. No
// sentiment-lexicon library appears anywhere in the retrieval pack — the
// spec itself calls for a closed in-process table, so this is grounded
// directly on spec.md rather than adapted from a teacher file (see
// DESIGN.md's standard-library-only justification).
package emotion

import "strings"

// Result is the §4.11 step 3 output shape.
type Result struct {
	PrimaryEmotion string
	Valence        float64 // [-1, 1]
	Confidence     float64 // [0, 1]
}

// lexicon maps a keyword to (emotion label, valence contribution). Each
// keyword belongs to exactly one emotion; Analyze picks as primary the
// emotion whose matched keywords have the highest absolute valence sum.
var lexicon = map[string]struct {
	emotion string
	valence float64
}{
	"love":       {"joy", 0.9},
	"happy":      {"joy", 0.8},
	"glad":       {"joy", 0.6},
	"excited":    {"joy", 0.7},
	"great":      {"joy", 0.5},
	"thanks":     {"joy", 0.4},
	"thank":      {"joy", 0.4},
	"wonderful":  {"joy", 0.8},
	"sad":        {"sadness", -0.7},
	"upset":      {"sadness", -0.6},
	"miss":       {"sadness", -0.4},
	"lonely":     {"sadness", -0.6},
	"disappointed": {"sadness", -0.6},
	"angry":      {"anger", -0.8},
	"mad":        {"anger", -0.7},
	"furious":    {"anger", -0.9},
	"hate":       {"anger", -0.9},
	"annoyed":    {"anger", -0.5},
	"scared":     {"fear", -0.7},
	"afraid":     {"fear", -0.7},
	"worried":    {"fear", -0.5},
	"anxious":    {"fear", -0.6},
	"nervous":    {"fear", -0.5},
	"wrong":      {"correction", -0.3},
	"actually":   {"correction", -0.2},
	"no,":        {"correction", -0.3},
}

const neutralEmotion = "neutral"

// Analyze scores free text against the lexicon. With no matched keyword the
// result is neutral, valence 0, confidence 0 — the caller's tier-routing and
// affinity-signal logic treat that as "no signal", not as negative affect.
func Analyze(text string) Result {
	words := strings.Fields(strings.ToLower(text))
	type tally struct {
		sum   float64
		count int
	}
	byEmotion := map[string]*tally{}

	for _, w := range words {
		w = strings.Trim(w, ".,!?;:\"'")
		entry, ok := lexicon[w]
		if !ok {
			continue
		}
		t, ok := byEmotion[entry.emotion]
		if !ok {
			t = &tally{}
			byEmotion[entry.emotion] = t
		}
		t.sum += entry.valence
		t.count++
	}

	if len(byEmotion) == 0 {
		return Result{PrimaryEmotion: neutralEmotion, Valence: 0, Confidence: 0}
	}

	var primary string
	var best *tally
	totalMatches := 0
	for emotion, t := range byEmotion {
		totalMatches += t.count
		if best == nil || abs(t.sum) > abs(best.sum) {
			best = t
			primary = emotion
		}
	}

	valence := clamp(best.sum/float64(max(best.count, 1)), -1, 1)
	confidence := clamp(float64(totalMatches)/float64(len(words)+1), 0, 1)

	return Result{PrimaryEmotion: primary, Valence: valence, Confidence: confidence}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
