package clipeval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateClipIsDeterministic(t *testing.T) {
	e := New()
	in := Input{ClipID: 7, Path: "/clips/clip_007.mp4", Prompt: "sunset drive"}

	first := e.EvaluateClip(in)
	second := e.EvaluateClip(in)
	assert.Equal(t, first, second)
}

func TestEvaluateClipScoresWithinExpectedBand(t *testing.T) {
	e := New()
	for id := 0; id < 50; id++ {
		r := e.EvaluateClip(Input{ClipID: id})
		assert.GreaterOrEqual(t, r.ClipSimilarity, 0.75)
		assert.Less(t, r.ClipSimilarity, 0.95)
		assert.InDelta(t, r.ClipSimilarity*0.6+r.TechnicalQuality.OverallScore*0.4, r.OverallScore, 1e-9)
	}
}

func TestEvaluateAllPreservesInputOrder(t *testing.T) {
	e := New()
	inputs := []Input{
		{ClipID: 3, Path: "/c3.mp4"},
		{ClipID: 1, Path: "/c1.mp4"},
		{ClipID: 2, Path: "/c2.mp4"},
	}

	results := e.EvaluateAll(context.Background(), inputs)
	require.Len(t, results, 3)
	assert.Equal(t, []int{3, 1, 2}, []int{results[0].ClipID, results[1].ClipID, results[2].ClipID})
}

func TestFailingClips(t *testing.T) {
	results := []Result{
		{ClipID: 1, MeetsThreshold: true},
		{ClipID: 2, MeetsThreshold: false},
		{ClipID: 3, MeetsThreshold: false},
	}

	failing := FailingClips(results)
	require.Len(t, failing, 2)
	assert.Equal(t, 2, failing[0].ClipID)
	assert.Equal(t, 3, failing[1].ClipID)
}

func TestGenerateFeedbackSuggestsPromptAdherenceForLowSimilarity(t *testing.T) {
	e := New()
	r := Result{
		ClipID:           4,
		OverallScore:     0.6,
		ClipSimilarity:   0.5,
		TechnicalQuality: TechnicalQuality{OverallScore: 0.9},
		Issues:           []string{"Overall quality below threshold"},
	}

	fb := e.GenerateFeedback(r)
	assert.Equal(t, 4, fb["clip_id"])
	suggestions, ok := fb["suggestions"].([]string)
	require.True(t, ok)
	assert.Contains(t, suggestions[0], "prompt adherence")
}
