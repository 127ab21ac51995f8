package effects

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalistCode = `import React from 'react';
import { useCurrentFrame, interpolate } from 'remotion';

export const FadeIn: React.FC = () => {
  const frame = useCurrentFrame();
  const opacity = interpolate(frame, [0, 30], [0, 1]);
  return <div style={{ opacity }} />;
};

export const FadeOut: React.FC = () => {
  const frame = useCurrentFrame();
  const opacity = interpolate(frame, [0, 30], [1, 0]);
  return <div style={{ opacity }} />;
};
`

const creativeCode = `import React from 'react';
import { useCurrentFrame, interpolate, spring } from 'remotion';

export const GlitchShake: React.FC = () => {
  const frame = useCurrentFrame();
  const offset = spring({ frame, fps: 30, config: { damping: 4 } });
  return <div style={{ transform: 'translateX(' + offset + 'px) rotate(2deg)' }} />;
};
`

func TestValidateCode(t *testing.T) {
	assert.True(t, ValidateCode(minimalistCode))
	assert.False(t, ValidateCode("const x = 1;"), "missing imports/exports/React")
	assert.False(t, ValidateCode("import React; export const X = () => { ((; }"), "unbalanced parens")
}

func TestExtractEffectsList(t *testing.T) {
	assert.Equal(t, []string{"FadeIn", "FadeOut"}, ExtractEffectsList(minimalistCode))
	assert.Equal(t, []string{"GlitchShake"}, ExtractEffectsList(creativeCode))
}

func TestScoresAreWithinUnitRange(t *testing.T) {
	for _, code := range []string{minimalistCode, creativeCode} {
		effectsList := ExtractEffectsList(code)
		for name, score := range map[string]float64{
			"complexity":  ComplexityScore(code),
			"creativity":  CreativityScore(code, effectsList),
			"performance": PerformanceScore(code),
		} {
			assert.GreaterOrEqual(t, score, 0.0, name)
			assert.LessOrEqual(t, score, 1.0, name)
		}
	}
}

func TestParseAgentOutput(t *testing.T) {
	payload, err := json.Marshal(map[string]string{
		"effects_code": minimalistCode,
		"reasoning":    "clean and simple",
	})
	require.NoError(t, err)

	code, err := ParseAgentOutput("minimalist", payload)
	require.NoError(t, err)
	assert.Equal(t, "minimalist", code.AgentName)
	assert.Equal(t, []string{"FadeIn", "FadeOut"}, code.EffectsList)
	assert.Equal(t, "clean and simple", code.Reasoning)
}

func TestParseAgentOutputRejectsInvalidCode(t *testing.T) {
	payload, err := json.Marshal(map[string]string{"effects_code": "not typescript"})
	require.NoError(t, err)

	_, err = ParseAgentOutput("creative", payload)
	assert.Error(t, err)
}

func TestSelectBestMatchesWinnerBySubstring(t *testing.T) {
	codes := []Code{
		{AgentName: "minimalist", Source: minimalistCode},
		{AgentName: "creative", Source: creativeCode},
	}

	eval, err := SelectBest(codes, "The Creative agent's submission", map[string]float64{"creative": 88}, "bold", nil)
	require.NoError(t, err)
	assert.Equal(t, "creative", eval.WinnerCode.AgentName)
}

func TestSelectBestFallsBackToFirstWhenNoMatch(t *testing.T) {
	codes := []Code{
		{AgentName: "minimalist"},
		{AgentName: "creative"},
	}

	eval, err := SelectBest(codes, "someone else", nil, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "minimalist", eval.WinnerCode.AgentName)
}

func TestSelectBestErrorsOnEmptySubmissions(t *testing.T) {
	_, err := SelectBest(nil, "minimalist", nil, "", nil)
	assert.Error(t, err)
}

func TestMergeWithoutAdoptionsPassesThrough(t *testing.T) {
	base := Code{AgentName: "minimalist", Source: minimalistCode}
	assert.Equal(t, minimalistCode, Merge(base, nil, nil))
}

func TestMergeFoldsAdoptedComponentIntoWinner(t *testing.T) {
	base := Code{AgentName: "minimalist", Source: minimalistCode}
	all := []Code{
		base,
		{AgentName: "creative", Source: creativeCode},
	}

	merged := Merge(base, []Adoption{{From: "creative", Feature: "GlitchShake"}}, all)

	assert.Contains(t, merged, "export const FadeIn")
	assert.Contains(t, merged, "export const GlitchShake")
	assert.Contains(t, merged, "GlitchShake (from creative)")
	// The adopted component's spring import must come along.
	assert.Contains(t, merged, "spring } from 'remotion'")
}

func TestMergeSkipsUnknownSources(t *testing.T) {
	base := Code{AgentName: "minimalist", Source: minimalistCode}
	merged := Merge(base, []Adoption{{From: "nonexistent", Feature: "Whatever"}}, []Code{base})
	assert.Contains(t, merged, "export const FadeIn")
	assert.NotContains(t, merged, "Whatever")
}
