package evaluator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sub(directorType string, success bool, output string) Submission {
	return Submission{DirectorType: directorType, Success: success, Output: json.RawMessage(output)}
}

func TestFallbackEvaluateNoSubmissions(t *testing.T) {
	result := FallbackEvaluate(nil)
	assert.Equal(t, "none", result.WinnerName)
	assert.Empty(t, result.Scores)
}

func TestFallbackEvaluatePrefersFirstSuccessful(t *testing.T) {
	subs := []Submission{
		sub("corporate", false, `{}`),
		sub("freelancer", true, `{"idea":"bold"}`),
		sub("veteran", true, `{"idea":"safe"}`),
	}

	result := FallbackEvaluate(subs)
	assert.Equal(t, "freelancer", result.WinnerName)
	assert.JSONEq(t, `{"idea":"bold"}`, string(result.WinnerOutput))
	assert.Equal(t, fallbackScoreFailure, result.Scores["corporate"])
	assert.Equal(t, fallbackScoreWinner, result.Scores["freelancer"])
	assert.Equal(t, fallbackScoreSuccess, result.Scores["veteran"])
}

func TestFallbackEvaluateAllFailedPicksFirst(t *testing.T) {
	subs := []Submission{
		sub("corporate", false, `{}`),
		sub("freelancer", false, `{}`),
	}

	result := FallbackEvaluate(subs)
	assert.Equal(t, "corporate", result.WinnerName)
	assert.Equal(t, fallbackScoreWinner, result.Scores["corporate"])
	assert.Equal(t, fallbackScoreFailure, result.Scores["freelancer"])
}

func TestResolveWinnerCaseInsensitiveSubstringMatch(t *testing.T) {
	subs := []Submission{
		sub("corporate", true, `{"a":1}`),
		sub("freelancer", true, `{"b":2}`),
	}

	result := ResolveWinner("The Freelancer Director", map[string]float64{"freelancer": 91}, "bold choice", nil, subs)
	assert.Equal(t, "The Freelancer Director", result.WinnerName)
	assert.JSONEq(t, `{"b":2}`, string(result.WinnerOutput))
}

func TestResolveWinnerFallsBackToFirstSubmissionWhenNoMatch(t *testing.T) {
	subs := []Submission{
		sub("corporate", true, `{"a":1}`),
		sub("freelancer", true, `{"b":2}`),
	}

	result := ResolveWinner("nonexistent director", nil, "", nil, subs)
	assert.Equal(t, "corporate", result.WinnerName)
	assert.JSONEq(t, `{"a":1}`, string(result.WinnerOutput))
}

func TestScoreDefaultsWhenNoScores(t *testing.T) {
	assert.Equal(t, 50.0, Score(Selection{}))
}

func TestScoreReturnsWinnerScore(t *testing.T) {
	sel := Selection{WinnerName: "veteran", Scores: map[string]float64{"veteran": 72.5}}
	assert.Equal(t, 72.5, Score(sel))
}

func TestScoreMatchesPhrasedWinnerBySubstring(t *testing.T) {
	sel := Selection{
		WinnerName: "The Freelancer Director",
		Scores:     map[string]float64{"freelancer": 91, "corporate": 60},
	}
	assert.Equal(t, 91.0, Score(sel))
}

func TestEvaluateFallsBackWhenPromptMissing(t *testing.T) {
	e := New("claude", t.TempDir(), 5*time.Second)
	subs := []Submission{sub("corporate", true, `{"x":1}`)}

	result := e.Evaluate(context.Background(), 1, subs, map[string]any{}, t.TempDir())
	assert.Equal(t, "corporate", result.WinnerName)
	assert.Equal(t, fallbackScoreWinner, result.Scores["corporate"])
}

func TestEvaluateRunsAgentAndResolvesWinner(t *testing.T) {
	promptsRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(promptsRoot, "phase1_evaluation.md"), []byte("# prompt"), 0o644))

	cliDir := t.TempDir()
	cliPath := filepath.Join(cliDir, "fake-cli.sh")
	script := "#!/bin/sh\necho '{\"winner\": \"freelancer\", \"scores\": {\"freelancer\": 91}, \"reasoning\": \"bold\"}'\n"
	require.NoError(t, os.WriteFile(cliPath, []byte(script), 0o755))

	e := New(cliPath, promptsRoot, 5*time.Second)
	subs := []Submission{
		sub("corporate", true, `{"a":1}`),
		sub("freelancer", true, `{"b":2}`),
	}

	result := e.Evaluate(context.Background(), 1, subs, map[string]any{}, t.TempDir())
	assert.Equal(t, "freelancer", result.WinnerName)
	assert.JSONEq(t, `{"b":2}`, string(result.WinnerOutput))
	assert.Equal(t, 91.0, result.Scores["freelancer"])
}

func TestParseOutputSalvagesEmbeddedJSON(t *testing.T) {
	raw, err := parseOutput([]byte("preamble\n{\"winner\": \"veteran\"}\npostamble"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"winner": "veteran"}`, string(raw))
}
