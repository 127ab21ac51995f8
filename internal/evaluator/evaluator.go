// Package evaluator scores a phase's competing director submissions and
// resolves a winner, falling back to a deterministic heuristic when the
// evaluation agent itself is unavailable or unparsable.
package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/mvorchestra/engine/internal/telemetry"
	"github.com/mvorchestra/engine/pkg/mverrors"
)

// Submission is one director's entry into the competition for a phase.
type Submission struct {
	DirectorType  string          `json:"director_type"`
	Success       bool            `json:"success"`
	Output        json.RawMessage `json:"output"`
	ExecutionTime float64         `json:"execution_time_s"`
}

// Selection is the evaluator's verdict: a winner plus scores for every
// submission and any partial adoptions worth folding into the winner.
type Selection struct {
	WinnerName       string             `json:"winner"`
	WinnerOutput     json.RawMessage    `json:"winner_output"`
	Scores           map[string]float64 `json:"scores"`
	Reasoning        string             `json:"reasoning"`
	PartialAdoptions []json.RawMessage  `json:"partial_adoptions,omitempty"`
}

// Fallback score constants. The values are placeholders; downstream
// consumers depend only on the winner and its output.
const (
	fallbackScoreSuccess = 80.0
	fallbackScoreFailure = 40.0
	fallbackScoreWinner  = 85.0
)

// Evaluator runs the evaluation agent CLI and resolves its verdict.
type Evaluator struct {
	CLIPath     string
	PromptsRoot string
	Timeout     time.Duration
}

// New builds an Evaluator. timeout <= 0 disables the per-run deadline.
func New(cliPath, promptsRoot string, timeout time.Duration) *Evaluator {
	return &Evaluator{CLIPath: cliPath, PromptsRoot: promptsRoot, Timeout: timeout}
}

var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

// Evaluate scores submissions for phaseNum. On any failure to run or
// parse the evaluation agent, it falls back to FallbackEvaluate rather
// than surfacing an error, so the feedback loop always gets a usable
// Selection.
func (e *Evaluator) Evaluate(ctx context.Context, phaseNum int, submissions []Submission, evalContext map[string]any, outputDir string) Selection {
	logger := telemetry.FromContext(ctx)
	logger.Info().Int("phase", phaseNum).Int("submissions", len(submissions)).Msg("evaluating submissions")

	promptFile := filepath.Join(e.PromptsRoot, fmt.Sprintf("phase%d_evaluation.md", phaseNum))
	if _, err := os.Stat(promptFile); err != nil {
		logger.Warn().Str("prompt", promptFile).Msg("evaluation prompt not found, using fallback")
		return FallbackEvaluate(submissions)
	}

	merged := make(map[string]any, len(evalContext)+2)
	for k, v := range evalContext {
		merged[k] = v
	}
	merged["submissions"] = submissions
	merged["phase"] = phaseNum

	contextJSON, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		logger.Error().Err(err).Msg("marshal evaluation context failed, using fallback")
		return FallbackEvaluate(submissions)
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		logger.Error().Err(err).Msg("create evaluation output dir failed, using fallback")
		return FallbackEvaluate(submissions)
	}
	contextFile := filepath.Join(outputDir, "evaluation_context.json")
	if err := os.WriteFile(contextFile, contextJSON, 0o644); err != nil {
		logger.Error().Err(err).Msg("write evaluation context failed, using fallback")
		return FallbackEvaluate(submissions)
	}

	runCtx := ctx
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, e.CLIPath,
		"-p", promptFile,
		"--dangerous-skip-permission",
		"--output-format", "json",
	)
	cmd.Stdin = bytes.NewReader(contextJSON)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		logger.Error().Err(err).Str("stderr", stderr.String()).Msg("evaluation agent failed, using fallback")
		return FallbackEvaluate(submissions)
	}

	raw, err := parseOutput(stdout.Bytes())
	if err != nil {
		logger.Error().Err(err).Msg("evaluation output unparsable, using fallback")
		return FallbackEvaluate(submissions)
	}

	var decoded struct {
		Winner           string             `json:"winner"`
		Scores           map[string]float64 `json:"scores"`
		Reasoning        string             `json:"reasoning"`
		PartialAdoptions []json.RawMessage  `json:"partial_adoptions"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		logger.Error().Err(err).Msg("evaluation output schema mismatch, using fallback")
		return FallbackEvaluate(submissions)
	}

	result := ResolveWinner(decoded.Winner, decoded.Scores, decoded.Reasoning, decoded.PartialAdoptions, submissions)
	if !winnerMatches(decoded.Winner, submissions) {
		logger.Warn().Str("winner", decoded.Winner).Msg("winner did not match any submission, using first")
	}
	logger.Info().Str("winner", result.WinnerName).Msg("evaluation complete")
	return result
}

func winnerMatches(winnerName string, submissions []Submission) bool {
	lower := strings.ToLower(winnerName)
	for _, sub := range submissions {
		if lower != "" && strings.Contains(lower, strings.ToLower(sub.DirectorType)) {
			return true
		}
	}
	return false
}

func parseOutput(raw []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed), nil
	}
	if match := jsonObjectPattern.Find(trimmed); match != nil && json.Valid(match) {
		return json.RawMessage(match), nil
	}
	return nil, fmt.Errorf("%w: evaluation output not valid JSON", mverrors.ErrOutputUnparsable)
}

// ResolveWinner matches winnerName against each submission's
// director_type by case-insensitive substring containment — the
// evaluation agent is free to phrase the winner as "the Freelancer
// Director" rather than the bare enum value. Falls back to the first
// submission when no match is found.
func ResolveWinner(winnerName string, scores map[string]float64, reasoning string, partialAdoptions []json.RawMessage, submissions []Submission) Selection {
	var winnerOutput json.RawMessage
	lowerWinner := strings.ToLower(winnerName)

	for _, sub := range submissions {
		if lowerWinner != "" && strings.Contains(lowerWinner, strings.ToLower(sub.DirectorType)) {
			winnerOutput = sub.Output
			break
		}
	}

	if winnerOutput == nil {
		if len(submissions) > 0 {
			winnerName = submissions[0].DirectorType
			winnerOutput = submissions[0].Output
		} else {
			winnerOutput = json.RawMessage("{}")
		}
	}
	if winnerOutput == nil {
		winnerOutput = json.RawMessage("{}")
	}

	return Selection{
		WinnerName:       winnerName,
		WinnerOutput:     winnerOutput,
		Scores:           scores,
		Reasoning:        reasoning,
		PartialAdoptions: partialAdoptions,
	}
}

// FallbackEvaluate scores submissions with the deterministic 80/40/85
// heuristic used when the evaluation agent can't run: successful
// submissions score 80, failed ones 40, and whichever submission is
// chosen as winner (first successful, else first overall) is bumped to
// 85.
func FallbackEvaluate(submissions []Submission) Selection {
	if len(submissions) == 0 {
		return Selection{
			WinnerName: "none",
			Reasoning:  "No submissions to evaluate",
			Scores:     map[string]float64{},
		}
	}

	winner := submissions[0]
	for _, sub := range submissions {
		if sub.Success {
			winner = sub
			break
		}
	}

	scores := make(map[string]float64, len(submissions))
	for _, sub := range submissions {
		if sub.Success {
			scores[sub.DirectorType] = fallbackScoreSuccess
		} else {
			scores[sub.DirectorType] = fallbackScoreFailure
		}
	}
	scores[winner.DirectorType] = fallbackScoreWinner

	return Selection{
		WinnerName:   winner.DirectorType,
		WinnerOutput: winner.Output,
		Scores:       scores,
		Reasoning:    fmt.Sprintf("fallback: %s", winner.DirectorType),
	}
}

// Score returns the winner's own score from the selection, or 50 if no
// scores were recorded.
// The winner field may be a phrase ("The Freelancer Director") rather
// than the bare key, so a substring match over the score keys backs up
// the exact lookup.
func Score(s Selection) float64 {
	if len(s.Scores) == 0 {
		return 50.0
	}
	if v, ok := s.Scores[s.WinnerName]; ok {
		return v
	}
	lower := strings.ToLower(s.WinnerName)
	for key, v := range s.Scores {
		if strings.Contains(lower, strings.ToLower(key)) {
			return v
		}
	}
	return 50.0
}
