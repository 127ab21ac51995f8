// Package feedbackloop drives the iterative improvement cycle that sits
// on top of agentexec and evaluator: run every director, evaluate and
// score the submissions, and, while the score stays under threshold
// and iterations remain, synthesize feedback into the context and run
// again.
package feedbackloop

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/mvorchestra/engine/internal/agentexec"
	"github.com/mvorchestra/engine/internal/director"
	"github.com/mvorchestra/engine/internal/evaluator"
	"github.com/mvorchestra/engine/internal/telemetry"
	"github.com/mvorchestra/engine/pkg/mverrors"
)

// Iteration records one pass through the loop.
type Iteration struct {
	IterationNum int
	AgentResults []agentexec.AgentResult
	Evaluation   evaluator.Selection
	Score        float64
	Improvement  float64
}

// Result is the loop's final outcome once it stops, either because the
// score cleared the threshold or the iteration cap was reached.
type Result struct {
	WinnerName       string
	FinalResult      []byte
	FinalScore       float64
	IterationCount   int
	TotalImprovement float64
	Iterations       []Iteration
}

// Manager wires an agentexec.Executor and an evaluator.Evaluator
// together into the competitive feedback cycle.
type Manager struct {
	Agents           *agentexec.Executor
	Evaluator        *evaluator.Evaluator
	QualityThreshold float64
	MaxIterations    int
	Directors        []director.Type

	// Metrics is optional; when set, the final score of every loop is
	// observed per phase.
	Metrics *telemetry.Metrics
}

// New builds a Manager. An empty directors slice defaults to
// director.All.
func New(agents *agentexec.Executor, eval *evaluator.Evaluator, qualityThreshold float64, maxIterations int, directors []director.Type) *Manager {
	if len(directors) == 0 {
		directors = director.All
	}
	return &Manager{
		Agents:           agents,
		Evaluator:        eval,
		QualityThreshold: qualityThreshold,
		MaxIterations:    maxIterations,
		Directors:        directors,
	}
}

// RunWithFeedback executes the loop for phaseNum, mutating a copy of
// initialContext with feedback after every iteration that falls short
// of the threshold.
func (m *Manager) RunWithFeedback(ctx context.Context, phaseNum int, initialContext map[string]any, outputDir string) (Result, error) {
	logger := telemetry.FromContext(ctx)
	logger.Info().Int("phase", phaseNum).Float64("threshold", m.QualityThreshold).Int("max_iterations", m.MaxIterations).Msg("starting feedback loop")

	runContext := cloneContext(initialContext)
	var iterations []Iteration
	previousScore := 0.0

	for iterationNum := 1; iterationNum <= m.MaxIterations; iterationNum++ {
		iterLogger := logger.With().Int("iteration", iterationNum).Logger()
		iterLogger.Info().Msg("running agents in parallel")

		iterDir := filepath.Join(outputDir, fmt.Sprintf("iteration_%d", iterationNum))

		roster := make([]string, len(m.Directors))
		for i, d := range m.Directors {
			roster[i] = string(d)
		}

		agentResults, err := m.Agents.RunAll(ctx, phaseNum, runContext, iterDir, roster)
		if err != nil {
			return Result{}, fmt.Errorf("feedback loop iteration %d: %w", iterationNum, err)
		}

		anySuccessful := false
		submissions := make([]evaluator.Submission, 0, len(agentResults))
		for _, r := range agentResults {
			if r.Success {
				anySuccessful = true
			}
			submissions = append(submissions, evaluator.Submission{
				DirectorType:  r.AgentType,
				Success:       r.Success,
				Output:        r.Output,
				ExecutionTime: r.ExecutionTime.Seconds(),
			})
		}

		if !anySuccessful {
			iterLogger.Error().Msg("no successful agent results, aborting feedback loop")
			return Result{}, fmt.Errorf("%w: no successful agent results in iteration %d", mverrors.ErrNoViableSubmissions, iterationNum)
		}

		iterLogger.Info().Msg("evaluating submissions")
		evaluation := m.Evaluator.Evaluate(ctx, phaseNum, submissions, runContext, iterDir)
		score := evaluator.Score(evaluation)
		improvement := score - previousScore

		iterLogger.Info().Str("winner", evaluation.WinnerName).Float64("score", score).Float64("improvement", improvement).Msg("iteration complete")

		iterResult := Iteration{
			IterationNum: iterationNum,
			AgentResults: agentResults,
			Evaluation:   evaluation,
			Score:        score,
			Improvement:  improvement,
		}
		iterations = append(iterations, iterResult)

		if score >= m.QualityThreshold {
			iterLogger.Info().Msg("quality threshold met")
			break
		}

		if iterationNum < m.MaxIterations {
			iterLogger.Info().Msg("score below threshold, generating feedback for next iteration")
			feedback := generateFeedback(evaluation, score, m.QualityThreshold)
			runContext = updateContextWithFeedback(runContext, feedback, iterResult)
			previousScore = score
		} else {
			iterLogger.Warn().Msg("max iterations reached")
		}
	}

	if len(iterations) == 0 {
		return Result{}, fmt.Errorf("%w: no successful feedback loop iterations", mverrors.ErrNoViableSubmissions)
	}

	final := iterations[len(iterations)-1]
	totalImprovement := 0.0
	if len(iterations) > 1 {
		totalImprovement = final.Score - iterations[0].Score
	}

	result := Result{
		WinnerName:       final.Evaluation.WinnerName,
		FinalResult:      final.Evaluation.WinnerOutput,
		FinalScore:       final.Score,
		IterationCount:   len(iterations),
		TotalImprovement: totalImprovement,
		Iterations:       iterations,
	}

	if m.Metrics != nil {
		m.Metrics.FeedbackScore.WithLabelValues(fmt.Sprintf("%d", phaseNum)).Observe(result.FinalScore)
	}

	logger.Info().Str("winner", result.WinnerName).Float64("final_score", result.FinalScore).Int("iterations", result.IterationCount).Msg("feedback loop complete")

	return result, nil
}

func cloneContext(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx)+1)
	for k, v := range ctx {
		out[k] = v
	}
	return out
}

// feedback is the structure folded back into the next iteration's
// context.
type feedback struct {
	PreviousWinner      string   `json:"previous_winner"`
	PreviousScore       float64  `json:"previous_score"`
	EvaluationReasoning string   `json:"evaluation_reasoning"`
	AreasToImprove      []string `json:"areas_to_improve"`
	PartialAdoptions    []any    `json:"partial_adoptions,omitempty"`
	Suggestions         []string `json:"suggestions,omitempty"`
}

func generateFeedback(evaluation evaluator.Selection, score, threshold float64) feedback {
	fb := feedback{
		PreviousWinner:      evaluation.WinnerName,
		PreviousScore:       score,
		EvaluationReasoning: evaluation.Reasoning,
		AreasToImprove:      []string{},
	}

	if score < 60 {
		fb.AreasToImprove = append(fb.AreasToImprove, "Overall quality needs significant improvement")
	} else if score < threshold {
		fb.AreasToImprove = append(fb.AreasToImprove, fmt.Sprintf("Score needs to reach %.1f", threshold))
	}

	if len(evaluation.Scores) > 0 {
		maxScore := 0.0
		for _, v := range evaluation.Scores {
			if v > maxScore {
				maxScore = v
			}
		}
		if maxScore-score > 10 {
			fb.AreasToImprove = append(fb.AreasToImprove, "Consider incorporating strengths from other submissions")
		}
	}

	for _, adoption := range evaluation.PartialAdoptions {
		var parsed struct {
			From    string `json:"from"`
			Feature string `json:"feature"`
		}
		if err := json.Unmarshal(adoption, &parsed); err != nil {
			continue
		}
		fb.PartialAdoptions = append(fb.PartialAdoptions, parsed)
		fb.Suggestions = append(fb.Suggestions, fmt.Sprintf("Consider adopting %s from %s", parsed.Feature, parsed.From))
	}

	return fb
}

func updateContextWithFeedback(runContext map[string]any, fb feedback, iter Iteration) map[string]any {
	updated := cloneContext(runContext)

	history, _ := updated["feedback_history"].([]map[string]any)
	updated["feedback_history"] = append(history, map[string]any{
		"iteration": iter.IterationNum,
		"feedback":  fb,
		"score":     iter.Score,
	})
	updated["feedback"] = fb

	return updated
}
