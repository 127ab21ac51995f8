// Package agentexec runs competing agents as CLI subprocesses, one per
// agent tag, bounded to a configurable concurrency and realigned back to
// caller order once all finish. The design phases run director personas
// through it and the effects phase runs effect-style agents; both share
// the same subprocess contract.
package agentexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/mvorchestra/engine/internal/telemetry"
	"github.com/mvorchestra/engine/pkg/mverrors"
)

// truncatedOutputLen bounds how much of an unparsable subprocess stdout
// is retained in an error message.
const truncatedOutputLen = 200

// AgentResult is one agent's outcome.
type AgentResult struct {
	AgentType     string
	Success       bool
	Output        json.RawMessage
	Error         string
	ExecutionTime time.Duration
}

// Executor runs agents via a configurable CLI, one subprocess per agent,
// bounded to MaxParallel concurrent runs.
type Executor struct {
	CLIPath     string
	PromptsRoot string
	MaxParallel int
	Timeout     time.Duration

	// Metrics is optional; when set, per-agent outcomes are counted.
	Metrics *telemetry.Metrics
}

// New builds an Executor. maxParallel <= 0 is treated as 1.
func New(cliPath, promptsRoot string, maxParallel int, timeout time.Duration) *Executor {
	if maxParallel <= 0 {
		maxParallel = 1
	}
	return &Executor{CLIPath: cliPath, PromptsRoot: promptsRoot, MaxParallel: maxParallel, Timeout: timeout}
}

var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

// RunAll runs every agent in agents concurrently for phaseNum, returning
// results in the same order as agents regardless of completion order.
func (e *Executor) RunAll(ctx context.Context, phaseNum int, agentContext map[string]any, outputDir string, agents []string) ([]AgentResult, error) {
	logger := telemetry.FromContext(ctx)
	logger.Info().Int("phase", phaseNum).Int("agents", len(agents)).Msg("running agents in parallel")

	results := make([]AgentResult, len(agents))
	sem := semaphore.NewWeighted(int64(e.MaxParallel))
	group, gctx := errgroup.WithContext(ctx)

	for i, a := range agents {
		i, a := i, a
		group.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				results[i] = AgentResult{AgentType: a, Success: false, Error: err.Error()}
				return nil
			}
			defer sem.Release(1)

			results[i] = e.runOne(gctx, phaseNum, agentContext, outputDir, a)
			return nil
		})
	}

	// errgroup's error is always nil here: a single agent's failure is
	// recorded in its AgentResult, never propagated as a group-wide abort.
	_ = group.Wait()

	successful := 0
	for _, r := range results {
		if r.Success {
			successful++
		}
	}
	logger.Info().Int("successful", successful).Int("total", len(agents)).Msg("parallel execution complete")

	return results, nil
}

func (e *Executor) runOne(ctx context.Context, phaseNum int, agentContext map[string]any, outputDir string, agentType string) AgentResult {
	start := time.Now()
	logger := telemetry.FromContext(ctx).With().Str("agent", agentType).Logger()

	output, err := e.runAgent(ctx, phaseNum, agentContext, outputDir, agentType)
	elapsed := time.Since(start)

	if err != nil {
		logger.Error().Err(err).Dur("elapsed", elapsed).Msg("agent failed")
		e.countRun(agentType, "failure")
		return AgentResult{AgentType: agentType, Success: false, Error: err.Error(), ExecutionTime: elapsed}
	}

	logger.Info().Dur("elapsed", elapsed).Msg("agent succeeded")
	e.countRun(agentType, "success")
	return AgentResult{AgentType: agentType, Success: true, Output: output, ExecutionTime: elapsed}
}

func (e *Executor) countRun(agentType, outcome string) {
	if e.Metrics != nil {
		e.Metrics.AgentRuns.WithLabelValues(agentType, outcome).Inc()
	}
}

func (e *Executor) runAgent(ctx context.Context, phaseNum int, agentContext map[string]any, outputDir string, agentType string) (json.RawMessage, error) {
	promptFile := filepath.Join(e.PromptsRoot, fmt.Sprintf("phase%d_%s.md", phaseNum, agentType))
	if _, err := os.Stat(promptFile); err != nil {
		return nil, fmt.Errorf("%w: prompt file not found: %s", mverrors.ErrPromptMissing, promptFile)
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create output dir %s: %v", mverrors.ErrIO, outputDir, err)
	}

	contextJSON, err := json.MarshalIndent(agentContext, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal agent context: %w", err)
	}

	contextFile := filepath.Join(outputDir, fmt.Sprintf("%s_context.json", agentType))
	if err := os.WriteFile(contextFile, contextJSON, 0o644); err != nil {
		return nil, fmt.Errorf("%w: write context file %s: %v", mverrors.ErrIO, contextFile, err)
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
		msg := stderr.String()
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("%w: %s", mverrors.ErrSubprocessFailed, msg)
	}

	return parseAgentOutput(stdout.Bytes())
}

// parseAgentOutput tries a strict JSON parse first, then on failure
// salvages the span from the first '{' to the last '}', because the agent
// binary may wrap the object in preamble text.
func parseAgentOutput(raw []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed), nil
	}

	if match := jsonObjectPattern.Find(trimmed); match != nil && json.Valid(match) {
		return json.RawMessage(match), nil
	}

	snippet := string(trimmed)
	if len(snippet) > truncatedOutputLen {
		snippet = snippet[:truncatedOutputLen] + "..."
	}
	return nil, fmt.Errorf("%w: %s", mverrors.ErrOutputUnparsable, snippet)
}
