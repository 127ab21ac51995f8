// Package orchestrator wires session state, the director feedback loop,
// clip generation and evaluation, the editing drivers, and the effects
// competition into the full Phase 0-9 pipeline.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/mvorchestra/engine/internal/agentexec"
	"github.com/mvorchestra/engine/internal/clipeval"
	"github.com/mvorchestra/engine/internal/clipgen"
	"github.com/mvorchestra/engine/internal/drivers"
	"github.com/mvorchestra/engine/internal/effects"
	"github.com/mvorchestra/engine/internal/evaluator"
	"github.com/mvorchestra/engine/internal/feedbackloop"
	"github.com/mvorchestra/engine/internal/session"
	"github.com/mvorchestra/engine/internal/telemetry"
	"github.com/mvorchestra/engine/pkg/mverrors"
)

// Phase numbers.
const (
	PhaseAudioAnalysis    = 0
	PhaseStoryMessage     = 1
	PhaseSectionBreakdown = 2
	PhaseClipDesign       = 3
	PhaseRefinement       = 4
	PhaseClipGeneration   = 5
	PhaseClipEvaluation   = 6
	PhaseVideoEditing     = 7
	PhaseEffectsCode      = 8
	PhaseRender           = 9
)

// EditSettings carries the transition configuration for the editing
// phase.
type EditSettings struct {
	TransitionDuration float64
	TransitionType     string
	MaxParallelTrims   int
}

// Orchestrator coordinates one session's run through every phase.
type Orchestrator struct {
	Session       *session.Session
	SessionDir    string
	Agents        *agentexec.Executor
	Evaluator     *evaluator.Evaluator
	FeedbackLoops map[int]*feedbackloop.Manager // per design phase, since each may scope its own director roster
	ClipGenerator *clipgen.Generator
	ClipEvaluator *clipeval.Evaluator
	Driver        *drivers.Driver
	Metrics       *telemetry.Metrics
}

// New builds an Orchestrator around an already-loaded session.
func New(sess *session.Session, sessionDir string, agents *agentexec.Executor, eval *evaluator.Evaluator, feedbackLoops map[int]*feedbackloop.Manager, clipGen *clipgen.Generator, driver *drivers.Driver, metrics *telemetry.Metrics) *Orchestrator {
	return &Orchestrator{
		Session:       sess,
		SessionDir:    sessionDir,
		Agents:        agents,
		Evaluator:     eval,
		FeedbackLoops: feedbackLoops,
		ClipGenerator: clipGen,
		ClipEvaluator: clipeval.New(),
		Driver:        driver,
		Metrics:       metrics,
	}
}

func (o *Orchestrator) phaseDir(phaseNum int) string {
	return filepath.Join(o.SessionDir, fmt.Sprintf("phase%d", phaseNum))
}

func (o *Orchestrator) observePhase(phaseNum int, start time.Time) {
	if o.Metrics != nil {
		o.Metrics.PhaseDuration.WithLabelValues(fmt.Sprintf("%d", phaseNum)).Observe(time.Since(start).Seconds())
	}
}

// failAttempt closes the current attempt as failed unless the error is a
// cancellation — cancellation and failure are different lifecycle
// events, and a cancelled phase stays resumable with its attempt open.
func (o *Orchestrator) failAttempt(phaseNum int, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	_ = o.Session.MarkAttemptFailed(phaseNum, err.Error())
}

// AudioAnalysis is the document an external collaborator (a real
// BPM/beat/spectral analyzer) produces for a given audio file. Phase 0
// accepts it ready-made rather than computing it itself.
type AudioAnalysis struct {
	Duration float64   `json:"duration"`
	BPM      int       `json:"bpm"`
	Beats    []float64 `json:"beats"`
	Sections []any     `json:"sections"`
}

// placeholderAudioAnalysis is the fixed stand-in recorded when no real
// analyzer is wired up.
func placeholderAudioAnalysis() AudioAnalysis {
	return AudioAnalysis{Duration: 180.0, BPM: 120, Beats: []float64{}, Sections: []any{}}
}

// RunAudioAnalysis executes Phase 0. analysis is the collaborator's
// already-computed result; pass nil to record a fixed placeholder
// instead.
func (o *Orchestrator) RunAudioAnalysis(ctx context.Context, audioFile string, analysis *AudioAnalysis) (map[string]any, error) {
	logger := telemetry.FromContext(ctx)
	start := time.Now()
	defer o.observePhase(PhaseAudioAnalysis, start)

	if _, err := os.Stat(audioFile); err != nil {
		return nil, fmt.Errorf("%w: audio file not found: %s", mverrors.ErrIO, audioFile)
	}

	if err := o.Session.MarkPhaseStarted(PhaseAudioAnalysis); err != nil {
		return nil, err
	}

	outputDir := o.phaseDir(PhaseAudioAnalysis)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create phase0 output dir: %v", mverrors.ErrIO, err)
	}

	a := placeholderAudioAnalysis()
	if analysis != nil {
		a = *analysis
	}

	result := map[string]any{
		"audio_file": audioFile,
		"duration":   a.Duration,
		"bpm":        a.BPM,
		"beats":      a.Beats,
		"sections":   a.Sections,
	}

	if err := writeResultsJSON(outputDir, result); err != nil {
		return nil, err
	}

	if err := o.Session.MarkPhaseCompleted(PhaseAudioAnalysis, result, true); err != nil {
		return nil, err
	}

	logger.Info().Float64("duration", a.Duration).Int("bpm", a.BPM).Msg("phase 0 audio analysis complete")
	return result, nil
}

// RunDesignPhases runs every design phase in [startPhase, endPhase]. A
// failure on any phase aborts the remainder.
func (o *Orchestrator) RunDesignPhases(ctx context.Context, startPhase, endPhase int) (map[string]map[string]any, error) {
	logger := telemetry.FromContext(ctx)
	logger.Info().Int("start", startPhase).Int("end", endPhase).Msg("running design phases")

	results := make(map[string]map[string]any)
	for phaseNum := startPhase; phaseNum <= endPhase; phaseNum++ {
		result, err := o.runDesignPhase(ctx, phaseNum)
		if err != nil {
			return results, fmt.Errorf("design phase %d: %w", phaseNum, err)
		}
		results[fmt.Sprintf("phase%d", phaseNum)] = result
	}

	logger.Info().Msg("design phases completed")
	return results, nil
}

func (o *Orchestrator) runDesignPhase(ctx context.Context, phaseNum int) (map[string]any, error) {
	logger := telemetry.FromContext(ctx).With().Int("phase", phaseNum).Logger()
	start := time.Now()
	defer o.observePhase(phaseNum, start)

	if !o.Session.CanExecutePhase(phaseNum) {
		return nil, fmt.Errorf("%w: phase %d prerequisites not met", mverrors.ErrPrerequisiteNotMet, phaseNum)
	}

	if err := o.Session.MarkPhaseStarted(phaseNum); err != nil {
		return nil, err
	}

	runContext := o.BuildContext(phaseNum)
	outputDir := o.phaseDir(phaseNum)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create phase%d output dir: %v", mverrors.ErrIO, phaseNum, err)
	}

	manager, ok := o.FeedbackLoops[phaseNum]
	if !ok {
		return nil, fmt.Errorf("no feedback loop manager registered for phase %d", phaseNum)
	}

	logger.Info().Msg("running phase with feedback loop")
	loopResult, err := manager.RunWithFeedback(ctx, phaseNum, runContext, outputDir)
	if err != nil {
		o.failAttempt(phaseNum, err)
		return nil, err
	}

	var winner any
	_ = json.Unmarshal(loopResult.FinalResult, &winner)

	resultData := map[string]any{
		"phase":       phaseNum,
		"winner":      winner,
		"iterations":  loopResult.IterationCount,
		"final_score": loopResult.FinalScore,
		"improvement": loopResult.TotalImprovement,
	}

	if err := writeResultsJSON(outputDir, resultData); err != nil {
		return nil, err
	}

	if err := o.Session.MarkPhaseCompleted(phaseNum, resultData, true); err != nil {
		return nil, err
	}

	logger.Info().Str("winner", loopResult.WinnerName).Float64("score", loopResult.FinalScore).Int("iterations", loopResult.IterationCount).Msg("phase complete")

	return resultData, nil
}

// BuildContext assembles the context handed to phaseNum's agents from
// prior phase winners, carrying each design phase's winner forward
// cumulatively (story, then sections, then clips).
func (o *Orchestrator) BuildContext(phaseNum int) map[string]any {
	ctx := map[string]any{}

	if phase0Data := o.Session.GetPhaseData(PhaseAudioAnalysis); phase0Data != nil {
		var v any
		if json.Unmarshal(phase0Data, &v) == nil {
			ctx["audio_analysis"] = v
		}
	}

	if phaseNum == PhaseStoryMessage {
		return ctx
	}

	if phaseNum >= PhaseSectionBreakdown {
		if v, ok := winnerFromPhase(o.Session, PhaseStoryMessage); ok {
			ctx["story"] = v
		}
	}
	if phaseNum >= PhaseClipDesign {
		if v, ok := winnerFromPhase(o.Session, PhaseSectionBreakdown); ok {
			ctx["sections"] = v
		}
	}
	if phaseNum >= PhaseRefinement {
		if v, ok := winnerFromPhase(o.Session, PhaseClipDesign); ok {
			ctx["clips"] = v
		}
	}

	return ctx
}

func winnerFromPhase(sess *session.Session, phaseNum int) (any, bool) {
	data := sess.GetPhaseData(phaseNum)
	if data == nil {
		return nil, false
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, false
	}
	winner, ok := decoded["winner"]
	return winner, ok
}

// winnerList pulls a named list (e.g. "clips", "sections") out of a
// phase's winner document.
func (o *Orchestrator) winnerList(phaseNum int, key string) []map[string]any {
	winner, ok := winnerFromPhase(o.Session, phaseNum)
	if !ok {
		return nil
	}
	decoded, ok := winner.(map[string]any)
	if !ok {
		return nil
	}
	items, ok := decoded[key].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// RunGenerationPhases drives phases 5 through 9 against the design
// winners already persisted in the session: clip generation, clip
// evaluation, editing, effects code, and the final render.
func (o *Orchestrator) RunGenerationPhases(ctx context.Context, edit EditSettings, renderCfg drivers.RenderConfig) error {
	logger := telemetry.FromContext(ctx)

	designs := o.winnerList(PhaseClipDesign, "clips")
	if len(designs) == 0 {
		return fmt.Errorf("%w: phase 3 winner has no clip designs", mverrors.ErrPrerequisiteNotMet)
	}
	strategies := o.winnerList(PhaseRefinement, "generation_strategies")

	clipResults, err := o.RunClipGenerationPhase(ctx, designs, strategies)
	if err != nil {
		return err
	}

	evaluations, err := o.RunClipEvaluationPhase(ctx, clipResults, designs)
	if err != nil {
		return err
	}

	if _, err := o.RunVideoEditingPhase(ctx, evaluations, designs, edit); err != nil {
		return err
	}

	if _, err := o.RunEffectsPhase(ctx); err != nil {
		return err
	}

	if _, err := o.RunRenderPhase(ctx, renderCfg); err != nil {
		return err
	}

	logger.Info().Msg("generation phases completed")
	return nil
}

// RunClipGenerationPhase runs Phase 5 (bounded-concurrency clip
// generation against the winning Phase 3/4 designs).
func (o *Orchestrator) RunClipGenerationPhase(ctx context.Context, designs []map[string]any, strategies []map[string]any) ([]clipgen.ClipResult, error) {
	logger := telemetry.FromContext(ctx)
	start := time.Now()
	defer o.observePhase(PhaseClipGeneration, start)

	if !o.Session.CanExecutePhase(PhaseClipGeneration) {
		return nil, fmt.Errorf("%w: phase %d prerequisites not met", mverrors.ErrPrerequisiteNotMet, PhaseClipGeneration)
	}
	if err := o.Session.MarkPhaseStarted(PhaseClipGeneration); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(o.phaseDir(PhaseClipGeneration), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create phase5 output dir: %v", mverrors.ErrIO, err)
	}

	results, err := o.ClipGenerator.GenerateAll(ctx, designs, strategies)
	if err != nil {
		o.failAttempt(PhaseClipGeneration, err)
		return nil, err
	}

	successful := clipgen.GetSuccessfulClips(results)
	if len(successful) == 0 {
		err := fmt.Errorf("%w: phase 5 produced no usable clips", mverrors.ErrNoViableSubmissions)
		_ = o.Session.MarkPhaseCompleted(PhaseClipGeneration, map[string]any{"error": err.Error()}, false)
		return results, err
	}

	clips := make([]map[string]any, len(results))
	for i, r := range results {
		entry := map[string]any{
			"clip_id":  r.ClipID,
			"success":  r.Success,
			"backend":  r.Backend,
			"attempts": r.Attempts,
		}
		if r.Clip != nil {
			entry["path"] = r.Clip.Path
		}
		if r.Error != "" {
			entry["error"] = r.Error
		}
		clips[i] = entry
	}

	resultData := map[string]any{
		"phase":       PhaseClipGeneration,
		"total_clips": len(designs),
		"successful":  len(successful),
		"failed":      len(designs) - len(successful),
		"clips":       clips,
	}
	if err := writeResultsJSON(o.phaseDir(PhaseClipGeneration), resultData); err != nil {
		return results, err
	}
	if err := o.Session.MarkPhaseCompleted(PhaseClipGeneration, resultData, true); err != nil {
		return results, err
	}

	logger.Info().Int("successful", len(successful)).Int("total", len(designs)).Msg("phase 5 clip generation complete")
	return results, nil
}

// RunClipEvaluationPhase runs Phase 6: every successfully generated clip
// is scored against its design and gated by the quality thresholds.
func (o *Orchestrator) RunClipEvaluationPhase(ctx context.Context, clipResults []clipgen.ClipResult, designs []map[string]any) ([]clipeval.Result, error) {
	logger := telemetry.FromContext(ctx)
	start := time.Now()
	defer o.observePhase(PhaseClipEvaluation, start)

	if !o.Session.CanExecutePhase(PhaseClipEvaluation) {
		return nil, fmt.Errorf("%w: phase %d prerequisites not met", mverrors.ErrPrerequisiteNotMet, PhaseClipEvaluation)
	}
	if err := o.Session.MarkPhaseStarted(PhaseClipEvaluation); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(o.phaseDir(PhaseClipEvaluation), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create phase6 output dir: %v", mverrors.ErrIO, err)
	}

	designsByID := make(map[int]map[string]any, len(designs))
	for _, d := range designs {
		designsByID[intField(d, "clip_id")] = d
	}

	var inputs []clipeval.Input
	for _, r := range clipResults {
		if !r.Success || r.Clip == nil {
			continue
		}
		in := clipeval.Input{ClipID: r.ClipID, Path: r.Clip.Path}
		if d, ok := designsByID[r.ClipID]; ok {
			in.Design = d
			if prompt, ok := d["prompt"].(string); ok {
				in.Prompt = prompt
			}
		}
		inputs = append(inputs, in)
	}

	evaluations := o.ClipEvaluator.EvaluateAll(ctx, inputs)

	passing := 0
	for _, e := range evaluations {
		if e.MeetsThreshold {
			passing++
		}
	}
	if passing == 0 {
		err := fmt.Errorf("%w: no clips passed evaluation", mverrors.ErrNoViableSubmissions)
		_ = o.Session.MarkPhaseCompleted(PhaseClipEvaluation, map[string]any{"error": err.Error()}, false)
		return evaluations, err
	}

	resultData := map[string]any{
		"phase":       PhaseClipEvaluation,
		"evaluations": evaluations,
		"passing":     passing,
		"failing":     len(evaluations) - passing,
	}
	if err := writeResultsJSON(o.phaseDir(PhaseClipEvaluation), resultData); err != nil {
		return evaluations, err
	}
	if err := o.Session.MarkPhaseCompleted(PhaseClipEvaluation, resultData, true); err != nil {
		return evaluations, err
	}

	logger.Info().Int("passing", passing).Int("total", len(evaluations)).Msg("phase 6 clip evaluation complete")
	return evaluations, nil
}

// RunVideoEditingPhase runs Phase 7: trims every passing clip to its
// designed window under a bounded-parallel cap, merges each section's
// clips, then merges the sections into the full sequence.
func (o *Orchestrator) RunVideoEditingPhase(ctx context.Context, evaluations []clipeval.Result, designs []map[string]any, settings EditSettings) (map[string]any, error) {
	logger := telemetry.FromContext(ctx)
	start := time.Now()
	defer o.observePhase(PhaseVideoEditing, start)

	if !o.Session.CanExecutePhase(PhaseVideoEditing) {
		return nil, fmt.Errorf("%w: phase %d prerequisites not met", mverrors.ErrPrerequisiteNotMet, PhaseVideoEditing)
	}
	if err := o.Session.MarkPhaseStarted(PhaseVideoEditing); err != nil {
		return nil, err
	}

	phaseDir := o.phaseDir(PhaseVideoEditing)
	trimDir := filepath.Join(phaseDir, "trimmed_clips")
	mergeDir := filepath.Join(phaseDir, "merged_sections")
	for _, dir := range []string{trimDir, mergeDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create phase7 dir %s: %v", mverrors.ErrIO, dir, err)
		}
	}

	designsByID := make(map[int]map[string]any, len(designs))
	for _, d := range designs {
		designsByID[intField(d, "clip_id")] = d
	}

	maxParallel := settings.MaxParallelTrims
	if maxParallel <= 0 {
		maxParallel = 3
	}

	type trimmed struct {
		clipID   int
		path     string
		duration float64
		err      error
	}

	var passing []clipeval.Result
	for _, e := range evaluations {
		if e.MeetsThreshold {
			passing = append(passing, e)
		}
	}
	if len(passing) == 0 {
		err := fmt.Errorf("%w: no passing clips to edit", mverrors.ErrNoViableSubmissions)
		o.failAttempt(PhaseVideoEditing, err)
		return nil, err
	}

	trims := make([]trimmed, len(passing))
	sem := semaphore.NewWeighted(int64(maxParallel))
	group, gctx := errgroup.WithContext(ctx)
	for i, e := range passing {
		i, e := i, e
		group.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				trims[i] = trimmed{clipID: e.ClipID, err: err}
				return nil
			}
			defer sem.Release(1)

			design := designsByID[e.ClipID]
			duration := floatField(design, "duration", 4.0)
			spec := drivers.TrimSpec{
				ClipID:     e.ClipID,
				InputPath:  e.ClipPath,
				OutputPath: filepath.Join(trimDir, fmt.Sprintf("clip_%03d_trimmed.mp4", e.ClipID)),
				StartTime:  0,
				Duration:   duration,
			}
			result, err := o.Driver.Trim(gctx, spec)
			trims[i] = trimmed{clipID: e.ClipID, path: result.OutputPath, duration: result.Duration, err: err}
			return nil
		})
	}
	_ = group.Wait()

	// Group successful trims by the section their design names.
	clipsBySection := map[int][]trimmed{}
	successfulTrims := 0
	for _, tr := range trims {
		if tr.err != nil {
			logger.Warn().Int("clip_id", tr.clipID).Err(tr.err).Msg("trim failed")
			continue
		}
		successfulTrims++
		sectionID := intField(designsByID[tr.clipID], "section_id")
		clipsBySection[sectionID] = append(clipsBySection[sectionID], tr)
	}
	if successfulTrims == 0 {
		err := fmt.Errorf("%w: every trim failed", mverrors.ErrNoViableSubmissions)
		o.failAttempt(PhaseVideoEditing, err)
		return nil, err
	}

	sectionIDs := make([]int, 0, len(clipsBySection))
	for id := range clipsBySection {
		sectionIDs = append(sectionIDs, id)
	}
	sort.Ints(sectionIDs)

	var sectionMerges []map[string]any
	for _, sectionID := range sectionIDs {
		sectionClips := clipsBySection[sectionID]
		sort.Slice(sectionClips, func(i, j int) bool { return sectionClips[i].clipID < sectionClips[j].clipID })

		paths := make([]string, len(sectionClips))
		clipIDs := make([]int, len(sectionClips))
		for i, c := range sectionClips {
			paths[i] = c.path
			clipIDs[i] = c.clipID
		}

		mergeResult, err := o.Driver.Merge(ctx, drivers.MergeSpec{
			Clips:              paths,
			OutputPath:         filepath.Join(mergeDir, fmt.Sprintf("section_%03d.mp4", sectionID)),
			TransitionDuration: settings.TransitionDuration,
			TransitionType:     settings.TransitionType,
		})
		if err != nil {
			logger.Error().Int("section_id", sectionID).Err(err).Msg("section merge failed")
			continue
		}
		sectionMerges = append(sectionMerges, map[string]any{
			"section_id": sectionID,
			"path":       mergeResult.OutputPath,
			"duration":   mergeResult.Duration,
			"clip_count": len(sectionClips),
			"clips":      clipIDs,
		})
	}
	if len(sectionMerges) == 0 {
		err := fmt.Errorf("%w: every section merge failed", mverrors.ErrNoViableSubmissions)
		o.failAttempt(PhaseVideoEditing, err)
		return nil, err
	}

	finalPath := sectionMerges[0]["path"].(string)
	totalDuration := sectionMerges[0]["duration"].(float64)
	if len(sectionMerges) > 1 {
		paths := make([]string, len(sectionMerges))
		for i, s := range sectionMerges {
			paths[i] = s["path"].(string)
		}
		finalResult, err := o.Driver.Merge(ctx, drivers.MergeSpec{
			Clips:              paths,
			OutputPath:         filepath.Join(mergeDir, "full_sequence.mp4"),
			TransitionDuration: settings.TransitionDuration,
			TransitionType:     settings.TransitionType,
		})
		if err != nil {
			o.failAttempt(PhaseVideoEditing, err)
			return nil, fmt.Errorf("final sequence merge: %w", err)
		}
		finalPath = finalResult.OutputPath
		totalDuration = finalResult.Duration
	}

	resultData := map[string]any{
		"phase":            PhaseVideoEditing,
		"total_clips":      len(passing),
		"successful_trims": successfulTrims,
		"failed_trims":     len(passing) - successfulTrims,
		"sections":         sectionMerges,
		"final_sequence": map[string]any{
			"path":          finalPath,
			"duration":      totalDuration,
			"section_count": len(sectionMerges),
		},
		"transition_settings": map[string]any{
			"duration": settings.TransitionDuration,
			"type":     settings.TransitionType,
		},
	}
	if err := writeResultsJSON(phaseDir, resultData); err != nil {
		return nil, err
	}
	if err := o.Session.MarkPhaseCompleted(PhaseVideoEditing, resultData, true); err != nil {
		return nil, err
	}

	logger.Info().Int("sections", len(sectionMerges)).Float64("duration", totalDuration).Msg("phase 7 video editing complete")
	return resultData, nil
}

// RunEffectsPhase runs Phase 8: three effect agents compete, an
// evaluation agent picks the winner, and partial adoptions are merged
// into the final effects file.
func (o *Orchestrator) RunEffectsPhase(ctx context.Context) (map[string]any, error) {
	logger := telemetry.FromContext(ctx)
	start := time.Now()
	defer o.observePhase(PhaseEffectsCode, start)

	if !o.Session.CanExecutePhase(PhaseEffectsCode) {
		return nil, fmt.Errorf("%w: phase %d prerequisites not met", mverrors.ErrPrerequisiteNotMet, PhaseEffectsCode)
	}
	if err := o.Session.MarkPhaseStarted(PhaseEffectsCode); err != nil {
		return nil, err
	}

	outputDir := o.phaseDir(PhaseEffectsCode)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create phase8 output dir: %v", mverrors.ErrIO, err)
	}

	agentContext := o.effectsContext()

	agentResults, err := o.Agents.RunAll(ctx, PhaseEffectsCode, agentContext, outputDir, effects.Agents)
	if err != nil {
		o.failAttempt(PhaseEffectsCode, err)
		return nil, err
	}

	var codes []effects.Code
	for _, r := range agentResults {
		if !r.Success {
			logger.Warn().Str("agent", r.AgentType).Str("error", r.Error).Msg("effect agent failed")
			continue
		}
		code, parseErr := effects.ParseAgentOutput(r.AgentType, r.Output)
		if parseErr != nil {
			logger.Warn().Str("agent", r.AgentType).Err(parseErr).Msg("effect agent output rejected")
			continue
		}
		codes = append(codes, code)
	}
	if len(codes) == 0 {
		err := fmt.Errorf("%w: no valid effects code generated", mverrors.ErrNoViableSubmissions)
		o.failAttempt(PhaseEffectsCode, err)
		return nil, err
	}

	submissions := make([]evaluator.Submission, len(codes))
	for i, code := range codes {
		preview, _ := json.Marshal(map[string]any{
			"effects":     code.EffectsList,
			"reasoning":   code.Reasoning,
			"complexity":  code.ComplexityScore,
			"creativity":  code.CreativityScore,
			"performance": code.PerformanceScore,
		})
		submissions[i] = evaluator.Submission{DirectorType: code.AgentName, Success: true, Output: preview}
	}

	selection := o.Evaluator.Evaluate(ctx, PhaseEffectsCode, submissions, agentContext, outputDir)

	adoptions := make([]effects.Adoption, 0, len(selection.PartialAdoptions))
	for _, raw := range selection.PartialAdoptions {
		var a effects.Adoption
		if json.Unmarshal(raw, &a) == nil {
			adoptions = append(adoptions, a)
		}
	}

	evaluation, err := effects.SelectBest(codes, selection.WinnerName, selection.Scores, selection.Reasoning, adoptions)
	if err != nil {
		o.failAttempt(PhaseEffectsCode, err)
		return nil, err
	}

	finalCode := effects.Merge(evaluation.WinnerCode, evaluation.PartialAdoptions, codes)
	effectsFile := filepath.Join(outputDir, "effects.tsx")
	if err := os.WriteFile(effectsFile, []byte(finalCode), 0o644); err != nil {
		return nil, fmt.Errorf("%w: write effects file: %v", mverrors.ErrIO, err)
	}

	submissionsDir := filepath.Join(outputDir, "submissions")
	if err := os.MkdirAll(submissionsDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create submissions dir: %v", mverrors.ErrIO, err)
	}
	for _, code := range codes {
		path := filepath.Join(submissionsDir, code.AgentName+".tsx")
		if err := os.WriteFile(path, []byte(code.Source), 0o644); err != nil {
			return nil, fmt.Errorf("%w: write submission %s: %v", mverrors.ErrIO, path, err)
		}
	}

	submissionSummaries := make([]map[string]any, len(codes))
	for i, code := range codes {
		submissionSummaries[i] = map[string]any{
			"agent":             code.AgentName,
			"effects_count":     len(code.EffectsList),
			"effects":           code.EffectsList,
			"complexity_score":  code.ComplexityScore,
			"creativity_score":  code.CreativityScore,
			"performance_score": code.PerformanceScore,
			"code_file":         filepath.Join(submissionsDir, code.AgentName+".tsx"),
		}
	}

	resultData := map[string]any{
		"phase":             PhaseEffectsCode,
		"winner":            evaluation.Winner,
		"winner_effects":    evaluation.WinnerCode.EffectsList,
		"scores":            evaluation.Scores,
		"reasoning":         evaluation.Reasoning,
		"partial_adoptions": evaluation.PartialAdoptions,
		"submissions":       submissionSummaries,
		"final_code_file":   effectsFile,
	}
	if err := writeResultsJSON(outputDir, resultData); err != nil {
		return nil, err
	}
	if err := o.Session.MarkPhaseCompleted(PhaseEffectsCode, resultData, true); err != nil {
		return nil, err
	}

	logger.Info().Str("winner", evaluation.Winner).Int("submissions", len(codes)).Msg("phase 8 effects code complete")
	return resultData, nil
}

// effectsContext assembles the effect agents' context from the story,
// section, clip, and sequence winners.
func (o *Orchestrator) effectsContext() map[string]any {
	ctx := map[string]any{}
	if v, ok := winnerFromPhase(o.Session, PhaseStoryMessage); ok {
		ctx["story"] = v
	}
	if sections := o.winnerList(PhaseSectionBreakdown, "sections"); sections != nil {
		ctx["sections"] = sections
	}
	if clips := o.winnerList(PhaseClipDesign, "clips"); clips != nil {
		ctx["clips"] = clips
	}
	if seq, ok := o.phaseResultField(PhaseVideoEditing, "final_sequence"); ok {
		ctx["video_sequence"] = seq
		if m, ok := seq.(map[string]any); ok {
			ctx["total_duration"] = m["duration"]
		}
	}
	return ctx
}

func (o *Orchestrator) phaseResultField(phaseNum int, key string) (any, bool) {
	data := o.Session.GetPhaseData(phaseNum)
	if data == nil {
		return nil, false
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, false
	}
	v, ok := decoded[key]
	return v, ok
}

// RunRenderPhase runs Phase 9: stages the renderer project from the
// phase 0 audio, phase 7 sequence, and phase 8 effects, then invokes the
// renderer.
func (o *Orchestrator) RunRenderPhase(ctx context.Context, cfg drivers.RenderConfig) (drivers.RenderResult, error) {
	logger := telemetry.FromContext(ctx)
	start := time.Now()
	defer o.observePhase(PhaseRender, start)

	if !o.Session.CanExecutePhase(PhaseRender) {
		return drivers.RenderResult{}, fmt.Errorf("%w: phase %d prerequisites not met", mverrors.ErrPrerequisiteNotMet, PhaseRender)
	}

	audioFile, _ := o.phaseResultField(PhaseAudioAnalysis, "audio_file")
	audioPath, _ := audioFile.(string)
	if audioPath == "" {
		return drivers.RenderResult{}, fmt.Errorf("%w: phase 0 result has no audio file", mverrors.ErrPrerequisiteNotMet)
	}

	seq, _ := o.phaseResultField(PhaseVideoEditing, "final_sequence")
	seqMap, _ := seq.(map[string]any)
	sequencePath, _ := seqMap["path"].(string)
	if sequencePath == "" {
		return drivers.RenderResult{}, fmt.Errorf("%w: phase 7 result has no final sequence", mverrors.ErrPrerequisiteNotMet)
	}

	effectsFile, _ := o.phaseResultField(PhaseEffectsCode, "final_code_file")
	effectsPath, _ := effectsFile.(string)
	if effectsPath == "" {
		return drivers.RenderResult{}, fmt.Errorf("%w: phase 8 result has no effects file", mverrors.ErrPrerequisiteNotMet)
	}

	if err := o.Session.MarkPhaseStarted(PhaseRender); err != nil {
		return drivers.RenderResult{}, err
	}

	outputDir := o.phaseDir(PhaseRender)
	projectDir := filepath.Join(outputDir, "remotion_project")
	outputPath := filepath.Join(outputDir, "final_output."+cfg.OutputFormat)

	// Auto-calculate frame count from the sequence duration.
	if cfg.DurationInFrames <= 0 {
		if duration, ok := seqMap["duration"].(float64); ok && duration > 0 {
			cfg.DurationInFrames = int(duration * float64(cfg.FPS))
		}
	}

	if err := o.Driver.SetupProject(ctx, projectDir, drivers.ProjectInputs{
		VideoSequencePath: sequencePath,
		EffectsCodePath:   effectsPath,
		AudioPath:         audioPath,
	}, cfg); err != nil {
		o.failAttempt(PhaseRender, err)
		return drivers.RenderResult{}, err
	}

	result, err := o.Driver.Render(ctx, projectDir, outputPath, cfg)
	if result.Logs != "" {
		_ = os.WriteFile(filepath.Join(outputDir, "render_logs.txt"), []byte(result.Logs), 0o644)
	}
	if err != nil {
		o.failAttempt(PhaseRender, err)
		return result, err
	}

	resultData := map[string]any{
		"phase":               PhaseRender,
		"output_file":         result.OutputPath,
		"duration":            result.Duration,
		"file_size":           result.FileSize,
		"render_time_seconds": result.RenderTime.Seconds(),
		"remotion_project":    projectDir,
	}
	if err := writeResultsJSON(outputDir, resultData); err != nil {
		return result, err
	}
	if err := o.Session.MarkPhaseCompleted(PhaseRender, resultData, true); err != nil {
		return result, err
	}

	logger.Info().Str("output", result.OutputPath).Msg("phase 9 render complete")
	return result, nil
}

// Validation is the session health report printed alongside the summary:
// issues block downstream phases, warnings flag partial results.
type Validation struct {
	Issues   []string `json:"issues"`
	Warnings []string `json:"warnings"`
}

// ValidateSession inspects every phase for structural problems: a
// completed design phase without a winner is an issue; failed clips in
// phase 5, clips below the evaluation threshold in phase 6 and failed
// trims in phase 7 are warnings.
func (o *Orchestrator) ValidateSession() Validation {
	var v Validation

	for n := 0; n < session.NumPhases; n++ {
		if o.Session.PhaseStatus(n) != session.StatusCompleted {
			continue
		}
		switch n {
		case PhaseStoryMessage, PhaseSectionBreakdown, PhaseClipDesign, PhaseRefinement:
			if _, ok := winnerFromPhase(o.Session, n); !ok {
				v.Issues = append(v.Issues, fmt.Sprintf("phase %d completed without a winner", n))
			}
		case PhaseClipGeneration:
			if failed, ok := o.phaseResultField(n, "failed"); ok {
				if f, ok := failed.(float64); ok && f > 0 {
					v.Warnings = append(v.Warnings, fmt.Sprintf("phase 5 has %d failed clips", int(f)))
				}
			}
		case PhaseClipEvaluation:
			if failing, ok := o.phaseResultField(n, "failing"); ok {
				if f, ok := failing.(float64); ok && f > 0 {
					v.Warnings = append(v.Warnings, fmt.Sprintf("phase 6 has %d clips below threshold", int(f)))
				}
			}
		case PhaseVideoEditing:
			if failed, ok := o.phaseResultField(n, "failed_trims"); ok {
				if f, ok := failed.(float64); ok && f > 0 {
					v.Warnings = append(v.Warnings, fmt.Sprintf("phase 7 has %d failed trims", int(f)))
				}
			}
		}
	}

	return v
}

// GetSessionSummary exposes the underlying session's summary view.
func (o *Orchestrator) GetSessionSummary() session.Summary {
	return o.Session.GetSessionSummary()
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func floatField(m map[string]any, key string, fallback float64) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return fallback
}

func writeResultsJSON(outputDir string, data map[string]any) error {
	path := filepath.Join(outputDir, "results.json")
	content, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", mverrors.ErrIO, path, err)
	}
	return nil
}
