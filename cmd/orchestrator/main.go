// Command orchestrator is the CLI entrypoint: it loads configuration,
// wires the session/agentexec/evaluator/feedbackloop/clipgen/drivers
// stack together, and drives one session through the pipeline in two
// runs — `design` for phase 0 (audio analysis) and the design phases
// (P1-P4), `generate` for the generation/edit/render phases (P5-P9).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/mvorchestra/engine/internal/agentexec"
	"github.com/mvorchestra/engine/internal/clipgen"
	"github.com/mvorchestra/engine/internal/config"
	"github.com/mvorchestra/engine/internal/director"
	"github.com/mvorchestra/engine/internal/drivers"
	"github.com/mvorchestra/engine/internal/evaluator"
	"github.com/mvorchestra/engine/internal/feedbackloop"
	"github.com/mvorchestra/engine/internal/orchestrator"
	"github.com/mvorchestra/engine/internal/session"
	"github.com/mvorchestra/engine/internal/telemetry"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	if len(argv) == 0 {
		fmt.Fprintln(os.Stderr, "usage: orchestrator <design|generate|status> [flags]")
		return 1
	}

	subcommand := argv[0]
	fs := pflag.NewFlagSet(subcommand, pflag.ContinueOnError)
	configPath := fs.String("config", "", "path to orchestrator_config.(json|yaml)")
	audioFile := fs.String("audio", "", "input audio file (phase 0)")
	startPhase := fs.Int("start-phase", orchestrator.PhaseStoryMessage, "first design phase to run")
	endPhase := fs.Int("end-phase", orchestrator.PhaseRefinement, "last design phase to run")
	transitionType := fs.String("transition-type", "none", "merge transition type (none|crossfade|fade)")
	transitionDuration := fs.Float64("transition-duration", 0, "merge transition duration in seconds")
	config.RegisterFlags(fs)

	if err := fs.Parse(argv[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	cfg, err := config.Load(*configPath, fs)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 1
	}
	if cfg.Session == "" {
		fmt.Fprintln(os.Stderr, "missing required --session flag")
		return 1
	}

	logger := telemetry.NewLogger(cfg.LogLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = telemetry.WithLogger(ctx, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Warn().Msg("received shutdown signal, cancelling in-flight work")
		cancel()
	}()

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("debug metrics listener starting")
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error().Err(err).Msg("metrics listener exited")
			}
		}()
	}

	o, err := buildOrchestrator(cfg, prometheus.DefaultRegisterer)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build orchestrator")
		return 1
	}

	switch subcommand {
	case "design":
		return runDesign(ctx, o, audioFile, *startPhase, *endPhase, logger)
	case "generate":
		edit := orchestrator.EditSettings{
			TransitionDuration: *transitionDuration,
			TransitionType:     *transitionType,
			MaxParallelTrims:   cfg.MaxParallelClips,
		}
		return runGenerate(ctx, o, edit, logger)
	case "status":
		return runStatus(o)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q (want design|generate|status)\n", subcommand)
		return 1
	}
}

// buildOrchestrator loads or creates the named session and wires every
// collaborator package into one Orchestrator, one feedback-loop Manager
// per design phase as orchestrator.runDesignPhase expects.
func buildOrchestrator(cfg *config.Config, reg prometheus.Registerer) (*orchestrator.Orchestrator, error) {
	sess, err := session.LoadOrCreate(cfg.SessionsRoot, cfg.Session)
	if err != nil {
		return nil, fmt.Errorf("load or create session: %w", err)
	}
	sessionDir := filepath.Join(cfg.SessionsRoot, cfg.Session)

	metrics := telemetry.NewMetrics(reg)
	timeout := time.Duration(cfg.SubprocessTimeoutSeconds) * time.Second

	agents := agentexec.New(cfg.AgentCLIPath, cfg.PromptsRoot, cfg.MaxParallelAgents, timeout)
	agents.Metrics = metrics
	eval := evaluator.New(cfg.AgentCLIPath, cfg.PromptsRoot, timeout)

	loops := make(map[int]*feedbackloop.Manager, 4)
	for _, phaseNum := range []int{
		orchestrator.PhaseStoryMessage,
		orchestrator.PhaseSectionBreakdown,
		orchestrator.PhaseClipDesign,
		orchestrator.PhaseRefinement,
	} {
		manager := feedbackloop.New(agents, eval, cfg.QualityThreshold, cfg.MaxIterations, director.All)
		manager.Metrics = metrics
		loops[phaseNum] = manager
	}

	selector := clipgen.NewSelector(cfg.Backends)
	clipOutputDir := sess.PhaseDir(orchestrator.PhaseClipGeneration)
	caller := clipgen.PlaceholderCaller{OutputDir: clipOutputDir}
	clipGen := clipgen.New(selector, caller, clipOutputDir, cfg.MaxParallelClips, 3)
	clipGen.Metrics = metrics

	driver := drivers.New(cfg.FFmpegPath, cfg.FFprobePath, cfg.RendererCLI, 3)

	return orchestrator.New(sess, sessionDir, agents, eval, loops, clipGen, driver, metrics), nil
}

// runDesign drives phase 0 (if --audio was given and phase 0 hasn't
// run yet) followed by every design phase in [startPhase, endPhase],
// then prints the session summary and validation.
func runDesign(ctx context.Context, o *orchestrator.Orchestrator, audioFile *string, startPhase, endPhase int, logger zerolog.Logger) int {
	if *audioFile != "" && o.Session.PhaseStatus(orchestrator.PhaseAudioAnalysis) != session.StatusCompleted {
		if _, err := o.RunAudioAnalysis(ctx, *audioFile, nil); err != nil {
			logger.Error().Err(err).Msg("phase 0 audio analysis failed")
			return 1
		}
	}

	if _, err := o.RunDesignPhases(ctx, startPhase, endPhase); err != nil {
		logger.Error().Err(err).Msg("design phases failed")
		return 1
	}

	return runStatus(o)
}

// runGenerate drives phases 5-9 against the design winners already in
// the session.
func runGenerate(ctx context.Context, o *orchestrator.Orchestrator, edit orchestrator.EditSettings, logger zerolog.Logger) int {
	if err := o.RunGenerationPhases(ctx, edit, drivers.DefaultRenderConfig()); err != nil {
		logger.Error().Err(err).Msg("generation phases failed")
		return 1
	}

	return runStatus(o)
}

func runStatus(o *orchestrator.Orchestrator) int {
	summary := o.GetSessionSummary()
	fmt.Printf("session %s (updated %s):\n", summary.SessionID, summary.UpdatedAt)
	for n := 0; n < session.NumPhases; n++ {
		key := fmt.Sprintf("%d", n)
		p, ok := summary.Phases[key]
		if !ok {
			continue
		}
		fmt.Printf("  phase %d: %-12s attempts=%d result=%v\n", n, p.Status, p.Attempts, p.HasResult)
	}

	validation := o.ValidateSession()
	for _, issue := range validation.Issues {
		fmt.Printf("  issue: %s\n", issue)
	}
	for _, warning := range validation.Warnings {
		fmt.Printf("  warning: %s\n", warning)
	}
	return 0
}
