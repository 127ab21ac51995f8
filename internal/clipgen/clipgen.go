package clipgen

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/mvorchestra/engine/internal/telemetry"
	"github.com/mvorchestra/engine/pkg/mverrors"
)

// VideoClip is a clip that was successfully generated.
type VideoClip struct {
	ClipID         int
	Path           string
	Design         map[string]any
	Backend        string
	GenerationTime time.Duration
	Metadata       map[string]any
}

// ClipResult is the outcome of one clip generation attempt sequence.
type ClipResult struct {
	ClipID    int
	Success   bool
	Clip      *VideoClip
	Backend   string
	Error     string
	Attempts  int
	TotalTime time.Duration
}

// BackendCaller issues the actual clip-generation call to a backend.
// The production implementation is a thin placeholder until a real MCP
// integration lands; the interface lets tests substitute a
// deterministic fake.
type BackendCaller interface {
	Call(ctx context.Context, backend Backend, design map[string]any, strategy map[string]any, clipID int) (path string, err error)
}

// PlaceholderCaller derives a deterministic output path without
// performing any real generation, optionally after a simulated delay.
type PlaceholderCaller struct {
	OutputDir string
	Delay     time.Duration
}

// Call implements BackendCaller.
func (p PlaceholderCaller) Call(ctx context.Context, backend Backend, design map[string]any, strategy map[string]any, clipID int) (string, error) {
	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	filename := fmt.Sprintf("clip_%03d_%s.mp4", clipID, backend.Name)
	return filepath.Join(p.OutputDir, filename), nil
}

// Generator generates clips against a Selector's backend registry,
// retrying per clip up to MaxRetries and falling over to a strategy's
// fallback backend when the current one fails. Each backend is wrapped
// in its own circuit breaker so a persistently failing backend stops
// absorbing retry attempts across clips.
type Generator struct {
	Selector    *Selector
	Caller      BackendCaller
	OutputDir   string
	MaxParallel int
	MaxRetries  int

	// Metrics is optional; when set, per-attempt outcomes are counted.
	Metrics *telemetry.Metrics

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New builds a Generator. maxParallel/maxRetries <= 0 default to 1.
func New(selector *Selector, caller BackendCaller, outputDir string, maxParallel, maxRetries int) *Generator {
	if maxParallel <= 0 {
		maxParallel = 1
	}
	if maxRetries <= 0 {
		maxRetries = 1
	}
	return &Generator{
		Selector:    selector,
		Caller:      caller,
		OutputDir:   outputDir,
		MaxParallel: maxParallel,
		MaxRetries:  maxRetries,
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (g *Generator) breakerFor(name string) *gobreaker.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.breakers[name]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "clipgen-" + name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		// The registry tracks breaker state so later clips in the same
		// batch stop selecting a backend already known bad.
		OnStateChange: func(_ string, _ gobreaker.State, to gobreaker.State) {
			switch to {
			case gobreaker.StateOpen:
				g.Selector.MarkUnavailable(name)
			case gobreaker.StateClosed:
				g.Selector.MarkAvailable(name)
			}
		},
	})
	g.breakers[name] = b
	return b
}

// GenerateClip generates a single clip, retrying up to MaxRetries times
// and switching to a strategy-provided fallback backend between
// attempts when available.
func (g *Generator) GenerateClip(ctx context.Context, design map[string]any, index int, strategy map[string]any) ClipResult {
	start := time.Now()
	clipID := index
	if v, ok := design["clip_id"].(int); ok {
		clipID = v
	} else if v, ok := design["clip_id"].(float64); ok {
		clipID = int(v)
	}

	logger := telemetry.FromContext(ctx).With().Int("clip_id", clipID).Logger()

	var preferredBackend string
	if strategy != nil {
		if v, ok := strategy["backend"].(string); ok {
			preferredBackend = v
		}
	}
	backend := g.Selector.SelectBest(design, preferredBackend)

	var lastErr error
	for attempt := 1; attempt <= g.MaxRetries; attempt++ {
		logger.Debug().Int("attempt", attempt).Str("backend", backend.Name).Msg("generating clip")

		path, err := g.callWithBreaker(ctx, backend, design, strategy, clipID)
		g.countAttempt(backend.Name, err)
		if err == nil {
			elapsed := time.Since(start)
			logger.Info().Dur("elapsed", elapsed).Msg("clip generated successfully")
			return ClipResult{
				ClipID:    clipID,
				Success:   true,
				Backend:   backend.Name,
				Attempts:  attempt,
				TotalTime: elapsed,
				Clip: &VideoClip{
					ClipID:         clipID,
					Path:           path,
					Design:         design,
					Backend:        backend.Name,
					GenerationTime: elapsed,
					Metadata: map[string]any{
						"attempt":  attempt,
						"duration": design["duration"],
					},
				},
			}
		}

		lastErr = err
		logger.Warn().Err(err).Int("attempt", attempt).Msg("clip generation attempt failed")

		if attempt < g.MaxRetries {
			if fallback, ok := fallbackBackendName(strategy); ok {
				if fb, ok := g.Selector.GetByName(fallback); ok && fb.Available {
					logger.Info().Str("fallback_backend", fallback).Msg("trying fallback backend")
					backend = fb
				}
			}
		}
	}

	elapsed := time.Since(start)
	logger.Error().Err(lastErr).Msg("clip generation failed after all attempts")
	return ClipResult{
		ClipID:    clipID,
		Success:   false,
		Backend:   backend.Name,
		Error:     fmt.Errorf("%w: %v", mverrors.ErrBackendExhausted, lastErr).Error(),
		Attempts:  g.MaxRetries,
		TotalTime: elapsed,
	}
}

func (g *Generator) countAttempt(backendName string, err error) {
	if g.Metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	g.Metrics.ClipAttempts.WithLabelValues(backendName, outcome).Inc()
}

func fallbackBackendName(strategy map[string]any) (string, bool) {
	if strategy == nil {
		return "", false
	}
	fb, ok := strategy["fallback_strategy"].(map[string]any)
	if !ok {
		return "", false
	}
	name, ok := fb["alternative_mcp"].(string)
	if !ok || name == "" {
		// Strategies authored against the generalized registry use the
		// backend-neutral key.
		name, ok = fb["alternative_backend"].(string)
	}
	return name, ok && name != ""
}

func (g *Generator) callWithBreaker(ctx context.Context, backend Backend, design, strategy map[string]any, clipID int) (string, error) {
	breaker := g.breakerFor(backend.Name)
	result, err := breaker.Execute(func() (any, error) {
		return g.Caller.Call(ctx, backend, design, strategy, clipID)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return "", fmt.Errorf("%w: backend %s circuit open", mverrors.ErrBackendUnavailable, backend.Name)
		}
		return "", fmt.Errorf("%w: %v", mverrors.ErrBackendUnavailable, err)
	}
	return result.(string), nil
}

// GenerateAll generates every clip design, bounded to MaxParallel
// concurrent generations, then returns results sorted by clip_id (not
// by input order — clip_id need not match a design's slice index).
func (g *Generator) GenerateAll(ctx context.Context, designs []map[string]any, strategies []map[string]any) ([]ClipResult, error) {
	logger := telemetry.FromContext(ctx)
	logger.Info().Int("clips", len(designs)).Int("max_parallel", g.MaxParallel).Msg("starting clip generation")

	results := make([]ClipResult, len(designs))
	sem := semaphore.NewWeighted(int64(g.MaxParallel))
	group, gctx := errgroup.WithContext(ctx)

	for i, design := range designs {
		i, design := i, design
		group.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				results[i] = ClipResult{ClipID: i, Success: false, Error: err.Error()}
				return nil
			}
			defer sem.Release(1)

			var strategy map[string]any
			if i < len(strategies) {
				strategy = strategies[i]
			}

			results[i] = g.GenerateClip(gctx, design, i, strategy)
			return nil
		})
	}

	_ = group.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].ClipID < results[j].ClipID })

	successful := 0
	for _, r := range results {
		if r.Success {
			successful++
		}
	}
	logger.Info().Int("successful", successful).Int("total", len(designs)).Msg("clip generation complete")

	return results, nil
}

// GetSuccessfulClips extracts the VideoClip from every successful
// result, in the order results were given.
func GetSuccessfulClips(results []ClipResult) []*VideoClip {
	var clips []*VideoClip
	for _, r := range results {
		if r.Success && r.Clip != nil {
			clips = append(clips, r.Clip)
		}
	}
	return clips
}
