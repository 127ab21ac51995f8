package clipgen

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mvorchestra/engine/internal/config"
)

// fakeCaller succeeds or fails per-backend according to a configurable
// failure set, and counts calls per backend.
type fakeCaller struct {
	mu      sync.Mutex
	calls   map[string]int
	failFor map[string]bool
}

func newFakeCaller(failFor ...string) *fakeCaller {
	fail := make(map[string]bool, len(failFor))
	for _, f := range failFor {
		fail[f] = true
	}
	return &fakeCaller{calls: make(map[string]int), failFor: fail}
}

func (f *fakeCaller) Call(ctx context.Context, backend Backend, design map[string]any, strategy map[string]any, clipID int) (string, error) {
	f.mu.Lock()
	f.calls[backend.Name]++
	f.mu.Unlock()

	if f.failFor[backend.Name] {
		return "", errors.New("simulated backend failure")
	}
	return "/out/clip.mp4", nil
}

func TestGenerateClipSucceedsOnFirstAttempt(t *testing.T) {
	s := NewSelector(map[string]config.BackendConfig{
		"default": {Capabilities: []string{"general"}, Priority: 10, Available: true},
	})
	caller := newFakeCaller()
	g := New(s, caller, t.TempDir(), 1, 2)

	result := g.GenerateClip(context.Background(), map[string]any{"clip_id": 1}, 0, nil)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Attempts)
	require.NotNil(t, result.Clip)
	assert.Equal(t, "default", result.Clip.Backend)
}

func TestGenerateClipFallsBackToAlternativeBackend(t *testing.T) {
	s := NewSelector(map[string]config.BackendConfig{
		"default":  {Capabilities: []string{"general"}, Priority: 10, Available: true},
		"fallback": {Capabilities: []string{"general"}, Priority: 20, Available: true},
	})
	caller := newFakeCaller("default")
	g := New(s, caller, t.TempDir(), 1, 2)

	strategy := map[string]any{
		"fallback_strategy": map[string]any{"alternative_mcp": "fallback"},
	}

	result := g.GenerateClip(context.Background(), map[string]any{"clip_id": 2}, 0, strategy)
	assert.True(t, result.Success)
	assert.Equal(t, "fallback", result.Clip.Backend)
	assert.Equal(t, 2, result.Attempts)
}

func TestGenerateClipFailsAfterExhaustingRetries(t *testing.T) {
	s := NewSelector(map[string]config.BackendConfig{
		"default": {Capabilities: []string{"general"}, Priority: 10, Available: true},
	})
	caller := newFakeCaller("default")
	g := New(s, caller, t.TempDir(), 1, 2)

	result := g.GenerateClip(context.Background(), map[string]any{"clip_id": 3}, 0, nil)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
	assert.Equal(t, 2, result.Attempts)
}

func TestGenerateClipTripsBreakerAndMarksBackendUnavailable(t *testing.T) {
	s := NewSelector(map[string]config.BackendConfig{
		"default": {Capabilities: []string{"general"}, Priority: 10, Available: true},
	})
	caller := newFakeCaller("default")
	// Three consecutive failures trip the backend's circuit breaker,
	// which flags it unavailable in the registry for later clips.
	g := New(s, caller, t.TempDir(), 1, 3)

	result := g.GenerateClip(context.Background(), map[string]any{"clip_id": 4}, 0, nil)
	assert.False(t, result.Success)
	assert.Equal(t, "default", result.Backend)

	b, ok := s.GetByName("default")
	require.True(t, ok)
	assert.False(t, b.Available)
}

func TestGenerateAllSortsByClipIDRegardlessOfCompletionOrder(t *testing.T) {
	s := NewSelector(map[string]config.BackendConfig{
		"default": {Capabilities: []string{"general"}, Priority: 10, Available: true},
	})
	caller := newFakeCaller()
	g := New(s, caller, t.TempDir(), 3, 1)

	designs := []map[string]any{
		{"clip_id": 3},
		{"clip_id": 1},
		{"clip_id": 2},
	}

	results, err := g.GenerateAll(context.Background(), designs, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{results[0].ClipID, results[1].ClipID, results[2].ClipID})
}

func TestGenerateAllBoundsConcurrency(t *testing.T) {
	s := NewSelector(map[string]config.BackendConfig{
		"default": {Capabilities: []string{"general"}, Priority: 10, Available: true},
	})

	var inFlight int32
	var maxInFlight int32
	caller := slowCallerFunc(func(ctx context.Context) (string, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			cur := atomic.LoadInt32(&maxInFlight)
			if n <= cur || atomic.CompareAndSwapInt32(&maxInFlight, cur, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return "/out/clip.mp4", nil
	})

	g := New(s, caller, t.TempDir(), 2, 1)
	designs := []map[string]any{{"clip_id": 1}, {"clip_id": 2}, {"clip_id": 3}, {"clip_id": 4}}

	_, err := g.GenerateAll(context.Background(), designs, nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, int(atomic.LoadInt32(&maxInFlight)), 2)
}

type slowCallerFunc func(ctx context.Context) (string, error)

func (f slowCallerFunc) Call(ctx context.Context, backend Backend, design map[string]any, strategy map[string]any, clipID int) (string, error) {
	return f(ctx)
}

// clip3FailingCaller fails clip 3's first attempt on backend "A" only.
type clip3FailingCaller struct {
	mu    sync.Mutex
	tries map[int]int
}

func (c *clip3FailingCaller) Call(ctx context.Context, backend Backend, design map[string]any, strategy map[string]any, clipID int) (string, error) {
	c.mu.Lock()
	c.tries[clipID]++
	tries := c.tries[clipID]
	c.mu.Unlock()

	if clipID == 3 && backend.Name == "A" && tries == 1 {
		return "", errors.New("transient backend failure")
	}
	return "/out/clip.mp4", nil
}

func TestGenerateAllBatchWithSingleClipFallback(t *testing.T) {
	s := NewSelector(map[string]config.BackendConfig{
		"A": {Capabilities: []string{"general"}, Priority: 1, Available: true},
		"B": {Capabilities: []string{"general"}, Priority: 2, Available: true},
	})
	caller := &clip3FailingCaller{tries: make(map[int]int)}
	g := New(s, caller, t.TempDir(), 2, 2)

	designs := make([]map[string]any, 5)
	strategies := make([]map[string]any, 5)
	for i := range designs {
		designs[i] = map[string]any{"clip_id": i + 1}
		strategies[i] = map[string]any{
			"fallback_strategy": map[string]any{"alternative_mcp": "B"},
		}
	}

	results, err := g.GenerateAll(context.Background(), designs, strategies)
	require.NoError(t, err)
	require.Len(t, results, 5)

	for i, r := range results {
		assert.Equal(t, i+1, r.ClipID, "results must come back in clip_id order")
		assert.True(t, r.Success, r.Error)
	}

	// Clip 3 failed once on A, then succeeded on the fallback.
	assert.Equal(t, "B", results[2].Backend)
	assert.Equal(t, 2, results[2].Attempts)
	// The others went straight through on the priority-1 backend.
	assert.Equal(t, "A", results[0].Backend)
	assert.Equal(t, 1, results[0].Attempts)
}

func TestGetSuccessfulClips(t *testing.T) {
	results := []ClipResult{
		{ClipID: 1, Success: true, Clip: &VideoClip{ClipID: 1}},
		{ClipID: 2, Success: false},
		{ClipID: 3, Success: true, Clip: &VideoClip{ClipID: 3}},
	}
	clips := GetSuccessfulClips(results)
	require.Len(t, clips, 2)
	assert.Equal(t, 1, clips[0].ClipID)
	assert.Equal(t, 3, clips[1].ClipID)
}

func TestPlaceholderCallerProducesDeterministicPath(t *testing.T) {
	caller := PlaceholderCaller{OutputDir: "/out"}
	path, err := caller.Call(context.Background(), Backend{Name: "default"}, map[string]any{}, nil, 7)
	require.NoError(t, err)
	assert.Equal(t, "/out/clip_007_default.mp4", path)
}
