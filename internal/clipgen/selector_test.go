package clipgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mvorchestra/engine/internal/config"
)

func testBackends() map[string]config.BackendConfig {
	return map[string]config.BackendConfig{
		"default": {Endpoint: "http://default", Capabilities: []string{"general"}, Priority: 10, Available: true},
		"anime":   {Endpoint: "http://anime", Capabilities: []string{"anime", "general"}, Priority: 5, Available: true},
		"premium": {Endpoint: "http://premium", Capabilities: []string{"cinematic", "high_motion"}, Priority: 1, Available: true},
	}
}

func TestSelectBestHonorsPreferredBackend(t *testing.T) {
	s := NewSelector(testBackends())
	b := s.SelectBest(map[string]any{}, "premium")
	assert.Equal(t, "premium", b.Name)
}

func TestSelectBestIgnoresUnavailablePreferred(t *testing.T) {
	s := NewSelector(testBackends())
	s.MarkUnavailable("premium")
	b := s.SelectBest(map[string]any{"visual_description": "cinematic shot"}, "premium")
	assert.NotEqual(t, "premium", b.Name)
}

func TestSelectBestMatchesStyleKeyword(t *testing.T) {
	s := NewSelector(testBackends())
	b := s.SelectBest(map[string]any{"visual_description": "anime illustration of a singer"}, "")
	assert.Equal(t, "anime", b.Name)
}

func TestSelectBestRanksByPriority(t *testing.T) {
	s := NewSelector(testBackends())
	b := s.SelectBest(map[string]any{"visual_description": "cinematic dynamic chase"}, "")
	assert.Equal(t, "premium", b.Name)
}

func TestSelectBestFallsBackToSoleServerWhenNoDefaultAndNoneMatch(t *testing.T) {
	backends := map[string]config.BackendConfig{
		"niche": {Endpoint: "http://niche", Capabilities: []string{"anime"}, Priority: 1, Available: true},
	}
	s := NewSelector(backends)
	s.MarkUnavailable("niche")
	// No "default" entry and no available candidate: falls through to
	// whichever server exists.
	b := s.SelectBest(map[string]any{"visual_description": "cinematic"}, "")
	assert.Equal(t, "niche", b.Name)
}

func TestMarkUnavailableThenAvailable(t *testing.T) {
	s := NewSelector(testBackends())
	s.MarkUnavailable("default")
	b, ok := s.GetByName("default")
	require.True(t, ok)
	assert.False(t, b.Available)

	s.MarkAvailable("default")
	b, ok = s.GetByName("default")
	require.True(t, ok)
	assert.True(t, b.Available)
}

func TestExtractRequirementsDerivesStyleAndMotion(t *testing.T) {
	req := extractRequirements(map[string]any{
		"visual_description": "a long and complex abstract surreal sequence with layered motion and color",
		"camera_movement":     "fast dynamic tracking shot",
	})
	assert.Equal(t, "experimental", req.Style)
	assert.Equal(t, "high", req.MotionIntensity)
}

func TestExtractRequirementsDefaultsWhenFieldsMissing(t *testing.T) {
	req := extractRequirements(map[string]any{})
	assert.Equal(t, "realistic", req.Style)
	assert.Equal(t, "medium", req.MotionIntensity)
	assert.Equal(t, "16:9", req.AspectRatio)
	assert.Equal(t, 4.0, req.Duration)
}
