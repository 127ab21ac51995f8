// Package clipgen generates video clips against a registry of
// pluggable backends, picking the best-matching backend per clip and
// retrying with fallback on failure.
package clipgen

import (
	"sort"
	"strings"
	"sync"

	"github.com/mvorchestra/engine/internal/config"
)

// Backend is a registered clip-generation endpoint: an MCP server or
// any other service capable of producing a clip from a design.
type Backend struct {
	Name         string
	Endpoint     string
	Capabilities []string
	Priority     int
	CostPerClip  float64
	Available    bool
}

// Requirements is extracted from a clip design to drive backend
// matching.
type Requirements struct {
	Style            string
	MotionIntensity  string
	VisualComplexity string
	AspectRatio      string
	Duration         float64
}

// Selector picks the best backend for each clip design and tracks
// availability as backends succeed or fail.
type Selector struct {
	mu       sync.RWMutex
	backends map[string]*Backend
}

// NewSelector builds a Selector from the orchestrator's configured
// backend registry.
func NewSelector(backends map[string]config.BackendConfig) *Selector {
	s := &Selector{backends: make(map[string]*Backend, len(backends))}
	for name, cfg := range backends {
		s.backends[name] = &Backend{
			Name:         name,
			Endpoint:     cfg.Endpoint,
			Capabilities: cfg.Capabilities,
			Priority:     cfg.Priority,
			CostPerClip:  cfg.CostPerClip,
			Available:    cfg.Available,
		}
	}
	return s
}

// SelectBest picks a backend for design. preferredBackend, when set and
// available, wins outright; otherwise candidates are filtered by
// capability match and ranked by ascending priority.
func (s *Selector) SelectBest(design map[string]any, preferredBackend string) Backend {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if preferredBackend != "" {
		if b, ok := s.backends[preferredBackend]; ok && b.Available {
			return *b
		}
	}

	req := extractRequirements(design)
	candidates := s.findMatching(req)

	if len(candidates) == 0 {
		if b, ok := s.backends["default"]; ok {
			return *b
		}
		for _, b := range s.backends {
			return *b
		}
		return Backend{}
	}

	return *rankCandidates(candidates)
}

func (s *Selector) findMatching(req Requirements) []*Backend {
	var candidates []*Backend
	for _, b := range s.backends {
		if !b.Available {
			continue
		}
		if matchesCapabilities(b, req) {
			candidates = append(candidates, b)
		}
	}
	return candidates
}

var motionKeywords = map[string][]string{
	"high":   {"high_motion", "dynamic", "fast"},
	"medium": {"general"},
	"low":    {"general", "static"},
}

func matchesCapabilities(b *Backend, req Requirements) bool {
	styleMatch := containsString(b.Capabilities, req.Style) || containsString(b.Capabilities, "general")

	keywords := motionKeywords[req.MotionIntensity]
	if keywords == nil {
		keywords = []string{"general"}
	}
	motionMatch := false
	for _, kw := range keywords {
		if containsString(b.Capabilities, kw) {
			motionMatch = true
			break
		}
	}

	return styleMatch || motionMatch || containsString(b.Capabilities, "general")
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func rankCandidates(candidates []*Backend) *Backend {
	sorted := make([]*Backend, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	return sorted[0]
}

// extractRequirements derives coarse style/motion/complexity keywords
// from a clip design's free-text fields.
func extractRequirements(design map[string]any) Requirements {
	visualDesc := strings.ToLower(stringField(design, "visual_description"))
	cameraMovement := strings.ToLower(stringField(design, "camera_movement"))

	style := "realistic"
	switch {
	case strings.Contains(visualDesc, "anime") || strings.Contains(visualDesc, "illustration"):
		style = "anime"
	case strings.Contains(visualDesc, "abstract") || strings.Contains(visualDesc, "surreal"):
		style = "experimental"
	case strings.Contains(visualDesc, "cinematic"):
		style = "cinematic"
	}

	motion := "medium"
	switch {
	case strings.Contains(cameraMovement, "static") || strings.Contains(cameraMovement, "slow"):
		motion = "low"
	case strings.Contains(cameraMovement, "fast") || strings.Contains(cameraMovement, "dynamic"):
		motion = "high"
	}

	complexity := "medium"
	switch {
	case len(visualDesc) > 200 || strings.Contains(visualDesc, "complex"):
		complexity = "high"
	case len(visualDesc) < 100:
		complexity = "low"
	}

	aspectRatio := "16:9"
	if specs, ok := design["technical_specs"].(map[string]any); ok {
		if ar, ok := specs["aspect_ratio"].(string); ok && ar != "" {
			aspectRatio = ar
		}
	}

	duration := 4.0
	if d, ok := design["duration"].(float64); ok {
		duration = d
	}

	return Requirements{
		Style:            style,
		MotionIntensity:  motion,
		VisualComplexity: complexity,
		AspectRatio:      aspectRatio,
		Duration:         duration,
	}
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// GetByName returns the backend registered under name, if any.
func (s *Selector) GetByName(name string) (Backend, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.backends[name]
	if !ok {
		return Backend{}, false
	}
	return *b, true
}

// MarkUnavailable flags a backend as unavailable, e.g. when its circuit
// breaker trips open.
func (s *Selector) MarkUnavailable(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.backends[name]; ok {
		b.Available = false
	}
}

// MarkAvailable flags a backend as available again.
func (s *Selector) MarkAvailable(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.backends[name]; ok {
		b.Available = true
	}
}
