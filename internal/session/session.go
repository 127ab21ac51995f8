// Package session implements the crash-consistent, resumable session
// state machine: ten ordered phases with append-only attempt history,
// persisted through atomicstore after every mutation, plus the id
// validation that keeps session directories path-safe.
package session

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mvorchestra/engine/internal/atomicstore"
	"github.com/mvorchestra/engine/pkg/mverrors"
)

// Status is a phase's lifecycle state.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// NumPhases is the fixed phase count, P0 through P9.
const NumPhases = 10

var (
	sessionIDPattern   = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	forbiddenPathChars = []string{".", "\\", "|", "<", ">", `"`, "?", "*"}
	forbiddenSequences = []string{"..", "~", "$"}
	maxSessionIDLength = 255
)

// now is overridable in tests so timestamp-ordering assertions don't race
// the wall clock.
var now = func() time.Time { return time.Now().UTC() }

func timestamp() string {
	return now().Format(time.RFC3339Nano)
}

// ValidateID rejects ids outside [A-Za-z0-9_-], longer than 255 chars,
// or containing any of ". \ | < > \" ? *", "..", "~", "$".
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: session id cannot be empty", mverrors.ErrInvalidIdentifier)
	}
	if len(id) > maxSessionIDLength {
		return fmt.Errorf("%w: session id too long (max %d chars)", mverrors.ErrInvalidIdentifier, maxSessionIDLength)
	}
	for _, seq := range forbiddenSequences {
		if strings.Contains(id, seq) {
			return fmt.Errorf("%w: session id contains forbidden sequence %q", mverrors.ErrInvalidIdentifier, seq)
		}
	}
	for _, ch := range forbiddenPathChars {
		if strings.Contains(id, ch) {
			return fmt.Errorf("%w: session id contains forbidden character %q", mverrors.ErrInvalidIdentifier, ch)
		}
	}
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("%w: session id must be alphanumeric with hyphens/underscores only", mverrors.ErrInvalidIdentifier)
	}
	return nil
}

// Attempt records one execution attempt of a phase.
type Attempt struct {
	AttemptNumber int             `json:"attempt_number"`
	StartedAt     string          `json:"started_at"`
	CompletedAt   *string         `json:"completed_at,omitempty"`
	Success       bool            `json:"success"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *string         `json:"error,omitempty"`
}

// Phase holds the status and attempt history of a single phase.
type Phase struct {
	PhaseNumber   int             `json:"phase_number"`
	Status        Status          `json:"status"`
	StartedAt     *string         `json:"started_at,omitempty"`
	CompletedAt   *string         `json:"completed_at,omitempty"`
	CurrentResult json.RawMessage `json:"current_result,omitempty"`
	Attempts      []*Attempt      `json:"attempts"`
}

// Session is the in-memory representation of state.json, persisted
// through atomicstore after every mutation.
type Session struct {
	SessionID string            `json:"session_id"`
	CreatedAt string            `json:"created_at"`
	UpdatedAt string            `json:"updated_at"`
	Phases    map[string]*Phase `json:"phases"`

	dir string
}

func newEmpty(id, dir string) *Session {
	ts := timestamp()
	phases := make(map[string]*Phase, NumPhases)
	for i := 0; i < NumPhases; i++ {
		phases[strconv.Itoa(i)] = &Phase{PhaseNumber: i, Status: StatusNotStarted, Attempts: []*Attempt{}}
	}
	return &Session{
		SessionID: id,
		CreatedAt: ts,
		UpdatedAt: ts,
		Phases:    phases,
		dir:       dir,
	}
}

// StateFilePath returns the canonical state.json path for this session.
func (s *Session) StateFilePath() string {
	return filepath.Join(s.dir, "state.json")
}

// PhaseDir returns the sidecar directory for phase n (phase<N>/).
func (s *Session) PhaseDir(n int) string {
	return filepath.Join(s.dir, fmt.Sprintf("phase%d", n))
}

// LoadOrCreate validates id, then loads the existing state.json under
// sessionsRoot/id if present, else initializes empty phases 0..9.
func LoadOrCreate(sessionsRoot, id string) (*Session, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	dir := filepath.Join(sessionsRoot, id)
	s := newEmpty(id, dir)

	stateFile := filepath.Join(dir, "state.json")
	if !atomicstore.Exists(stateFile) {
		return s, nil
	}

	if err := atomicstore.ReadJSON(stateFile, s); err != nil {
		return nil, fmt.Errorf("%w: load session state: %v", mverrors.ErrIO, err)
	}
	s.dir = dir

	// Backfill any phase slots missing from a state.json written by an
	// older or partial session (defensive against a hand-edited document).
	for i := 0; i < NumPhases; i++ {
		key := strconv.Itoa(i)
		if s.Phases[key] == nil {
			s.Phases[key] = &Phase{PhaseNumber: i, Status: StatusNotStarted, Attempts: []*Attempt{}}
		}
	}

	return s, nil
}

func (s *Session) phase(n int) *Phase {
	return s.Phases[strconv.Itoa(n)]
}

// CanExecutePhase reports whether phase n may start: true iff n==0, or
// phase n-1 is completed.
func (s *Session) CanExecutePhase(n int) bool {
	if n < 0 || n >= NumPhases {
		return false
	}
	if n == 0 {
		return true
	}
	prev := s.phase(n - 1)
	return prev != nil && prev.Status == StatusCompleted
}

// MarkPhaseStarted transitions phase n to in_progress and appends a new
// Attempt, flushing afterward. Calling it on a phase already in_progress
// is a no-op: it neither appends an attempt nor errors.
func (s *Session) MarkPhaseStarted(n int) error {
	p := s.phase(n)
	if p == nil {
		return fmt.Errorf("%w: phase %d out of range", mverrors.ErrPrerequisiteNotMet, n)
	}

	if p.Status != StatusNotStarted && p.Status != StatusFailed {
		return nil
	}

	ts := timestamp()
	p.Status = StatusInProgress
	p.StartedAt = &ts

	attemptNumber := len(p.Attempts) + 1
	p.Attempts = append(p.Attempts, &Attempt{
		AttemptNumber: attemptNumber,
		StartedAt:     ts,
	})

	s.UpdatedAt = ts
	return s.Save()
}

// MarkPhaseCompleted closes the last Attempt and sets the phase's
// terminal status, current_result, and completed_at, flushing afterward.
// Completing an already-completed phase is a no-op, so a double call
// never duplicates or re-closes attempts.
func (s *Session) MarkPhaseCompleted(n int, result any, success bool) error {
	p := s.phase(n)
	if p == nil {
		return fmt.Errorf("%w: phase %d out of range", mverrors.ErrPrerequisiteNotMet, n)
	}

	if p.Status == StatusCompleted {
		return nil
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal phase %d result: %w", n, err)
	}

	ts := timestamp()
	if len(p.Attempts) > 0 {
		last := p.Attempts[len(p.Attempts)-1]
		last.CompletedAt = &ts
		last.Success = success
		last.Result = raw
	}

	if success {
		p.Status = StatusCompleted
	} else {
		p.Status = StatusFailed
	}
	p.CompletedAt = &ts
	p.CurrentResult = raw

	s.UpdatedAt = ts
	return s.Save()
}

// MarkAttemptFailed closes the last Attempt with success=false and the
// given error, leaving the phase in_progress so a re-run stays legal —
// a phase-level failure is recorded without being a terminal transition.
// Flushes afterward.
func (s *Session) MarkAttemptFailed(n int, errMsg string) error {
	p := s.phase(n)
	if p == nil {
		return fmt.Errorf("%w: phase %d out of range", mverrors.ErrPrerequisiteNotMet, n)
	}

	ts := timestamp()
	if len(p.Attempts) > 0 {
		last := p.Attempts[len(p.Attempts)-1]
		last.CompletedAt = &ts
		last.Success = false
		last.Error = &errMsg
	}

	s.UpdatedAt = ts
	return s.Save()
}

// GetPhaseData returns phase n's current_result, or nil if the phase has
// no result yet.
func (s *Session) GetPhaseData(n int) json.RawMessage {
	p := s.phase(n)
	if p == nil {
		return nil
	}
	return p.CurrentResult
}

// PhaseStatus returns phase n's status.
func (s *Session) PhaseStatus(n int) Status {
	p := s.phase(n)
	if p == nil {
		return StatusNotStarted
	}
	return p.Status
}

// Save flushes the session document through atomicstore.
func (s *Session) Save() error {
	if err := atomicstore.WriteJSON(s.StateFilePath(), s); err != nil {
		return fmt.Errorf("%w: save session: %v", mverrors.ErrIO, err)
	}
	return nil
}

// PhaseSummary is the per-phase view returned by GetSessionSummary.
type PhaseSummary struct {
	Status      Status  `json:"status"`
	Attempts    int     `json:"attempts"`
	StartedAt   *string `json:"started_at,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty"`
	HasResult   bool    `json:"has_result"`
}

// Summary is the session-level view returned by GetSessionSummary.
type Summary struct {
	SessionID string                  `json:"session_id"`
	CreatedAt string                  `json:"created_at"`
	UpdatedAt string                  `json:"updated_at"`
	Phases    map[string]PhaseSummary `json:"phases"`
}

// GetSessionSummary returns the per-phase status view the orchestrator
// CLI prints.
func (s *Session) GetSessionSummary() Summary {
	phases := make(map[string]PhaseSummary, NumPhases)
	for key, p := range s.Phases {
		phases[key] = PhaseSummary{
			Status:      p.Status,
			Attempts:    len(p.Attempts),
			StartedAt:   p.StartedAt,
			CompletedAt: p.CompletedAt,
			HasResult:   len(p.CurrentResult) > 0,
		}
	}
	return Summary{
		SessionID: s.SessionID,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
		Phases:    phases,
	}
}
