// Package mverrors defines the sentinel error taxonomy shared by every
// component of the orchestrator. Callers wrap these with fmt.Errorf("...: %w", ...)
// and unwrap them with errors.Is; no component introduces a parallel
// string-coded error scheme.
package mverrors

import "errors"

var (
	// ErrInvalidIdentifier is returned when a session id fails validation.
	ErrInvalidIdentifier = errors.New("invalid identifier")

	// ErrPrerequisiteNotMet is returned when a phase is invoked before its
	// predecessor has completed.
	ErrPrerequisiteNotMet = errors.New("prerequisite not met")

	// ErrPromptMissing is returned when an agent's prompt file does not
	// exist on disk. A missing evaluator prompt is not an error: the
	// evaluator falls back to its heuristic selection instead.
	ErrPromptMissing = errors.New("prompt missing")

	// ErrSubprocessFailed is returned when a child process exits non-zero.
	ErrSubprocessFailed = errors.New("subprocess failed")

	// ErrOutputUnparsable is returned when subprocess stdout is not a JSON
	// object even after salvage parsing.
	ErrOutputUnparsable = errors.New("output unparsable")

	// ErrNoViableSubmissions is returned when every agent in an iteration
	// failed.
	ErrNoViableSubmissions = errors.New("no viable submissions")

	// ErrBackendUnavailable is returned by the clip generator when a
	// backend call fails or the backend's circuit breaker is open.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrBackendExhausted is returned by the clip generator when a clip
	// exhausts its retry budget across every backend it tried.
	ErrBackendExhausted = errors.New("backend exhausted")

	// ErrIO covers filesystem-level failures: missing input files, failed
	// directory creation or writes, session-state load/save, and expected
	// output files that a tool did not create.
	ErrIO = errors.New("io error")
)
