// Package session manages the lifecycle of asynchronous agent execution
// sessions.
//
// A Session tracks one caller-facing job: its prompt, the engine options it
// runs with, every event the engine emitted, and the terminal outcome. The
// Manager owns all sessions in memory. It launches a background driver per
// run, and exposes concurrency-safe lifecycle operations (create, resume,
// get, cancel, delete, list, cleanup).
//
// Lifecycle:
//
//	pending -> running -> completed | error | cancelled
//	completed | error | cancelled -> pending   (Resume only)
//
// Sessions live only as long as the process; there is no persistence.
package session

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"goa.design/sessiond/runtime/agent/engine"
	"goa.design/sessiond/runtime/agent/serialize"
)

type (
	// Status is the lifecycle state of a session.
	Status string

	// Session is a point-in-time snapshot of a session. Snapshots are
	// detached copies: mutating one never affects the managed session.
	//
	// Contract:
	// - Result is non-nil only when Status is StatusCompleted.
	// - Error is non-empty only when Status is StatusError or StatusCancelled.
	// - Events only grows while a run is in flight.
	Session struct {
		// ID is the caller-facing session identifier.
		ID string `json:"session_id"`
		// EngineSessionID is the engine-issued id used to resume.
		EngineSessionID string `json:"engine_session_id,omitempty"`
		// Status is the lifecycle state.
		Status Status `json:"status"`
		// Prompt is the accumulated prompt text.
		Prompt string `json:"prompt"`
		// Options are the engine options of the latest run.
		Options engine.Options `json:"options"`
		// Events lists the serialized engine events in emission order.
		Events []serialize.Record `json:"events"`
		// Result summarizes a completed run.
		Result *Result `json:"result,omitempty"`
		// Error describes why the run failed or was cancelled.
		Error string `json:"error,omitempty"`
		// CreatedAt is when the session was created.
		CreatedAt time.Time `json:"created_at"`
		// StartedAt is when the latest run started.
		StartedAt *time.Time `json:"started_at,omitempty"`
		// EndedAt is when the latest run ended.
		EndedAt *time.Time `json:"ended_at,omitempty"`
	}

	// Result summarizes a completed run. Every field is optional.
	Result struct {
		SessionID    string   `json:"session_id,omitempty"`
		NumTurns     *int     `json:"num_turns,omitempty"`
		DurationMS   *int64   `json:"duration_ms,omitempty"`
		TotalCostUSD *float64 `json:"total_cost_usd,omitempty"`
		Usage        any      `json:"usage,omitempty"`
	}

	// Summary is the listing view of a session.
	Summary struct {
		ID              string     `json:"session_id"`
		EngineSessionID string     `json:"engine_session_id,omitempty"`
		Status          Status     `json:"status"`
		Prompt          string     `json:"prompt"`
		EventCount      int        `json:"message_count"`
		Result          *Result    `json:"result,omitempty"`
		Error           string     `json:"error,omitempty"`
		CreatedAt       time.Time  `json:"created_at"`
		StartedAt       *time.Time `json:"started_at,omitempty"`
		EndedAt         *time.Time `json:"ended_at,omitempty"`
	}

	// ConflictError reports an operation rejected because of the session's
	// current status.
	ConflictError struct {
		ID     string
		Status Status
	}
)

const (
	// StatusPending means a run was accepted but has not started.
	StatusPending Status = "pending"
	// StatusRunning means a run is streaming engine events.
	StatusRunning Status = "running"
	// StatusCompleted means the engine reported a terminal result.
	StatusCompleted Status = "completed"
	// StatusError means the engine or the driver reported a failure.
	StatusError Status = "error"
	// StatusCancelled means the run was cancelled by a caller.
	StatusCancelled Status = "cancelled"
)

const (
	// ResumeDelimiter separates the accumulated prompt from a resume prompt.
	ResumeDelimiter = "\n\n--- Session resumed ---\n"
	// CancelledMessage is the error recorded on cancelled sessions.
	CancelledMessage = "Session was cancelled"
	// UnknownErrorMessage is recorded when an error event carries no text.
	UnknownErrorMessage = "Unknown error occurred"
)

var (
	// ErrNotFound indicates the session does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrConflict indicates the session status forbids the operation.
	ErrConflict = errors.New("session status conflict")
	// ErrNotResumable indicates the session never reported an engine session id.
	ErrNotResumable = errors.New("session has no engine session id to resume")
	// ErrInvalidPrompt indicates an empty or blank prompt.
	ErrInvalidPrompt = errors.New("prompt must not be empty")
)

// Terminal reports whether s is completed, error or cancelled.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	}
	return false
}

// Error implements error.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("session %s is %s", e.ID, e.Status)
}

// Is matches ErrConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Summary returns the listing view of s.
func (s Session) Summary() Summary {
	return Summary{
		ID:              s.ID,
		EngineSessionID: s.EngineSessionID,
		Status:          s.Status,
		Prompt:          s.Prompt,
		EventCount:      len(s.Events),
		Result:          s.Result,
		Error:           s.Error,
		CreatedAt:       s.CreatedAt,
		StartedAt:       s.StartedAt,
		EndedAt:         s.EndedAt,
	}
}

// Duration returns the wall time of the latest run, if it has ended.
func (s Session) Duration() (time.Duration, bool) {
	if s.StartedAt == nil || s.EndedAt == nil {
		return 0, false
	}
	return s.EndedAt.Sub(*s.StartedAt), true
}

// clone returns a deep copy of s. Event contents are immutable once
// recorded so the records themselves are shared.
func (s Session) clone() Session {
	s.Options = s.Options.Clone()
	s.Events = slices.Clone(s.Events)
	s.Result = s.Result.clone()
	s.StartedAt = cloneTime(s.StartedAt)
	s.EndedAt = cloneTime(s.EndedAt)
	return s
}

func (r *Result) clone() *Result {
	if r == nil {
		return nil
	}
	c := *r
	if r.NumTurns != nil {
		v := *r.NumTurns
		c.NumTurns = &v
	}
	if r.DurationMS != nil {
		v := *r.DurationMS
		c.DurationMS = &v
	}
	if r.TotalCostUSD != nil {
		v := *r.TotalCostUSD
		c.TotalCostUSD = &v
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ErrClosed is returned by Create and Resume once the manager is closed.
var ErrClosed = errors.New("session manager closed")
