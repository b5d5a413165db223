package models

import (
	"encoding/json"
	"math"
	"time"
)

// Job states
const (
	StateQueued    = "queued"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// States lists every valid job state.
var States = []string{StateQueued, StateActive, StateCompleted, StateFailed}

// IsValidState reports whether s names a known job state.
func IsValidState(s string) bool {
	for _, known := range States {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a job in state s will never change again.
func IsTerminal(s string) bool {
	return s == StateCompleted || s == StateFailed
}

// CanTransition reports whether the state machine allows from -> to.
// The only way out of active is a terminal state or the retry cycle
// back to queued.
func CanTransition(from, to string) bool {
	switch from {
	case StateQueued:
		return to == StateActive
	case StateActive:
		return to == StateCompleted || to == StateFailed || to == StateQueued
	default:
		return false
	}
}

// Progress records the handler's position in its pipeline. Only the
// dispatcher writes it, on the handler's behalf; last write wins.
type Progress struct {
	Step    string `json:"step"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message,omitempty"`
}

// Percent converts progress into a 0-100 percentage, guarding against
// an unset total.
func (p Progress) Percent() int {
	if p.Total <= 0 {
		return 0
	}
	pct := int(math.Round(float64(p.Current) / float64(p.Total) * 100))
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// Job represents one unit of submitted work tracked through the queue.
// Payload is an opaque blob the queue persists and hands to the handler
// unmodified.
type Job struct {
	ID             string          `json:"id"`
	Handler        string          `json:"handler"`
	Payload        json.RawMessage `json:"payload"`
	State          string          `json:"state"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Progress       Progress        `json:"progress"`
	Result         json.RawMessage `json:"result,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	NotBefore      *time.Time      `json:"not_before,omitempty"`
	LeaseUntil     *time.Time      `json:"lease_until,omitempty"`
}

// JobView is the normalized read-only projection served to pollers.
type JobView struct {
	ID              string          `json:"id"`
	State           string          `json:"state"`
	ProgressPercent int             `json:"progress_percent"`
	ProgressStep    string          `json:"progress_step,omitempty"`
	ProgressMessage string          `json:"progress_message,omitempty"`
	Attempts        int             `json:"attempts"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
}

// View projects a stored job into its public shape.
func (j *Job) View() JobView {
	return JobView{
		ID:              j.ID,
		State:           j.State,
		ProgressPercent: j.Progress.Percent(),
		ProgressStep:    j.Progress.Step,
		ProgressMessage: j.Progress.Message,
		Attempts:        j.Attempts,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		FinishedAt:      j.FinishedAt,
		Result:          j.Result,
		Error:           j.ErrorMessage,
	}
}

// Counts holds the per-state job totals used by listings and dashboards.
type Counts struct {
	Queued    int64 `json:"queued"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Metrics holds system metrics
type Metrics struct {
	TotalJobs     int64 `json:"total_jobs"`
	QueuedJobs    int64 `json:"queued_jobs"`
	ActiveJobs    int64 `json:"active_jobs"`
	CompletedJobs int64 `json:"completed_jobs"`
	FailedJobs    int64 `json:"failed_jobs"`
	TotalAttempts int64 `json:"total_attempts"`
}

// SubmitRequest represents a job submission request
type SubmitRequest struct {
	ID             string          `json:"id,omitempty"`
	Handler        string          `json:"handler"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	MaxAttempts    int             `json:"max_attempts,omitempty"`
}
