package models

import "time"

// JobStatus is the lifecycle state shared by review jobs and finding analyses.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// NonTerminalStatuses are the statuses a job can still leave.
var NonTerminalStatuses = []JobStatus{JobStatusPending, JobStatusRunning}

// IsTerminal reports whether no further transition is permitted.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// TransitionSources returns the statuses from which a job may move to target.
// pending is the initial state and has no sources.
func TransitionSources(target JobStatus) []JobStatus {
	switch target {
	case JobStatusRunning:
		return []JobStatus{JobStatusPending}
	case JobStatusCompleted, JobStatusFailed:
		return []JobStatus{JobStatusRunning}
	case JobStatusCancelled:
		return []JobStatus{JobStatusPending, JobStatusRunning}
	}
	return nil
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to JobStatus) bool {
	for _, s := range TransitionSources(to) {
		if s == from {
			return true
		}
	}
	return false
}

// Platform is the code-hosting platform a job or integration belongs to.
type Platform string

const (
	PlatformGitHub Platform = "github"
	PlatformGitLab Platform = "gitlab"
)

// Valid reports whether p is a supported platform.
func (p Platform) Valid() bool {
	return p == PlatformGitHub || p == PlatformGitLab
}

// ReviewJob is one code-review unit of work tied to a change at a revision.
type ReviewJob struct {
	ID              string     `json:"id"`
	Owner           Owner      `json:"owner"`
	IntegrationID   string     `json:"integration_id"`
	Platform        Platform   `json:"platform"`
	Repo            string     `json:"repo"`
	ChangeID        int        `json:"change_id"`
	HeadSHA         string     `json:"head_sha"`
	BaseRef         string     `json:"base_ref"`
	HeadRef         string     `json:"head_ref"`
	Author          string     `json:"author"`
	Title           string     `json:"title"`
	URL             string     `json:"url"`
	Status          JobStatus  `json:"status"`
	WorkerSessionID string     `json:"worker_session_id,omitempty"`
	Result          string     `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
	CancelReason    string     `json:"cancel_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// ChangeEvent is the canonical form of an inbound pull/merge request event.
type ChangeEvent struct {
	Owner         Owner    `json:"owner"`
	IntegrationID string   `json:"integration_id"`
	Platform      Platform `json:"platform"`
	Repo          string   `json:"repo"`
	ChangeID      int      `json:"change_id"`
	HeadSHA       string   `json:"head_sha"`
	BaseRef       string   `json:"base_ref"`
	HeadRef       string   `json:"head_ref"`
	Author        string   `json:"author"`
	Title         string   `json:"title"`
	URL           string   `json:"url"`
}
