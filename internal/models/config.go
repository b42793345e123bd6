package models

import "time"

// AgentType identifies which agent an OwnerAgentConfig applies to.
type AgentType string

const (
	AgentTypeReview   AgentType = "review"
	AgentTypeAnalysis AgentType = "analysis"
)

// RepoSelectionMode chooses which repositories an agent acts on.
type RepoSelectionMode string

const (
	RepoSelectionAll      RepoSelectionMode = "all"
	RepoSelectionSelected RepoSelectionMode = "selected"
)

// SLADays holds remediation windows per severity, in days.
type SLADays struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

// For returns the window for a severity. Unknown severities get the low window.
func (d SLADays) For(s Severity) int {
	switch s {
	case SeverityCritical:
		return d.Critical
	case SeverityHigh:
		return d.High
	case SeverityMedium:
		return d.Medium
	default:
		return d.Low
	}
}

// DueAt computes the SLA deadline for a finding first detected at detected.
func (d SLADays) DueAt(detected time.Time, s Severity) time.Time {
	return detected.AddDate(0, 0, d.For(s))
}

// DefaultSLADays are used when an owner has not configured thresholds.
var DefaultSLADays = SLADays{Critical: 15, High: 30, Medium: 90, Low: 180}

// AutoDismissConfig controls post-analysis dismissal.
type AutoDismissConfig struct {
	Enabled             bool       `json:"enabled"`
	ConfidenceThreshold Confidence `json:"confidence_threshold"`
}

// OwnerAgentConfig is the per-owner, per-agent configuration read by the core.
type OwnerAgentConfig struct {
	Owner            Owner             `json:"owner"`
	AgentType        AgentType         `json:"agent_type"`
	Enabled          bool              `json:"enabled"`
	ConcurrencyLimit int               `json:"concurrency_limit"`
	SelectionMode    RepoSelectionMode `json:"selection_mode"`
	SelectedRepos    []string          `json:"selected_repos"`
	SLA              SLADays           `json:"sla"`
	AutoDismiss      AutoDismissConfig `json:"auto_dismiss"`
	Model            string            `json:"model"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// DefaultConcurrencyLimit applies when no config row exists.
const DefaultConcurrencyLimit = 3

// DefaultAgentConfig returns the config used for owners that never saved one.
func DefaultAgentConfig(owner Owner, agent AgentType) *OwnerAgentConfig {
	return &OwnerAgentConfig{
		Owner:            owner,
		AgentType:        agent,
		Enabled:          true,
		ConcurrencyLimit: DefaultConcurrencyLimit,
		SelectionMode:    RepoSelectionAll,
		SLA:              DefaultSLADays,
		AutoDismiss:      AutoDismissConfig{Enabled: false, ConfidenceThreshold: ConfidenceHigh},
	}
}

// RepoSelected reports whether repo is covered by the selection mode.
func (c *OwnerAgentConfig) RepoSelected(repo string) bool {
	if c.SelectionMode != RepoSelectionSelected {
		return true
	}
	for _, r := range c.SelectedRepos {
		if r == repo {
			return true
		}
	}
	return false
}

// Integration links an owner to a platform installation.
type Integration struct {
	ID             string    `json:"id"`
	Owner          Owner     `json:"owner"`
	Platform       Platform  `json:"platform"`
	InstallationID string    `json:"installation_id"`
	Account        string    `json:"account"`
	Enabled        bool      `json:"enabled"`
	CreatedAt      time.Time `json:"created_at"`
}
