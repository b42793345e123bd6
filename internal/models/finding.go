package models

import (
	"fmt"
	"strings"
	"time"
)

// Severity of an advisory.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns an integer rank for comparison (Low=1, Critical=4).
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// ParseSeverity parses a severity string case-insensitively.
// Accepts "moderate" as "medium".
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return SeverityLow, nil
	case "medium", "moderate":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return "", fmt.Errorf("invalid severity: %s", s)
	}
}

// FindingStatus is the remediation state of a finding.
type FindingStatus string

const (
	FindingStatusOpen    FindingStatus = "open"
	FindingStatusFixed   FindingStatus = "fixed"
	FindingStatusIgnored FindingStatus = "ignored"
)

// Ignored reasons recorded on findings.
const (
	IgnoredReasonAutoDismissed = "auto_dismissed"
	IgnoredReasonUpstream      = "dismissed_upstream"
)

// Confidence is the ordinal certainty of a triage verdict.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Rank orders confidences high > medium > low; unknown values rank 0.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceLow:
		return 1
	case ConfidenceMedium:
		return 2
	case ConfidenceHigh:
		return 3
	}
	return 0
}

// ParseConfidence parses a confidence level case-insensitively.
func ParseConfidence(s string) (Confidence, error) {
	c := Confidence(strings.ToLower(strings.TrimSpace(s)))
	if c.Rank() == 0 {
		return "", fmt.Errorf("invalid confidence: %s", s)
	}
	return c, nil
}

// AtLeast reports whether c meets the threshold.
func (c Confidence) AtLeast(threshold Confidence) bool {
	return c.Rank() > 0 && c.Rank() >= threshold.Rank()
}

// TriageDecision is the verdict of the fast triage pass.
type TriageDecision string

const (
	TriageDismiss     TriageDecision = "dismiss"
	TriageNeedsReview TriageDecision = "needs_review"
)

// TriageVerdict is the first-tier analysis output.
type TriageVerdict struct {
	Decision            TriageDecision `json:"decision"`
	Confidence          Confidence     `json:"confidence"`
	Reasoning           string         `json:"reasoning"`
	NeedsDeeperAnalysis bool           `json:"needs_deeper_analysis"`
}

// DeepVerdict is the optional sandboxed second-tier output.
type DeepVerdict struct {
	Exploitable bool       `json:"exploitable"`
	Confidence  Confidence `json:"confidence"`
	Summary     string     `json:"summary"`
	Evidence    []string   `json:"evidence,omitempty"`
}

// AnalysisResult is the payload written by the analysis completion callback.
type AnalysisResult struct {
	Triage TriageVerdict `json:"triage"`
	Deep   *DeepVerdict  `json:"deep,omitempty"`
}

// Analysis is the analysis sub-record of a finding. An empty Status means
// no analysis has been requested.
type Analysis struct {
	Status          JobStatus       `json:"status,omitempty"`
	Model           string          `json:"model,omitempty"`
	WorkerSessionID string          `json:"worker_session_id,omitempty"`
	RequestedAt     *time.Time      `json:"requested_at,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	Error           string          `json:"error,omitempty"`
	Result          *AnalysisResult `json:"result,omitempty"`
}

// Finding is one externally-sourced vulnerability instance.
type Finding struct {
	ID              string        `json:"id"`
	Owner           Owner         `json:"owner"`
	IntegrationID   string        `json:"integration_id"`
	Platform        Platform      `json:"platform"`
	Repo            string        `json:"repo"`
	Source          string        `json:"source"`
	SourceID        string        `json:"source_id"`
	Package         string        `json:"package"`
	Ecosystem       string        `json:"ecosystem"`
	Summary         string        `json:"summary"`
	AdvisoryID      string        `json:"advisory_id"`
	ManifestPath    string        `json:"manifest_path"`
	URL             string        `json:"url"`
	Severity        Severity      `json:"severity"`
	Status          FindingStatus `json:"status"`
	SLADueAt        time.Time     `json:"sla_due_at"`
	FirstDetectedAt time.Time     `json:"first_detected_at"`
	LastSyncedAt    time.Time     `json:"last_synced_at"`
	FixedAt         *time.Time    `json:"fixed_at,omitempty"`
	IgnoredReason   string        `json:"ignored_reason,omitempty"`
	DismissError    string        `json:"dismiss_error,omitempty"`
	Analysis        Analysis      `json:"analysis"`
}

// AdvisoryState is the state reported by the external source.
type AdvisoryState string

const (
	AdvisoryOpen      AdvisoryState = "open"
	AdvisoryFixed     AdvisoryState = "fixed"
	AdvisoryDismissed AdvisoryState = "dismissed"
)

// Advisory is one entry of the external advisory list for a repository.
type Advisory struct {
	SourceID     string
	State        AdvisoryState
	Severity     Severity
	Package      string
	Ecosystem    string
	Summary      string
	AdvisoryID   string
	ManifestPath string
	URL          string
	CreatedAt    time.Time
}
