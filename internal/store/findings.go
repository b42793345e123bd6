package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joescharf/reviewd/internal/models"
)

const findingColumns = `id, owner_kind, owner_id, integration_id, platform, repo, source, source_id, package, ecosystem,
	summary, advisory_id, manifest_path, url, severity, status, sla_due_at, first_detected_at, last_synced_at, fixed_at,
	ignored_reason, dismiss_error, analysis_status, analysis_model, analysis_session_id, analysis_requested_at,
	analysis_started_at, analysis_completed_at, analysis_error, analysis_result`

func scanFinding(row interface{ Scan(...any) error }) (*models.Finding, error) {
	f := &models.Finding{}
	var kind, platform, severity, status, analysisStatus, analysisResult string
	var fixedAt, requestedAt, startedAt, completedAt sql.NullTime
	err := row.Scan(&f.ID, &kind, &f.Owner.ID, &f.IntegrationID, &platform, &f.Repo, &f.Source, &f.SourceID,
		&f.Package, &f.Ecosystem, &f.Summary, &f.AdvisoryID, &f.ManifestPath, &f.URL, &severity, &status,
		&f.SLADueAt, &f.FirstDetectedAt, &f.LastSyncedAt, &fixedAt, &f.IgnoredReason, &f.DismissError,
		&analysisStatus, &f.Analysis.Model, &f.Analysis.WorkerSessionID, &requestedAt, &startedAt, &completedAt,
		&f.Analysis.Error, &analysisResult)
	if err != nil {
		return nil, err
	}
	f.Owner.Kind = models.OwnerKind(kind)
	f.Platform = models.Platform(platform)
	f.Severity = models.Severity(severity)
	f.Status = models.FindingStatus(status)
	f.FixedAt = timePtr(fixedAt)
	f.Analysis.Status = models.JobStatus(analysisStatus)
	f.Analysis.RequestedAt = timePtr(requestedAt)
	f.Analysis.StartedAt = timePtr(startedAt)
	f.Analysis.CompletedAt = timePtr(completedAt)
	if analysisResult != "" {
		var res models.AnalysisResult
		if err := json.Unmarshal([]byte(analysisResult), &res); err != nil {
			return nil, fmt.Errorf("decode analysis result: %w", err)
		}
		f.Analysis.Result = &res
	}
	return f, nil
}

func (s *SQLiteStore) queryFindings(ctx context.Context, query string, args ...any) ([]*models.Finding, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var findings []*models.Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

func (s *SQLiteStore) CreateFinding(ctx context.Context, f *models.Finding) error {
	if f.ID == "" {
		f.ID = newULID()
	}
	if f.Status == "" {
		f.Status = models.FindingStatusOpen
	}
	result := ""
	if f.Analysis.Result != nil {
		data, err := json.Marshal(f.Analysis.Result)
		if err != nil {
			return fmt.Errorf("encode analysis result: %w", err)
		}
		result = string(data)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO findings (`+findingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, string(f.Owner.Kind), f.Owner.ID, f.IntegrationID, string(f.Platform), f.Repo, f.Source, f.SourceID,
		f.Package, f.Ecosystem, f.Summary, f.AdvisoryID, f.ManifestPath, f.URL, string(f.Severity), string(f.Status),
		f.SLADueAt.UTC(), f.FirstDetectedAt.UTC(), f.LastSyncedAt.UTC(), nullTime(f.FixedAt), f.IgnoredReason, f.DismissError,
		string(f.Analysis.Status), f.Analysis.Model, f.Analysis.WorkerSessionID, nullTime(f.Analysis.RequestedAt),
		nullTime(f.Analysis.StartedAt), nullTime(f.Analysis.CompletedAt), f.Analysis.Error, result,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("finding %s/%s/%s: %w", f.Repo, f.Source, f.SourceID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("create finding: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetFinding(ctx context.Context, id string) (*models.Finding, error) {
	f, err := scanFinding(s.db.QueryRowContext(ctx,
		`SELECT `+findingColumns+` FROM findings WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("finding %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get finding: %w", err)
	}
	return f, nil
}

// ListFindings returns one page of findings ordered by SLA deadline, and the
// total match count.
func (s *SQLiteStore) ListFindings(ctx context.Context, filter FindingListFilter) ([]*models.Finding, int, error) {
	var where []string
	var args []any
	if !filter.Owner.IsZero() {
		where = append(where, "owner_kind = ? AND owner_id = ?")
		args = append(args, string(filter.Owner.Kind), filter.Owner.ID)
	}
	if filter.Repo != "" {
		where = append(where, "repo = ?")
		args = append(args, filter.Repo)
	}
	if filter.Source != "" {
		where = append(where, "source = ?")
		args = append(args, filter.Source)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(filter.Severity))
	}
	if filter.AnalysisStatus != "" {
		where = append(where, "analysis_status = ?")
		args = append(args, string(filter.AnalysisStatus))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM findings`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count findings: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	pageArgs := append(append([]any{}, args...), limit, filter.Offset)
	findings, err := s.queryFindings(ctx,
		`SELECT `+findingColumns+` FROM findings`+clause+` ORDER BY sla_due_at, id LIMIT ? OFFSET ?`,
		pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list findings: %w", err)
	}
	return findings, total, nil
}

// UpdateFindingSync writes the fields owned by finding sync, provided the
// finding is still in status from. It reports false when the status moved
// since it was read. Analysis fields are left untouched.
func (s *SQLiteStore) UpdateFindingSync(ctx context.Context, f *models.Finding, from models.FindingStatus) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE findings SET package = ?, ecosystem = ?, summary = ?, advisory_id = ?, manifest_path = ?, url = ?,
			severity = ?, status = ?, sla_due_at = ?, last_synced_at = ?, fixed_at = ?, ignored_reason = ?
		WHERE id = ? AND status = ?`,
		f.Package, f.Ecosystem, f.Summary, f.AdvisoryID, f.ManifestPath, f.URL,
		string(f.Severity), string(f.Status), f.SLADueAt.UTC(), f.LastSyncedAt.UTC(), nullTime(f.FixedAt), f.IgnoredReason,
		f.ID, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("update finding: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// MarkFindingIgnored moves an open finding to ignored. It reports false when
// the finding was no longer open.
func (s *SQLiteStore) MarkFindingIgnored(ctx context.Context, id, reason string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE findings SET status = 'ignored', ignored_reason = ?, dismiss_error = ''
		WHERE id = ? AND status = 'open'`, reason, id)
	if err != nil {
		return false, fmt.Errorf("mark finding ignored: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) SetFindingDismissError(ctx context.Context, id, msg string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE findings SET dismiss_error = ? WHERE id = ?`, msg, id)
	if err != nil {
		return fmt.Errorf("set dismiss error: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListFindingRepos(ctx context.Context, owner models.Owner) ([]string, error) {
	return s.queryIDs(ctx,
		`SELECT DISTINCT repo FROM findings WHERE owner_kind = ? AND owner_id = ? ORDER BY repo`,
		string(owner.Kind), owner.ID)
}

func (s *SQLiteStore) DeleteFindingsForRepos(ctx context.Context, owner models.Owner, repos []string) (int64, error) {
	if len(repos) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(repos))
	args := []any{string(owner.Kind), owner.ID}
	for i, r := range repos {
		placeholders[i] = "?"
		args = append(args, r)
	}
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM findings WHERE owner_kind = ? AND owner_id = ? AND repo IN (`+strings.Join(placeholders, ",")+`)`,
		args...)
	if err != nil {
		return 0, fmt.Errorf("delete findings: %w", err)
	}
	return result.RowsAffected()
}

// --- Analyses ---

// RequestAnalysis queues a fresh analysis unless one is already pending or
// running. Results of earlier analyses are cleared.
func (s *SQLiteStore) RequestAnalysis(ctx context.Context, findingID, model string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE findings SET analysis_status = 'pending', analysis_model = ?, analysis_requested_at = ?,
			analysis_started_at = NULL, analysis_completed_at = NULL, analysis_session_id = '',
			analysis_error = '', analysis_result = ''
		WHERE id = ? AND analysis_status NOT IN ('pending', 'running')`,
		model, at.UTC(), findingID)
	if err != nil {
		return false, fmt.Errorf("request analysis: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) CountAnalyses(ctx context.Context, owner models.Owner, statuses ...models.JobStatus) (int, error) {
	if len(statuses) == 0 {
		statuses = models.NonTerminalStatuses
	}
	ph, sargs := statusArgs(statuses)
	args := append([]any{string(owner.Kind), owner.ID}, sargs...)

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM findings WHERE owner_kind = ? AND owner_id = ? AND analysis_status IN (`+ph+`)`,
		args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count analyses: %w", err)
	}
	return n, nil
}

// ListPendingAnalysisIDs returns finding ids with a pending analysis, in
// request order.
func (s *SQLiteStore) ListPendingAnalysisIDs(ctx context.Context, owner models.Owner, limit int) ([]string, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryIDs(ctx,
		`SELECT id FROM findings WHERE owner_kind = ? AND owner_id = ? AND analysis_status = 'pending'
		ORDER BY analysis_requested_at, id LIMIT ?`,
		string(owner.Kind), owner.ID, limit)
}

// ClaimAnalysis moves a pending analysis to running only while the owner's
// running analysis count is below limit.
func (s *SQLiteStore) ClaimAnalysis(ctx context.Context, owner models.Owner, findingID string, limit int, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE findings SET analysis_status = 'running', analysis_started_at = ?
		WHERE id = ? AND analysis_status = 'pending' AND owner_kind = ? AND owner_id = ?
		AND (SELECT COUNT(*) FROM findings WHERE owner_kind = ? AND owner_id = ? AND analysis_status = 'running') < ?`,
		at.UTC(), findingID, string(owner.Kind), owner.ID, string(owner.Kind), owner.ID, limit)
	if err != nil {
		return false, fmt.Errorf("claim analysis: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) SetAnalysisSession(ctx context.Context, findingID, sessionID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE findings SET analysis_session_id = ? WHERE id = ? AND analysis_status = 'running'`, sessionID, findingID)
	if err != nil {
		return false, fmt.Errorf("set analysis session: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) ReleaseAnalysis(ctx context.Context, findingID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE findings SET analysis_status = 'pending', analysis_started_at = NULL, analysis_session_id = ''
		WHERE id = ? AND analysis_status = 'running'`, findingID)
	if err != nil {
		return false, fmt.Errorf("release analysis: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// TransitionAnalysis applies to only from a legal source status.
func (s *SQLiteStore) TransitionAnalysis(ctx context.Context, findingID string, to models.JobStatus, upd AnalysisUpdate) (bool, error) {
	sources := models.TransitionSources(to)
	if len(sources) == 0 {
		return false, fmt.Errorf("transition analysis: no transition into %s", to)
	}
	at := upd.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	set := "analysis_status = ?"
	args := []any{string(to)}
	switch to {
	case models.JobStatusRunning:
		set += ", analysis_started_at = ?"
		args = append(args, at)
	case models.JobStatusCompleted:
		data := ""
		if upd.Result != nil {
			b, err := json.Marshal(upd.Result)
			if err != nil {
				return false, fmt.Errorf("encode analysis result: %w", err)
			}
			data = string(b)
		}
		set += ", analysis_completed_at = ?, analysis_result = ?"
		args = append(args, at, data)
	case models.JobStatusFailed, models.JobStatusCancelled:
		set += ", analysis_completed_at = ?, analysis_error = ?"
		args = append(args, at, upd.Error)
	}
	ph, sargs := statusArgs(sources)
	args = append(args, findingID)
	args = append(args, sargs...)

	result, err := s.db.ExecContext(ctx,
		`UPDATE findings SET `+set+` WHERE id = ? AND analysis_status IN (`+ph+`)`, args...)
	if err != nil {
		return false, fmt.Errorf("transition analysis to %s: %w", to, err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) GetFindingByAnalysisSession(ctx context.Context, sessionID string) (*models.Finding, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("finding for empty session: %w", ErrNotFound)
	}
	f, err := scanFinding(s.db.QueryRowContext(ctx,
		`SELECT `+findingColumns+` FROM findings WHERE analysis_session_id = ? LIMIT 1`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("finding for session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get finding by session: %w", err)
	}
	return f, nil
}

func (s *SQLiteStore) ListOwnersWithPendingAnalyses(ctx context.Context) ([]models.Owner, error) {
	return s.queryOwners(ctx,
		`SELECT DISTINCT owner_kind, owner_id FROM findings WHERE analysis_status = 'pending' ORDER BY owner_kind, owner_id`)
}

func (s *SQLiteStore) ListStaleAnalyses(ctx context.Context, startedBefore time.Time) ([]*models.Finding, error) {
	findings, err := s.queryFindings(ctx,
		`SELECT `+findingColumns+` FROM findings
		WHERE analysis_status = 'running' AND analysis_started_at IS NOT NULL AND analysis_started_at < ?
		ORDER BY analysis_started_at`, startedBefore.UTC())
	if err != nil {
		return nil, fmt.Errorf("list stale analyses: %w", err)
	}
	return findings, nil
}

// ListAutoDismissCandidates returns open findings with a completed analysis.
func (s *SQLiteStore) ListAutoDismissCandidates(ctx context.Context, owner models.Owner) ([]*models.Finding, error) {
	findings, err := s.queryFindings(ctx,
		`SELECT `+findingColumns+` FROM findings
		WHERE owner_kind = ? AND owner_id = ? AND status = 'open' AND analysis_status = 'completed'
		ORDER BY sla_due_at, id`, string(owner.Kind), owner.ID)
	if err != nil {
		return nil, fmt.Errorf("list auto-dismiss candidates: %w", err)
	}
	return findings, nil
}
