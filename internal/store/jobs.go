package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joescharf/reviewd/internal/models"
)

const reviewJobColumns = `id, owner_kind, owner_id, integration_id, platform, repo, change_id, head_sha, base_ref, head_ref,
	author, title, url, status, worker_session_id, result, error, cancel_reason, created_at, started_at, completed_at`

func scanReviewJob(row interface{ Scan(...any) error }) (*models.ReviewJob, error) {
	j := &models.ReviewJob{}
	var kind, platform, status string
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&j.ID, &kind, &j.Owner.ID, &j.IntegrationID, &platform, &j.Repo, &j.ChangeID, &j.HeadSHA,
		&j.BaseRef, &j.HeadRef, &j.Author, &j.Title, &j.URL, &status, &j.WorkerSessionID,
		&j.Result, &j.Error, &j.CancelReason, &j.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	j.Owner.Kind = models.OwnerKind(kind)
	j.Platform = models.Platform(platform)
	j.Status = models.JobStatus(status)
	j.StartedAt = timePtr(startedAt)
	j.CompletedAt = timePtr(completedAt)
	return j, nil
}

func (s *SQLiteStore) queryReviewJobs(ctx context.Context, query string, args ...any) ([]*models.ReviewJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var jobs []*models.ReviewJob
	for rows.Next() {
		j, err := scanReviewJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan review job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// CreateReviewJob inserts a pending job. A concurrent insert of the same
// non-terminal change revision returns ErrDuplicate.
func (s *SQLiteStore) CreateReviewJob(ctx context.Context, j *models.ReviewJob) error {
	if j.ID == "" {
		j.ID = newULID()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	j.CreatedAt = j.CreatedAt.UTC()
	if j.Status == "" {
		j.Status = models.JobStatusPending
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO review_jobs (`+reviewJobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, string(j.Owner.Kind), j.Owner.ID, j.IntegrationID, string(j.Platform), j.Repo, j.ChangeID, j.HeadSHA,
		j.BaseRef, j.HeadRef, j.Author, j.Title, j.URL, string(j.Status), j.WorkerSessionID,
		j.Result, j.Error, j.CancelReason, j.CreatedAt, nullTime(j.StartedAt), nullTime(j.CompletedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("review job %s#%d@%s: %w", j.Repo, j.ChangeID, j.HeadSHA, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("create review job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetReviewJob(ctx context.Context, id string) (*models.ReviewJob, error) {
	j, err := scanReviewJob(s.db.QueryRowContext(ctx,
		`SELECT `+reviewJobColumns+` FROM review_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("review job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get review job: %w", err)
	}
	return j, nil
}

func (s *SQLiteStore) GetReviewJobBySession(ctx context.Context, sessionID string) (*models.ReviewJob, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("review job for empty session: %w", ErrNotFound)
	}
	j, err := scanReviewJob(s.db.QueryRowContext(ctx,
		`SELECT `+reviewJobColumns+` FROM review_jobs WHERE worker_session_id = ? ORDER BY created_at DESC LIMIT 1`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("review job for session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get review job by session: %w", err)
	}
	return j, nil
}

// ListReviewJobs returns one page of jobs, newest first, and the total match count.
func (s *SQLiteStore) ListReviewJobs(ctx context.Context, filter JobListFilter) ([]*models.ReviewJob, int, error) {
	var where []string
	var args []any
	if !filter.Owner.IsZero() {
		where = append(where, "owner_kind = ? AND owner_id = ?")
		args = append(args, string(filter.Owner.Kind), filter.Owner.ID)
	}
	if len(filter.Statuses) > 0 {
		ph, sargs := statusArgs(filter.Statuses)
		where = append(where, "status IN ("+ph+")")
		args = append(args, sargs...)
	}
	if filter.Repo != "" {
		where = append(where, "repo = ?")
		args = append(args, filter.Repo)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM review_jobs`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count review jobs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	pageArgs := append(append([]any{}, args...), limit, filter.Offset)
	jobs, err := s.queryReviewJobs(ctx,
		`SELECT `+reviewJobColumns+` FROM review_jobs`+clause+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list review jobs: %w", err)
	}
	return jobs, total, nil
}

// ListActiveReviewJobsForChange returns non-terminal jobs for a change, oldest first.
func (s *SQLiteStore) ListActiveReviewJobsForChange(ctx context.Context, platform models.Platform, repo string, changeID int) ([]*models.ReviewJob, error) {
	jobs, err := s.queryReviewJobs(ctx,
		`SELECT `+reviewJobColumns+` FROM review_jobs
		WHERE platform = ? AND repo = ? AND change_id = ? AND status IN ('pending', 'running')
		ORDER BY created_at, id`,
		string(platform), repo, changeID)
	if err != nil {
		return nil, fmt.Errorf("list active review jobs: %w", err)
	}
	return jobs, nil
}

func (s *SQLiteStore) CountReviewJobs(ctx context.Context, owner models.Owner, statuses ...models.JobStatus) (int, error) {
	if len(statuses) == 0 {
		statuses = models.NonTerminalStatuses
	}
	ph, sargs := statusArgs(statuses)
	args := append([]any{string(owner.Kind), owner.ID}, sargs...)

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM review_jobs WHERE owner_kind = ? AND owner_id = ? AND status IN (`+ph+`)`,
		args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count review jobs: %w", err)
	}
	return n, nil
}

// ListPendingReviewJobIDs returns pending job ids for owner in FIFO order.
func (s *SQLiteStore) ListPendingReviewJobIDs(ctx context.Context, owner models.Owner, limit int) ([]string, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryIDs(ctx,
		`SELECT id FROM review_jobs WHERE owner_kind = ? AND owner_id = ? AND status = 'pending'
		ORDER BY created_at, id LIMIT ?`,
		string(owner.Kind), owner.ID, limit)
}

// ClaimReviewJob moves a pending job to running only while the owner's
// running count is below limit. Count and claim happen in one statement.
func (s *SQLiteStore) ClaimReviewJob(ctx context.Context, owner models.Owner, id string, limit int, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE review_jobs SET status = 'running', started_at = ?
		WHERE id = ? AND status = 'pending' AND owner_kind = ? AND owner_id = ?
		AND (SELECT COUNT(*) FROM review_jobs WHERE owner_kind = ? AND owner_id = ? AND status = 'running') < ?`,
		at.UTC(), id, string(owner.Kind), owner.ID, string(owner.Kind), owner.ID, limit)
	if err != nil {
		return false, fmt.Errorf("claim review job: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// SetReviewJobSession records the worker session on a job that is still
// running.
func (s *SQLiteStore) SetReviewJobSession(ctx context.Context, id, sessionID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE review_jobs SET worker_session_id = ? WHERE id = ? AND status = 'running'`, sessionID, id)
	if err != nil {
		return false, fmt.Errorf("set review job session: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// ReleaseReviewJob returns a claimed job to the queue after the worker
// refused it.
func (s *SQLiteStore) ReleaseReviewJob(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE review_jobs SET status = 'pending', started_at = NULL, worker_session_id = ''
		WHERE id = ? AND status = 'running'`, id)
	if err != nil {
		return false, fmt.Errorf("release review job: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// TransitionReviewJob applies to only when the current status is a legal
// source. It reports false when the row was not in a source status.
func (s *SQLiteStore) TransitionReviewJob(ctx context.Context, id string, to models.JobStatus, upd JobUpdate) (bool, error) {
	sources := models.TransitionSources(to)
	if len(sources) == 0 {
		return false, fmt.Errorf("transition review job: no transition into %s", to)
	}
	at := upd.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	set := "status = ?"
	args := []any{string(to)}
	switch to {
	case models.JobStatusRunning:
		set += ", started_at = ?"
		args = append(args, at)
	case models.JobStatusCompleted:
		set += ", completed_at = ?, result = ?"
		args = append(args, at, upd.Result)
	case models.JobStatusFailed:
		set += ", completed_at = ?, error = ?"
		args = append(args, at, upd.Error)
	case models.JobStatusCancelled:
		set += ", completed_at = ?, cancel_reason = ?"
		args = append(args, at, upd.CancelReason)
	}
	ph, sargs := statusArgs(sources)
	args = append(args, id)
	args = append(args, sargs...)

	result, err := s.db.ExecContext(ctx,
		`UPDATE review_jobs SET `+set+` WHERE id = ? AND status IN (`+ph+`)`, args...)
	if err != nil {
		return false, fmt.Errorf("transition review job to %s: %w", to, err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) ListOwnersWithPendingReviewJobs(ctx context.Context) ([]models.Owner, error) {
	return s.queryOwners(ctx,
		`SELECT DISTINCT owner_kind, owner_id FROM review_jobs WHERE status = 'pending' ORDER BY owner_kind, owner_id`)
}

// ListStaleReviewJobs returns running jobs started before the cutoff.
func (s *SQLiteStore) ListStaleReviewJobs(ctx context.Context, startedBefore time.Time) ([]*models.ReviewJob, error) {
	jobs, err := s.queryReviewJobs(ctx,
		`SELECT `+reviewJobColumns+` FROM review_jobs
		WHERE status = 'running' AND started_at IS NOT NULL AND started_at < ?
		ORDER BY started_at`, startedBefore.UTC())
	if err != nil {
		return nil, fmt.Errorf("list stale review jobs: %w", err)
	}
	return jobs, nil
}

func (s *SQLiteStore) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) queryOwners(ctx context.Context, query string, args ...any) ([]models.Owner, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query owners: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var owners []models.Owner
	for rows.Next() {
		var kind, id string
		if err := rows.Scan(&kind, &id); err != nil {
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		owners = append(owners, models.Owner{Kind: models.OwnerKind(kind), ID: id})
	}
	return owners, rows.Err()
}
