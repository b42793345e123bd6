// Package dispatch admits queued jobs to the worker pool under per-owner
// concurrency limits.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/joescharf/reviewd/internal/metrics"
	"github.com/joescharf/reviewd/internal/models"
)

// Queue is one kind of job the dispatcher can admit. Review jobs and finding
// analyses each implement it over the store.
type Queue interface {
	// Kind names the queue in logs and metrics.
	Kind() string
	Limit(ctx context.Context, owner models.Owner) (int, error)
	CountRunning(ctx context.Context, owner models.Owner) (int, error)
	CountPending(ctx context.Context, owner models.Owner) (int, error)
	// PendingIDs returns up to limit pending ids in FIFO order.
	PendingIDs(ctx context.Context, owner models.Owner, limit int) ([]string, error)
	// Claim moves id from pending to running if the owner is below limit.
	Claim(ctx context.Context, owner models.Owner, id string, limit int, at time.Time) (bool, error)
	// Start asks the worker to execute id and returns its session handle.
	Start(ctx context.Context, id string) (string, error)
	// Attach records the worker session on a running job. It reports false
	// when the job left running while the worker was starting.
	Attach(ctx context.Context, id, sessionID string) (bool, error)
	// Cancel signals the worker to stop a session.
	Cancel(ctx context.Context, sessionID, reason string) error
	// Release returns a claimed job to pending after Start failed.
	Release(ctx context.Context, id string) error
}

// CancelledWhileStarting is sent to the worker for a session whose job was
// cancelled before the session could be recorded.
const CancelledWhileStarting = "job cancelled while the worker was starting"

// Result summarizes one dispatch attempt for an owner.
type Result struct {
	Dispatched   int `json:"dispatched"`
	StillPending int `json:"still_pending"`
	Active       int `json:"active"`
}

// Dispatcher is the concurrency gate for a single Queue.
type Dispatcher struct {
	Queue  Queue
	Logger *slog.Logger
	Now    func() time.Time
}

// New creates a Dispatcher for q.
func New(q Queue, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{Queue: q, Logger: logger, Now: time.Now}
}

// Dispatch admits pending jobs for owner until the running count reaches the
// owner's limit. A non-empty priority id is tried before the FIFO backlog.
//
// Admission never exceeds the limit, even across concurrent callers: each
// claim re-counts running rows in the same statement that flips the row.
// A worker start failure releases the job and stops the pass; the error is
// returned after the counts are collected.
func (d *Dispatcher) Dispatch(ctx context.Context, owner models.Owner, priority string) (Result, error) {
	var res Result
	q := d.Queue
	log := d.Logger.With("kind", q.Kind(), "owner", owner.String())

	limit, err := q.Limit(ctx, owner)
	if err != nil {
		return res, fmt.Errorf("load %s limit: %w", q.Kind(), err)
	}
	running, err := q.CountRunning(ctx, owner)
	if err != nil {
		return res, fmt.Errorf("count running %s: %w", q.Kind(), err)
	}

	var startErr error
	if capacity := limit - running; capacity > 0 {
		ids, err := q.PendingIDs(ctx, owner, capacity)
		if err != nil {
			return res, fmt.Errorf("list pending %s: %w", q.Kind(), err)
		}
		ids = prioritize(ids, priority)

		for _, id := range ids {
			if res.Dispatched >= capacity {
				break
			}
			ok, err := q.Claim(ctx, owner, id, limit, d.Now())
			if err != nil {
				return res, fmt.Errorf("claim %s %s: %w", q.Kind(), id, err)
			}
			if !ok {
				log.Debug("claim skipped", "id", id)
				continue
			}

			sessionID, err := q.Start(ctx, id)
			if err != nil {
				metrics.DispatchStartFailuresCounter.WithLabelValues(q.Kind()).Inc()
				if rerr := q.Release(ctx, id); rerr != nil {
					log.Error("release after failed start", "id", id, "error", rerr)
				}
				log.Warn("worker start failed, job returned to queue", "id", id, "error", err)
				startErr = fmt.Errorf("start %s %s: %w", q.Kind(), id, err)
				break
			}
			attached, err := q.Attach(ctx, id, sessionID)
			if err != nil {
				log.Error("record worker session", "id", id, "session", sessionID, "error", err)
			} else if !attached {
				log.Info("cancelled while starting, stopping session", "id", id, "session", sessionID)
				if cerr := q.Cancel(ctx, sessionID, CancelledWhileStarting); cerr != nil {
					log.Warn("worker cancel failed", "id", id, "session", sessionID, "error", cerr)
				}
				continue
			}

			res.Dispatched++
			metrics.JobsDispatchedCounter.WithLabelValues(q.Kind()).Inc()
			log.Info("dispatched", "id", id, "session", sessionID)
		}
	}

	if res.StillPending, err = q.CountPending(ctx, owner); err != nil {
		return res, fmt.Errorf("count pending %s: %w", q.Kind(), err)
	}
	if res.Active, err = q.CountRunning(ctx, owner); err != nil {
		return res, fmt.Errorf("count running %s: %w", q.Kind(), err)
	}
	return res, startErr
}

// prioritize moves priority to the front of ids, adding it if absent.
func prioritize(ids []string, priority string) []string {
	if priority == "" {
		return ids
	}
	out := make([]string, 0, len(ids)+1)
	out = append(out, priority)
	for _, id := range ids {
		if id != priority {
			out = append(out, id)
		}
	}
	return out
}
