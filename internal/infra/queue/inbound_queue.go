// Package queue implements the durable FIFO inbound queue (C7): jobs
// persisted via bun/Postgres so in-flight work survives a process
// restart.
package queue

import (
	"context"
	"time"

	"github.com/uptrace/bun"

	"whatsapp-gateway/internal/domain"
	"whatsapp-gateway/pkg/logger"
)

// InboundQueue is a durable, Postgres-backed FIFO queue of InboundJobs.
// Multiple producers (socket callbacks) enqueue without blocking;
// multiple consumers (workers) dequeue concurrently — the queue provides
// its own concurrency via row-level locking (FOR UPDATE SKIP LOCKED).
type InboundQueue struct {
	db *bun.DB
}

// New builds an inbound queue backed by db.
func New(db *bun.DB) *InboundQueue {
	return &InboundQueue{db: db}
}

// EnsureSchema creates the inbound_jobs table if it does not exist.
func (q *InboundQueue) EnsureSchema(ctx context.Context) error {
	_, err := q.db.NewCreateTable().Model((*domain.InboundJob)(nil)).IfNotExists().Exec(ctx)
	return err
}

// Enqueue persists one job. Never blocks the producer; any failure is
// logged and the event is dropped rather than stalling the socket's event
// loop (queue backpressure never fails the producer, per §7).
func (q *InboundQueue) Enqueue(ctx context.Context, sessionID string, raw []byte) {
	job := &domain.InboundJob{
		SessionID:  sessionID,
		RawMessage: raw,
		ReceivedAt: time.Now(),
		Status:     "pending",
	}
	if _, err := q.db.NewInsert().Model(job).Exec(ctx); err != nil {
		logger.Error().Str("sessionId", sessionID).Err(err).Msg("failed to enqueue inbound job")
	}
}

// Claim atomically locks and returns up to n pending-or-retriable jobs for
// a worker to process, using SKIP LOCKED so concurrent workers never
// contend on the same row.
func (q *InboundQueue) Claim(ctx context.Context, n int) ([]*domain.InboundJob, error) {
	var jobs []*domain.InboundJob
	err := q.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := tx.NewSelect().Model(&jobs).
			Where("status IN (?)", bun.In([]string{"pending", "retry"})).
			Where("next_attempt_at IS NULL OR next_attempt_at <= ?", time.Now()).
			Order("id ASC").
			Limit(n).
			For("UPDATE SKIP LOCKED").
			Scan(ctx); err != nil {
			return err
		}
		if len(jobs) == 0 {
			return nil
		}
		ids := make([]int64, len(jobs))
		for i, j := range jobs {
			ids[i] = j.ID
		}
		_, err := tx.NewUpdate().Model((*domain.InboundJob)(nil)).
			Set("status = ?", "processing").
			Where("id IN (?)", bun.In(ids)).
			Exec(ctx)
		return err
	})
	return jobs, err
}

// Complete marks a job done. removeOnComplete=true per §4.7: completed
// jobs are deleted rather than retained.
func (q *InboundQueue) Complete(ctx context.Context, jobID int64) error {
	_, err := q.db.NewDelete().Model((*domain.InboundJob)(nil)).Where("id = ?", jobID).Exec(ctx)
	return err
}

// retryBackoffBase is the base delay for exponential backoff on inbound
// job retries (§4.7): attempt 1 waits 2s, attempt 2 waits 4s, and so on.
const retryBackoffBase = 2 * time.Second

// Fail records a failed attempt. If attempts remain under maxAttempts the
// job is requeued as "retry" with next_attempt_at pushed out by an
// exponential backoff; otherwise it is marked "failed" and kept
// (removeOnFail=false — failures are inspectable).
func (q *InboundQueue) Fail(ctx context.Context, job *domain.InboundJob, maxAttempts int, cause error) error {
	job.Attempts++
	status := "retry"
	var nextAttemptAt *time.Time
	if job.Attempts >= maxAttempts {
		status = "failed"
	} else {
		delay := retryBackoffBase * time.Duration(1<<uint(job.Attempts-1))
		t := time.Now().Add(delay)
		nextAttemptAt = &t
	}
	_, err := q.db.NewUpdate().Model(job).
		Set("attempts = ?", job.Attempts).
		Set("status = ?", status).
		Set("last_error = ?", cause.Error()).
		Set("next_attempt_at = ?", nextAttemptAt).
		Where("id = ?", job.ID).
		Exec(ctx)
	return err
}

// CleanOld deletes failed jobs older than retention, run by the hourly
// queue janitor. Completed jobs are already deleted by Complete.
func (q *InboundQueue) CleanOld(ctx context.Context, retention time.Duration) (int, error) {
	res, err := q.db.NewDelete().Model((*domain.InboundJob)(nil)).
		Where("status = ? AND received_at < ?", "failed", time.Now().Add(-retention)).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
