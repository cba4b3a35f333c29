// ABOUTME: Named durable FIFO queues with singleton-key dedup, retry policy, and priority.
// ABOUTME: Backed by a table in the same SQLite database the orchestrator store already opens.

package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-gateway/internal/errtax"
)

// State is a QueueJob's lifecycle state.
type State string

const (
	StateCreated   State = "created"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateRetry     State = "retry"
)

// SendOptions configures Send, mirroring the abstract contract's opts.
type SendOptions struct {
	Priority      int
	RetryLimit    int
	RetryDelay    time.Duration
	ExpireIn      time.Duration
	SingletonKey  string
}

// DefaultRetryPolicy is the default used when SendOptions leaves
// RetryLimit/RetryDelay/ExpireIn unset.
var DefaultRetryPolicy = SendOptions{RetryLimit: 3, RetryDelay: 30 * time.Second, ExpireIn: 22 * time.Hour}

// Job is a claimed unit of work.
type Job struct {
	ID           string
	QueueName    string
	Payload      []byte
	State        State
	Priority     int
	RetryCount   int
	RetryLimit   int
	RetryDelay   time.Duration
	SingletonKey string
	CreatedAt    time.Time
}

// Sizes reports the queue-size breakdown the abstract contract defines.
type Sizes struct {
	Waiting   int
	Active    int
	Completed int
	Failed    int
}

// ErrNotFound is returned by GetJobByID for an unknown job id.
var ErrNotFound = errors.New("job not found")

// Queue is a SQLite-backed implementation of the queue contract.
type Queue struct {
	db     *sql.DB
	logger *slog.Logger
}

// New wraps an already-open database handle (the orchestrator passes
// its store's *sql.DB so the queue table lives alongside the rest of
// its bookkeeping).
func New(db *sql.DB) *Queue {
	return &Queue{db: db, logger: slog.Default().With("component", "queue")}
}

// CreateQueue is idempotent: queue names are not a separate entity in
// this schema, only a column value, so there is nothing to create.
// The method exists to keep the abstract contract's shape explicit at
// call sites.
func (q *Queue) CreateQueue(_ context.Context, _ string) error { return nil }

// Send enqueues payload onto queueName. If opts.SingletonKey is set
// and a non-terminal job with the same (queueName, singletonKey)
// already exists, the duplicate is silently dropped and the existing
// job's id is returned.
func (q *Queue) Send(ctx context.Context, queueName string, payload any, opts SendOptions) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling job payload: %w", err)
	}
	if opts.RetryLimit == 0 {
		opts.RetryLimit = DefaultRetryPolicy.RetryLimit
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = DefaultRetryPolicy.RetryDelay
	}
	if opts.ExpireIn == 0 {
		opts.ExpireIn = DefaultRetryPolicy.ExpireIn
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	var singletonKey any
	if opts.SingletonKey != "" {
		singletonKey = opts.SingletonKey
		existingID, err := q.findActiveSingleton(ctx, queueName, opts.SingletonKey)
		if err != nil {
			return "", err
		}
		if existingID != "" {
			q.logger.Debug("dropped duplicate job", "queue", queueName, "singleton_key", opts.SingletonKey)
			return existingID, nil
		}
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO queue_jobs (id, queue_name, payload, state, priority, retry_count, retry_limit, retry_delay_seconds, singleton_key, expires_at, start_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?)
	`, id, queueName, body, string(StateCreated), opts.Priority, opts.RetryLimit, int(opts.RetryDelay.Seconds()),
		singletonKey, now.Add(opts.ExpireIn), now, now, now)
	if err != nil {
		return "", fmt.Errorf("enqueuing job: %w", err)
	}
	return id, nil
}

func (q *Queue) findActiveSingleton(ctx context.Context, queueName, singletonKey string) (string, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id FROM queue_jobs
		WHERE queue_name = ? AND singleton_key = ? AND state NOT IN (?, ?)
		LIMIT 1
	`, queueName, singletonKey, string(StateCompleted), string(StateFailed))
	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("checking singleton key: %w", err)
	}
	return id, nil
}

// Claim atomically takes the next eligible job for queueName —
// highest priority, oldest start_after first — and marks it active.
// It returns (nil, nil) when no job is eligible.
func (q *Queue) Claim(ctx context.Context, queueName string) (*Job, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	row := tx.QueryRowContext(ctx, `
		SELECT id, payload, priority, retry_count, retry_limit, retry_delay_seconds, singleton_key, created_at
		FROM queue_jobs
		WHERE queue_name = ? AND state IN (?, ?) AND start_after <= ? AND expires_at > ?
		ORDER BY priority DESC, start_after ASC
		LIMIT 1
	`, queueName, string(StateCreated), string(StateRetry), now, now)

	var j Job
	var singletonKey sql.NullString
	var retryDelaySeconds int
	if err := row.Scan(&j.ID, &j.Payload, &j.Priority, &j.RetryCount, &j.RetryLimit, &retryDelaySeconds, &singletonKey, &j.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("claiming job: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE queue_jobs SET state = ?, updated_at = ? WHERE id = ?`, string(StateActive), now, j.ID); err != nil {
		return nil, fmt.Errorf("marking job active: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.QueueName = queueName
	j.State = StateActive
	j.RetryDelay = time.Duration(retryDelaySeconds) * time.Second
	j.SingletonKey = singletonKey.String
	return &j, nil
}

// Complete marks a job completed.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	_, err := q.db.ExecContext(ctx, `UPDATE queue_jobs SET state = ?, updated_at = ? WHERE id = ?`, string(StateCompleted), time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("completing job: %w", err)
	}
	return nil
}

// Retry requeues a job for redelivery after its retry delay, or marks
// it permanently failed once retryLimit is exhausted.
func (q *Queue) Retry(ctx context.Context, job *Job) error {
	now := time.Now().UTC()
	if job.RetryCount >= job.RetryLimit {
		_, err := q.db.ExecContext(ctx, `UPDATE queue_jobs SET state = ?, updated_at = ? WHERE id = ?`, string(StateFailed), now, job.ID)
		if err != nil {
			return fmt.Errorf("failing job: %w", err)
		}
		return nil
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_jobs SET state = ?, retry_count = retry_count + 1, start_after = ?, updated_at = ? WHERE id = ?
	`, string(StateRetry), now.Add(job.RetryDelay), now, job.ID)
	if err != nil {
		return fmt.Errorf("scheduling retry: %w", err)
	}
	return nil
}

// Cancel removes a job regardless of its current state.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM queue_jobs WHERE id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("canceling job: %w", err)
	}
	return nil
}

// GetJobByID returns a job's current row regardless of state.
func (q *Queue) GetJobByID(ctx context.Context, jobID string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, queue_name, payload, state, priority, retry_count, retry_limit, retry_delay_seconds, singleton_key, created_at
		FROM queue_jobs WHERE id = ?
	`, jobID)
	var j Job
	var state string
	var singletonKey sql.NullString
	var retryDelaySeconds int
	if err := row.Scan(&j.ID, &j.QueueName, &j.Payload, &state, &j.Priority, &j.RetryCount, &j.RetryLimit, &retryDelaySeconds, &singletonKey, &j.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying job: %w", err)
	}
	j.State = State(state)
	j.RetryDelay = time.Duration(retryDelaySeconds) * time.Second
	j.SingletonKey = singletonKey.String
	return &j, nil
}

// GetQueueSize returns the waiting/active/completed/failed breakdown
// for a queue name.
func (q *Queue) GetQueueSize(ctx context.Context, queueName string) (Sizes, error) {
	var sizes Sizes
	rows, err := q.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM queue_jobs WHERE queue_name = ? GROUP BY state`, queueName)
	if err != nil {
		return sizes, fmt.Errorf("counting queue size: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return sizes, fmt.Errorf("scanning queue size: %w", err)
		}
		switch State(state) {
		case StateCreated, StateRetry:
			sizes.Waiting += count
		case StateActive:
			sizes.Active += count
		case StateCompleted:
			sizes.Completed += count
		case StateFailed:
			sizes.Failed += count
		}
	}
	return sizes, rows.Err()
}

// Handler processes one job. Handlers must be idempotent: a job may
// be redelivered after a crash between Claim and Complete/Retry.
type Handler func(ctx context.Context, job *Job) error

// WorkOptions bounds concurrency for Work, mirroring the abstract
// contract's {teamSize, teamConcurrency}.
type WorkOptions struct {
	TeamSize        int
	TeamConcurrency int
	PollInterval    time.Duration
}

// Work subscribes handler to queueName until ctx is canceled. At most
// TeamSize*TeamConcurrency invocations of handler run concurrently.
func (q *Queue) Work(ctx context.Context, queueName string, handler Handler, opts WorkOptions) {
	if opts.TeamSize <= 0 {
		opts.TeamSize = 1
	}
	if opts.TeamConcurrency <= 0 {
		opts.TeamConcurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	sem := make(chan struct{}, opts.TeamSize*opts.TeamConcurrency)

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case sem <- struct{}{}:
			default:
				continue
			}
			job, err := q.Claim(ctx, queueName)
			if err != nil {
				q.logger.Warn("claim failed", "queue", queueName, "error", err)
				<-sem
				continue
			}
			if job == nil {
				<-sem
				continue
			}
			go func(j *Job) {
				defer func() { <-sem }()
				if err := handler(ctx, j); err != nil {
					// A handler error classified by errtax as neither
					// transient nor an agent failure will never clear on
					// redelivery (bad input, a permission refusal, a
					// permanently dead collaborator, fatal config) - drop
					// it instead of burning the job's retry budget. An
					// unclassified error keeps the old retry-by-default
					// behavior.
					if kind := errtax.Kind(err); kind != nil && !errtax.Retryable(err) {
						q.logger.Warn("dropping job after non-retryable error", "job_id", j.ID, "queue", queueName, "kind", kind, "error", err)
						if completeErr := q.Complete(ctx, j.ID); completeErr != nil {
							q.logger.Error("complete bookkeeping failed", "job_id", j.ID, "error", completeErr)
						}
						return
					}
					if retryErr := q.Retry(ctx, j); retryErr != nil {
						q.logger.Error("retry bookkeeping failed", "job_id", j.ID, "error", retryErr)
					}
					return
				}
				if err := q.Complete(ctx, j.ID); err != nil {
					q.logger.Error("complete bookkeeping failed", "job_id", j.ID, "error", err)
				}
			}(job)
		}
	}
}
