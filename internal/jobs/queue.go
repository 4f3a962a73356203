// Package jobs is the durable ingestion queue. Jobs live in Postgres:
// singleton keys coalesce duplicate submissions, workers claim work
// with FOR UPDATE SKIP LOCKED, leases reclaim jobs from dead workers,
// and pg_notify wakes pollers and the realtime relay.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Zykairotis/corpusd/internal/catalog"
	cerr "github.com/Zykairotis/corpusd/internal/errors"
)

// Job kinds.
const (
	KindGitHub = "github_ingest"
	KindWeb    = "web_ingest"
	KindCrawl  = "crawl_ingest"
)

// Job states. queued and running are live; the rest are terminal.
const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// Job is one queue row.
type Job struct {
	ID           string
	Kind         string
	Project      string
	Dataset      string
	Payload      []byte
	SingletonKey string
	State        string
	Attempts     int
	MaxAttempts  int
	Phase        string
	Progress     int
	Error        string
	Result       []byte
	VisibleAt    time.Time
	CreatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// Notification is the pg_notify payload for job transitions.
type Notification struct {
	JobID    string `json:"job_id"`
	Project  string `json:"project"`
	Dataset  string `json:"dataset"`
	Kind     string `json:"kind"`
	State    string `json:"state"`
	Phase    string `json:"phase,omitempty"`
	Progress int    `json:"progress"`
	Error    string `json:"error,omitempty"`
}

// SingletonKey coalesces submissions of the same work: one live job
// per (project, source identity, dataset).
func SingletonKey(kind, project, sourceIdentity, dataset string) string {
	return strings.Join([]string{kind, project, sourceIdentity, dataset}, "|")
}

// Options tunes the queue.
type Options struct {
	// Lease is how long a claimed job stays owned without a heartbeat
	// before another worker may reclaim it.
	Lease time.Duration
	// RetryDelay is the base backoff between attempts; the actual delay
	// is RetryDelay * attempts.
	RetryDelay time.Duration
	// MaxAttempts is the default per-job attempt budget.
	MaxAttempts int
}

func (o Options) withDefaults() Options {
	if o.Lease <= 0 {
		o.Lease = 2 * time.Minute
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	return o
}

// Queue is the Postgres-backed job queue.
type Queue struct {
	pool *pgxpool.Pool
	opts Options
}

func NewQueue(pool *pgxpool.Pool, opts Options) *Queue {
	return &Queue{pool: pool, opts: opts.withDefaults()}
}

// EnqueueRequest describes a job to submit.
type EnqueueRequest struct {
	Kind         string
	Project      string
	Dataset      string
	Payload      any
	SingletonKey string
	MaxAttempts  int // 0 uses the queue default
}

const jobColumns = `id, kind, project_name, dataset_name, payload, coalesce(singleton_key, ''),
	state, attempts, max_attempts, phase, progress, coalesce(error, ''), result,
	visible_at, created_at, started_at, finished_at`

// Enqueue submits a job. When the singleton key already has a live
// (queued or running) job, that job is returned with coalesced = true
// and nothing is inserted.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (Job, bool, error) {
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return Job{}, false, cerr.ValidationError("encode job payload", err)
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.opts.MaxAttempts
	}

	var key *string
	if req.SingletonKey != "" {
		key = &req.SingletonKey
	}

	row := q.pool.QueryRow(ctx, `
		INSERT INTO corpusd.ingestion_jobs (kind, project_name, dataset_name, payload, singleton_key, max_attempts)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (singleton_key) WHERE singleton_key IS NOT NULL AND state IN ('queued', 'running')
		DO NOTHING
		RETURNING `+jobColumns,
		req.Kind, req.Project, req.Dataset, payload, key, maxAttempts)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict: hand back the live job instead.
		existing := q.pool.QueryRow(ctx, `
			SELECT `+jobColumns+` FROM corpusd.ingestion_jobs
			WHERE singleton_key = $1 AND state IN ('queued', 'running')`,
			req.SingletonKey)
		job, err = scanJob(existing)
		if err != nil {
			return Job{}, false, cerr.TransientRPC("load coalesced job", err)
		}
		return job, true, nil
	}
	if err != nil {
		return Job{}, false, cerr.TransientRPC("enqueue job", err)
	}

	q.notify(ctx, job)
	return job, false, nil
}

// Dequeue claims the oldest ready job: queued and visible, or running
// with an expired lease. Returns nil when the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	row := q.pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE corpusd.ingestion_jobs SET
			state = 'running',
			attempts = attempts + 1,
			started_at = coalesce(started_at, now()),
			lease_expires_at = now() + interval '%d seconds'
		WHERE id = (
			SELECT id FROM corpusd.ingestion_jobs
			WHERE (state = 'queued' AND visible_at <= now())
			   OR (state = 'running' AND lease_expires_at < now())
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, int(q.opts.Lease.Seconds())))

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, cerr.TransientRPC("dequeue job", err)
	}
	return &job, nil
}

// Heartbeat extends the lease of a running job.
func (q *Queue) Heartbeat(ctx context.Context, jobID string) error {
	_, err := q.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE corpusd.ingestion_jobs
		SET lease_expires_at = now() + interval '%d seconds'
		WHERE id = $1 AND state = 'running'`, int(q.opts.Lease.Seconds())), jobID)
	if err != nil {
		return cerr.TransientRPC("heartbeat", err)
	}
	return nil
}

// Progress records phase and percent and notifies listeners.
func (q *Queue) Progress(ctx context.Context, jobID, phase string, percent int) error {
	row := q.pool.QueryRow(ctx, `
		UPDATE corpusd.ingestion_jobs SET phase = $2, progress = $3
		WHERE id = $1 AND state = 'running'
		RETURNING `+jobColumns, jobID, phase, percent)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil // job finished or was cancelled under us
	}
	if err != nil {
		return cerr.TransientRPC("update progress", err)
	}
	q.notify(ctx, job)
	return nil
}

// RecordResult writes a partial result document onto a running job
// without changing its state. Handlers use it to surface facts known
// mid-run, like the resolved commit SHA, before the job finishes.
func (q *Queue) RecordResult(ctx context.Context, jobID string, result any) error {
	doc, err := json.Marshal(result)
	if err != nil {
		return cerr.ValidationError("encode job result", err)
	}
	_, err = q.pool.Exec(ctx, `
		UPDATE corpusd.ingestion_jobs SET result = $2
		WHERE id = $1 AND state = 'running'`, jobID, doc)
	if err != nil {
		return cerr.TransientRPC("record job result", err)
	}
	return nil
}

// Complete marks a job succeeded with its result document.
func (q *Queue) Complete(ctx context.Context, jobID string, result any) error {
	doc, err := json.Marshal(result)
	if err != nil {
		doc = []byte(`{}`)
	}
	row := q.pool.QueryRow(ctx, `
		UPDATE corpusd.ingestion_jobs SET
			state = 'succeeded', progress = 100, phase = 'finalize',
			result = $2, finished_at = now(), lease_expires_at = NULL
		WHERE id = $1 AND state = 'running'
		RETURNING `+jobColumns, jobID, doc)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return cerr.TransientRPC("complete job", err)
	}
	q.notify(ctx, job)
	return nil
}

// Fail records a failure. Jobs with attempts left go back to queued
// with a linear backoff; exhausted jobs become terminal.
func (q *Queue) Fail(ctx context.Context, jobID, message string) error {
	delay := q.opts.RetryDelay
	row := q.pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE corpusd.ingestion_jobs SET
			state = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'queued' END,
			error = $2,
			visible_at = now() + interval '%d seconds' * attempts,
			finished_at = CASE WHEN attempts >= max_attempts THEN now() ELSE NULL END,
			lease_expires_at = NULL
		WHERE id = $1 AND state = 'running'
		RETURNING `+jobColumns, int(delay.Seconds())), jobID, message)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return cerr.TransientRPC("fail job", err)
	}
	q.notify(ctx, job)
	return nil
}

// Cancel stops a live job. Running jobs are marked cancelled; the
// worker notices on its next progress write.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	row := q.pool.QueryRow(ctx, `
		UPDATE corpusd.ingestion_jobs SET
			state = 'cancelled', finished_at = now(), lease_expires_at = NULL
		WHERE id = $1 AND state IN ('queued', 'running')
		RETURNING `+jobColumns, jobID)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return cerr.ConsistencyError(cerr.ErrCodeMissingRow, "no live job "+jobID)
	}
	if err != nil {
		return cerr.TransientRPC("cancel job", err)
	}
	q.notify(ctx, job)
	return nil
}

// Get loads one job.
func (q *Queue) Get(ctx context.Context, jobID string) (Job, error) {
	row := q.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM corpusd.ingestion_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, cerr.ConsistencyError(cerr.ErrCodeMissingRow, "job not found: "+jobID)
	}
	if err != nil {
		return Job{}, cerr.TransientRPC("get job", err)
	}
	return job, nil
}

// List returns a project's jobs, newest first. Project "all" lists
// everything.
func (q *Queue) List(ctx context.Context, project string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows pgx.Rows
	var err error
	if project == "all" {
		rows, err = q.pool.Query(ctx, `
			SELECT `+jobColumns+` FROM corpusd.ingestion_jobs
			ORDER BY created_at DESC LIMIT $1`, limit)
	} else {
		rows, err = q.pool.Query(ctx, `
			SELECT `+jobColumns+` FROM corpusd.ingestion_jobs
			WHERE project_name = $1 ORDER BY created_at DESC LIMIT $2`, project, limit)
	}
	if err != nil {
		return nil, cerr.TransientRPC("list jobs", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, cerr.TransientRPC("scan job", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// IsCancelled reports whether the job row was cancelled out from under
// a worker.
func (q *Queue) IsCancelled(ctx context.Context, jobID string) bool {
	var state string
	err := q.pool.QueryRow(ctx, `
		SELECT state FROM corpusd.ingestion_jobs WHERE id = $1`, jobID).Scan(&state)
	return err == nil && state == StateCancelled
}

// notify publishes a transition on the shared channel. Best-effort:
// a failed notify never fails the transition itself.
func (q *Queue) notify(ctx context.Context, job Job) {
	n := Notification{
		JobID:    job.ID,
		Project:  job.Project,
		Dataset:  job.Dataset,
		Kind:     job.Kind,
		State:    job.State,
		Phase:    job.Phase,
		Progress: job.Progress,
		Error:    job.Error,
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return
	}
	_, _ = q.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, catalog.NotifyChannel, string(payload))
}

// Listen blocks on the notification channel and invokes fn for every
// decoded job transition until the context ends.
func (q *Queue) Listen(ctx context.Context, fn func(Notification)) error {
	conn, err := q.pool.Acquire(ctx)
	if err != nil {
		return cerr.TransientRPC("acquire listen connection", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+catalog.NotifyChannel); err != nil {
		return cerr.TransientRPC("listen", err)
	}
	for {
		msg, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return cerr.TransientRPC("wait for notification", err)
		}
		var n Notification
		if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
			continue
		}
		fn(n)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	err := row.Scan(&j.ID, &j.Kind, &j.Project, &j.Dataset, &j.Payload, &j.SingletonKey,
		&j.State, &j.Attempts, &j.MaxAttempts, &j.Phase, &j.Progress, &j.Error, &j.Result,
		&j.VisibleAt, &j.CreatedAt, &j.StartedAt, &j.FinishedAt)
	return j, err
}
