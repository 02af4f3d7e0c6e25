package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"estate_importer/metrics"
	"estate_importer/models"
)

const (
	DefaultQueue       = "default"
	DefaultMaxAttempts = 5
	DefaultBackoff     = 30 * time.Second
	DefaultTimeout     = 10 * time.Minute
)

var (
	ErrUnknownJobType = errors.New("unknown job type")

	errLostWorker = errors.New("worker lost")
)

// Handler runs one job. A returned error schedules a retry until the job's
// attempts are exhausted.
type Handler func(ctx context.Context, payload json.RawMessage) error

// FailedHook runs once when a job has exhausted its attempts.
type FailedHook func(ctx context.Context, payload json.RawMessage, err error)

type Definition struct {
	Queue       string
	Handler     Handler
	Failed      FailedHook
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration
}

type Options struct {
	Queue string
	Delay time.Duration
}

// Queue is a durable job queue stored in SQLite.
type Queue struct {
	db   *sqlx.DB
	log  zerolog.Logger
	now  func() time.Time
	mu   sync.RWMutex
	defs map[string]Definition
}

type jobRow struct {
	ID          string `db:"id"`
	Type        string `db:"type"`
	Queue       string `db:"queue"`
	Payload     []byte `db:"payload"`
	Status      string `db:"status"`
	Attempts    int    `db:"attempts"`
	MaxAttempts int    `db:"max_attempts"`
	LastError   string `db:"last_error"`
	AvailableAt int64  `db:"available_at"`
	CreatedAt   int64  `db:"created_at"`
	UpdatedAt   int64  `db:"updated_at"`
}

func (r jobRow) model() *models.Job {
	return &models.Job{
		ID:          r.ID,
		Type:        r.Type,
		Queue:       r.Queue,
		Payload:     json.RawMessage(r.Payload),
		Status:      models.JobStatus(r.Status),
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
		LastError:   r.LastError,
		AvailableAt: time.UnixMilli(r.AvailableAt),
		CreatedAt:   time.UnixMilli(r.CreatedAt),
		UpdatedAt:   time.UnixMilli(r.UpdatedAt),
	}
}

func Open(path string, log zerolog.Logger) (*Queue, error) {
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// One writer at a time; claims rely on statement-level atomicity.
	db.SetMaxOpenConns(1)

	q := &Queue{
		db:   db,
		log:  log,
		now:  time.Now,
		defs: make(map[string]Definition),
	}
	if err := q.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

// SetClock replaces the queue's time source; availability and backoff are
// computed from it.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

func (q *Queue) Close() error {
	return q.db.Close()
}

func (q *Queue) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		queue TEXT NOT NULL DEFAULT 'default',
		payload BLOB NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued',
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 5,
		last_error TEXT NOT NULL DEFAULT '',
		available_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, queue, available_at);
	`
	_, err := q.db.Exec(schema)
	return err
}

// Register binds a job type to its handler and retry policy.
func (q *Queue) Register(jobType string, def Definition) {
	if def.Queue == "" {
		def.Queue = DefaultQueue
	}
	if def.Timeout <= 0 {
		def.Timeout = DefaultTimeout
	}
	if def.MaxAttempts <= 0 {
		def.MaxAttempts = DefaultMaxAttempts
	}
	if def.Backoff <= 0 {
		def.Backoff = DefaultBackoff
	}

	q.mu.Lock()
	q.defs[jobType] = def
	q.mu.Unlock()
}

func (q *Queue) definition(jobType string) (Definition, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	def, ok := q.defs[jobType]
	return def, ok
}

// Enqueue persists a job. The queue name defaults to the type's registered
// queue.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any, opts Options) (string, error) {
	ids, err := q.EnqueueBatch(ctx, jobType, []any{payload}, opts)
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// EnqueueBatch persists several jobs of one type in a single transaction.
func (q *Queue) EnqueueBatch(ctx context.Context, jobType string, payloads []any, opts Options) ([]string, error) {
	def, ok := q.definition(jobType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}
	queueName := opts.Queue
	if queueName == "" {
		queueName = def.Queue
	}

	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := q.now()
	available := now.Add(opts.Delay)
	ids := make([]string, 0, len(payloads))
	for _, payload := range payloads {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		id := uuid.NewString()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO jobs (id, type, queue, payload, status, attempts, max_attempts, available_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?)`,
			id, jobType, queueName, data, def.MaxAttempts, available.UnixMilli(), now.UnixMilli(), now.UnixMilli())
		if err != nil {
			return nil, fmt.Errorf("insert job: %w", err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// EnqueueSync runs the handler inline with the type's timeout and returns
// its error. Nothing is persisted and no retry is scheduled.
func (q *Queue) EnqueueSync(ctx context.Context, jobType string, payload any) error {
	def, ok := q.definition(jobType)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	jctx, cancel := context.WithTimeout(ctx, def.Timeout)
	defer cancel()

	start := time.Now()
	err = call(jctx, def.Handler, data)
	metrics.QueueJobDuration.WithLabelValues(jobType).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.QueueJobsProcessed.WithLabelValues(jobType, "sync_error").Inc()
		return err
	}
	metrics.QueueJobsProcessed.WithLabelValues(jobType, "sync_done").Inc()
	return nil
}

// ProcessNext claims and runs one available job from the given queues (all
// queues when none are named). It reports whether a job was found.
func (q *Queue) ProcessNext(ctx context.Context, queues ...string) (bool, error) {
	job, err := q.claim(ctx, queues)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	q.execute(ctx, job)
	return true, nil
}

// Drain processes available jobs until none remain or max jobs have run.
// A non-positive max means no limit.
func (q *Queue) Drain(ctx context.Context, max int, queues ...string) (int, error) {
	if _, err := q.ReleaseStale(ctx); err != nil {
		q.log.Warn().Err(err).Msg("release stale jobs")
	}

	processed := 0
	for max <= 0 || processed < max {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		found, err := q.ProcessNext(ctx, queues...)
		if err != nil {
			return processed, err
		}
		if !found {
			break
		}
		processed++
	}
	return processed, nil
}

// Run starts workers that poll for jobs until ctx is cancelled.
func (q *Queue) Run(ctx context.Context, workers int, poll time.Duration, queues ...string) {
	if workers <= 0 {
		workers = 1
	}
	if _, err := q.ReleaseStale(ctx); err != nil {
		q.log.Warn().Err(err).Msg("release stale jobs")
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			q.work(ctx, worker, poll, queues)
		}(i)
	}
	wg.Wait()
	q.log.Info().Msg("queue workers stopped")
}

func (q *Queue) work(ctx context.Context, worker int, poll time.Duration, queues []string) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		found, err := q.ProcessNext(ctx, queues...)
		if err != nil && ctx.Err() == nil {
			q.log.Error().Err(err).Int("worker", worker).Msg("claim job")
		}
		if found {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (q *Queue) claim(ctx context.Context, queues []string) (*jobRow, error) {
	now := q.now().UnixMilli()

	query := `
		UPDATE jobs SET status = 'running', attempts = attempts + 1, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'queued' AND available_at <= ?`
	args := []any{now, now}
	if len(queues) > 0 {
		query += ` AND queue IN (?)`
		args = append(args, queues)
	}
	query += `
			ORDER BY available_at, created_at
			LIMIT 1
		)
		RETURNING id, type, queue, payload, status, attempts, max_attempts, last_error, available_at, created_at, updated_at`

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, err
	}

	var row jobRow
	if err := q.db.GetContext(ctx, &row, q.db.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim: %w", err)
	}
	return &row, nil
}

func (q *Queue) execute(ctx context.Context, job *jobRow) {
	log := q.log.With().Str("job_id", job.ID).Str("job_type", job.Type).Int("attempt", job.Attempts).Logger()

	def, ok := q.definition(job.Type)
	if !ok {
		q.finish(ctx, job, models.JobFailed, ErrUnknownJobType.Error(), 0)
		log.Error().Msg("no handler registered")
		return
	}

	metrics.QueueJobsInFlight.Inc()
	defer metrics.QueueJobsInFlight.Dec()

	jctx, cancel := context.WithTimeout(ctx, def.Timeout)
	start := time.Now()
	err := call(jctx, def.Handler, job.Payload)
	cancel()
	metrics.QueueJobDuration.WithLabelValues(job.Type).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		q.finish(ctx, job, models.JobDone, "", 0)
		metrics.QueueJobsProcessed.WithLabelValues(job.Type, "done").Inc()

	case job.Attempts < job.MaxAttempts:
		delay := backoff(def.Backoff, job.Attempts)
		q.finish(ctx, job, models.JobQueued, err.Error(), delay)
		metrics.QueueJobsProcessed.WithLabelValues(job.Type, "retry").Inc()
		log.Warn().Err(err).Dur("retry_in", delay).Msg("job failed, retrying")

	default:
		q.finish(ctx, job, models.JobFailed, err.Error(), 0)
		metrics.QueueJobsProcessed.WithLabelValues(job.Type, "failed").Inc()
		log.Error().Err(err).Msg("job failed permanently")
		if def.Failed != nil {
			def.Failed(ctx, job.Payload, err)
		}
	}
}

func (q *Queue) finish(ctx context.Context, job *jobRow, status models.JobStatus, lastError string, delay time.Duration) {
	now := q.now()
	// A cancelled worker context must not leave the job stuck in running.
	wctx := context.WithoutCancel(ctx)
	_, err := q.db.ExecContext(wctx, `
		UPDATE jobs SET status = ?, last_error = ?, available_at = ?, updated_at = ?
		WHERE id = ?`,
		string(status), lastError, now.Add(delay).UnixMilli(), now.UnixMilli(), job.ID)
	if err != nil {
		q.log.Error().Err(err).Str("job_id", job.ID).Msg("update job status")
	}
}

// ReleaseStale requeues jobs left running past their timeout, typically by
// a crashed worker. Jobs already out of attempts are failed instead.
func (q *Queue) ReleaseStale(ctx context.Context) (int, error) {
	var running []jobRow
	err := q.db.SelectContext(ctx, &running, `
		SELECT id, type, queue, payload, status, attempts, max_attempts, last_error, available_at, created_at, updated_at
		FROM jobs WHERE status = 'running'`)
	if err != nil {
		return 0, err
	}

	now := q.now()
	released := 0
	for i := range running {
		job := &running[i]
		timeout := DefaultTimeout
		def, ok := q.definition(job.Type)
		if ok {
			timeout = def.Timeout
		}
		if now.Sub(time.UnixMilli(job.UpdatedAt)) < timeout+time.Minute {
			continue
		}

		status := models.JobQueued
		if job.Attempts >= job.MaxAttempts {
			status = models.JobFailed
		}
		won, err := q.release(ctx, job, status)
		if err != nil {
			q.log.Error().Err(err).Str("job_id", job.ID).Msg("release stale job")
			continue
		}
		if !won {
			continue
		}
		if status == models.JobFailed && ok && def.Failed != nil {
			def.Failed(ctx, job.Payload, errLostWorker)
		}
		released++
	}
	if released > 0 {
		q.log.Warn().Int("count", released).Msg("released stale jobs")
	}
	return released, nil
}

// release moves a stale running job on, only if it is still in the state
// that was read. It reports whether this caller made the change.
func (q *Queue) release(ctx context.Context, job *jobRow, status models.JobStatus) (bool, error) {
	now := q.now().UnixMilli()
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, last_error = ?, available_at = ?, updated_at = ?
		WHERE id = ? AND status = 'running' AND updated_at = ?`,
		string(status), errLostWorker.Error(), now, now, job.ID, job.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Get returns a job by id, or nil when it does not exist.
func (q *Queue) Get(ctx context.Context, id string) (*models.Job, error) {
	var row jobRow
	err := q.db.GetContext(ctx, &row, `
		SELECT id, type, queue, payload, status, attempts, max_attempts, last_error, available_at, created_at, updated_at
		FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.model(), nil
}

// Counts returns the number of jobs per status.
func (q *Queue) Counts(ctx context.Context) (map[models.JobStatus]int, error) {
	rows, err := q.db.QueryxContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[models.JobStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[models.JobStatus(status)] = n
	}
	return out, rows.Err()
}

func backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
}

func call(ctx context.Context, h Handler, payload json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h(ctx, payload)
}
