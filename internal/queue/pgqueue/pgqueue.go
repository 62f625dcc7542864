// Package pgqueue implements queue.Queue on a Postgres table. Workers claim
// jobs with FOR UPDATE SKIP LOCKED, so concurrent workers never share a job.
package pgqueue

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/animus-labs/simfarm/internal/queue"
)

//go:embed schema.sql
var schemaSQL string

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

const jobColumns = `job_id, queue, func, args, depends_on, meta, status, result, error, worker_id, enqueued_at, started_at, ended_at`

const (
	lockPredecessorQuery = `SELECT status FROM simfarm_jobs WHERE job_id = $1 FOR SHARE`

	insertJobQuery = `INSERT INTO simfarm_jobs (
		job_id,
		queue,
		func,
		args,
		depends_on,
		meta,
		status,
		error,
		enqueued_at,
		ended_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	RETURNING ` + jobColumns

	selectJobQuery = `SELECT ` + jobColumns + ` FROM simfarm_jobs WHERE job_id = $1`

	selectStatusQuery = `SELECT status FROM simfarm_jobs WHERE job_id = $1`

	selectMetaQuery = `SELECT meta FROM simfarm_jobs WHERE job_id = $1`

	mergeMetaQuery = `UPDATE simfarm_jobs SET meta = meta || $2::jsonb WHERE job_id = $1`

	claimJobQuery = `UPDATE simfarm_jobs
	 SET status = 'started', worker_id = $2, started_at = $3
	 WHERE job_id = (
		SELECT job_id FROM simfarm_jobs
		WHERE queue = $1 AND status = 'queued'
		ORDER BY seq ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	 )
	 RETURNING ` + jobColumns

	finishJobQuery = `UPDATE simfarm_jobs
	 SET status = 'finished', result = $2, ended_at = $3
	 WHERE job_id = $1 AND status = 'started'`

	releaseDependentsQuery = `UPDATE simfarm_jobs
	 SET status = 'queued'
	 WHERE depends_on = $1 AND status = 'deferred'`

	failJobQuery = `UPDATE simfarm_jobs
	 SET status = 'failed', error = $2, ended_at = $3
	 WHERE job_id = $1 AND status = 'started'`

	blockDependentsQuery = `WITH RECURSIVE blocked AS (
		SELECT job_id FROM simfarm_jobs WHERE depends_on = $1 AND status = 'deferred'
		UNION
		SELECT j.job_id FROM simfarm_jobs j JOIN blocked b ON j.depends_on = b.job_id
		WHERE j.status = 'deferred'
	 )
	 UPDATE simfarm_jobs
	 SET status = 'blocked', error = $2, ended_at = $3
	 WHERE job_id IN (SELECT job_id FROM blocked)`
)

const foreignKeyViolation = "23503"

type Queue struct {
	db    DB
	now   func() time.Time
	newID func() string
}

func New(db DB) *Queue {
	if db == nil {
		return nil
	}
	return &Queue{db: db, now: time.Now, newID: uuid.NewString}
}

// EnsureSchema creates the jobs table and its indexes when missing.
func EnsureSchema(ctx context.Context, db DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure queue schema: %w", err)
	}
	return nil
}

func (q *Queue) Enqueue(ctx context.Context, sub queue.Submission) (queue.Job, error) {
	if q == nil || q.db == nil {
		return queue.Job{}, fmt.Errorf("job queue not initialized")
	}
	sub, err := sub.Prepare()
	if err != nil {
		return queue.Job{}, err
	}
	argsJSON, err := json.Marshal(sub.Args)
	if err != nil {
		return queue.Job{}, &queue.SubmissionError{Func: sub.Func, Err: fmt.Errorf("encode args: %w", err)}
	}
	metaJSON, err := json.Marshal(sub.Meta)
	if err != nil {
		return queue.Job{}, &queue.SubmissionError{Func: sub.Func, Err: fmt.Errorf("encode meta: %w", err)}
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return queue.Job{}, &queue.SubmissionError{Func: sub.Func, Err: fmt.Errorf("begin: %w", err)}
	}
	defer func() { _ = tx.Rollback() }()

	var predecessor string
	if sub.DependsOn != "" {
		// FOR SHARE holds off a concurrent Finish/Fail of the predecessor until
		// this job is visible to its dependent release.
		if err := tx.QueryRowContext(ctx, lockPredecessorQuery, sub.DependsOn).Scan(&predecessor); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				err = fmt.Errorf("%w: depends_on %s", queue.ErrJobNotFound, sub.DependsOn)
			}
			return queue.Job{}, &queue.SubmissionError{Func: sub.Func, Err: err}
		}
	}

	enqueuedAt := q.now().UTC()
	status := queue.InitialStatus(sub.DependsOn != "", queue.Status(predecessor))
	var errMsg sql.NullString
	var endedAt sql.NullTime
	if status == queue.StatusBlocked {
		errMsg = sql.NullString{String: queue.BlockedReason(sub.DependsOn), Valid: true}
		endedAt = sql.NullTime{Time: enqueuedAt, Valid: true}
	}

	job, err := scanJob(tx.QueryRowContext(
		ctx,
		insertJobQuery,
		q.newID(),
		sub.Queue,
		sub.Func,
		argsJSON,
		nullIfEmpty(sub.DependsOn),
		metaJSON,
		string(status),
		errMsg,
		enqueuedAt,
		endedAt,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			err = fmt.Errorf("%w: depends_on %s", queue.ErrJobNotFound, sub.DependsOn)
		}
		return queue.Job{}, &queue.SubmissionError{Func: sub.Func, Err: fmt.Errorf("insert job: %w", err)}
	}
	if err := tx.Commit(); err != nil {
		return queue.Job{}, &queue.SubmissionError{Func: sub.Func, Err: fmt.Errorf("commit: %w", err)}
	}
	return job, nil
}

func (q *Queue) Job(ctx context.Context, id string) (queue.Job, error) {
	if q == nil || q.db == nil {
		return queue.Job{}, fmt.Errorf("job queue not initialized")
	}
	job, err := scanJob(q.db.QueryRowContext(ctx, selectJobQuery, strings.TrimSpace(id)))
	if err != nil {
		return queue.Job{}, handleNotFound(err, id)
	}
	return job, nil
}

func (q *Queue) Status(ctx context.Context, id string) (queue.Status, error) {
	if q == nil || q.db == nil {
		return "", fmt.Errorf("job queue not initialized")
	}
	var status string
	if err := q.db.QueryRowContext(ctx, selectStatusQuery, strings.TrimSpace(id)).Scan(&status); err != nil {
		return "", handleNotFound(err, id)
	}
	return queue.Status(status), nil
}

func (q *Queue) SetMeta(ctx context.Context, id string, meta queue.Meta) error {
	if q == nil || q.db == nil {
		return fmt.Errorf("job queue not initialized")
	}
	if err := meta.Validate(); err != nil {
		return err
	}
	metaJSON, err := json.Marshal(meta.Clone())
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	res, err := q.db.ExecContext(ctx, mergeMetaQuery, strings.TrimSpace(id), metaJSON)
	if err != nil {
		return fmt.Errorf("set meta: %w", err)
	}
	return requireRow(res, id)
}

func (q *Queue) Meta(ctx context.Context, id string) (queue.Meta, error) {
	if q == nil || q.db == nil {
		return nil, fmt.Errorf("job queue not initialized")
	}
	var raw []byte
	if err := q.db.QueryRowContext(ctx, selectMetaQuery, strings.TrimSpace(id)).Scan(&raw); err != nil {
		return nil, handleNotFound(err, id)
	}
	return decodeMeta(raw)
}

func (q *Queue) Claim(ctx context.Context, queueName, workerID string) (queue.Job, bool, error) {
	if q == nil || q.db == nil {
		return queue.Job{}, false, fmt.Errorf("job queue not initialized")
	}
	queueName = strings.TrimSpace(queueName)
	if queueName == "" {
		queueName = queue.DefaultQueue
	}
	job, err := scanJob(q.db.QueryRowContext(ctx, claimJobQuery, queueName, workerID, q.now().UTC()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return queue.Job{}, false, nil
		}
		return queue.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

func (q *Queue) Finish(ctx context.Context, id string, result []byte) error {
	return q.complete(ctx, id, finishJobQuery, releaseDependentsQuery, []any{result}, nil)
}

func (q *Queue) Fail(ctx context.Context, id string, message string) error {
	return q.complete(ctx, id, failJobQuery, blockDependentsQuery, []any{message}, []any{queue.BlockedReason(id)})
}

// complete moves a started job to its terminal state and updates its
// dependents in the same transaction.
func (q *Queue) complete(ctx context.Context, id, jobQuery, dependentsQuery string, jobArgs, dependentArgs []any) error {
	if q == nil || q.db == nil {
		return fmt.Errorf("job queue not initialized")
	}
	id = strings.TrimSpace(id)
	endedAt := q.now().UTC()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	args := append(append([]any{id}, jobArgs...), endedAt)
	res, err := tx.ExecContext(ctx, jobQuery, args...)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	} else if n == 0 {
		var status string
		if err := tx.QueryRowContext(ctx, selectStatusQuery, id).Scan(&status); err != nil {
			return handleNotFound(err, id)
		}
		return fmt.Errorf("%w: %s is %s", queue.ErrNotClaimed, id, status)
	}

	depArgs := []any{id}
	if len(dependentArgs) > 0 {
		depArgs = append(append(depArgs, dependentArgs...), endedAt)
	}
	if _, err := tx.ExecContext(ctx, dependentsQuery, depArgs...); err != nil {
		return fmt.Errorf("update dependents of %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type jobScanner interface {
	Scan(dest ...any) error
}

func scanJob(scanner jobScanner) (queue.Job, error) {
	var job queue.Job
	var status string
	var argsRaw, metaRaw []byte
	var dependsOn, errMsg, workerID sql.NullString
	var startedAt, endedAt sql.NullTime
	if err := scanner.Scan(
		&job.ID,
		&job.Queue,
		&job.Func,
		&argsRaw,
		&dependsOn,
		&metaRaw,
		&status,
		&job.Result,
		&errMsg,
		&workerID,
		&job.EnqueuedAt,
		&startedAt,
		&endedAt,
	); err != nil {
		return queue.Job{}, err
	}
	job.Status = queue.Status(status)
	job.DependsOn = dependsOn.String
	job.Error = errMsg.String
	job.WorkerID = workerID.String
	job.EnqueuedAt = job.EnqueuedAt.UTC()
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		job.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		job.EndedAt = &t
	}
	if len(argsRaw) > 0 {
		if err := json.Unmarshal(argsRaw, &job.Args); err != nil {
			return queue.Job{}, fmt.Errorf("decode args: %w", err)
		}
	}
	if job.Args == nil {
		job.Args = []string{}
	}
	meta, err := decodeMeta(metaRaw)
	if err != nil {
		return queue.Job{}, err
	}
	job.Meta = meta
	return job, nil
}

func decodeMeta(raw []byte) (queue.Meta, error) {
	meta := queue.Meta{}
	if len(raw) == 0 {
		return meta, nil
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}
	return meta, nil
}

func nullIfEmpty(value string) sql.NullString {
	if strings.TrimSpace(value) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func handleNotFound(err error, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", queue.ErrJobNotFound, id)
	}
	return err
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", queue.ErrJobNotFound, id)
	}
	return nil
}
