package store

import (
	"context"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/remiges-tech/batchserv/batch"
)

const jobColumns = `
batch_id, job_id, state, spec, always_run, cores_mcpu,
n_pending_parents, pool, attempt_id, status, msec_mcpu`

func scanJob(row pgx.Row) (*batch.JobRecord, error) {
	var j batch.JobRecord
	err := row.Scan(
		&j.BatchID, &j.JobID, &j.State, &j.Spec, &j.AlwaysRun, &j.CoresMcpu,
		&j.NPendingParents, &j.Pool, &j.AttemptID, &j.Status, &j.MsecMcpu)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// GetJob loads one job.
func (s *Store) GetJob(ctx context.Context, batchID int64, jobID int) (*batch.JobRecord, error) {
	return scanJob(s.db.QueryRow(ctx,
		`SELECT`+jobColumns+` FROM jobs WHERE batch_id = $1 AND job_id = $2`,
		batchID, jobID))
}

// ListJobs returns one page of a batch's jobs matching the query grammar,
// in job-id order, plus the cursor for the next page (0 when exhausted).
func (s *Store) ListJobs(ctx context.Context, batchID int64, q string, lastJobID int) ([]*batch.JobRecord, int, error) {
	where, args, err := buildJobListQuery(batchID, q, lastJobID)
	if err != nil {
		return nil, 0, err
	}
	rows, err := s.db.Query(ctx,
		`SELECT`+jobColumns+` FROM jobs
WHERE `+where+`
ORDER BY job_id
LIMIT `+strconv.Itoa(ListPageSize), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*batch.JobRecord
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var next int
	if len(out) == ListPageSize {
		next = out[len(out)-1].JobID
	}
	return out, next, nil
}

// GetAttempts returns every attempt of a job, oldest first.
func (s *Store) GetAttempts(ctx context.Context, batchID int64, jobID int) ([]*batch.AttemptRecord, error) {
	rows, err := s.db.Query(ctx, `
SELECT batch_id, job_id, attempt_id, instance_name, start_time, end_time, reason
FROM attempts
WHERE batch_id = $1 AND job_id = $2
ORDER BY start_time NULLS LAST, attempt_id`, batchID, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*batch.AttemptRecord
	for rows.Next() {
		var a batch.AttemptRecord
		if err := rows.Scan(&a.BatchID, &a.JobID, &a.AttemptID, &a.InstanceName,
			&a.StartTime, &a.EndTime, &a.Reason); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// ReadyJob is one schedulable job sampled by the scheduler loop.
type ReadyJob struct {
	BatchID   int64
	JobID     int
	CoresMcpu int
	AlwaysRun bool
	UserName  string
	Spec      []byte
	Cancelled bool
}

// ReadyJobsForPool samples Ready jobs for a pool in (batch_id, job_id)
// order. Jobs of cancelled batches are included only when always_run; the
// batch must be closed and not deleted.
func (s *Store) ReadyJobsForPool(ctx context.Context, pool string, limit int) ([]ReadyJob, error) {
	rows, err := s.db.Query(ctx, `
SELECT j.batch_id, j.job_id, j.cores_mcpu, j.always_run, b.user_name, j.spec, b.cancelled
FROM jobs j
JOIN batches b ON b.id = j.batch_id
WHERE j.state = 'Ready' AND j.pool = $1
  AND b.closed AND NOT b.deleted
  AND (NOT b.cancelled OR j.always_run)
ORDER BY j.batch_id, j.job_id
LIMIT $2`, pool, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReadyJob
	for rows.Next() {
		var rj ReadyJob
		if err := rows.Scan(&rj.BatchID, &rj.JobID, &rj.CoresMcpu, &rj.AlwaysRun,
			&rj.UserName, &rj.Spec, &rj.Cancelled); err != nil {
			return nil, err
		}
		out = append(out, rj)
	}
	return out, rows.Err()
}

// LiveAttempt is a running attempt and the job it belongs to.
type LiveAttempt struct {
	BatchID      int64
	JobID        int
	AttemptID    string
	InstanceName string
	CoresMcpu    int
	AlwaysRun    bool
}

// LiveAttemptsForBatch returns the open attempts of a batch's Running
// jobs, for cancel and delete fan-out.
func (s *Store) LiveAttemptsForBatch(ctx context.Context, batchID int64) ([]LiveAttempt, error) {
	return s.liveAttempts(ctx, `
SELECT a.batch_id, a.job_id, a.attempt_id, a.instance_name, j.cores_mcpu, j.always_run
FROM attempts a
JOIN jobs j ON j.batch_id = a.batch_id AND j.job_id = a.job_id
WHERE a.batch_id = $1 AND a.end_time IS NULL AND j.state = 'Running'`, batchID)
}

// LiveAttemptsOnInstance returns the open attempts bound to an instance,
// for loss reconciliation and free-core recomputation.
func (s *Store) LiveAttemptsOnInstance(ctx context.Context, instanceName string) ([]LiveAttempt, error) {
	return s.liveAttempts(ctx, `
SELECT a.batch_id, a.job_id, a.attempt_id, a.instance_name, j.cores_mcpu, j.always_run
FROM attempts a
JOIN jobs j ON j.batch_id = a.batch_id AND j.job_id = a.job_id
WHERE a.instance_name = $1 AND a.end_time IS NULL AND j.state = 'Running'`, instanceName)
}

func (s *Store) liveAttempts(ctx context.Context, sql string, args ...any) ([]LiveAttempt, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LiveAttempt
	for rows.Next() {
		var la LiveAttempt
		if err := rows.Scan(&la.BatchID, &la.JobID, &la.AttemptID, &la.InstanceName,
			&la.CoresMcpu, &la.AlwaysRun); err != nil {
			return nil, err
		}
		out = append(out, la)
	}
	return out, rows.Err()
}

// GetBunchToken finds the object-store bunch holding a job's full spec:
// the bunch with the greatest start_job_id not exceeding jobID.
func (s *Store) GetBunchToken(ctx context.Context, batchID int64, jobID int) (token string, startJobID int, err error) {
	err = s.db.QueryRow(ctx, `
SELECT token, start_job_id FROM batch_bunches
WHERE batch_id = $1 AND start_job_id <= $2
ORDER BY start_job_id DESC
LIMIT 1`, batchID, jobID).Scan(&token, &startJobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", 0, ErrNotFound
	}
	return token, startJobID, err
}

// JobAttributes returns a job's attribute rows.
func (s *Store) JobAttributes(ctx context.Context, batchID int64, jobID int) (map[string]string, error) {
	rows, err := s.db.Query(ctx, `
SELECT key, value FROM job_attributes WHERE batch_id = $1 AND job_id = $2`,
		batchID, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attrs := make(map[string]string)
	for rows.Next() {
		var k string
		var v *string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		if v != nil {
			attrs[k] = *v
		} else {
			attrs[k] = ""
		}
	}
	return attrs, rows.Err()
}
