package store

import (
	"context"
	"errors"
	"math/rand"

	"github.com/jackc/pgx/v5"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/batchserv/batch"
)

// The transactional procedures. Each one runs in a single transaction and
// leaves the per-(batch, pool) counter shards and the batch aggregate
// counters consistent with a full scan of the jobs table.

// NCounterShards is the token fan-out of the counter shard tables.
const NCounterShards = 32

func addStaging(ctx context.Context, tx pgx.Tx, batchID int64, pool string, dJobs, dReady int, dCores int64) error {
	if dJobs == 0 && dReady == 0 && dCores == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
INSERT INTO batch_pool_staging (batch_id, pool, token, n_jobs, n_ready_jobs, ready_cores_mcpu)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (batch_id, pool, token) DO UPDATE SET
    n_jobs = batch_pool_staging.n_jobs + EXCLUDED.n_jobs,
    n_ready_jobs = batch_pool_staging.n_ready_jobs + EXCLUDED.n_ready_jobs,
    ready_cores_mcpu = batch_pool_staging.ready_cores_mcpu + EXCLUDED.ready_cores_mcpu`,
		batchID, pool, rand.Intn(NCounterShards), dJobs, dReady, dCores)
	return err
}

func addCancellable(ctx context.Context, tx pgx.Tx, batchID int64, pool string, dJobs int, dCores int64) error {
	if dJobs == 0 && dCores == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
INSERT INTO batch_pool_cancellable (batch_id, pool, token, n_ready_cancellable_jobs, ready_cancellable_cores_mcpu)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (batch_id, pool, token) DO UPDATE SET
    n_ready_cancellable_jobs = batch_pool_cancellable.n_ready_cancellable_jobs + EXCLUDED.n_ready_cancellable_jobs,
    ready_cancellable_cores_mcpu = batch_pool_cancellable.ready_cancellable_cores_mcpu + EXCLUDED.ready_cancellable_cores_mcpu`,
		batchID, pool, rand.Intn(NCounterShards), dJobs, dCores)
	return err
}

// CreateBatchParams describes a new batch.
type CreateBatchParams struct {
	UserName       string
	BillingProject string
	Token          string
	NJobs          int
	Callback       *string
	Attributes     map[string]string
	UserData       []byte
	FormatVersion  int
}

// CreateBatch inserts a batch, idempotent on (user, token): a retried
// create returns the prior id unchanged.
func (s *Store) CreateBatch(ctx context.Context, p CreateBatchParams) (int64, error) {
	if p.FormatVersion == 0 {
		p.FormatVersion = batch.CurrentFormatVersion
	}
	var id int64
	err := s.RunTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
SELECT id FROM batches WHERE user_name = $1 AND token = $2 FOR UPDATE`,
			p.UserName, p.Token).Scan(&id)
		if err == nil {
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		var attrs any
		if len(p.Attributes) > 0 {
			attrs = p.Attributes
		}
		err = tx.QueryRow(ctx, `
INSERT INTO batches (user_name, billing_project, token, n_jobs, callback,
                     attributes, userdata, format_version, time_created)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING id`,
			p.UserName, p.BillingProject, p.Token, p.NJobs, p.Callback,
			attrs, p.UserData, p.FormatVersion, batch.TimeMsecs()).Scan(&id)
		if err != nil {
			if IsUniqueViolation(err) {
				// lost the race to a concurrent create with the same token
				return tx.QueryRow(ctx, `
SELECT id FROM batches WHERE user_name = $1 AND token = $2`,
					p.UserName, p.Token).Scan(&id)
			}
			return err
		}

		for k, v := range p.Attributes {
			if _, err := tx.Exec(ctx, `
INSERT INTO batch_attributes (batch_id, key, value) VALUES ($1, $2, $3)`,
				id, k, v); err != nil {
				return err
			}
		}
		return nil
	})
	return id, err
}

// JobInsert is one job of a bunch.
type JobInsert struct {
	JobID      int
	State      batch.JobState
	Spec       []byte
	AlwaysRun  bool
	CoresMcpu  int
	Pool       string
	Parents    []int
	Attributes map[string]string
}

// CreateJobs inserts a bunch of jobs with their parents and attributes and
// updates the staging counters, all in one transaction. A fresh bunch
// must start at the batch's first unused job id, so ids stay contiguous
// from 1 across bunches. The bunch is idempotent by the first
// (batch, job) primary-key collision: a replayed insert returns success
// without re-inserting. bunchToken, when non-empty,
// records where the bunch's full specs live in the object store.
func (s *Store) CreateJobs(ctx context.Context, batchID int64, bunchToken string, jobs []JobInsert) error {
	if len(jobs) == 0 {
		return nil
	}
	return s.RunTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var closed, deleted bool
		err := tx.QueryRow(ctx, `
SELECT closed, deleted FROM batches WHERE id = $1 FOR UPDATE`, batchID).
			Scan(&closed, &deleted)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if deleted {
			return ErrNotFound
		}
		if closed {
			return WrongStateError{Entity: "batch", State: "closed"}
		}

		var maxJobID int
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(job_id), 0) FROM jobs WHERE batch_id = $1`, batchID).
			Scan(&maxJobID); err != nil {
			return err
		}

		type delta struct {
			nJobs, nReady    int
			readyCores       int64
			nCancellable     int
			cancellableCores int64
		}
		deltas := make(map[string]*delta)

		for i, j := range jobs {
			tag, err := tx.Exec(ctx, `
INSERT INTO jobs (batch_id, job_id, state, spec, always_run, cores_mcpu,
                  n_pending_parents, pool)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (batch_id, job_id) DO NOTHING`,
				batchID, j.JobID, j.State, j.Spec, j.AlwaysRun, j.CoresMcpu,
				len(j.Parents), j.Pool)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				if i == 0 {
					// the whole bunch was inserted by an earlier retry
					return nil
				}
				return Validationf("job %d already exists in batch %d", j.JobID, batchID)
			}
			if i == 0 && j.JobID != maxJobID+1 {
				return Validationf("bunch must start at job id %d, not %d", maxJobID+1, j.JobID)
			}

			for _, parent := range j.Parents {
				if _, err := tx.Exec(ctx, `
INSERT INTO job_parents (batch_id, job_id, parent_id) VALUES ($1, $2, $3)`,
					batchID, j.JobID, parent); err != nil {
					if IsUniqueViolation(err) {
						return Validationf("duplicate parent %d for job %d", parent, j.JobID)
					}
					return err
				}
			}
			for k, v := range j.Attributes {
				if _, err := tx.Exec(ctx, `
INSERT INTO job_attributes (batch_id, job_id, key, value) VALUES ($1, $2, $3, $4)`,
					batchID, j.JobID, k, v); err != nil {
					return err
				}
			}

			d := deltas[j.Pool]
			if d == nil {
				d = &delta{}
				deltas[j.Pool] = d
			}
			d.nJobs++
			if j.State == batch.JobStateReady {
				d.nReady++
				d.readyCores += int64(j.CoresMcpu)
				if !j.AlwaysRun {
					d.nCancellable++
					d.cancellableCores += int64(j.CoresMcpu)
				}
			}
		}

		for pool, d := range deltas {
			if err := addStaging(ctx, tx, batchID, pool, d.nJobs, d.nReady, d.readyCores); err != nil {
				return err
			}
			if err := addCancellable(ctx, tx, batchID, pool, d.nCancellable, d.cancellableCores); err != nil {
				return err
			}
		}

		if bunchToken != "" {
			if _, err := tx.Exec(ctx, `
INSERT INTO batch_bunches (batch_id, start_job_id, token) VALUES ($1, $2, $3)
ON CONFLICT (batch_id, start_job_id) DO NOTHING`,
				batchID, jobs[0].JobID, bunchToken); err != nil {
				return err
			}
		}
		return nil
	})
}

// CloseBatch verifies the declared job count, marks the batch running and
// returns the updated record. Closing an already-closed batch is a no-op.
// A batch with zero jobs completes immediately; completedNow is true only
// for the close that did so, which is the caller's cue to fire the
// completion callback.
func (s *Store) CloseBatch(ctx context.Context, batchID int64) (*batch.BatchRecord, bool, error) {
	var out *batch.BatchRecord
	var completedNow bool
	err := s.RunTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		completedNow = false

		var nJobs, nCompleted int
		var closed, deleted bool
		err := tx.QueryRow(ctx, `
SELECT n_jobs, n_completed, closed, deleted FROM batches WHERE id = $1 FOR UPDATE`,
			batchID).Scan(&nJobs, &nCompleted, &closed, &deleted)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if deleted {
			return ErrNotFound
		}

		if !closed {
			var actual int
			if err := tx.QueryRow(ctx,
				`SELECT COUNT(*) FROM jobs WHERE batch_id = $1`, batchID).Scan(&actual); err != nil {
				return err
			}
			if actual != nJobs {
				return WrongJobCountError{Expected: nJobs, Actual: actual}
			}

			if nCompleted == nJobs {
				_, err = tx.Exec(ctx, `
UPDATE batches SET closed = TRUE, state = 'complete', time_completed = $2
WHERE id = $1`, batchID, batch.TimeMsecs())
				completedNow = true
			} else {
				_, err = tx.Exec(ctx, `
UPDATE batches SET closed = TRUE, state = 'running' WHERE id = $1`, batchID)
			}
			if err != nil {
				return err
			}
		}

		out, err = scanBatch(tx.QueryRow(ctx,
			`SELECT`+batchColumns+` FROM batches WHERE id = $1`, batchID))
		return err
	})
	return out, completedNow, err
}

// CancelBatchResult reports what cancellation did. Live holds the running
// attempts whose workers must be told to abort; BatchCompleted is true
// only when this cancellation itself finished the batch, which is the
// caller's cue to fire the completion callback.
type CancelBatchResult struct {
	Live           []LiveAttempt
	Batch          *batch.BatchRecord
	BatchCompleted bool
}

// CancelBatch flags the batch cancelled, transitions its non-terminal,
// non-always-run Pending and Ready jobs to Cancelled and wakes the
// children of the jobs it cancelled, so an always_run child whose last
// pending parent was cancelled still becomes Ready and runs. Cancelling
// an open batch is a WrongState error; re-cancelling is a no-op.
func (s *Store) CancelBatch(ctx context.Context, batchID int64) (CancelBatchResult, error) {
	var res CancelBatchResult
	err := s.RunTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		res = CancelBatchResult{}

		var closed, deleted bool
		err := tx.QueryRow(ctx, `
SELECT closed, deleted FROM batches WHERE id = $1 FOR UPDATE`,
			batchID).Scan(&closed, &deleted)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if deleted {
			return ErrNotFound
		}
		if !closed {
			return WrongStateError{Entity: "batch", State: "open"}
		}

		// flag first: the child wake below must see the batch cancelled
		if _, err := tx.Exec(ctx, `
UPDATE batches SET cancelled = TRUE WHERE id = $1`, batchID); err != nil {
			return err
		}

		// back the cancelled Ready jobs out of the scheduling counters
		rows, err := tx.Query(ctx, `
SELECT pool, COUNT(*), COALESCE(SUM(cores_mcpu), 0)
FROM jobs
WHERE batch_id = $1 AND state = 'Ready' AND NOT always_run
GROUP BY pool`, batchID)
		if err != nil {
			return err
		}
		type readyDelta struct {
			pool  string
			n     int
			cores int64
		}
		var readyDeltas []readyDelta
		for rows.Next() {
			var d readyDelta
			if err := rows.Scan(&d.pool, &d.n, &d.cores); err != nil {
				rows.Close()
				return err
			}
			readyDeltas = append(readyDeltas, d)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, d := range readyDeltas {
			if err := addStaging(ctx, tx, batchID, d.pool, 0, -d.n, -d.cores); err != nil {
				return err
			}
			if err := addCancellable(ctx, tx, batchID, d.pool, -d.n, -d.cores); err != nil {
				return err
			}
		}

		rows, err = tx.Query(ctx, `
UPDATE jobs SET state = 'Cancelled'
WHERE batch_id = $1 AND state IN ('Pending', 'Ready') AND NOT always_run
RETURNING job_id`, batchID)
		if err != nil {
			return err
		}
		var cancelledIDs []int
		for rows.Next() {
			var id int
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			cancelledIDs = append(cancelledIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		// each directly cancelled job counts toward completion, and its
		// children still need waking: an always_run child whose last
		// pending parent was just cancelled becomes Ready here
		counters := &batchCounterDeltas{}
		for _, jobID := range cancelledIDs {
			counters.count(batch.JobStateCancelled)
			if err := s.wakeChildrenTx(ctx, tx, batchID, jobID, counters); err != nil {
				return err
			}
		}

		s.logger.LogDataChange("batch cancelled", logharbour.ChangeInfo{
			Entity: "Batch",
			Op:     "Cancel",
			Changes: []logharbour.ChangeDetail{
				{Field: "cancelled", OldVal: false, NewVal: true},
			},
		})

		var mres MarkJobCompleteResult
		if err := s.finishBatchTx(ctx, tx, batchID, counters, &mres); err != nil {
			return err
		}
		res.Batch = mres.Batch
		res.BatchCompleted = mres.BatchCompleted

		res.Live, err = s.liveAttemptsTx(ctx, tx, batchID, false)
		return err
	})
	return res, err
}

// DeleteBatch flags the batch deleted (and cancelled, so the scheduler
// skips it) and returns the live attempts to abort.
func (s *Store) DeleteBatch(ctx context.Context, batchID int64) ([]LiveAttempt, error) {
	var live []LiveAttempt
	err := s.RunTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
UPDATE batches SET deleted = TRUE, cancelled = TRUE WHERE id = $1`, batchID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		live, err = s.liveAttemptsTx(ctx, tx, batchID, true)
		return err
	})
	return live, err
}

func (s *Store) liveAttemptsTx(ctx context.Context, tx pgx.Tx, batchID int64, includeAlwaysRun bool) ([]LiveAttempt, error) {
	sql := `
SELECT a.batch_id, a.job_id, a.attempt_id, a.instance_name, j.cores_mcpu, j.always_run
FROM attempts a
JOIN jobs j ON j.batch_id = a.batch_id AND j.job_id = a.job_id
WHERE a.batch_id = $1 AND a.end_time IS NULL AND j.state = 'Running'`
	if !includeAlwaysRun {
		sql += ` AND NOT j.always_run`
	}
	rows, err := tx.Query(ctx, sql, batchID)
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

// ScheduleJob binds a Ready job to an instance: inserts the attempt row,
// moves the job to Running and backs its cores out of the ready counters.
// Returns WrongStateError if the job is no longer Ready or the batch was
// cancelled or deleted meanwhile; the scheduler must then roll back its
// in-memory core reservation.
func (s *Store) ScheduleJob(ctx context.Context, batchID int64, jobID int, attemptID, instanceName string) error {
	return s.RunTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var state batch.JobState
		var coresMcpu int
		var alwaysRun bool
		var pool string
		var cancelled, deleted, closed bool
		err := tx.QueryRow(ctx, `
SELECT j.state, j.cores_mcpu, j.always_run, j.pool, b.cancelled, b.deleted, b.closed
FROM jobs j
JOIN batches b ON b.id = j.batch_id
WHERE j.batch_id = $1 AND j.job_id = $2
FOR UPDATE OF j`, batchID, jobID).
			Scan(&state, &coresMcpu, &alwaysRun, &pool, &cancelled, &deleted, &closed)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if state != batch.JobStateReady {
			return WrongStateError{Entity: "job", State: string(state)}
		}
		if deleted || !closed || (cancelled && !alwaysRun) {
			return WrongStateError{Entity: "batch", State: "cancelled"}
		}

		if _, err := tx.Exec(ctx, `
INSERT INTO attempts (batch_id, job_id, attempt_id, instance_name)
VALUES ($1, $2, $3, $4)`,
			batchID, jobID, attemptID, instanceName); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
UPDATE jobs SET state = 'Running', attempt_id = $3, n_attempts = n_attempts + 1
WHERE batch_id = $1 AND job_id = $2`, batchID, jobID, attemptID); err != nil {
			return err
		}

		if err := addStaging(ctx, tx, batchID, pool, 0, -1, -int64(coresMcpu)); err != nil {
			return err
		}
		if !alwaysRun {
			if err := addCancellable(ctx, tx, batchID, pool, -1, -int64(coresMcpu)); err != nil {
				return err
			}
		}
		return nil
	})
}

// UnscheduleJob closes a Running job's open attempt and returns the job to
// Ready, for cancel drains and instance-loss reconciliation. Returns the
// job's attempt count so the caller can enforce the attempt budget.
func (s *Store) UnscheduleJob(ctx context.Context, batchID int64, jobID int, attemptID string, endTime int64, reason string) (int, error) {
	var nAttempts int
	err := s.RunTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var state batch.JobState
		var currentAttempt *string
		var coresMcpu int
		var alwaysRun bool
		var pool string
		err := tx.QueryRow(ctx, `
SELECT state, attempt_id, cores_mcpu, always_run, pool, n_attempts
FROM jobs WHERE batch_id = $1 AND job_id = $2 FOR UPDATE`,
			batchID, jobID).
			Scan(&state, &currentAttempt, &coresMcpu, &alwaysRun, &pool, &nAttempts)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if state != batch.JobStateRunning || currentAttempt == nil || *currentAttempt != attemptID {
			return WrongStateError{Entity: "job", State: string(state)}
		}

		if _, err := tx.Exec(ctx, `
UPDATE attempts SET end_time = $4, reason = $5
WHERE batch_id = $1 AND job_id = $2 AND attempt_id = $3 AND end_time IS NULL`,
			batchID, jobID, attemptID, endTime, reason); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
UPDATE jobs SET state = 'Ready', attempt_id = NULL
WHERE batch_id = $1 AND job_id = $2`, batchID, jobID); err != nil {
			return err
		}

		if err := addStaging(ctx, tx, batchID, pool, 0, 1, int64(coresMcpu)); err != nil {
			return err
		}
		if !alwaysRun {
			if err := addCancellable(ctx, tx, batchID, pool, 1, int64(coresMcpu)); err != nil {
				return err
			}
		}
		return nil
	})
	return nAttempts, err
}

// MarkJobStarted records an attempt's start time. Idempotent; a repeat or
// late report after the attempt ended is ignored.
func (s *Store) MarkJobStarted(ctx context.Context, batchID int64, jobID int, attemptID string, startTime int64) error {
	_, err := s.db.Exec(ctx, `
UPDATE attempts SET start_time = $4
WHERE batch_id = $1 AND job_id = $2 AND attempt_id = $3 AND start_time IS NULL`,
		batchID, jobID, attemptID, startTime)
	return err
}
