package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/batchserv/batch"
)

// MarkJobCompleteParams is a worker's (or the driver's) terminal report
// for one attempt. (BatchID, JobID, AttemptID) is the idempotency key.
type MarkJobCompleteParams struct {
	BatchID   int64
	JobID     int
	AttemptID string
	NewState  batch.JobState
	Status    []byte
	StartTime *int64
	EndTime   *int64
	Reason    string
}

// MarkJobCompleteResult reports what the transition did, for the driver's
// in-memory bookkeeping and for firing the completion callback.
type MarkJobCompleteResult struct {
	OldState       batch.JobState
	CoresMcpu      int
	InstanceName   string
	Batch          *batch.BatchRecord
	BatchCompleted bool
}

// MarkJobComplete transitions a job to a terminal state and propagates:
// parents' completion wakes children, batch aggregate counters advance and
// the batch completes when its last job does. A repeat call on an already
// terminal job is a no-op returning the prior state. BatchCompleted is
// true only for the call that completed the batch, which makes the
// completion callback fire exactly once.
func (s *Store) MarkJobComplete(ctx context.Context, p MarkJobCompleteParams) (MarkJobCompleteResult, error) {
	if !p.NewState.IsComplete() {
		return MarkJobCompleteResult{}, Validationf("invalid terminal state %q", p.NewState)
	}

	var res MarkJobCompleteResult
	err := s.RunTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		res = MarkJobCompleteResult{}

		var state batch.JobState
		var coresMcpu int
		var alwaysRun bool
		var pool string
		var currentAttempt *string
		err := tx.QueryRow(ctx, `
SELECT state, cores_mcpu, always_run, pool, attempt_id
FROM jobs WHERE batch_id = $1 AND job_id = $2 FOR UPDATE`,
			p.BatchID, p.JobID).
			Scan(&state, &coresMcpu, &alwaysRun, &pool, &currentAttempt)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		res.OldState = state
		res.CoresMcpu = coresMcpu

		if state.IsComplete() {
			// replayed worker report; first terminal wins
			return nil
		}

		var msecMcpu int64
		if p.AttemptID != "" {
			var instanceName string
			var startTime, endTime *int64
			err := tx.QueryRow(ctx, `
UPDATE attempts SET
    start_time = COALESCE(start_time, $4),
    end_time = COALESCE($5, end_time),
    reason = $6
WHERE batch_id = $1 AND job_id = $2 AND attempt_id = $3
RETURNING instance_name, start_time, end_time`,
				p.BatchID, p.JobID, p.AttemptID, p.StartTime, p.EndTime, p.Reason).
				Scan(&instanceName, &startTime, &endTime)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
			if err == nil {
				res.InstanceName = instanceName
				if startTime != nil && endTime != nil && *endTime > *startTime {
					msecMcpu = (*endTime - *startTime) * int64(coresMcpu)
				}
			}
		}

		if state == batch.JobStateReady {
			// completing without ever running (dispatch failure, cancel)
			if err := addStaging(ctx, tx, p.BatchID, pool, 0, -1, -int64(coresMcpu)); err != nil {
				return err
			}
			if !alwaysRun {
				if err := addCancellable(ctx, tx, p.BatchID, pool, -1, -int64(coresMcpu)); err != nil {
					return err
				}
			}
		}

		if _, err := tx.Exec(ctx, `
UPDATE jobs SET state = $3, status = $4, msec_mcpu = msec_mcpu + $5
WHERE batch_id = $1 AND job_id = $2`,
			p.BatchID, p.JobID, p.NewState, p.Status, msecMcpu); err != nil {
			return err
		}

		s.logger.LogDataChange("job completed", logharbour.ChangeInfo{
			Entity: "Job",
			Op:     "Complete",
			Changes: []logharbour.ChangeDetail{
				{Field: "state", OldVal: string(state), NewVal: string(p.NewState)},
			},
		})

		counters := &batchCounterDeltas{msecMcpu: msecMcpu}
		counters.count(p.NewState)

		if err := s.wakeChildrenTx(ctx, tx, p.BatchID, p.JobID, counters); err != nil {
			return err
		}

		return s.finishBatchTx(ctx, tx, p.BatchID, counters, &res)
	})
	return res, err
}

// batchCounterDeltas accumulates batch aggregate changes across one
// completion and its cancellation cascade.
type batchCounterDeltas struct {
	nCompleted int
	nSucceeded int
	nFailed    int
	nCancelled int
	msecMcpu   int64
}

func (d *batchCounterDeltas) count(state batch.JobState) {
	d.nCompleted++
	switch state {
	case batch.JobStateSuccess:
		d.nSucceeded++
	case batch.JobStateCancelled:
		d.nCancelled++
	default:
		d.nFailed++
	}
}

// wakeChildrenTx decrements the pending-parent counts of the completed
// job's children. A child whose count reaches zero becomes Ready when all
// its parents succeeded (or it is always_run and the batch not deleted),
// and Cancelled otherwise; a cancelled child cascades to its own children.
func (s *Store) wakeChildrenTx(ctx context.Context, tx pgx.Tx, batchID int64, jobID int, d *batchCounterDeltas) error {
	var cancelled bool
	if err := tx.QueryRow(ctx,
		`SELECT cancelled FROM batches WHERE id = $1`, batchID).Scan(&cancelled); err != nil {
		return err
	}

	work := []int{jobID}
	for len(work) > 0 {
		parent := work[0]
		work = work[1:]

		rows, err := tx.Query(ctx, `
UPDATE jobs SET n_pending_parents = n_pending_parents - 1
WHERE batch_id = $1 AND job_id IN (
    SELECT job_id FROM job_parents WHERE batch_id = $1 AND parent_id = $2)
  AND state = 'Pending'
RETURNING job_id, n_pending_parents, always_run, cores_mcpu, pool`,
			batchID, parent)
		if err != nil {
			return err
		}
		type child struct {
			jobID     int
			pending   int
			alwaysRun bool
			coresMcpu int
			pool      string
		}
		var children []child
		for rows.Next() {
			var c child
			if err := rows.Scan(&c.jobID, &c.pending, &c.alwaysRun, &c.coresMcpu, &c.pool); err != nil {
				rows.Close()
				return err
			}
			children = append(children, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, c := range children {
			if c.pending > 0 {
				continue
			}

			var parentsOK bool
			if err := tx.QueryRow(ctx, `
SELECT NOT EXISTS (
    SELECT 1 FROM job_parents jp
    JOIN jobs pj ON pj.batch_id = jp.batch_id AND pj.job_id = jp.parent_id
    WHERE jp.batch_id = $1 AND jp.job_id = $2 AND pj.state <> 'Success')`,
				batchID, c.jobID).Scan(&parentsOK); err != nil {
				return err
			}

			runnable := parentsOK || c.alwaysRun
			if cancelled && !c.alwaysRun {
				runnable = false
			}

			if runnable {
				if _, err := tx.Exec(ctx, `
UPDATE jobs SET state = 'Ready' WHERE batch_id = $1 AND job_id = $2`,
					batchID, c.jobID); err != nil {
					return err
				}
				if err := addStaging(ctx, tx, batchID, c.pool, 0, 1, int64(c.coresMcpu)); err != nil {
					return err
				}
				if !c.alwaysRun {
					if err := addCancellable(ctx, tx, batchID, c.pool, 1, int64(c.coresMcpu)); err != nil {
						return err
					}
				}
			} else {
				if _, err := tx.Exec(ctx, `
UPDATE jobs SET state = 'Cancelled' WHERE batch_id = $1 AND job_id = $2`,
					batchID, c.jobID); err != nil {
					return err
				}
				d.count(batch.JobStateCancelled)
				work = append(work, c.jobID)
			}
		}
	}
	return nil
}

// finishBatchTx applies the accumulated counter deltas and completes the
// batch if its last job just finished. res.BatchCompleted is set only when
// this call flipped time_completed from NULL.
func (s *Store) finishBatchTx(ctx context.Context, tx pgx.Tx, batchID int64, d *batchCounterDeltas, res *MarkJobCompleteResult) error {
	if _, err := tx.Exec(ctx, `
UPDATE batches SET
    n_completed = n_completed + $2,
    n_succeeded = n_succeeded + $3,
    n_failed = n_failed + $4,
    n_cancelled = n_cancelled + $5,
    msec_mcpu = msec_mcpu + $6
WHERE id = $1`,
		batchID, d.nCompleted, d.nSucceeded, d.nFailed, d.nCancelled, d.msecMcpu); err != nil {
		return err
	}

	var completedNow bool
	err := tx.QueryRow(ctx, `
UPDATE batches SET state = 'complete', time_completed = $2
WHERE id = $1 AND closed AND n_completed = n_jobs AND time_completed IS NULL
RETURNING TRUE`, batchID, batch.TimeMsecs()).Scan(&completedNow)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	b, err := scanBatch(tx.QueryRow(ctx,
		`SELECT`+batchColumns+` FROM batches WHERE id = $1`, batchID))
	if err != nil {
		return err
	}
	res.Batch = b
	res.BatchCompleted = completedNow
	return nil
}
