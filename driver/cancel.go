package driver

import (
	"context"
	"errors"
	"time"

	"github.com/remiges-tech/batchserv/batch"
	"github.com/remiges-tech/batchserv/store"
)

// CancelBatch flags the batch cancelled, then drains: each live attempt's
// worker gets a delete RPC and the attempt is terminalized as Cancelled.
// The delete may race a success report; the store's first-terminal-wins
// rule resolves it. When cancellation alone finished the batch (no live
// attempts remained), the completion callback fires from here.
func (d *Driver) CancelBatch(ctx context.Context, batchID int64) error {
	res, err := d.store.CancelBatch(ctx, batchID)
	if err != nil {
		return err
	}
	d.drainAttempts(ctx, res.Live, batch.ReasonCancelled)
	if res.BatchCompleted {
		d.BatchCompleted(ctx, res.Batch)
	}
	d.cancelEvent.Signal()
	d.SignalSchedulers()
	return nil
}

// DeleteBatch flags the batch deleted, aborts its in-flight work and
// removes its logs and specs from the object store.
func (d *Driver) DeleteBatch(ctx context.Context, batchID int64) error {
	live, err := d.store.DeleteBatch(ctx, batchID)
	if err != nil {
		return err
	}
	d.drainAttempts(ctx, live, batch.ReasonCancelled)
	d.deleteEvent.Signal()
	d.SignalSchedulers()
	return nil
}

// drainAttempts aborts live attempts on their workers and records the
// terminal transition. It returns the number of attempts it could not
// drain; the fan-out loops retry those on a later pass.
func (d *Driver) drainAttempts(ctx context.Context, live []store.LiveAttempt, reason string) int {
	failed := 0
	for _, la := range live {
		inst, ok := d.registry.Get(la.InstanceName)
		if ok {
			if err := d.worker.DeleteJob(ctx, inst.IPAddress, la.BatchID, la.JobID); err != nil {
				d.logger.Warn().LogActivity("abort delete failed", map[string]any{
					"batch_id": la.BatchID, "job_id": la.JobID,
					"instance": la.InstanceName, "error": err.Error(),
				})
				failed++
				continue
			}
		}

		end := batch.TimeMsecs()
		res, err := d.store.MarkJobComplete(ctx, store.MarkJobCompleteParams{
			BatchID:   la.BatchID,
			JobID:     la.JobID,
			AttemptID: la.AttemptID,
			NewState:  batch.JobStateCancelled,
			EndTime:   &end,
			Reason:    reason,
		})
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				d.logger.Error(err).LogActivity("could not terminalize aborted attempt", map[string]any{
					"batch_id": la.BatchID, "job_id": la.JobID,
				})
				failed++
			}
			continue
		}
		d.afterCompletion(ctx, res)
	}
	return failed
}

// cancelLoop re-drives cancel fan-out for batches whose drain was cut
// short by a worker outage or a driver restart. Every step is idempotent.
func (d *Driver) cancelLoop(ctx context.Context) {
	d.fanOutLoop(ctx, d.cancelEvent, d.cancelOnePass)
}

func (d *Driver) cancelOnePass(ctx context.Context) error {
	ids, err := d.store.CancelledBatchIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		live, err := d.store.LiveAttemptsForBatch(ctx, id)
		if err != nil {
			return err
		}
		live = dropAlwaysRun(live)
		d.drainAttempts(ctx, live, batch.ReasonCancelled)
	}
	return nil
}

// deleteLoop re-drives delete fan-out and object-store cleanup. A batch
// leaves the fan-out once its attempts are drained and its object-store
// data is gone, recorded by the cleaned-up marker.
func (d *Driver) deleteLoop(ctx context.Context) {
	d.fanOutLoop(ctx, d.deleteEvent, d.deleteOnePass)
}

func (d *Driver) deleteOnePass(ctx context.Context) error {
	ids, err := d.store.DeletedBatchIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		live, err := d.store.LiveAttemptsForBatch(ctx, id)
		if err != nil {
			return err
		}
		if failed := d.drainAttempts(ctx, live, batch.ReasonCancelled); failed > 0 {
			continue
		}
		if d.logs != nil {
			if err := d.logs.DeleteBatchData(ctx, id); err != nil {
				d.logger.Warn().LogActivity("batch data cleanup failed", map[string]any{
					"batch_id": id, "error": err.Error(),
				})
				continue
			}
		}
		if err := d.store.MarkBatchCleanedUp(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) fanOutLoop(ctx context.Context, ev *Event, pass func(context.Context) error) {
	timer := time.NewTimer(d.cfg.Driver.ScheduleInterval)
	defer timer.Stop()

	for {
		if err := pass(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error(err).LogActivity("fan-out pass failed", nil)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d.cfg.Driver.ScheduleInterval)

		select {
		case <-ctx.Done():
			return
		case <-ev.Wait():
		case <-timer.C:
		}
	}
}

func dropAlwaysRun(live []store.LiveAttempt) []store.LiveAttempt {
	out := live[:0]
	for _, la := range live {
		if !la.AlwaysRun {
			out = append(out, la)
		}
	}
	return out
}
