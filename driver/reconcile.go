package driver

import (
	"context"
	"errors"
	"time"

	"github.com/remiges-tech/batchserv/batch"
	"github.com/remiges-tech/batchserv/instpool"
	"github.com/remiges-tech/batchserv/store"
)

// reconcileLoop probes active instances and retires the ones that stop
// answering: sustained probe failures or a stale heartbeat move an
// instance to inactive and then deleted, and its Running attempts return
// to Ready with reason preempted, subject to the per-job attempt budget.
func (d *Driver) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Driver.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := d.reconcileOnePass(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error(err).LogActivity("reconcile pass failed", nil)
		}
	}
}

func (d *Driver) reconcileOnePass(ctx context.Context) error {
	now := batch.TimeMsecs()
	heartbeatDeadline := d.cfg.Driver.HeartbeatMissDeadline.Milliseconds()

	for _, inst := range d.registry.List() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch inst.State {
		case batch.InstanceStateActive:
			healthy := d.worker.Healthcheck(ctx, inst.IPAddress) == nil
			stale := inst.LastHeartbeat > 0 && now-inst.LastHeartbeat > heartbeatDeadline

			if healthy && !stale {
				d.registry.Touch(inst.Name, now)
				if err := d.store.TouchInstance(ctx, inst.Name); err != nil {
					return err
				}
				continue
			}

			failures := d.registry.BumpFailures(inst.Name)
			if _, err := d.store.BumpInstanceFailures(ctx, inst.Name); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if stale || failures >= d.cfg.Driver.MaxFailedRequests {
				if err := d.loseInstance(ctx, inst); err != nil {
					return err
				}
			}

		case batch.InstanceStateInactive:
			// drained last pass; finish retiring it
			if err := d.store.MarkInstanceDeleted(ctx, inst.Name); err != nil {
				return err
			}
			d.registry.Remove(inst.Name)
		}
	}
	return nil
}

// loseInstance deactivates a failed worker and unschedules its live
// attempts. Each job returns to Ready unless it has exhausted its attempt
// budget, in which case it terminates as Error with reason
// too_many_attempts.
func (d *Driver) loseInstance(ctx context.Context, inst instpool.Instance) error {
	d.logger.Warn().LogActivity("instance lost", map[string]any{
		"instance": inst.Name, "pool": inst.Pool,
	})
	if err := d.store.DeactivateInstance(ctx, inst.Name); err != nil {
		return err
	}
	d.registry.Deactivate(inst.Name)

	live, err := d.store.LiveAttemptsOnInstance(ctx, inst.Name)
	if err != nil {
		return err
	}
	for _, la := range live {
		end := batch.TimeMsecs()
		nAttempts, err := d.store.UnscheduleJob(ctx, la.BatchID, la.JobID, la.AttemptID, end, batch.ReasonPreempted)
		if err != nil {
			var wse store.WrongStateError
			if errors.As(err, &wse) {
				// completed concurrently; nothing to reclaim
				continue
			}
			return err
		}
		d.registry.Release(inst.Name, la.CoresMcpu)

		if nAttempts >= d.cfg.Driver.MaxJobAttempts {
			res, err := d.store.MarkJobComplete(ctx, store.MarkJobCompleteParams{
				BatchID:  la.BatchID,
				JobID:    la.JobID,
				NewState: batch.JobStateError,
				Status:   []byte(`{"error":"too many attempts"}`),
				Reason:   batch.ReasonTooManyAttempts,
			})
			if err != nil {
				return err
			}
			d.afterCompletion(ctx, res)
		}
	}
	d.SignalSchedulers()
	return nil
}
