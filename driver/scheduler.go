package driver

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/remiges-tech/batchserv/batch"
	"github.com/remiges-tech/batchserv/config"
	"github.com/remiges-tech/batchserv/metrics"
	"github.com/remiges-tech/batchserv/store"
	"github.com/remiges-tech/batchserv/workerclient"
)

// schedulerLoop drains one pool's ready queue. Each iteration samples
// Ready jobs in (batch_id, job_id) order, which gives approximate FIFO
// fairness within the pool; it runs again when its event fires or the
// timer expires, whichever is first.
func (d *Driver) schedulerLoop(ctx context.Context, pool config.PoolConfig) {
	ev := d.schedulerEvents[pool.Name]
	timer := time.NewTimer(d.cfg.Driver.ScheduleInterval)
	defer timer.Stop()

	for {
		if err := d.scheduleOnePass(ctx, pool); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error(err).LogActivity("scheduler pass failed", map[string]any{
				"pool": pool.Name,
			})
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

func (d *Driver) scheduleOnePass(ctx context.Context, pool config.PoolConfig) error {
	readyCores, err := d.store.ReadyCoresMcpu(ctx, pool.Name)
	if err != nil {
		return err
	}
	metrics.ReadyCoresMcpu.WithLabelValues(pool.Name).Set(float64(readyCores))
	metrics.FreeCoresMcpu.WithLabelValues(pool.Name).Set(float64(d.registry.FreeCoresMcpu(pool.Name)))

	jobs, err := d.store.ReadyJobsForPool(ctx, pool.Name, d.cfg.Driver.ScheduleBatchSize)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.scheduleJob(ctx, pool, job)
	}
	return nil
}

// scheduleJob dispatches one ready job: reserve cores in-memory, create
// the attempt on the worker, then bind it in the store. The in-memory
// reservation is compensable: a WrongState result (the job was cancelled
// or taken between sampling and binding) rolls it back and best-effort
// deletes the job from the worker.
func (d *Driver) scheduleJob(ctx context.Context, pool config.PoolConfig, job store.ReadyJob) {
	inst, ok := d.registry.SelectAndReserve(pool.Name, job.CoresMcpu)
	if !ok {
		return
	}
	attemptID := batch.NewAttemptID()

	err := d.worker.CreateJob(ctx, inst.IPAddress, dispatchBody(job, attemptID))
	if err != nil {
		d.registry.Release(inst.Name, job.CoresMcpu)
		d.registry.BumpFailures(inst.Name)
		if _, dbErr := d.store.BumpInstanceFailures(ctx, inst.Name); dbErr != nil {
			d.logger.Error(dbErr).LogActivity("failed to record instance failure", map[string]any{
				"instance": inst.Name,
			})
		}
		metrics.ScheduleFailures.WithLabelValues(pool.Name).Inc()

		// the shared retry helper already exhausted the transient budget
		d.markDispatchError(ctx, job, err)
		return
	}

	err = d.store.ScheduleJob(ctx, job.BatchID, job.JobID, attemptID, inst.Name)
	if err != nil {
		d.registry.Release(inst.Name, job.CoresMcpu)
		var wse store.WrongStateError
		if errors.As(err, &wse) {
			if delErr := d.worker.DeleteJob(ctx, inst.IPAddress, job.BatchID, job.JobID); delErr != nil {
				d.logger.Warn().LogActivity("compensating delete failed", map[string]any{
					"batch_id": job.BatchID, "job_id": job.JobID, "error": delErr.Error(),
				})
			}
			return
		}
		d.logger.Error(err).LogActivity("schedule_job failed", map[string]any{
			"batch_id": job.BatchID, "job_id": job.JobID,
		})
		return
	}

	metrics.ScheduledJobs.WithLabelValues(pool.Name).Inc()
	d.logger.Debug0().LogActivity("job scheduled", map[string]any{
		"batch_id": job.BatchID, "job_id": job.JobID,
		"attempt_id": attemptID, "instance": inst.Name,
	})
}

func dispatchBody(job store.ReadyJob, attemptID string) workerclient.CreateJobBody {
	return workerclient.CreateJobBody{
		BatchID:   job.BatchID,
		JobID:     job.JobID,
		AttemptID: attemptID,
		User:      job.UserName,
		JobSpec:   job.Spec,
	}
}

// markDispatchError records an undispatchable job as Error. The failure
// was authoritative or outlasted the retry budget; the batch continues.
func (d *Driver) markDispatchError(ctx context.Context, job store.ReadyJob, cause error) {
	status, _ := json.Marshal(map[string]string{"error": cause.Error()})
	res, err := d.store.MarkJobComplete(ctx, store.MarkJobCompleteParams{
		BatchID:  job.BatchID,
		JobID:    job.JobID,
		NewState: batch.JobStateError,
		Status:   status,
		Reason:   batch.ReasonError,
	})
	if err != nil {
		d.logger.Error(err).LogActivity("could not mark undispatchable job", map[string]any{
			"batch_id": job.BatchID, "job_id": job.JobID,
		})
		return
	}
	d.afterCompletion(ctx, res)
}
