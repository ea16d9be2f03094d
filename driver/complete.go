package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/remiges-tech/batchserv/batch"
	"github.com/remiges-tech/batchserv/store"
)

// callbackTimeout bounds the user-supplied completion callback POST.
const callbackTimeout = 60 * time.Second

// JobStarted ingests a worker's start report.
func (d *Driver) JobStarted(ctx context.Context, batchID int64, jobID int, attemptID string, startTime int64) error {
	return d.store.MarkJobStarted(ctx, batchID, jobID, attemptID, startTime)
}

// JobComplete ingests a worker's terminal report: transitions the job,
// releases the instance's cores, wakes the schedulers (children may have
// become Ready) and fires the completion callback if this report
// completed the batch. Replays are no-ops by the store's idempotence
// rule.
func (d *Driver) JobComplete(ctx context.Context, p store.MarkJobCompleteParams) (store.MarkJobCompleteResult, error) {
	res, err := d.store.MarkJobComplete(ctx, p)
	if err != nil {
		return res, err
	}
	d.afterCompletion(ctx, res)
	return res, nil
}

// afterCompletion performs the in-memory and user-visible consequences of
// a terminal transition.
func (d *Driver) afterCompletion(ctx context.Context, res store.MarkJobCompleteResult) {
	if res.OldState.IsComplete() {
		// replayed report; everything below already happened
		return
	}
	if res.InstanceName != "" {
		d.registry.Release(res.InstanceName, res.CoresMcpu)
	} else {
		d.SignalSchedulers()
	}

	if res.Batch != nil {
		d.store.CacheBatchStatus(ctx, res.Batch.ID, res.Batch.DisplayState(), res.Batch.Complete())
		if res.BatchCompleted {
			d.notifyBatchComplete(res.Batch)
		}
	}
}

// BatchCompleted records a batch's terminal status and fires the user
// callback. Callers must only pass batches the store reported as
// completed-now, which keeps the callback exactly-once.
func (d *Driver) BatchCompleted(ctx context.Context, b *batch.BatchRecord) {
	if b == nil {
		return
	}
	d.store.CacheBatchStatus(ctx, b.ID, b.DisplayState(), true)
	d.notifyBatchComplete(b)
}

// notifyBatchComplete POSTs the batch status to the user-supplied
// callback URL. It fires exactly once per batch, is never retried, and
// failures are only logged.
func (d *Driver) notifyBatchComplete(b *batch.BatchRecord) {
	if b.Callback == nil || *b.Callback == "" || b.Deleted {
		return
	}
	url := *b.Callback

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
		defer cancel()

		rate, err := d.store.GetCostRate(ctx)
		if err != nil {
			rate = batch.DefaultCostRate
		}
		payload, err := json.Marshal(b.ToMap(rate))
		if err != nil {
			d.logger.Error(err).LogActivity("could not encode callback payload", map[string]any{
				"batch_id": b.ID,
			})
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			d.logger.Error(err).LogActivity("could not build callback request", map[string]any{
				"batch_id": b.ID,
			})
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			d.logger.Warn().LogActivity("completion callback failed", map[string]any{
				"batch_id": b.ID, "callback": url, "error": err.Error(),
			})
			return
		}
		resp.Body.Close()
		d.logger.Info().LogActivity("completion callback delivered", map[string]any{
			"batch_id": b.ID, "status": resp.StatusCode,
		})
	}()
}
