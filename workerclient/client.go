// Package workerclient is the thin RPC layer to worker VMs. Every call is
// idempotent by (batch_id, job_id, attempt_id), carries a request
// deadline, and retries transient failures through the shared backoff
// helper.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/batchserv/util"
)

const (
	// BATCHSERV_WORKER_TIMEOUT is the ceiling on worker RPCs.
	BATCHSERV_WORKER_TIMEOUT = 60 * time.Second

	// BATCHSERV_PROBE_TIMEOUT is the ceiling on reconcile health probes.
	BATCHSERV_PROBE_TIMEOUT = 5 * time.Second
)

// StatusError is a non-2xx worker response. 5xx responses are transient
// and retried; 4xx responses are authoritative.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("worker returned HTTP %d: %s", e.Code, e.Body)
}

// Transient classifies 5xx as retryable for the shared retry helper.
func (e *StatusError) Transient() bool {
	return e.Code >= 500
}

// ClientConfig holds the client's tunables. Zero values select defaults.
type ClientConfig struct {
	Timeout      time.Duration
	ProbeTimeout time.Duration
}

// Client talks to workers over HTTP by instance address (host:port).
type Client struct {
	httpClient *http.Client
	logger     *logharbour.Logger
	config     ClientConfig
}

// New creates a worker Client.
func New(logger *logharbour.Logger, config *ClientConfig) *Client {
	if logger == nil {
		panic("logger cannot be nil")
	}
	if config == nil {
		config = &ClientConfig{}
	}
	if config.Timeout == 0 {
		config.Timeout = BATCHSERV_WORKER_TIMEOUT
	}
	if config.ProbeTimeout == 0 {
		config.ProbeTimeout = BATCHSERV_PROBE_TIMEOUT
	}
	return &Client{
		httpClient: &http.Client{},
		logger:     logger,
		config:     *config,
	}
}

// CreateJobBody is the dispatch payload for one attempt.
type CreateJobBody struct {
	BatchID   int64           `json:"batch_id"`
	JobID     int             `json:"job_id"`
	AttemptID string          `json:"attempt_id"`
	User      string          `json:"user"`
	JobSpec   json.RawMessage `json:"job_spec"`
}

// CreateJob asks the worker to start an attempt. Replays of the same
// (batch, job, attempt) are accepted by the worker without a second start.
func (c *Client) CreateJob(ctx context.Context, ipAddress string, body CreateJobBody) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("http://%s/api/v1alpha/batches/jobs/create", ipAddress)
	return util.RetryTransient(ctx, func() error {
		return c.post(ctx, url, payload)
	})
}

// DeleteJob tells the worker to abort a job. A 404 means the worker never
// had it or already finished it, which is success for this verb.
func (c *Client) DeleteJob(ctx context.Context, ipAddress string, batchID int64, jobID int) error {
	url := fmt.Sprintf("http://%s/api/v1alpha/batches/%d/jobs/%d/delete", ipAddress, batchID, jobID)
	return util.RetryTransient(ctx, func() error {
		err := c.post(ctx, url, nil)
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil
		}
		return err
	})
}

// JobLog fetches the live log of one task of a Running attempt.
func (c *Client) JobLog(ctx context.Context, ipAddress string, batchID int64, jobID int, task string) ([]byte, error) {
	url := fmt.Sprintf("http://%s/api/v1alpha/batches/%d/jobs/%d/log/%s", ipAddress, batchID, jobID, task)
	return c.get(ctx, url, c.config.Timeout)
}

// JobStatus fetches a live status snapshot of a Running attempt.
func (c *Client) JobStatus(ctx context.Context, ipAddress string, batchID int64, jobID int) ([]byte, error) {
	url := fmt.Sprintf("http://%s/api/v1alpha/batches/%d/jobs/%d/status", ipAddress, batchID, jobID)
	return c.get(ctx, url, c.config.Timeout)
}

// Healthcheck probes a worker with the short reconcile deadline.
func (c *Client) Healthcheck(ctx context.Context, ipAddress string) error {
	url := fmt.Sprintf("http://%s/healthcheck", ipAddress)
	_, err := c.get(ctx, url, c.config.ProbeTimeout)
	return err
}

func (c *Client) post(ctx context.Context, url string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

func (c *Client) get(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &StatusError{Code: resp.StatusCode, Body: string(body)}
}
