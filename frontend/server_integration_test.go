package frontend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/remiges-tech/logharbour/logharbour"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/remiges-tech/batchserv/config"
	"github.com/remiges-tech/batchserv/driver"
	"github.com/remiges-tech/batchserv/logstore"
	"github.com/remiges-tech/batchserv/store"
	"github.com/remiges-tech/batchserv/workerclient"
)

const testInternalToken = "internal-test-token"

type testEnv struct {
	store  *store.Store
	driver *driver.Driver
	logs   *logstore.LogStore
	api    *httptest.Server
}

func fakeAuth(user string, developer bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ctxUser, user)
		c.Set(ctxDeveloper, developer)
	}
}

func setupEnv(t *testing.T, user string, developer bool) (*testEnv, context.Context) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test requiring Docker")
	}
	gin.SetMode(gin.TestMode)

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { pgContainer.Terminate(ctx) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	conn, err := pgx.Connect(ctx, connStr)
	require.NoError(t, err)
	require.NoError(t, store.MigrateDatabase(ctx, conn))
	conn.Close(ctx)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	logger := logharbour.NewLogger(&logharbour.LoggerContext{}, "test", log.Writer())
	st := store.New(pool, nil, logger, nil)
	require.NoError(t, st.CreateBillingProject(ctx, "bp", nil, []string{user}))

	cfg := &config.Config{}
	cfg.Pools = []config.PoolConfig{
		{Name: "standard", WorkerType: "standard", WorkerCores: 16, LocalSSD: true,
			MaxInstances: 4, MaxLiveInstances: 4},
	}
	cfg.Driver = config.DriverConfig{
		ScheduleBatchSize: 50, ScheduleInterval: 100 * time.Millisecond,
		ReconcileInterval: time.Second, MaxFailedRequests: 2,
		HeartbeatMissDeadline: time.Minute, MaxJobAttempts: 2,
	}

	ls := logstore.New(logstore.GenerateObjectStoreMock(), "batch-logs", "testinst")
	wc := workerclient.New(logger, &workerclient.ClientConfig{Timeout: 5 * time.Second})
	d := driver.New(st, wc, ls, cfg, logger)

	srv := NewServer(st, d, ls, wc, cfg, logger)
	router := NewRouter(srv, fakeAuth(user, developer), InternalAuth(testInternalToken))
	api := httptest.NewServer(router)
	t.Cleanup(api.Close)

	return &testEnv{store: st, driver: d, logs: ls, api: api}, ctx
}

func (e *testEnv) do(t *testing.T, method, path string, body any, internal bool) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.api.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if internal {
		req.Header.Set("Authorization", "Bearer "+testInternalToken)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(data) > 0 {
		json.Unmarshal(data, &out)
	}
	return resp.StatusCode, out
}

func createBatchHTTP(t *testing.T, e *testEnv, token string, nJobs int) int64 {
	t.Helper()
	code, body := e.do(t, http.MethodPost, "/api/v1alpha/batches/create", map[string]any{
		"billing_project": "bp", "token": token, "n_jobs": nJobs,
	}, false)
	require.Equal(t, http.StatusOK, code, "body: %v", body)
	return int64(body["id"].(float64))
}

func TestCreateBatchIdempotentOverHTTP(t *testing.T) {
	e, _ := setupEnv(t, "alice", false)

	id := createBatchHTTP(t, e, "tok-1", 1)
	again := createBatchHTTP(t, e, "tok-1", 1)
	assert.Equal(t, id, again)

	code, body := e.do(t, http.MethodGet, fmt.Sprintf("/api/v1alpha/batches/%d", id), nil, false)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "open", body["state"])
}

func TestCloseBatchWrongJobCountOverHTTP(t *testing.T) {
	e, _ := setupEnv(t, "alice", false)

	id := createBatchHTTP(t, e, "tok-2", 2)
	code, _ := e.do(t, http.MethodPost, fmt.Sprintf("/api/v1alpha/batches/%d/jobs/create", id),
		[]map[string]any{{"job_id": 1}}, false)
	require.Equal(t, http.StatusOK, code)

	code, body := e.do(t, http.MethodPatch, fmt.Sprintf("/api/v1alpha/batches/%d/close", id), nil, false)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "wrong number of jobs: expected 2, actual 1", body["error"])
}

func TestCreateJobsValidationOverHTTP(t *testing.T) {
	e, _ := setupEnv(t, "alice", false)
	id := createBatchHTTP(t, e, "tok-3", 1)
	base := fmt.Sprintf("/api/v1alpha/batches/%d/jobs/create", id)

	// storage no worker can hold
	code, body := e.do(t, http.MethodPost, base, []map[string]any{
		{"job_id": 1, "resources": map[string]string{"storage": "400Gi"}},
	}, false)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["error"], "unsatisfiable")

	// parent that does not precede the job
	code, body = e.do(t, http.MethodPost, base, []map[string]any{
		{"job_id": 1, "parent_ids": []int{1}},
	}, false)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["error"], "smaller job ids")

	// gap in job ids
	code, _ = e.do(t, http.MethodPost, base, []map[string]any{
		{"job_id": 1}, {"job_id": 3},
	}, false)
	require.Equal(t, http.StatusBadRequest, code)

	// a bunch that does not start at the first unused job id
	code, body = e.do(t, http.MethodPost, base, []map[string]any{
		{"job_id": 2},
	}, false)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["error"], "start at job id 1")

	// secrets need a developer identity
	code, _ = e.do(t, http.MethodPost, base, []map[string]any{
		{"job_id": 1, "secrets": []map[string]string{{"name": "registry"}}},
	}, false)
	require.Equal(t, http.StatusForbidden, code)
}

func TestSecretsAllowedForDeveloper(t *testing.T) {
	e, _ := setupEnv(t, "dev", true)
	id := createBatchHTTP(t, e, "tok-4", 1)

	code, body := e.do(t, http.MethodPost, fmt.Sprintf("/api/v1alpha/batches/%d/jobs/create", id),
		[]map[string]any{
			{"job_id": 1, "secrets": []map[string]string{{"name": "registry"}}},
		}, false)
	require.Equal(t, http.StatusOK, code, "body: %v", body)
}

func TestBunchSpecsLandInObjectStore(t *testing.T) {
	e, ctx := setupEnv(t, "alice", false)
	id := createBatchHTTP(t, e, "tok-5", 2)

	specs := []map[string]any{
		{"job_id": 1, "attributes": map[string]string{"name": "first"}},
		{"job_id": 2, "parent_ids": []int{1}},
	}
	code, _ := e.do(t, http.MethodPost, fmt.Sprintf("/api/v1alpha/batches/%d/jobs/create", id), specs, false)
	require.Equal(t, http.StatusOK, code)

	token, start, err := e.store.GetBunchToken(ctx, id, 2)
	require.NoError(t, err)
	data, err := e.logs.ReadSpec(ctx, id, token, start, 2)
	require.NoError(t, err)
	var spec map[string]any
	require.NoError(t, json.Unmarshal(data, &spec))
	assert.Equal(t, float64(2), spec["job_id"])
}

func TestEndToEndSchedulingOverHTTP(t *testing.T) {
	e, ctx := setupEnv(t, "alice", false)

	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(worker.Close)

	code, _ := e.do(t, http.MethodPost, "/api/v1alpha/internal/instances/register", map[string]any{
		"name": "worker-a", "pool": "standard", "cores_mcpu": 16000,
	}, true)
	require.Equal(t, http.StatusOK, code)
	code, _ = e.do(t, http.MethodPost, "/api/v1alpha/internal/instances/worker-a/activate", map[string]any{
		"address": strings.TrimPrefix(worker.URL, "http://"),
	}, true)
	require.Equal(t, http.StatusOK, code)

	id := createBatchHTTP(t, e, "tok-6", 1)
	code, _ = e.do(t, http.MethodPost, fmt.Sprintf("/api/v1alpha/batches/%d/jobs/create", id),
		[]map[string]any{{"job_id": 1, "command": []string{"true"}}}, false)
	require.Equal(t, http.StatusOK, code)
	code, _ = e.do(t, http.MethodPatch, fmt.Sprintf("/api/v1alpha/batches/%d/close", id), nil, false)
	require.Equal(t, http.StatusOK, code)

	runCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	go e.driver.Run(runCtx)

	require.Eventually(t, func() bool {
		code, body := e.do(t, http.MethodGet, fmt.Sprintf("/api/v1alpha/batches/%d/jobs/1", id), nil, false)
		return code == http.StatusOK && body["state"] == "Running"
	}, 10*time.Second, 100*time.Millisecond)

	code, body := e.do(t, http.MethodGet, fmt.Sprintf("/api/v1alpha/batches/%d/jobs/1/attempts", id), nil, false)
	require.Equal(t, http.StatusOK, code)
	attempts := body["attempts"].([]any)
	require.Len(t, attempts, 1)
	attemptID := attempts[0].(map[string]any)["attempt_id"].(string)

	// the worker uploads its log and reports completion
	require.NoError(t, e.logs.WriteLog(ctx, id, 1, attemptID, "main", []byte("hello\n")))
	start := time.Now().UnixMilli()
	end := start + 1500
	code, _ = e.do(t, http.MethodPost,
		fmt.Sprintf("/api/v1alpha/internal/batches/%d/jobs/1/complete", id),
		map[string]any{
			"attempt_id": attemptID, "state": "Success",
			"start_time": start, "end_time": end,
		}, true)
	require.Equal(t, http.StatusOK, code)

	code, body = e.do(t, http.MethodGet, fmt.Sprintf("/api/v1alpha/batches/%d", id), nil, false)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "success", body["state"])
	assert.Equal(t, true, body["complete"])

	code, body = e.do(t, http.MethodGet, fmt.Sprintf("/api/v1alpha/batches/%d/jobs/1/log", id), nil, false)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "hello\n", body["main"])

	// without the internal token the callback routes refuse
	code, _ = e.do(t, http.MethodPost,
		fmt.Sprintf("/api/v1alpha/internal/batches/%d/jobs/1/complete", id),
		map[string]any{"attempt_id": attemptID, "state": "Success"}, false)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestCancelBatchOverHTTP(t *testing.T) {
	e, _ := setupEnv(t, "alice", false)

	id := createBatchHTTP(t, e, "tok-7", 2)
	code, _ := e.do(t, http.MethodPost, fmt.Sprintf("/api/v1alpha/batches/%d/jobs/create", id),
		[]map[string]any{{"job_id": 1}, {"job_id": 2, "parent_ids": []int{1}}}, false)
	require.Equal(t, http.StatusOK, code)

	// cancelling before close is rejected
	code, _ = e.do(t, http.MethodPatch, fmt.Sprintf("/api/v1alpha/batches/%d/cancel", id), nil, false)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do(t, http.MethodPatch, fmt.Sprintf("/api/v1alpha/batches/%d/close", id), nil, false)
	require.Equal(t, http.StatusOK, code)
	code, _ = e.do(t, http.MethodPatch, fmt.Sprintf("/api/v1alpha/batches/%d/cancel", id), nil, false)
	require.Equal(t, http.StatusOK, code)

	code, body := e.do(t, http.MethodGet, fmt.Sprintf("/api/v1alpha/batches/%d", id), nil, false)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "cancelled", body["state"])

	// deleted batches disappear from the user surface
	code, _ = e.do(t, http.MethodDelete, fmt.Sprintf("/api/v1alpha/batches/%d", id), nil, false)
	require.Equal(t, http.StatusOK, code)
	code, _ = e.do(t, http.MethodGet, fmt.Sprintf("/api/v1alpha/batches/%d", id), nil, false)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestListBatchesQueryOverHTTP(t *testing.T) {
	e, _ := setupEnv(t, "alice", false)

	a := createBatchHTTP(t, e, "tok-8", 0)
	code, _ := e.do(t, http.MethodPatch, fmt.Sprintf("/api/v1alpha/batches/%d/close", a), nil, false)
	require.Equal(t, http.StatusOK, code)
	createBatchHTTP(t, e, "tok-9", 1)

	code, body := e.do(t, http.MethodGet, "/api/v1alpha/batches?q=complete", nil, false)
	require.Equal(t, http.StatusOK, code)
	batches := body["batches"].([]any)
	require.Len(t, batches, 1)
	assert.Equal(t, float64(a), batches[0].(map[string]any)["id"])

	code, body = e.do(t, http.MethodGet, "/api/v1alpha/batches?q=wat:", nil, false)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["error"], "wat")
}
