package workerclient

import (
	"context"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/remiges-tech/logharbour/logharbour"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient() *Client {
	logger := logharbour.NewLogger(&logharbour.LoggerContext{}, "test", log.Writer())
	return New(logger, nil)
}

func TestCreateJobRetriesTransient(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/api/v1alpha/batches/jobs/create", r.URL.Path)
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient()
	addr := strings.TrimPrefix(srv.URL, "http://")
	err := c.CreateJob(context.Background(), addr, CreateJobBody{
		BatchID: 1, JobID: 1, AttemptID: "aaaaaa", User: "alice",
		JobSpec: []byte(`{"command":["true"]}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestCreateJobAuthoritativeFailureNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "bad spec", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient()
	addr := strings.TrimPrefix(srv.URL, "http://")
	err := c.CreateJob(context.Background(), addr, CreateJobBody{BatchID: 1, JobID: 1})
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.False(t, se.Transient())
	assert.Equal(t, 1, calls)
}

func TestDeleteJobTreats404AsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1alpha/batches/9/jobs/4/delete", r.URL.Path)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := newTestClient()
	addr := strings.TrimPrefix(srv.URL, "http://")
	assert.NoError(t, c.DeleteJob(context.Background(), addr, 9, 4))
}

func TestJobLogAndStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1alpha/batches/9/jobs/4/log/main":
			w.Write([]byte("line one\n"))
		case "/api/v1alpha/batches/9/jobs/4/status":
			w.Write([]byte(`{"state":"running"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newTestClient()
	addr := strings.TrimPrefix(srv.URL, "http://")

	logData, err := c.JobLog(context.Background(), addr, 9, 4, "main")
	require.NoError(t, err)
	assert.Equal(t, "line one\n", string(logData))

	status, err := c.JobStatus(context.Background(), addr, 9, 4)
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"running"}`, string(status))
}

func TestHealthcheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthcheck", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient()
	addr := strings.TrimPrefix(srv.URL, "http://")
	assert.NoError(t, c.Healthcheck(context.Background(), addr))
}
