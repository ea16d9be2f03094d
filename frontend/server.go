// Package frontend is the REST surface: the user-facing batch and job
// endpoints and the internal callback routes workers report through. It
// translates HTTP into store procedures and driver calls; all semantics
// live below it.
package frontend

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/batchserv/batch"
	"github.com/remiges-tech/batchserv/config"
	"github.com/remiges-tech/batchserv/driver"
	"github.com/remiges-tech/batchserv/logstore"
	"github.com/remiges-tech/batchserv/metrics"
	"github.com/remiges-tech/batchserv/store"
	"github.com/remiges-tech/batchserv/workerclient"
)

// Server bundles the dependencies of the REST handlers.
type Server struct {
	Store    *store.Store
	Driver   *driver.Driver
	Logs     *logstore.LogStore
	Worker   *workerclient.Client
	Cfg      *config.Config
	Logger   *logharbour.Logger
	Validate *validator.Validate
}

// NewServer wires a Server. The driver, log store and worker client may
// be nil in reduced deployments; the handlers that need them 503.
func NewServer(st *store.Store, d *driver.Driver, logs *logstore.LogStore,
	worker *workerclient.Client, cfg *config.Config, logger *logharbour.Logger) *Server {
	if logger == nil {
		panic("logger cannot be nil")
	}
	return &Server{
		Store:    st,
		Driver:   d,
		Logs:     logs,
		Worker:   worker,
		Cfg:      cfg,
		Logger:   logger,
		Validate: validator.New(),
	}
}

// NewRouter builds the gin engine. userAuth guards the user-facing API
// group; internalAuth guards the worker callback group.
func NewRouter(s *Server, userAuth, internalAuth gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), metrics.GinMiddleware())

	r.GET("/healthcheck", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api/v1alpha", userAuth)
	{
		api.POST("/batches/create", s.createBatch)
		api.GET("/batches", s.listBatches)
		api.GET("/batches/:batch_id", s.getBatch)
		api.PATCH("/batches/:batch_id/close", s.closeBatch)
		api.PATCH("/batches/:batch_id/cancel", s.cancelBatch)
		api.DELETE("/batches/:batch_id", s.deleteBatch)

		api.POST("/batches/:batch_id/jobs/create", s.createJobs)
		api.GET("/batches/:batch_id/jobs", s.listJobs)
		api.GET("/batches/:batch_id/jobs/:job_id", s.getJob)
		api.GET("/batches/:batch_id/jobs/:job_id/attempts", s.getAttempts)
		api.GET("/batches/:batch_id/jobs/:job_id/log", s.getJobLog)
		api.GET("/batches/:batch_id/jobs/:job_id/status", s.getJobStatus)
	}

	internal := r.Group("/api/v1alpha/internal", internalAuth)
	{
		internal.POST("/instances/register", s.registerInstance)
		internal.POST("/instances/:name/activate", s.activateInstance)
		internal.POST("/instances/:name/heartbeat", s.instanceHeartbeat)
		internal.POST("/batches/:batch_id/jobs/:job_id/started", s.jobStarted)
		internal.POST("/batches/:batch_id/jobs/:job_id/complete", s.jobComplete)
	}

	return r
}

func requestUser(c *gin.Context) string {
	return c.GetString(ctxUser)
}

func isDeveloper(c *gin.Context) bool {
	return c.GetBool(ctxDeveloper)
}

// abortError maps store errors onto HTTP statuses.
func (s *Server) abortError(c *gin.Context, err error) {
	var ve store.ValidationError
	var wse store.WrongStateError
	var wjc store.WrongJobCountError
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, store.ErrForbidden):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.As(err, &ve), errors.As(err, &wse), errors.As(err, &wjc):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.Logger.Error(err).LogActivity("request failed", map[string]any{
			"path": c.FullPath(),
		})
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func pathBatchID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("batch_id"), 10, 64)
	if err != nil || id <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid batch id"})
		return 0, false
	}
	return id, true
}

func pathJobID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("job_id"))
	if err != nil || id <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return 0, false
	}
	return id, true
}

// costRate reads the billing rate, falling back to the compiled-in
// default so a read path never fails on the resources table.
func (s *Server) costRate(c *gin.Context) float64 {
	rate, err := s.Store.GetCostRate(c.Request.Context())
	if err != nil {
		return batch.DefaultCostRate
	}
	return rate
}
