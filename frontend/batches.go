package frontend

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/remiges-tech/batchserv/batch"
	"github.com/remiges-tech/batchserv/store"
)

type createBatchRequest struct {
	BillingProject string            `json:"billing_project" validate:"required"`
	Token          string            `json:"token" validate:"required"`
	NJobs          int               `json:"n_jobs" validate:"gte=0"`
	Callback       *string           `json:"callback"`
	Attributes     map[string]string `json:"attributes"`
}

func (s *Server) createBatch(c *gin.Context) {
	var req createBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.Validate.Struct(req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user := requestUser(c)

	bp, err := s.Store.GetBillingProject(c.Request.Context(), req.BillingProject, user)
	if err != nil {
		s.abortError(c, err)
		return
	}
	if bp.Status != "open" {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error": "billing project " + bp.Name + " is " + bp.Status,
		})
		return
	}
	if bp.LimitCost != nil && bp.Accrued >= *bp.LimitCost {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error": "billing project " + bp.Name + " has exceeded the spend limit " +
				batch.CostString(*bp.LimitCost),
		})
		return
	}

	id, err := s.Store.CreateBatch(c.Request.Context(), store.CreateBatchParams{
		UserName:       user,
		BillingProject: req.BillingProject,
		Token:          req.Token,
		NJobs:          req.NJobs,
		Callback:       req.Callback,
		Attributes:     req.Attributes,
	})
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (s *Server) getBatch(c *gin.Context) {
	id, ok := pathBatchID(c)
	if !ok {
		return
	}
	b, err := s.Store.GetUserBatch(c.Request.Context(), requestUser(c), id)
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, b.ToMap(s.costRate(c)))
}

func (s *Server) listBatches(c *gin.Context) {
	var last int64
	if raw := c.Query("last_batch_id"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid last_batch_id"})
			return
		}
		last = v
	}

	batches, next, err := s.Store.ListBatches(c.Request.Context(), requestUser(c), c.Query("q"), last)
	if err != nil {
		s.abortError(c, err)
		return
	}

	rate := s.costRate(c)
	out := make([]map[string]any, 0, len(batches))
	for _, b := range batches {
		out = append(out, b.ToMap(rate))
	}
	resp := gin.H{"batches": out}
	if next != 0 {
		resp["last_batch_id"] = next
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) closeBatch(c *gin.Context) {
	id, ok := pathBatchID(c)
	if !ok {
		return
	}
	if _, err := s.Store.GetUserBatch(c.Request.Context(), requestUser(c), id); err != nil {
		s.abortError(c, err)
		return
	}
	b, completed, err := s.Store.CloseBatch(c.Request.Context(), id)
	if err != nil {
		s.abortError(c, err)
		return
	}
	if s.Driver != nil {
		if completed {
			// a zero-job batch completes at close; nothing else will
			// fire its callback
			s.Driver.BatchCompleted(c.Request.Context(), b)
		}
		s.Driver.SignalSchedulers()
	}
	c.JSON(http.StatusOK, b.ToMap(s.costRate(c)))
}

func (s *Server) cancelBatch(c *gin.Context) {
	id, ok := pathBatchID(c)
	if !ok {
		return
	}
	if _, err := s.Store.GetUserBatch(c.Request.Context(), requestUser(c), id); err != nil {
		s.abortError(c, err)
		return
	}
	if s.Driver == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "driver not running"})
		return
	}
	if err := s.Driver.CancelBatch(c.Request.Context(), id); err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) deleteBatch(c *gin.Context) {
	id, ok := pathBatchID(c)
	if !ok {
		return
	}
	if _, err := s.Store.GetUserBatch(c.Request.Context(), requestUser(c), id); err != nil {
		s.abortError(c, err)
		return
	}
	if s.Driver == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "driver not running"})
		return
	}
	if err := s.Driver.DeleteBatch(c.Request.Context(), id); err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}
