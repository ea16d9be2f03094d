package frontend

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/remiges-tech/batchserv/batch"
	"github.com/remiges-tech/batchserv/store"
)

// Worker-facing routes. Workers authenticate with the deployment's
// internal token; every report is idempotent by
// (batch_id, job_id, attempt_id).

type registerInstanceRequest struct {
	Name      string `json:"name" validate:"required"`
	Pool      string `json:"pool" validate:"required"`
	CoresMcpu int    `json:"cores_mcpu" validate:"gt=0"`
}

func (s *Server) registerInstance(c *gin.Context) {
	if s.Driver == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "driver not running"})
		return
	}
	var req registerInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.Validate.Struct(req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.Driver.AddInstance(c.Request.Context(), req.Name, req.Pool, req.CoresMcpu); err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) activateInstance(c *gin.Context) {
	if s.Driver == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "driver not running"})
		return
	}
	var req struct {
		Address string `json:"address" validate:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.Validate.Struct(req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.Driver.ActivateInstance(c.Request.Context(), c.Param("name"), req.Address); err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) instanceHeartbeat(c *gin.Context) {
	if s.Driver == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "driver not running"})
		return
	}
	if err := s.Driver.TouchInstance(c.Request.Context(), c.Param("name")); err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

type jobStartedRequest struct {
	AttemptID string `json:"attempt_id" validate:"required"`
	StartTime int64  `json:"start_time" validate:"gt=0"`
}

func (s *Server) jobStarted(c *gin.Context) {
	batchID, ok := pathBatchID(c)
	if !ok {
		return
	}
	jobID, ok := pathJobID(c)
	if !ok {
		return
	}
	if s.Driver == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "driver not running"})
		return
	}
	var req jobStartedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.Validate.Struct(req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.Driver.JobStarted(c.Request.Context(), batchID, jobID, req.AttemptID, req.StartTime); err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

type jobCompleteRequest struct {
	AttemptID string          `json:"attempt_id" validate:"required"`
	State     string          `json:"state" validate:"required,oneof=Success Failed Error"`
	Status    json.RawMessage `json:"status"`
	StartTime *int64          `json:"start_time"`
	EndTime   *int64          `json:"end_time"`
}

// stateReasons maps a worker-reported terminal state onto the attempt
// reason recorded with it.
var stateReasons = map[string]string{
	"Success": batch.ReasonSuccess,
	"Failed":  batch.ReasonFailed,
	"Error":   batch.ReasonError,
}

func (s *Server) jobComplete(c *gin.Context) {
	batchID, ok := pathBatchID(c)
	if !ok {
		return
	}
	jobID, ok := pathJobID(c)
	if !ok {
		return
	}
	if s.Driver == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "driver not running"})
		return
	}
	var req jobCompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.Validate.Struct(req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	_, err := s.Driver.JobComplete(c.Request.Context(), store.MarkJobCompleteParams{
		BatchID:   batchID,
		JobID:     jobID,
		AttemptID: req.AttemptID,
		NewState:  batch.JobState(req.State),
		Status:    req.Status,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		Reason:    stateReasons[req.State],
	})
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}
