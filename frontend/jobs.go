package frontend

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/remiges-tech/batchserv/batch"
	"github.com/remiges-tech/batchserv/config"
	"github.com/remiges-tech/batchserv/logstore"
	"github.com/remiges-tech/batchserv/store"
)

// jobSpec is the caller-facing shape of one job in a bunch. The full raw
// document is persisted as the job spec; only the fields below are
// interpreted here.
type jobSpec struct {
	JobID      int               `json:"job_id"`
	AlwaysRun  bool              `json:"always_run"`
	ParentIDs  []int             `json:"parent_ids"`
	Attributes map[string]string `json:"attributes"`
	Pool       string            `json:"pool"`
	WorkerType string            `json:"worker_type"`
	Network    string            `json:"network"`
	Secrets    []json.RawMessage `json:"secrets"`
	Resources  struct {
		CPU     string `json:"cpu"`
		Memory  string `json:"memory"`
		Storage string `json:"storage"`
	} `json:"resources"`
}

func (s *Server) createJobs(c *gin.Context) {
	batchID, ok := pathBatchID(c)
	if !ok {
		return
	}
	user := requestUser(c)
	if _, err := s.Store.GetUserBatch(c.Request.Context(), user, batchID); err != nil {
		s.abortError(c, err)
		return
	}

	var rawSpecs []json.RawMessage
	if err := c.ShouldBindJSON(&rawSpecs); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(rawSpecs) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "empty bunch"})
		return
	}

	inserts := make([]store.JobInsert, 0, len(rawSpecs))
	for i, raw := range rawSpecs {
		var spec jobSpec
		if err := json.Unmarshal(raw, &spec); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("could not parse job spec %d: %v", i, err),
			})
			return
		}

		ins, err := s.buildJobInsert(c, &spec, raw)
		if err != nil {
			s.abortError(c, err)
			return
		}
		if i > 0 && ins.JobID != inserts[i-1].JobID+1 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("job ids are not consecutive: %d follows %d",
					ins.JobID, inserts[i-1].JobID),
			})
			return
		}
		inserts = append(inserts, ins)
	}

	// the full specs go to the object store as one bunch; the database
	// keeps only the token and start job id
	var bunchToken string
	if s.Logs != nil {
		w := logstore.NewSpecWriter()
		for _, raw := range rawSpecs {
			w.Add(raw)
		}
		if err := w.Write(c.Request.Context(), s.Logs, batchID); err != nil {
			s.abortError(c, err)
			return
		}
		bunchToken = w.Token()
	}

	if err := s.Store.CreateJobs(c.Request.Context(), batchID, bunchToken, inserts); err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

// buildJobInsert validates one job spec and resolves its resource requests
// into an effective core reservation and a pool.
func (s *Server) buildJobInsert(c *gin.Context, spec *jobSpec, raw []byte) (store.JobInsert, error) {
	if spec.JobID <= 0 {
		return store.JobInsert{}, store.Validationf("job_id must be positive")
	}
	seen := make(map[int]bool)
	for _, p := range spec.ParentIDs {
		if p <= 0 || p >= spec.JobID {
			return store.JobInsert{}, store.Validationf(
				"parents of job %d must have smaller job ids", spec.JobID)
		}
		if seen[p] {
			return store.JobInsert{}, store.Validationf(
				"duplicate parent %d for job %d", p, spec.JobID)
		}
		seen[p] = true
	}

	if (len(spec.Secrets) > 0 || (spec.Network != "" && spec.Network != "public")) && !isDeveloper(c) {
		return store.JobInsert{}, store.ErrForbidden
	}

	pool, err := s.resolvePool(spec)
	if err != nil {
		return store.JobInsert{}, err
	}

	coresMcpu, err := resolveCores(spec, pool)
	if err != nil {
		return store.JobInsert{}, err
	}

	state := batch.JobStateReady
	if len(spec.ParentIDs) > 0 {
		state = batch.JobStatePending
	}
	return store.JobInsert{
		JobID:      spec.JobID,
		State:      state,
		Spec:       raw,
		AlwaysRun:  spec.AlwaysRun,
		CoresMcpu:  coresMcpu,
		Pool:       pool.Name,
		Parents:    spec.ParentIDs,
		Attributes: spec.Attributes,
	}, nil
}

// resolvePool picks the pool a job runs in: the one it names, or the
// first configured pool of its worker type (default standard).
func (s *Server) resolvePool(spec *jobSpec) (config.PoolConfig, error) {
	workerType := spec.WorkerType
	if workerType == "" {
		workerType = "standard"
	}
	if _, err := batch.WorkerMemoryPerCoreMiB(workerType); err != nil {
		return config.PoolConfig{}, store.Validationf("unknown worker type %q", workerType)
	}

	if spec.Pool != "" {
		p, ok := s.Cfg.Pool(spec.Pool)
		if !ok {
			return config.PoolConfig{}, store.Validationf("unknown pool %q", spec.Pool)
		}
		if spec.WorkerType != "" && p.WorkerType != spec.WorkerType {
			return config.PoolConfig{}, store.Validationf(
				"pool %q is of worker type %q, not %q", p.Name, p.WorkerType, spec.WorkerType)
		}
		return p, nil
	}

	for _, p := range s.Cfg.Pools {
		if p.WorkerType == workerType {
			return p, nil
		}
	}
	return config.PoolConfig{}, store.Validationf("no pool of worker type %q", workerType)
}

// resolveCores parses the resource requests, applies defaults, adjusts the
// core reservation so its proportional share of worker memory and storage
// covers the requests, and rounds up for packability. Requests no worker
// in the pool can hold are rejected.
func resolveCores(spec *jobSpec, pool config.PoolConfig) (int, error) {
	cpu := spec.Resources.CPU
	if cpu == "" {
		cpu = "1"
	}
	coresMcpu, err := batch.ParseCPUInMcpu(cpu)
	if err != nil {
		return 0, store.Validationf("%v", err)
	}
	if coresMcpu <= 0 {
		return 0, store.Validationf("cpu request must be positive, got %q", cpu)
	}

	if spec.Resources.Memory != "" {
		memoryBytes, err := batch.ParseMemoryInBytes(spec.Resources.Memory)
		if err != nil {
			return 0, store.Validationf("%v", err)
		}
		coresMcpu, err = batch.AdjustCoresForMemoryRequest(coresMcpu, memoryBytes, pool.WorkerType)
		if err != nil {
			return 0, store.Validationf("%v", err)
		}
	}

	storage := spec.Resources.Storage
	if storage == "" {
		storage = "10Gi"
	}
	storageBytes, err := batch.ParseStorageInBytes(storage)
	if err != nil {
		return 0, store.Validationf("%v", err)
	}
	if batch.RoundStorageBytesToGiB(storageBytes) > batch.TotalWorkerStorageGiB(pool.LocalSSD, pool.PDSSDGB) {
		return 0, store.Validationf(
			"resource requests are unsatisfiable: job %d requests %s storage, worker has %dGi",
			spec.JobID, storage, batch.TotalWorkerStorageGiB(pool.LocalSSD, pool.PDSSDGB))
	}
	coresMcpu = batch.AdjustCoresForStorageRequest(coresMcpu, storageBytes,
		pool.WorkerCores, pool.LocalSSD, pool.PDSSDGB)

	coresMcpu = batch.AdjustCoresForPackability(coresMcpu)
	if coresMcpu > pool.WorkerCores*1000 {
		return 0, store.Validationf(
			"resource requests are unsatisfiable: job %d needs %d mcpu, worker has %d",
			spec.JobID, coresMcpu, pool.WorkerCores*1000)
	}
	return coresMcpu, nil
}

func (s *Server) getJob(c *gin.Context) {
	_, _, j, ok := s.loadUserJob(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, j.ToMap(s.costRate(c)))
}

func (s *Server) listJobs(c *gin.Context) {
	batchID, ok := pathBatchID(c)
	if !ok {
		return
	}
	if _, err := s.Store.GetUserBatch(c.Request.Context(), requestUser(c), batchID); err != nil {
		s.abortError(c, err)
		return
	}

	var last int
	if raw := c.Query("last_job_id"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid last_job_id"})
			return
		}
		last = v
	}

	jobs, next, err := s.Store.ListJobs(c.Request.Context(), batchID, c.Query("q"), last)
	if err != nil {
		s.abortError(c, err)
		return
	}

	rate := s.costRate(c)
	out := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ToMap(rate))
	}
	resp := gin.H{"jobs": out}
	if next != 0 {
		resp["last_job_id"] = next
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getAttempts(c *gin.Context) {
	batchID, jobID, _, ok := s.loadUserJob(c)
	if !ok {
		return
	}
	attempts, err := s.Store.GetAttempts(c.Request.Context(), batchID, jobID)
	if err != nil {
		s.abortError(c, err)
		return
	}
	now := batch.TimeMsecs()
	out := make([]map[string]any, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, a.ToMap(now))
	}
	c.JSON(http.StatusOK, gin.H{"attempts": out})
}

// getJobLog serves a job's task logs: proxied from the worker while the
// job is Running, from the object store once an attempt has finished.
func (s *Server) getJobLog(c *gin.Context) {
	batchID, jobID, j, ok := s.loadUserJob(c)
	if !ok {
		return
	}
	if j.AttemptID == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "job has no attempt yet"})
		return
	}
	attemptID := *j.AttemptID

	logs := make(map[string]string, len(batch.Tasks))
	if j.State == batch.JobStateRunning {
		if s.Driver == nil || s.Worker == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "driver not running"})
			return
		}
		attempts, err := s.Store.GetAttempts(c.Request.Context(), batchID, jobID)
		if err != nil {
			s.abortError(c, err)
			return
		}
		var instanceName string
		for _, a := range attempts {
			if a.AttemptID == attemptID {
				instanceName = a.InstanceName
			}
		}
		inst, ok := s.Driver.Registry().Get(instanceName)
		if !ok {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "instance no longer live"})
			return
		}
		for _, task := range batch.Tasks {
			data, err := s.Worker.JobLog(c.Request.Context(), inst.IPAddress, batchID, jobID, task)
			if err != nil {
				continue
			}
			logs[task] = string(data)
		}
	} else {
		if s.Logs == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "log store not configured"})
			return
		}
		for _, task := range batch.Tasks {
			data, err := s.Logs.ReadLog(c.Request.Context(), batchID, jobID, attemptID, task)
			if err != nil {
				continue
			}
			logs[task] = string(data)
		}
	}
	c.JSON(http.StatusOK, logs)
}

// getJobStatus serves a job's status document: proxied live from the
// worker while Running, the stored terminal status otherwise.
func (s *Server) getJobStatus(c *gin.Context) {
	batchID, jobID, j, ok := s.loadUserJob(c)
	if !ok {
		return
	}

	if j.State == batch.JobStateRunning && s.Driver != nil && s.Worker != nil && j.AttemptID != nil {
		attempts, err := s.Store.GetAttempts(c.Request.Context(), batchID, jobID)
		if err != nil {
			s.abortError(c, err)
			return
		}
		for _, a := range attempts {
			if a.AttemptID != *j.AttemptID {
				continue
			}
			inst, ok := s.Driver.Registry().Get(a.InstanceName)
			if !ok {
				break
			}
			data, err := s.Worker.JobStatus(c.Request.Context(), inst.IPAddress, batchID, jobID)
			if err != nil {
				break
			}
			c.Data(http.StatusOK, "application/json", data)
			return
		}
	}

	if len(j.Status) == 0 {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.Data(http.StatusOK, "application/json", j.Status)
}

func (s *Server) loadUserJob(c *gin.Context) (int64, int, *batch.JobRecord, bool) {
	batchID, ok := pathBatchID(c)
	if !ok {
		return 0, 0, nil, false
	}
	jobID, ok := pathJobID(c)
	if !ok {
		return 0, 0, nil, false
	}
	if _, err := s.Store.GetUserBatch(c.Request.Context(), requestUser(c), batchID); err != nil {
		s.abortError(c, err)
		return 0, 0, nil, false
	}
	j, err := s.Store.GetJob(c.Request.Context(), batchID, jobID)
	if err != nil {
		s.abortError(c, err)
		return 0, 0, nil, false
	}
	return batchID, jobID, j, true
}
