package batch

import (
	"encoding/json"
	"time"
)

// JobState is the persisted lifecycle state of a job.
type JobState string

const (
	JobStatePending   JobState = "Pending"
	JobStateReady     JobState = "Ready"
	JobStateRunning   JobState = "Running"
	JobStateCancelled JobState = "Cancelled"
	JobStateError     JobState = "Error"
	JobStateFailed    JobState = "Failed"
	JobStateSuccess   JobState = "Success"
)

// CompleteStates are the terminal job states. A job in one of these states
// never transitions again; mark-complete on such a job is a no-op.
var CompleteStates = map[JobState]bool{
	JobStateCancelled: true,
	JobStateError:     true,
	JobStateFailed:    true,
	JobStateSuccess:   true,
}

// IsComplete reports whether s is terminal.
func (s JobState) IsComplete() bool {
	return CompleteStates[s]
}

// BatchState is the persisted state of a batch: open until closed, running
// until all jobs complete.
type BatchState string

const (
	BatchStateOpen     BatchState = "open"
	BatchStateRunning  BatchState = "running"
	BatchStateComplete BatchState = "complete"
)

// InstanceState is the lifecycle state of a worker VM. Only active
// instances receive dispatch.
type InstanceState string

const (
	InstanceStatePending  InstanceState = "pending"
	InstanceStateActive   InstanceState = "active"
	InstanceStateInactive InstanceState = "inactive"
	InstanceStateDeleted  InstanceState = "deleted"
)

// Terminal reasons recorded on attempts.
const (
	ReasonSuccess   = "success"
	ReasonError     = "error"
	ReasonFailed    = "failed"
	ReasonCancelled = "cancelled"
	ReasonPreempted = "preempted"

	// ReasonTooManyAttempts is recorded when a job exhausts its attempt
	// budget across instance losses and worker failures.
	ReasonTooManyAttempts = "too_many_attempts"
)

// Tasks are the per-attempt log streams a worker produces.
var Tasks = []string{"input", "main", "output"}

// CurrentFormatVersion is the job-spec format written by this release;
// readers dispatch on the batch's recorded version.
const CurrentFormatVersion = 1

// BatchRecord mirrors a row of the batches table plus derived cost.
type BatchRecord struct {
	ID             int64
	UserData       []byte
	User           string
	BillingProject string
	Attributes     []byte
	Callback       *string
	NJobs          int
	NCompleted     int
	NSucceeded     int
	NFailed        int
	NCancelled     int
	TimeCreated    int64
	TimeCompleted  *int64
	Token          string
	State          BatchState
	Closed         bool
	Cancelled      bool
	Deleted        bool
	FormatVersion  int
	MsecMcpu       int64
}

// DisplayState derives the user-facing batch state from the closed flag and
// the aggregate counters.
func (b *BatchRecord) DisplayState() string {
	switch {
	case !b.Closed:
		return "open"
	case b.NFailed > 0:
		return "failure"
	case b.NCancelled > 0:
		return "cancelled"
	case b.NSucceeded == b.NJobs:
		return "success"
	default:
		return "running"
	}
}

// Complete reports whether every declared job has reached a terminal state.
func (b *BatchRecord) Complete() bool {
	return b.Closed && b.NCompleted == b.NJobs
}

// ToMap renders the batch the way the REST surface serves it.
func (b *BatchRecord) ToMap(costRate float64) map[string]any {
	d := map[string]any{
		"id":              b.ID,
		"billing_project": b.BillingProject,
		"state":           b.DisplayState(),
		"complete":        b.Complete(),
		"closed":          b.Closed,
		"n_jobs":          b.NJobs,
		"n_completed":     b.NCompleted,
		"n_succeeded":     b.NSucceeded,
		"n_failed":        b.NFailed,
		"n_cancelled":     b.NCancelled,
		"time_created":    b.TimeCreated,
		"msec_mcpu":       b.MsecMcpu,
		"cost":            CostString(CostFromMsecMcpu(b.MsecMcpu, costRate)),
	}
	if b.TimeCompleted != nil {
		d["time_completed"] = *b.TimeCompleted
	}
	if len(b.Attributes) > 0 {
		var attrs map[string]string
		if err := json.Unmarshal(b.Attributes, &attrs); err == nil && len(attrs) > 0 {
			d["attributes"] = attrs
		}
	}
	return d
}

// JobRecord mirrors a row of the jobs table.
type JobRecord struct {
	BatchID         int64
	JobID           int
	State           JobState
	Spec            []byte
	AlwaysRun       bool
	CoresMcpu       int
	NPendingParents int
	Pool            string
	AttemptID       *string
	Status          []byte
	MsecMcpu        int64
}

// ToMap renders the job for the REST surface. Attributes are stripped out
// of the spec into their own field, matching how they are stored.
func (j *JobRecord) ToMap(costRate float64) map[string]any {
	d := map[string]any{
		"batch_id":  j.BatchID,
		"job_id":    j.JobID,
		"state":     string(j.State),
		"msec_mcpu": j.MsecMcpu,
		"cost":      CostString(CostFromMsecMcpu(j.MsecMcpu, costRate)),
	}
	if len(j.Spec) > 0 {
		var spec map[string]any
		if err := json.Unmarshal(j.Spec, &spec); err == nil {
			if attrs, ok := spec["attributes"]; ok {
				delete(spec, "attributes")
				d["attributes"] = attrs
			}
			d["spec"] = spec
		}
	}
	if len(j.Status) > 0 {
		var status map[string]any
		if err := json.Unmarshal(j.Status, &status); err == nil {
			d["status"] = status
		}
	}
	return d
}

// AttemptRecord mirrors a row of the attempts table.
type AttemptRecord struct {
	BatchID      int64
	JobID        int
	AttemptID    string
	InstanceName string
	StartTime    *int64
	EndTime      *int64
	Reason       *string
}

// ToMap renders the attempt for the REST surface, with times formatted and
// a duration computed against now for live attempts.
func (a *AttemptRecord) ToMap(now int64) map[string]any {
	d := map[string]any{
		"attempt_id":    a.AttemptID,
		"instance_name": a.InstanceName,
	}
	if a.StartTime != nil {
		d["start_time"] = TimeMsecsStr(*a.StartTime)
		end := now
		if a.EndTime != nil {
			end = *a.EndTime
		}
		dur := end - *a.StartTime
		if dur < 0 {
			dur = 0
		}
		d["duration"] = time.Duration(dur * int64(time.Millisecond)).String()
	}
	if a.EndTime != nil {
		d["end_time"] = TimeMsecsStr(*a.EndTime)
	}
	if a.Reason != nil {
		d["reason"] = *a.Reason
	}
	return d
}

// TimeMsecs returns the current wall clock in milliseconds since the epoch,
// the time representation used throughout the store.
func TimeMsecs() int64 {
	return time.Now().UnixMilli()
}

// TimeMsecsStr formats an epoch-milliseconds timestamp for display.
func TimeMsecsStr(msecs int64) string {
	return time.UnixMilli(msecs).UTC().Format("2006-01-02T15:04:05Z")
}
