// Package gpusched implements the resource-aware GPU job scheduler: a
// single FIFO queue dispatched onto connected worker nodes with best-fit
// allocation, durable state, cooperative pause/cancel via marker files, and
// restart reconciliation against wrapper-authored evidence on disk.
package gpusched

import "github.com/openclaw/gateway/internal/policy"

// JobState is the lifecycle state of a GPU job.
type JobState string

const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StateSucceeded JobState = "succeeded"
	StateFailed    JobState = "failed"
	StateCanceled  JobState = "canceled"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCanceled:
		return true
	}
	return false
}

// PauseReason records why a job was paused.
type PauseReason string

const (
	PauseManual PauseReason = "manual"
	PausePolicy PauseReason = "policy"
)

// ResourceRequest is the capacity a job asks for.
type ResourceRequest struct {
	GPUCount int     `json:"gpuCount"`
	GPUType  string  `json:"gpuType,omitempty"`
	GPUMemGB float64 `json:"gpuMemGB,omitempty"`
	CPUCores float64 `json:"cpuCores,omitempty"`
	RAMGB    float64 `json:"ramGB,omitempty"`
}

// ExecSpec describes the command a job runs on its node.
type ExecSpec struct {
	Command          []string          `json:"command"`
	RawCommand       string            `json:"rawCommand,omitempty"`
	Cwd              string            `json:"cwd,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	CommandTimeoutMs int64             `json:"commandTimeoutMs,omitempty"`
	InvokeTimeoutMs  int64             `json:"invokeTimeoutMs,omitempty"`
	Approved         *bool             `json:"approved,omitempty"`
	ApprovalDecision string            `json:"approvalDecision,omitempty"`
}

// JobPolicy is a per-job time-window policy. Nil fields fall back to the
// scheduler's global policy defaults.
type JobPolicy struct {
	AutoPause  *bool               `json:"autoPause,omitempty"`
	AutoResume *bool               `json:"autoResume,omitempty"`
	Windows    []policy.TimeWindow `json:"windows,omitempty"`
}

// Attempt is one dispatch-and-invoke cycle for a job, numbered from 1.
type Attempt struct {
	Attempt      int    `json:"attempt"`
	NodeID       string `json:"nodeId"`
	StartedAtMs  int64  `json:"startedAtMs"`
	FinishedAtMs int64  `json:"finishedAtMs,omitempty"`
	OK           *bool  `json:"ok,omitempty"`
	ExitCode     *int   `json:"exitCode,omitempty"`
	TimedOut     bool   `json:"timedOut,omitempty"`
	StdoutTail   string `json:"stdoutTail,omitempty"`
	StderrTail   string `json:"stderrTail,omitempty"`
	Error        string `json:"error,omitempty"`
}

// JobResult is set exactly once when a job enters a terminal state.
type JobResult struct {
	ExitCode   *int   `json:"exitCode"`
	TimedOut   bool   `json:"timedOut"`
	Success    bool   `json:"success"`
	StdoutTail string `json:"stdoutTail,omitempty"`
	StderrTail string `json:"stderrTail,omitempty"`
}

// GpuJob is the scheduler's unit of work.
type GpuJob struct {
	JobID       string   `json:"jobId"`
	CreatedAtMs int64    `json:"createdAtMs"`
	UpdatedAtMs int64    `json:"updatedAtMs"`
	State       JobState `json:"state"`

	Resources   ResourceRequest `json:"resources"`
	Exec        ExecSpec        `json:"exec"`
	MaxAttempts int             `json:"maxAttempts"`
	Attempts    []Attempt       `json:"attempts"`

	AssignedNodeID string `json:"assignedNodeId,omitempty"`
	NotBeforeMs    int64  `json:"notBeforeMs,omitempty"`

	Paused          bool        `json:"paused,omitempty"`
	PausedReason    PauseReason `json:"pausedReason,omitempty"`
	PauseRequested  bool        `json:"pauseRequested,omitempty"`
	CancelRequested bool        `json:"cancelRequested,omitempty"`

	Policy *JobPolicy `json:"policy,omitempty"`
	Result *JobResult `json:"result,omitempty"`
}

// Clone returns a deep copy safe to hand outside the critical section.
func (j *GpuJob) Clone() *GpuJob {
	c := *j
	c.Attempts = make([]Attempt, len(j.Attempts))
	copy(c.Attempts, j.Attempts)
	if j.Exec.Command != nil {
		c.Exec.Command = append([]string(nil), j.Exec.Command...)
	}
	if j.Exec.Env != nil {
		c.Exec.Env = make(map[string]string, len(j.Exec.Env))
		for k, v := range j.Exec.Env {
			c.Exec.Env[k] = v
		}
	}
	if j.Exec.Approved != nil {
		v := *j.Exec.Approved
		c.Exec.Approved = &v
	}
	if j.Policy != nil {
		p := *j.Policy
		if j.Policy.AutoPause != nil {
			v := *j.Policy.AutoPause
			p.AutoPause = &v
		}
		if j.Policy.AutoResume != nil {
			v := *j.Policy.AutoResume
			p.AutoResume = &v
		}
		p.Windows = append([]policy.TimeWindow(nil), j.Policy.Windows...)
		c.Policy = &p
	}
	if j.Result != nil {
		r := *j.Result
		if j.Result.ExitCode != nil {
			v := *j.Result.ExitCode
			r.ExitCode = &v
		}
		c.Result = &r
	}
	for i := range c.Attempts {
		if c.Attempts[i].OK != nil {
			v := *c.Attempts[i].OK
			c.Attempts[i].OK = &v
		}
		if c.Attempts[i].ExitCode != nil {
			v := *c.Attempts[i].ExitCode
			c.Attempts[i].ExitCode = &v
		}
	}
	return &c
}

// PlanDir returns the shared plan directory carried in the job's env, or ""
// when absent.
func (j *GpuJob) PlanDir() string {
	if j.Exec.Env == nil {
		return ""
	}
	return j.Exec.Env[EnvPlanDir]
}

// SubmitRequest creates a new GPU job.
type SubmitRequest struct {
	Resources   ResourceRequest `json:"resources"`
	Exec        ExecSpec        `json:"exec"`
	MaxAttempts int             `json:"maxAttempts,omitempty"`
	Policy      *JobPolicy      `json:"policy,omitempty"`
}

// OpResult is the outcome of cancel/pause/resume.
type OpResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// ListFilter narrows List output.
type ListFilter struct {
	State JobState `json:"state,omitempty"`
}

// stateDocument is the persisted layout of the scheduler's job set.
type stateDocument struct {
	Version int       `json:"version"`
	Jobs    []*GpuJob `json:"jobs"`
}

// stateSchemaVersion is the persisted document version.
const stateSchemaVersion = 1

// runPayload is the recognized shape of a system.run response. Unrecognized
// fields are ignored; success defaults to false.
type runPayload struct {
	Success  bool   `json:"success"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode *int   `json:"exitCode"`
	TimedOut bool   `json:"timedOut"`
}
