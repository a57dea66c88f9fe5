// Package proposal implements the pipeline orchestrator: a step-sequenced
// runner that drives compile, safe-run, refine, execute, finalize and accept
// for each submitted proposal job.
package proposal

import (
	"context"
	"encoding/json"
)

// JobState is the lifecycle state of a proposal job.
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

// StepID names one pipeline step.
type StepID string

const (
	StepCompile  StepID = "compile"
	StepRun      StepID = "run"
	StepRefine   StepID = "refine"
	StepExecute  StepID = "execute"
	StepFinalize StepID = "finalize"
	StepAccept   StepID = "accept"
)

// StepOrder is the fixed pipeline sequence.
var StepOrder = []StepID{StepCompile, StepRun, StepRefine, StepExecute, StepFinalize, StepAccept}

// StepStatus is the state of one step within a job.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepSnapshot records one step's progress.
type StepSnapshot struct {
	ID            StepID     `json:"id"`
	Status        StepStatus `json:"status"`
	StartedAtMs   int64      `json:"startedAtMs,omitempty"`
	FinishedAtMs  int64      `json:"finishedAtMs,omitempty"`
	OK            *bool      `json:"ok,omitempty"`
	WarningsCount int        `json:"warningsCount,omitempty"`
	ErrorsCount   int        `json:"errorsCount,omitempty"`
	Summary       string     `json:"summary,omitempty"`
}

// JobEvent is one entry in a job's bounded event ring.
type JobEvent struct {
	TS      int64  `json:"ts"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Request describes a proposal job. It must carry either the proposal
// markdown to compile or an existing plan directory.
type Request struct {
	ProposalMarkdown string `json:"proposalMarkdown,omitempty"`
	PlanDir          string `json:"planDir,omitempty"`

	// DisabledSteps are marked skipped instead of executed. Compile may
	// only be disabled when PlanDir is provided.
	DisabledSteps []StepID `json:"disabledSteps,omitempty"`

	// CompileOptions is passed opaquely to the compile collaborator.
	CompileOptions json.RawMessage `json:"compileOptions,omitempty"`
}

// Job is one proposal pipeline run.
type Job struct {
	JobID       string   `json:"jobId"`
	CreatedAtMs int64    `json:"createdAtMs"`
	UpdatedAtMs int64    `json:"updatedAtMs"`
	State       JobState `json:"state"`

	Request Request `json:"request"`

	PlanDir string `json:"planDir,omitempty"`
	PlanID  string `json:"planId,omitempty"`

	Steps  map[StepID]*StepSnapshot `json:"steps"`
	Events []JobEvent               `json:"events,omitempty"`

	CancelRequested bool `json:"cancelRequested,omitempty"`

	// FailureReason is set when the job fails.
	FailureReason string `json:"failureReason,omitempty"`
}

// Clone returns a deep copy safe to hand outside the critical section.
func (j *Job) Clone() *Job {
	c := *j
	c.Steps = make(map[StepID]*StepSnapshot, len(j.Steps))
	for id, step := range j.Steps {
		sc := *step
		if step.OK != nil {
			v := *step.OK
			sc.OK = &v
		}
		c.Steps[id] = &sc
	}
	c.Events = append([]JobEvent(nil), j.Events...)
	c.Request.DisabledSteps = append([]StepID(nil), j.Request.DisabledSteps...)
	c.Request.CompileOptions = append(json.RawMessage(nil), j.Request.CompileOptions...)
	return &c
}

// OpResult is the outcome of cancel.
type OpResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// ListFilter narrows List output.
type ListFilter struct {
	State JobState `json:"state,omitempty"`
}

// stateDocument is the persisted layout of the orchestrator's job set.
type stateDocument struct {
	Version int    `json:"version"`
	Jobs    []*Job `json:"jobs"`
}

const stateSchemaVersion = 1

// GatewayInvoker answers gateway RPCs in-process for the execute step. The
// method names and payload shapes match the external gateway schema.
type GatewayInvoker interface {
	Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
}

// StepOutcome is what a collaborator reports back for one step.
type StepOutcome struct {
	OK            bool   `json:"ok"`
	Summary       string `json:"summary,omitempty"`
	WarningsCount int    `json:"warningsCount,omitempty"`
	ErrorsCount   int    `json:"errorsCount,omitempty"`
}

// CompileOutcome extends StepOutcome with the plan produced by compilation.
type CompileOutcome struct {
	StepOutcome
	PlanID  string `json:"planId,omitempty"`
	PlanDir string `json:"planDir,omitempty"`
}

// Collaborators are the external step implementations the orchestrator
// sequences. Each call runs outside the critical section.
type Collaborators struct {
	// Compile turns proposal markdown into a plan directory.
	Compile func(ctx context.Context, markdown string, options json.RawMessage) (CompileOutcome, error)

	// Run executes the plan's safe nodes.
	Run func(ctx context.Context, planDir string) (StepOutcome, error)

	// Refine improves the plan after the safe run.
	Refine func(ctx context.Context, planDir string) (StepOutcome, error)

	// Execute runs the plan's GPU nodes through the in-process gateway.
	Execute func(ctx context.Context, planDir string, gw GatewayInvoker) (StepOutcome, error)

	// Finalize renders reports and applies patches.
	Finalize func(ctx context.Context, planDir string) (StepOutcome, error)

	// Accept evaluates acceptance criteria.
	Accept func(ctx context.Context, planDir string) (StepOutcome, error)
}
