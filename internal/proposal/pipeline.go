package proposal

import (
	"context"
	"fmt"

	"github.com/openclaw/gateway/internal/events"
)

// runPipeline drives one job through the six steps in order. Collaborator
// calls run outside the lock; every step boundary re-enters it to record
// progress and observe cancellation.
func (o *Orchestrator) runPipeline(jobID string) {
	defer o.wg.Done()

	ctx := context.Background()

	for _, stepID := range StepOrder {
		action, planDir, markdown, options, ok := o.beginStep(jobID, stepID)
		if !ok {
			return
		}
		if action == stepActionSkip {
			continue
		}

		var outcome StepOutcome
		var planID, newPlanDir string
		var err error

		switch stepID {
		case StepCompile:
			var c CompileOutcome
			if o.collab.Compile == nil {
				err = fmt.Errorf("compile collaborator not configured")
			} else {
				c, err = o.collab.Compile(ctx, markdown, options)
			}
			outcome = c.StepOutcome
			planID = c.PlanID
			newPlanDir = c.PlanDir
		case StepRun:
			outcome, err = callStep(ctx, o.collab.Run, planDir)
		case StepRefine:
			outcome, err = callStep(ctx, o.collab.Refine, planDir)
		case StepExecute:
			if o.collab.Execute == nil {
				err = fmt.Errorf("execute collaborator not configured")
			} else {
				outcome, err = o.collab.Execute(ctx, planDir, o.gw)
			}
		case StepFinalize:
			outcome, err = callStep(ctx, o.collab.Finalize, planDir)
		case StepAccept:
			outcome, err = callStep(ctx, o.collab.Accept, planDir)
		}

		if err != nil {
			outcome = StepOutcome{OK: false, Summary: err.Error(), ErrorsCount: 1}
		}

		if !o.finishStep(jobID, stepID, outcome, planID, newPlanDir) {
			return
		}
	}

	o.finishJob(jobID)
}

func callStep(ctx context.Context, fn func(context.Context, string) (StepOutcome, error), planDir string) (StepOutcome, error) {
	if fn == nil {
		return StepOutcome{}, fmt.Errorf("step collaborator not configured")
	}
	return fn(ctx, planDir)
}

type stepAction int

const (
	stepActionRun stepAction = iota
	stepActionSkip
)

// beginStep checks cancellation, decides skip-vs-run and marks the step
// running. Returns ok=false when the job was finalized (canceled or gone).
func (o *Orchestrator) beginStep(jobID string, stepID StepID) (action stepAction, planDir, markdown string, options []byte, ok bool) {
	nowMs := o.now().UnixMilli()

	o.mu.Lock()
	job, found := o.jobs[jobID]
	if !found || job.State != StateRunning {
		o.mu.Unlock()
		return 0, "", "", nil, false
	}

	if job.CancelRequested {
		for _, id := range StepOrder {
			if step := job.Steps[id]; step != nil && step.Status == StepPending {
				step.Status = StepSkipped
			}
		}
		o.appendEventLocked(job, "info", "canceled between steps")
		o.finalizeLocked(job, StateCanceled, "")
		o.markDirtyLocked()
		o.mu.Unlock()

		o.emit(events.NewEvent(events.ProposalCanceled, jobID))
		o.schedulePersist()
		return 0, "", "", nil, false
	}

	// Compile is implicitly satisfied by a pre-existing plan directory.
	disabled := stepID == StepCompile && job.PlanDir != ""
	for _, id := range job.Request.DisabledSteps {
		if id == stepID {
			disabled = true
		}
	}
	if disabled {
		step := job.Steps[stepID]
		step.Status = StepSkipped
		job.UpdatedAtMs = nowMs
		o.appendEventLocked(job, "info", fmt.Sprintf("step %s skipped", stepID))
		o.markDirtyLocked()
		o.mu.Unlock()

		o.schedulePersist()
		return stepActionSkip, "", "", nil, true
	}

	step := job.Steps[stepID]
	step.Status = StepRunning
	step.StartedAtMs = nowMs
	job.UpdatedAtMs = nowMs
	o.appendEventLocked(job, "info", fmt.Sprintf("step %s started", stepID))
	o.markDirtyLocked()

	planDir = job.PlanDir
	markdown = job.Request.ProposalMarkdown
	options = job.Request.CompileOptions
	o.mu.Unlock()

	o.emit(events.NewEvent(events.ProposalStepStarted, jobID).WithPayload(string(stepID)))
	o.schedulePersist()
	return stepActionRun, planDir, markdown, options, true
}

// finishStep records the outcome. Returns false when the job was finalized
// (step failure or cancellation) and the pipeline must stop.
func (o *Orchestrator) finishStep(jobID string, stepID StepID, outcome StepOutcome, planID, planDir string) bool {
	nowMs := o.now().UnixMilli()

	o.mu.Lock()
	job, found := o.jobs[jobID]
	if !found || job.State != StateRunning {
		o.mu.Unlock()
		return false
	}

	step := job.Steps[stepID]
	step.FinishedAtMs = nowMs
	okVal := outcome.OK
	step.OK = &okVal
	step.Summary = outcome.Summary
	step.WarningsCount = outcome.WarningsCount
	step.ErrorsCount = outcome.ErrorsCount
	job.UpdatedAtMs = nowMs

	if outcome.OK {
		step.Status = StepSucceeded
		if stepID == StepCompile {
			job.PlanID = planID
			job.PlanDir = planDir
		}
		o.appendEventLocked(job, "info", fmt.Sprintf("step %s succeeded", stepID))
		o.markDirtyLocked()
		o.mu.Unlock()

		o.emit(events.NewEvent(events.ProposalStepFinished, jobID).WithPayload(string(stepID)))
		o.schedulePersist()
		return true
	}

	step.Status = StepFailed
	for _, id := range StepOrder {
		if s := job.Steps[id]; s != nil && s.Status == StepPending {
			s.Status = StepSkipped
		}
	}
	reason := fmt.Sprintf("%s failed", stepID)
	o.appendEventLocked(job, "error", reason)
	o.finalizeLocked(job, StateFailed, reason)
	o.markDirtyLocked()
	o.mu.Unlock()

	o.emit(events.NewEvent(events.ProposalStepFinished, jobID).WithPayload(string(stepID)).WithError(fmt.Errorf("%s", reason)))
	o.emit(events.NewEvent(events.ProposalFailed, jobID))
	o.schedulePersist()
	o.kick()
	return false
}

// finishJob marks the job succeeded after all enabled steps passed.
func (o *Orchestrator) finishJob(jobID string) {
	o.mu.Lock()
	job, found := o.jobs[jobID]
	if !found || job.State != StateRunning {
		o.mu.Unlock()
		return
	}

	if job.CancelRequested {
		o.finalizeLocked(job, StateCanceled, "")
		o.markDirtyLocked()
		o.mu.Unlock()

		o.emit(events.NewEvent(events.ProposalCanceled, jobID))
		o.schedulePersist()
		o.kick()
		return
	}

	o.appendEventLocked(job, "info", "pipeline complete")
	o.finalizeLocked(job, StateSucceeded, "")
	o.markDirtyLocked()
	o.mu.Unlock()

	o.emit(events.NewEvent(events.ProposalSucceeded, jobID))
	o.schedulePersist()
	o.kick()
}
