package gpusched

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/gateway/internal/events"
	"github.com/openclaw/gateway/internal/nodes"
	"github.com/openclaw/gateway/internal/policy"
)

// candidate is one eligible node with the scheduler's local view of its
// allocation during a pump.
type candidate struct {
	session      nodes.NodeSession
	allocatedGPU int
}

// launch carries everything an attempt goroutine needs, captured under the
// lock at dispatch time.
type launch struct {
	jobID   string
	attempt int
	nodeID  string
	exec    ExecSpec
	planDir string
}

// dispatchLoop is the single dispatcher worker. It wakes on kicks and on
// the poll interval, runs reconciliation for jobs loaded as running, then
// pumps the queue.
func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()

	interval := time.Duration(s.cfg.PollIntervalMs) * time.Millisecond
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-s.kickCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		s.processReconciliation()

		for _, l := range s.pump() {
			go s.runAttempt(l)
		}

		s.trimHistory()
		timer.Reset(interval)
	}
}

// pump walks the queue in FIFO order and dispatches every runnable job onto
// its best-fit node. Returns the launches to perform outside the lock.
func (s *Scheduler) pump() []launch {
	// Connected-node snapshot is taken before entering the critical
	// section; the candidate view is then owned by this pump.
	sessions := s.registry.ListConnected()
	nowMs := s.now().UnixMilli()
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}

	running := s.runningCountLocked()
	if running >= s.cfg.MaxConcurrentJobs {
		return nil
	}

	candidates := s.buildCandidatesLocked(sessions)

	var launches []launch
	for _, jobID := range s.queue {
		job, ok := s.jobs[jobID]
		if !ok || job.State != StateQueued || job.Paused {
			continue
		}
		if job.NotBeforeMs > 0 && job.NotBeforeMs > nowMs {
			continue
		}

		// Per-job policy re-check at dispatch time: a job outside its
		// window is parked instead of dispatched.
		if autoPause, _, windows, ok := s.effectivePolicy(job); ok && autoPause && !policy.InAnyWindow(windows, now) {
			job.Paused = true
			job.PausedReason = PausePolicy
			job.UpdatedAtMs = nowMs
			s.markDirtyLocked()
			continue
		}

		if running >= s.cfg.MaxConcurrentJobs {
			break
		}

		best := bestFit(candidates, job.Resources)
		if best == nil {
			continue
		}
		best.allocatedGPU += job.Resources.GPUCount

		attemptNo := len(job.Attempts) + 1
		job.Attempts = append(job.Attempts, Attempt{
			Attempt:     attemptNo,
			NodeID:      best.session.NodeID,
			StartedAtMs: nowMs,
		})
		job.State = StateRunning
		job.AssignedNodeID = best.session.NodeID
		job.NotBeforeMs = 0
		job.UpdatedAtMs = nowMs
		running++
		s.markDirtyLocked()

		launches = append(launches, launch{
			jobID:   jobID,
			attempt: attemptNo,
			nodeID:  best.session.NodeID,
			exec:    job.Clone().Exec,
			planDir: job.PlanDir(),
		})
	}

	if len(launches) > 0 {
		s.schedulePersist()
	}
	return launches
}

// runningCountLocked counts jobs in the running state. Caller holds the lock.
func (s *Scheduler) runningCountLocked() int {
	n := 0
	for _, job := range s.jobs {
		if job.State == StateRunning {
			n++
		}
	}
	return n
}

// buildCandidatesLocked derives the eligible node set: connected, allowed to
// run system.run, with a positive GPU count. Allocation reflects this
// scheduler's running jobs. Caller holds the lock.
func (s *Scheduler) buildCandidatesLocked(sessions []nodes.NodeSession) []*candidate {
	allocated := make(map[string]int)
	for _, job := range s.jobs {
		if job.State == StateRunning && job.AssignedNodeID != "" {
			allocated[job.AssignedNodeID] += job.Resources.GPUCount
		}
	}

	var out []*candidate
	for _, session := range sessions {
		if session.Resources.GPUCount <= 0 {
			continue
		}
		if s.commands != nil && !s.commands.Allow(CommandRun, session.DeclaredCommands) {
			continue
		}
		out = append(out, &candidate{
			session:      session,
			allocatedGPU: allocated[session.NodeID],
		})
	}
	return out
}

// bestFit picks the feasible node with the fewest free GPUs that still
// satisfy the request, breaking ties on nodeId.
func bestFit(candidates []*candidate, req ResourceRequest) *candidate {
	var feasible []*candidate
	for _, c := range candidates {
		free := c.session.Resources.GPUCount - c.allocatedGPU
		if free < req.GPUCount {
			continue
		}
		if req.GPUType != "" && !strings.EqualFold(c.session.Resources.GPUType, req.GPUType) {
			continue
		}
		if req.GPUMemGB > 0 && c.session.Resources.GPUMemGB < req.GPUMemGB {
			continue
		}
		feasible = append(feasible, c)
	}
	if len(feasible) == 0 {
		return nil
	}

	sort.Slice(feasible, func(i, j int) bool {
		fi := feasible[i].session.Resources.GPUCount - feasible[i].allocatedGPU
		fj := feasible[j].session.Resources.GPUCount - feasible[j].allocatedGPU
		if fi != fj {
			return fi < fj
		}
		return feasible[i].session.NodeID < feasible[j].session.NodeID
	})
	return feasible[0]
}

// attemptOutcome is the normalized completion evidence for one attempt,
// whether it arrived via the RPC response or reconciliation.
type attemptOutcome struct {
	ok         bool
	exitCode   *int
	timedOut   bool
	stdoutTail string
	stderrTail string
	err        string
}

// runAttempt performs the RPC for a dispatched attempt and re-applies the
// result under the lock. Runs outside the critical section.
func (s *Scheduler) runAttempt(l launch) {
	exec := wrapExec(l.exec, l.jobID, l.attempt)

	timeoutMs := exec.InvokeTimeoutMs
	if timeoutMs <= 0 {
		if exec.CommandTimeoutMs > 0 {
			timeoutMs = exec.CommandTimeoutMs + 30_000
		} else {
			timeoutMs = defaultInvokeTimeoutMs
		}
	}

	params := map[string]any{
		"command": exec.Command,
	}
	if exec.RawCommand != "" {
		params["rawCommand"] = exec.RawCommand
	}
	if exec.Cwd != "" {
		params["cwd"] = exec.Cwd
	}
	if len(exec.Env) > 0 {
		params["env"] = exec.Env
	}
	if exec.CommandTimeoutMs > 0 {
		params["timeoutMs"] = exec.CommandTimeoutMs
	}
	if exec.Approved != nil {
		params["approved"] = *exec.Approved
	}
	if exec.ApprovalDecision != "" {
		params["approvalDecision"] = exec.ApprovalDecision
	}

	s.emit(events.NewEvent(events.JobDispatched, l.jobID).WithNode(l.nodeID).WithAttempt(l.attempt))
	s.appendJobEvent(l.planDir, l.jobID, "dispatched", map[string]any{"nodeId": l.nodeID, "attempt": l.attempt})

	result := s.registry.Invoke(context.Background(), nodes.InvokeRequest{
		NodeID:         l.nodeID,
		Command:        CommandRun,
		Params:         params,
		TimeoutMs:      timeoutMs,
		IdempotencyKey: uuid.NewString(),
	})

	outcome := outcomeFromInvoke(result)
	s.applyAttemptResult(l.jobID, l.attempt, outcome)
}

// outcomeFromInvoke maps an RPC result onto attempt evidence.
func outcomeFromInvoke(result nodes.InvokeResult) attemptOutcome {
	if result.Error != nil {
		return attemptOutcome{
			timedOut: result.Error.Code == nodes.ErrTimeout,
			err:      string(result.Error.Code) + ": " + result.Error.Message,
		}
	}

	var payload runPayload
	if len(result.Payload) > 0 {
		// Unrecognized payloads leave success at its false zero value.
		_ = json.Unmarshal(result.Payload, &payload)
	}

	return attemptOutcome{
		ok:         payload.Success,
		exitCode:   payload.ExitCode,
		timedOut:   payload.TimedOut,
		stdoutTail: tailString(payload.Stdout),
		stderrTail: tailString(payload.Stderr),
	}
}

// applyAttemptResult folds completion evidence into the job under the lock
// and decides the next state: canceled, succeeded, requeued-paused, retried
// with linear backoff, or failed.
func (s *Scheduler) applyAttemptResult(jobID string, attemptNo int, outcome attemptOutcome) {
	nowMs := s.now().UnixMilli()

	s.mu.Lock()

	job, ok := s.jobs[jobID]
	if !ok {
		// Evicted while the RPC was in flight.
		s.mu.Unlock()
		s.log.Debug().Str("jobId", jobID).Msg("late attempt result for unknown job, dropped")
		return
	}
	if job.State != StateRunning || len(job.Attempts) == 0 || job.Attempts[len(job.Attempts)-1].Attempt != attemptNo {
		s.mu.Unlock()
		s.log.Warn().Str("jobId", jobID).Int("attempt", attemptNo).Msg("stale attempt result discarded")
		return
	}

	attempt := &job.Attempts[len(job.Attempts)-1]
	attempt.FinishedAtMs = nowMs
	okVal := outcome.ok
	attempt.OK = &okVal
	attempt.ExitCode = outcome.exitCode
	attempt.TimedOut = outcome.timedOut
	attempt.StdoutTail = outcome.stdoutTail
	attempt.StderrTail = outcome.stderrTail
	attempt.Error = outcome.err

	pauseRequested := job.PauseRequested
	job.PauseRequested = false

	planDir := job.PlanDir()
	var terminalEvent events.EventType
	var journalType string

	switch {
	case job.CancelRequested:
		s.finalizeLocked(job, StateCanceled, nil)
		terminalEvent = events.JobCanceled
		journalType = "canceled"

	case outcome.ok:
		s.finalizeLocked(job, StateSucceeded, nil)
		terminalEvent = events.JobSucceeded
		journalType = "succeeded"

	case pauseRequested:
		attempt.Error = "paused"
		job.State = StateQueued
		job.Paused = true
		job.AssignedNodeID = ""
		job.NotBeforeMs = nowMs
		job.UpdatedAtMs = nowMs
		journalType = "requeuedPaused"

	case attemptNo < job.MaxAttempts:
		backoff := int64(1000 * attemptNo)
		if backoff > 30_000 {
			backoff = 30_000
		}
		job.State = StateQueued
		job.AssignedNodeID = ""
		job.NotBeforeMs = nowMs + backoff
		job.UpdatedAtMs = nowMs
		journalType = "requeued"

	default:
		s.finalizeLocked(job, StateFailed, nil)
		terminalEvent = events.JobFailed
		journalType = "failed"
	}

	s.markDirtyLocked()
	s.mu.Unlock()

	s.emit(events.NewEvent(events.JobAttemptFinished, jobID).
		WithAttempt(attemptNo).
		WithPayload(map[string]any{"ok": outcome.ok, "timedOut": outcome.timedOut}))
	if terminalEvent != "" {
		s.emit(events.NewEvent(terminalEvent, jobID))
	} else {
		s.emit(events.NewEvent(events.JobRequeued, jobID).WithAttempt(attemptNo))
	}
	s.appendJobEvent(planDir, jobID, journalType, map[string]any{"attempt": attemptNo})

	s.schedulePersist()
	s.kick()
}

// trimHistory evicts the oldest terminal jobs beyond the configured limit
// and prunes their queue entries.
func (s *Scheduler) trimHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var terminals []*GpuJob
	for _, job := range s.jobs {
		if job.State.Terminal() {
			terminals = append(terminals, job)
		}
	}
	if len(terminals) <= s.cfg.TerminalHistoryLimit {
		return
	}

	sort.Slice(terminals, func(i, j int) bool {
		return terminals[i].UpdatedAtMs > terminals[j].UpdatedAtMs
	})

	evicted := make(map[string]bool)
	for _, job := range terminals[s.cfg.TerminalHistoryLimit:] {
		delete(s.jobs, job.JobID)
		evicted[job.JobID] = true
	}

	if len(evicted) > 0 {
		queue := s.queue[:0]
		for _, id := range s.queue {
			if !evicted[id] {
				queue = append(queue, id)
			}
		}
		s.queue = queue
		s.markDirtyLocked()
		s.schedulePersist()
	}
}
