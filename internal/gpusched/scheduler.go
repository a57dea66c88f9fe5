package gpusched

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/openclaw/gateway/internal/config"
	"github.com/openclaw/gateway/internal/events"
	"github.com/openclaw/gateway/internal/nodes"
	"github.com/openclaw/gateway/internal/policy"
	"github.com/openclaw/gateway/internal/statestore"
)

// Dependencies bundles external collaborators for injection.
type Dependencies struct {
	Registry nodes.Registry
	Commands *policy.CommandPolicy
	Bus      *events.Bus
	Log      zerolog.Logger
}

// Scheduler is the GPU job scheduler. All state mutation happens under a
// single mutex; node RPCs, reconciliation file reads and disk persistence
// run between critical sections and re-enter the lock to apply results.
type Scheduler struct {
	cfg         config.GPUSchedulerConfig
	persistPath string

	registry nodes.Registry
	commands *policy.CommandPolicy
	bus      *events.Bus
	log      zerolog.Logger

	mu      sync.Mutex
	started bool
	stopped bool

	jobs    map[string]*GpuJob
	queue   []string
	waiters map[string][]chan *GpuJob

	// reconcile holds formerly-running jobs loaded at start, consumed by
	// the first dispatcher pumps.
	reconcile []reconcileRecord

	stateVersion     uint64
	persistedVersion uint64

	kickCh    chan struct{}
	persistCh chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup

	// now is the clock, swappable in tests.
	now func() time.Time
}

type reconcileRecord struct {
	jobID   string
	attempt int
	planDir string
}

// ErrStopped is returned by Submit after Stop.
var ErrStopped = fmt.Errorf("scheduler stopped")

// New creates a scheduler. persistPath may be empty when persistence is
// disabled in cfg.
func New(cfg config.GPUSchedulerConfig, persistPath string, deps Dependencies) *Scheduler {
	if cfg.PollIntervalMs < MinPollIntervalMs {
		cfg.PollIntervalMs = MinPollIntervalMs
	}
	if cfg.Policy.IntervalMs < config.MinPolicyIntervalMs {
		cfg.Policy.IntervalMs = DefaultPolicyIntervalMs
	}
	return &Scheduler{
		cfg:         cfg,
		persistPath: persistPath,
		registry:    deps.Registry,
		commands:    deps.Commands,
		bus:         deps.Bus,
		log:         deps.Log.With().Str("component", "gpu-scheduler").Logger(),
		jobs:        make(map[string]*GpuJob),
		waiters:     make(map[string][]chan *GpuJob),
		kickCh:      make(chan struct{}, 1),
		persistCh:   make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		now:         time.Now,
	}
}

// Start loads persisted state, enqueues surviving jobs, marks formerly
// running jobs for reconciliation, and starts the dispatcher, persistence
// and policy workers. Idempotent.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.stopped = false
	s.mu.Unlock()

	if s.cfg.Persist && s.persistPath != "" {
		s.loadState()
	}

	s.wg.Add(3)
	go s.dispatchLoop()
	go s.persistLoop()
	go s.policyLoop()

	if s.bus != nil {
		s.bus.Emit(events.Event{Type: events.GatewayStarted})
	}

	s.kick()
	return nil
}

// Stop cancels the internal workers. Pending waiters are abandoned.
// Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped || !s.started {
		s.stopped = true
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}

// Submit validates and enqueues a new job, returning its snapshot.
func (s *Scheduler) Submit(req SubmitRequest) (*GpuJob, error) {
	nowMs := s.now().UnixMilli()

	gpuCount := int(math.Floor(float64(req.Resources.GPUCount)))
	if gpuCount < 1 {
		gpuCount = 1
	}
	maxAttempts := int(math.Floor(float64(req.MaxAttempts)))
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	job := &GpuJob{
		JobID:       ulid.Make().String(),
		CreatedAtMs: nowMs,
		UpdatedAtMs: nowMs,
		State:       StateQueued,
		Resources:   req.Resources,
		Exec:        req.Exec,
		MaxAttempts: maxAttempts,
		Attempts:    []Attempt{},
		Policy:      req.Policy,
	}
	job.Resources.GPUCount = gpuCount

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	s.jobs[job.JobID] = job
	s.queue = append(s.queue, job.JobID)
	s.markDirtyLocked()
	snapshot := job.Clone()
	s.mu.Unlock()

	s.emit(events.NewEvent(events.JobSubmitted, job.JobID))
	s.appendJobEvent(job.PlanDir(), job.JobID, "submitted", map[string]any{"gpuCount": gpuCount})
	s.kick()

	return snapshot, nil
}

// Get returns a snapshot of the job, or nil when unknown.
func (s *Scheduler) Get(jobID string) *GpuJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil
	}
	return job.Clone()
}

// List returns job snapshots sorted by creation time descending, optionally
// filtered by state.
func (s *Scheduler) List(filter ListFilter) []*GpuJob {
	s.mu.Lock()
	out := make([]*GpuJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.State != "" && job.State != filter.State {
			continue
		}
		out = append(out, job.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMs != out[j].CreatedAtMs {
			return out[i].CreatedAtMs > out[j].CreatedAtMs
		}
		return out[i].JobID > out[j].JobID
	})
	return out
}

// Cancel cancels a queued job immediately, or requests cooperative
// cancellation of a running one by writing the cancel marker. Terminal jobs
// are left untouched.
func (s *Scheduler) Cancel(jobID string) OpResult {
	type markerReq struct {
		planDir string
		attempt int
	}
	var marker *markerReq

	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return OpResult{OK: false, Reason: "not found"}
	}

	switch {
	case job.State.Terminal():
		s.mu.Unlock()
		return OpResult{OK: false, Reason: "already terminal"}

	case job.State == StateQueued:
		job.CancelRequested = true
		s.finalizeLocked(job, StateCanceled, nil)
		planDir := job.PlanDir()
		s.markDirtyLocked()
		s.mu.Unlock()

		s.emit(events.NewEvent(events.JobCanceled, jobID))
		s.appendJobEvent(planDir, jobID, "canceled", nil)
		s.schedulePersist()
		return OpResult{OK: true}

	default: // running
		job.CancelRequested = true
		job.UpdatedAtMs = s.now().UnixMilli()
		if wrappable(job.Exec) && len(job.Attempts) > 0 {
			marker = &markerReq{planDir: job.PlanDir(), attempt: job.Attempts[len(job.Attempts)-1].Attempt}
		}
		planDir := job.PlanDir()
		s.markDirtyLocked()
		s.mu.Unlock()

		if marker != nil {
			s.writeMarker(marker.planDir, jobID, marker.attempt, markerCancel, map[string]any{
				"schemaVersion":       1,
				"jobId":               jobID,
				"attempt":             marker.attempt,
				"cancelRequestedAtMs": s.now().UnixMilli(),
			})
		}
		s.emit(events.NewEvent(events.JobCancelRequested, jobID))
		s.appendJobEvent(planDir, jobID, "cancelRequested", nil)
		s.schedulePersist()
		return OpResult{OK: true}
	}
}

// Pause pauses a queued job, or requests cooperative pause of a running one
// via the pause marker. A running job without a resolvable monitor directory
// cannot be paused.
func (s *Scheduler) Pause(jobID string, reason PauseReason) OpResult {
	if reason == "" {
		reason = PauseManual
	}

	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return OpResult{OK: false, Reason: "not found"}
	}

	switch {
	case job.State.Terminal():
		s.mu.Unlock()
		return OpResult{OK: false, Reason: "already terminal"}

	case job.State == StateQueued:
		if job.Paused {
			s.mu.Unlock()
			return OpResult{OK: true, Reason: "already paused"}
		}
		job.Paused = true
		job.PausedReason = reason
		job.UpdatedAtMs = s.now().UnixMilli()
		planDir := job.PlanDir()
		s.markDirtyLocked()
		s.mu.Unlock()

		s.emit(events.NewEvent(events.JobPaused, jobID).WithPayload(string(reason)))
		s.appendJobEvent(planDir, jobID, "paused", map[string]any{"reason": string(reason)})
		s.schedulePersist()
		return OpResult{OK: true}

	default: // running
		if !wrappable(job.Exec) || len(job.Attempts) == 0 {
			s.mu.Unlock()
			return OpResult{OK: false, Reason: "no monitor directory for running attempt"}
		}
		if job.PauseRequested {
			s.mu.Unlock()
			return OpResult{OK: true, Reason: "pause already requested"}
		}
		job.PauseRequested = true
		job.Paused = true
		job.PausedReason = reason
		job.UpdatedAtMs = s.now().UnixMilli()
		attempt := job.Attempts[len(job.Attempts)-1].Attempt
		planDir := job.PlanDir()
		s.markDirtyLocked()
		s.mu.Unlock()

		s.writeMarker(planDir, jobID, attempt, markerPause, map[string]any{
			"schemaVersion":      1,
			"jobId":              jobID,
			"attempt":            attempt,
			"pauseRequestedAtMs": s.now().UnixMilli(),
		})
		s.emit(events.NewEvent(events.JobPaused, jobID).WithPayload(string(reason)))
		s.appendJobEvent(planDir, jobID, "pauseRequested", map[string]any{"reason": string(reason)})
		s.schedulePersist()
		return OpResult{OK: true}
	}
}

// Resume clears the paused flag of a queued job and kicks the dispatcher.
func (s *Scheduler) Resume(jobID string) OpResult {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return OpResult{OK: false, Reason: "not found"}
	}
	if job.State != StateQueued || !job.Paused {
		s.mu.Unlock()
		return OpResult{OK: false, Reason: "not paused"}
	}
	job.Paused = false
	job.PausedReason = ""
	job.UpdatedAtMs = s.now().UnixMilli()
	planDir := job.PlanDir()
	s.markDirtyLocked()
	s.mu.Unlock()

	s.emit(events.NewEvent(events.JobResumed, jobID))
	s.appendJobEvent(planDir, jobID, "resumed", nil)
	s.schedulePersist()
	s.kick()
	return OpResult{OK: true}
}

// Wait blocks until the job reaches a terminal state or the timeout
// elapses. On timeout the current snapshot is returned; nil when the job is
// unknown.
func (s *Scheduler) Wait(jobID string, timeout time.Duration) *GpuJob {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if ok && job.State.Terminal() {
		snapshot := job.Clone()
		s.mu.Unlock()
		return snapshot
	}

	ch := make(chan *GpuJob, 1)
	s.waiters[jobID] = append(s.waiters[jobID], ch)
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case j := <-ch:
		return j
	case <-timer.C:
		s.removeWaiter(jobID, ch)
		return s.Get(jobID)
	case <-s.stopCh:
		s.removeWaiter(jobID, ch)
		return s.Get(jobID)
	}
}

// Counts returns the running and queued job counts for gauges.
func (s *Scheduler) Counts() (running, queued int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		switch job.State {
		case StateRunning:
			running++
		case StateQueued:
			queued++
		}
	}
	return running, queued
}

// removeWaiter unsubscribes a timed-out waiter.
func (s *Scheduler) removeWaiter(jobID string, ch chan *GpuJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws := s.waiters[jobID]
	for i, w := range ws {
		if w == ch {
			s.waiters[jobID] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(s.waiters[jobID]) == 0 {
		delete(s.waiters, jobID)
	}
}

// finalizeLocked moves a job into a terminal state, writes its result once,
// and hands each waiter its single-shot snapshot. Caller holds the lock.
func (s *Scheduler) finalizeLocked(job *GpuJob, state JobState, result *JobResult) {
	job.State = state
	job.UpdatedAtMs = s.now().UnixMilli()
	if job.Result == nil {
		if result == nil {
			result = &JobResult{}
			if n := len(job.Attempts); n > 0 {
				last := job.Attempts[n-1]
				result.ExitCode = last.ExitCode
				result.TimedOut = last.TimedOut
				result.StdoutTail = last.StdoutTail
				result.StderrTail = last.StderrTail
			}
			result.Success = state == StateSucceeded
		}
		job.Result = result
	}

	snapshot := job.Clone()
	for _, ch := range s.waiters[job.JobID] {
		ch <- snapshot
	}
	delete(s.waiters, job.JobID)
}

// markDirtyLocked bumps the state version. Caller holds the lock.
func (s *Scheduler) markDirtyLocked() {
	s.stateVersion++
}

// emit publishes an event to the bus if one is wired.
func (s *Scheduler) emit(e events.Event) {
	if s.bus != nil {
		s.bus.Emit(e)
	}
}

// kick arms the dispatcher. Coalesced: a pending kick absorbs new ones.
func (s *Scheduler) kick() {
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

// schedulePersist wakes the persistence worker. Coalesced like kick.
func (s *Scheduler) schedulePersist() {
	if !s.cfg.Persist || s.persistPath == "" {
		return
	}
	select {
	case s.persistCh <- struct{}{}:
	default:
	}
}

// loadState restores persisted jobs and queues reconciliation for formerly
// running ones.
func (s *Scheduler) loadState() {
	var doc stateDocument
	ok, err := statestore.Read(s.persistPath, &doc)
	if err != nil {
		s.log.Warn().Err(err).Str("path", s.persistPath).Msg("state file unreadable, starting empty")
		return
	}
	if !ok || doc.Version != stateSchemaVersion {
		if ok {
			s.log.Warn().Int("version", doc.Version).Msg("state schema mismatch, starting empty")
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range doc.Jobs {
		if job == nil || job.JobID == "" {
			continue
		}
		s.jobs[job.JobID] = job
		switch job.State {
		case StateQueued:
			s.queue = append(s.queue, job.JobID)
		case StateRunning:
			s.queue = append(s.queue, job.JobID)
			if len(job.Attempts) == 0 {
				// Running with no recorded attempt cannot be reconciled
				// against evidence; requeue directly.
				job.State = StateQueued
				job.AssignedNodeID = ""
				continue
			}
			s.reconcile = append(s.reconcile, reconcileRecord{
				jobID:   job.JobID,
				attempt: job.Attempts[len(job.Attempts)-1].Attempt,
				planDir: job.PlanDir(),
			})
		}
	}

	s.persistedVersion = s.stateVersion
	s.log.Info().Int("jobs", len(s.jobs)).Int("reconcile", len(s.reconcile)).Msg("state loaded")
}

// effectivePolicy resolves the job-level policy over the global defaults.
// The second return is false when neither provides windows.
func (s *Scheduler) effectivePolicy(job *GpuJob) (autoPause, autoResume bool, windows []policy.TimeWindow, ok bool) {
	autoPause = s.cfg.Policy.AutoPause
	autoResume = s.cfg.Policy.AutoResume
	windows = s.cfg.Policy.Windows
	if !s.cfg.Policy.Enabled {
		autoPause = false
		autoResume = false
		windows = nil
	}

	if p := job.Policy; p != nil {
		if p.AutoPause != nil {
			autoPause = *p.AutoPause
		}
		if p.AutoResume != nil {
			autoResume = *p.AutoResume
		}
		if len(p.Windows) > 0 {
			windows = p.Windows
		}
	}

	if len(windows) == 0 {
		return false, false, nil, false
	}
	return autoPause, autoResume, windows, true
}
