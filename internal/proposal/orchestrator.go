package proposal

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/openclaw/gateway/internal/config"
	"github.com/openclaw/gateway/internal/events"
	"github.com/openclaw/gateway/internal/statestore"
)

// Dependencies bundles external collaborators for injection.
type Dependencies struct {
	Collaborators Collaborators
	Gateway       GatewayInvoker
	Bus           *events.Bus
	Log           zerolog.Logger
}

// Orchestrator drives proposal jobs through the fixed pipeline. State
// mutation happens under a single mutex; collaborator calls run between
// critical sections.
type Orchestrator struct {
	cfg         config.ProposalConfig
	persistPath string

	collab Collaborators
	gw     GatewayInvoker
	bus    *events.Bus
	log    zerolog.Logger

	mu      sync.Mutex
	started bool
	stopped bool

	jobs    map[string]*Job
	queue   []string
	waiters map[string][]chan *Job

	stateVersion     uint64
	persistedVersion uint64

	kickCh    chan struct{}
	persistCh chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup

	now func() time.Time
}

// ErrStopped is returned by Submit after Stop.
var ErrStopped = fmt.Errorf("orchestrator stopped")

// New creates an orchestrator. persistPath may be empty when persistence is
// disabled in cfg.
func New(cfg config.ProposalConfig, persistPath string, deps Dependencies) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		persistPath: persistPath,
		collab:      deps.Collaborators,
		gw:          deps.Gateway,
		bus:         deps.Bus,
		log:         deps.Log.With().Str("component", "proposal-orchestrator").Logger(),
		jobs:        make(map[string]*Job),
		waiters:     make(map[string][]chan *Job),
		kickCh:      make(chan struct{}, 1),
		persistCh:   make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		now:         time.Now,
	}
}

// Start loads persisted state and starts the dispatcher. Jobs persisted as
// running are failed: steps run in-process and cannot resume mid-step.
// Idempotent.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = true
	o.mu.Unlock()

	if o.cfg.Persist && o.persistPath != "" {
		o.loadState()
	}

	o.wg.Add(2)
	go o.dispatchLoop()
	go o.persistLoop()

	o.kick()
	return nil
}

// Stop cancels the internal workers. Idempotent.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped || !o.started {
		o.stopped = true
		o.mu.Unlock()
		return
	}
	o.stopped = true
	o.mu.Unlock()

	close(o.stopCh)
	o.wg.Wait()
}

// Submit validates and enqueues a proposal job.
func (o *Orchestrator) Submit(req Request) (*Job, error) {
	if req.ProposalMarkdown == "" && req.PlanDir == "" {
		return nil, fmt.Errorf("request needs proposalMarkdown or planDir")
	}
	if req.PlanDir == "" {
		for _, id := range req.DisabledSteps {
			if id == StepCompile {
				return nil, fmt.Errorf("compile step cannot be disabled without planDir")
			}
		}
	}

	nowMs := o.now().UnixMilli()
	job := &Job{
		JobID:       ulid.Make().String(),
		CreatedAtMs: nowMs,
		UpdatedAtMs: nowMs,
		State:       StateQueued,
		Request:     req,
		PlanDir:     req.PlanDir,
		Steps:       make(map[StepID]*StepSnapshot, len(StepOrder)),
	}
	for _, id := range StepOrder {
		job.Steps[id] = &StepSnapshot{ID: id, Status: StepPending}
	}

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return nil, ErrStopped
	}
	o.jobs[job.JobID] = job
	o.queue = append(o.queue, job.JobID)
	o.markDirtyLocked()
	snapshot := job.Clone()
	o.mu.Unlock()

	o.emit(events.NewEvent(events.ProposalSubmitted, job.JobID))
	o.schedulePersist()
	o.kick()
	return snapshot, nil
}

// Get returns a snapshot of the job, or nil when unknown.
func (o *Orchestrator) Get(jobID string) *Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	job, ok := o.jobs[jobID]
	if !ok {
		return nil
	}
	return job.Clone()
}

// List returns job snapshots sorted by creation time descending, optionally
// filtered by state.
func (o *Orchestrator) List(filter ListFilter) []*Job {
	o.mu.Lock()
	out := make([]*Job, 0, len(o.jobs))
	for _, job := range o.jobs {
		if filter.State != "" && job.State != filter.State {
			continue
		}
		out = append(out, job.Clone())
	}
	o.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMs != out[j].CreatedAtMs {
			return out[i].CreatedAtMs > out[j].CreatedAtMs
		}
		return out[i].JobID > out[j].JobID
	})
	return out
}

// Cancel cancels a queued job immediately. For a running job it only flips
// the flag: the pipeline runs in-process and observes it between steps.
func (o *Orchestrator) Cancel(jobID string) OpResult {
	o.mu.Lock()
	job, ok := o.jobs[jobID]
	if !ok {
		o.mu.Unlock()
		return OpResult{OK: false, Reason: "not found"}
	}

	switch {
	case job.State.Terminal():
		o.mu.Unlock()
		return OpResult{OK: false, Reason: "already terminal"}

	case job.State == StateQueued:
		job.CancelRequested = true
		o.finalizeLocked(job, StateCanceled, "")
		o.markDirtyLocked()
		o.mu.Unlock()

		o.emit(events.NewEvent(events.ProposalCanceled, jobID))
		o.schedulePersist()
		return OpResult{OK: true}

	default:
		job.CancelRequested = true
		job.UpdatedAtMs = o.now().UnixMilli()
		o.appendEventLocked(job, "info", "cancel requested")
		o.markDirtyLocked()
		o.mu.Unlock()

		o.schedulePersist()
		return OpResult{OK: true}
	}
}

// Wait blocks until the job reaches a terminal state or the timeout
// elapses. On timeout the current snapshot is returned; nil when unknown.
func (o *Orchestrator) Wait(jobID string, timeout time.Duration) *Job {
	o.mu.Lock()
	job, ok := o.jobs[jobID]
	if ok && job.State.Terminal() {
		snapshot := job.Clone()
		o.mu.Unlock()
		return snapshot
	}

	ch := make(chan *Job, 1)
	o.waiters[jobID] = append(o.waiters[jobID], ch)
	o.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case j := <-ch:
		return j
	case <-timer.C:
		o.removeWaiter(jobID, ch)
		return o.Get(jobID)
	case <-o.stopCh:
		o.removeWaiter(jobID, ch)
		return o.Get(jobID)
	}
}

func (o *Orchestrator) removeWaiter(jobID string, ch chan *Job) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ws := o.waiters[jobID]
	for i, w := range ws {
		if w == ch {
			o.waiters[jobID] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(o.waiters[jobID]) == 0 {
		delete(o.waiters, jobID)
	}
}

// dispatchLoop pops runnable jobs under the concurrency cap and runs each
// pipeline in its own goroutine.
func (o *Orchestrator) dispatchLoop() {
	defer o.wg.Done()

	timer := time.NewTimer(250 * time.Millisecond)
	defer timer.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-o.kickCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		for _, jobID := range o.pump() {
			o.wg.Add(1)
			go o.runPipeline(jobID)
		}

		o.trimHistory()
		timer.Reset(250 * time.Millisecond)
	}
}

// pump transitions queued jobs to running up to the concurrency cap.
func (o *Orchestrator) pump() []string {
	nowMs := o.now().UnixMilli()

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.stopped {
		return nil
	}

	running := 0
	for _, job := range o.jobs {
		if job.State == StateRunning {
			running++
		}
	}

	var starts []string
	for _, jobID := range o.queue {
		if running >= o.cfg.MaxConcurrentJobs {
			break
		}
		job, ok := o.jobs[jobID]
		if !ok || job.State != StateQueued {
			continue
		}
		job.State = StateRunning
		job.UpdatedAtMs = nowMs
		running++
		starts = append(starts, jobID)
		o.markDirtyLocked()
	}

	if len(starts) > 0 {
		o.schedulePersist()
	}
	return starts
}

func (o *Orchestrator) finalizeLocked(job *Job, state JobState, reason string) {
	job.State = state
	job.FailureReason = reason
	job.UpdatedAtMs = o.now().UnixMilli()

	snapshot := job.Clone()
	for _, ch := range o.waiters[job.JobID] {
		ch <- snapshot
	}
	delete(o.waiters, job.JobID)
}

// appendEventLocked pushes an entry onto the job's bounded event ring,
// discarding the oldest entries first. Caller holds the lock.
func (o *Orchestrator) appendEventLocked(job *Job, level, message string) {
	job.Events = append(job.Events, JobEvent{TS: o.now().UnixMilli(), Level: level, Message: message})
	if over := len(job.Events) - o.cfg.EventLimit; over > 0 {
		job.Events = job.Events[over:]
	}
}

func (o *Orchestrator) markDirtyLocked() {
	o.stateVersion++
}

func (o *Orchestrator) emit(e events.Event) {
	if o.bus != nil {
		o.bus.Emit(e)
	}
}

func (o *Orchestrator) kick() {
	select {
	case o.kickCh <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) schedulePersist() {
	if !o.cfg.Persist || o.persistPath == "" {
		return
	}
	select {
	case o.persistCh <- struct{}{}:
	default:
	}
}

// loadState restores persisted jobs. Formerly running jobs are failed.
func (o *Orchestrator) loadState() {
	var doc stateDocument
	ok, err := statestore.Read(o.persistPath, &doc)
	if err != nil {
		o.log.Warn().Err(err).Str("path", o.persistPath).Msg("state file unreadable, starting empty")
		return
	}
	if !ok || doc.Version != stateSchemaVersion {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for _, job := range doc.Jobs {
		if job == nil || job.JobID == "" {
			continue
		}
		if job.Steps == nil {
			job.Steps = make(map[StepID]*StepSnapshot)
		}
		o.jobs[job.JobID] = job
		switch job.State {
		case StateQueued:
			o.queue = append(o.queue, job.JobID)
		case StateRunning:
			job.State = StateFailed
			job.FailureReason = "gateway restarted while proposal job was running"
			job.UpdatedAtMs = o.now().UnixMilli()
			o.markDirtyLocked()
		}
	}

	o.log.Info().Int("jobs", len(o.jobs)).Msg("state loaded")
}

// trimHistory evicts the oldest terminal jobs beyond the configured limit.
func (o *Orchestrator) trimHistory() {
	o.mu.Lock()
	defer o.mu.Unlock()

	var terminals []*Job
	for _, job := range o.jobs {
		if job.State.Terminal() {
			terminals = append(terminals, job)
		}
	}
	if len(terminals) <= o.cfg.TerminalHistoryLimit {
		return
	}

	sort.Slice(terminals, func(i, j int) bool {
		return terminals[i].UpdatedAtMs > terminals[j].UpdatedAtMs
	})

	evicted := make(map[string]bool)
	for _, job := range terminals[o.cfg.TerminalHistoryLimit:] {
		delete(o.jobs, job.JobID)
		evicted[job.JobID] = true
	}

	if len(evicted) > 0 {
		queue := o.queue[:0]
		for _, id := range o.queue {
			if !evicted[id] {
				queue = append(queue, id)
			}
		}
		o.queue = queue
		o.markDirtyLocked()
		o.schedulePersist()
	}
}

// persistLoop mirrors the GPU scheduler's debounced single-writer model.
func (o *Orchestrator) persistLoop() {
	defer o.wg.Done()

	for {
		select {
		case <-o.stopCh:
			o.persistOnce()
			return
		case <-o.persistCh:
		}

		select {
		case <-o.stopCh:
			o.persistOnce()
			return
		case <-time.After(200 * time.Millisecond):
		}

		for o.persistOnce() {
		}
	}
}

func (o *Orchestrator) persistOnce() bool {
	if !o.cfg.Persist || o.persistPath == "" {
		return false
	}

	o.mu.Lock()
	version := o.stateVersion
	if version == o.persistedVersion {
		o.mu.Unlock()
		return false
	}
	doc := stateDocument{Version: stateSchemaVersion, Jobs: make([]*Job, 0, len(o.jobs))}
	for _, job := range o.jobs {
		doc.Jobs = append(doc.Jobs, job.Clone())
	}
	o.mu.Unlock()

	sort.Slice(doc.Jobs, func(i, j int) bool {
		if doc.Jobs[i].CreatedAtMs != doc.Jobs[j].CreatedAtMs {
			return doc.Jobs[i].CreatedAtMs < doc.Jobs[j].CreatedAtMs
		}
		return doc.Jobs[i].JobID < doc.Jobs[j].JobID
	})

	if err := statestore.Write(o.persistPath, &doc); err != nil {
		o.log.Error().Err(err).Str("path", o.persistPath).Msg("persist failed")
		return false
	}

	o.mu.Lock()
	o.persistedVersion = version
	more := o.stateVersion > version
	o.mu.Unlock()
	return more
}
