package proposal

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/gateway/internal/config"
	"github.com/openclaw/gateway/internal/statestore"
)

func testConfig() config.ProposalConfig {
	return config.ProposalConfig{
		MaxConcurrentJobs:    1,
		Persist:              false,
		TerminalHistoryLimit: 200,
		EventLimit:           50,
	}
}

// stepRecorder builds collaborators that record call order and return
// configurable outcomes.
type stepRecorder struct {
	mu    sync.Mutex
	calls []StepID

	failAt  StepID
	compile CompileOutcome

	// block, when non-nil, is closed by the test to release a step.
	blockAt StepID
	block   chan struct{}
}

func (r *stepRecorder) record(id StepID) {
	r.mu.Lock()
	r.calls = append(r.calls, id)
	r.mu.Unlock()

	if r.block != nil && id == r.blockAt {
		<-r.block
	}
}

func (r *stepRecorder) Calls() []StepID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StepID(nil), r.calls...)
}

func (r *stepRecorder) outcome(id StepID) (StepOutcome, error) {
	if r.failAt == id {
		return StepOutcome{OK: false, Summary: "synthetic failure", ErrorsCount: 1}, nil
	}
	return StepOutcome{OK: true, Summary: string(id) + " done"}, nil
}

func (r *stepRecorder) collaborators() Collaborators {
	step := func(id StepID) func(context.Context, string) (StepOutcome, error) {
		return func(ctx context.Context, planDir string) (StepOutcome, error) {
			r.record(id)
			return r.outcome(id)
		}
	}
	return Collaborators{
		Compile: func(ctx context.Context, markdown string, options json.RawMessage) (CompileOutcome, error) {
			r.record(StepCompile)
			if r.failAt == StepCompile {
				return CompileOutcome{StepOutcome: StepOutcome{OK: false, Summary: "compile broke"}}, nil
			}
			if r.compile.PlanDir != "" {
				return r.compile, nil
			}
			return CompileOutcome{
				StepOutcome: StepOutcome{OK: true},
				PlanID:      "plan-1",
				PlanDir:     "/plans/plan-1",
			}, nil
		},
		Run: step(StepRun),
		Refine: func(ctx context.Context, planDir string) (StepOutcome, error) {
			r.record(StepRefine)
			return r.outcome(StepRefine)
		},
		Execute: func(ctx context.Context, planDir string, gw GatewayInvoker) (StepOutcome, error) {
			r.record(StepExecute)
			return r.outcome(StepExecute)
		},
		Finalize: step(StepFinalize),
		Accept:   step(StepAccept),
	}
}

func newTestOrchestrator(t *testing.T, cfg config.ProposalConfig, persistPath string, collab Collaborators) *Orchestrator {
	t.Helper()
	o := New(cfg, persistPath, Dependencies{
		Collaborators: collab,
		Log:           zerolog.Nop(),
	})
	require.NoError(t, o.Start())
	t.Cleanup(o.Stop)
	return o
}

func TestPipeline_RunsAllStepsInOrder(t *testing.T) {
	rec := &stepRecorder{}
	o := newTestOrchestrator(t, testConfig(), "", rec.collaborators())

	job, err := o.Submit(Request{ProposalMarkdown: "# experiment"})
	require.NoError(t, err)

	final := o.Wait(job.JobID, 5*time.Second)
	require.NotNil(t, final)
	assert.Equal(t, StateSucceeded, final.State)

	assert.Equal(t, []StepID{StepCompile, StepRun, StepRefine, StepExecute, StepFinalize, StepAccept}, rec.Calls())

	assert.Equal(t, "plan-1", final.PlanID)
	assert.Equal(t, "/plans/plan-1", final.PlanDir)
	for _, id := range StepOrder {
		assert.Equal(t, StepSucceeded, final.Steps[id].Status, "step %s", id)
	}
	assert.NotEmpty(t, final.Events)
}

func TestPipeline_ExistingPlanDirSkipsCompile(t *testing.T) {
	rec := &stepRecorder{}
	o := newTestOrchestrator(t, testConfig(), "", rec.collaborators())

	job, err := o.Submit(Request{PlanDir: "/plans/existing"})
	require.NoError(t, err)

	final := o.Wait(job.JobID, 5*time.Second)
	require.NotNil(t, final)
	assert.Equal(t, StateSucceeded, final.State)

	assert.Equal(t, []StepID{StepRun, StepRefine, StepExecute, StepFinalize, StepAccept}, rec.Calls())
	assert.Equal(t, StepSkipped, final.Steps[StepCompile].Status)
	assert.Equal(t, "/plans/existing", final.PlanDir)
}

func TestPipeline_StepFailureFailsJob(t *testing.T) {
	rec := &stepRecorder{failAt: StepRefine}
	o := newTestOrchestrator(t, testConfig(), "", rec.collaborators())

	job, err := o.Submit(Request{ProposalMarkdown: "# x"})
	require.NoError(t, err)

	final := o.Wait(job.JobID, 5*time.Second)
	require.NotNil(t, final)
	assert.Equal(t, StateFailed, final.State)
	assert.Equal(t, "refine failed", final.FailureReason)

	assert.Equal(t, StepFailed, final.Steps[StepRefine].Status)
	assert.Equal(t, StepSkipped, final.Steps[StepExecute].Status)
	assert.Equal(t, StepSkipped, final.Steps[StepAccept].Status)
	assert.Equal(t, []StepID{StepCompile, StepRun, StepRefine}, rec.Calls())
}

func TestPipeline_DisabledStepsAreSkipped(t *testing.T) {
	rec := &stepRecorder{}
	o := newTestOrchestrator(t, testConfig(), "", rec.collaborators())

	job, err := o.Submit(Request{
		ProposalMarkdown: "# x",
		DisabledSteps:    []StepID{StepRefine, StepAccept},
	})
	require.NoError(t, err)

	final := o.Wait(job.JobID, 5*time.Second)
	require.NotNil(t, final)
	assert.Equal(t, StateSucceeded, final.State)

	assert.Equal(t, []StepID{StepCompile, StepRun, StepExecute, StepFinalize}, rec.Calls())
	assert.Equal(t, StepSkipped, final.Steps[StepRefine].Status)
	assert.Equal(t, StepSkipped, final.Steps[StepAccept].Status)
}

func TestSubmit_Validation(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), "", Collaborators{})

	_, err := o.Submit(Request{})
	assert.Error(t, err, "needs markdown or plan dir")

	_, err = o.Submit(Request{ProposalMarkdown: "# x", DisabledSteps: []StepID{StepCompile}})
	assert.Error(t, err, "compile cannot be disabled without a plan dir")

	_, err = o.Submit(Request{PlanDir: "/plans/p", DisabledSteps: []StepID{StepCompile}})
	assert.NoError(t, err)
}

func TestCancel_QueuedJob(t *testing.T) {
	rec := &stepRecorder{}
	cfg := testConfig()
	o := New(cfg, "", Dependencies{Collaborators: rec.collaborators(), Log: zerolog.Nop()})
	// Not started: submissions stay queued.

	job, err := o.Submit(Request{ProposalMarkdown: "# x"})
	require.NoError(t, err)

	res := o.Cancel(job.JobID)
	require.True(t, res.OK)

	final := o.Get(job.JobID)
	assert.Equal(t, StateCanceled, final.State)
	assert.Empty(t, rec.Calls())

	assert.False(t, o.Cancel(job.JobID).OK, "terminal jobs reject cancel")
}

func TestCancel_RunningJobStopsBetweenSteps(t *testing.T) {
	rec := &stepRecorder{blockAt: StepRun, block: make(chan struct{})}
	o := newTestOrchestrator(t, testConfig(), "", rec.collaborators())

	job, err := o.Submit(Request{ProposalMarkdown: "# x"})
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if j := o.Get(job.JobID); j != nil && j.Steps[StepRun].Status == StepRunning {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	require.True(t, o.Cancel(job.JobID).OK)
	close(rec.block)

	final := o.Wait(job.JobID, 5*time.Second)
	require.NotNil(t, final)
	assert.Equal(t, StateCanceled, final.State)

	// Refine and later steps never ran.
	for _, id := range rec.Calls() {
		assert.NotEqual(t, StepRefine, id)
	}
	assert.Equal(t, StepSkipped, final.Steps[StepExecute].Status)
}

func TestRestart_FailsFormerlyRunningJobs(t *testing.T) {
	persistPath := filepath.Join(t.TempDir(), "jobs.json")

	nowMs := time.Now().UnixMilli()
	doc := stateDocument{
		Version: stateSchemaVersion,
		Jobs: []*Job{{
			JobID:       "01JPROPOSALRESTART00000000",
			CreatedAtMs: nowMs,
			UpdatedAtMs: nowMs,
			State:       StateRunning,
			Request:     Request{ProposalMarkdown: "# x"},
			Steps: map[StepID]*StepSnapshot{
				StepCompile: {ID: StepCompile, Status: StepSucceeded},
				StepRun:     {ID: StepRun, Status: StepRunning},
			},
		}},
	}
	require.NoError(t, statestore.Write(persistPath, &doc))

	cfg := testConfig()
	cfg.Persist = true
	o := newTestOrchestrator(t, cfg, persistPath, Collaborators{})

	job := o.Get("01JPROPOSALRESTART00000000")
	require.NotNil(t, job)
	assert.Equal(t, StateFailed, job.State)
	assert.Equal(t, "gateway restarted while proposal job was running", job.FailureReason)
}

func TestEventRing_IsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.EventLimit = 3
	o := New(cfg, "", Dependencies{Log: zerolog.Nop()})

	job := &Job{JobID: "j", Steps: map[StepID]*StepSnapshot{}}
	for i := 0; i < 10; i++ {
		o.appendEventLocked(job, "info", fmt.Sprintf("event %d", i))
	}

	require.Len(t, job.Events, 3)
	assert.Equal(t, "event 7", job.Events[0].Message)
	assert.Equal(t, "event 9", job.Events[2].Message)
}

func TestWait_Semantics(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), "", Collaborators{})

	assert.Nil(t, o.Wait("ghost", 50*time.Millisecond))
}
