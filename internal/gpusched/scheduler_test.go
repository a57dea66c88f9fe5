package gpusched

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/gateway/internal/config"
	"github.com/openclaw/gateway/internal/policy"
	"github.com/openclaw/gateway/internal/statestore"
	"github.com/openclaw/gateway/internal/testutil"
)

func testConfig() config.GPUSchedulerConfig {
	return config.GPUSchedulerConfig{
		MaxConcurrentJobs:    1,
		Persist:              false,
		TerminalHistoryLimit: 200,
		PollIntervalMs:       25,
		Policy:               config.PolicyConfig{IntervalMs: DefaultPolicyIntervalMs},
	}
}

func newTestScheduler(t *testing.T, cfg config.GPUSchedulerConfig, persistPath string, reg *testutil.FakeRegistry) *Scheduler {
	t.Helper()
	s := New(cfg, persistPath, Dependencies{
		Registry: reg,
		Commands: policy.NewCommandPolicy(nil),
		Log:      zerolog.Nop(),
	})
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s
}

// waitFor polls until cond is true or the deadline expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}

func shellJob(planDir, script string) SubmitRequest {
	return SubmitRequest{
		Resources: ResourceRequest{GPUCount: 1},
		Exec: ExecSpec{
			Command: []string{"sh", "-lc", script},
			Env:     map[string]string{EnvPlanDir: planDir},
		},
	}
}

func TestBestFit_PrefersSmallestFeasibleNode(t *testing.T) {
	reg := testutil.NewFakeRegistry()
	reg.ConnectGPUNode("gpu-1", 1)
	reg.ConnectGPUNode("gpu-4", 4)

	s := newTestScheduler(t, testConfig(), "", reg)

	job, err := s.Submit(SubmitRequest{
		Resources: ResourceRequest{GPUCount: 1},
		Exec:      ExecSpec{Command: []string{"train.sh"}},
	})
	require.NoError(t, err)

	final := s.Wait(job.JobID, 5*time.Second)
	require.NotNil(t, final)
	assert.Equal(t, StateSucceeded, final.State)

	assert.Equal(t, 1, reg.CallsFor("gpu-1"))
	assert.Equal(t, 0, reg.CallsFor("gpu-4"))
	require.Len(t, final.Attempts, 1)
	assert.Equal(t, "gpu-1", final.Attempts[0].NodeID)
	assert.Equal(t, 1, final.Attempts[0].Attempt)
}

func TestDispatch_NoOversubscription(t *testing.T) {
	reg := testutil.NewFakeRegistry()
	reg.ConnectGPUNode("gpu-1", 1)
	reg.ScriptDefault("gpu-1", testutil.ScriptedResult{
		Result: testutil.RunResult(0, "done", "").Result,
		Delay:  80 * time.Millisecond,
	})

	cfg := testConfig()
	cfg.MaxConcurrentJobs = 2 // only GPU capacity serializes
	s := newTestScheduler(t, cfg, "", reg)

	a, err := s.Submit(SubmitRequest{Resources: ResourceRequest{GPUCount: 1}, Exec: ExecSpec{Command: []string{"a"}}})
	require.NoError(t, err)
	b, err := s.Submit(SubmitRequest{Resources: ResourceRequest{GPUCount: 1}, Exec: ExecSpec{Command: []string{"b"}}})
	require.NoError(t, err)

	finalA := s.Wait(a.JobID, 5*time.Second)
	finalB := s.Wait(b.JobID, 5*time.Second)
	require.NotNil(t, finalA)
	require.NotNil(t, finalB)
	assert.Equal(t, StateSucceeded, finalA.State)
	assert.Equal(t, StateSucceeded, finalB.State)

	assert.Equal(t, 2, reg.CallsFor("gpu-1"))
	assert.Equal(t, 1, reg.MaxConcurrent("gpu-1"), "invocations must not overlap on a single-GPU node")
}

func TestDispatch_ConcurrencyCap(t *testing.T) {
	reg := testutil.NewFakeRegistry()
	reg.ConnectGPUNode("gpu-a", 4)
	reg.ConnectGPUNode("gpu-b", 4)
	for _, n := range []string{"gpu-a", "gpu-b"} {
		reg.ScriptDefault(n, testutil.ScriptedResult{
			Result: testutil.RunResult(0, "", "").Result,
			Delay:  60 * time.Millisecond,
		})
	}

	cfg := testConfig()
	cfg.MaxConcurrentJobs = 1
	s := newTestScheduler(t, cfg, "", reg)

	var ids []string
	for i := 0; i < 3; i++ {
		job, err := s.Submit(SubmitRequest{Resources: ResourceRequest{GPUCount: 1}, Exec: ExecSpec{Command: []string{"x"}}})
		require.NoError(t, err)
		ids = append(ids, job.JobID)
	}

	for _, id := range ids {
		final := s.Wait(id, 5*time.Second)
		require.NotNil(t, final)
		assert.Equal(t, StateSucceeded, final.State)
	}

	assert.Equal(t, 1, reg.MaxConcurrent("gpu-a")+reg.MaxConcurrent("gpu-b"),
		"at most one job may run at a time under maxConcurrentJobs=1")
}

func TestPauseResume_QueuedJob(t *testing.T) {
	reg := testutil.NewFakeRegistry()

	s := newTestScheduler(t, testConfig(), "", reg)

	// No nodes yet, so A stays queued and the pause lands deterministically.
	a, err := s.Submit(SubmitRequest{Resources: ResourceRequest{GPUCount: 1}, Exec: ExecSpec{Command: []string{"a"}}})
	require.NoError(t, err)
	require.True(t, s.Pause(a.JobID, PauseManual).OK)

	b, err := s.Submit(SubmitRequest{Resources: ResourceRequest{GPUCount: 1}, Exec: ExecSpec{Command: []string{"b"}}})
	require.NoError(t, err)

	reg.ConnectGPUNode("gpu-1", 1)

	finalB := s.Wait(b.JobID, 5*time.Second)
	require.NotNil(t, finalB)
	assert.Equal(t, StateSucceeded, finalB.State)

	snapshotA := s.Get(a.JobID)
	require.NotNil(t, snapshotA)
	assert.Equal(t, StateQueued, snapshotA.State)
	assert.True(t, snapshotA.Paused)
	assert.Equal(t, PauseManual, snapshotA.PausedReason)

	require.True(t, s.Resume(a.JobID).OK)
	finalA := s.Wait(a.JobID, 5*time.Second)
	require.NotNil(t, finalA)
	assert.Equal(t, StateSucceeded, finalA.State)
}

func TestPause_RunningJobWritesMarker(t *testing.T) {
	planDir := t.TempDir()

	reg := testutil.NewFakeRegistry()
	reg.ConnectGPUNode("gpu-1", 1)
	// First attempt blocks until the wrapper "reacts" to the marker and
	// reports SIGTERM death.
	exit143 := 143
	reg.Script("gpu-1", testutil.ScriptedResult{
		Result: testutil.RunResult(exit143, "", "terminated").Result,
		Delay:  400 * time.Millisecond,
	})

	s := newTestScheduler(t, testConfig(), "", reg)

	job, err := s.Submit(shellJob(planDir, "while :; do sleep 1; done"))
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		j := s.Get(job.JobID)
		return j != nil && j.State == StateRunning
	}, "job should start running")

	require.True(t, s.Pause(job.JobID, PauseManual).OK)

	markerPath := filepath.Join(planDir, "report", "gpu_scheduler", "jobs", job.JobID, "attempt-1", "pause.requested")
	data, err := os.ReadFile(markerPath)
	require.NoError(t, err, "pause marker should exist under the monitor directory")
	assert.Contains(t, string(data), "pauseRequestedAtMs")

	waitFor(t, 2*time.Second, func() bool {
		j := s.Get(job.JobID)
		return j != nil && j.State == StateQueued && j.Paused
	}, "job should return to queued paused after the attempt dies")

	paused := s.Get(job.JobID)
	assert.False(t, paused.PauseRequested, "pauseRequested is consumed by attempt completion")
	assert.Empty(t, paused.AssignedNodeID)

	require.True(t, s.Resume(job.JobID).OK)
	final := s.Wait(job.JobID, 5*time.Second)
	require.NotNil(t, final)
	assert.Equal(t, StateSucceeded, final.State)
	assert.Len(t, final.Attempts, 2)
}

func TestPause_RunningUnwrappableIsRejected(t *testing.T) {
	reg := testutil.NewFakeRegistry()
	reg.ConnectGPUNode("gpu-1", 1)
	reg.Script("gpu-1", testutil.ScriptedResult{
		Result: testutil.RunResult(0, "", "").Result,
		Delay:  300 * time.Millisecond,
	})

	s := newTestScheduler(t, testConfig(), "", reg)

	job, err := s.Submit(SubmitRequest{
		Resources: ResourceRequest{GPUCount: 1},
		Exec:      ExecSpec{Command: []string{"python", "train.py"}},
	})
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		j := s.Get(job.JobID)
		return j != nil && j.State == StateRunning
	}, "job should start running")

	res := s.Pause(job.JobID, PauseManual)
	assert.False(t, res.OK)
	assert.Contains(t, res.Reason, "monitor directory")
}

func TestWrapping_SideEffects(t *testing.T) {
	planDir := t.TempDir()

	reg := testutil.NewFakeRegistry()
	reg.ConnectGPUNode("gpu-1", 1)

	s := newTestScheduler(t, testConfig(), "", reg)

	job, err := s.Submit(shellJob(planDir, "echo hi"))
	require.NoError(t, err)

	final := s.Wait(job.JobID, 5*time.Second)
	require.NotNil(t, final)
	require.Equal(t, StateSucceeded, final.State)

	calls := reg.Calls()
	require.Len(t, calls, 1)
	call := calls[0]
	assert.Equal(t, "system.run", call.Command)
	assert.NotEmpty(t, call.IdempotencyKey)

	command, ok := call.Params["command"].([]any)
	require.True(t, ok)
	require.Len(t, command, 3)
	assert.Equal(t, "sh", command[0])
	assert.Equal(t, "-lc", command[1])

	script, ok := command[2].(string)
	require.True(t, ok)
	assert.Contains(t, script, "gpu_scheduler/jobs")
	assert.Contains(t, script, job.JobID)
	assert.Contains(t, script, "pause.requested")
	assert.Contains(t, script, "cancel.requested")
	assert.Contains(t, script, "echo hi")

	env, ok := call.Params["env"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "1", env[EnvWrapped])
	assert.Equal(t, planDir, env[EnvPlanDir])

	// The scheduler journals lifecycle events at the job root. The journal
	// write trails the waiter notification, so poll for the final entry.
	journalPath := filepath.Join(planDir, "report", "gpu_scheduler", "jobs", job.JobID, "events.jsonl")
	waitFor(t, 2*time.Second, func() bool {
		data, err := os.ReadFile(journalPath)
		return err == nil && strings.Contains(string(data), `"type":"succeeded"`)
	}, "journal should record the terminal transition")

	journal, err := os.ReadFile(journalPath)
	require.NoError(t, err)
	assert.Contains(t, string(journal), `"type":"submitted"`)
	assert.Contains(t, string(journal), `"type":"dispatched"`)
	assert.Contains(t, string(journal), `"schemaVersion":1`)
}

func TestCancel_QueuedJob(t *testing.T) {
	reg := testutil.NewFakeRegistry()
	s := newTestScheduler(t, testConfig(), "", reg)

	job, err := s.Submit(SubmitRequest{Resources: ResourceRequest{GPUCount: 1}, Exec: ExecSpec{Command: []string{"x"}}})
	require.NoError(t, err)

	res := s.Cancel(job.JobID)
	require.True(t, res.OK)

	final := s.Get(job.JobID)
	assert.Equal(t, StateCanceled, final.State)
	require.NotNil(t, final.Result)
	assert.False(t, final.Result.Success)

	// Terminal jobs reject further operations.
	assert.False(t, s.Cancel(job.JobID).OK)
	assert.False(t, s.Pause(job.JobID, PauseManual).OK)
	assert.False(t, s.Resume(job.JobID).OK)
}

func TestCancel_RunningJobFinalizesAsCanceled(t *testing.T) {
	planDir := t.TempDir()

	reg := testutil.NewFakeRegistry()
	reg.ConnectGPUNode("gpu-1", 1)
	exit143 := 143
	reg.Script("gpu-1", testutil.ScriptedResult{
		Result: testutil.RunResult(exit143, "", "").Result,
		Delay:  300 * time.Millisecond,
	})

	s := newTestScheduler(t, testConfig(), "", reg)

	job, err := s.Submit(shellJob(planDir, "while :; do sleep 1; done"))
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		j := s.Get(job.JobID)
		return j != nil && j.State == StateRunning
	}, "job should start running")

	require.True(t, s.Cancel(job.JobID).OK)

	markerPath := filepath.Join(planDir, "report", "gpu_scheduler", "jobs", job.JobID, "attempt-1", "cancel.requested")
	data, err := os.ReadFile(markerPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "cancelRequestedAtMs")

	final := s.Wait(job.JobID, 5*time.Second)
	require.NotNil(t, final)
	assert.Equal(t, StateCanceled, final.State)
}

func TestRetry_LinearBackoffAndFailure(t *testing.T) {
	reg := testutil.NewFakeRegistry()
	reg.ConnectGPUNode("gpu-1", 1)
	reg.ScriptDefault("gpu-1", testutil.RunResult(1, "", "boom"))

	s := newTestScheduler(t, testConfig(), "", reg)

	job, err := s.Submit(SubmitRequest{
		Resources:   ResourceRequest{GPUCount: 1},
		Exec:        ExecSpec{Command: []string{"x"}},
		MaxAttempts: 2,
	})
	require.NoError(t, err)

	final := s.Wait(job.JobID, 10*time.Second)
	require.NotNil(t, final)
	assert.Equal(t, StateFailed, final.State)
	require.Len(t, final.Attempts, 2)
	assert.Equal(t, 1, final.Attempts[0].Attempt)
	assert.Equal(t, 2, final.Attempts[1].Attempt)
	assert.GreaterOrEqual(t, final.Attempts[1].StartedAtMs, final.Attempts[0].StartedAtMs)
	require.NotNil(t, final.Result)
	assert.False(t, final.Result.Success)
	assert.Contains(t, final.Result.StderrTail, "boom")
}

func TestSubmit_NormalizesRequest(t *testing.T) {
	reg := testutil.NewFakeRegistry()
	s := newTestScheduler(t, testConfig(), "", reg)

	job, err := s.Submit(SubmitRequest{
		Resources:   ResourceRequest{GPUCount: 0},
		Exec:        ExecSpec{Command: []string{"x"}},
		MaxAttempts: 0,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, job.Resources.GPUCount)
	assert.Equal(t, 1, job.MaxAttempts)
	assert.Equal(t, StateQueued, job.State)
	assert.Empty(t, job.Attempts)
}

func TestSubmit_AfterStopFails(t *testing.T) {
	reg := testutil.NewFakeRegistry()
	s := newTestScheduler(t, testConfig(), "", reg)
	s.Stop()

	_, err := s.Submit(SubmitRequest{Resources: ResourceRequest{GPUCount: 1}, Exec: ExecSpec{Command: []string{"x"}}})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestWait_UnknownJobReturnsNil(t *testing.T) {
	reg := testutil.NewFakeRegistry()
	s := newTestScheduler(t, testConfig(), "", reg)

	assert.Nil(t, s.Wait("no-such-job", 50*time.Millisecond))
}

func TestWait_TimeoutReturnsSnapshot(t *testing.T) {
	reg := testutil.NewFakeRegistry()
	s := newTestScheduler(t, testConfig(), "", reg)

	// No nodes: the job stays queued past the wait deadline.
	job, err := s.Submit(SubmitRequest{Resources: ResourceRequest{GPUCount: 1}, Exec: ExecSpec{Command: []string{"x"}}})
	require.NoError(t, err)

	snapshot := s.Wait(job.JobID, 100*time.Millisecond)
	require.NotNil(t, snapshot)
	assert.Equal(t, StateQueued, snapshot.State)
}

func TestList_SortsAndFilters(t *testing.T) {
	reg := testutil.NewFakeRegistry()
	s := newTestScheduler(t, testConfig(), "", reg)

	var ids []string
	for i := 0; i < 3; i++ {
		job, err := s.Submit(SubmitRequest{Resources: ResourceRequest{GPUCount: 1}, Exec: ExecSpec{Command: []string{"x"}}})
		require.NoError(t, err)
		ids = append(ids, job.JobID)
	}
	require.True(t, s.Cancel(ids[1]).OK)

	all := s.List(ListFilter{})
	require.Len(t, all, 3)
	for i := 1; i < len(all); i++ {
		assert.GreaterOrEqual(t, all[i-1].CreatedAtMs, all[i].CreatedAtMs)
	}

	canceled := s.List(ListFilter{State: StateCanceled})
	require.Len(t, canceled, 1)
	assert.Equal(t, ids[1], canceled[0].JobID)
}

func TestRestart_ReconcilesFromExitEvidence(t *testing.T) {
	planDir := t.TempDir()
	stateDir := t.TempDir()
	statePath := filepath.Join(stateDir, "jobs.json")

	jobID := "01JRECONCILED0000000000000"
	monDir := filepath.Join(planDir, "report", "gpu_scheduler", "jobs", jobID, "attempt-1")
	require.NoError(t, os.MkdirAll(monDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(monDir, "exit.json"),
		[]byte(`{"schemaVersion":1,"jobId":"`+jobID+`","attempt":1,"startedAtMs":1,"finishedAtMs":2,"exitCode":0,"timedOut":false,"success":true}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(monDir, "stdout.txt"), []byte("hello from the worker\n"), 0o644))

	nowMs := time.Now().UnixMilli()
	doc := stateDocument{
		Version: stateSchemaVersion,
		Jobs: []*GpuJob{{
			JobID:       jobID,
			CreatedAtMs: nowMs,
			UpdatedAtMs: nowMs,
			State:       StateRunning,
			Resources:   ResourceRequest{GPUCount: 1},
			Exec: ExecSpec{
				Command: []string{"sh", "-lc", "echo hello"},
				Env:     map[string]string{EnvPlanDir: planDir},
			},
			MaxAttempts:    1,
			Attempts:       []Attempt{{Attempt: 1, NodeID: "gpu-1", StartedAtMs: nowMs}},
			AssignedNodeID: "gpu-1",
		}},
	}
	require.NoError(t, statestore.Write(statePath, &doc))

	reg := testutil.NewFakeRegistry()
	cfg := testConfig()
	cfg.Persist = true
	s := newTestScheduler(t, cfg, statePath, reg)

	final := s.Wait(jobID, 5*time.Second)
	require.NotNil(t, final)
	assert.Equal(t, StateSucceeded, final.State)
	require.NotNil(t, final.Result)
	assert.True(t, final.Result.Success)
	assert.Contains(t, final.Result.StdoutTail, "hello")
	assert.Empty(t, reg.Calls(), "reconciliation must not issue new RPCs")
}

func TestRestart_StaleHeartbeatRequeues(t *testing.T) {
	planDir := t.TempDir()
	statePath := filepath.Join(t.TempDir(), "jobs.json")

	jobID := "01JSTALEHEARTBEAT000000000"
	monDir := filepath.Join(planDir, "report", "gpu_scheduler", "jobs", jobID, "attempt-1")
	require.NoError(t, os.MkdirAll(monDir, 0o755))
	// No exit.json and no heartbeat: the attempt is lost.

	nowMs := time.Now().UnixMilli()
	doc := stateDocument{
		Version: stateSchemaVersion,
		Jobs: []*GpuJob{{
			JobID:       jobID,
			CreatedAtMs: nowMs,
			UpdatedAtMs: nowMs,
			State:       StateRunning,
			Resources:   ResourceRequest{GPUCount: 1},
			Exec: ExecSpec{
				Command: []string{"sh", "-lc", "sleep 600"},
				Env:     map[string]string{EnvPlanDir: planDir},
			},
			MaxAttempts:    2,
			Attempts:       []Attempt{{Attempt: 1, NodeID: "gpu-1", StartedAtMs: nowMs}},
			AssignedNodeID: "gpu-1",
		}},
	}
	require.NoError(t, statestore.Write(statePath, &doc))

	reg := testutil.NewFakeRegistry()
	cfg := testConfig()
	cfg.Persist = true
	s := newTestScheduler(t, cfg, statePath, reg)

	waitFor(t, 2*time.Second, func() bool {
		j := s.Get(jobID)
		return j != nil && j.State == StateQueued
	}, "lost attempt should requeue the job")

	j := s.Get(jobID)
	assert.Empty(t, j.AssignedNodeID)
	require.Len(t, j.Attempts, 1)
	assert.Contains(t, j.Attempts[0].Error, "heartbeat stale")
}

func TestRestart_FreshHeartbeatKeepsRunning(t *testing.T) {
	planDir := t.TempDir()
	statePath := filepath.Join(t.TempDir(), "jobs.json")

	jobID := "01JFRESHHEARTBEAT000000000"
	monDir := filepath.Join(planDir, "report", "gpu_scheduler", "jobs", jobID, "attempt-1")
	require.NoError(t, os.MkdirAll(monDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(monDir, "heartbeat.txt"), []byte("1700000000\n"), 0o644))

	nowMs := time.Now().UnixMilli()
	doc := stateDocument{
		Version: stateSchemaVersion,
		Jobs: []*GpuJob{{
			JobID:       jobID,
			CreatedAtMs: nowMs,
			UpdatedAtMs: nowMs,
			State:       StateRunning,
			Resources:   ResourceRequest{GPUCount: 1},
			Exec: ExecSpec{
				Command: []string{"sh", "-lc", "sleep 600"},
				Env:     map[string]string{EnvPlanDir: planDir},
			},
			MaxAttempts:    1,
			Attempts:       []Attempt{{Attempt: 1, NodeID: "gpu-1", StartedAtMs: nowMs}},
			AssignedNodeID: "gpu-1",
		}},
	}
	require.NoError(t, statestore.Write(statePath, &doc))

	reg := testutil.NewFakeRegistry()
	cfg := testConfig()
	cfg.Persist = true
	s := newTestScheduler(t, cfg, statePath, reg)

	// Give the dispatcher a few pumps: the job must stay running.
	time.Sleep(200 * time.Millisecond)
	j := s.Get(jobID)
	require.NotNil(t, j)
	assert.Equal(t, StateRunning, j.State)
	assert.Equal(t, "gpu-1", j.AssignedNodeID)
}

func TestRestart_MissingPlanDirRequeues(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "jobs.json")

	jobID := "01JMISSINGPLANDIR000000000"
	nowMs := time.Now().UnixMilli()
	doc := stateDocument{
		Version: stateSchemaVersion,
		Jobs: []*GpuJob{{
			JobID:       jobID,
			CreatedAtMs: nowMs,
			UpdatedAtMs: nowMs,
			State:       StateRunning,
			Resources:   ResourceRequest{GPUCount: 1},
			Exec:        ExecSpec{Command: []string{"train.sh"}},
			MaxAttempts: 2,
			Attempts:    []Attempt{{Attempt: 1, NodeID: "gpu-1", StartedAtMs: nowMs}},
		}},
	}
	require.NoError(t, statestore.Write(statePath, &doc))

	reg := testutil.NewFakeRegistry()
	cfg := testConfig()
	cfg.Persist = true
	s := newTestScheduler(t, cfg, statePath, reg)

	waitFor(t, 2*time.Second, func() bool {
		j := s.Get(jobID)
		return j != nil && j.State == StateQueued
	}, "job without plan dir should requeue")

	j := s.Get(jobID)
	require.Len(t, j.Attempts, 1)
	assert.Contains(t, j.Attempts[0].Error, "missing plan dir")
}

func TestPersistence_RoundTrip(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "jobs.json")

	reg := testutil.NewFakeRegistry()
	reg.ConnectGPUNode("gpu-1", 1)

	cfg := testConfig()
	cfg.Persist = true
	s := newTestScheduler(t, cfg, statePath, reg)

	job, err := s.Submit(SubmitRequest{Resources: ResourceRequest{GPUCount: 1}, Exec: ExecSpec{Command: []string{"x"}}})
	require.NoError(t, err)

	final := s.Wait(job.JobID, 5*time.Second)
	require.NotNil(t, final)
	require.Equal(t, StateSucceeded, final.State)

	s.Stop() // flushes the final snapshot

	var doc stateDocument
	ok, err := statestore.Read(statePath, &doc)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, stateSchemaVersion, doc.Version)
	require.Len(t, doc.Jobs, 1)
	assert.Equal(t, job.JobID, doc.Jobs[0].JobID)
	assert.Equal(t, StateSucceeded, doc.Jobs[0].State)
	require.NotNil(t, doc.Jobs[0].Result)
	assert.True(t, doc.Jobs[0].Result.Success)
}

func TestHistoryTrimming_EvictsOldestTerminals(t *testing.T) {
	reg := testutil.NewFakeRegistry()
	reg.ConnectGPUNode("gpu-1", 1)

	cfg := testConfig()
	cfg.TerminalHistoryLimit = 1
	s := newTestScheduler(t, cfg, "", reg)

	var ids []string
	for i := 0; i < 3; i++ {
		job, err := s.Submit(SubmitRequest{Resources: ResourceRequest{GPUCount: 1}, Exec: ExecSpec{Command: []string{"x"}}})
		require.NoError(t, err)
		require.NotNil(t, s.Wait(job.JobID, 5*time.Second))
		ids = append(ids, job.JobID)
		// Distinct updatedAtMs keeps the eviction order deterministic.
		time.Sleep(5 * time.Millisecond)
	}

	waitFor(t, 2*time.Second, func() bool {
		return len(s.List(ListFilter{})) == 1
	}, "trimming should retain one terminal job")

	remaining := s.List(ListFilter{})
	require.Len(t, remaining, 1)
	assert.Equal(t, ids[2], remaining[0].JobID, "newest terminal job survives")
}

// newPolicyScheduler builds a scheduler whose workers are never started, so
// policy evaluation can be driven deterministically.
func newPolicyScheduler(windows []policy.TimeWindow) *Scheduler {
	cfg := testConfig()
	cfg.Policy = config.PolicyConfig{
		Enabled:    true,
		AutoPause:  true,
		AutoResume: true,
		Windows:    windows,
		IntervalMs: DefaultPolicyIntervalMs,
	}
	return New(cfg, "", Dependencies{
		Registry: testutil.NewFakeRegistry(),
		Commands: policy.NewCommandPolicy(nil),
		Log:      zerolog.Nop(),
	})
}

func TestPolicy_EvaluatePausesAndResumes(t *testing.T) {
	s := newPolicyScheduler([]policy.TimeWindow{{Start: "09:00", End: "17:00", TZ: "UTC"}})

	job, err := s.Submit(SubmitRequest{Resources: ResourceRequest{GPUCount: 1}, Exec: ExecSpec{Command: []string{"x"}}})
	require.NoError(t, err)

	night := time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)
	day := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	s.evaluatePolicies(night)
	j := s.Get(job.JobID)
	require.True(t, j.Paused, "job should be policy-paused outside the window")
	assert.Equal(t, PausePolicy, j.PausedReason)

	s.evaluatePolicies(day)
	j = s.Get(job.JobID)
	assert.False(t, j.Paused, "job should be policy-resumed inside the window")
}

func TestPolicy_ManualPauseNotAutoResumed(t *testing.T) {
	// Always-in-window policy: auto-resume would fire if eligible.
	s := newPolicyScheduler([]policy.TimeWindow{{Start: "00:00", End: "00:00"}})

	job, err := s.Submit(SubmitRequest{Resources: ResourceRequest{GPUCount: 1}, Exec: ExecSpec{Command: []string{"x"}}})
	require.NoError(t, err)
	require.True(t, s.Pause(job.JobID, PauseManual).OK)

	s.evaluatePolicies(time.Now())

	j := s.Get(job.JobID)
	assert.True(t, j.Paused, "manual pauses survive auto-resume")
	assert.Equal(t, PauseManual, j.PausedReason)
}

func TestPolicy_JobLevelOverridesGlobal(t *testing.T) {
	// Global policy always-in-window; the job narrows it to a window that
	// excludes the evaluation instant.
	s := newPolicyScheduler([]policy.TimeWindow{{Start: "00:00", End: "00:00"}})

	autoPause := true
	job, err := s.Submit(SubmitRequest{
		Resources: ResourceRequest{GPUCount: 1},
		Exec:      ExecSpec{Command: []string{"x"}},
		Policy: &JobPolicy{
			AutoPause: &autoPause,
			Windows:   []policy.TimeWindow{{Start: "09:00", End: "10:00", TZ: "UTC"}},
		},
	})
	require.NoError(t, err)

	s.evaluatePolicies(time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC))

	j := s.Get(job.JobID)
	assert.True(t, j.Paused)
	assert.Equal(t, PausePolicy, j.PausedReason)
}

func TestDispatch_SkipsNotBefore(t *testing.T) {
	reg := testutil.NewFakeRegistry()
	reg.ConnectGPUNode("gpu-1", 1)
	reg.Script("gpu-1", testutil.RunResult(1, "", "first failure"))

	cfg := testConfig()
	s := newTestScheduler(t, cfg, "", reg)

	job, err := s.Submit(SubmitRequest{
		Resources:   ResourceRequest{GPUCount: 1},
		Exec:        ExecSpec{Command: []string{"x"}},
		MaxAttempts: 2,
	})
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		j := s.Get(job.JobID)
		return j != nil && len(j.Attempts) == 1 && j.State == StateQueued
	}, "job should requeue after the first failure")

	j := s.Get(job.JobID)
	assert.Greater(t, j.NotBeforeMs, time.Now().UnixMilli()-100, "backoff should set notBeforeMs")

	final := s.Wait(job.JobID, 10*time.Second)
	require.NotNil(t, final)
	assert.Equal(t, StateSucceeded, final.State)
	assert.Len(t, final.Attempts, 2)
}

func TestTailString_Truncation(t *testing.T) {
	long := strings.Repeat("x", TailChars+100)
	assert.Len(t, tailString(long), TailChars)
	assert.Equal(t, "short", tailString("short"))
}
