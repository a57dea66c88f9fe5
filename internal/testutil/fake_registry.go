// Package testutil provides fakes shared by scheduler tests.
package testutil

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/openclaw/gateway/internal/nodes"
)

// FakeRegistry is a scripted in-memory node registry. Tests connect fake
// nodes, queue per-node invoke responses, and inspect recorded calls.
type FakeRegistry struct {
	mu       sync.Mutex
	sessions map[string]nodes.NodeSession
	queues   map[string][]ScriptedResult
	fallback map[string]ScriptedResult
	calls    []RecordedCall
	inflight map[string]int
	maxSeen  map[string]int
}

// ScriptedResult is one canned invoke response.
type ScriptedResult struct {
	Result nodes.InvokeResult

	// Delay simulates command runtime before the response lands.
	Delay time.Duration
}

// RecordedCall captures one Invoke for later assertions.
type RecordedCall struct {
	NodeID         string
	Command        string
	Params         map[string]any
	IdempotencyKey string
	TimeoutMs      int64
}

// NewFakeRegistry creates an empty fake registry.
func NewFakeRegistry() *FakeRegistry {
	return &FakeRegistry{
		sessions: make(map[string]nodes.NodeSession),
		queues:   make(map[string][]ScriptedResult),
		fallback: make(map[string]ScriptedResult),
		inflight: make(map[string]int),
		maxSeen:  make(map[string]int),
	}
}

// Connect registers a fake node session.
func (f *FakeRegistry) Connect(session nodes.NodeSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if session.ConnectedAtMs == 0 {
		session.ConnectedAtMs = time.Now().UnixMilli()
	}
	f.sessions[session.NodeID] = session
}

// ConnectGPUNode registers a node declaring system.run with the given GPU
// capacity.
func (f *FakeRegistry) ConnectGPUNode(nodeID string, gpuCount int) {
	f.Connect(nodes.NodeSession{
		NodeID:           nodeID,
		ConnID:           nodeID + "-conn",
		DeclaredCommands: []string{"system.run"},
		Resources:        nodes.Resources{GPUCount: gpuCount},
	})
}

// Disconnect removes a node.
func (f *FakeRegistry) Disconnect(nodeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, nodeID)
}

// Script queues one response for the node, consumed in FIFO order.
func (f *FakeRegistry) Script(nodeID string, r ScriptedResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[nodeID] = append(f.queues[nodeID], r)
}

// ScriptDefault sets the response used when the node's queue is empty.
func (f *FakeRegistry) ScriptDefault(nodeID string, r ScriptedResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallback[nodeID] = r
}

// RunResult builds a successful ScriptedResult with a system.run payload.
func RunResult(exitCode int, stdout, stderr string) ScriptedResult {
	payload, _ := json.Marshal(map[string]any{
		"success":  exitCode == 0,
		"stdout":   stdout,
		"stderr":   stderr,
		"exitCode": exitCode,
		"timedOut": false,
	})
	return ScriptedResult{Result: nodes.InvokeResult{OK: true, Payload: payload}}
}

// ListConnected returns the fake sessions.
func (f *FakeRegistry) ListConnected() []nodes.NodeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]nodes.NodeSession, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out
}

// Invoke records the call and returns the next scripted response.
func (f *FakeRegistry) Invoke(ctx context.Context, req nodes.InvokeRequest) nodes.InvokeResult {
	f.mu.Lock()

	call := RecordedCall{
		NodeID:         req.NodeID,
		Command:        req.Command,
		IdempotencyKey: req.IdempotencyKey,
		TimeoutMs:      req.TimeoutMs,
	}
	if data, err := json.Marshal(req.Params); err == nil {
		json.Unmarshal(data, &call.Params)
	}
	f.calls = append(f.calls, call)

	f.inflight[req.NodeID]++
	if f.inflight[req.NodeID] > f.maxSeen[req.NodeID] {
		f.maxSeen[req.NodeID] = f.inflight[req.NodeID]
	}

	var scripted ScriptedResult
	if queue := f.queues[req.NodeID]; len(queue) > 0 {
		scripted = queue[0]
		f.queues[req.NodeID] = queue[1:]
	} else if r, ok := f.fallback[req.NodeID]; ok {
		scripted = r
	} else {
		scripted = RunResult(0, "", "")
	}
	f.mu.Unlock()

	if scripted.Delay > 0 {
		select {
		case <-time.After(scripted.Delay):
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	f.inflight[req.NodeID]--
	f.mu.Unlock()

	return scripted.Result
}

// Calls returns the recorded invokes.
func (f *FakeRegistry) Calls() []RecordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]RecordedCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsFor counts invokes against one node.
func (f *FakeRegistry) CallsFor(nodeID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.NodeID == nodeID {
			n++
		}
	}
	return n
}

// MaxConcurrent reports the highest number of overlapping invokes observed
// against one node.
func (f *FakeRegistry) MaxConcurrent(nodeID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxSeen[nodeID]
}
