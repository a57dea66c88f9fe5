// Package gateway wires the schedulers, node registry and transports into
// the gateway process, and provides the in-process call facade the pipeline
// executor uses in place of a network hop.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openclaw/gateway/internal/gpusched"
	"github.com/openclaw/gateway/internal/nodes"
)

// Facade answers the gateway RPC contract in-process. Serialization on the
// wire is bypassed but payload shapes match the external schema, so an
// executor cannot tell whether it talks to a remote gateway or this.
type Facade struct {
	Scheduler *gpusched.Scheduler
	Registry  nodes.Registry
}

// Facade method names, mirroring the external gateway surface.
const (
	MethodGpuJobSubmit = "gpu.job.submit"
	MethodGpuJobWait   = "gpu.job.wait"
	MethodGpuJobCancel = "gpu.job.cancel"
	MethodNodeList     = "node.list"
	MethodNodeInvoke   = "node.invoke"
)

type waitParams struct {
	JobID     string `json:"jobId"`
	TimeoutMs int64  `json:"timeoutMs,omitempty"`
}

type cancelParams struct {
	JobID string `json:"jobId"`
}

// Call routes a gateway method to the owning component and returns the
// JSON-encoded result.
func (f *Facade) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	switch method {
	case MethodGpuJobSubmit:
		var req gpusched.SubmitRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("%s: %w", method, err)
		}
		job, err := f.Scheduler.Submit(req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(job)

	case MethodGpuJobWait:
		var p waitParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("%s: %w", method, err)
		}
		timeout := 60 * time.Second
		if p.TimeoutMs > 0 {
			timeout = time.Duration(p.TimeoutMs) * time.Millisecond
		}
		job := f.Scheduler.Wait(p.JobID, timeout)
		if job == nil {
			return json.Marshal(nil)
		}
		return json.Marshal(job)

	case MethodGpuJobCancel:
		var p cancelParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("%s: %w", method, err)
		}
		return json.Marshal(f.Scheduler.Cancel(p.JobID))

	case MethodNodeList:
		return json.Marshal(f.Registry.ListConnected())

	case MethodNodeInvoke:
		var req nodes.InvokeRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("%s: %w", method, err)
		}
		return json.Marshal(f.Registry.Invoke(ctx, req))

	default:
		return nil, fmt.Errorf("unknown gateway method %q", method)
	}
}
