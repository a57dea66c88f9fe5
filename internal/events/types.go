package events

import "time"

// Event represents a single occurrence in the gateway lifecycle.
type Event struct {
	// Time is when the event occurred (set by the bus on emit).
	Time time.Time `json:"time"`

	// Type identifies what happened.
	Type EventType `json:"type"`

	// JobID is the job this event relates to (empty for gateway events).
	JobID string `json:"jobId,omitempty"`

	// NodeID is the worker node involved, if any.
	NodeID string `json:"nodeId,omitempty"`

	// Attempt is the 1-based attempt number (0 if not attempt-related).
	Attempt int `json:"attempt,omitempty"`

	// Payload contains event-specific data (type varies by event).
	Payload any `json:"payload,omitempty"`

	// Error contains an error message if this is a failure event.
	Error string `json:"error,omitempty"`
}

// EventType is a string constant identifying the event category.
type EventType string

// Gateway lifecycle events.
const (
	GatewayStarted EventType = "gateway.started"
	GatewayStopped EventType = "gateway.stopped"
)

// Node session events.
const (
	NodeConnected    EventType = "node.connected"
	NodeDisconnected EventType = "node.disconnected"
)

// GPU job lifecycle events.
const (
	JobSubmitted       EventType = "job.submitted"
	JobDispatched      EventType = "job.dispatched"
	JobAttemptFinished EventType = "job.attempt.finished"
	JobRequeued        EventType = "job.requeued"
	JobPaused          EventType = "job.paused"
	JobResumed         EventType = "job.resumed"
	JobCancelRequested EventType = "job.cancel.requested"
	JobSucceeded       EventType = "job.succeeded"
	JobFailed          EventType = "job.failed"
	JobCanceled        EventType = "job.canceled"
	JobReconciled      EventType = "job.reconciled"
)

// Proposal pipeline events.
const (
	ProposalSubmitted    EventType = "proposal.submitted"
	ProposalStepStarted  EventType = "proposal.step.started"
	ProposalStepFinished EventType = "proposal.step.finished"
	ProposalSucceeded    EventType = "proposal.succeeded"
	ProposalFailed       EventType = "proposal.failed"
	ProposalCanceled     EventType = "proposal.canceled"
)

// NewEvent creates an event for the given type and job.
func NewEvent(eventType EventType, jobID string) Event {
	return Event{Type: eventType, JobID: jobID}
}

// WithNode attaches the worker node ID.
func (e Event) WithNode(nodeID string) Event {
	e.NodeID = nodeID
	return e
}

// WithAttempt attaches the attempt number.
func (e Event) WithAttempt(attempt int) Event {
	e.Attempt = attempt
	return e
}

// WithPayload attaches event-specific data.
func (e Event) WithPayload(payload any) Event {
	e.Payload = payload
	return e
}

// WithError attaches an error message.
func (e Event) WithError(err error) Event {
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// IsTerminal reports whether the event marks a job reaching a terminal state.
func (e Event) IsTerminal() bool {
	switch e.Type {
	case JobSucceeded, JobFailed, JobCanceled,
		ProposalSucceeded, ProposalFailed, ProposalCanceled:
		return true
	}
	return false
}
