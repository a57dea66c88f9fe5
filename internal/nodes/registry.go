package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/openclaw/gateway/internal/events"
)

// DefaultInvokeTimeout bounds calls that carry no explicit timeout.
const DefaultInvokeTimeout = 30 * time.Second

// writeWait bounds a single websocket frame write.
const writeWait = 10 * time.Second

// Frame types exchanged with worker nodes. A worker sends one hello after
// connecting, then answers request frames with response frames carrying the
// same id. Responses are delivered to exactly one awaiting call.
const (
	frameHello    = "hello"
	frameRequest  = "request"
	frameResponse = "response"
)

type wireFrame struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	// hello fields
	NodeID           string    `json:"nodeId,omitempty"`
	DeclaredCommands []string  `json:"declaredCommands,omitempty"`
	Caps             []string  `json:"caps,omitempty"`
	Resources        Resources `json:"resources,omitempty"`

	// request fields
	Command        string `json:"command,omitempty"`
	Params         any    `json:"params,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	TimeoutMs      int64  `json:"timeoutMs,omitempty"`

	// response fields
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *InvokeError    `json:"error,omitempty"`
}

// session is one live node connection with its pending calls.
type session struct {
	info NodeSession
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan wireFrame
	closed  bool
}

// WSRegistry implements Registry over websocket node sessions.
type WSRegistry struct {
	log      zerolog.Logger
	bus      *events.Bus
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*session // keyed by nodeId; newest connection wins
}

// NewWSRegistry creates an empty registry.
func NewWSRegistry(log zerolog.Logger, bus *events.Bus) *WSRegistry {
	return &WSRegistry{
		log: log.With().Str("component", "nodes").Logger(),
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
		},
		sessions: make(map[string]*session),
	}
}

// ServeHTTP upgrades a worker connection and runs its read loop until the
// node disconnects.
func (r *WSRegistry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	var hello wireFrame
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != frameHello || hello.NodeID == "" {
		r.log.Warn().Err(err).Msg("invalid hello frame")
		conn.Close()
		return
	}

	s := &session{
		info: NodeSession{
			NodeID:           hello.NodeID,
			ConnID:           uuid.NewString(),
			DeclaredCommands: hello.DeclaredCommands,
			Caps:             hello.Caps,
			Resources:        hello.Resources,
			ConnectedAtMs:    time.Now().UnixMilli(),
		},
		conn:    conn,
		pending: make(map[string]chan wireFrame),
	}

	r.register(s)
	defer r.unregister(s)

	r.readLoop(s)
}

func (r *WSRegistry) register(s *session) {
	r.mu.Lock()
	prev := r.sessions[s.info.NodeID]
	r.sessions[s.info.NodeID] = s
	r.mu.Unlock()

	if prev != nil {
		prev.close()
	}

	r.log.Info().
		Str("nodeId", s.info.NodeID).
		Str("connId", s.info.ConnID).
		Int("gpuCount", s.info.Resources.GPUCount).
		Msg("node connected")
	if r.bus != nil {
		r.bus.Emit(events.Event{Type: events.NodeConnected, NodeID: s.info.NodeID})
	}
}

func (r *WSRegistry) unregister(s *session) {
	r.mu.Lock()
	if r.sessions[s.info.NodeID] == s {
		delete(r.sessions, s.info.NodeID)
	}
	r.mu.Unlock()

	s.close()

	r.log.Info().Str("nodeId", s.info.NodeID).Msg("node disconnected")
	if r.bus != nil {
		r.bus.Emit(events.Event{Type: events.NodeDisconnected, NodeID: s.info.NodeID})
	}
}

func (r *WSRegistry) readLoop(s *session) {
	for {
		var frame wireFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Type != frameResponse || frame.ID == "" {
			continue
		}

		s.mu.Lock()
		ch, ok := s.pending[frame.ID]
		if ok {
			delete(s.pending, frame.ID)
		}
		s.mu.Unlock()

		if ok {
			ch <- frame
		}
	}
}

// close fails all pending calls and tears down the connection.
func (s *session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := s.pending
	s.pending = make(map[string]chan wireFrame)
	s.mu.Unlock()

	for _, ch := range pending {
		ch <- wireFrame{
			Type:  frameResponse,
			OK:    false,
			Error: &InvokeError{Code: ErrUnavailable, Message: "node disconnected"},
		}
	}
	s.conn.Close()
}

// ListConnected returns the nodes connected at call time.
func (r *WSRegistry) ListConnected() []NodeSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]NodeSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.info)
	}
	return out
}

// Invoke sends a request frame to the named node and awaits the matching
// response within the request's timeout.
func (r *WSRegistry) Invoke(ctx context.Context, req InvokeRequest) InvokeResult {
	r.mu.RLock()
	s := r.sessions[req.NodeID]
	r.mu.RUnlock()

	if s == nil {
		return InvokeResult{Error: &InvokeError{Code: ErrUnavailable, Message: fmt.Sprintf("node %s not connected", req.NodeID)}}
	}

	timeout := DefaultInvokeTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	id := uuid.NewString()
	ch := make(chan wireFrame, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return InvokeResult{Error: &InvokeError{Code: ErrUnavailable, Message: "node disconnected"}}
	}
	s.pending[id] = ch
	s.mu.Unlock()

	frame := wireFrame{
		Type:           frameRequest,
		ID:             id,
		Command:        req.Command,
		Params:         req.Params,
		IdempotencyKey: req.IdempotencyKey,
		TimeoutMs:      req.TimeoutMs,
	}

	s.writeMu.Lock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := s.conn.WriteJSON(frame)
	s.writeMu.Unlock()

	if err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return InvokeResult{Error: &InvokeError{Code: ErrInternal, Message: err.Error()}}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return InvokeResult{OK: resp.OK, Payload: resp.Payload, Error: resp.Error}
	case <-timer.C:
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return InvokeResult{Error: &InvokeError{Code: ErrTimeout, Message: fmt.Sprintf("no response within %s", timeout)}}
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return InvokeResult{Error: &InvokeError{Code: ErrUnavailable, Message: ctx.Err().Error()}}
	}
}
