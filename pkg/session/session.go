// Package session owns the live connections to backend MCP servers: one
// session per (project, server), built on demand, shared by every client
// channel of the project, and torn down when idle or dead.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/jsonrpc2"

	"github.com/mcp-orch/mcp-orch/pkg/errors"
	"github.com/mcp-orch/mcp-orch/pkg/logger"
	"github.com/mcp-orch/mcp-orch/pkg/registry"
	"github.com/mcp-orch/mcp-orch/pkg/transport/types"
)

// State is the lifecycle position of a session.
type State int

const (
	StateInitializing State = iota
	StateReady
	StateDraining
	StateDead
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Key identifies a session: one backend server within one project.
type Key struct {
	ProjectID string
	ServerID  string
}

func (k Key) String() string {
	return k.ProjectID + "/" + k.ServerID
}

// Session is a live, handshaken connection to one backend server. All
// request/response correlation happens here: the transport only moves
// frames, the session matches responses to waiting callers by ID.
type Session struct {
	key    Key
	server *registry.BackendServer
	tr     types.Transport

	// nextID allocates wire-level request IDs. Client-supplied IDs are
	// rewritten on the way out and restored on the way back, so two
	// channels reusing the same ID never collide on one backend.
	nextID atomic.Int64

	// onDead is called once when the transport dies under the session.
	onDead func(*Session)

	mu          sync.Mutex
	state       State
	refs        int
	lastUsed    time.Time
	pending     map[int64]chan *jsonrpc2.Response
	subscribers []chan *jsonrpc2.Request
	serverInfo  json.RawMessage
}

func newSession(key Key, server *registry.BackendServer, tr types.Transport, onDead func(*Session)) *Session {
	s := &Session{
		key:      key,
		server:   server,
		tr:       tr,
		onDead:   onDead,
		state:    StateInitializing,
		lastUsed: time.Now(),
		pending:  make(map[int64]chan *jsonrpc2.Response),
	}
	go s.readLoop()
	return s
}

// Key returns the session's identity.
func (s *Session) Key() Key { return s.key }

// Server returns the registry record the session was built from.
func (s *Session) Server() *registry.BackendServer { return s.server }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ServerInfo returns the serverInfo object from the initialize response.
func (s *Session) ServerInfo() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

// Invoke sends one call and waits for the matching response. The request ID
// is rewritten for the wire and restored on the response. Cancellation and
// the per-server timeout both abort the wait; an aborted call sends a
// cancellation notice so the backend can stop working.
func (s *Session) Invoke(ctx context.Context, req *jsonrpc2.Request) (*jsonrpc2.Response, error) {
	if !req.ID.IsValid() {
		return nil, s.Notify(ctx, req.Method, req.Params)
	}

	timeout := s.server.Timeout
	if timeout <= 0 {
		timeout = registry.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wireID := s.nextID.Add(1)
	waiter := make(chan *jsonrpc2.Response, 1)

	s.mu.Lock()
	if s.state == StateDead || s.state == StateDraining {
		state := s.state
		s.mu.Unlock()
		return nil, errors.NewTransportGoneError(fmt.Sprintf("session %s is %s", s.key, state), s.tr.Err())
	}
	s.pending[wireID] = waiter
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, wireID)
		s.mu.Unlock()
	}()

	call, err := jsonrpc2.NewCall(jsonrpc2.Int64ID(wireID), req.Method, req.Params)
	if err != nil {
		return nil, errors.NewInternalError("failed to build call", err)
	}
	if err := s.tr.Send(ctx, call); err != nil {
		return nil, errors.NewTransportGoneError("backend write failed", err)
	}

	select {
	case resp := <-waiter:
		restored, err := jsonrpc2.NewResponse(req.ID, resp.Result, resp.Error)
		if err != nil {
			return nil, errors.NewInternalError("failed to restore response id", err)
		}
		return restored, nil
	case <-s.tr.Closed():
		return nil, errors.NewTransportGoneError(
			fmt.Sprintf("backend %q went away mid-call", s.server.Name), s.tr.Err())
	case <-ctx.Done():
		s.cancelInflight(wireID)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.NewTimeoutError(
				fmt.Sprintf("backend %q did not answer %s within %s", s.server.Name, req.Method, timeout), nil)
		}
		return nil, ctx.Err()
	}
}

// Notify sends a fire-and-forget notification to the backend.
func (s *Session) Notify(ctx context.Context, method string, params json.RawMessage) error {
	notif, err := jsonrpc2.NewNotification(method, params)
	if err != nil {
		return errors.NewInternalError("failed to build notification", err)
	}
	if err := s.tr.Send(ctx, notif); err != nil {
		return errors.NewTransportGoneError("backend write failed", err)
	}
	return nil
}

// cancelInflight tells the backend an abandoned call can be dropped.
func (s *Session) cancelInflight(wireID int64) {
	params, err := json.Marshal(map[string]any{"requestId": wireID})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.Notify(ctx, "notifications/cancelled", params)
}

// Subscribe registers a channel that receives backend-initiated
// notifications (progress, resource updates, log messages). Slow consumers
// lose frames rather than stalling the reader.
func (s *Session) Subscribe() <-chan *jsonrpc2.Request {
	ch := make(chan *jsonrpc2.Request, 32)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

// readLoop is the session's only reader. It correlates responses with
// pending calls and fans notifications out to subscribers. When the
// transport's message channel closes the session is dead.
func (s *Session) readLoop() {
	for msg := range s.tr.Messages() {
		switch m := msg.(type) {
		case *jsonrpc2.Response:
			s.dispatchResponse(m)
		case *jsonrpc2.Request:
			if m.ID.IsValid() {
				// Backend-initiated requests (sampling etc.) are not
				// brokered; answer with a refusal so the backend is
				// not left waiting.
				s.refuse(m)
				continue
			}
			s.fanOut(m)
		}
	}
	s.markDead()
}

func (s *Session) dispatchResponse(resp *jsonrpc2.Response) {
	raw, ok := resp.ID.Raw().(int64)
	if !ok {
		logger.Debugw("dropping response with non-numeric id", "session", s.key.String())
		return
	}
	s.mu.Lock()
	waiter := s.pending[raw]
	delete(s.pending, raw)
	s.mu.Unlock()
	if waiter == nil {
		logger.Debugw("dropping response with no waiter", "session", s.key.String(), "id", raw)
		return
	}
	waiter <- resp
}

func (s *Session) fanOut(notif *jsonrpc2.Request) {
	s.mu.Lock()
	subs := make([]chan *jsonrpc2.Request, len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- notif:
		default:
		}
	}
}

func (s *Session) refuse(req *jsonrpc2.Request) {
	resp, err := jsonrpc2.NewResponse(req.ID, nil,
		jsonrpc2.NewError(errors.CodeInternal, "server-initiated requests are not supported"))
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.tr.Send(ctx, resp)
}

// markDead finalizes the session after transport loss: pending calls fail,
// subscribers are closed, and the owner is told to drop the session.
func (s *Session) markDead() {
	s.mu.Lock()
	if s.state == StateDead {
		s.mu.Unlock()
		return
	}
	wasDraining := s.state == StateDraining
	s.state = StateDead
	pending := s.pending
	s.pending = make(map[int64]chan *jsonrpc2.Response)
	subs := s.subscribers
	s.subscribers = nil
	s.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
	// Waiters are unblocked through tr.Closed(); dropping the channels
	// here just guarantees no one writes to them afterwards.
	_ = pending

	if !wasDraining {
		logger.Infow("backend session died",
			"session", s.key.String(), "server", s.server.Name, "error", s.tr.Err())
	}
	if s.onDead != nil {
		s.onDead(s)
	}
}

// acquireRef increments the in-flight count. It fails when the session is
// no longer accepting work.
func (s *Session) acquireRef() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return false
	}
	s.refs++
	s.lastUsed = time.Now()
	return true
}

// Release marks one unit of in-flight work as finished.
func (s *Session) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs > 0 {
		s.refs--
	}
	s.lastUsed = time.Now()
}

// idle reports whether the session has no in-flight work and has been
// unused for at least idleFor.
func (s *Session) idle(now time.Time, idleFor time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateReady && s.refs == 0 && now.Sub(s.lastUsed) >= idleFor
}

// beginDrain flips the session out of service so no new work lands on it.
// Returns false when the session is busy or already on its way out.
func (s *Session) beginDrain(force bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return false
	}
	if s.refs > 0 && !force {
		return false
	}
	s.state = StateDraining
	return true
}

func (s *Session) markReady(serverInfo json.RawMessage) {
	s.mu.Lock()
	s.state = StateReady
	s.serverInfo = serverInfo
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

// drainTransport runs the transport's shutdown sequence.
func (s *Session) drainTransport(ctx context.Context) error {
	return s.tr.Drain(ctx)
}
