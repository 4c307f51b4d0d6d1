package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/mcp-orch/mcp-orch/pkg/errors"
	"github.com/mcp-orch/mcp-orch/pkg/logger"
	"github.com/mcp-orch/mcp-orch/pkg/networking"
	"github.com/mcp-orch/mcp-orch/pkg/registry"
	"github.com/mcp-orch/mcp-orch/pkg/transport/sse"
	"github.com/mcp-orch/mcp-orch/pkg/transport/stdio"
	"github.com/mcp-orch/mcp-orch/pkg/transport/types"
)

// Resolver looks backend servers up by project and reference. The registry
// satisfies it; tests substitute their own.
type Resolver interface {
	Get(ctx context.Context, projectID, serverRef string) (*registry.BackendServer, error)
}

// Dialer builds a live transport for a resolved server. The default dialer
// spawns a child process or connects an SSE stream depending on the record.
type Dialer func(ctx context.Context, server *registry.BackendServer) (types.Transport, error)

// Observer receives session lifecycle events. All methods must be cheap and
// non-blocking; the telemetry package provides the production implementation.
type Observer interface {
	SessionOpened()
	SessionClosed(reason string)
}

// Config tunes the manager.
type Config struct {
	// IdleTimeout is how long an unused session survives before the
	// janitor evicts it.
	IdleTimeout time.Duration

	// DrainTimeout bounds each session's shutdown sequence.
	DrainTimeout time.Duration

	// AllowPrivateBackends opens the SSE dialer to loopback and RFC 1918
	// backend hosts. Off by default: backend URLs are tenant-supplied.
	AllowPrivateBackends bool
}

const (
	defaultIdleTimeout  = 30 * time.Minute
	defaultDrainTimeout = 10 * time.Second
)

// Manager owns the session table: one shared session per (project, server),
// built on first use. Concurrent first requests for the same backend collapse
// into a single construction; everyone else waits for that one result.
type Manager struct {
	resolver Resolver
	dial     Dialer
	observer Observer
	cfg      Config

	group singleflight.Group

	mu       sync.Mutex
	sessions map[Key]*Session
	aliases  map[string]Key
}

// Option customizes a Manager.
type Option func(*Manager)

// WithDialer replaces the transport dialer, mainly for tests.
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dial = d }
}

// WithObserver wires lifecycle telemetry.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// NewManager creates a session manager. It does not start the janitor;
// callers run one with NewJanitor when they want idle eviction.
func NewManager(resolver Resolver, cfg Config, opts ...Option) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	m := &Manager{
		resolver: resolver,
		dial:     defaultDialer(cfg.AllowPrivateBackends),
		cfg:      cfg,
		sessions: make(map[Key]*Session),
		aliases:  make(map[string]Key),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire returns a ready session for the referenced server, building one if
// none exists. The returned session carries one in-flight reference; the
// caller must Release it when the request finishes.
func (m *Manager) Acquire(ctx context.Context, projectID, serverRef string) (*Session, error) {
	alias := projectID + "/" + serverRef

	if s := m.lookup(alias); s != nil && s.acquireRef() {
		return s, nil
	}

	server, err := m.resolver.Get(ctx, projectID, serverRef)
	if err != nil {
		return nil, err
	}
	if !server.Enabled {
		return nil, errors.NewNotFoundError(
			fmt.Sprintf("server %q is disabled", server.Name), nil)
	}
	if server.DisabledAt(time.Now()) {
		return nil, errors.NewInitError(
			fmt.Sprintf("server %q is disabled until %s", server.Name,
				server.DisabledUntil.Format(time.RFC3339)), nil)
	}

	// Every reference form for one server resolves to the same key, so
	// concurrent first requests collapse into a single construction no
	// matter which form each caller used.
	key := Key{ProjectID: projectID, ServerID: server.ID}
	v, err, _ := m.group.Do(key.String(), func() (any, error) {
		// Another waiter may have finished construction while we queued.
		if s := m.sessionFor(key); s != nil && s.State() == StateReady {
			return s, nil
		}
		return m.build(ctx, server, key)
	})
	if err != nil {
		return nil, err
	}

	s := v.(*Session)
	if !s.acquireRef() {
		return nil, errors.NewTransportGoneError(
			fmt.Sprintf("session for %q closed before first use", serverRef), s.tr.Err())
	}
	m.recordAlias(alias, key, s)
	return s, nil
}

func (m *Manager) lookup(alias string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.aliases[alias]
	if !ok {
		return nil
	}
	return m.sessions[key]
}

func (m *Manager) sessionFor(key Key) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[key]
}

// recordAlias remembers which key a reference resolved to, but only while
// the session it was resolved against is still the table's current one.
func (m *Manager) recordAlias(alias string, key Key, s *Session) {
	m.mu.Lock()
	if current, ok := m.sessions[key]; ok && current == s {
		m.aliases[alias] = key
	}
	m.mu.Unlock()
}

// build dials the resolved server's transport and runs the initialize
// handshake. The table lock is never held across any of that.
func (m *Manager) build(ctx context.Context, server *registry.BackendServer, key Key) (*Session, error) {
	tr, err := m.dial(ctx, server)
	if err != nil {
		return nil, errors.NewInitError(
			fmt.Sprintf("failed to connect to server %q", server.Name), err)
	}

	s := newSession(key, server, tr, m.removeDead)

	timeout := server.Timeout
	if timeout <= 0 {
		timeout = registry.DefaultTimeout
	}
	hsCtx, cancel := context.WithTimeout(ctx, timeout)
	err = s.handshake(hsCtx)
	cancel()
	if err != nil {
		m.teardown(s)
		if tail := stderrTail(tr); tail != "" {
			return nil, errors.NewInitError(
				fmt.Sprintf("backend %q failed to initialize; stderr tail:\n%s", server.Name, tail), err)
		}
		return nil, err
	}

	m.mu.Lock()
	m.sessions[key] = s
	m.mu.Unlock()

	if m.observer != nil {
		m.observer.SessionOpened()
	}
	logger.Infow("backend session established",
		"project", key.ProjectID, "server", server.Name, "transport", server.Transport)
	return s, nil
}

// teardown disposes a session that never made it into the table.
func (m *Manager) teardown(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DrainTimeout)
	defer cancel()
	_ = s.drainTransport(ctx)
}

// removeDead drops a dead session from the table. Called by the session's
// read loop after transport loss.
func (m *Manager) removeDead(s *Session) {
	m.mu.Lock()
	if current, ok := m.sessions[s.key]; ok && current == s {
		delete(m.sessions, s.key)
		m.dropAliases(s.key)
	}
	m.mu.Unlock()
	if m.observer != nil {
		m.observer.SessionClosed("died")
	}
}

// dropAliases removes every reference pointing at key. Caller holds m.mu.
func (m *Manager) dropAliases(key Key) {
	for alias, k := range m.aliases {
		if k == key {
			delete(m.aliases, alias)
		}
	}
}

// EvictIdle drains sessions that have been unused past the idle timeout.
// Sessions with in-flight work are never touched. The table lock is released
// before any draining happens.
func (m *Manager) EvictIdle(ctx context.Context) int {
	now := time.Now()

	var victims []*Session
	m.mu.Lock()
	for key, s := range m.sessions {
		if s.idle(now, m.cfg.IdleTimeout) && s.beginDrain(false) {
			delete(m.sessions, key)
			m.dropAliases(key)
			victims = append(victims, s)
		}
	}
	m.mu.Unlock()

	m.drainAll(ctx, victims, "evicted")
	return len(victims)
}

// Shutdown drains every session regardless of idleness. In-flight requests
// are not waited for; the bridge stops accepting work before calling this.
func (m *Manager) Shutdown(ctx context.Context) {
	var victims []*Session
	m.mu.Lock()
	for key, s := range m.sessions {
		if s.beginDrain(true) {
			victims = append(victims, s)
		}
		delete(m.sessions, key)
		m.dropAliases(key)
	}
	m.mu.Unlock()

	m.drainAll(ctx, victims, "shutdown")
}

func (m *Manager) drainAll(ctx context.Context, victims []*Session, reason string) {
	if len(victims) == 0 {
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range victims {
		g.Go(func() error {
			drainCtx, cancel := context.WithTimeout(ctx, m.cfg.DrainTimeout)
			defer cancel()
			if err := s.drainTransport(drainCtx); err != nil {
				logger.Warnw("session drain failed",
					"session", s.key.String(), "reason", reason, "error", err)
			}
			if m.observer != nil {
				m.observer.SessionClosed(reason)
			}
			return nil
		})
	}
	_ = g.Wait()
	logger.Infow("sessions drained", "count", len(victims), "reason", reason)
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// defaultDialer builds the production dialer. allowPrivate opens the SSE
// client to loopback and RFC 1918 backend hosts for self-hosted deployments.
func defaultDialer(allowPrivate bool) Dialer {
	return func(ctx context.Context, server *registry.BackendServer) (types.Transport, error) {
		switch server.Transport {
		case registry.TransportStdio:
			return stdio.Spawn(stdio.Config{
				Command: server.Command,
				Args:    server.Args,
				Env:     server.Env,
				Cwd:     server.Cwd,
			})
		case registry.TransportSSE:
			client, err := networking.NewHttpClientBuilder().
				WithStreaming().
				WithPrivateIPs(allowPrivate).
				Build()
			if err != nil {
				return nil, err
			}
			return sse.Connect(ctx, sse.Config{
				URL:        server.URL,
				Headers:    server.Headers,
				HTTPClient: client,
			})
		default:
			return nil, fmt.Errorf("%w: %q", types.ErrUnsupportedTransport, server.Transport)
		}
	}
}

// stderrTail pulls crash diagnostics out of transports that capture them.
func stderrTail(tr types.Transport) string {
	if st, ok := tr.(interface{ StderrTail() string }); ok {
		return st.StderrTail()
	}
	return ""
}
