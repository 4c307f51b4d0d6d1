// Package bridge is the client-facing HTTP surface of the gateway: a
// multi-tenant SSE endpoint per project, plus per-server endpoints, routing
// JSON-RPC traffic onto shared backend sessions.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/exp/jsonrpc2"

	"github.com/mcp-orch/mcp-orch/pkg/auth"
	"github.com/mcp-orch/mcp-orch/pkg/errors"
	"github.com/mcp-orch/mcp-orch/pkg/logger"
	"github.com/mcp-orch/mcp-orch/pkg/orchestrator"
	"github.com/mcp-orch/mcp-orch/pkg/registry"
	"github.com/mcp-orch/mcp-orch/pkg/session"
	"github.com/mcp-orch/mcp-orch/pkg/telemetry"
	"github.com/mcp-orch/mcp-orch/pkg/transport/ssecommon"
	"github.com/mcp-orch/mcp-orch/pkg/transport/types"
	"github.com/mcp-orch/mcp-orch/pkg/versions"
)

// keepAliveInterval paces the SSE comment frames that hold idle
// connections open through proxies.
const keepAliveInterval = 15 * time.Second

// ServerLookup resolves server records, for per-server auth policy.
type ServerLookup interface {
	Get(ctx context.Context, projectID, serverRef string) (*registry.BackendServer, error)
}

// Bridge serves the client-facing endpoints.
type Bridge struct {
	orch     *orchestrator.Orchestrator
	sessions *session.Manager
	servers  ServerLookup
	verifier *auth.Verifier
	metrics  *telemetry.Collector

	router chi.Router

	mu       sync.Mutex
	channels map[string]*ClientChannel
}

// New wires the bridge. metrics may be nil.
func New(
	orch *orchestrator.Orchestrator,
	sessions *session.Manager,
	servers ServerLookup,
	verifier *auth.Verifier,
	metrics *telemetry.Collector,
) *Bridge {
	b := &Bridge{
		orch:     orch,
		sessions: sessions,
		servers:  servers,
		verifier: verifier,
		metrics:  metrics,
		channels: make(map[string]*ClientChannel),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Get("/health", b.handleHealth)
	if metrics != nil {
		r.Handle("/metrics", metrics.Handler())
	}

	r.Route("/projects/{projectID}", func(r chi.Router) {
		r.Get("/unified/sse", b.handleUnifiedSSE)
		r.Post("/unified/messages", b.handleUnifiedMessage)
		r.Get("/servers/{serverRef}/sse", b.handleServerSSE)
		r.Post("/servers/{serverRef}/messages", b.handleServerMessage)
	})

	b.router = r
	return b
}

// Handler returns the HTTP handler for the gateway surface.
func (b *Bridge) Handler() http.Handler {
	return b.router
}

// Close tears down every client channel, used on shutdown.
func (b *Bridge) Close() {
	b.mu.Lock()
	channels := make([]*ClientChannel, 0, len(b.channels))
	for _, c := range b.channels {
		channels = append(channels, c)
	}
	b.channels = make(map[string]*ClientChannel)
	b.mu.Unlock()

	for _, c := range channels {
		c.beginClose()
	}
}

func (b *Bridge) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"version":  versions.GetVersionInfo().Version,
		"sessions": b.sessions.Len(),
	})
}

// authorize applies the effective token policy for one request.
func (b *Bridge) authorize(r *http.Request, projectID string, policy registry.JWTPolicy) error {
	if !b.verifier.Required(policy) {
		return nil
	}
	claims, err := b.verifier.VerifyRequest(r)
	if err != nil {
		return err
	}
	return auth.CheckProject(claims, projectID)
}

// serverPolicy looks up a server's auth policy; unknown servers fall back
// to the project default so the 404 surfaces later with a valid token.
func (b *Bridge) serverPolicy(ctx context.Context, projectID, serverRef string) registry.JWTPolicy {
	server, err := b.servers.Get(ctx, projectID, serverRef)
	if err != nil {
		return registry.JWTInherit
	}
	return server.JWTRequired
}

func (b *Bridge) handleUnifiedSSE(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	if err := b.authorize(r, projectID, registry.JWTInherit); err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	b.serveSSE(w, r, projectID, "")
}

func (b *Bridge) handleServerSSE(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	serverRef := chi.URLParam(r, "serverRef")
	if err := b.authorize(r, projectID, b.serverPolicy(r.Context(), projectID, serverRef)); err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	b.serveSSE(w, r, projectID, serverRef)
}

// serveSSE runs one client connection: register a channel, announce the
// POST endpoint, then pump outbound frames until the client goes away.
func (b *Bridge) serveSSE(w http.ResponseWriter, r *http.Request, projectID, serverRef string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	channel := newChannel(context.Background(), projectID)
	b.mu.Lock()
	b.channels[channel.id] = channel
	b.mu.Unlock()
	b.metrics.ChannelOpened()

	defer func() {
		b.mu.Lock()
		delete(b.channels, channel.id)
		b.mu.Unlock()
		channel.finish()
		b.metrics.ChannelClosed()
		logger.Infow("client channel closed", "channel", channel.id, "project", projectID)
	}()

	endpointMsg := ssecommon.NewSSEMessage("endpoint", b.endpointURL(r, projectID, serverRef, channel.id))
	fmt.Fprint(w, endpointMsg.ToSSEString())
	flusher.Flush()

	logger.Infow("client channel opened",
		"channel", channel.id, "project", projectID, "server", serverRef)

	// Per-server connections get the backend's notifications from the start.
	if serverRef != "" {
		b.subscribeBackend(channel, projectID, serverRef)
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			channel.beginClose()
			return
		case frame := <-channel.outbound:
			fmt.Fprint(w, frame)
			flusher.Flush()
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

// endpointURL builds the absolute POST URL announced to a fresh client.
func (b *Bridge) endpointURL(r *http.Request, projectID, serverRef, channelID string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwardedProto := r.Header.Get("X-Forwarded-Proto"); forwardedProto != "" {
		scheme = forwardedProto
	}

	path := fmt.Sprintf("/projects/%s/unified/messages", projectID)
	if serverRef != "" {
		path = fmt.Sprintf("/projects/%s/servers/%s/messages", projectID, serverRef)
	}
	return fmt.Sprintf("%s://%s%s?channel_id=%s", scheme, r.Host, path, channelID)
}

func (b *Bridge) handleUnifiedMessage(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	if err := b.authorize(r, projectID, registry.JWTInherit); err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	b.acceptMessage(w, r, projectID, "")
}

func (b *Bridge) handleServerMessage(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	serverRef := chi.URLParam(r, "serverRef")
	if err := b.authorize(r, projectID, b.serverPolicy(r.Context(), projectID, serverRef)); err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	b.acceptMessage(w, r, projectID, serverRef)
}

// acceptMessage validates one POSTed JSON-RPC message and hands it to the
// routing goroutine. The 202 goes out before the backend answers; responses
// travel over the SSE channel.
func (b *Bridge) acceptMessage(w http.ResponseWriter, r *http.Request, projectID, serverRef string) {
	channelID := r.URL.Query().Get("channel_id")
	if channelID == "" {
		http.Error(w, "channel_id is required", http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	channel := b.channels[channelID]
	b.mu.Unlock()
	if channel == nil {
		http.Error(w, "Unknown channel", http.StatusNotFound)
		return
	}
	if channel.projectID != projectID {
		http.Error(w, "Unknown channel", http.StatusNotFound)
		return
	}
	if !channel.accepting() {
		http.Error(w, "Channel is closing", http.StatusConflict)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, types.MaxFrameSize))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	msg, err := jsonrpc2.DecodeMessage(body)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON-RPC message: %v", err), http.StatusBadRequest)
		return
	}
	req, ok := msg.(*jsonrpc2.Request)
	if !ok {
		http.Error(w, "Expected a JSON-RPC request", http.StatusBadRequest)
		return
	}

	if channel.Saturated() {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "Channel queue is full", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte("Accepted"))

	go b.process(channel, projectID, serverRef, req)
}

// process routes one request and delivers the outcome onto the channel.
// It runs under the channel's context so a client disconnect cancels the
// backend call.
func (b *Bridge) process(channel *ClientChannel, projectID, serverRef string, req *jsonrpc2.Request) {
	ctx := channel.Context()

	var resp *jsonrpc2.Response
	var routeErr error

	switch {
	case serverRef != "":
		resp, routeErr = b.orch.Route(ctx, projectID, serverRef, req)
	default:
		target, err := orchestrator.ResolveTarget(req)
		switch {
		case err != nil:
			routeErr = err
		case target.FanOut:
			resp, routeErr = b.orch.FanOutToolsList(ctx, projectID, target.Request)
		default:
			serverRef = target.ServerRef
			resp, routeErr = b.orch.Route(ctx, projectID, serverRef, target.Request)
		}
	}

	if routeErr != nil {
		if !req.ID.IsValid() {
			logger.Warnw("dropping failed notification",
				"channel", channel.id, "method", req.Method, "error", routeErr)
			return
		}
		resp, _ = jsonrpc2.NewResponse(req.ID, nil,
			jsonrpc2.NewError(errors.Code(routeErr), routeErr.Error()))
	} else if serverRef != "" {
		b.subscribeBackend(channel, projectID, serverRef)
	}

	if resp == nil {
		// Delivered notification; nothing comes back.
		return
	}
	b.deliver(channel, resp)
}

func (b *Bridge) deliver(channel *ClientChannel, msg jsonrpc2.Message) {
	data, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		logger.Errorw("failed to encode outbound message", "channel", channel.id, "error", err)
		return
	}
	if err := channel.Enqueue(ssecommon.NewSSEMessage("message", string(data))); err != nil {
		b.metrics.FrameDropped()
		logger.Warnw("dropped outbound frame", "channel", channel.id, "error", err)
	}
}

// subscribeBackend forwards a backend's notifications onto the channel,
// once per (channel, server) pair. The subscription lives until either
// side goes away; a dead session simply ends the stream, and the next
// request re-subscribes against the rebuilt session.
func (b *Bridge) subscribeBackend(channel *ClientChannel, projectID, serverRef string) {
	if !channel.markSubscribed(serverRef) {
		return
	}

	s, err := b.sessions.Acquire(channel.Context(), projectID, serverRef)
	if err != nil {
		logger.Debugw("cannot subscribe to backend notifications",
			"channel", channel.id, "server", serverRef, "error", err)
		return
	}
	sub := s.Subscribe()
	s.Release()

	go func() {
		for notif := range sub {
			select {
			case <-channel.Context().Done():
				return
			default:
			}
			b.deliver(channel, notif)
		}
		// Allow a fresh subscription against the next session incarnation.
		channel.mu.Lock()
		delete(channel.subscribed, serverRef)
		channel.mu.Unlock()
	}()
}
