// Package orchestrator brokers client JSON-RPC traffic onto backend
// sessions: it picks the target server, enforces the tool approval policy,
// and turns session failures into wire-level errors.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/exp/jsonrpc2"
	"golang.org/x/sync/errgroup"

	"github.com/mcp-orch/mcp-orch/pkg/errors"
	"github.com/mcp-orch/mcp-orch/pkg/logger"
	"github.com/mcp-orch/mcp-orch/pkg/registry"
	"github.com/mcp-orch/mcp-orch/pkg/session"
	"github.com/mcp-orch/mcp-orch/pkg/telemetry"
)

// Lister enumerates a project's enabled servers for fan-out operations.
type Lister interface {
	ListEnabled(ctx context.Context, projectID string) ([]*registry.BackendServer, error)
}

// Orchestrator routes requests to backend sessions.
type Orchestrator struct {
	sessions *session.Manager
	servers  Lister
	metrics  *telemetry.Collector
}

// New creates an orchestrator. metrics may be nil.
func New(sessions *session.Manager, servers Lister, metrics *telemetry.Collector) *Orchestrator {
	return &Orchestrator{
		sessions: sessions,
		servers:  servers,
		metrics:  metrics,
	}
}

// Route sends one request to the named server and returns its response.
// Notifications return (nil, nil) on success.
func (o *Orchestrator) Route(ctx context.Context, projectID, serverRef string, req *jsonrpc2.Request) (*jsonrpc2.Response, error) {
	s, err := o.sessions.Acquire(ctx, projectID, serverRef)
	if err != nil {
		return nil, err
	}
	defer s.Release()

	if req.Method == "tools/call" {
		if err := checkToolApproval(s.Server(), req.Params); err != nil {
			return nil, err
		}
	}

	if !req.ID.IsValid() {
		return nil, s.Notify(ctx, req.Method, req.Params)
	}

	start := time.Now()
	resp, err := s.Invoke(ctx, req)
	o.observe(s.Server().Name, err, time.Since(start))
	return resp, err
}

func (o *Orchestrator) observe(server string, err error, d time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = errors.Kind(err)
	}
	o.metrics.ObserveInvocation(server, outcome, d)
}

// checkToolApproval enforces the per-server tool allowlist. An empty list
// means every tool runs without approval; a non-empty list restricts calls
// to the named tools (or everything, with a "*" entry).
func checkToolApproval(server *registry.BackendServer, params json.RawMessage) error {
	if len(server.AutoApproveTools) == 0 {
		return nil
	}
	tool := gjson.GetBytes(params, "name").String()
	for _, allowed := range server.AutoApproveTools {
		if allowed == "*" || allowed == tool {
			return nil
		}
	}
	return errors.NewUnauthorizedError(
		fmt.Sprintf("tool %q on server %q requires approval", tool, server.Name), nil)
}

// Target is a routing decision for the unified endpoint.
type Target struct {
	// ServerRef is the chosen backend, empty when FanOut is set.
	ServerRef string

	// Request is the (possibly rewritten) request to forward.
	Request *jsonrpc2.Request

	// FanOut marks operations answered by aggregating every enabled server.
	FanOut bool
}

// ResolveTarget decides where a unified-endpoint request goes. Explicit
// routing via a params._server hint wins; tools/call names in the
// "<server>.<tool>" form are split and the prefix stripped; tools/list is
// answered by fan-out.
func ResolveTarget(req *jsonrpc2.Request) (*Target, error) {
	if server := gjson.GetBytes(req.Params, "_server").String(); server != "" {
		forwarded, err := stripServerHint(req)
		if err != nil {
			return nil, err
		}
		return &Target{ServerRef: server, Request: forwarded}, nil
	}

	switch req.Method {
	case "tools/list":
		return &Target{FanOut: true, Request: req}, nil
	case "tools/call":
		name := gjson.GetBytes(req.Params, "name").String()
		server, tool, ok := strings.Cut(name, ".")
		if !ok {
			return nil, errors.NewNotFoundError(
				fmt.Sprintf("cannot route tool %q: expected <server>.<tool>", name), nil)
		}
		rewritten, err := rewriteToolName(req, tool)
		if err != nil {
			return nil, err
		}
		return &Target{ServerRef: server, Request: rewritten}, nil
	default:
		return nil, errors.NewNotFoundError(
			fmt.Sprintf("cannot route %q without a _server hint", req.Method), nil)
	}
}

// stripServerHint removes the routing hint before a request reaches a
// backend; _server is gateway vocabulary, not MCP.
func stripServerHint(req *jsonrpc2.Request) (*jsonrpc2.Request, error) {
	return rewriteParams(req, func(params map[string]json.RawMessage) error {
		delete(params, "_server")
		return nil
	})
}

func rewriteToolName(req *jsonrpc2.Request, tool string) (*jsonrpc2.Request, error) {
	return rewriteParams(req, func(params map[string]json.RawMessage) error {
		name, err := json.Marshal(tool)
		if err != nil {
			return errors.NewInternalError("failed to encode tool name", err)
		}
		params["name"] = name
		delete(params, "_server")
		return nil
	})
}

func rewriteParams(req *jsonrpc2.Request, edit func(map[string]json.RawMessage) error) (*jsonrpc2.Request, error) {
	var params map[string]json.RawMessage
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, errors.NewInternalError("malformed request params", err)
	}
	if err := edit(params); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, errors.NewInternalError("failed to encode rewritten params", err)
	}

	if req.ID.IsValid() {
		return jsonrpc2.NewCall(req.ID, req.Method, json.RawMessage(raw))
	}
	return jsonrpc2.NewNotification(req.Method, json.RawMessage(raw))
}

// toolEntry is the subset of a tool descriptor the aggregator rewrites.
type toolEntry = map[string]json.RawMessage

// FanOutToolsList asks every enabled server for its tools and merges the
// answers, prefixing each tool name with "<server>." so results route back.
// Servers that fail to answer are skipped rather than failing the whole
// listing.
func (o *Orchestrator) FanOutToolsList(ctx context.Context, projectID string, req *jsonrpc2.Request) (*jsonrpc2.Response, error) {
	servers, err := o.servers.ListEnabled(ctx, projectID)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	merged := make([]toolEntry, 0)

	g, gctx := errgroup.WithContext(ctx)
	for _, server := range servers {
		g.Go(func() error {
			tools, err := o.listServerTools(gctx, projectID, server.Name)
			if err != nil {
				logger.Warnw("skipping server in tools/list fan-out",
					"project", projectID, "server", server.Name, "error", err)
				return nil
			}
			mu.Lock()
			merged = append(merged, tools...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result, err := json.Marshal(map[string]any{"tools": merged})
	if err != nil {
		return nil, errors.NewInternalError("failed to encode merged tool list", err)
	}
	return jsonrpc2.NewResponse(req.ID, json.RawMessage(result), nil)
}

func (o *Orchestrator) listServerTools(ctx context.Context, projectID, serverRef string) ([]toolEntry, error) {
	call, err := jsonrpc2.NewCall(jsonrpc2.StringID("tools-list"), "tools/list", json.RawMessage(`{}`))
	if err != nil {
		return nil, err
	}
	resp, err := o.Route(ctx, projectID, serverRef, call)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	var result struct {
		Tools []toolEntry `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("malformed tools/list result: %w", err)
	}

	for _, tool := range result.Tools {
		var name string
		if err := json.Unmarshal(tool["name"], &name); err != nil {
			continue
		}
		prefixed, err := json.Marshal(serverRef + "." + name)
		if err != nil {
			continue
		}
		tool["name"] = prefixed
	}
	return result.Tools, nil
}
