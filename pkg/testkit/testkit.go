// Package testkit provides testing utilities for the gateway.
//
// Its sole purpose is providing a scriptable in-memory MCP backend that
// plugs in behind the transport interface, so session, orchestrator, and
// bridge tests can run against a real protocol peer without spawning
// processes or HTTP servers.
//
// The file `pkg/testkit/testkit_test.go` contains a few tests that
// exemplify how to use the framework.
package testkit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tidwall/gjson"
	"golang.org/x/exp/jsonrpc2"

	"github.com/mcp-orch/mcp-orch/pkg/transport/types"
)

const (
	initializeMethod = "initialize"
	toolsListMethod  = "tools/list"
	toolsCallMethod  = "tools/call"
)

type tooldef struct {
	Name        string
	Description string
	Handler     func(args json.RawMessage) string
}

// Option configures a Backend.
type Option func(*Backend) error

// WithTool registers a tool. It shows up in tools/list and its handler
// answers tools/call requests.
func WithTool(name, description string, handler func(args json.RawMessage) string) Option {
	return func(b *Backend) error {
		if _, ok := b.tools[name]; ok {
			return fmt.Errorf("tool %s already exists", name)
		}
		b.tools[name] = tooldef{Name: name, Description: description, Handler: handler}
		return nil
	}
}

// WithInitializeFailure makes the backend reject the handshake.
func WithInitializeFailure(code int64, message string) Option {
	return func(b *Backend) error {
		b.initErr = jsonrpc2.NewError(code, message)
		return nil
	}
}

// WithRespond overrides the default request handling entirely. Returning
// nil swallows the request, which is how tests simulate a stuck backend.
func WithRespond(fn func(*jsonrpc2.Request) jsonrpc2.Message) Option {
	return func(b *Backend) error {
		b.respond = fn
		return nil
	}
}

// Backend is an in-memory MCP server behind the transport interface.
type Backend struct {
	tools   map[string]tooldef
	initErr error
	respond func(*jsonrpc2.Request) jsonrpc2.Message

	mu     sync.Mutex
	sent   []jsonrpc2.Message
	err    error
	closed bool

	messages  chan jsonrpc2.Message
	closedCh  chan struct{}
	closeOnce sync.Once
}

var _ types.Transport = (*Backend)(nil)

// NewBackend creates a fake backend. With no options it answers initialize
// and serves an empty tool list.
func NewBackend(options ...Option) (*Backend, error) {
	b := &Backend{
		tools:    make(map[string]tooldef),
		messages: make(chan jsonrpc2.Message, 64),
		closedCh: make(chan struct{}),
	}
	for _, option := range options {
		if err := option(b); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	return b, nil
}

// Kind reports the backend as a stdio transport.
func (*Backend) Kind() types.Kind { return types.KindStdio }

// Send records the message and, for calls, produces the scripted answer.
func (b *Backend) Send(_ context.Context, msg jsonrpc2.Message) error {
	select {
	case <-b.closedCh:
		return types.ErrTransportClosed
	default:
	}

	b.mu.Lock()
	b.sent = append(b.sent, msg)
	b.mu.Unlock()

	req, ok := msg.(*jsonrpc2.Request)
	if !ok || !req.ID.IsValid() {
		return nil
	}

	if b.respond != nil {
		if reply := b.respond(req); reply != nil {
			b.Push(reply)
		}
		return nil
	}
	b.Push(b.answer(req))
	return nil
}

func (b *Backend) answer(req *jsonrpc2.Request) jsonrpc2.Message {
	switch req.Method {
	case initializeMethod:
		if b.initErr != nil {
			resp, _ := jsonrpc2.NewResponse(req.ID, nil, b.initErr)
			return resp
		}
		result, _ := json.Marshal(map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]string{"name": "testkit", "version": "0.0.1"},
			"capabilities":    map[string]any{"tools": map[string]any{}},
		})
		resp, _ := jsonrpc2.NewResponse(req.ID, json.RawMessage(result), nil)
		return resp

	case toolsListMethod:
		toolsList := make([]map[string]any, 0, len(b.tools))
		for _, tool := range b.tools {
			toolsList = append(toolsList, map[string]any{
				"name":        tool.Name,
				"description": tool.Description,
			})
		}
		result, _ := json.Marshal(map[string]any{"tools": toolsList})
		resp, _ := jsonrpc2.NewResponse(req.ID, json.RawMessage(result), nil)
		return resp

	case toolsCallMethod:
		name := gjson.GetBytes(req.Params, "name").String()
		tool, ok := b.tools[name]
		if !ok {
			resp, _ := jsonrpc2.NewResponse(req.ID, nil,
				jsonrpc2.NewError(-32602, fmt.Sprintf("tool %s not found", name)))
			return resp
		}
		text := tool.Handler(json.RawMessage(gjson.GetBytes(req.Params, "arguments").Raw))
		result, _ := json.Marshal(map[string]any{
			"content": []map[string]any{{"type": "text", "text": text}},
		})
		resp, _ := jsonrpc2.NewResponse(req.ID, json.RawMessage(result), nil)
		return resp

	default:
		resp, _ := jsonrpc2.NewResponse(req.ID, nil,
			jsonrpc2.NewError(-32601, fmt.Sprintf("method %s not found", req.Method)))
		return resp
	}
}

// Push injects a message into the inbound stream, e.g. a server-initiated
// notification.
func (b *Backend) Push(msg jsonrpc2.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.messages <- msg
}

// Messages returns the inbound frame stream.
func (b *Backend) Messages() <-chan jsonrpc2.Message { return b.messages }

// Closed is signalled once the backend is gone.
func (b *Backend) Closed() <-chan struct{} { return b.closedCh }

// Err returns the fatal error set by Die.
func (b *Backend) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Drain shuts the backend down cleanly.
func (b *Backend) Drain(_ context.Context) error {
	b.close()
	return nil
}

// Die simulates an abrupt transport loss.
func (b *Backend) Die(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
	b.close()
}

func (b *Backend) close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		close(b.messages)
		close(b.closedCh)
	})
}

// SentMethods lists the methods of every request the gateway sent, in order.
func (b *Backend) SentMethods() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var methods []string
	for _, msg := range b.sent {
		if req, ok := msg.(*jsonrpc2.Request); ok {
			methods = append(methods, req.Method)
		}
	}
	return methods
}
