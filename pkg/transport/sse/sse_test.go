package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/jsonrpc2"

	"github.com/mcp-orch/mcp-orch/pkg/transport/ssecommon"
	"github.com/mcp-orch/mcp-orch/pkg/transport/types"
)

// fakeRemote is a minimal remote MCP server speaking the SSE wire shape:
// endpoint event on the GET stream, JSON-RPC POSTs answered on the stream.
type fakeRemote struct {
	t *testing.T

	mu      sync.Mutex
	events  chan *ssecommon.SSEMessage
	headers http.Header
	closed  chan struct{}
}

func newFakeRemote(t *testing.T) *fakeRemote {
	return &fakeRemote{
		t:      t,
		events: make(chan *ssecommon.SSEMessage, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeRemote) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.headers = r.Header.Clone()
		f.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		fmt.Fprint(w, ssecommon.NewSSEMessage("endpoint", "/messages/?session_id=fake").ToSSEString())
		flusher.Flush()

		for {
			select {
			case msg := <-f.events:
				fmt.Fprint(w, msg.ToSSEString())
				flusher.Flush()
			case <-f.closed:
				return
			case <-r.Context().Done():
				return
			}
		}
	})
	mux.HandleFunc("/messages/", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		msg, err := jsonrpc2.DecodeMessage(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		// Echo every call back as a response on the stream.
		if req, ok := msg.(*jsonrpc2.Request); ok && req.ID.IsValid() {
			resp, err := jsonrpc2.NewResponse(req.ID, json.RawMessage(`{"echoed":true}`), nil)
			require.NoError(f.t, err)
			data, err := jsonrpc2.EncodeMessage(resp)
			require.NoError(f.t, err)
			f.events <- ssecommon.NewSSEMessage("message", string(data))
		}
		w.WriteHeader(http.StatusAccepted)
	})
	return mux
}

func TestTransport_RoundTrip(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote(t)
	server := httptest.NewServer(remote.handler())
	defer server.Close()
	defer close(remote.closed)

	tr, err := Connect(context.Background(), Config{
		URL:     server.URL + "/sse",
		Headers: map[string]string{"Authorization": "Bearer xyz"},
	})
	require.NoError(t, err)
	defer drain(t, tr)

	// Configured headers reach the GET stream.
	remote.mu.Lock()
	assert.Equal(t, "Bearer xyz", remote.headers.Get("Authorization"))
	remote.mu.Unlock()

	call, err := jsonrpc2.NewCall(jsonrpc2.Int64ID(1), "tools/list", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NoError(t, tr.Send(context.Background(), call))

	select {
	case msg := <-tr.Messages():
		resp, ok := msg.(*jsonrpc2.Response)
		require.True(t, ok, "expected a response, got %T", msg)
		assert.Equal(t, int64(1), resp.ID.Raw())
		assert.JSONEq(t, `{"echoed":true}`, string(resp.Result))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for response on the stream")
	}
}

func TestConnect_NoEndpointEvent(t *testing.T) {
	t.Parallel()

	// A server that never sends the endpoint event and closes quickly.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		time.Sleep(50 * time.Millisecond)
	}))
	defer server.Close()

	_, err := Connect(context.Background(), Config{URL: server.URL})
	assert.Error(t, err)
}

func TestConnect_RejectedStream(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	_, err := Connect(context.Background(), Config{URL: server.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestTransport_StreamLossClosesTransport(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote(t)
	server := httptest.NewServer(remote.handler())
	defer server.Close()

	tr, err := Connect(context.Background(), Config{URL: server.URL + "/sse"})
	require.NoError(t, err)

	// Remote drops the stream; the transport surfaces the failure rather
	// than reconnecting.
	close(remote.closed)

	select {
	case <-tr.Closed():
	case <-time.After(5 * time.Second):
		t.Fatal("transport did not close after stream loss")
	}
	assert.ErrorIs(t, tr.Err(), types.ErrTransportClosed)
	assert.Error(t, tr.Send(context.Background(), mustNotification(t, "ping")))
}

func TestTransport_DrainIsClean(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote(t)
	server := httptest.NewServer(remote.handler())
	defer server.Close()
	defer close(remote.closed)

	tr, err := Connect(context.Background(), Config{URL: server.URL + "/sse"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Drain(ctx))
	assert.NoError(t, tr.Err())
}

func TestResolveEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		stream   string
		endpoint string
		want     string
	}{
		{
			name:     "relative path",
			stream:   "http://remote.example/sse",
			endpoint: "/messages/?session_id=1",
			want:     "http://remote.example/messages/?session_id=1",
		},
		{
			name:     "absolute url",
			stream:   "http://remote.example/sse",
			endpoint: "http://other.example/messages/",
			want:     "http://other.example/messages/",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := resolveEndpoint(tt.stream, tt.endpoint)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func drain(t *testing.T, tr *Transport) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = tr.Drain(ctx)
}

func mustNotification(t *testing.T, method string) *jsonrpc2.Request {
	t.Helper()
	n, err := jsonrpc2.NewNotification(method, nil)
	require.NoError(t, err)
	return n
}
