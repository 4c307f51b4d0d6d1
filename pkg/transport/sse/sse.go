// Package sse implements the outbound MCP transport for remote servers
// reachable over HTTP: a long-lived GET yielding an SSE event stream for
// inbound frames, plus short-lived POSTs carrying outbound JSON-RPC.
package sse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/exp/jsonrpc2"

	"github.com/mcp-orch/mcp-orch/pkg/logger"
	"github.com/mcp-orch/mcp-orch/pkg/transport/ssecommon"
	"github.com/mcp-orch/mcp-orch/pkg/transport/types"
)

// endpointWait bounds how long Connect waits for the remote's endpoint event.
const endpointWait = 30 * time.Second

// Config describes the remote MCP server.
type Config struct {
	URL string

	// Headers are attached to both the GET stream and every POST.
	Headers map[string]string

	// MaxFrameSize caps a single SSE frame. Zero means types.MaxFrameSize.
	MaxFrameSize int

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Transport is the outbound SSE transport. It satisfies types.Transport.
type Transport struct {
	client  *http.Client
	headers map[string]string

	// messageURL is the POST endpoint announced by the remote's first event.
	messageURL string

	messages chan jsonrpc2.Message
	closedCh chan struct{}
	cancel   context.CancelFunc

	// writeMu serializes POSTs; one writer per channel.
	writeMu sync.Mutex

	mu       sync.Mutex
	draining bool
	err      error
}

var _ types.Transport = (*Transport)(nil)

// Connect opens the SSE stream and waits for the remote's endpoint event.
// Until that event arrives the session is Initializing; a missing endpoint
// event within the wait window fails the construction.
//
// On any later stream loss the transport does not reconnect: it closes, and
// the session manager rebuilds a fresh session on the next request.
func Connect(ctx context.Context, cfg Config) (*Transport, error) {
	if cfg.URL == "" {
		return nil, errors.New("sse transport requires a url")
	}
	maxFrame := cfg.MaxFrameSize
	if maxFrame <= 0 {
		maxFrame = types.MaxFrameSize
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	// The stream outlives the construction context; it is cancelled by
	// Drain or a fatal failure.
	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, cfg.URL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open SSE stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("SSE stream rejected: %s", resp.Status)
	}

	t := &Transport{
		client:   client,
		headers:  cfg.Headers,
		messages: make(chan jsonrpc2.Message, 32),
		closedCh: make(chan struct{}),
		cancel:   cancel,
	}

	endpointCh := make(chan string, 1)
	go t.readStream(resp.Body, maxFrame, endpointCh)

	select {
	case endpoint := <-endpointCh:
		messageURL, err := resolveEndpoint(cfg.URL, endpoint)
		if err != nil {
			t.shutdown()
			return nil, err
		}
		t.messageURL = messageURL
		logger.Debugw("SSE backend connected", "url", cfg.URL, "endpoint", messageURL)
		return t, nil
	case <-t.closedCh:
		return nil, fmt.Errorf("SSE stream closed before endpoint event: %w", t.Err())
	case <-time.After(endpointWait):
		t.shutdown()
		return nil, errors.New("timed out waiting for endpoint event")
	case <-ctx.Done():
		t.shutdown()
		return nil, ctx.Err()
	}
}

// resolveEndpoint resolves the endpoint event payload against the stream URL.
func resolveEndpoint(streamURL, endpoint string) (string, error) {
	base, err := url.Parse(streamURL)
	if err != nil {
		return "", fmt.Errorf("invalid stream url: %w", err)
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// Kind returns the transport variant.
func (*Transport) Kind() types.Kind {
	return types.KindSSE
}

// Send POSTs one JSON-RPC message to the remote's message endpoint.
func (t *Transport) Send(ctx context.Context, msg jsonrpc2.Message) error {
	select {
	case <-t.closedCh:
		return types.ErrTransportClosed
	default:
	}

	data, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to encode JSON-RPC message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.messageURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build POST request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	t.writeMu.Lock()
	resp, err := t.client.Do(req)
	t.writeMu.Unlock()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.fail(fmt.Errorf("POST failed: %w", err))
		return types.ErrTransportClosed
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("POST rejected: %s", resp.Status)
		t.fail(err)
		return err
	}
	return nil
}

// Messages returns the inbound frame stream.
func (t *Transport) Messages() <-chan jsonrpc2.Message {
	return t.messages
}

// Closed is signalled when the transport is no longer usable.
func (t *Transport) Closed() <-chan struct{} {
	return t.closedCh
}

// Err returns the fatal error, if any, after Closed is signalled.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Drain closes the stream. There is no voluntary shutdown exchange in the
// SSE transport; dropping the GET is the protocol-level goodbye.
func (t *Transport) Drain(ctx context.Context) error {
	t.mu.Lock()
	t.draining = true
	t.mu.Unlock()

	t.shutdown()
	select {
	case <-t.closedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shutdown cancels the stream context; the reader goroutine finalizes state.
func (t *Transport) shutdown() {
	t.cancel()
}

func (t *Transport) fail(err error) {
	t.mu.Lock()
	if t.err == nil && !t.draining {
		t.err = err
	}
	t.mu.Unlock()
	t.cancel()
}

// readStream is the dedicated reader goroutine for the SSE body.
func (t *Transport) readStream(body io.ReadCloser, maxFrame int, endpointCh chan<- string) {
	defer body.Close()

	scanner := ssecommon.NewEventScanner(body, maxFrame)
	for {
		event, err := scanner.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				t.fail(fmt.Errorf("SSE stream read failed: %w", err))
			} else {
				t.fail(fmt.Errorf("%w: SSE stream ended", types.ErrTransportClosed))
			}
			break
		}

		switch event.Name {
		case "endpoint":
			select {
			case endpointCh <- event.Data:
			default:
			}
		case "message", "":
			msg, err := jsonrpc2.DecodeMessage([]byte(event.Data))
			if err != nil {
				logger.Debugw("skipping malformed SSE frame", "error", err)
				continue
			}
			t.messages <- msg
		case "ping":
			// Keepalive, nothing to do.
		}
	}

	close(t.messages)
	close(t.closedCh)
}
