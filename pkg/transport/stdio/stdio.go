// Package stdio implements the child-process MCP transport. It owns one
// spawned process for the lifetime of its session and frames JSON-RPC as
// newline-delimited JSON on the process's stdin/stdout.
package stdio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/exp/jsonrpc2"

	"github.com/mcp-orch/mcp-orch/pkg/logger"
	"github.com/mcp-orch/mcp-orch/pkg/transport/types"
)

const (
	// drainGrace is how long Drain waits for a voluntary exit after the
	// shutdown messages before escalating to SIGTERM.
	drainGrace = 2 * time.Second

	// killGrace is how long Drain waits after SIGTERM before SIGKILL.
	killGrace = 3 * time.Second
)

// Config describes the child process to spawn.
type Config struct {
	Command string
	Args    []string

	// Env is merged over the gateway's own environment; configured values
	// override inherited ones.
	Env map[string]string

	Cwd string

	// MaxFrameSize caps a single stdout frame. Zero means types.MaxFrameSize.
	MaxFrameSize int
}

// Transport is the stdio transport. It satisfies types.Transport.
type Transport struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	// writeMu serializes stdin writes; one writer per process.
	writeMu sync.Mutex

	messages chan jsonrpc2.Message
	closedCh chan struct{}

	stderr *ringBuffer

	mu       sync.Mutex
	closed   bool
	draining bool
	err      error
	exitErr  error
}

var _ types.Transport = (*Transport)(nil)

// Spawn starts the child process and its reader goroutines. The returned
// transport is live but not yet handshaken; the session layer performs the
// initialize exchange through Send/Messages.
func Spawn(cfg Config) (*Transport, error) {
	if cfg.Command == "" {
		return nil, errors.New("stdio transport requires a command")
	}
	maxFrame := cfg.MaxFrameSize
	if maxFrame <= 0 {
		maxFrame = types.MaxFrameSize
	}

	// #nosec G204: the command comes from the encrypted server registry,
	// which only project admins can write.
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = mergedEnv(cfg.Env)
	cmd.Dir = cfg.Cwd

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %q: %w", cfg.Command, err)
	}

	t := &Transport{
		cmd:      cmd,
		stdin:    stdin,
		messages: make(chan jsonrpc2.Message, 32),
		closedCh: make(chan struct{}),
		stderr:   newRingBuffer(64),
	}

	go t.readStderr(stderr)
	go t.readStdout(stdout, maxFrame)

	logger.Debugw("spawned stdio backend", "command", cfg.Command, "pid", cmd.Process.Pid)
	return t, nil
}

// Kind returns the transport variant.
func (*Transport) Kind() types.Kind {
	return types.KindStdio
}

// Send writes one JSON-RPC message to the child's stdin.
func (t *Transport) Send(ctx context.Context, msg jsonrpc2.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-t.closedCh:
		return types.ErrTransportClosed
	default:
	}

	data, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to encode JSON-RPC message: %w", err)
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	_, err = t.stdin.Write(data)
	t.writeMu.Unlock()
	if err != nil {
		t.fail(fmt.Errorf("stdin write failed: %w", err))
		return types.ErrTransportClosed
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

// StderrTail returns the last captured stderr lines for diagnostics.
func (t *Transport) StderrTail() string {
	return t.stderr.String()
}

// Drain shuts the child down: shutdown+exit messages, then a grace period,
// then SIGTERM, then SIGKILL.
func (t *Transport) Drain(ctx context.Context) error {
	t.mu.Lock()
	if t.draining {
		t.mu.Unlock()
		return t.awaitExit(ctx)
	}
	t.draining = true
	t.mu.Unlock()

	// Best-effort voluntary shutdown. Errors are ignored: the process may
	// already be gone.
	if shutdownReq, err := jsonrpc2.NewCall(jsonrpc2.StringID("shutdown"), "shutdown", nil); err == nil {
		_ = t.Send(ctx, shutdownReq)
	}
	if exitNotif, err := jsonrpc2.NewNotification("exit", nil); err == nil {
		_ = t.Send(ctx, exitNotif)
	}
	t.writeMu.Lock()
	_ = t.stdin.Close()
	t.writeMu.Unlock()

	if t.waitClosed(ctx, drainGrace) {
		return nil
	}

	logger.Debugw("stdio backend did not exit, sending SIGTERM", "pid", t.pid())
	_ = t.signal(syscall.SIGTERM)
	if t.waitClosed(ctx, killGrace) {
		return nil
	}

	logger.Warnw("stdio backend ignored SIGTERM, sending SIGKILL", "pid", t.pid())
	_ = t.signal(syscall.SIGKILL)
	return t.awaitExit(ctx)
}

func (t *Transport) awaitExit(ctx context.Context) error {
	select {
	case <-t.closedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) waitClosed(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.closedCh:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (t *Transport) pid() int {
	if t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

func (t *Transport) signal(sig syscall.Signal) error {
	if t.cmd.Process == nil {
		return nil
	}
	return t.cmd.Process.Signal(sig)
}

// fail records the first fatal error and kills the process so the reader
// unblocks. The closedCh is closed by the reader once the process is reaped.
func (t *Transport) fail(err error) {
	t.mu.Lock()
	if t.err == nil && !t.draining {
		t.err = err
	}
	alreadyClosed := t.closed
	t.mu.Unlock()

	if !alreadyClosed {
		_ = t.signal(syscall.SIGKILL)
	}
}

// readStdout is the dedicated reader goroutine. It demultiplexes nothing
// itself; every decoded frame is handed to the session layer via the
// messages channel. When the stream ends it reaps the process and finalizes
// the transport state.
func (t *Transport) readStdout(stdout io.ReadCloser, maxFrame int) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrame)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := jsonrpc2.DecodeMessage(line)
		if err != nil {
			t.fail(fmt.Errorf("%w: %v", types.ErrInvalidMessage, err))
			break
		}
		t.messages <- msg
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			t.fail(types.ErrFrameTooLarge)
		} else {
			t.fail(fmt.Errorf("stdout read failed: %w", err))
		}
	}

	// Reap the process. Wait also closes the remaining pipes.
	exitErr := t.cmd.Wait()

	t.mu.Lock()
	t.exitErr = exitErr
	if t.err == nil && !t.draining {
		// Process exited (or closed stdout) while the session was live.
		t.err = fmt.Errorf("%w: process exited: %v", types.ErrTransportClosed, exitErr)
	}
	t.closed = true
	t.mu.Unlock()

	if tail := t.stderr.String(); tail != "" {
		logger.Debugw("stdio backend stderr tail", "pid", t.pid(), "stderr", tail)
	}

	close(t.messages)
	close(t.closedCh)
}

func (t *Transport) readStderr(stderr io.ReadCloser) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 4*1024), 64*1024)
	for scanner.Scan() {
		t.stderr.Append(scanner.Text())
	}
}

// mergedEnv merges the configured environment over the inherited one.
func mergedEnv(env map[string]string) []string {
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}
	for k, v := range env {
		merged[k] = v
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
