// Package rpc wraps one agent subprocess behind a line-delimited JSON
// request/response protocol on stdin/stdout. Responses are correlated to
// requests by id; everything else on stdout fans out as events.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/oms/singularity/internal/common/logger"
	"go.uber.org/zap"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("rpc client already started")
	ErrNotStarted     = errors.New("rpc client not started")
	ErrProcessExited  = errors.New("agent process exited")
	ErrSendTimeout    = errors.New("rpc request timed out")
	ErrAgentEndWait   = errors.New("timed out waiting for agent_end")
)

const (
	defaultSendTimeout    = 30 * time.Second
	defaultStderrTail     = 50 * 1024
	maxLineBytes          = 8 * 1024 * 1024
	stopEscalationTimeout = 2 * time.Second
)

// Options configures a Client.
type Options struct {
	Command     string
	Args        []string
	Dir         string
	Env         []string // full environment; nil inherits the parent's
	SendTimeout time.Duration
	StderrTail  int
	Logger      *logger.Logger
}

// endWaiter is one in-flight WaitForAgentEnd call.
type endWaiter struct {
	ch chan error // nil = agent_end observed, non-nil = exit
}

// Client owns one agent subprocess and its stdio protocol.
type Client struct {
	opts   Options
	logger *logger.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	started bool
	stopped bool

	writeMu sync.Mutex // serializes stdin writes

	nextID    int64
	pendingMu sync.Mutex
	pending   map[int64]chan *Response

	listenersMu sync.Mutex
	listeners   []EventListener

	// agent_end waiters and FIFO suppression counter. Suppressions consume
	// agent_end events before any fan-out.
	endMu       sync.Mutex
	endWaiters  []*endWaiter
	suppressEnd int

	sessionMu sync.Mutex
	sessionID string

	stderrTail *tailBuffer

	exitOnce sync.Once
	exited   chan struct{}
	exitCode int
	exitErr  error
}

// NewClient builds a client for one subprocess; call Start to launch it.
func NewClient(opts Options) *Client {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		opts:       opts,
		logger:     log.WithFields(zap.String("component", "rpc-client")),
		pending:    make(map[int64]chan *Response),
		stderrTail: newTailBuffer(opts.StderrTail),
		exited:     make(chan struct{}),
	}
}

// Start spawns the subprocess and installs the stdout reader, stderr reader
// and exit waiter. Starting twice fails.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}

	args := append([]string{"--mode", "rpc"}, c.opts.Args...)
	cmd := exec.Command(c.opts.Command, args...)
	cmd.Dir = c.opts.Dir
	if c.opts.Env != nil {
		cmd.Env = c.opts.Env
	} else {
		cmd.Env = os.Environ()
	}
	// New process group so Stop can kill the whole subprocess tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to attach stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to attach stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to attach stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start agent process: %w", err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.started = true

	go c.readLoop(stdout)
	go func() {
		_, _ = io.Copy(c.stderrTail, stderr)
	}()
	go c.waitExit()

	c.logger.Debug("agent process started",
		zap.String("command", c.opts.Command),
		zap.Int("pid", cmd.Process.Pid))
	return nil
}

// Send writes a framed request and suspends until the matching response, the
// timeout, or process exit. Concurrent sends are safe; response ordering need
// not match request order.
func (c *Client) Send(ctx context.Context, msgType string, fields map[string]interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil, ErrNotStarted
	}
	c.nextID++
	id := c.nextID
	c.mu.Unlock()

	frame := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		frame[k] = v
	}
	frame["type"] = msgType
	frame["id"] = id

	ch := make(chan *Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.writeFrame(frame); err != nil {
		return nil, c.withStderr(err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.exited:
		return nil, c.withStderr(fmt.Errorf("%w (exit code %d)", ErrProcessExited, c.exitCode))
	case <-time.After(c.opts.SendTimeout):
		return nil, c.withStderr(fmt.Errorf("%w: %s after %v", ErrSendTimeout, msgType, c.opts.SendTimeout))
	case resp := <-ch:
		if !resp.Success {
			return nil, c.withStderr(fmt.Errorf("%s failed: %s", msgType, resp.Error))
		}
		c.extractSessionID(resp.Data)
		return resp.Data, nil
	}
}

// Prompt starts a new turn with the given message.
func (c *Client) Prompt(ctx context.Context, message string) error {
	_, err := c.Send(ctx, CommandPrompt, map[string]interface{}{"message": message})
	return err
}

// FollowUp continues the conversation with an additional message.
func (c *Client) FollowUp(ctx context.Context, message string) error {
	_, err := c.Send(ctx, CommandFollowUp, map[string]interface{}{"message": message})
	return err
}

// Steer injects a course-correction into the running turn.
func (c *Client) Steer(ctx context.Context, message string) error {
	_, err := c.Send(ctx, CommandSteer, map[string]interface{}{"message": message})
	return err
}

// Abort cancels the running turn.
func (c *Client) Abort(ctx context.Context) error {
	_, err := c.Send(ctx, CommandAbort, nil)
	return err
}

// AbortAndPrompt cancels the running turn and immediately starts a new one.
func (c *Client) AbortAndPrompt(ctx context.Context, message string) error {
	_, err := c.Send(ctx, CommandAbortAndPrompt, map[string]interface{}{"message": message})
	return err
}

// GetState fetches the agent's state object.
func (c *Client) GetState(ctx context.Context) (json.RawMessage, error) {
	return c.Send(ctx, CommandGetState, nil)
}

// GetMessages fetches the agent's message history.
func (c *Client) GetMessages(ctx context.Context) (json.RawMessage, error) {
	return c.Send(ctx, CommandGetMessages, nil)
}

// GetLastAssistantText fetches the final text of the last assistant turn.
func (c *Client) GetLastAssistantText(ctx context.Context) (string, error) {
	data, err := c.Send(ctx, CommandGetLastAssistantText, nil)
	if err != nil {
		return "", err
	}
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		return text, nil
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", fmt.Errorf("unexpected get_last_assistant_text payload: %w", err)
	}
	return obj.Text, nil
}

// SetThinkingLevel adjusts the agent's thinking level.
func (c *Client) SetThinkingLevel(ctx context.Context, level string) error {
	_, err := c.Send(ctx, CommandSetThinkingLevel, map[string]interface{}{"level": level})
	return err
}

// SessionID returns the cached LLM session id, if one has been observed.
func (c *Client) SessionID() string {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.sessionID
}

// RefreshSessionID probes the agent for its session id, falling back to
// get_state when the dedicated command is unsupported.
func (c *Client) RefreshSessionID(ctx context.Context) (string, error) {
	data, err := c.Send(ctx, CommandGetSessionID, nil)
	if err != nil {
		data, err = c.Send(ctx, CommandGetState, nil)
		if err != nil {
			return "", err
		}
	}
	c.extractSessionID(data)
	if id := c.SessionID(); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("agent reported no session id")
}

// OnEvent registers a listener for every dispatched event.
func (c *Client) OnEvent(listener EventListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, listener)
}

// SuppressNextAgentEnd arranges for the next agent_end event to be consumed
// without resolving waiters or reaching listeners. Used when an abort and a
// re-prompt form one logical interrupt: the first agent_end belongs to the
// aborted turn.
func (c *Client) SuppressNextAgentEnd() {
	c.endMu.Lock()
	c.suppressEnd++
	c.endMu.Unlock()
}

// WaitForAgentEnd suspends until the first non-suppressed agent_end event.
// It fails on process exit or timeout.
func (c *Client) WaitForAgentEnd(ctx context.Context, timeout time.Duration) error {
	w := &endWaiter{ch: make(chan error, 1)}
	c.endMu.Lock()
	c.endWaiters = append(c.endWaiters, w)
	c.endMu.Unlock()

	select {
	case <-c.exited:
		c.removeWaiter(w)
		return c.withStderr(fmt.Errorf("%w (exit code %d)", ErrProcessExited, c.exitCode))
	case <-ctx.Done():
		c.removeWaiter(w)
		return ctx.Err()
	case <-time.After(timeout):
		c.removeWaiter(w)
		return fmt.Errorf("%w after %v", ErrAgentEndWait, timeout)
	case err := <-w.ch:
		return err
	}
}

func (c *Client) removeWaiter(w *endWaiter) {
	c.endMu.Lock()
	defer c.endMu.Unlock()
	for i, other := range c.endWaiters {
		if other == w {
			c.endWaiters = append(c.endWaiters[:i], c.endWaiters[i+1:]...)
			return
		}
	}
}

// Stop terminates the child gracefully: SIGTERM to the process group, wait up
// to timeout, then SIGKILL. Pending requests fail. Idempotent.
func (c *Client) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	cmd := c.cmd
	stdin := c.stdin
	c.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		c.signalGroup(cmd, syscall.SIGTERM)
		select {
		case <-c.exited:
		case <-time.After(timeout):
			c.signalGroup(cmd, syscall.SIGKILL)
			select {
			case <-c.exited:
			case <-time.After(stopEscalationTimeout):
			}
		}
	}
	if stdin != nil {
		_ = stdin.Close()
	}
	c.failPending(fmt.Errorf("agent stopped"))
	return nil
}

// ForceKill kills the child immediately and rejects all pending requests.
// Idempotent.
func (c *Client) ForceKill() {
	c.mu.Lock()
	cmd := c.cmd
	stdin := c.stdin
	c.stopped = true
	c.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		c.signalGroup(cmd, syscall.SIGKILL)
	}
	if stdin != nil {
		_ = stdin.Close()
	}
	c.failPending(fmt.Errorf("agent force-killed"))
}

// Exited returns a channel closed when the subprocess has exited.
func (c *Client) Exited() <-chan struct{} {
	return c.exited
}

// ExitCode returns the subprocess exit code, valid once Exited is closed.
func (c *Client) ExitCode() int {
	return c.exitCode
}

// StderrTail returns the newest buffered stderr output.
func (c *Client) StderrTail() string {
	return c.stderrTail.String()
}

func (c *Client) signalGroup(cmd *exec.Cmd, sig syscall.Signal) {
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err == nil {
		_ = syscall.Kill(-pgid, sig)
		return
	}
	_ = cmd.Process.Signal(sig)
}

func (c *Client) writeFrame(frame map[string]interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	stdin := c.stdin
	c.mu.Unlock()
	if stdin == nil {
		return ErrNotStarted
	}
	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (c *Client) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.handleLine(line)
	}
	if err := scanner.Err(); err != nil {
		// An oversized or unreadable line kills the reader; every later
		// event is lost, so the failure must be visible.
		c.logger.Warn("agent stdout read failed", zap.Error(err))
		c.dispatch(Event{
			Type: EventParseError,
			Data: map[string]interface{}{"error": err.Error()},
		})
	}
}

func (c *Client) handleLine(line []byte) {
	var probe struct {
		Type string `json:"type"`
		ID   int64  `json:"id"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		c.logger.Debug("malformed line from agent", zap.Error(err))
		c.dispatch(Event{
			Type: EventParseError,
			Data: map[string]interface{}{"error": err.Error(), "line": string(line)},
		})
		return
	}

	if probe.Type == "response" {
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			c.dispatch(Event{
				Type: EventParseError,
				Data: map[string]interface{}{"error": err.Error(), "line": string(line)},
			})
			return
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- &resp
		} else {
			c.logger.Debug("response with no pending request", zap.Int64("id", resp.ID))
		}
		return
	}

	var data map[string]interface{}
	if err := json.Unmarshal(line, &data); err != nil {
		data = map[string]interface{}{}
	}
	raw := make(json.RawMessage, len(line))
	copy(raw, line)
	c.extractSessionFromMap(data)
	c.dispatch(Event{Type: probe.Type, Data: data, Raw: raw})
}

// dispatch applies agent_end suppression, resolves waiters, then fans out.
func (c *Client) dispatch(ev Event) {
	if ev.Type == EventAgentEnd {
		c.endMu.Lock()
		if c.suppressEnd > 0 {
			c.suppressEnd--
			c.endMu.Unlock()
			c.logger.Debug("suppressed agent_end event")
			return
		}
		waiters := c.endWaiters
		c.endWaiters = nil
		c.endMu.Unlock()
		for _, w := range waiters {
			w.ch <- nil
		}
	}

	c.listenersMu.Lock()
	listeners := make([]EventListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.listenersMu.Unlock()
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Warn("event listener panicked", zap.Any("panic", r))
				}
			}()
			l(ev)
		}()
	}
}

func (c *Client) waitExit() {
	err := c.cmd.Wait()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = 1
		}
	}
	c.exitOnce.Do(func() {
		c.exitCode = code
		c.exitErr = err
		close(c.exited)
	})

	c.failPending(fmt.Errorf("%w (exit code %d)", ErrProcessExited, code))

	c.logger.Debug("agent process exited", zap.Int("exit_code", code))
	c.dispatch(Event{
		Type: EventRPCExit,
		Data: map[string]interface{}{"code": code},
	})
}

func (c *Client) failPending(cause error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan *Response)
	c.pendingMu.Unlock()
	for id, ch := range pending {
		ch <- &Response{Type: "response", ID: id, Success: false, Error: cause.Error()}
	}
}

// extractSessionID pulls a session id out of a response data payload.
func (c *Client) extractSessionID(data json.RawMessage) {
	if len(data) == 0 {
		return
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return
	}
	c.extractSessionFromMap(m)
}

// extractSessionFromMap caches session_id/sessionId found at the top level or
// under a nested data object.
func (c *Client) extractSessionFromMap(m map[string]interface{}) {
	id := sessionFrom(m)
	if id == "" {
		if nested, ok := m["data"].(map[string]interface{}); ok {
			id = sessionFrom(nested)
		}
	}
	if id == "" {
		return
	}
	c.sessionMu.Lock()
	c.sessionID = id
	c.sessionMu.Unlock()
}

func sessionFrom(m map[string]interface{}) string {
	for _, key := range []string{"session_id", "sessionId"} {
		if v, ok := m[key].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// withStderr appends the stderr tail to an error for context.
func (c *Client) withStderr(err error) error {
	tail := strings.TrimSpace(c.stderrTail.String())
	if tail == "" {
		return err
	}
	return fmt.Errorf("%w\nstderr tail:\n%s", err, tail)
}
