// Package controlsock serves the supervisor's Unix-domain control socket.
// Extensions running inside agent subprocesses call back here with
// newline-delimited JSON: lifecycle hand-offs, merge outcomes, interrupts
// and complaints.
package controlsock

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oms/singularity/internal/common/logger"
	"github.com/oms/singularity/internal/lifecycle"
	"github.com/oms/singularity/internal/steering"
)

const (
	// maxLineBytes bounds one inbound message.
	maxLineBytes = 8 * 1024 * 1024
	// handleTimeout caps best-effort message handling.
	handleTimeout = 1500 * time.Millisecond
)

// Handler is the slice of the supervisor the socket dispatches into.
type Handler interface {
	AdvanceLifecycle(ctx context.Context, rec lifecycle.Record) (bool, string)
	Interrupt(ctx context.Context, taskID, message string) error
	HandleMergerComplete(ctx context.Context, taskID, reason string)
	HandleMergerConflict(ctx context.Context, taskID, reason string)
	HandleExternalTaskClose(ctx context.Context, taskID string)
	Complain(ctx context.Context, complainantAgentID string, files []string, reason string) (*steering.Complaint, error)
	RevokeComplaint(ctx context.Context, complainantAgentID string) int
}

// message is the inbound envelope. Fields beyond Type are per-message.
type message struct {
	Type      string   `json:"type"`
	TaskID    string   `json:"taskId,omitempty"`
	AgentID   string   `json:"agentId,omitempty"`
	AgentType string   `json:"agentType,omitempty"`
	Action    string   `json:"action,omitempty"`
	Target    string   `json:"target,omitempty"`
	Message   string   `json:"message,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Files     []string `json:"files,omitempty"`
	TS        int64    `json:"ts,omitempty"`
}

type reply struct {
	OK      bool   `json:"ok"`
	Summary string `json:"summary,omitempty"`
}

// Server listens on a Unix socket and dispatches control messages.
type Server struct {
	logger  *logger.Logger
	path    string
	handler Handler

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// New creates a control socket server for the given path.
func New(path string, handler Handler, log *logger.Logger) *Server {
	return &Server{
		logger:  log.WithFields(zap.String("component", "control-socket")),
		path:    path,
		handler: handler,
	}
}

// Path returns the socket path handed to agents via the environment.
func (s *Server) Path() string { return s.path }

// Start binds the socket and serves until Close. A stale socket file from a
// previous run is removed first.
func (s *Server) Start() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go s.acceptLoop(ln)
	s.logger.Info("control socket listening", zap.String("path", s.path))
	return nil
}

// Close stops the listener and removes the socket file.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	_ = os.Remove(s.path)
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.logger.Warn("accept failed", zap.Error(err))
			}
			return
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			s.logger.Warn("malformed control message", zap.Error(err))
			s.respond(conn, reply{OK: false, Summary: "malformed json"})
			continue
		}
		s.respond(conn, s.dispatch(msg))
	}
}

// dispatch routes one message. Handling is best-effort and time-bounded;
// long-running work (complaint resolution) detaches.
func (s *Server) dispatch(msg message) reply {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	switch msg.Type {
	case "advance_lifecycle":
		ok, summary := s.handler.AdvanceLifecycle(ctx, lifecycle.Record{
			TaskID:    msg.TaskID,
			AgentType: lifecycle.AgentType(msg.AgentType),
			Action:    lifecycle.Action(msg.Action),
			Target:    lifecycle.AgentType(msg.Target),
			Message:   msg.Message,
			Reason:    msg.Reason,
			AgentID:   msg.AgentID,
		})
		return reply{OK: ok, Summary: summary}

	case "interrupt_agent":
		if err := s.handler.Interrupt(ctx, msg.TaskID, msg.Message); err != nil {
			return reply{OK: false, Summary: err.Error()}
		}
		return reply{OK: true}

	case "merge_complete":
		s.handler.HandleMergerComplete(ctx, msg.TaskID, msg.Reason)
		return reply{OK: true}

	case "merge_conflict":
		s.handler.HandleMergerConflict(ctx, msg.TaskID, msg.Reason)
		return reply{OK: true}

	case "task_closed":
		s.handler.HandleExternalTaskClose(ctx, msg.TaskID)
		return reply{OK: true}

	case "complain":
		// Resolution spawns a resolver agent and can take minutes; detach.
		go func() {
			if _, err := s.handler.Complain(context.Background(), msg.AgentID, msg.Files, msg.Reason); err != nil {
				s.logger.Warn("complaint handling failed", zap.Error(err))
			}
		}()
		return reply{OK: true, Summary: "complaint filed"}

	case "revoke_complaint":
		n := s.handler.RevokeComplaint(ctx, msg.AgentID)
		return reply{OK: true, Summary: fmt.Sprintf("%d complaint(s) revoked", n)}

	default:
		s.logger.Warn("unknown control message", zap.String("type", msg.Type))
		return reply{OK: false, Summary: fmt.Sprintf("unknown message type %q", msg.Type)}
	}
}

// respond writes one reply line, best-effort.
func (s *Server) respond(conn net.Conn, r reply) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(handleTimeout))
	if _, err := conn.Write(append(data, '\n')); err != nil {
		s.logger.Debug("failed to write control reply", zap.Error(err))
	}
}
