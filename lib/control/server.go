// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/bureau-foundation/busd/lib/codec"
	"github.com/bureau-foundation/busd/lib/transport"
)

// ActionFunc processes a request for one action. raw is the full CBOR
// request, including the "action" field; the handler decodes its own
// fields from it.
//
// A nil result produces {ok: true}. A non-nil result is encoded into
// the response's data field.
type ActionFunc func(ctx context.Context, raw []byte) (any, error)

// Response is the envelope of every control response.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// Server serves the control protocol on a unix socket. Each connection
// carries exactly one request and one response.
//
// Only root and the owner uid may use the socket.
type Server struct {
	socketPath string
	owner      uint32
	handlers   map[string]ActionFunc
	logger     *slog.Logger
}

// NewServer creates a server that will listen on socketPath. Register
// actions with Handle before calling Serve.
func NewServer(socketPath string, owner uint32, logger *slog.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		owner:      owner,
		handlers:   make(map[string]ActionFunc),
		logger:     logger,
	}
}

// Handle registers handler for action. It panics if the action is
// already registered.
func (s *Server) Handle(action string, handler ActionFunc) {
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("control.Server: duplicate handler for action %q", action))
	}
	s.handlers[action] = handler
}

// Serve accepts connections until ctx is cancelled, then waits for
// in-flight requests. A stale socket at the path is replaced; the
// socket is removed on return.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := transport.Listen(transport.Address{
		Transport: "unix",
		Params:    map[string]string{"path": s.socketPath},
	})
	if err != nil {
		return fmt.Errorf("control socket: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("restricting %s: %w", s.socketPath, err)
	}
	// Admission limits are left to the socket mode and the uid check.
	accept := transport.NewServer(transport.Limits{MaxConnections: maxConnections}, s.logger)
	return accept.Serve(ctx, listener, s.serveRequest)
}

const (
	// readTimeout bounds how long a client may take to send its request.
	readTimeout  = 30 * time.Second
	writeTimeout = 10 * time.Second

	maxRequestSize = 64 * 1024
	maxConnections = 16
)

// serveRequest reads one request from conn and writes one response.
func (s *Server) serveRequest(ctx context.Context, conn net.Conn, credentials transport.Credentials) {
	conn.SetReadDeadline(time.Now().Add(readTimeout))

	// CBOR is self-delimiting, so one Decode reads exactly one request.
	var raw codec.RawMessage
	err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&raw)
	if errors.Is(err, io.EOF) {
		return
	}

	var response Response
	if err != nil {
		response = failure("invalid request: %v", err)
	} else {
		// Refusal happens after the read so the client sees it rather
		// than a broken pipe.
		response = s.dispatch(ctx, credentials, raw)
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("writing control response failed", "error", err)
	}
}

func (s *Server) dispatch(ctx context.Context, credentials transport.Credentials, raw codec.RawMessage) Response {
	if !credentials.HaveUID || (credentials.UID != 0 && credentials.UID != s.owner) {
		s.logger.Warn("control request refused", "uid", credentials.UID, "pid", credentials.PID)
		return failure("permission denied")
	}

	var header struct {
		Action string `cbor:"action"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil {
		return failure("invalid request: %v", err)
	}
	if header.Action == "" {
		return failure("missing required field: action")
	}
	handler, exists := s.handlers[header.Action]
	if !exists {
		return failure("unknown action %q", header.Action)
	}

	result, err := handler(ctx, []byte(raw))
	if err != nil {
		s.logger.Debug("control action failed", "action", header.Action, "error", err)
		return failure("%s", err)
	}
	if result == nil {
		return Response{OK: true}
	}
	data, err := codec.Marshal(result)
	if err != nil {
		return failure("internal: marshaling %s response: %v", header.Action, err)
	}
	return Response{OK: true, Data: data}
}

func failure(format string, args ...any) Response {
	return Response{Error: fmt.Sprintf(format, args...)}
}
