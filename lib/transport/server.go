// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

var (
	// ErrTooManyConnections is returned by admission when the global
	// connection cap is reached.
	ErrTooManyConnections = errors.New("transport: too many connections")

	// ErrTooManyForUser is returned when the peer's uid already holds
	// MaxConnectionsPerUser connections.
	ErrTooManyForUser = errors.New("transport: too many connections for user")

	// ErrAcceptRate is returned when connections arrive faster than the
	// accept rate limit.
	ErrAcceptRate = errors.New("transport: accept rate exceeded")
)

// Handler serves one admitted connection. The connection is closed by
// the server when Handler returns.
type Handler func(ctx context.Context, conn net.Conn, credentials Credentials)

// Limits bounds the connections a Server admits. Zero values disable
// the corresponding limit.
type Limits struct {
	MaxConnections        int
	MaxConnectionsPerUser int

	// AcceptRate is the sustained number of connections accepted per
	// second, with bursts up to AcceptBurst.
	AcceptRate  float64
	AcceptBurst int
}

// Server accepts connections on one or more listeners and applies
// shared admission limits.
type Server struct {
	limits Limits
	logger *slog.Logger
	accept *rate.Limiter

	mu      sync.Mutex
	total   int
	perUser map[uint32]int

	rejected atomic.Uint64
}

// NewServer creates a server. The same Server may serve several
// listeners concurrently.
func NewServer(limits Limits, logger *slog.Logger) *Server {
	server := &Server{
		limits:  limits,
		logger:  logger,
		perUser: make(map[uint32]int),
	}
	if limits.AcceptRate > 0 {
		burst := limits.AcceptBurst
		if burst < 1 {
			burst = 1
		}
		server.accept = rate.NewLimiter(rate.Limit(limits.AcceptRate), burst)
	}
	return server
}

// Serve accepts connections on listener until ctx is cancelled, then
// closes the listener and waits for active handlers to return.
func (s *Server) Serve(ctx context.Context, listener *Listener, handler Handler) error {
	defer listener.Close()

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("listening", "address", listener.Address().String())

	var active sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		credentials, err := PeerCredentials(conn)
		if err != nil {
			s.logger.Warn("reading peer credentials failed", "error", err)
			s.rejected.Add(1)
			conn.Close()
			continue
		}
		if err := s.admit(credentials); err != nil {
			s.logger.Warn("connection rejected",
				"uid", credentials.UID,
				"pid", credentials.PID,
				"error", err,
			)
			s.rejected.Add(1)
			conn.Close()
			continue
		}

		active.Add(1)
		go func() {
			defer active.Done()
			defer s.release(credentials)
			defer conn.Close()
			handler(ctx, conn, credentials)
		}()
	}

	active.Wait()
	return nil
}

// Active returns the number of connections currently admitted.
func (s *Server) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Rejected returns how many connections were refused at admission.
func (s *Server) Rejected() uint64 {
	return s.rejected.Load()
}

func (s *Server) admit(credentials Credentials) error {
	if s.accept != nil && !s.accept.Allow() {
		return ErrAcceptRate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limits.MaxConnections > 0 && s.total >= s.limits.MaxConnections {
		return ErrTooManyConnections
	}
	if credentials.HaveUID && s.limits.MaxConnectionsPerUser > 0 &&
		s.perUser[credentials.UID] >= s.limits.MaxConnectionsPerUser {
		return ErrTooManyForUser
	}
	s.total++
	if credentials.HaveUID {
		s.perUser[credentials.UID]++
	}
	return nil
}

func (s *Server) release(credentials Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total--
	if credentials.HaveUID {
		s.perUser[credentials.UID]--
		if s.perUser[credentials.UID] == 0 {
			delete(s.perUser, credentials.UID)
		}
	}
}
