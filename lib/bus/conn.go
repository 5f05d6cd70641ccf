// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/busd/lib/auth"
	"github.com/bureau-foundation/busd/lib/policy"
	"github.com/bureau-foundation/busd/lib/transport"
	"github.com/bureau-foundation/busd/lib/wire"
)

// State is a connection's position in its lifecycle. States only move
// forward.
type State int32

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateAuthenticated
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	// readBufferSize is shared by the handshake and the message reader,
	// so bytes a client pipelines after BEGIN stay buffered.
	readBufferSize = 64 * 1024

	// flushTimeout bounds how long a closing connection spends writing
	// out what is already queued (an error reply explaining the close).
	flushTimeout = time.Second
)

// Conn is one client connection.
type Conn struct {
	bus         *Bus
	netConn     net.Conn
	credentials transport.Credentials
	subject     policy.Subject
	connectedAt time.Time
	logger      *slog.Logger

	// uniqueName and mechanism are written once by the reader goroutine
	// during the handshake, before the connection becomes visible to
	// other goroutines through the bus tables.
	uniqueName string
	mechanism  auth.Mechanism

	state atomic.Int32

	outgoing    chan []byte
	writerDone  chan struct{}
	writerStart sync.Once

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (b *Bus) newConn(netConn net.Conn, credentials transport.Credentials) *Conn {
	c := &Conn{
		bus:         b,
		netConn:     netConn,
		credentials: credentials,
		subject: policy.Subject{
			UID:     credentials.UID,
			HaveUID: credentials.HaveUID,
			GIDs:    credentials.GIDs,
		},
		connectedAt: b.clock.Now(),
		logger:      b.logger.With("remote", remoteLabel(netConn, credentials)),
		outgoing:    make(chan []byte, b.limits.MaxOutgoingMessages),
		writerDone:  make(chan struct{}),
		done:        make(chan struct{}),
	}
	return c
}

func remoteLabel(netConn net.Conn, credentials transport.Credentials) string {
	if credentials.HavePID {
		return fmt.Sprintf("pid:%d", credentials.PID)
	}
	if addr := netConn.RemoteAddr(); addr != nil && addr.String() != "" {
		return addr.String()
	}
	return "unknown"
}

// UniqueName returns the connection's unique bus name, or "" before
// authentication completes.
func (c *Conn) UniqueName() string {
	if c.State() < StateAuthenticated {
		return ""
	}
	return c.uniqueName
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Credentials returns what the transport reported about the peer.
func (c *Conn) Credentials() transport.Credentials {
	return c.credentials
}

func (c *Conn) setState(state State) {
	for {
		current := c.state.Load()
		if State(current) >= state {
			return
		}
		if c.state.CompareAndSwap(current, int32(state)) {
			return
		}
	}
}

// Done is closed when the connection closes.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// close moves the connection to Closed. The first reason wins. The
// reader is unblocked through a read deadline; the writer flushes what
// is queued and then closes the socket.
func (c *Conn) close(reason error) {
	c.closeOnce.Do(func() {
		c.closeErr = reason
		c.state.Store(int32(StateClosed))
		close(c.done)
		c.netConn.SetReadDeadline(time.Now())
	})
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// authenticate runs the SASL handshake under the auth deadline.
func (c *Conn) authenticate(reader *bufio.Reader) error {
	c.setState(StateAuthenticating)
	timer := c.bus.clock.AfterFunc(c.bus.limits.AuthTimeout, func() {
		c.close(ErrAuthTimeout)
	})
	defer timer.Stop()

	result, err := auth.Handshake(reader, c.netConn, auth.Config{
		GUID:       c.bus.guid,
		Mechanisms: c.bus.mechanisms,
		UID:        c.credentials.UID,
		HaveUID:    c.credentials.HaveUID,
		Keyring:    c.bus.keyring,
		Authorize:  c.authorize,
	})
	if err != nil {
		if c.closed() {
			return c.closeErr
		}
		return fmt.Errorf("authentication: %w", err)
	}
	c.mechanism = result.Mechanism
	c.setState(StateAuthenticated)
	return nil
}

// authorize applies the connect policy and assigns the unique name
// before the client is told OK. A cookie-authenticated peer on a
// transport without credentials takes the keyring owner's uid.
func (c *Conn) authorize(result auth.Result) error {
	switch {
	case result.Mechanism == auth.Anonymous:
		if !c.bus.allowAnonymous {
			return errors.New("anonymous connections are not allowed")
		}
		c.subject = policy.Subject{}
	default:
		if result.HaveUID && !c.subject.HaveUID {
			c.subject = policy.Subject{UID: result.UID, HaveUID: true}
		}
		decision := c.bus.policy.Decide(policy.Query{Direction: policy.Connect, Subject: c.subject})
		if decision.Decision != policy.Allow {
			c.bus.metrics.PolicyDenied(policy.Connect.String())
			return fmt.Errorf("uid %d may not connect", c.subject.UID)
		}
	}
	c.uniqueName = c.bus.allocateUniqueName()
	c.logger = c.logger.With("unique_name", c.uniqueName)
	return nil
}

// readLoop decodes messages and routes each one before reading the
// next, which keeps every sender's messages in order.
func (c *Conn) readLoop(reader *bufio.Reader) error {
	header := make([]byte, 16)
	var buf []byte
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			return err
		}
		length, err := wire.FrameLength(header)
		if err != nil {
			return err
		}
		if length > c.bus.limits.MaxMessageSize {
			return fmt.Errorf("%w: message of %d bytes exceeds limit %d",
				wire.ErrMalformed, length, c.bus.limits.MaxMessageSize)
		}
		if cap(buf) < length {
			buf = make([]byte, length)
		}
		buf = buf[:length]
		copy(buf, header)
		if _, err := io.ReadFull(reader, buf[len(header):]); err != nil {
			return err
		}
		msg, _, err := wire.DecodeLimit(buf, c.bus.limits.MaxMessageSize)
		if err != nil {
			return err
		}
		if err := c.bus.route(c, msg); err != nil {
			return err
		}
	}
}

// startWriter launches the goroutine that drains the outgoing queue.
func (c *Conn) startWriter() {
	c.writerStart.Do(func() {
		go c.writeLoop()
	})
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)
	defer c.netConn.Close()
	for {
		select {
		case data := <-c.outgoing:
			if _, err := c.netConn.Write(data); err != nil {
				c.close(fmt.Errorf("writing: %w", err))
				return
			}
		case <-c.done:
			c.flush()
			return
		}
	}
}

// flush writes whatever is still queued, bounded by flushTimeout.
func (c *Conn) flush() {
	c.netConn.SetWriteDeadline(time.Now().Add(flushTimeout))
	for {
		select {
		case data := <-c.outgoing:
			if _, err := c.netConn.Write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// waitWriter blocks until the writer has exited, or returns at once if
// it never started.
func (c *Conn) waitWriter() {
	started := true
	c.writerStart.Do(func() { started = false })
	if started {
		<-c.writerDone
	}
}

// enqueue queues an encoded message for the writer. Messages relayed
// from another client wait up to QueueFullTimeout for room; messages
// the bus generates never wait. Either way a queue that stays full
// closes this connection.
func (c *Conn) enqueue(data []byte, wait bool) error {
	if c.closed() {
		return ErrClosed
	}
	select {
	case c.outgoing <- data:
		return nil
	default:
	}
	if !wait {
		c.close(fmt.Errorf("%w: outgoing queue full", ErrResourceExhausted))
		return ErrResourceExhausted
	}
	timeout := c.bus.clock.After(c.bus.limits.QueueFullTimeout)
	select {
	case c.outgoing <- data:
		return nil
	case <-c.done:
		return ErrClosed
	case <-timeout:
		c.close(fmt.Errorf("%w: outgoing queue full for %v", ErrResourceExhausted, c.bus.limits.QueueFullTimeout))
		return ErrResourceExhausted
	}
}

// queueDepth returns the number of messages waiting to be written.
func (c *Conn) queueDepth() int {
	return len(c.outgoing)
}
