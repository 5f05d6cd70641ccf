// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bureau-foundation/busd/lib/auth"
	"github.com/bureau-foundation/busd/lib/clock"
	"github.com/bureau-foundation/busd/lib/match"
	"github.com/bureau-foundation/busd/lib/metrics"
	"github.com/bureau-foundation/busd/lib/names"
	"github.com/bureau-foundation/busd/lib/policy"
	"github.com/bureau-foundation/busd/lib/transport"
	"github.com/bureau-foundation/busd/lib/wire"
)

// Bus is a message bus: it authenticates connections, assigns them
// unique names, arbitrates well-known names and routes messages
// between them. Create one with New and hand it connections with
// ServeConn.
type Bus struct {
	guid           string
	machineID      string
	logger         *slog.Logger
	clock          clock.Clock
	policy         *policy.Engine
	limits         Limits
	metrics        *metrics.Metrics
	mechanisms     []auth.Mechanism
	allowAnonymous bool
	keyring        *auth.Keyring
	ownerUID       uint32
	reload         func(ctx context.Context) error
	started        time.Time

	names   *names.Registry
	matches *match.Registry
	replies *replyTracker

	nextID atomic.Uint64
	serial atomic.Uint32

	// connsMu guards the connection tables. active holds connections
	// that completed Hello, keyed by unique name; all holds every
	// connection from accept to teardown.
	connsMu sync.RWMutex
	active  map[string]*Conn
	all     map[*Conn]struct{}

	// signalMu serializes name ownership changes with the emission of
	// their signals, so every peer sees ownership changes in the order
	// they were committed.
	signalMu sync.Mutex

	routed  atomic.Uint64
	dropped atomic.Uint64
}

// New creates a bus.
func New(options Options) (*Bus, error) {
	if !validGUID(options.GUID) {
		return nil, fmt.Errorf("bus: GUID %q is not 32 lower-case hex digits", options.GUID)
	}
	if options.Policy == nil {
		return nil, errors.New("bus: a policy engine is required")
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.MachineID == "" {
		options.MachineID = options.GUID
	}

	mechanisms := options.Mechanisms
	if len(mechanisms) == 0 {
		mechanisms = []auth.Mechanism{auth.External}
	}
	mechanisms = slices.DeleteFunc(slices.Clone(mechanisms), func(m auth.Mechanism) bool {
		return m == auth.Anonymous || m == auth.CookieSHA1 && options.Keyring == nil
	})
	if options.AllowAnonymous {
		mechanisms = append(mechanisms, auth.Anonymous)
	}

	b := &Bus{
		guid:           options.GUID,
		machineID:      options.MachineID,
		logger:         options.Logger,
		clock:          options.Clock,
		policy:         options.Policy,
		limits:         options.Limits.withDefaults(),
		metrics:        options.Metrics,
		mechanisms:     mechanisms,
		allowAnonymous: options.AllowAnonymous,
		keyring:        options.Keyring,
		ownerUID:       options.OwnerUID,
		reload:         options.Reload,
		started:        options.Clock.Now(),
		names:          names.NewRegistry(),
		matches:        match.NewRegistry(),
		replies:        newReplyTracker(),
		active:         make(map[string]*Conn),
		all:            make(map[*Conn]struct{}),
	}
	return b, nil
}

func validGUID(guid string) bool {
	if len(guid) != 32 {
		return false
	}
	for i := 0; i < len(guid); i++ {
		c := guid[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// GUID returns the bus identifier sent in the handshake OK line.
func (b *Bus) GUID() string {
	return b.guid
}

// ServeConn runs one client connection to completion: handshake,
// message loop, teardown. It returns nil when the client disconnects
// cleanly and the close reason otherwise. Cancelling ctx closes the
// connection.
func (b *Bus) ServeConn(ctx context.Context, netConn net.Conn, credentials transport.Credentials) error {
	defer netConn.Close()
	c := b.newConn(netConn, credentials)

	b.connsMu.Lock()
	b.all[c] = struct{}{}
	b.connsMu.Unlock()
	b.metrics.ConnectionOpened()

	stop := context.AfterFunc(ctx, func() { c.close(ErrShutdown) })
	defer stop()

	reader := bufio.NewReaderSize(netConn, readBufferSize)
	err := c.authenticate(reader)
	if err != nil {
		b.metrics.AuthFailed()
	} else {
		c.startWriter()
		err = c.readLoop(reader)
	}
	if c.closed() && c.closeErr != nil {
		// A close initiated elsewhere (shutdown, queue overflow) explains
		// the read error better than the read error itself.
		err = c.closeErr
	}
	c.close(err)

	b.disconnect(c)
	c.waitWriter()

	b.connsMu.Lock()
	delete(b.all, c)
	b.connsMu.Unlock()

	reason := closeReason(err)
	b.metrics.ConnectionClosed(reason)
	if reason == "eof" {
		c.logger.Debug("connection closed")
		return nil
	}
	c.logger.Info("connection closed", "reason", reason, "error", err)
	return err
}

// closeReason maps a close error to a short label for logs and metrics.
func closeReason(err error) string {
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return "eof"
	case errors.Is(err, ErrShutdown):
		return "shutdown"
	case errors.Is(err, ErrAuthTimeout), errors.Is(err, auth.ErrRejected),
		errors.Is(err, auth.ErrProtocol), errors.Is(err, auth.ErrUnauthorized):
		return "auth"
	case errors.Is(err, wire.ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrProtocolViolation):
		return "protocol"
	case errors.Is(err, ErrResourceExhausted):
		return "resource"
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNRESET):
		// A peer that closes with unread data produces ECONNRESET or
		// EPIPE on our side rather than EOF.
		return "closed"
	default:
		return "error"
	}
}

func (b *Bus) allocateUniqueName() string {
	return fmt.Sprintf(":1.%d", b.nextID.Add(1))
}

func (b *Bus) nextSerial() uint32 {
	for {
		if serial := b.serial.Add(1); serial != 0 {
			return serial
		}
	}
}

// lookup returns the active connection with the given unique name.
func (b *Bus) lookup(unique string) *Conn {
	b.connsMu.RLock()
	defer b.connsMu.RUnlock()
	return b.active[unique]
}

// resolve returns the active connection that owns name.
func (b *Bus) resolve(name string) *Conn {
	unique, ok := b.names.Resolve(name)
	if !ok {
		return nil
	}
	return b.lookup(unique)
}

// peerNames lists the names a connection answers to, for policy
// checks. A nil connection is the bus itself.
func (b *Bus) peerNames(c *Conn) []string {
	if c == nil {
		return []string{DriverName}
	}
	return append(b.names.OwnedBy(c.uniqueName), c.uniqueName)
}

// activate registers a connection that sent Hello.
func (b *Bus) activate(c *Conn) error {
	if _, err := b.names.AddUnique(c.uniqueName); err != nil {
		return err
	}
	b.connsMu.Lock()
	b.active[c.uniqueName] = c
	b.connsMu.Unlock()
	c.setState(StateActive)
	return nil
}

// disconnect releases everything a closed connection held and tells
// the rest of the bus.
func (b *Bus) disconnect(c *Conn) {
	b.connsMu.Lock()
	_, wasActive := b.active[c.uniqueName]
	if wasActive && b.active[c.uniqueName] == c {
		delete(b.active, c.uniqueName)
	}
	b.connsMu.Unlock()
	if !wasActive {
		return
	}

	b.matches.RemoveAll(c.uniqueName)

	b.signalMu.Lock()
	changes := b.names.RemoveConnection(c.uniqueName)
	for _, change := range changes {
		b.emitOwnerChange(change)
	}
	b.signalMu.Unlock()

	for _, orphan := range b.replies.removeConnection(c.uniqueName) {
		caller := b.lookup(orphan.caller)
		if caller == nil {
			continue
		}
		b.sendError(caller, orphan.serial, ErrorNoReply,
			"Message recipient disconnected from message bus without replying")
	}
}

// Status summarizes the bus for the control socket.
type Status struct {
	GUID          string  `json:"guid"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Connections   int     `json:"connections"`
	Active        int     `json:"active"`
	Names         int     `json:"names"`
	Routed        uint64  `json:"routed"`
	Dropped       uint64  `json:"dropped"`
}

// Status returns a snapshot of bus-wide counters.
func (b *Bus) Status() Status {
	b.connsMu.RLock()
	total, active := len(b.all), len(b.active)
	b.connsMu.RUnlock()
	_, wellKnown := b.names.Counts()
	return Status{
		GUID:          b.guid,
		UptimeSeconds: b.clock.Now().Sub(b.started).Seconds(),
		Connections:   total,
		Active:        active,
		Names:         wellKnown,
		Routed:        b.routed.Load(),
		Dropped:       b.dropped.Load(),
	}
}

// Peer describes one connection for the control socket.
type Peer struct {
	UniqueName  string    `json:"unique_name,omitempty"`
	State       string    `json:"state"`
	Mechanism   string    `json:"mechanism,omitempty"`
	UID         *uint32   `json:"uid,omitempty"`
	PID         *uint32   `json:"pid,omitempty"`
	Names       []string  `json:"names,omitempty"`
	MatchRules  int       `json:"match_rules"`
	Monitor     bool      `json:"monitor,omitempty"`
	QueueDepth  int       `json:"queue_depth"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Peers returns every open connection, sorted by connection time.
func (b *Bus) Peers() []Peer {
	b.connsMu.RLock()
	conns := make([]*Conn, 0, len(b.all))
	for c := range b.all {
		conns = append(conns, c)
	}
	b.connsMu.RUnlock()

	peers := make([]Peer, 0, len(conns))
	for _, c := range conns {
		peer := Peer{
			State:       c.State().String(),
			QueueDepth:  c.queueDepth(),
			ConnectedAt: c.connectedAt,
		}
		if unique := c.UniqueName(); unique != "" {
			peer.UniqueName = unique
			peer.Mechanism = string(c.mechanism)
			peer.Names = b.names.OwnedBy(unique)
			peer.MatchRules = b.matches.Count(unique)
			peer.Monitor = b.matches.IsMonitor(unique)
		}
		if c.credentials.HaveUID {
			uid := c.credentials.UID
			peer.UID = &uid
		} else if c.State() >= StateAuthenticated && c.subject.HaveUID {
			uid := c.subject.UID
			peer.UID = &uid
		}
		if c.credentials.HavePID {
			pid := c.credentials.PID
			peer.PID = &pid
		}
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].ConnectedAt.Before(peers[j].ConnectedAt)
	})
	return peers
}

// Names returns every well-known name with its owner and queue.
func (b *Bus) Names() []names.Snapshot {
	return b.names.Snapshot()
}

// NameCount returns the number of owned well-known names.
func (b *Bus) NameCount() int {
	_, wellKnown := b.names.Counts()
	return wellKnown
}
