// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/bureau-foundation/busd/lib/auth"
	"github.com/bureau-foundation/busd/lib/clock"
	"github.com/bureau-foundation/busd/lib/metrics"
	"github.com/bureau-foundation/busd/lib/policy"
	"github.com/bureau-foundation/busd/lib/wire"
)

// Limits bounds what one connection may consume.
type Limits struct {
	// MaxMessageSize caps a single incoming message, header included.
	MaxMessageSize int

	// MaxOutgoingMessages is the capacity of each connection's outgoing
	// queue.
	MaxOutgoingMessages int

	// MaxPendingReplies caps the method calls a connection may have
	// awaiting replies. Calls over the limit get LimitsExceeded.
	MaxPendingReplies int

	// MaxNamesPerConnection caps well-known names owned or queued for.
	MaxNamesPerConnection int

	// MaxMatchRulesPerConnection caps AddMatch references.
	MaxMatchRulesPerConnection int

	// AuthTimeout bounds the handshake from accept to BEGIN.
	AuthTimeout time.Duration

	// QueueFullTimeout is how long a message routed from a client waits
	// for room in the recipient's queue before the recipient is closed.
	QueueFullTimeout time.Duration
}

// DefaultLimits returns the session bus defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxMessageSize:             wire.MaxMessageSize,
		MaxOutgoingMessages:        1024,
		MaxPendingReplies:          1024,
		MaxNamesPerConnection:      512,
		MaxMatchRulesPerConnection: 512,
		AuthTimeout:                30 * time.Second,
		QueueFullTimeout:           5 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultLimits.
func (l Limits) withDefaults() Limits {
	defaults := DefaultLimits()
	if l.MaxMessageSize <= 0 || l.MaxMessageSize > wire.MaxMessageSize {
		l.MaxMessageSize = defaults.MaxMessageSize
	}
	if l.MaxOutgoingMessages <= 0 {
		l.MaxOutgoingMessages = defaults.MaxOutgoingMessages
	}
	if l.MaxPendingReplies <= 0 {
		l.MaxPendingReplies = defaults.MaxPendingReplies
	}
	if l.MaxNamesPerConnection <= 0 {
		l.MaxNamesPerConnection = defaults.MaxNamesPerConnection
	}
	if l.MaxMatchRulesPerConnection <= 0 {
		l.MaxMatchRulesPerConnection = defaults.MaxMatchRulesPerConnection
	}
	if l.AuthTimeout <= 0 {
		l.AuthTimeout = defaults.AuthTimeout
	}
	if l.QueueFullTimeout <= 0 {
		l.QueueFullTimeout = defaults.QueueFullTimeout
	}
	return l
}

// Options configures a Bus.
type Options struct {
	// GUID identifies this bus instance: 32 lower-case hex digits.
	GUID string

	// MachineID is returned by org.freedesktop.DBus.Peer.GetMachineId.
	// Defaults to GUID.
	MachineID string

	// Policy decides connect, send, receive and own. Required. The
	// caller may Reload it at any time.
	Policy *policy.Engine

	Limits Limits

	// Mechanisms are the SASL mechanisms offered. Defaults to EXTERNAL.
	// ANONYMOUS is only accepted when AllowAnonymous is set, and
	// DBUS_COOKIE_SHA1 only when Keyring is.
	Mechanisms     []auth.Mechanism
	AllowAnonymous bool
	Keyring        *auth.Keyring

	// OwnerUID is the uid the bus runs for. It and root may call
	// BecomeMonitor.
	OwnerUID uint32

	// Reload is run by org.freedesktop.DBus.ReloadConfig. Nil makes
	// ReloadConfig a no-op.
	Reload func(ctx context.Context) error

	Logger  *slog.Logger
	Clock   clock.Clock
	Metrics *metrics.Metrics
}
