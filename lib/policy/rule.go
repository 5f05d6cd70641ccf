// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bureau-foundation/busd/lib/wire"
)

// Decision is the outcome of a policy check.
type Decision int

const (
	// Deny means the action is not permitted.
	Deny Decision = iota

	// Allow means the action is permitted.
	Allow
)

// String returns "allow" or "deny".
func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

// Scope selects which connections a rule applies to.
type Scope int

const (
	ScopeDefault Scope = iota
	ScopeGroup
	ScopeUser
	ScopeMandatory
)

func (s Scope) String() string {
	switch s {
	case ScopeDefault:
		return "default"
	case ScopeGroup:
		return "group"
	case ScopeUser:
		return "user"
	case ScopeMandatory:
		return "mandatory"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// Direction is the kind of action a rule governs.
type Direction int

const (
	Connect Direction = iota
	Send
	Receive
	Own
)

func (d Direction) String() string {
	switch d {
	case Connect:
		return "connect"
	case Send:
		return "send"
	case Receive:
		return "receive"
	case Own:
		return "own"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// ParseDirection parses the lower-case direction names used in
// configuration files.
func ParseDirection(name string) (Direction, bool) {
	switch name {
	case "connect":
		return Connect, true
	case "send":
		return Send, true
	case "receive":
		return Receive, true
	case "own":
		return Own, true
	}
	return 0, false
}

// Any is the wildcard accepted by every string filter.
const Any = "*"

// ErrInvalidRule matches every error returned by Rule.Validate.
var ErrInvalidRule = errors.New("policy: invalid rule")

// IDMatch matches a numeric uid or gid. Any matches every id, including
// connections that have no credentials.
type IDMatch struct {
	Any bool
	ID  uint32
}

// Rule is one allow or deny statement.
//
// String filters are unset when empty, match anything when "*", and
// otherwise require equality. Only the filters relevant to the rule's
// Direction may be set.
type Rule struct {
	Scope Scope

	// Principal is the uid (ScopeUser) or gid (ScopeGroup) the rule is
	// scoped to. Ignored for ScopeDefault and ScopeMandatory.
	Principal IDMatch

	Direction Direction
	Decision  Decision

	// Connect filters. A connect rule matches when either is set and
	// matches the connecting credentials.
	User  *IDMatch
	Group *IDMatch

	// Message filters for Send and Receive. Type zero matches any type.
	Type      wire.Type
	Interface string
	Member    string
	Path      string
	ErrorName string

	// Peer is send_destination for Send rules and receive_sender for
	// Receive rules. It matches when the peer connection owns the name.
	Peer string

	// PeerPrefix matches a peer owning the name or any name below it
	// (send_destination_prefix).
	PeerPrefix string

	RequestedReply *bool
	Broadcast      *bool
	Eavesdrop      bool

	// Own filters.
	OwnName   string
	OwnPrefix string
}

func invalidRule(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRule, fmt.Sprintf(format, args...))
}

// Validate checks that the rule only uses filters that make sense for
// its direction.
func (r *Rule) Validate() error {
	if r.Decision != Allow && r.Decision != Deny {
		return invalidRule("unknown decision %d", int(r.Decision))
	}
	if r.Scope < ScopeDefault || r.Scope > ScopeMandatory {
		return invalidRule("unknown scope %d", int(r.Scope))
	}
	messageFilters := r.Type != wire.TypeInvalid || r.Interface != "" || r.Member != "" ||
		r.Path != "" || r.ErrorName != "" || r.Peer != "" || r.PeerPrefix != "" ||
		r.RequestedReply != nil || r.Broadcast != nil || r.Eavesdrop
	ownFilters := r.OwnName != "" || r.OwnPrefix != ""
	connectFilters := r.User != nil || r.Group != nil

	switch r.Direction {
	case Connect:
		if messageFilters || ownFilters {
			return invalidRule("connect rule has message or own filters")
		}
		if !connectFilters {
			return invalidRule("connect rule needs a user or group")
		}
		if r.Scope == ScopeUser || r.Scope == ScopeGroup {
			return invalidRule("connect rules belong in the default or mandatory scope")
		}
	case Send, Receive:
		if ownFilters || connectFilters {
			return invalidRule("%s rule has own or connect filters", r.Direction)
		}
		if r.PeerPrefix != "" && r.Direction == Receive {
			return invalidRule("receive rules cannot use a peer prefix")
		}
		if r.Broadcast != nil && r.Direction == Receive {
			return invalidRule("receive rules cannot filter on broadcast")
		}
		if r.Peer != "" && r.PeerPrefix != "" {
			return invalidRule("peer and peer prefix are mutually exclusive")
		}
	case Own:
		if messageFilters || connectFilters {
			return invalidRule("own rule has message or connect filters")
		}
		if !ownFilters {
			return invalidRule("own rule needs a name or prefix")
		}
		if r.OwnName != "" && r.OwnPrefix != "" {
			return invalidRule("own name and own prefix are mutually exclusive")
		}
	default:
		return invalidRule("unknown direction %d", int(r.Direction))
	}
	return nil
}

// String renders the rule for logs.
func (r *Rule) String() string {
	var parts []string
	add := func(key, value string) {
		if value != "" {
			parts = append(parts, key+"="+value)
		}
	}
	scope := r.Scope.String()
	if r.Scope == ScopeUser || r.Scope == ScopeGroup {
		scope += ":" + r.Principal.String()
	}
	add("scope", scope)
	add("direction", r.Direction.String())
	if r.User != nil {
		add("user", r.User.String())
	}
	if r.Group != nil {
		add("group", r.Group.String())
	}
	if r.Type != wire.TypeInvalid {
		add("type", r.Type.String())
	}
	add("interface", r.Interface)
	add("member", r.Member)
	add("path", r.Path)
	add("error", r.ErrorName)
	add("peer", r.Peer)
	add("peer_prefix", r.PeerPrefix)
	if r.RequestedReply != nil {
		add("requested_reply", fmt.Sprint(*r.RequestedReply))
	}
	if r.Broadcast != nil {
		add("broadcast", fmt.Sprint(*r.Broadcast))
	}
	if r.Eavesdrop {
		add("eavesdrop", "true")
	}
	add("own", r.OwnName)
	add("own_prefix", r.OwnPrefix)
	return r.Decision.String() + "(" + strings.Join(parts, " ") + ")"
}

func (m IDMatch) String() string {
	if m.Any {
		return Any
	}
	return fmt.Sprint(m.ID)
}

func (m *IDMatch) matches(id uint32, known bool) bool {
	if m.Any {
		return true
	}
	return known && m.ID == id
}

func stringMatches(filter, value string) bool {
	return filter == "" || filter == Any || filter == value
}

func namespaceMatches(prefix, name string) bool {
	return name == prefix || strings.HasPrefix(name, prefix+".")
}
