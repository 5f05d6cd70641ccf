// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os/user"
	"strconv"

	"github.com/bureau-foundation/busd/lib/policy"
	"github.com/bureau-foundation/busd/lib/wire"
)

// RuleConfig is one policy rule as written in the configuration file:
//
//	policy:
//	  - allow: connect
//	    user: alice
//	  - deny: send
//	    destination: com.example.Secret
//	  - allow: own
//	    own_prefix: com.example
//	    scope: group
//	    principal: wheel
//
// Exactly one of Allow and Deny names the direction (connect, send,
// receive, own). Scope is default, mandatory, user or group; user and
// group rules apply only to connections whose uid (or any gid) matches
// Principal. Users and groups may be given by name, by numeric id, or
// as "*".
type RuleConfig struct {
	Allow string `yaml:"allow,omitempty"`
	Deny  string `yaml:"deny,omitempty"`

	Scope     string `yaml:"scope,omitempty"`
	Principal string `yaml:"principal,omitempty"`

	// Connect filters.
	User  string `yaml:"user,omitempty"`
	Group string `yaml:"group,omitempty"`

	// Message filters.
	Type      string `yaml:"type,omitempty"`
	Interface string `yaml:"interface,omitempty"`
	Member    string `yaml:"member,omitempty"`
	Path      string `yaml:"path,omitempty"`
	Error     string `yaml:"error,omitempty"`

	// Destination is send_destination; Sender is receive_sender.
	Destination       string `yaml:"destination,omitempty"`
	DestinationPrefix string `yaml:"destination_prefix,omitempty"`
	Sender            string `yaml:"sender,omitempty"`

	RequestedReply *bool `yaml:"requested_reply,omitempty"`
	Broadcast      *bool `yaml:"broadcast,omitempty"`
	Eavesdrop      bool  `yaml:"eavesdrop,omitempty"`

	// Own filters.
	Own       string `yaml:"own,omitempty"`
	OwnPrefix string `yaml:"own_prefix,omitempty"`
}

// Resolver maps user and group names to ids.
type Resolver interface {
	LookupUser(name string) (uint32, error)
	LookupGroup(name string) (uint32, error)
}

// SystemResolver resolves names with os/user.
type SystemResolver struct{}

func (SystemResolver) LookupUser(name string) (uint32, error) {
	account, err := user.Lookup(name)
	if err != nil {
		return 0, err
	}
	return parseID(account.Uid)
}

func (SystemResolver) LookupGroup(name string) (uint32, error) {
	group, err := user.LookupGroup(name)
	if err != nil {
		return 0, err
	}
	return parseID(group.Gid)
}

func parseID(text string) (uint32, error) {
	id, err := strconv.ParseUint(text, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", text)
	}
	return uint32(id), nil
}

// PolicyRules converts the policy section to engine rules, resolving
// names with resolver. An empty policy on a session bus yields
// policy.SessionDefaults(owner); on a system bus it is an error.
func (c *Config) PolicyRules(owner uint32, resolver Resolver) ([]policy.Rule, error) {
	if len(c.Policy) == 0 {
		if c.Type == System {
			return nil, errors.New("policy: a system bus needs an explicit policy")
		}
		return policy.SessionDefaults(owner), nil
	}
	rules := make([]policy.Rule, 0, len(c.Policy))
	for i := range c.Policy {
		rule, err := c.Policy[i].convert(resolver)
		if err != nil {
			return nil, fmt.Errorf("policy[%d]: %w", i, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// check validates everything that does not need name resolution.
func (r *RuleConfig) check() error {
	_, err := r.convert(numericResolver{})
	return err
}

func (r *RuleConfig) convert(resolver Resolver) (policy.Rule, error) {
	var rule policy.Rule

	switch {
	case r.Allow != "" && r.Deny != "":
		return rule, errors.New("allow and deny are mutually exclusive")
	case r.Allow != "":
		rule.Decision = policy.Allow
	case r.Deny != "":
		rule.Decision = policy.Deny
	default:
		return rule, errors.New("rule needs allow or deny")
	}
	direction, ok := policy.ParseDirection(r.Allow + r.Deny)
	if !ok {
		return rule, fmt.Errorf("unknown direction %q", r.Allow+r.Deny)
	}
	rule.Direction = direction

	switch r.Scope {
	case "", "default":
		rule.Scope = policy.ScopeDefault
	case "mandatory":
		rule.Scope = policy.ScopeMandatory
	case "user":
		rule.Scope = policy.ScopeUser
	case "group":
		rule.Scope = policy.ScopeGroup
	default:
		return rule, fmt.Errorf("unknown scope %q", r.Scope)
	}
	if rule.Scope == policy.ScopeUser || rule.Scope == policy.ScopeGroup {
		if r.Principal == "" {
			return rule, fmt.Errorf("%s scope needs a principal", r.Scope)
		}
		lookup := resolver.LookupUser
		if rule.Scope == policy.ScopeGroup {
			lookup = resolver.LookupGroup
		}
		principal, err := resolveID(r.Principal, lookup)
		if err != nil {
			return rule, fmt.Errorf("principal: %w", err)
		}
		rule.Principal = principal
	} else if r.Principal != "" {
		return rule, fmt.Errorf("principal is only meaningful for user and group scopes")
	}

	if r.User != "" {
		match, err := resolveID(r.User, resolver.LookupUser)
		if err != nil {
			return rule, fmt.Errorf("user: %w", err)
		}
		rule.User = &match
	}
	if r.Group != "" {
		match, err := resolveID(r.Group, resolver.LookupGroup)
		if err != nil {
			return rule, fmt.Errorf("group: %w", err)
		}
		rule.Group = &match
	}

	if r.Type != "" && r.Type != policy.Any {
		messageType, ok := wire.ParseType(r.Type)
		if !ok {
			return rule, fmt.Errorf("unknown message type %q", r.Type)
		}
		rule.Type = messageType
	}
	rule.Interface = r.Interface
	rule.Member = r.Member
	rule.Path = r.Path
	rule.ErrorName = r.Error
	rule.RequestedReply = r.RequestedReply
	rule.Broadcast = r.Broadcast
	rule.Eavesdrop = r.Eavesdrop

	switch direction {
	case policy.Send:
		if r.Sender != "" {
			return rule, errors.New("sender filters belong to receive rules")
		}
		rule.Peer = r.Destination
		rule.PeerPrefix = r.DestinationPrefix
	case policy.Receive:
		if r.Destination != "" || r.DestinationPrefix != "" {
			return rule, errors.New("destination filters belong to send rules")
		}
		rule.Peer = r.Sender
	default:
		if r.Destination != "" || r.DestinationPrefix != "" || r.Sender != "" {
			return rule, fmt.Errorf("%s rules cannot filter on peers", direction)
		}
	}

	rule.OwnName = r.Own
	rule.OwnPrefix = r.OwnPrefix

	if err := rule.Validate(); err != nil {
		return rule, err
	}
	return rule, nil
}

func resolveID(text string, lookup func(string) (uint32, error)) (policy.IDMatch, error) {
	if text == policy.Any {
		return policy.IDMatch{Any: true}, nil
	}
	if id, err := parseID(text); err == nil {
		return policy.IDMatch{ID: id}, nil
	}
	id, err := lookup(text)
	if err != nil {
		return policy.IDMatch{}, err
	}
	return policy.IDMatch{ID: id}, nil
}

// numericResolver resolves every name to 0 so that structural checks
// run without consulting the user database.
type numericResolver struct{}

func (numericResolver) LookupUser(string) (uint32, error)  { return 0, nil }
func (numericResolver) LookupGroup(string) (uint32, error) { return 0, nil }
