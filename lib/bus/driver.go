// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bureau-foundation/busd/lib/match"
	"github.com/bureau-foundation/busd/lib/names"
	"github.com/bureau-foundation/busd/lib/policy"
	"github.com/bureau-foundation/busd/lib/wire"
)

// Interfaces implemented by the bus driver besides DriverInterface.
const (
	MonitoringInterface     = "org.freedesktop.DBus.Monitoring"
	PeerInterface           = "org.freedesktop.DBus.Peer"
	IntrospectableInterface = "org.freedesktop.DBus.Introspectable"
	PropertiesInterface     = "org.freedesktop.DBus.Properties"
)

// startReplyAlreadyRunning is the StartServiceByName reply for a name
// that already has an owner.
const startReplyAlreadyRunning uint32 = 2

// reloadTimeout bounds a ReloadConfig call.
const reloadTimeout = 30 * time.Second

// driverMethod is one method of the bus driver. The handler sends its
// own reply on success. A returned *Error becomes an error reply; an
// error wrapping ErrProtocolViolation also closes the caller.
type driverMethod struct {
	signature wire.Signature
	handler   func(b *Bus, c *Conn, msg *wire.Message, args []any) error
}

// driverInterfaces is the method table, keyed by interface then member.
var driverInterfaces = map[string]map[string]driverMethod{
	DriverInterface: {
		"Hello":                               {"", (*Bus).hello},
		"RequestName":                         {"su", (*Bus).requestName},
		"ReleaseName":                         {"s", (*Bus).releaseName},
		"StartServiceByName":                  {"su", (*Bus).startServiceByName},
		"UpdateActivationEnvironment":         {"a{ss}", (*Bus).updateActivationEnvironment},
		"NameHasOwner":                        {"s", (*Bus).nameHasOwner},
		"ListNames":                           {"", (*Bus).listNames},
		"ListActivatableNames":                {"", (*Bus).listActivatableNames},
		"AddMatch":                            {"s", (*Bus).addMatch},
		"RemoveMatch":                         {"s", (*Bus).removeMatch},
		"GetNameOwner":                        {"s", (*Bus).getNameOwner},
		"ListQueuedOwners":                    {"s", (*Bus).listQueuedOwners},
		"GetConnectionUnixUser":               {"s", (*Bus).getConnectionUnixUser},
		"GetConnectionUnixProcessID":          {"s", (*Bus).getConnectionUnixProcessID},
		"GetAdtAuditSessionData":              {"s", (*Bus).getAdtAuditSessionData},
		"GetConnectionSELinuxSecurityContext": {"s", (*Bus).getConnectionSELinuxSecurityContext},
		"GetConnectionCredentials":            {"s", (*Bus).getConnectionCredentials},
		"ReloadConfig":                        {"", (*Bus).reloadConfig},
		"GetId":                               {"", (*Bus).getID},
	},
	MonitoringInterface: {
		"BecomeMonitor": {"asu", (*Bus).becomeMonitor},
	},
	PeerInterface: {
		"Ping":         {"", (*Bus).ping},
		"GetMachineId": {"", (*Bus).getMachineID},
	},
	IntrospectableInterface: {
		"Introspect": {"", (*Bus).introspect},
	},
	PropertiesInterface: {
		"Get":    {"ss", (*Bus).getProperty},
		"GetAll": {"s", (*Bus).getAllProperties},
		"Set":    {"ssv", (*Bus).setProperty},
	},
}

// interfaceSearchOrder resolves calls that omit the interface field.
var interfaceSearchOrder = []string{
	DriverInterface,
	PeerInterface,
	IntrospectableInterface,
	PropertiesInterface,
	MonitoringInterface,
}

func findDriverMethod(msg *wire.Message) (driverMethod, error) {
	if msg.Interface != "" {
		methods, ok := driverInterfaces[msg.Interface]
		if !ok {
			return driverMethod{}, newError(ErrorUnknownInterface,
				"Interface %q does not exist on %s", msg.Interface, DriverName)
		}
		method, ok := methods[msg.Member]
		if !ok {
			return driverMethod{}, newError(ErrorUnknownMethod,
				"%s.%s with signature %q does not exist", msg.Interface, msg.Member, msg.Signature)
		}
		return method, nil
	}
	for _, iface := range interfaceSearchOrder {
		if method, ok := driverInterfaces[iface][msg.Member]; ok {
			return method, nil
		}
	}
	return driverMethod{}, newError(ErrorUnknownMethod,
		"%s with signature %q does not exist", msg.Member, msg.Signature)
}

// handleDriver answers a message addressed to the bus itself.
func (b *Bus) handleDriver(c *Conn, msg *wire.Message) error {
	b.observe(&envelope{msg: msg}, nil)
	if msg.Type != wire.TypeMethodCall {
		return nil
	}

	method, err := findDriverMethod(msg)
	if err == nil && msg.Signature != method.signature {
		err = newError(ErrorInvalidArgs, "Call to %s has wrong args (%q, expected %q)",
			msg.Member, msg.Signature, method.signature)
	}
	var args []any
	if err == nil {
		args, err = wire.DecodeBody(msg.Order, msg.Signature, msg.Body)
		if err != nil {
			err = newError(ErrorInvalidArgs, "Call to %s has malformed args: %v", msg.Member, err)
		}
	}
	if err == nil {
		err = method.handler(b, c, msg, args)
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrProtocolViolation):
		b.replyError(c, msg, ErrorFailed, "%v", err)
		return err
	default:
		var busErr *Error
		if errors.As(err, &busErr) {
			b.replyError(c, msg, busErr.Name, "%s", busErr.Message)
		} else {
			c.logger.Error("bus driver call failed", "member", msg.Member, "error", err)
			b.replyError(c, msg, ErrorFailed, "%v", err)
		}
		return nil
	}
}

func (b *Bus) hello(c *Conn, msg *wire.Message, args []any) error {
	if c.State() == StateActive {
		return fmt.Errorf("%w: already handled an Hello message", ErrProtocolViolation)
	}
	b.signalMu.Lock()
	defer b.signalMu.Unlock()
	if err := b.activate(c); err != nil {
		return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	b.sendReply(c, msg, "s", c.uniqueName)
	b.emitOwnerChange(names.OwnerChange{Name: c.uniqueName, NewOwner: c.uniqueName})
	c.logger.Debug("connection registered")
	return nil
}

// checkOwnable rejects names a client may never request or release.
func checkOwnable(name, verb string) error {
	switch {
	case wire.IsUniqueName(name):
		return newError(ErrorInvalidArgs, "Cannot %s a service starting with ':' such as %q", verb, name)
	case !wire.ValidBusName(name):
		return newError(ErrorInvalidArgs, "Requested bus name %q is not valid", name)
	case name == DriverName:
		return newError(ErrorInvalidArgs,
			"Connection is not allowed to %s the service %q because it is reserved for D-Bus' use only", verb, name)
	}
	return nil
}

func (b *Bus) requestName(c *Conn, msg *wire.Message, args []any) error {
	name, flags := args[0].(string), args[1].(uint32)
	if err := checkOwnable(name, "acquire"); err != nil {
		return err
	}
	if !b.allowed(policy.Query{Direction: policy.Own, Subject: c.subject, Name: name}) {
		return newError(ErrorAccessDenied,
			"Connection %q is not allowed to own the service %q due to security policies in the configuration file",
			c.uniqueName, name)
	}

	b.signalMu.Lock()
	defer b.signalMu.Unlock()
	if b.names.Memberships(c.uniqueName) >= b.limits.MaxNamesPerConnection && !b.holdsName(c, name) {
		return newError(ErrorLimitsExceeded,
			"Connection %q is not allowed to own more services (max_names_per_connection=%d)",
			c.uniqueName, b.limits.MaxNamesPerConnection)
	}
	reply, change, err := b.names.RequestName(name, c.uniqueName, names.RequestFlags(flags)&(names.AllowReplacement|names.ReplaceExisting|names.DoNotQueue))
	if err != nil {
		return newError(ErrorInvalidArgs, "%v", err)
	}
	if change != nil {
		b.emitOwnerChange(*change)
	}
	b.sendReply(c, msg, "u", uint32(reply))
	c.logger.Debug("name requested", "name", name, "flags", flags, "reply", reply.String())
	return nil
}

// holdsName reports whether c owns or is queued for name.
func (b *Bus) holdsName(c *Conn, name string) bool {
	owners, err := b.names.QueuedOwners(name)
	if err != nil {
		return false
	}
	for _, owner := range owners {
		if owner == c.uniqueName {
			return true
		}
	}
	return false
}

func (b *Bus) releaseName(c *Conn, msg *wire.Message, args []any) error {
	name := args[0].(string)
	if err := checkOwnable(name, "release"); err != nil {
		return err
	}
	b.signalMu.Lock()
	defer b.signalMu.Unlock()
	reply, change, err := b.names.ReleaseName(name, c.uniqueName)
	if err != nil {
		return newError(ErrorInvalidArgs, "%v", err)
	}
	if change != nil {
		b.emitOwnerChange(*change)
	}
	b.sendReply(c, msg, "u", uint32(reply))
	return nil
}

func (b *Bus) startServiceByName(c *Conn, msg *wire.Message, args []any) error {
	name := args[0].(string)
	if name == DriverName || b.names.HasOwner(name) {
		b.sendReply(c, msg, "u", startReplyAlreadyRunning)
		return nil
	}
	return newError(ErrorServiceUnknown, "The name %s was not provided by any .service files", name)
}

func (b *Bus) updateActivationEnvironment(c *Conn, msg *wire.Message, args []any) error {
	return newError(ErrorNotSupported, "This bus does not support service activation")
}

func (b *Bus) nameHasOwner(c *Conn, msg *wire.Message, args []any) error {
	name := args[0].(string)
	b.sendReply(c, msg, "b", name == DriverName || b.names.HasOwner(name))
	return nil
}

func (b *Bus) listNames(c *Conn, msg *wire.Message, args []any) error {
	b.sendReply(c, msg, "as", append([]string{DriverName}, b.names.ListNames()...))
	return nil
}

func (b *Bus) listActivatableNames(c *Conn, msg *wire.Message, args []any) error {
	b.sendReply(c, msg, "as", []string{DriverName})
	return nil
}

func (b *Bus) addMatch(c *Conn, msg *wire.Message, args []any) error {
	rule, err := match.Parse(args[0].(string))
	if err != nil {
		return newError(ErrorMatchRuleInvalid, "%v", err)
	}
	if b.matches.Count(c.uniqueName) >= b.limits.MaxMatchRulesPerConnection {
		return newError(ErrorLimitsExceeded,
			"Connection %q is not allowed to add more match rules (max_match_rules_per_connection=%d)",
			c.uniqueName, b.limits.MaxMatchRulesPerConnection)
	}
	b.matches.Add(c.uniqueName, rule)
	b.sendReply(c, msg, "")
	return nil
}

func (b *Bus) removeMatch(c *Conn, msg *wire.Message, args []any) error {
	rule, err := match.Parse(args[0].(string))
	if err != nil {
		return newError(ErrorMatchRuleInvalid, "%v", err)
	}
	if err := b.matches.Remove(c.uniqueName, rule); err != nil {
		return newError(ErrorMatchRuleNotFound, "The given match rule wasn't found and can't be removed")
	}
	b.sendReply(c, msg, "")
	return nil
}

func (b *Bus) getNameOwner(c *Conn, msg *wire.Message, args []any) error {
	name := args[0].(string)
	if name == DriverName {
		b.sendReply(c, msg, "s", DriverName)
		return nil
	}
	owner, ok := b.names.Resolve(name)
	if !ok {
		return newError(ErrorNameHasNoOwner, "Could not get owner of name '%s': no such name", name)
	}
	b.sendReply(c, msg, "s", owner)
	return nil
}

func (b *Bus) listQueuedOwners(c *Conn, msg *wire.Message, args []any) error {
	name := args[0].(string)
	if name == DriverName {
		b.sendReply(c, msg, "as", []string{DriverName})
		return nil
	}
	owners, err := b.names.QueuedOwners(name)
	if err != nil {
		return newError(ErrorNameHasNoOwner, "Could not get owners of name '%s': no such name", name)
	}
	b.sendReply(c, msg, "as", owners)
	return nil
}

// peerCredentials describes the connection that owns name. The bus
// reports its own process for DriverName.
type peerCredentials struct {
	uid     uint32
	haveUID bool
	pid     uint32
	havePID bool
	gids    []uint32
}

func (b *Bus) credentialsOf(name string) (peerCredentials, error) {
	if name == DriverName {
		return peerCredentials{
			uid:     b.ownerUID,
			haveUID: true,
			pid:     uint32(os.Getpid()),
			havePID: true,
		}, nil
	}
	target := b.resolve(name)
	if target == nil {
		return peerCredentials{}, newError(ErrorNameHasNoOwner,
			"Could not get credentials of name '%s': no such name", name)
	}
	creds := target.credentials
	if !creds.HaveUID && target.subject.HaveUID {
		// Authenticated by cookie over a transport without credentials.
		creds.UID, creds.HaveUID = target.subject.UID, true
	}
	return peerCredentials{
		uid:     creds.UID,
		haveUID: creds.HaveUID,
		pid:     creds.PID,
		havePID: creds.HavePID,
		gids:    creds.GIDs,
	}, nil
}

func (b *Bus) getConnectionUnixUser(c *Conn, msg *wire.Message, args []any) error {
	name := args[0].(string)
	creds, err := b.credentialsOf(name)
	if err != nil {
		return err
	}
	if !creds.haveUID {
		return newError(ErrorFailed, "Could not determine UID for '%s'", name)
	}
	b.sendReply(c, msg, "u", creds.uid)
	return nil
}

func (b *Bus) getConnectionUnixProcessID(c *Conn, msg *wire.Message, args []any) error {
	name := args[0].(string)
	creds, err := b.credentialsOf(name)
	if err != nil {
		return err
	}
	if !creds.havePID {
		return newError(ErrorUnixProcessIdUnknown, "Could not determine PID for '%s'", name)
	}
	b.sendReply(c, msg, "u", creds.pid)
	return nil
}

func (b *Bus) getConnectionCredentials(c *Conn, msg *wire.Message, args []any) error {
	creds, err := b.credentialsOf(args[0].(string))
	if err != nil {
		return err
	}
	result := map[string]wire.Variant{}
	if creds.haveUID {
		result["UnixUserID"] = wire.Variant{Signature: "u", Value: creds.uid}
	}
	if creds.havePID {
		result["ProcessID"] = wire.Variant{Signature: "u", Value: creds.pid}
	}
	if len(creds.gids) > 0 {
		result["UnixGroupIDs"] = wire.Variant{Signature: "au", Value: creds.gids}
	}
	b.sendReply(c, msg, "a{sv}", result)
	return nil
}

func (b *Bus) getAdtAuditSessionData(c *Conn, msg *wire.Message, args []any) error {
	name := args[0].(string)
	if _, err := b.credentialsOf(name); err != nil {
		return err
	}
	return newError(ErrorAdtAuditDataUnknown, "Could not determine audit session data for '%s'", name)
}

func (b *Bus) getConnectionSELinuxSecurityContext(c *Conn, msg *wire.Message, args []any) error {
	name := args[0].(string)
	if _, err := b.credentialsOf(name); err != nil {
		return err
	}
	return newError(ErrorSELinuxSecurityContextUnknown, "Could not determine security context for '%s'", name)
}

func (b *Bus) reloadConfig(c *Conn, msg *wire.Message, args []any) error {
	if !b.privileged(c) {
		return newError(ErrorAccessDenied, "Connection %q is not allowed to reload the configuration", c.uniqueName)
	}
	if b.reload != nil {
		ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
		defer cancel()
		if err := b.reload(ctx); err != nil {
			return newError(ErrorFailed, "Reloading configuration: %v", err)
		}
		c.logger.Info("configuration reloaded on request")
	}
	b.sendReply(c, msg, "")
	return nil
}

// privileged reports whether c runs as root or as the bus owner.
func (b *Bus) privileged(c *Conn) bool {
	return c.subject.HaveUID && (c.subject.UID == 0 || c.subject.UID == b.ownerUID)
}

func (b *Bus) getID(c *Conn, msg *wire.Message, args []any) error {
	b.sendReply(c, msg, "s", b.guid)
	return nil
}

// becomeMonitor turns c into a read-only observer. A monitor loses its
// match rules and well-known names and is closed if it sends anything
// afterwards.
func (b *Bus) becomeMonitor(c *Conn, msg *wire.Message, args []any) error {
	if !b.privileged(c) {
		return newError(ErrorAccessDenied, "Connection %q is not allowed to become a monitor", c.uniqueName)
	}
	if flags := args[1].(uint32); flags != 0 {
		return newError(ErrorInvalidArgs, "BecomeMonitor flags must be 0, got %d", flags)
	}
	texts := args[0].([]any)
	rules := make([]match.Rule, 0, len(texts))
	for _, text := range texts {
		rule, err := match.Parse(text.(string))
		if err != nil {
			return newError(ErrorMatchRuleInvalid, "%v", err)
		}
		rules = append(rules, rule)
	}

	b.sendReply(c, msg, "")

	b.signalMu.Lock()
	for _, change := range b.names.ReleaseAll(c.uniqueName) {
		b.emitOwnerChange(change)
	}
	b.signalMu.Unlock()

	b.matches.RemoveAll(c.uniqueName)
	b.matches.SetMonitor(c.uniqueName, rules)
	c.logger.Info("connection became a monitor", "rules", len(rules))
	return nil
}

func (b *Bus) ping(c *Conn, msg *wire.Message, args []any) error {
	b.sendReply(c, msg, "")
	return nil
}

func (b *Bus) getMachineID(c *Conn, msg *wire.Message, args []any) error {
	b.sendReply(c, msg, "s", b.machineID)
	return nil
}

func (b *Bus) introspect(c *Conn, msg *wire.Message, args []any) error {
	b.sendReply(c, msg, "s", introspectionXML(msg.Path))
	return nil
}

// driverProperties returns the properties of iface, or an error if the
// driver does not implement it.
func (b *Bus) driverProperties(iface string) (map[string]wire.Variant, error) {
	switch iface {
	case DriverInterface, "":
		return map[string]wire.Variant{
			"Features":   {Signature: "as", Value: []string{}},
			"Interfaces": {Signature: "as", Value: []string{MonitoringInterface}},
		}, nil
	case MonitoringInterface, PeerInterface, IntrospectableInterface, PropertiesInterface:
		return map[string]wire.Variant{}, nil
	}
	return nil, newError(ErrorUnknownInterface, "Interface %q does not exist on %s", iface, DriverName)
}

func (b *Bus) getProperty(c *Conn, msg *wire.Message, args []any) error {
	iface, name := args[0].(string), args[1].(string)
	properties, err := b.driverProperties(iface)
	if err != nil {
		return err
	}
	value, ok := properties[name]
	if !ok {
		return newError(ErrorUnknownProperty, "Property %q does not exist on interface %q", name, iface)
	}
	b.sendReply(c, msg, "v", value)
	return nil
}

func (b *Bus) getAllProperties(c *Conn, msg *wire.Message, args []any) error {
	properties, err := b.driverProperties(args[0].(string))
	if err != nil {
		return err
	}
	b.sendReply(c, msg, "a{sv}", properties)
	return nil
}

func (b *Bus) setProperty(c *Conn, msg *wire.Message, args []any) error {
	iface, name := args[0].(string), args[1].(string)
	properties, err := b.driverProperties(iface)
	if err != nil {
		return err
	}
	if _, ok := properties[name]; ok {
		return newError(ErrorPropertyReadOnly, "Property %q on interface %q is read-only", name, iface)
	}
	return newError(ErrorUnknownProperty, "Property %q does not exist on interface %q", name, iface)
}
