// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/busd/lib/metrics"
	"github.com/bureau-foundation/busd/lib/names"
	"github.com/bureau-foundation/busd/lib/policy"
	"github.com/bureau-foundation/busd/lib/wire"
)

// The bus driver's identity.
const (
	DriverName      = "org.freedesktop.DBus"
	DriverPath      = wire.ObjectPath("/org/freedesktop/DBus")
	DriverInterface = "org.freedesktop.DBus"
)

// envelope carries a message through routing and encodes it at most
// once, on the first delivery.
type envelope struct {
	msg     *wire.Message
	data    []byte
	err     error
	encoded bool
}

func (e *envelope) bytes() ([]byte, error) {
	if !e.encoded {
		e.encoded = true
		e.data, e.err = wire.Encode(e.msg)
	}
	return e.data, e.err
}

// recipients tracks which connections a message has already been
// offered to, so subscriptions and monitors never produce duplicates.
type recipients map[string]struct{}

func (r recipients) add(unique string) {
	r[unique] = struct{}{}
}

func (r recipients) has(unique string) bool {
	_, ok := r[unique]
	return ok
}

func isHello(msg *wire.Message) bool {
	return msg.Type == wire.TypeMethodCall &&
		msg.Destination == DriverName &&
		msg.Member == "Hello" &&
		(msg.Interface == "" || msg.Interface == DriverInterface)
}

// route handles one message read from c. A returned error closes c.
func (b *Bus) route(c *Conn, msg *wire.Message) error {
	msg.Sender = c.uniqueName
	if c.State() != StateActive && !isHello(msg) {
		return fmt.Errorf("%w: first message must be Hello, got %s", ErrProtocolViolation, msg)
	}
	if b.matches.IsMonitor(c.uniqueName) {
		return fmt.Errorf("%w: monitors may not send messages", ErrProtocolViolation)
	}
	if msg.UnixFDs != 0 {
		// Descriptor passing is refused during authentication.
		return fmt.Errorf("%w: message declares %d unix fds", ErrProtocolViolation, msg.UnixFDs)
	}
	b.routed.Add(1)
	b.metrics.MessageRouted(msg.Type.String())

	if msg.Destination == DriverName {
		return b.handleDriver(c, msg)
	}
	switch msg.Type {
	case wire.TypeSignal:
		b.dispatchSignal(c, msg)
	case wire.TypeMethodCall:
		b.routeCall(c, msg)
	default:
		b.routeReply(c, msg)
	}
	return nil
}

func (b *Bus) routeCall(c *Conn, msg *wire.Message) {
	env := &envelope{msg: msg}
	offered := make(recipients)
	defer b.observe(env, offered)

	target := b.resolve(msg.Destination)
	if target == nil {
		b.drop(metrics.DropNoDestination, msg)
		if msg.Destination == "" {
			b.replyError(c, msg, ErrorServiceUnknown, "Method call has no destination")
		} else {
			b.replyError(c, msg, ErrorServiceUnknown,
				"The name %s was not provided by any .service files", msg.Destination)
		}
		return
	}
	offered.add(target.uniqueName)

	if denied := b.checkPolicy(c, target, msg, false, false); denied != nil {
		b.drop(metrics.DropPolicy, msg)
		b.replyError(c, msg, ErrorAccessDenied,
			"Rejected %s", describeDenial(denied, msg))
		return
	}
	if msg.ExpectsReply() &&
		!b.replies.expect(c.uniqueName, msg.Serial, target.uniqueName, b.limits.MaxPendingReplies) {
		b.drop(metrics.DropPolicy, msg)
		b.replyError(c, msg, ErrorLimitsExceeded,
			"The maximum number of pending replies for %q (%d) has been reached",
			c.uniqueName, b.limits.MaxPendingReplies)
		return
	}
	if err := b.transmit(target, env, true); err != nil {
		if msg.ExpectsReply() {
			b.replies.cancel(c.uniqueName, msg.Serial, target.uniqueName)
			b.replyError(c, msg, ErrorServiceUnknown,
				"The name %s disconnected before the message could be delivered", msg.Destination)
		}
	}
}

func (b *Bus) routeReply(c *Conn, msg *wire.Message) {
	env := &envelope{msg: msg}
	offered := make(recipients)
	defer b.observe(env, offered)

	target := b.resolve(msg.Destination)
	if target == nil {
		b.drop(metrics.DropNoDestination, msg)
		return
	}
	if !b.replies.fulfil(target.uniqueName, msg.ReplySerial, c.uniqueName) {
		b.drop(metrics.DropUnexpectedReply, msg)
		c.logger.Debug("dropping reply to a call that is not pending", "message", msg.String())
		return
	}
	offered.add(target.uniqueName)
	if denied := b.checkPolicy(c, target, msg, true, false); denied != nil {
		b.drop(metrics.DropPolicy, msg)
		return
	}
	b.transmit(target, env, true)
}

// dispatchSignal delivers a signal to its destination, if it has one,
// and to every connection with a matching rule. A nil sender is the bus
// itself.
func (b *Bus) dispatchSignal(sender *Conn, msg *wire.Message) {
	env := &envelope{msg: msg}
	offered := make(recipients)
	defer b.observe(env, offered)

	var addressee string
	if msg.Destination != "" {
		target := b.resolve(msg.Destination)
		if target == nil {
			b.drop(metrics.DropNoDestination, msg)
		} else {
			addressee = target.uniqueName
			offered.add(addressee)
			b.deliver(sender, target, env, false, false)
		}
	}
	for owner := range b.matches.Subscribers(msg, b.names) {
		if offered.has(owner) {
			continue
		}
		offered.add(owner)
		target := b.lookup(owner)
		if target == nil {
			continue
		}
		eavesdrop := msg.Destination != "" && owner != addressee
		b.deliver(sender, target, env, false, eavesdrop)
	}
}

// deliver checks policy and queues the message for target.
func (b *Bus) deliver(sender, target *Conn, env *envelope, requestedReply, eavesdrop bool) bool {
	if denied := b.checkPolicy(sender, target, env.msg, requestedReply, eavesdrop); denied != nil {
		b.drop(metrics.DropPolicy, env.msg)
		return false
	}
	return b.transmit(target, env, sender != nil) == nil
}

// transmit queues an already-authorized message for target. wait
// selects the client-routed queueing behaviour.
func (b *Bus) transmit(target *Conn, env *envelope, wait bool) error {
	data, err := env.bytes()
	if err != nil {
		b.logger.Error("encoding message for delivery", "message", env.msg.String(), "error", err)
		b.drop(metrics.DropClosed, env.msg)
		return err
	}
	if err := target.enqueue(data, wait); err != nil {
		if errors.Is(err, ErrResourceExhausted) {
			b.drop(metrics.DropQueueFull, env.msg)
		} else {
			b.drop(metrics.DropClosed, env.msg)
		}
		return err
	}
	return nil
}

// checkPolicy evaluates the sender's send rules and the target's
// receive rules. It returns nil when both allow, or the query that was
// denied. A nil sender is the bus, whose sends are not policed.
func (b *Bus) checkPolicy(sender, target *Conn, msg *wire.Message, requestedReply, eavesdrop bool) *policy.Query {
	if sender != nil {
		send := policy.MessageQuery(policy.Send, sender.subject, msg, requestedReply, b.peerNames(target))
		if !b.allowed(send) {
			return &send
		}
	}
	receive := policy.MessageQuery(policy.Receive, target.subject, msg, requestedReply, b.peerNames(sender))
	receive.Eavesdrop = eavesdrop
	if !b.allowed(receive) {
		return &receive
	}
	return nil
}

func describeDenial(denied *policy.Query, msg *wire.Message) string {
	who := "anonymous connection"
	if denied.Subject.HaveUID {
		who = fmt.Sprintf("uid %d", denied.Subject.UID)
	}
	if denied.Direction == policy.Send {
		return fmt.Sprintf("send message, %s may not send %s", who, msg)
	}
	return fmt.Sprintf("receive message, %s may not receive %s", who, msg)
}

func (b *Bus) allowed(query policy.Query) bool {
	result := b.policy.Decide(query)
	if result.Decision == policy.Allow {
		return true
	}
	b.metrics.PolicyDenied(query.Direction.String())
	rule := "default"
	if result.Rule != nil {
		rule = result.Rule.String()
	}
	b.logger.Debug("policy denied",
		"direction", query.Direction.String(),
		"uid", query.Subject.UID,
		"member", query.Member,
		"name", query.Name,
		"rule", rule,
	)
	return false
}

// observe offers a routed message to every monitor that has not already
// received it.
func (b *Bus) observe(env *envelope, offered recipients) {
	var senderNames []string
	for owner := range b.matches.Monitors(env.msg, b.names) {
		if offered != nil && offered.has(owner) {
			continue
		}
		monitor := b.lookup(owner)
		if monitor == nil {
			continue
		}
		if senderNames == nil {
			senderNames = b.senderNames(env.msg)
		}
		query := policy.MessageQuery(policy.Receive, monitor.subject, env.msg, false, senderNames)
		query.Eavesdrop = true
		if !b.allowed(query) {
			continue
		}
		b.transmit(monitor, env, false)
	}
}

func (b *Bus) senderNames(msg *wire.Message) []string {
	if msg.Sender == DriverName {
		return []string{DriverName}
	}
	if sender := b.lookup(msg.Sender); sender != nil {
		return b.peerNames(sender)
	}
	return []string{msg.Sender}
}

func (b *Bus) drop(reason string, msg *wire.Message) {
	b.dropped.Add(1)
	b.metrics.MessageDropped(reason)
	if b.logger.Enabled(context.Background(), slog.LevelDebug) {
		b.logger.Debug("message dropped", "reason", reason, "message", msg.String())
	}
}

// driverMessage starts a message originated by the bus.
func (b *Bus) driverMessage(messageType wire.Type) *wire.Message {
	return &wire.Message{
		Order:  wire.LittleEndian,
		Type:   messageType,
		Serial: b.nextSerial(),
		Sender: DriverName,
	}
}

// sendReply answers call on behalf of the bus driver, if the caller
// wants a reply.
func (b *Bus) sendReply(c *Conn, call *wire.Message, signature wire.Signature, values ...any) {
	if !call.ExpectsReply() {
		return
	}
	body, err := wire.EncodeBody(wire.LittleEndian, signature, values...)
	if err != nil {
		b.logger.Error("encoding driver reply", "member", call.Member, "error", err)
		return
	}
	msg := b.driverMessage(wire.TypeMethodReturn)
	msg.ReplySerial = call.Serial
	msg.Destination = c.uniqueName
	msg.Signature = signature
	msg.Body = body
	b.sendFromBus(c, msg)
}

// replyError sends an error reply to call, if the caller wants a reply.
func (b *Bus) replyError(c *Conn, call *wire.Message, name, format string, args ...any) {
	if !call.ExpectsReply() {
		return
	}
	b.sendError(c, call.Serial, name, fmt.Sprintf(format, args...))
}

func (b *Bus) sendError(c *Conn, replySerial uint32, name, text string) {
	body, err := wire.EncodeBody(wire.LittleEndian, "s", text)
	if err != nil {
		b.logger.Error("encoding error reply", "error_name", name, "error", err)
		return
	}
	msg := b.driverMessage(wire.TypeError)
	msg.ReplySerial = replySerial
	msg.ErrorName = name
	msg.Destination = c.uniqueName
	msg.Signature = "s"
	msg.Body = body
	b.sendFromBus(c, msg)
}

// sendFromBus delivers a bus reply. Replies the bus sends are always
// requested, so only the receiver's policy is consulted.
func (b *Bus) sendFromBus(target *Conn, msg *wire.Message) {
	env := &envelope{msg: msg}
	offered := make(recipients)
	offered.add(target.uniqueName)
	b.deliver(nil, target, env, true, false)
	b.observe(env, offered)
}

// emitSignal sends a signal from the bus driver. An empty destination
// broadcasts it to subscribers.
func (b *Bus) emitSignal(destination, member string, signature wire.Signature, values ...any) {
	body, err := wire.EncodeBody(wire.LittleEndian, signature, values...)
	if err != nil {
		b.logger.Error("encoding driver signal", "member", member, "error", err)
		return
	}
	msg := b.driverMessage(wire.TypeSignal)
	msg.Path = DriverPath
	msg.Interface = DriverInterface
	msg.Member = member
	msg.Destination = destination
	msg.Signature = signature
	msg.Body = body
	b.dispatchSignal(nil, msg)
}

// emitOwnerChange announces a committed ownership change. Callers hold
// signalMu.
func (b *Bus) emitOwnerChange(change names.OwnerChange) {
	b.emitSignal("", "NameOwnerChanged", "sss", change.Name, change.OldOwner, change.NewOwner)
	if change.OldOwner != "" && b.lookup(change.OldOwner) != nil {
		b.emitSignal(change.OldOwner, "NameLost", "s", change.Name)
	}
	if change.NewOwner != "" {
		b.emitSignal(change.NewOwner, "NameAcquired", "s", change.Name)
	}
}
