// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"bufio"
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/busd/lib/policy"
	"github.com/bureau-foundation/busd/lib/testutil"
	"github.com/bureau-foundation/busd/lib/transport"
	"github.com/bureau-foundation/busd/lib/wire"
)

const (
	testGUID    = "0123456789abcdef0123456789abcdef"
	testUID     = 1000
	testTimeout = 5 * time.Second
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestBus creates a bus with session defaults for testUID. configure
// may adjust the options before the bus is built.
func newTestBus(t *testing.T, configure func(*Options)) *Bus {
	t.Helper()
	engine, err := policy.NewEngine(policy.SessionDefaults(testUID))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	options := Options{
		GUID:     testGUID,
		Policy:   engine,
		OwnerUID: testUID,
		Logger:   testLogger(),
	}
	if configure != nil {
		configure(&options)
	}
	b, err := New(options)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func credentialsFor(uid, pid uint32) transport.Credentials {
	return transport.Credentials{
		UID:     uid,
		HaveUID: true,
		PID:     pid,
		HavePID: true,
		GIDs:    []uint32{uid},
	}
}

// testClient speaks the wire protocol directly, over one end of a
// net.Pipe whose other end is served by the bus.
type testClient struct {
	t        *testing.T
	conn     net.Conn
	reader   *bufio.Reader
	incoming chan *wire.Message
	backlog  []*wire.Message
	serial   uint32
	unique   string

	cancel   context.CancelFunc
	done     chan struct{}
	serveErr error
}

var nextTestPID uint32 = 100

// dialRaw opens a connection to b without authenticating.
func dialRaw(t *testing.T, b *Bus, credentials transport.Credentials) *testClient {
	t.Helper()
	clientEnd, serverEnd := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	c := &testClient{
		t:        t,
		conn:     clientEnd,
		reader:   bufio.NewReader(clientEnd),
		incoming: make(chan *wire.Message, 256),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go func() {
		c.serveErr = b.ServeConn(ctx, serverEnd, credentials)
		close(c.done)
	}()
	t.Cleanup(func() {
		clientEnd.Close()
		cancel()
		testutil.RequireClosed(t, c.done, testTimeout, "ServeConn did not return")
	})
	return c
}

// authenticate runs the EXTERNAL handshake for uid and starts reading
// messages.
func (c *testClient) authenticate(uid uint32) {
	c.t.Helper()
	claim := hex.EncodeToString([]byte(strconv.FormatUint(uint64(uid), 10)))
	c.write([]byte("\x00AUTH EXTERNAL " + claim + "\r\n"))
	line, err := c.reader.ReadString('\n')
	if err != nil {
		c.t.Fatalf("reading handshake response: %v", err)
	}
	if line != "OK "+testGUID+"\r\n" {
		c.t.Fatalf("handshake response = %q, want OK %s", line, testGUID)
	}
	c.write([]byte("BEGIN\r\n"))
	go c.readMessages()
}

// readLine reads one handshake response without its CRLF.
func (c *testClient) readLine() string {
	c.t.Helper()
	line, err := c.reader.ReadString('\n')
	if err != nil {
		c.t.Fatalf("reading handshake response: %v", err)
	}
	return strings.TrimSuffix(line, "\r\n")
}

func (c *testClient) readMessages() {
	defer close(c.incoming)
	header := make([]byte, 16)
	for {
		if _, err := io.ReadFull(c.reader, header); err != nil {
			return
		}
		length, err := wire.FrameLength(header)
		if err != nil {
			return
		}
		buf := make([]byte, length)
		copy(buf, header)
		if _, err := io.ReadFull(c.reader, buf[len(header):]); err != nil {
			return
		}
		msg, _, err := wire.Decode(buf)
		if err != nil {
			return
		}
		c.incoming <- msg
	}
}

func (c *testClient) write(data []byte) {
	c.t.Helper()
	if _, err := c.conn.Write(data); err != nil {
		c.t.Fatalf("writing to bus: %v", err)
	}
}

// connect authenticates and registers a client with Hello.
func connect(t *testing.T, b *Bus) *testClient {
	t.Helper()
	nextTestPID++
	return connectAs(t, b, credentialsFor(testUID, nextTestPID))
}

func connectAs(t *testing.T, b *Bus, credentials transport.Credentials) *testClient {
	t.Helper()
	c := dialRaw(t, b, credentials)
	c.authenticate(credentials.UID)
	args := c.mustCallDriver("Hello", "")
	c.unique = args[0].(string)
	acquired := c.expectSignal("NameAcquired")
	if name := c.decode(acquired)[0]; name != c.unique {
		t.Fatalf("NameAcquired(%q) after Hello, want %q", name, c.unique)
	}
	return c
}

// send assigns the next serial to msg and writes it.
func (c *testClient) send(msg *wire.Message) uint32 {
	c.t.Helper()
	c.serial++
	msg.Serial = c.serial
	data, err := wire.Encode(msg)
	if err != nil {
		c.t.Fatalf("encoding %s: %v", msg, err)
	}
	c.write(data)
	return msg.Serial
}

func (c *testClient) body(sig wire.Signature, args ...any) []byte {
	c.t.Helper()
	if sig == "" {
		return nil
	}
	body, err := wire.EncodeBody(wire.LittleEndian, sig, args...)
	if err != nil {
		c.t.Fatalf("encoding body %q: %v", sig, err)
	}
	return body
}

func (c *testClient) decode(msg *wire.Message) []any {
	c.t.Helper()
	args, err := wire.DecodeBody(msg.Order, msg.Signature, msg.Body)
	if err != nil {
		c.t.Fatalf("decoding body of %s: %v", msg, err)
	}
	return args
}

// call sends a method call and returns its reply or error. Other
// messages received meanwhile are kept for receive.
func (c *testClient) call(destination string, path wire.ObjectPath, iface, member string, sig wire.Signature, args ...any) *wire.Message {
	c.t.Helper()
	serial := c.send(&wire.Message{
		Type:        wire.TypeMethodCall,
		Path:        path,
		Interface:   iface,
		Member:      member,
		Destination: destination,
		Signature:   sig,
		Body:        c.body(sig, args...),
	})
	for {
		msg := testutil.RequireReceive(c.t, c.incoming, testTimeout, "waiting for reply to %s", member)
		if (msg.Type == wire.TypeMethodReturn || msg.Type == wire.TypeError) && msg.ReplySerial == serial {
			return msg
		}
		c.backlog = append(c.backlog, msg)
	}
}

func (c *testClient) callDriver(member string, sig wire.Signature, args ...any) *wire.Message {
	c.t.Helper()
	return c.call(DriverName, DriverPath, DriverInterface, member, sig, args...)
}

// mustCallDriver calls a driver method and returns the decoded reply.
func (c *testClient) mustCallDriver(member string, sig wire.Signature, args ...any) []any {
	c.t.Helper()
	reply := c.callDriver(member, sig, args...)
	if reply.Type == wire.TypeError {
		c.t.Fatalf("%s: %s %v", member, reply.ErrorName, c.decode(reply))
	}
	return c.decode(reply)
}

// driverError calls a driver method that must fail and returns the
// error name.
func (c *testClient) driverError(member string, sig wire.Signature, args ...any) string {
	c.t.Helper()
	reply := c.callDriver(member, sig, args...)
	if reply.Type != wire.TypeError {
		c.t.Fatalf("%s succeeded with %v, want an error", member, c.decode(reply))
	}
	return reply.ErrorName
}

// becomeMonitor calls Monitoring.BecomeMonitor and returns the reply.
func (c *testClient) becomeMonitor(rules []string, flags uint32) *wire.Message {
	c.t.Helper()
	return c.call(DriverName, DriverPath, MonitoringInterface, "BecomeMonitor", "asu", rules, flags)
}

func (c *testClient) requestName(name string, flags uint32) uint32 {
	c.t.Helper()
	return c.mustCallDriver("RequestName", "su", name, flags)[0].(uint32)
}

func (c *testClient) addMatch(rule string) {
	c.t.Helper()
	c.mustCallDriver("AddMatch", "s", rule)
}

// receive returns the next message not consumed by call.
func (c *testClient) receive() *wire.Message {
	c.t.Helper()
	if len(c.backlog) > 0 {
		msg := c.backlog[0]
		c.backlog = c.backlog[1:]
		return msg
	}
	return testutil.RequireReceive(c.t, c.incoming, testTimeout, "waiting for a message")
}

func (c *testClient) expectSignal(member string) *wire.Message {
	c.t.Helper()
	msg := c.receive()
	if msg.Type != wire.TypeSignal || msg.Member != member {
		c.t.Fatalf("received %s, want signal %s", msg, member)
	}
	return msg
}

// expectQuiet fails if anything was delivered to c before a round trip
// to the bus completes. Routing is synchronous in the sender, so every
// message caused by an earlier completed call is queued by then.
func (c *testClient) expectQuiet() {
	c.t.Helper()
	reply := c.call(DriverName, DriverPath, PeerInterface, "Ping", "")
	if reply.Type != wire.TypeMethodReturn {
		c.t.Fatalf("Ping failed: %s", reply.ErrorName)
	}
	if len(c.backlog) > 0 {
		descriptions := make([]string, len(c.backlog))
		for i, msg := range c.backlog {
			descriptions[i] = msg.String()
		}
		c.t.Fatalf("unexpected messages: %s", strings.Join(descriptions, "; "))
	}
}

// close disconnects the client and waits for the bus to finish tearing
// the connection down.
func (c *testClient) close() {
	c.t.Helper()
	c.conn.Close()
	testutil.RequireClosed(c.t, c.done, testTimeout, "ServeConn did not return")
}

// cancelServe cancels the context ServeConn runs under.
func (c *testClient) cancelServe() {
	c.cancel()
}

// waitClosed waits for the bus to close the connection from its side
// and returns what ServeConn returned.
func (c *testClient) waitClosed() error {
	c.t.Helper()
	testutil.RequireClosed(c.t, c.done, testTimeout, "bus did not close the connection")
	return c.serveErr
}
