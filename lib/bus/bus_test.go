// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/bureau-foundation/busd/lib/auth"
	"github.com/bureau-foundation/busd/lib/clock"
	"github.com/bureau-foundation/busd/lib/policy"
	"github.com/bureau-foundation/busd/lib/transport"
	"github.com/bureau-foundation/busd/lib/wire"
)

func TestNewValidatesOptions(t *testing.T) {
	engine, err := policy.NewEngine(nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if _, err := New(Options{GUID: "not-a-guid", Policy: engine}); err == nil {
		t.Error("New accepted a malformed GUID")
	}
	if _, err := New(Options{GUID: strings.ToUpper(testGUID), Policy: engine}); err == nil {
		t.Error("New accepted an upper-case GUID")
	}
	if _, err := New(Options{GUID: testGUID}); err == nil {
		t.Error("New accepted options without a policy")
	}
}

func TestNewOffersAnonymousOnlyWhenAllowed(t *testing.T) {
	b := newTestBus(t, func(o *Options) {
		o.Mechanisms = []auth.Mechanism{auth.External, auth.Anonymous}
	})
	for _, m := range b.mechanisms {
		if m == auth.Anonymous {
			t.Errorf("mechanisms = %v, ANONYMOUS offered without AllowAnonymous", b.mechanisms)
		}
	}

	b = newTestBus(t, func(o *Options) { o.AllowAnonymous = true })
	if len(b.mechanisms) != 2 || b.mechanisms[0] != auth.External || b.mechanisms[1] != auth.Anonymous {
		t.Errorf("mechanisms = %v, want [EXTERNAL ANONYMOUS]", b.mechanisms)
	}
}

func TestNewOffersCookieOnlyWithKeyring(t *testing.T) {
	b := newTestBus(t, func(o *Options) {
		o.Mechanisms = []auth.Mechanism{auth.External, auth.CookieSHA1}
	})
	if len(b.mechanisms) != 1 || b.mechanisms[0] != auth.External {
		t.Errorf("mechanisms = %v, want [EXTERNAL] without a keyring", b.mechanisms)
	}

	keyring := auth.NewKeyring(t.TempDir()+"/keyrings", "tester", testUID, nil)
	b = newTestBus(t, func(o *Options) {
		o.Mechanisms = []auth.Mechanism{auth.External, auth.CookieSHA1}
		o.Keyring = keyring
	})
	if len(b.mechanisms) != 2 || b.mechanisms[1] != auth.CookieSHA1 {
		t.Errorf("mechanisms = %v, want [EXTERNAL DBUS_COOKIE_SHA1]", b.mechanisms)
	}
}

// TCP peers carry no credentials; the cookie exchange supplies the uid.
func TestCookieConnectionWithoutTransportCredentials(t *testing.T) {
	keyring := auth.NewKeyring(t.TempDir()+"/keyrings", "tester", testUID, nil)
	b := newTestBus(t, func(o *Options) {
		o.Mechanisms = []auth.Mechanism{auth.External, auth.CookieSHA1}
		o.Keyring = keyring
	})
	c := dialRaw(t, b, transport.Credentials{})

	c.write([]byte("\x00AUTH EXTERNAL\r\n"))
	if line := c.readLine(); line != "DATA" {
		t.Fatalf("response = %q, want DATA", line)
	}
	c.write([]byte("DATA\r\n"))
	if line := c.readLine(); line != "REJECTED EXTERNAL DBUS_COOKIE_SHA1" {
		t.Fatalf("EXTERNAL without credentials = %q, want REJECTED", line)
	}

	c.write([]byte("AUTH DBUS_COOKIE_SHA1 " + hex.EncodeToString([]byte("tester")) + "\r\n"))
	payload, ok := strings.CutPrefix(c.readLine(), "DATA ")
	if !ok {
		t.Fatal("expected a cookie challenge")
	}
	decoded, err := hex.DecodeString(payload)
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	fields := strings.Fields(string(decoded))
	if len(fields) != 3 || fields[0] != auth.CookieContext {
		t.Fatalf("challenge = %q", decoded)
	}
	cookie, err := keyring.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if strconv.FormatUint(uint64(cookie.ID), 10) != fields[1] {
		t.Fatalf("challenge names cookie %s, keyring holds %d", fields[1], cookie.ID)
	}
	sum := sha1.Sum([]byte(fields[2] + ":deadbeef:" + cookie.Secret))
	response := "deadbeef " + hex.EncodeToString(sum[:])
	c.write([]byte("DATA " + hex.EncodeToString([]byte(response)) + "\r\n"))
	if line := c.readLine(); line != "OK "+testGUID {
		t.Fatalf("response = %q, want OK", line)
	}
	c.write([]byte("BEGIN\r\n"))
	go c.readMessages()

	c.unique = c.mustCallDriver("Hello", "")[0].(string)
	c.expectSignal("NameAcquired")
	uid := c.mustCallDriver("GetConnectionUnixUser", "s", c.unique)[0].(uint32)
	if uid != testUID {
		t.Errorf("GetConnectionUnixUser = %d, want the keyring owner %d", uid, testUID)
	}
}

func TestHelloAssignsSequentialUniqueNames(t *testing.T) {
	b := newTestBus(t, nil)
	first := connect(t, b)
	second := connect(t, b)
	if first.unique != ":1.1" || second.unique != ":1.2" {
		t.Errorf("unique names = %q, %q; want :1.1, :1.2", first.unique, second.unique)
	}

	owner := first.mustCallDriver("GetNameOwner", "s", second.unique)[0]
	if owner != second.unique {
		t.Errorf("GetNameOwner(%s) = %v", second.unique, owner)
	}
	if status := b.Status(); status.Active != 2 || status.Connections != 2 {
		t.Errorf("Status = %+v, want 2 active connections", status)
	}
}

func TestHelloSignalsOrder(t *testing.T) {
	b := newTestBus(t, nil)
	watcher := connect(t, b)
	watcher.addMatch("type='signal',member='NameOwnerChanged'")

	newcomer := connect(t, b)
	changed := watcher.expectSignal("NameOwnerChanged")
	if changed.Sender != DriverName || changed.Path != DriverPath || changed.Interface != DriverInterface {
		t.Errorf("NameOwnerChanged header = %s", changed)
	}
	args := watcher.decode(changed)
	if args[0] != newcomer.unique || args[1] != "" || args[2] != newcomer.unique {
		t.Errorf("NameOwnerChanged args = %v, want [%s \"\" %s]", args, newcomer.unique, newcomer.unique)
	}
	watcher.expectQuiet()
}

func TestFirstMessageMustBeHello(t *testing.T) {
	b := newTestBus(t, nil)
	c := dialRaw(t, b, credentialsFor(testUID, 1))
	c.authenticate(testUID)
	c.send(&wire.Message{
		Type:        wire.TypeMethodCall,
		Path:        DriverPath,
		Interface:   DriverInterface,
		Member:      "ListNames",
		Destination: DriverName,
	})
	if err := c.waitClosed(); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("ServeConn = %v, want ErrProtocolViolation", err)
	}
}

func TestUnixFDsClosesConnection(t *testing.T) {
	b := newTestBus(t, nil)
	sender := connect(t, b)
	receiver := connect(t, b)
	sender.send(&wire.Message{
		Type:        wire.TypeMethodCall,
		Path:        "/com/example/Object",
		Member:      "TakeFile",
		Destination: receiver.unique,
		UnixFDs:     1,
	})
	if err := sender.waitClosed(); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("ServeConn = %v, want ErrProtocolViolation", err)
	}
	receiver.expectQuiet()
}

func TestDuplicateHelloClosesConnection(t *testing.T) {
	b := newTestBus(t, nil)
	c := connect(t, b)
	reply := c.callDriver("Hello", "")
	if reply.Type != wire.TypeError || reply.ErrorName != ErrorFailed {
		t.Errorf("second Hello reply = %s, want %s", reply, ErrorFailed)
	}
	if err := c.waitClosed(); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("ServeConn = %v, want ErrProtocolViolation", err)
	}
	if status := b.Status(); status.Connections != 0 {
		t.Errorf("Status.Connections = %d after close, want 0", status.Connections)
	}
}

func TestConnectPolicyRejects(t *testing.T) {
	b := newTestBus(t, nil)
	c := dialRaw(t, b, credentialsFor(2000, 1))
	claim := "\x00AUTH EXTERNAL 32303030\r\n"
	c.write([]byte(claim))
	line, err := c.reader.ReadString('\n')
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	if !strings.HasPrefix(line, "REJECTED") {
		t.Errorf("response for uid 2000 = %q, want REJECTED", line)
	}
	c.close()
	if status := b.Status(); status.Connections != 0 || status.Active != 0 {
		t.Errorf("Status = %+v after refused connection closed", status)
	}
}

func TestAuthTimeout(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := newTestBus(t, func(o *Options) {
		o.Clock = fake
		o.Limits.AuthTimeout = 10 * time.Second
	})
	c := dialRaw(t, b, credentialsFor(testUID, 1))
	fake.WaitForTimers(1)
	fake.Advance(10 * time.Second)
	if err := c.waitClosed(); !errors.Is(err, ErrAuthTimeout) {
		t.Errorf("ServeConn = %v, want ErrAuthTimeout", err)
	}
}

func TestAnonymousConnection(t *testing.T) {
	b := newTestBus(t, func(o *Options) { o.AllowAnonymous = true })
	c := dialRaw(t, b, credentialsFor(testUID, 1))
	c.write([]byte("\x00AUTH ANONYMOUS\r\n"))
	line, err := c.reader.ReadString('\n')
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	if line != "OK "+testGUID+"\r\n" {
		t.Fatalf("response = %q, want OK", line)
	}
	c.write([]byte("BEGIN\r\n"))
	go c.readMessages()
	unique := c.mustCallDriver("Hello", "")[0].(string)
	if !wire.IsUniqueName(unique) {
		t.Errorf("Hello = %q, want a unique name", unique)
	}
	c.unique = unique
	c.expectSignal("NameAcquired")

	// Anonymous peers carry no uid, so they can never monitor the bus.
	if reply := c.becomeMonitor([]string{}, 0); reply.ErrorName != ErrorAccessDenied {
		t.Errorf("BecomeMonitor as anonymous = %q, want AccessDenied", reply.ErrorName)
	}
}

func TestShutdownClosesConnections(t *testing.T) {
	b := newTestBus(t, nil)
	c := connect(t, b)
	c.cancelServe()
	if err := c.waitClosed(); !errors.Is(err, ErrShutdown) {
		t.Errorf("ServeConn = %v, want ErrShutdown", err)
	}
}

func TestPeersAndNames(t *testing.T) {
	b := newTestBus(t, nil)
	a := connect(t, b)
	a.requestName("com.example.Peers", 0)
	a.addMatch("type='signal'")

	peers := b.Peers()
	if len(peers) != 1 {
		t.Fatalf("Peers = %+v, want one", peers)
	}
	peer := peers[0]
	if peer.UniqueName != a.unique || peer.State != "active" || peer.Mechanism != "EXTERNAL" {
		t.Errorf("peer = %+v", peer)
	}
	if peer.UID == nil || *peer.UID != testUID {
		t.Errorf("peer.UID = %v, want %d", peer.UID, testUID)
	}
	if len(peer.Names) != 1 || peer.Names[0] != "com.example.Peers" || peer.MatchRules != 1 {
		t.Errorf("peer names/rules = %v/%d", peer.Names, peer.MatchRules)
	}

	names := b.Names()
	if len(names) != 1 || names[0].Name != "com.example.Peers" || names[0].Owner != a.unique {
		t.Errorf("Names = %+v", names)
	}
	if b.NameCount() != 1 {
		t.Errorf("NameCount = %d, want 1", b.NameCount())
	}
}

func TestCloseReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "eof"},
		{ErrShutdown, "shutdown"},
		{ErrAuthTimeout, "auth"},
		{auth.ErrRejected, "auth"},
		{wire.ErrMalformed, "malformed"},
		{ErrProtocolViolation, "protocol"},
		{ErrResourceExhausted, "resource"},
		{fmt.Errorf("writing: %w", syscall.EPIPE), "closed"},
		{&net.OpError{Op: "read", Err: syscall.ECONNRESET}, "closed"},
		{errors.New("something else"), "error"},
	}
	for _, test := range tests {
		if got := closeReason(test.err); got != test.want {
			t.Errorf("closeReason(%v) = %q, want %q", test.err, got, test.want)
		}
	}
}
