// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"bufio"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"
)

type handshakeOutcome struct {
	result Result
	err    error
}

// cookieClient drives the client side of a handshake over a pipe.
type cookieClient struct {
	t       *testing.T
	conn    net.Conn
	reader  *bufio.Reader
	outcome chan handshakeOutcome
}

func startCookieHandshake(t *testing.T, config Config) *cookieClient {
	t.Helper()
	if config.GUID == "" {
		config.GUID = testGUID
	}
	if config.Mechanisms == nil {
		config.Mechanisms = []Mechanism{External, CookieSHA1}
	}
	server, client := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	client.SetDeadline(time.Now().Add(5 * time.Second))

	outcome := make(chan handshakeOutcome, 1)
	go func() {
		result, err := Handshake(bufio.NewReader(server), server, config)
		server.Close()
		outcome <- handshakeOutcome{result, err}
	}()
	if _, err := client.Write([]byte{0}); err != nil {
		t.Fatalf("writing credentials byte: %v", err)
	}
	return &cookieClient{t: t, conn: client, reader: bufio.NewReader(client), outcome: outcome}
}

// exchange sends one command line and returns the server's reply.
func (c *cookieClient) exchange(line string) string {
	c.t.Helper()
	if _, err := io.WriteString(c.conn, line+"\r\n"); err != nil {
		c.t.Fatalf("writing %q: %v", line, err)
	}
	reply, err := c.reader.ReadString('\n')
	if err != nil {
		c.t.Fatalf("reading reply to %q: %v", line, err)
	}
	return strings.TrimSuffix(reply, "\r\n")
}

func (c *cookieClient) finish(line string) handshakeOutcome {
	c.t.Helper()
	if _, err := io.WriteString(c.conn, line+"\r\n"); err != nil {
		c.t.Fatalf("writing %q: %v", line, err)
	}
	return <-c.outcome
}

// parseChallenge decodes a "DATA <hex>" reply into its context, cookie
// id and server challenge.
func parseChallenge(t *testing.T, reply string) (string, uint32, string) {
	t.Helper()
	payload, ok := strings.CutPrefix(reply, "DATA ")
	if !ok {
		t.Fatalf("reply %q, want DATA with a challenge", reply)
	}
	decoded, err := hex.DecodeString(payload)
	if err != nil {
		t.Fatalf("challenge %q is not hex: %v", payload, err)
	}
	fields := strings.Fields(string(decoded))
	if len(fields) != 3 {
		t.Fatalf("challenge %q, want three fields", decoded)
	}
	id, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		t.Fatalf("cookie id %q: %v", fields[1], err)
	}
	return fields[0], uint32(id), fields[2]
}

func cookieResponse(serverChallenge, clientChallenge, secret string) string {
	sum := sha1.Sum([]byte(serverChallenge + ":" + clientChallenge + ":" + secret))
	return hex.EncodeToString([]byte(clientChallenge + " " + hex.EncodeToString(sum[:])))
}

func secretFor(t *testing.T, keyring *Keyring, id uint32) string {
	t.Helper()
	cookies, err := keyring.Sync()
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	for _, cookie := range cookies {
		if cookie.ID == id {
			return cookie.Secret
		}
	}
	t.Fatalf("cookie %d not in keyring", id)
	return ""
}

func TestHandshakeCookieSHA1(t *testing.T) {
	keyring, _ := newTestKeyring(t)
	var authorized Result
	client := startCookieHandshake(t, Config{
		Keyring: keyring,
		Authorize: func(result Result) error {
			authorized = result
			return nil
		},
	})

	reply := client.exchange("AUTH DBUS_COOKIE_SHA1 " + hex.EncodeToString([]byte("alice")))
	context, id, serverChallenge := parseChallenge(t, reply)
	if context != CookieContext {
		t.Errorf("context = %q, want %q", context, CookieContext)
	}
	secret := secretFor(t, keyring, id)

	reply = client.exchange("DATA " + cookieResponse(serverChallenge, "c1i3nt", secret))
	if reply != "OK "+testGUID {
		t.Fatalf("reply = %q, want OK", reply)
	}
	outcome := client.finish("BEGIN")
	if outcome.err != nil {
		t.Fatalf("Handshake: %v", outcome.err)
	}
	want := Result{Mechanism: CookieSHA1, UID: 1000, HaveUID: true}
	if outcome.result != want || authorized != want {
		t.Errorf("result = %+v, authorized = %+v, want %+v", outcome.result, authorized, want)
	}
}

func TestHandshakeCookieSHA1UsernameInData(t *testing.T) {
	keyring, _ := newTestKeyring(t)
	client := startCookieHandshake(t, Config{Keyring: keyring})

	if reply := client.exchange("AUTH DBUS_COOKIE_SHA1"); reply != "DATA" {
		t.Fatalf("reply = %q, want DATA", reply)
	}
	reply := client.exchange("DATA " + hex.EncodeToString([]byte("1000")))
	_, id, serverChallenge := parseChallenge(t, reply)

	reply = client.exchange("DATA " + cookieResponse(serverChallenge, "abc", secretFor(t, keyring, id)))
	if reply != "OK "+testGUID {
		t.Fatalf("reply = %q, want OK", reply)
	}
	if outcome := client.finish("BEGIN"); outcome.err != nil || outcome.result.Mechanism != CookieSHA1 {
		t.Errorf("outcome = %+v", outcome)
	}
}

func TestHandshakeCookieSHA1WrongDigest(t *testing.T) {
	keyring, _ := newTestKeyring(t)
	client := startCookieHandshake(t, Config{Keyring: keyring})

	reply := client.exchange("AUTH DBUS_COOKIE_SHA1 " + hex.EncodeToString([]byte("alice")))
	_, _, serverChallenge := parseChallenge(t, reply)
	reply = client.exchange("DATA " + cookieResponse(serverChallenge, "abc", strings.Repeat("00", cookieSecretSize)))
	if reply != "REJECTED EXTERNAL DBUS_COOKIE_SHA1" {
		t.Fatalf("reply = %q, want REJECTED", reply)
	}

	// A rejected exchange leaves no challenge behind for a later DATA.
	if reply := client.exchange("DATA " + cookieResponse(serverChallenge, "abc", "")); reply != "ERROR \"not expected in this state\"" {
		t.Errorf("DATA after rejection = %q", reply)
	}
}

func TestHandshakeCookieSHA1Refused(t *testing.T) {
	keyring, _ := newTestKeyring(t)
	alice := hex.EncodeToString([]byte("alice"))
	tests := []struct {
		name   string
		input  string
		config Config
	}{
		{
			name:   "unknown user",
			input:  "\x00AUTH DBUS_COOKIE_SHA1 " + hex.EncodeToString([]byte("bob")) + "\r\n",
			config: Config{Keyring: keyring},
		},
		{
			name:   "username not hex",
			input:  "\x00AUTH DBUS_COOKIE_SHA1 alice\r\n",
			config: Config{Keyring: keyring},
		},
		{
			name:   "transport uid differs from keyring owner",
			input:  "\x00AUTH DBUS_COOKIE_SHA1 " + alice + "\r\n",
			config: Config{Keyring: keyring, UID: 2000, HaveUID: true},
		},
		{
			name:   "no keyring",
			input:  "\x00AUTH DBUS_COOKIE_SHA1 " + alice + "\r\n",
			config: Config{},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			test.config.Mechanisms = []Mechanism{CookieSHA1}
			_, lines, _, err := runHandshake(t, test.input, test.config)
			if err == nil || errors.Is(err, ErrUnauthorized) {
				t.Fatalf("err = %v, want the handshake to end at EOF", err)
			}
			if len(lines) != 1 || lines[0] != "REJECTED DBUS_COOKIE_SHA1" {
				t.Errorf("responses = %q, want [REJECTED DBUS_COOKIE_SHA1]", lines)
			}
		})
	}
}
