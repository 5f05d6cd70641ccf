// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Mechanism names a SASL mechanism.
type Mechanism string

const (
	External   Mechanism = "EXTERNAL"
	Anonymous  Mechanism = "ANONYMOUS"
	CookieSHA1 Mechanism = "DBUS_COOKIE_SHA1"
)

// Defaults for Config fields left at zero.
const (
	DefaultMaxAttempts   = 3
	DefaultMaxLineLength = 16 * 1024
	maxCommands          = 64
)

var (
	// ErrRejected means the client exhausted its authentication attempts.
	ErrRejected = errors.New("auth: too many rejected attempts")

	// ErrProtocol means the client sent input that is not a valid
	// handshake.
	ErrProtocol = errors.New("auth: protocol error")

	// ErrUnauthorized is returned when Config.Authorize refuses a peer
	// that otherwise authenticated.
	ErrUnauthorized = errors.New("auth: connection not authorized")
)

// Config parameterizes one handshake.
type Config struct {
	// GUID is echoed in the OK response.
	GUID string

	// Mechanisms lists the accepted mechanisms in the order advertised
	// by REJECTED.
	Mechanisms []Mechanism

	// UID is the peer uid captured from the transport. Only meaningful
	// when HaveUID is set; EXTERNAL always fails otherwise.
	UID     uint32
	HaveUID bool

	// Keyring holds the DBUS_COOKIE_SHA1 secrets. The mechanism is
	// refused when it is nil.
	Keyring *Keyring

	MaxAttempts   int
	MaxLineLength int

	// Authorize, if set, runs after a mechanism succeeds and before OK
	// is sent. An error ends the handshake with REJECTED.
	Authorize func(Result) error
}

// Result describes a completed handshake.
type Result struct {
	Mechanism Mechanism

	// UID is the authenticated uid: the transport uid for EXTERNAL,
	// the keyring owner for DBUS_COOKIE_SHA1. Unset for ANONYMOUS.
	UID     uint32
	HaveUID bool
}

type state int

const (
	waitingForAuth state = iota
	waitingForData
	waitingForBegin
)

type session struct {
	config    Config
	reader    *bufio.Reader
	writer    io.Writer
	state    state
	attempts int
	result   Result

	// pending is the mechanism waiting for DATA. For DBUS_COOKIE_SHA1,
	// challenge and secret are set once the server challenge is sent.
	pending   Mechanism
	challenge string
	secret    string
}

// Handshake runs the server side of the SASL exchange. It returns when
// the client sends BEGIN after a successful authentication, or with an
// error wrapping ErrRejected, ErrProtocol, or the underlying I/O error.
func Handshake(reader *bufio.Reader, writer io.Writer, config Config) (Result, error) {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.MaxLineLength <= 0 {
		config.MaxLineLength = DefaultMaxLineLength
	}
	s := &session{config: config, reader: reader, writer: writer}

	nul, err := reader.ReadByte()
	if err != nil {
		return Result{}, fmt.Errorf("reading credentials byte: %w", err)
	}
	if nul != 0 {
		return Result{}, fmt.Errorf("%w: first byte is %#x, want NUL", ErrProtocol, nul)
	}

	for range maxCommands {
		line, err := s.readLine()
		if err != nil {
			return Result{}, err
		}
		command, argument, _ := strings.Cut(line, " ")
		done, err := s.handle(command, argument)
		if err != nil {
			return Result{}, err
		}
		if done {
			return s.result, nil
		}
	}
	return Result{}, fmt.Errorf("%w: more than %d handshake commands", ErrProtocol, maxCommands)
}

func (s *session) handle(command, argument string) (bool, error) {
	switch s.state {
	case waitingForAuth:
		switch command {
		case "AUTH":
			return false, s.auth(argument)
		case "CANCEL", "ERROR":
			return false, s.reject()
		case "BEGIN", "DATA", "NEGOTIATE_UNIX_FD":
			return false, s.send("ERROR \"not expected in this state\"")
		}
	case waitingForData:
		switch command {
		case "DATA":
			return false, s.data(argument)
		default:
			return false, s.fail()
		}
	case waitingForBegin:
		switch command {
		case "BEGIN":
			return true, nil
		case "CANCEL", "ERROR":
			return false, s.fail()
		case "NEGOTIATE_UNIX_FD":
			return false, s.send("ERROR \"file descriptor passing is not supported\"")
		}
	}
	return false, s.send("ERROR \"unknown command\"")
}

func (s *session) auth(argument string) error {
	if argument == "" {
		return s.rejectWithoutAttempt()
	}
	name, initial, hasInitial := strings.Cut(argument, " ")
	mechanism := Mechanism(name)
	if !s.supports(mechanism) {
		return s.reject()
	}
	switch mechanism {
	case External, CookieSHA1:
		if !hasInitial {
			s.pending = mechanism
			s.state = waitingForData
			return s.send("DATA")
		}
		if mechanism == CookieSHA1 {
			return s.cookieUser(initial)
		}
		return s.external(initial)
	case Anonymous:
		return s.accept(Result{Mechanism: Anonymous})
	}
	return s.reject()
}

func (s *session) data(argument string) error {
	switch {
	case s.pending == External:
		return s.external(argument)
	case s.pending == CookieSHA1 && s.challenge == "":
		return s.cookieUser(argument)
	case s.pending == CookieSHA1:
		return s.cookieResponse(argument)
	}
	return s.fail()
}

// external checks a hex-encoded uid claim against the transport uid.
// An empty claim defers to the transport.
func (s *session) external(claimHex string) error {
	if !s.config.HaveUID {
		return s.fail()
	}
	if claimHex != "" {
		claim, err := hex.DecodeString(claimHex)
		if err != nil {
			return s.fail()
		}
		uid, err := strconv.ParseUint(string(claim), 10, 32)
		if err != nil || uint32(uid) != s.config.UID {
			return s.fail()
		}
	}
	return s.accept(Result{Mechanism: External, UID: s.config.UID, HaveUID: true})
}

// cookieUser handles the hex-encoded username of DBUS_COOKIE_SHA1 and
// answers with the server challenge: "<context> <cookie id> <challenge>".
func (s *session) cookieUser(claimHex string) error {
	keyring := s.config.Keyring
	if keyring == nil {
		return s.fail()
	}
	claim, err := hex.DecodeString(claimHex)
	if err != nil || !keyring.ownedBy(string(claim)) {
		return s.fail()
	}
	if _, owner := keyring.Owner(); s.config.HaveUID && s.config.UID != owner {
		return s.fail()
	}
	cookie, err := keyring.Current()
	if err != nil {
		return s.fail()
	}
	var challenge [16]byte
	if _, err := rand.Read(challenge[:]); err != nil {
		return fmt.Errorf("generating cookie challenge: %w", err)
	}
	s.pending = CookieSHA1
	s.challenge = hex.EncodeToString(challenge[:])
	s.secret = cookie.Secret
	s.state = waitingForData
	message := fmt.Sprintf("%s %d %s", CookieContext, cookie.ID, s.challenge)
	return s.send("DATA " + hex.EncodeToString([]byte(message)))
}

// cookieResponse checks "<client challenge> <digest>", where digest is
// the hex SHA-1 of "<server challenge>:<client challenge>:<secret>".
func (s *session) cookieResponse(responseHex string) error {
	response, err := hex.DecodeString(responseHex)
	if err != nil {
		return s.fail()
	}
	clientChallenge, digest, ok := strings.Cut(string(response), " ")
	if !ok || clientChallenge == "" {
		return s.fail()
	}
	sum := sha1.Sum([]byte(s.challenge + ":" + clientChallenge + ":" + s.secret))
	want := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(want), []byte(strings.ToLower(digest))) != 1 {
		return s.fail()
	}
	_, uid := s.config.Keyring.Owner()
	return s.accept(Result{Mechanism: CookieSHA1, UID: uid, HaveUID: true})
}

func (s *session) accept(result Result) error {
	s.clearPending()
	if s.config.Authorize != nil {
		if err := s.config.Authorize(result); err != nil {
			s.state = waitingForAuth
			if sendErr := s.rejectWithoutAttempt(); sendErr != nil {
				return sendErr
			}
			return fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
	}
	s.result = result
	s.state = waitingForBegin
	return s.send("OK " + s.config.GUID)
}

// fail abandons the mechanism in progress and counts a rejection.
func (s *session) fail() error {
	s.clearPending()
	s.state = waitingForAuth
	return s.reject()
}

func (s *session) clearPending() {
	s.pending = ""
	s.challenge = ""
	s.secret = ""
}

func (s *session) reject() error {
	s.attempts++
	if err := s.rejectWithoutAttempt(); err != nil {
		return err
	}
	if s.attempts >= s.config.MaxAttempts {
		return ErrRejected
	}
	return nil
}

func (s *session) rejectWithoutAttempt() error {
	names := make([]string, len(s.config.Mechanisms))
	for i, mechanism := range s.config.Mechanisms {
		names[i] = string(mechanism)
	}
	return s.send("REJECTED " + strings.Join(names, " "))
}

func (s *session) supports(mechanism Mechanism) bool {
	for _, supported := range s.config.Mechanisms {
		if supported == mechanism {
			return true
		}
	}
	return false
}

func (s *session) send(line string) error {
	if _, err := io.WriteString(s.writer, line+"\r\n"); err != nil {
		return fmt.Errorf("writing handshake response: %w", err)
	}
	return nil
}

// readLine reads one CRLF-terminated command line of printable ASCII.
func (s *session) readLine() (string, error) {
	var line []byte
	for {
		chunk, err := s.reader.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > s.config.MaxLineLength {
			return "", fmt.Errorf("%w: line longer than %d bytes", ErrProtocol, s.config.MaxLineLength)
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return "", fmt.Errorf("reading handshake: %w", err)
	}
	if !bytes.HasSuffix(line, []byte("\r\n")) {
		return "", fmt.Errorf("%w: line not terminated by CRLF", ErrProtocol)
	}
	line = line[:len(line)-2]
	for _, c := range line {
		if c < 0x20 || c > 0x7e {
			return "", fmt.Errorf("%w: non-printable byte %#x in handshake", ErrProtocol, c)
		}
	}
	return string(line), nil
}
