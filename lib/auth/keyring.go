// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/busd/lib/clock"
)

// CookieContext is the keyring file the bus reads and writes. Clients
// look the cookie up by this name.
const CookieContext = "org_freedesktop_general"

const (
	// Cookies older than cookieMaxAge or created further than
	// cookieMaxSkew in the future are dropped on every sync.
	cookieMaxAge  = 7 * time.Minute
	cookieMaxSkew = 5 * time.Minute

	// A new cookie is added once every remaining one is older than
	// cookieRefreshAge.
	cookieRefreshAge = 4 * time.Minute

	cookieSecretSize = 32
	lockAttempts     = 3
)

// Cookie is one keyring entry.
type Cookie struct {
	ID      uint32
	Created time.Time
	// Secret is the hex-encoded shared secret.
	Secret string
}

// Keyring manages the DBUS_COOKIE_SHA1 keyring directory of one user.
// Other processes of that user (clients, other buses) share the files,
// so every change is made under the keyring's lock file and written
// through a rename.
type Keyring struct {
	dir   string
	user  string
	uid   uint32
	clock clock.Clock

	lockRetryDelay time.Duration

	mu sync.Mutex
}

// NewKeyring returns a keyring in dir belonging to the named user.
// The directory is created on first use.
func NewKeyring(dir, user string, uid uint32, clk clock.Clock) *Keyring {
	if clk == nil {
		clk = clock.Real()
	}
	return &Keyring{
		dir:            dir,
		user:           user,
		uid:            uid,
		clock:          clk,
		lockRetryDelay: time.Second,
	}
}

// DefaultKeyringDir returns ~/.dbus-keyrings.
func DefaultKeyringDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".dbus-keyrings"), nil
}

// Dir returns the keyring directory.
func (k *Keyring) Dir() string {
	return k.dir
}

// Owner returns the user the keyring belongs to.
func (k *Keyring) Owner() (user string, uid uint32) {
	return k.user, k.uid
}

// ownedBy reports whether a client's username claim names the keyring
// owner. Login names and decimal uids are both accepted.
func (k *Keyring) ownedBy(claim string) bool {
	if claim == "" {
		return false
	}
	if k.user != "" && claim == k.user {
		return true
	}
	uid, err := strconv.ParseUint(claim, 10, 32)
	return err == nil && uint32(uid) == k.uid
}

// Current syncs the keyring and returns the newest valid cookie.
func (k *Keyring) Current() (Cookie, error) {
	cookies, err := k.Sync()
	if err != nil {
		return Cookie{}, err
	}
	newest := cookies[0]
	for _, cookie := range cookies[1:] {
		if cookie.Created.After(newest.Created) {
			newest = cookie
		}
	}
	return newest, nil
}

// Sync prunes expired cookies, adds a fresh one when needed and
// returns the resulting keyring contents, never empty.
func (k *Keyring) Sync() ([]Cookie, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.ensureDir(); err != nil {
		return nil, err
	}
	path := filepath.Join(k.dir, CookieContext)
	unlock, err := k.lock(path + ".lock")
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := k.clock.Now()
	cookies, changed, err := k.load(path, now)
	if err != nil {
		return nil, err
	}
	if needsFreshCookie(cookies, now) {
		cookie, err := newCookie(now)
		if err != nil {
			return nil, err
		}
		cookies = append(cookies, cookie)
		changed = true
	}
	if changed {
		if err := writeCookies(path, cookies); err != nil {
			return nil, err
		}
	}
	return cookies, nil
}

func (k *Keyring) ensureDir() error {
	info, err := os.Stat(k.dir)
	if errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(k.dir, 0o700); err != nil {
			return fmt.Errorf("creating keyring directory: %w", err)
		}
		return os.Chmod(k.dir, 0o700)
	}
	if err != nil {
		return fmt.Errorf("checking keyring directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("keyring path %s is not a directory", k.dir)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return fmt.Errorf("keyring directory %s is accessible to other users (mode %04o)", k.dir, info.Mode().Perm())
	}
	return nil
}

// lock takes the keyring lock file. A lock still held after
// lockAttempts retries is assumed to belong to a dead process and is
// broken.
func (k *Keyring) lock(path string) (func(), error) {
	for attempt := 0; ; attempt++ {
		file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			file.Close()
			return func() { os.Remove(path) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("locking keyring: %w", err)
		}
		if attempt >= lockAttempts {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("breaking stale keyring lock: %w", err)
			}
			continue
		}
		<-k.clock.After(k.lockRetryDelay)
	}
}

// load reads the keyring, dropping unparsable and expired lines.
// changed reports whether anything was dropped.
func (k *Keyring) load(path string, now time.Time) (cookies []Cookie, changed bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading keyring: %w", err)
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		cookie, ok := parseCookie(scanner.Text())
		if !ok || cookie.Created.Before(now.Add(-cookieMaxAge)) || cookie.Created.After(now.Add(cookieMaxSkew)) {
			changed = true
			continue
		}
		cookies = append(cookies, cookie)
	}
	if err := scanner.Err(); err != nil {
		return nil, false, fmt.Errorf("reading keyring: %w", err)
	}
	return cookies, changed, nil
}

func needsFreshCookie(cookies []Cookie, now time.Time) bool {
	for _, cookie := range cookies {
		if !cookie.Created.Before(now.Add(-cookieRefreshAge)) {
			return false
		}
	}
	return true
}

// parseCookie parses "<id> <unix seconds> <hex secret>".
func parseCookie(line string) (Cookie, bool) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return Cookie{}, false
	}
	id, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return Cookie{}, false
	}
	created, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return Cookie{}, false
	}
	if _, err := hex.DecodeString(fields[2]); err != nil || fields[2] == "" {
		return Cookie{}, false
	}
	return Cookie{ID: uint32(id), Created: time.Unix(created, 0), Secret: fields[2]}, true
}

func newCookie(now time.Time) (Cookie, error) {
	var buf [4 + cookieSecretSize]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return Cookie{}, fmt.Errorf("generating cookie: %w", err)
	}
	return Cookie{
		ID:      binary.LittleEndian.Uint32(buf[:4]),
		Created: time.Unix(now.Unix(), 0),
		Secret:  hex.EncodeToString(buf[4:]),
	}, nil
}

func writeCookies(path string, cookies []Cookie) error {
	var buf bytes.Buffer
	for _, cookie := range cookies {
		fmt.Fprintf(&buf, "%d %d %s\n", cookie.ID, cookie.Created.Unix(), cookie.Secret)
	}
	temp := path + ".tmp"
	if err := os.WriteFile(temp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing keyring: %w", err)
	}
	if err := os.Rename(temp, path); err != nil {
		os.Remove(temp)
		return fmt.Errorf("replacing keyring: %w", err)
	}
	return nil
}
