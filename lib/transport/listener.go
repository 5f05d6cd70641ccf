// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Listener is a bound socket together with the address clients should
// dial to reach it.
type Listener struct {
	net.Listener
	address Address
}

// Address returns the connectable address. For unix:tmpdir and
// tcp port=0 this reflects the socket actually created.
func (l *Listener) Address() Address {
	return l.address
}

// Listen binds address. Supported forms:
//
//	unix:path=P       filesystem socket; a stale socket file is removed
//	unix:abstract=N   Linux abstract namespace socket
//	unix:tmpdir=D     filesystem socket with a generated name in D
//	unix:dir=D        same as tmpdir
//	tcp:host=H,port=N[,family=ipv4|ipv6]
func Listen(address Address) (*Listener, error) {
	switch address.Transport {
	case "unix":
		return listenUnix(address)
	case "tcp":
		return listenTCP(address)
	default:
		return nil, fmt.Errorf("%w: unsupported transport %q", ErrInvalidAddress, address.Transport)
	}
}

func listenUnix(address Address) (*Listener, error) {
	var socketPath string
	var connectable Address
	path, hasPath := address.Params["path"]
	abstract, hasAbstract := address.Params["abstract"]
	directory, hasDirectory := address.Params["tmpdir"]
	if dir, ok := address.Params["dir"]; ok {
		directory, hasDirectory = dir, true
	}

	count := 0
	for _, present := range []bool{hasPath, hasAbstract, hasDirectory} {
		if present {
			count++
		}
	}
	if count != 1 {
		return nil, fmt.Errorf("%w: unix address needs exactly one of path, abstract, tmpdir or dir", ErrInvalidAddress)
	}

	switch {
	case hasPath:
		if err := removeStaleSocket(path); err != nil {
			return nil, err
		}
		socketPath = path
		connectable = Address{Transport: "unix", Params: map[string]string{"path": path}}
	case hasAbstract:
		socketPath = "@" + abstract
		connectable = Address{Transport: "unix", Params: map[string]string{"abstract": abstract}}
	default:
		name := "dbus-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
		socketPath = filepath.Join(directory, name)
		connectable = Address{Transport: "unix", Params: map[string]string{"path": socketPath}}
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", socketPath, err)
	}
	return &Listener{Listener: listener, address: connectable}, nil
}

// removeStaleSocket removes a socket left behind by an earlier run.
// Anything at path that is not a socket is left alone.
func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("checking %s: %w", path, err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", path, err)
	}
	return nil
}

func listenTCP(address Address) (*Listener, error) {
	host := address.Params["host"]
	if host == "" {
		host = "localhost"
	}
	port := address.Params["port"]
	if port == "" {
		port = "0"
	}
	network := "tcp"
	switch address.Params["family"] {
	case "":
	case "ipv4":
		network = "tcp4"
	case "ipv6":
		network = "tcp6"
	default:
		return nil, fmt.Errorf("%w: unknown tcp family %q", ErrInvalidAddress, address.Params["family"])
	}

	listener, err := net.Listen(network, net.JoinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", net.JoinHostPort(host, port), err)
	}
	_, boundPort, _ := net.SplitHostPort(listener.Addr().String())
	connectable := Address{Transport: "tcp", Params: map[string]string{"host": host, "port": boundPort}}
	if family := address.Params["family"]; family != "" {
		connectable.Params["family"] = family
	}
	return &Listener{Listener: listener, address: connectable}, nil
}

// Dial connects to address. Only the forms a Listener reports are
// supported: unix path, unix abstract and tcp.
func Dial(ctx context.Context, address Address) (net.Conn, error) {
	var dialer net.Dialer
	switch address.Transport {
	case "unix":
		if path, ok := address.Params["path"]; ok {
			return dialer.DialContext(ctx, "unix", path)
		}
		if abstract, ok := address.Params["abstract"]; ok {
			return dialer.DialContext(ctx, "unix", "@"+abstract)
		}
		return nil, fmt.Errorf("%w: unix address has no path or abstract name", ErrInvalidAddress)
	case "tcp":
		return dialer.DialContext(ctx, "tcp", net.JoinHostPort(address.Params["host"], address.Params["port"]))
	default:
		return nil, fmt.Errorf("%w: unsupported transport %q", ErrInvalidAddress, address.Transport)
	}
}
