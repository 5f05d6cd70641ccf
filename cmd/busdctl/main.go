// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// busdctl inspects and controls a running busd through its control
// socket.
//
//	busdctl status
//	busdctl peers [unique-name]
//	busdctl names [name]
//	busdctl reload
//
// The socket is --socket, else the control_socket of --config, else the
// session default $XDG_RUNTIME_DIR/busd.control.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/busd/lib/config"
	"github.com/bureau-foundation/busd/lib/process"
	"github.com/bureau-foundation/busd/lib/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		process.Fatal(err)
	}
}

type options struct {
	socketPath  string
	configPath  string
	outputJSON  bool
	showVersion bool
}

const usage = `usage: busdctl [flags] <command> [argument]

commands:
  status               bus identity, uptime and counters
  peers [unique-name]  open connections
  names [name]         well-known names with owners and queues
  reload               re-read the configuration file

flags:
`

func run(ctx context.Context, args []string, stdout io.Writer) error {
	var opts options
	flagSet := pflag.NewFlagSet("busdctl", pflag.ContinueOnError)
	flagSet.StringVar(&opts.socketPath, "socket", "", "control socket path")
	flagSet.StringVar(&opts.configPath, "config", "", "read the control socket path from this busd configuration")
	flagSet.BoolVar(&opts.outputJSON, "json", false, "output as JSON")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version information and exit")
	flagSet.Usage = func() {
		fmt.Fprint(flagSet.Output(), usage)
		flagSet.PrintDefaults()
	}
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if opts.showVersion {
		version.Print("busdctl")
		return nil
	}
	if flagSet.NArg() == 0 {
		flagSet.Usage()
		return fmt.Errorf("a command is required")
	}

	socketPath, err := resolveSocket(opts)
	if err != nil {
		return err
	}

	command, arguments := flagSet.Arg(0), flagSet.Args()[1:]
	c := &client{socketPath: socketPath, outputJSON: opts.outputJSON, stdout: stdout}
	switch command {
	case "status":
		if len(arguments) > 0 {
			return fmt.Errorf("status takes no arguments")
		}
		return c.status(ctx)
	case "peers":
		if len(arguments) > 1 {
			return fmt.Errorf("peers takes at most one unique name")
		}
		return c.peers(ctx, optionalArgument(arguments))
	case "names":
		if len(arguments) > 1 {
			return fmt.Errorf("names takes at most one name")
		}
		return c.names(ctx, optionalArgument(arguments))
	case "reload":
		if len(arguments) > 0 {
			return fmt.Errorf("reload takes no arguments")
		}
		return c.reload(ctx)
	default:
		return fmt.Errorf("unknown command %q (want status, peers, names or reload)", command)
	}
}

func resolveSocket(opts options) (string, error) {
	if opts.socketPath != "" {
		return opts.socketPath, nil
	}
	var cfg *config.Config
	var err error
	if opts.configPath != "" {
		cfg, err = config.LoadFile(opts.configPath)
	} else {
		cfg, err = config.Parse(nil)
	}
	if err != nil {
		return "", err
	}
	if cfg.ControlSocket == "" {
		return "", fmt.Errorf("the configuration has no control_socket; pass --socket")
	}
	return cfg.ControlSocket, nil
}

func optionalArgument(arguments []string) string {
	if len(arguments) == 0 {
		return ""
	}
	return arguments[0]
}
