// Copyright 2026 The Msgfleet Authors
// SPDX-License-Identifier: Apache-2.0

// msgfleet-watch is the interactive console for a msgfleet server. It
// connects to the server's observer port, mirrors the session table
// in a terminal UI, and lets the operator create and delete sessions.
// The connection self-heals: on a drop the watcher backs off, redials,
// and refetches the full state.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"log/slog"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/msgfleet/msgfleet/lib/clock"
	"github.com/msgfleet/msgfleet/lib/version"
	"github.com/msgfleet/msgfleet/observer"
	"github.com/msgfleet/msgfleet/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		serverAddr  string
		maxAttempts int
		dialTimeout time.Duration
	)

	flagSet := pflag.NewFlagSet("msgfleet-watch", pflag.ContinueOnError)
	flagSet.StringVar(&serverAddr, "server", "127.0.0.1:8477", "msgfleet server observer address")
	flagSet.IntVar(&maxAttempts, "max-attempts", -1, "consecutive failed dials before giving up (negative: retry forever)")
	flagSet.DurationVar(&dialTimeout, "dial-timeout", 5*time.Second, "timeout for a single connection attempt")
	flagSet.BoolP("help", "h", false, "show help")

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("msgfleet-watch")
		return nil
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	// The alt-screen owns the terminal; background noise goes nowhere.
	logger := slog.New(slog.DiscardHandler)

	manager, err := observer.New(observer.Config{
		Clock:       clock.Real(),
		Logger:      logger,
		MaxAttempts: maxAttempts,
		Dial: func(ctx context.Context) (observer.Conn, error) {
			dialer := net.Dialer{Timeout: dialTimeout}
			raw, err := dialer.DialContext(ctx, "tcp", serverAddr)
			if err != nil {
				return nil, err
			}
			return wire.NewConn(raw), nil
		},
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go manager.Run(ctx)

	program := tea.NewProgram(newModel(manager, serverAddr), tea.WithAltScreen())
	_, err = program.Run()
	return err
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `msgfleet session watcher — live terminal view of a msgfleet server.

Connects to the server's observer port and mirrors the session table.
Lost connections are redialed with exponential backoff, and the full
state is refetched on every reconnect so the view is never stale.

Usage:
  msgfleet-watch [flags]

Keys:
  n        create a new session
  d        delete the selected session
  up/down  move the selection
  q        quit

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
