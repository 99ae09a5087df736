// Copyright 2026 The Msgfleet Authors
// SPDX-License-Identifier: Apache-2.0

// Msgfleet-server supervises a fleet of messaging-platform sessions.
// Each session is backed by an external browser-automation runner
// process; the server tracks every session's lifecycle in memory,
// mirrors it to SQLite for restart recovery, and streams transitions
// to any number of observer connections over a line-delimited JSON
// protocol. A small REST surface exposes the same state read-only.
//
// On startup:
//  1. Loads the YAML config and the age identity key (generating the
//     key on first boot).
//  2. Opens the session store and re-provisions every session that
//     was ready when the previous process stopped.
//  3. Listens for observer connections and REST requests until
//     SIGINT/SIGTERM, then tears every session down cleanly.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"log/slog"

	"github.com/msgfleet/msgfleet/automation"
	"github.com/msgfleet/msgfleet/lib/clock"
	"github.com/msgfleet/msgfleet/lib/sealed"
	"github.com/msgfleet/msgfleet/lib/version"
	"github.com/msgfleet/msgfleet/session"
	"github.com/msgfleet/msgfleet/store"
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
		configPath  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "/etc/msgfleet/config.yaml", "path to the YAML config file")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		version.Print("msgfleet-server")
		return nil
	}

	cfg, err := loadConfigIfPresent(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	key, err := loadOrGenerateIdentity(cfg.IdentityFile, logger)
	if err != nil {
		return err
	}

	profile, err := automation.ReadProfile(cfg.RunnerProfile)
	if err != nil {
		return err
	}

	st, err := store.Open(store.Config{Path: cfg.DatabasePath, Logger: logger})
	if err != nil {
		return err
	}
	defer st.Close()

	clk := clock.Real()
	registry := session.NewRegistry(clk, logger)
	hub := session.NewHub(logger)
	wireChangeFeed(registry, hub)

	coordinator, err := session.NewCoordinator(session.Config{
		Registry: registry,
		Hub:      hub,
		Store:    st,
		Clock:    clk,
		Logger:   logger,
		QRTTL:    cfg.QRTTL,
		Provision: func(ctx context.Context, identity automation.ClientIdentity) (automation.Adapter, error) {
			return automation.Provision(ctx, automation.RunnerConfig{
				Profile:  profile,
				Identity: identity,
				Clock:    clk,
				Logger:   logger,
			})
		},
		SealIdentity: func(identity automation.ClientIdentity) (string, error) {
			return store.SealIdentity(key, identity)
		},
	})
	if err != nil {
		return err
	}

	if err := restoreSessions(ctx, coordinator, st, key, logger); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.ListenAddr, err)
	}
	logger.Info("observer listener started", "addr", listener.Addr().String())

	server := &observerServer{
		coordinator: coordinator,
		hub:         hub,
		logger:      logger,
	}
	go server.serve(ctx, listener)

	var httpServer *http.Server
	if cfg.HTTPAddr != "" {
		httpServer = &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: restHandler(coordinator, logger),
		}
		go func() {
			logger.Info("http listener started", "addr", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server failed", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	listener.Close()
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		httpServer.Shutdown(shutdownCtx)
		cancel()
	}

	teardownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	coordinator.Shutdown(teardownCtx)
	logger.Info("shutdown complete")
	return nil
}

// wireChangeFeed broadcasts a full snapshot on every registry change.
// The hook can race with itself across changes, so snapshots older
// than one already broadcast are dropped by sequence number.
func wireChangeFeed(registry *session.Registry, hub *session.Hub) {
	var mu sync.Mutex
	var lastSeq uint64
	registry.OnChange(func(seq uint64, snapshot []session.Session) {
		mu.Lock()
		if seq <= lastSeq {
			mu.Unlock()
			return
		}
		lastSeq = seq
		mu.Unlock()

		summaries := make([]wire.SessionSummary, 0, len(snapshot))
		for i := range snapshot {
			summaries = append(summaries, snapshot[i].Summary())
		}
		hub.Broadcast(wire.SessionsUpdate{Sessions: summaries})
	})
}

// loadOrGenerateIdentity reads the age key file, creating it on first
// boot.
func loadOrGenerateIdentity(path string, logger *slog.Logger) (*sealed.Identity, error) {
	key, err := sealed.LoadFile(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	key, err = sealed.Generate()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating identity dir: %w", err)
	}
	contents := fmt.Sprintf("# msgfleet sealing identity, generated %s\n%s\n",
		time.Now().UTC().Format(time.RFC3339), key.String())
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		return nil, fmt.Errorf("writing identity file: %w", err)
	}
	logger.Info("generated sealing identity", "path", path)
	return key, nil
}
