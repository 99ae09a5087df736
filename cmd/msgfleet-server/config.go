// Copyright 2026 The Msgfleet Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the server's YAML configuration file.
type Config struct {
	// ListenAddr is the TCP address for observer connections.
	ListenAddr string `yaml:"listen_addr"`

	// HTTPAddr is the TCP address for the REST surface. Empty
	// disables it.
	HTTPAddr string `yaml:"http_addr"`

	// DatabasePath is the SQLite file for session records.
	DatabasePath string `yaml:"database_path"`

	// IdentityFile is the age key used to seal client identities at
	// rest. Generated on first start if absent.
	IdentityFile string `yaml:"identity_file"`

	// RunnerProfile is the launch profile (JSONC) for the
	// browser-automation runner.
	RunnerProfile string `yaml:"runner_profile"`

	// QRTTL overrides the QR expiry window. Zero keeps the default.
	QRTTL time.Duration `yaml:"qr_ttl"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:   "127.0.0.1:8477",
		HTTPAddr:     "127.0.0.1:8478",
		DatabasePath: "/var/lib/msgfleet/sessions.db",
		IdentityFile: "/var/lib/msgfleet/identity.age",
	}
}

// loadConfig reads the YAML file at path over the defaults. A missing
// file is an error when the path was given explicitly; the caller
// handles the default-path case.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// loadConfigIfPresent is loadConfig, except a missing file falls back
// to defaults. Used for the default config path so the server starts
// without a config file at all (the runner profile is still required
// and checked in validate).
func loadConfigIfPresent(path string) (Config, error) {
	cfg, err := loadConfig(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = defaultConfig()
		if err := cfg.validate(); err != nil {
			return Config{}, err
		}
		return cfg, nil
	}
	return cfg, err
}

func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}
	if c.IdentityFile == "" {
		return fmt.Errorf("identity_file is required")
	}
	if c.RunnerProfile == "" {
		return fmt.Errorf("runner_profile is required")
	}
	if c.QRTTL < 0 {
		return fmt.Errorf("qr_ttl must not be negative")
	}
	return nil
}
