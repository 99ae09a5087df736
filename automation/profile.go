// Copyright 2026 The Msgfleet Authors
// SPDX-License-Identifier: Apache-2.0

package automation

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

// Profile describes how to launch the browser-automation runner.
// Profiles are authored on disk as JSONC (JSON extended with //
// comments and trailing commas), so a deployment can annotate why a
// particular browser flag is set.
type Profile struct {
	// Binary is the runner executable path.
	Binary string `json:"binary"`

	// Args are extra arguments passed before the per-session flags.
	Args []string `json:"args,omitempty"`

	// DataRoot is the directory under which per-session profile
	// directories are created. Each session gets DataRoot/<clientId>.
	DataRoot string `json:"dataRoot"`

	// UserAgent overrides the browser user agent, when set.
	UserAgent string `json:"userAgent,omitempty"`

	// Headless runs the browser without a display. Defaults to true
	// when absent.
	Headless *bool `json:"headless,omitempty"`
}

// ParseProfile strips JSONC comments and trailing commas from data,
// then unmarshals and validates the profile.
func ParseProfile(data []byte) (*Profile, error) {
	stripped := jsonc.ToJSON(data)

	var profile Profile
	if err := json.Unmarshal(stripped, &profile); err != nil {
		return nil, fmt.Errorf("parsing runner profile: %w", err)
	}
	if profile.Binary == "" {
		return nil, fmt.Errorf("runner profile: binary is required")
	}
	if profile.DataRoot == "" {
		return nil, fmt.Errorf("runner profile: dataRoot is required")
	}
	return &profile, nil
}

// ReadProfile loads and parses a profile file.
func ReadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading runner profile: %w", err)
	}
	profile, err := ParseProfile(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return profile, nil
}

// headless reports the effective headless setting.
func (p *Profile) headless() bool {
	if p.Headless == nil {
		return true
	}
	return *p.Headless
}
