// Copyright 2026 The Msgfleet Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"encoding/json"
	"fmt"

	"github.com/msgfleet/msgfleet/automation"
	"github.com/msgfleet/msgfleet/lib/sealed"
)

// SealIdentity encrypts a client identity for storage inside a
// session record. The identity names the automation client's data
// directory, which is enough to resume its authenticated browser
// profile, so it never touches disk in the clear.
func SealIdentity(key *sealed.Identity, identity automation.ClientIdentity) (string, error) {
	plaintext, err := json.Marshal(identity)
	if err != nil {
		return "", fmt.Errorf("store: encoding client identity: %w", err)
	}
	ciphertext, err := key.Seal(plaintext)
	if err != nil {
		return "", fmt.Errorf("store: sealing client identity: %w", err)
	}
	return ciphertext, nil
}

// UnsealIdentity reverses SealIdentity. Used by the restore path.
func UnsealIdentity(key *sealed.Identity, ciphertext string) (automation.ClientIdentity, error) {
	plaintext, err := key.Unseal(ciphertext)
	if err != nil {
		return automation.ClientIdentity{}, fmt.Errorf("store: unsealing client identity: %w", err)
	}
	var identity automation.ClientIdentity
	if err := json.Unmarshal(plaintext, &identity); err != nil {
		return automation.ClientIdentity{}, fmt.Errorf("store: decoding client identity: %w", err)
	}
	return identity, nil
}
