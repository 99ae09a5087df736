// Copyright 2026 The Msgfleet Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed provides age encryption for external client identity
// material at rest.
//
// Every persisted session record carries the identity the automation
// runner needs to resume the messaging-platform session (its profile
// directory token). That material grants full account access, so the
// store never writes it in clear: it is sealed to the server's age
// recipient before the upsert and unsealed only during restoration at
// process start.
//
// Ciphertext is base64-encoded so it can live in an ordinary TEXT
// column. Callers pass plaintext []byte in and get base64 strings out,
// and vice versa for unsealing.
package sealed

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
)

// Identity is a parsed age x25519 identity (private key) together
// with its recipient (public key).
type Identity struct {
	inner *age.X25519Identity
}

// Generate creates a new age x25519 identity.
func Generate() (*Identity, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age identity: %w", err)
	}
	return &Identity{inner: identity}, nil
}

// Parse parses an identity from its AGE-SECRET-KEY-1... string form.
func Parse(key string) (*Identity, error) {
	identity, err := age.ParseX25519Identity(strings.TrimSpace(key))
	if err != nil {
		return nil, fmt.Errorf("parsing age identity: %w", err)
	}
	return &Identity{inner: identity}, nil
}

// LoadFile reads an identity from a file. Lines starting with '#'
// (age-keygen writes a commented header) are skipped.
func LoadFile(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading identity file: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return Parse(line)
	}
	return nil, fmt.Errorf("no identity found in %s", path)
}

// String returns the identity in AGE-SECRET-KEY-1... form. Never log
// this value.
func (i *Identity) String() string { return i.inner.String() }

// Recipient returns the corresponding public key in age1... form.
// Safe to publish.
func (i *Identity) Recipient() string { return i.inner.Recipient().String() }

// Seal encrypts plaintext to the identity's recipient and returns
// base64-encoded ciphertext.
func (i *Identity) Seal(plaintext []byte) (string, error) {
	var buffer bytes.Buffer
	writer, err := age.Encrypt(&buffer, i.inner.Recipient())
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return "", fmt.Errorf("writing plaintext: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalizing encryption: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buffer.Bytes()), nil
}

// Unseal decrypts base64-encoded ciphertext produced by Seal.
func (i *Identity) Unseal(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 ciphertext: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(raw), i.inner)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	return plaintext, nil
}
