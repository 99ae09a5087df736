// Copyright 2026 The Msgfleet Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSealUnsealRoundTrip(t *testing.T) {
	identity, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	plaintext := []byte(`{"clientId":"session-7f3a","dataDir":"/var/lib/msgfleet/7f3a"}`)
	ciphertext, err := identity.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if strings.Contains(ciphertext, "session-7f3a") {
		t.Fatal("ciphertext contains plaintext")
	}

	got, err := identity.Unseal(ciphertext)
	if err != nil {
		t.Fatalf("Unseal: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("Unseal = %q, want %q", got, plaintext)
	}
}

func TestUnsealWrongIdentityFails(t *testing.T) {
	sealer, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	other, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	ciphertext, err := sealer.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := other.Unseal(ciphertext); err == nil {
		t.Fatal("Unseal with wrong identity succeeded")
	}
}

func TestLoadFileSkipsComments(t *testing.T) {
	identity, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	path := filepath.Join(t.TempDir(), "identity.txt")
	content := "# created: 2026-06-01\n# public key: " + identity.Recipient() + "\n" + identity.String() + "\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if loaded.Recipient() != identity.Recipient() {
		t.Fatalf("Recipient = %q, want %q", loaded.Recipient(), identity.Recipient())
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse("not-a-key"); err == nil {
		t.Fatal("Parse accepted garbage")
	}
}
