package pairkey

import (
	"errors"
	"testing"
)

func TestEncryptDecryptRoundtrip(t *testing.T) {
	c := NewCodec("test-salt")

	plain := "Are you free tomorrow?"
	ct, err := c.Encrypt(plain, "alice", "bob")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if ct == plain {
		t.Fatalf("ciphertext equals plaintext")
	}

	got, err := c.Decrypt(ct, "alice", "bob")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != plain {
		t.Fatalf("roundtrip mismatch: got %q", got)
	}
}

func TestKeyDerivationIsPairSymmetric(t *testing.T) {
	// Both participants must derive the same key without an exchange: what A
	// encrypts for (A,B), B decrypts with (B,A).
	sender := NewCodec("test-salt")
	receiver := NewCodec("test-salt")

	ct, err := sender.Encrypt("hello", "alice", "bob")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := receiver.Decrypt(ct, "bob", "alice")
	if err != nil {
		t.Fatalf("decrypt on receiver side: %v", err)
	}
	if got != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestDecryptIsIdempotent(t *testing.T) {
	c := NewCodec("test-salt")
	ct, err := c.Encrypt("stable", "a", "b")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	first, err := c.Decrypt(ct, "a", "b")
	if err != nil {
		t.Fatalf("first decrypt: %v", err)
	}
	second, err := c.Decrypt(ct, "a", "b")
	if err != nil {
		t.Fatalf("second decrypt: %v", err)
	}
	if first != second {
		t.Fatalf("decrypt not pure: %q vs %q", first, second)
	}
}

func TestDecryptFailureIsSentinel(t *testing.T) {
	c := NewCodec("test-salt")

	if _, err := c.Decrypt("not base64 at all!!!", "a", "b"); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("bad base64: expected ErrDecryptionFailed, got %v", err)
	}
	if _, err := c.Decrypt("AAAA", "a", "b"); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("truncated: expected ErrDecryptionFailed, got %v", err)
	}

	ct, err := c.Encrypt("secret", "a", "b")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := c.Decrypt(ct, "a", "someone-else"); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("wrong pair: expected ErrDecryptionFailed, got %v", err)
	}
}

func TestDecryptOrRedact(t *testing.T) {
	c := NewCodec("test-salt")

	// Legacy unencrypted messages pass through untouched.
	if got := c.DecryptOrRedact("plain old text", false, "a", "b"); got != "plain old text" {
		t.Fatalf("legacy passthrough: got %q", got)
	}

	// Corrupt ciphertext renders the placeholder instead of being dropped.
	if got := c.DecryptOrRedact("garbage", true, "a", "b"); got != Redacted {
		t.Fatalf("expected redacted placeholder, got %q", got)
	}

	ct, err := c.Encrypt("readable", "a", "b")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if got := c.DecryptOrRedact(ct, true, "a", "b"); got != "readable" {
		t.Fatalf("got %q", got)
	}
}

func TestDifferentPairsGetDifferentKeys(t *testing.T) {
	c := NewCodec("test-salt")
	ct, err := c.Encrypt("m", "a", "b")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := c.Decrypt(ct, "a", "c"); err == nil {
		t.Fatalf("pair (a,c) must not read (a,b) traffic")
	}
}
