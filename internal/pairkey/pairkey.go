// Package pairkey encrypts and decrypts message bodies with a symmetric key
// derived deterministically from the two participants' user ids. Both sides
// derive the same key independently, so no key-exchange round trip is needed.
//
// Known weakness, kept for wire compatibility: anyone who knows both user ids
// (including the server) can derive the key, and there is no forward secrecy.
// The scheme resists casual inspection of data at rest, nothing more. Callers
// go through Codec so a real key-exchange can replace the derivation later
// without touching call sites.
package pairkey

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrDecryptionFailed is returned for corrupt ciphertext or a key mismatch.
// Callers render the redacted placeholder instead of dropping the message.
var ErrDecryptionFailed = errors.New("pairkey: decryption failed")

// Redacted is the placeholder shown for messages that failed to decrypt,
// preserving conversation ordering.
const Redacted = "🔒 [Encrypted Message]"

const keySize = chacha20poly1305.KeySize

// Codec derives and caches one key per user pair and seals/opens payloads
// with ChaCha20-Poly1305. Safe for concurrent use.
type Codec struct {
	mu   sync.RWMutex
	keys map[string]*[keySize]byte
	salt []byte
}

// NewCodec builds a codec. salt namespaces the derivation per deployment; it
// must match on both participants' clients (it is configuration, not secret).
func NewCodec(salt string) *Codec {
	return &Codec{
		keys: make(map[string]*[keySize]byte),
		salt: []byte(salt),
	}
}

// pairID orders the two user ids so both sides derive the same key.
func pairID(selfID, peerID string) string {
	if peerID < selfID {
		selfID, peerID = peerID, selfID
	}
	return selfID + "\x00" + peerID
}

func (c *Codec) key(selfID, peerID string) (*[keySize]byte, error) {
	id := pairID(selfID, peerID)

	c.mu.RLock()
	k, ok := c.keys[id]
	c.mu.RUnlock()
	if ok {
		return k, nil
	}

	kdf := hkdf.New(sha256.New, []byte(id), c.salt, []byte("skillbridge message key v1"))
	k = new([keySize]byte)
	if _, err := io.ReadFull(kdf, k[:]); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.keys[id] = k
	c.mu.Unlock()
	return k, nil
}

// Encrypt seals plaintext for the (selfID, peerID) pair. The wire form is
// base64(nonce || sealed).
func (c *Codec) Encrypt(plaintext, selfID, peerID string) (string, error) {
	k, err := c.key(selfID, peerID)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.New(k[:])
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens ciphertext produced by Encrypt for the same pair. Any failure
// (bad base64, truncated data, wrong key) yields ErrDecryptionFailed — never
// a panic, so a corrupt message cannot take down the conversation.
func (c *Codec) Decrypt(ciphertext, selfID, peerID string) (string, error) {
	k, err := c.key(selfID, peerID)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	aead, err := chacha20poly1305.New(k[:])
	if err != nil {
		return "", ErrDecryptionFailed
	}
	if len(raw) < aead.NonceSize() {
		return "", ErrDecryptionFailed
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// DecryptOrRedact decrypts when encrypted is set, passes legacy plaintext
// through untouched, and substitutes the redacted placeholder on failure.
func (c *Codec) DecryptOrRedact(body string, encrypted bool, selfID, peerID string) string {
	if !encrypted {
		return body
	}
	plain, err := c.Decrypt(body, selfID, peerID)
	if err != nil {
		return Redacted
	}
	return plain
}
