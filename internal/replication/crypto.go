// Package replication implements the cluster fan-out transport: encrypted
// UDP/TCP messages carrying stats mutations and list-store events between
// sibling instances, plus a TCP bulk-sync protocol for newly-joined nodes
// to catch up.
package replication

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required length, in bytes, of a cluster pre-shared key.
const KeySize = chacha20poly1305.KeySize

// newAEAD returns the chacha20poly1305 AEAD for key, which must be exactly
// [KeySize] bytes.  The XChaCha20-Poly1305 construction is used instead of
// the standard 12-byte-nonce variant so the wire format's nonce is 24 bytes,
// matching the documented frame layout.
func newAEAD(key []byte) (aead cipherAEAD, err error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("replication: key must be %d bytes, got %d", KeySize, len(key))
	}

	return chacha20poly1305.NewX(key)
}

// cipherAEAD is the subset of cipher.AEAD used by this package, named
// locally so frame.go doesn't need to import crypto/cipher just for the
// type.
type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) (ciphertext []byte)
	Open(dst, nonce, ciphertext, additionalData []byte) (plaintext []byte, err error)
	NonceSize() (size int)
	Overhead() (n int)
}

// NewAEAD returns the XChaCha20-Poly1305 AEAD for key, which must be exactly
// [KeySize] bytes.  Exported so other packages sharing this module's frame
// format (e.g. the control channel) can build their own AEAD without
// duplicating the cipher choice.
func NewAEAD(key []byte) (aead cipher.AEAD, err error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("replication: key must be %d bytes, got %d", KeySize, len(key))
	}

	return chacha20poly1305.NewX(key)
}

// GenerateKey returns a new random [KeySize]-byte pre-shared key, suitable
// for configuring a cluster of siblings.
func GenerateKey() (key []byte, err error) {
	key = make([]byte, KeySize)
	if _, err = rand.Read(key); err != nil {
		return nil, fmt.Errorf("replication: generating key: %w", err)
	}

	return key, nil
}
