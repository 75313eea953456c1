package replication

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
)

// tcpLengthPrefixSize is the width, in bytes, of the big-endian length
// prefix used to frame sealed messages on a TCP stream.  UDP needs no such
// prefix since one packet already carries exactly one message.
const tcpLengthPrefixSize = 2

// MaxFrameSize bounds a single sealed frame, including its nonce, to keep a
// malformed or hostile peer from making this node allocate unboundedly.
const MaxFrameSize = 1 << 20

// Seal encrypts plaintext under aead, returning nonce‖ciphertext.
func Seal(aead cipherAEAD, plaintext []byte) (frame []byte, err error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("replication: generating nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)

	frame = make([]byte, 0, len(nonce)+len(sealed))
	frame = append(frame, nonce...)
	frame = append(frame, sealed...)

	return frame, nil
}

// Open reverses [Seal]: it splits frame into its nonce and ciphertext and
// decrypts the latter under aead.
func Open(aead cipherAEAD, frame []byte) (plaintext []byte, err error) {
	n := aead.NonceSize()
	if len(frame) < n {
		return nil, fmt.Errorf("replication: frame too short: %d bytes", len(frame))
	}

	nonce, ciphertext := frame[:n], frame[n:]

	plaintext, err = aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("replication: opening frame: %w", err)
	}

	return plaintext, nil
}

// WriteTCPFrame writes frame to w preceded by its 2-byte big-endian length.
func WriteTCPFrame(w io.Writer, frame []byte) (err error) {
	if len(frame) > 1<<16-1 {
		return fmt.Errorf("replication: frame too large for tcp: %d bytes", len(frame))
	}

	hdr := make([]byte, tcpLengthPrefixSize)
	binary.BigEndian.PutUint16(hdr, uint16(len(frame)))

	if _, err = w.Write(hdr); err != nil {
		return fmt.Errorf("replication: writing frame header: %w", err)
	}

	if _, err = w.Write(frame); err != nil {
		return fmt.Errorf("replication: writing frame body: %w", err)
	}

	return nil
}

// ReadTCPFrame reads one length-prefixed frame from r.
func ReadTCPFrame(r io.Reader) (frame []byte, err error) {
	hdr := make([]byte, tcpLengthPrefixSize)
	if _, err = io.ReadFull(r, hdr); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint16(hdr)

	frame = make([]byte, size)
	if _, err = io.ReadFull(r, frame); err != nil {
		return nil, fmt.Errorf("replication: reading frame body: %w", err)
	}

	return frame, nil
}
