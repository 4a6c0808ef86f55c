// Package aead implements the per-hop AES-128-GCM envelope used to
// authenticate and, where the FLAG_ENCRYPTED bit is set, encrypt mesh
// frames. The nonce is derived deterministically from the mutable base
// header fields, so every hop that rewrites the header (incrementing
// hop-count) must re-seal the frame: this is link-level confidentiality,
// not end-to-end.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	"github.com/meshrtr/meshrtr/pkg/wire"
)

const (
	// NonceSize is the size, in bytes, of the AEAD nonce.
	NonceSize = 12
	// TagSize is the size, in bytes, of the appended GCM tag.
	TagSize = 8
	// KeySize is the size, in bytes, of the pre-shared network key.
	KeySize = 16
)

// ErrAuthFailed is returned by Open when the tag does not verify.
var ErrAuthFailed = errors.New("aead: authentication failed")

// Envelope seals and opens frames under a single pre-shared network key.
// It is safe for concurrent use: the only mutable state is the read-only
// AEAD instance constructed once in New.
type Envelope struct {
	gcm cipher.AEAD
}

// New constructs an Envelope from a 16-byte pre-shared network key.
func New(key []byte) (*Envelope, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("aead: key must be %d bytes, got %d", KeySize, len(key))
	}
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aead: init aes: %w", err)
	}
	g, err := cipher.NewGCMWithTagSize(c, TagSize)
	if err != nil {
		return nil, fmt.Errorf("aead: init gcm: %w", err)
	}
	if n := g.NonceSize(); n != NonceSize {
		return nil, fmt.Errorf("aead: unexpected nonce size %d", n)
	}
	return &Envelope{gcm: g}, nil
}

// Nonce derives the 12-byte AEAD nonce from a base header:
// origin(4) || packet_id(4) || hop_count(1) || packet_type(1) || 0(2).
func Nonce(h wire.BaseHeader) [NonceSize]byte {
	var n [NonceSize]byte
	n[0] = byte(h.Origin)
	n[1] = byte(h.Origin >> 8)
	n[2] = byte(h.Origin >> 16)
	n[3] = byte(h.Origin >> 24)
	n[4] = byte(h.PacketID)
	n[5] = byte(h.PacketID >> 8)
	n[6] = byte(h.PacketID >> 16)
	n[7] = byte(h.PacketID >> 24)
	n[8] = h.HopCount
	n[9] = byte(h.Type)
	n[10] = 0
	n[11] = 0
	return n
}

// aad returns the 20-byte base header exactly as transmitted, which is
// authenticated but not encrypted.
func aad(h wire.BaseHeader) []byte {
	b, _ := h.MarshalBinary()
	return b
}

// Seal encrypts and authenticates plaintext (the extension header plus
// payload) into a newly allocated buffer, appending the tag, and sets
// FLAG_ENCRYPTED on a copy of h. It returns the sealed ciphertext||tag and
// that copy of the header; plaintext and h are left unchanged.
func (e *Envelope) Seal(h wire.BaseHeader, plaintext []byte) (ciphertext []byte, sealedHeader wire.BaseHeader, err error) {
	sealedHeader = h
	sealedHeader.Flags |= wire.FlagEncrypted

	nonce := Nonce(sealedHeader)
	a := aad(sealedHeader)

	out := e.gcm.Seal(nil, nonce[:], plaintext, a)
	return out, sealedHeader, nil
}

// Open authenticates and decrypts ciphertext (ending in an 8-byte tag) into
// a newly allocated buffer using the base header's AAD and derived nonce;
// ciphertext itself is left unchanged. On success it
// returns the plaintext (extension header + payload, tag stripped) and
// clears FLAG_ENCRYPTED from the returned header. On failure it returns
// ErrAuthFailed and the frame must be dropped.
func (e *Envelope) Open(h wire.BaseHeader, ciphertext []byte) (plaintext []byte, openedHeader wire.BaseHeader, err error) {
	nonce := Nonce(h)
	a := aad(h)

	out, err := e.gcm.Open(nil, nonce[:], ciphertext, a)
	if err != nil {
		return nil, h, ErrAuthFailed
	}
	openedHeader = h
	openedHeader.Flags &^= wire.FlagEncrypted
	return out, openedHeader, nil
}

// Overhead returns TagSize, the number of bytes Seal appends.
func (e *Envelope) Overhead() int { return TagSize }
