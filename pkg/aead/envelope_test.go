package aead

import (
	"bytes"
	"testing"

	"github.com/meshrtr/meshrtr/pkg/wire"
)

func testKey() []byte {
	return []byte("0123456789abcdef")
}

func TestSealOpenRoundTrip(t *testing.T) {
	e, err := New(testKey())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	h := wire.BaseHeader{
		DestNode: 200,
		PrevHop:  100,
		Origin:   100,
		PacketID: 0x1234,
		Type:     wire.DATA,
		HopCount: 1,
	}
	plaintext := []byte("hello mesh")

	ct, sealedH, err := e.Seal(h, append([]byte(nil), plaintext...))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !sealedH.Flags.Has(wire.FlagEncrypted) {
		t.Fatal("Seal did not set FLAG_ENCRYPTED")
	}
	if len(ct) != len(plaintext)+TagSize {
		t.Fatalf("expected ciphertext len %d, got %d", len(plaintext)+TagSize, len(ct))
	}

	pt, openedH, err := e.Open(sealedH, ct)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if openedH.Flags.Has(wire.FlagEncrypted) {
		t.Fatal("Open did not clear FLAG_ENCRYPTED")
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("round trip mismatch: got %q, want %q", pt, plaintext)
	}
}

func TestOpenFailsOnTamperedHeader(t *testing.T) {
	e, err := New(testKey())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := wire.BaseHeader{Origin: 1, PacketID: 2, Type: wire.DATA, HopCount: 1}
	ct, sealedH, err := e.Seal(h, []byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	tampered := sealedH
	tampered.HopCount = 2 // mutate one AAD byte in flight

	if _, _, err := e.Open(tampered, ct); err != ErrAuthFailed {
		t.Fatalf("expected ErrAuthFailed for tampered header, got %v", err)
	}
}

func TestOpenFailsOnTamperedCiphertext(t *testing.T) {
	e, err := New(testKey())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := wire.BaseHeader{Origin: 1, PacketID: 2, Type: wire.DATA, HopCount: 1}
	ct, sealedH, err := e.Seal(h, []byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	ct[0] ^= 0xff

	if _, _, err := e.Open(sealedH, ct); err != ErrAuthFailed {
		t.Fatalf("expected ErrAuthFailed for tampered ciphertext, got %v", err)
	}
}

func TestNonceDerivation(t *testing.T) {
	h := wire.BaseHeader{
		Origin:   0x04030201,
		PacketID: 0x08070605,
		HopCount: 0x09,
		Type:     wire.RREQ,
	}
	n := Nonce(h)
	want := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, byte(wire.RREQ), 0, 0}
	if !bytes.Equal(n[:], want) {
		t.Fatalf("nonce mismatch: got % x, want % x", n, want)
	}
}

func TestNewRejectsBadKeySize(t *testing.T) {
	if _, err := New([]byte("short")); err == nil {
		t.Fatal("expected error for short key")
	}
}
