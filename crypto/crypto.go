// Package crypto implements the cryptographic primitives underlying the
// secure session handshake and frame encryption: HKDF-SHA256 key
// derivation, AES-256-GCM seal/open, HMAC-SHA256, constant-time comparison,
// and CSPRNG byte generation.
//
// Nonces are drawn fresh per Seal call from crypto/rand. At 96 bits and a
// cryptographic RNG, collision probability across the lifetime of any one
// session is negligible; no counter is used (see DESIGN.md, "Nonce
// strategy").
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/proxycore-io/secureproxy/internal/xerrors"
)

const (
	// KeySize is the length, in bytes, of the PSK and of each derived
	// AEAD key.
	KeySize = 32

	// NonceSize is the length, in bytes, of the AES-GCM nonce prefixed to
	// every sealed frame.
	NonceSize = 12

	// TagSize is the length, in bytes, of the AES-GCM authentication tag
	// suffixed to every sealed frame.
	TagSize = 16

	// FrameOverhead is the number of bytes Seal adds to a plaintext:
	// NonceSize + TagSize.
	FrameOverhead = NonceSize + TagSize

	hkdfInfo = "secure-proxy-v1"
)

// DeriveKeys runs HKDF-SHA256 with IKM=psk, salt=salt, info="secure-proxy-v1"
// to produce 64 bytes of output, split at offset 32: the first half is
// sendKey, the second half is recvKey. Callers on either end of the
// handshake must supply salt in the same order —
// client_public ‖ server_public — or the derived keys will not mirror.
func DeriveKeys(psk, salt []byte) (sendKey, recvKey []byte, err error) {
	if len(psk) != KeySize {
		return nil, nil, xerrors.Tracef("psk must be %d bytes, got %d", KeySize, len(psk))
	}

	out := make([]byte, 2*KeySize)
	r := hkdf.New(sha256.New, psk, salt, []byte(hkdfInfo))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, nil, xerrors.Trace(err)
	}

	sendKey = out[:KeySize]
	recvKey = out[KeySize:]
	return sendKey, recvKey, nil
}

// Seal generates a fresh random 12-byte nonce and returns
// nonce ‖ AES-256-GCM(key, nonce, plaintext) ‖ tag as one frame. The
// returned frame is len(plaintext) + FrameOverhead bytes.
func Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, xerrors.Trace(err)
	}

	nonce, err := RandomBytes(NonceSize)
	if err != nil {
		return nil, xerrors.Trace(err)
	}

	frame := make([]byte, 0, NonceSize+len(plaintext)+TagSize)
	frame = append(frame, nonce...)
	frame = aead.Seal(frame, nonce, plaintext, nil)
	return frame, nil
}

// Open splits the leading 12-byte nonce from frame and runs AES-256-GCM
// open. Frames shorter than FrameOverhead are rejected without touching
// the cipher. Any tag mismatch returns an error; the caller must treat
// that as fatal to the session (spec.md §7 AuthError).
func Open(key, frame []byte) ([]byte, error) {
	if len(frame) < FrameOverhead {
		return nil, xerrors.Tracef("frame too short: %d bytes", len(frame))
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, xerrors.Trace(err)
	}

	nonce := frame[:NonceSize]
	ciphertext := frame[NonceSize:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, xerrors.NewAuthError("frame authentication failed")
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, xerrors.Tracef("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, xerrors.Trace(err)
	}
	return cipher.NewGCM(block)
}

// HMAC returns HMAC-SHA256(key, msg).
func HMAC(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

// ConstantTimeEqual reports whether a and b are equal, in time independent
// of the position of the first differing byte.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// RandomBytes returns n bytes drawn from a cryptographically secure RNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, xerrors.Trace(err)
	}
	return b, nil
}
