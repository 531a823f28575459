package crypto

import (
	"bytes"
	"crypto/sha256"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/hkdf"
)

func TestDeriveKeysMirrorAcrossEndpoints(t *testing.T) {
	psk := bytes.Repeat([]byte{0x00}, KeySize)
	clientPublic := bytes.Repeat([]byte{0x00}, 32)
	serverPublic := bytes.Repeat([]byte{0x01}, 32)
	salt := append(append([]byte{}, clientPublic...), serverPublic...)

	clientSend, clientRecv, err := DeriveKeys(psk, salt)
	require.NoError(t, err)

	// The relay derives keys with the identical salt ordering but takes
	// the halves mirrored (first half as its recv key), so its send key
	// must equal the client's recv key and vice versa.
	serverRecv, serverSend, err := DeriveKeys(psk, salt)
	require.NoError(t, err)

	assert.Equal(t, clientSend, serverRecv)
	assert.Equal(t, clientRecv, serverSend)

	expected := make([]byte, 64)
	r := hkdf.New(sha256.New, psk, salt, []byte("secure-proxy-v1"))
	_, err = io.ReadFull(r, expected)
	require.NoError(t, err)

	assert.Equal(t, expected[:32], clientSend)
	assert.Equal(t, expected[32:], clientRecv)
}

func TestDeriveKeysSaltOrderMatters(t *testing.T) {
	psk := bytes.Repeat([]byte{0x42}, KeySize)
	a := bytes.Repeat([]byte{0x01}, 32)
	b := bytes.Repeat([]byte{0x02}, 32)

	send1, recv1, err := DeriveKeys(psk, append(append([]byte{}, a...), b...))
	require.NoError(t, err)

	send2, recv2, err := DeriveKeys(psk, append(append([]byte{}, b...), a...))
	require.NoError(t, err)

	assert.NotEqual(t, send1, send2)
	assert.NotEqual(t, recv1, recv2)
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x07}, KeySize)
	messages := [][]byte{
		nil,
		[]byte("hello"),
		bytes.Repeat([]byte{0xAB}, 4096),
	}

	for _, msg := range messages {
		frame, err := Seal(key, msg)
		require.NoError(t, err)
		assert.Equal(t, len(msg)+FrameOverhead, len(frame))

		plaintext, err := Open(key, frame)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(msg, plaintext))
	}
}

func TestOpenRejectsBitFlip(t *testing.T) {
	key := bytes.Repeat([]byte{0x09}, KeySize)
	frame, err := Seal(key, []byte("payload"))
	require.NoError(t, err)

	for i := range frame {
		tampered := append([]byte(nil), frame...)
		tampered[i] ^= 0x01
		_, err := Open(key, tampered)
		assert.Error(t, err, "bit flip at offset %d should fail authentication", i)
	}
}

func TestOpenRejectsShortFrame(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, KeySize)
	_, err := Open(key, make([]byte, FrameOverhead-1))
	assert.Error(t, err)
}

func TestSealProducesUniqueNonces(t *testing.T) {
	key := bytes.Repeat([]byte{0x0A}, KeySize)
	seen := map[string]bool{}
	for i := 0; i < 256; i++ {
		frame, err := Seal(key, []byte("x"))
		require.NoError(t, err)
		nonce := string(frame[:NonceSize])
		assert.False(t, seen[nonce], "nonce reuse detected")
		seen[nonce] = true
	}
}

func TestHMACAndConstantTimeEqual(t *testing.T) {
	key := []byte("send-key")
	tag := HMAC(key, []byte("auth"))
	assert.Len(t, tag, 32)
	assert.True(t, ConstantTimeEqual(tag, HMAC(key, []byte("auth"))))
	assert.False(t, ConstantTimeEqual(tag, HMAC(key, []byte("ok"))))
	assert.False(t, ConstantTimeEqual(tag, tag[:16]))
}

func TestRandomBytesLength(t *testing.T) {
	b, err := RandomBytes(32)
	require.NoError(t, err)
	assert.Len(t, b, 32)
}
