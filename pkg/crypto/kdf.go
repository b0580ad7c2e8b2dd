package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SessionKeyInfo is the HKDF context string for chat session keys.
const SessionKeyInfo = "chat-app"

// HKDF runs HKDF-SHA256 extract-and-expand. A nil salt means a 32-byte
// all-zero salt.
func HKDF(secret, salt, info []byte, length int) ([]byte, error) {
	if length <= 0 || length > 255*sha256.Size {
		return nil, fmt.Errorf("hkdf: invalid output length %d", length)
	}

	prk := hkdf.Extract(sha256.New, secret, salt)
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, info), out); err != nil {
		return nil, fmt.Errorf("hkdf: expand failed: %w", err)
	}
	Wipe(prk)

	return out, nil
}

// DeriveSessionKey expands a raw shared secret into a KeySize session key.
func DeriveSessionKey(sharedSecret []byte) ([]byte, error) {
	return HKDF(sharedSecret, nil, []byte(SessionKeyInfo), KeySize)
}

// Wipe zeroes b in place.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
