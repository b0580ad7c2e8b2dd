// Package crypto provides the per-connection secure channel for relaychat.
// Includes X25519 key exchange, HKDF session key derivation and AES-GCM
// sealing of chat lines.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	cryptorand "crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

const (
	// NonceSize is the size of the GCM nonce
	NonceSize = 12

	// TagSize is the size of the GCM authentication tag
	TagSize = 16

	// KeySize is the size of the AES-256 key
	KeySize = 32

	// HandshakeTimeout is the default timeout for key exchange
	HandshakeTimeout = 30 * time.Second
)

// DeriveFingerprint derives a fingerprint from a public key.
// Returns first 16 bytes of SHA256 hash in hex.
func DeriveFingerprint(publicKey []byte) string {
	hash := sha256.Sum256(publicKey)
	return hex.EncodeToString(hash[:16])
}

// SetupAESGCM creates an AES-GCM cipher from a session key.
func SetupAESGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrKeySize, KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("AES cipher creation failed: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCM creation failed: %w", err)
	}

	return gcm, nil
}

// Seal encrypts plaintext under a fresh random nonce.
// Returns: [12-byte nonce][ciphertext][16-byte tag]
func Seal(gcm cipher.AEAD, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := io.ReadFull(cryptorand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("nonce generation failed: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal.
func Open(gcm cipher.AEAD, data []byte) ([]byte, error) {
	if len(data) < NonceSize+TagSize {
		return nil, ErrShortCiphertext
	}

	plaintext, err := gcm.Open(nil, data[:NonceSize], data[NonceSize:], nil)
	if err != nil {
		return nil, ErrAuthentication
	}

	return plaintext, nil
}

// Encrypt seals a UTF-8 message under key and returns the base64 blob.
func Encrypt(key []byte, plaintext string) (string, error) {
	gcm, err := SetupAESGCM(key)
	if err != nil {
		return "", &EncryptionError{Err: err}
	}

	sealed, err := Seal(gcm, []byte(plaintext))
	if err != nil {
		return "", &EncryptionError{Err: err}
	}

	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a base64 blob produced by Encrypt. Any failure is a
// *DecryptionError and no plaintext is returned.
func Decrypt(key []byte, blob string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", &DecryptionError{Err: fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)}
	}

	gcm, err := SetupAESGCM(key)
	if err != nil {
		return "", &DecryptionError{Err: err}
	}

	plaintext, err := Open(gcm, data)
	if err != nil {
		return "", &DecryptionError{Err: err}
	}

	return string(plaintext), nil
}
