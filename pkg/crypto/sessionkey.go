package crypto

import (
	"crypto/ecdh"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
)

// SessionKey keeps a derived session key sealed in a memguard enclave. The
// key is only decrypted into locked memory for the duration of one
// Encrypt or Decrypt call.
type SessionKey struct {
	mu      sync.RWMutex
	enclave *memguard.Enclave
}

// NewSessionKey moves key into an enclave. The caller's slice is wiped.
func NewSessionKey(key []byte) (*SessionKey, error) {
	if len(key) != KeySize {
		Wipe(key)
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrKeySize, KeySize, len(key))
	}
	return &SessionKey{enclave: memguard.NewEnclave(key)}, nil
}

// EstablishSessionKey runs the full key agreement for one side of a
// connection: ECDH, HKDF, then enclave custody. The shared secret does not
// outlive the call.
func EstablishSessionKey(priv *ecdh.PrivateKey, peer *ecdh.PublicKey) (*SessionKey, error) {
	secret, err := ComputeSharedSecret(priv, peer)
	if err != nil {
		return nil, err
	}
	defer Wipe(secret)

	key, err := DeriveSessionKey(secret)
	if err != nil {
		return nil, &HandshakeError{Op: "derive key", Err: err}
	}
	return NewSessionKey(key)
}

func (k *SessionKey) open() (*memguard.LockedBuffer, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.enclave == nil {
		return nil, fmt.Errorf("%w: key destroyed", ErrKeySize)
	}
	return k.enclave.Open()
}

// Encrypt seals plaintext under the session key.
func (k *SessionKey) Encrypt(plaintext string) (string, error) {
	buf, err := k.open()
	if err != nil {
		return "", &EncryptionError{Err: err}
	}
	defer buf.Destroy()

	return Encrypt(buf.Bytes(), plaintext)
}

// Decrypt opens a blob sealed under the session key.
func (k *SessionKey) Decrypt(blob string) (string, error) {
	buf, err := k.open()
	if err != nil {
		return "", &DecryptionError{Err: err}
	}
	defer buf.Destroy()

	return Decrypt(buf.Bytes(), blob)
}

// Destroy drops the enclave. Later Encrypt and Decrypt calls fail.
func (k *SessionKey) Destroy() {
	k.mu.Lock()
	k.enclave = nil
	k.mu.Unlock()
}
