package crypto

import "errors"

var (
	// ErrInvalidKey reports a peer public key that is malformed or not a
	// usable X25519 point.
	ErrInvalidKey = errors.New("invalid public key")

	// ErrKeySize reports a symmetric key that is not KeySize bytes long.
	ErrKeySize = errors.New("invalid session key size")

	// ErrMalformedEnvelope reports a blob that is not valid base64.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrShortCiphertext reports a blob too short to hold a nonce and a tag.
	ErrShortCiphertext = errors.New("ciphertext too short")

	// ErrAuthentication reports a tag mismatch: the blob was tampered with or
	// sealed under a different key.
	ErrAuthentication = errors.New("message authentication failed")
)

// HandshakeError is returned by key exchange operations.
type HandshakeError struct {
	Op  string
	Err error
}

func (e *HandshakeError) Error() string {
	return "handshake: " + e.Op + ": " + e.Err.Error()
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// DecryptionError is returned by Decrypt. It never accompanies plaintext.
type DecryptionError struct {
	Err error
}

func (e *DecryptionError) Error() string {
	return "decrypt: " + e.Err.Error()
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// EncryptionError is returned by Encrypt.
type EncryptionError struct {
	Err error
}

func (e *EncryptionError) Error() string {
	return "encrypt: " + e.Err.Error()
}

func (e *EncryptionError) Unwrap() error { return e.Err }
