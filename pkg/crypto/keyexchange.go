package crypto

import (
	"crypto/ecdh"
	cryptorand "crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"
)

// PublicKeySize is the size of a raw X25519 public key.
const PublicKeySize = 32

// GenerateKeyPair generates a new ephemeral X25519 key pair. The public half
// is available through PublicKey().
func GenerateKeyPair() (*ecdh.PrivateKey, error) {
	key, err := ecdh.X25519().GenerateKey(cryptorand.Reader)
	if err != nil {
		return nil, &HandshakeError{Op: "generate key", Err: err}
	}
	return key, nil
}

// EncodePublicKey serializes a public key as base64 of its DER
// SubjectPublicKeyInfo.
func EncodePublicKey(pub *ecdh.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", &HandshakeError{Op: "encode key", Err: fmt.Errorf("%w: %v", ErrInvalidKey, err)}
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// DecodePublicKey parses a public key produced by EncodePublicKey. A bare
// base64 encoded 32-byte X25519 key is accepted as well.
func DecodePublicKey(s string) (*ecdh.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, &HandshakeError{Op: "decode key", Err: fmt.Errorf("%w: %v", ErrInvalidKey, err)}
	}

	if len(raw) == PublicKeySize {
		pub, err := ecdh.X25519().NewPublicKey(raw)
		if err != nil {
			return nil, &HandshakeError{Op: "decode key", Err: fmt.Errorf("%w: %v", ErrInvalidKey, err)}
		}
		return pub, nil
	}

	parsed, err := x509.ParsePKIXPublicKey(raw)
	if err != nil {
		return nil, &HandshakeError{Op: "decode key", Err: fmt.Errorf("%w: %v", ErrInvalidKey, err)}
	}

	pub, ok := parsed.(*ecdh.PublicKey)
	if !ok || pub.Curve() != ecdh.X25519() {
		return nil, &HandshakeError{Op: "decode key", Err: fmt.Errorf("%w: not an X25519 key", ErrInvalidKey)}
	}
	return pub, nil
}

// ComputeSharedSecret performs X25519 with our private key and the peer's
// public key. Both sides of a correct pairing obtain identical bytes.
func ComputeSharedSecret(priv *ecdh.PrivateKey, peer *ecdh.PublicKey) ([]byte, error) {
	if priv == nil || peer == nil {
		return nil, &HandshakeError{Op: "ecdh", Err: ErrInvalidKey}
	}

	secret, err := priv.ECDH(peer)
	if err != nil {
		return nil, &HandshakeError{Op: "ecdh", Err: fmt.Errorf("%w: %v", ErrInvalidKey, err)}
	}
	return secret, nil
}
