// Package sign holds the server's RSA key pair and the RSA-PSS signatures
// it issues over session identifiers.
package sign

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/jmcleod/murmur/internal/util"
)

// KeyBits is the only modulus size accepted for the server key.
const KeyBits = 2048

var (
	// ErrDecoding is returned when an encoded private key cannot be decoded.
	ErrDecoding = errors.New("private key decoding failed")
	// ErrInvalidKey is returned for keys that decode but are unusable.
	ErrInvalidKey = errors.New("invalid private key")
)

// Keys is the server's signing key and the verifying key derived from it.
// It is immutable after construction and safe for concurrent use.
type Keys struct {
	priv *rsa.PrivateKey
	id   string
}

// GenerateKey creates a fresh 2048-bit RSA private key. A nil rng uses
// crypto/rand.
func GenerateKey(rng io.Reader) (*rsa.PrivateKey, error) {
	if rng == nil {
		rng = rand.Reader
	}
	priv, err := rsa.GenerateKey(rng, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating RSA-%d key: %w", KeyBits, err)
	}
	return priv, nil
}

// NewKeys validates priv and derives the verifying key.
func NewKeys(priv *rsa.PrivateKey) (*Keys, error) {
	if priv == nil {
		return nil, fmt.Errorf("%w: nil key", ErrInvalidKey)
	}
	if bits := priv.N.BitLen(); bits != KeyBits {
		return nil, fmt.Errorf("%w: modulus is %d bits, want %d", ErrInvalidKey, bits, KeyBits)
	}
	if err := priv.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	priv.Precompute()

	pubDER := x509.MarshalPKCS1PublicKey(&priv.PublicKey)
	sum := sha256.Sum256(pubDER)
	return &Keys{priv: priv, id: hex.EncodeToString(sum[:8])}, nil
}

// KeysFromEncoded decodes an EncodePrivateKey string and builds Keys from it.
func KeysFromEncoded(encoded string) (*Keys, error) {
	priv, err := DecodePrivateKey(encoded)
	if err != nil {
		return nil, err
	}
	return NewKeys(priv)
}

// PublicKey returns the verifying key.
func (k *Keys) PublicKey() *rsa.PublicKey {
	return &k.priv.PublicKey
}

// ID is a short fingerprint of the public key, safe to log.
func (k *Keys) ID() string {
	return k.id
}

// EncodePrivateKey serializes priv as PKCS#1 DER encoded with unpadded
// standard base64.
func EncodePrivateKey(priv *rsa.PrivateKey) string {
	der := x509.MarshalPKCS1PrivateKey(priv)
	defer util.WipeBytes(der)
	return util.EncodeBase64(der)
}

// DecodePrivateKey is the inverse of EncodePrivateKey. PKCS#8 DER is
// accepted as well. Every failure wraps ErrDecoding.
func DecodePrivateKey(encoded string) (*rsa.PrivateKey, error) {
	if encoded == "" {
		return nil, fmt.Errorf("%w: empty input", ErrDecoding)
	}
	der, err := util.DecodeBase64(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecoding, err)
	}
	defer util.WipeBytes(der)

	priv, err := x509.ParsePKCS1PrivateKey(der)
	if err == nil {
		return priv, nil
	}
	key, pkcs8Err := x509.ParsePKCS8PrivateKey(der)
	if pkcs8Err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecoding, err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrDecoding)
	}
	return priv, nil
}
