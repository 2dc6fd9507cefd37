package sign

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/jmcleod/murmur/internal/util"
)

// SignatureSize is the byte length of every signature made with a KeyBits key.
const SignatureSize = KeyBits / 8

// ErrInvalidSignature is the only error verification reports.
var ErrInvalidSignature = errors.New("invalid signature")

var pssOptions = &rsa.PSSOptions{
	SaltLength: rsa.PSSSaltLengthEqualsHash,
	Hash:       crypto.SHA256,
}

// Signature is an RSA-PSS (SHA-256) signature.
type Signature struct {
	b []byte
}

// SignatureFromBytes wraps raw signature bytes. Any length other than
// SignatureSize is rejected.
func SignatureFromBytes(b []byte) (Signature, error) {
	if len(b) != SignatureSize {
		return Signature{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(b))
	}
	return Signature{b: util.CopyBytes(b)}, nil
}

// DecodeSignature parses the base64 form produced by Encode. Only that exact
// form is accepted: padded, URL-safe or otherwise re-spelled encodings of the
// same bytes are rejected.
func DecodeSignature(s string) (Signature, error) {
	b, err := util.DecodeBase64(s)
	if err != nil {
		return Signature{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	if util.EncodeBase64(b) != s {
		return Signature{}, fmt.Errorf("%w: non-canonical encoding", ErrInvalidSignature)
	}
	return SignatureFromBytes(b)
}

// Bytes returns a copy of the raw signature.
func (s Signature) Bytes() []byte { return util.CopyBytes(s.b) }

// Encode returns unpadded standard base64, the cookie form.
func (s Signature) Encode() string { return util.EncodeBase64(s.b) }

func (s Signature) String() string { return s.Encode() }

// Sign signs data with a random PSS salt, so signing the same data twice
// gives different signatures. A nil rng uses crypto/rand.
func (k *Keys) Sign(rng io.Reader, data []byte) (Signature, error) {
	if rng == nil {
		rng = rand.Reader
	}
	digest := sha256.Sum256(data)
	b, err := rsa.SignPSS(rng, k.priv, crypto.SHA256, digest[:], pssOptions)
	if err != nil {
		return Signature{}, fmt.Errorf("signing: %w", err)
	}
	return Signature{b: b}, nil
}

// Verify checks sig over data with the verifying key.
func (k *Keys) Verify(data []byte, sig Signature) error {
	if len(sig.b) != SignatureSize {
		return ErrInvalidSignature
	}
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPSS(&k.priv.PublicKey, crypto.SHA256, digest[:], sig.b, pssOptions); err != nil {
		return ErrInvalidSignature
	}
	return nil
}
