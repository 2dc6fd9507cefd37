package sign

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

func sharedKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		k, err := GenerateKey(nil)
		if err != nil {
			t.Fatalf("GenerateKey: %v", err)
		}
		testKey = k
	})
	return testKey
}

func sharedKeys(t *testing.T) *Keys {
	t.Helper()
	k, err := NewKeys(sharedKey(t))
	require.NoError(t, err)
	return k
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	priv := sharedKey(t)
	encoded := EncodePrivateKey(priv)

	assert.False(t, strings.ContainsAny(encoded, "=-_\n"), "expected unpadded standard base64")

	decoded, err := DecodePrivateKey(encoded)
	require.NoError(t, err)
	assert.True(t, priv.Equal(decoded))

	keys, err := KeysFromEncoded(encoded)
	require.NoError(t, err)
	assert.True(t, priv.PublicKey.Equal(keys.PublicKey()))
	assert.Len(t, keys.ID(), 16)
}

func TestDecodeAcceptsPKCS8(t *testing.T) {
	priv := sharedKey(t)
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)

	decoded, err := DecodePrivateKey(base64.StdEncoding.EncodeToString(der))
	require.NoError(t, err)
	assert.True(t, priv.Equal(decoded))
}

func TestDecodeRejects(t *testing.T) {
	ec, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	ecDER, err := x509.MarshalPKCS8PrivateKey(ec)
	require.NoError(t, err)

	valid := EncodePrivateKey(sharedKey(t))
	cases := map[string]string{
		"empty":       "",
		"not base64":  "this is *not* base64!",
		"random":      base64.RawStdEncoding.EncodeToString([]byte("definitely not DER")),
		"truncated":   valid[:len(valid)/2],
		"ecdsa pkcs8": base64.RawStdEncoding.EncodeToString(ecDER),
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				_, err := DecodePrivateKey(in)
				assert.ErrorIs(t, err, ErrDecoding)
			})
		})
	}
}

func TestNewKeysRejectsWrongSize(t *testing.T) {
	small, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	_, err = NewKeys(small)
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = KeysFromEncoded(EncodePrivateKey(small))
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = NewKeys(nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestSignVerify(t *testing.T) {
	keys := sharedKeys(t)
	data := []byte("0123456789abcdef")

	sig, err := keys.Sign(rand.Reader, data)
	require.NoError(t, err)
	assert.Len(t, sig.Bytes(), SignatureSize)
	assert.NoError(t, keys.Verify(data, sig))

	t.Run("Randomized", func(t *testing.T) {
		again, err := keys.Sign(nil, data)
		require.NoError(t, err)
		assert.NotEqual(t, sig.Bytes(), again.Bytes())
		assert.NoError(t, keys.Verify(data, again))
	})

	t.Run("OtherData", func(t *testing.T) {
		assert.ErrorIs(t, keys.Verify([]byte("fedcba9876543210"), sig), ErrInvalidSignature)
	})

	t.Run("Tampered", func(t *testing.T) {
		raw := sig.Bytes()
		raw[len(raw)/2] ^= 0x01
		tampered, err := SignatureFromBytes(raw)
		require.NoError(t, err)
		assert.ErrorIs(t, keys.Verify(data, tampered), ErrInvalidSignature)
	})

	t.Run("EmptySignature", func(t *testing.T) {
		assert.ErrorIs(t, keys.Verify(data, Signature{}), ErrInvalidSignature)
	})
}

func TestVerifyWithOtherKeyFails(t *testing.T) {
	keys := sharedKeys(t)
	otherPriv, err := GenerateKey(rand.Reader)
	require.NoError(t, err)
	other, err := NewKeys(otherPriv)
	require.NoError(t, err)

	data := []byte("session")
	sig, err := other.Sign(rand.Reader, data)
	require.NoError(t, err)
	assert.ErrorIs(t, keys.Verify(data, sig), ErrInvalidSignature)
}

func TestSignatureFromBytesLength(t *testing.T) {
	for _, n := range []int{0, 1, SignatureSize - 1, SignatureSize + 1, 512} {
		_, err := SignatureFromBytes(make([]byte, n))
		assert.ErrorIs(t, err, ErrInvalidSignature, "length %d", n)
	}
	_, err := SignatureFromBytes(make([]byte, SignatureSize))
	assert.NoError(t, err)
}

func TestEncodeDecodeSignature(t *testing.T) {
	keys := sharedKeys(t)
	sig, err := keys.Sign(rand.Reader, []byte("x"))
	require.NoError(t, err)

	decoded, err := DecodeSignature(sig.Encode())
	require.NoError(t, err)
	assert.Equal(t, sig.Bytes(), decoded.Bytes())

	// Other spellings of the same bytes are not the cookie form.
	for _, alt := range []string{
		base64.StdEncoding.EncodeToString(sig.Bytes()),
		base64.URLEncoding.EncodeToString(sig.Bytes()),
		base64.RawURLEncoding.EncodeToString(sig.Bytes()),
	} {
		if alt == sig.Encode() {
			continue
		}
		_, err = DecodeSignature(alt)
		assert.ErrorIs(t, err, ErrInvalidSignature, alt)
	}

	_, err = DecodeSignature("%%%")
	assert.ErrorIs(t, err, ErrInvalidSignature)
	_, err = DecodeSignature(base64.RawStdEncoding.EncodeToString([]byte("short")))
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestDecodeSignatureRejectsEveryLastCharacterChange(t *testing.T) {
	keys := sharedKeys(t)
	sig, err := keys.Sign(rand.Reader, []byte("session"))
	require.NoError(t, err)
	enc := sig.Encode()
	require.Len(t, enc, 342)

	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"
	last := enc[len(enc)-1]
	for i := 0; i < len(alphabet); i++ {
		c := alphabet[i]
		if c == last {
			continue
		}
		tampered := enc[:len(enc)-1] + string(c)
		decoded, err := DecodeSignature(tampered)
		if err != nil {
			assert.ErrorIs(t, err, ErrInvalidSignature)
			continue
		}
		// Decodable variants carry different bytes and fail verification.
		assert.NotEqual(t, sig.Bytes(), decoded.Bytes(), "%q -> %q", last, c)
		assert.Error(t, keys.Verify([]byte("session"), decoded), "%q -> %q", last, c)
	}
}
