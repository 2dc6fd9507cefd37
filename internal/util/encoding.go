package util

import (
	"encoding/base64"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize folds compatibility forms so visually identical input compares
// equal.
func Normalize(s string) string {
	return norm.NFKC.String(s)
}

// EncodeBase64 uses the standard alphabet without padding.
func EncodeBase64(b []byte) string {
	return base64.RawStdEncoding.EncodeToString(b)
}

// DecodeBase64 accepts the standard or URL-safe alphabet, padded or not.
// Non-zero trailing bits are rejected, so each byte string has exactly one
// unpadded encoding per alphabet.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	if strings.ContainsAny(s, "-_") {
		return base64.RawURLEncoding.Strict().DecodeString(s)
	}
	return base64.RawStdEncoding.Strict().DecodeString(s)
}
