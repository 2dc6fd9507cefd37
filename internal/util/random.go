package util

import (
	"crypto/rand"
	"fmt"
	"io"
)

// RandomBytes reads n bytes from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	return RandomBytesFrom(rand.Reader, n)
}

// RandomBytesFrom reads exactly n bytes from rng. A nil rng falls back to
// crypto/rand.
func RandomBytesFrom(rng io.Reader, n int) ([]byte, error) {
	if rng == nil {
		rng = rand.Reader
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(rng, b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}
