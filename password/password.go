// Package password stores and checks user passwords as argon2id hashes in
// PHC string format.
package password

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/jmcleod/murmur/internal/util"
)

var (
	// ErrWrongPassword is returned by Verify for every failure, including a
	// stored hash that cannot be parsed.
	ErrWrongPassword = errors.New("wrong password")
	// ErrMalformedHash is returned by Deserialize.
	ErrMalformedHash = errors.New("malformed password hash")
	// ErrHashing is returned when a hash cannot be produced.
	ErrHashing = errors.New("password hashing failed")
)

const (
	algorithm     = "argon2id"
	minSaltLength = 8
	minKeyLength  = 4
)

// Params are the argon2id cost parameters embedded in every hash.
type Params struct {
	MemoryKiB   uint32
	Time        uint32
	Parallelism uint8
	KeyLen      uint32
	SaltLen     uint32
}

// DefaultParams returns m=19456 KiB, t=2, p=1 with a 32-byte output and a
// 16-byte salt.
func DefaultParams() Params {
	return Params{
		MemoryKiB:   19 * 1024,
		Time:        2,
		Parallelism: 1,
		KeyLen:      32,
		SaltLen:     16,
	}
}

func (p Params) validate() error {
	switch {
	case p.Time < 1:
		return fmt.Errorf("time cost must be at least 1")
	case p.Parallelism < 1:
		return fmt.Errorf("parallelism must be at least 1")
	case p.MemoryKiB < 8*uint32(p.Parallelism):
		return fmt.Errorf("memory must be at least 8 KiB per lane")
	case p.KeyLen < minKeyLength:
		return fmt.Errorf("key length must be at least %d bytes", minKeyLength)
	}
	return nil
}

// Hash is a parsed argon2id hash. Its String form is the PHC string stored
// alongside the user.
type Hash struct {
	Params Params
	Salt   []byte
	Digest []byte
}

// String encodes h as $argon2id$v=19$m=..,t=..,p=..$salt$digest.
func (h Hash) String() string {
	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithm, argon2.Version,
		h.Params.MemoryKiB, h.Params.Time, h.Params.Parallelism,
		util.EncodeBase64(h.Salt), util.EncodeBase64(h.Digest))
}

// Generate hashes password with DefaultParams and a fresh random salt.
func Generate(password string) (Hash, error) {
	return GenerateWithParams(nil, password, DefaultParams())
}

// GenerateWithParams hashes password with params and a salt read from rng.
// A nil rng uses crypto/rand.
func GenerateWithParams(rng io.Reader, password string, params Params) (Hash, error) {
	if params.SaltLen < minSaltLength {
		return Hash{}, fmt.Errorf("%w: salt length must be at least %d bytes", ErrHashing, minSaltLength)
	}
	salt, err := util.RandomBytesFrom(rng, int(params.SaltLen))
	if err != nil {
		return Hash{}, fmt.Errorf("%w: %w", ErrHashing, err)
	}
	return GenerateWithSalt(password, salt, params)
}

// GenerateWithSalt is deterministic for a given salt.
func GenerateWithSalt(password string, salt []byte, params Params) (Hash, error) {
	if len(salt) < minSaltLength {
		return Hash{}, fmt.Errorf("%w: salt length must be at least %d bytes", ErrHashing, minSaltLength)
	}
	if err := params.validate(); err != nil {
		return Hash{}, fmt.Errorf("%w: %w", ErrHashing, err)
	}
	params.SaltLen = uint32(len(salt))
	digest := argon2.IDKey([]byte(password), salt, params.Time, params.MemoryKiB, params.Parallelism, params.KeyLen)
	return Hash{
		Params: params,
		Salt:   util.CopyBytes(salt),
		Digest: digest,
	}, nil
}

// Verify recomputes the digest with the parameters and salt embedded in h.
// Any mismatch yields ErrWrongPassword.
func Verify(password string, h Hash) error {
	if len(h.Salt) < minSaltLength || len(h.Digest) < minKeyLength || h.Params.validate() != nil {
		return ErrWrongPassword
	}
	p := h.Params
	computed := argon2.IDKey([]byte(password), h.Salt, p.Time, p.MemoryKiB, p.Parallelism, uint32(len(h.Digest)))
	defer util.WipeBytes(computed)
	if subtle.ConstantTimeCompare(computed, h.Digest) != 1 {
		return ErrWrongPassword
	}
	return nil
}

// VerifyEncoded parses encoded and verifies password against it. A hash that
// does not parse is reported as ErrWrongPassword.
func VerifyEncoded(password, encoded string) error {
	h, err := Deserialize(encoded)
	if err != nil {
		return ErrWrongPassword
	}
	return Verify(password, h)
}

// Deserialize parses a PHC string produced by Hash.String.
func Deserialize(encoded string) (Hash, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" {
		return Hash{}, fmt.Errorf("%w: invalid PHC format", ErrMalformedHash)
	}
	if parts[1] != algorithm {
		return Hash{}, fmt.Errorf("%w: unsupported algorithm %q", ErrMalformedHash, parts[1])
	}
	version, ok := strings.CutPrefix(parts[2], "v=")
	if !ok {
		return Hash{}, fmt.Errorf("%w: missing version", ErrMalformedHash)
	}
	if v, err := strconv.Atoi(version); err != nil || v != argon2.Version {
		return Hash{}, fmt.Errorf("%w: unsupported version %q", ErrMalformedHash, version)
	}
	params, err := parseParams(parts[3])
	if err != nil {
		return Hash{}, fmt.Errorf("%w: %w", ErrMalformedHash, err)
	}
	salt, err := util.DecodeBase64(parts[4])
	if err != nil || len(salt) < minSaltLength {
		return Hash{}, fmt.Errorf("%w: invalid salt", ErrMalformedHash)
	}
	digest, err := util.DecodeBase64(parts[5])
	if err != nil || len(digest) < minKeyLength {
		return Hash{}, fmt.Errorf("%w: invalid digest", ErrMalformedHash)
	}
	params.SaltLen = uint32(len(salt))
	params.KeyLen = uint32(len(digest))
	if err := params.validate(); err != nil {
		return Hash{}, fmt.Errorf("%w: %w", ErrMalformedHash, err)
	}
	return Hash{Params: params, Salt: salt, Digest: digest}, nil
}

func parseParams(s string) (Params, error) {
	var p Params
	seen := map[string]bool{}
	for _, kv := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || seen[key] {
			return Params{}, fmt.Errorf("invalid parameter %q", kv)
		}
		seen[key] = true
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return Params{}, fmt.Errorf("invalid parameter %q", kv)
		}
		switch key {
		case "m":
			p.MemoryKiB = uint32(n)
		case "t":
			p.Time = uint32(n)
		case "p":
			if n > 255 {
				return Params{}, fmt.Errorf("parallelism %d out of range", n)
			}
			p.Parallelism = uint8(n)
		default:
			return Params{}, fmt.Errorf("unknown parameter %q", key)
		}
	}
	if !seen["m"] || !seen["t"] || !seen["p"] {
		return Params{}, fmt.Errorf("missing cost parameter")
	}
	return p, nil
}
