package password

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// Hasher bounds how many argon2id computations run at once. Each one
// allocates Params.MemoryKiB, so an unbounded burst of logins can exhaust
// memory.
type Hasher struct {
	params Params
	rng    io.Reader
	sem    *semaphore.Weighted
}

// HasherOption configures a Hasher.
type HasherOption func(*Hasher)

// WithParams overrides DefaultParams for newly generated hashes.
func WithParams(p Params) HasherOption {
	return func(h *Hasher) { h.params = p }
}

// WithRand sets the salt source.
func WithRand(rng io.Reader) HasherOption {
	return func(h *Hasher) { h.rng = rng }
}

// WithConcurrency caps parallel computations. Values below 1 are ignored.
func WithConcurrency(n int) HasherOption {
	return func(h *Hasher) {
		if n > 0 {
			h.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// NewHasher returns a Hasher limited to runtime.NumCPU concurrent
// computations unless WithConcurrency says otherwise.
func NewHasher(opts ...HasherOption) *Hasher {
	h := &Hasher{
		params: DefaultParams(),
		rng:    rand.Reader,
		sem:    semaphore.NewWeighted(int64(runtime.NumCPU())),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Params returns the parameters used for new hashes.
func (h *Hasher) Params() Params { return h.params }

// Hash waits for a free slot, then hashes password with a fresh salt.
func (h *Hasher) Hash(ctx context.Context, password string) (Hash, error) {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return Hash{}, fmt.Errorf("%w: %w", ErrHashing, err)
	}
	defer h.sem.Release(1)
	return GenerateWithParams(h.rng, password, h.params)
}

// Verify waits for a free slot, then checks password against the encoded
// hash. A cancelled context is returned as is; every other failure is
// ErrWrongPassword.
func (h *Hasher) Verify(ctx context.Context, password, encoded string) error {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer h.sem.Release(1)
	return VerifyEncoded(password, encoded)
}
