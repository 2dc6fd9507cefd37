// Package session mints server-signed sessions and authenticates requests
// that carry them.
//
// A session is a stored record keyed by a random id. The client holds the
// id and an RSA-PSS signature over its 16 raw bytes. Authentication checks
// the signature first and only then reads the record; the identity always
// comes from the record, never from anything the client sent.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jmcleod/murmur/ids"
)

// DefaultDuration is how long a freshly created session stays valid.
const DefaultDuration = 3 * 7 * 24 * time.Hour

var (
	// ErrUnauthorized is the single error a caller sees for any rejected
	// credential.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrStore wraps backend failures that are not a missing record.
	ErrStore = errors.New("session store failure")
	// ErrInvalidFingerprint is returned for a fingerprint that is not a JSON
	// object.
	ErrInvalidFingerprint = errors.New("fingerprint must be a JSON object")
)

// Fingerprint is the canonical JSON object describing the client a session
// was created for. At most one session exists per user and fingerprint.
type Fingerprint string

// EmptyFingerprint is used when the client supplies none.
const EmptyFingerprint Fingerprint = "{}"

// NewFingerprint canonicalizes raw: object keys sorted, whitespace removed.
// Empty input yields EmptyFingerprint.
func NewFingerprint(raw []byte) (Fingerprint, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return EmptyFingerprint, nil
	}
	// Numbers stay as their source text so large integers do not collapse
	// through float64.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidFingerprint, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("%w: trailing data", ErrInvalidFingerprint)
	}
	if obj == nil {
		return "", ErrInvalidFingerprint
	}
	canonical, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidFingerprint, err)
	}
	return Fingerprint(canonical), nil
}

// Session is the server-side record behind a pair of session cookies.
type Session struct {
	ID          ids.SessionID `json:"id"`
	UserID      ids.UserID    `json:"user_id"`
	CreatedAt   time.Time     `json:"created_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
	Fingerprint Fingerprint   `json:"fingerprint"`
}

// ExpiredAt reports whether the session is no longer valid at now.
func (s Session) ExpiredAt(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Store persists sessions. Implementations must enforce uniqueness of
// (UserID, Fingerprint) and return storage.ErrNotFound for missing ids.
type Store interface {
	// InsertOrRefresh inserts s. If a session already exists for the same
	// user and fingerprint, only its ExpiresAt is updated and the existing
	// record (with its original id) is returned.
	InsertOrRefresh(ctx context.Context, s Session) (Session, error)
	// InsertOrReplace inserts s, first removing any session for the same
	// user and fingerprint.
	InsertOrReplace(ctx context.Context, s Session) (Session, error)
	// GetByID returns the session regardless of expiry.
	GetByID(ctx context.Context, id ids.SessionID) (Session, error)
	// Delete removes a session. Deleting a missing id is not an error.
	Delete(ctx context.Context, id ids.SessionID) error
	// DeleteExpired removes sessions with ExpiresAt at or before now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}
