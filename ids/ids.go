// Package ids defines the opaque identifiers used for users and sessions.
package ids

import (
	"fmt"

	"github.com/google/uuid"
)

// UserID identifies an account.
type UserID struct{ u uuid.UUID }

// SessionID identifies a session record. Its 16 raw bytes are what the
// server signs.
type SessionID struct{ u uuid.UUID }

// NewUserID returns a random (version 4) user id.
func NewUserID() UserID { return UserID{uuid.New()} }

// NewSessionID returns a random (version 4) session id.
func NewSessionID() SessionID { return SessionID{uuid.New()} }

// ParseUserID parses the canonical textual form.
func ParseUserID(s string) (UserID, error) {
	u, err := parse(s)
	return UserID{u}, err
}

// ParseSessionID parses the canonical textual form.
func ParseSessionID(s string) (SessionID, error) {
	u, err := parse(s)
	return SessionID{u}, err
}

// SessionIDFromBytes builds a session id from its raw 16-byte form.
func SessionIDFromBytes(b []byte) (SessionID, error) {
	u, err := uuid.FromBytes(b)
	if err != nil {
		return SessionID{}, fmt.Errorf("session id: %w", err)
	}
	return SessionID{u}, nil
}

func parse(s string) (uuid.UUID, error) {
	// uuid.Parse also accepts urn: and braced forms. Only the canonical
	// 36-character form is accepted here.
	if len(s) != 36 {
		return uuid.Nil, fmt.Errorf("invalid id length %d", len(s))
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id: %w", err)
	}
	return u, nil
}

func (id UserID) String() string { return id.u.String() }
func (id UserID) IsZero() bool { return id.u == uuid.Nil }
func (id SessionID) String() string { return id.u.String() }
func (id SessionID) IsZero() bool { return id.u == uuid.Nil }

// Bytes returns a copy of the 16 raw bytes.
func (id SessionID) Bytes() []byte {
	b := id.u
	return b[:]
}

func (id UserID) MarshalText() ([]byte, error) { return id.u.MarshalText() }

func (id *UserID) UnmarshalText(b []byte) error {
	u, err := parse(string(b))
	if err != nil {
		return err
	}
	id.u = u
	return nil
}

func (id SessionID) MarshalText() ([]byte, error) { return id.u.MarshalText() }

func (id *SessionID) UnmarshalText(b []byte) error {
	u, err := parse(string(b))
	if err != nil {
		return err
	}
	id.u = u
	return nil
}
