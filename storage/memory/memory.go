// Package memory provides a thread-safe in-memory implementation of
// session.Store and account.Store.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmcleod/murmur/account"
	"github.com/jmcleod/murmur/ids"
	"github.com/jmcleod/murmur/session"
	"github.com/jmcleod/murmur/storage"
)

type sessionKey struct {
	user        ids.UserID
	fingerprint session.Fingerprint
}

// Repository keeps sessions and users in maps. Suitable for testing, demos,
// and single-process use cases. Everything is lost on restart.
type Repository struct {
	mu       sync.RWMutex
	sessions map[ids.SessionID]session.Session
	byClient map[sessionKey]ids.SessionID
	users    map[ids.UserID]account.User
	handles  map[string]ids.UserID
}

var (
	_ session.Store = (*Repository)(nil)
	_ account.Store = (*Repository)(nil)
)

// NewRepository creates a new empty Repository.
func NewRepository() *Repository {
	return &Repository{
		sessions: make(map[ids.SessionID]session.Session),
		byClient: make(map[sessionKey]ids.SessionID),
		users:    make(map[ids.UserID]account.User),
		handles:  make(map[string]ids.UserID),
	}
}

func keyOf(s session.Session) sessionKey {
	return sessionKey{user: s.UserID, fingerprint: s.Fingerprint}
}

func (r *Repository) InsertOrRefresh(_ context.Context, s session.Session) (session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byClient[keyOf(s)]; ok {
		existing := r.sessions[id]
		existing.ExpiresAt = s.ExpiresAt
		r.sessions[id] = existing
		return existing, nil
	}
	r.insertLocked(s)
	return s, nil
}

func (r *Repository) InsertOrReplace(_ context.Context, s session.Session) (session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byClient[keyOf(s)]; ok {
		delete(r.sessions, id)
	}
	r.insertLocked(s)
	return s, nil
}

func (r *Repository) insertLocked(s session.Session) {
	r.sessions[s.ID] = s
	r.byClient[keyOf(s)] = s.ID
}

func (r *Repository) GetByID(_ context.Context, id ids.SessionID) (session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return session.Session{}, fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	return s, nil
}

func (r *Repository) Delete(_ context.Context, id ids.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteLocked(id)
	return nil
}

func (r *Repository) deleteLocked(id ids.SessionID) {
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	delete(r.sessions, id)
	if r.byClient[keyOf(s)] == id {
		delete(r.byClient, keyOf(s))
	}
}

func (r *Repository) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, s := range r.sessions {
		if s.ExpiredAt(now) {
			r.deleteLocked(id)
			n++
		}
	}
	return n, nil
}

func (r *Repository) CreateUser(_ context.Context, u account.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[u.Handle]; ok {
		return fmt.Errorf("handle %q: %w", u.Handle, storage.ErrConflict)
	}
	if _, ok := r.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, storage.ErrConflict)
	}
	r.users[u.ID] = u
	r.handles[u.Handle] = u.ID
	return nil
}

func (r *Repository) GetUserByHandle(_ context.Context, handle string) (account.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.handles[handle]
	if !ok {
		return account.User{}, fmt.Errorf("handle %q: %w", handle, storage.ErrNotFound)
	}
	return r.users[id], nil
}

func (r *Repository) GetUserByID(_ context.Context, id ids.UserID) (account.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return account.User{}, fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
	}
	return u, nil
}

func (r *Repository) UpdatePasswordHash(_ context.Context, id ids.UserID, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
	}
	u.PasswordHash = hash
	r.users[id] = u
	return nil
}
