// Package bbolt provides a BBolt-backed implementation of session.Store and
// account.Store.
package bbolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/murmur/account"
	"github.com/jmcleod/murmur/ids"
	"github.com/jmcleod/murmur/session"
	"github.com/jmcleod/murmur/storage"
)

var (
	bucketSessions = []byte("sessions")
	bucketClients  = []byte("session_clients")
	bucketUsers    = []byte("users")
	bucketHandles  = []byte("handles")
)

// Store keeps every record as JSON in a fixed set of buckets.
type Store struct {
	db *bbolt.DB
}

var (
	_ session.Store = (*Store)(nil)
	_ account.Store = (*Store)(nil)
)

// NewRepository returns a Store backed by the given BBolt database, creating
// its buckets if needed.
func NewRepository(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketSessions, bucketClients, bucketUsers, bucketHandles} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns
// a new Store.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewRepository(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func clientKey(user ids.UserID, fp session.Fingerprint) []byte {
	return []byte(user.String() + "|" + string(fp))
}

func getSession(tx *bbolt.Tx, id []byte) (session.Session, bool, error) {
	data := tx.Bucket(bucketSessions).Get(id)
	if data == nil {
		return session.Session{}, false, nil
	}
	var sess session.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return session.Session{}, false, fmt.Errorf("decoding session %s: %w", id, err)
	}
	return sess, true, nil
}

func putSession(tx *bbolt.Tx, sess session.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketSessions).Put([]byte(sess.ID.String()), data); err != nil {
		return err
	}
	return tx.Bucket(bucketClients).Put(clientKey(sess.UserID, sess.Fingerprint), []byte(sess.ID.String()))
}

func deleteSession(tx *bbolt.Tx, id []byte) error {
	sess, ok, err := getSession(tx, id)
	if err != nil || !ok {
		return err
	}
	if err := tx.Bucket(bucketSessions).Delete(id); err != nil {
		return err
	}
	clients := tx.Bucket(bucketClients)
	key := clientKey(sess.UserID, sess.Fingerprint)
	if string(clients.Get(key)) == string(id) {
		return clients.Delete(key)
	}
	return nil
}

func (s *Store) InsertOrRefresh(_ context.Context, sess session.Session) (session.Session, error) {
	result := sess
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if existingID := tx.Bucket(bucketClients).Get(clientKey(sess.UserID, sess.Fingerprint)); existingID != nil {
			existing, ok, err := getSession(tx, existingID)
			if err != nil {
				return err
			}
			if ok {
				existing.ExpiresAt = sess.ExpiresAt
				result = existing
				return putSession(tx, existing)
			}
		}
		return putSession(tx, sess)
	})
	if err != nil {
		return session.Session{}, err
	}
	return result, nil
}

func (s *Store) InsertOrReplace(_ context.Context, sess session.Session) (session.Session, error) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if existingID := tx.Bucket(bucketClients).Get(clientKey(sess.UserID, sess.Fingerprint)); existingID != nil {
			if err := deleteSession(tx, append([]byte(nil), existingID...)); err != nil {
				return err
			}
		}
		return putSession(tx, sess)
	})
	if err != nil {
		return session.Session{}, err
	}
	return sess, nil
}

func (s *Store) GetByID(_ context.Context, id ids.SessionID) (session.Session, error) {
	var (
		sess session.Session
		ok   bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		sess, ok, err = getSession(tx, []byte(id.String()))
		return err
	})
	if err != nil {
		return session.Session{}, err
	}
	if !ok {
		return session.Session{}, fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	return sess, nil
}

func (s *Store) Delete(_ context.Context, id ids.SessionID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return deleteSession(tx, []byte(id.String()))
	})
}

func (s *Store) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var expired [][]byte
		err := tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var sess session.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				// Corrupt entry, remove it too.
				expired = append(expired, append([]byte(nil), k...))
				return nil
			}
			if sess.ExpiredAt(now) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := deleteSession(tx, k); err != nil {
				if err := tx.Bucket(bucketSessions).Delete(k); err != nil {
					return err
				}
			}
		}
		n = len(expired)
		return nil
	})
	return n, err
}

func (s *Store) CreateUser(_ context.Context, u account.User) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		handles := tx.Bucket(bucketHandles)
		if handles.Get([]byte(u.Handle)) != nil {
			return fmt.Errorf("handle %q: %w", u.Handle, storage.ErrConflict)
		}
		users := tx.Bucket(bucketUsers)
		if users.Get([]byte(u.ID.String())) != nil {
			return fmt.Errorf("user %s: %w", u.ID, storage.ErrConflict)
		}
		data, err := json.Marshal(u)
		if err != nil {
			return err
		}
		if err := users.Put([]byte(u.ID.String()), data); err != nil {
			return err
		}
		return handles.Put([]byte(u.Handle), []byte(u.ID.String()))
	})
}

func getUser(tx *bbolt.Tx, id []byte) (account.User, error) {
	data := tx.Bucket(bucketUsers).Get(id)
	if data == nil {
		return account.User{}, fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
	}
	var u account.User
	if err := json.Unmarshal(data, &u); err != nil {
		return account.User{}, fmt.Errorf("decoding user %s: %w", id, err)
	}
	return u, nil
}

func (s *Store) GetUserByHandle(_ context.Context, handle string) (account.User, error) {
	var u account.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketHandles).Get([]byte(handle))
		if id == nil {
			return fmt.Errorf("handle %q: %w", handle, storage.ErrNotFound)
		}
		var err error
		u, err = getUser(tx, id)
		return err
	})
	return u, err
}

func (s *Store) GetUserByID(_ context.Context, id ids.UserID) (account.User, error) {
	var u account.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		u, err = getUser(tx, []byte(id.String()))
		return err
	})
	return u, err
}

func (s *Store) UpdatePasswordHash(_ context.Context, id ids.UserID, hash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		u, err := getUser(tx, []byte(id.String()))
		if err != nil {
			return err
		}
		u.PasswordHash = hash
		data, err := json.Marshal(u)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketUsers).Put([]byte(id.String()), data)
	})
}
