// Package storagetest holds the behavioural suite every storage backend
// must pass.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/murmur/account"
	"github.com/jmcleod/murmur/ids"
	"github.com/jmcleod/murmur/session"
	"github.com/jmcleod/murmur/storage"
)

func newSession(user ids.UserID, fp session.Fingerprint, expires time.Time) session.Session {
	created := expires.Add(-time.Hour)
	return session.Session{
		ID:          ids.NewSessionID(),
		UserID:      user,
		CreatedAt:   created,
		ExpiresAt:   expires,
		Fingerprint: fp,
	}
}

func assertSameSession(t *testing.T, want, got session.Session) {
	t.Helper()
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.UserID, got.UserID)
	assert.Equal(t, want.Fingerprint, got.Fingerprint)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt), "created_at: want %s, got %s", want.CreatedAt, got.CreatedAt)
	assert.True(t, want.ExpiresAt.Equal(got.ExpiresAt), "expires_at: want %s, got %s", want.ExpiresAt, got.ExpiresAt)
}

// SessionStore runs the common suite against any session.Store.
func SessionStore(t *testing.T, store session.Store) {
	t.Helper()
	ctx := context.Background()
	later := time.Now().UTC().Add(time.Hour).Truncate(time.Microsecond)

	t.Run("InsertAndGet", func(t *testing.T) {
		s := newSession(ids.NewUserID(), session.EmptyFingerprint, later)
		stored, err := store.InsertOrRefresh(ctx, s)
		require.NoError(t, err)
		assertSameSession(t, s, stored)

		got, err := store.GetByID(ctx, s.ID)
		require.NoError(t, err)
		assertSameSession(t, s, got)
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := store.GetByID(ctx, ids.NewSessionID())
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("RefreshOnCollision", func(t *testing.T) {
		user := ids.NewUserID()
		first := newSession(user, session.EmptyFingerprint, later)
		_, err := store.InsertOrRefresh(ctx, first)
		require.NoError(t, err)

		second := newSession(user, session.EmptyFingerprint, later.Add(time.Hour))
		stored, err := store.InsertOrRefresh(ctx, second)
		require.NoError(t, err)
		assert.Equal(t, first.ID, stored.ID)
		assert.True(t, stored.ExpiresAt.Equal(second.ExpiresAt))
		assert.True(t, stored.CreatedAt.Equal(first.CreatedAt))

		got, err := store.GetByID(ctx, first.ID)
		require.NoError(t, err)
		assert.True(t, got.ExpiresAt.Equal(second.ExpiresAt))

		_, err = store.GetByID(ctx, second.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("RefreshIsIdempotent", func(t *testing.T) {
		user := ids.NewUserID()
		s := newSession(user, session.EmptyFingerprint, later)
		a, err := store.InsertOrRefresh(ctx, s)
		require.NoError(t, err)
		b, err := store.InsertOrRefresh(ctx, s)
		require.NoError(t, err)
		assertSameSession(t, a, b)
	})

	t.Run("SeparateFingerprints", func(t *testing.T) {
		user := ids.NewUserID()
		a := newSession(user, session.EmptyFingerprint, later)
		b := newSession(user, session.Fingerprint(`{"device":"phone"}`), later)
		storedA, err := store.InsertOrRefresh(ctx, a)
		require.NoError(t, err)
		storedB, err := store.InsertOrRefresh(ctx, b)
		require.NoError(t, err)
		assert.NotEqual(t, storedA.ID, storedB.ID)
	})

	t.Run("SeparateUsers", func(t *testing.T) {
		a := newSession(ids.NewUserID(), session.EmptyFingerprint, later)
		b := newSession(ids.NewUserID(), session.EmptyFingerprint, later)
		storedA, err := store.InsertOrRefresh(ctx, a)
		require.NoError(t, err)
		storedB, err := store.InsertOrRefresh(ctx, b)
		require.NoError(t, err)
		assert.Equal(t, a.ID, storedA.ID)
		assert.Equal(t, b.ID, storedB.ID)
	})

	t.Run("Replace", func(t *testing.T) {
		user := ids.NewUserID()
		first := newSession(user, session.EmptyFingerprint, later)
		_, err := store.InsertOrRefresh(ctx, first)
		require.NoError(t, err)

		second := newSession(user, session.EmptyFingerprint, later.Add(time.Hour))
		stored, err := store.InsertOrReplace(ctx, second)
		require.NoError(t, err)
		assertSameSession(t, second, stored)

		_, err = store.GetByID(ctx, first.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		got, err := store.GetByID(ctx, second.ID)
		require.NoError(t, err)
		assertSameSession(t, second, got)

		// The replacement owns the (user, fingerprint) slot now.
		third := newSession(user, session.EmptyFingerprint, later.Add(2*time.Hour))
		refreshed, err := store.InsertOrRefresh(ctx, third)
		require.NoError(t, err)
		assert.Equal(t, second.ID, refreshed.ID)
	})

	t.Run("Delete", func(t *testing.T) {
		user := ids.NewUserID()
		s := newSession(user, session.EmptyFingerprint, later)
		_, err := store.InsertOrRefresh(ctx, s)
		require.NoError(t, err)
		require.NoError(t, store.Delete(ctx, s.ID))

		_, err = store.GetByID(ctx, s.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		// The slot is free again.
		next := newSession(user, session.EmptyFingerprint, later)
		stored, err := store.InsertOrRefresh(ctx, next)
		require.NoError(t, err)
		assert.Equal(t, next.ID, stored.ID)
	})

	t.Run("DeleteMissing", func(t *testing.T) {
		assert.NoError(t, store.Delete(ctx, ids.NewSessionID()))
	})

	t.Run("DeleteExpired", func(t *testing.T) {
		past := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
		old1 := newSession(ids.NewUserID(), session.EmptyFingerprint, past)
		old2 := newSession(ids.NewUserID(), session.EmptyFingerprint, past.Add(time.Minute))
		live := newSession(ids.NewUserID(), session.EmptyFingerprint, later)
		for _, s := range []session.Session{old1, old2, live} {
			_, err := store.InsertOrRefresh(ctx, s)
			require.NoError(t, err)
		}

		n, err := store.DeleteExpired(ctx, past.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		_, err = store.GetByID(ctx, old1.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = store.GetByID(ctx, old2.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = store.GetByID(ctx, live.ID)
		assert.NoError(t, err)
	})

	t.Run("ConcurrentRefresh", func(t *testing.T) {
		const workers = 16
		user := ids.NewUserID()
		base := time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC)

		candidates := make([]session.Session, workers)
		for i := range candidates {
			candidates[i] = newSession(user, session.EmptyFingerprint, base.Add(time.Duration(i)*time.Minute))
		}

		returned := make([]ids.SessionID, workers)
		errs := make([]error, workers)
		var wg sync.WaitGroup
		for i := range candidates {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				stored, err := store.InsertOrRefresh(ctx, candidates[i])
				returned[i] = stored.ID
				errs[i] = err
			}(i)
		}
		wg.Wait()

		for i := range errs {
			require.NoError(t, errs[i])
		}
		survivor := returned[0]
		for _, id := range returned {
			assert.Equal(t, survivor, id, "every login must land on one session")
		}
		stored, err := store.GetByID(ctx, survivor)
		require.NoError(t, err)
		assert.Equal(t, user, stored.UserID)

		// A sequential refresh after the race still wins on expiry.
		final := newSession(user, session.EmptyFingerprint, base.Add(time.Hour))
		refreshed, err := store.InsertOrRefresh(ctx, final)
		require.NoError(t, err)
		assert.Equal(t, survivor, refreshed.ID)
		assert.True(t, refreshed.ExpiresAt.Equal(final.ExpiresAt))

		n, err := store.DeleteExpired(ctx, base.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		_, err = store.GetByID(ctx, survivor)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

// UserStore runs the common suite against any account.Store.
func UserStore(t *testing.T, store account.Store) {
	t.Helper()
	ctx := context.Background()

	newUser := func(handle string) account.User {
		return account.User{
			ID:           ids.NewUserID(),
			Handle:       handle,
			DisplayName:  "Display " + handle,
			Email:        handle + "@example.com",
			PasswordHash: "$argon2id$v=19$m=64,t=1,p=1$c2FsdHNhbHQ$ZGlnZXN0ZGlnZXN0",
			CreatedAt:    time.Now().UTC().Truncate(time.Microsecond),
		}
	}
	unique := func(prefix string) string {
		return prefix + "_" + ids.NewUserID().String()[:8]
	}

	t.Run("CreateAndGet", func(t *testing.T) {
		u := newUser(unique("alice"))
		require.NoError(t, store.CreateUser(ctx, u))

		byHandle, err := store.GetUserByHandle(ctx, u.Handle)
		require.NoError(t, err)
		assert.Equal(t, u.ID, byHandle.ID)
		assert.Equal(t, u.PasswordHash, byHandle.PasswordHash)
		assert.Equal(t, u.DisplayName, byHandle.DisplayName)
		assert.Equal(t, u.Email, byHandle.Email)
		assert.True(t, u.CreatedAt.Equal(byHandle.CreatedAt))

		byID, err := store.GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, u.Handle, byID.Handle)
	})

	t.Run("DuplicateHandle", func(t *testing.T) {
		handle := unique("bob")
		require.NoError(t, store.CreateUser(ctx, newUser(handle)))
		err := store.CreateUser(ctx, newUser(handle))
		assert.ErrorIs(t, err, storage.ErrConflict)
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := store.GetUserByHandle(ctx, unique("nobody"))
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = store.GetUserByID(ctx, ids.NewUserID())
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("UpdatePasswordHash", func(t *testing.T) {
		u := newUser(unique("carol"))
		require.NoError(t, store.CreateUser(ctx, u))
		require.NoError(t, store.UpdatePasswordHash(ctx, u.ID, "new-hash"))

		got, err := store.GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, "new-hash", got.PasswordHash)

		err = store.UpdatePasswordHash(ctx, ids.NewUserID(), "x")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}
