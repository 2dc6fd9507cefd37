// Package postgres implements session.Store and account.Store backed by
// PostgreSQL.
//
// Uniqueness of (user_id, fingerprint) is a table constraint, so refreshing
// an existing session is a single INSERT ... ON CONFLICT statement.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/murmur/account"
	"github.com/jmcleod/murmur/ids"
	"github.com/jmcleod/murmur/session"
	"github.com/jmcleod/murmur/storage"
)

const uniqueViolation = "23505"

// Store implements session.Store and account.Store.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ session.Store = (*Store)(nil)
	_ account.Store = (*Store)(nil)
)

// NewRepository returns a Store backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Store.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

const sessionColumns = `id::text, user_id::text, created_at, expires_at, fingerprint::text`

func scanSession(row pgx.Row) (session.Session, error) {
	var (
		id, userID, fp string
		sess           session.Session
	)
	if err := row.Scan(&id, &userID, &sess.CreatedAt, &sess.ExpiresAt, &fp); err != nil {
		return session.Session{}, err
	}
	var err error
	if sess.ID, err = ids.ParseSessionID(id); err != nil {
		return session.Session{}, err
	}
	if sess.UserID, err = ids.ParseUserID(userID); err != nil {
		return session.Session{}, err
	}
	// jsonb renders with its own spacing; bring it back to canonical form.
	if sess.Fingerprint, err = session.NewFingerprint([]byte(fp)); err != nil {
		return session.Session{}, err
	}
	return sess, nil
}

func (s *Store) InsertOrRefresh(ctx context.Context, sess session.Session) (session.Session, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO sessions (id, user_id, created_at, expires_at, fingerprint)
		 VALUES ($1, $2, $3, $4, $5::jsonb)
		 ON CONFLICT (user_id, fingerprint)
		 DO UPDATE SET expires_at = EXCLUDED.expires_at
		 RETURNING `+sessionColumns,
		sess.ID.String(), sess.UserID.String(), sess.CreatedAt, sess.ExpiresAt, string(sess.Fingerprint))
	return scanSession(row)
}

func (s *Store) InsertOrReplace(ctx context.Context, sess session.Session) (session.Session, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return session.Session{}, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`DELETE FROM sessions WHERE user_id = $1 AND fingerprint = $2::jsonb`,
		sess.UserID.String(), string(sess.Fingerprint)); err != nil {
		return session.Session{}, err
	}
	stored, err := scanSession(tx.QueryRow(ctx,
		`INSERT INTO sessions (id, user_id, created_at, expires_at, fingerprint)
		 VALUES ($1, $2, $3, $4, $5::jsonb)
		 RETURNING `+sessionColumns,
		sess.ID.String(), sess.UserID.String(), sess.CreatedAt, sess.ExpiresAt, string(sess.Fingerprint)))
	if err != nil {
		return session.Session{}, err
	}
	return stored, tx.Commit(ctx)
}

func (s *Store) GetByID(ctx context.Context, id ids.SessionID) (session.Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return session.Session{}, fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	return sess, err
}

func (s *Store) Delete(ctx context.Context, id ids.SessionID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id.String())
	return err
}

func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

const userColumns = `id::text, handle, display_name, email, password_hash, created_at`

func scanUser(row pgx.Row) (account.User, error) {
	var (
		id string
		u  account.User
	)
	if err := row.Scan(&id, &u.Handle, &u.DisplayName, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		return account.User{}, err
	}
	var err error
	u.ID, err = ids.ParseUserID(id)
	return u, err
}

func (s *Store) CreateUser(ctx context.Context, u account.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, handle, display_name, email, password_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID.String(), u.Handle, u.DisplayName, u.Email, u.PasswordHash, u.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("handle %q: %w", u.Handle, storage.ErrConflict)
	}
	return err
}

func (s *Store) GetUserByHandle(ctx context.Context, handle string) (account.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE handle = $1`, handle))
	if errors.Is(err, pgx.ErrNoRows) {
		return account.User{}, fmt.Errorf("handle %q: %w", handle, storage.ErrNotFound)
	}
	return u, err
}

func (s *Store) GetUserByID(ctx context.Context, id ids.UserID) (account.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return account.User{}, fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
	}
	return u, err
}

func (s *Store) UpdatePasswordHash(ctx context.Context, id ids.UserID, hash string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET password_hash = $2 WHERE id = $1`, id.String(), hash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
	}
	return nil
}
