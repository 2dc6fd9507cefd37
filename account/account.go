// Package account registers users and checks their passwords.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/jmcleod/murmur/ids"
	"github.com/jmcleod/murmur/internal/util"
	"github.com/jmcleod/murmur/password"
	"github.com/jmcleod/murmur/storage"
)

const (
	minHandleLen   = 3
	maxHandleLen   = 30
	minPasswordLen = 8
	maxPasswordLen = 1024
)

var (
	ErrAccountExists = errors.New("account already exists")
	ErrUserNotFound  = errors.New("user not found")
	// ErrWrongPassword is password.ErrWrongPassword, re-exported so callers
	// only need this package.
	ErrWrongPassword = password.ErrWrongPassword
	// ErrInvalidCredentials replaces both ErrUserNotFound and
	// ErrWrongPassword when the service hides which one happened.
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidHandle      = fmt.Errorf("username must be %d to %d letters, digits, '.' or '_'", minHandleLen, maxHandleLen)
	ErrInvalidPassword    = fmt.Errorf("password must be %d to %d bytes", minPasswordLen, maxPasswordLen)
)

// User is a registered account.
type User struct {
	ID           ids.UserID `json:"id"`
	Handle       string     `json:"handle"`
	DisplayName  string     `json:"display_name,omitempty"`
	Email        string     `json:"email,omitempty"`
	PasswordHash string     `json:"password_hash"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Store persists users. Handles are unique; CreateUser returns
// storage.ErrConflict for a taken handle and lookups return
// storage.ErrNotFound.
type Store interface {
	CreateUser(ctx context.Context, u User) error
	GetUserByHandle(ctx context.Context, handle string) (User, error)
	GetUserByID(ctx context.Context, id ids.UserID) (User, error)
	UpdatePasswordHash(ctx context.Context, id ids.UserID, hash string) error
}

// NormalizeHandle folds a username to the form it is stored and looked up
// by.
func NormalizeHandle(username string) (string, error) {
	h := strings.ToLower(util.Normalize(strings.TrimSpace(username)))
	n := utf8.RuneCountInString(h)
	if n < minHandleLen || n > maxHandleLen {
		return "", ErrInvalidHandle
	}
	for _, r := range h {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '.' {
			return "", ErrInvalidHandle
		}
	}
	return h, nil
}

func checkPassword(pw string) error {
	if len(pw) < minPasswordLen || len(pw) > maxPasswordLen {
		return ErrInvalidPassword
	}
	return nil
}

// Service implements registration and login over a Store.
type Service struct {
	store   Store
	hasher  *password.Hasher
	uniform bool
	dummy   string
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithHasher replaces the default password.Hasher.
func WithHasher(h *password.Hasher) Option {
	return func(s *Service) { s.hasher = h }
}

// WithUniformLoginErrors makes Login report ErrInvalidCredentials for both
// unknown users and wrong passwords.
func WithUniformLoginErrors(enabled bool) Option {
	return func(s *Service) { s.uniform = enabled }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService returns a Service over store.
func NewService(store Store, opts ...Option) (*Service, error) {
	s := &Service{
		store:  store,
		now:    time.Now,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hasher == nil {
		s.hasher = password.NewHasher()
	}
	s.logger = s.logger.With("component", "account")

	// Verified against when the user does not exist so both paths pay for
	// one argon2 computation.
	dummy, err := s.hasher.Hash(context.Background(), "murmur-dummy-password")
	if err != nil {
		return nil, fmt.Errorf("preparing dummy hash: %w", err)
	}
	s.dummy = dummy.String()
	return s, nil
}

// RegisterParams is the input to Register.
type RegisterParams struct {
	Username    string
	Password    string
	DisplayName string
	Email       string
}

// Register creates a user with a freshly hashed password.
func (s *Service) Register(ctx context.Context, p RegisterParams) (User, error) {
	handle, err := NormalizeHandle(p.Username)
	if err != nil {
		return User{}, err
	}
	if err := checkPassword(p.Password); err != nil {
		return User{}, err
	}
	hash, err := s.hasher.Hash(ctx, p.Password)
	if err != nil {
		return User{}, err
	}
	u := User{
		ID:           ids.NewUserID(),
		Handle:       handle,
		DisplayName:  strings.TrimSpace(p.DisplayName),
		Email:        strings.TrimSpace(p.Email),
		PasswordHash: hash.String(),
		CreatedAt:    s.now().UTC().Truncate(time.Microsecond),
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return User{}, ErrAccountExists
		}
		return User{}, fmt.Errorf("creating user: %w", err)
	}
	s.logger.InfoContext(ctx, "user registered", slog.String("user_id", u.ID.String()))
	return u, nil
}

// Login returns the user when password matches the stored hash.
func (s *Service) Login(ctx context.Context, username, pw string) (User, error) {
	handle, err := NormalizeHandle(username)
	if err != nil {
		return User{}, s.unknownUser(ctx, pw)
	}
	u, err := s.store.GetUserByHandle(ctx, handle)
	if errors.Is(err, storage.ErrNotFound) {
		return User{}, s.unknownUser(ctx, pw)
	}
	if err != nil {
		return User{}, fmt.Errorf("loading user: %w", err)
	}
	if err := s.hasher.Verify(ctx, pw, u.PasswordHash); err != nil {
		if errors.Is(err, password.ErrWrongPassword) {
			return User{}, s.loginError(ErrWrongPassword)
		}
		return User{}, err
	}
	return u, nil
}

// unknownUser spends one verification against the dummy hash so a missing
// or malformed handle costs as much as a wrong password.
func (s *Service) unknownUser(ctx context.Context, pw string) error {
	if err := s.hasher.Verify(ctx, pw, s.dummy); err != nil && ctx.Err() != nil {
		return err
	}
	return s.loginError(ErrUserNotFound)
}

func (s *Service) loginError(err error) error {
	if s.uniform {
		return ErrInvalidCredentials
	}
	return err
}

// Get returns the user with id.
func (s *Service) Get(ctx context.Context, id ids.UserID) (User, error) {
	u, err := s.store.GetUserByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return User{}, ErrUserNotFound
	}
	return u, err
}

// ChangePassword replaces the stored hash after checking current. Existing
// sessions are left alone.
func (s *Service) ChangePassword(ctx context.Context, id ids.UserID, current, next string) error {
	u, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.hasher.Verify(ctx, current, u.PasswordHash); err != nil {
		return err
	}
	if err := checkPassword(next); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(ctx, next)
	if err != nil {
		return err
	}
	if err := s.store.UpdatePasswordHash(ctx, id, hash.String()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("updating password: %w", err)
	}
	s.logger.InfoContext(ctx, "password changed", slog.String("user_id", id.String()))
	return nil
}
