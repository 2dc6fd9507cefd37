package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmcleod/murmur/ids"
	"github.com/jmcleod/murmur/sign"
)

// Issued is a session together with the signature over its id: everything
// the client needs to present later.
type Issued struct {
	Session   Session
	Signature sign.Signature
}

// Config controls session creation.
type Config struct {
	// Duration is used by Start. Zero means DefaultDuration.
	Duration time.Duration
	// RotateOnLogin replaces an existing session for the same user and
	// fingerprint with a new id instead of extending it.
	RotateOnLogin bool
}

// Service creates, signs and revokes sessions.
type Service struct {
	store  Store
	keys   *sign.Keys
	cfg    Config
	rng    io.Reader
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Service or an Authenticator.
type Option func(*options)

type options struct {
	rng    io.Reader
	now    func() time.Time
	logger *slog.Logger
	report func(Result)
}

// WithRand sets the randomness used for signing.
func WithRand(rng io.Reader) Option {
	return func(o *options) { o.rng = rng }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger used for debug output.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithReporter registers a callback receiving the outcome of every
// authentication attempt.
func WithReporter(fn func(Result)) Option {
	return func(o *options) { o.report = fn }
}

func buildOptions(opts []Option) options {
	o := options{
		rng:    rand.Reader,
		now:    time.Now,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewService returns a Service writing to store and signing with keys.
func NewService(store Store, keys *sign.Keys, cfg Config, opts ...Option) *Service {
	if cfg.Duration == 0 {
		cfg.Duration = DefaultDuration
	}
	o := buildOptions(opts)
	return &Service{
		store:  store,
		keys:   keys,
		cfg:    cfg,
		rng:    o.rng,
		now:    o.now,
		logger: o.logger.With("component", "session"),
	}
}

// Create stores a session for userID that expires after duration. When the
// user already has a session for fingerprint, that record is refreshed
// (or replaced, with RotateOnLogin) and returned instead.
func (s *Service) Create(ctx context.Context, userID ids.UserID, duration time.Duration, fingerprint Fingerprint) (Session, error) {
	if userID.IsZero() {
		return Session{}, fmt.Errorf("creating session: empty user id")
	}
	if duration < 0 {
		return Session{}, fmt.Errorf("creating session: negative duration %s", duration)
	}
	if fingerprint == "" {
		fingerprint = EmptyFingerprint
	}
	now := s.now().UTC().Truncate(time.Microsecond)
	candidate := Session{
		ID:          ids.NewSessionID(),
		UserID:      userID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(duration),
		Fingerprint: fingerprint,
	}

	var (
		stored Session
		err    error
	)
	if s.cfg.RotateOnLogin {
		stored, err = s.store.InsertOrReplace(ctx, candidate)
	} else {
		stored, err = s.store.InsertOrRefresh(ctx, candidate)
	}
	if err != nil {
		return Session{}, fmt.Errorf("%w: %w", ErrStore, err)
	}
	s.logger.DebugContext(ctx, "session stored",
		slog.String("user_id", userID.String()),
		slog.String("session_id", stored.ID.String()),
		slog.Bool("refreshed", stored.ID != candidate.ID))
	return stored, nil
}

// Issue signs the raw bytes of the session id.
func (s *Service) Issue(sess Session) (Issued, error) {
	sig, err := s.keys.Sign(s.rng, sess.ID.Bytes())
	if err != nil {
		return Issued{}, err
	}
	return Issued{Session: sess, Signature: sig}, nil
}

// Start creates a session with the configured duration and issues it.
func (s *Service) Start(ctx context.Context, userID ids.UserID, fingerprint Fingerprint) (Issued, error) {
	sess, err := s.Create(ctx, userID, s.cfg.Duration, fingerprint)
	if err != nil {
		return Issued{}, err
	}
	return s.Issue(sess)
}

// Revoke deletes the session record. Its cookies stop authenticating
// immediately.
func (s *Service) Revoke(ctx context.Context, id ids.SessionID) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	return nil
}
