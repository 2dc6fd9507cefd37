package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmcleod/murmur/ids"
	"github.com/jmcleod/murmur/sign"
	"github.com/jmcleod/murmur/storage"
)

// Result classifies an authentication attempt.
type Result string

const (
	ResultOK                 Result = "ok"
	ResultMissing            Result = "missing"
	ResultMalformedID        Result = "malformed_id"
	ResultMalformedSignature Result = "malformed_signature"
	ResultBadSignature       Result = "bad_signature"
	ResultUnknownSession     Result = "unknown_session"
	ResultExpired            Result = "expired"
	ResultStoreError         Result = "store_error"
)

// Identity is who a request is acting as. Every field comes from the stored
// session record.
type Identity struct {
	UserID    ids.UserID
	SessionID ids.SessionID
	ExpiresAt time.Time
}

// Authenticator turns a presented session id and signature into an
// Identity.
type Authenticator struct {
	keys   *sign.Keys
	store  Store
	now    func() time.Time
	logger *slog.Logger
	report func(Result)
}

// NewAuthenticator verifies with keys and looks sessions up in store.
func NewAuthenticator(keys *sign.Keys, store Store, opts ...Option) *Authenticator {
	o := buildOptions(opts)
	return &Authenticator{
		keys:   keys,
		store:  store,
		now:    o.now,
		logger: o.logger.With("component", "session"),
		report: o.report,
	}
}

// Authenticate checks rawSignature against rawID before touching the store.
// Every rejected credential yields ErrUnauthorized; a failing store yields
// an error wrapping ErrStore.
func (a *Authenticator) Authenticate(ctx context.Context, rawID, rawSignature string) (Identity, error) {
	if rawID == "" || rawSignature == "" {
		return a.reject(ctx, ResultMissing, nil)
	}
	id, err := ids.ParseSessionID(rawID)
	if err != nil {
		return a.reject(ctx, ResultMalformedID, err)
	}
	sig, err := sign.DecodeSignature(rawSignature)
	if err != nil {
		return a.reject(ctx, ResultMalformedSignature, err)
	}
	if err := a.keys.Verify(id.Bytes(), sig); err != nil {
		return a.reject(ctx, ResultBadSignature, err)
	}

	sess, err := a.store.GetByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return a.reject(ctx, ResultUnknownSession, nil)
	}
	if err != nil {
		a.observe(ResultStoreError)
		return Identity{}, fmt.Errorf("%w: %w", ErrStore, err)
	}
	if sess.ExpiredAt(a.now()) {
		return a.reject(ctx, ResultExpired, nil)
	}

	a.observe(ResultOK)
	return Identity{
		UserID:    sess.UserID,
		SessionID: sess.ID,
		ExpiresAt: sess.ExpiresAt,
	}, nil
}

// AuthenticateRequest reads the session cookies from r.
func (a *Authenticator) AuthenticateRequest(r *http.Request) (Identity, error) {
	id, sig := CookiesFromRequest(r)
	return a.Authenticate(r.Context(), id, sig)
}

func (a *Authenticator) reject(ctx context.Context, result Result, cause error) (Identity, error) {
	a.observe(result)
	attrs := []slog.Attr{slog.String("result", string(result))}
	if cause != nil {
		attrs = append(attrs, slog.String("cause", cause.Error()))
	}
	a.logger.LogAttrs(ctx, slog.LevelDebug, "session rejected", attrs...)
	return Identity{}, ErrUnauthorized
}

func (a *Authenticator) observe(result Result) {
	if a.report != nil {
		a.report(result)
	}
}
