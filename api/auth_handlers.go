package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jmcleod/murmur/account"
	"github.com/jmcleod/murmur/session"
)

// Register handles POST /auth/register.
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	clientIP := a.clientIP(r)
	if ok, retryAfter := a.ipLimiter.allow(clientIP); !ok {
		a.metrics.limited("register_ip")
		a.audit.logFailure(AuditRegisterRateLimited, r, "ip rate limited",
			slog.String("client_ip", clientIP))
		writeRateLimited(w, retryAfter, "too many requests; try again later")
		return
	}

	req, ok := decodeJSON[RegisterRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	fp, err := fingerprintFrom(req.Fingerprint)
	if err != nil {
		a.mapError(w, r, err)
		return
	}

	u, err := a.accounts.Register(r.Context(), account.RegisterParams{
		Username:    req.Username,
		Password:    req.Password,
		DisplayName: req.DisplayName,
		Email:       req.Email,
	})
	if err != nil {
		a.metrics.registration("rejected")
		a.mapError(w, r, err)
		return
	}

	issued, err := a.sessions.Start(r.Context(), u.ID, fp)
	if err != nil {
		a.metrics.registration("error")
		a.mapError(w, r, err)
		return
	}
	session.SetCookies(w, issued, a.secureCookies(r))

	a.metrics.registration("created")
	a.audit.logEvent(AuditRegister, r, u.ID.String(), slog.String("handle", u.Handle))
	writeJSON(w, http.StatusCreated, newAuthResponse(u, issued))
}

// Login handles POST /auth/login.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	clientIP := a.clientIP(r)
	if ok, retryAfter := a.ipLimiter.allow(clientIP); !ok {
		a.metrics.limited("login_ip")
		a.audit.logFailure(AuditLoginRateLimited, r, "ip rate limited",
			slog.String("client_ip", clientIP))
		writeRateLimited(w, retryAfter, "too many requests; try again later")
		return
	}

	req, ok := decodeJSON[LoginRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	fp, err := fingerprintFrom(req.Fingerprint)
	if err != nil {
		a.mapError(w, r, err)
		return
	}

	// Lockout is keyed by the normalized handle so "Alice" and "alice"
	// share a counter. Unparseable handles fall back to the raw input.
	lockKey, err := account.NormalizeHandle(req.Username)
	if err != nil {
		lockKey = req.Username
	}
	if blocked, retryAfter := a.lockout.check(lockKey); blocked {
		a.metrics.limited("login_lockout")
		a.audit.logFailure(AuditLoginRateLimited, r, "account locked out",
			slog.String("handle", lockKey))
		writeRateLimited(w, retryAfter, "too many failed login attempts; try again later")
		return
	}

	u, err := a.accounts.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if isCredentialError(err) {
			a.lockout.recordFailure(lockKey)
			a.metrics.login("failure")
			a.audit.logFailure(AuditLoginFailure, r, "invalid credentials",
				slog.String("handle", lockKey))
		} else {
			a.metrics.login("error")
		}
		a.mapError(w, r, err)
		return
	}
	a.lockout.recordSuccess(lockKey)

	issued, err := a.sessions.Start(r.Context(), u.ID, fp)
	if err != nil {
		a.metrics.login("error")
		a.mapError(w, r, err)
		return
	}
	session.SetCookies(w, issued, a.secureCookies(r))

	a.metrics.login("success")
	a.audit.logEvent(AuditLoginSuccess, r, u.ID.String(),
		slog.String("session_id", issued.Session.ID.String()))
	writeJSON(w, http.StatusOK, newAuthResponse(u, issued))
}

// Logout handles POST /auth/logout. The session is deleted when the
// cookies authenticate; the cookies are cleared either way.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	if id, err := a.auth.AuthenticateRequest(r); err == nil {
		if err := a.sessions.Revoke(r.Context(), id.SessionID); err != nil {
			a.mapError(w, r, err)
			return
		}
		a.audit.logEvent(AuditLogout, r, id.UserID.String(),
			slog.String("session_id", id.SessionID.String()))
	}
	session.ClearCookies(w, a.secureCookies(r))
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func isCredentialError(err error) bool {
	return errors.Is(err, account.ErrInvalidCredentials) ||
		errors.Is(err, account.ErrUserNotFound) ||
		errors.Is(err, account.ErrWrongPassword)
}

func fingerprintFrom(raw json.RawMessage) (session.Fingerprint, error) {
	if len(raw) == 0 {
		return session.EmptyFingerprint, nil
	}
	return session.NewFingerprint(raw)
}

func newAuthResponse(u account.User, issued session.Issued) AuthResponse {
	return AuthResponse{
		UserID:           u.ID.String(),
		Handle:           u.Handle,
		DisplayName:      u.DisplayName,
		Email:            u.Email,
		SessionID:        issued.Session.ID.String(),
		SessionSignature: issued.Signature.Encode(),
		SessionExpires:   issued.Session.ExpiresAt,
	}
}
