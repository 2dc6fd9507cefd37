package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jmcleod/murmur/account"
	"github.com/jmcleod/murmur/session"
)

// Me handles GET /me.
func (a *API) Me(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		a.mapError(w, r, session.ErrUnauthorized)
		return
	}
	u, err := a.accounts.Get(r.Context(), id.UserID)
	if err != nil {
		// A valid session for a deleted user authenticates nobody.
		if errors.Is(err, account.ErrUserNotFound) {
			err = session.ErrUnauthorized
		}
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MeResponse{
		UserID:         u.ID.String(),
		Handle:         u.Handle,
		DisplayName:    u.DisplayName,
		Email:          u.Email,
		CreatedAt:      u.CreatedAt,
		SessionID:      id.SessionID.String(),
		SessionExpires: id.ExpiresAt,
	})
}

// ChangePassword handles POST /me/password.
func (a *API) ChangePassword(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		a.mapError(w, r, session.ErrUnauthorized)
		return
	}
	req, ok := decodeJSON[ChangePasswordRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if req.CurrentPassword == "" || req.NewPassword == "" {
		writeError(w, http.StatusBadRequest, "current_password and new_password are required")
		return
	}
	if err := a.accounts.ChangePassword(r.Context(), id.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		if errors.Is(err, account.ErrWrongPassword) {
			a.audit.logFailure(AuditPasswordChangeFailure, r, "wrong current password",
				slog.String("user_id", id.UserID.String()))
		}
		a.mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditPasswordChanged, r, id.UserID.String())
	writeJSON(w, http.StatusOK, map[string]string{"status": "password changed"})
}
