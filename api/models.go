package api

import (
	"encoding/json"
	"time"
)

// RegisterRequest is the JSON body for POST /auth/register.
type RegisterRequest struct {
	Username    string          `json:"username"`
	Password    string          `json:"password"`
	DisplayName string          `json:"display_name,omitempty"`
	Email       string          `json:"email,omitempty"`
	Fingerprint json.RawMessage `json:"fingerprint,omitempty"`
}

// LoginRequest is the JSON body for POST /auth/login.
type LoginRequest struct {
	Username    string          `json:"username"`
	Password    string          `json:"password"`
	Fingerprint json.RawMessage `json:"fingerprint,omitempty"`
}

// AuthResponse is returned from register and login. The session fields
// repeat what the cookies carry for clients that cannot read cookies.
type AuthResponse struct {
	UserID           string    `json:"user_id"`
	Handle           string    `json:"handle"`
	DisplayName      string    `json:"display_name,omitempty"`
	Email            string    `json:"email,omitempty"`
	SessionID        string    `json:"session_id"`
	SessionSignature string    `json:"session_signature"`
	SessionExpires   time.Time `json:"session_expires"`
}

// MeResponse is returned from GET /me.
type MeResponse struct {
	UserID         string    `json:"user_id"`
	Handle         string    `json:"handle"`
	DisplayName    string    `json:"display_name,omitempty"`
	Email          string    `json:"email,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	SessionID      string    `json:"session_id"`
	SessionExpires time.Time `json:"session_expires"`
}

// ChangePasswordRequest is the JSON body for POST /me/password.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// ErrorResponse is returned for all error cases.
type ErrorResponse struct {
	Error string `json:"error"`
}
