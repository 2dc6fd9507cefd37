package session

import (
	"net/http"
	"strings"
	"time"
)

// Cookie names carrying the session id and its signature.
const (
	IDCookie        = "session_id"
	SignatureCookie = "session_signature"
)

// SetCookies writes both session cookies. They share the session's expiry.
func SetCookies(w http.ResponseWriter, issued Issued, secure bool) {
	expires := issued.Session.ExpiresAt
	http.SetCookie(w, newCookie(IDCookie, issued.Session.ID.String(), expires, secure))
	http.SetCookie(w, newCookie(SignatureCookie, issued.Signature.Encode(), expires, secure))
}

// ClearCookies expires both session cookies in the client.
func ClearCookies(w http.ResponseWriter, secure bool) {
	for _, name := range []string{IDCookie, SignatureCookie} {
		c := newCookie(name, "", time.Unix(0, 0), secure)
		c.MaxAge = -1
		http.SetCookie(w, c)
	}
}

func newCookie(name, value string, expires time.Time, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
		Expires:  expires,
	}
}

// CookiesFromRequest returns the session id and signature cookie values, or
// empty strings for whichever is absent.
func CookiesFromRequest(r *http.Request) (id, signature string) {
	if c, err := r.Cookie(IDCookie); err == nil {
		id = c.Value
	}
	if c, err := r.Cookie(SignatureCookie); err == nil {
		signature = c.Value
	}
	return id, signature
}

// ParseCookieHeader finds name in a raw "k=v; k2=v2" Cookie header. It is
// for transports that hand over the header as a string, such as a websocket
// upgrade proxied from elsewhere.
func ParseCookieHeader(header, name string) (string, bool) {
	for _, part := range strings.Split(header, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || strings.TrimSpace(k) != name {
			continue
		}
		return strings.Trim(strings.TrimSpace(v), `"`), true
	}
	return "", false
}
