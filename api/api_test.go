package api_test

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/murmur/account"
	"github.com/jmcleod/murmur/api"
	"github.com/jmcleod/murmur/ids"
	"github.com/jmcleod/murmur/password"
	"github.com/jmcleod/murmur/session"
	"github.com/jmcleod/murmur/sign"
	"github.com/jmcleod/murmur/storage/memory"
)

var (
	keysOnce sync.Once
	testKeys *sign.Keys
	keysErr  error
)

func sharedKeys(t *testing.T) *sign.Keys {
	t.Helper()
	keysOnce.Do(func() {
		priv, err := sign.GenerateKey(rand.Reader)
		if err != nil {
			keysErr = err
			return
		}
		testKeys, keysErr = sign.NewKeys(priv)
	})
	require.NoError(t, keysErr)
	return testKeys
}

type testServer struct {
	*httptest.Server
	repo    *memory.Repository
	keys    *sign.Keys
	metrics *api.Metrics
}

func setupServer(t *testing.T, opts ...api.Option) *testServer {
	t.Helper()
	repo := memory.NewRepository()
	keys := sharedKeys(t)
	hasher := password.NewHasher(password.WithParams(password.Params{
		MemoryKiB: 64, Time: 1, Parallelism: 1, KeyLen: 32, SaltLen: 16,
	}))
	accounts, err := account.NewService(repo, account.WithHasher(hasher))
	require.NoError(t, err)

	metrics := api.NewMetrics()
	sessions := session.NewService(repo, keys, session.Config{})
	auth := session.NewAuthenticator(keys, repo, session.WithReporter(metrics.ObserveSession))

	base := []api.Option{
		api.WithDevMode(true),
		api.WithMetrics(metrics),
		api.WithLogger(slog.New(slog.DiscardHandler)),
	}
	a := api.New(accounts, sessions, auth, append(base, opts...)...)
	t.Cleanup(a.Close)

	r := chi.NewRouter()
	r.Mount("/api/v1", a.Router())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, repo: repo, keys: keys, metrics: metrics}
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, url, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func register(t *testing.T, client *http.Client, baseURL, username, pw string) api.AuthResponse {
	t.Helper()
	resp := doJSON(t, client, http.MethodPost, baseURL+"/api/v1/auth/register", map[string]string{
		"username": username,
		"password": pw,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[api.AuthResponse](t, resp)
}

// getWithCookies sends GET /me with explicit session cookies and no jar.
func getWithCookies(t *testing.T, baseURL, id, sig string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, baseURL+"/api/v1/me", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: session.IDCookie, Value: id})
	req.AddCookie(&http.Cookie{Name: session.SignatureCookie, Value: sig})
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestRegisterLoginAndMe(t *testing.T) {
	srv := setupServer(t)
	client := newClient(t)

	reg := register(t, client, srv.URL, "alice", "password1")
	assert.Equal(t, "alice", reg.Handle)
	assert.NotEmpty(t, reg.SessionID)
	assert.NotEmpty(t, reg.SessionSignature)

	resp := doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/me", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := decode[api.MeResponse](t, resp)
	assert.Equal(t, reg.UserID, me.UserID)
	assert.Equal(t, reg.SessionID, me.SessionID)

	// A fresh client logs in with the same credentials.
	other := newClient(t)
	resp = doJSON(t, other, http.MethodPost, srv.URL+"/api/v1/auth/login", map[string]string{
		"username": "Alice",
		"password": "password1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	login := decode[api.AuthResponse](t, resp)
	assert.Equal(t, reg.UserID, login.UserID)

	resp = doJSON(t, other, http.MethodGet, srv.URL+"/api/v1/me", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestCookieAttributes(t *testing.T) {
	srv := setupServer(t)
	resp := doJSON(t, http.DefaultClient, http.MethodPost, srv.URL+"/api/v1/auth/register", map[string]string{
		"username": "alice",
		"password": "password1",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	byName := map[string]*http.Cookie{}
	for _, c := range resp.Cookies() {
		byName[c.Name] = c
	}
	for _, name := range []string{session.IDCookie, session.SignatureCookie} {
		c, ok := byName[name]
		require.True(t, ok, "missing cookie %s", name)
		assert.Equal(t, "/", c.Path)
		assert.True(t, c.HttpOnly)
		assert.Equal(t, http.SameSiteStrictMode, c.SameSite)
		assert.False(t, c.Secure, "dev mode over plain HTTP")
		assert.NotEmpty(t, c.Value)
	}
}

func TestTamperedSignatureRejected(t *testing.T) {
	srv := setupServer(t)
	reg := register(t, http.DefaultClient, srv.URL, "alice", "password1")

	resp := getWithCookies(t, srv.URL, reg.SessionID, reg.SessionSignature)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	sig := []byte(reg.SessionSignature)
	if sig[10] == 'A' {
		sig[10] = 'B'
	} else {
		sig[10] = 'A'
	}
	resp = getWithCookies(t, srv.URL, reg.SessionID, string(sig))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decode[api.ErrorResponse](t, resp)
	assert.Equal(t, "authentication required", body.Error)

	// The final character holds unused bits; changing it must still fail.
	sig = []byte(reg.SessionSignature)
	last := len(sig) - 1
	if sig[last] == 'A' {
		sig[last] = 'B'
	} else {
		sig[last]++
	}
	resp = getWithCookies(t, srv.URL, reg.SessionID, string(sig))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestUnknownSessionWithValidSignatureRejected(t *testing.T) {
	srv := setupServer(t)
	reg := register(t, http.DefaultClient, srv.URL, "alice", "password1")

	// Sign an id that was never stored, with the server's own key.
	forged, err := session.NewService(memory.NewRepository(), srv.keys, session.Config{}).
		Start(t.Context(), mustUserID(t, reg.UserID), session.EmptyFingerprint)
	require.NoError(t, err)

	resp := getWithCookies(t, srv.URL, forged.Session.ID.String(), forged.Signature.Encode())
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestMissingCookiesRejected(t *testing.T) {
	srv := setupServer(t)
	resp := doJSON(t, http.DefaultClient, http.MethodGet, srv.URL+"/api/v1/me", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestLogoutRevokesSession(t *testing.T) {
	srv := setupServer(t)
	client := newClient(t)
	reg := register(t, client, srv.URL, "alice", "password1")

	resp := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/auth/logout", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// The old cookie values no longer authenticate even when replayed.
	resp = getWithCookies(t, srv.URL, reg.SessionID, reg.SessionSignature)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// Logging out without a session still succeeds.
	resp = doJSON(t, newClient(t), http.MethodPost, srv.URL+"/api/v1/auth/logout", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestRegisterErrors(t *testing.T) {
	srv := setupServer(t)
	register(t, http.DefaultClient, srv.URL, "alice", "password1")

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"duplicate handle", map[string]string{"username": "ALICE", "password": "password1"}, http.StatusConflict},
		{"short handle", map[string]string{"username": "al", "password": "password1"}, http.StatusBadRequest},
		{"bad characters", map[string]string{"username": "al ice", "password": "password1"}, http.StatusBadRequest},
		{"short password", map[string]string{"username": "bob", "password": "short"}, http.StatusBadRequest},
		{"unknown field", map[string]string{"username": "bob", "password": "password1", "role": "admin"}, http.StatusBadRequest},
		{"bad fingerprint", map[string]any{"username": "bob", "password": "password1", "fingerprint": []int{1}}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doJSON(t, http.DefaultClient, http.MethodPost, srv.URL+"/api/v1/auth/register", tt.body)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestLoginErrors(t *testing.T) {
	srv := setupServer(t)
	register(t, http.DefaultClient, srv.URL, "alice", "password1")

	resp := doJSON(t, http.DefaultClient, http.MethodPost, srv.URL+"/api/v1/auth/login", map[string]string{
		"username": "alice",
		"password": "wrong-password",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid password", decode[api.ErrorResponse](t, resp).Error)

	resp = doJSON(t, http.DefaultClient, http.MethodPost, srv.URL+"/api/v1/auth/login", map[string]string{
		"username": "nobody",
		"password": "password1",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestLoginUniformErrors(t *testing.T) {
	repo := memory.NewRepository()
	keys := sharedKeys(t)
	hasher := password.NewHasher(password.WithParams(password.Params{
		MemoryKiB: 64, Time: 1, Parallelism: 1, KeyLen: 32, SaltLen: 16,
	}))
	accounts, err := account.NewService(repo, account.WithHasher(hasher), account.WithUniformLoginErrors(true))
	require.NoError(t, err)
	a := api.New(accounts, session.NewService(repo, keys, session.Config{}), session.NewAuthenticator(keys, repo),
		api.WithDevMode(true), api.WithLogger(slog.New(slog.DiscardHandler)))
	r := chi.NewRouter()
	r.Mount("/api/v1", a.Router())
	srv := httptest.NewServer(r)
	defer srv.Close()

	register(t, http.DefaultClient, srv.URL, "alice", "password1")

	for _, username := range []string{"alice", "nobody"} {
		resp := doJSON(t, http.DefaultClient, http.MethodPost, srv.URL+"/api/v1/auth/login", map[string]string{
			"username": username,
			"password": "wrong-password",
		})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, username)
		assert.Equal(t, "invalid username or password", decode[api.ErrorResponse](t, resp).Error)
	}
}

func TestLoginLockout(t *testing.T) {
	srv := setupServer(t, api.WithRequestRate(0, 0))
	register(t, http.DefaultClient, srv.URL, "alice", "password1")

	for i := 0; i < 5; i++ {
		resp := doJSON(t, http.DefaultClient, http.MethodPost, srv.URL+"/api/v1/auth/login", map[string]string{
			"username": "alice",
			"password": "wrong-password",
		})
		resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	}

	// Even the right password is refused while locked out.
	resp := doJSON(t, http.DefaultClient, http.MethodPost, srv.URL+"/api/v1/auth/login", map[string]string{
		"username": "alice",
		"password": "password1",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestIPRateLimit(t *testing.T) {
	srv := setupServer(t, api.WithRequestRate(0.001, 2))

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp := doJSON(t, http.DefaultClient, http.MethodPost, srv.URL+"/api/v1/auth/login", map[string]string{
			"username": "nobody",
			"password": "password1",
		})
		resp.Body.Close()
		statuses = append(statuses, resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests {
			assert.NotEmpty(t, resp.Header.Get("Retry-After"))
		}
	}
	assert.Equal(t, []int{http.StatusNotFound, http.StatusNotFound, http.StatusTooManyRequests}, statuses)
}

func TestChangePassword(t *testing.T) {
	srv := setupServer(t)
	client := newClient(t)
	register(t, client, srv.URL, "alice", "password1")

	resp := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/me/password", map[string]string{
		"current_password": "nope-nope",
		"new_password":     "password2",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/me/password", map[string]string{
		"current_password": "password1",
		"new_password":     "password2",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// The session survives the change; the old password does not.
	resp = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/me", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.DefaultClient, http.MethodPost, srv.URL+"/api/v1/auth/login", map[string]string{
		"username": "alice",
		"password": "password1",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.DefaultClient, http.MethodPost, srv.URL+"/api/v1/auth/login", map[string]string{
		"username": "alice",
		"password": "password2",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestLoginRefreshesSameSession(t *testing.T) {
	srv := setupServer(t)
	reg := register(t, http.DefaultClient, srv.URL, "alice", "password1")

	resp := doJSON(t, http.DefaultClient, http.MethodPost, srv.URL+"/api/v1/auth/login", map[string]string{
		"username": "alice",
		"password": "password1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	login := decode[api.AuthResponse](t, resp)
	assert.Equal(t, reg.SessionID, login.SessionID, "same user and fingerprint reuse the session")

	resp = doJSON(t, http.DefaultClient, http.MethodPost, srv.URL+"/api/v1/auth/login", map[string]any{
		"username":    "alice",
		"password":    "password1",
		"fingerprint": map[string]string{"device": "phone"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	phone := decode[api.AuthResponse](t, resp)
	assert.NotEqual(t, reg.SessionID, phone.SessionID)
}

func TestSessionMetrics(t *testing.T) {
	srv := setupServer(t)
	reg := register(t, http.DefaultClient, srv.URL, "alice", "password1")

	getWithCookies(t, srv.URL, reg.SessionID, reg.SessionSignature).Body.Close()
	getWithCookies(t, srv.URL, reg.SessionID, "not-base64!").Body.Close()

	rec := httptest.NewRecorder()
	srv.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, `murmur_auth_attempts_total{result="ok"} 1`)
	assert.Contains(t, text, `murmur_auth_attempts_total{result="malformed_signature"} 1`)
	assert.Contains(t, text, `murmur_registrations_total{outcome="created"} 1`)
}

func TestDocsServed(t *testing.T) {
	srv := setupServer(t)
	resp, err := http.Get(srv.URL + "/api/v1/openapi.yaml")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), "openapi:"))
}

func mustUserID(t *testing.T, s string) ids.UserID {
	t.Helper()
	id, err := ids.ParseUserID(s)
	require.NoError(t, err)
	return id
}
