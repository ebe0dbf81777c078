package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/markbates/goth/gothic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserMiddleware(t *testing.T) {
	gothic.Store = NewCookieStore("test-secret-test-secret-test-sec", 3600, false)

	protected := UserMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := UserID(r.Context())
		require.True(t, ok)
		_, _ = w.Write([]byte(id))
	}))

	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":false`)

	login := httptest.NewRecorder()
	require.NoError(t, Login(login, httptest.NewRequest(http.MethodGet, "/", nil), "google-42"))
	cookies := login.Result().Cookies()
	require.NotEmpty(t, cookies)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "google-42", rec.Body.String())
}

func TestUserIDFromContext(t *testing.T) {
	_, ok := UserID(httptest.NewRequest(http.MethodGet, "/", nil).Context())
	assert.False(t, ok)

	ctx := WithUserID(httptest.NewRequest(http.MethodGet, "/", nil).Context(), "u1")
	id, ok := UserID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "u1", id)
}

func TestSessionUserLetsAnonymousThrough(t *testing.T) {
	gothic.Store = NewCookieStore("test-secret-test-secret-test-sec", 3600, false)

	var seen string
	h := SessionUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, seen)

	login := httptest.NewRecorder()
	require.NoError(t, Login(login, httptest.NewRequest(http.MethodGet, "/", nil), "u7"))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range login.Result().Cookies() {
		req.AddCookie(c)
	}
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "u7", seen)
}
