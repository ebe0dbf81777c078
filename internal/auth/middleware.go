package auth

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/sessions"
	"github.com/markbates/goth/gothic"
)

// SessionName is the cookie holding the signed-in user.
const SessionName = "_gothic_session"

const userIDKey = "user_id"

type ctxKey struct{}

// NewCookieStore builds the session store shared with gothic.
func NewCookieStore(secret string, maxAge int, secure bool) *sessions.CookieStore {
	store := sessions.NewCookieStore([]byte(secret))
	store.MaxAge(maxAge)
	store.Options.Path = "/"
	store.Options.HttpOnly = true
	store.Options.Secure = secure
	store.Options.SameSite = http.SameSiteLaxMode
	return store
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserID returns the signed-in user put in ctx by UserMiddleware.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// Login records userID in the session cookie.
func Login(w http.ResponseWriter, r *http.Request, userID string) error {
	session, err := gothic.Store.Get(r, SessionName)
	if err != nil && session == nil {
		return err
	}
	session.Values[userIDKey] = userID
	return session.Save(r, w)
}

// Logout expires the session cookie. gothic keeps its provider state in
// the same session, so that goes too.
func Logout(w http.ResponseWriter, r *http.Request) error {
	return gothic.Logout(w, r)
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   "not authorized",
		"kind":    "UNAUTHORIZED",
	})
}

func UserMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := gothic.Store.Get(r, SessionName)
		if err != nil || session == nil {
			unauthorized(w)
			return
		}

		userID, ok := session.Values[userIDKey].(string)
		if !ok || userID == "" {
			unauthorized(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

// SessionUser puts the signed-in user in the request context when there is
// one and lets anonymous requests through.
func SessionUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if session, err := gothic.Store.Get(r, SessionName); err == nil && session != nil {
			if userID, ok := session.Values[userIDKey].(string); ok && userID != "" {
				r = r.WithContext(WithUserID(r.Context(), userID))
			}
		}
		next.ServeHTTP(w, r)
	})
}
