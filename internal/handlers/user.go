package handlers

import (
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/markbates/goth"
	"github.com/markbates/goth/gothic"
	"go.uber.org/zap"

	"github.com/petermazzocco/carspotter/internal/apperr"
	"github.com/petermazzocco/carspotter/internal/auth"
	"github.com/petermazzocco/carspotter/internal/users"
	"github.com/petermazzocco/carspotter/internal/validation"
)

// BeginAuthHandler starts the provider's OAuth flow, or finishes it right
// away when gothic still holds a valid provider session.
func BeginAuthHandler(w http.ResponseWriter, r *http.Request, svc *users.Service, redirectURL string, logger *zap.Logger) {
	if gothUser, err := gothic.CompleteUserAuth(w, r); err == nil {
		completeLogin(w, r, svc, gothUser, redirectURL, logger)
		return
	}
	gothic.BeginAuthHandler(w, r)
}

// UserLoginHandler is the OAuth callback. It creates the user on first
// sign-in and stores the user id in the session.
func UserLoginHandler(w http.ResponseWriter, r *http.Request, svc *users.Service, redirectURL string, logger *zap.Logger) {
	gothUser, err := gothic.CompleteUserAuth(w, r)
	if err != nil {
		logger.Warn("oauth callback failed", zap.Error(err))
		writeError(w, r, logger, apperr.Wrap(apperr.ErrUnauthorized, err))
		return
	}
	completeLogin(w, r, svc, gothUser, redirectURL, logger)
}

func completeLogin(w http.ResponseWriter, r *http.Request, svc *users.Service, gothUser goth.User, redirectURL string, logger *zap.Logger) {
	user, err := svc.EnsureUser(r.Context(), gothUser.UserID, preferredUsername(gothUser))
	if err != nil {
		writeError(w, r, logger, err)
		return
	}
	if err := auth.Login(w, r, user.UserID); err != nil {
		logger.Error("failed to save session", zap.Error(err))
		writeError(w, r, logger, err)
		return
	}
	logger.Info("user signed in", zap.String("user_id", user.UserID), zap.String("provider", gothUser.Provider))
	http.Redirect(w, r, redirectURL, http.StatusTemporaryRedirect)
}

func preferredUsername(u goth.User) string {
	if u.NickName != "" {
		return u.NickName
	}
	local, _, _ := strings.Cut(u.Email, "@")
	return local
}

func LogoutHandler(w http.ResponseWriter, r *http.Request, logger *zap.Logger) {
	if err := auth.Logout(w, r); err != nil {
		logger.Warn("logout failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func GetUserHandler(w http.ResponseWriter, r *http.Request, svc *users.Service, logger *zap.Logger) {
	user, err := svc.Get(r.Context(), pathParam(r, "userId"))
	if err != nil {
		writeError(w, r, logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    user,
	})
}

type updateUsernameRequest struct {
	UserID   string `json:"userId"`
	Username string `json:"username" validate:"required,username"`
}

// UpdateUsernameHandler renames the signed-in user.
func UpdateUsernameHandler(w http.ResponseWriter, r *http.Request, svc *users.Service, v *validator.Validate, logger *zap.Logger) {
	userID, err := currentUser(r)
	if err != nil {
		writeError(w, r, logger, err)
		return
	}

	var req updateUsernameRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, logger, err)
		return
	}
	if req.UserID != "" && req.UserID != userID {
		writeError(w, r, logger, apperr.ErrForbidden)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if err := validation.Struct(v, req); err != nil {
		writeError(w, r, logger, err)
		return
	}

	if err := svc.UpdateUsername(r.Context(), userID, req.Username); err != nil {
		writeError(w, r, logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"username": req.Username,
	})
}
