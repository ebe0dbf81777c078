package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/petermazzocco/carspotter/internal/apperr"
	"github.com/petermazzocco/carspotter/internal/auth"
	"github.com/petermazzocco/carspotter/internal/likes"
	"github.com/petermazzocco/carspotter/internal/posts"
	"github.com/petermazzocco/carspotter/models"
)

func postKey(r *http.Request) models.PostKey {
	return models.PostKey{
		UserID:  pathParam(r, "userId"),
		SavedAt: pathParam(r, "savedAt"),
	}
}

// visibleTo hides private posts from everyone but their owner.
func visibleTo(r *http.Request, p *models.Post) bool {
	if !p.IsPrivate {
		return true
	}
	viewer, ok := auth.UserID(r.Context())
	return ok && viewer == p.UserID
}

// readCreateInput reads a post from a multipart form (image file plus
// fields) or from a JSON body.
func readCreateInput(w http.ResponseWriter, r *http.Request, maxBytes int64) (posts.CreateInput, error) {
	var in posts.CreateInput
	limitBody(w, r, maxBytes)

	if !isMultipart(r) {
		err := decodeJSON(r, &in)
		return in, err
	}

	if err := parseMultipart(r); err != nil {
		return in, err
	}
	if v := r.FormValue("image"); v != "" {
		in.Image = v
	} else {
		raw, err := readUpload(r)
		if err != nil {
			return in, err
		}
		in.ImageBytes = raw
	}

	in.OwnerID = r.FormValue("userId")
	in.Description = r.FormValue("description")
	in.SavedAt = r.FormValue("savedAt")
	if v := r.FormValue("isPrivate"); v != "" {
		private, err := strconv.ParseBool(v)
		if err != nil {
			return in, apperr.Validation("isPrivate must be a boolean")
		}
		in.IsPrivate = private
	}

	if v := r.FormValue("carInfo"); v != "" {
		if err := json.Unmarshal([]byte(v), &in.CarInfo); err != nil {
			return in, apperr.Validation("carInfo must be a JSON object")
		}
	} else {
		in.CarInfo = models.CarInfo{
			Make:   r.FormValue("make"),
			Model:  r.FormValue("model"),
			Year:   r.FormValue("year"),
			Rarity: r.FormValue("rarity"),
			Link:   r.FormValue("link"),
		}
	}
	return in, nil
}

// SaveCarHandler creates a post owned by the signed-in user.
func SaveCarHandler(w http.ResponseWriter, r *http.Request, svc *posts.Service, maxBytes int64, logger *zap.Logger) {
	userID, err := currentUser(r)
	if err != nil {
		writeError(w, r, logger, err)
		return
	}

	in, err := readCreateInput(w, r, maxBytes)
	if err != nil {
		writeError(w, r, logger, err)
		return
	}
	if in.OwnerID != "" && in.OwnerID != userID {
		writeError(w, r, logger, apperr.ErrForbidden)
		return
	}
	in.OwnerID = userID
	in.CarInfo.Make = strings.TrimSpace(in.CarInfo.Make)
	in.CarInfo.Model = strings.TrimSpace(in.CarInfo.Model)

	post, err := svc.Create(r.Context(), in)
	if err != nil {
		writeError(w, r, logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"post":    post,
	})
}

// GetAllCarsHandler returns the public feed.
func GetAllCarsHandler(w http.ResponseWriter, r *http.Request, svc *posts.Service, logger *zap.Logger) {
	feed, err := svc.ListPublic(r.Context())
	if err != nil {
		writeError(w, r, logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"cars":    feed,
	})
}

// GetUserCarsHandler lists a user's posts. Private ones are included only
// for the owner.
func GetUserCarsHandler(w http.ResponseWriter, r *http.Request, svc *posts.Service, logger *zap.Logger) {
	all, err := svc.ListByOwner(r.Context(), pathParam(r, "userId"))
	if err != nil {
		writeError(w, r, logger, err)
		return
	}

	cars := make([]models.Post, 0, len(all))
	for i := range all {
		if visibleTo(r, &all[i]) {
			cars = append(cars, all[i])
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"cars":    cars,
	})
}

func GetCarHandler(w http.ResponseWriter, r *http.Request, svc *posts.Service, logger *zap.Logger) {
	post, err := svc.Get(r.Context(), postKey(r))
	if err == nil && !visibleTo(r, post) {
		err = apperr.ErrPostNotFound
	}
	if err != nil {
		writeError(w, r, logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"car":     post,
	})
}

// DeleteCarHandler deletes a post of the signed-in user.
func DeleteCarHandler(w http.ResponseWriter, r *http.Request, svc *posts.Service, logger *zap.Logger) {
	key := postKey(r)
	if err := requireSelf(r, key.UserID); err != nil {
		writeError(w, r, logger, err)
		return
	}

	if _, err := svc.Delete(r.Context(), key); err != nil {
		writeError(w, r, logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func LikeCarHandler(w http.ResponseWriter, r *http.Request, coord *likes.Coordinator, logger *zap.Logger) {
	likeHandler(w, r, coord.Like, logger)
}

func UnlikeCarHandler(w http.ResponseWriter, r *http.Request, coord *likes.Coordinator, logger *zap.Logger) {
	likeHandler(w, r, coord.Unlike, logger)
}

type likeFunc func(ctx context.Context, key models.PostKey, likerID string) (likes.Result, error)

func likeHandler(w http.ResponseWriter, r *http.Request, apply likeFunc, logger *zap.Logger) {
	likerID, err := currentUser(r)
	if err != nil {
		writeError(w, r, logger, err)
		return
	}

	res, err := apply(r.Context(), postKey(r), likerID)
	if err != nil {
		writeError(w, r, logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"likes":   res.Likes,
	})
}
