// Package recordstore persists posts and users. Every backend implements the
// same conditional-write semantics so that like/unlike can run optimistic
// concurrency on top of it.
package recordstore

import (
	"context"
	"sort"
	"strings"

	"github.com/petermazzocco/carspotter/internal/apperr"
	"github.com/petermazzocco/carspotter/models"
)

type PostStore interface {
	// CreatePost writes p unless a post with the same key exists
	// (apperr.ErrPostExists).
	CreatePost(ctx context.Context, p *models.Post) error
	GetPost(ctx context.Context, key models.PostKey) (*models.Post, error)
	// QueryPostsByOwner returns the owner's posts, newest savedAt first.
	QueryPostsByOwner(ctx context.Context, ownerID string) ([]models.Post, error)
	// ScanPublicPosts returns every post with isPrivate == false.
	ScanPublicPosts(ctx context.Context) ([]models.Post, error)
	// UpdateLikes replaces likedBy, sets likes = len(likedBy) and bumps the
	// like version, but only if the stored version still equals
	// expectedVersion. Otherwise it returns apperr.ErrConditionFailed.
	UpdateLikes(ctx context.Context, key models.PostKey, expectedVersion int64, likedBy []string) error
	// DeletePost removes the post and returns what was stored.
	DeletePost(ctx context.Context, key models.PostKey) (*models.Post, error)
	// CountImageRefs counts the owner's posts referencing hash.
	CountImageRefs(ctx context.Context, ownerID, hash string) (int, error)
}

type UserStore interface {
	GetUser(ctx context.Context, userID string) (*models.User, error)
	// CreateUser creates u once. apperr.ErrUserExists if the id is known,
	// apperr.ErrUsernameTaken if another user holds the username.
	CreateUser(ctx context.Context, u *models.User) error
	UpdateUsername(ctx context.Context, userID, username string) error
	UpdateProfilePhoto(ctx context.Context, userID, photoURL string) error
}

type Store interface {
	PostStore
	UserStore
}

// ReservedUserID reports whether id falls in the key space the stores keep
// for username reservations. Such ids can never name a user.
func ReservedUserID(id string) bool {
	return strings.HasPrefix(id, usernamePrefix)
}

func unavailable(err error) error {
	return apperr.Unavailable("record store", err)
}

func clonePost(p *models.Post) *models.Post {
	cp := *p
	cp.LikedBy = append([]string{}, p.LikedBy...)
	return &cp
}

func sortNewestFirst(posts []models.Post) {
	sort.SliceStable(posts, func(i, j int) bool {
		return posts[i].SavedAt > posts[j].SavedAt
	})
}
