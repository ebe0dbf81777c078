package recordstore

import (
	"context"

	"github.com/petermazzocco/carspotter/internal/metrics"
	"github.com/petermazzocco/carspotter/models"
)

// Instrumented records the outcome of every store call in the collector.
type Instrumented struct {
	next    Store
	metrics *metrics.Collector
}

func NewInstrumented(next Store, m *metrics.Collector) *Instrumented {
	return &Instrumented{next: next, metrics: m}
}

func (s *Instrumented) CreatePost(ctx context.Context, p *models.Post) error {
	err := s.next.CreatePost(ctx, p)
	s.metrics.StoreOperation("create_post", err)
	return err
}

func (s *Instrumented) GetPost(ctx context.Context, key models.PostKey) (*models.Post, error) {
	p, err := s.next.GetPost(ctx, key)
	s.metrics.StoreOperation("get_post", err)
	return p, err
}

func (s *Instrumented) QueryPostsByOwner(ctx context.Context, ownerID string) ([]models.Post, error) {
	posts, err := s.next.QueryPostsByOwner(ctx, ownerID)
	s.metrics.StoreOperation("query_posts", err)
	return posts, err
}

func (s *Instrumented) ScanPublicPosts(ctx context.Context) ([]models.Post, error) {
	posts, err := s.next.ScanPublicPosts(ctx)
	s.metrics.StoreOperation("scan_public_posts", err)
	return posts, err
}

func (s *Instrumented) UpdateLikes(ctx context.Context, key models.PostKey, expectedVersion int64, likedBy []string) error {
	err := s.next.UpdateLikes(ctx, key, expectedVersion, likedBy)
	s.metrics.StoreOperation("update_likes", err)
	return err
}

func (s *Instrumented) DeletePost(ctx context.Context, key models.PostKey) (*models.Post, error) {
	p, err := s.next.DeletePost(ctx, key)
	s.metrics.StoreOperation("delete_post", err)
	return p, err
}

func (s *Instrumented) CountImageRefs(ctx context.Context, ownerID, hash string) (int, error) {
	n, err := s.next.CountImageRefs(ctx, ownerID, hash)
	s.metrics.StoreOperation("count_image_refs", err)
	return n, err
}

func (s *Instrumented) GetUser(ctx context.Context, userID string) (*models.User, error) {
	u, err := s.next.GetUser(ctx, userID)
	s.metrics.StoreOperation("get_user", err)
	return u, err
}

func (s *Instrumented) CreateUser(ctx context.Context, u *models.User) error {
	err := s.next.CreateUser(ctx, u)
	s.metrics.StoreOperation("create_user", err)
	return err
}

func (s *Instrumented) UpdateUsername(ctx context.Context, userID, username string) error {
	err := s.next.UpdateUsername(ctx, userID, username)
	s.metrics.StoreOperation("update_username", err)
	return err
}

func (s *Instrumented) UpdateProfilePhoto(ctx context.Context, userID, photoURL string) error {
	err := s.next.UpdateProfilePhoto(ctx, userID, photoURL)
	s.metrics.StoreOperation("update_profile_photo", err)
	return err
}
