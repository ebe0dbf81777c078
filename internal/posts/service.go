// Package posts creates, lists and deletes car posts.
package posts

import (
	"context"
	"errors"
	"sort"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/petermazzocco/carspotter/internal/apperr"
	"github.com/petermazzocco/carspotter/internal/blobstore"
	"github.com/petermazzocco/carspotter/internal/logging"
	"github.com/petermazzocco/carspotter/internal/metrics"
	"github.com/petermazzocco/carspotter/internal/recordstore"
	"github.com/petermazzocco/carspotter/internal/validation"
	"github.com/petermazzocco/carspotter/models"
)

type Ingester interface {
	Ingest(ctx context.Context, ownerID string, raw []byte) (models.ImageRef, error)
	IngestInput(ctx context.Context, ownerID, input string) (models.ImageRef, error)
}

type Metadata interface {
	GetUsername(ctx context.Context, userID string) (string, error)
	Usernames(ctx context.Context, userIDs []string) (map[string]string, error)
	ProfilePhotos(ctx context.Context, userIDs []string) (map[string]string, error)
}

// CreateInput describes a new post. The image is either raw bytes
// (multipart upload) or any form ingest.Pipeline.IngestInput accepts.
type CreateInput struct {
	OwnerID     string         `json:"userId" validate:"required,max=128"`
	Image       string         `json:"image"`
	ImageBytes  []byte         `json:"-"`
	CarInfo     models.CarInfo `json:"carInfo"`
	IsPrivate   bool           `json:"isPrivate"`
	Description string         `json:"description" validate:"max=2000"`
	// SavedAt is kept verbatim when set; otherwise one is assigned.
	SavedAt string `json:"savedAt"`
}

type Service struct {
	store    recordstore.PostStore
	ingester Ingester
	blobs    blobstore.Store
	meta     Metadata
	stamper  *Stamper
	validate *validator.Validate
	metrics  *metrics.Collector
	logger   *zap.Logger
}

func NewService(store recordstore.PostStore, ingester Ingester, blobs blobstore.Store, meta Metadata, m *metrics.Collector, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		ingester: ingester,
		blobs:    blobs,
		meta:     meta,
		stamper:  NewStamper(),
		validate: validation.New(),
		metrics:  m,
		logger:   logging.OrNop(logger),
	}
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*models.Post, error) {
	if err := validation.Struct(s.validate, in); err != nil {
		return nil, err
	}
	if len(in.ImageBytes) == 0 && in.Image == "" {
		return nil, apperr.Validation("image is required")
	}
	if in.SavedAt != "" && !ValidSavedAt(in.SavedAt) {
		return nil, apperr.Validation("savedAt must be an ISO-8601 timestamp")
	}

	var (
		ref models.ImageRef
		err error
	)
	if len(in.ImageBytes) > 0 {
		ref, err = s.ingester.Ingest(ctx, in.OwnerID, in.ImageBytes)
	} else {
		ref, err = s.ingester.IngestInput(ctx, in.OwnerID, in.Image)
	}
	if err != nil {
		return nil, err
	}

	username, err := s.meta.GetUsername(ctx, in.OwnerID)
	if err != nil && !errors.Is(err, apperr.ErrUserNotFound) {
		return nil, err
	}

	post := &models.Post{
		UserID:      in.OwnerID,
		SavedAt:     in.SavedAt,
		CarInfo:     in.CarInfo,
		ImageURL:    ref.URL,
		ImageHash:   ref.Hash,
		Likes:       0,
		LikedBy:     []string{},
		IsPrivate:   in.IsPrivate,
		Description: in.Description,
		Username:    username,
	}

	explicit := in.SavedAt != ""
	if !explicit {
		post.SavedAt = s.stamper.Next(in.OwnerID)
	}
	err = s.store.CreatePost(ctx, post)
	if errors.Is(err, apperr.ErrPostExists) && !explicit {
		// another process stamped the same millisecond
		post.SavedAt = s.stamper.Next(in.OwnerID)
		err = s.store.CreatePost(ctx, post)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("post created",
		zap.String("owner_id", post.UserID),
		zap.String("saved_at", post.SavedAt),
		zap.String("image_hash", post.ImageHash),
		zap.Bool("deduplicated", ref.Deduplicated),
	)
	return post, nil
}

func (s *Service) Get(ctx context.Context, key models.PostKey) (*models.Post, error) {
	return s.store.GetPost(ctx, key)
}

// ListByOwner returns every post of ownerID, private ones included, newest
// first.
func (s *Service) ListByOwner(ctx context.Context, ownerID string) ([]models.Post, error) {
	if ownerID == "" {
		return nil, apperr.Validation("user id is required")
	}
	posts, err := s.store.QueryPostsByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if posts == nil {
		posts = []models.Post{}
	}
	return posts, nil
}

// ListPublic returns all public posts, newest first, with current usernames
// and profile photos of their owners.
func (s *Service) ListPublic(ctx context.Context) ([]models.Post, error) {
	posts, err := s.store.ScanPublicPosts(ctx)
	if err != nil {
		return nil, err
	}
	if len(posts) == 0 {
		return []models.Post{}, nil
	}

	owners := make([]string, 0, len(posts))
	seen := make(map[string]struct{}, len(posts))
	for _, p := range posts {
		if _, ok := seen[p.UserID]; !ok {
			seen[p.UserID] = struct{}{}
			owners = append(owners, p.UserID)
		}
	}

	var names, photos map[string]string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		names, err = s.meta.Usernames(gctx, owners)
		return err
	})
	g.Go(func() error {
		var err error
		photos, err = s.meta.ProfilePhotos(gctx, owners)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i := range posts {
		if name, ok := names[posts[i].UserID]; ok && name != "" {
			posts[i].Username = name
		}
		posts[i].ProfilePhoto = photos[posts[i].UserID]
	}
	sort.SliceStable(posts, func(i, j int) bool {
		return posts[i].SavedAt > posts[j].SavedAt
	})
	return posts, nil
}

// Delete removes the post, then releases its blob unless another post of the
// owner still references the same image. Blob cleanup failures are logged
// and leave an orphan; they do not fail the call.
func (s *Service) Delete(ctx context.Context, key models.PostKey) (*models.Post, error) {
	post, err := s.store.DeletePost(ctx, key)
	if err != nil {
		return nil, err
	}
	s.releaseBlob(ctx, post)
	return post, nil
}

func (s *Service) releaseBlob(ctx context.Context, post *models.Post) {
	log := s.logger.With(
		zap.String("owner_id", post.UserID),
		zap.String("saved_at", post.SavedAt),
		zap.String("image_url", post.ImageURL),
	)

	blobKey, ok := s.blobs.KeyFromURL(post.ImageURL)
	if !ok {
		log.Debug("image not in our store, nothing to release")
		return
	}
	if blobstore.IsProfileKey(blobKey) {
		log.Debug("image is a profile photo, left to the user record")
		return
	}
	owner, hash, ok := blobstore.ParseKey(blobKey)
	if !ok || owner != post.UserID {
		return
	}
	if post.ImageHash != "" {
		hash = post.ImageHash
	}

	refs, err := s.store.CountImageRefs(ctx, post.UserID, hash)
	if err != nil {
		s.metrics.BlobOrphaned()
		log.Warn("partial failure: could not count image references, blob kept", zap.Error(err))
		return
	}
	if refs > 0 {
		log.Debug("image still referenced", zap.Int("refs", refs))
		return
	}

	if err := s.blobs.Delete(ctx, blobKey); err != nil {
		s.metrics.BlobOrphaned()
		log.Warn("partial failure: post deleted but blob was not", zap.String("key", blobKey), zap.Error(err))
		return
	}
	log.Debug("blob released", zap.String("key", blobKey))
}
