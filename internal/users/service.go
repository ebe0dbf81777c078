// Package users manages identity records: creation on first sign-in,
// username changes and profile photos.
package users

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/petermazzocco/carspotter/internal/apperr"
	"github.com/petermazzocco/carspotter/internal/blobstore"
	"github.com/petermazzocco/carspotter/internal/logging"
	"github.com/petermazzocco/carspotter/internal/recordstore"
	"github.com/petermazzocco/carspotter/internal/validation"
	"github.com/petermazzocco/carspotter/models"
)

type ProfileIngester interface {
	IngestProfile(ctx context.Context, ownerID string, raw []byte) (models.ImageRef, error)
}

// Cache is the part of the metadata cache kept in sync with user writes.
type Cache interface {
	SetProfilePhoto(ctx context.Context, userID, photoURL string)
	Invalidate(ctx context.Context, userID string)
}

type Service struct {
	store    recordstore.UserStore
	ingester ProfileIngester
	blobs    blobstore.Store
	cache    Cache
	logger   *zap.Logger
}

func NewService(store recordstore.UserStore, ingester ProfileIngester, blobs blobstore.Store, cache Cache, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		ingester: ingester,
		blobs:    blobs,
		cache:    cache,
		logger:   logging.OrNop(logger),
	}
}

func (s *Service) Get(ctx context.Context, userID string) (*models.User, error) {
	if userID == "" {
		return nil, apperr.Validation("user id is required")
	}
	if recordstore.ReservedUserID(userID) {
		return nil, apperr.ErrUserNotFound
	}
	return s.store.GetUser(ctx, userID)
}

// EnsureUser creates the user on first contact and returns the stored
// record. preferredUsername is used when it is valid and free; otherwise the
// user starts without one and picks it later.
func (s *Service) EnsureUser(ctx context.Context, userID, preferredUsername string) (*models.User, error) {
	if userID == "" {
		return nil, apperr.Validation("user id is required")
	}
	if recordstore.ReservedUserID(userID) {
		return nil, apperr.Validation("user id %q is reserved", userID)
	}
	if u, err := s.store.GetUser(ctx, userID); err == nil {
		return u, nil
	} else if !errors.Is(err, apperr.ErrUserNotFound) {
		return nil, err
	}

	u := &models.User{UserID: userID}
	if validation.ValidUsername(preferredUsername) {
		u.Username = preferredUsername
	}

	err := s.store.CreateUser(ctx, u)
	if errors.Is(err, apperr.ErrUsernameTaken) {
		s.logger.Info("preferred username taken, creating user without one",
			zap.String("user_id", userID), zap.String("username", preferredUsername))
		u.Username = ""
		err = s.store.CreateUser(ctx, u)
	}
	if errors.Is(err, apperr.ErrUserExists) {
		// lost a first-contact race; the other request created it
		return s.store.GetUser(ctx, userID)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("user created", zap.String("user_id", userID), zap.String("username", u.Username))
	return u, nil
}

func (s *Service) UpdateUsername(ctx context.Context, userID, username string) error {
	if userID == "" {
		return apperr.Validation("user id is required")
	}
	if !validation.ValidUsername(username) {
		return apperr.Validation("username must be 3-30 characters of letters, digits, '_', '.' or '-'")
	}
	if err := s.store.UpdateUsername(ctx, userID, username); err != nil {
		if errors.Is(err, apperr.ErrConditionFailed) {
			return apperr.ErrConcurrentModification
		}
		return err
	}
	s.cache.Invalidate(ctx, userID)
	return nil
}

// UploadProfilePhoto stores raw as the user's profile photo and returns its
// URL. The previous photo blob is deleted best-effort.
func (s *Service) UploadProfilePhoto(ctx context.Context, userID string, raw []byte) (string, error) {
	current, err := s.Get(ctx, userID)
	if err != nil {
		return "", err
	}

	ref, err := s.ingester.IngestProfile(ctx, userID, raw)
	if err != nil {
		return "", err
	}
	if err := s.store.UpdateProfilePhoto(ctx, userID, ref.URL); err != nil {
		return "", err
	}
	s.cache.SetProfilePhoto(ctx, userID, ref.URL)

	if current.ProfilePhoto != "" && current.ProfilePhoto != ref.URL {
		s.releasePhoto(ctx, userID, current.ProfilePhoto)
	}
	return ref.URL, nil
}

func (s *Service) releasePhoto(ctx context.Context, userID, photoURL string) {
	key, ok := s.blobs.KeyFromURL(photoURL)
	if !ok || !blobstore.IsProfileKey(key) {
		return
	}
	if owner, _, ok := blobstore.ParseKey(key); !ok || owner != userID {
		return
	}
	if err := s.blobs.Delete(ctx, key); err != nil {
		s.logger.Warn("partial failure: old profile photo not deleted",
			zap.String("user_id", userID), zap.String("key", key), zap.Error(err))
	}
}
