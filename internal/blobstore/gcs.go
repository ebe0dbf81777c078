package blobstore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/petermazzocco/carspotter/internal/apperr"
	"github.com/petermazzocco/carspotter/internal/logging"
)

// GCSStore keeps blobs in a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	logger *zap.Logger
}

func NewGCSStore(client *storage.Client, bucket string, logger *zap.Logger) *GCSStore {
	return &GCSStore{client: client, bucket: bucket, logger: logging.OrNop(logger)}
}

func (s *GCSStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(apperr.ErrStorageUnavailable, err)
	}
	return true, nil
}

func (s *GCSStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	wc := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	wc.ContentType = contentType
	wc.CacheControl = "public, max-age=31536000, immutable"
	wc.PredefinedACL = "publicRead"
	wc.ChunkSize = 0 // single request for small objects
	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return apperr.Wrap(apperr.ErrStorageUnavailable, err)
	}
	if err := wc.Close(); err != nil {
		s.logger.Error("failed to upload image", zap.String("key", key), zap.Error(err))
		return apperr.Wrap(apperr.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	err := s.client.Bucket(s.bucket).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return apperr.Wrap(apperr.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *GCSStore) base() string {
	return fmt.Sprintf("https://storage.googleapis.com/%s", s.bucket)
}

func (s *GCSStore) URL(key string) string {
	return PublicURL(s.base(), key)
}

func (s *GCSStore) KeyFromURL(rawURL string) (string, bool) {
	return KeyUnder(s.base(), rawURL)
}
