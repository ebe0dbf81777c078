// Package ingest turns user supplied images into canonical, content
// addressed blobs. Identical canonical bytes from the same owner always land
// on the same key, so re-uploads are detected and skipped.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/petermazzocco/carspotter/internal/apperr"
	"github.com/petermazzocco/carspotter/internal/blobstore"
	"github.com/petermazzocco/carspotter/internal/imaging"
	"github.com/petermazzocco/carspotter/internal/logging"
	"github.com/petermazzocco/carspotter/internal/metrics"
	"github.com/petermazzocco/carspotter/models"
)

type Normalizer interface {
	Normalize(raw []byte) (imaging.Canonical, error)
}

type Options struct {
	// HTTPClient fetches remote image URLs. http.DefaultClient when nil.
	HTTPClient    *http.Client
	FetchTimeout  time.Duration
	MaxFetchBytes int64

	Metrics *metrics.Collector
	Logger  *zap.Logger
}

type Pipeline struct {
	normalizer    Normalizer
	store         blobstore.Store
	httpClient    *http.Client
	fetchTimeout  time.Duration
	maxFetchBytes int64
	metrics       *metrics.Collector
	logger        *zap.Logger
}

func NewPipeline(n Normalizer, store blobstore.Store, opts Options) *Pipeline {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.MaxFetchBytes <= 0 {
		opts.MaxFetchBytes = imaging.DefaultMaxBytes
	}
	return &Pipeline{
		normalizer:    n,
		store:         store,
		httpClient:    opts.HTTPClient,
		fetchTimeout:  opts.FetchTimeout,
		maxFetchBytes: opts.MaxFetchBytes,
		metrics:       opts.Metrics,
		logger:        logging.OrNop(opts.Logger),
	}
}

// Ingest stores raw as a post image of ownerID.
func (p *Pipeline) Ingest(ctx context.Context, ownerID string, raw []byte) (models.ImageRef, error) {
	return p.ingest(ctx, ownerID, raw, blobstore.PostKey)
}

// IngestProfile stores raw as a profile photo of ownerID.
func (p *Pipeline) IngestProfile(ctx context.Context, ownerID string, raw []byte) (models.ImageRef, error) {
	return p.ingest(ctx, ownerID, raw, blobstore.ProfileKey)
}

func (p *Pipeline) ingest(ctx context.Context, ownerID string, raw []byte, keyFn blobstore.KeyFunc) (models.ImageRef, error) {
	if ownerID == "" {
		return models.ImageRef{}, apperr.Validation("owner id is required")
	}
	log := p.logger.With(zap.String("ingest_id", uuid.NewString()), zap.String("owner_id", ownerID))

	canonical, err := p.normalizer.Normalize(raw)
	if err != nil {
		log.Debug("image rejected", zap.Int("bytes", len(raw)), zap.Error(err))
		return models.ImageRef{}, err
	}

	// The hash covers the canonical bytes, so a different resize library or
	// quality setting yields new keys for the same source photo.
	sum := sha256.Sum256(canonical.Bytes)
	hash := hex.EncodeToString(sum[:])
	key := keyFn(ownerID, hash)

	ref := models.ImageRef{
		URL:         p.store.URL(key),
		Key:         key,
		Hash:        hash,
		ContentType: canonical.ContentType,
	}

	exists, err := p.store.Exists(ctx, key)
	if err != nil {
		log.Error("existence check failed", zap.String("key", key), zap.Error(err))
		return models.ImageRef{}, storageErr(err)
	}
	if exists {
		ref.Deduplicated = true
		p.metrics.ImageDeduped()
		log.Debug("image already stored", zap.String("key", key))
		return ref, nil
	}

	if err := p.store.Put(ctx, key, canonical.Bytes, canonical.ContentType); err != nil {
		log.Error("image upload failed", zap.String("key", key), zap.Error(err))
		return models.ImageRef{}, storageErr(err)
	}
	p.metrics.ImageStored()
	log.Info("image stored",
		zap.String("key", key),
		zap.Int("width", canonical.Width),
		zap.Int("height", canonical.Height),
		zap.Int("bytes", len(canonical.Bytes)),
	)
	return ref, nil
}

func storageErr(err error) error {
	if apperr.KindOf(err) == apperr.KindUpstreamUnavailable {
		return err
	}
	return apperr.Wrap(apperr.ErrStorageUnavailable, err)
}
