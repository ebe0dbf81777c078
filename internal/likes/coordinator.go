// Package likes serialises like and unlike on a post without locks: every
// change is a conditional write against the like version read just before
// it, retried a bounded number of times when another writer got there first.
package likes

import (
	"context"
	"errors"
	"math/rand"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/petermazzocco/carspotter/internal/apperr"
	"github.com/petermazzocco/carspotter/internal/logging"
	"github.com/petermazzocco/carspotter/internal/metrics"
	"github.com/petermazzocco/carspotter/models"
)

const (
	DefaultMaxAttempts = 5
	defaultBaseBackoff = 10 * time.Millisecond
	defaultMaxBackoff  = 200 * time.Millisecond
)

// Store is the part of the record store the coordinator needs.
type Store interface {
	GetPost(ctx context.Context, key models.PostKey) (*models.Post, error)
	UpdateLikes(ctx context.Context, key models.PostKey, expectedVersion int64, likedBy []string) error
}

// Result is the outcome of a like or unlike. Likes is the post's count after
// the call; it is also filled when the call was rejected.
type Result struct {
	Likes int `json:"likes"`
}

type Coordinator struct {
	store       Store
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	metrics     *metrics.Collector
	logger      *zap.Logger
}

type Option func(*Coordinator)

func WithMaxAttempts(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithBackoff sets the base and ceiling of the jittered exponential backoff
// between attempts.
func WithBackoff(base, max time.Duration) Option {
	return func(c *Coordinator) {
		c.baseBackoff, c.maxBackoff = base, max
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = logging.OrNop(l) }
}

func NewCoordinator(store Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       store,
		maxAttempts: DefaultMaxAttempts,
		baseBackoff: defaultBaseBackoff,
		maxBackoff:  defaultMaxBackoff,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Like adds likerID to the post's likers. apperr.ErrAlreadyLiked if it is
// already there.
func (c *Coordinator) Like(ctx context.Context, key models.PostKey, likerID string) (Result, error) {
	return c.apply(ctx, "like", key, likerID, func(likedBy []string) ([]string, error) {
		if slices.Contains(likedBy, likerID) {
			return nil, apperr.ErrAlreadyLiked
		}
		return append(slices.Clone(likedBy), likerID), nil
	})
}

// Unlike removes likerID from the post's likers. apperr.ErrNotLiked if it is
// not there.
func (c *Coordinator) Unlike(ctx context.Context, key models.PostKey, likerID string) (Result, error) {
	return c.apply(ctx, "unlike", key, likerID, func(likedBy []string) ([]string, error) {
		i := slices.Index(likedBy, likerID)
		if i < 0 {
			return nil, apperr.ErrNotLiked
		}
		return slices.Delete(slices.Clone(likedBy), i, i+1), nil
	})
}

func (c *Coordinator) apply(ctx context.Context, op string, key models.PostKey, likerID string, mutate func([]string) ([]string, error)) (Result, error) {
	if likerID == "" {
		return Result{}, apperr.Validation("liker id is required")
	}
	if key.UserID == "" || key.SavedAt == "" {
		return Result{}, apperr.Validation("post key is required")
	}

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		post, err := c.store.GetPost(ctx, key)
		if err != nil {
			return Result{}, err
		}

		next, err := mutate(dedupe(post.LikedBy))
		if err != nil {
			return Result{Likes: post.Likes}, err
		}

		err = c.store.UpdateLikes(ctx, key, post.LikeVersion, next)
		if err == nil {
			return Result{Likes: len(next)}, nil
		}
		if !errors.Is(err, apperr.ErrConditionFailed) {
			return Result{}, err
		}

		c.metrics.LikeConflict()
		c.logger.Debug("like write lost to a concurrent writer",
			zap.String("op", op),
			zap.String("owner_id", key.UserID),
			zap.String("saved_at", key.SavedAt),
			zap.Int("attempt", attempt),
		)
		if attempt < c.maxAttempts {
			if err := c.sleep(ctx, attempt); err != nil {
				return Result{}, err
			}
		}
	}

	c.metrics.LikeRetriesExhausted()
	c.logger.Warn("like retries exhausted",
		zap.String("op", op),
		zap.String("owner_id", key.UserID),
		zap.String("saved_at", key.SavedAt),
		zap.Int("attempts", c.maxAttempts),
	)
	return Result{}, apperr.ErrConcurrentModification
}

func (c *Coordinator) sleep(ctx context.Context, attempt int) error {
	if c.baseBackoff <= 0 {
		return ctx.Err()
	}
	d := c.baseBackoff << (attempt - 1)
	if c.maxBackoff > 0 && d > c.maxBackoff {
		d = c.maxBackoff
	}
	// full jitter
	d = time.Duration(rand.Int63n(int64(d)) + 1)

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// dedupe drops repeated ids, keeping first occurrences in order.
func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
