// Package metacache is the read-through cache for user metadata shown next to
// posts: the display name and the profile photo URL. Each field has its own
// bounded LRU with a TTL; entries past their TTL are never returned.
package metacache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/petermazzocco/carspotter/internal/apperr"
	"github.com/petermazzocco/carspotter/internal/logging"
	"github.com/petermazzocco/carspotter/internal/metrics"
	"github.com/petermazzocco/carspotter/models"
)

const (
	usernameCache = "username"
	photoCache    = "profile_photo"

	batchConcurrency = 16
)

// UserLoader reads the authoritative user record on a miss.
type UserLoader interface {
	GetUser(ctx context.Context, userID string) (*models.User, error)
}

type Options struct {
	UsernameTTL  time.Duration
	UsernameSize int
	PhotoTTL     time.Duration
	PhotoSize    int
	// LoadTimeout bounds a coalesced store read. It runs detached from the
	// caller that started it so one cancelled request cannot fail the rest.
	LoadTimeout time.Duration

	// Shared is an optional second level (Redis) consulted before the loader.
	Shared  Tier
	Metrics *metrics.Collector
	Logger  *zap.Logger
}

func DefaultOptions() Options {
	return Options{
		UsernameTTL:  5 * time.Minute,
		UsernameSize: 10000,
		PhotoTTL:     10 * time.Minute,
		PhotoSize:    10000,
		LoadTimeout:  5 * time.Second,
	}
}

type fieldCache struct {
	name  string
	ttl   time.Duration
	lru   *expirable.LRU[string, string]
	value func(*models.User) string

	// gen is bumped by every write and invalidation. A load only stores its
	// result if gen did not move while it ran, so it cannot resurrect data
	// older than an invalidation.
	mu  sync.Mutex
	gen uint64
}

func newFieldCache(name string, size int, ttl time.Duration, value func(*models.User) string) *fieldCache {
	return &fieldCache{
		name:  name,
		ttl:   ttl,
		lru:   expirable.NewLRU[string, string](size, nil, ttl),
		value: value,
	}
}

func (f *fieldCache) generation() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gen
}

// put stores v unless the entry was written or invalidated since gen was
// read. It reports whether v was stored.
func (f *fieldCache) put(gen uint64, userID, v string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if gen != f.gen {
		return false
	}
	f.lru.Add(userID, v)
	return true
}

func (f *fieldCache) set(userID, v string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gen++
	f.lru.Add(userID, v)
}

func (f *fieldCache) invalidate(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gen++
	f.lru.Remove(userID)
}

func (f *fieldCache) sharedKey(userID string) string {
	return "user:" + f.name + ":" + userID
}

// Cache is safe for concurrent use.
type Cache struct {
	loader      UserLoader
	usernames   *fieldCache
	photos      *fieldCache
	loads       singleflight.Group
	loadTimeout time.Duration
	shared      Tier
	metrics     *metrics.Collector
	logger      *zap.Logger
}

func New(loader UserLoader, opts Options) *Cache {
	def := DefaultOptions()
	if opts.UsernameTTL <= 0 {
		opts.UsernameTTL = def.UsernameTTL
	}
	if opts.UsernameSize <= 0 {
		opts.UsernameSize = def.UsernameSize
	}
	if opts.PhotoTTL <= 0 {
		opts.PhotoTTL = def.PhotoTTL
	}
	if opts.PhotoSize <= 0 {
		opts.PhotoSize = def.PhotoSize
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = def.LoadTimeout
	}

	return &Cache{
		loader:      loader,
		usernames:   newFieldCache(usernameCache, opts.UsernameSize, opts.UsernameTTL, func(u *models.User) string { return u.Username }),
		photos:      newFieldCache(photoCache, opts.PhotoSize, opts.PhotoTTL, func(u *models.User) string { return u.ProfilePhoto }),
		loadTimeout: opts.LoadTimeout,
		shared:      opts.Shared,
		metrics:     opts.Metrics,
		logger:      logging.OrNop(opts.Logger),
	}
}

// GetUsername returns the display name of userID. apperr.ErrUserNotFound is
// returned, and not cached, for unknown users.
func (c *Cache) GetUsername(ctx context.Context, userID string) (string, error) {
	return c.get(ctx, c.usernames, userID)
}

// GetProfilePhoto returns the profile photo URL of userID, "" if none is set.
func (c *Cache) GetProfilePhoto(ctx context.Context, userID string) (string, error) {
	return c.get(ctx, c.photos, userID)
}

func (c *Cache) get(ctx context.Context, f *fieldCache, userID string) (string, error) {
	if v, ok := f.lru.Get(userID); ok {
		c.metrics.CacheHit(f.name)
		return v, nil
	}
	c.metrics.CacheMiss(f.name)

	gen := f.generation()
	if c.shared != nil {
		v, ok, err := c.shared.Get(ctx, f.sharedKey(userID))
		if err != nil {
			c.logger.Warn("shared cache read failed", zap.String("cache", f.name), zap.Error(err))
		} else if ok {
			f.put(gen, userID, v)
			return v, nil
		}
	}

	u, err := c.load(ctx, userID)
	if err != nil {
		return "", err
	}
	return f.value(u), nil
}

// load reads the user once for all concurrent misses on the same id and
// fills both field caches. Each caller waits on its own ctx.
func (c *Cache) load(ctx context.Context, userID string) (*models.User, error) {
	ch := c.loads.DoChan(userID, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loadTimeout)
		defer cancel()

		usernameGen, photoGen := c.usernames.generation(), c.photos.generation()
		u, err := c.loader.GetUser(lctx, userID)
		if err != nil {
			return nil, err
		}
		if c.usernames.put(usernameGen, userID, u.Username) {
			c.share(lctx, c.usernames, userID, u.Username)
		}
		if c.photos.put(photoGen, userID, u.ProfilePhoto) {
			c.share(lctx, c.photos, userID, u.ProfilePhoto)
		}
		return u, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.User), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) share(ctx context.Context, f *fieldCache, userID, v string) {
	if c.shared == nil {
		return
	}
	if err := c.shared.Set(ctx, f.sharedKey(userID), v, f.ttl); err != nil {
		c.logger.Warn("shared cache write failed", zap.String("cache", f.name), zap.Error(err))
	}
}

// Usernames resolves many users at once. Unknown users are left out of the
// result.
func (c *Cache) Usernames(ctx context.Context, userIDs []string) (map[string]string, error) {
	return c.batch(ctx, c.usernames, userIDs)
}

// ProfilePhotos is the profile photo counterpart of Usernames.
func (c *Cache) ProfilePhotos(ctx context.Context, userIDs []string) (map[string]string, error) {
	return c.batch(ctx, c.photos, userIDs)
}

func (c *Cache) batch(ctx context.Context, f *fieldCache, userIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(userIDs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	seen := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		id := id

		g.Go(func() error {
			v, err := c.get(gctx, f, id)
			if errors.Is(err, apperr.ErrUserNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			mu.Lock()
			out[id] = v
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// SetUsername stores a freshly written username.
func (c *Cache) SetUsername(ctx context.Context, userID, username string) {
	c.usernames.set(userID, username)
	c.share(ctx, c.usernames, userID, username)
}

// SetProfilePhoto stores a freshly written profile photo URL.
func (c *Cache) SetProfilePhoto(ctx context.Context, userID, photoURL string) {
	c.photos.set(userID, photoURL)
	c.share(ctx, c.photos, userID, photoURL)
}

// Invalidate drops both entries for userID.
func (c *Cache) Invalidate(ctx context.Context, userID string) {
	c.usernames.invalidate(userID)
	c.photos.invalidate(userID)
	if c.shared == nil {
		return
	}
	if err := c.shared.Delete(ctx, c.usernames.sharedKey(userID), c.photos.sharedKey(userID)); err != nil {
		c.logger.Warn("shared cache invalidation failed", zap.String("user_id", userID), zap.Error(err))
	}
}
