package recordstore

import (
	"context"
	"sync"

	"github.com/petermazzocco/carspotter/internal/apperr"
	"github.com/petermazzocco/carspotter/models"
)

// MemoryStore is an in-process Store with the same conditional semantics as
// the durable backends.
type MemoryStore struct {
	mu        sync.RWMutex
	posts     map[string]map[string]*models.Post // owner -> savedAt -> post
	users     map[string]*models.User
	usernames map[string]string // username -> userId
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		posts:     make(map[string]map[string]*models.Post),
		users:     make(map[string]*models.User),
		usernames: make(map[string]string),
	}
}

func (m *MemoryStore) CreatePost(ctx context.Context, p *models.Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	owned, ok := m.posts[p.UserID]
	if !ok {
		owned = make(map[string]*models.Post)
		m.posts[p.UserID] = owned
	}
	if _, exists := owned[p.SavedAt]; exists {
		return apperr.ErrPostExists
	}
	owned[p.SavedAt] = clonePost(p)
	return nil
}

func (m *MemoryStore) GetPost(ctx context.Context, key models.PostKey) (*models.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.posts[key.UserID][key.SavedAt]
	if !ok {
		return nil, apperr.ErrPostNotFound
	}
	return clonePost(p), nil
}

func (m *MemoryStore) QueryPostsByOwner(ctx context.Context, ownerID string) ([]models.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Post, 0, len(m.posts[ownerID]))
	for _, p := range m.posts[ownerID] {
		out = append(out, *clonePost(p))
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) ScanPublicPosts(ctx context.Context) ([]models.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Post
	for _, owned := range m.posts {
		for _, p := range owned {
			if !p.IsPrivate {
				out = append(out, *clonePost(p))
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateLikes(ctx context.Context, key models.PostKey, expectedVersion int64, likedBy []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.posts[key.UserID][key.SavedAt]
	if !ok || p.LikeVersion != expectedVersion {
		return apperr.ErrConditionFailed
	}
	p.LikedBy = append([]string{}, likedBy...)
	p.Likes = len(likedBy)
	p.LikeVersion++
	return nil
}

func (m *MemoryStore) DeletePost(ctx context.Context, key models.PostKey) (*models.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.posts[key.UserID][key.SavedAt]
	if !ok {
		return nil, apperr.ErrPostNotFound
	}
	delete(m.posts[key.UserID], key.SavedAt)
	return p, nil
}

func (m *MemoryStore) CountImageRefs(ctx context.Context, ownerID, hash string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, p := range m.posts[ownerID] {
		if p.ImageHash == hash {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) GetUser(ctx context.Context, userID string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[userID]
	if !ok {
		return nil, apperr.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) CreateUser(ctx context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[u.UserID]; ok {
		return apperr.ErrUserExists
	}
	if u.Username != "" {
		if _, taken := m.usernames[u.Username]; taken {
			return apperr.ErrUsernameTaken
		}
		m.usernames[u.Username] = u.UserID
	}
	cp := *u
	m.users[u.UserID] = &cp
	return nil
}

func (m *MemoryStore) UpdateUsername(ctx context.Context, userID, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return apperr.ErrUserNotFound
	}
	if u.Username == username {
		return nil
	}
	if owner, taken := m.usernames[username]; taken && owner != userID {
		return apperr.ErrUsernameTaken
	}
	if u.Username != "" {
		delete(m.usernames, u.Username)
	}
	m.usernames[username] = userID
	u.Username = username
	return nil
}

func (m *MemoryStore) UpdateProfilePhoto(ctx context.Context, userID, photoURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return apperr.ErrUserNotFound
	}
	u.ProfilePhoto = photoURL
	return nil
}
