package recordstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/petermazzocco/carspotter/internal/apperr"
	"github.com/petermazzocco/carspotter/internal/logging"
	"github.com/petermazzocco/carspotter/models"
)

// PostRow is the SQL shape of a post. likedBy is kept as a JSON array.
type PostRow struct {
	UserID      string `gorm:"primaryKey;size:128;index:idx_posts_owner_hash,priority:1"`
	SavedAt     string `gorm:"primaryKey;size:32"`
	Make        string `gorm:"size:100"`
	Model       string `gorm:"size:100"`
	Year        string `gorm:"size:32"`
	Rarity      string `gorm:"size:16"`
	Link        string `gorm:"size:512"`
	ImageURL    string `gorm:"size:1024"`
	ImageHash   string `gorm:"size:64;index:idx_posts_owner_hash,priority:2"`
	Likes       int    `gorm:"not null;default:0"`
	LikedBy     string `gorm:"type:text;not null;default:'[]'"`
	IsPrivate   bool   `gorm:"not null;default:false;index"`
	Description string `gorm:"type:text"`
	Username    string `gorm:"size:64"`
	LikeVersion int64  `gorm:"not null;default:0"`
}

func (PostRow) TableName() string { return "posts" }

// UserRow is the SQL shape of a user. Username is NULL until chosen so the
// unique index only covers real names.
type UserRow struct {
	UserID       string  `gorm:"primaryKey;size:128"`
	Username     *string `gorm:"size:64;uniqueIndex"`
	ProfilePhoto string  `gorm:"size:1024"`
}

func (UserRow) TableName() string { return "users" }

func toPostRow(p *models.Post) (PostRow, error) {
	likedBy := p.LikedBy
	if likedBy == nil {
		likedBy = []string{}
	}
	raw, err := json.Marshal(likedBy)
	if err != nil {
		return PostRow{}, err
	}
	return PostRow{
		UserID:      p.UserID,
		SavedAt:     p.SavedAt,
		Make:        p.CarInfo.Make,
		Model:       p.CarInfo.Model,
		Year:        p.CarInfo.Year,
		Rarity:      p.CarInfo.Rarity,
		Link:        p.CarInfo.Link,
		ImageURL:    p.ImageURL,
		ImageHash:   p.ImageHash,
		Likes:       len(likedBy),
		LikedBy:     string(raw),
		IsPrivate:   p.IsPrivate,
		Description: p.Description,
		Username:    p.Username,
		LikeVersion: p.LikeVersion,
	}, nil
}

func (r PostRow) toModel() (models.Post, error) {
	likedBy := []string{}
	if r.LikedBy != "" {
		if err := json.Unmarshal([]byte(r.LikedBy), &likedBy); err != nil {
			return models.Post{}, fmt.Errorf("decode likedBy: %w", err)
		}
	}
	return models.Post{
		UserID:  r.UserID,
		SavedAt: r.SavedAt,
		CarInfo: models.CarInfo{
			Make:   r.Make,
			Model:  r.Model,
			Year:   r.Year,
			Rarity: r.Rarity,
			Link:   r.Link,
		},
		ImageURL:    r.ImageURL,
		ImageHash:   r.ImageHash,
		Likes:       r.Likes,
		LikedBy:     likedBy,
		IsPrivate:   r.IsPrivate,
		Description: r.Description,
		Username:    r.Username,
		LikeVersion: r.LikeVersion,
	}, nil
}

func (r UserRow) toModel() *models.User {
	u := &models.User{UserID: r.UserID, ProfilePhoto: r.ProfilePhoto}
	if r.Username != nil {
		u.Username = *r.Username
	}
	return u
}

// SQLStore keeps posts and users in a relational database through gorm.
type SQLStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewSQLStore(db *gorm.DB, logger *zap.Logger) *SQLStore {
	return &SQLStore{db: db, logger: logging.OrNop(logger)}
}

// Migrate creates or updates the posts and users tables.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&PostRow{}, &UserRow{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func (s *SQLStore) CreatePost(ctx context.Context, p *models.Post) error {
	row, err := toPostRow(p)
	if err != nil {
		return fmt.Errorf("encode post: %w", err)
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		s.logger.Error("failed to create post", zap.String("owner_id", p.UserID), zap.Error(res.Error))
		return unavailable(res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.ErrPostExists
	}
	return nil
}

func (s *SQLStore) GetPost(ctx context.Context, key models.PostKey) (*models.Post, error) {
	var row PostRow
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND saved_at = ?", key.UserID, key.SavedAt).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrPostNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	p, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLStore) findPosts(tx *gorm.DB) ([]models.Post, error) {
	var rows []PostRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, unavailable(err)
	}
	posts := make([]models.Post, 0, len(rows))
	for _, row := range rows {
		p, err := row.toModel()
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, nil
}

func (s *SQLStore) QueryPostsByOwner(ctx context.Context, ownerID string) ([]models.Post, error) {
	return s.findPosts(s.db.WithContext(ctx).
		Where("user_id = ?", ownerID).
		Order("saved_at DESC"))
}

func (s *SQLStore) ScanPublicPosts(ctx context.Context) ([]models.Post, error) {
	return s.findPosts(s.db.WithContext(ctx).Where("is_private = ?", false))
}

func (s *SQLStore) UpdateLikes(ctx context.Context, key models.PostKey, expectedVersion int64, likedBy []string) error {
	if likedBy == nil {
		likedBy = []string{}
	}
	raw, err := json.Marshal(likedBy)
	if err != nil {
		return fmt.Errorf("encode likedBy: %w", err)
	}

	res := s.db.WithContext(ctx).Model(&PostRow{}).
		Where("user_id = ? AND saved_at = ? AND like_version = ?", key.UserID, key.SavedAt, expectedVersion).
		Updates(map[string]any{
			"likes":        len(likedBy),
			"liked_by":     string(raw),
			"like_version": expectedVersion + 1,
		})
	if res.Error != nil {
		return unavailable(res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.ErrConditionFailed
	}
	return nil
}

func (s *SQLStore) DeletePost(ctx context.Context, key models.PostKey) (*models.Post, error) {
	var deleted *models.Post
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row PostRow
		err := tx.Where("user_id = ? AND saved_at = ?", key.UserID, key.SavedAt).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.ErrPostNotFound
		}
		if err != nil {
			return unavailable(err)
		}

		res := tx.Where("user_id = ? AND saved_at = ?", key.UserID, key.SavedAt).Delete(&PostRow{})
		if res.Error != nil {
			return unavailable(res.Error)
		}
		if res.RowsAffected == 0 {
			return apperr.ErrPostNotFound
		}

		p, err := row.toModel()
		if err != nil {
			return err
		}
		deleted = &p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

func (s *SQLStore) CountImageRefs(ctx context.Context, ownerID, hash string) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&PostRow{}).
		Where("user_id = ? AND image_hash = ?", ownerID, hash).
		Count(&n).Error
	if err != nil {
		return 0, unavailable(err)
	}
	return int(n), nil
}

func (s *SQLStore) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var row UserRow
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrUserNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return row.toModel(), nil
}

func (s *SQLStore) usernameHeld(tx *gorm.DB, username, exceptUserID string) (bool, error) {
	var n int64
	err := tx.Model(&UserRow{}).
		Where("username = ? AND user_id <> ?", username, exceptUserID).
		Count(&n).Error
	return n > 0, err
}

func (s *SQLStore) CreateUser(ctx context.Context, u *models.User) error {
	row := UserRow{UserID: u.UserID, ProfilePhoto: u.ProfilePhoto}
	if u.Username != "" {
		name := u.Username
		row.Username = &name
	}

	db := s.db.WithContext(ctx)
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return unavailable(res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	// Nothing inserted: either the id or the username collided.
	var n int64
	if err := db.Model(&UserRow{}).Where("user_id = ?", u.UserID).Count(&n).Error; err != nil {
		return unavailable(err)
	}
	if n > 0 {
		return apperr.ErrUserExists
	}
	return apperr.ErrUsernameTaken
}

func (s *SQLStore) UpdateUsername(ctx context.Context, userID, username string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row UserRow
		err := tx.Where("user_id = ?", userID).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.ErrUserNotFound
		}
		if err != nil {
			return unavailable(err)
		}
		if row.Username != nil && *row.Username == username {
			return nil
		}

		held, err := s.usernameHeld(tx, username, userID)
		if err != nil {
			return unavailable(err)
		}
		if held {
			return apperr.ErrUsernameTaken
		}

		if err := tx.Model(&UserRow{}).Where("user_id = ?", userID).Update("username", username).Error; err != nil {
			// lost a race against another writer on the unique index
			if held, _ := s.usernameHeld(s.db.WithContext(ctx), username, userID); held {
				return apperr.ErrUsernameTaken
			}
			return unavailable(err)
		}
		return nil
	})
}

func (s *SQLStore) UpdateProfilePhoto(ctx context.Context, userID, photoURL string) error {
	res := s.db.WithContext(ctx).Model(&UserRow{}).
		Where("user_id = ?", userID).
		Update("profile_photo", photoURL)
	if res.Error != nil {
		return unavailable(res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.ErrUserNotFound
	}
	return nil
}
