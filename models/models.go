package models

// CarInfo is what the vision model tells us about a photo.
// Year may hold a range ("1994-1998") when the exact year is unknown.
type CarInfo struct {
	Make   string `json:"make" validate:"required,max=100"`
	Model  string `json:"model" validate:"required,max=100"`
	Year   string `json:"year" validate:"max=32"`
	Rarity string `json:"rarity,omitempty" validate:"max=16"`
	Link   string `json:"link,omitempty" validate:"omitempty,url,max=512"`
}

// PostKey identifies a Post: owner plus the ISO-8601 savedAt sort key.
type PostKey struct {
	UserID  string `json:"userId"`
	SavedAt string `json:"savedAt"`
}

// Post is a saved car sighting.
type Post struct {
	UserID      string   `json:"userId"`
	SavedAt     string   `json:"savedAt"`
	CarInfo     CarInfo  `json:"carInfo"`
	ImageURL    string   `json:"imageUrl"`
	ImageHash   string   `json:"imageHash"`
	Likes       int      `json:"likes"`
	LikedBy     []string `json:"likedBy"`
	IsPrivate   bool     `json:"isPrivate"`
	Description string   `json:"description,omitempty"`
	Username    string   `json:"username"`

	// ProfilePhoto is filled in when composing feeds; it is not stored on the post.
	ProfilePhoto string `json:"profilePhoto,omitempty"`

	// LikeVersion is bumped on every like/unlike write and guards them.
	LikeVersion int64 `json:"-"`
}

func (p *Post) Key() PostKey {
	return PostKey{UserID: p.UserID, SavedAt: p.SavedAt}
}

// User is the identity record. UserID comes from the identity provider.
type User struct {
	UserID       string `json:"userId"`
	Username     string `json:"username"`
	ProfilePhoto string `json:"profilePhoto,omitempty"`
}

// ImageRef points at a stored canonical image.
type ImageRef struct {
	URL          string `json:"url"`
	Key          string `json:"key"`
	Hash         string `json:"hash"`
	ContentType  string `json:"contentType"`
	Deduplicated bool   `json:"deduplicated"`
}
