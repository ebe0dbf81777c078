// Package blobstore stores canonical image payloads under content-addressed
// keys: {ownerId}/{hash}.jpg for posts and {ownerId}/profile_{hash}.jpg for
// profile photos.
package blobstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Store is a durable object store. Implementations must be safe for
// concurrent use.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	// Put writes data with public-read visibility.
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Delete(ctx context.Context, key string) error
	// URL returns the public URL of key.
	URL(key string) string
	// KeyFromURL recovers the key from a URL previously returned by URL.
	KeyFromURL(rawURL string) (string, bool)
}

const profilePrefix = "profile_"

// KeyFunc builds an object key from an owner and a content hash.
type KeyFunc func(ownerID, hash string) string

func PostKey(ownerID, hash string) string {
	return fmt.Sprintf("%s/%s.jpg", ownerID, hash)
}

func ProfileKey(ownerID, hash string) string {
	return fmt.Sprintf("%s/%s%s.jpg", ownerID, profilePrefix, hash)
}

// IsProfileKey reports whether key names a profile photo rather than a post
// image.
func IsProfileKey(key string) bool {
	name := key[strings.LastIndex(key, "/")+1:]
	return strings.HasPrefix(name, profilePrefix)
}

// ParseKey splits a key into owner and content hash. Post and profile keys
// both parse; use IsProfileKey to tell them apart.
func ParseKey(key string) (ownerID, hash string, ok bool) {
	i := strings.LastIndex(key, "/")
	if i <= 0 || i == len(key)-1 {
		return "", "", false
	}
	ownerID, name := key[:i], key[i+1:]
	if !strings.HasSuffix(name, ".jpg") {
		return "", "", false
	}
	hash = strings.TrimPrefix(strings.TrimSuffix(name, ".jpg"), profilePrefix)
	if hash == "" {
		return "", "", false
	}
	return ownerID, hash, true
}

// PublicURL builds the URL of key under base. base is either a format string
// with one %s verb or a plain URL prefix.
func PublicURL(base, key string) string {
	var raw string
	if strings.Contains(base, "%s") {
		raw = fmt.Sprintf(base, key)
	} else {
		raw = strings.TrimSuffix(base, "/") + "/" + key
	}
	return CleanURL(raw)
}

// KeyUnder strips base from rawURL, the inverse of PublicURL.
func KeyUnder(base, rawURL string) (string, bool) {
	if base == "" || rawURL == "" {
		return "", false
	}
	prefix := base
	if i := strings.Index(base, "%s"); i >= 0 {
		prefix = base[:i]
	} else {
		prefix = strings.TrimSuffix(base, "/") + "/"
	}
	prefix = CleanURL(prefix)
	if !strings.HasPrefix(rawURL, prefix) {
		return "", false
	}
	key, err := url.PathUnescape(strings.TrimPrefix(rawURL, prefix))
	if err != nil || key == "" {
		return "", false
	}
	if _, _, ok := ParseKey(key); !ok {
		return "", false
	}
	return key, true
}

func CleanURL(urlStr string) string {
	urlStr = strings.ReplaceAll(urlStr, " ", "%20")
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return urlStr
	}

	return parsedURL.String()
}
