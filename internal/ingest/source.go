package ingest

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/petermazzocco/carspotter/internal/apperr"
	"github.com/petermazzocco/carspotter/internal/blobstore"
	"github.com/petermazzocco/carspotter/internal/imaging"
	"github.com/petermazzocco/carspotter/models"
)

// IngestInput accepts the image forms clients send: a data: URL, bare
// base64, a URL this store issued earlier, or a remote http(s) URL.
func (p *Pipeline) IngestInput(ctx context.Context, ownerID, input string) (models.ImageRef, error) {
	input = strings.TrimSpace(input)
	if ref, ok := p.storedRef(ownerID, input); ok {
		return ref, nil
	}
	raw, err := p.Resolve(ctx, input)
	if err != nil {
		return models.ImageRef{}, err
	}
	return p.Ingest(ctx, ownerID, raw)
}

// Resolve returns the bytes behind input without storing anything.
func (p *Pipeline) Resolve(ctx context.Context, input string) ([]byte, error) {
	input = strings.TrimSpace(input)
	lower := strings.ToLower(input)

	switch {
	case input == "":
		return nil, apperr.Validation("image is required")
	case strings.HasPrefix(lower, "blob:"):
		return nil, apperr.Validation("blob: URLs only exist inside the browser, upload the image bytes instead")
	case strings.HasPrefix(lower, "data:"):
		return decodeDataURL(input)
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return p.fetch(ctx, input)
	case strings.Contains(input, "://"):
		return nil, apperr.Validation("unsupported image URL scheme")
	default:
		raw, err := decodeBase64(input)
		if err != nil {
			return nil, apperr.Validation("image is neither a URL nor base64 data")
		}
		return raw, nil
	}
}

// storedRef recognises a post image URL issued by this store for ownerID and
// returns it without touching the bytes. URLs of other owners and profile
// photos are fetched and copied so every post references a post blob under
// its own owner.
func (p *Pipeline) storedRef(ownerID, rawURL string) (models.ImageRef, bool) {
	key, ok := p.store.KeyFromURL(rawURL)
	if !ok || blobstore.IsProfileKey(key) {
		return models.ImageRef{}, false
	}
	owner, hash, ok := blobstore.ParseKey(key)
	if !ok || owner != ownerID {
		return models.ImageRef{}, false
	}
	return models.ImageRef{
		URL:          rawURL,
		Key:          key,
		Hash:         hash,
		ContentType:  imaging.ContentTypeJPEG,
		Deduplicated: true,
	}, true
}

func (p *Pipeline) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, blobstore.CleanURL(rawURL), nil)
	if err != nil {
		return nil, apperr.Validation("invalid image URL")
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Warn("image fetch failed", zap.String("url", rawURL), zap.Error(err))
		return nil, apperr.Unavailable("image source", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Validation("could not fetch image: status %d", resp.StatusCode)
	}
	if resp.ContentLength > p.maxFetchBytes {
		return nil, apperr.ErrPayloadTooLarge
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(resp.Body, p.maxFetchBytes+1))
	if err != nil {
		return nil, apperr.Unavailable("image source", err)
	}
	if n > p.maxFetchBytes {
		return nil, apperr.ErrPayloadTooLarge
	}
	return buf.Bytes(), nil
}

func decodeDataURL(input string) ([]byte, error) {
	comma := strings.IndexByte(input, ',')
	if comma < 0 {
		return nil, apperr.Validation("malformed data URL")
	}
	meta, payload := input[len("data:"):comma], input[comma+1:]
	if !strings.HasSuffix(strings.ToLower(meta), ";base64") {
		return nil, apperr.Validation("data URL must be base64 encoded")
	}
	raw, err := decodeBase64(payload)
	if err != nil {
		return nil, apperr.Validation("malformed data URL: %v", err)
	}
	return raw, nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, s)

	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if raw, err := enc.DecodeString(s); err == nil && len(raw) > 0 {
			return raw, nil
		}
	}
	return nil, fmt.Errorf("invalid base64")
}
