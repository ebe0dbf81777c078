package ingest

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/petermazzocco/carspotter/internal/apperr"
	"github.com/petermazzocco/carspotter/internal/blobstore"
	"github.com/petermazzocco/carspotter/internal/imaging"
	"github.com/petermazzocco/carspotter/internal/metrics"
)

func testPNG(t *testing.T, w, h int, shade uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: shade, G: uint8(x), B: uint8(y), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestPipeline(store blobstore.Store, opts Options) *Pipeline {
	opts.Logger = zap.NewNop()
	return NewPipeline(imaging.NewNormalizer(imaging.Options{}), store, opts)
}

func TestIngestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore("https://blobs.example.com")
	m := metrics.NewCollector("test")
	p := newTestPipeline(store, Options{Metrics: m})
	raw := testPNG(t, 40, 30, 10)

	first, err := p.Ingest(ctx, "u1", raw)
	require.NoError(t, err)
	assert.False(t, first.Deduplicated)
	assert.Equal(t, "u1/"+first.Hash+".jpg", first.Key)
	assert.Equal(t, "https://blobs.example.com/"+first.Key, first.URL)
	assert.Equal(t, imaging.ContentTypeJPEG, first.ContentType)
	assert.Len(t, first.Hash, 64)

	second, err := p.Ingest(ctx, "u1", raw)
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.Key, second.Key)
	assert.Equal(t, first.URL, second.URL)
	assert.Equal(t, 1, store.Puts())

	other, err := p.Ingest(ctx, "u2", raw)
	require.NoError(t, err)
	assert.Equal(t, first.Hash, other.Hash)
	assert.NotEqual(t, first.Key, other.Key)
	assert.Equal(t, 2, store.Puts())
}

func TestIngestProfileUsesProfileKey(t *testing.T) {
	store := blobstore.NewMemoryStore("")
	p := newTestPipeline(store, Options{})

	ref, err := p.IngestProfile(context.Background(), "u1", testPNG(t, 20, 20, 99))
	require.NoError(t, err)
	assert.Equal(t, "u1/profile_"+ref.Hash+".jpg", ref.Key)
}

func TestIngestRejectsBeforeWriting(t *testing.T) {
	store := blobstore.NewMemoryStore("")
	p := newTestPipeline(store, Options{})

	_, err := p.Ingest(context.Background(), "u1", []byte("definitely not an image"))
	assert.ErrorIs(t, err, apperr.ErrUnsupportedFormat)
	assert.Zero(t, store.Puts())

	_, err = p.Ingest(context.Background(), "", testPNG(t, 4, 4, 1))
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

type failingStore struct {
	*blobstore.MemoryStore
	existsErr error
	putErr    error
}

func (f *failingStore) Exists(ctx context.Context, key string) (bool, error) {
	if f.existsErr != nil {
		return false, f.existsErr
	}
	return f.MemoryStore.Exists(ctx, key)
}

func (f *failingStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if f.putErr != nil {
		return f.putErr
	}
	return f.MemoryStore.Put(ctx, key, data, contentType)
}

func TestIngestStorageFailures(t *testing.T) {
	raw := testPNG(t, 8, 8, 3)

	p := newTestPipeline(&failingStore{MemoryStore: blobstore.NewMemoryStore(""), existsErr: errors.New("timeout")}, Options{})
	_, err := p.Ingest(context.Background(), "u1", raw)
	assert.ErrorIs(t, err, apperr.ErrStorageUnavailable)

	p = newTestPipeline(&failingStore{MemoryStore: blobstore.NewMemoryStore(""), putErr: apperr.Wrap(apperr.ErrStorageUnavailable, errors.New("503"))}, Options{})
	_, err = p.Ingest(context.Background(), "u1", raw)
	assert.ErrorIs(t, err, apperr.ErrStorageUnavailable)
}

func TestIngestInputForms(t *testing.T) {
	ctx := context.Background()
	raw := testPNG(t, 16, 12, 77)
	encoded := base64.StdEncoding.EncodeToString(raw)

	store := blobstore.NewMemoryStore("https://blobs.example.com")
	p := newTestPipeline(store, Options{})

	fromDataURL, err := p.IngestInput(ctx, "u1", "data:image/png;base64,"+encoded)
	require.NoError(t, err)

	fromBase64, err := p.IngestInput(ctx, "u1", encoded)
	require.NoError(t, err)
	assert.Equal(t, fromDataURL.Key, fromBase64.Key)
	assert.True(t, fromBase64.Deduplicated)

	passthrough, err := p.IngestInput(ctx, "u1", fromDataURL.URL)
	require.NoError(t, err)
	assert.Equal(t, fromDataURL.URL, passthrough.URL)
	assert.Equal(t, fromDataURL.Hash, passthrough.Hash)
	assert.Equal(t, 1, store.Puts())
}

func TestIngestInputRejects(t *testing.T) {
	p := newTestPipeline(blobstore.NewMemoryStore(""), Options{})
	for _, input := range []string{
		"",
		"blob:http://localhost:3000/1b2c",
		"data:image/png,notbase64",
		"ftp://example.com/car.jpg",
		"%%%not base64%%%",
	} {
		_, err := p.IngestInput(context.Background(), "u1", input)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err), input)
	}
}

func TestIngestInputFetchesRemoteURLs(t *testing.T) {
	raw := testPNG(t, 10, 10, 200)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/car.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(raw)
		case "/huge.png":
			_, _ = w.Write([]byte(strings.Repeat("x", 2048)))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	store := blobstore.NewMemoryStore("https://blobs.example.com")
	p := newTestPipeline(store, Options{HTTPClient: srv.Client(), MaxFetchBytes: 1024})

	ref, err := p.IngestInput(ctx, "u1", srv.URL+"/car.png")
	require.NoError(t, err)
	assert.False(t, ref.Deduplicated)
	assert.Equal(t, 1, store.Puts())

	_, err = p.IngestInput(ctx, "u1", srv.URL+"/huge.png")
	assert.ErrorIs(t, err, apperr.ErrPayloadTooLarge)

	_, err = p.IngestInput(ctx, "u1", srv.URL+"/missing.png")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestIngestInputCopiesForeignStoreURLs(t *testing.T) {
	ctx := context.Background()
	raw := testPNG(t, 12, 12, 5)

	store := blobstore.NewMemoryStore("https://blobs.example.com")
	p := newTestPipeline(store, Options{})
	theirs, err := p.Ingest(ctx, "u2", raw)
	require.NoError(t, err)

	// u1 referencing u2's blob must not create a cross-owner reference; the
	// fetch fails here because the memory store URL is not served.
	_, ok := p.storedRef("u1", theirs.URL)
	assert.False(t, ok)
	_, ok = p.storedRef("u2", theirs.URL)
	assert.True(t, ok)
}
