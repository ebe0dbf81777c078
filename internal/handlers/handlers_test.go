package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/markbates/goth/gothic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/petermazzocco/carspotter/internal/auth"
	"github.com/petermazzocco/carspotter/internal/blobstore"
	"github.com/petermazzocco/carspotter/internal/imaging"
	"github.com/petermazzocco/carspotter/internal/ingest"
	"github.com/petermazzocco/carspotter/internal/likes"
	"github.com/petermazzocco/carspotter/internal/mailer"
	"github.com/petermazzocco/carspotter/internal/metacache"
	"github.com/petermazzocco/carspotter/internal/metrics"
	"github.com/petermazzocco/carspotter/internal/posts"
	"github.com/petermazzocco/carspotter/internal/recordstore"
	"github.com/petermazzocco/carspotter/internal/users"
	"github.com/petermazzocco/carspotter/internal/vision"
	"github.com/petermazzocco/carspotter/models"
)

type server struct {
	router  http.Handler
	records *recordstore.MemoryStore
	blobs   *blobstore.MemoryStore
}

func newServer(t *testing.T) *server {
	t.Helper()
	gothic.Store = auth.NewCookieStore("handlers-test-secret-0123456789ab", 3600, false)

	records := recordstore.NewMemoryStore()
	blobs := blobstore.NewMemoryStore("http://localhost:8000/blobs")
	normalizer := imaging.NewNormalizer(imaging.Options{})
	pipeline := ingest.NewPipeline(normalizer, blobs, ingest.Options{})
	cache := metacache.New(records, metacache.DefaultOptions())
	m := metrics.NewCollector("test")

	classifier := vision.ClassifierFunc(func(context.Context, []byte) (models.CarInfo, error) {
		return models.CarInfo{Make: "Porsche", Model: "911", Year: "1973", Rarity: "80"}, nil
	})

	router := NewRouter(Deps{
		Posts:       posts.NewService(records, pipeline, blobs, cache, m, zap.NewNop()),
		Likes:       likes.NewCoordinator(records, likes.WithMetrics(m)),
		Users:       users.NewService(records, pipeline, blobs, cache, zap.NewNop()),
		Predictor:   vision.NewPredictor(normalizer, classifier),
		Pipeline:    pipeline,
		Mailer:      mailer.Nop{},
		MemoryBlobs: blobs,
		Metrics:     m,
		Logger:      zap.NewNop(),
	})
	return &server{router: router, records: records, blobs: blobs}
}

func pngBytes(t *testing.T, shade uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 20, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 20; x++ {
			img.Set(x, y, color.RGBA{R: shade, G: uint8(x * 10), B: uint8(y * 10), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func (s *server) do(t *testing.T, method, path, userID string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if userID != "" {
		login := httptest.NewRecorder()
		require.NoError(t, auth.Login(login, httptest.NewRequest(http.MethodGet, "/", nil), userID))
		for _, c := range login.Result().Cookies() {
			req.AddCookie(c)
		}
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *server) doJSON(t *testing.T, method, path, userID string, v any) *httptest.ResponseRecorder {
	t.Helper()
	var body []byte
	if v != nil {
		var err error
		body, err = json.Marshal(v)
		require.NoError(t, err)
	}
	return s.do(t, method, path, userID, body, "application/json")
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorKind(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode(t, rec)
	assert.Equal(t, false, body["success"])
	require.IsType(t, "", body["error"], rec.Body.String())
	kind, ok := body["kind"].(string)
	require.True(t, ok, rec.Body.String())
	return kind
}

func saveCar(t *testing.T, s *server, userID string, private bool) map[string]any {
	t.Helper()
	rec := s.doJSON(t, http.MethodPost, "/save-car", userID, map[string]any{
		"image":     base64.StdEncoding.EncodeToString(pngBytes(t, 7)),
		"carInfo":   map[string]any{"make": "Porsche", "model": "911", "year": "1973"},
		"isPrivate": private,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode(t, rec)["post"].(map[string]any)
}

func TestPostLifecycleOverHTTP(t *testing.T) {
	s := newServer(t)
	require.NoError(t, s.records.CreateUser(context.Background(), &models.User{UserID: "owner", Username: "spotter"}))

	post := saveCar(t, s, "owner", false)
	savedAt := post["savedAt"].(string)
	assert.Equal(t, "spotter", post["username"])
	assert.Equal(t, 1, s.blobs.Len())

	rec := s.do(t, http.MethodGet, "/get-all-cars", "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["cars"], 1)

	carPath := "/owner/" + savedAt
	rec = s.do(t, http.MethodGet, "/get-car"+carPath, "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/like-car"+carPath, "fan", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1.0, decode(t, rec)["likes"])

	rec = s.do(t, http.MethodPost, "/like-car"+carPath, "fan", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "CONFLICT", errorKind(t, rec))

	rec = s.do(t, http.MethodPost, "/unlike-car"+carPath, "fan", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0.0, decode(t, rec)["likes"])

	rec = s.do(t, http.MethodDelete, "/delete-car"+carPath, "fan", nil, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodDelete, "/delete-car"+carPath, "owner", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, s.blobs.Len())

	rec = s.do(t, http.MethodGet, "/get-car"+carPath, "", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorKind(t, rec))
}

func TestMutationsRequireSession(t *testing.T) {
	s := newServer(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/save-car"},
		{http.MethodPost, "/like-car/u1/2024-01-01T00:00:00.000Z"},
		{http.MethodPost, "/unlike-car/u1/2024-01-01T00:00:00.000Z"},
		{http.MethodDelete, "/delete-car/u1/2024-01-01T00:00:00.000Z"},
		{http.MethodPost, "/update-username"},
		{http.MethodPost, "/upload-profile-photo/u1"},
	} {
		rec := s.do(t, tc.method, tc.path, "", nil, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, tc.path)
	}
}

func TestSaveCarRejectsOtherOwnerAndBadInput(t *testing.T) {
	s := newServer(t)

	rec := s.doJSON(t, http.MethodPost, "/save-car", "u1", map[string]any{
		"userId":  "u2",
		"image":   base64.StdEncoding.EncodeToString(pngBytes(t, 1)),
		"carInfo": map[string]any{"make": "Fiat", "model": "500"},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.doJSON(t, http.MethodPost, "/save-car", "u1", map[string]any{
		"image":   "blob:http://localhost:3000/1234",
		"carInfo": map[string]any{"make": "Fiat", "model": "500"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION", errorKind(t, rec))

	rec = s.do(t, http.MethodPost, "/save-car", "u1", []byte("{"), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, s.blobs.Len())
}

func TestSaveCarMultipart(t *testing.T) {
	s := newServer(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", "car.png")
	require.NoError(t, err)
	_, err = fw.Write(pngBytes(t, 3))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("carInfo", `{"make":"Lancia","model":"Delta Integrale","year":"1992"}`))
	require.NoError(t, mw.WriteField("isPrivate", "true"))
	require.NoError(t, mw.Close())

	rec := s.do(t, http.MethodPost, "/save-car", "u1", body.Bytes(), mw.FormDataContentType())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	post := decode(t, rec)["post"].(map[string]any)
	assert.Equal(t, true, post["isPrivate"])

	rec = s.do(t, http.MethodGet, "/get-user-cars/u1", "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode(t, rec)["cars"], "private posts are hidden from others")

	rec = s.do(t, http.MethodGet, "/get-user-cars/u1", "u1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["cars"], 1)

	rec = s.do(t, http.MethodGet, "/get-car/u1/"+post["savedAt"].(string), "u2", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPredict(t *testing.T) {
	s := newServer(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "car.png")
	require.NoError(t, err)
	_, err = fw.Write(pngBytes(t, 9))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	rec := s.do(t, http.MethodPost, "/predict/", "", body.Bytes(), mw.FormDataContentType())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode(t, rec)
	assert.Equal(t, "Porsche", out["make"])
	assert.Equal(t, "911", out["model"])
	assert.Zero(t, s.blobs.Len(), "prediction stores nothing")

	rec = s.doJSON(t, http.MethodPost, "/predict/", "", map[string]any{"image": base64.StdEncoding.EncodeToString([]byte("not an image"))})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUserRoutes(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	require.NoError(t, s.records.CreateUser(ctx, &models.User{UserID: "u1", Username: "first"}))
	require.NoError(t, s.records.CreateUser(ctx, &models.User{UserID: "u2", Username: "second"}))

	rec := s.doJSON(t, http.MethodPost, "/update-username", "u1", map[string]any{"username": "renamed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/get-user/u1", "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "renamed", decode(t, rec)["user"].(map[string]any)["username"])

	rec = s.doJSON(t, http.MethodPost, "/update-username", "u1", map[string]any{"username": "second"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.doJSON(t, http.MethodPost, "/update-username", "u1", map[string]any{"username": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.doJSON(t, http.MethodPost, "/upload-profile-photo/u2", "u1", map[string]any{
		"image": base64.StdEncoding.EncodeToString(pngBytes(t, 2)),
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.doJSON(t, http.MethodPost, "/upload-profile-photo/u1", "u1", map[string]any{
		"image": "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes(t, 2)),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	photo := decode(t, rec)["profilePhoto"].(string)
	assert.Contains(t, photo, "/blobs/u1/profile_")

	rec = s.do(t, http.MethodGet, "/get-user/nobody", "", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeMemoryBlobs(t *testing.T) {
	s := newServer(t)
	post := saveCar(t, s, "u1", false)

	key, ok := s.blobs.KeyFromURL(post["imageUrl"].(string))
	require.True(t, ok)

	rec := s.do(t, http.MethodGet, "/blobs/"+key, "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, imaging.ContentTypeJPEG, rec.Header().Get("Content-Type"))

	rec = s.do(t, http.MethodGet, "/blobs/u1/missing.jpg", "", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestContactAndHealth(t *testing.T) {
	s := newServer(t)

	rec := s.doJSON(t, http.MethodPost, "/send-contact-email/", "", map[string]any{"name": "Sam", "message": "Great app"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.doJSON(t, http.MethodPost, "/send-contact-email/", "", map[string]any{"name": "Sam", "email": "nope", "message": "hi"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/healthz", "", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/metrics", "", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
