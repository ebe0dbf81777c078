package handlers

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/petermazzocco/carspotter/internal/apperr"
	"github.com/petermazzocco/carspotter/internal/blobstore"
	"github.com/petermazzocco/carspotter/internal/imaging"
	"github.com/petermazzocco/carspotter/internal/ingest"
	"github.com/petermazzocco/carspotter/internal/users"
	"github.com/petermazzocco/carspotter/internal/vision"
)

// multipartMemory is how much of a multipart form is kept in memory before
// spilling to temp files.
const multipartMemory = 8 << 20

// imageFields are the multipart field names accepted for an image.
var imageFields = []string{"file", "image"}

func isMultipart(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && strings.HasPrefix(mt, "multipart/")
}

func limitBody(w http.ResponseWriter, r *http.Request, maxBytes int64) {
	if maxBytes <= 0 {
		maxBytes = imaging.DefaultMaxBytes
	}
	// room for form fields and base64 overhead
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes*4/3+(1<<20))
}

func tooLarge(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return apperr.Wrap(apperr.ErrPayloadTooLarge, err)
	}
	return nil
}

// readUpload returns the image bytes of a multipart request, taken from the
// first present field in imageFields. The form must already be parsed.
func readUpload(r *http.Request) ([]byte, error) {
	for _, field := range imageFields {
		file, _, err := r.FormFile(field)
		if errors.Is(err, http.ErrMissingFile) {
			continue
		}
		if err != nil {
			return nil, apperr.Validation("invalid upload: %v", err)
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			if tl := tooLarge(err); tl != nil {
				return nil, tl
			}
			return nil, apperr.Validation("invalid upload: %v", err)
		}
		return data, nil
	}
	return nil, apperr.Validation("image is required")
}

func parseMultipart(r *http.Request) error {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if tl := tooLarge(err); tl != nil {
			return tl
		}
		return apperr.Validation("invalid multipart form: %v", err)
	}
	return nil
}

// readImage accepts either a multipart upload or a JSON body {"image": ...}
// holding a data URL, bare base64 or an image URL.
func readImage(w http.ResponseWriter, r *http.Request, pipeline *ingest.Pipeline, maxBytes int64) ([]byte, error) {
	limitBody(w, r, maxBytes)
	if isMultipart(r) {
		if err := parseMultipart(r); err != nil {
			return nil, err
		}
		return readUpload(r)
	}

	var body struct {
		Image string `json:"image"`
	}
	if err := decodeJSON(r, &body); err != nil {
		return nil, err
	}
	return pipeline.Resolve(r.Context(), body.Image)
}

// PredictHandler identifies the car in an uploaded photo. Nothing is stored.
func PredictHandler(w http.ResponseWriter, r *http.Request, predictor *vision.Predictor, pipeline *ingest.Pipeline, maxBytes int64, logger *zap.Logger) {
	raw, err := readImage(w, r, pipeline, maxBytes)
	if err != nil {
		writeError(w, r, logger, err)
		return
	}

	info, err := predictor.Predict(r.Context(), raw)
	if err != nil {
		writeError(w, r, logger, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// UploadProfilePhotoHandler replaces the signed-in user's profile photo.
func UploadProfilePhotoHandler(w http.ResponseWriter, r *http.Request, svc *users.Service, pipeline *ingest.Pipeline, maxBytes int64, logger *zap.Logger) {
	userID := pathParam(r, "userId")
	if err := requireSelf(r, userID); err != nil {
		writeError(w, r, logger, err)
		return
	}

	raw, err := readImage(w, r, pipeline, maxBytes)
	if err != nil {
		writeError(w, r, logger, err)
		return
	}

	photoURL, err := svc.UploadProfilePhoto(r.Context(), userID, raw)
	if err != nil {
		writeError(w, r, logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"profilePhoto": photoURL,
	})
}

// ServeBlobHandler serves objects of the in-memory blob store, used when
// running without cloud storage.
func ServeBlobHandler(w http.ResponseWriter, r *http.Request, store *blobstore.MemoryStore) {
	key := chi.URLParam(r, "*")
	data, ok := store.Get(key)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", imaging.ContentTypeJPEG)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	_, _ = w.Write(data)
}
