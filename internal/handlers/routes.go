package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"

	"github.com/petermazzocco/carspotter/internal/auth"
	"github.com/petermazzocco/carspotter/internal/blobstore"
	"github.com/petermazzocco/carspotter/internal/ingest"
	"github.com/petermazzocco/carspotter/internal/likes"
	"github.com/petermazzocco/carspotter/internal/logging"
	"github.com/petermazzocco/carspotter/internal/mailer"
	"github.com/petermazzocco/carspotter/internal/metrics"
	"github.com/petermazzocco/carspotter/internal/posts"
	"github.com/petermazzocco/carspotter/internal/users"
	"github.com/petermazzocco/carspotter/internal/validation"
	"github.com/petermazzocco/carspotter/internal/vision"
)

// Deps is everything the routes need.
type Deps struct {
	Posts     *posts.Service
	Likes     *likes.Coordinator
	Users     *users.Service
	Predictor *vision.Predictor
	Pipeline  *ingest.Pipeline
	Mailer    mailer.Sender
	// MemoryBlobs is served under /blobs when set.
	MemoryBlobs *blobstore.MemoryStore
	Metrics     *metrics.Collector
	Logger      *zap.Logger

	MaxUploadBytes     int64
	RateLimitPerMinute int
	CORSOrigins        []string
	LoginRedirectURL   string
}

// RequestLogger logs one line per request.
func RequestLogger(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

func NewRouter(d Deps) *chi.Mux {
	logger := logging.OrNop(d.Logger)
	v := validation.New()
	if d.RateLimitPerMinute <= 0 {
		d.RateLimitPerMinute = 60
	}
	if d.LoginRedirectURL == "" {
		d.LoginRedirectURL = "/"
	}
	limit := httprate.Limit(
		d.RateLimitPerMinute,
		1*time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP, httprate.KeyByEndpoint),
	)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)
	if len(d.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   d.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	r.Use(auth.SessionUser)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	}
	if d.MemoryBlobs != nil {
		r.Get("/blobs/*", func(w http.ResponseWriter, r *http.Request) {
			ServeBlobHandler(w, r, d.MemoryBlobs)
		})
	}

	// OAuth
	r.Get("/auth/{provider}/callback", func(w http.ResponseWriter, r *http.Request) {
		UserLoginHandler(w, r, d.Users, d.LoginRedirectURL, logger)
	})
	r.Get("/auth/{provider}", func(w http.ResponseWriter, r *http.Request) {
		BeginAuthHandler(w, r, d.Users, d.LoginRedirectURL, logger)
	})
	r.Post("/logout/{provider}", func(w http.ResponseWriter, r *http.Request) {
		LogoutHandler(w, r, logger)
	})

	// Public reads
	r.Get("/get-all-cars", func(w http.ResponseWriter, r *http.Request) {
		GetAllCarsHandler(w, r, d.Posts, logger)
	})
	r.Get("/get-user-cars/{userId}", func(w http.ResponseWriter, r *http.Request) {
		GetUserCarsHandler(w, r, d.Posts, logger)
	})
	r.Get("/get-car/{userId}/{savedAt}", func(w http.ResponseWriter, r *http.Request) {
		GetCarHandler(w, r, d.Posts, logger)
	})
	r.Get("/get-user/{userId}", func(w http.ResponseWriter, r *http.Request) {
		GetUserHandler(w, r, d.Users, logger)
	})

	r.Group(func(r chi.Router) {
		r.Use(limit)
		r.Post("/predict/", func(w http.ResponseWriter, r *http.Request) {
			PredictHandler(w, r, d.Predictor, d.Pipeline, d.MaxUploadBytes, logger)
		})
		r.Post("/send-contact-email/", func(w http.ResponseWriter, r *http.Request) {
			SendContactEmailHandler(w, r, d.Mailer, v, logger)
		})
	})

	// Available routes for signed-in users
	r.Group(func(r chi.Router) {
		r.Use(auth.UserMiddleware)
		r.Use(limit)
		r.Post("/save-car", func(w http.ResponseWriter, r *http.Request) {
			SaveCarHandler(w, r, d.Posts, d.MaxUploadBytes, logger)
		})
		r.Delete("/delete-car/{userId}/{savedAt}", func(w http.ResponseWriter, r *http.Request) {
			DeleteCarHandler(w, r, d.Posts, logger)
		})
		r.Post("/like-car/{userId}/{savedAt}", func(w http.ResponseWriter, r *http.Request) {
			LikeCarHandler(w, r, d.Likes, logger)
		})
		r.Post("/unlike-car/{userId}/{savedAt}", func(w http.ResponseWriter, r *http.Request) {
			UnlikeCarHandler(w, r, d.Likes, logger)
		})
		r.Post("/upload-profile-photo/{userId}", func(w http.ResponseWriter, r *http.Request) {
			UploadProfilePhotoHandler(w, r, d.Users, d.Pipeline, d.MaxUploadBytes, logger)
		})
		r.Post("/update-username", func(w http.ResponseWriter, r *http.Request) {
			UpdateUsernameHandler(w, r, d.Users, v, logger)
		})
	})

	return r
}
