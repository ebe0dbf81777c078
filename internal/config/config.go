package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	Port     string
	Env      string // development, staging, production
	LogLevel string

	// Storage backends
	RecordBackend string // dynamodb, sql, memory
	BlobBackend   string // s3, gcs, memory

	// AWS / S3 compatible storage
	AWSRegion       string
	S3Endpoint      string // optional, e.g. https://<account>.r2.cloudflarestorage.com
	AccessKeyID     string
	AccessKeySecret string
	BucketName      string
	PublicURL       string // format string or base URL used to build object URLs
	PublicReadACL   bool

	// DynamoDB
	DynamoEndpoint string
	PostsTable     string
	UsersTable     string

	// SQL record store
	DSN         string
	SQLMaxConns int

	// Google Cloud Storage
	GCSBucket              string
	GCSCredentialsJSONPath string

	// Redis (optional shared tier for the metadata cache)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Metadata cache
	UsernameCacheTTL  time.Duration
	UsernameCacheSize int
	PhotoCacheTTL     time.Duration
	PhotoCacheSize    int

	// Ingestion
	MaxUploadBytes     int64
	MaxImageDimension  int
	MaxImagePixels     int64
	JPEGQuality        int
	FetchTimeout       time.Duration
	EnableHEIFFallback bool

	// Vision classifier
	VisionEndpoint string
	VisionAPIKey   string
	VisionModel    string
	VisionTimeout  time.Duration

	// Likes
	LikeMaxAttempts int

	// Mailgun
	MailgunDomain    string
	MailgunAPIKey    string
	MailgunSender    string
	ContactRecipient string

	// OAuth / sessions
	GoogleKey        string
	GoogleSecret     string
	OAuthCallbackURL string
	LoginRedirectURL string
	SessionSecret    string
	SessionMaxAge    int

	// HTTP
	RateLimitPerMinute int
	CORSAllowedOrigins string // comma-separated
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getbool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			log.Printf("invalid boolean for %s: %v, using default %v", key, err, def)
			return def
		}
		return b
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			log.Printf("invalid int for %s: %v, using default %d", key, err, def)
			return def
		}
		return i
	}
	return def
}

func getint64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			log.Printf("invalid int for %s: %v, using default %d", key, err, def)
			return def
		}
		return i
	}
	return def
}

func getdur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Printf("invalid duration for %s: %v, using default %v", key, err, def)
			return def
		}
		return d
	}
	return def
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv reads the configuration without validating it. Tools that only
// need part of it check what they use.
func FromEnv() *Config {
	return &Config{
		Port:     getenv("PORT", "8000"),
		Env:      getenv("APP_ENV", "development"),
		LogLevel: getenv("LOG_LEVEL", "info"),

		RecordBackend: getenv("RECORD_BACKEND", "dynamodb"),
		BlobBackend:   getenv("BLOB_BACKEND", "s3"),

		AWSRegion:       getenv("AWS_REGION", "us-east-1"),
		S3Endpoint:      getenv("S3_ENDPOINT", ""),
		AccessKeyID:     getenv("ACCESS_KEY_ID", ""),
		AccessKeySecret: getenv("ACCESS_KEY_SECRET", ""),
		BucketName:      getenv("BUCKET_NAME", ""),
		PublicURL:       getenv("PUBLIC_URL", ""),
		PublicReadACL:   getbool("PUBLIC_READ_ACL", true),

		DynamoEndpoint: getenv("DYNAMODB_ENDPOINT", ""),
		PostsTable:     getenv("DYNAMODB_POSTS_TABLE_NAME", "cars"),
		UsersTable:     getenv("DYNAMODB_USERS_TABLE_NAME", "users"),

		DSN:         getenv("DSN", ""),
		SQLMaxConns: getint("SQL_MAX_CONNS", 10),

		GCSBucket:              getenv("GCS_BUCKET", ""),
		GCSCredentialsJSONPath: getenv("GCS_CREDENTIALS_JSON", ""),

		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getint("REDIS_DB", 0),

		UsernameCacheTTL:  getdur("USERNAME_CACHE_TTL", 5*time.Minute),
		UsernameCacheSize: getint("USERNAME_CACHE_SIZE", 10000),
		PhotoCacheTTL:     getdur("PHOTO_CACHE_TTL", 10*time.Minute),
		PhotoCacheSize:    getint("PHOTO_CACHE_SIZE", 10000),

		MaxUploadBytes:     getint64("MAX_UPLOAD_BYTES", 20<<20),
		MaxImageDimension:  getint("MAX_IMAGE_DIMENSION", 800),
		MaxImagePixels:     getint64("MAX_IMAGE_PIXELS", 50_000_000),
		JPEGQuality:        getint("JPEG_QUALITY", 85),
		FetchTimeout:       getdur("FETCH_TIMEOUT", 10*time.Second),
		EnableHEIFFallback: getbool("ENABLE_HEIF_FALLBACK", true),

		VisionEndpoint: getenv("VISION_ENDPOINT", "https://generativelanguage.googleapis.com/v1beta"),
		VisionAPIKey:   getenv("VISION_API_KEY", getenv("GOOGLE_API_KEY", "")),
		VisionModel:    getenv("VISION_MODEL", "gemini-2.0-flash"),
		VisionTimeout:  getdur("VISION_TIMEOUT", 30*time.Second),

		LikeMaxAttempts: getint("LIKE_MAX_ATTEMPTS", 5),

		MailgunDomain:    getenv("MAILGUN_DOMAIN", ""),
		MailgunAPIKey:    getenv("MAILGUN_API_KEY", ""),
		MailgunSender:    getenv("MAILGUN_SENDER", ""),
		ContactRecipient: getenv("CONTACT_RECIPIENT", ""),

		GoogleKey:        getenv("GOOGLE_KEY", ""),
		GoogleSecret:     getenv("GOOGLE_SECRET", ""),
		OAuthCallbackURL: getenv("OAUTH_CALLBACK_URL", "http://localhost:8000/auth/google/callback"),
		LoginRedirectURL: getenv("LOGIN_REDIRECT_URL", "http://localhost:3000/"),
		SessionSecret:    getenv("SESSION_SECRET", getenv("JWT_SECRET_KEY", "")),
		SessionMaxAge:    getint("SESSION_MAX_AGE", 86400*30),

		RateLimitPerMinute: getint("RATE_LIMIT_PER_MINUTE", 60),
		CORSAllowedOrigins: getenv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
	}
}

// Validate checks for combinations the process cannot start with.
func (c *Config) Validate() error {
	switch c.RecordBackend {
	case "dynamodb":
		if c.PostsTable == "" || c.UsersTable == "" {
			return fmt.Errorf("DYNAMODB_POSTS_TABLE_NAME and DYNAMODB_USERS_TABLE_NAME are required")
		}
	case "sql":
		if c.DSN == "" {
			return fmt.Errorf("DSN is required for the sql record backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown RECORD_BACKEND %q", c.RecordBackend)
	}

	switch c.BlobBackend {
	case "s3":
		if c.BucketName == "" {
			return fmt.Errorf("BUCKET_NAME is required for the s3 blob backend")
		}
	case "gcs":
		if c.GCSBucket == "" {
			return fmt.Errorf("GCS_BUCKET is required for the gcs blob backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown BLOB_BACKEND %q", c.BlobBackend)
	}

	if c.MaxImageDimension <= 0 {
		return fmt.Errorf("MAX_IMAGE_DIMENSION must be positive")
	}
	if c.MaxImagePixels <= 0 {
		return fmt.Errorf("MAX_IMAGE_PIXELS must be positive")
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("JPEG_QUALITY must be within 1..100")
	}
	if c.LikeMaxAttempts < 1 {
		return fmt.Errorf("LIKE_MAX_ATTEMPTS must be at least 1")
	}
	if c.IsProduction() && c.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET is required in production")
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// CORSOrigins returns the allowed origins as slice
func (c *Config) CORSOrigins() []string {
	parts := strings.Split(c.CORSAllowedOrigins, ",")
	res := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			res = append(res, p)
		}
	}
	return res
}
