// Package clients builds the process-wide external clients once and shares
// them between requests.
package clients

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/petermazzocco/carspotter/internal/config"
	"github.com/petermazzocco/carspotter/internal/logging"
)

// sqlitePrefix selects the embedded SQLite driver instead of Postgres, for
// local runs: DSN=sqlite:./carspotter.db
const sqlitePrefix = "sqlite:"

// lazy holds a value built on first use. A failed build is not cached, so
// the next caller tries again.
type lazy[T any] struct {
	mu    sync.Mutex
	value T
	built bool
}

func (l *lazy[T]) get(build func() (T, error)) (T, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.built {
		return l.value, nil
	}
	v, err := build()
	if err != nil {
		var zero T
		return zero, err
	}
	l.value, l.built = v, true
	return v, nil
}

func (l *lazy[T]) peek() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value, l.built
}

// Pool owns one instance of every external client.
type Pool struct {
	cfg    *config.Config
	logger *zap.Logger
	http   *http.Client

	aws    lazy[aws.Config]
	s3     lazy[*s3.Client]
	dynamo lazy[*dynamodb.Client]
	gcs    lazy[*storage.Client]
	sql    lazy[*gorm.DB]
	redis  lazy[*redis.Client]
}

func NewPool(cfg *config.Config, logger *zap.Logger) *Pool {
	return &Pool{
		cfg:    cfg,
		logger: logging.OrNop(logger),
		http:   newHTTPClient(cfg.FetchTimeout),
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			MaxVersion: tls.VersionTLS13,
			CipherSuites: []uint16{
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			},
		},
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &http.Client{Transport: tr, Timeout: timeout}
}

// HTTPClient is the shared outbound client (remote image fetches, vision).
func (p *Pool) HTTPClient() *http.Client {
	return p.http
}

func (p *Pool) AWSConfig(ctx context.Context) (aws.Config, error) {
	return p.aws.get(func() (aws.Config, error) {
		opts := []func(*awsconfig.LoadOptions) error{
			awsconfig.WithHTTPClient(p.http),
			awsconfig.WithRegion(p.cfg.AWSRegion),
		}
		if p.cfg.AccessKeyID != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(p.cfg.AccessKeyID, p.cfg.AccessKeySecret, ""),
			))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return aws.Config{}, fmt.Errorf("load aws config: %w", err)
		}
		return cfg, nil
	})
}

func (p *Pool) S3(ctx context.Context) (*s3.Client, error) {
	return p.s3.get(func() (*s3.Client, error) {
		cfg, err := p.AWSConfig(ctx)
		if err != nil {
			return nil, err
		}
		return s3.NewFromConfig(cfg, func(o *s3.Options) {
			if p.cfg.S3Endpoint != "" {
				o.BaseEndpoint = aws.String(p.cfg.S3Endpoint)
			}
		}), nil
	})
}

func (p *Pool) DynamoDB(ctx context.Context) (*dynamodb.Client, error) {
	return p.dynamo.get(func() (*dynamodb.Client, error) {
		cfg, err := p.AWSConfig(ctx)
		if err != nil {
			return nil, err
		}
		return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
			if p.cfg.DynamoEndpoint != "" {
				o.BaseEndpoint = aws.String(p.cfg.DynamoEndpoint)
			}
		}), nil
	})
}

func (p *Pool) GCS(ctx context.Context) (*storage.Client, error) {
	return p.gcs.get(func() (*storage.Client, error) {
		var opts []option.ClientOption
		if p.cfg.GCSCredentialsJSONPath != "" {
			opts = append(opts, option.WithCredentialsFile(p.cfg.GCSCredentialsJSONPath))
		}
		client, err := storage.NewClient(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		return client, nil
	})
}

// SQL opens the relational database named by DSN.
func (p *Pool) SQL(ctx context.Context) (*gorm.DB, error) {
	return p.sql.get(func() (*gorm.DB, error) {
		gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
		if p.cfg.IsDevelopment() {
			gormCfg.Logger = gormlogger.Default.LogMode(gormlogger.Warn)
		}

		var dialector gorm.Dialector
		if path, ok := strings.CutPrefix(p.cfg.DSN, sqlitePrefix); ok {
			dialector = sqlite.Open(path)
		} else {
			dialector = postgres.Open(p.cfg.DSN)
		}

		db, err := gorm.Open(dialector, gormCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		if p.cfg.SQLMaxConns > 0 {
			sqlDB.SetMaxOpenConns(p.cfg.SQLMaxConns)
			sqlDB.SetMaxIdleConns(p.cfg.SQLMaxConns)
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		return db, nil
	})
}

// Redis returns the shared redis client, or nil when REDIS_ADDR is unset.
func (p *Pool) Redis(ctx context.Context) (*redis.Client, error) {
	if p.cfg.RedisAddr == "" {
		return nil, nil
	}
	return p.redis.get(func() (*redis.Client, error) {
		client := redis.NewClient(&redis.Options{
			Addr:     p.cfg.RedisAddr,
			Password: p.cfg.RedisPassword,
			DB:       p.cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return client, nil
	})
}

// Close releases every client that was built.
func (p *Pool) Close() {
	if c, ok := p.gcs.peek(); ok && c != nil {
		if err := c.Close(); err != nil {
			p.logger.Warn("failed to close gcs client", zap.Error(err))
		}
	}
	if c, ok := p.redis.peek(); ok && c != nil {
		if err := c.Close(); err != nil {
			p.logger.Warn("failed to close redis client", zap.Error(err))
		}
	}
	if db, ok := p.sql.peek(); ok && db != nil {
		if sqlDB, err := db.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				p.logger.Warn("failed to close database", zap.Error(err))
			}
		}
	}
}
