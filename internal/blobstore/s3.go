package blobstore

import (
	"bytes"
	"context"
	"errors"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"go.uber.org/zap"

	"github.com/petermazzocco/carspotter/internal/apperr"
	"github.com/petermazzocco/carspotter/internal/logging"
)

// S3API is the subset of the S3 client the store uses.
type S3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store keeps blobs in an S3 compatible bucket (AWS S3, Cloudflare R2).
type S3Store struct {
	client    S3API
	bucket    string
	publicURL string
	// publicACL sends the public-read canned ACL; R2 buckets are public by
	// bucket policy instead and reject ACL headers.
	publicACL bool
	logger    *zap.Logger
}

func NewS3Store(client S3API, bucket, publicURL string, publicACL bool, logger *zap.Logger) *S3Store {
	return &S3Store{
		client:    client,
		bucket:    bucket,
		publicURL: publicURL,
		publicACL: publicACL,
		logger:    logging.OrNop(logger),
	}
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, apperr.Wrap(apperr.ErrStorageUnavailable, err)
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
		CacheControl:  aws.String("public, max-age=31536000, immutable"),
	}
	if s.publicACL {
		in.ACL = types.ObjectCannedACLPublicRead
	}

	obj, err := s.client.PutObject(ctx, in)
	if err != nil {
		s.logger.Error("failed to upload image", zap.String("key", key), zap.Error(err))
		return apperr.Wrap(apperr.ErrStorageUnavailable, err)
	}
	s.logger.Debug("image uploaded", zap.String("key", key), zap.String("etag", aws.ToString(obj.ETag)))
	return nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return apperr.Wrap(apperr.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *S3Store) URL(key string) string {
	if s.publicURL == "" {
		return CleanURL("https://" + s.bucket + ".s3.amazonaws.com/" + key)
	}
	return PublicURL(s.publicURL, key)
}

func (s *S3Store) KeyFromURL(rawURL string) (string, bool) {
	if s.publicURL == "" {
		return KeyUnder("https://"+s.bucket+".s3.amazonaws.com/", rawURL)
	}
	return KeyUnder(s.publicURL, rawURL)
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound" {
		return true
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound
}
