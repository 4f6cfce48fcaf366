// Package minio uploads files to an S3-compatible server through minio-go.
package minio

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tablemirror/pkg/config"
	"github.com/ajitpratap0/tablemirror/pkg/errors"
	"github.com/ajitpratap0/tablemirror/pkg/models"
	"github.com/ajitpratap0/tablemirror/pkg/objectstore"
	"github.com/ajitpratap0/tablemirror/pkg/registry"
)

func init() {
	_ = registry.RegisterObjectStore(config.ProviderMinIO, func(ctx context.Context, cfg config.CloudConfig, logger *zap.Logger) (objectstore.Gateway, error) {
		c, err := New(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

// Store is an objectstore.Gateway backed by a MinIO bucket.
type Store struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
}

var _ objectstore.Gateway = (*Store)(nil)

// New connects to the endpoint and makes sure the bucket exists.
func New(ctx context.Context, cfg config.CloudConfig, logger *zap.Logger) (*Store, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "minio requires cloud.endpoint")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create minio client")
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		client: client,
		bucket: cfg.Bucket,
		logger: logger.With(zap.String("component", "minio"), zap.String("bucket", cfg.Bucket)),
	}
	if err := s.ensureBucket(ctx, cfg.Region); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to check bucket")
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create bucket")
	}
	s.logger.Info("bucket created")
	return nil
}

// Upload puts the file at key.
func (s *Store) Upload(ctx context.Context, handle models.FileHandle, key string) error {
	info, err := s.client.FPutObject(ctx, s.bucket, key, handle.Path, minio.PutObjectOptions{
		ContentType:  objectstore.ContentType(handle),
		UserMetadata: objectstore.Metadata(handle),
	})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "AccessDenied" || resp.Code == "NoSuchBucket" {
			return errors.Wrap(err, errors.ErrorTypeConfig, "minio rejected upload").WithDetail("key", key)
		}
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to upload object").WithDetail("key", key)
	}

	s.logger.Debug("object uploaded", zap.String("key", key), zap.Int64("size", info.Size))
	return nil
}

// URL returns the s3:// URL of key.
func (s *Store) URL(key string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, key)
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
