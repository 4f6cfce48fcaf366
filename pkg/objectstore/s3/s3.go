// Package s3 uploads files to Amazon S3 with the multipart upload manager.
package s3

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tablemirror/pkg/config"
	"github.com/ajitpratap0/tablemirror/pkg/errors"
	"github.com/ajitpratap0/tablemirror/pkg/models"
	"github.com/ajitpratap0/tablemirror/pkg/objectstore"
	"github.com/ajitpratap0/tablemirror/pkg/registry"
)

const (
	partSize    = 16 * 1024 * 1024
	concurrency = 4
)

func init() {
	_ = registry.RegisterObjectStore(config.ProviderAWS, func(ctx context.Context, cfg config.CloudConfig, logger *zap.Logger) (objectstore.Gateway, error) {
		c, err := New(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

// Store is an objectstore.Gateway backed by S3.
type Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	logger   *zap.Logger
}

var _ objectstore.Gateway = (*Store)(nil)

// New creates an S3 store. Static keys are used when configured, otherwise
// the default AWS credential chain applies.
func New(ctx context.Context, cfg config.CloudConfig, logger *zap.Logger) (*Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to load AWS configuration")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = partSize
		u.Concurrency = concurrency
	})

	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		client:   client,
		uploader: uploader,
		bucket:   cfg.Bucket,
		logger:   logger.With(zap.String("component", "s3"), zap.String("bucket", cfg.Bucket)),
	}, nil
}

// Upload streams the file to the bucket.
func (s *Store) Upload(ctx context.Context, handle models.FileHandle, key string) error {
	f, err := os.Open(handle.Path)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to open file for upload")
	}
	defer f.Close()

	start := time.Now()
	result, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(objectstore.ContentType(handle)),
		Metadata:    objectstore.Metadata(handle),
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to upload to S3").WithDetail("key", key)
	}

	s.logger.Info("file uploaded",
		zap.String("location", result.Location),
		zap.Int64("bytes", handle.Size),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// URL returns the s3:// URL of key.
func (s *Store) URL(key string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, key)
}

// Close is a no-op; the SDK client holds no resources.
func (s *Store) Close() error { return nil }
