// Package gcs uploads files to Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/ajitpratap0/tablemirror/pkg/config"
	"github.com/ajitpratap0/tablemirror/pkg/errors"
	"github.com/ajitpratap0/tablemirror/pkg/models"
	"github.com/ajitpratap0/tablemirror/pkg/objectstore"
	"github.com/ajitpratap0/tablemirror/pkg/registry"
)

func init() {
	_ = registry.RegisterObjectStore(config.ProviderGCP, func(ctx context.Context, cfg config.CloudConfig, logger *zap.Logger) (objectstore.Gateway, error) {
		c, err := New(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

// Store is an objectstore.Gateway backed by a GCS bucket.
type Store struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
	logger *zap.Logger
}

var _ objectstore.Gateway = (*Store)(nil)

// New creates a GCS store. Without a credentials file, application default
// credentials are used.
func New(ctx context.Context, cfg config.CloudConfig, logger *zap.Logger) (*Store, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create GCS client")
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		client: client,
		bucket: client.Bucket(cfg.Bucket),
		name:   cfg.Bucket,
		logger: logger.With(zap.String("component", "gcs"), zap.String("bucket", cfg.Bucket)),
	}, nil
}

// Upload streams the file into the object.
func (s *Store) Upload(ctx context.Context, handle models.FileHandle, key string) error {
	f, err := os.Open(handle.Path)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to open file for upload")
	}
	defer f.Close()

	w := s.bucket.Object(key).NewWriter(ctx)
	w.ContentType = objectstore.ContentType(handle)
	w.Metadata = objectstore.Metadata(handle)

	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to write GCS object").WithDetail("key", key)
	}
	// the object is only created once Close succeeds
	if err := w.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to finalize GCS object").WithDetail("key", key)
	}

	s.logger.Info("file uploaded", zap.String("key", key), zap.Int64("bytes", handle.Size))
	return nil
}

// URL returns the gs:// URL of key.
func (s *Store) URL(key string) string {
	return fmt.Sprintf("gs://%s/%s", s.name, key)
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}
