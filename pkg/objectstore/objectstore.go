// Package objectstore uploads extracted files to cloud object storage.
//
// Object keys are sequence keyed, <prefix>/<table>/<file name>, so uploading
// the same batch twice overwrites the earlier object instead of duplicating
// it. Providers live in sub-packages and register themselves with the
// registry package.
package objectstore

import (
	"context"
	"path"
	"strings"

	"github.com/ajitpratap0/tablemirror/pkg/filesink"
	"github.com/ajitpratap0/tablemirror/pkg/models"
)

// Gateway uploads local files to a bucket.
type Gateway interface {
	// Upload copies the file to key, replacing any existing object.
	Upload(ctx context.Context, handle models.FileHandle, key string) error
	// URL returns the provider URL of key, e.g. s3://bucket/key.
	URL(key string) string
	Close() error
}

// Key returns the object key of a batch file.
func Key(prefix, tableID string, handle models.FileHandle) string {
	return path.Join(strings.Trim(prefix, "/"), filesink.TableDir(tableID), handle.Name)
}

// ContentType returns the MIME type recorded on uploaded objects.
func ContentType(handle models.FileHandle) string {
	if handle.Compression == "gzip" {
		return "application/gzip"
	}
	switch handle.Format {
	case models.FormatParquet:
		return "application/vnd.apache.parquet"
	case models.FormatAvro:
		return "application/avro"
	default:
		return "text/csv"
	}
}

// Metadata returns the user metadata attached to uploaded objects.
func Metadata(handle models.FileHandle) map[string]string {
	return map[string]string{
		"content-key": handle.ContentKey,
		"format":      string(handle.Format),
	}
}
