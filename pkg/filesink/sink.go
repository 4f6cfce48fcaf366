// Package filesink persists extracted batches as local files named by their
// sequence number, ready to be staged to object storage or a warehouse.
package filesink

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tablemirror/pkg/config"
	"github.com/ajitpratap0/tablemirror/pkg/errors"
	"github.com/ajitpratap0/tablemirror/pkg/models"
)

// Sink writes one file per batch.
type Sink interface {
	Write(ctx context.Context, tableID string, sequence int64, cols []models.ColumnDescriptor, rows []models.Row) (models.FileHandle, error)
	Remove(handle models.FileHandle) error
}

// encoder streams rows in one file format.
type encoder interface {
	encode(w io.Writer, cols []models.ColumnDescriptor, rows []models.Row) error
}

// LocalSink writes files below a root directory as <root>/<table>/<sequence>.<ext>.
type LocalSink struct {
	root        string
	format      models.FileFormat
	compression string
	logger      *zap.Logger
}

var _ Sink = (*LocalSink)(nil)

// New creates a sink. Compression is honoured for csv only; parquet and
// avro compress internally.
func New(root string, format models.FileFormat, compression string, logger *zap.Logger) (*LocalSink, error) {
	if _, err := models.ParseFileFormat(string(format)); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid sink format")
	}
	if compression != "" && compression != config.CompressionGzip {
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported compression %q", compression)
	}
	if format != models.FormatCSV {
		compression = ""
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalSink{
		root:        root,
		format:      format,
		compression: compression,
		logger:      logger.With(zap.String("component", "filesink"), zap.String("format", string(format))),
	}, nil
}

// FileName returns the sequence-keyed base name of a batch file. Sequences
// are zero padded so lexical order matches extraction order.
func FileName(sequence int64, format models.FileFormat, compression string) string {
	name := fmt.Sprintf("%012d.%s", sequence, format)
	if compression == config.CompressionGzip {
		name += ".gz"
	}
	return name
}

// TableDir maps a table id to a directory name.
func TableDir(tableID string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(tableID)
}

// Write encodes rows into a new file. Values must already be converted to
// their canonical form. The file is renamed into place only once complete,
// so a crash never leaves a truncated file under a sequence name.
func (s *LocalSink) Write(ctx context.Context, tableID string, sequence int64, cols []models.ColumnDescriptor, rows []models.Row) (models.FileHandle, error) {
	if err := ctx.Err(); err != nil {
		return models.FileHandle{}, errors.Wrap(err, errors.ErrorTypeTimeout, "write cancelled")
	}

	dir := filepath.Join(s.root, TableDir(tableID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return models.FileHandle{}, errors.Wrap(err, errors.ErrorTypeFile, "failed to create table directory")
	}

	name := FileName(sequence, s.format, s.compression)
	final := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, "."+name+".*")
	if err != nil {
		return models.FileHandle{}, errors.Wrap(err, errors.ErrorTypeFile, "failed to create file")
	}
	defer os.Remove(tmp.Name())

	hash := sha256.New()
	counter := &countingWriter{w: io.MultiWriter(tmp, hash)}

	if err := s.encoder().encode(counter, cols, rows); err != nil {
		tmp.Close()
		return models.FileHandle{}, errors.Wrap(err, errors.ErrorTypeFile, fmt.Sprintf("failed to encode %s file", s.format)).
			WithDetail("table", tableID)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return models.FileHandle{}, errors.Wrap(err, errors.ErrorTypeFile, "failed to sync file")
	}
	if err := tmp.Close(); err != nil {
		return models.FileHandle{}, errors.Wrap(err, errors.ErrorTypeFile, "failed to close file")
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return models.FileHandle{}, errors.Wrap(err, errors.ErrorTypeFile, "failed to move file into place")
	}

	abs, err := filepath.Abs(final)
	if err != nil {
		abs = final
	}
	handle := models.FileHandle{
		Path:        abs,
		Name:        name,
		ContentKey:  hex.EncodeToString(hash.Sum(nil)),
		Format:      s.format,
		Compression: s.compression,
		Size:        counter.n,
	}
	s.logger.Debug("wrote batch file",
		zap.String("table", tableID),
		zap.Int64("sequence", sequence),
		zap.Int("rows", len(rows)),
		zap.Int64("bytes", handle.Size))
	return handle, nil
}

// Remove deletes a file after it has been delivered.
func (s *LocalSink) Remove(handle models.FileHandle) error {
	if err := os.Remove(handle.Path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to remove file")
	}
	return nil
}

func (s *LocalSink) encoder() encoder {
	switch s.format {
	case models.FormatParquet:
		return parquetEncoder{}
	case models.FormatAvro:
		return avroEncoder{}
	default:
		return csvEncoder{gzip: s.compression == config.CompressionGzip}
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
