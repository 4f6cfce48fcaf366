// Package warehouse defines the contract between the load coordinator and a
// cloud data warehouse.
//
// A client owns three things on the warehouse side: the mirrored tables,
// a stage the batch files are loaded from, and a manifest table that
// records every committed file by table and sequence. Incremental loads
// insert the manifest row in the same transaction as the data, so
// LastCommitted tells a restarted run how far the target really got.
package warehouse

import (
	"context"
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/ajitpratap0/tablemirror/pkg/errors"
	"github.com/ajitpratap0/tablemirror/pkg/models"
)

// Staged is a batch file the warehouse can load.
type Staged struct {
	Batch models.ExtractionBatch
	// Location is the stage path or object URL of the file
	Location string
}

// Client is a warehouse connection.
type Client interface {
	// Convention is the identifier case the warehouse folds to.
	Convention() models.CaseConvention

	// Describe returns the target table's catalog, or nil when the table
	// does not exist yet.
	Describe(ctx context.Context, table string) ([]models.ColumnDescriptor, error)

	// EnsureColumns creates the table from schema when it is missing, and
	// otherwise applies diff: widened columns are converted, added columns
	// are appended as nullable.
	EnsureColumns(ctx context.Context, table string, schema []models.ColumnDescriptor, diff models.SchemaDiff) error

	// Stage makes a batch file loadable. objectKey is the key the file was
	// uploaded under, or empty when it only exists locally.
	Stage(ctx context.Context, batch models.ExtractionBatch, objectKey string) (Staged, error)

	// LoadIncremental appends one staged batch and records it in the
	// manifest in a single transaction.
	LoadIncremental(ctx context.Context, table string, staged Staged) error

	// LoadFull replaces the table contents with the staged batches. The old
	// contents stay visible until the replacement is complete.
	LoadFull(ctx context.Context, table string, staged []Staged) error

	// LastCommitted returns the manifest row with the highest sequence of
	// a table, or nil when nothing was committed yet.
	LastCommitted(ctx context.Context, tableID string) (*Checkpoint, error)

	Close() error
}

// Checkpoint is the newest manifest row of a table.
type Checkpoint struct {
	Sequence   int64
	ContentKey string
	RowCount   int
	// WatermarkColumn and Watermark are empty for full-load batches
	WatermarkColumn string
	Watermark       *models.Watermark
	CommittedAt     time.Time
}

// ManifestEntry converts the checkpoint into a committed local manifest entry.
func (c Checkpoint) ManifestEntry(tableID string) models.ManifestEntry {
	at := c.CommittedAt
	return models.ManifestEntry{
		TableID:     tableID,
		Sequence:    c.Sequence,
		ContentKey:  c.ContentKey,
		RowCount:    c.RowCount,
		Committed:   true,
		CommittedAt: &at,
	}
}

// EncodeWatermark renders a batch watermark for a manifest column. A nil
// watermark is the empty string.
func EncodeWatermark(w *models.Watermark) (string, error) {
	if w == nil {
		return "", nil
	}
	data, err := gojson.Marshal(w)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeData, "encode manifest watermark")
	}
	return string(data), nil
}

// DecodeWatermark parses a manifest watermark column.
func DecodeWatermark(s string) (*models.Watermark, error) {
	if s == "" {
		return nil, nil
	}
	var w models.Watermark
	if err := gojson.Unmarshal([]byte(s), &w); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStateCorruption, "decode manifest watermark")
	}
	return &w, nil
}
