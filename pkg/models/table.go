package models

import (
	"fmt"
	"time"
)

// IngestionMode selects how a table is replicated.
type IngestionMode string

const (
	// ModeFullLoad replaces the whole target table every run
	ModeFullLoad IngestionMode = "full_load"
	// ModeIncremental appends rows above the watermark
	ModeIncremental IngestionMode = "incremental"
)

// ParseIngestionMode validates a configured mode.
func ParseIngestionMode(s string) (IngestionMode, error) {
	switch IngestionMode(s) {
	case ModeFullLoad, ModeIncremental:
		return IngestionMode(s), nil
	}
	return "", fmt.Errorf("invalid ingestion mode %q, expected one of [full_load incremental]", s)
}

// FileFormat is the on-disk format of an extracted file.
type FileFormat string

const (
	FormatCSV     FileFormat = "csv"
	FormatParquet FileFormat = "parquet"
	FormatAvro    FileFormat = "avro"
)

// ParseFileFormat validates a configured file format.
func ParseFileFormat(s string) (FileFormat, error) {
	switch FileFormat(s) {
	case FormatCSV, FormatParquet, FormatAvro:
		return FileFormat(s), nil
	}
	return "", fmt.Errorf("invalid file format %q, expected one of [csv parquet avro]", s)
}

// FileHandle references a file persisted by the local file sink.
type FileHandle struct {
	// Path is the absolute local path
	Path string `json:"path"`
	// Name is the sequence-keyed base name, reused as the object key suffix
	Name string `json:"name"`
	// ContentKey is the hex SHA-256 of the file bytes
	ContentKey  string     `json:"content_key"`
	Format      FileFormat `json:"format"`
	Compression string     `json:"compression,omitempty"`
	Size        int64      `json:"size"`
}

// ExtractionBatch is one extracted file and everything needed to commit it.
type ExtractionBatch struct {
	TableID      string             `json:"table_id"`
	RunID        string             `json:"run_id"`
	Sequence     int64              `json:"sequence"`
	RowCount     int                `json:"row_count"`
	File         FileHandle         `json:"file"`
	Schema       []ColumnDescriptor `json:"schema"`
	MaxWatermark *Watermark         `json:"max_watermark,omitempty"`
	// WatermarkColumn names the column MaxWatermark was read from
	WatermarkColumn string    `json:"watermark_column,omitempty"`
	ExtractedAt     time.Time `json:"extracted_at"`
}

// ManifestEntry returns the uncommitted manifest entry for the batch.
func (b ExtractionBatch) ManifestEntry() ManifestEntry {
	return ManifestEntry{
		TableID:    b.TableID,
		Sequence:   b.Sequence,
		ContentKey: b.File.ContentKey,
		RowCount:   b.RowCount,
	}
}

// PendingFile is an extracted batch retained locally while no destination
// is configured. It carries enough to replay the exact historical file.
type PendingFile struct {
	Sequence        int64              `json:"sequence"`
	RunID           string             `json:"run_id"`
	File            FileHandle         `json:"file"`
	RowCount        int                `json:"row_count"`
	Schema          []ColumnDescriptor `json:"schema"`
	MaxWatermark    *Watermark         `json:"max_watermark,omitempty"`
	WatermarkColumn string             `json:"watermark_column,omitempty"`
	ExtractedAt     time.Time          `json:"extracted_at"`
}

// Batch converts the pending file back into a replayable batch.
func (p PendingFile) Batch(tableID string) ExtractionBatch {
	return ExtractionBatch{
		TableID:         tableID,
		RunID:           p.RunID,
		Sequence:        p.Sequence,
		RowCount:        p.RowCount,
		File:            p.File,
		Schema:          p.Schema,
		MaxWatermark:    p.MaxWatermark,
		WatermarkColumn: p.WatermarkColumn,
		ExtractedAt:     p.ExtractedAt,
	}
}

// PendingFromBatch converts a batch into a pending file.
func PendingFromBatch(b ExtractionBatch) PendingFile {
	return PendingFile{
		Sequence:        b.Sequence,
		RunID:           b.RunID,
		File:            b.File,
		RowCount:        b.RowCount,
		Schema:          b.Schema,
		MaxWatermark:    b.MaxWatermark,
		WatermarkColumn: b.WatermarkColumn,
		ExtractedAt:     b.ExtractedAt,
	}
}

// TableState is the durable ingestion state of one table.
type TableState struct {
	TableID         string        `json:"table_id"`
	Mode            IngestionMode `json:"ingestion_mode"`
	WatermarkColumn string        `json:"watermark_column,omitempty"`
	WatermarkValue  *Watermark    `json:"watermark_value,omitempty"`
	LastSuccessAt   *time.Time    `json:"last_success_at,omitempty"`
	PendingFiles    []PendingFile `json:"pending_files,omitempty"`
	// LastSequence is the highest sequence number ever assigned to a file
	LastSequence int64 `json:"last_sequence"`
}

// NewTableState returns the state of a table that has never run.
func NewTableState(tableID string, mode IngestionMode, watermarkColumn string) *TableState {
	return &TableState{
		TableID:         tableID,
		Mode:            mode,
		WatermarkColumn: watermarkColumn,
	}
}

// Clone returns a deep copy so a run can mutate its working state freely.
func (s *TableState) Clone() *TableState {
	if s == nil {
		return nil
	}
	c := *s
	if s.WatermarkValue != nil {
		w := *s.WatermarkValue
		c.WatermarkValue = &w
	}
	if s.LastSuccessAt != nil {
		t := *s.LastSuccessAt
		c.LastSuccessAt = &t
	}
	c.PendingFiles = append([]PendingFile(nil), s.PendingFiles...)
	return &c
}

// ManifestEntry is the idempotency record of one committed file.
type ManifestEntry struct {
	TableID     string     `json:"table_id"`
	Sequence    int64      `json:"sequence"`
	ContentKey  string     `json:"content_key"`
	RowCount    int        `json:"row_count"`
	Committed   bool       `json:"committed"`
	CommittedAt *time.Time `json:"committed_at,omitempty"`
}
