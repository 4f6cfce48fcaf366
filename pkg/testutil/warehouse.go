package testutil

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/ajitpratap0/tablemirror/pkg/errors"
	"github.com/ajitpratap0/tablemirror/pkg/filesink"
	"github.com/ajitpratap0/tablemirror/pkg/models"
	"github.com/ajitpratap0/tablemirror/pkg/schema"
	"github.com/ajitpratap0/tablemirror/pkg/warehouse"
)

// WarehouseTable is a table held by FakeWarehouse. Rows map folded column
// names to the text loaded from csv files; nil is SQL NULL.
type WarehouseTable struct {
	Columns []models.ColumnDescriptor
	Rows    []map[string]interface{}
}

// FakeWarehouse is an in-memory warehouse.Client. CSV files are parsed so
// tests can inspect the loaded values; other formats contribute empty rows.
type FakeWarehouse struct {
	mu       sync.Mutex
	conv     models.CaseConvention
	tables   map[string]*WarehouseTable
	manifest map[string][]warehouse.Checkpoint

	// FailLoad, when set, is consulted before each file is loaded
	FailLoad func(table string, batch models.ExtractionBatch) error
	// FailEnsure, when set, is consulted before every catalog change
	FailEnsure func(table string, diff models.SchemaDiff) error

	Staged []warehouse.Staged
	Diffs  []models.SchemaDiff
	Loads  int
}

var _ warehouse.Client = (*FakeWarehouse)(nil)

// NewFakeWarehouse creates an empty warehouse folding names to conv.
func NewFakeWarehouse(conv models.CaseConvention) *FakeWarehouse {
	return &FakeWarehouse{
		conv:     conv,
		tables:   make(map[string]*WarehouseTable),
		manifest: make(map[string][]warehouse.Checkpoint),
	}
}

// Table returns a copy of a table, or nil when it does not exist.
func (w *FakeWarehouse) Table(name string) *WarehouseTable {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.tables[w.conv.Fold(name)]
	if !ok {
		return nil
	}
	return &WarehouseTable{
		Columns: append([]models.ColumnDescriptor(nil), t.Columns...),
		Rows:    append([]map[string]interface{}(nil), t.Rows...),
	}
}

// Convention implements warehouse.Client.
func (w *FakeWarehouse) Convention() models.CaseConvention { return w.conv }

// Describe implements warehouse.Client.
func (w *FakeWarehouse) Describe(_ context.Context, table string) ([]models.ColumnDescriptor, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.tables[w.conv.Fold(table)]
	if !ok {
		return nil, nil
	}
	return append([]models.ColumnDescriptor(nil), t.Columns...), nil
}

// EnsureColumns implements warehouse.Client.
func (w *FakeWarehouse) EnsureColumns(_ context.Context, table string, cols []models.ColumnDescriptor, diff models.SchemaDiff) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.FailEnsure != nil {
		if err := w.FailEnsure(table, diff); err != nil {
			return err
		}
	}
	w.Diffs = append(w.Diffs, diff)

	name := w.conv.Fold(table)
	t, ok := w.tables[name]
	if !ok {
		w.tables[name] = &WarehouseTable{Columns: models.FoldColumns(cols, w.conv)}
		return nil
	}
	t.Columns = schema.Apply(t.Columns, diff, w.conv)
	return nil
}

// Stage implements warehouse.Client.
func (w *FakeWarehouse) Stage(_ context.Context, batch models.ExtractionBatch, objectKey string) (warehouse.Staged, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	loc := objectKey
	if loc == "" {
		loc = batch.File.Path
	}
	s := warehouse.Staged{Batch: batch, Location: loc}
	w.Staged = append(w.Staged, s)
	return s, nil
}

// LoadIncremental implements warehouse.Client.
func (w *FakeWarehouse) LoadIncremental(_ context.Context, table string, staged warehouse.Staged) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.tables[w.conv.Fold(table)]
	if !ok {
		return errors.Newf(errors.ErrorTypeNotFound, "table %s does not exist", table)
	}
	rows, err := w.read(table, staged.Batch)
	if err != nil {
		return err
	}
	t.Rows = append(t.Rows, rows...)
	w.record(staged.Batch)
	w.Loads++
	return nil
}

// LoadFull implements warehouse.Client. Nothing changes unless every file
// loads.
func (w *FakeWarehouse) LoadFull(_ context.Context, table string, staged []warehouse.Staged) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.tables[w.conv.Fold(table)]
	if !ok {
		return errors.Newf(errors.ErrorTypeNotFound, "table %s does not exist", table)
	}
	var all []map[string]interface{}
	for _, s := range staged {
		rows, err := w.read(table, s.Batch)
		if err != nil {
			return err
		}
		all = append(all, rows...)
	}
	t.Rows = all
	for _, s := range staged {
		w.record(s.Batch)
	}
	w.Loads++
	return nil
}

// LastCommitted implements warehouse.Client.
func (w *FakeWarehouse) LastCommitted(_ context.Context, tableID string) (*warehouse.Checkpoint, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var last *warehouse.Checkpoint
	for i, cp := range w.manifest[tableID] {
		if last == nil || cp.Sequence > last.Sequence {
			last = &w.manifest[tableID][i]
		}
	}
	if last == nil {
		return nil, nil
	}
	cp := *last
	return &cp, nil
}

// Manifest returns the manifest rows of a table in commit order.
func (w *FakeWarehouse) Manifest(tableID string) []warehouse.Checkpoint {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]warehouse.Checkpoint(nil), w.manifest[tableID]...)
}

func (w *FakeWarehouse) record(b models.ExtractionBatch) {
	w.manifest[b.TableID] = append(w.manifest[b.TableID], warehouse.Checkpoint{
		Sequence:        b.Sequence,
		ContentKey:      b.File.ContentKey,
		RowCount:        b.RowCount,
		WatermarkColumn: b.WatermarkColumn,
		Watermark:       b.MaxWatermark,
		CommittedAt:     time.Now().UTC(),
	})
}

// Close implements warehouse.Client.
func (w *FakeWarehouse) Close() error { return nil }

func (w *FakeWarehouse) read(table string, batch models.ExtractionBatch) ([]map[string]interface{}, error) {
	if w.FailLoad != nil {
		if err := w.FailLoad(table, batch); err != nil {
			return nil, err
		}
	}
	if batch.File.Format != models.FormatCSV {
		return make([]map[string]interface{}, batch.RowCount), nil
	}
	return w.readCSV(batch.File)
}

func (w *FakeWarehouse) readCSV(h models.FileHandle) ([]map[string]interface{}, error) {
	f, err := os.Open(h.Path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "open staged file")
	}
	defer f.Close()

	var r io.Reader = f
	if h.Compression == "gzip" {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeFile, "open gzip stream")
		}
		defer gz.Close()
		r = gz
	}

	cr := csv.NewReader(r)
	cr.Comma = filesink.Delimiter
	records, err := cr.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "parse staged file")
	}
	if len(records) == 0 {
		return nil, nil
	}
	header := records[0]
	rows := make([]map[string]interface{}, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(map[string]interface{}, len(header))
		for i, name := range header {
			var v interface{}
			if rec[i] != "" {
				v = rec[i]
			}
			row[w.conv.Fold(name)] = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// FakeObjectStore is an in-memory objectstore.Gateway.
type FakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte

	// FailUpload, when set, is consulted before every upload
	FailUpload func(key string) error
	Uploads    int
}

// NewFakeObjectStore creates an empty bucket.
func NewFakeObjectStore() *FakeObjectStore {
	return &FakeObjectStore{objects: make(map[string][]byte)}
}

// Upload implements objectstore.Gateway.
func (s *FakeObjectStore) Upload(_ context.Context, handle models.FileHandle, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailUpload != nil {
		if err := s.FailUpload(key); err != nil {
			return err
		}
	}
	data, err := os.ReadFile(handle.Path)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "read upload")
	}
	s.objects[key] = data
	s.Uploads++
	return nil
}

// URL implements objectstore.Gateway.
func (s *FakeObjectStore) URL(key string) string { return "mem://bucket/" + key }

// Close implements objectstore.Gateway.
func (s *FakeObjectStore) Close() error { return nil }

// Keys returns the stored object keys.
func (s *FakeObjectStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	return keys
}
