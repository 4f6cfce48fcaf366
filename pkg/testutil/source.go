package testutil

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/ajitpratap0/tablemirror/pkg/errors"
	"github.com/ajitpratap0/tablemirror/pkg/models"
	"github.com/ajitpratap0/tablemirror/pkg/source"
)

// SourceTable is a table served by FakeReader.
type SourceTable struct {
	Columns []source.Column
	Rows    []models.Row
}

// FakeReader is an in-memory source.Reader. Reads honour the projection and
// the watermark predicate; the free-form filter is recorded but ignored.
type FakeReader struct {
	mu     sync.Mutex
	tables map[string]*SourceTable

	// Queries records every opened read
	Queries []source.Query
	// OpenErr, when set, fails the next Open and is then cleared
	OpenErr error
	// NextErr, when set, fails every Next call after the first chunk
	NextErr error
	closed  bool
}

// NewFakeReader creates an empty reader.
func NewFakeReader() *FakeReader {
	return &FakeReader{tables: make(map[string]*SourceTable)}
}

// AddTable registers a table. Column ordinals are assigned in order.
func (r *FakeReader) AddTable(name string, cols []source.Column, rows ...models.Row) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range cols {
		cols[i].Ordinal = i
	}
	r.tables[name] = &SourceTable{Columns: cols, Rows: rows}
}

// Insert appends rows to a registered table.
func (r *FakeReader) Insert(name string, rows ...models.Row) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tables[name]
	t.Rows = append(t.Rows, rows...)
}

// AddColumn appends a column to a table, filling existing rows with nil.
func (r *FakeReader) AddColumn(name string, col source.Column) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tables[name]
	col.Ordinal = len(t.Columns)
	t.Columns = append(t.Columns, col)
	for i := range t.Rows {
		t.Rows[i] = append(t.Rows[i], nil)
	}
}

// Describe implements source.Reader.
func (r *FakeReader) Describe(_ context.Context, table string) ([]source.Column, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tables[table]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "table %s not found", table)
	}
	return append([]source.Column(nil), t.Columns...), nil
}

// Tables implements source.Reader.
func (r *FakeReader) Tables(context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.tables))
	for n := range r.tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// Open implements source.Reader. Rows are copied, so callers may convert
// them in place.
func (r *FakeReader) Open(_ context.Context, q source.Query) (source.Cursor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Queries = append(r.Queries, q)
	if r.OpenErr != nil {
		err := r.OpenErr
		r.OpenErr = nil
		return nil, err
	}
	t, ok := r.tables[q.Table]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "table %s not found", q.Table)
	}

	idx := make([]int, 0, len(t.Columns))
	if len(q.Fields) == 0 {
		for i := range t.Columns {
			idx = append(idx, i)
		}
	} else {
		for _, f := range q.Fields {
			i := columnIndex(t.Columns, f)
			if i < 0 {
				return nil, errors.Newf(errors.ErrorTypeQuery, "column %s does not exist", f)
			}
			idx = append(idx, i)
		}
	}
	cols := make([]source.Column, len(idx))
	for j, i := range idx {
		cols[j] = t.Columns[i]
		cols[j].Ordinal = j
	}

	wm := -1
	if q.WatermarkColumn != "" {
		wm = columnIndex(t.Columns, q.WatermarkColumn)
	}

	var rows []models.Row
	for _, src := range t.Rows {
		if wm >= 0 && q.After != nil {
			if src[wm] == nil {
				continue
			}
			v, err := models.NewWatermark(src[wm])
			if err != nil {
				return nil, err
			}
			c, err := v.Compare(*q.After)
			if err != nil {
				return nil, err
			}
			if c <= 0 {
				continue
			}
		}
		row := make(models.Row, len(idx))
		for j, i := range idx {
			row[j] = src[i]
		}
		rows = append(rows, row)
	}
	if wm >= 0 {
		sortByWatermark(rows, columnIndex(cols, q.WatermarkColumn))
	}

	return &fakeCursor{cols: cols, rows: rows, nextErr: r.NextErr}, nil
}

// Close implements source.Reader.
func (r *FakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Closed reports whether Close was called.
func (r *FakeReader) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

type fakeCursor struct {
	cols    []source.Column
	rows    []models.Row
	pos     int
	nextErr error
}

func (c *fakeCursor) Columns() []source.Column { return c.cols }

func (c *fakeCursor) Next(_ context.Context, max int) ([]models.Row, error) {
	if c.nextErr != nil && c.pos > 0 {
		return nil, c.nextErr
	}
	end := c.pos + max
	if end > len(c.rows) {
		end = len(c.rows)
	}
	out := c.rows[c.pos:end]
	c.pos = end
	return out, nil
}

func (c *fakeCursor) Close() error { return nil }

func columnIndex(cols []source.Column, name string) int {
	for i, c := range cols {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return -1
}

func sortByWatermark(rows []models.Row, i int) {
	sort.SliceStable(rows, func(a, b int) bool {
		if rows[a][i] == nil || rows[b][i] == nil {
			return rows[b][i] != nil
		}
		wa, errA := models.NewWatermark(rows[a][i])
		wb, errB := models.NewWatermark(rows[b][i])
		if errA != nil || errB != nil {
			return false
		}
		c, err := wa.Compare(wb)
		return err == nil && c < 0
	})
}
