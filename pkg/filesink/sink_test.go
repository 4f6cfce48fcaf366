package filesink

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/klauspost/compress/gzip"
	"github.com/linkedin/goavro/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tablemirror/pkg/models"
)

var testCols = []models.ColumnDescriptor{
	{Name: "id", Type: models.TypeInt, Ordinal: 0},
	{Name: "name", Type: models.TypeString, Nullable: true, Ordinal: 1},
	{Name: "updated_at", Type: models.TypeTimestamp, Nullable: true, Ordinal: 2},
}

func testRows() []models.Row {
	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	return []models.Row{
		{int64(1), "alpha", ts},
		{int64(2), nil, nil},
		{int64(3), "with|pipe", ts},
	}
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "000000000042.csv", FileName(42, models.FormatCSV, ""))
	assert.Equal(t, "000000000042.csv.gz", FileName(42, models.FormatCSV, "gzip"))
	assert.Equal(t, "000000000007.parquet", FileName(7, models.FormatParquet, ""))
}

func TestNewRejectsUnknownCompression(t *testing.T) {
	_, err := New(t.TempDir(), models.FormatCSV, "zstd", nil)
	assert.Error(t, err)

	_, err = New(t.TempDir(), "xml", "", nil)
	assert.Error(t, err)
}

func TestWriteCSV(t *testing.T) {
	dir := t.TempDir()
	sink, err := New(dir, models.FormatCSV, "", nil)
	require.NoError(t, err)

	h, err := sink.Write(context.Background(), "shop.public.orders", 3, testCols, testRows())
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "shop.public.orders", "000000000003.csv"), h.Path)
	assert.Equal(t, "000000000003.csv", h.Name)
	assert.Len(t, h.ContentKey, 64)

	data, err := os.ReadFile(h.Path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), h.Size)

	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = Delimiter
	records, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, []string{"id", "name", "updated_at"}, records[0])
	assert.Equal(t, []string{"1", "alpha", "2024-03-01T12:30:00Z"}, records[1])
	assert.Equal(t, []string{"2", "", ""}, records[2])
	assert.Equal(t, "with|pipe", records[3][1])
}

func TestWriteCSVGzip(t *testing.T) {
	sink, err := New(t.TempDir(), models.FormatCSV, "gzip", nil)
	require.NoError(t, err)

	h, err := sink.Write(context.Background(), "t", 1, testCols, testRows())
	require.NoError(t, err)
	assert.Equal(t, "gzip", h.Compression)

	f, err := os.Open(h.Path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Contains(t, string(data), "id|name|updated_at\n")
}

func TestContentKeyIsDeterministic(t *testing.T) {
	sink, err := New(t.TempDir(), models.FormatCSV, "", nil)
	require.NoError(t, err)

	a, err := sink.Write(context.Background(), "t", 1, testCols, testRows())
	require.NoError(t, err)
	b, err := sink.Write(context.Background(), "t", 2, testCols, testRows())
	require.NoError(t, err)
	assert.Equal(t, a.ContentKey, b.ContentKey)

	c, err := sink.Write(context.Background(), "t", 3, testCols, testRows()[:1])
	require.NoError(t, err)
	assert.NotEqual(t, a.ContentKey, c.ContentKey)
}

func TestWriteParquet(t *testing.T) {
	sink, err := New(t.TempDir(), models.FormatParquet, "gzip", nil)
	require.NoError(t, err)

	h, err := sink.Write(context.Background(), "t", 1, testCols, testRows())
	require.NoError(t, err)
	assert.Empty(t, h.Compression)

	f, err := os.Open(h.Path)
	require.NoError(t, err)
	defer f.Close()

	mem := memory.NewGoAllocator()
	tbl, err := pqarrow.ReadTable(context.Background(), f, parquet.NewReaderProperties(mem), pqarrow.ArrowReadProperties{}, mem)
	require.NoError(t, err)
	defer tbl.Release()

	assert.Equal(t, int64(3), tbl.NumRows())
	assert.Equal(t, int64(3), tbl.NumCols())
	assert.Equal(t, "updated_at", tbl.Schema().Field(2).Name)
}

func TestWriteParquetRejectsNonCanonicalValue(t *testing.T) {
	sink, err := New(t.TempDir(), models.FormatParquet, "", nil)
	require.NoError(t, err)

	_, err = sink.Write(context.Background(), "t", 1, testCols, []models.Row{{"not-an-int", nil, nil}})
	assert.Error(t, err)
}

func TestWriteAvro(t *testing.T) {
	sink, err := New(t.TempDir(), models.FormatAvro, "", nil)
	require.NoError(t, err)

	cols := testCols[:2]
	rows := []models.Row{{int64(1), "alpha"}, {int64(2), nil}}
	h, err := sink.Write(context.Background(), "t", 1, cols, rows)
	require.NoError(t, err)

	f, err := os.Open(h.Path)
	require.NoError(t, err)
	defer f.Close()

	ocf, err := goavro.NewOCFReader(f)
	require.NoError(t, err)

	var got []map[string]interface{}
	for ocf.Scan() {
		datum, err := ocf.Read()
		require.NoError(t, err)
		got = append(got, datum.(map[string]interface{}))
	}
	require.Len(t, got, 2)
	assert.Equal(t, map[string]interface{}{"long": int64(1)}, got[0]["id"])
	assert.Equal(t, map[string]interface{}{"string": "alpha"}, got[0]["name"])
	assert.Nil(t, got[1]["name"])
}

func TestAvroSchemaSanitisesNames(t *testing.T) {
	s, err := AvroSchema([]models.ColumnDescriptor{{Name: "order-id", Type: models.TypeInt}, {Name: "1st", Type: models.TypeDate}})
	require.NoError(t, err)
	assert.Contains(t, s, `"order_id"`)
	assert.Contains(t, s, `"_1st"`)
	assert.Contains(t, s, `"logicalType":"date"`)
}

func TestRemove(t *testing.T) {
	sink, err := New(t.TempDir(), models.FormatCSV, "", nil)
	require.NoError(t, err)
	h, err := sink.Write(context.Background(), "t", 1, testCols, testRows())
	require.NoError(t, err)

	require.NoError(t, sink.Remove(h))
	_, err = os.Stat(h.Path)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, sink.Remove(h))
}
