package objectstore

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ajitpratap0/tablemirror/pkg/models"
)

func TestKey(t *testing.T) {
	h := models.FileHandle{Name: "000000000004.parquet"}

	assert.Equal(t, "raw/shop.public.orders/000000000004.parquet", Key("/raw/", "shop.public.orders", h))
	assert.Equal(t, "shop.public.orders/000000000004.parquet", Key("", "shop.public.orders", h))
}

func TestKeyIsStablePerSequence(t *testing.T) {
	a := models.FileHandle{Name: "000000000001.csv", ContentKey: "aa"}
	b := models.FileHandle{Name: "000000000001.csv", ContentKey: "bb"}
	assert.Equal(t, Key("p", "t", a), Key("p", "t", b))
}

func TestContentType(t *testing.T) {
	tests := []struct {
		handle models.FileHandle
		want   string
	}{
		{models.FileHandle{Format: models.FormatCSV}, "text/csv"},
		{models.FileHandle{Format: models.FormatCSV, Compression: "gzip"}, "application/gzip"},
		{models.FileHandle{Format: models.FormatParquet}, "application/vnd.apache.parquet"},
		{models.FileHandle{Format: models.FormatAvro}, "application/avro"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ContentType(tt.handle))
	}
}
