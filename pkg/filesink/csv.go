package filesink

import (
	"encoding/csv"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/ajitpratap0/tablemirror/pkg/models"
	"github.com/ajitpratap0/tablemirror/pkg/pool"
	"github.com/ajitpratap0/tablemirror/pkg/schema"
)

// Delimiter is the csv field separator. The warehouse file formats use the
// same value.
const Delimiter = '|'

const dateLayout = "2006-01-02"

// gzipWriters are shared by every sink; a writer is reset onto the next
// file before use.
var gzipWriters = pool.New(
	func() *gzip.Writer { return gzip.NewWriter(io.Discard) },
	func(gz *gzip.Writer) { gz.Reset(io.Discard) },
)

type csvEncoder struct {
	gzip bool
}

func (e csvEncoder) encode(w io.Writer, cols []models.ColumnDescriptor, rows []models.Row) error {
	var gz *gzip.Writer
	if e.gzip {
		gz = gzipWriters.Get()
		defer gzipWriters.Put(gz)
		gz.Reset(w)
		w = gz
	}

	cw := csv.NewWriter(w)
	cw.Comma = Delimiter

	if err := cw.Write(models.ColumnNames(cols)); err != nil {
		return err
	}
	record := make([]string, len(cols))
	for _, row := range rows {
		for i := range record {
			record[i] = ""
			if i >= len(row) || row[i] == nil {
				continue
			}
			if b, ok := row[i].([]byte); ok && cols[i].Type == models.TypeBinary {
				record[i] = schema.EncodeBinary(b)
				continue
			}
			if d, ok := row[i].(time.Time); ok && cols[i].Type == models.TypeDate {
				record[i] = d.Format(dateLayout)
				continue
			}
			record[i] = schema.ToString(row[i])
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	if gz != nil {
		return gz.Close()
	}
	return nil
}
