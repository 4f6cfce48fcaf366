package filesink

import (
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/ajitpratap0/tablemirror/pkg/models"
)

type parquetEncoder struct{}

// ArrowSchema maps column descriptors to an arrow schema. Every field is
// nullable; the warehouse decides nullability.
func ArrowSchema(cols []models.ColumnDescriptor) (*arrow.Schema, error) {
	fields := make([]arrow.Field, len(cols))
	for i, c := range cols {
		dt, err := arrowType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.Name, err)
		}
		fields[i] = arrow.Field{Name: c.Name, Type: dt, Nullable: true}
	}
	return arrow.NewSchema(fields, nil), nil
}

func arrowType(t models.ColumnType) (arrow.DataType, error) {
	switch t {
	case models.TypeBool:
		return arrow.FixedWidthTypes.Boolean, nil
	case models.TypeInt:
		return arrow.PrimitiveTypes.Int64, nil
	case models.TypeFloat:
		return arrow.PrimitiveTypes.Float64, nil
	case models.TypeDate:
		return arrow.FixedWidthTypes.Date32, nil
	case models.TypeTimestamp:
		return arrow.FixedWidthTypes.Timestamp_us, nil
	case models.TypeString, models.TypeJSON:
		return arrow.BinaryTypes.String, nil
	case models.TypeBinary:
		return arrow.BinaryTypes.Binary, nil
	}
	return nil, fmt.Errorf("unsupported column type %q", t)
}

func (parquetEncoder) encode(w io.Writer, cols []models.ColumnDescriptor, rows []models.Row) error {
	arrowSchema, err := ArrowSchema(cols)
	if err != nil {
		return err
	}

	pool := memory.NewGoAllocator()
	builder := array.NewRecordBuilder(pool, arrowSchema)
	defer builder.Release()

	for _, row := range rows {
		for i := range cols {
			var v interface{}
			if i < len(row) {
				v = row[i]
			}
			if err := appendValue(builder.Field(i), v); err != nil {
				return fmt.Errorf("column %s: %w", cols[i].Name, err)
			}
		}
	}

	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithAllocator(pool))

	fw, err := pqarrow.NewFileWriter(arrowSchema, w, props, arrowProps)
	if err != nil {
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}

	record := builder.NewRecord()
	defer record.Release()

	if err := fw.WriteBuffered(record); err != nil {
		fw.Close()
		return fmt.Errorf("failed to write record batch: %w", err)
	}
	return fw.Close()
}

func appendValue(b array.Builder, v interface{}) error {
	if v == nil {
		b.AppendNull()
		return nil
	}
	switch b := b.(type) {
	case *array.BooleanBuilder:
		x, ok := v.(bool)
		if !ok {
			return fmt.Errorf("expected bool, got %T", v)
		}
		b.Append(x)
	case *array.Int64Builder:
		x, ok := v.(int64)
		if !ok {
			return fmt.Errorf("expected int64, got %T", v)
		}
		b.Append(x)
	case *array.Float64Builder:
		x, ok := v.(float64)
		if !ok {
			return fmt.Errorf("expected float64, got %T", v)
		}
		b.Append(x)
	case *array.Date32Builder:
		x, ok := v.(time.Time)
		if !ok {
			return fmt.Errorf("expected time, got %T", v)
		}
		b.Append(arrow.Date32FromTime(x))
	case *array.TimestampBuilder:
		x, ok := v.(time.Time)
		if !ok {
			return fmt.Errorf("expected time, got %T", v)
		}
		b.Append(arrow.Timestamp(x.UnixMicro()))
	case *array.StringBuilder:
		x, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		b.Append(x)
	case *array.BinaryBuilder:
		x, ok := v.([]byte)
		if !ok {
			return fmt.Errorf("expected bytes, got %T", v)
		}
		b.Append(x)
	default:
		return fmt.Errorf("unsupported builder %T", b)
	}
	return nil
}
