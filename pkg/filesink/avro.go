package filesink

import (
	"fmt"
	"io"
	"regexp"

	gojson "github.com/goccy/go-json"
	"github.com/linkedin/goavro/v2"

	"github.com/ajitpratap0/tablemirror/pkg/models"
)

var invalidAvroName = regexp.MustCompile(`[^A-Za-z0-9_]`)

type avroEncoder struct{}

// avroName makes a column name a legal avro name.
func avroName(name string) string {
	n := invalidAvroName.ReplaceAllString(name, "_")
	if n == "" || (n[0] >= '0' && n[0] <= '9') {
		n = "_" + n
	}
	return n
}

// avroType returns the schema of a non-null branch and the name goavro
// uses for it inside a union.
func avroType(t models.ColumnType) (interface{}, string, error) {
	switch t {
	case models.TypeBool:
		return "boolean", "boolean", nil
	case models.TypeInt:
		return "long", "long", nil
	case models.TypeFloat:
		return "double", "double", nil
	case models.TypeDate:
		return map[string]string{"type": "int", "logicalType": "date"}, "int.date", nil
	case models.TypeTimestamp:
		return map[string]string{"type": "long", "logicalType": "timestamp-micros"}, "long.timestamp-micros", nil
	case models.TypeString, models.TypeJSON:
		return "string", "string", nil
	case models.TypeBinary:
		return "bytes", "bytes", nil
	}
	return nil, "", fmt.Errorf("unsupported column type %q", t)
}

// AvroSchema builds the record schema for the columns. Every field is a
// union with null so missing values encode.
func AvroSchema(cols []models.ColumnDescriptor) (string, error) {
	fields := make([]map[string]interface{}, len(cols))
	for i, c := range cols {
		t, _, err := avroType(c.Type)
		if err != nil {
			return "", fmt.Errorf("column %s: %w", c.Name, err)
		}
		fields[i] = map[string]interface{}{
			"name":    avroName(c.Name),
			"type":    []interface{}{"null", t},
			"default": nil,
		}
	}
	data, err := gojson.Marshal(map[string]interface{}{
		"type":   "record",
		"name":   "row",
		"fields": fields,
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (avroEncoder) encode(w io.Writer, cols []models.ColumnDescriptor, rows []models.Row) error {
	schemaJSON, err := AvroSchema(cols)
	if err != nil {
		return err
	}
	codec, err := goavro.NewCodec(schemaJSON)
	if err != nil {
		return fmt.Errorf("failed to create avro codec: %w", err)
	}
	ocf, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:               w,
		Codec:           codec,
		CompressionName: goavro.CompressionSnappyLabel,
	})
	if err != nil {
		return fmt.Errorf("failed to create avro writer: %w", err)
	}

	names := make([]string, len(cols))
	branches := make([]string, len(cols))
	for i, c := range cols {
		names[i] = avroName(c.Name)
		_, branches[i], _ = avroType(c.Type)
	}

	const chunk = 512
	buf := make([]interface{}, 0, chunk)
	for _, row := range rows {
		native := make(map[string]interface{}, len(cols))
		for i := range cols {
			var v interface{}
			if i < len(row) {
				v = row[i]
			}
			if v == nil {
				native[names[i]] = goavro.Union("null", nil)
				continue
			}
			native[names[i]] = goavro.Union(branches[i], v)
		}
		buf = append(buf, native)
		if len(buf) == chunk {
			if err := ocf.Append(buf); err != nil {
				return fmt.Errorf("failed to write avro records: %w", err)
			}
			buf = buf[:0]
		}
	}
	if len(buf) > 0 {
		if err := ocf.Append(buf); err != nil {
			return fmt.Errorf("failed to write avro records: %w", err)
		}
	}
	return nil
}
