package schema

import (
	"encoding/base64"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/ajitpratap0/tablemirror/pkg/models"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
	"2006/01/02",
}

// Convert normalises a driver value to the canonical Go representation of
// a lattice type: bool, int64, float64, time.Time, string (also for json)
// or []byte. nil stays nil.
func Convert(value interface{}, t models.ColumnType) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	switch t {
	case models.TypeBool:
		return toBool(value)
	case models.TypeInt:
		return toInt(value)
	case models.TypeFloat:
		return toFloat(value)
	case models.TypeDate, models.TypeTimestamp:
		return toTime(value)
	case models.TypeString:
		return ToString(value), nil
	case models.TypeJSON:
		return toJSON(value)
	case models.TypeBinary:
		return toBinary(value), nil
	default:
		return nil, fmt.Errorf("unknown column type %q", t)
	}
}

// ConvertRow converts every value of row in place to the schema types.
func ConvertRow(row models.Row, cols []models.ColumnDescriptor) error {
	for i := range row {
		if i >= len(cols) {
			break
		}
		v, err := Convert(row[i], cols[i].Type)
		if err != nil {
			return fmt.Errorf("column %s: %w", cols[i].Name, err)
		}
		row[i] = v
	}
	return nil
}

// ToString renders a value the way it is written to text files.
func ToString(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", v)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return v.String()
	case map[string]interface{}, []interface{}:
		data, err := gojson.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func toBool(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case int64:
		return v != 0, nil
	case int:
		return v != 0, nil
	case int8:
		return v != 0, nil
	case []byte:
		return strconv.ParseBool(string(v))
	case string:
		return strconv.ParseBool(v)
	}
	n, err := toInt(value)
	if err != nil {
		return nil, fmt.Errorf("cannot convert %T to bool", value)
	}
	return n.(int64) != 0, nil
}

func toInt(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint:
		if uint64(v) > math.MaxInt64 {
			return nil, fmt.Errorf("value %d overflows int64", v)
		}
		return int64(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return nil, fmt.Errorf("value %d overflows int64", v)
		}
		return int64(v), nil
	case bool:
		if v {
			return int64(1), nil
		}
		return int64(0), nil
	case float32:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case []byte:
		return strconv.ParseInt(strings.TrimSpace(string(v)), 10, 64)
	case string:
		return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	}
	return nil, fmt.Errorf("cannot convert %T to int", value)
}

func toFloat(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case []byte:
		return strconv.ParseFloat(strings.TrimSpace(string(v)), 64)
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	}
	n, err := toInt(value)
	if err != nil {
		return nil, fmt.Errorf("cannot convert %T to float", value)
	}
	return float64(n.(int64)), nil
}

func toTime(value interface{}) (interface{}, error) {
	var s string
	switch v := value.(type) {
	case time.Time:
		return v.UTC(), nil
	case []byte:
		s = string(v)
	case string:
		s = v
	default:
		return nil, fmt.Errorf("cannot convert %T to time", value)
	}

	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return nil, fmt.Errorf("unable to parse time %q", s)
}

func toJSON(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	}
	data, err := gojson.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return string(data), nil
}

func toBinary(value interface{}) []byte {
	switch v := value.(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	}
	return []byte(ToString(value))
}

// EncodeBinary renders binary values for text formats.
func EncodeBinary(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
