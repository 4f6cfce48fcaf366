package models

import (
	"fmt"
	"math"
	"strconv"
	"time"

	gojson "github.com/goccy/go-json"
)

// WatermarkKind is the family of an incremental column value.
type WatermarkKind string

const (
	WatermarkInt    WatermarkKind = "int"
	WatermarkFloat  WatermarkKind = "float"
	WatermarkTime   WatermarkKind = "time"
	WatermarkString WatermarkKind = "string"
)

// Watermark is the highest committed value of an incremental column.
// It is totally ordered within its kind; int and float compare numerically.
type Watermark struct {
	Kind  WatermarkKind
	Int   int64
	Float float64
	Time  time.Time
	Str   string
}

// NewWatermark converts a value read from a source driver into a Watermark.
func NewWatermark(v interface{}) (Watermark, error) {
	switch x := v.(type) {
	case int:
		return Watermark{Kind: WatermarkInt, Int: int64(x)}, nil
	case int8:
		return Watermark{Kind: WatermarkInt, Int: int64(x)}, nil
	case int16:
		return Watermark{Kind: WatermarkInt, Int: int64(x)}, nil
	case int32:
		return Watermark{Kind: WatermarkInt, Int: int64(x)}, nil
	case int64:
		return Watermark{Kind: WatermarkInt, Int: x}, nil
	case uint8:
		return Watermark{Kind: WatermarkInt, Int: int64(x)}, nil
	case uint16:
		return Watermark{Kind: WatermarkInt, Int: int64(x)}, nil
	case uint32:
		return Watermark{Kind: WatermarkInt, Int: int64(x)}, nil
	case uint64:
		if x > math.MaxInt64 {
			return Watermark{}, fmt.Errorf("watermark %d overflows int64", x)
		}
		return Watermark{Kind: WatermarkInt, Int: int64(x)}, nil
	case float32:
		return Watermark{Kind: WatermarkFloat, Float: float64(x)}, nil
	case float64:
		return Watermark{Kind: WatermarkFloat, Float: x}, nil
	case time.Time:
		return Watermark{Kind: WatermarkTime, Time: x.UTC()}, nil
	case string:
		return Watermark{Kind: WatermarkString, Str: x}, nil
	case []byte:
		return Watermark{Kind: WatermarkString, Str: string(x)}, nil
	case nil:
		return Watermark{}, fmt.Errorf("watermark value is null")
	default:
		return Watermark{}, fmt.Errorf("unsupported watermark type %T", v)
	}
}

// ParseWatermark builds a watermark from its textual form, used for
// operator-supplied initial watermarks.
func ParseWatermark(kind WatermarkKind, s string) (Watermark, error) {
	switch kind {
	case WatermarkInt:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Watermark{}, fmt.Errorf("parse int watermark: %w", err)
		}
		return Watermark{Kind: kind, Int: n}, nil
	case WatermarkFloat:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Watermark{}, fmt.Errorf("parse float watermark: %w", err)
		}
		return Watermark{Kind: kind, Float: f}, nil
	case WatermarkTime:
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return Watermark{}, fmt.Errorf("parse time watermark: %w", err)
		}
		return Watermark{Kind: kind, Time: t.UTC()}, nil
	case WatermarkString:
		return Watermark{Kind: kind, Str: s}, nil
	default:
		return Watermark{}, fmt.Errorf("unknown watermark kind %q", kind)
	}
}

func (w Watermark) numeric() (float64, bool) {
	switch w.Kind {
	case WatermarkInt:
		return float64(w.Int), true
	case WatermarkFloat:
		return w.Float, true
	}
	return 0, false
}

// Compare returns -1, 0 or 1. Watermarks of unrelated kinds cannot be compared.
func (w Watermark) Compare(o Watermark) (int, error) {
	if w.Kind == WatermarkInt && o.Kind == WatermarkInt {
		switch {
		case w.Int < o.Int:
			return -1, nil
		case w.Int > o.Int:
			return 1, nil
		}
		return 0, nil
	}
	if a, ok := w.numeric(); ok {
		b, ok := o.numeric()
		if !ok {
			return 0, fmt.Errorf("cannot compare %s watermark with %s", w.Kind, o.Kind)
		}
		switch {
		case a < b:
			return -1, nil
		case a > b:
			return 1, nil
		}
		return 0, nil
	}
	if w.Kind != o.Kind {
		return 0, fmt.Errorf("cannot compare %s watermark with %s", w.Kind, o.Kind)
	}
	switch w.Kind {
	case WatermarkTime:
		return w.Time.Compare(o.Time), nil
	case WatermarkString:
		switch {
		case w.Str < o.Str:
			return -1, nil
		case w.Str > o.Str:
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("unknown watermark kind %q", w.Kind)
}

// Value returns the watermark as a driver query argument.
func (w Watermark) Value() interface{} {
	switch w.Kind {
	case WatermarkInt:
		return w.Int
	case WatermarkFloat:
		return w.Float
	case WatermarkTime:
		return w.Time
	default:
		return w.Str
	}
}

func (w Watermark) String() string {
	switch w.Kind {
	case WatermarkInt:
		return strconv.FormatInt(w.Int, 10)
	case WatermarkFloat:
		return strconv.FormatFloat(w.Float, 'g', -1, 64)
	case WatermarkTime:
		return w.Time.Format(time.RFC3339Nano)
	default:
		return w.Str
	}
}

type watermarkJSON struct {
	Kind  WatermarkKind `json:"kind"`
	Value string        `json:"value"`
}

// MarshalJSON encodes the watermark as {"kind": ..., "value": ...}.
func (w Watermark) MarshalJSON() ([]byte, error) {
	return gojson.Marshal(watermarkJSON{Kind: w.Kind, Value: w.String()})
}

// UnmarshalJSON decodes the form produced by MarshalJSON.
func (w *Watermark) UnmarshalJSON(data []byte) error {
	var raw watermarkJSON
	if err := gojson.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseWatermark(raw.Kind, raw.Value)
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

// MaxWatermark returns the larger of a and b; a nil side yields the other.
func MaxWatermark(a, b *Watermark) (*Watermark, error) {
	if a == nil {
		return b, nil
	}
	if b == nil {
		return a, nil
	}
	c, err := a.Compare(*b)
	if err != nil {
		return nil, err
	}
	if c >= 0 {
		return a, nil
	}
	return b, nil
}
