package schema

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tablemirror/pkg/models"
)

// TypeInferenceEngine infers lattice types from sampled values when the
// source catalog cannot tell us (unknown driver types, untyped views).
type TypeInferenceEngine struct {
	logger *zap.Logger

	datePatterns      []*regexp.Regexp
	timestampPatterns []*regexp.Regexp

	sampleSize          int
	confidenceThreshold float64
}

// InferredType represents a type inference result with confidence
type InferredType struct {
	Type       models.ColumnType `json:"type"`
	Confidence float64           `json:"confidence"`
	Nullable   bool              `json:"nullable"`
	// Samples is the number of non-null values looked at
	Samples int `json:"samples"`
}

// NewTypeInferenceEngine creates a new type inference engine
func NewTypeInferenceEngine(logger *zap.Logger) *TypeInferenceEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	engine := &TypeInferenceEngine{
		logger:              logger,
		sampleSize:          1000,
		confidenceThreshold: 0.95,
	}
	engine.initializePatterns()
	return engine
}

// InferColumns infers a descriptor per column from the first rows of a
// batch. Columns with only nulls default to string.
func (e *TypeInferenceEngine) InferColumns(names []string, rows []models.Row) []models.ColumnDescriptor {
	n := len(rows)
	if n > e.sampleSize {
		n = e.sampleSize
	}

	cols := make([]models.ColumnDescriptor, len(names))
	values := make([]interface{}, n)
	for i, name := range names {
		for j := 0; j < n; j++ {
			if i < len(rows[j]) {
				values[j] = rows[j][i]
			} else {
				values[j] = nil
			}
		}
		inferred := e.InferType(values)
		cols[i] = models.ColumnDescriptor{
			Name:     name,
			Type:     inferred.Type,
			Nullable: inferred.Nullable,
			Ordinal:  i,
		}
	}
	return cols
}

// InferType infers the lattice type of a column from sample values. Values
// of different types are joined to their supertype; if none exists the
// column falls back to string.
func (e *TypeInferenceEngine) InferType(values []interface{}) InferredType {
	counts := make(map[models.ColumnType]int)
	nulls := 0
	var joined models.ColumnType
	mixed := false

	for _, v := range values {
		if v == nil {
			nulls++
			continue
		}
		t := e.detectValueType(v)
		counts[t]++
		if joined == "" {
			joined = t
			continue
		}
		st, ok := Supertype(joined, t)
		if !ok {
			mixed = true
			continue
		}
		joined = st
	}

	nonNull := len(values) - nulls
	if nonNull == 0 {
		return InferredType{Type: models.TypeString, Nullable: true}
	}

	maxCount := 0
	for _, c := range counts {
		if c > maxCount {
			maxCount = c
		}
	}
	confidence := float64(maxCount) / float64(nonNull)

	if mixed {
		e.logger.Debug("mixed incompatible types in sample, defaulting to string",
			zap.Int("distinct_types", len(counts)))
		joined = models.TypeString
	}

	return InferredType{
		Type:       joined,
		Confidence: confidence,
		Nullable:   nulls > 0,
		Samples:    nonNull,
	}
}

// detectValueType detects the type of a single value
func (e *TypeInferenceEngine) detectValueType(value interface{}) models.ColumnType {
	switch v := value.(type) {
	case bool:
		return models.TypeBool
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return models.TypeInt
	case float32, float64:
		return models.TypeFloat
	case time.Time:
		h, m, s := v.Clock()
		if h == 0 && m == 0 && s == 0 && v.Nanosecond() == 0 {
			return models.TypeDate
		}
		return models.TypeTimestamp
	case []byte:
		if !utf8.Valid(v) {
			return models.TypeBinary
		}
		return e.detectStringType(string(v))
	case string:
		return e.detectStringType(v)
	case map[string]interface{}, []interface{}:
		return models.TypeJSON
	default:
		if _, err := gojson.Marshal(value); err == nil {
			return models.TypeJSON
		}
		return models.TypeString
	}
}

func (e *TypeInferenceEngine) detectStringType(s string) models.ColumnType {
	trimmed := strings.TrimSpace(s)
	switch {
	case trimmed == "":
		return models.TypeString
	case e.isBoolean(trimmed):
		return models.TypeBool
	case e.isInteger(trimmed):
		return models.TypeInt
	case e.isFloat(trimmed):
		return models.TypeFloat
	case e.isTimestamp(trimmed):
		return models.TypeTimestamp
	case e.isDate(trimmed):
		return models.TypeDate
	case e.isJSON(trimmed):
		return models.TypeJSON
	}
	return models.TypeString
}

// Helper methods for type detection
func (e *TypeInferenceEngine) isBoolean(s string) bool {
	lower := strings.ToLower(s)
	return lower == "true" || lower == "false"
}

func (e *TypeInferenceEngine) isInteger(s string) bool {
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

func (e *TypeInferenceEngine) isFloat(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

func (e *TypeInferenceEngine) isTimestamp(s string) bool {
	for _, p := range e.timestampPatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

func (e *TypeInferenceEngine) isDate(s string) bool {
	for _, p := range e.datePatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

func (e *TypeInferenceEngine) isJSON(s string) bool {
	if s[0] != '{' && s[0] != '[' {
		return false
	}
	return gojson.Valid([]byte(s))
}

func (e *TypeInferenceEngine) initializePatterns() {
	e.datePatterns = []*regexp.Regexp{
		regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`),
		regexp.MustCompile(`^\d{4}/\d{2}/\d{2}$`),
	}
	e.timestampPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:?\d{2})?$`),
	}
}
