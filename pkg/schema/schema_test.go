package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/tablemirror/pkg/errors"
	"github.com/ajitpratap0/tablemirror/pkg/models"
)

func col(name string, t models.ColumnType) models.ColumnDescriptor {
	return models.ColumnDescriptor{Name: name, Type: t}
}

func TestSupertype(t *testing.T) {
	tests := []struct {
		a, b models.ColumnType
		want models.ColumnType
		ok   bool
	}{
		{models.TypeInt, models.TypeFloat, models.TypeFloat, true},
		{models.TypeFloat, models.TypeInt, models.TypeFloat, true},
		{models.TypeBool, models.TypeInt, models.TypeInt, true},
		{models.TypeBool, models.TypeFloat, models.TypeFloat, true},
		{models.TypeDate, models.TypeTimestamp, models.TypeTimestamp, true},
		{models.TypeInt, models.TypeString, models.TypeString, true},
		{models.TypeTimestamp, models.TypeString, models.TypeString, true},
		{models.TypeInt, models.TypeDate, models.TypeString, true},
		{models.TypeJSON, models.TypeString, models.TypeString, true},
		{models.TypeJSON, models.TypeJSON, models.TypeJSON, true},
		{models.TypeJSON, models.TypeInt, "", false},
		{models.TypeBinary, models.TypeString, "", false},
		{models.TypeBinary, models.TypeInt, "", false},
		{models.TypeBinary, models.TypeBinary, models.TypeBinary, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.a)+"_"+string(tt.b), func(t *testing.T) {
			got, ok := Supertype(tt.a, tt.b)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)

			// the join is symmetric
			rev, okRev := Supertype(tt.b, tt.a)
			assert.Equal(t, ok, okRev)
			assert.Equal(t, got, rev)
		})
	}
}

func TestResolveAddsNewColumnsAsNullable(t *testing.T) {
	r := NewResolver(zaptest.NewLogger(t))

	catalog := []models.ColumnDescriptor{col("ID", models.TypeInt)}
	batch := []models.ColumnDescriptor{col("id", models.TypeInt), col("approved", models.TypeBool)}

	diff, err := r.Resolve(batch, catalog, models.UpperCase)
	require.NoError(t, err)
	require.Len(t, diff.Added, 1)
	assert.Equal(t, "APPROVED", diff.Added[0].Name)
	assert.True(t, diff.Added[0].Nullable)
	assert.Equal(t, models.TypeBool, diff.Added[0].Type)
	assert.Empty(t, diff.Widened)
}

func TestResolveLeavesMissingCatalogColumnsUntouched(t *testing.T) {
	r := NewResolver(nil)

	catalog := []models.ColumnDescriptor{col("id", models.TypeInt), col("legacy_name", models.TypeString)}
	batch := []models.ColumnDescriptor{col("id", models.TypeInt), col("full_name", models.TypeString)}

	diff, err := r.Resolve(batch, catalog, models.LowerCase)
	require.NoError(t, err)
	assert.Equal(t, []string{"full_name"}, models.ColumnNames(diff.Added))

	after := Apply(catalog, diff, models.LowerCase)
	assert.Equal(t, []string{"id", "legacy_name", "full_name"}, models.ColumnNames(after))
}

func TestResolveWidensTypes(t *testing.T) {
	r := NewResolver(nil)

	catalog := []models.ColumnDescriptor{
		col("AMOUNT", models.TypeInt),
		col("CREATED", models.TypeTimestamp),
		col("CODE", models.TypeString),
	}
	batch := []models.ColumnDescriptor{
		col("amount", models.TypeFloat),
		col("created", models.TypeDate),
		col("code", models.TypeInt),
	}

	diff, err := r.Resolve(batch, catalog, models.UpperCase)
	require.NoError(t, err)
	assert.Empty(t, diff.Added)
	require.Len(t, diff.Widened, 1, "catalog types that already subsume the batch need no change")
	assert.Equal(t, models.ColumnChange{Name: "AMOUNT", From: models.TypeInt, To: models.TypeFloat}, diff.Widened[0])

	after := Apply(catalog, diff, models.UpperCase)
	assert.Equal(t, models.TypeFloat, after[0].Type)
}

func TestResolveCastError(t *testing.T) {
	r := NewResolver(nil)

	catalog := []models.ColumnDescriptor{col("payload", models.TypeBinary)}
	batch := []models.ColumnDescriptor{col("payload", models.TypeString)}

	_, err := r.Resolve(batch, catalog, models.LowerCase)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCast))
	assert.True(t, errors.IsFatal(err))
	assert.False(t, errors.IsRetryable(err))
}

func TestResolveCaseCollision(t *testing.T) {
	r := NewResolver(nil)
	batch := []models.ColumnDescriptor{col("Id", models.TypeInt), col("ID", models.TypeInt)}

	_, err := r.Resolve(batch, nil, models.UpperCase)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeSchemaConflict))
}

func TestResolveEmptyCatalogAddsEverything(t *testing.T) {
	r := NewResolver(nil)
	batch := []models.ColumnDescriptor{col("id", models.TypeInt), col("name", models.TypeString)}

	diff, err := r.Resolve(batch, nil, models.UpperCase)
	require.NoError(t, err)
	assert.Equal(t, []string{"ID", "NAME"}, models.ColumnNames(diff.Added))
	assert.Equal(t, 1, diff.Added[1].Ordinal)
}

func TestMerge(t *testing.T) {
	a := []models.ColumnDescriptor{col("id", models.TypeInt), col("score", models.TypeInt)}
	b := []models.ColumnDescriptor{col("ID", models.TypeInt), col("score", models.TypeFloat), col("approved", models.TypeBool)}

	merged, err := Merge(a, b, models.LowerCase)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "score", "approved"}, models.ColumnNames(merged))
	assert.Equal(t, models.TypeFloat, merged[1].Type)
	assert.True(t, merged[2].Nullable)

	_, err = Merge(a, []models.ColumnDescriptor{col("id", models.TypeBinary)}, models.LowerCase)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCast))
}

func TestInferType(t *testing.T) {
	e := NewTypeInferenceEngine(zaptest.NewLogger(t))

	tests := []struct {
		name     string
		values   []interface{}
		want     models.ColumnType
		nullable bool
	}{
		{"ints", []interface{}{int64(1), int32(2)}, models.TypeInt, false},
		{"int and float", []interface{}{int64(1), 2.5}, models.TypeFloat, false},
		{"numeric strings", []interface{}{"1", "2", nil}, models.TypeInt, true},
		{"bool strings", []interface{}{[]byte("true"), "false"}, models.TypeBool, false},
		{"dates", []interface{}{"2024-01-02", "2024-03-04"}, models.TypeDate, false},
		{"date and timestamp", []interface{}{"2024-01-02", "2024-01-02 10:00:00"}, models.TypeTimestamp, false},
		{"time values", []interface{}{time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)}, models.TypeTimestamp, false},
		{"json", []interface{}{`{"a":1}`, map[string]interface{}{"b": 2}}, models.TypeJSON, false},
		{"binary", []interface{}{[]byte{0xff, 0xfe}}, models.TypeBinary, false},
		{"mixed incompatible", []interface{}{[]byte{0xff}, "text"}, models.TypeString, false},
		{"all null", []interface{}{nil, nil}, models.TypeString, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.InferType(tt.values)
			assert.Equal(t, tt.want, got.Type)
			assert.Equal(t, tt.nullable, got.Nullable)
		})
	}
}

func TestInferColumns(t *testing.T) {
	e := NewTypeInferenceEngine(nil)
	rows := []models.Row{
		{int64(1), nil},
		{int64(2), "yes"},
	}
	cols := e.InferColumns([]string{"id", "note"}, rows)
	require.Len(t, cols, 2)
	assert.Equal(t, models.TypeInt, cols[0].Type)
	assert.False(t, cols[0].Nullable)
	assert.Equal(t, models.TypeString, cols[1].Type)
	assert.True(t, cols[1].Nullable)
	assert.Equal(t, 1, cols[1].Ordinal)
}

func TestConvert(t *testing.T) {
	ts := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   interface{}
		typ  models.ColumnType
		want interface{}
	}{
		{"bytes to int", []byte("42"), models.TypeInt, int64(42)},
		{"uint to int", uint32(7), models.TypeInt, int64(7)},
		{"int to float", int64(3), models.TypeFloat, float64(3)},
		{"decimal text to float", "12.50", models.TypeFloat, 12.5},
		{"tinyint to bool", int64(1), models.TypeBool, true},
		{"text to timestamp", "2024-05-01 08:30:00", models.TypeTimestamp, ts},
		{"map to json", map[string]interface{}{"a": 1}, models.TypeJSON, `{"a":1}`},
		{"time to string", ts, models.TypeString, "2024-05-01T08:30:00Z"},
		{"nil stays nil", nil, models.TypeInt, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Convert(tt.in, tt.typ)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Convert("abc", models.TypeInt)
	assert.Error(t, err)
}

func TestRegistryVersions(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	var changes int
	r.OnSchemaChange(func(string, *CatalogVersion, *CatalogVersion) { changes++ })

	v1 := r.Observe("t", []models.ColumnDescriptor{col("ID", models.TypeInt)})
	assert.Equal(t, 1, v1.Version)

	same := r.Observe("t", []models.ColumnDescriptor{col("ID", models.TypeInt)})
	assert.Equal(t, 1, same.Version)

	v2 := r.ApplyDiff("t", models.SchemaDiff{Added: []models.ColumnDescriptor{col("APPROVED", models.TypeBool)}}, models.UpperCase)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, []string{"ID", "APPROVED"}, models.ColumnNames(v2.Columns))
	assert.Equal(t, 2, changes)

	r.Invalidate("t")
	_, ok := r.Get("t")
	assert.False(t, ok)
}
