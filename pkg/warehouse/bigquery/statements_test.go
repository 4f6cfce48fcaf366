package bigquery

import (
	"net/http"
	"strings"
	"testing"

	"cloud.google.com/go/bigquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/ajitpratap0/tablemirror/pkg/errors"
	"github.com/ajitpratap0/tablemirror/pkg/models"
)

func TestSelectListCastsAndFillsMissingColumns(t *testing.T) {
	catalog := []models.ColumnDescriptor{
		{Name: "id", Type: models.TypeInt},
		{Name: "amount", Type: models.TypeFloat},
		{Name: "legacy", Type: models.TypeString},
		{Name: "doc", Type: models.TypeJSON},
	}
	batch := []models.ColumnDescriptor{
		{Name: "ID", Type: models.TypeInt},
		{Name: "amount", Type: models.TypeInt},
		{Name: "doc", Type: models.TypeJSON},
	}

	names, exprs := selectList(catalog, batch)
	assert.Equal(t, []string{"`id`", "`amount`", "`legacy`", "`doc`"}, names)
	assert.Equal(t, []string{
		"`id` AS `id`",
		"CAST(`amount` AS FLOAT64) AS `amount`",
		"CAST(NULL AS STRING) AS `legacy`",
		"PARSE_JSON(`doc`) AS `doc`",
	}, exprs)
}

func TestInsertScriptIsOneTransaction(t *testing.T) {
	cols := []models.ColumnDescriptor{{Name: "id", Type: models.TypeInt}}
	script := insertScript("`p.d.t`", "`p.d.t__tm_load_1`", "`p.d.m`", cols, cols)

	lines := strings.Split(script, "\n")
	assert.Equal(t, "BEGIN TRANSACTION;", lines[0])
	assert.Equal(t, "COMMIT TRANSACTION;", lines[len(lines)-1])
	assert.Contains(t, script, "INSERT INTO `p.d.t` (`id`) SELECT `id` AS `id` FROM `p.d.t__tm_load_1`;")
	assert.Contains(t, script, "@content_key")
}

func TestFullSelectUnionsFilesWithDifferentSchemas(t *testing.T) {
	catalog := []models.ColumnDescriptor{{Name: "id", Type: models.TypeInt}, {Name: "note", Type: models.TypeString}}
	stmt := fullSelect(catalog, []loadPart{
		{table: "`p.d.t__tm_load_1`", schema: []models.ColumnDescriptor{{Name: "id", Type: models.TypeInt}, {Name: "note", Type: models.TypeInt}}},
		{table: "`p.d.t__tm_load_2`", schema: []models.ColumnDescriptor{{Name: "id", Type: models.TypeInt}}},
	})
	assert.Equal(t,
		"SELECT `id` AS `id`, CAST(`note` AS STRING) AS `note` FROM `p.d.t__tm_load_1`\n"+
			"UNION ALL\n"+
			"SELECT `id` AS `id`, CAST(NULL AS STRING) AS `note` FROM `p.d.t__tm_load_2`",
		stmt)
}

func TestWidenSQL(t *testing.T) {
	stmt := widenSQL("`p.d.t`", []models.ColumnChange{
		{Name: "n", From: models.TypeInt, To: models.TypeString},
		{Name: "j", From: models.TypeJSON, To: models.TypeString},
	})
	assert.Equal(t,
		"CREATE OR REPLACE TABLE `p.d.t` AS SELECT * REPLACE (CAST(`n` AS STRING) AS `n`, TO_JSON_STRING(`j`) AS `j`) FROM `p.d.t`",
		stmt)
}

func TestLoadSchemaReadsJSONAsText(t *testing.T) {
	schema := loadSchema([]models.ColumnDescriptor{{Name: "doc", Type: models.TypeJSON}, {Name: "n", Type: models.TypeInt}})
	assert.Equal(t, bigquery.StringFieldType, schema[0].Type)
	assert.Equal(t, bigquery.IntegerFieldType, schema[1].Type)
}

func TestSchemaRoundTrip(t *testing.T) {
	cols := []models.ColumnDescriptor{
		{Name: "a", Type: models.TypeBool, Nullable: true, Ordinal: 0},
		{Name: "b", Type: models.TypeDate, Nullable: true, Ordinal: 1},
		{Name: "c", Type: models.TypeBinary, Nullable: true, Ordinal: 2},
		{Name: "d", Type: models.TypeJSON, Nullable: true, Ordinal: 3},
	}
	assert.Equal(t, cols, fromSchema(toSchema(cols)))
}

func TestManifestRows(t *testing.T) {
	wm, err := models.ParseWatermark(models.WatermarkInt, "42")
	require.NoError(t, err)
	stmt, params, err := manifestRows("`p.d.m`", []models.ExtractionBatch{
		{TableID: "db.s.t", Sequence: 1, RowCount: 10, File: models.FileHandle{ContentKey: "k1"}},
		{TableID: "db.s.t", Sequence: 2, RowCount: 5, File: models.FileHandle{ContentKey: "k2"},
			WatermarkColumn: "id", MaxWatermark: &wm},
	})
	require.NoError(t, err)
	assert.Contains(t, stmt, "(@table_id_1, @sequence_1, @content_key_1, @row_count_1, @run_id_1, "+
		"@watermark_column_1, @max_watermark_1, CURRENT_TIMESTAMP())")
	require.Len(t, params, 14)
	assert.Equal(t, "k2", params[9].Value)
	assert.Equal(t, bigquery.NullString{}, params[6].Value)
	assert.Equal(t, bigquery.NullString{StringVal: "id", Valid: true}, params[12].Value)
	assert.Equal(t, bigquery.NullString{StringVal: `{"kind":"int","value":"42"}`, Valid: true}, params[13].Value)
}

func TestMissingManifestFields(t *testing.T) {
	old := manifestSchema[:6]
	missing := missingFields(old, manifestSchema)
	require.Len(t, missing, 2)
	assert.Equal(t, "watermark_column", missing[0].Name)
	assert.Equal(t, "max_watermark", missing[1].Name)
	assert.False(t, missing[0].Required)

	assert.Empty(t, missingFields(manifestSchema, manifestSchema))
}

func TestLastCommittedOrdersBySequence(t *testing.T) {
	stmt := lastCommittedSQL("`p.d.m`")
	assert.Contains(t, stmt, "WHERE table_id = @table_id")
	assert.True(t, strings.HasSuffix(stmt, "ORDER BY sequence DESC LIMIT 1"))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want errors.ErrorType
	}{
		{&googleapi.Error{Code: http.StatusServiceUnavailable}, errors.ErrorTypeConnection},
		{&googleapi.Error{Code: http.StatusBadRequest}, errors.ErrorTypeQuery},
		{&googleapi.Error{Code: http.StatusForbidden, Errors: []googleapi.ErrorItem{{Reason: "rateLimitExceeded"}}}, errors.ErrorTypeConnection},
		{&bigquery.Error{Reason: "backendError"}, errors.ErrorTypeConnection},
		{&bigquery.Error{Reason: "invalidQuery"}, errors.ErrorTypeQuery},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errors.TypeOf(classify(tt.err, "x")), tt.err.Error())
	}
}
