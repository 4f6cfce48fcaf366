package bigquery

import (
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"

	"github.com/ajitpratap0/tablemirror/pkg/models"
	"github.com/ajitpratap0/tablemirror/pkg/warehouse"
)

const (
	loadTableSuffix = "__tm_load"
	fullTableSuffix = "__tm_full"
)

func quote(id string) string {
	return "`" + strings.ReplaceAll(id, "`", "\\`") + "`"
}

func fieldType(t models.ColumnType) bigquery.FieldType {
	switch t {
	case models.TypeBool:
		return bigquery.BooleanFieldType
	case models.TypeInt:
		return bigquery.IntegerFieldType
	case models.TypeFloat:
		return bigquery.FloatFieldType
	case models.TypeDate:
		return bigquery.DateFieldType
	case models.TypeTimestamp:
		return bigquery.TimestampFieldType
	case models.TypeJSON:
		return bigquery.JSONFieldType
	case models.TypeBinary:
		return bigquery.BytesFieldType
	default:
		return bigquery.StringFieldType
	}
}

// sqlType is the GoogleSQL name of a lattice type.
func sqlType(t models.ColumnType) string {
	switch t {
	case models.TypeBool:
		return "BOOL"
	case models.TypeInt:
		return "INT64"
	case models.TypeFloat:
		return "FLOAT64"
	case models.TypeDate:
		return "DATE"
	case models.TypeTimestamp:
		return "TIMESTAMP"
	case models.TypeJSON:
		return "JSON"
	case models.TypeBinary:
		return "BYTES"
	default:
		return "STRING"
	}
}

func latticeType(t bigquery.FieldType) models.ColumnType {
	switch t {
	case bigquery.BooleanFieldType:
		return models.TypeBool
	case bigquery.IntegerFieldType:
		return models.TypeInt
	case bigquery.FloatFieldType, bigquery.NumericFieldType, bigquery.BigNumericFieldType:
		return models.TypeFloat
	case bigquery.DateFieldType:
		return models.TypeDate
	case bigquery.TimestampFieldType, bigquery.DateTimeFieldType:
		return models.TypeTimestamp
	case bigquery.JSONFieldType:
		return models.TypeJSON
	case bigquery.BytesFieldType:
		return models.TypeBinary
	}
	return models.TypeString
}

// toSchema builds a table schema with every column nullable.
func toSchema(cols []models.ColumnDescriptor) bigquery.Schema {
	schema := make(bigquery.Schema, len(cols))
	for i, c := range cols {
		schema[i] = &bigquery.FieldSchema{Name: c.Name, Type: fieldType(c.Type)}
	}
	return schema
}

// loadSchema is the schema of a csv load table. JSON is loaded as text and
// parsed when inserted.
func loadSchema(cols []models.ColumnDescriptor) bigquery.Schema {
	schema := toSchema(cols)
	for _, f := range schema {
		if f.Type == bigquery.JSONFieldType {
			f.Type = bigquery.StringFieldType
		}
	}
	return schema
}

func fromSchema(schema bigquery.Schema) []models.ColumnDescriptor {
	cols := make([]models.ColumnDescriptor, len(schema))
	for i, f := range schema {
		cols[i] = models.ColumnDescriptor{
			Name:     f.Name,
			Type:     latticeType(f.Type),
			Nullable: !f.Required,
			Ordinal:  i,
		}
	}
	return cols
}

// convertExpr reads a loaded column as the catalog type.
func convertExpr(name string, from, to models.ColumnType) string {
	col := quote(name)
	switch {
	case to == models.TypeJSON:
		return "PARSE_JSON(" + col + ")"
	case from == to:
		return col
	case from == models.TypeJSON && to == models.TypeString:
		return "TO_JSON_STRING(" + col + ")"
	}
	return fmt.Sprintf("CAST(%s AS %s)", col, sqlType(to))
}

// selectList maps the catalog columns onto a load table holding batch.
// Catalog columns absent from the batch are filled with typed nulls.
func selectList(catalog, batch []models.ColumnDescriptor) (names, exprs []string) {
	byName := make(map[string]models.ColumnDescriptor, len(batch))
	for _, c := range batch {
		byName[strings.ToLower(c.Name)] = c
	}
	for _, c := range catalog {
		names = append(names, quote(c.Name))
		b, ok := byName[strings.ToLower(c.Name)]
		if !ok {
			exprs = append(exprs, fmt.Sprintf("CAST(NULL AS %s) AS %s", sqlType(c.Type), quote(c.Name)))
			continue
		}
		from := b.Type
		if from == models.TypeJSON && c.Type == models.TypeJSON {
			from = models.TypeString
		}
		exprs = append(exprs, convertExpr(c.Name, from, c.Type)+" AS "+quote(c.Name))
	}
	return names, exprs
}

// insertScript appends the load table to the target and records the
// manifest row in one transaction.
func insertScript(target, load, manifest string, catalog, batch []models.ColumnDescriptor) string {
	names, exprs := selectList(catalog, batch)
	return fmt.Sprintf(`BEGIN TRANSACTION;
INSERT INTO %s (%s) SELECT %s FROM %s;
INSERT INTO %s (table_id, sequence, content_key, row_count, run_id, watermark_column, max_watermark, committed_at)
VALUES (@table_id, @sequence, @content_key, @row_count, @run_id, @watermark_column, @max_watermark, CURRENT_TIMESTAMP());
COMMIT TRANSACTION;`,
		target, strings.Join(names, ", "), strings.Join(exprs, ", "), load, manifest)
}

// loadPart is one loaded file of a full load.
type loadPart struct {
	table  string
	schema []models.ColumnDescriptor
}

// fullSelect reads the load tables as the complete catalog.
func fullSelect(catalog []models.ColumnDescriptor, parts []loadPart) string {
	selects := make([]string, len(parts))
	for i, p := range parts {
		_, exprs := selectList(catalog, p.schema)
		selects[i] = fmt.Sprintf("SELECT %s FROM %s", strings.Join(exprs, ", "), p.table)
	}
	return strings.Join(selects, "\nUNION ALL\n")
}

func widenSQL(table string, changes []models.ColumnChange) string {
	replace := make([]string, len(changes))
	for i, ch := range changes {
		replace[i] = convertExpr(ch.Name, ch.From, ch.To) + " AS " + quote(ch.Name)
	}
	return fmt.Sprintf("CREATE OR REPLACE TABLE %s AS SELECT * REPLACE (%s) FROM %s", table, strings.Join(replace, ", "), table)
}

var manifestSchema = bigquery.Schema{
	{Name: "table_id", Type: bigquery.StringFieldType, Required: true},
	{Name: "sequence", Type: bigquery.IntegerFieldType, Required: true},
	{Name: "content_key", Type: bigquery.StringFieldType, Required: true},
	{Name: "row_count", Type: bigquery.IntegerFieldType},
	{Name: "run_id", Type: bigquery.StringFieldType},
	{Name: "committed_at", Type: bigquery.TimestampFieldType},
	{Name: "watermark_column", Type: bigquery.StringFieldType},
	{Name: "max_watermark", Type: bigquery.StringFieldType},
}

// missingFields returns the fields of want that have no match in have.
func missingFields(have, want bigquery.Schema) bigquery.Schema {
	names := make(map[string]bool, len(have))
	for _, f := range have {
		names[strings.ToLower(f.Name)] = true
	}
	var out bigquery.Schema
	for _, f := range want {
		if !names[strings.ToLower(f.Name)] {
			// added columns must be nullable
			out = append(out, &bigquery.FieldSchema{Name: f.Name, Type: f.Type})
		}
	}
	return out
}

// manifestParams are the query parameters of one manifest row, suffixed
// with suffix.
func manifestParams(b models.ExtractionBatch, suffix string) ([]bigquery.QueryParameter, error) {
	wm, err := warehouse.EncodeWatermark(b.MaxWatermark)
	if err != nil {
		return nil, err
	}
	return []bigquery.QueryParameter{
		{Name: "table_id" + suffix, Value: b.TableID},
		{Name: "sequence" + suffix, Value: b.Sequence},
		{Name: "content_key" + suffix, Value: b.File.ContentKey},
		{Name: "row_count" + suffix, Value: int64(b.RowCount)},
		{Name: "run_id" + suffix, Value: b.RunID},
		{Name: "watermark_column" + suffix, Value: nullString(b.WatermarkColumn)},
		{Name: "max_watermark" + suffix, Value: nullString(wm)},
	}, nil
}

func nullString(s string) bigquery.NullString {
	return bigquery.NullString{StringVal: s, Valid: s != ""}
}

// manifestRows builds a multi-row insert for batches.
func manifestRows(manifest string, batches []models.ExtractionBatch) (string, []bigquery.QueryParameter, error) {
	values := make([]string, len(batches))
	params := make([]bigquery.QueryParameter, 0, len(batches)*7)
	for i, b := range batches {
		values[i] = fmt.Sprintf("(@table_id_%[1]d, @sequence_%[1]d, @content_key_%[1]d, @row_count_%[1]d, @run_id_%[1]d, "+
			"@watermark_column_%[1]d, @max_watermark_%[1]d, CURRENT_TIMESTAMP())", i)
		p, err := manifestParams(b, fmt.Sprintf("_%d", i))
		if err != nil {
			return "", nil, err
		}
		params = append(params, p...)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (table_id, sequence, content_key, row_count, run_id, watermark_column, max_watermark, committed_at) VALUES %s",
		manifest, strings.Join(values, ", "))
	return stmt, params, nil
}

func lastCommittedSQL(manifest string) string {
	return fmt.Sprintf("SELECT sequence, content_key, row_count, watermark_column, max_watermark, committed_at "+
		"FROM %s WHERE table_id = @table_id ORDER BY sequence DESC LIMIT 1", manifest)
}
