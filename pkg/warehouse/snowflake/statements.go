package snowflake

import (
	"fmt"
	"path"
	"strings"

	"github.com/ajitpratap0/tablemirror/pkg/models"
)

// Object names created in the target schema.
const (
	stageName       = "TABLEMIRROR_STAGE"
	loadTableSuffix = "__TM_LOAD"
	widenSuffix     = "__TM_WIDEN"
)

func quote(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func literal(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// columnType maps a lattice type to a Snowflake column type.
func columnType(t models.ColumnType) string {
	switch t {
	case models.TypeBool:
		return "BOOLEAN"
	case models.TypeInt:
		return "NUMBER(38,0)"
	case models.TypeFloat:
		return "FLOAT"
	case models.TypeDate:
		return "DATE"
	case models.TypeTimestamp:
		return "TIMESTAMP_NTZ"
	case models.TypeJSON:
		return "VARIANT"
	case models.TypeBinary:
		return "BINARY"
	default:
		return "VARCHAR"
	}
}

// latticeType maps an information_schema DATA_TYPE back to the lattice.
func latticeType(dataType string, scale int64) models.ColumnType {
	switch strings.ToUpper(dataType) {
	case "BOOLEAN":
		return models.TypeBool
	case "NUMBER", "DECIMAL", "NUMERIC", "INT", "INTEGER", "BIGINT", "SMALLINT":
		if scale == 0 {
			return models.TypeInt
		}
		return models.TypeFloat
	case "FLOAT", "FLOAT4", "FLOAT8", "DOUBLE", "REAL":
		return models.TypeFloat
	case "DATE":
		return models.TypeDate
	case "TIMESTAMP_NTZ", "TIMESTAMP_LTZ", "TIMESTAMP_TZ", "TIMESTAMP", "DATETIME":
		return models.TypeTimestamp
	case "VARIANT", "OBJECT", "ARRAY":
		return models.TypeJSON
	case "BINARY", "VARBINARY":
		return models.TypeBinary
	}
	return models.TypeString
}

func fileFormatName(f models.FileFormat) string {
	return "TABLEMIRROR_" + strings.ToUpper(string(f))
}

// fileFormatDDL returns the named file formats every load refers to.
func fileFormatDDL(schema string) []string {
	return []string{
		fmt.Sprintf(`CREATE FILE FORMAT IF NOT EXISTS %s.%s TYPE = CSV FIELD_DELIMITER = '|' PARSE_HEADER = TRUE `+
			`FIELD_OPTIONALLY_ENCLOSED_BY = '"' EMPTY_FIELD_AS_NULL = TRUE ERROR_ON_COLUMN_COUNT_MISMATCH = FALSE COMPRESSION = AUTO`,
			schema, quote(fileFormatName(models.FormatCSV))),
		fmt.Sprintf(`CREATE FILE FORMAT IF NOT EXISTS %s.%s TYPE = PARQUET`, schema, quote(fileFormatName(models.FormatParquet))),
		fmt.Sprintf(`CREATE FILE FORMAT IF NOT EXISTS %s.%s TYPE = AVRO`, schema, quote(fileFormatName(models.FormatAvro))),
	}
}

// stageDDL creates the internal stage, or an external stage over url when
// one is given.
func stageDDL(stage, url, integration string) string {
	if url == "" {
		return fmt.Sprintf("CREATE STAGE IF NOT EXISTS %s", stage)
	}
	return fmt.Sprintf("CREATE STAGE IF NOT EXISTS %s URL = %s STORAGE_INTEGRATION = %s",
		stage, literal(url), quote(integration))
}

// manifestDDL creates the manifest table and adds the watermark columns to
// manifests created before they existed.
func manifestDDL(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	TABLE_ID VARCHAR NOT NULL,
	SEQUENCE NUMBER(38,0) NOT NULL,
	CONTENT_KEY VARCHAR NOT NULL,
	ROW_COUNT NUMBER(38,0),
	RUN_ID VARCHAR,
	WATERMARK_COLUMN VARCHAR,
	MAX_WATERMARK VARCHAR,
	COMMITTED_AT TIMESTAMP_NTZ DEFAULT CURRENT_TIMESTAMP()
)`, table),
		fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS WATERMARK_COLUMN VARCHAR", table),
		fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS MAX_WATERMARK VARCHAR", table),
	}
}

func createTableSQL(table string, cols []models.ColumnDescriptor) string {
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = quote(c.Name) + " " + columnType(c.Type)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, strings.Join(defs, ", "))
}

func addColumnSQL(table string, c models.ColumnDescriptor) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", table, quote(c.Name), columnType(c.Type))
}

// castExpr converts column name from one lattice type to a wider one.
func castExpr(name string, from, to models.ColumnType) string {
	col := quote(name)
	switch {
	case to == models.TypeString && from == models.TypeJSON:
		return "TO_JSON(" + col + ")"
	case to == models.TypeString:
		return "TO_VARCHAR(" + col + ")"
	case from == models.TypeBool && to == models.TypeInt:
		return fmt.Sprintf("CASE WHEN %s THEN 1 WHEN NOT %s THEN 0 END", col, col)
	}
	return fmt.Sprintf("CAST(%s AS %s)", col, columnType(to))
}

// widenSQL rebuilds the table with the widened columns converted, swaps it
// in and drops the old copy. ALTER COLUMN cannot change a type family in
// Snowflake, so the conversion goes through a copy.
func widenSQL(table, scratch string, changes []models.ColumnChange) []string {
	replace := make([]string, len(changes))
	for i, ch := range changes {
		replace[i] = castExpr(ch.Name, ch.From, ch.To) + " AS " + quote(ch.Name)
	}
	return []string{
		fmt.Sprintf("CREATE OR REPLACE TABLE %s AS SELECT * REPLACE (%s) FROM %s", scratch, strings.Join(replace, ", "), table),
		fmt.Sprintf("ALTER TABLE %s SWAP WITH %s", table, scratch),
		fmt.Sprintf("DROP TABLE IF EXISTS %s", scratch),
	}
}

func putSQL(localPath, stageDir string) string {
	return fmt.Sprintf("PUT %s %s AUTO_COMPRESS = FALSE OVERWRITE = TRUE",
		literal("file://"+localPath), stageDir+"/")
}

// copySQL loads exactly one staged file. FORCE reloads files the stage load
// history already knows; duplicates are prevented by the manifest instead.
func copySQL(table, location, fileFormat string) string {
	dir, file := path.Split(location)
	return fmt.Sprintf("COPY INTO %s FROM %s FILES = (%s) FILE_FORMAT = (FORMAT_NAME = %s) "+
		"MATCH_BY_COLUMN_NAME = CASE_INSENSITIVE FORCE = TRUE ON_ERROR = ABORT_STATEMENT",
		table, dir, literal(file), literal(fileFormat))
}

func manifestInsertSQL(table string) string {
	return fmt.Sprintf("INSERT INTO %s (TABLE_ID, SEQUENCE, CONTENT_KEY, ROW_COUNT, RUN_ID, WATERMARK_COLUMN, MAX_WATERMARK) "+
		"VALUES (?, ?, ?, ?, ?, ?, ?)", table)
}

func lastCommittedSQL(table string) string {
	return fmt.Sprintf("SELECT SEQUENCE, CONTENT_KEY, ROW_COUNT, WATERMARK_COLUMN, MAX_WATERMARK, COMMITTED_AT "+
		"FROM %s WHERE TABLE_ID = ? ORDER BY SEQUENCE DESC LIMIT 1", table)
}
