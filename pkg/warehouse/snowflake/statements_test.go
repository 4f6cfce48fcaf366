package snowflake

import (
	"testing"

	"github.com/snowflakedb/gosnowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tablemirror/pkg/config"
	"github.com/ajitpratap0/tablemirror/pkg/errors"
	"github.com/ajitpratap0/tablemirror/pkg/models"
)

func TestCreateTableSQL(t *testing.T) {
	stmt := createTableSQL(`"DB"."PUBLIC"."ORDERS"`, []models.ColumnDescriptor{
		{Name: "ID", Type: models.TypeInt},
		{Name: "PAYLOAD", Type: models.TypeJSON},
		{Name: "CREATED_AT", Type: models.TypeTimestamp},
	})
	assert.Equal(t,
		`CREATE TABLE IF NOT EXISTS "DB"."PUBLIC"."ORDERS" ("ID" NUMBER(38,0), "PAYLOAD" VARIANT, "CREATED_AT" TIMESTAMP_NTZ)`,
		stmt)
}

func TestAddColumnSQL(t *testing.T) {
	assert.Equal(t,
		`ALTER TABLE "T" ADD COLUMN IF NOT EXISTS "APPROVED" BOOLEAN`,
		addColumnSQL(`"T"`, models.ColumnDescriptor{Name: "APPROVED", Type: models.TypeBool}))
}

func TestWidenSQL(t *testing.T) {
	stmts := widenSQL(`"T"`, `"T__TM_WIDEN"`, []models.ColumnChange{
		{Name: "AMOUNT", From: models.TypeInt, To: models.TypeFloat},
		{Name: "DOC", From: models.TypeJSON, To: models.TypeString},
	})
	require.Len(t, stmts, 3)
	assert.Equal(t,
		`CREATE OR REPLACE TABLE "T__TM_WIDEN" AS SELECT * REPLACE (CAST("AMOUNT" AS FLOAT) AS "AMOUNT", TO_JSON("DOC") AS "DOC") FROM "T"`,
		stmts[0])
	assert.Equal(t, `ALTER TABLE "T" SWAP WITH "T__TM_WIDEN"`, stmts[1])
}

func TestCastExpr(t *testing.T) {
	assert.Equal(t, `TO_VARCHAR("D")`, castExpr("D", models.TypeDate, models.TypeString))
	assert.Equal(t, `CASE WHEN "B" THEN 1 WHEN NOT "B" THEN 0 END`, castExpr("B", models.TypeBool, models.TypeInt))
	assert.Equal(t, `CAST("D" AS TIMESTAMP_NTZ)`, castExpr("D", models.TypeDate, models.TypeTimestamp))
}

func TestCopySQLTargetsSingleFile(t *testing.T) {
	stmt := copySQL(`"T"`, `@"DB"."S"."TABLEMIRROR_STAGE"/db.s.t/000000000002.csv.gz`, "DB.S.TABLEMIRROR_CSV")
	assert.Equal(t,
		`COPY INTO "T" FROM @"DB"."S"."TABLEMIRROR_STAGE"/db.s.t/ FILES = ('000000000002.csv.gz') `+
			`FILE_FORMAT = (FORMAT_NAME = 'DB.S.TABLEMIRROR_CSV') MATCH_BY_COLUMN_NAME = CASE_INSENSITIVE FORCE = TRUE ON_ERROR = ABORT_STATEMENT`,
		stmt)
}

func TestPutSQLEscapesPath(t *testing.T) {
	assert.Equal(t,
		`PUT 'file:///data/o''brien/1.csv' @"S"/t/ AUTO_COMPRESS = FALSE OVERWRITE = TRUE`,
		putSQL("/data/o'brien/1.csv", `@"S"/t`))
}

func TestStageDDL(t *testing.T) {
	assert.Equal(t, `CREATE STAGE IF NOT EXISTS "S"`, stageDDL(`"S"`, "", ""))
	assert.Equal(t,
		`CREATE STAGE IF NOT EXISTS "S" URL = 's3://bucket/raw/' STORAGE_INTEGRATION = "INT"`,
		stageDDL(`"S"`, "s3://bucket/raw/", "INT"))
}

func TestStageURL(t *testing.T) {
	assert.Equal(t, "s3://landing/raw/", StageURL(config.CloudConfig{Provider: config.ProviderAWS, Bucket: "landing", Prefix: "/raw/"}))
	assert.Equal(t, "gcs://landing/", StageURL(config.CloudConfig{Provider: config.ProviderGCP, Bucket: "landing"}))
}

func TestLatticeType(t *testing.T) {
	assert.Equal(t, models.TypeInt, latticeType("NUMBER", 0))
	assert.Equal(t, models.TypeFloat, latticeType("NUMBER", 2))
	assert.Equal(t, models.TypeJSON, latticeType("VARIANT", 0))
	assert.Equal(t, models.TypeString, latticeType("TEXT", 0))
	assert.Equal(t, models.TypeTimestamp, latticeType("TIMESTAMP_LTZ", 0))
}

func TestManifestDDLUpgradesOlderTables(t *testing.T) {
	stmts := manifestDDL(`"DB"."PUBLIC"."TM_MANIFEST"`)
	require.Len(t, stmts, 3)
	assert.Contains(t, stmts[0], "MAX_WATERMARK VARCHAR")
	assert.Equal(t, `ALTER TABLE "DB"."PUBLIC"."TM_MANIFEST" ADD COLUMN IF NOT EXISTS WATERMARK_COLUMN VARCHAR`, stmts[1])
	assert.Equal(t, `ALTER TABLE "DB"."PUBLIC"."TM_MANIFEST" ADD COLUMN IF NOT EXISTS MAX_WATERMARK VARCHAR`, stmts[2])
}

func TestLastCommittedSQL(t *testing.T) {
	assert.Equal(t,
		`SELECT SEQUENCE, CONTENT_KEY, ROW_COUNT, WATERMARK_COLUMN, MAX_WATERMARK, COMMITTED_AT FROM "M" WHERE TABLE_ID = ? ORDER BY SEQUENCE DESC LIMIT 1`,
		lastCommittedSQL(`"M"`))
}

func TestClassify(t *testing.T) {
	var err error = classify(&gosnowflake.SnowflakeError{Number: 390114}, "x")
	assert.True(t, errors.IsRetryable(err))

	err = classify(&gosnowflake.SnowflakeError{Number: 2003, SQLState: "42S02"}, "x")
	assert.True(t, errors.IsType(err, errors.ErrorTypeQuery))

	err = classifyDDL(&gosnowflake.SnowflakeError{Number: 100038, SQLState: "22018"}, "ALTER")
	assert.True(t, errors.IsType(err, errors.ErrorTypeCast))
}

func TestDSN(t *testing.T) {
	dsn, err := DSN(config.SnowflakeConfig{Account: "acme-xy123", User: "loader", Password: "pw", Database: "RAW", Schema: "PUBLIC", Warehouse: "LOAD_WH"})
	require.NoError(t, err)
	assert.Contains(t, dsn, "loader:pw@acme-xy123")
	assert.Contains(t, dsn, "warehouse=LOAD_WH")
}
