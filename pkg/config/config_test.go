package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tablemirror/pkg/errors"
	"github.com/ajitpratap0/tablemirror/pkg/models"
)

const baseDB = `
database_connection:
  engine: postgresql
  host: db.local
  username: reader
  password: secret
  database: shop
`

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TM_HOST", "warehouse.internal")
	t.Setenv("TM_LOOP", "${TM_HOST}")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "host: ${TM_HOST}", "host: warehouse.internal"},
		{"default unused", "host: ${TM_HOST:-x}", "host: warehouse.internal"},
		{"default used", "port: ${TM_MISSING:-5432}", "port: 5432"},
		{"missing", "pw: ${TM_MISSING}", "pw: "},
		{"not rescanned", "v: ${TM_LOOP}", "v: ${TM_HOST}"},
		{"unterminated", "v: ${TM_HOST", "v: ${TM_HOST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, substituteEnvVars(tt.in))
		})
	}
}

func TestLoadReplicationDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "shop.yaml", baseDB+`
tables:
  - table_name: orders
    ingestion_mode: incremental
    incremental_column: id
  - table_name: countries
`)

	r, err := LoadReplication(path)
	require.NoError(t, err)

	assert.Equal(t, "shop", r.Name)
	assert.True(t, r.Enabled)
	assert.Equal(t, 5432, r.Database.Port)
	assert.Equal(t, "public", r.Database.Schema)
	assert.Equal(t, models.FormatCSV, r.Extraction.FileFormat)
	assert.True(t, r.Extraction.DeleteAfterUpload)
	assert.True(t, r.Extraction.UploadRemainingFiles)
	assert.Nil(t, r.Cloud)
	assert.Nil(t, r.Warehouse)
	assert.False(t, r.HasDestination())

	require.Len(t, r.Tables, 2)
	assert.Equal(t, "shop.public.orders", r.Tables[0].ID)
	assert.True(t, r.Tables[0].Replicate)
	assert.Equal(t, models.ModeFullLoad, r.Tables[1].Mode)
	assert.Equal(t, models.FormatCSV, r.Tables[1].FileFormat)
	assert.Equal(t, "countries", r.Tables[1].Target())
}

func TestLoadReplicationMySQLSchemaDefaultsToDatabase(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "erp.yaml", `
database_connection:
  engine: MySQL
  host: db.local
  username: reader
  database: erp
tables:
  - table_name: invoices
`)
	r, err := LoadReplication(path)
	require.NoError(t, err)
	assert.Equal(t, EngineMySQL, r.Database.Engine)
	assert.Equal(t, 3306, r.Database.Port)
	assert.Equal(t, "erp", r.Database.Schema)
	assert.Equal(t, "erp.erp.invoices", r.Tables[0].ID)
}

func TestLoadReplicationOptionalSections(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "shop.yaml", baseDB+`
extraction_file:
  file_format: parquet
  delete_after_upload: false
cloud:
  provider: minio
  bucket: mirror
  endpoint: minio.local:9000
  prefix: /raw/
warehouse:
  type: bigquery
  bigquery:
    project_id: acme
    dataset: mirror
tables:
  - table_name: orders
    file_format: avro
`)
	r, err := LoadReplication(path)
	require.NoError(t, err)

	assert.False(t, r.Extraction.DeleteAfterUpload)
	require.NotNil(t, r.Cloud)
	assert.True(t, r.Cloud.UseSSL)
	assert.Equal(t, "raw", r.Cloud.Prefix)
	require.NotNil(t, r.Warehouse)
	assert.Equal(t, "US", r.Warehouse.BigQuery.Location)
	assert.Equal(t, "tablemirror_manifest", r.Warehouse.ManifestTable)
	assert.Equal(t, models.FormatAvro, r.Tables[0].FileFormat)
}

func TestLoadReplicationLegacySnowflakeSection(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "shop.yaml", baseDB+`
snowflake_connection:
  account: xy123
  user: loader
  password: pw
  role: LOADER
  warehouse: WH
  database: RAW
  schema: SHOP
tables:
  - table_name: orders
`)
	r, err := LoadReplication(path)
	require.NoError(t, err)
	require.NotNil(t, r.Warehouse)
	assert.Equal(t, WarehouseSnowflake, r.Warehouse.Type)
	assert.Equal(t, StageInternal, r.Warehouse.Snowflake.StagesType)
	assert.Equal(t, "TABLEMIRROR_MANIFEST", r.Warehouse.ManifestTable)
}

func TestLoadReplicationFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		msg     string
	}{
		{"unknown engine", `
database_connection:
  engine: oracle
  host: h
  username: u
  database: d
`, "invalid database engine"},
		{"missing host", `
database_connection:
  engine: mysql
  username: u
  database: d
`, "missing host"},
		{"bad format", baseDB + `
extraction_file:
  file_format: xlsx
`, "invalid file format"},
		{"bad provider", baseDB + `
cloud:
  provider: azure
  bucket: b
`, "invalid cloud provider"},
		{"external stage without cloud", baseDB + `
warehouse:
  type: snowflake
  snowflake:
    account: a
    user: u
    password: p
    role: r
    warehouse: w
    database: d
    schema: s
    stages_type: external
`, "external stages require"},
		{"snowflake missing fields", baseDB + `
warehouse:
  type: snowflake
  snowflake:
    account: a
`, "missing user, password, role, warehouse, database, schema"},
		{"broken yaml", "tables: [", "parse YAML"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), "bad.yaml", tt.content)
			_, err := LoadReplication(path)
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestLoadReplicationRejectsInvalidTables(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "shop.yaml", baseDB+`
tables:
  - table_name: orders
    ingestion_mode: incremental
  - table_name: items
    ingestion_mode: incremental
    incremental_column: updated_at
    fields: [id, name]
  - table_name: users
    ingestion_mode: snapshot
  - table_name: payments
  - table_name: payments
`)
	r, err := LoadReplication(path)
	require.NoError(t, err)

	require.Len(t, r.Tables, 1)
	assert.Equal(t, "payments", r.Tables[0].Name)

	require.Len(t, r.Rejected, 4)
	for _, rej := range r.Rejected {
		assert.True(t, errors.IsType(rej.Err, errors.ErrorTypeConfig), rej.TableID)
	}
	assert.Contains(t, r.Rejected[1].Err.Error(), "must be listed in fields")
	assert.Contains(t, r.Rejected[3].Err.Error(), "defined more than once")
}

func TestTableConfigValidateFieldsCaseInsensitive(t *testing.T) {
	tc := TableConfig{
		Name:              "orders",
		Mode:              models.ModeIncremental,
		IncrementalColumn: "ID",
		Fields:            []string{"id", "approved"},
		FileFormat:        models.FormatCSV,
	}
	assert.NoError(t, tc.Validate())
}

func TestProviderEnabledFlags(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "a_shop.yaml", baseDB+`
tables:
  - table_name: orders
  - table_name: items
    replicate: false
`)
	writeConfig(t, dir, "b_off.yml", `
config_enabled: false
database_connection:
  engine: mysql
  host: h
  username: u
  database: erp
tables:
  - table_name: invoices
`)
	writeConfig(t, dir, "c_broken.yaml", "database_connection: {engine: db2}")
	writeConfig(t, dir, "notes.txt", "ignored")

	p, err := NewProvider(dir)
	require.NoError(t, err)

	assert.Len(t, p.Replications(), 2)
	assert.Len(t, p.Problems(), 1)
	assert.True(t, p.Enabled("shop.public.orders"))
	assert.False(t, p.Enabled("shop.public.items"))
	assert.False(t, p.Enabled("erp.erp.invoices"))
	assert.False(t, p.Enabled("unknown"))

	_, tc, ok := p.Table("shop.public.items")
	require.True(t, ok)
	assert.False(t, tc.Replicate)
}

func TestProviderRefreshRereadsOnlyFlags(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "shop.yaml", baseDB+`
tables:
  - table_name: orders
    batch_size: 10
`)
	p, err := NewProvider(dir)
	require.NoError(t, err)
	require.True(t, p.Enabled("shop.public.orders"))

	writeConfig(t, dir, "shop.yaml", baseDB+`
tables:
  - table_name: orders
    batch_size: 99
    replicate: false
  - table_name: late_arrival
`)
	require.NoError(t, p.Refresh())

	assert.False(t, p.Enabled("shop.public.orders"))
	assert.False(t, p.Enabled("shop.public.late_arrival"))
	_, tc, ok := p.Table("shop.public.orders")
	require.True(t, ok)
	assert.Equal(t, 10, tc.BatchSize)

	require.NoError(t, os.WriteFile(path, []byte("tables: ["), 0o600))
	err = p.Refresh()
	require.Error(t, err)
	assert.False(t, p.Enabled("shop.public.orders"))
}

func TestNewProviderEmptyDirectory(t *testing.T) {
	_, err := NewProvider(t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestLoadSettingsFromEnv(t *testing.T) {
	t.Setenv("TABLEMIRROR_MAX_WORKERS", "3")
	t.Setenv("TABLEMIRROR_RETRY_INITIAL_DELAY", "250ms")

	s, err := LoadSettings(NewViper(), "")
	require.NoError(t, err)
	assert.Equal(t, 3, s.MaxWorkers)
	assert.Equal(t, 250*time.Millisecond, s.Retry.InitialDelay)
	assert.Equal(t, 5, s.Retry.MaxAttempts)
	assert.Equal(t, "configs", s.ConfigsPath)
}

func TestLoadSettingsFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "settings.yaml", `
max_workers: 0
`)
	_, err := LoadSettings(NewViper(), path)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}
