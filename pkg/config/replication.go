package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/tablemirror/pkg/errors"
	"github.com/ajitpratap0/tablemirror/pkg/models"
)

// Source database engines.
const (
	EnginePostgres = "postgresql"
	EngineMySQL    = "mysql"
)

// Object storage providers.
const (
	ProviderAWS   = "aws"
	ProviderGCP   = "gcp"
	ProviderMinIO = "minio"
)

// Warehouse types.
const (
	WarehouseSnowflake = "snowflake"
	WarehouseBigQuery  = "bigquery"
)

// Snowflake stage types.
const (
	StageInternal = "internal"
	StageExternal = "external"
)

// CompressionGzip is the only compression applied to extracted files.
const CompressionGzip = "gzip"

// Replication is one replication YAML file: a source database, where its
// extracted files go and which tables are mirrored.
type Replication struct {
	// Name is the file's base name without extension
	Name string `yaml:"-"`
	// Path is the file the config was loaded from
	Path string `yaml:"-"`

	Enabled    bool               `yaml:"config_enabled"`
	Database   DatabaseConnection `yaml:"database_connection"`
	Extraction ExtractionFile     `yaml:"extraction_file"`
	Cloud      *CloudConfig       `yaml:"cloud,omitempty"`
	Warehouse  *WarehouseConfig   `yaml:"warehouse,omitempty"`
	Tables     []TableConfig      `yaml:"tables"`

	// Snowflake is the legacy top-level form of warehouse.snowflake
	Snowflake *SnowflakeConfig `yaml:"snowflake_connection,omitempty"`

	// Rejected lists tables that failed validation. They are never scheduled.
	Rejected []Rejection `yaml:"-"`
}

// Rejection is a table whose configuration is invalid.
type Rejection struct {
	TableID string
	Err     error
}

// DatabaseConnection holds the source database settings.
type DatabaseConnection struct {
	Engine         string `yaml:"engine"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	Database       string `yaml:"database"`
	Schema         string `yaml:"schema"`
	SSLMode        string `yaml:"ssl_mode"`
	MaxConnections int    `yaml:"max_connections"`
}

// ExtractionFile holds the local file sink settings.
type ExtractionFile struct {
	FileFormat            models.FileFormat `yaml:"file_format"`
	Compression           string            `yaml:"compression"`
	LocalStorageDirectory string            `yaml:"local_storage_directory"`
	// DeleteAfterUpload removes local files once their batch is committed
	DeleteAfterUpload bool `yaml:"delete_after_upload"`
	// UploadRemainingFiles replays pending files once a destination exists
	UploadRemainingFiles bool `yaml:"upload_remaining_files"`
}

// CloudConfig holds the object storage settings.
type CloudConfig struct {
	Provider        string `yaml:"provider"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKey       string `yaml:"access_key"`
	SecretKey       string `yaml:"secret_key"`
	UseSSL          bool   `yaml:"use_ssl"`
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
}

// UnmarshalYAML applies the cloud defaults before decoding.
func (c *CloudConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain CloudConfig
	p := plain{UseSSL: true}
	if err := node.Decode(&p); err != nil {
		return err
	}
	*c = CloudConfig(p)
	return nil
}

// WarehouseConfig selects and configures the target warehouse.
type WarehouseConfig struct {
	Type      string           `yaml:"type"`
	Snowflake *SnowflakeConfig `yaml:"snowflake,omitempty"`
	BigQuery  *BigQueryConfig  `yaml:"bigquery,omitempty"`
	// ManifestTable is the warehouse-side table recording committed files
	ManifestTable string `yaml:"manifest_table"`
}

// SnowflakeConfig holds the Snowflake connection and staging settings.
type SnowflakeConfig struct {
	Account            string `yaml:"account"`
	User               string `yaml:"user"`
	Password           string `yaml:"password"`
	Role               string `yaml:"role"`
	Warehouse          string `yaml:"warehouse"`
	Database           string `yaml:"database"`
	Schema             string `yaml:"schema"`
	StagesType         string `yaml:"stages_type"`
	StorageIntegration string `yaml:"storage_integration"`
}

// BigQueryConfig holds the BigQuery connection settings.
type BigQueryConfig struct {
	ProjectID       string `yaml:"project_id"`
	Dataset         string `yaml:"dataset"`
	Location        string `yaml:"location"`
	CredentialsFile string `yaml:"credentials_file"`
}

// TableConfig describes one mirrored table.
type TableConfig struct {
	// ID is "<database>.<schema>.<table>" and keys all durable state
	ID string `yaml:"-"`
	// Schema is the resolved source schema
	Schema string `yaml:"-"`

	Name              string               `yaml:"table_name"`
	TargetName        string               `yaml:"target_table"`
	Mode              models.IngestionMode `yaml:"ingestion_mode"`
	IncrementalColumn string               `yaml:"incremental_column"`
	InitialWatermark  string               `yaml:"initial_watermark"`
	Fields            []string             `yaml:"fields"`
	Where             string               `yaml:"where"`
	BatchSize         int                  `yaml:"batch_size"`
	FileFormat        models.FileFormat    `yaml:"file_format"`
	Replicate         bool                 `yaml:"replicate"`
}

// UnmarshalYAML applies the table defaults before decoding.
func (t *TableConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain TableConfig
	p := plain{Replicate: true, Mode: models.ModeFullLoad}
	if err := node.Decode(&p); err != nil {
		return err
	}
	*t = TableConfig(p)
	return nil
}

// Validate checks the table definition on its own.
func (t *TableConfig) Validate() error {
	if t.Name == "" {
		return errors.New(errors.ErrorTypeConfig, "table_name is required")
	}
	if _, err := models.ParseIngestionMode(string(t.Mode)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("table %s", t.Name))
	}
	if _, err := models.ParseFileFormat(string(t.FileFormat)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("table %s", t.Name))
	}
	if t.BatchSize < 0 {
		return errors.Newf(errors.ErrorTypeConfig, "table %s: batch_size must not be negative", t.Name)
	}

	if t.Mode == models.ModeIncremental {
		if t.IncrementalColumn == "" {
			return errors.Newf(errors.ErrorTypeConfig, "table %s: incremental_column is required in incremental mode", t.Name)
		}
		if len(t.Fields) > 0 && !containsFold(t.Fields, t.IncrementalColumn) {
			return errors.Newf(errors.ErrorTypeConfig,
				"table %s: incremental_column %q must be listed in fields", t.Name, t.IncrementalColumn)
		}
	}
	return nil
}

// Target returns the warehouse table name.
func (t *TableConfig) Target() string {
	if t.TargetName != "" {
		return t.TargetName
	}
	return t.Name
}

// TableID builds the identifier keying a table's durable state.
func TableID(database, schema, table string) string {
	return database + "." + schema + "." + table
}

// HasDestination reports whether extracted files leave the local disk.
func (r *Replication) HasDestination() bool {
	return r.Cloud != nil || r.Warehouse != nil
}

// ActiveTables returns the valid tables with replicate enabled.
func (r *Replication) ActiveTables() []TableConfig {
	if !r.Enabled {
		return nil
	}
	var out []TableConfig
	for _, t := range r.Tables {
		if t.Replicate {
			out = append(out, t)
		}
	}
	return out
}

// LoadReplication reads, resolves and validates one replication file.
// File-level problems are returned as ConfigErrors; table-level problems
// move the table into Rejected.
func LoadReplication(path string) (*Replication, error) {
	r := &Replication{
		Enabled: true,
		Extraction: ExtractionFile{
			FileFormat:            models.FormatCSV,
			LocalStorageDirectory: "data",
			DeleteAfterUpload:     true,
			UploadRemainingFiles:  true,
		},
	}
	if err := Load(path, r); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("load %s", path))
	}

	r.Path = path
	r.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	if err := r.resolve(); err != nil {
		return nil, errors.Propagate(err, r.Name)
	}
	return r, nil
}

func (r *Replication) resolve() error {
	if err := r.resolveDatabase(); err != nil {
		return err
	}
	if err := r.resolveExtraction(); err != nil {
		return err
	}
	if err := r.resolveCloud(); err != nil {
		return err
	}
	if err := r.resolveWarehouse(); err != nil {
		return err
	}
	r.resolveTables()
	return nil
}

func (r *Replication) resolveDatabase() error {
	db := &r.Database
	db.Engine = strings.ToLower(db.Engine)
	switch db.Engine {
	case EnginePostgres, "postgres":
		db.Engine = EnginePostgres
		if db.Port == 0 {
			db.Port = 5432
		}
		if db.Schema == "" {
			db.Schema = "public"
		}
		if db.SSLMode == "" {
			db.SSLMode = "prefer"
		}
	case EngineMySQL:
		if db.Port == 0 {
			db.Port = 3306
		}
		if db.Schema == "" {
			db.Schema = db.Database
		}
	case "":
		return errors.New(errors.ErrorTypeConfig, "database_connection.engine is required")
	default:
		return errors.Newf(errors.ErrorTypeConfig,
			"invalid database engine %q, expected one of [%s %s]", db.Engine, EnginePostgres, EngineMySQL)
	}

	var missing []string
	if db.Host == "" {
		missing = append(missing, "host")
	}
	if db.Username == "" {
		missing = append(missing, "username")
	}
	if db.Database == "" {
		missing = append(missing, "database")
	}
	if len(missing) > 0 {
		return errors.Newf(errors.ErrorTypeConfig, "database_connection missing %s", strings.Join(missing, ", "))
	}
	if db.MaxConnections <= 0 {
		db.MaxConnections = 4
	}
	return nil
}

func (r *Replication) resolveExtraction() error {
	ex := &r.Extraction
	ex.FileFormat = models.FileFormat(strings.ToLower(string(ex.FileFormat)))
	if _, err := models.ParseFileFormat(string(ex.FileFormat)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "extraction_file")
	}
	switch strings.ToLower(ex.Compression) {
	case "", "none":
		ex.Compression = ""
	case CompressionGzip:
		ex.Compression = CompressionGzip
	default:
		return errors.Newf(errors.ErrorTypeConfig, "extraction_file: unsupported compression %q", ex.Compression)
	}
	if ex.LocalStorageDirectory == "" {
		ex.LocalStorageDirectory = "data"
	}
	return nil
}

func (r *Replication) resolveCloud() error {
	c := r.Cloud
	if c == nil {
		return nil
	}
	c.Provider = strings.ToLower(c.Provider)
	switch c.Provider {
	case ProviderAWS, ProviderGCP:
	case ProviderMinIO:
		if c.Endpoint == "" {
			return errors.New(errors.ErrorTypeConfig, "cloud.endpoint is required for minio")
		}
	default:
		return errors.Newf(errors.ErrorTypeConfig,
			"invalid cloud provider %q, expected one of [%s %s %s]", c.Provider, ProviderAWS, ProviderGCP, ProviderMinIO)
	}
	if c.Bucket == "" {
		return errors.New(errors.ErrorTypeConfig, "cloud.bucket is required")
	}
	c.Prefix = strings.Trim(c.Prefix, "/")
	if c.Region == "" && c.Provider != ProviderGCP {
		c.Region = "us-east-1"
	}
	return nil
}

func (r *Replication) resolveWarehouse() error {
	if r.Warehouse == nil && r.Snowflake != nil {
		r.Warehouse = &WarehouseConfig{Type: WarehouseSnowflake, Snowflake: r.Snowflake}
	}
	r.Snowflake = nil

	w := r.Warehouse
	if w == nil {
		return nil
	}
	w.Type = strings.ToLower(w.Type)
	if w.ManifestTable == "" {
		w.ManifestTable = "TABLEMIRROR_MANIFEST"
	}

	switch w.Type {
	case WarehouseSnowflake:
		return r.resolveSnowflake(w.Snowflake)
	case WarehouseBigQuery:
		bq := w.BigQuery
		if bq == nil || bq.ProjectID == "" || bq.Dataset == "" {
			return errors.New(errors.ErrorTypeConfig, "warehouse.bigquery requires project_id and dataset")
		}
		if bq.Location == "" {
			bq.Location = "US"
		}
		w.ManifestTable = strings.ToLower(w.ManifestTable)
		return nil
	default:
		return errors.Newf(errors.ErrorTypeConfig,
			"invalid warehouse type %q, expected one of [%s %s]", w.Type, WarehouseSnowflake, WarehouseBigQuery)
	}
}

func (r *Replication) resolveSnowflake(sf *SnowflakeConfig) error {
	if sf == nil {
		return errors.New(errors.ErrorTypeConfig, "warehouse.snowflake section is required")
	}
	required := map[string]string{
		"account":   sf.Account,
		"user":      sf.User,
		"password":  sf.Password,
		"role":      sf.Role,
		"warehouse": sf.Warehouse,
		"database":  sf.Database,
		"schema":    sf.Schema,
	}
	var missing []string
	for _, key := range []string{"account", "user", "password", "role", "warehouse", "database", "schema"} {
		if required[key] == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return errors.Newf(errors.ErrorTypeConfig, "snowflake connection missing %s", strings.Join(missing, ", "))
	}

	sf.StagesType = strings.ToLower(sf.StagesType)
	switch sf.StagesType {
	case "":
		sf.StagesType = StageInternal
	case StageInternal:
	case StageExternal:
		if r.Cloud == nil || sf.StorageIntegration == "" {
			return errors.New(errors.ErrorTypeConfig,
				"external stages require both snowflake.storage_integration and a cloud section")
		}
		if r.Cloud.Provider == ProviderMinIO {
			return errors.New(errors.ErrorTypeConfig, "external stages cannot read from minio")
		}
	default:
		return errors.Newf(errors.ErrorTypeConfig,
			"invalid stages_type %q, expected one of [%s %s]", sf.StagesType, StageInternal, StageExternal)
	}
	return nil
}

func (r *Replication) resolveTables() {
	seen := make(map[string]bool, len(r.Tables))
	valid := r.Tables[:0]

	for _, t := range r.Tables {
		t.Schema = r.Database.Schema
		t.ID = TableID(r.Database.Database, t.Schema, t.Name)
		t.Mode = models.IngestionMode(strings.ToLower(string(t.Mode)))
		if t.FileFormat == "" {
			t.FileFormat = r.Extraction.FileFormat
		}
		t.FileFormat = models.FileFormat(strings.ToLower(string(t.FileFormat)))

		err := t.Validate()
		if err == nil && seen[t.ID] {
			err = errors.Newf(errors.ErrorTypeConfig, "table %s is defined more than once", t.Name)
		}
		if err != nil {
			r.Rejected = append(r.Rejected, Rejection{TableID: t.ID, Err: err})
			continue
		}
		seen[t.ID] = true
		valid = append(valid, t)
	}
	r.Tables = valid
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
