// Package snowflake loads batch files into Snowflake through a named stage.
package snowflake

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/snowflakedb/gosnowflake"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tablemirror/pkg/config"
	"github.com/ajitpratap0/tablemirror/pkg/errors"
	"github.com/ajitpratap0/tablemirror/pkg/filesink"
	"github.com/ajitpratap0/tablemirror/pkg/models"
	"github.com/ajitpratap0/tablemirror/pkg/registry"
	"github.com/ajitpratap0/tablemirror/pkg/warehouse"
)

func init() {
	_ = registry.RegisterWarehouse(config.WarehouseSnowflake, func(ctx context.Context, cfg config.WarehouseConfig, cloud *config.CloudConfig, logger *zap.Logger) (warehouse.Client, error) {
		c, err := New(ctx, cfg, cloud, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

// Client is a warehouse.Client over a Snowflake connection pool.
type Client struct {
	db       *sql.DB
	database string
	schema   string
	// stage is the fully qualified stage name
	stage    string
	external bool
	// prefix is the object key prefix the external stage URL points at
	prefix   string
	manifest string
	logger   *zap.Logger
}

var _ warehouse.Client = (*Client)(nil)

// DSN builds the driver DSN.
func DSN(cfg config.SnowflakeConfig) (string, error) {
	return gosnowflake.DSN(&gosnowflake.Config{
		Account:     cfg.Account,
		User:        cfg.User,
		Password:    cfg.Password,
		Database:    cfg.Database,
		Schema:      cfg.Schema,
		Warehouse:   cfg.Warehouse,
		Role:        cfg.Role,
		Application: "tablemirror",
	})
}

// StageURL returns the URL an external stage points at.
func StageURL(cloud config.CloudConfig) string {
	scheme := "s3"
	if cloud.Provider == config.ProviderGCP {
		scheme = "gcs"
	}
	url := fmt.Sprintf("%s://%s/", scheme, cloud.Bucket)
	if p := strings.Trim(cloud.Prefix, "/"); p != "" {
		url += p + "/"
	}
	return url
}

// New connects, then creates the database, schema, file formats, stage
// and manifest table when they do not exist.
func New(ctx context.Context, cfg config.WarehouseConfig, cloud *config.CloudConfig, logger *zap.Logger) (*Client, error) {
	if cfg.Snowflake == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "snowflake settings are missing")
	}
	sf := *cfg.Snowflake

	dsn, err := DSN(sf)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid snowflake settings")
	}
	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to open snowflake")
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if logger == nil {
		logger = zap.NewNop()
	}
	schema := quote(sf.Database) + "." + quote(sf.Schema)
	c := &Client{
		db:       db,
		database: sf.Database,
		schema:   sf.Schema,
		stage:    schema + "." + quote(stageName),
		external: sf.StagesType == config.StageExternal,
		manifest: schema + "." + quote(cfg.ManifestTable),
		logger:   logger.With(zap.String("component", "snowflake"), zap.String("database", sf.Database)),
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, classify(err, "failed to connect to snowflake")
	}

	stmts := []string{
		"CREATE DATABASE IF NOT EXISTS " + quote(sf.Database),
		"CREATE SCHEMA IF NOT EXISTS " + schema,
	}
	stmts = append(stmts, fileFormatDDL(schema)...)
	if c.external {
		if cloud == nil {
			db.Close()
			return nil, errors.New(errors.ErrorTypeConfig, "external stages need a cloud section")
		}
		c.prefix = strings.Trim(cloud.Prefix, "/")
		stmts = append(stmts, stageDDL(c.stage, StageURL(*cloud), sf.StorageIntegration))
	} else {
		stmts = append(stmts, stageDDL(c.stage, "", ""))
	}
	stmts = append(stmts, manifestDDL(c.manifest)...)

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, classify(err, "failed to bootstrap snowflake objects").WithDetail("statement", stmt)
		}
	}

	c.logger.Info("Connected to Snowflake",
		zap.String("schema", sf.Schema),
		zap.Bool("external_stage", c.external))
	return c, nil
}

// Convention folds identifiers to upper case.
func (c *Client) Convention() models.CaseConvention { return models.UpperCase }

func (c *Client) qualified(table string) string {
	return quote(c.database) + "." + quote(c.schema) + "." + quote(table)
}

// Describe reads the table's columns from information_schema.
func (c *Client) Describe(ctx context.Context, table string) ([]models.ColumnDescriptor, error) {
	stmt := fmt.Sprintf(`SELECT COLUMN_NAME, DATA_TYPE, NUMERIC_SCALE, IS_NULLABLE
		FROM %s.INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION`, quote(c.database))

	rows, err := c.db.QueryContext(ctx, stmt, c.schema, table)
	if err != nil {
		return nil, classify(err, "failed to describe table")
	}
	defer rows.Close()

	var cols []models.ColumnDescriptor
	for rows.Next() {
		var name, dataType, nullable string
		var scale sql.NullInt64
		if err := rows.Scan(&name, &dataType, &scale, &nullable); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to scan column")
		}
		cols = append(cols, models.ColumnDescriptor{
			Name:     name,
			Type:     latticeType(dataType, scale.Int64),
			Nullable: nullable == "YES",
			Ordinal:  len(cols),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "failed to describe table")
	}
	return cols, nil
}

// EnsureColumns creates or evolves the table.
func (c *Client) EnsureColumns(ctx context.Context, table string, schema []models.ColumnDescriptor, diff models.SchemaDiff) error {
	target := c.qualified(table)

	var stmts []string
	existing, err := c.Describe(ctx, table)
	if err != nil {
		return err
	}
	if existing == nil {
		stmts = append(stmts, createTableSQL(target, schema))
	} else {
		if len(diff.Widened) > 0 {
			stmts = append(stmts, widenSQL(target, c.qualified(table+widenSuffix), diff.Widened)...)
		}
		for _, col := range diff.Added {
			stmts = append(stmts, addColumnSQL(target, col))
		}
	}

	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return classifyDDL(err, stmt)
		}
	}
	if len(stmts) > 0 {
		c.logger.Info("table schema updated",
			zap.String("table", table),
			zap.Bool("created", existing == nil),
			zap.Int("added", len(diff.Added)),
			zap.Int("widened", len(diff.Widened)))
	}
	return nil
}

// Stage uploads the file into the internal stage with PUT, or resolves
// its path inside the external stage.
func (c *Client) Stage(ctx context.Context, batch models.ExtractionBatch, objectKey string) (warehouse.Staged, error) {
	if c.external {
		if objectKey == "" {
			return warehouse.Staged{}, errors.New(errors.ErrorTypeConfig, "external stage needs the file in object storage")
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(objectKey, c.prefix), "/")
		return warehouse.Staged{Batch: batch, Location: "@" + c.stage + "/" + rel}, nil
	}

	dir := "@" + c.stage + "/" + filesink.TableDir(batch.TableID)
	if _, err := c.db.ExecContext(ctx, putSQL(batch.File.Path, dir)); err != nil {
		return warehouse.Staged{}, classify(err, "failed to put file into stage").WithDetail("file", batch.File.Name)
	}
	c.logger.Debug("file staged", zap.String("file", batch.File.Name), zap.String("stage", dir))
	return warehouse.Staged{Batch: batch, Location: dir + "/" + batch.File.Name}, nil
}

func (c *Client) fileFormat(f models.FileFormat) string {
	return c.database + "." + c.schema + "." + fileFormatName(f)
}

// LoadIncremental copies the file and records it in the manifest in one
// transaction.
func (c *Client) LoadIncremental(ctx context.Context, table string, staged warehouse.Staged) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, copySQL(c.qualified(table), staged.Location, c.fileFormat(staged.Batch.File.Format))); err != nil {
		return classify(err, "failed to copy into table").WithDetail("file", staged.Batch.File.Name)
	}
	if err := c.recordManifest(ctx, tx, staged.Batch); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(err, "failed to commit load")
	}

	c.logger.Info("batch loaded",
		zap.String("table", table),
		zap.Int64("sequence", staged.Batch.Sequence),
		zap.Int("rows", staged.Batch.RowCount))
	return nil
}

// LoadFull loads every file into a copy of the table, then swaps it in.
func (c *Client) LoadFull(ctx context.Context, table string, staged []warehouse.Staged) error {
	target := c.qualified(table)
	scratch := c.qualified(table + loadTableSuffix)

	if _, err := c.db.ExecContext(ctx, fmt.Sprintf("CREATE OR REPLACE TABLE %s LIKE %s", scratch, target)); err != nil {
		return classify(err, "failed to create load table")
	}
	for _, s := range staged {
		if _, err := c.db.ExecContext(ctx, copySQL(scratch, s.Location, c.fileFormat(s.Batch.File.Format))); err != nil {
			c.dropQuietly(scratch)
			return classify(err, "failed to copy into load table").WithDetail("file", s.Batch.File.Name)
		}
	}
	if _, err := c.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s SWAP WITH %s", target, scratch)); err != nil {
		c.dropQuietly(scratch)
		return classify(err, "failed to swap tables")
	}
	c.dropQuietly(scratch)

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "failed to begin transaction")
	}
	defer tx.Rollback()
	for _, s := range staged {
		if err := c.recordManifest(ctx, tx, s.Batch); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return classify(err, "failed to commit manifest")
	}

	c.logger.Info("table replaced", zap.String("table", table), zap.Int("files", len(staged)))
	return nil
}

func (c *Client) dropQuietly(table string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := c.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
		c.logger.Warn("failed to drop scratch table", zap.String("table", table), zap.Error(err))
	}
}

func (c *Client) recordManifest(ctx context.Context, tx *sql.Tx, b models.ExtractionBatch) error {
	wm, err := warehouse.EncodeWatermark(b.MaxWatermark)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, manifestInsertSQL(c.manifest),
		b.TableID, b.Sequence, b.File.ContentKey, b.RowCount, b.RunID,
		nullString(b.WatermarkColumn), nullString(wm))
	if err != nil {
		return classify(err, "failed to record manifest entry")
	}
	return nil
}

// LastCommitted reads the manifest row with the highest sequence.
func (c *Client) LastCommitted(ctx context.Context, tableID string) (*warehouse.Checkpoint, error) {
	var (
		cp          warehouse.Checkpoint
		rowCount    sql.NullInt64
		column      sql.NullString
		wm          sql.NullString
		committedAt sql.NullTime
	)
	err := c.db.QueryRowContext(ctx, lastCommittedSQL(c.manifest), tableID).
		Scan(&cp.Sequence, &cp.ContentKey, &rowCount, &column, &wm, &committedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "failed to query manifest")
	}
	cp.RowCount = int(rowCount.Int64)
	cp.WatermarkColumn = column.String
	cp.CommittedAt = committedAt.Time
	if cp.Watermark, err = warehouse.DecodeWatermark(wm.String); err != nil {
		return nil, err
	}
	return &cp, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Close closes the connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// classify maps driver errors onto the error taxonomy.
func classify(err error, msg string) *errors.Error {
	var sfErr *gosnowflake.SnowflakeError
	if errors.As(err, &sfErr) {
		switch {
		case strings.HasPrefix(sfErr.SQLState, "08"), sfErr.Number == 390114:
			// connection exception, authentication token expired
			return errors.Wrap(err, errors.ErrorTypeConnection, msg)
		case sfErr.Number == 604:
			return errors.Wrap(err, errors.ErrorTypeTimeout, msg)
		case sfErr.Number == 390100 || sfErr.Number == 390144:
			return errors.Wrap(err, errors.ErrorTypeConfig, msg)
		}
		return errors.Wrap(err, errors.ErrorTypeQuery, msg)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(err, errors.ErrorTypeTimeout, msg)
	}
	return errors.Wrap(err, errors.ErrorTypeConnection, msg)
}

// classifyDDL reports rejected type conversions as cast errors.
func classifyDDL(err error, stmt string) error {
	var sfErr *gosnowflake.SnowflakeError
	if errors.As(err, &sfErr) && sfErr.SQLState == "22018" || strings.Contains(strings.ToLower(err.Error()), "cannot be cast") {
		return errors.Wrap(err, errors.ErrorTypeCast, "warehouse rejected column conversion").WithDetail("statement", stmt)
	}
	return classify(err, "failed to alter table").WithDetail("statement", stmt)
}
