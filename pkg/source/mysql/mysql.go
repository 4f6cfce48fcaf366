// Package mysql reads MySQL tables through database/sql and the
// go-sql-driver/mysql driver.
package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tablemirror/pkg/config"
	"github.com/ajitpratap0/tablemirror/pkg/errors"
	"github.com/ajitpratap0/tablemirror/pkg/models"
	"github.com/ajitpratap0/tablemirror/pkg/registry"
	"github.com/ajitpratap0/tablemirror/pkg/source"
)

func init() {
	_ = registry.RegisterSource(config.EngineMySQL, func(ctx context.Context, cfg config.DatabaseConnection, logger *zap.Logger) (source.Reader, error) {
		c, err := New(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

// Reader is a source.Reader over a MySQL database.
type Reader struct {
	db     *sql.DB
	schema string
	logger *zap.Logger
}

var _ source.Reader = (*Reader)(nil)

// DSN builds the driver DSN from the database settings.
func DSN(cfg config.DatabaseConnection) string {
	c := gomysql.NewConfig()
	c.User = cfg.Username
	c.Passwd = cfg.Password
	c.Net = "tcp"
	c.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	c.DBName = cfg.Database
	c.ParseTime = true
	c.Loc = time.UTC
	c.Timeout = 10 * time.Second
	return c.FormatDSN()
}

// New connects to the database and verifies the connection.
func New(ctx context.Context, cfg config.DatabaseConnection, logger *zap.Logger) (*Reader, error) {
	db, err := sql.Open("mysql", DSN(cfg))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to open mysql")
	}
	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 4
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(time.Hour)

	var version string
	if err := db.QueryRowContext(ctx, "SELECT VERSION()").Scan(&version); err != nil {
		db.Close()
		return nil, classify(err, "failed to validate connection")
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "mysql-reader"), zap.String("database", cfg.Database))
	logger.Info("Connected to MySQL", zap.String("version", version), zap.Int("max_connections", maxConns))

	return &Reader{db: db, schema: cfg.Schema, logger: logger}, nil
}

// Describe returns the table's columns from information_schema.
func (r *Reader) Describe(ctx context.Context, table string) ([]source.Column, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT COLUMN_NAME, DATA_TYPE, COLUMN_TYPE, IS_NULLABLE
		FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ?
		ORDER BY ORDINAL_POSITION`, r.schema, table)
	if err != nil {
		return nil, classify(err, "failed to query table schema")
	}
	defer rows.Close()

	var cols []source.Column
	for rows.Next() {
		var name, dataType, columnType, nullable string
		if err := rows.Scan(&name, &dataType, &columnType, &nullable); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to scan schema row")
		}
		cols = append(cols, source.Column{
			Name:     name,
			DataType: columnType,
			Type:     MapType(dataType, columnType),
			Nullable: nullable == "YES",
			Ordinal:  len(cols),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "error iterating schema rows")
	}
	if len(cols) == 0 {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "table %s.%s not found or has no columns", r.schema, table)
	}
	return cols, nil
}

// Tables lists the tables of the schema.
func (r *Reader) Tables(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT TABLE_NAME FROM information_schema.tables
		WHERE table_schema = ? ORDER BY TABLE_NAME`, r.schema)
	if err != nil {
		return nil, classify(err, "failed to list tables")
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to scan table name")
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "failed to list tables")
	}
	return names, nil
}

// Open runs the extraction query.
func (r *Reader) Open(ctx context.Context, q source.Query) (source.Cursor, error) {
	described, err := r.Describe(ctx, q.Table)
	if err != nil {
		return nil, err
	}

	stmt, args := source.BuildSelect(dialect{}, r.schema, q)
	r.logger.Debug("opening cursor", zap.String("table", q.Table), zap.String("sql", stmt))

	rows, err := r.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, classify(err, fmt.Sprintf("failed to query %s", q.Table))
	}

	names, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, classify(err, "failed to read result columns")
	}
	cols := make([]source.Column, len(names))
	for i, name := range names {
		cols[i] = lookup(described, name)
		cols[i].Ordinal = i
	}
	return &cursor{rows: rows, cols: cols}, nil
}

// Close closes the database handle.
func (r *Reader) Close() error {
	return r.db.Close()
}

type cursor struct {
	rows *sql.Rows
	cols []source.Column
	done bool
}

func (c *cursor) Columns() []source.Column { return c.cols }

func (c *cursor) Next(ctx context.Context, max int) ([]models.Row, error) {
	if c.done {
		return nil, nil
	}
	var out []models.Row
	for len(out) < max {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeTimeout, "read cancelled")
		}
		if !c.rows.Next() {
			c.done = true
			if err := c.rows.Err(); err != nil {
				return nil, classify(err, "failed to read rows")
			}
			break
		}
		row := make(models.Row, len(c.cols))
		dest := make([]interface{}, len(c.cols))
		for i := range row {
			dest[i] = &row[i]
		}
		if err := c.rows.Scan(dest...); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to scan row")
		}
		out = append(out, row)
	}
	return out, nil
}

func (c *cursor) Close() error {
	return c.rows.Close()
}

type dialect struct{}

func (dialect) QuoteIdent(s string) string { return "`" + strings.ReplaceAll(s, "`", "``") + "`" }
func (dialect) Placeholder(int) string     { return "?" }

func lookup(cols []source.Column, name string) source.Column {
	for _, c := range cols {
		if strings.EqualFold(c.Name, name) {
			return c
		}
	}
	return source.Column{Name: name, Nullable: true}
}

// MapType maps a MySQL DATA_TYPE (and COLUMN_TYPE for tinyint(1)) to the
// lattice. Unknown types map to "" and are inferred from values.
func MapType(dataType, columnType string) models.ColumnType {
	switch strings.ToLower(dataType) {
	case "tinyint":
		if strings.HasPrefix(strings.ToLower(columnType), "tinyint(1)") {
			return models.TypeBool
		}
		return models.TypeInt
	case "bool", "boolean":
		return models.TypeBool
	case "smallint", "mediumint", "int", "integer", "bigint", "year":
		return models.TypeInt
	case "decimal", "numeric", "float", "double", "real":
		return models.TypeFloat
	case "date":
		return models.TypeDate
	case "datetime", "timestamp":
		return models.TypeTimestamp
	case "json":
		return models.TypeJSON
	case "binary", "varbinary", "tinyblob", "blob", "mediumblob", "longblob", "bit":
		return models.TypeBinary
	case "char", "varchar", "tinytext", "text", "mediumtext", "longtext", "enum", "set", "time":
		return models.TypeString
	}
	return ""
}

// classify maps driver errors onto the error taxonomy.
func classify(err error, msg string) error {
	var myErr *gomysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1040, 1053, 1205, 1213, 2006, 2013:
			// too many connections, shutdown, lock wait timeout, deadlock, gone away, lost connection
			return errors.Wrap(err, errors.ErrorTypeConnection, msg)
		}
		return errors.Wrap(err, errors.ErrorTypeQuery, msg)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(err, errors.ErrorTypeTimeout, msg)
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, gomysql.ErrInvalidConn) || errors.As(err, &netErr) {
		return errors.Wrap(err, errors.ErrorTypeConnection, msg)
	}
	return errors.Wrap(err, errors.ErrorTypeQuery, msg)
}
