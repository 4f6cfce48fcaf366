// Package postgres reads PostgreSQL tables through a pgx connection pool.
package postgres

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tablemirror/pkg/config"
	"github.com/ajitpratap0/tablemirror/pkg/errors"
	"github.com/ajitpratap0/tablemirror/pkg/models"
	"github.com/ajitpratap0/tablemirror/pkg/registry"
	"github.com/ajitpratap0/tablemirror/pkg/source"
)

func init() {
	_ = registry.RegisterSource(config.EnginePostgres, func(ctx context.Context, cfg config.DatabaseConnection, logger *zap.Logger) (source.Reader, error) {
		c, err := New(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

// Reader is a source.Reader over a pgx pool.
type Reader struct {
	pool   *pgxpool.Pool
	schema string
	logger *zap.Logger
}

var _ source.Reader = (*Reader)(nil)

// ConnString builds a pgx connection URL from the database settings.
func ConnString(cfg config.DatabaseConnection) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.Username, cfg.Password),
		Host:   cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Path:   "/" + cfg.Database,
	}
	q := u.Query()
	if cfg.SSLMode != "" {
		q.Set("sslmode", cfg.SSLMode)
	}
	q.Set("application_name", "tablemirror")
	u.RawQuery = q.Encode()
	return u.String()
}

// New connects to the database and verifies the connection.
func New(ctx context.Context, cfg config.DatabaseConnection, logger *zap.Logger) (*Reader, error) {
	poolConfig, err := pgxpool.ParseConfig(ConnString(cfg))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse connection string")
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	if poolConfig.MaxConns <= 0 {
		poolConfig.MaxConns = 4
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create connection pool")
	}

	var version string
	if err := pool.QueryRow(ctx, "SELECT version()").Scan(&version); err != nil {
		pool.Close()
		return nil, classify(err, "failed to validate connection")
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "postgres-reader"), zap.String("database", cfg.Database))
	logger.Info("Connected to PostgreSQL",
		zap.String("version", version),
		zap.Int32("max_connections", poolConfig.MaxConns))

	return &Reader{pool: pool, schema: cfg.Schema, logger: logger}, nil
}

// Describe returns the table's columns from information_schema.
func (r *Reader) Describe(ctx context.Context, table string) ([]source.Column, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT column_name, data_type, is_nullable, ordinal_position
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, r.schema, table)
	if err != nil {
		return nil, classify(err, "failed to query table schema")
	}
	defer rows.Close()

	var cols []source.Column
	for rows.Next() {
		var name, dataType, nullable string
		var ordinal int32
		if err := rows.Scan(&name, &dataType, &nullable, &ordinal); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to scan schema row")
		}
		cols = append(cols, source.Column{
			Name:     name,
			DataType: dataType,
			Type:     MapType(dataType),
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

// Tables lists the base tables and views of the schema.
func (r *Reader) Tables(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = $1 ORDER BY table_name`, r.schema)
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

	sql, args := source.BuildSelect(dialect{}, r.schema, q)
	r.logger.Debug("opening cursor", zap.String("table", q.Table), zap.String("sql", sql))

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(err, fmt.Sprintf("failed to query %s", q.Table))
	}

	fields := rows.FieldDescriptions()
	cols := make([]source.Column, len(fields))
	for i, f := range fields {
		cols[i] = lookup(described, f.Name)
		cols[i].Ordinal = i
	}
	return &cursor{rows: rows, cols: cols}, nil
}

// Close closes the pool.
func (r *Reader) Close() error {
	r.pool.Close()
	return nil
}

type cursor struct {
	rows pgx.Rows
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
		values, err := c.rows.Values()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode row")
		}
		row := make(models.Row, len(values))
		for i, v := range values {
			row[i] = normalize(v)
		}
		out = append(out, row)
	}
	return out, nil
}

func (c *cursor) Close() error {
	c.rows.Close()
	return nil
}

type dialect struct{}

func (dialect) QuoteIdent(s string) string { return `"` + strings.ReplaceAll(s, `"`, `""`) + `"` }
func (dialect) Placeholder(n int) string  { return "$" + strconv.Itoa(n) }

func lookup(cols []source.Column, name string) source.Column {
	for _, c := range cols {
		if c.Name == name {
			return c
		}
	}
	for _, c := range cols {
		if strings.EqualFold(c.Name, name) {
			return c
		}
	}
	return source.Column{Name: name, Nullable: true}
}

// MapType maps an information_schema data_type to the lattice. Unknown
// types map to "" and are inferred from values.
func MapType(dataType string) models.ColumnType {
	switch strings.ToLower(dataType) {
	case "smallint", "integer", "bigint", "serial", "bigserial", "smallserial":
		return models.TypeInt
	case "numeric", "decimal", "real", "double precision", "money":
		return models.TypeFloat
	case "boolean":
		return models.TypeBool
	case "date":
		return models.TypeDate
	case "timestamp", "timestamp without time zone", "timestamp with time zone", "timestamptz":
		return models.TypeTimestamp
	case "json", "jsonb":
		return models.TypeJSON
	case "bytea":
		return models.TypeBinary
	case "text", "character varying", "character", "varchar", "char", "uuid", "citext", "name",
		"time without time zone", "time with time zone", "interval", "inet", "cidr", "macaddr":
		return models.TypeString
	}
	return ""
}

// normalize turns pgx values that have no natural lattice form into ones
// that do.
func normalize(v interface{}) interface{} {
	switch x := v.(type) {
	case pgtype.Numeric:
		if !x.Valid {
			return nil
		}
		f, err := x.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case [16]byte:
		return uuid.UUID(x).String()
	case pgtype.Time:
		if !x.Valid {
			return nil
		}
		return time.Duration(x.Microseconds * int64(time.Microsecond)).String()
	case pgtype.Interval:
		if !x.Valid {
			return nil
		}
		return fmt.Sprintf("%d months %d days %s", x.Months, x.Days, time.Duration(x.Microseconds*int64(time.Microsecond)))
	case fmt.Stringer:
		if _, isTime := v.(time.Time); isTime {
			return v
		}
		return x.String()
	}
	return v
}

// classify maps pgx errors onto the error taxonomy. Connection-class SQL
// states and network failures are retryable; other server errors are not.
func classify(err error, msg string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "57P01", pgErr.Code == "40001", pgErr.Code == "40P01":
			return errors.Wrap(err, errors.ErrorTypeConnection, msg)
		case pgErr.Code == "57014":
			return errors.Wrap(err, errors.ErrorTypeTimeout, msg)
		}
		return errors.Wrap(err, errors.ErrorTypeQuery, msg)
	}
	if pgconn.Timeout(err) {
		return errors.Wrap(err, errors.ErrorTypeTimeout, msg)
	}
	return errors.Wrap(err, errors.ErrorTypeConnection, msg)
}
