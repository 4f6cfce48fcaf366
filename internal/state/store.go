// Package state persists per-table ingestion state, the file manifest and
// per-table leases in a local SQLite database.
package state

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/ajitpratap0/tablemirror/pkg/errors"
	"github.com/ajitpratap0/tablemirror/pkg/models"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS table_state (
	table_id         TEXT PRIMARY KEY,
	mode             TEXT NOT NULL,
	watermark_column TEXT NOT NULL DEFAULT '',
	watermark        TEXT,
	last_success_at  TEXT,
	pending_files    TEXT NOT NULL DEFAULT '[]',
	last_sequence    INTEGER NOT NULL DEFAULT 0,
	updated_at       TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS table_lock (
	table_id   TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
` + manifestDDL

const manifestDDL = `
CREATE TABLE IF NOT EXISTS manifest (
	table_id     TEXT NOT NULL,
	sequence     INTEGER NOT NULL,
	content_key  TEXT NOT NULL,
	row_count    INTEGER NOT NULL,
	committed    INTEGER NOT NULL DEFAULT 0,
	committed_at TEXT,
	PRIMARY KEY (table_id, sequence)
);
CREATE INDEX IF NOT EXISTS manifest_content_key ON manifest (table_id, content_key);
`

// legacyManifestKey marks manifests that were keyed by content key.
const legacyManifestKey = "PRIMARY KEY (table_id, content_key)"

// Store is the SQLite-backed State Store. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// Commit is everything a successful stage writes at once: the new table
// state and the manifest entries it covers.
type Commit struct {
	State   *models.TableState
	Entries []models.ManifestEntry
}

// Open opens (creating if needed) the state database at path.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStateCorruption, "open state database")
	}
	// A single connection serialises writers; SQLite allows only one anyway.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeStateCorruption, "ping state database")
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeStateCorruption, "migrate state database")
	}
	if err := migrateManifest(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeStateCorruption, "migrate manifest")
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:     db,
		logger: logger.With(zap.String("component", "state-store")),
		now:    time.Now,
	}, nil
}

// migrateManifest rekeys a manifest written by an older release by
// sequence. Where two sequences shared a content key only one row had
// survived, so nothing is lost.
func migrateManifest(ctx context.Context, db *sql.DB) error {
	var ddl string
	err := db.QueryRowContext(ctx, `SELECT sql FROM sqlite_master WHERE type = 'table' AND name = 'manifest'`).Scan(&ddl)
	if err != nil {
		return err
	}
	if !strings.Contains(ddl, legacyManifestKey) {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range []string{
		`ALTER TABLE manifest RENAME TO manifest_legacy`,
		`DROP INDEX IF EXISTS manifest_content_key`,
		`DROP INDEX IF EXISTS manifest_sequence`,
		manifestDDL,
		`INSERT OR IGNORE INTO manifest (table_id, sequence, content_key, row_count, committed, committed_at)
			SELECT table_id, sequence, content_key, row_count, committed, committed_at
			FROM manifest_legacy ORDER BY committed DESC`,
		`DROP TABLE manifest_legacy`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("rekey manifest: %w", err)
		}
	}
	return tx.Commit()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the state of a table, or nil when the table has never run.
func (s *Store) Load(ctx context.Context, tableID string) (*models.TableState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT table_id, mode, watermark_column, watermark, last_success_at, pending_files, last_sequence
		FROM table_state WHERE table_id = ?`, tableID)

	st, err := scanState(row)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return st, nil
}

// LoadOrInit returns the stored state or a fresh one for a table that has
// never run. The fresh state is not persisted until the first commit.
func (s *Store) LoadOrInit(ctx context.Context, tableID string, mode models.IngestionMode, column string) (*models.TableState, error) {
	st, err := s.Load(ctx, tableID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return models.NewTableState(tableID, mode, column), nil
	}
	if st.Mode != mode || !strings.EqualFold(st.WatermarkColumn, column) {
		s.logger.Warn("table configuration changed since last run",
			zap.String("table_id", tableID),
			zap.String("stored_mode", string(st.Mode)),
			zap.String("configured_mode", string(mode)),
			zap.String("stored_column", st.WatermarkColumn),
			zap.String("configured_column", column))
		st.Mode = mode
		if !strings.EqualFold(st.WatermarkColumn, column) {
			st.WatermarkColumn = column
			st.WatermarkValue = nil
		}
	}
	return st, nil
}

// ListStates returns every stored table state ordered by table id.
func (s *Store) ListStates(ctx context.Context) ([]*models.TableState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT table_id, mode, watermark_column, watermark, last_success_at, pending_files, last_sequence
		FROM table_state ORDER BY table_id`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "list table states")
	}
	defer rows.Close()

	var out []*models.TableState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "list table states")
	}
	return out, nil
}

// CommitBatch atomically persists the new table state together with its
// manifest entries. The watermark may never move backwards and a committed
// manifest entry is never rewritten.
func (s *Store) CommitBatch(ctx context.Context, c Commit) error {
	if c.State == nil || c.State.TableID == "" {
		return errors.New(errors.ErrorTypeValidation, "commit requires a table state")
	}
	st := c.State

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStateCorruption, "begin state transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if err := checkWatermarkProgress(ctx, tx, st); err != nil {
		return err
	}

	var watermark sql.NullString
	if st.WatermarkValue != nil {
		data, err := gojson.Marshal(st.WatermarkValue)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeData, "encode watermark")
		}
		watermark = sql.NullString{String: string(data), Valid: true}
	}
	var lastSuccess sql.NullString
	if st.LastSuccessAt != nil {
		lastSuccess = sql.NullString{String: st.LastSuccessAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	pending := st.PendingFiles
	if pending == nil {
		pending = []models.PendingFile{}
	}
	pendingJSON, err := gojson.Marshal(pending)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "encode pending files")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO table_state (table_id, mode, watermark_column, watermark, last_success_at, pending_files, last_sequence, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (table_id) DO UPDATE SET
			mode = excluded.mode,
			watermark_column = excluded.watermark_column,
			watermark = excluded.watermark,
			last_success_at = excluded.last_success_at,
			pending_files = excluded.pending_files,
			last_sequence = MAX(table_state.last_sequence, excluded.last_sequence),
			updated_at = excluded.updated_at`,
		st.TableID, string(st.Mode), st.WatermarkColumn, watermark, lastSuccess,
		string(pendingJSON), st.LastSequence, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStateCorruption, "write table state")
	}

	for _, e := range c.Entries {
		if err := s.upsertEntry(ctx, tx, st.TableID, e); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStateCorruption, "commit state transaction")
	}

	s.logger.Debug("state committed",
		zap.String("table_id", st.TableID),
		zap.Stringer("watermark", watermarkStringer{st.WatermarkValue}),
		zap.Int("manifest_entries", len(c.Entries)),
		zap.Int("pending_files", len(st.PendingFiles)))
	return nil
}

func (s *Store) upsertEntry(ctx context.Context, tx *sql.Tx, tableID string, e models.ManifestEntry) error {
	committed := 0
	var committedAt sql.NullString
	if e.Committed {
		committed = 1
		at := s.now()
		if e.CommittedAt != nil {
			at = *e.CommittedAt
		}
		committedAt = sql.NullString{String: at.UTC().Format(time.RFC3339Nano), Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO manifest (table_id, sequence, content_key, row_count, committed, committed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (table_id, sequence) DO UPDATE SET
			content_key = excluded.content_key,
			row_count = excluded.row_count,
			committed = excluded.committed,
			committed_at = excluded.committed_at
		WHERE manifest.committed = 0`,
		tableID, e.Sequence, e.ContentKey, e.RowCount, committed, committedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStateCorruption, fmt.Sprintf("write manifest entry %d", e.Sequence))
	}
	return nil
}

func checkWatermarkProgress(ctx context.Context, tx *sql.Tx, st *models.TableState) error {
	var stored sql.NullString
	var column string
	err := tx.QueryRowContext(ctx,
		`SELECT watermark, watermark_column FROM table_state WHERE table_id = ?`, st.TableID).Scan(&stored, &column)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStateCorruption, "read stored watermark")
	}
	if !stored.Valid || !strings.EqualFold(column, st.WatermarkColumn) {
		return nil
	}

	var prev models.Watermark
	if err := gojson.Unmarshal([]byte(stored.String), &prev); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStateCorruption, fmt.Sprintf("decode stored watermark of %s", st.TableID))
	}
	if st.WatermarkValue == nil {
		return errors.Newf(errors.ErrorTypeStateCorruption, "commit for %s drops watermark %s", st.TableID, prev)
	}
	c, err := st.WatermarkValue.Compare(prev)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStateCorruption, "compare watermarks")
	}
	if c < 0 {
		return errors.Newf(errors.ErrorTypeStateCorruption,
			"watermark of %s would regress from %s to %s", st.TableID, prev, st.WatermarkValue)
	}
	return nil
}

// IsCommitted reports whether the file with the given sequence has been
// committed for the table.
func (s *Store) IsCommitted(ctx context.Context, tableID string, sequence int64) (bool, error) {
	var committed int
	err := s.db.QueryRowContext(ctx,
		`SELECT committed FROM manifest WHERE table_id = ? AND sequence = ?`, tableID, sequence).Scan(&committed)
	if stderrors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeQuery, "read manifest")
	}
	return committed == 1, nil
}

// Manifest returns the manifest entries of a table ordered by sequence.
func (s *Store) Manifest(ctx context.Context, tableID string) ([]models.ManifestEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT table_id, sequence, content_key, row_count, committed, committed_at
		FROM manifest WHERE table_id = ? ORDER BY sequence`, tableID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "read manifest")
	}
	defer rows.Close()

	var out []models.ManifestEntry
	for rows.Next() {
		var e models.ManifestEntry
		var committed int
		var committedAt sql.NullString
		if err := rows.Scan(&e.TableID, &e.Sequence, &e.ContentKey, &e.RowCount, &committed, &committedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStateCorruption, "scan manifest entry")
		}
		e.Committed = committed == 1
		if committedAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, committedAt.String)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeStateCorruption, "decode committed_at")
			}
			e.CommittedAt = &t
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "read manifest")
	}
	return out, nil
}

// ResetTable forgets everything known about a table so its next run starts
// from scratch. Held leases are left alone.
func (s *Store) ResetTable(ctx context.Context, tableID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStateCorruption, "begin reset")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM manifest WHERE table_id = ?`, tableID); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStateCorruption, "reset manifest")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM table_state WHERE table_id = ?`, tableID); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStateCorruption, "reset table state")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStateCorruption, "commit reset")
	}

	s.logger.Info("table state reset", zap.String("table_id", tableID))
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanState(row scanner) (*models.TableState, error) {
	var (
		st          models.TableState
		mode        string
		watermark   sql.NullString
		lastSuccess sql.NullString
		pending     string
	)
	if err := row.Scan(&st.TableID, &mode, &st.WatermarkColumn, &watermark, &lastSuccess, &pending, &st.LastSequence); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrorTypeStateCorruption, "scan table state")
	}

	m, err := models.ParseIngestionMode(mode)
	if err != nil {
		return nil, corrupt(st.TableID, "mode", err)
	}
	st.Mode = m

	if watermark.Valid {
		var w models.Watermark
		if err := gojson.Unmarshal([]byte(watermark.String), &w); err != nil {
			return nil, corrupt(st.TableID, "watermark", err)
		}
		st.WatermarkValue = &w
	}
	if lastSuccess.Valid {
		t, err := time.Parse(time.RFC3339Nano, lastSuccess.String)
		if err != nil {
			return nil, corrupt(st.TableID, "last_success_at", err)
		}
		st.LastSuccessAt = &t
	}
	if err := gojson.Unmarshal([]byte(pending), &st.PendingFiles); err != nil {
		return nil, corrupt(st.TableID, "pending_files", err)
	}
	if len(st.PendingFiles) == 0 {
		st.PendingFiles = nil
	}
	return &st, nil
}

func corrupt(tableID, column string, cause error) error {
	return errors.Wrap(cause, errors.ErrorTypeStateCorruption,
		fmt.Sprintf("stored %s of table %s is unreadable", column, tableID)).
		WithDetail("table_id", tableID)
}

type watermarkStringer struct{ w *models.Watermark }

func (s watermarkStringer) String() string {
	if s.w == nil {
		return "<none>"
	}
	return s.w.String()
}
