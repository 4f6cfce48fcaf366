package state

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/tablemirror/pkg/errors"
	"github.com/ajitpratap0/tablemirror/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "state.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func intMark(v int64) *models.Watermark {
	return &models.Watermark{Kind: models.WatermarkInt, Int: v}
}

func TestLoadUnknownTable(t *testing.T) {
	s := newTestStore(t)
	st, err := s.Load(context.Background(), "shop.public.orders")
	require.NoError(t, err)
	assert.Nil(t, st)

	st, err = s.LoadOrInit(context.Background(), "shop.public.orders", models.ModeIncremental, "id")
	require.NoError(t, err)
	assert.Equal(t, "id", st.WatermarkColumn)
	assert.Nil(t, st.WatermarkValue)
}

func TestCommitBatchPersistsStateAndManifest(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	st := models.NewTableState("t1", models.ModeIncremental, "id")
	st.WatermarkValue = intMark(150)
	st.LastSuccessAt = &now
	st.LastSequence = 2

	err := s.CommitBatch(ctx, Commit{
		State: st,
		Entries: []models.ManifestEntry{
			{TableID: "t1", Sequence: 1, ContentKey: "aaa", RowCount: 3, Committed: true},
			{TableID: "t1", Sequence: 2, ContentKey: "bbb", RowCount: 1, Committed: true},
		},
	})
	require.NoError(t, err)

	got, err := s.Load(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got.WatermarkValue)
	assert.Equal(t, int64(150), got.WatermarkValue.Int)
	assert.Equal(t, int64(2), got.LastSequence)
	assert.True(t, now.Equal(*got.LastSuccessAt))
	assert.Nil(t, got.PendingFiles)

	entries, err := s.Manifest(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "aaa", entries[0].ContentKey)
	assert.True(t, entries[1].Committed)

	ok, err := s.IsCommitted(ctx, "t1", 2)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.IsCommitted(ctx, "t1", 3)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIdenticalFilesUnderNewSequencesAreRecorded(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	st := models.NewTableState("t1", models.ModeFullLoad, "")
	for seq := int64(1); seq <= 2; seq++ {
		st.LastSequence = seq
		require.NoError(t, s.CommitBatch(ctx, Commit{
			State:   st,
			Entries: []models.ManifestEntry{{Sequence: seq, ContentKey: "same-snapshot", RowCount: 4, Committed: true}},
		}))
	}

	entries, err := s.Manifest(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1), entries[0].Sequence)
	assert.Equal(t, int64(2), entries[1].Sequence)
	assert.Equal(t, entries[0].ContentKey, entries[1].ContentKey)
}

func TestOpenRekeysLegacyManifest(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	db, err := sql.Open("sqlite", "file:"+path)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `
		CREATE TABLE manifest (
			table_id     TEXT NOT NULL,
			content_key  TEXT NOT NULL,
			sequence     INTEGER NOT NULL,
			row_count    INTEGER NOT NULL,
			committed    INTEGER NOT NULL DEFAULT 0,
			committed_at TEXT,
			PRIMARY KEY (table_id, content_key)
		);
		CREATE INDEX manifest_sequence ON manifest (table_id, sequence);
		INSERT INTO manifest VALUES ('t1', 'aaa', 1, 3, 1, '2024-01-01T00:00:00Z'), ('t1', 'bbb', 2, 1, 0, NULL);`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := Open(ctx, path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	entries, err := s.Manifest(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Committed)
	assert.Equal(t, "bbb", entries[1].ContentKey)

	st := models.NewTableState("t1", models.ModeFullLoad, "")
	st.LastSequence = 3
	require.NoError(t, s.CommitBatch(ctx, Commit{
		State:   st,
		Entries: []models.ManifestEntry{{Sequence: 3, ContentKey: "aaa", RowCount: 3, Committed: true}},
	}))
	entries, err = s.Manifest(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestCommitBatchRejectsWatermarkRegression(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	st := models.NewTableState("t1", models.ModeIncremental, "id")
	st.WatermarkValue = intMark(150)
	require.NoError(t, s.CommitBatch(ctx, Commit{State: st}))

	st.WatermarkValue = intMark(100)
	err := s.CommitBatch(ctx, Commit{
		State:   st,
		Entries: []models.ManifestEntry{{Sequence: 9, ContentKey: "late", Committed: true}},
	})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeStateCorruption))

	got, err := s.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), got.WatermarkValue.Int)

	entries, err := s.Manifest(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, entries, "the failed commit must not leave manifest rows behind")
}

func TestManifestEntryCommitsOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return first }

	st := models.NewTableState("t1", models.ModeIncremental, "id")
	st.PendingFiles = []models.PendingFile{{Sequence: 1}}
	st.LastSequence = 1
	entry := models.ManifestEntry{Sequence: 1, ContentKey: "k", RowCount: 5}
	require.NoError(t, s.CommitBatch(ctx, Commit{State: st, Entries: []models.ManifestEntry{entry}}))

	entries, err := s.Manifest(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Committed)
	assert.Nil(t, entries[0].CommittedAt)

	st.PendingFiles = nil
	entry.Committed = true
	require.NoError(t, s.CommitBatch(ctx, Commit{State: st, Entries: []models.ManifestEntry{entry}}))

	s.now = func() time.Time { return first.Add(time.Hour) }
	entry.Committed = false
	require.NoError(t, s.CommitBatch(ctx, Commit{State: st, Entries: []models.ManifestEntry{entry}}))

	entries, err = s.Manifest(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Committed)
	require.NotNil(t, entries[0].CommittedAt)
	assert.True(t, first.Equal(*entries[0].CommittedAt))
}

func TestPendingFilesRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	extracted := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	st := models.NewTableState("t1", models.ModeIncremental, "id")
	st.PendingFiles = []models.PendingFile{
		{
			Sequence:     1,
			RunID:        "run-1",
			File:         models.FileHandle{Path: "/data/t1/1.csv", Name: "1.csv", ContentKey: "c1", Format: models.FormatCSV},
			RowCount:     2,
			Schema:       []models.ColumnDescriptor{{Name: "id", Type: models.TypeInt}},
			MaxWatermark: intMark(2),
			ExtractedAt:  extracted,
		},
	}
	st.LastSequence = 1
	require.NoError(t, s.CommitBatch(ctx, Commit{State: st}))

	got, err := s.Load(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, got.PendingFiles, 1)
	p := got.PendingFiles[0]
	assert.Equal(t, "c1", p.File.ContentKey)
	assert.Equal(t, int64(2), p.MaxWatermark.Int)
	assert.Equal(t, models.TypeInt, p.Schema[0].Type)
	assert.True(t, extracted.Equal(p.ExtractedAt))
}

func TestLastSequenceNeverDecreases(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	st := models.NewTableState("t1", models.ModeFullLoad, "")
	st.LastSequence = 7
	require.NoError(t, s.CommitBatch(ctx, Commit{State: st}))

	st.LastSequence = 3
	require.NoError(t, s.CommitBatch(ctx, Commit{State: st}))

	got, err := s.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.LastSequence)
}

func TestCorruptRowsSurfaceAsStateCorruption(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		mode      string
		watermark interface{}
		pending   string
	}{
		{"unknown mode", "cdc", nil, "[]"},
		{"bad watermark", "incremental", `{"kind":"int","value":"abc"}`, "[]"},
		{"bad pending", "incremental", nil, "{not json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			_, err := s.db.ExecContext(ctx, `
				INSERT INTO table_state (table_id, mode, watermark_column, watermark, pending_files, last_sequence, updated_at)
				VALUES ('bad', ?, 'id', ?, ?, 0, '2024-01-01T00:00:00Z')`, tt.mode, tt.watermark, tt.pending)
			require.NoError(t, err)

			_, err = s.Load(ctx, "bad")
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeStateCorruption))
			assert.True(t, errors.DisablesPipeline(err))

			_, err = s.ListStates(ctx)
			assert.Error(t, err)
		})
	}
}

func TestListStatesAndReset(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, id := range []string{"b", "a"} {
		st := models.NewTableState(id, models.ModeFullLoad, "")
		require.NoError(t, s.CommitBatch(ctx, Commit{
			State:   st,
			Entries: []models.ManifestEntry{{Sequence: 1, ContentKey: id + "-key", Committed: true}},
		}))
	}

	states, err := s.ListStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "a", states[0].TableID)

	require.NoError(t, s.ResetTable(ctx, "a"))

	st, err := s.Load(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, st)
	entries, err := s.Manifest(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, entries)

	entries, err = s.Manifest(ctx, "b")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLoadOrInitResetsWatermarkWhenColumnChanges(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	st := models.NewTableState("t1", models.ModeIncremental, "id")
	st.WatermarkValue = intMark(10)
	require.NoError(t, s.CommitBatch(ctx, Commit{State: st}))

	got, err := s.LoadOrInit(ctx, "t1", models.ModeIncremental, "ID")
	require.NoError(t, err)
	assert.NotNil(t, got.WatermarkValue)

	got, err = s.LoadOrInit(ctx, "t1", models.ModeIncremental, "updated_at")
	require.NoError(t, err)
	assert.Nil(t, got.WatermarkValue)
	assert.Equal(t, "updated_at", got.WatermarkColumn)
}

func TestLeaseLock(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.AcquireLock(ctx, "t1", "run-a", time.Minute))

	err := s.AcquireLock(ctx, "t1", "run-b", time.Minute)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeLocked))

	// other tables are independent
	require.NoError(t, s.AcquireLock(ctx, "t2", "run-b", time.Minute))

	// releasing someone else's lease does nothing
	require.NoError(t, s.ReleaseLock(ctx, "t1", "run-b"))
	assert.Error(t, s.AcquireLock(ctx, "t1", "run-b", time.Minute))

	require.NoError(t, s.ReleaseLock(ctx, "t1", "run-a"))
	require.NoError(t, s.AcquireLock(ctx, "t1", "run-b", time.Minute))

	// expired leases can be taken over
	now = now.Add(2 * time.Minute)
	require.NoError(t, s.AcquireLock(ctx, "t1", "run-c", time.Minute))
}

func TestLeaseLockConcurrentAcquire(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := s.AcquireLock(ctx, "t1", string(rune('a'+i)), time.Minute); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}
