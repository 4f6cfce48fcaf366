package logger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitRejectsBadLevel(t *testing.T) {
	err := Init(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestInitReplacesGlobal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.json")
	require.NoError(t, Init(Config{Level: "warn", OutputPaths: []string{path}}))

	l := Get()
	assert.False(t, l.Core().Enabled(zap.InfoLevel))
	assert.True(t, l.Core().Enabled(zap.WarnLevel))
	assert.NoError(t, Sync())
}

func TestFromContextAddsFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core)

	ctx := ContextWithTable(context.Background(), "sales.orders", "run-1")
	FromContext(ctx, base).Info("staged")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "sales.orders", fields["table_id"])
	assert.Equal(t, "run-1", fields["run_id"])
}

func TestFromContextWithoutIDs(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	FromContext(context.Background(), zap.New(core)).Info("plain")

	require.Equal(t, 1, logs.Len())
	assert.Empty(t, logs.All()[0].Context)
}
