package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tablemirror/internal/coordinator"
	"github.com/ajitpratap0/tablemirror/pkg/config"
	"github.com/ajitpratap0/tablemirror/pkg/errors"
	"github.com/ajitpratap0/tablemirror/pkg/models"
	"github.com/ajitpratap0/tablemirror/pkg/registry"
	"github.com/ajitpratap0/tablemirror/pkg/source"
	"github.com/ajitpratap0/tablemirror/pkg/testutil"
)

func TestMissingTablesIgnoresCase(t *testing.T) {
	reader := testutil.NewFakeReader()
	reader.AddTable("Orders", []source.Column{{Name: "id", Type: models.TypeInt}})

	missing, err := missingTables(context.Background(), reader, []config.TableConfig{
		{ID: "shop.public.orders", Name: "orders"},
		{ID: "shop.public.users", Name: "users"},
	})
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, "shop.public.users", missing[0].ID)
}

func TestSummarizeFailsWhenAnyRunFailed(t *testing.T) {
	ok := coordinator.RunResult{TableID: "a", State: coordinator.StateCommitted}
	skipped := coordinator.RunResult{TableID: "b", State: coordinator.StateIdle, Err: errors.New(errors.ErrorTypeLocked, "locked")}
	failed := coordinator.RunResult{TableID: "c", State: coordinator.StateFailed, Stage: coordinator.StateLoading, Err: errors.New(errors.ErrorTypeQuery, "boom")}

	assert.NoError(t, summarize([]coordinator.RunResult{ok, skipped}))
	assert.EqualError(t, summarize([]coordinator.RunResult{ok, failed}), "1 of 2 tables failed")
}

func TestEveryDriverIsRegistered(t *testing.T) {
	sources, stores, warehouses := registry.Global().Names()
	assert.ElementsMatch(t, []string{config.EnginePostgres, config.EngineMySQL}, sources)
	assert.ElementsMatch(t, []string{config.ProviderAWS, config.ProviderGCP, config.ProviderMinIO}, stores)
	assert.ElementsMatch(t, []string{config.WarehouseSnowflake, config.WarehouseBigQuery}, warehouses)
}
