package database

import (
	"context"
	"testing"

	"github.com/shieldbattery/shieldbattery/internal/app/logger"
	"github.com/shieldbattery/shieldbattery/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrate(t *testing.T) {
	logger.SetDiscardLogger()

	db, err := NewMemory()
	if err != nil {
		assert.NoError(t, err)
		return
	}
	defer db.Close()
	assert.NoError(t, db.Ping())
}

func TestRelayServerStore(t *testing.T) {
	logger.SetDiscardLogger()

	db, err := NewMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	store := db.Store()

	first, err := store.Add(ctx, model.RelayServer{Enabled: true, Description: "Europe", Hostname: "eu.example.com", Port: 14098})
	require.NoError(t, err)
	second, err := store.Add(ctx, model.RelayServer{Enabled: false, Description: "Asia", Hostname: "asia.example.com", Port: 14099})
	require.NoError(t, err)
	assert.Less(t, first.ID, second.ID)

	all, err := store.RetrieveAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.RelayServer{first, second}, all)

	enabled, err := store.RetrieveEnabled(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.RelayServer{first}, enabled)

	t.Run("update", func(t *testing.T) {
		changed := first
		changed.Description = "Europe West"
		updated, found, err := store.Update(ctx, changed)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, changed, updated)
	})

	t.Run("update missing row", func(t *testing.T) {
		_, found, err := store.Update(ctx, model.RelayServer{ID: 999, Description: "x", Hostname: "x", Port: 1})
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("disable", func(t *testing.T) {
		updated, found, err := store.SetEnabled(ctx, first.ID, false)
		require.NoError(t, err)
		assert.True(t, found)
		assert.False(t, updated.Enabled)
	})

	t.Run("delete", func(t *testing.T) {
		found, err := store.Delete(ctx, second.ID)
		require.NoError(t, err)
		assert.True(t, found)

		_, found, err = store.Retrieve(ctx, second.ID)
		require.NoError(t, err)
		assert.False(t, found)
	})
}
