// internal/config/config_test.go
package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 2, cfg.MinPlayers)
	assert.Equal(t, 10, cfg.MaxPlayers)
	assert.Equal(t, 120*time.Second, cfg.FormingWindow)
	assert.Equal(t, 3*time.Second, cfg.CallInterval)
	assert.Equal(t, 20, cfg.MaxNumber)
	assert.Equal(t, []int64{1000, 3500, 10000}, cfg.BuyInTiers)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MAX_PLAYERS", "4")
	t.Setenv("CALL_INTERVAL", "250ms")
	t.Setenv("BUY_IN_TIERS", "500,2500")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.MaxPlayers)
	assert.Equal(t, 250*time.Millisecond, cfg.CallInterval)
	assert.Equal(t, []int64{500, 2500}, cfg.BuyInTiers)
}

func TestLoadValidation(t *testing.T) {
	t.Run("min players floor", func(t *testing.T) {
		t.Setenv("MIN_PLAYERS", "1")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("max below min", func(t *testing.T) {
		t.Setenv("MIN_PLAYERS", "5")
		t.Setenv("MAX_PLAYERS", "3")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("universe too small for a grid", func(t *testing.T) {
		t.Setenv("MAX_NUMBER", "8")
		_, err := Load()
		assert.Error(t, err)
	})
}
