package app

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cachemem "github.com/alanyoungcy/pricearena/internal/cache/memory"
	"github.com/alanyoungcy/pricearena/internal/config"
	"github.com/alanyoungcy/pricearena/internal/domain"
)

func memoryConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Storage.Driver = "memory"
	cfg.Redis.Enabled = false
	return &cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWire_MemoryWithoutRedis(t *testing.T) {
	deps, cleanup, err := Wire(context.Background(), memoryConfig(), discardLogger())
	require.NoError(t, err)
	defer cleanup()

	assert.NotNil(t, deps.Rounds)
	assert.NotNil(t, deps.Spreads)
	assert.NotNil(t, deps.Ticks)
	assert.NotNil(t, deps.Audit)
	assert.IsType(t, &cachemem.Bus{}, deps.SignalBus)
	assert.Nil(t, deps.PriceCache)
	assert.Nil(t, deps.RateLimiter)
	assert.Nil(t, deps.LockManager)
	assert.Nil(t, deps.Archiver)
	assert.NotNil(t, deps.Metrics)

	_, err = deps.Users.GetUser(context.Background(), "nobody")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLevelPolicy(t *testing.T) {
	p := levelPolicy(config.LedgerConfig{LevelBase: 5000, LevelGrowth: 1.15, LevelUpBonus: 10000, LimitEvery: 5})
	assert.Equal(t, 5000.0, p.Curve.Base)
	assert.Equal(t, 1.15, p.Curve.Growth)
	assert.Equal(t, int64(10000), p.LevelUpBonus)
	assert.Equal(t, 5, p.LimitEvery)
}

func TestRun_UnsupportedMode(t *testing.T) {
	cfg := memoryConfig()
	cfg.Mode = "trade"
	a := New(cfg, discardLogger())
	defer a.Close()

	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported mode")
}

func TestBuildFeed(t *testing.T) {
	a := New(memoryConfig(), discardLogger())
	f, err := a.buildFeed()
	require.NoError(t, err)
	require.NotNil(t, f)
	_, ok := f.LastPrice()
	assert.False(t, ok)

	a.cfg.Feed.Providers = []string{"kraken"}
	_, err = a.buildFeed()
	assert.Error(t, err)
}
