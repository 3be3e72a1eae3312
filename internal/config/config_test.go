package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadValidPaperConfig(t *testing.T) {
	path := writeTempConfig(t, `
trading:
  mode: paper
  baseCurrency: USDT
  symbols: ["BTCUSDT"]
  maxPositionSize: 1.0
  maxDailyDrawdown: 500
  maxConsecutiveLosses: 5
risk:
  maxLeverage: 2
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "paper", cfg.Trading.Mode)
	assert.Equal(t, []string{"BTCUSDT"}, cfg.Trading.Symbols)
}

func TestLoadRejectsInvalidMode(t *testing.T) {
	path := writeTempConfig(t, `
trading:
  mode: bogus
  symbols: ["BTCUSDT"]
  maxPositionSize: 1.0
  maxDailyDrawdown: 500
risk:
  maxLeverage: 1
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trading.mode")
}

func TestLoadLiveModeRequiresApiCredentials(t *testing.T) {
	path := writeTempConfig(t, `
trading:
  mode: live
  symbols: ["BTCUSDT"]
  maxPositionSize: 1.0
  maxDailyDrawdown: 500
risk:
  maxLeverage: 1
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exchange.apiKey")
	assert.Contains(t, err.Error(), "exchange.apiSecret")
}

func TestLoadExpandsCriticalEnvVarsAndFailsWhenMissing(t *testing.T) {
	path := writeTempConfig(t, `
trading:
  mode: live
  symbols: ["BTCUSDT"]
  maxPositionSize: 1.0
  maxDailyDrawdown: 500
exchange:
  apiKey: ${EXCHANGE_API_KEY}
  apiSecret: ${EXCHANGE_API_SECRET}
risk:
  maxLeverage: 1
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EXCHANGE_API_KEY")

	t.Setenv("EXCHANGE_API_KEY", "key123")
	t.Setenv("EXCHANGE_API_SECRET", "secret456")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "key123", cfg.Exchange.APIKey)
	assert.Equal(t, "secret456", cfg.Exchange.APISecret)
}

func TestLoadBacktestModeRequiresPositiveInitialCapital(t *testing.T) {
	path := writeTempConfig(t, `
trading:
  mode: backtest
  symbols: ["BTCUSDT"]
  maxPositionSize: 1.0
  maxDailyDrawdown: 500
risk:
  maxLeverage: 1
backtest:
  initialCapital: 0
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backtest.initialCapital")
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	errs := cfg.Validate()
	assert.Empty(t, errs)
}

func TestStringMasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.Exchange.APIKey = "abcdefgh"
	cfg.Exchange.APISecret = "shhhhhhh"
	out := cfg.String()
	assert.NotContains(t, out, "abcdefgh")
	assert.NotContains(t, out, "shhhhhhh")
}
