package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/pincex_mktcore/internal/book"
	"github.com/Aidin1998/pincex_mktcore/internal/risk"
)

const sampleYAML = `
logging:
  level: debug
server:
  port: 9090
engine:
  reference_currency: USD
  mode: normal
  tick_min_interval: 100ms
  limits:
    max_total_exposure: "1000000"
    min_nav: "-5000"
    max_order_notional: "50000"
  throttle:
    order:
      - period: 1s
        limit: "100000"
      - period: 1m
        limit: "2000000"
    fill:
      - period: 10s
        limit: "500000"
  books:
    - venue: BINANCE
      symbol: BTC-USDT
      base_asset: BTC
      quote_asset: USDT
      tick_size: 0.1
      mode: dense
      capacity: 4096
      seq_policy: continuous
      valuation: true
    - venue: COINBASE
      symbol: ETH-USD
      base_asset: ETH
      quote_asset: USD
      mode: sparse
      seq_policy: non_decreasing
      order_tracking: true
  valuators:
    - asset: BTC
      peg_book: "BINANCE:BTC-USDT:SPOT"
    - asset: USDT
      fixed_rate: "1"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 100*time.Millisecond, cfg.Engine.TickMinInterval)
	require.Len(t, cfg.Engine.Books, 2)
	assert.Equal(t, "SPOT", cfg.Engine.Books[0].SettleDate) // defaulted

	bc, err := cfg.Engine.Books[0].Book()
	require.NoError(t, err)
	assert.Equal(t, book.Dense, bc.Mode)
	assert.Equal(t, book.SeqContinuous, bc.SeqPolicy)
	assert.Equal(t, 4096, bc.Capacity)
	assert.Equal(t, "BINANCE:BTC-USDT:SPOT", bc.Instrument.Key())

	sc, err := cfg.Engine.Books[1].Book()
	require.NoError(t, err)
	assert.Equal(t, book.Sparse, sc.Mode)
	assert.Equal(t, book.SeqNonDecreasing, sc.SeqPolicy)
	assert.True(t, sc.OrderTracking)

	limits, err := cfg.Engine.RiskLimits()
	require.NoError(t, err)
	assert.Equal(t, "USD", limits.ReferenceCurrency)
	assert.True(t, limits.MaxTotalExposure.Equal(decimal.RequireFromString("1000000")))
	assert.True(t, limits.HasMinNAV)
	assert.True(t, limits.MinNAV.IsNegative())
	require.Len(t, limits.OrderWindows, 2)
	assert.Equal(t, time.Second, limits.OrderWindows[0].Period)
	require.Len(t, limits.FillWindows, 1)

	assert.Equal(t, risk.Normal, cfg.Engine.StartMode())
}

func TestLoadRejectsMissingBooks(t *testing.T) {
	_, err := Load(writeConfig(t, `
engine:
  reference_currency: USD
`))
	require.Error(t, err)
}

func TestLoadRejectsBadMode(t *testing.T) {
	_, err := Load(writeConfig(t, `
engine:
  reference_currency: USD
  mode: turbo
  books:
    - venue: X
      symbol: A-B
      base_asset: A
      quote_asset: B
`))
	require.Error(t, err)
}

func TestRiskLimitsRejectsBadDecimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
engine:
  reference_currency: USD
  limits:
    max_total_exposure: "not-a-number"
  books:
    - venue: X
      symbol: A-B
      base_asset: A
      quote_asset: B
      mode: sparse
`))
	require.NoError(t, err)
	_, err = cfg.Engine.RiskLimits()
	require.Error(t, err)
}
