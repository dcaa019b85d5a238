package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/Aidin1998/pincex_mktcore/internal/book"
	"github.com/Aidin1998/pincex_mktcore/internal/risk"
	"github.com/Aidin1998/pincex_mktcore/pkg/models"
)

// Config is the full engine configuration, loaded from YAML with
// MKTCORE_-prefixed environment overrides.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Server  ServerConfig  `mapstructure:"server"`
	Engine  EngineConfig  `mapstructure:"engine"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
}

// ServerConfig covers the operator HTTP surface: admin API, metrics and
// the market data WebSocket endpoint share one listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port" validate:"min=0,max=65535"`
}

type EngineConfig struct {
	ReferenceCurrency string         `mapstructure:"reference_currency" validate:"required"`
	Mode              string         `mapstructure:"mode" validate:"omitempty,oneof=normal relaxed stp"`
	TickMinInterval   time.Duration  `mapstructure:"tick_min_interval" validate:"min=0"`
	Limits            LimitsConfig   `mapstructure:"limits"`
	Throttle          ThrottleConfig `mapstructure:"throttle"`
	Books             []BookConfig   `mapstructure:"books" validate:"required,min=1,dive"`
	Valuators         []ValuatorSpec `mapstructure:"valuators" validate:"dive"`
	Replay            ReplayConfig   `mapstructure:"replay"`
}

// LimitsConfig carries decimal limits as strings so YAML never goes
// through float64. Empty string means unarmed.
type LimitsConfig struct {
	MaxTotalExposure  string `mapstructure:"max_total_exposure"`
	MinNAV            string `mapstructure:"min_nav"`
	MaxOrderNotional  string `mapstructure:"max_order_notional"`
	MinOrderNotional  string `mapstructure:"min_order_notional"`
	MaxActiveNotional string `mapstructure:"max_active_notional"`
}

type ThrottleWindowConfig struct {
	Period time.Duration `mapstructure:"period" validate:"required"`
	Limit  string        `mapstructure:"limit" validate:"required"`
}

type ThrottleConfig struct {
	Order []ThrottleWindowConfig `mapstructure:"order" validate:"max=3,dive"`
	Fill  []ThrottleWindowConfig `mapstructure:"fill" validate:"max=3,dive"`
}

type BookConfig struct {
	Venue              string  `mapstructure:"venue" validate:"required"`
	Symbol             string  `mapstructure:"symbol" validate:"required"`
	BaseAsset          string  `mapstructure:"base_asset" validate:"required"`
	QuoteAsset         string  `mapstructure:"quote_asset" validate:"required"`
	SettleDate         string  `mapstructure:"settle_date"`
	TickSize           float64 `mapstructure:"tick_size" validate:"min=0"`
	LotSize            string  `mapstructure:"lot_size"`
	ContractSize       string  `mapstructure:"contract_size"`
	FractionalQty      bool    `mapstructure:"fractional_qty"`
	Mode               string  `mapstructure:"mode" validate:"omitempty,oneof=dense sparse"`
	Capacity           int     `mapstructure:"capacity" validate:"min=0"`
	MaxDepth           int     `mapstructure:"max_depth" validate:"min=0"`
	SeqPolicy          string  `mapstructure:"seq_policy" validate:"omitempty,oneof=continuous non_decreasing"`
	OrderTracking      bool    `mapstructure:"order_tracking"`
	OrderTableCapacity int     `mapstructure:"order_table_capacity" validate:"min=0"`
	RelaxedAlignment   bool    `mapstructure:"relaxed_alignment"`
	Strict             bool    `mapstructure:"strict"`
	Valuation          bool    `mapstructure:"valuation"` // book marks its own instrument's positions
}

// ValuatorSpec binds one asset to a reference-currency source: either a
// fixed rate or a peg to a configured book (by instrument key), with an
// optional adjustment.
type ValuatorSpec struct {
	Asset      string `mapstructure:"asset" validate:"required"`
	SettleDate string `mapstructure:"settle_date"`
	FixedRate  string `mapstructure:"fixed_rate"`
	PegBook    string `mapstructure:"peg_book"`
	Adjust     string `mapstructure:"adjust"`
	Invert     bool   `mapstructure:"invert"`
}

type ReplayConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Seed     int64         `mapstructure:"seed"`
	Interval time.Duration `mapstructure:"interval"`
}

// Load reads, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MKTCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("logging.level", "info")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("engine.mode", "normal")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	for i := range cfg.Engine.Books {
		if cfg.Engine.Books[i].SettleDate == "" {
			cfg.Engine.Books[i].SettleDate = "SPOT"
		}
	}
	return &cfg, nil
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: bad decimal %q", field, s)
	}
	return d, nil
}

// Instrument materializes the static instrument definition.
func (b *BookConfig) Instrument() (models.Instrument, error) {
	lot, err := parseDecimal("lot_size", b.LotSize)
	if err != nil {
		return models.Instrument{}, err
	}
	contract, err := parseDecimal("contract_size", b.ContractSize)
	if err != nil {
		return models.Instrument{}, err
	}
	return models.Instrument{
		Venue:         b.Venue,
		Symbol:        b.Symbol,
		BaseAsset:     b.BaseAsset,
		QuoteAsset:    b.QuoteAsset,
		SettleDate:    b.SettleDate,
		TickSize:      b.TickSize,
		LotSize:       lot,
		ContractSize:  contract,
		FractionalQty: b.FractionalQty,
	}, nil
}

// BookConfig materializes the order book construction parameters.
func (b *BookConfig) Book() (book.Config, error) {
	inst, err := b.Instrument()
	if err != nil {
		return book.Config{}, err
	}
	cfg := book.Config{
		Instrument:         inst,
		Capacity:           b.Capacity,
		MaxDepth:           b.MaxDepth,
		OrderTracking:      b.OrderTracking,
		OrderTableCapacity: b.OrderTableCapacity,
		RelaxedAlignment:   b.RelaxedAlignment,
		Strict:             b.Strict,
	}
	if b.Mode == "sparse" {
		cfg.Mode = book.Sparse
	} else {
		cfg.Mode = book.Dense
	}
	if b.SeqPolicy == "non_decreasing" {
		cfg.SeqPolicy = book.SeqNonDecreasing
	}
	return cfg, nil
}

// RiskLimits materializes the manager's limit set.
func (e *EngineConfig) RiskLimits() (risk.Limits, error) {
	l := risk.Limits{
		ReferenceCurrency: e.ReferenceCurrency,
		TickMinInterval:   e.TickMinInterval,
	}
	var err error
	if l.MaxTotalExposure, err = parseDecimal("max_total_exposure", e.Limits.MaxTotalExposure); err != nil {
		return l, err
	}
	if e.Limits.MinNAV != "" {
		if l.MinNAV, err = parseDecimal("min_nav", e.Limits.MinNAV); err != nil {
			return l, err
		}
		l.HasMinNAV = true
	}
	if l.MaxOrderNotional, err = parseDecimal("max_order_notional", e.Limits.MaxOrderNotional); err != nil {
		return l, err
	}
	if l.MinOrderNotional, err = parseDecimal("min_order_notional", e.Limits.MinOrderNotional); err != nil {
		return l, err
	}
	if l.MaxActiveNotional, err = parseDecimal("max_active_notional", e.Limits.MaxActiveNotional); err != nil {
		return l, err
	}
	if l.OrderWindows, err = windows("throttle.order", e.Throttle.Order); err != nil {
		return l, err
	}
	if l.FillWindows, err = windows("throttle.fill", e.Throttle.Fill); err != nil {
		return l, err
	}
	return l, nil
}

func windows(field string, in []ThrottleWindowConfig) ([]risk.ThrottleWindow, error) {
	out := make([]risk.ThrottleWindow, 0, len(in))
	for _, w := range in {
		limit, err := parseDecimal(field, w.Limit)
		if err != nil {
			return nil, err
		}
		out = append(out, risk.ThrottleWindow{Period: w.Period, Limit: limit})
	}
	return out, nil
}

// StartMode maps the configured mode name onto the risk manager's.
func (e *EngineConfig) StartMode() risk.Mode {
	switch e.Mode {
	case "relaxed":
		return risk.Relaxed
	case "stp":
		return risk.STP
	default:
		return risk.Normal
	}
}
