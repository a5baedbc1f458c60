// Package config loads and validates venue configuration from a JSON
// file layered with VENUE_* environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/openclob/venue/currency"
	"github.com/openclob/venue/order"
)

// Load reads the configuration at path, applies environment overrides
// and defaults, and validates the result. An empty path loads defaults
// and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config read %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config unmarshal: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("name", DefaultName)
	v.SetDefault("symbols", []string{})
	v.SetDefault("intervals", []string{DefaultInterval})
	v.SetDefault("orderBookDepth", DefaultOrderBookDepth)
	v.SetDefault("throttle.orderBookMs", DefaultOrderBookThrottleMs)
	v.SetDefault("throttle.tickerMs", DefaultTickerThrottleMs)
	v.SetDefault("throttle.candleMs", DefaultCandleThrottleMs)
	v.SetDefault("snapshotIntervalMs", DefaultSnapshotIntervalMs)
	v.SetDefault("inboundQueueSize", DefaultInboundQueueSize)
	v.SetDefault("subscriberQueueSize", DefaultSubscriberQueueSize)
	v.SetDefault("verifyBook", true)
	v.SetDefault("fees.makerRate", "0")
	v.SetDefault("fees.takerRate", "0")
	v.SetDefault("server.listenAddress", DefaultListenAddress)
	v.SetDefault("server.websocketPath", DefaultWebsocketPath)
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("auth.required", false)
	v.SetDefault("logging.level", DefaultLogLevel)
	v.SetDefault("logging.console", false)
}

// Validate applies the range checks the request path depends on.
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return ErrNoSymbols
	}
	if c.OrderBookDepth <= 0 {
		return errDepthInvalid
	}
	if c.Throttle.OrderBookMs <= 0 || c.Throttle.TickerMs <= 0 || c.Throttle.CandleMs <= 0 {
		return errThrottleInvalid
	}
	if c.SnapshotIntervalMs <= 0 {
		return fmt.Errorf("snapshotIntervalMs: %w", errThrottleInvalid)
	}
	if c.InboundQueueSize <= 0 || c.SubscriberQueueSize <= 0 {
		return errQueueSizeInvalid
	}
	for i := range c.Intervals {
		if strings.TrimSpace(c.Intervals[i]) == "" {
			return fmt.Errorf("intervals[%d]: %w", i, errIntervalEmpty)
		}
	}
	if _, _, err := c.FeeRates(); err != nil {
		return err
	}
	if _, err := c.TradingPairs(); err != nil {
		return err
	}
	if c.Database.Enabled {
		if c.Database.Driver != "postgres" && c.Database.Driver != "sqlite3" {
			return fmt.Errorf("%q: %w", c.Database.Driver, errDatabaseDriver)
		}
		if c.Database.DSN == "" {
			return errDatabaseDSNMissing
		}
	}
	for i := range c.Auth.Tokens {
		if c.Auth.Tokens[i].Token == "" {
			return fmt.Errorf("auth.tokens[%d]: %w", i, errTokenEmpty)
		}
		if c.Auth.Tokens[i].UserID <= 0 {
			return fmt.Errorf("auth.tokens[%d]: %w", i, errTokenUserInvalid)
		}
	}
	return nil
}

// SnapshotInterval returns the full-snapshot cadence as a duration.
func (c *Config) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalMs) * time.Millisecond
}

// FeeRates parses the configured flat maker and taker rates.
func (c *Config) FeeRates() (maker, taker decimal.Decimal, err error) {
	maker, err = parseRate(c.Fees.MakerRate)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, fmt.Errorf("fees.makerRate: %w", err)
	}
	taker, err = parseRate(c.Fees.TakerRate)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, fmt.Errorf("fees.takerRate: %w", err)
	}
	return maker, taker, nil
}

func parseRate(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	r, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %v", errFeeRateInvalid, err)
	}
	if r.IsNegative() || r.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Decimal{}, errFeeRateInvalid
	}
	return r, nil
}

// TradingPairs resolves every enabled symbol to its instrument
// definition, applying per-pair overrides over the tick defaults.
func (c *Config) TradingPairs() ([]*order.TradingPair, error) {
	overrides := make(map[string]PairConfig, len(c.Pairs))
	for i := range c.Pairs {
		overrides[strings.ToUpper(c.Pairs[i].Symbol)] = c.Pairs[i]
	}

	pairs := make([]*order.TradingPair, 0, len(c.Symbols))
	for _, sym := range c.Symbols {
		p, err := currency.NewPairFromString(sym)
		if err != nil {
			return nil, fmt.Errorf("symbol %q: %w", sym, err)
		}
		tp := &order.TradingPair{Symbol: p, Active: true}
		ov := overrides[strings.ToUpper(p.String())]
		if tp.PriceTick, err = tickOrDefault(ov.PriceTick, DefaultPriceTick); err != nil {
			return nil, fmt.Errorf("symbol %q priceTick: %w", sym, err)
		}
		if tp.QtyTick, err = tickOrDefault(ov.QtyTick, DefaultQtyTick); err != nil {
			return nil, fmt.Errorf("symbol %q qtyTick: %w", sym, err)
		}
		if tp.MinQty, err = tickOrDefault(ov.MinQty, DefaultMinQty); err != nil {
			return nil, fmt.Errorf("symbol %q minQty: %w", sym, err)
		}
		if tp.MaxQty, err = tickOrDefault(ov.MaxQty, DefaultMaxQty); err != nil {
			return nil, fmt.Errorf("symbol %q maxQty: %w", sym, err)
		}
		if err := tp.Validate(); err != nil {
			return nil, fmt.Errorf("symbol %q: %w", sym, err)
		}
		pairs = append(pairs, tp)
	}
	return pairs, nil
}

func tickOrDefault(s, def string) (decimal.Decimal, error) {
	if s == "" {
		s = def
	}
	return decimal.NewFromString(s)
}
