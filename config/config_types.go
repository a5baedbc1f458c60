package config

import (
	"errors"
	"time"
)

// Default file name and environment prefix.
const (
	File      = "config.json"
	EnvPrefix = "VENUE"
)

// Defaults applied to any key the file and environment leave unset.
const (
	DefaultName                = "venue"
	DefaultListenAddress       = ":8080"
	DefaultWebsocketPath       = "/ws"
	DefaultOrderBookDepth      = 5
	DefaultOrderBookThrottleMs = 250
	DefaultTickerThrottleMs    = 1000
	DefaultCandleThrottleMs    = 1500
	DefaultSnapshotIntervalMs  = 3000
	DefaultInboundQueueSize    = 10000
	DefaultSubscriberQueueSize = 1024
	DefaultInterval            = "1m"
	DefaultPriceTick           = "0.01"
	DefaultQtyTick             = "0.0001"
	DefaultMinQty              = "0.0001"
	DefaultMaxQty              = "1000000"
	DefaultLogLevel            = "info"
)

var (
	// ErrNoSymbols is returned when the configuration enables no
	// trading symbols.
	ErrNoSymbols = errors.New("no symbols configured")

	errDepthInvalid       = errors.New("orderBookDepth must be positive")
	errThrottleInvalid    = errors.New("throttle windows must be positive")
	errQueueSizeInvalid   = errors.New("queue sizes must be positive")
	errIntervalEmpty      = errors.New("interval must not be empty")
	errFeeRateInvalid     = errors.New("fee rates must be in [0, 1)")
	errDatabaseDriver     = errors.New("database driver must be postgres or sqlite3")
	errDatabaseDSNMissing = errors.New("database enabled without a dsn")
	errTokenEmpty         = errors.New("auth token must not be empty")
	errTokenUserInvalid   = errors.New("auth token user id must be positive")
)

// Config is the top level venue configuration.
type Config struct {
	Name                string         `json:"name" mapstructure:"name"`
	UpstreamURL         string         `json:"upstreamUrl" mapstructure:"upstreamUrl"`
	UpstreamBusinessURL string         `json:"upstreamBusinessUrl" mapstructure:"upstreamBusinessUrl"`
	Symbols             []string       `json:"symbols" mapstructure:"symbols"`
	Intervals           []string       `json:"intervals" mapstructure:"intervals"`
	OrderBookDepth      int            `json:"orderBookDepth" mapstructure:"orderBookDepth"`
	Throttle            ThrottleConfig `json:"throttle" mapstructure:"throttle"`
	SnapshotIntervalMs  int            `json:"snapshotIntervalMs" mapstructure:"snapshotIntervalMs"`
	InboundQueueSize    int            `json:"inboundQueueSize" mapstructure:"inboundQueueSize"`
	SubscriberQueueSize int            `json:"subscriberQueueSize" mapstructure:"subscriberQueueSize"`
	VerifyBook          bool           `json:"verifyBook" mapstructure:"verifyBook"`
	Pairs               []PairConfig   `json:"pairs" mapstructure:"pairs"`
	Fees                FeeConfig      `json:"fees" mapstructure:"fees"`
	Server              ServerConfig   `json:"server" mapstructure:"server"`
	Database            DatabaseConfig `json:"database" mapstructure:"database"`
	Auth                AuthConfig     `json:"auth" mapstructure:"auth"`
	Logging             LoggingConfig  `json:"logging" mapstructure:"logging"`
}

// ThrottleConfig bounds outbound push frequency per payload class, in
// milliseconds.
type ThrottleConfig struct {
	OrderBookMs int `json:"orderBookMs" mapstructure:"orderBookMs"`
	TickerMs    int `json:"tickerMs" mapstructure:"tickerMs"`
	CandleMs    int `json:"candleMs" mapstructure:"candleMs"`
}

// OrderBook returns the depth push window as a duration.
func (t ThrottleConfig) OrderBook() time.Duration {
	return time.Duration(t.OrderBookMs) * time.Millisecond
}

// Ticker returns the ticker push window as a duration.
func (t ThrottleConfig) Ticker() time.Duration {
	return time.Duration(t.TickerMs) * time.Millisecond
}

// Candle returns the open-candle push window as a duration.
func (t ThrottleConfig) Candle() time.Duration {
	return time.Duration(t.CandleMs) * time.Millisecond
}

// PairConfig overrides instrument parameters for one symbol. Amounts
// are decimal strings so exactness survives the config round trip.
type PairConfig struct {
	Symbol    string `json:"symbol" mapstructure:"symbol"`
	PriceTick string `json:"priceTick" mapstructure:"priceTick"`
	QtyTick   string `json:"qtyTick" mapstructure:"qtyTick"`
	MinQty    string `json:"minQty" mapstructure:"minQty"`
	MaxQty    string `json:"maxQty" mapstructure:"maxQty"`
}

// FeeConfig holds the flat maker/taker fee rates as decimal strings.
type FeeConfig struct {
	MakerRate string `json:"makerRate" mapstructure:"makerRate"`
	TakerRate string `json:"takerRate" mapstructure:"takerRate"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	ListenAddress string `json:"listenAddress" mapstructure:"listenAddress"`
	WebsocketPath string `json:"websocketPath" mapstructure:"websocketPath"`
}

// DatabaseConfig selects the durability store. Disabled leaves the
// venue fully in-memory.
type DatabaseConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Driver  string `json:"driver" mapstructure:"driver"`
	DSN     string `json:"dsn" mapstructure:"dsn"`
}

// TokenConfig maps one bearer token to a user id for the built-in
// validator.
type TokenConfig struct {
	Token  string `json:"token" mapstructure:"token"`
	UserID int64  `json:"userId" mapstructure:"userId"`
}

// AuthConfig configures request authentication. When Required is false
// unauthenticated requests proceed anonymously.
type AuthConfig struct {
	Required bool          `json:"required" mapstructure:"required"`
	Tokens   []TokenConfig `json:"tokens" mapstructure:"tokens"`
}

// LoggingConfig selects log verbosity and output format.
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	Console bool   `json:"console" mapstructure:"console"`
}
