package engine

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/openclob/venue/config"
	"github.com/openclob/venue/database"
	"github.com/openclob/venue/database/repository/orders"
	"github.com/openclob/venue/database/repository/trades"
	"github.com/openclob/venue/dispatch"
	"github.com/openclob/venue/internal/auth"
	"github.com/openclob/venue/ledger"
	"github.com/openclob/venue/marketdata"
	"github.com/openclob/venue/matching"
	"github.com/openclob/venue/upstream"
	"github.com/openclob/venue/ws"
)

// Public lifecycle errors.
var (
	ErrNilConfig      = errors.New("engine requires a configuration")
	ErrAlreadyStarted = errors.New("engine already started")
	ErrEngineStopped  = errors.New("engine not started")
	ErrUnknownSymbol  = errors.New("unknown symbol")

	errAuthRequired = errors.New("authentication required")
)

// anonymousUserID is assigned to unauthenticated requests when auth is
// not required, so development setups work without issuing tokens.
const anonymousUserID int64 = 1

// httpShutdownGrace bounds how long in-flight REST requests may run
// during shutdown.
const httpShutdownGrace = 5 * time.Second

// Engine owns every venue subsystem and sequences startup and
// shutdown. The REST and websocket layers borrow references from it;
// all trading state is reached through the per-symbol matching
// engines.
type Engine struct {
	Config    *config.Config
	Ledger    *ledger.Ledger
	Publisher *marketdata.Publisher
	Hub       *ws.Hub
	Relay     *upstream.Relay // nil when no upstream is configured

	dispatcher *dispatch.Dispatcher
	mux        *dispatch.Mux
	auth       auth.Validator

	// symbols preserves configuration order so id probes walk the
	// engines deterministically.
	symbols []string
	engines map[string]*matching.Engine

	orderSeq *matching.OrderSequence
	tradeSeq *matching.TradeSequence

	db         *database.Instance // nil when durability is disabled
	ordersRepo *orders.Repository
	tradesRepo *trades.Repository
	writer     *durabilityWriter

	httpSrv   *http.Server
	boundAddr string
	wg        sync.WaitGroup

	started   int32
	startedAt time.Time
}

// Health is the /healthz report. Healthy tracks the trading path only:
// a degraded relay or durability writer is reported but does not fail
// the probe because neither sits on the order flow.
type Health struct {
	Service    string            `json:"service"`
	Healthy    bool              `json:"healthy"`
	Uptime     string            `json:"uptime,omitempty"`
	Symbols    []SymbolHealth    `json:"symbols"`
	WSClients  int               `json:"wsClients"`
	Relay      *RelayHealth      `json:"relay,omitempty"`
	Durability *DurabilityHealth `json:"durability,omitempty"`
}

// SymbolHealth reports one matching engine.
type SymbolHealth struct {
	Symbol    string `json:"symbol"`
	Running   bool   `json:"running"`
	Halted    bool   `json:"halted"`
	HaltCause string `json:"haltCause,omitempty"`
}

// RelayHealth reports the upstream market-data connection.
type RelayHealth struct {
	State    string `json:"state"`
	Degraded bool   `json:"degraded"`
}

// DurabilityHealth reports the async persistence writer.
type DurabilityHealth struct {
	Degraded bool `json:"degraded"`
	Pending  int  `json:"pending"`
}
