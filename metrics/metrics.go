// Package metrics exposes the venue's Prometheus collectors. All
// metrics register on the default registry and are served by the REST
// server at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OrdersAccepted counts orders that passed validation and froze
	// funds, labelled by symbol.
	OrdersAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "venue_orders_accepted_total",
		Help: "Orders accepted by the matching engine",
	}, []string{"symbol"})

	// OrdersRejected counts synchronous rejections by reason.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "venue_orders_rejected_total",
		Help: "Orders rejected before any state change",
	}, []string{"symbol", "reason"})

	// OrdersCanceled counts cancellations by reason, including
	// self-trade prevention and market-order remainders.
	OrdersCanceled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "venue_orders_canceled_total",
		Help: "Orders canceled after acceptance",
	}, []string{"symbol", "reason"})

	// TradesExecuted counts settled trades.
	TradesExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "venue_trades_executed_total",
		Help: "Trades matched and settled",
	}, []string{"symbol"})

	// SymbolsHalted tracks symbols currently trapped by an invariant
	// breach.
	SymbolsHalted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "venue_symbols_halted",
		Help: "Symbols refusing orders after an invariant violation",
	})

	// PushesSent counts realtime payloads handed to the fabric by
	// topic kind.
	PushesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "venue_pushes_sent_total",
		Help: "Market-data payloads pushed to the realtime fabric",
	}, []string{"kind"})

	// PushesSuppressed counts payloads withheld by dedup or throttle.
	PushesSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "venue_pushes_suppressed_total",
		Help: "Market-data payloads suppressed before push",
	}, []string{"kind", "cause"})

	// WSClients tracks connected realtime clients.
	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "venue_ws_clients",
		Help: "Connected realtime fabric clients",
	})

	// WSClientOverflows counts clients disconnected for lagging.
	WSClientOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "venue_ws_client_overflows_total",
		Help: "Clients dropped after overflowing their send queue",
	})

	// RelayState reports the upstream connection state by its
	// numeric value (0 disconnected through 3 reconnecting).
	RelayState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "venue_relay_state",
		Help: "Upstream market-data relay connection state",
	})

	// RelayReconnects counts reconnect attempts.
	RelayReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "venue_relay_reconnects_total",
		Help: "Upstream relay reconnect attempts",
	})

	// RelayMessages counts normalized upstream messages by channel.
	RelayMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "venue_relay_messages_total",
		Help: "Normalized upstream messages by channel",
	}, []string{"channel"})

	// DurabilityRows counts rows persisted by entity.
	DurabilityRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "venue_durability_rows_total",
		Help: "Rows written by the durability writer",
	}, []string{"entity"})

	// DurabilityFailures counts failed flush attempts.
	DurabilityFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "venue_durability_failures_total",
		Help: "Durability writer flush failures",
	})

	// BusDrops counts events dropped on full subscriber queues by
	// consumer name.
	BusDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "venue_bus_drops_total",
		Help: "Bus events dropped on full subscriber queues",
	}, []string{"consumer"})
)
