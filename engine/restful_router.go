package engine

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Route binds one handler into the REST router.
type Route struct {
	Name        string
	Method      string
	Pattern     string
	HandlerFunc http.HandlerFunc
}

func (e *Engine) routes() []Route {
	return []Route{
		{"Index", http.MethodGet, "/", e.RESTIndex},
		{"PlaceOrder", http.MethodPost, "/api/trading/orders", e.RESTPlaceOrder},
		{"CancelOrder", http.MethodDelete, "/api/trading/orders/{id:[0-9]+}", e.RESTCancelOrder},
		{"GetOrder", http.MethodGet, "/api/trading/orders/{id:[0-9]+}", e.RESTGetOrder},
		{"GetOrderBook", http.MethodGet, "/api/trading/orderbook/{symbol}", e.RESTGetOrderBook},
		{"RecentTrades", http.MethodGet, "/api/trading/trades/{symbol}", e.RESTRecentTrades},
		{"GetBalances", http.MethodGet, "/api/trading/balances", e.RESTGetBalances},
		{"Health", http.MethodGet, "/healthz", e.RESTHealth},
	}
}

// newRouter assembles the REST routes, the Prometheus endpoint and the
// websocket upgrade path into one multiplexer.
func (e *Engine) newRouter() *mux.Router {
	router := mux.NewRouter().StrictSlash(true)
	for _, route := range e.routes() {
		router.
			Methods(route.Method).
			Path(route.Pattern).
			Name(route.Name).
			Handler(RESTLogger(route.HandlerFunc, route.Name))
	}
	router.
		Methods(http.MethodGet).
		Path("/metrics").
		Name("Metrics").
		Handler(promhttp.Handler())
	router.
		Methods(http.MethodGet).
		Path(e.Config.Server.WebsocketPath).
		Name("Websocket").
		HandlerFunc(e.Hub.ServeWS)
	return router
}

// RESTLogger logs the requests internally.
func RESTLogger(inner http.Handler, name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		inner.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("uri", r.RequestURI).
			Str("route", name).
			Dur("took", time.Since(start)).
			Msg("rest request")
	})
}
