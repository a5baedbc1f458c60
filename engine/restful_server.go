package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/openclob/venue/ledger"
	"github.com/openclob/venue/marketdata"
	"github.com/openclob/venue/matching"
	"github.com/openclob/venue/order"
	"github.com/openclob/venue/orderbook"
)

// apiResponse is the uniform REST envelope.
type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// placeOrderRequest is the POST /api/trading/orders body. Quantity and
// price accept JSON numbers or strings; strings keep full precision.
type placeOrderRequest struct {
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Type          string          `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	ClientOrderID string          `json:"clientOrderId"`
}

// orderPayload is the order shape returned by the trading endpoints.
// OrderID duplicates ID for callers keyed on the legacy field name.
type orderPayload struct {
	ID             int64           `json:"id"`
	OrderID        int64           `json:"orderId"`
	ClientOrderID  string          `json:"clientOrderId,omitempty"`
	Symbol         string          `json:"symbol"`
	Side           order.Side      `json:"side"`
	Type           order.Type      `json:"type"`
	Quantity       decimal.Decimal `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	FilledQuantity decimal.Decimal `json:"filledQuantity"`
	Status         order.Status    `json:"status"`
	Reason         string          `json:"reason,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

func orderPayloadFrom(o *order.Order) *orderPayload {
	return &orderPayload{
		ID:             o.ID,
		OrderID:        o.ID,
		ClientOrderID:  o.ClientOrderID,
		Symbol:         o.Symbol.String(),
		Side:           o.Side,
		Type:           o.Type,
		Quantity:       o.Qty,
		Price:          o.Price,
		FilledQuantity: o.FilledQty,
		Status:         o.Status,
		Reason:         string(o.Reason),
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	}
}

// writeJSON outputs a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("rest response encode failed")
	}
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, &apiResponse{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, &apiResponse{Success: false, Error: err.Error()})
}

// statusFor maps request-path errors onto HTTP statuses. Anything
// unmapped is treated as a caller problem; halted or stopped symbols
// are the venue's.
func statusFor(err error) int {
	switch {
	case errors.Is(err, matching.ErrOrderNotFound), errors.Is(err, ErrUnknownSymbol):
		return http.StatusNotFound
	case errors.Is(err, matching.ErrSymbolHalted), errors.Is(err, matching.ErrEngineStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, matching.ErrAlreadyTerminal),
		errors.Is(err, matching.ErrNoLiquidity),
		errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusBadRequest
	default:
		return http.StatusBadRequest
	}
}

// restToken extracts a bearer token from the Authorization header.
func restToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer"))
}

// resolveUser authenticates the request. Absent credentials resolve to
// the anonymous user unless the configuration requires auth; presented
// credentials must always validate.
func (e *Engine) resolveUser(r *http.Request) (int64, error) {
	token := restToken(r)
	if token == "" {
		if e.Config.Auth.Required {
			return 0, errAuthRequired
		}
		return anonymousUserID, nil
	}
	if e.auth == nil {
		return 0, errAuthRequired
	}
	return e.auth.Validate(token)
}

// RESTIndex answers the root path with a service banner.
func (e *Engine) RESTIndex(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, map[string]interface{}{
		"service": e.Config.Name,
		"symbols": e.symbols,
	})
}

// RESTPlaceOrder submits an order to the symbol's matching engine and
// returns the committed order with any immediate fills applied.
func (e *Engine) RESTPlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, err := e.resolveUser(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	side, err := order.ParseSide(req.Side)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	typ, err := order.ParseType(req.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	me, err := e.engineFor(req.Symbol)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	res, err := me.PlaceOrder(r.Context(), &order.Submit{
		ClientOrderID: req.ClientOrderID,
		UserID:        userID,
		Symbol:        me.Pair().Symbol,
		Side:          side,
		Type:          typ,
		Price:         req.Price,
		Qty:           req.Quantity,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeData(w, http.StatusCreated, orderPayloadFrom(&res.Order))
}

// RESTCancelOrder cancels a resting order owned by the caller. The id
// alone identifies the order; the owning engine is resolved by probe.
func (e *Engine) RESTCancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, err := e.resolveUser(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid order id: %w", err))
		return
	}
	o, err := e.cancelOrder(r.Context(), userID, id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, &apiResponse{
		Success: true,
		Message: fmt.Sprintf("order %d canceled", o.ID),
	})
}

// RESTGetOrder returns the venue's view of one order, resting or
// terminal. Orders owned by other users read as not found.
func (e *Engine) RESTGetOrder(w http.ResponseWriter, r *http.Request) {
	userID, err := e.resolveUser(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid order id: %w", err))
		return
	}
	o, err := e.orderByID(r.Context(), id)
	if err == nil && o.UserID != userID {
		err = fmt.Errorf("order %d %w", id, matching.ErrOrderNotFound)
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeData(w, http.StatusOK, orderPayloadFrom(&o))
}

// RESTGetOrderBook returns the aggregated top-N levels of the symbol's
// book with running totals per side.
func (e *Engine) RESTGetOrderBook(w http.ResponseWriter, r *http.Request) {
	me, err := e.engineFor(mux.Vars(r)["symbol"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	depth := e.Config.OrderBookDepth
	if q := r.URL.Query().Get("depth"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("depth must be a positive integer"))
			return
		}
		depth = n
	}
	bids, asks, err := me.Depth(r.Context(), depth)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeData(w, http.StatusOK, &marketdata.DepthSnapshot{
		Symbol: me.Symbol(),
		Bids:   totaled(bids),
		Asks:   totaled(asks),
		At:     time.Now().UTC(),
	})
}

// totaled decorates one book side with cumulative quantities from the
// top.
func totaled(levels []orderbook.PriceLevel) []marketdata.TotalLevel {
	out := make([]marketdata.TotalLevel, len(levels))
	running := decimal.Zero
	for i := range levels {
		running = running.Add(levels[i].Qty)
		out[i] = marketdata.TotalLevel{
			Price: levels[i].Price,
			Qty:   levels[i].Qty,
			Total: running,
		}
	}
	return out
}

// RESTRecentTrades returns up to limit recent public executions,
// newest first.
func (e *Engine) RESTRecentTrades(w http.ResponseWriter, r *http.Request) {
	me, err := e.engineFor(mux.Vars(r)["symbol"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	recent := e.Publisher.Tracker.Recent(me.Symbol(), limit)
	if recent == nil {
		recent = []*marketdata.PublicTrade{}
	}
	writeData(w, http.StatusOK, recent)
}

// RESTGetBalances returns the caller's per-currency balances.
func (e *Engine) RESTGetBalances(w http.ResponseWriter, r *http.Request) {
	userID, err := e.resolveUser(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	bals := e.Ledger.Snapshot(userID)
	if bals == nil {
		bals = []ledger.Balance{}
	}
	writeData(w, http.StatusOK, bals)
}

// RESTHealth serves the component health report outside the envelope.
func (e *Engine) RESTHealth(w http.ResponseWriter, _ *http.Request) {
	h := e.Health()
	status := http.StatusOK
	if !h.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}
