package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclob/venue/config"
	"github.com/openclob/venue/ledger"
	"github.com/openclob/venue/marketdata"
	"github.com/openclob/venue/order"
)

// envelope mirrors apiResponse with raw data for typed re-decoding.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

type restClient struct {
	t     *testing.T
	base  string
	token string
	hc    *http.Client
}

func newRESTClient(t *testing.T, e *Engine) *restClient {
	t.Helper()
	return &restClient{
		t:    t,
		base: "http://" + e.Addr(),
		hc:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *restClient) withToken(token string) *restClient {
	cpy := *c
	cpy.token = token
	return &cpy
}

func (c *restClient) do(method, path string, body interface{}) (int, *envelope) {
	c.t.Helper()
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(c.t, err, "request body should marshal")
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, c.base+path, rdr)
	require.NoError(c.t, err, "request should build")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.hc.Do(req)
	require.NoError(c.t, err, "request should reach the venue")
	defer resp.Body.Close()

	var env envelope
	require.NoError(c.t, json.NewDecoder(resp.Body).Decode(&env), "response should be JSON")
	return resp.StatusCode, &env
}

func (c *restClient) placeOrder(symbol, side, typ, qty, price string) (int, *envelope) {
	c.t.Helper()
	body := map[string]string{"symbol": symbol, "side": side, "type": typ, "quantity": qty}
	if price != "" {
		body["price"] = price
	}
	return c.do(http.MethodPost, "/api/trading/orders", body)
}

func decodeOrder(t *testing.T, env *envelope) *orderPayload {
	t.Helper()
	var o orderPayload
	require.NoError(t, json.Unmarshal(env.Data, &o), "data should decode as an order")
	return &o
}

func TestRESTPlaceAndGetOrder(t *testing.T) {
	t.Parallel()
	e := newVenue(t, nil)
	fund(t, e, anonymousUserID, "USDT", "100000")
	c := newRESTClient(t, e)

	status, env := c.placeOrder("btc-usdt", "buy", "limit", "0.5", "50000.25")
	require.Equal(t, http.StatusCreated, status, "place should return created: %s", env.Error)
	require.True(t, env.Success, "place should succeed")
	placed := decodeOrder(t, env)
	assert.Equal(t, int64(1), placed.ID, "first order id should be one")
	assert.Equal(t, placed.ID, placed.OrderID, "orderId should mirror id")
	assert.Equal(t, "BTC-USDT", placed.Symbol, "symbol should be normalized")
	assert.Equal(t, order.Active, placed.Status, "resting order should be active")
	assert.True(t, placed.FilledQuantity.IsZero(), "nothing should have filled")

	status, env = c.do(http.MethodGet, fmt.Sprintf("/api/trading/orders/%d", placed.ID), nil)
	require.Equal(t, http.StatusOK, status, "status probe should succeed")
	probe := decodeOrder(t, env)
	assert.Equal(t, placed.ID, probe.ID, "probe should return the same order")

	status, env = c.do(http.MethodGet, "/api/trading/orders/9999", nil)
	assert.Equal(t, http.StatusNotFound, status, "unknown id should be not found")
	assert.False(t, env.Success, "unknown id should not succeed")
}

func TestRESTPlaceOrderRejections(t *testing.T) {
	t.Parallel()
	e := newVenue(t, nil)
	c := newRESTClient(t, e)

	status, env := c.do(http.MethodPost, "/api/trading/orders", nil)
	assert.Equal(t, http.StatusBadRequest, status, "empty body should be rejected")
	assert.Contains(t, env.Error, "invalid request body", "error should name the problem")

	status, _ = c.placeOrder("BTC-USDT", "hold", "limit", "1", "100")
	assert.Equal(t, http.StatusBadRequest, status, "bad side should be rejected")

	status, _ = c.placeOrder("BTC-USDT", "buy", "stop", "1", "100")
	assert.Equal(t, http.StatusBadRequest, status, "bad type should be rejected")

	status, _ = c.placeOrder("DOGE-USDT", "buy", "limit", "1", "100")
	assert.Equal(t, http.StatusNotFound, status, "unknown symbol should be not found")

	status, env = c.placeOrder("BTC-USDT", "buy", "limit", "1", "100")
	assert.Equal(t, http.StatusBadRequest, status, "unfunded order should be rejected")
	assert.Contains(t, env.Error, ledger.ErrInsufficientFunds.Error(),
		"error should carry the rejection reason")

	status, _ = c.placeOrder("BTC-USDT", "buy", "market", "1", "100")
	assert.Equal(t, http.StatusBadRequest, status, "market order with price should be rejected")
}

func TestRESTCancelOrder(t *testing.T) {
	t.Parallel()
	e := newVenue(t, nil)
	fund(t, e, anonymousUserID, "USDT", "100000")
	c := newRESTClient(t, e)

	_, env := c.placeOrder("ETH-USDT", "buy", "limit", "1", "2000")
	placed := decodeOrder(t, env)

	status, env := c.do(http.MethodDelete, fmt.Sprintf("/api/trading/orders/%d", placed.ID), nil)
	require.Equal(t, http.StatusOK, status, "cancel should succeed")
	assert.True(t, env.Success, "cancel should report success")
	assert.Contains(t, env.Message, fmt.Sprintf("order %d canceled", placed.ID),
		"message should name the order")

	status, env = c.do(http.MethodDelete, fmt.Sprintf("/api/trading/orders/%d", placed.ID), nil)
	assert.Equal(t, http.StatusBadRequest, status, "repeat cancel should be rejected")
	assert.Contains(t, env.Error, "already terminal", "error should say the order is done")

	status, _ = c.do(http.MethodDelete, "/api/trading/orders/424242", nil)
	assert.Equal(t, http.StatusNotFound, status, "unknown id should be not found")
}

func TestRESTOrderOwnership(t *testing.T) {
	t.Parallel()
	e := newVenue(t, func(cfg *config.Config) {
		cfg.Auth.Tokens = []config.TokenConfig{{Token: "tok-42", UserID: 42}}
	})
	fund(t, e, anonymousUserID, "USDT", "100000")
	c := newRESTClient(t, e)

	_, env := c.placeOrder("BTC-USDT", "buy", "limit", "1", "100")
	placed := decodeOrder(t, env)

	other := c.withToken("tok-42")
	status, _ := other.do(http.MethodGet, fmt.Sprintf("/api/trading/orders/%d", placed.ID), nil)
	assert.Equal(t, http.StatusNotFound, status, "foreign orders should read as not found")

	status, _ = other.do(http.MethodDelete, fmt.Sprintf("/api/trading/orders/%d", placed.ID), nil)
	assert.Equal(t, http.StatusNotFound, status, "foreign orders should not be cancelable")
}

func TestRESTOrderBook(t *testing.T) {
	t.Parallel()
	e := newVenue(t, nil)
	fund(t, e, 1, "USDT", "100000")
	fund(t, e, 2, "BTC", "10")
	placeLimit(t, e, "BTC-USDT", 1, order.Buy, "99", "2")
	placeLimit(t, e, "BTC-USDT", 1, order.Buy, "98", "1")
	placeLimit(t, e, "BTC-USDT", 2, order.Sell, "101", "3")
	c := newRESTClient(t, e)

	status, env := c.do(http.MethodGet, "/api/trading/orderbook/BTC-USDT", nil)
	require.Equal(t, http.StatusOK, status, "book should be readable")
	var snap marketdata.DepthSnapshot
	require.NoError(t, json.Unmarshal(env.Data, &snap), "data should decode as a depth snapshot")
	assert.Equal(t, "BTC-USDT", snap.Symbol, "snapshot should name the symbol")
	require.Len(t, snap.Bids, 2, "both bid levels should be present")
	require.Len(t, snap.Asks, 1, "the ask level should be present")
	assert.Equal(t, "99", snap.Bids[0].Price.String(), "bids should be best first")
	assert.Equal(t, "2", snap.Bids[0].Total.String(), "top total should equal its qty")
	assert.Equal(t, "3", snap.Bids[1].Total.String(), "totals should accumulate")

	status, env = c.do(http.MethodGet, "/api/trading/orderbook/BTC-USDT?depth=1", nil)
	require.Equal(t, http.StatusOK, status, "depth-limited book should be readable")
	require.NoError(t, json.Unmarshal(env.Data, &snap), "data should decode")
	assert.Len(t, snap.Bids, 1, "depth should cap the bid levels")

	status, _ = c.do(http.MethodGet, "/api/trading/orderbook/BTC-USDT?depth=zero", nil)
	assert.Equal(t, http.StatusBadRequest, status, "bad depth should be rejected")

	status, _ = c.do(http.MethodGet, "/api/trading/orderbook/DOGE-USDT", nil)
	assert.Equal(t, http.StatusNotFound, status, "unknown symbol should be not found")
}

func TestRESTRecentTradesAndBalances(t *testing.T) {
	t.Parallel()
	e := newVenue(t, nil)
	fund(t, e, anonymousUserID, "USDT", "100000")
	fund(t, e, 2, "BTC", "10")
	placeLimit(t, e, "BTC-USDT", 2, order.Sell, "100", "1")
	placeLimit(t, e, "BTC-USDT", anonymousUserID, order.Buy, "100", "1")
	c := newRESTClient(t, e)

	// The tracker is fed off the bus, so the trade appears shortly
	// after the cross.
	require.Eventually(t, func() bool {
		status, env := c.do(http.MethodGet, "/api/trading/trades/BTC-USDT", nil)
		if status != http.StatusOK {
			return false
		}
		var recent []*marketdata.PublicTrade
		if err := json.Unmarshal(env.Data, &recent); err != nil {
			return false
		}
		return len(recent) == 1 && recent[0].Price.String() == "100"
	}, 2*time.Second, 20*time.Millisecond, "the executed trade should become visible")

	status, _ := c.do(http.MethodGet, "/api/trading/trades/BTC-USDT?limit=nope", nil)
	assert.Equal(t, http.StatusBadRequest, status, "bad limit should be rejected")

	status, env := c.do(http.MethodGet, "/api/trading/balances", nil)
	require.Equal(t, http.StatusOK, status, "balances should be readable")
	var bals []ledger.Balance
	require.NoError(t, json.Unmarshal(env.Data, &bals), "data should decode as balances")
	require.NotEmpty(t, bals, "the buyer should hold balances")
	codes := make(map[string]ledger.Balance, len(bals))
	for _, b := range bals {
		codes[b.Currency.String()] = b
	}
	btc, ok := codes["BTC"]
	require.True(t, ok, "the buyer should hold the purchased base")
	assert.Equal(t, "1", btc.Available.String(), "the filled quantity should be available")
}

func TestRESTAuthRequired(t *testing.T) {
	t.Parallel()
	e := newVenue(t, func(cfg *config.Config) {
		cfg.Auth.Required = true
		cfg.Auth.Tokens = []config.TokenConfig{{Token: "tok-1", UserID: 42}}
	})
	fund(t, e, 42, "USDT", "100000")
	c := newRESTClient(t, e)

	status, env := c.placeOrder("BTC-USDT", "buy", "limit", "1", "100")
	assert.Equal(t, http.StatusUnauthorized, status, "anonymous place should be rejected")
	assert.Contains(t, env.Error, "authentication required", "error should name the problem")

	status, _ = c.withToken("wrong").placeOrder("BTC-USDT", "buy", "limit", "1", "100")
	assert.Equal(t, http.StatusUnauthorized, status, "bad token should be rejected")

	authed := c.withToken("tok-1")
	status, env = authed.placeOrder("BTC-USDT", "buy", "limit", "1", "100")
	require.Equal(t, http.StatusCreated, status, "authenticated place should succeed: %s", env.Error)

	status, _ = c.do(http.MethodGet, "/api/trading/balances", nil)
	assert.Equal(t, http.StatusUnauthorized, status, "anonymous balances should be rejected")
}

func TestRESTHealthAndMetrics(t *testing.T) {
	t.Parallel()
	e := newVenue(t, nil)
	hc := &http.Client{Timeout: 5 * time.Second}

	resp, err := hc.Get("http://" + e.Addr() + "/healthz")
	require.NoError(t, err, "healthz should answer")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "running venue should be healthy")
	var h Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h), "healthz should be JSON")
	assert.True(t, h.Healthy, "report should be healthy")
	assert.Len(t, h.Symbols, 2, "report should cover every symbol")

	resp, err = hc.Get("http://" + e.Addr() + "/metrics")
	require.NoError(t, err, "metrics should answer")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "metrics should be served")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err, "metrics body should read")
	assert.Contains(t, string(body), "# HELP", "exposition format should be served")
}

// The websocket path is part of the same listener; a subscriber should
// connect, subscribe and receive pushes end to end.
func TestWebsocketEndpointWired(t *testing.T) {
	t.Parallel()
	e := newVenue(t, nil)
	fund(t, e, 1, "USDT", "100000")
	fund(t, e, 2, "BTC", "10")

	url := "ws://" + e.Addr() + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "websocket dial should succeed")
	defer conn.Close()

	sub := map[string]interface{}{
		"event": "SubscribeTrades",
		"data":  map[string]string{"symbol": "BTC-USDT"},
	}
	require.NoError(t, conn.WriteJSON(sub), "subscribe should send")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)), "deadline should set")
	var ack struct {
		Event string `json:"event"`
	}
	require.NoError(t, conn.ReadJSON(&ack), "ack should arrive")
	assert.Equal(t, "TradesSubscribed", ack.Event, "subscribe should be acknowledged")

	placeLimit(t, e, "BTC-USDT", 2, order.Sell, "100", "1")
	placeLimit(t, e, "BTC-USDT", 1, order.Buy, "100", "1")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)), "deadline should set")
	var push struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&push), "trade push should arrive")
	assert.Equal(t, "TradeUpdate", push.Event, "the trade stream should deliver the execution")
	assert.True(t, strings.Contains(string(push.Data), "BTC-USDT"),
		"payload should carry the symbol")
}
