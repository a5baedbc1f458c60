package ws

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclob/venue/internal/auth"
	"github.com/openclob/venue/marketdata"
)

type fakeReplay struct {
	entries map[string]struct {
		event   string
		payload interface{}
	}
}

func (f *fakeReplay) Replay(topic string) (string, interface{}, bool) {
	e, ok := f.entries[topic]
	if !ok {
		return "", nil, false
	}
	return e.event, e.payload, true
}

func newHubServer(t *testing.T, mutate func(*Settings)) (*Hub, string) {
	t.Helper()
	s := &Settings{}
	if mutate != nil {
		mutate(s)
	}
	h, err := Setup(s)
	require.NoError(t, err, "hub setup should succeed")
	t.Cleanup(func() { _ = h.Stop() })

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialClient(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err, "client should connect")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendReq(t *testing.T, conn *websocket.Conn, event string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err, "request payload should marshal")
	require.NoError(t, conn.WriteJSON(Request{Event: event, Data: raw}),
		"client should send the request")
}

func readResp(t *testing.T, conn *websocket.Conn) Response {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)),
		"read deadline should apply")
	var resp Response
	require.NoError(t, conn.ReadJSON(&resp), "client should receive a frame")
	return resp
}

// assertNoFrame must be the last read on conn; an expired read
// deadline poisons the connection.
func assertNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)),
		"read deadline should apply")
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "no frame should arrive")
	var netErr net.Error
	require.ErrorAs(t, err, &netErr, "read should fail with a timeout")
	assert.True(t, netErr.Timeout(), "read should fail with a timeout")
}

func dataField(t *testing.T, resp Response, key string) interface{} {
	t.Helper()
	m, ok := resp.Data.(map[string]interface{})
	require.True(t, ok, "frame data should be an object")
	return m[key]
}

func TestSetupValidation(t *testing.T) {
	t.Parallel()
	_, err := Setup(nil)
	assert.ErrorIs(t, err, errNilSettings, "nil settings should be rejected")

	_, err = Setup(&Settings{RequireAuth: true})
	assert.ErrorIs(t, err, errNoValidator, "required auth needs a validator")

	h, err := Setup(&Settings{})
	require.NoError(t, err, "defaults should be accepted")
	assert.Equal(t, DefaultQueueSize, h.queueSize, "queue size should default")
}

func TestSubscribeAckAndReplay(t *testing.T) {
	t.Parallel()
	replay := &fakeReplay{entries: map[string]struct {
		event   string
		payload interface{}
	}{
		marketdata.TopicOrderBook("BTC-USDT"): {
			event:   marketdata.EventOrderBookData,
			payload: &marketdata.DepthSnapshot{Symbol: "BTC-USDT"},
		},
	}}
	_, url := newHubServer(t, func(s *Settings) { s.Replay = replay })
	conn := dialClient(t, url, nil)

	sendReq(t, conn, OpSubscribeOrderBook, bookArgs{Symbol: "btc-usdt", Depth: 5})

	ack := readResp(t, conn)
	assert.Equal(t, AckOrderBookSubscribed, ack.Event, "subscribe should be acknowledged first")
	assert.Equal(t, "BTC-USDT", dataField(t, ack, "symbol"), "ack should echo the normalized symbol")

	snap := readResp(t, conn)
	assert.Equal(t, marketdata.EventOrderBookData, snap.Event,
		"cached snapshot should follow the ack")
	assert.Equal(t, "BTC-USDT", dataField(t, snap, "symbol"), "snapshot should carry the symbol")
}

func TestPushFanoutRespectsTopics(t *testing.T) {
	t.Parallel()
	h, url := newHubServer(t, nil)
	sub := dialClient(t, url, nil)
	bystander := dialClient(t, url, nil)

	sendReq(t, sub, OpSubscribePrice, priceArgs{Symbols: []string{"BTC-USDT"}})
	assert.Equal(t, AckPriceSubscribed, readResp(t, sub).Event, "price subscribe should be acked")

	sendReq(t, sub, OpSubscribeKLine, klineArgs{Symbol: "BTC-USDT", Interval: "1m"})
	assert.Equal(t, AckKLineSubscribed, readResp(t, sub).Event, "kline subscribe should be acked")

	h.Push(marketdata.TopicPrice("BTC-USDT"), marketdata.EventPriceUpdate,
		&marketdata.Ticker{Symbol: "BTC-USDT"})
	resp := readResp(t, sub)
	assert.Equal(t, marketdata.EventPriceUpdate, resp.Event, "subscriber should receive the push")
	assert.Equal(t, "BTC-USDT", dataField(t, resp, "symbol"), "push should carry the payload")

	// A different interval is a different topic.
	h.Push(marketdata.TopicKLine("BTC-USDT", "5m"), marketdata.EventKLineUpdate,
		&marketdata.KLinePush{Symbol: "BTC-USDT", Interval: "5m"})
	h.Push(marketdata.TopicKLine("BTC-USDT", "1m"), marketdata.EventKLineUpdate,
		&marketdata.KLinePush{Symbol: "BTC-USDT", Interval: "1m"})
	resp = readResp(t, sub)
	assert.Equal(t, marketdata.EventKLineUpdate, resp.Event, "subscribed interval should arrive")
	assert.Equal(t, "1m", dataField(t, resp, "interval"),
		"unsubscribed interval should not arrive")

	assertNoFrame(t, bystander)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	h, url := newHubServer(t, nil)
	conn := dialClient(t, url, nil)

	sendReq(t, conn, OpSubscribeTrades, symbolArgs{Symbol: "BTC-USDT"})
	assert.Equal(t, AckTradesSubscribed, readResp(t, conn).Event, "subscribe should be acked")

	h.Push(marketdata.TopicTrades("BTC-USDT"), marketdata.EventTradeUpdate,
		&marketdata.PublicTrade{Symbol: "BTC-USDT"})
	assert.Equal(t, marketdata.EventTradeUpdate, readResp(t, conn).Event,
		"trade push should arrive while subscribed")

	sendReq(t, conn, OpUnsubscribeTrades, symbolArgs{Symbol: "BTC-USDT"})
	assert.Equal(t, AckTradesUnsubscribed, readResp(t, conn).Event, "unsubscribe should be acked")

	h.Push(marketdata.TopicTrades("BTC-USDT"), marketdata.EventTradeUpdate,
		&marketdata.PublicTrade{Symbol: "BTC-USDT"})
	assertNoFrame(t, conn)
}

func TestRequestValidation(t *testing.T) {
	t.Parallel()
	_, url := newHubServer(t, func(s *Settings) { s.Symbols = []string{"BTC-USDT"} })
	conn := dialClient(t, url, nil)

	sendReq(t, conn, "Bogus", symbolArgs{Symbol: "BTC-USDT"})
	resp := readResp(t, conn)
	assert.Equal(t, EventError, resp.Event, "unknown operations should error")
	assert.Contains(t, resp.Error, "unknown event", "error should name the problem")

	sendReq(t, conn, OpSubscribeTicker, symbolArgs{})
	resp = readResp(t, conn)
	assert.Equal(t, EventError, resp.Event, "missing symbol should error")
	assert.Contains(t, resp.Error, OpSubscribeTicker, "error should name the operation")

	sendReq(t, conn, OpSubscribeTicker, symbolArgs{Symbol: "ETH-USDT"})
	resp = readResp(t, conn)
	assert.Equal(t, EventError, resp.Event, "symbols outside the allowlist should error")
	assert.Contains(t, resp.Error, "ETH-USDT", "error should name the symbol")

	sendReq(t, conn, OpSubscribeKLine, klineArgs{Symbol: "BTC-USDT"})
	resp = readResp(t, conn)
	assert.Equal(t, EventError, resp.Event, "missing interval should error")

	sendReq(t, conn, OpSubscribePrice, priceArgs{})
	resp = readResp(t, conn)
	assert.Equal(t, EventError, resp.Event, "empty symbol list should error")
}

func TestAuthGate(t *testing.T) {
	t.Parallel()
	validator := auth.NewStatic(map[string]int64{"tok-1": 42})
	_, url := newHubServer(t, func(s *Settings) {
		s.Auth = validator
		s.RequireAuth = true
	})

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake, "anonymous dial should be refused")
	require.NotNil(t, resp, "refusal should carry the HTTP response")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "refusal should be a 401")
	_ = resp.Body.Close()

	_, resp, err = websocket.DefaultDialer.Dial(url,
		http.Header{"Authorization": []string{"Bearer nope"}})
	require.ErrorIs(t, err, websocket.ErrBadHandshake, "invalid token should be refused")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "refusal should be a 401")
	_ = resp.Body.Close()

	conn := dialClient(t, url, http.Header{"Authorization": []string{"Bearer tok-1"}})
	sendReq(t, conn, OpSubscribeTicker, symbolArgs{Symbol: "BTC-USDT"})
	assert.Equal(t, AckTickerSubscribed, readResp(t, conn).Event,
		"header token should authenticate")

	queryConn := dialClient(t, url+"?access_token=tok-1", nil)
	sendReq(t, queryConn, OpSubscribeTicker, symbolArgs{Symbol: "BTC-USDT"})
	assert.Equal(t, AckTickerSubscribed, readResp(t, queryConn).Event,
		"query token should authenticate")
}

func TestRateLimitDisconnects(t *testing.T) {
	t.Parallel()
	_, url := newHubServer(t, func(s *Settings) {
		s.RatePerSec = 1
		s.RateBurst = 2
	})
	conn := dialClient(t, url, nil)

	for i := 0; i < 3; i++ {
		sendReq(t, conn, "Bogus", symbolArgs{Symbol: "X"})
	}

	sawLimit := false
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)),
			"read deadline should apply")
		var resp Response
		if err := conn.ReadJSON(&resp); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
				"violator should be closed with a policy violation")
			break
		}
		if resp.Event == EventError && strings.Contains(resp.Error, "rate limit") {
			sawLimit = true
		}
	}
	assert.True(t, sawLimit, "violator should be told why before the disconnect")
}

func TestLaggedClientDropped(t *testing.T) {
	t.Parallel()
	h, err := Setup(&Settings{QueueSize: 1})
	require.NoError(t, err, "hub setup should succeed")

	c := newClient(h, nil, 0)
	require.True(t, h.register(c), "client should register")
	h.subscribe(c, marketdata.TopicPrice("BTC-USDT"))

	h.Push(marketdata.TopicPrice("BTC-USDT"), marketdata.EventPriceUpdate,
		&marketdata.Ticker{Symbol: "BTC-USDT"})
	assert.Equal(t, 1, h.ClientCount(), "client should survive while its queue has room")

	h.Push(marketdata.TopicPrice("BTC-USDT"), marketdata.EventPriceUpdate,
		&marketdata.Ticker{Symbol: "BTC-USDT"})
	assert.Equal(t, 0, h.ClientCount(), "overflowing client should be dropped")
	assert.Equal(t, int32(1), atomic.LoadInt32(&c.lagged), "client should be marked lagged")

	frame := <-c.send
	assert.NotEmpty(t, frame, "queued frame should stay deliverable")
	select {
	case <-c.done:
	default:
		t.Fatal("dropped client should be signalled done")
	}

	// Pushing to the vacated topic must not panic.
	h.Push(marketdata.TopicPrice("BTC-USDT"), marketdata.EventPriceUpdate,
		&marketdata.Ticker{Symbol: "BTC-USDT"})
}

func TestStopDisconnectsClients(t *testing.T) {
	t.Parallel()
	h, url := newHubServer(t, nil)
	conn := dialClient(t, url, nil)

	assert.Eventually(t, func() bool { return h.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond, "client should register")

	require.NoError(t, h.Stop(), "stop should succeed")
	assert.ErrorIs(t, h.Stop(), ErrHubStopped, "second stop should be refused")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)),
		"read deadline should apply")
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway),
		"clients should receive a going-away frame")

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake, "stopped hub should refuse new clients")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode,
		"refusal should be a 503")
	_ = resp.Body.Close()

	h.Push(marketdata.TopicPrice("BTC-USDT"), marketdata.EventPriceUpdate,
		&marketdata.Ticker{Symbol: "BTC-USDT"})
}
