package ws

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/openclob/venue/marketdata"
)

// Client is one fabric connection. Its topics set is guarded by the
// hub mutex. The send queue is never closed; the hub signals shutdown
// by closing done, so the read side can keep queueing harmlessly while
// the drop is in flight. closeMsg is written before done closes and
// read only after the write pump observes the close.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	userID   int64
	limiter  *rate.Limiter
	topics   map[string]struct{}
	lagged   int32
	closeMsg []byte
}

func newClient(h *Hub, conn *websocket.Conn, userID int64) *Client {
	return &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, h.queueSize),
		done:    make(chan struct{}),
		userID:  userID,
		limiter: rate.NewLimiter(rate.Limit(h.ratePerSec), h.rateBurst),
		topics:  make(map[string]struct{}),
	}
}

func (c *Client) trySend(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// readPump consumes client requests until the connection dies or the
// client violates the request rate limit.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("realtime client read failed")
			}
			return
		}
		if !c.limiter.Allow() {
			c.sendError("request rate limit exceeded")
			c.hub.drop(c, websocket.ClosePolicyViolation, "request rate limit exceeded")
			return
		}
		c.handle(raw)
	}
}

// writePump drains the send queue and keeps the connection alive with
// pings. It owns all writes to the connection. When done closes it
// flushes whatever is still queued, delivers the close frame and
// exits.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			for {
				select {
				case frame := <-c.send:
					if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
						return
					}
				default:
					msg := c.closeMsg
					if msg == nil {
						msg = websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
					}
					_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
					return
				}
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handle(raw []byte) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		c.sendError("malformed request")
		return
	}
	switch req.Event {
	case OpSubscribeKLine:
		c.subscribeKLine(req.Data)
	case OpUnsubscribeKLine:
		c.unsubscribeKLine(req.Data)
	case OpSubscribePrice:
		c.subscribePrice(req.Data)
	case OpUnsubscribePrice:
		c.unsubscribePrice(req.Data)
	case OpSubscribeOrderBook:
		c.subscribeOrderBook(req.Data)
	case OpUnsubscribeOrderBook:
		c.unsubscribeTopic(req.Data, req.Event, AckOrderBookUnsubscribed, marketdata.TopicOrderBook)
	case OpSubscribeTicker:
		c.subscribeTopic(req.Data, req.Event, AckTickerSubscribed, marketdata.TopicTicker)
	case OpUnsubscribeTicker:
		c.unsubscribeTopic(req.Data, req.Event, AckTickerUnsubscribed, marketdata.TopicTicker)
	case OpSubscribeTrades:
		c.subscribeTopic(req.Data, req.Event, AckTradesSubscribed, marketdata.TopicTrades)
	case OpUnsubscribeTrades:
		c.unsubscribeTopic(req.Data, req.Event, AckTradesUnsubscribed, marketdata.TopicTrades)
	default:
		c.sendError(fmt.Sprintf("unknown event %q", req.Event))
	}
}

func (c *Client) subscribeKLine(data json.RawMessage) {
	var args klineArgs
	if err := json.Unmarshal(data, &args); err != nil || args.Symbol == "" || args.Interval == "" {
		c.sendError("SubscribeKLineData requires symbol and interval")
		return
	}
	args.Symbol = strings.ToUpper(args.Symbol)
	if !c.hub.allowed(args.Symbol) {
		c.sendError("unknown symbol " + args.Symbol)
		return
	}
	topic := marketdata.TopicKLine(args.Symbol, args.Interval)
	c.hub.subscribe(c, topic)
	c.ack(AckKLineSubscribed, args)
	c.replay(topic)
}

func (c *Client) unsubscribeKLine(data json.RawMessage) {
	var args klineArgs
	if err := json.Unmarshal(data, &args); err != nil || args.Symbol == "" || args.Interval == "" {
		c.sendError("UnsubscribeKLineData requires symbol and interval")
		return
	}
	args.Symbol = strings.ToUpper(args.Symbol)
	c.hub.unsubscribe(c, marketdata.TopicKLine(args.Symbol, args.Interval))
	c.ack(AckKLineUnsubscribed, args)
}

func (c *Client) subscribePrice(data json.RawMessage) {
	args, ok := c.priceArgsFrom(data, OpSubscribePrice)
	if !ok {
		return
	}
	for _, sym := range args.Symbols {
		c.hub.subscribe(c, marketdata.TopicPrice(sym))
	}
	c.ack(AckPriceSubscribed, args)
	for _, sym := range args.Symbols {
		c.replay(marketdata.TopicPrice(sym))
	}
}

func (c *Client) unsubscribePrice(data json.RawMessage) {
	args, ok := c.priceArgsFrom(data, OpUnsubscribePrice)
	if !ok {
		return
	}
	for _, sym := range args.Symbols {
		c.hub.unsubscribe(c, marketdata.TopicPrice(sym))
	}
	c.ack(AckPriceUnsubscribed, args)
}

func (c *Client) priceArgsFrom(data json.RawMessage, op string) (priceArgs, bool) {
	var args priceArgs
	if err := json.Unmarshal(data, &args); err != nil || len(args.Symbols) == 0 {
		c.sendError(op + " requires symbols")
		return priceArgs{}, false
	}
	for i, sym := range args.Symbols {
		if sym == "" {
			c.sendError(op + " requires symbols")
			return priceArgs{}, false
		}
		args.Symbols[i] = strings.ToUpper(sym)
		if !c.hub.allowed(args.Symbols[i]) {
			c.sendError("unknown symbol " + args.Symbols[i])
			return priceArgs{}, false
		}
	}
	return args, true
}

// subscribeOrderBook accepts the optional depth argument for wire
// compatibility; pushes carry the venue-configured depth.
func (c *Client) subscribeOrderBook(data json.RawMessage) {
	var args bookArgs
	if err := json.Unmarshal(data, &args); err != nil || args.Symbol == "" {
		c.sendError("SubscribeOrderBook requires symbol")
		return
	}
	args.Symbol = strings.ToUpper(args.Symbol)
	if !c.hub.allowed(args.Symbol) {
		c.sendError("unknown symbol " + args.Symbol)
		return
	}
	topic := marketdata.TopicOrderBook(args.Symbol)
	c.hub.subscribe(c, topic)
	c.ack(AckOrderBookSubscribed, args)
	c.replay(topic)
}

func (c *Client) subscribeTopic(data json.RawMessage, op, ack string, topicFn func(string) string) {
	var args symbolArgs
	if err := json.Unmarshal(data, &args); err != nil || args.Symbol == "" {
		c.sendError(op + " requires symbol")
		return
	}
	args.Symbol = strings.ToUpper(args.Symbol)
	if !c.hub.allowed(args.Symbol) {
		c.sendError("unknown symbol " + args.Symbol)
		return
	}
	topic := topicFn(args.Symbol)
	c.hub.subscribe(c, topic)
	c.ack(ack, args)
	c.replay(topic)
}

func (c *Client) unsubscribeTopic(data json.RawMessage, op, ack string, topicFn func(string) string) {
	var args symbolArgs
	if err := json.Unmarshal(data, &args); err != nil || args.Symbol == "" {
		c.sendError(op + " requires symbol")
		return
	}
	args.Symbol = strings.ToUpper(args.Symbol)
	c.hub.unsubscribe(c, topicFn(args.Symbol))
	c.ack(ack, args)
}

// replay sends the cached last snapshot for the topic so the
// subscriber does not wait for the next push.
func (c *Client) replay(topic string) {
	src := c.hub.replaySource()
	if src == nil {
		return
	}
	event, payload, ok := src.Replay(topic)
	if !ok {
		return
	}
	frame, err := json.Marshal(Response{Event: event, Data: payload})
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("replay marshal failed")
		return
	}
	if !c.trySend(frame) {
		c.hub.dropLagged(c)
	}
}

func (c *Client) ack(event string, data interface{}) {
	frame, err := json.Marshal(Response{Event: event, Data: data})
	if err != nil {
		return
	}
	if !c.trySend(frame) {
		c.hub.dropLagged(c)
	}
}

func (c *Client) sendError(msg string) {
	frame, err := json.Marshal(Response{Event: EventError, Error: msg})
	if err != nil {
		return
	}
	_ = c.trySend(frame)
}
