// Package stream implements the resilient market WebSocket client.
//
// A single connection carries "trade", "price_change" and "book" events
// for the subscribed asset IDs. The subscription set is the source of
// truth: on every reconnect the full set is re-sent. Parsed events are
// delivered in arrival order to one handler registered at construction.
//
// The connection auto-reconnects with exponential backoff (1s → 60s,
// ±20% jitter, reset on any successful frame read). A read deadline
// catches silent server failures; the client sends the literal PING
// token on a fixed cadence to keep the connection alive.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"polycopy/internal/config"
	"polycopy/pkg/types"
)

const (
	initialBackoff   = time.Second
	maxBackoff       = 60 * time.Second
	writeTimeout     = 10 * time.Second
	minBufferSize    = 256
	parseFailLimit   = 10               // parse failures tolerated per window
	parseFailWindow  = 30 * time.Second // before the connection is recycled
)

// Client manages the market WebSocket connection. It handles the
// connection lifecycle, subscription tracking, decompression, message
// routing, and automatic reconnection.
type Client struct {
	url     string
	cfg     config.StreamConfig
	handler types.StreamHandler
	logger  *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex // protects conn; serializes all writes

	// Track subscriptions for automatic re-subscribe on reconnect
	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	queue *eventQueue

	// Parse failures inside a sliding window escalate to a reconnect.
	parseMu     sync.Mutex
	parseFails  int
	parseEpoch  time.Time

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a market stream client. The handler is the single
// consumer of parsed events and must be non-nil.
func New(wsURL string, cfg config.StreamConfig, handler types.StreamHandler, logger *slog.Logger) *Client {
	c := &Client{
		url:        wsURL,
		cfg:        cfg,
		handler:    handler,
		subscribed: make(map[string]bool),
		logger:     logger.With("component", "stream"),
	}
	c.queue = newEventQueue(c.bufferCapacity, c.onDrop)
	return c
}

// bufferCapacity is the bounded queue size: grows with the subscription
// set so a wide subscription cannot starve itself.
func (c *Client) bufferCapacity() int {
	c.subscribedMu.RLock()
	n := len(c.subscribed)
	c.subscribedMu.RUnlock()
	if byAssets := 4 * n; byAssets > minBufferSize {
		return byAssets
	}
	if c.cfg.BufferSize > minBufferSize {
		return c.cfg.BufferSize
	}
	return minBufferSize
}

func (c *Client) onDrop(dropped int) {
	c.logger.Warn("event buffer full, dropped stale book deltas", "count", dropped)
	c.handler.OnConnectionState(types.ConnectionStateChange{
		State:  types.ConnDegraded,
		Reason: "backpressure",
	})
}

// Open validates the endpoint, dials, and starts the maintenance
// goroutines. With ConnectRetryForever set a failed initial dial
// schedules the first backoff slot instead of failing; auth rejections
// at the handshake are configuration errors either way.
func (c *Client) Open(ctx context.Context) error {
	if c.url == "" {
		return types.ConfigErrorf("stream: websocket endpoint not configured")
	}

	c.runCtx, c.runCancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.dispatchLoop(c.runCtx)
	}()

	err := c.connect(c.runCtx)
	if err != nil {
		if isAuthRejection(err) {
			c.runCancel()
			return types.ConfigErrorf("stream: handshake rejected: %v", err)
		}
		if !c.cfg.ConnectRetryForever {
			c.runCancel()
			return fmt.Errorf("%w: stream dial: %v", types.ErrTransient, err)
		}
		c.logger.Warn("initial dial failed, retrying in background", "error", err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(c.runCtx, err == nil)
	}()

	return nil
}

// Subscribe adds asset IDs to the tracked set and, when connected,
// sends an incremental subscribe frame.
func (c *Client) Subscribe(assetIDs []string) error {
	if len(assetIDs) == 0 {
		return nil
	}
	c.subscribedMu.Lock()
	for _, id := range assetIDs {
		c.subscribed[id] = true
	}
	c.subscribedMu.Unlock()

	return c.writeJSON(types.WSUpdateMsg{
		AssetIDs:  assetIDs,
		Operation: "subscribe",
	})
}

// Unsubscribe removes asset IDs from the tracked set.
func (c *Client) Unsubscribe(assetIDs []string) error {
	if len(assetIDs) == 0 {
		return nil
	}
	c.subscribedMu.Lock()
	for _, id := range assetIDs {
		delete(c.subscribed, id)
	}
	c.subscribedMu.Unlock()

	return c.writeJSON(types.WSUpdateMsg{
		AssetIDs:  assetIDs,
		Operation: "unsubscribe",
	})
}

// Subscribed returns a snapshot of the tracked asset-ID set.
func (c *Client) Subscribed() []string {
	c.subscribedMu.RLock()
	defer c.subscribedMu.RUnlock()
	ids := make([]string, 0, len(c.subscribed))
	for id := range c.subscribed {
		ids = append(ids, id)
	}
	return ids
}

// Close stops the reconnect loop, closes the connection, and waits for
// in-flight deliveries to finish. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.runCancel != nil {
			c.runCancel()
		}
		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()
		c.queue.close()
		c.wg.Wait()
	})
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Connection lifecycle
// ————————————————————————————————————————————————————————————————————————

// run maintains the connection until ctx is cancelled. connected tells
// whether Open already established the first connection.
func (c *Client) run(ctx context.Context, connected bool) {
	backoff := initialBackoff

	for {
		if !connected {
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			if err := c.connect(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("reconnect failed", "error", err, "backoff", backoff)
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
		}
		connected = false

		gotFrame, err := c.readUntilFailure(ctx)
		if ctx.Err() != nil {
			return
		}
		if gotFrame {
			backoff = initialBackoff
		} else {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		c.logger.Warn("websocket disconnected", "error", err, "backoff", backoff)
		c.handler.OnConnectionState(types.ConnectionStateChange{
			State:  types.ConnDisconnected,
			Reason: err.Error(),
		})
	}
}

// connect dials, installs the connection, sends the full subscription
// set, and starts the per-connection ping loop.
func (c *Client) connect(ctx context.Context) error {
	c.handler.OnConnectionState(types.ConnectionStateChange{State: types.ConnConnecting})

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	if err := c.sendFullSubscription(); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe: %w", err)
	}

	c.parseMu.Lock()
	c.parseFails = 0
	c.parseMu.Unlock()

	c.logger.Info("websocket connected", "url", c.url)
	c.handler.OnConnectionState(types.ConnectionStateChange{State: types.ConnConnected})
	return nil
}

// readUntilFailure drives the read loop for one connection. Returns
// whether at least one frame was fully read (this resets the backoff).
func (c *Client) readUntilFailure(ctx context.Context) (bool, error) {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return false, fmt.Errorf("websocket not connected")
	}

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pingLoop(pingCtx)
	}()

	defer func() {
		c.connMu.Lock()
		conn.Close()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()
	}()

	gotFrame := false
	for {
		if ctx.Err() != nil {
			return gotFrame, ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadIdleTimeout))
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return gotFrame, fmt.Errorf("read: %w", err)
		}
		gotFrame = true

		if recycle := c.handleFrame(msgType, msg); recycle {
			return gotFrame, fmt.Errorf("too many parse failures")
		}
	}
}

func (c *Client) sendFullSubscription() error {
	c.subscribedMu.RLock()
	ids := make([]string, 0, len(c.subscribed))
	for id := range c.subscribed {
		ids = append(ids, id)
	}
	c.subscribedMu.RUnlock()

	return c.writeJSON(types.WSSubscribeMsg{
		Type:     "market",
		AssetIDs: ids,
	})
}

func (c *Client) pingLoop(ctx context.Context) {
	interval := c.cfg.PingInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				c.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (c *Client) writeJSON(v interface{}) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *Client) writeMessage(msgType int, data []byte) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(msgType, data)
}

// ————————————————————————————————————————————————————————————————————————
// Frame handling
// ————————————————————————————————————————————————————————————————————————

// handleFrame decompresses, splits array envelopes, and routes each
// event. Returns true when accumulated parse failures require the
// connection to be recycled.
func (c *Client) handleFrame(msgType int, raw []byte) (recycle bool) {
	data := raw
	if msgType == websocket.BinaryMessage || looksCompressed(raw) {
		decoded, err := io.ReadAll(brotli.NewReader(bytes.NewReader(raw)))
		if err != nil {
			return c.recordParseFailure("brotli decode", err)
		}
		data = decoded
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return false
	}

	if bytes.Equal(data, []byte("PONG")) || bytes.Equal(data, []byte("PING")) {
		c.queue.push(queuedEvent{kind: kindHeartbeat, heartbeat: types.Heartbeat{Timestamp: time.Now().UTC()}})
		return false
	}

	// Frames carry either a single event object or an array of events;
	// arrays fan out one at a time preserving order.
	if data[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return c.recordParseFailure("array envelope", err)
		}
		for _, item := range items {
			if c.dispatchEvent(item) {
				recycle = true
			}
		}
		return recycle
	}

	return c.dispatchEvent(data)
}

func (c *Client) dispatchEvent(data []byte) (recycle bool) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return c.recordParseFailure("envelope", err)
	}

	switch envelope.EventType {
	case "trade":
		var wire types.WSMarketTrade
		if err := json.Unmarshal(data, &wire); err != nil {
			return c.recordParseFailure("trade event", err)
		}
		evt, err := parseMarketTrade(wire)
		if err != nil {
			return c.recordParseFailure("trade fields", err)
		}
		c.queue.push(queuedEvent{kind: kindTrade, trade: evt})

	case "price_change":
		var wire types.WSPriceChange
		if err := json.Unmarshal(data, &wire); err != nil {
			return c.recordParseFailure("price_change event", err)
		}
		evt, err := parsePriceChange(wire)
		if err != nil {
			return c.recordParseFailure("price_change fields", err)
		}
		c.queue.push(queuedEvent{kind: kindPriceChange, price: evt})

	case "book":
		var wire types.WSBookEvent
		if err := json.Unmarshal(data, &wire); err != nil {
			return c.recordParseFailure("book event", err)
		}
		c.queue.push(queuedEvent{kind: kindBookDelta, book: types.OrderbookDelta{
			AssetID:   wire.AssetID,
			Bids:      wire.Bids,
			Asks:      wire.Asks,
			Timestamp: parseTimestamp(wire.Timestamp),
		}})

	default:
		c.logger.Debug("ignoring event", "type", envelope.EventType)
	}
	return false
}

// recordParseFailure logs and counts a skipped frame. More than
// parseFailLimit failures inside parseFailWindow recycle the connection.
func (c *Client) recordParseFailure(what string, err error) bool {
	c.logger.Warn("skipping unparseable frame", "what", what, "error", err)

	c.parseMu.Lock()
	defer c.parseMu.Unlock()

	now := time.Now()
	if now.Sub(c.parseEpoch) > parseFailWindow {
		c.parseEpoch = now
		c.parseFails = 0
	}
	c.parseFails++
	if c.parseFails > parseFailLimit {
		c.parseFails = 0
		c.parseEpoch = now
		c.logger.Error("parse failure budget exceeded, recycling connection")
		return true
	}
	return false
}

// dispatchLoop delivers queued events to the handler in order.
func (c *Client) dispatchLoop(ctx context.Context) {
	for {
		evt, ok := c.queue.pop(ctx)
		if !ok {
			return
		}
		switch evt.kind {
		case kindTrade:
			c.handler.OnMarketTrade(evt.trade)
		case kindPriceChange:
			c.handler.OnPriceChange(evt.price)
		case kindBookDelta:
			c.handler.OnBookDelta(evt.book)
		case kindHeartbeat:
			c.handler.OnHeartbeat(evt.heartbeat)
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Parsing helpers
// ————————————————————————————————————————————————————————————————————————

func parseMarketTrade(wire types.WSMarketTrade) (types.MarketTrade, error) {
	size, err := decimal.NewFromString(wire.Size)
	if err != nil {
		return types.MarketTrade{}, fmt.Errorf("size %q: %w", wire.Size, err)
	}
	price, err := decimal.NewFromString(wire.Price)
	if err != nil {
		return types.MarketTrade{}, fmt.Errorf("price %q: %w", wire.Price, err)
	}
	side := types.Side(bytes.ToUpper([]byte(wire.Side)))
	if side != types.BUY && side != types.SELL {
		return types.MarketTrade{}, fmt.Errorf("side %q", wire.Side)
	}
	return types.MarketTrade{
		AssetID:      wire.AssetID,
		Side:         side,
		Size:         size,
		Price:        price,
		TakerAddress: wire.Taker,
		Timestamp:    parseTimestamp(wire.Timestamp),
	}, nil
}

func parsePriceChange(wire types.WSPriceChange) (types.PriceChange, error) {
	bid, err := decimal.NewFromString(wire.BestBid)
	if err != nil {
		return types.PriceChange{}, fmt.Errorf("best_bid %q: %w", wire.BestBid, err)
	}
	ask, err := decimal.NewFromString(wire.BestAsk)
	if err != nil {
		return types.PriceChange{}, fmt.Errorf("best_ask %q: %w", wire.BestAsk, err)
	}
	return types.PriceChange{
		AssetID:   wire.AssetID,
		BestBid:   bid,
		BestAsk:   ask,
		Timestamp: parseTimestamp(wire.Timestamp),
	}, nil
}

// parseTimestamp accepts unix milliseconds, unix seconds, or RFC 3339.
func parseTimestamp(s string) time.Time {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC()
		}
		return time.Unix(n, 0).UTC()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

// looksCompressed reports whether a text frame is not plain JSON or a
// heartbeat token, in which case it is treated as a brotli payload.
func looksCompressed(data []byte) bool {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '{', '[', 'P': // JSON or PING/PONG
			return false
		default:
			return true
		}
	}
	return false
}

func isAuthRejection(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, strconv.Itoa(http.StatusForbidden)) ||
		strings.Contains(msg, strconv.Itoa(http.StatusUnauthorized))
}

// jitter spreads a backoff interval by ±20%.
func jitter(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}
