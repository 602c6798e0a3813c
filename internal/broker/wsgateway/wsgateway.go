// Package wsgateway implements the broker.Requester/broker.Dispatcher
// pair over a JSON-over-WebSocket transport: auto-reconnect with
// exponential backoff, a keepalive ping loop, and subscribe/unsubscribe
// framing keyed by core-chosen request-ids.
//
// The reconnect loop, read-deadline, and connMu-guarded writer follow a
// prediction-market WebSocket feed adapter shape, generalized from a
// book/price_change/trade/order channel set into a
// Depth/Trade/Error/ConnectionClosed event enum.
package wsgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"orderflow/internal/broker"
	"orderflow/pkg/types"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	eventBufferSize  = 1024
)

// outboundMessage is the wire shape for subscribe/unsubscribe/cancel
// requests.
type outboundMessage struct {
	Op       string `json:"op"`
	ReqID    int64  `json:"req_id"`
	Symbol   string `json:"symbol,omitempty"`
	Exchange string `json:"exchange,omitempty"`
	Rows     int    `json:"rows,omitempty"`
	Kind     string `json:"kind"` // "l1" | "depth" | "tbt"
}

// inboundEnvelope is peeked first to route to the right typed struct, by
// its type field.
type inboundEnvelope struct {
	Type string `json:"type"`
}

type inboundDepth struct {
	ReqID    int64   `json:"req_id"`
	Position int     `json:"position"`
	Op       int     `json:"op"`   // 0=Insert,1=Update,2=Delete
	Side     int     `json:"side"` // 0=Ask,1=Bid
	Price    float64 `json:"price"`
	Size     float64 `json:"size"`
}

type inboundL1 struct {
	ReqID int64   `json:"req_id"`
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

type inboundTape struct {
	ReqID   int64   `json:"req_id"`
	EventTs int64   `json:"event_ts"`
	Price   float64 `json:"price"`
	Size    float64 `json:"size"`
}

type inboundError struct {
	ReqID   int64  `json:"req_id"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Gateway is a single WebSocket connection carrying L1, depth, and tape
// subscriptions for the whole symbol set, auto-reconnecting on failure
// and re-issuing every tracked subscription from scratch on reconnect.
type Gateway struct {
	url        string
	depthRows  int
	dispatcher broker.Dispatcher
	logger     *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	subsMu sync.Mutex
	subs   map[int64]outboundMessage // req-id -> original subscribe message, replayed on reconnect

	nextReqID int64
	reqIDMu   sync.Mutex
}

// New creates a gateway bound to a single websocket URL. depthRows is
// fixed at construction (MarketData.DepthRows).
func New(url string, depthRows int, dispatcher broker.Dispatcher, logger *slog.Logger) *Gateway {
	return &Gateway{
		url:        url,
		depthRows:  depthRows,
		dispatcher: dispatcher,
		logger:     logger.With("component", "wsgateway"),
		subs:       make(map[int64]outboundMessage),
	}
}

// Run connects and maintains the connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := g.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		g.dispatcher.Dispatch(broker.Event{Kind: broker.EventConnectionClosed})
		g.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (g *Gateway) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, g.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	g.connMu.Lock()
	g.conn = conn
	g.connMu.Unlock()

	defer func() {
		g.connMu.Lock()
		conn.Close()
		g.conn = nil
		g.connMu.Unlock()
	}()

	if err := g.resubscribeAll(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}

	g.logger.Info("websocket connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go g.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		g.dispatchMessage(msg)
	}
}

// resubscribeAll re-issues every tracked subscription from scratch on
// reconnect, per the on_connection_closed contract.
func (g *Gateway) resubscribeAll() error {
	g.subsMu.Lock()
	msgs := make([]outboundMessage, 0, len(g.subs))
	for _, m := range g.subs {
		msgs = append(msgs, m)
	}
	g.subsMu.Unlock()

	for _, m := range msgs {
		if err := g.writeJSON(m); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) dispatchMessage(data []byte) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		g.logger.Debug("ignoring non-json message", "data", string(data))
		return
	}

	switch env.Type {
	case "depth":
		var d inboundDepth
		if err := json.Unmarshal(data, &d); err != nil {
			g.logger.Error("unmarshal depth event", "error", err)
			return
		}
		g.dispatcher.Dispatch(broker.Event{
			Kind:     broker.EventDepth,
			ReqID:    d.ReqID,
			Position: d.Position,
			Op:       types.DepthOp(d.Op),
			Side:     types.Side(d.Side),
			Price:    d.Price,
			Size:     d.Size,
			RecvTsMs: time.Now().UnixMilli(),
		})
	case "l1":
		var l inboundL1
		if err := json.Unmarshal(data, &l); err != nil {
			g.logger.Error("unmarshal l1 event", "error", err)
			return
		}
		g.dispatcher.Dispatch(broker.Event{
			Kind:     broker.EventL1,
			ReqID:    l.ReqID,
			Price:    l.Price,
			Size:     l.Size,
			RecvTsMs: time.Now().UnixMilli(),
		})
	case "tape":
		var tp inboundTape
		if err := json.Unmarshal(data, &tp); err != nil {
			g.logger.Error("unmarshal tape event", "error", err)
			return
		}
		g.dispatcher.Dispatch(broker.Event{
			Kind:       broker.EventTrade,
			ReqID:      tp.ReqID,
			Price:      tp.Price,
			Size:       tp.Size,
			EventTsRaw: tp.EventTs,
			RecvTsMs:   time.Now().UnixMilli(),
		})
	case "error":
		var e inboundError
		if err := json.Unmarshal(data, &e); err != nil {
			g.logger.Error("unmarshal error event", "error", err)
			return
		}
		if broker.InformationalErrorCode(e.Code) {
			g.logger.Debug("informational broker code", "code", e.Code, "msg", e.Message)
		}
		g.dispatcher.Dispatch(broker.Event{
			Kind:    broker.EventError,
			ReqID:   e.ReqID,
			Code:    e.Code,
			Message: e.Message,
		})
	default:
		g.logger.Debug("unknown ws event type", "type", env.Type)
	}
}

func (g *Gateway) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				g.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (g *Gateway) writeJSON(v any) error {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	if g.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	g.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return g.conn.WriteJSON(v)
}

func (g *Gateway) writeMessage(msgType int, data []byte) error {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	if g.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	g.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return g.conn.WriteMessage(msgType, data)
}

func (g *Gateway) allocReqID() int64 {
	g.reqIDMu.Lock()
	defer g.reqIDMu.Unlock()
	g.nextReqID++
	return g.nextReqID
}

// SubscribeL1 issues an L1 quote subscription and returns the
// core-chosen request-id.
func (g *Gateway) SubscribeL1(symbol types.Symbol, exchange string) (int64, error) {
	id := g.allocReqID()
	msg := outboundMessage{Op: "subscribe", ReqID: id, Symbol: string(symbol), Exchange: exchange, Kind: "l1"}
	g.track(id, msg)
	return id, g.writeJSON(msg)
}

// SubscribeDepth issues a depth subscription at the configured row
// count.
func (g *Gateway) SubscribeDepth(symbol types.Symbol, exchange string) (int64, error) {
	id := g.allocReqID()
	msg := outboundMessage{Op: "subscribe", ReqID: id, Symbol: string(symbol), Exchange: exchange, Rows: g.depthRows, Kind: "depth"}
	g.track(id, msg)
	return id, g.writeJSON(msg)
}

// SubscribeTbt issues a tick-by-tick "Last" trade subscription.
func (g *Gateway) SubscribeTbt(symbol types.Symbol, exchange string) (int64, error) {
	id := g.allocReqID()
	msg := outboundMessage{Op: "subscribe", ReqID: id, Symbol: string(symbol), Exchange: exchange, Kind: "tbt"}
	g.track(id, msg)
	return id, g.writeJSON(msg)
}

// Cancel unsubscribes a previously issued request-id of any kind.
func (g *Gateway) Cancel(reqID int64) error {
	g.subsMu.Lock()
	delete(g.subs, reqID)
	g.subsMu.Unlock()

	return g.writeJSON(outboundMessage{Op: "cancel", ReqID: reqID})
}

func (g *Gateway) track(id int64, msg outboundMessage) {
	g.subsMu.Lock()
	g.subs[id] = msg
	g.subsMu.Unlock()
}
