package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

var _ TradeUpdateSource = (*WebSocketSource)(nil)

const (
	streamTradeUpdates = "trade_updates"
	handshakeTimeout   = 10 * time.Second
)

// WebSocketSource streams trade updates from the Alpaca trading websocket
// (wss://<trading host>/stream).
type WebSocketSource struct {
	url    string
	key    string
	secret string
	dialer *websocket.Dialer
	log    *slog.Logger
}

// NewWebSocketSource creates a source for streamURL. An empty streamURL is
// derived from the trading REST base URL.
func NewWebSocketSource(streamURL, baseURL, apiKey, apiSecret string, log *slog.Logger) *WebSocketSource {
	if streamURL == "" {
		streamURL = StreamURLFromBase(baseURL)
	}
	return &WebSocketSource{
		url:    streamURL,
		key:    apiKey,
		secret: apiSecret,
		dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		log:    log.With("stream", "websocket"),
	}
}

// StreamURLFromBase maps https://host to wss://host/stream.
func StreamURLFromBase(baseURL string) string {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Host == "" {
		return "wss://paper-api.alpaca.markets/stream"
	}
	if u.Scheme == "http" {
		u.Scheme = "ws"
	} else {
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/v2") + "/stream"
	return u.String()
}

// StreamTradeUpdates implements TradeUpdateSource. It authenticates, listens
// on the trade_updates stream and forwards every trade_updates frame.
func (s *WebSocketSource) StreamTradeUpdates(ctx context.Context, onReady func(), onEvent func([]byte)) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", s.url, err)
	}
	defer conn.Close()

	// Unblock ReadMessage on shutdown.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := s.handshake(conn); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	s.log.Info("trade updates subscribed", "url", s.url)
	if onReady != nil {
		onReady()
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("reading trade updates: %w", err)
		}
		if gjson.GetBytes(msg, "stream").String() != streamTradeUpdates {
			continue
		}
		onEvent(msg)
	}
}

func (s *WebSocketSource) handshake(conn *websocket.Conn) error {
	if err := conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return err
	}

	auth := map[string]string{"action": "auth", "key": s.key, "secret": s.secret}
	if err := conn.WriteJSON(auth); err != nil {
		return fmt.Errorf("sending auth: %w", err)
	}
	msg, err := s.await(conn, "authorization")
	if err != nil {
		return err
	}
	if status := gjson.GetBytes(msg, "data.status").String(); status != "authorized" {
		return fmt.Errorf("%w: status %q", ErrUnauthorized, status)
	}

	listen := map[string]any{
		"action": "listen",
		"data":   map[string][]string{"streams": {streamTradeUpdates}},
	}
	if err := conn.WriteJSON(listen); err != nil {
		return fmt.Errorf("sending listen: %w", err)
	}
	msg, err = s.await(conn, "listening")
	if err != nil {
		return err
	}
	subscribed := false
	for _, st := range gjson.GetBytes(msg, "data.streams").Array() {
		if st.String() == streamTradeUpdates {
			subscribed = true
		}
	}
	if !subscribed {
		return fmt.Errorf("listen not acknowledged for %s", streamTradeUpdates)
	}
	return conn.SetReadDeadline(time.Time{})
}

// await reads frames until one arrives on the named control stream.
func (s *WebSocketSource) await(conn *websocket.Conn, stream string) ([]byte, error) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("awaiting %s: %w", stream, err)
		}
		if gjson.GetBytes(msg, "stream").String() == stream {
			return msg, nil
		}
		s.log.Debug("ignoring frame during handshake", "stream", gjson.GetBytes(msg, "stream").String())
	}
}
