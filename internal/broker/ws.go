// internal/broker/ws.go
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

// WSDialer dials the brokerage websocket feed. Credentials travel as query
// parameters, per the upstream protocol.
type WSDialer struct {
	URL string
	Log *zap.SugaredLogger
}

func (d *WSDialer) Dial(ctx context.Context, apiKey, accessToken string, h StreamHandlers) (Stream, error) {
	u := fmt.Sprintf("%s?api_key=%s&access_token=%s", d.URL, url.QueryEscape(apiKey), url.QueryEscape(accessToken))
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}
	s := &wsStream{conn: conn, log: d.Log, handlers: h}
	go s.readLoop()
	return s, nil
}

type wsStream struct {
	conn     *websocket.Conn
	log      *zap.SugaredLogger
	handlers StreamHandlers

	closeOnce sync.Once
	mu        sync.Mutex // serializes control-frame writes
}

// controlFrame is the feed's subscribe/mode message shape.
type controlFrame struct {
	A string `json:"a"`
	V any    `json:"v"`
}

func (s *wsStream) Subscribe(tokens []uint32) error {
	return s.writeControl(controlFrame{A: "subscribe", V: tokens})
}

func (s *wsStream) SetMode(mode Mode, tokens []uint32) error {
	return s.writeControl(controlFrame{A: "mode", V: []any{string(mode), tokens}})
}

func (s *wsStream) writeControl(f controlFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return wsjson.Write(context.Background(), s.conn, f)
}

func (s *wsStream) Close() error {
	s.closeOnce.Do(func() {
		_ = s.conn.Close(websocket.StatusNormalClosure, "client stop")
	})
	return nil
}

// readLoop runs on its own goroutine for the life of the connection. All
// handler invocations happen here, off the worker goroutine.
func (s *wsStream) readLoop() {
	if s.handlers.OnConnect != nil {
		s.handlers.OnConnect(s)
	}
	for {
		_, data, err := s.conn.Read(context.Background())
		if err != nil {
			s.report(err)
			return
		}
		ticks := decodeTicks(data)
		if len(ticks) > 0 && s.handlers.OnTicks != nil {
			s.handlers.OnTicks(ticks)
		}
	}
}

func (s *wsStream) report(err error) {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		if s.handlers.OnClose != nil {
			s.handlers.OnClose(int(ce.Code), ce.Reason)
		}
		return
	}
	if s.handlers.OnError != nil {
		s.handlers.OnError(0, err.Error())
	}
}

// decodeTicks accepts either a bare JSON array of ticks or an enveloped
// {"type":"tick","data":[...]} frame. Heartbeats and unknown frames yield nil.
func decodeTicks(data []byte) []Tick {
	if len(data) == 0 || (data[0] != '[' && data[0] != '{') {
		return nil
	}
	if data[0] == '[' {
		var ticks []Tick
		if err := json.Unmarshal(data, &ticks); err != nil {
			return nil
		}
		return ticks
	}
	var env struct {
		Type string `json:"type"`
		Data []Tick `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "tick" {
		return nil
	}
	return env.Data
}
