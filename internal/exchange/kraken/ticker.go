package kraken

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// PriceUpdate is one last-trade price observation from the public ticker
// channel. Symbols are websocket pair names ("BTC/USD"), not REST pair codes.
type PriceUpdate struct {
	Symbol string
	Last   decimal.Decimal
	Time   time.Time
}

type TickerStream struct {
	conn      *websocket.Conn
	keepalive time.Duration
}

type wsSubscribeRequest struct {
	Method string            `json:"method"`
	Params wsSubscribeParams `json:"params"`
}

type wsSubscribeParams struct {
	Channel string   `json:"channel"`
	Symbol  []string `json:"symbol"`
}

type wsTickerMessage struct {
	Channel string         `json:"channel"`
	Type    string         `json:"type"`
	Data    []wsTickerData `json:"data"`
}

type wsTickerData struct {
	Symbol string      `json:"symbol"`
	Last   json.Number `json:"last"`
}

// DialTicker connects to the public websocket and subscribes to the ticker
// channel for the given pairs.
func (c *Client) DialTicker(ctx context.Context, symbols []string, keepalive time.Duration) (*TickerStream, error) {
	if c.wsBaseURL == "" {
		return nil, errors.New("ws base url required")
	}
	if len(symbols) == 0 {
		return nil, errors.New("at least one symbol required")
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsBaseURL, nil)
	if err != nil {
		return nil, err
	}
	sub := wsSubscribeRequest{
		Method: "subscribe",
		Params: wsSubscribeParams{Channel: "ticker", Symbol: symbols},
	}
	if err := conn.WriteJSON(sub); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &TickerStream{conn: conn, keepalive: keepalive}, nil
}

func (s *TickerStream) Close() error {
	return s.conn.Close()
}

// Prices returns a channel of last-trade prices plus an error channel that
// reports the reason the stream ended. Both close when the read loop exits.
func (s *TickerStream) Prices(ctx context.Context) (<-chan PriceUpdate, <-chan error) {
	updates := make(chan PriceUpdate)
	errCh := make(chan error, 2)
	done := make(chan struct{})

	reportErr := func(err error) {
		if err == nil {
			return
		}
		select {
		case errCh <- err:
		default:
		}
	}

	readTimeout := 45 * time.Second
	if s.keepalive > 0 {
		readTimeout = s.keepalive * 3
		if readTimeout < 30*time.Second {
			readTimeout = 30 * time.Second
		}
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go func() {
		defer close(done)
		defer close(updates)
		defer s.conn.Close()

		for {
			_ = s.conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, data, err := s.conn.ReadMessage()
			if err != nil {
				reportErr(err)
				return
			}
			if len(data) == 0 {
				continue
			}
			var msg wsTickerMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Channel != "ticker" {
				continue
			}
			now := time.Now().UTC()
			for _, tick := range msg.Data {
				if tick.Symbol == "" || tick.Last == "" {
					continue
				}
				last, err := decimal.NewFromString(tick.Last.String())
				if err != nil || last.Cmp(decimal.Zero) <= 0 {
					continue
				}
				select {
				case updates <- PriceUpdate{Symbol: tick.Symbol, Last: last, Time: now}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	if s.keepalive > 0 {
		go func() {
			ticker := time.NewTicker(s.keepalive)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
						reportErr(err)
						_ = s.conn.Close()
						return
					}
				case <-done:
					return
				case <-ctx.Done():
					_ = s.conn.Close()
					return
				}
			}
		}()
	}

	return updates, errCh
}
