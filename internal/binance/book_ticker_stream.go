package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// BookTickerStream follows <symbol>@bookTicker. Only the latest tick is kept
// when the consumer falls behind.
type BookTickerStream struct {
	url    string
	runner *wsRunner
	ticks  chan BookTicker
	logger zerolog.Logger

	connected   atomic.Bool
	lastMessage atomic.Int64
}

// NewBookTickerStream creates a book ticker stream for symbol
func NewBookTickerStream(symbol string, cfg StreamConfig, logger zerolog.Logger) *BookTickerStream {
	return &BookTickerStream{
		url:    cfg.baseURL() + "/ws/" + strings.ToLower(symbol) + "@bookTicker",
		runner: newWSRunner("book_ticker", cfg, logger),
		ticks:  make(chan BookTicker, 1),
		logger: logger.With().Str("component", "book_ticker_stream").Logger(),
	}
}

// Ticks returns the tick channel. It is closed when Run returns.
func (s *BookTickerStream) Ticks() <-chan BookTicker {
	return s.ticks
}

// Connected reports whether the websocket is currently up
func (s *BookTickerStream) Connected() bool {
	return s.connected.Load()
}

// LastMessage returns when the last tick arrived
func (s *BookTickerStream) LastMessage() time.Time {
	ns := s.lastMessage.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Run connects and reconnects until ctx is cancelled
func (s *BookTickerStream) Run(ctx context.Context) error {
	defer close(s.ticks)
	return s.runner.run(ctx, streamHooks{
		endpoint:     func(context.Context) (string, error) { return s.url, nil },
		onConnect:    func(*websocket.Conn) { s.connected.Store(true) },
		onDisconnect: func(error) { s.connected.Store(false) },
		handle: func(msg []byte) error {
			tick, err := parseBookTicker(msg)
			if err != nil {
				s.logger.Error().Err(err).Msg("Failed to parse book ticker")
				return nil
			}
			s.lastMessage.Store(time.Now().UnixNano())
			s.publish(tick)
			return nil
		},
	})
}

// publish replaces an unconsumed tick with the newer one
func (s *BookTickerStream) publish(tick BookTicker) {
	select {
	case s.ticks <- tick:
		return
	default:
	}
	select {
	case <-s.ticks:
	default:
	}
	select {
	case s.ticks <- tick:
	default:
	}
}

func parseBookTicker(msg []byte) (BookTicker, error) {
	var tick BookTicker
	if err := json.Unmarshal(msg, &tick); err != nil {
		return BookTicker{}, fmt.Errorf("parse bookTicker: %w", err)
	}
	if tick.BidPrice <= 0 && tick.AskPrice <= 0 {
		return BookTicker{}, fmt.Errorf("parse bookTicker: empty book in %q", msg)
	}
	return tick, nil
}
