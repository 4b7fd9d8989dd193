package binance

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// FuturesStreamURL is the production futures websocket base
	FuturesStreamURL = "wss://fstream.binance.com"
	// FuturesTestnetStreamURL is the testnet futures websocket base
	FuturesTestnetStreamURL = "wss://stream.binancefuture.com"

	// the server pings every 3 minutes; a silent connection is dead well before this
	defaultReadTimeout = 10 * time.Minute
	handshakeTimeout   = 10 * time.Second
	pongWriteTimeout   = 5 * time.Second
)

// StreamConfig configures a websocket stream
type StreamConfig struct {
	Testnet     bool
	BaseURL     string // overrides Testnet when set
	ReadTimeout time.Duration
}

func (c StreamConfig) baseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	if c.Testnet {
		return FuturesTestnetStreamURL
	}
	return FuturesStreamURL
}

// errReconnect asks the runner to drop the current connection and dial again
var errReconnect = errors.New("stream reconnect requested")

// wsRunner owns the dial / read / reconnect cycle shared by all streams
type wsRunner struct {
	name        string
	dialer      *websocket.Dialer
	readTimeout time.Duration
	newBackOff  func() backoff.BackOff
	logger      zerolog.Logger
}

func newWSRunner(name string, cfg StreamConfig, logger zerolog.Logger) *wsRunner {
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	return &wsRunner{
		name:        name,
		dialer:      &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		readTimeout: readTimeout,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0 // retry until the context ends
			return b
		},
		logger: logger.With().Str("component", "ws").Str("stream", name).Logger(),
	}
}

type streamHooks struct {
	endpoint     func(ctx context.Context) (string, error)
	onConnect    func(conn *websocket.Conn)
	onDisconnect func(err error)
	handle       func(msg []byte) error
}

// run dials, reads and reconnects with exponential backoff until ctx ends
func (r *wsRunner) run(ctx context.Context, hooks streamHooks) error {
	bo := r.newBackOff()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := r.session(ctx, hooks, bo)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		r.logger.Warn().Err(err).Dur("retry_in", wait).Msg("Stream disconnected, reconnecting")
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

func (r *wsRunner) session(ctx context.Context, hooks streamHooks, bo backoff.BackOff) error {
	url, err := hooks.endpoint(ctx)
	if err != nil {
		return err
	}
	conn, _, err := r.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	bo.Reset()
	r.logger.Info().Msg("Stream connected")
	if hooks.onConnect != nil {
		hooks.onConnect(conn)
	}

	err = r.readLoop(ctx, conn, hooks.handle)
	if hooks.onDisconnect != nil {
		hooks.onDisconnect(err)
	}
	return err
}

func (r *wsRunner) readLoop(ctx context.Context, conn *websocket.Conn, handle func([]byte) error) error {
	done := make(chan struct{})
	defer close(done)
	defer conn.Close()
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(r.readTimeout)) }
	extend()
	conn.SetPingHandler(func(data string) error {
		extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(pongWriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Info().Msg("Connection closed normally")
			}
			return err
		}
		extend()
		if err := handle(message); err != nil {
			return err
		}
	}
}
