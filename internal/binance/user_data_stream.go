package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// listen keys expire after 60 minutes; 15 leaves room for failed attempts
	keepAliveInterval      = 15 * time.Minute
	keepAliveRetryDelay    = 5 * time.Second
	maxKeepAliveAttempts   = 3
	closeListenKeyTimeout  = 5 * time.Second
	codeListenKeyNotExists = -1125
	userDataBuffer         = 256
)

// UserDataEventType discriminates UserDataEvent
type UserDataEventType int

const (
	UserDataConnected UserDataEventType = iota
	UserDataDisconnected
	UserDataOrderUpdate
	UserDataAccountUpdate
)

func (t UserDataEventType) String() string {
	switch t {
	case UserDataConnected:
		return "connected"
	case UserDataDisconnected:
		return "disconnected"
	case UserDataOrderUpdate:
		return "order_update"
	case UserDataAccountUpdate:
		return "account_update"
	}
	return "unknown"
}

// UserDataEvent is one item of the user data stream, delivered in stream order
type UserDataEvent struct {
	Type    UserDataEventType
	Order   *OrderUpdateEvent
	Account *AccountUpdateEvent
	Err     error
	At      time.Time
}

// AccountUpdateEvent represents a ACCOUNT_UPDATE event from the stream
type AccountUpdateEvent struct {
	EventType       string            `json:"e"`
	EventTime       int64             `json:"E"`
	TransactionTime int64             `json:"T"`
	AccountUpdate   AccountUpdateData `json:"a"`
}

type AccountUpdateData struct {
	EventReasonType string           `json:"m"` // DEPOSIT, WITHDRAW, ORDER, FUNDING_FEE, etc.
	Balances        []BalanceUpdate  `json:"B"`
	Positions       []PositionUpdate `json:"P"`
}

type BalanceUpdate struct {
	Asset              string  `json:"a"`
	WalletBalance      float64 `json:"wb,string"`
	CrossWalletBalance float64 `json:"cw,string"`
	BalanceChange      float64 `json:"bc,string"`
}

type PositionUpdate struct {
	Symbol         string  `json:"s"`
	PositionAmount float64 `json:"pa,string"`
	EntryPrice     float64 `json:"ep,string"`
	AccumulatedPnL float64 `json:"cr,string"` // (Pre-fee) Accumulated Realized
	UnrealizedPnL  float64 `json:"up,string"`
	MarginType     string  `json:"mt"` // isolated, cross
	IsolatedWallet float64 `json:"iw,string"`
	PositionSide   string  `json:"ps"` // BOTH, LONG, SHORT
}

// OrderUpdateEvent represents an ORDER_TRADE_UPDATE event from the stream
type OrderUpdateEvent struct {
	EventType       string          `json:"e"`
	EventTime       int64           `json:"E"`
	TransactionTime int64           `json:"T"`
	Order           OrderUpdateData `json:"o"`
}

type OrderUpdateData struct {
	Symbol              string  `json:"s"`
	ClientOrderId       string  `json:"c"`
	Side                string  `json:"S"` // BUY, SELL
	OrderType           string  `json:"o"` // MARKET, LIMIT, STOP, etc.
	TimeInForce         string  `json:"f"`
	OriginalQuantity    float64 `json:"q,string"`
	OriginalPrice       float64 `json:"p,string"`
	AveragePrice        float64 `json:"ap,string"`
	StopPrice           float64 `json:"sp,string"`
	ExecutionType       string  `json:"x"` // NEW, TRADE, CANCELED, etc.
	OrderStatus         string  `json:"X"` // NEW, FILLED, CANCELED, etc.
	OrderId             int64   `json:"i"`
	LastFilledQty       float64 `json:"l,string"`
	CumulativeFilledQty float64 `json:"z,string"`
	LastFilledPrice     float64 `json:"L,string"`
	CommissionAsset     string  `json:"N"`
	Commission          float64 `json:"n,string"`
	OrderTradeTime      int64   `json:"T"`
	TradeId             int64   `json:"t"`
	IsMakerSide         bool    `json:"m"`
	IsReduceOnly        bool    `json:"R"`
	WorkingType         string  `json:"wt"`
	OriginalOrderType   string  `json:"ot"`
	PositionSide        string  `json:"ps"` // BOTH, LONG, SHORT
	IsClosePosition     bool    `json:"cp"`
	ActivationPrice     float64 `json:"AP,string"` // claims "AP" so it cannot fold into "ap"
	CallbackRate        float64 `json:"cr,string"`
	RealizedProfit      float64 `json:"rp,string"`
}

// UserDataStream handles the Binance Futures User Data WebSocket stream.
// Events are delivered on a single channel in the order they were received.
type UserDataStream struct {
	client    Exchange
	baseURL   string
	runner    *wsRunner
	events    chan UserDataEvent
	keepAlive time.Duration
	logger    zerolog.Logger

	mu        sync.Mutex
	listenKey string
	conn      *websocket.Conn

	connected   atomic.Bool
	lastMessage atomic.Int64
	reconnects  atomic.Int64
}

// NewUserDataStream creates a new user data stream
func NewUserDataStream(client Exchange, cfg StreamConfig, logger zerolog.Logger) *UserDataStream {
	return &UserDataStream{
		client:    client,
		baseURL:   cfg.baseURL(),
		runner:    newWSRunner("user_data", cfg, logger),
		events:    make(chan UserDataEvent, userDataBuffer),
		keepAlive: keepAliveInterval,
		logger:    logger.With().Str("component", "user_data_stream").Logger(),
	}
}

// Events returns the event channel. It is closed when Run returns.
func (s *UserDataStream) Events() <-chan UserDataEvent {
	return s.events
}

// Connected reports whether the websocket is currently up
func (s *UserDataStream) Connected() bool {
	return s.connected.Load()
}

// LastMessage returns when the last message arrived
func (s *UserDataStream) LastMessage() time.Time {
	ns := s.lastMessage.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Reconnects returns how many times the stream dropped
func (s *UserDataStream) Reconnects() int64 {
	return s.reconnects.Load()
}

// Run connects and keeps the stream alive until ctx is cancelled
func (s *UserDataStream) Run(ctx context.Context) error {
	defer close(s.events)
	defer s.closeListenKey()

	kaCtx, stopKeepAlive := context.WithCancel(ctx)
	defer stopKeepAlive()
	go s.keepAliveLoop(kaCtx)

	return s.runner.run(ctx, streamHooks{
		endpoint: s.endpoint,
		onConnect: func(conn *websocket.Conn) {
			s.mu.Lock()
			s.conn = conn
			s.mu.Unlock()
			s.connected.Store(true)
			s.emit(ctx, UserDataEvent{Type: UserDataConnected, At: time.Now()})
		},
		onDisconnect: func(err error) {
			s.mu.Lock()
			s.conn = nil
			s.mu.Unlock()
			s.connected.Store(false)
			s.reconnects.Add(1)
			s.emit(ctx, UserDataEvent{Type: UserDataDisconnected, Err: err, At: time.Now()})
		},
		handle: func(msg []byte) error {
			s.lastMessage.Store(time.Now().UnixNano())
			return s.handleMessage(ctx, msg)
		},
	})
}

func (s *UserDataStream) endpoint(ctx context.Context) (string, error) {
	s.mu.Lock()
	key := s.listenKey
	s.mu.Unlock()

	if key == "" {
		var err error
		key, err = s.client.CreateListenKey(ctx)
		if err != nil {
			return "", err
		}
		s.mu.Lock()
		s.listenKey = key
		s.mu.Unlock()
		s.logger.Info().Str("listen_key", abbreviate(key)).Msg("Listen key created")
	}
	return s.baseURL + "/ws/" + key, nil
}

// emit blocks until the consumer takes the event; dropping would break ordering
func (s *UserDataStream) emit(ctx context.Context, ev UserDataEvent) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

// handleMessage processes incoming WebSocket messages
func (s *UserDataStream) handleMessage(ctx context.Context, message []byte) error {
	ev, eventType, err := parseUserDataMessage(message)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to parse user data message")
		return nil
	}

	switch eventType {
	case "ACCOUNT_UPDATE", "ORDER_TRADE_UPDATE":
		ev.At = time.Now()
		s.emit(ctx, ev)
	case "listenKeyExpired":
		s.logger.Warn().Msg("Listen key expired, refreshing")
		s.mu.Lock()
		s.listenKey = ""
		s.mu.Unlock()
		return errReconnect
	case "MARGIN_CALL":
		s.logger.Warn().RawJSON("event", message).Msg("MARGIN CALL received")
	default:
		s.logger.Debug().Str("event", eventType).Msg("Ignoring user data event")
	}
	return nil
}

// parseUserDataMessage decodes a raw stream frame. The returned string is the
// event type, also for events that produce no UserDataEvent.
func parseUserDataMessage(message []byte) (UserDataEvent, string, error) {
	var base struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(message, &base); err != nil {
		return UserDataEvent{}, "", fmt.Errorf("parse event type: %w", err)
	}

	switch base.EventType {
	case "ACCOUNT_UPDATE":
		var event AccountUpdateEvent
		if err := json.Unmarshal(message, &event); err != nil {
			return UserDataEvent{}, base.EventType, fmt.Errorf("parse ACCOUNT_UPDATE: %w", err)
		}
		return UserDataEvent{Type: UserDataAccountUpdate, Account: &event}, base.EventType, nil
	case "ORDER_TRADE_UPDATE":
		var event OrderUpdateEvent
		if err := json.Unmarshal(message, &event); err != nil {
			return UserDataEvent{}, base.EventType, fmt.Errorf("parse ORDER_TRADE_UPDATE: %w", err)
		}
		return UserDataEvent{Type: UserDataOrderUpdate, Order: &event}, base.EventType, nil
	}
	return UserDataEvent{}, base.EventType, nil
}

// keepAliveLoop extends the listen key periodically. Repeated failures
// force a fresh listen key and a reconnect.
func (s *UserDataStream) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		key := s.listenKey
		s.mu.Unlock()
		if key == "" {
			continue
		}

		var lastErr error
		for attempt := 1; attempt <= maxKeepAliveAttempts; attempt++ {
			lastErr = s.client.KeepAliveListenKey(ctx, key)
			if lastErr == nil {
				break
			}
			if apiErr, ok := asAPIError(lastErr); ok && apiErr.Code == codeListenKeyNotExists {
				break
			}
			s.logger.Warn().Err(lastErr).Int("attempt", attempt).Msg("Keepalive attempt failed")
			if attempt < maxKeepAliveAttempts && sleepCtx(ctx, keepAliveRetryDelay) != nil {
				return
			}
		}

		if lastErr == nil {
			s.logger.Debug().Msg("Listen key kept alive")
			continue
		}
		s.logger.Error().Err(lastErr).Msg("Keepalive failed, forcing listen key refresh")
		s.forceRefresh()
	}
}

// forceRefresh drops the listen key and the connection; the runner redials
func (s *UserDataStream) forceRefresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listenKey = ""
	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *UserDataStream) closeListenKey() {
	s.mu.Lock()
	key := s.listenKey
	s.listenKey = ""
	s.mu.Unlock()
	if key == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), closeListenKeyTimeout)
	defer cancel()
	if err := s.client.CloseListenKey(ctx, key); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to close listen key")
	}
}

func abbreviate(key string) string {
	if len(key) > 12 {
		return key[:12] + "..."
	}
	return key
}
