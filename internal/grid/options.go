package grid

import (
	"context"
	"time"

	"gridbot/internal/binance"
	"gridbot/internal/circuit"
	"gridbot/internal/control"
	"gridbot/internal/events"
	"gridbot/internal/metrics"
	"gridbot/internal/status"
	"gridbot/internal/strategy"

	"github.com/rs/zerolog"
)

// Exit reasons reported in ExitResult and the status artifact
const (
	ReasonStopFlag       = "stop_flag"
	ReasonRestartFlag    = "restart_flag"
	ReasonSignal         = "signal"
	ReasonRemoteStop     = "remote_stop"
	ReasonRemoteRestart  = "remote_restart"
	ReasonTrailingStop   = "trailing_stoploss"
	ReasonLostLeadership = "lost_leadership"
	ReasonError          = "error"
)

// Process exit codes
const (
	ExitOK      = 0
	ExitError   = 1
	ExitRestart = 3
)

// ExitResult tells the caller why Run returned and how to exit
type ExitResult struct {
	Reason  string
	Code    int
	Flatten bool
	Err     error
}

// UserDataSource delivers order and account events in stream order
type UserDataSource interface {
	Run(ctx context.Context) error
	Events() <-chan binance.UserDataEvent
	Connected() bool
	LastMessage() time.Time
}

// TickerSource delivers best bid/ask updates; only the latest matters
type TickerSource interface {
	Run(ctx context.Context) error
	Ticks() <-chan binance.BookTicker
	Connected() bool
	LastMessage() time.Time
}

// StatusPublisher mirrors the status payload somewhere other than disk
type StatusPublisher interface {
	Publish(ctx context.Context, p status.Payload) error
}

// LeaderLock keeps exclusive ownership of the instance id while trading
type LeaderLock interface {
	Hold(ctx context.Context) error
}

// cacheInvalidator is implemented by the cached exchange client
type cacheInvalidator interface {
	InvalidateUserDataCache()
}

// cacheTuner exposes the open-order cache so reloads can change its TTL
type cacheTuner interface {
	Cache() *binance.UserDataCache
}

// Options wires an Engine
type Options struct {
	Store    *strategy.Store
	Exchange binance.Exchange
	UserData UserDataSource
	Ticker   TickerSource

	Bus       *events.EventBus
	Metrics   *metrics.Metrics
	Breaker   *circuit.CircuitBreaker
	Flags     *control.Flags
	Commands  <-chan control.Command
	Status    *status.Writer
	Publisher StatusPublisher
	Leader    LeaderLock

	InstanceID        string
	RunID             string
	RequireStartFlag  bool
	FlattenOnShutdown bool
	DryRun            bool

	Logger zerolog.Logger
}
