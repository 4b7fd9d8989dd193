// Package grid runs one staged-risk grid instance: it owns the position
// state, reconciles resting orders against the plan, supervises the exit
// thresholds and shuts the instance down cleanly.
package grid

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gridbot/internal/binance"
	"gridbot/internal/control"
	"gridbot/internal/events"
	"gridbot/internal/logging"
	"gridbot/internal/orders"
	"gridbot/internal/risk"
	"gridbot/internal/state"
	"gridbot/internal/status"
	"gridbot/internal/strategy"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	superviseInterval = time.Second
	controlInterval   = time.Second
	shutdownTimeout   = 30 * time.Second
	commandBuffer     = 4
)

// ErrCommandQueueFull is returned by Submit when commands are not drained
var ErrCommandQueueFull = errors.New("grid: command queue full")

// Engine is the single owner of one instance's trading state. Every
// mutation happens under mu; stream events are applied in arrival order by
// one goroutine.
type Engine struct {
	mu sync.Mutex

	opts    Options
	store   *strategy.Store
	cfg     *strategy.Config
	side    strategy.Side
	ex      binance.Exchange
	inst    orders.Instrument
	hedge   bool
	planner *orders.PlanBuilder
	tracker *state.Tracker
	risk    *risk.RiskManager
	gw      *Gateway
	bus     *events.EventBus

	bid, ask, last, mark float64
	lastTick             time.Time
	lastUserEvent        time.Time

	userConnected bool
	streamReady   bool
	started       bool
	stopped       bool
	exiting       bool
	paused        bool
	halted        bool

	lastReconcile time.Time
	lastAction    map[strategy.Side]time.Time
	postOnlyUntil map[strategy.Side]time.Time
	intended      map[int64]float64 // order id -> planned price before maker repricing

	lastErr   string
	lastErrAt time.Time
	exit      *status.Exit

	shutdown chan ExitResult
	commands chan control.Command
	latest   atomic.Pointer[status.Payload]

	logger zerolog.Logger
	errLog *logging.Throttled
	now    func() time.Time
}

// New creates an engine. Init must succeed before Run.
func New(opts Options) *Engine {
	cfg := opts.Store.Current()
	logger := opts.Logger.With().
		Str("component", "grid").
		Str("instance", opts.InstanceID).
		Logger()

	return &Engine{
		opts:          opts,
		store:         opts.Store,
		cfg:           cfg,
		side:          cfg.Direction,
		ex:            opts.Exchange,
		tracker:       state.NewTracker(cfg.Symbol, cfg.QuoteAsset, cfg.TradeIDMemory, opts.Logger),
		risk:          risk.NewRiskManager(cfg),
		bus:           opts.Bus,
		lastAction:    make(map[strategy.Side]time.Time, 2),
		postOnlyUntil: make(map[strategy.Side]time.Time, 2),
		intended:      make(map[int64]float64),
		shutdown:      make(chan ExitResult, 1),
		commands:      make(chan control.Command, commandBuffer),
		logger:        logger,
		errLog:        logging.NewThrottled(cfg.ConfigErrorLogInterval()),
		now:           time.Now,
	}
}

// Init loads the instrument filters, detects the position mode, applies
// leverage and margin type and performs the first resync.
func (e *Engine) Init(ctx context.Context) error {
	cfg := e.cfg

	info, err := e.ex.GetExchangeInfo(ctx)
	if err != nil {
		return fmt.Errorf("exchange info: %w", err)
	}
	si, ok := info.Symbol(cfg.Symbol)
	if !ok {
		return fmt.Errorf("symbol %s not listed", cfg.Symbol)
	}
	inst, err := si.Instrument()
	if err != nil {
		return err
	}

	mode, err := e.ex.GetPositionMode(ctx)
	if err != nil {
		return fmt.Errorf("position mode: %w", err)
	}
	if cfg.Leverage > 0 {
		if _, err := e.ex.SetLeverage(ctx, cfg.Symbol, cfg.Leverage); err != nil {
			return fmt.Errorf("set leverage: %w", err)
		}
	}
	if cfg.MarginType != "" {
		mt := binance.MarginType(strings.ToUpper(cfg.MarginType))
		if err := e.ex.SetMarginType(ctx, cfg.Symbol, mt); err != nil {
			return fmt.Errorf("set margin type: %w", err)
		}
	}

	e.mu.Lock()
	e.inst = inst
	e.hedge = mode.DualSidePosition
	e.planner = orders.NewPlanBuilder(inst, cfg.ClientIDPrefix)
	e.gw = NewGateway(e.ex, GatewayConfig{
		Instrument: inst,
		Prefix:     cfg.ClientIDPrefix,
		Hedge:      e.hedge,
		MakerOnly:  cfg.MakerOnly,
		Breaker:    e.opts.Breaker,
		Bus:        e.bus,
		Metrics:    e.opts.Metrics,
		Logger:     e.opts.Logger,
	})
	if tuner, ok := e.ex.(cacheTuner); ok {
		tuner.Cache().SetTTL(cfg.OpenOrdersCacheTTL())
	}
	e.mu.Unlock()

	if err := e.resync(ctx); err != nil {
		return err
	}

	e.logger.Info().
		Str("symbol", cfg.Symbol).
		Str("side", string(e.side)).
		Bool("hedge", e.hedge).
		Int("stages", len(cfg.Stages())).
		Bool("maker_only", cfg.MakerOnly).
		Bool("dry_run", e.opts.DryRun).
		Msg("Engine initialised")
	return nil
}

// Run trades until a shutdown is requested or ctx is cancelled, then runs the
// shutdown sequence and reports how the process should exit.
func (e *Engine) Run(ctx context.Context) ExitResult {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error { return quiet(e.opts.UserData.Run(gctx)) })
	g.Go(func() error { return quiet(e.opts.Ticker.Run(gctx)) })
	g.Go(func() error { return e.eventLoop(gctx) })
	g.Go(func() error { return e.resyncLoop(gctx) })
	g.Go(func() error { return e.superviseLoop(gctx) })
	g.Go(func() error { return e.statusLoop(gctx) })
	g.Go(func() error { return e.controlLoop(gctx) })
	g.Go(func() error {
		e.store.Watch(gctx, e.applyConfig)
		return nil
	})
	if e.opts.Leader != nil {
		g.Go(func() error { return e.holdLeadership(gctx) })
	}

	e.mu.Lock()
	e.started = true
	e.mu.Unlock()
	e.bus.Publish(events.Event{
		Type: events.EventEngineStarted,
		Data: map[string]interface{}{"instance": e.opts.InstanceID, "run_id": e.opts.RunID},
	})

	var res ExitResult
	select {
	case res = <-e.shutdown:
	case <-gctx.Done():
		select {
		case res = <-e.shutdown:
		default:
			if ctx.Err() != nil {
				res = ExitResult{Reason: ReasonSignal, Code: ExitOK, Flatten: e.opts.FlattenOnShutdown}
			} else {
				res = ExitResult{Reason: ReasonError, Code: ExitError}
			}
		}
	}

	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	cancel()
	if err := g.Wait(); err != nil && res.Err == nil {
		res.Err = err
	}

	fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer fcancel()
	e.finish(fctx, res)
	return res
}

func quiet(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// signalShutdown requests the shutdown sequence; the first request wins
func (e *Engine) signalShutdown(res ExitResult) {
	select {
	case e.shutdown <- res:
		e.logger.Info().Str("reason", res.Reason).Int("code", res.Code).Msg("Shutdown requested")
	default:
	}
}

// Submit queues an operator command from the HTTP API
func (e *Engine) Submit(cmd control.Command) error {
	select {
	case e.commands <- cmd:
		return nil
	default:
		return ErrCommandQueueFull
	}
}

func (e *Engine) eventLoop(ctx context.Context) error {
	userEvents := e.opts.UserData.Events()
	ticks := e.opts.Ticker.Ticks()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-userEvents:
			if !ok {
				userEvents = nil
				continue
			}
			e.handleUserEvent(ctx, ev)
		case tick, ok := <-ticks:
			if !ok {
				ticks = nil
				continue
			}
			e.handleTick(ctx, tick)
		case cmd := <-e.opts.Commands:
			e.handleCommand(cmd)
		case cmd := <-e.commands:
			e.handleCommand(cmd)
		}
	}
}

func (e *Engine) handleCommand(cmd control.Command) {
	switch cmd {
	case control.CommandStop:
		e.signalShutdown(ExitResult{Reason: ReasonRemoteStop, Code: ExitOK, Flatten: e.opts.FlattenOnShutdown})
	case control.CommandRestart:
		e.signalShutdown(ExitResult{Reason: ReasonRemoteRestart, Code: ExitRestart})
	case control.CommandStart:
		if e.opts.Flags != nil {
			if err := e.opts.Flags.Set(control.CommandStart); err != nil {
				e.recordError("control", err)
			}
		}
		e.mu.Lock()
		e.paused = false
		e.mu.Unlock()
		e.logger.Info().Msg("Start command received")
	}
}

func (e *Engine) handleUserEvent(ctx context.Context, ev binance.UserDataEvent) {
	switch ev.Type {
	case binance.UserDataConnected:
		e.mu.Lock()
		e.userConnected = true
		e.streamReady = false
		e.lastUserEvent = ev.At
		e.mu.Unlock()
		e.bus.PublishStreamState("user_data", true)
		if err := e.resync(ctx); err != nil {
			e.recordError("resync", err)
		}

	case binance.UserDataDisconnected:
		e.mu.Lock()
		e.userConnected = false
		e.streamReady = false
		e.mu.Unlock()
		e.bus.PublishStreamState("user_data", false)
		e.logger.Warn().Err(ev.Err).Msg("User data stream disconnected, trading paused until resync")

	case binance.UserDataOrderUpdate:
		if ev.Order != nil {
			e.onOrderUpdate(ctx, ev.Order.Order, ev.At)
		}

	case binance.UserDataAccountUpdate:
		if ev.Account != nil {
			e.onAccountUpdate(ev.Account.AccountUpdate.Positions, ev.At)
		}
	}
}

func orderUpdateFrom(d binance.OrderUpdateData) state.OrderUpdate {
	orderType := d.OriginalOrderType
	if orderType == "" {
		orderType = d.OrderType
	}
	u := state.OrderUpdate{
		Symbol:        d.Symbol,
		ClientOrderID: d.ClientOrderId,
		OrderID:       d.OrderId,
		Side:          d.Side,
		PositionSide:  d.PositionSide,
		OrderType:     orderType,
		Status:        d.OrderStatus,
		ExecType:      d.ExecutionType,
		ReduceOnly:    d.IsReduceOnly,
		ClosePosition: d.IsClosePosition,
		OrigQty:       d.OriginalQuantity,
		LastFilledQty: d.LastFilledQty,
		CumFilledQty:  d.CumulativeFilledQty,
		AvgPrice:      d.AveragePrice,
		LastPrice:     d.LastFilledPrice,
		StopPrice:     d.StopPrice,
		RealizedPNL:   d.RealizedProfit,
		Fee:           d.Commission,
		FeeAsset:      d.CommissionAsset,
		TradeID:       d.TradeId,
	}
	if d.OrderTradeTime > 0 {
		u.EventTime = time.UnixMilli(d.OrderTradeTime)
	}
	return u
}

func (e *Engine) onOrderUpdate(ctx context.Context, d binance.OrderUpdateData, at time.Time) {
	e.mu.Lock()
	if d.Symbol != e.inst.Symbol {
		e.mu.Unlock()
		return
	}
	e.lastUserEvent = at
	if inv, ok := e.ex.(cacheInvalidator); ok {
		inv.InvalidateUserDataCache()
	}
	switch d.OrderStatus {
	case "FILLED", "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH", "REJECTED":
		delete(e.intended, d.OrderId)
	}

	u := orderUpdateFrom(d)
	res := e.tracker.ApplyOrderUpdate(u)
	if res.Duplicate {
		e.mu.Unlock()
		return
	}
	if res.Filled > 0 {
		e.bus.PublishFill(events.Fill{
			Symbol:        d.Symbol,
			Side:          string(res.Side),
			OrderSide:     d.Side,
			ClientOrderID: d.ClientOrderId,
			OrderID:       d.OrderId,
			TradeID:       d.TradeId,
			Price:         res.FillPrice,
			Quantity:      res.Filled,
			RealizedPNL:   d.RealizedProfit,
			Fee:           d.Commission,
			FeeAsset:      d.CommissionAsset,
			ReduceOnly:    d.IsReduceOnly || d.IsClosePosition,
			Time:          u.EventTime,
		})
		e.logger.Info().
			Str("side", string(res.Side)).
			Str("order_side", d.Side).
			Str("client_id", d.ClientOrderId).
			Float64("qty", res.Filled).
			Float64("price", res.FillPrice).
			Float64("position", e.tracker.Position(res.Side).Amount).
			Msg("Fill")
		e.lastReconcile = time.Time{}
	}
	if res.BecameFlat {
		e.risk.ResetSide(res.Side)
	}

	stopReason := ""
	if res.StopClosedReason != "" && !e.exiting && !e.stopped {
		stopReason = res.StopClosedReason
		e.stopped = true
	}
	e.mu.Unlock()

	if stopReason != "" {
		e.logger.Error().
			Str("side", string(res.Side)).
			Str("reason", stopReason).
			Float64("price", res.FillPrice).
			Msg("Exchange stop closed the position")
		e.bus.PublishEmergencyExit(string(res.Side), stopReason, res.Filled, res.FillPrice, true, 0)
		e.disableAutostart()
		e.signalShutdown(ExitResult{Reason: stopReason, Code: ExitOK})
		return
	}
	if res.Filled > 0 {
		e.reconcile(ctx)
	}
}

func (e *Engine) onAccountUpdate(rows []binance.PositionUpdate, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	infos := make([]state.PositionInfo, 0, len(rows))
	for _, r := range rows {
		if r.Symbol != e.inst.Symbol {
			continue
		}
		infos = append(infos, state.PositionInfo{
			PositionSide:  r.PositionSide,
			Amount:        r.PositionAmount,
			EntryPrice:    r.EntryPrice,
			UnrealizedPNL: r.UnrealizedPnL,
		})
	}
	if len(infos) == 0 {
		return
	}
	e.lastUserEvent = at
	before := e.positionsLocked()
	e.tracker.ApplyAccountUpdate(infos)
	e.resetFlatSidesLocked(before)
}

func (e *Engine) positionsLocked() map[strategy.Side]float64 {
	return map[strategy.Side]float64{
		strategy.SideLong:  e.tracker.Position(strategy.SideLong).Amount,
		strategy.SideShort: e.tracker.Position(strategy.SideShort).Amount,
	}
}

// resetFlatSidesLocked clears stage and trailing anchors of sides that went flat
func (e *Engine) resetFlatSidesLocked(before map[strategy.Side]float64) {
	for side, amt := range before {
		if amt > 0 && e.tracker.Position(side).Amount == 0 {
			e.risk.ResetSide(side)
		}
	}
}

func (e *Engine) handleTick(ctx context.Context, t binance.BookTicker) {
	if t.BidPrice <= 0 && t.AskPrice <= 0 {
		return
	}
	e.mu.Lock()
	if t.BidPrice > 0 {
		e.bid = t.BidPrice
	}
	if t.AskPrice > 0 {
		e.ask = t.AskPrice
	}
	e.last = t.Mid()
	e.lastTick = e.now()
	e.mu.Unlock()

	e.supervise(ctx)
	e.reconcile(ctx)
}

// applyConfig takes a reloaded strategy snapshot without restarting
func (e *Engine) applyConfig(cfg *strategy.Config) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cfg.Symbol != e.inst.Symbol {
		e.logger.Warn().
			Str("configured", cfg.Symbol).
			Str("trading", e.inst.Symbol).
			Msg("Symbol change needs a restart, keeping the current symbol")
		c := *cfg
		c.Symbol = e.inst.Symbol
		cfg = &c
	}
	e.cfg = cfg
	e.risk.Apply(cfg)
	e.tracker.SetTradeMemory(cfg.TradeIDMemory)
	e.errLog.SetInterval(cfg.ConfigErrorLogInterval())
	if e.gw != nil {
		e.gw.SetMakerOnly(cfg.MakerOnly)
		e.gw.SetPrefix(cfg.ClientIDPrefix)
	}
	if e.planner != nil {
		e.planner.Prefix = cfg.ClientIDPrefix
	}
	if tuner, ok := e.ex.(cacheTuner); ok {
		tuner.Cache().SetTTL(cfg.OpenOrdersCacheTTL())
	}
	if cfg.Direction != e.side {
		e.logger.Info().
			Str("from", string(e.side)).
			Str("to", string(cfg.Direction)).
			Msg("Direction change requested, switching once the active side is flat")
	}
	e.lastReconcile = time.Time{}

	e.opts.Metrics.SetConfigVersion(cfg.Version)
	e.bus.PublishConfigReloaded(cfg.Version, e.store.Digest())
	e.logger.Info().Int64("version", cfg.Version).Str("risk", e.risk.Describe(e.side)).Msg("Strategy config applied")
}

func (e *Engine) recordError(source string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recordErrorLocked(source, err)
}

func (e *Engine) recordErrorLocked(source string, err error) {
	if err == nil {
		return
	}
	e.lastErr = fmt.Sprintf("%s: %v", source, err)
	e.lastErrAt = e.now()
	e.errLog.Do(source, err.Error(), func() {
		e.logger.Error().Err(err).Str("source", source).Msg("Engine error")
		e.bus.PublishError(source, "engine error", err)
	})
}

func (e *Engine) disableAutostart() {
	if e.opts.Flags == nil {
		return
	}
	if err := e.opts.Flags.DisableAutostart(); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to remove autostart flags")
	}
}

// canTradeLocked reports whether new orders may be issued
func (e *Engine) canTradeLocked() bool {
	return !e.stopped && !e.exiting && !e.paused && !e.halted &&
		e.streamReady && e.bid > 0 && e.ask > 0 && e.gw != nil
}

func (e *Engine) stateLocked() string {
	switch {
	case e.exiting:
		return status.StateExiting
	case e.halted:
		return status.StateHalted
	case e.stopped:
		return status.StateStopped
	case e.paused:
		return status.StatePaused
	case !e.started:
		return status.StateStarting
	}
	return status.StateRunning
}
