package grid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gridbot/internal/binance"
	"gridbot/internal/control"
	"gridbot/internal/state"
	"gridbot/internal/status"
	"gridbot/internal/strategy"
)

// resync replaces the tracked positions and order counters with a REST read.
// The reads happen outside the lock; a read that lost the race against a
// newer one is dropped by the tracker.
func (e *Engine) resync(ctx context.Context) error {
	readAt := e.now()
	if inv, ok := e.ex.(cacheInvalidator); ok {
		inv.InvalidateUserDataCache()
	}
	positions, err := e.ex.GetPositions(ctx, e.inst.Symbol)
	if err != nil {
		return fmt.Errorf("resync positions: %w", err)
	}
	open, err := e.ex.GetOpenOrders(ctx, e.inst.Symbol)
	if err != nil {
		return fmt.Errorf("resync open orders: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	before := e.positionsLocked()
	if !e.tracker.Resync(positionInfos(e.inst.Symbol, positions), openOrderInfos(open), readAt) {
		return nil
	}
	e.resetFlatSidesLocked(before)
	if e.userConnected && !e.streamReady {
		e.streamReady = true
		e.logger.Info().Msg("Resync complete, stream ready")
	}
	e.lastReconcile = time.Time{}
	return nil
}

func positionInfos(symbol string, rows []binance.FuturesPosition) []state.PositionInfo {
	out := make([]state.PositionInfo, 0, len(rows))
	for _, p := range rows {
		if p.Symbol != "" && p.Symbol != symbol {
			continue
		}
		out = append(out, state.PositionInfo{
			PositionSide:  p.PositionSide,
			Amount:        p.PositionAmt,
			EntryPrice:    p.EntryPrice,
			UnrealizedPNL: p.UnrealizedProfit,
		})
	}
	return out
}

func openOrderInfos(open []binance.FuturesOrder) []state.OpenOrder {
	out := make([]state.OpenOrder, 0, len(open))
	for _, o := range open {
		orderType := o.OrigType
		if orderType == "" {
			orderType = o.Type
		}
		out = append(out, state.OpenOrder{
			Side:          o.Side,
			PositionSide:  o.PositionSide,
			Type:          orderType,
			ReduceOnly:    o.ReduceOnly,
			ClosePosition: o.ClosePosition,
			OrigQty:       o.OrigQty,
			ExecutedQty:   o.ExecutedQty,
		})
	}
	return out
}

// exchangePosition reads the live size of side straight from the exchange
func (e *Engine) exchangePosition(ctx context.Context, side strategy.Side) (float64, error) {
	rows, err := e.ex.GetPositions(ctx, e.inst.Symbol)
	if err != nil {
		return 0, err
	}
	for _, p := range rows {
		if p.Symbol != "" && p.Symbol != e.inst.Symbol {
			continue
		}
		switch p.PositionSide {
		case string(binance.PositionSideLong):
			if side == strategy.SideLong {
				return abs(p.PositionAmt), nil
			}
		case string(binance.PositionSideShort):
			if side == strategy.SideShort {
				return abs(p.PositionAmt), nil
			}
		default:
			if side == strategy.SideLong && p.PositionAmt > 0 {
				return p.PositionAmt, nil
			}
			if side == strategy.SideShort && p.PositionAmt < 0 {
				return -p.PositionAmt, nil
			}
		}
	}
	return 0, nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func (e *Engine) interval(get func(*strategy.Config) time.Duration, fallback time.Duration) time.Duration {
	e.mu.Lock()
	d := get(e.cfg)
	e.mu.Unlock()
	if d <= 0 {
		return fallback
	}
	return d
}

func (e *Engine) resyncLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(e.interval((*strategy.Config).RestSyncInterval, 10*time.Second)):
		}
		if err := e.resync(ctx); err != nil && ctx.Err() == nil {
			e.recordError("resync", err)
		}
	}
}

// controlLoop polls the flag files
func (e *Engine) controlLoop(ctx context.Context) error {
	flags := e.opts.Flags
	if flags == nil {
		return nil
	}
	ticker := time.NewTicker(controlInterval)
	defer ticker.Stop()
	for {
		e.pollFlags(flags)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (e *Engine) pollFlags(flags *control.Flags) {
	switch flags.Poll() {
	case control.CommandStop:
		e.signalShutdown(ExitResult{Reason: ReasonStopFlag, Code: ExitOK, Flatten: e.opts.FlattenOnShutdown})
		return
	case control.CommandRestart:
		e.signalShutdown(ExitResult{Reason: ReasonRestartFlag, Code: ExitRestart})
		return
	}

	paused := flags.Paused(e.opts.RequireStartFlag)
	e.mu.Lock()
	changed := paused != e.paused
	e.paused = paused
	e.mu.Unlock()
	if changed {
		if paused {
			e.logger.Info().Str("flag", flags.Path(control.CommandStart)).Msg("Start flag missing, paused")
		} else {
			e.logger.Info().Msg("Start flag present, resuming")
		}
	}
}

func (e *Engine) holdLeadership(ctx context.Context) error {
	err := e.opts.Leader.Hold(ctx)
	if errors.Is(err, control.ErrNotLeader) {
		e.logger.Error().Err(err).Msg("Instance taken over by another process")
		e.signalShutdown(ExitResult{Reason: ReasonLostLeadership, Code: ExitError, Err: err})
		return nil
	}
	return quiet(err)
}

func (e *Engine) statusLoop(ctx context.Context) error {
	for {
		e.publishStatus(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(e.interval((*strategy.Config).StatusInterval, time.Second)):
		}
	}
}

// publishStatus refreshes the cached payload, the artifact and the mirrors
func (e *Engine) publishStatus(ctx context.Context) status.Payload {
	e.mu.Lock()
	p := e.buildStatusLocked()
	e.mu.Unlock()

	e.latest.Store(&p)
	e.opts.Metrics.SetAccounting(p.Accounting.Equity, p.Accounting.PNL)
	e.opts.Metrics.SetPosition(p.Direction, p.Position.Amount, p.Risk.Stage)

	if e.opts.Status != nil {
		if err := e.opts.Status.Write(p); err != nil {
			e.recordError("status", err)
		}
	}
	if e.opts.Publisher != nil && ctx.Err() == nil {
		if err := e.opts.Publisher.Publish(ctx, p); err != nil {
			e.recordError("status_publish", err)
		}
	}
	return p
}

// Status returns the most recent status payload
func (e *Engine) Status() status.Payload {
	if p := e.latest.Load(); p != nil {
		return *p
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buildStatusLocked()
}

func (e *Engine) buildStatusLocked() status.Payload {
	side := e.side
	snap := e.tracker.Snapshot()
	calc := e.risk.Stage(side)
	stop, _ := e.risk.Trailing.GetCurrentStopLoss(side)

	p := status.Payload{
		InstanceID: e.opts.InstanceID,
		RunID:      e.opts.RunID,
		Timestamp:  e.now().UTC(),
		Symbol:     e.cfg.Symbol,
		Direction:  string(side),
		DryRun:     e.opts.DryRun,
		Health: status.Health{
			State:           e.stateLocked(),
			StreamReady:     e.streamReady,
			UserStream:      e.userConnected,
			Ticker:          e.opts.Ticker != nil && e.opts.Ticker.Connected(),
			LastError:       e.lastErr,
			LastErrorAt:     e.lastErrAt,
			LastUserEvent:   e.lastUserEvent,
			LastTick:        e.lastTick,
			LastResync:      snap.LastResync,
			LastOrderUpdate: snap.LastOrderUpdate,
		},
		Config: status.ConfigInfo{
			Path:    e.store.Path(),
			Version: e.cfg.Version,
			Digest:  e.store.Digest(),
		},
		Accounting: e.tracker.Accounting(e.cfg.AllocatedCapital),
		Position:   snap.Position(side),
		Counters:   snap.Counters,
		Risk: status.Risk{
			Stage:             calc.Current(),
			StageCount:        calc.StageCount(),
			HardStopPrice:     e.cfg.HardStopPrice,
			TrailingEnabled:   e.cfg.TrailingStopEnabled,
			StopPrice:         stop,
			TakeProfitEnabled: e.cfg.TakeProfitEnabled,
			TakeProfitPrice:   e.cfg.TakeProfitPrice,
		},
		Market: status.Market{Bid: e.bid, Ask: e.ask, Mark: e.mark},
		Exit:   e.exit,
	}
	if err := e.store.LastError(); err != nil {
		p.Config.LastError = err.Error()
	}
	if e.opts.Breaker != nil {
		p.Health.CircuitState = string(e.opts.Breaker.GetState())
	}
	return p
}
