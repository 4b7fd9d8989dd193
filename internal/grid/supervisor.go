package grid

import (
	"context"
	"time"

	"gridbot/internal/risk"
	"gridbot/internal/state"
	"gridbot/internal/strategy"

	"github.com/cenkalti/backoff/v4"
)

// exitRetryInterval is the first pause between flatten attempts
var exitRetryInterval = 250 * time.Millisecond

func (e *Engine) superviseLoop(ctx context.Context) error {
	ticker := time.NewTicker(superviseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		e.refreshMark(ctx)
		e.supervise(ctx)
	}
}

func (e *Engine) refreshMark(ctx context.Context) {
	mp, err := e.ex.GetMarkPrice(ctx, e.inst.Symbol)
	if err != nil {
		if ctx.Err() == nil {
			e.recordError("mark_price", err)
		}
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if mp.MarkPrice > 0 {
		e.mark = mp.MarkPrice
		e.tracker.UpdateUnrealized(mp.MarkPrice)
	}
}

// supervise checks the exit thresholds of the active side and maintains the
// trailing stop on the exchange. Exits are not gated by stream readiness;
// placing or moving the standing stop is.
func (e *Engine) supervise(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped || e.exiting || e.halted || e.gw == nil {
		return
	}
	side := e.side
	pos := e.tracker.Position(side)
	if pos.Amount <= 0 {
		return
	}

	// the executable book price catches a breach between mark polls
	px := e.bid
	if side == strategy.SideShort {
		px = e.ask
	}
	if px <= 0 {
		px = e.last
	}
	if e.risk.HardStopBreached(side, e.mark) || e.risk.HardStopBreached(side, px) {
		e.logger.Error().
			Str("side", string(side)).
			Float64("mark", e.mark).
			Float64("price", px).
			Float64("hard_stop", e.risk.HardStopPrice()).
			Msg("Hard stop breached")
		e.emergencyExitLocked(ctx, side, state.ReasonHardStop)
		return
	}
	if e.risk.TakeProfitHit(side, e.bid, e.ask) {
		e.logger.Info().
			Str("side", string(side)).
			Float64("bid", e.bid).
			Float64("ask", e.ask).
			Float64("take_profit", e.cfg.TakeProfitPrice).
			Msg("Take profit reached")
		e.emergencyExitLocked(ctx, side, state.ReasonTakeProfit)
		return
	}
	e.trailLocked(ctx, side, pos)
}

func (e *Engine) trailLocked(ctx context.Context, side strategy.Side, pos state.Position) {
	if e.last <= 0 {
		return
	}
	upd := e.risk.Trailing.Compute(side, pos.EntryPrice, e.last, e.inst.RoundPrice)
	if upd.NewStopLoss <= 0 {
		return
	}
	if upd.Moved {
		e.logger.Info().
			Str("side", string(side)).
			Float64("old", upd.OldStopLoss).
			Float64("new", upd.NewStopLoss).
			Bool("anchor_reset", upd.AnchorReset).
			Msg("Trailing stop moved")
		e.bus.PublishStopMoved(string(side), upd.OldStopLoss, upd.NewStopLoss)
	}
	if risk.StopBreached(side, upd.NewStopLoss, e.bid, e.ask, e.last) {
		e.logger.Error().
			Str("side", string(side)).
			Float64("stop", upd.NewStopLoss).
			Float64("bid", e.bid).
			Float64("ask", e.ask).
			Msg("Trailing stop breached")
		e.emergencyExitLocked(ctx, side, ReasonTrailingStop)
		return
	}
	if !e.streamReady {
		return
	}

	px := e.bid
	if side == strategy.SideShort {
		px = e.ask
	}
	res, err := e.gw.UpsertStop(ctx, side, upd.NewStopLoss, px)
	switch res {
	case StopImmediateTrigger:
		e.logger.Error().Err(err).Str("side", string(side)).Float64("stop", upd.NewStopLoss).Msg("Stop would trigger immediately")
		e.emergencyExitLocked(ctx, side, ReasonTrailingStop)
	case StopFailed:
		e.recordErrorLocked("stop_upsert", err)
	}
}

// emergencyExitLocked stops trading the side and closes its position. It
// either requests a shutdown or leaves the side halted, per stop_on_hardstop.
func (e *Engine) emergencyExitLocked(ctx context.Context, side strategy.Side, reason string) {
	if e.exiting {
		return
	}
	e.exiting = true
	e.stopped = true
	all := reason == state.ReasonTakeProfit

	if all {
		if err := e.gw.CancelAll(ctx); err != nil {
			e.recordErrorLocked("exit_cancel", err)
		}
	} else {
		open, err := e.ex.GetOpenOrders(ctx, e.inst.Symbol)
		if err == nil {
			_, err = e.gw.CancelSide(ctx, side, open)
		}
		if err != nil {
			e.recordErrorLocked("exit_cancel", err)
		}
		if err := e.gw.CancelStops(ctx, side); err != nil {
			e.recordErrorLocked("exit_cancel_stops", err)
		}
	}

	sides := []strategy.Side{side}
	if all {
		sides = append(sides, side.Opposite())
	}
	var (
		closed, price float64
		flat          = true
		attempts      int
	)
	for _, s := range sides {
		c, p, f, n := e.flattenLocked(ctx, s)
		if s == side {
			closed, price = c, p
		}
		flat = flat && f
		attempts += n
	}

	e.bus.PublishEmergencyExit(string(side), reason, closed, price, flat, attempts)
	e.logger.Error().
		Str("side", string(side)).
		Str("reason", reason).
		Float64("closed", closed).
		Float64("price", price).
		Bool("flat", flat).
		Int("attempts", attempts).
		Msg("Emergency exit complete")
	if !flat {
		e.lastErr = "emergency exit left a position open"
		e.lastErrAt = e.now()
	}
	e.exiting = false

	if e.cfg.StopOnHardStop || all {
		e.disableAutostart()
		e.signalShutdown(ExitResult{Reason: reason, Code: ExitOK})
		return
	}
	e.halted = true
	e.logger.Warn().Str("side", string(side)).Msg("Side halted, process keeps running")
}

// flattenLocked market-closes side and re-reads the position until it is
// flat or exit_confirm_attempts orders have been sent
func (e *Engine) flattenLocked(ctx context.Context, side strategy.Side) (closed, price float64, flat bool, attempts int) {
	limit := e.cfg.ExitConfirmAttempts
	if limit < 1 {
		limit = 1
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = exitRetryInterval
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 0

	for {
		amt, err := e.exchangePosition(ctx, side)
		if err == nil && e.inst.FloorQty(amt) <= 0 {
			return closed, price, true, attempts
		}
		if attempts >= limit {
			return closed, price, false, attempts
		}
		attempts++
		if err != nil {
			e.recordErrorLocked("exit_position", err)
		} else {
			out := e.gw.PlaceMarket(ctx, side, amt, true)
			if out.Result == Placed {
				closed += out.Quantity
				if out.Price > 0 {
					price = out.Price
				}
			} else {
				e.recordErrorLocked("exit_flatten", out.Err)
			}
		}
		if !sleepCtx(ctx, bo.NextBackOff()) {
			return closed, price, false, attempts
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
