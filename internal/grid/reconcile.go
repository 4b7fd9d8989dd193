package grid

import (
	"context"
	"fmt"
	"time"

	"gridbot/internal/binance"
	"gridbot/internal/orders"
	"gridbot/internal/strategy"
)

// reconcile brings the resting orders of the active side in line with the
// current plan. Calls closer together than risk_eval_min_interval are dropped.
func (e *Engine) reconcile(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.canTradeLocked() {
		return
	}
	now := e.now()
	if now.Sub(e.lastReconcile) < e.cfg.RiskEvalMinInterval() {
		return
	}
	e.lastReconcile = now

	start := time.Now()
	if err := e.reconcileLocked(ctx, now); err != nil {
		e.recordErrorLocked("reconcile", err)
	}
	e.opts.Metrics.ObserveReconcile(time.Since(start))
}

func (e *Engine) reconcileLocked(ctx context.Context, now time.Time) error {
	if err := e.switchDirectionLocked(ctx); err != nil {
		return err
	}

	side := e.side
	pos := e.tracker.Position(side)
	calc := e.risk.Stage(side)

	ref := e.last
	price := e.mark
	if price <= 0 {
		price = e.last
	}
	dec := calc.Evaluate(pos.Amount*price, now)
	if dec.Changed {
		e.logger.Info().
			Str("side", string(side)).
			Int("from", dec.Previous).
			Int("to", dec.Stage).
			Float64("notional", pos.Amount*price).
			Msg("Risk stage changed")
		e.bus.PublishStageChanged(string(side), dec.Previous, dec.Stage, pos.Amount*price)
	}
	if pos.Amount > 0 {
		anchor := e.tracker.Anchor(side)
		if anchor <= 0 {
			anchor = e.last
			e.tracker.SetAnchor(side, anchor)
		}
		ref = anchor
	}

	plan := e.planner.Build(orders.PlanInput{
		Side:          side,
		Reference:     ref,
		Bid:           e.bid,
		Ask:           e.ask,
		Position:      pos.Amount,
		Stage:         calc.Current(),
		Params:        calc.Params(),
		ConfigVersion: e.cfg.Version,
		Pending: orders.PendingEntry{
			Enabled:  e.cfg.PendingEntryEnabled,
			Price:    e.cfg.PendingEntryPrice,
			Notional: e.cfg.PendingEntryNotional,
		},
	})

	if now.Sub(e.lastAction[side]) < e.cfg.GridActionCooldown() {
		return nil
	}
	if e.cfg.MakerOnly && now.Before(e.postOnlyUntil[side]) {
		return nil
	}

	open, err := e.ex.GetOpenOrders(ctx, e.inst.Symbol)
	if err != nil {
		return fmt.Errorf("open orders: %w", err)
	}
	mine := e.sideOrders(side, open)

	if plan.Flat {
		return e.reconcileFlat(ctx, plan, mine, now)
	}
	return e.reconcilePosition(ctx, plan, mine, now)
}

// switchDirectionLocked applies a configured direction change once the
// active side holds no position
func (e *Engine) switchDirectionLocked(ctx context.Context) error {
	want := e.cfg.Direction
	if want == e.side || e.tracker.Position(e.side).Amount > 0 {
		return nil
	}
	open, err := e.ex.GetOpenOrders(ctx, e.inst.Symbol)
	if err != nil {
		return fmt.Errorf("open orders: %w", err)
	}
	if _, err := e.gw.CancelSide(ctx, e.side, open); err != nil {
		return err
	}
	if err := e.gw.CancelStops(ctx, e.side); err != nil {
		return err
	}
	e.logger.Info().Str("from", string(e.side)).Str("to", string(want)).Msg("Direction switched")
	e.risk.ResetSide(e.side)
	e.side = want
	e.risk.ResetSide(want)
	return nil
}

// sideOrders keeps the resting non-conditional orders of side
func (e *Engine) sideOrders(side strategy.Side, open []binance.FuturesOrder) []binance.FuturesOrder {
	out := make([]binance.FuturesOrder, 0, len(open))
	for _, o := range open {
		if o.Symbol != "" && o.Symbol != e.inst.Symbol {
			continue
		}
		if o.IsConditional() || !ownsOrder(side, o.PositionSide, o.Side, o.ReduceOnly) {
			continue
		}
		out = append(out, o)
	}
	return out
}

// plannedPrice is the price the engine asked for, before maker repricing
func (e *Engine) plannedPrice(o binance.FuturesOrder) float64 {
	if p, ok := e.intended[o.OrderId]; ok {
		return p
	}
	return o.Price
}

// legMatches reports whether o is the live order of leg
func (e *Engine) legMatches(o binance.FuturesOrder, leg orders.Leg) bool {
	if leg.Omitted || o.ClientOrderId != leg.ClientID {
		return false
	}
	if o.Side != leg.OrderSide() {
		return false
	}
	return samePrice(e.plannedPrice(o), leg.Price, e.inst.Tick())
}

func (e *Engine) findLeg(open []binance.FuturesOrder, leg orders.Leg) (binance.FuturesOrder, bool) {
	for _, o := range open {
		if e.legMatches(o, leg) {
			return o, true
		}
	}
	return binance.FuturesOrder{}, false
}

func (e *Engine) reconcilePosition(ctx context.Context, plan orders.Plan, mine []binance.FuturesOrder, now time.Time) error {
	want := 0
	_, addOK := e.findLeg(mine, plan.Add)
	if plan.Add.Omitted {
		addOK = true
	} else {
		want++
	}
	_, tpOK := e.findLeg(mine, plan.TP)
	if plan.TP.Omitted {
		tpOK = true
	} else {
		want++
	}
	if addOK && tpOK && len(mine) == want {
		return nil
	}

	e.logger.Debug().
		Str("side", string(plan.Side)).
		Bool("add_ok", addOK).
		Bool("tp_ok", tpOK).
		Int("open", len(mine)).
		Int("stage", plan.Stage).
		Msg("Grid out of line, resetting side")
	e.lastAction[plan.Side] = now

	remaining, err := e.cancelForReset(ctx, plan.Side, mine)
	if err != nil {
		return err
	}
	for _, leg := range []orders.Leg{plan.TP, plan.Add} {
		if leg.Omitted {
			continue
		}
		e.placeLeg(ctx, leg, remaining, now)
	}
	return nil
}

func (e *Engine) reconcileFlat(ctx context.Context, plan orders.Plan, mine []binance.FuturesOrder, now time.Time) error {
	add := plan.Add
	if add.Omitted {
		e.errLog.Do("flat_add", add.Reason, func() {
			e.logger.Warn().Str("side", string(plan.Side)).Str("reason", add.Reason).Msg("Entry leg omitted")
		})
		if len(mine) == 0 {
			return nil
		}
		e.lastAction[plan.Side] = now
		_, err := e.cancelForReset(ctx, plan.Side, mine)
		return err
	}

	reset := len(mine) != 1 || mine[0].ClientOrderId != add.ClientID
	if !reset && add.Role != orders.RolePending {
		refresh := e.cfg.OrderRefresh()
		placed := time.UnixMilli(mine[0].Time)
		reset = refresh > 0 && mine[0].Time > 0 && now.Sub(placed) >= refresh
	}
	if !reset {
		return nil
	}

	e.lastAction[plan.Side] = now
	remaining, err := e.cancelForReset(ctx, plan.Side, mine)
	if err != nil {
		return err
	}
	e.placeLeg(ctx, add, remaining, now)
	return nil
}

// cancelForReset cancels the side's orders. When some cancels fail the open
// orders are read again so the duplicate guard sees what is still resting.
func (e *Engine) cancelForReset(ctx context.Context, side strategy.Side, mine []binance.FuturesOrder) ([]binance.FuturesOrder, error) {
	if len(mine) == 0 {
		return nil, nil
	}
	if _, err := e.gw.CancelSide(ctx, side, mine); err != nil {
		e.recordErrorLocked("cancel", err)
		open, rerr := e.ex.GetOpenOrders(ctx, e.inst.Symbol)
		if rerr != nil {
			return nil, fmt.Errorf("open orders after failed cancel: %w", rerr)
		}
		return e.sideOrders(side, open), nil
	}
	return nil, nil
}

// duplicateOf reports a resting order with the same side, tag and price as leg
func (e *Engine) duplicateOf(open []binance.FuturesOrder, leg orders.Leg) bool {
	for _, o := range open {
		if o.Side != leg.OrderSide() {
			continue
		}
		if e.hedge && o.PositionSide != orders.PositionSide(leg.Side) {
			continue
		}
		if samePrice(e.plannedPrice(o), leg.Price, e.inst.Tick()) || samePrice(o.Price, leg.Price, e.inst.Tick()) {
			return true
		}
	}
	return false
}

func (e *Engine) placeLeg(ctx context.Context, leg orders.Leg, remaining []binance.FuturesOrder, now time.Time) {
	if !leg.ReduceOnly() && e.duplicateOf(remaining, leg) {
		e.logger.Debug().Str("side", string(leg.Side)).Float64("price", leg.Price).Msg("Same-price order already resting, skipped")
		return
	}
	out := e.gw.PlaceLimit(ctx, LegOrderFrom(leg), e.bid, e.ask)
	switch out.Result {
	case Placed:
		e.intended[out.OrderID] = leg.Price
	case PostOnlyRejected:
		e.postOnlyUntil[leg.Side] = now.Add(e.cfg.PostOnlyRejectCooldown())
	case Rejected, Transient:
		e.recordErrorLocked("place_"+string(leg.Role), out.Err)
	}
}
