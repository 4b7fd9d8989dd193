package grid

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gridbot/internal/binance"
	"gridbot/internal/circuit"
	"gridbot/internal/events"
	"gridbot/internal/metrics"
	"gridbot/internal/orders"
	"gridbot/internal/strategy"

	"github.com/rs/zerolog"
)

const (
	stopUpsertThrottle   = time.Second
	stopPurgeInterval    = 3 * time.Second
	duplicateStopBackoff = 60 * time.Second

	// retry offsets for a stop the exchange says would trigger immediately
	wouldTriggerLongRatio  = 0.995
	wouldTriggerShortRatio = 1.005
)

// PlaceResult classifies one placement attempt
type PlaceResult int

const (
	Placed PlaceResult = iota
	Skipped
	PostOnlyRejected
	Rejected
	Transient
)

func (r PlaceResult) String() string {
	switch r {
	case Placed:
		return "placed"
	case Skipped:
		return "skipped"
	case PostOnlyRejected:
		return "post_only_rejected"
	case Rejected:
		return "rejected"
	default:
		return "transient"
	}
}

// Outcome is the result of a placement
type Outcome struct {
	Result   PlaceResult
	OrderID  int64
	ClientID string
	Price    float64
	Quantity float64
	Reason   string
	Err      error
}

// LegOrder is a limit order derived from a plan leg
type LegOrder struct {
	Side     strategy.Side
	Role     orders.Role
	Price    float64
	Quantity float64
	ClientID string
}

// LegOrderFrom converts a planned leg
func LegOrderFrom(l orders.Leg) LegOrder {
	return LegOrder{Side: l.Side, Role: l.Role, Price: l.Price, Quantity: l.Quantity, ClientID: l.ClientID}
}

// StopResult classifies a stop upsert
type StopResult int

const (
	StopPlaced StopResult = iota
	StopKept
	StopThrottled
	StopBackoff
	StopImmediateTrigger
	StopFailed
)

func (r StopResult) String() string {
	switch r {
	case StopPlaced:
		return "placed"
	case StopKept:
		return "kept"
	case StopThrottled:
		return "throttled"
	case StopBackoff:
		return "backoff"
	case StopImmediateTrigger:
		return "immediate_trigger"
	default:
		return "failed"
	}
}

type stopState struct {
	lastUpsert time.Time
	lastPurge  time.Time
	dupUntil   time.Time
	price      float64
}

// Gateway turns intents into exchange requests: client ids, post-only
// repricing, hedge or one-way tagging and result classification. It is not
// safe for concurrent use; the engine calls it under its lock.
type Gateway struct {
	ex        binance.Exchange
	inst      orders.Instrument
	prefix    string
	hedge     bool
	makerOnly bool

	breaker *circuit.CircuitBreaker
	bus     *events.EventBus
	metrics *metrics.Metrics
	logger  zerolog.Logger

	stops map[strategy.Side]*stopState
	now   func() time.Time
}

// GatewayConfig configures a Gateway
type GatewayConfig struct {
	Instrument orders.Instrument
	Prefix     string
	Hedge      bool
	MakerOnly  bool
	Breaker    *circuit.CircuitBreaker
	Bus        *events.EventBus
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
}

// NewGateway creates a gateway
func NewGateway(ex binance.Exchange, cfg GatewayConfig) *Gateway {
	return &Gateway{
		ex:        ex,
		inst:      cfg.Instrument,
		prefix:    cfg.Prefix,
		hedge:     cfg.Hedge,
		makerOnly: cfg.MakerOnly,
		breaker:   cfg.Breaker,
		bus:       cfg.Bus,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.With().Str("component", "gateway").Logger(),
		stops:     make(map[strategy.Side]*stopState, 2),
		now:       time.Now,
	}
}

// SetMakerOnly switches post-only placement after a config reload
func (g *Gateway) SetMakerOnly(v bool) { g.makerOnly = v }

// SetPrefix switches the client id prefix after a config reload
func (g *Gateway) SetPrefix(p string) { g.prefix = p }

func (g *Gateway) symbol() string { return g.inst.Symbol }

// tag applies hedge or one-way position tagging
func (g *Gateway) tag(params *binance.FuturesOrderParams, side strategy.Side, reduce bool) {
	if g.hedge {
		params.PositionSide = binance.PositionSide(orders.PositionSide(side))
		return
	}
	params.ReduceOnly = reduce
}

// PlaceLimit places a resting limit leg. Entry legs are gated by the circuit
// breaker; reduce legs always go through.
func (g *Gateway) PlaceLimit(ctx context.Context, o LegOrder, bid, ask float64) Outcome {
	reduce := o.Role.ReduceOnly()
	if !reduce && g.breaker != nil {
		if ok, why := g.breaker.Allow(); !ok {
			return g.record(o, Outcome{Result: Skipped, ClientID: o.ClientID, Reason: why})
		}
	}

	orderSide := orders.OrderSide(o.Side, reduce)
	price := o.Price
	tif := binance.TimeInForceGTC
	if g.makerOnly {
		price = g.inst.PostOnlyPrice(orderSide, price, bid, ask)
		tif = binance.TimeInForceGTX
	}
	if price <= 0 || o.Quantity <= 0 {
		return g.record(o, Outcome{Result: Skipped, ClientID: o.ClientID, Reason: "below minimum"})
	}
	clientID := o.ClientID
	if clientID == "" {
		clientID = orders.FallbackClientOrderID(g.prefix)
	}

	params := binance.FuturesOrderParams{
		Symbol:           g.symbol(),
		Side:             orderSide,
		Type:             binance.FuturesOrderTypeLimit,
		TimeInForce:      tif,
		Quantity:         o.Quantity,
		QuantityText:     g.inst.FormatQty(o.Quantity),
		Price:            price,
		PriceText:        g.inst.FormatPrice(price),
		NewClientOrderId: clientID,
	}
	g.tag(&params, o.Side, reduce)

	resp, err := g.ex.PlaceOrder(ctx, params)
	out := g.classify(err)
	out.ClientID, out.Price, out.Quantity = clientID, price, o.Quantity
	if resp != nil {
		out.OrderID = resp.OrderId
	}
	return g.record(o, out)
}

// PlaceMarket sends a market order. Reduce orders carry the side's position
// tag (hedge) or reduceOnly (one-way).
func (g *Gateway) PlaceMarket(ctx context.Context, side strategy.Side, qty float64, reduce bool) Outcome {
	o := LegOrder{Side: side, Role: orders.RoleExit, Quantity: qty, ClientID: orders.FallbackClientOrderID(g.prefix)}
	if !reduce {
		o.Role = orders.RoleAdd
		if g.breaker != nil {
			if ok, why := g.breaker.Allow(); !ok {
				return g.record(o, Outcome{Result: Skipped, ClientID: o.ClientID, Reason: why})
			}
		}
	}
	qty = g.inst.FloorQty(qty)
	if qty <= 0 {
		return g.record(o, Outcome{Result: Skipped, ClientID: o.ClientID, Reason: "below minimum"})
	}

	params := binance.FuturesOrderParams{
		Symbol:           g.symbol(),
		Side:             orders.OrderSide(side, reduce),
		Type:             binance.FuturesOrderTypeMarket,
		Quantity:         qty,
		QuantityText:     g.inst.FormatQty(qty),
		NewClientOrderId: o.ClientID,
	}
	g.tag(&params, side, reduce)

	resp, err := g.ex.PlaceOrder(ctx, params)
	out := g.classify(err)
	out.ClientID, out.Quantity = o.ClientID, qty
	if resp != nil {
		out.OrderID = resp.OrderId
		out.Price = resp.AvgPrice
	}
	return g.record(o, out)
}

func (g *Gateway) classify(err error) Outcome {
	kind := binance.Classify(err)
	if err != nil {
		g.metrics.ObserveRESTError(kind.String())
	}
	switch kind {
	case binance.KindNone:
		if g.breaker != nil {
			g.breaker.RecordSuccess()
		}
		return Outcome{Result: Placed}
	case binance.KindPostOnlyReject:
		return Outcome{Result: PostOnlyRejected, Reason: kind.String(), Err: err}
	case binance.KindTransient:
		return Outcome{Result: Transient, Reason: kind.String(), Err: err}
	case binance.KindFatal:
		if g.breaker != nil {
			g.breaker.RecordFailure(err.Error())
		}
	}
	return Outcome{Result: Rejected, Reason: kind.String(), Err: err}
}

func (g *Gateway) record(o LegOrder, out Outcome) Outcome {
	g.metrics.ObserveOrder(string(o.Side), string(o.Role), out.Result.String())
	switch out.Result {
	case Placed:
		g.logger.Info().
			Str("side", string(o.Side)).
			Str("role", string(o.Role)).
			Str("client_id", out.ClientID).
			Float64("price", out.Price).
			Float64("qty", out.Quantity).
			Msg("Order placed")
		g.bus.PublishOrderPlaced(out.OrderID, out.ClientID, string(o.Side), string(o.Role), out.Price, out.Quantity)
	case Skipped:
		g.logger.Debug().Str("side", string(o.Side)).Str("role", string(o.Role)).Str("reason", out.Reason).Msg("Order skipped")
	default:
		g.logger.Warn().Err(out.Err).
			Str("side", string(o.Side)).
			Str("role", string(o.Role)).
			Str("result", out.Result.String()).
			Msg("Order not placed")
		msg := ""
		if out.Err != nil {
			msg = out.Err.Error()
		}
		g.bus.PublishOrderRejected(out.ClientID, string(o.Side), string(o.Role), out.Reason, msg)
	}
	return out
}

// ownsOrder reports whether an open order belongs to side. Hedge mode uses
// the position tag; one-way mode derives the side from direction and intent.
func ownsOrder(side strategy.Side, positionSide, orderSide string, reduceOnly bool) bool {
	switch positionSide {
	case "LONG":
		return side == strategy.SideLong
	case "SHORT":
		return side == strategy.SideShort
	}
	return orders.OrderSide(side, reduceOnly) == orderSide
}

// CancelSide cancels the side's resting non-conditional orders from open.
// Orders already gone are not errors.
func (g *Gateway) CancelSide(ctx context.Context, side strategy.Side, open []binance.FuturesOrder) (int, error) {
	var errs []error
	n := 0
	for _, o := range open {
		if o.IsConditional() || !ownsOrder(side, o.PositionSide, o.Side, o.ReduceOnly) {
			continue
		}
		err := g.ex.CancelOrder(ctx, g.symbol(), o.OrderId)
		switch binance.Classify(err) {
		case binance.KindNone:
			n++
			g.bus.Publish(events.Event{
				Type: events.EventOrderCancelled,
				Data: map[string]interface{}{"side": string(side), "client_id": o.ClientOrderId, "order_id": o.OrderId},
			})
		case binance.KindUnknownOrder:
		default:
			g.metrics.ObserveRESTError(binance.Classify(err).String())
			errs = append(errs, fmt.Errorf("cancel %d: %w", o.OrderId, err))
		}
	}
	return n, errors.Join(errs...)
}

// CancelAll cancels every regular and conditional order on the symbol
func (g *Gateway) CancelAll(ctx context.Context) error {
	return errors.Join(
		g.ex.CancelAllOrders(ctx, g.symbol()),
		g.ex.CancelAllAlgoOrders(ctx, g.symbol()),
	)
}

// sideStops lists the conditional orders closing side
func (g *Gateway) sideStops(ctx context.Context, side strategy.Side) ([]binance.AlgoOrder, error) {
	algos, err := g.ex.GetOpenAlgoOrders(ctx, g.symbol())
	if err != nil {
		return nil, err
	}
	out := make([]binance.AlgoOrder, 0, len(algos))
	for _, a := range algos {
		if a.Symbol != "" && a.Symbol != g.symbol() {
			continue
		}
		if ownsOrder(side, a.PositionSide, a.Side, true) {
			out = append(out, a)
		}
	}
	return out, nil
}

// CancelStops removes every conditional order of side
func (g *Gateway) CancelStops(ctx context.Context, side strategy.Side) error {
	stops, err := g.sideStops(ctx, side)
	if err != nil {
		return err
	}
	var errs []error
	for _, a := range stops {
		if err := g.ex.CancelAlgoOrder(ctx, g.symbol(), a.AlgoId); err != nil && binance.Classify(err) != binance.KindUnknownOrder {
			errs = append(errs, fmt.Errorf("cancel stop %d: %w", a.AlgoId, err))
		}
	}
	g.stopStateFor(side).price = 0
	return errors.Join(errs...)
}

func (g *Gateway) stopStateFor(side strategy.Side) *stopState {
	st, ok := g.stops[side]
	if !ok {
		st = &stopState{}
		g.stops[side] = st
	}
	return st
}

// StopPrice returns the last stop price placed for side
func (g *Gateway) StopPrice(side strategy.Side) float64 {
	if st, ok := g.stops[side]; ok {
		return st.price
	}
	return 0
}

func (g *Gateway) placeStop(ctx context.Context, side strategy.Side, stop float64) error {
	params := binance.AlgoOrderParams{
		Symbol:        g.symbol(),
		Side:          orders.OrderSide(side, true),
		Type:          binance.FuturesOrderTypeStopMarket,
		TriggerPrice:  stop,
		TriggerText:   g.inst.FormatPrice(stop),
		WorkingType:   binance.WorkingTypeMarkPrice,
		ClosePosition: true,
		ClientAlgoId:  orders.FallbackClientOrderID(g.prefix),
	}
	if g.hedge {
		params.PositionSide = binance.PositionSide(orders.PositionSide(side))
	}
	_, err := g.ex.PlaceAlgoOrder(ctx, params)
	return err
}

func (g *Gateway) purge(ctx context.Context, stops []binance.AlgoOrder) {
	for _, a := range stops {
		if err := g.ex.CancelAlgoOrder(ctx, g.symbol(), a.AlgoId); err != nil && binance.Classify(err) != binance.KindUnknownOrder {
			g.logger.Warn().Err(err).Int64("algo_id", a.AlgoId).Msg("Failed to purge stale stop")
		}
	}
}

// UpsertStop keeps exactly one closePosition STOP_MARKET at stop for side.
// px is the current executable price, used to re-aim a stop the exchange
// reports as already triggered.
func (g *Gateway) UpsertStop(ctx context.Context, side strategy.Side, stop, px float64) (StopResult, error) {
	now := g.now()
	st := g.stopStateFor(side)
	if now.Before(st.dupUntil) {
		return StopBackoff, nil
	}
	if now.Sub(st.lastUpsert) < stopUpsertThrottle {
		return StopThrottled, nil
	}
	st.lastUpsert = now
	stop = g.inst.RoundPrice(stop)

	existing, err := g.sideStops(ctx, side)
	if err != nil {
		return StopFailed, err
	}
	if len(existing) == 1 && samePrice(existing[0].TriggerPrice, stop, g.inst.Tick()) {
		st.price = stop
		return StopKept, nil
	}
	if len(existing) > 0 {
		if now.Sub(st.lastPurge) < stopPurgeInterval {
			return StopThrottled, nil
		}
		g.purge(ctx, existing)
		st.lastPurge = now
	}

	err = g.placeStop(ctx, side, stop)
	switch binance.Classify(err) {
	case binance.KindNone:
		st.price = stop
		return StopPlaced, nil

	case binance.KindWouldTrigger:
		retry := stop
		if px > 0 {
			if side == strategy.SideShort {
				retry = g.inst.RoundPrice(math.Max(stop, px*wouldTriggerShortRatio))
			} else {
				retry = g.inst.RoundPrice(math.Min(stop, px*wouldTriggerLongRatio))
			}
		}
		if retry == stop {
			return StopImmediateTrigger, err
		}
		err = g.placeStop(ctx, side, retry)
		switch binance.Classify(err) {
		case binance.KindNone:
			st.price = retry
			return StopPlaced, nil
		case binance.KindWouldTrigger:
			return StopImmediateTrigger, err
		}
		return StopFailed, err

	case binance.KindDuplicateStop:
		st.dupUntil = now.Add(duplicateStopBackoff)
		st.price = stop
		g.logger.Info().Str("side", string(side)).Msg("Close-position stop already exists, backing off")
		return StopBackoff, nil

	case binance.KindTooManyStops:
		if all, lerr := g.sideStops(ctx, side); lerr == nil {
			g.purge(ctx, all)
			st.lastPurge = now
		}
		if err = g.placeStop(ctx, side, stop); err == nil {
			st.price = stop
			return StopPlaced, nil
		}
	}
	g.metrics.ObserveRESTError(binance.Classify(err).String())
	return StopFailed, err
}

func samePrice(a, b, tick float64) bool {
	if tick <= 0 {
		return a == b
	}
	return math.Abs(a-b) < tick/2
}
