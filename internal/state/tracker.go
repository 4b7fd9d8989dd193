// Package state tracks positions, resting-order counters, fills and fees for
// one symbol from the user data stream and periodic REST reads.
package state

import (
	"fmt"
	"math"
	"sync"
	"time"

	"gridbot/internal/strategy"

	"github.com/rs/zerolog"
)

// Stop reasons reported when a conditional order closes a side
const (
	ReasonHardStop   = "hard_stoploss"
	ReasonTakeProfit = "take_profit"
)

// qtyEpsilon absorbs float residue on quantity arithmetic
const qtyEpsilon = 1e-12

// Position is the state of one side
type Position struct {
	Amount        float64 `json:"amount"`
	EntryPrice    float64 `json:"entry_price"`
	UnrealizedPNL float64 `json:"unrealized_pnl"`
}

// Counters hold the remaining resting quantity per bucket
type Counters struct {
	EntryBuy   float64 `json:"buy_long"`
	EntrySell  float64 `json:"sell_short"`
	ReduceSell float64 `json:"sell_long"`
	ReduceBuy  float64 `json:"buy_short"`
}

func (c *Counters) bucket(orderSide string, reduce bool) *float64 {
	switch {
	case orderSide == "BUY" && !reduce:
		return &c.EntryBuy
	case orderSide == "SELL" && !reduce:
		return &c.EntrySell
	case orderSide == "SELL":
		return &c.ReduceSell
	default:
		return &c.ReduceBuy
	}
}

func (c *Counters) add(orderSide string, reduce bool, qty float64) {
	b := c.bucket(orderSide, reduce)
	*b = math.Max(0, *b+qty)
	if *b < qtyEpsilon {
		*b = 0
	}
}

// OrderUpdate is the normalised ORDER_TRADE_UPDATE payload
type OrderUpdate struct {
	Symbol        string
	ClientOrderID string
	OrderID       int64
	Side          string // BUY / SELL
	PositionSide  string // BOTH / LONG / SHORT
	OrderType     string // original type, e.g. LIMIT, STOP_MARKET
	Status        string // NEW, PARTIALLY_FILLED, FILLED, CANCELED, EXPIRED
	ExecType      string // NEW, TRADE, CANCELED, EXPIRED, ...
	ReduceOnly    bool
	ClosePosition bool
	OrigQty       float64
	LastFilledQty float64
	CumFilledQty  float64
	AvgPrice      float64
	LastPrice     float64
	StopPrice     float64
	RealizedPNL   float64
	Fee           float64
	FeeAsset      string
	TradeID       int64
	EventTime     time.Time
}

// IsStopLike reports whether the order is a conditional stop or take-profit
func (u OrderUpdate) IsStopLike() bool {
	return isStopType(u.OrderType)
}

func isStopType(t string) bool {
	switch t {
	case "STOP", "STOP_MARKET", "TAKE_PROFIT", "TAKE_PROFIT_MARKET", "TRAILING_STOP_MARKET":
		return true
	}
	return false
}

// reduces reports whether the order reduces its side
func (u OrderUpdate) reduces() bool {
	return reduces(u.Side, u.PositionSide, u.ReduceOnly || u.ClosePosition)
}

// reduces derives intent: in hedge mode from the position tag, in one-way
// mode from the reduce-only flag
func reduces(orderSide, positionSide string, reduceOnly bool) bool {
	switch positionSide {
	case "LONG":
		return orderSide == "SELL"
	case "SHORT":
		return orderSide == "BUY"
	}
	return reduceOnly
}

// sideOf maps an order to the grid side it belongs to
func sideOf(orderSide, positionSide string, reduce bool) strategy.Side {
	switch positionSide {
	case "LONG":
		return strategy.SideLong
	case "SHORT":
		return strategy.SideShort
	}
	buy := orderSide == "BUY"
	if buy != reduce {
		return strategy.SideLong
	}
	return strategy.SideShort
}

// UpdateResult describes what an order update changed
type UpdateResult struct {
	Side             strategy.Side
	Duplicate        bool
	Filled           float64
	FillPrice        float64
	PositionChanged  bool
	BecameFlat       bool
	StopClosedReason string
}

// PositionInfo is one row of a position read (REST position risk or ACCOUNT_UPDATE)
type PositionInfo struct {
	PositionSide  string  // BOTH / LONG / SHORT
	Amount        float64 // signed in one-way mode
	EntryPrice    float64
	UnrealizedPNL float64
}

// OpenOrder is one row of a REST open-orders read
type OpenOrder struct {
	Side          string
	PositionSide  string
	Type          string
	ReduceOnly    bool
	ClosePosition bool
	OrigQty       float64
	ExecutedQty   float64
}

// Accounting is the equity view over allocated capital
type Accounting struct {
	Allocated        float64            `json:"allocated"`
	Equity           float64            `json:"equity"`
	PNL              float64            `json:"pnl"`
	MaxDrawdownRatio float64            `json:"max_drawdown_ratio"`
	Fees             float64            `json:"fees"`
	FeesByAsset      map[string]float64 `json:"fees_by_asset,omitempty"`
	Realized         float64            `json:"realized"`
	Unrealized       float64            `json:"unrealized"`
}

// Snapshot is an immutable copy of the tracker state
type Snapshot struct {
	Positions       map[strategy.Side]Position
	Counters        Counters
	Anchors         map[strategy.Side]float64
	RealizedPNL     float64
	Fees            float64
	FeesByAsset     map[string]float64
	TradesSeen      int
	LastResync      time.Time
	LastOrderUpdate time.Time
}

// Position returns the position of a side
func (s Snapshot) Position(side strategy.Side) Position {
	return s.Positions[side]
}

// Tracker owns position and order-counter state for one symbol
type Tracker struct {
	mu     sync.RWMutex
	symbol string
	quote  string
	logger zerolog.Logger

	positions   map[strategy.Side]Position
	counters    Counters
	anchors     map[strategy.Side]float64
	trades      *tradeSet
	realized    float64
	fees        float64
	feesByAsset map[string]float64

	equityPeak  float64
	maxDrawdown float64

	lastResync      time.Time
	lastOrderUpdate time.Time
}

// NewTracker creates a tracker. tradeMemory bounds the trade-id dedupe set.
func NewTracker(symbol, quoteAsset string, tradeMemory int, logger zerolog.Logger) *Tracker {
	return &Tracker{
		symbol:      symbol,
		quote:       quoteAsset,
		logger:      logger.With().Str("component", "state-tracker").Logger(),
		positions:   make(map[strategy.Side]Position, 2),
		anchors:     make(map[strategy.Side]float64, 2),
		trades:      newTradeSet(tradeMemory),
		feesByAsset: make(map[string]float64),
	}
}

// SetTradeMemory resizes the dedupe set after a config reload
func (t *Tracker) SetTradeMemory(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trades.resize(n)
}

// ApplyOrderUpdate applies one ORDER_TRADE_UPDATE in stream order
func (t *Tracker) ApplyOrderUpdate(u OrderUpdate) UpdateResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	reduce := u.reduces()
	side := sideOf(u.Side, u.PositionSide, reduce)
	res := UpdateResult{Side: side}
	if !u.EventTime.IsZero() {
		t.lastOrderUpdate = u.EventTime
	} else {
		t.lastOrderUpdate = time.Now()
	}

	remaining := math.Max(0, u.OrigQty-u.CumFilledQty)
	stopLike := u.IsStopLike()

	switch u.Status {
	case "NEW":
		if !stopLike && u.ExecType != "TRADE" {
			t.counters.add(u.Side, reduce, remaining)
		}
		return res

	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH", "REJECTED":
		if !stopLike {
			t.counters.add(u.Side, reduce, -remaining)
		}
		return res

	case "PARTIALLY_FILLED", "FILLED":
		if u.ExecType != "" && u.ExecType != "TRADE" {
			return res
		}
	default:
		return res
	}

	if u.TradeID != 0 && !t.trades.add(fmt.Sprintf("%s:%d", u.Symbol, u.TradeID)) {
		res.Duplicate = true
		t.logger.Debug().Int64("trade_id", u.TradeID).Str("client_order_id", u.ClientOrderID).Msg("Duplicate trade ignored")
		return res
	}

	fillQty := u.LastFilledQty
	fillPrice := u.LastPrice
	if fillPrice <= 0 {
		fillPrice = u.AvgPrice
	}
	res.Filled = fillQty
	res.FillPrice = fillPrice

	if fillQty > 0 {
		pos := t.positions[side]
		before := pos.Amount
		if reduce {
			pos.Amount = math.Max(0, pos.Amount-fillQty)
			if pos.Amount < qtyEpsilon {
				pos.Amount = 0
				pos.EntryPrice = 0
				pos.UnrealizedPNL = 0
			}
		} else {
			total := pos.Amount + fillQty
			if total > 0 && fillPrice > 0 {
				pos.EntryPrice = (pos.Amount*pos.EntryPrice + fillQty*fillPrice) / total
			}
			pos.Amount = total
		}
		t.positions[side] = pos
		res.PositionChanged = pos.Amount != before
		res.BecameFlat = before > 0 && pos.Amount == 0

		if !stopLike {
			t.counters.add(u.Side, reduce, -fillQty)
		}

		if pos.Amount > 0 {
			t.anchors[side] = fillPrice
		} else {
			t.anchors[side] = 0
		}
	}

	t.realized += u.RealizedPNL
	if u.Fee != 0 && u.FeeAsset != "" {
		t.feesByAsset[u.FeeAsset] += u.Fee
		if u.FeeAsset == t.quote {
			t.fees += u.Fee
		}
	}

	if u.Status == "FILLED" && stopLike && reduce && t.positions[side].Amount == 0 {
		res.StopClosedReason = ReasonHardStop
		if u.OrderType == "TAKE_PROFIT" || u.OrderType == "TAKE_PROFIT_MARKET" {
			res.StopClosedReason = ReasonTakeProfit
		}
	}
	return res
}

// ApplyAccountUpdate replaces the positions reported by an ACCOUNT_UPDATE
func (t *Tracker) ApplyAccountUpdate(rows []PositionInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for side, pos := range positionsFrom(rows) {
		t.positions[side] = pos
		if pos.Amount == 0 {
			t.anchors[side] = 0
		}
	}
}

func positionsFrom(rows []PositionInfo) map[strategy.Side]Position {
	out := make(map[strategy.Side]Position, 2)
	for _, r := range rows {
		var side strategy.Side
		switch r.PositionSide {
		case "LONG":
			side = strategy.SideLong
		case "SHORT":
			side = strategy.SideShort
		default:
			if r.Amount > 0 {
				side = strategy.SideLong
			} else if r.Amount < 0 {
				side = strategy.SideShort
			} else {
				// flat one-way row clears both sides
				out[strategy.SideLong] = Position{}
				out[strategy.SideShort] = Position{}
				continue
			}
		}
		amt := math.Abs(r.Amount)
		if amt == 0 {
			out[side] = Position{}
			continue
		}
		out[side] = Position{Amount: amt, EntryPrice: r.EntryPrice, UnrealizedPNL: r.UnrealizedPNL}
	}
	return out
}

// Resync replaces positions and counters with an authoritative REST read.
// A read older than the last applied one is dropped; the result reports
// whether it was applied.
func (t *Tracker) Resync(positions []PositionInfo, openOrders []OpenOrder, readAt time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if readAt.Before(t.lastResync) {
		t.logger.Debug().Time("read_at", readAt).Time("last", t.lastResync).Msg("Stale resync dropped")
		return false
	}

	fresh := positionsFrom(positions)
	for _, side := range []strategy.Side{strategy.SideLong, strategy.SideShort} {
		pos := fresh[side]
		t.positions[side] = pos
		if pos.Amount == 0 {
			t.anchors[side] = 0
		}
	}

	var c Counters
	for _, o := range openOrders {
		if isStopType(o.Type) || o.ClosePosition {
			continue
		}
		reduce := reduces(o.Side, o.PositionSide, o.ReduceOnly)
		c.add(o.Side, reduce, math.Max(0, o.OrigQty-o.ExecutedQty))
	}
	t.counters = c
	t.lastResync = readAt
	return true
}

// SetAnchor records the reference price for a side's grid
func (t *Tracker) SetAnchor(side strategy.Side, price float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.anchors[side] = price
}

// Anchor returns the last fill price of a side, 0 when unset
func (t *Tracker) Anchor(side strategy.Side) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.anchors[side]
}

// Position returns the current position of a side
func (t *Tracker) Position(side strategy.Side) Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.positions[side]
}

// UpdateUnrealized reprices the open positions at mark
func (t *Tracker) UpdateUnrealized(mark float64) {
	if mark <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for side, pos := range t.positions {
		if pos.Amount == 0 || pos.EntryPrice == 0 {
			continue
		}
		if side == strategy.SideShort {
			pos.UnrealizedPNL = (pos.EntryPrice - mark) * pos.Amount
		} else {
			pos.UnrealizedPNL = (mark - pos.EntryPrice) * pos.Amount
		}
		t.positions[side] = pos
	}
}

// Accounting computes equity over allocated capital and tracks the drawdown
// from the equity peak.
func (t *Tracker) Accounting(allocated float64) Accounting {
	t.mu.Lock()
	defer t.mu.Unlock()

	unrealized := 0.0
	for _, pos := range t.positions {
		unrealized += pos.UnrealizedPNL
	}
	equity := allocated + t.realized - t.fees + unrealized
	if equity > t.equityPeak {
		t.equityPeak = equity
	}
	if t.equityPeak > 0 {
		if dd := (t.equityPeak - equity) / t.equityPeak; dd > t.maxDrawdown {
			t.maxDrawdown = dd
		}
	}

	fees := make(map[string]float64, len(t.feesByAsset))
	for k, v := range t.feesByAsset {
		fees[k] = v
	}
	return Accounting{
		Allocated:        allocated,
		Equity:           equity,
		PNL:              equity - allocated,
		MaxDrawdownRatio: t.maxDrawdown,
		Fees:             t.fees,
		FeesByAsset:      fees,
		Realized:         t.realized,
		Unrealized:       unrealized,
	}
}

// Snapshot returns an immutable copy of the state
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Snapshot{
		Positions:       make(map[strategy.Side]Position, 2),
		Counters:        t.counters,
		Anchors:         make(map[strategy.Side]float64, 2),
		RealizedPNL:     t.realized,
		Fees:            t.fees,
		FeesByAsset:     make(map[string]float64, len(t.feesByAsset)),
		TradesSeen:      t.trades.len(),
		LastResync:      t.lastResync,
		LastOrderUpdate: t.lastOrderUpdate,
	}
	for _, side := range []strategy.Side{strategy.SideLong, strategy.SideShort} {
		s.Positions[side] = t.positions[side]
		s.Anchors[side] = t.anchors[side]
	}
	for k, v := range t.feesByAsset {
		s.FeesByAsset[k] = v
	}
	return s
}
