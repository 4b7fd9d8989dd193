package state

import (
	"testing"
	"time"

	"gridbot/internal/strategy"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker() *Tracker {
	return NewTracker("ETHUSDT", "USDT", 100, zerolog.Nop())
}

func newBuy(qty float64) OrderUpdate {
	return OrderUpdate{
		Symbol: "ETHUSDT", Side: "BUY", PositionSide: "LONG", OrderType: "LIMIT",
		Status: "NEW", ExecType: "NEW", OrigQty: qty,
	}
}

func fillBuy(qty, price float64, tradeID int64) OrderUpdate {
	u := newBuy(qty)
	u.Status, u.ExecType = "FILLED", "TRADE"
	u.LastFilledQty, u.CumFilledQty = qty, qty
	u.LastPrice, u.AvgPrice = price, price
	u.TradeID = tradeID
	u.Fee, u.FeeAsset = 0.01, "USDT"
	return u
}

func TestTrackerNewFillCancel(t *testing.T) {
	tr := newTestTracker()

	tr.ApplyOrderUpdate(newBuy(0.02))
	assert.Equal(t, 0.02, tr.Snapshot().Counters.EntryBuy)

	res := tr.ApplyOrderUpdate(fillBuy(0.02, 1994, 1))
	assert.Equal(t, strategy.SideLong, res.Side)
	assert.True(t, res.PositionChanged)
	assert.False(t, res.Duplicate)

	snap := tr.Snapshot()
	assert.Equal(t, 0.02, snap.Position(strategy.SideLong).Amount)
	assert.Equal(t, 1994.0, snap.Position(strategy.SideLong).EntryPrice)
	assert.Zero(t, snap.Counters.EntryBuy)
	assert.Equal(t, 1994.0, snap.Anchors[strategy.SideLong])
	assert.InDelta(t, 0.01, snap.Fees, 1e-12)

	// reduce-only resting TP then canceled
	tp := OrderUpdate{Symbol: "ETHUSDT", Side: "SELL", PositionSide: "LONG", OrderType: "LIMIT", Status: "NEW", ExecType: "NEW", OrigQty: 0.019}
	tr.ApplyOrderUpdate(tp)
	assert.Equal(t, 0.019, tr.Snapshot().Counters.ReduceSell)

	tp.Status, tp.ExecType = "CANCELED", "CANCELED"
	tr.ApplyOrderUpdate(tp)
	assert.Zero(t, tr.Snapshot().Counters.ReduceSell)

	// cancel of an unknown order clamps at zero
	tr.ApplyOrderUpdate(tp)
	assert.Zero(t, tr.Snapshot().Counters.ReduceSell)
}

func TestTrackerWeightedEntryAndReduce(t *testing.T) {
	tr := newTestTracker()
	tr.ApplyOrderUpdate(fillBuy(1, 2000, 1))
	tr.ApplyOrderUpdate(fillBuy(1, 1990, 2))

	pos := tr.Position(strategy.SideLong)
	assert.Equal(t, 2.0, pos.Amount)
	assert.InDelta(t, 1995, pos.EntryPrice, 1e-9)

	sell := OrderUpdate{
		Symbol: "ETHUSDT", Side: "SELL", PositionSide: "LONG", OrderType: "LIMIT",
		Status: "FILLED", ExecType: "TRADE", OrigQty: 0.5, LastFilledQty: 0.5, CumFilledQty: 0.5,
		LastPrice: 2005, RealizedPNL: 5, TradeID: 3,
	}
	tr.ApplyOrderUpdate(sell)
	pos = tr.Position(strategy.SideLong)
	assert.Equal(t, 1.5, pos.Amount)
	assert.InDelta(t, 1995, pos.EntryPrice, 1e-9, "reduce fills keep entry")
	assert.Equal(t, 2005.0, tr.Anchor(strategy.SideLong))

	sell.OrigQty, sell.LastFilledQty, sell.CumFilledQty, sell.TradeID = 1.5, 1.5, 1.5, 4
	res := tr.ApplyOrderUpdate(sell)
	assert.True(t, res.BecameFlat)
	pos = tr.Position(strategy.SideLong)
	assert.Zero(t, pos.Amount)
	assert.Zero(t, pos.EntryPrice)
	assert.Zero(t, tr.Anchor(strategy.SideLong))
	assert.Equal(t, 10.0, tr.Snapshot().RealizedPNL)
}

func TestTrackerDuplicateTradeID(t *testing.T) {
	tr := newTestTracker()
	fill := fillBuy(0.02, 1994, 42)
	fill.RealizedPNL = 1.5

	first := tr.ApplyOrderUpdate(fill)
	require.False(t, first.Duplicate)
	before := tr.Snapshot()

	second := tr.ApplyOrderUpdate(fill)
	assert.True(t, second.Duplicate)

	after := tr.Snapshot()
	assert.Equal(t, before.Positions, after.Positions)
	assert.Equal(t, before.Counters, after.Counters)
	assert.Equal(t, before.RealizedPNL, after.RealizedPNL)
	assert.Equal(t, before.Fees, after.Fees)
	assert.Equal(t, 1, after.TradesSeen)
}

func TestTrackerPartialFills(t *testing.T) {
	tr := newTestTracker()
	tr.ApplyOrderUpdate(newBuy(1))

	part := newBuy(1)
	part.Status, part.ExecType = "PARTIALLY_FILLED", "TRADE"
	part.LastFilledQty, part.CumFilledQty, part.LastPrice, part.TradeID = 0.4, 0.4, 2000, 10
	tr.ApplyOrderUpdate(part)

	snap := tr.Snapshot()
	assert.InDelta(t, 0.4, snap.Position(strategy.SideLong).Amount, 1e-12)
	assert.InDelta(t, 0.6, snap.Counters.EntryBuy, 1e-12)

	// cancel the rest: remaining is orig - cum
	cancel := newBuy(1)
	cancel.Status, cancel.ExecType, cancel.CumFilledQty = "CANCELED", "CANCELED", 0.4
	tr.ApplyOrderUpdate(cancel)
	assert.Zero(t, tr.Snapshot().Counters.EntryBuy)
}

func TestTrackerOneWayMode(t *testing.T) {
	tr := newTestTracker()

	// SELL without reduce-only in one-way mode opens a short
	open := OrderUpdate{
		Symbol: "ETHUSDT", Side: "SELL", PositionSide: "BOTH", OrderType: "LIMIT",
		Status: "FILLED", ExecType: "TRADE", OrigQty: 1, LastFilledQty: 1, CumFilledQty: 1, LastPrice: 2000, TradeID: 1,
	}
	res := tr.ApplyOrderUpdate(open)
	assert.Equal(t, strategy.SideShort, res.Side)
	assert.Equal(t, 1.0, tr.Position(strategy.SideShort).Amount)

	closeFill := open
	closeFill.Side, closeFill.ReduceOnly, closeFill.TradeID = "BUY", true, 2
	res = tr.ApplyOrderUpdate(closeFill)
	assert.Equal(t, strategy.SideShort, res.Side)
	assert.True(t, res.BecameFlat)
}

func TestTrackerStopFillReportsReason(t *testing.T) {
	tr := newTestTracker()
	tr.ApplyOrderUpdate(fillBuy(1, 2000, 1))

	stop := OrderUpdate{
		Symbol: "ETHUSDT", Side: "SELL", PositionSide: "LONG", OrderType: "STOP_MARKET",
		Status: "FILLED", ExecType: "TRADE", ClosePosition: true,
		LastFilledQty: 1, CumFilledQty: 1, LastPrice: 1900, TradeID: 2,
	}
	res := tr.ApplyOrderUpdate(stop)
	assert.Equal(t, ReasonHardStop, res.StopClosedReason)

	tr.ApplyOrderUpdate(fillBuy(1, 2000, 3))
	tp := stop
	tp.OrderType, tp.TradeID = "TAKE_PROFIT_MARKET", 4
	res = tr.ApplyOrderUpdate(tp)
	assert.Equal(t, ReasonTakeProfit, res.StopClosedReason)

	// a regular reduce fill that flattens is not a stop
	tr.ApplyOrderUpdate(fillBuy(1, 2000, 5))
	limit := stop
	limit.OrderType, limit.ClosePosition, limit.TradeID = "LIMIT", false, 6
	res = tr.ApplyOrderUpdate(limit)
	assert.True(t, res.BecameFlat)
	assert.Empty(t, res.StopClosedReason)
}

func TestTrackerResyncIdempotent(t *testing.T) {
	positions := []PositionInfo{
		{PositionSide: "LONG", Amount: 0.02, EntryPrice: 1994},
		{PositionSide: "SHORT", Amount: 0},
	}
	open := []OpenOrder{
		{Side: "BUY", PositionSide: "LONG", Type: "LIMIT", OrigQty: 0.02},
		{Side: "SELL", PositionSide: "LONG", Type: "LIMIT", OrigQty: 0.019},
		{Side: "SELL", PositionSide: "LONG", Type: "STOP_MARKET", ClosePosition: true},
	}
	t0 := time.Unix(1_700_000_000, 0)

	// tracker A sees the stream first, then the authoritative read
	a := newTestTracker()
	a.ApplyOrderUpdate(newBuy(0.02))
	a.ApplyOrderUpdate(fillBuy(0.02, 1994, 1))
	a.ApplyOrderUpdate(newBuy(0.02))
	require.True(t, a.Resync(positions, open, t0))

	// tracker B only sees the read, twice
	b := newTestTracker()
	require.True(t, b.Resync(positions, open, t0))
	require.True(t, b.Resync(positions, open, t0))

	sa, sb := a.Snapshot(), b.Snapshot()
	assert.Equal(t, sb.Positions, sa.Positions)
	assert.Equal(t, sb.Counters, sa.Counters)
	assert.Equal(t, 0.02, sa.Counters.EntryBuy)
	assert.Equal(t, 0.019, sa.Counters.ReduceSell)

	// an older read is dropped
	assert.False(t, a.Resync(nil, nil, t0.Add(-time.Second)))
	assert.Equal(t, 0.02, a.Position(strategy.SideLong).Amount)
}

func TestTrackerAccountUpdateOneWay(t *testing.T) {
	tr := newTestTracker()
	tr.ApplyAccountUpdate([]PositionInfo{{PositionSide: "BOTH", Amount: -0.5, EntryPrice: 2010}})
	assert.Equal(t, 0.5, tr.Position(strategy.SideShort).Amount)

	tr.ApplyAccountUpdate([]PositionInfo{{PositionSide: "BOTH", Amount: 0}})
	assert.Zero(t, tr.Position(strategy.SideShort).Amount)
}

func TestTrackerAccounting(t *testing.T) {
	tr := newTestTracker()
	tr.ApplyOrderUpdate(fillBuy(1, 2000, 1))

	tr.UpdateUnrealized(2010)
	acc := tr.Accounting(1000)
	assert.InDelta(t, 1000+10-0.01, acc.Equity, 1e-9)
	assert.InDelta(t, 10-0.01, acc.PNL, 1e-9)
	assert.Zero(t, acc.MaxDrawdownRatio)

	tr.UpdateUnrealized(1990)
	acc = tr.Accounting(1000)
	assert.InDelta(t, -10.01, acc.PNL, 1e-9)
	assert.InDelta(t, 20/1009.99, acc.MaxDrawdownRatio, 1e-9)
	assert.InDelta(t, 0.01, acc.FeesByAsset["USDT"], 1e-12)
}

func TestTradeSetEviction(t *testing.T) {
	s := newTradeSet(3)
	for _, k := range []string{"a", "b", "c"} {
		require.True(t, s.add(k))
	}
	assert.False(t, s.add("a"))
	assert.True(t, s.add("d")) // evicts a
	assert.True(t, s.add("a"))
	assert.Equal(t, 3, s.len())

	s.resize(2)
	assert.Equal(t, 2, s.len())
	assert.False(t, s.add("a"), "most recent entries survive a shrink")
}
