package grid

import (
	"context"
	"errors"
	"testing"
	"time"

	"gridbot/internal/binance"
	"gridbot/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ordersBySide(open []binance.FuturesOrder) map[string]binance.FuturesOrder {
	out := make(map[string]binance.FuturesOrder, len(open))
	for _, o := range open {
		out[o.Side] = o
	}
	return out
}

func TestReconcile_FlatPlacesOneEntry(t *testing.T) {
	e, mock := newTestEngine(t, nil)
	ctx := context.Background()

	e.reconcile(ctx)

	open := mock.OpenOrders()
	require.Len(t, open, 1)
	assert.Equal(t, "BUY", open[0].Side)
	assert.Equal(t, "LONG", open[0].PositionSide)
	assert.InDelta(t, 1999.99, open[0].Price, 1e-9)
	assert.InDelta(t, 0.020, open[0].OrigQty, 1e-9)
	assert.Contains(t, open[0].ClientOrderId, "AF")

	mock.ResetCalls()
	e.reconcile(ctx)
	assert.Zero(t, mock.CountCalls("PlaceOrder"))
	assert.Zero(t, mock.CountCalls("CancelOrder"))
}

func TestReconcile_PositionPlacesAddAndTakeProfit(t *testing.T) {
	e, mock := newTestEngine(t, nil)
	ctx := context.Background()
	withPosition(t, e, mock, 0.1, 2000)

	e.reconcile(ctx)

	open := mock.OpenOrders()
	require.Len(t, open, 2)
	bySide := ordersBySide(open)
	assert.InDelta(t, 1994.00, bySide["BUY"].Price, 1e-9)
	assert.InDelta(t, 0.020, bySide["BUY"].OrigQty, 1e-9)
	assert.InDelta(t, 2006.00, bySide["SELL"].Price, 1e-9)
	assert.InDelta(t, 0.019, bySide["SELL"].OrigQty, 1e-9)
	assert.InDelta(t, 2000, e.tracker.Anchor(strategy.SideLong), 1e-9)

	mock.ResetCalls()
	e.reconcile(ctx)
	assert.Zero(t, mock.CountCalls("PlaceOrder"))
	assert.Len(t, mock.OpenOrders(), 2)
}

func TestReconcile_AnchorChangeReplacesLegs(t *testing.T) {
	e, mock := newTestEngine(t, nil)
	ctx := context.Background()
	withPosition(t, e, mock, 0.1, 2000)
	e.reconcile(ctx)
	require.Len(t, mock.OpenOrders(), 2)

	e.tracker.SetAnchor(strategy.SideLong, 2001)
	e.reconcile(ctx)

	open := mock.OpenOrders()
	require.Len(t, open, 2)
	bySide := ordersBySide(open)
	assert.InDelta(t, 1995.00, bySide["BUY"].Price, 1e-9)
	assert.InDelta(t, 2007.00, bySide["SELL"].Price, 1e-9)
}

func TestReconcile_StrayOrderResetsSide(t *testing.T) {
	e, mock := newTestEngine(t, nil)
	ctx := context.Background()
	withPosition(t, e, mock, 0.1, 2000)
	e.reconcile(ctx)

	_, err := mock.PlaceOrder(ctx, binance.FuturesOrderParams{
		Symbol:       "ETHUSDT",
		Side:         "BUY",
		PositionSide: binance.PositionSideLong,
		Type:         binance.FuturesOrderTypeLimit,
		TimeInForce:  binance.TimeInForceGTC,
		Quantity:     0.05,
		Price:        1900,
	})
	require.NoError(t, err)
	require.Len(t, mock.OpenOrders(), 3)

	e.reconcile(ctx)
	open := mock.OpenOrders()
	require.Len(t, open, 2)
	for _, o := range open {
		assert.NotEqual(t, 1900.0, o.Price)
	}
}

func TestReconcile_CooldownDefersReset(t *testing.T) {
	e, mock := newTestEngine(t, func(c *strategy.Config) { c.GridActionCooldownSec = 60 })
	ctx := context.Background()

	e.reconcile(ctx)
	require.Len(t, mock.OpenOrders(), 1)

	withPosition(t, e, mock, 0.1, 2000)
	mock.ResetCalls()
	e.reconcile(ctx)
	assert.Zero(t, mock.CountCalls("PlaceOrder"))
}

func TestReconcile_MakerOnlyPostOnlyCooldown(t *testing.T) {
	e, mock := newTestEngine(t, func(c *strategy.Config) { c.MakerOnly = true })
	ctx := context.Background()

	mock.FailNext("PlaceOrder", &binance.APIError{HTTPStatus: 400, Code: binance.CodePostOnlyRejected, Msg: "post only"})
	e.reconcile(ctx)
	assert.Empty(t, mock.OpenOrders())

	mock.ResetCalls()
	e.reconcile(ctx)
	assert.Zero(t, mock.CountCalls("PlaceOrder"))

	e.mu.Lock()
	e.postOnlyUntil[strategy.SideLong] = e.now().Add(-1)
	e.mu.Unlock()
	e.reconcile(ctx)
	require.Len(t, mock.OpenOrders(), 1)
	assert.Equal(t, "GTX", mock.OpenOrders()[0].TimeInForce)
}

func TestReconcile_OneWayMode(t *testing.T) {
	cfg := testConfig()
	mock := binance.NewMockExchange(cfg.Symbol)
	mock.SetDualPosition(false)
	mock.SetPosition(binance.PositionSideBoth, 0.1, 2000)

	e, _ := newTestEngine(t, nil)
	e.ex = mock
	require.NoError(t, e.Init(context.Background()))
	e.mu.Lock()
	e.userConnected, e.streamReady = true, true
	e.mu.Unlock()
	require.False(t, e.hedge)

	e.reconcile(context.Background())
	bySide := ordersBySide(mock.OpenOrders())
	require.Len(t, bySide, 2)
	assert.False(t, bySide["BUY"].ReduceOnly)
	assert.True(t, bySide["SELL"].ReduceOnly)
	assert.Equal(t, "BOTH", bySide["SELL"].PositionSide)
}

func TestReconcile_DirectionSwitchWhenFlat(t *testing.T) {
	e, mock := newTestEngine(t, nil)
	ctx := context.Background()
	e.reconcile(ctx)
	require.Len(t, mock.OpenOrders(), 1)

	short := *e.cfg
	short.Direction = strategy.SideShort
	e.mu.Lock()
	e.cfg = &short
	e.mu.Unlock()

	e.reconcile(ctx)
	open := mock.OpenOrders()
	require.Len(t, open, 1)
	assert.Equal(t, "SELL", open[0].Side)
	assert.Equal(t, "SHORT", open[0].PositionSide)
	assert.InDelta(t, 2000.01, open[0].Price, 1e-9)
	assert.Equal(t, strategy.SideShort, e.side)
}

func TestReconcile_FailedCancelDoesNotDuplicateEntry(t *testing.T) {
	e, mock := newTestEngine(t, nil)
	ctx := context.Background()
	withPosition(t, e, mock, 0.1, 2000)
	e.reconcile(ctx)
	require.Len(t, mock.OpenOrders(), 2)

	// a new config version renames both legs while their prices stay put
	next := *e.cfg
	next.Version++
	e.mu.Lock()
	e.cfg = &next
	e.mu.Unlock()

	cancelErr := errors.New("connection reset by peer")
	mock.FailNext("CancelOrder", cancelErr)
	mock.FailNext("CancelOrder", cancelErr)
	mock.ResetCalls()
	e.reconcile(ctx)

	var buys []binance.FuturesOrder
	for _, o := range mock.OpenOrders() {
		if o.Side == "BUY" {
			buys = append(buys, o)
		}
	}
	require.Len(t, buys, 1)
	assert.InDelta(t, 1994.00, buys[0].Price, 1e-9)
	// only the reduce-only take-profit went out again
	assert.Equal(t, 1, mock.CountCalls("PlaceOrder"))
}

// moveBook shifts both the mock and the engine view of the book
func moveBook(e *Engine, mock *binance.MockExchange, bid, ask float64) {
	mock.SetBook(bid, ask)
	e.mu.Lock()
	e.bid, e.ask, e.last = bid, ask, (bid+ask)/2
	e.mu.Unlock()
}

func advanceEngine(e *Engine, d time.Duration) {
	at := time.Now().Add(d)
	e.mu.Lock()
	e.now = func() time.Time { return at }
	e.mu.Unlock()
}

func TestReconcile_FlatEntryRefreshesToBestBid(t *testing.T) {
	e, mock := newTestEngine(t, nil)
	ctx := context.Background()
	e.reconcile(ctx)
	require.Len(t, mock.OpenOrders(), 1)

	moveBook(e, mock, 2004.99, 2005.01)
	mock.ResetCalls()
	e.reconcile(ctx)
	assert.Zero(t, mock.CountCalls("CancelOrder"))
	assert.InDelta(t, 1999.99, mock.OpenOrders()[0].Price, 1e-9)

	advanceEngine(e, time.Minute)
	e.reconcile(ctx)
	open := mock.OpenOrders()
	require.Len(t, open, 1)
	assert.Equal(t, 1, mock.CountCalls("CancelOrder"))
	assert.Equal(t, "BUY", open[0].Side)
	assert.InDelta(t, 2004.99, open[0].Price, 1e-9)
}

func TestReconcile_FlatRefreshDisabled(t *testing.T) {
	e, mock := newTestEngine(t, func(c *strategy.Config) { c.OrderRefreshSec = 0 })
	ctx := context.Background()
	e.reconcile(ctx)
	require.Len(t, mock.OpenOrders(), 1)

	moveBook(e, mock, 2004.99, 2005.01)
	advanceEngine(e, time.Hour)
	mock.ResetCalls()
	e.reconcile(ctx)

	assert.Zero(t, mock.CountCalls("CancelOrder"))
	assert.Zero(t, mock.CountCalls("PlaceOrder"))
	assert.InDelta(t, 1999.99, mock.OpenOrders()[0].Price, 1e-9)
}

func TestReconcile_PendingEntryIsNotRefreshed(t *testing.T) {
	e, mock := newTestEngine(t, func(c *strategy.Config) {
		c.PendingEntryEnabled = true
		c.PendingEntryPrice = 1980
		c.PendingEntryNotional = 40
	})
	ctx := context.Background()
	e.reconcile(ctx)
	open := mock.OpenOrders()
	require.Len(t, open, 1)
	assert.InDelta(t, 1980, open[0].Price, 1e-9)

	moveBook(e, mock, 2004.99, 2005.01)
	advanceEngine(e, time.Minute)
	mock.ResetCalls()
	e.reconcile(ctx)

	assert.Zero(t, mock.CountCalls("CancelOrder"))
	assert.Zero(t, mock.CountCalls("PlaceOrder"))
	open = mock.OpenOrders()
	require.Len(t, open, 1)
	assert.InDelta(t, 1980, open[0].Price, 1e-9)
}
