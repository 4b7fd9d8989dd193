package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"gridbot/internal/events"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJournal(t *testing.T) *SQLiteJournal {
	t.Helper()
	j, err := NewSQLiteJournal(filepath.Join(t.TempDir(), "journal", "grid.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func sampleFill(tradeID int64, at time.Time) events.Fill {
	return events.Fill{
		Symbol:        "ETHUSDT",
		Side:          "long",
		OrderSide:     "BUY",
		ClientOrderID: "AF-L-A-abc",
		OrderID:       1000 + tradeID,
		TradeID:       tradeID,
		Price:         1999.99,
		Quantity:      0.02,
		Fee:           0.008,
		FeeAsset:      "USDT",
		Time:          at,
	}
}

func TestSQLiteJournal_FillsDedupedByTradeID(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, j.RecordFill(ctx, "eth-long", sampleFill(1, at)))
	require.NoError(t, j.RecordFill(ctx, "eth-long", sampleFill(1, at)))
	require.NoError(t, j.RecordFill(ctx, "eth-long", sampleFill(2, at.Add(time.Second))))
	require.NoError(t, j.RecordFill(ctx, "other", sampleFill(1, at)))

	fills, err := j.RecentFills(ctx, "eth-long", 10)
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, int64(2), fills[0].TradeID)
	assert.Equal(t, int64(1), fills[1].TradeID)
	assert.InDelta(t, 1999.99, fills[1].Price, 1e-9)
	assert.Equal(t, "USDT", fills[1].FeeAsset)
	assert.True(t, fills[1].Time.Equal(at))
}

func TestSQLiteJournal_RecentFillsLimit(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	at := time.Now().UTC().Truncate(time.Second)
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, j.RecordFill(ctx, "eth-long", sampleFill(i, at.Add(time.Duration(i)*time.Second))))
	}

	fills, err := j.RecentFills(ctx, "eth-long", 3)
	require.NoError(t, err)
	require.Len(t, fills, 3)
	assert.Equal(t, int64(5), fills[0].TradeID)
}

func TestSubscribe_WritesBusEvents(t *testing.T) {
	j := newTestJournal(t)
	bus := events.NewEventBus()
	Subscribe(bus, j, "eth-long", zerolog.Nop())

	bus.PublishFill(sampleFill(7, time.Now()))
	bus.PublishEmergencyExit("long", "hard_stoploss", 0.1, 1895, true, 1)
	bus.PublishStageChanged("long", 0, 1, 410)
	require.True(t, bus.Drain(5*time.Second))

	ctx := context.Background()
	fills, err := j.RecentFills(ctx, "eth-long", 10)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, int64(7), fills[0].TradeID)

	var (
		reason string
		flat   bool
	)
	require.NoError(t, j.db.QueryRowContext(ctx,
		`SELECT reason, flat FROM grid_exits WHERE instance_id = ?`, "eth-long").Scan(&reason, &flat))
	assert.Equal(t, "hard_stoploss", reason)
	assert.True(t, flat)

	var to int
	require.NoError(t, j.db.QueryRowContext(ctx,
		`SELECT to_stage FROM grid_stage_changes WHERE instance_id = ?`, "eth-long").Scan(&to))
	assert.Equal(t, 1, to)
}

func TestOpen_Drivers(t *testing.T) {
	ctx := context.Background()

	j, err := Open(ctx, Config{}, zerolog.Nop())
	require.NoError(t, err)
	assert.Nil(t, j)

	j, err = Open(ctx, Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "g.db")}, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.NoError(t, j.Close())

	_, err = Open(ctx, Config{Driver: "mysql"}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrUnknownDriver)
}
