package risk

import (
	"math"
	"math/rand"
	"testing"

	"gridbot/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tick(p float64) float64 { return math.Round(p*100) / 100 }

func ladderConfig() TrailingConfig {
	return TrailingConfig{
		Enabled:   true,
		BaseRatio: 0.02,
		Ladder: []strategy.StopLadderStep{
			{TriggerRatio: 0.01, StopRatio: 0.002},
			{TriggerRatio: 0.02, StopRatio: 0.01},
		},
		Pullback: []strategy.PullbackStep{
			{TriggerRatio: 0.03, PullbackRatio: 0.01},
		},
	}
}

func TestTrailingLongBaseAndLadder(t *testing.T) {
	tsm := NewTrailingStopManager(ladderConfig())

	upd := tsm.Compute(strategy.SideLong, 2000, 2000, tick)
	assert.True(t, upd.AnchorReset)
	assert.Equal(t, 1960.0, upd.NewStopLoss)

	upd = tsm.Compute(strategy.SideLong, 2000, 2021, tick)
	assert.Equal(t, 2004.0, upd.NewStopLoss)
	assert.True(t, upd.Moved)

	upd = tsm.Compute(strategy.SideLong, 2000, 2041, tick)
	assert.Equal(t, 2020.0, upd.NewStopLoss)

	// peak 2070 (3.5%) arms the pullback step: 2070*0.99 = 2049.3
	upd = tsm.Compute(strategy.SideLong, 2000, 2070, tick)
	assert.Equal(t, 2049.3, upd.NewStopLoss)

	// price retraces; the stop does not loosen
	upd = tsm.Compute(strategy.SideLong, 2000, 2055, tick)
	assert.Equal(t, 2049.3, upd.NewStopLoss)
	assert.False(t, upd.Moved)
	assert.True(t, StopBreached(strategy.SideLong, upd.NewStopLoss, 2049.0, 2049.5, 0))
}

func TestTrailingShortMirrors(t *testing.T) {
	tsm := NewTrailingStopManager(ladderConfig())

	upd := tsm.Compute(strategy.SideShort, 2000, 2000, tick)
	assert.Equal(t, 2040.0, upd.NewStopLoss)

	upd = tsm.Compute(strategy.SideShort, 2000, 1959, tick)
	assert.Equal(t, 1980.0, upd.NewStopLoss)

	upd = tsm.Compute(strategy.SideShort, 2000, 1990, tick)
	assert.Equal(t, 1980.0, upd.NewStopLoss, "short stop never rises")
	assert.True(t, StopBreached(strategy.SideShort, 1980, 1979, 1980, 0))
	assert.False(t, StopBreached(strategy.SideShort, 1980, 1978, 1979, 0))
}

func TestTrailingClampsBelowPrice(t *testing.T) {
	tsm := NewTrailingStopManager(TrailingConfig{Enabled: true, HardStop: 2100})

	upd := tsm.Compute(strategy.SideLong, 2000, 2000, tick)
	assert.Equal(t, 1998.0, upd.NewStopLoss)

	upd = tsm.Compute(strategy.SideShort, 2000, 2000, tick)
	assert.Equal(t, 2100.0, upd.NewStopLoss)
}

func TestTrailingAnchorResetsOnEntryDrift(t *testing.T) {
	tsm := NewTrailingStopManager(ladderConfig())

	tsm.Compute(strategy.SideLong, 2000, 2045, tick)
	before, ok := tsm.GetCurrentStopLoss(strategy.SideLong)
	require.True(t, ok)

	// 0.5% drift keeps the anchor
	upd := tsm.Compute(strategy.SideLong, 2010, 2030, tick)
	assert.False(t, upd.AnchorReset)
	assert.GreaterOrEqual(t, upd.NewStopLoss, before)

	// averaging down by 2% starts a new cycle, the stop may loosen
	upd = tsm.Compute(strategy.SideLong, 1960, 1960, tick)
	assert.True(t, upd.AnchorReset)
	assert.Equal(t, 1920.8, upd.NewStopLoss)
}

func TestTrailingLongNeverDecreases(t *testing.T) {
	tsm := NewTrailingStopManager(ladderConfig())
	rng := rand.New(rand.NewSource(7))

	price := 2000.0
	last := 0.0
	for i := 0; i < 2000; i++ {
		price *= 1 + (rng.Float64()-0.48)*0.004
		upd := tsm.Compute(strategy.SideLong, 2000, price, tick)
		require.GreaterOrEqual(t, upd.NewStopLoss, last, "step %d price %.2f", i, price)
		last = upd.NewStopLoss
	}
}

func TestTrailingDisabledAndReset(t *testing.T) {
	tsm := NewTrailingStopManager(TrailingConfig{})
	assert.Zero(t, tsm.Compute(strategy.SideLong, 2000, 2000, tick).NewStopLoss)

	tsm.SetConfig(ladderConfig())
	tsm.Compute(strategy.SideLong, 2000, 2000, tick)
	require.NotNil(t, tsm.GetPosition(strategy.SideLong))

	tsm.Reset(strategy.SideLong)
	assert.Nil(t, tsm.GetPosition(strategy.SideLong))
	_, ok := tsm.GetCurrentStopLoss(strategy.SideLong)
	assert.False(t, ok)
}

func TestRiskManagerExitChecks(t *testing.T) {
	cfg := strategy.Defaults()
	cfg.HardStopPrice = 1900
	cfg.TakeProfitEnabled = true
	cfg.TakeProfitPrice = 2100
	rm := NewRiskManager(&cfg)

	assert.True(t, rm.HardStopBreached(strategy.SideLong, 1895))
	assert.False(t, rm.HardStopBreached(strategy.SideLong, 1901))
	assert.True(t, rm.HardStopBreached(strategy.SideShort, 1900))

	assert.True(t, rm.TakeProfitHit(strategy.SideLong, 2100, 2100.5))
	assert.False(t, rm.TakeProfitHit(strategy.SideLong, 2099.9, 2100))
	assert.True(t, rm.TakeProfitHit(strategy.SideShort, 2099, 2100))

	cfg2 := cfg
	cfg2.TakeProfitEnabled = false
	rm.Apply(&cfg2)
	assert.False(t, rm.TakeProfitHit(strategy.SideLong, 2200, 2201))
}
