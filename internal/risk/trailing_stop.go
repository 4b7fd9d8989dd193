package risk

import (
	"math"
	"sync"

	"gridbot/internal/strategy"
)

// anchorDriftReset is the relative entry-price move that starts a new anchor cycle
const anchorDriftReset = 0.01

// TrailingConfig holds trailing stop configuration
type TrailingConfig struct {
	Enabled   bool
	BaseRatio float64                   // initial stop distance off entry
	Ladder    []strategy.StopLadderStep // profit-locking steps, sorted by trigger
	Pullback  []strategy.PullbackStep   // peak retracement steps, sorted by trigger
	HardStop  float64                   // absolute floor (long) / ceiling (short), 0 = none
}

// TrailingConfigFrom extracts the trailing parameters from a strategy snapshot
func TrailingConfigFrom(cfg *strategy.Config) TrailingConfig {
	return TrailingConfig{
		Enabled:   cfg.TrailingStopEnabled,
		BaseRatio: cfg.TrailingStopBaseRatio,
		Ladder:    cfg.TrailingStopLadder,
		Pullback:  cfg.TrailingPullbackLadder,
		HardStop:  cfg.HardStopPrice,
	}
}

// TrailingPosition is the anchor of one side. HighWaterMark is the peak for
// a long, LowWaterMark the trough for a short.
type TrailingPosition struct {
	Side            strategy.Side
	EntryPrice      float64
	HighWaterMark   float64
	LowWaterMark    float64
	CurrentStopLoss float64
}

// StopUpdate represents the result of one trailing computation
type StopUpdate struct {
	Side        strategy.Side
	OldStopLoss float64
	NewStopLoss float64
	Moved       bool
	AnchorReset bool
}

// TrailingStopManager tracks per-side anchors and computes ratcheting stops
type TrailingStopManager struct {
	positions map[strategy.Side]*TrailingPosition
	config    TrailingConfig
	mu        sync.RWMutex
}

// NewTrailingStopManager creates a new trailing stop manager
func NewTrailingStopManager(config TrailingConfig) *TrailingStopManager {
	return &TrailingStopManager{
		positions: make(map[strategy.Side]*TrailingPosition),
		config:    config,
	}
}

// SetConfig swaps parameters after a strategy reload. Anchors are kept.
func (tsm *TrailingStopManager) SetConfig(config TrailingConfig) {
	tsm.mu.Lock()
	defer tsm.mu.Unlock()
	tsm.config = config
}

// Reset drops the anchor of a side, called when it goes flat
func (tsm *TrailingStopManager) Reset(side strategy.Side) {
	tsm.mu.Lock()
	defer tsm.mu.Unlock()
	delete(tsm.positions, side)
}

// Compute advances the anchor of side with the latest price and returns the
// stop to maintain. round snaps a price to the instrument tick; nil leaves it.
// A zero NewStopLoss means no stop applies.
func (tsm *TrailingStopManager) Compute(side strategy.Side, entry, price float64, round func(float64) float64) StopUpdate {
	tsm.mu.Lock()
	defer tsm.mu.Unlock()

	upd := StopUpdate{Side: side}
	if !tsm.config.Enabled || entry <= 0 || price <= 0 {
		return upd
	}

	pos, ok := tsm.positions[side]
	if !ok || math.Abs(entry-pos.EntryPrice)/pos.EntryPrice >= anchorDriftReset {
		pos = &TrailingPosition{Side: side, EntryPrice: entry, HighWaterMark: price, LowWaterMark: price}
		tsm.positions[side] = pos
		upd.AnchorReset = true
	}
	upd.OldStopLoss = pos.CurrentStopLoss

	if price > pos.HighWaterMark {
		pos.HighWaterMark = price
	}
	if price < pos.LowWaterMark {
		pos.LowWaterMark = price
	}

	var stop float64
	if side == strategy.SideShort {
		stop = tsm.shortCandidate(pos, price)
	} else {
		stop = tsm.longCandidate(pos, price)
	}
	if stop <= 0 {
		upd.NewStopLoss = pos.CurrentStopLoss
		return upd
	}
	if round != nil {
		stop = round(stop)
	}

	// ratchet: never loosen within one anchor cycle
	if pos.CurrentStopLoss > 0 {
		if side == strategy.SideShort {
			stop = math.Min(stop, pos.CurrentStopLoss)
		} else {
			stop = math.Max(stop, pos.CurrentStopLoss)
		}
	}

	upd.Moved = stop != pos.CurrentStopLoss
	pos.CurrentStopLoss = stop
	upd.NewStopLoss = stop
	return upd
}

func (tsm *TrailingStopManager) longCandidate(pos *TrailingPosition, price float64) float64 {
	entry := pos.EntryPrice
	profit := (price - entry) / entry
	peakProfit := (pos.HighWaterMark - entry) / entry
	var candidates []float64

	if tsm.config.BaseRatio > 0 {
		candidates = append(candidates, entry*(1-tsm.config.BaseRatio))
	}
	if ratio, ok := ladderStop(tsm.config.Ladder, profit); ok {
		candidates = append(candidates, entry*(1+ratio))
	}
	if pb, ok := tightestPullback(tsm.config.Pullback, peakProfit); ok {
		candidates = append(candidates, pos.HighWaterMark*(1-pb))
	}
	if tsm.config.HardStop > 0 {
		candidates = append(candidates, tsm.config.HardStop)
	}
	if len(candidates) == 0 {
		return 0
	}

	stop := candidates[0]
	for _, c := range candidates[1:] {
		stop = math.Max(stop, c)
	}
	if stop >= price {
		stop = price * 0.999
	}
	return stop
}

func (tsm *TrailingStopManager) shortCandidate(pos *TrailingPosition, price float64) float64 {
	entry := pos.EntryPrice
	profit := (entry - price) / entry
	troughProfit := (entry - pos.LowWaterMark) / entry
	var candidates []float64

	if tsm.config.BaseRatio > 0 {
		candidates = append(candidates, entry*(1+tsm.config.BaseRatio))
	}
	if ratio, ok := ladderStop(tsm.config.Ladder, profit); ok {
		candidates = append(candidates, entry*(1-ratio))
	}
	if pb, ok := tightestPullback(tsm.config.Pullback, troughProfit); ok {
		candidates = append(candidates, pos.LowWaterMark*(1+pb))
	}
	if tsm.config.HardStop > 0 {
		candidates = append(candidates, tsm.config.HardStop)
	}
	if len(candidates) == 0 {
		return 0
	}

	stop := candidates[0]
	for _, c := range candidates[1:] {
		stop = math.Min(stop, c)
	}
	if stop <= price {
		stop = price * 1.001
	}
	return stop
}

// ladderStop returns the largest stop ratio among triggered steps
func ladderStop(ladder []strategy.StopLadderStep, profit float64) (float64, bool) {
	best, found := 0.0, false
	for _, step := range ladder {
		if profit >= step.TriggerRatio && (!found || step.StopRatio > best) {
			best, found = step.StopRatio, true
		}
	}
	return best, found
}

// tightestPullback returns the smallest pullback ratio among triggered steps
func tightestPullback(ladder []strategy.PullbackStep, profit float64) (float64, bool) {
	best, found := 0.0, false
	for _, step := range ladder {
		if profit >= step.TriggerRatio && (!found || step.PullbackRatio < best) {
			best, found = step.PullbackRatio, true
		}
	}
	return best, found
}

// GetPosition returns a copy of the side's anchor
func (tsm *TrailingStopManager) GetPosition(side strategy.Side) *TrailingPosition {
	tsm.mu.RLock()
	defer tsm.mu.RUnlock()

	if pos, exists := tsm.positions[side]; exists {
		cp := *pos
		return &cp
	}
	return nil
}

// GetCurrentStopLoss returns the current stop for a side
func (tsm *TrailingStopManager) GetCurrentStopLoss(side strategy.Side) (float64, bool) {
	tsm.mu.RLock()
	defer tsm.mu.RUnlock()

	if pos, exists := tsm.positions[side]; exists && pos.CurrentStopLoss > 0 {
		return pos.CurrentStopLoss, true
	}
	return 0, false
}

// StopBreached reports whether the executable price crossed the stop.
// Long compares the bid, short the ask; last is used when the book side is unknown.
func StopBreached(side strategy.Side, stop, bid, ask, last float64) bool {
	if stop <= 0 {
		return false
	}
	if side == strategy.SideShort {
		px := ask
		if px <= 0 {
			px = last
		}
		return px > 0 && px >= stop
	}
	px := bid
	if px <= 0 {
		px = last
	}
	return px > 0 && px <= stop
}
