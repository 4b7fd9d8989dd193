package risk

import (
	"time"

	"gridbot/internal/strategy"
)

// StageDecision is the outcome of one stage evaluation
type StageDecision struct {
	Stage         int
	Previous      int
	Changed       bool
	Candidate     int // -1 when no transition is pending
	Confirmations int
	CooldownLeft  time.Duration
}

// StageCalculator maps position notional to a discrete risk stage.
//
// Escalation needs notional >= the next stage's enter threshold; de-escalation
// needs notional < the current stage's exit threshold. A candidate stage
// commits only after it has been observed on `confirmations` consecutive
// evaluations and the cooldown since the last committed transition has elapsed.
// Confirmations keep accumulating while the cooldown blocks the commit, so a
// candidate that held through the cooldown commits on the first evaluation
// after it ends.
type StageCalculator struct {
	stages        []strategy.Stage
	confirmations int
	cooldown      time.Duration

	current        int
	candidate      int
	candidateCount int
	lastTransition time.Time
}

// NewStageCalculator creates a calculator at stage 0
func NewStageCalculator(stages []strategy.Stage, confirmations int, cooldown time.Duration) *StageCalculator {
	c := &StageCalculator{candidate: -1}
	c.Configure(stages, confirmations, cooldown)
	return c
}

// Configure swaps the stage table, keeping the current stage when it still exists
func (c *StageCalculator) Configure(stages []strategy.Stage, confirmations int, cooldown time.Duration) {
	if len(stages) == 0 {
		stages = []strategy.Stage{{}}
	}
	if confirmations < 1 {
		confirmations = 1
	}
	c.stages = stages
	c.confirmations = confirmations
	c.cooldown = cooldown
	if c.current >= len(stages) {
		c.current = len(stages) - 1
	}
	if c.candidate >= len(stages) {
		c.clearCandidate()
	}
}

// Current returns the committed stage
func (c *StageCalculator) Current() int {
	return c.current
}

// Params returns the parameters of the committed stage
func (c *StageCalculator) Params() strategy.Stage {
	return c.stages[c.current]
}

// StageCount returns the number of configured stages including the base stage
func (c *StageCalculator) StageCount() int {
	return len(c.stages)
}

// Reset returns to the base stage, called when the position goes flat
func (c *StageCalculator) Reset() {
	c.current = 0
	c.clearCandidate()
	c.lastTransition = time.Time{}
}

func (c *StageCalculator) clearCandidate() {
	c.candidate = -1
	c.candidateCount = 0
}

// target computes the stage the notional points to, ignoring the gate
func (c *StageCalculator) target(notional float64) int {
	t := c.current
	for t+1 < len(c.stages) && notional >= c.stages[t+1].EnterNotional {
		t++
	}
	if t != c.current {
		return t
	}
	for t > 0 && notional < c.stages[t].ExitNotional {
		t--
	}
	return t
}

// Evaluate feeds one notional observation through the hysteresis gate
func (c *StageCalculator) Evaluate(notional float64, now time.Time) StageDecision {
	d := StageDecision{Stage: c.current, Previous: c.current, Candidate: -1}

	t := c.target(notional)
	if t == c.current {
		c.clearCandidate()
		return d
	}

	if t != c.candidate {
		c.candidate = t
		c.candidateCount = 0
	}
	c.candidateCount++
	d.Candidate = c.candidate
	d.Confirmations = c.candidateCount

	if !c.lastTransition.IsZero() && c.cooldown > 0 {
		if elapsed := now.Sub(c.lastTransition); elapsed < c.cooldown {
			d.CooldownLeft = c.cooldown - elapsed
			return d
		}
	}
	if c.candidateCount < c.confirmations {
		return d
	}

	c.current = t
	c.lastTransition = now
	c.clearCandidate()

	d.Stage = c.current
	d.Changed = true
	d.Candidate = -1
	return d
}
