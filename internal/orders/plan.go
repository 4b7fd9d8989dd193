package orders

import (
	"errors"

	"gridbot/internal/strategy"
)

// PendingEntry pins the flat-side add leg to a fixed price
type PendingEntry struct {
	Enabled  bool
	Price    float64
	Notional float64
}

// PlanInput is everything the builder needs for one side
type PlanInput struct {
	Side          strategy.Side
	Reference     float64 // fill anchor when in position, last price when flat
	Bid           float64
	Ask           float64
	Position      float64 // absolute size of the side
	Stage         int
	Params        strategy.Stage
	ConfigVersion int64
	Pending       PendingEntry
}

// PlanBuilder turns stage parameters into priced, sized and keyed legs
type PlanBuilder struct {
	Instrument Instrument
	Prefix     string
}

// NewPlanBuilder creates a plan builder
func NewPlanBuilder(inst Instrument, prefix string) *PlanBuilder {
	return &PlanBuilder{Instrument: inst, Prefix: prefix}
}

// Build computes the target plan. It never fails; legs that cannot be placed
// come back Omitted with a Reason.
func (b *PlanBuilder) Build(in PlanInput) Plan {
	plan := Plan{
		Side:          in.Side,
		Stage:         in.Stage,
		ConfigVersion: in.ConfigVersion,
		Reference:     in.Reference,
		Flat:          in.Position <= 0,
	}

	plan.Add = b.addLeg(in, plan.Flat)
	if plan.Flat {
		plan.TP = Leg{Role: RoleTakeProfit, Side: in.Side, Omitted: true, Reason: "flat"}
	} else {
		plan.TP = b.tpLeg(in)
	}
	return plan
}

func (b *PlanBuilder) addLeg(in PlanInput, flat bool) Leg {
	if flat && in.Pending.Enabled && in.Pending.Price > 0 {
		return b.pendingLeg(in)
	}

	leg := Leg{
		Role:     RoleAdd,
		Side:     in.Side,
		Spacing:  in.Params.AddSpacing,
		Notional: in.Params.AddNotional,
	}
	leg.Key = LegKey(in.ConfigVersion, in.Side, RoleAdd, in.Stage, leg.Spacing, leg.Notional)
	leg.ClientID = b.clientID(in.Side, RoleAdd, leg.Key)

	switch {
	case flat && in.Side == strategy.SideLong && in.Bid > 0:
		leg.Price = b.Instrument.RoundPrice(in.Bid)
	case flat && in.Side == strategy.SideShort && in.Ask > 0:
		leg.Price = b.Instrument.RoundPrice(in.Ask)
	case in.Side == strategy.SideShort:
		leg.Price = b.Instrument.RoundPrice(in.Reference * (1 + leg.Spacing))
	default:
		leg.Price = b.Instrument.RoundPrice(in.Reference * (1 - leg.Spacing))
	}
	return b.size(leg)
}

func (b *PlanBuilder) pendingLeg(in PlanInput) Leg {
	price := b.Instrument.RoundPrice(in.Pending.Price)
	notional := in.Pending.Notional
	if notional <= 0 {
		notional = in.Params.AddNotional
	}
	leg := Leg{
		Role:     RolePending,
		Side:     in.Side,
		Price:    price,
		Notional: notional,
		Key:      PendingKey(in.Side, price),
	}
	leg.ClientID = b.clientID(in.Side, RolePending, leg.Key)
	return b.size(leg)
}

func (b *PlanBuilder) tpLeg(in PlanInput) Leg {
	leg := Leg{
		Role:     RoleTakeProfit,
		Side:     in.Side,
		Spacing:  in.Params.TPSpacing,
		Notional: in.Params.TPNotional,
	}
	leg.Key = LegKey(in.ConfigVersion, in.Side, RoleTakeProfit, in.Stage, leg.Spacing, leg.Notional)
	leg.ClientID = b.clientID(in.Side, RoleTakeProfit, leg.Key)

	if in.Side == strategy.SideShort {
		leg.Price = b.Instrument.RoundPrice(in.Reference * (1 - leg.Spacing))
	} else {
		leg.Price = b.Instrument.RoundPrice(in.Reference * (1 + leg.Spacing))
	}

	leg = b.size(leg)
	if leg.Omitted {
		return leg
	}
	if leg.Quantity > in.Position {
		capped := b.Instrument.FloorQty(in.Position)
		if capped <= 0 || capped < b.Instrument.MinQuantity(leg.Price) {
			leg.Quantity = 0
			leg.Omitted = true
			leg.Reason = ErrAmountTooSmall.Error()
			return leg
		}
		leg.Quantity = capped
	}
	return leg
}

func (b *PlanBuilder) size(leg Leg) Leg {
	if leg.Price <= 0 {
		leg.Omitted = true
		leg.Reason = "no reference price"
		return leg
	}
	qty, err := b.Instrument.QuantityForNotional(leg.Notional, leg.Price)
	if err != nil {
		leg.Omitted = true
		if errors.Is(err, ErrAmountTooSmall) {
			leg.Reason = ErrAmountTooSmall.Error()
		} else {
			leg.Reason = err.Error()
		}
		return leg
	}
	leg.Quantity = qty
	return leg
}

func (b *PlanBuilder) clientID(side strategy.Side, role Role, key string) string {
	id, err := ClientOrderID(b.Prefix, side, role, key)
	if err != nil {
		// prefix is validated at config load; an empty one degrades to a keyless id
		return FallbackClientOrderID(b.Prefix)
	}
	return id
}
