package orders

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrAmountTooSmall is returned when a notional cannot buy the exchange minimum
var ErrAmountTooSmall = errors.New("amount too small")

// minBumpTolerance lets a leg round up to the exchange minimum when that
// costs at most 5% more than the requested notional
const minBumpTolerance = 1.05

// Instrument holds the trading filters of one symbol. All rounding is done in
// decimal to avoid float drift on tick and step multiples.
type Instrument struct {
	Symbol      string
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// NewInstrument parses the exchange filter strings (PRICE_FILTER tickSize,
// LOT_SIZE stepSize/minQty, MIN_NOTIONAL notional)
func NewInstrument(symbol, tickSize, stepSize, minQty, minNotional string) (Instrument, error) {
	parse := func(name, v string) (decimal.Decimal, error) {
		if v == "" {
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse %s %q: %w", name, v, err)
		}
		return d, nil
	}

	inst := Instrument{Symbol: symbol}
	var err error
	if inst.TickSize, err = parse("tickSize", tickSize); err != nil {
		return Instrument{}, err
	}
	if inst.StepSize, err = parse("stepSize", stepSize); err != nil {
		return Instrument{}, err
	}
	if inst.MinQty, err = parse("minQty", minQty); err != nil {
		return Instrument{}, err
	}
	if inst.MinNotional, err = parse("notional", minNotional); err != nil {
		return Instrument{}, err
	}
	if !inst.TickSize.IsPositive() || !inst.StepSize.IsPositive() {
		return Instrument{}, fmt.Errorf("instrument %s: tick and step must be positive", symbol)
	}
	return inst, nil
}

func snap(v float64, unit decimal.Decimal, mode func(decimal.Decimal) decimal.Decimal) float64 {
	if !unit.IsPositive() {
		return v
	}
	f, _ := mode(decimal.NewFromFloat(v).Div(unit)).Mul(unit).Float64()
	return f
}

func nearest(d decimal.Decimal) decimal.Decimal { return d.Round(0) }
func floor(d decimal.Decimal) decimal.Decimal   { return d.Floor() }
func ceil(d decimal.Decimal) decimal.Decimal    { return d.Ceil() }

// RoundPrice snaps a price to the nearest tick
func (i Instrument) RoundPrice(p float64) float64 { return snap(p, i.TickSize, nearest) }

// FloorPrice snaps a price down to the tick
func (i Instrument) FloorPrice(p float64) float64 { return snap(p, i.TickSize, floor) }

// CeilPrice snaps a price up to the tick
func (i Instrument) CeilPrice(p float64) float64 { return snap(p, i.TickSize, ceil) }

// FloorQty snaps a quantity down to the step
func (i Instrument) FloorQty(q float64) float64 { return snap(q, i.StepSize, floor) }

// CeilQty snaps a quantity up to the step
func (i Instrument) CeilQty(q float64) float64 { return snap(q, i.StepSize, ceil) }

// Tick returns the tick size as a float
func (i Instrument) Tick() float64 {
	f, _ := i.TickSize.Float64()
	return f
}

// MinQuantity is the smallest tradable quantity at price:
// max(minQty, ceilStep(minNotional/price))
func (i Instrument) MinQuantity(price float64) float64 {
	minQty, _ := i.MinQty.Float64()
	if price <= 0 || !i.MinNotional.IsPositive() {
		return minQty
	}
	byNotional := i.MinNotional.Div(decimal.NewFromFloat(price)).Div(i.StepSize).Ceil().Mul(i.StepSize)
	f, _ := byNotional.Float64()
	if f > minQty {
		return f
	}
	return minQty
}

// QuantityForNotional converts a quote notional to a step-rounded quantity.
// Below the exchange minimum the minimum is used when it costs at most 5% more
// than notional; otherwise ErrAmountTooSmall is returned.
func (i Instrument) QuantityForNotional(notional, price float64) (float64, error) {
	if notional <= 0 || price <= 0 {
		return 0, ErrAmountTooSmall
	}
	qty := i.FloorQty(notional / price)
	minQty := i.MinQuantity(price)
	if qty >= minQty && qty > 0 {
		return qty, nil
	}
	if minQty > 0 && minQty*price <= notional*minBumpTolerance {
		return minQty, nil
	}
	return 0, fmt.Errorf("%w: notional %.4f at %.4f below minimum %.8f", ErrAmountTooSmall, notional, price, minQty)
}

// PostOnlyPrice keeps a maker order one tick inside the book. A buy at or
// above the ask becomes ask-tick (floored); a sell at or below the bid
// becomes bid+tick (ceiled). Unknown book sides leave the price unchanged.
func (i Instrument) PostOnlyPrice(orderSide string, price, bid, ask float64) float64 {
	switch orderSide {
	case "BUY":
		if ask > 0 && price >= ask {
			inside, _ := decimal.NewFromFloat(ask).Sub(i.TickSize).Float64()
			return i.FloorPrice(inside)
		}
	case "SELL":
		if bid > 0 && price <= bid {
			inside, _ := decimal.NewFromFloat(bid).Add(i.TickSize).Float64()
			return i.CeilPrice(inside)
		}
	}
	return price
}

// FormatPrice renders a price with the tick's precision for REST parameters
func (i Instrument) FormatPrice(p float64) string {
	return decimal.NewFromFloat(p).StringFixed(places(i.TickSize))
}

// FormatQty renders a quantity with the step's precision for REST parameters
func (i Instrument) FormatQty(q float64) string {
	return decimal.NewFromFloat(q).StringFixed(places(i.StepSize))
}

func places(unit decimal.Decimal) int32 {
	// String trims trailing zeros of filters like "0.01000000"
	s := unit.String()
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		return int32(len(s) - idx - 1)
	}
	return 0
}
