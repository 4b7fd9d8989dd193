// Package orders builds the per-side order plan and the identifiers attached to it:
// instrument rounding, deterministic leg keys and client order ids.
package orders

import "gridbot/internal/strategy"

// Role represents the purpose of an order in the grid
type Role string

const (
	RoleAdd        Role = "add"     // entry leg that grows the position
	RoleTakeProfit Role = "tp"      // reduce-only leg that trims the position
	RolePending    Role = "pending" // pinned entry used while flat
	RoleExit       Role = "exit"    // market flatten, stops and ad-hoc orders
)

// roleChars maps a Role to the single character embedded in client order ids
var roleChars = map[Role]string{
	RoleAdd:        "A",
	RoleTakeProfit: "T",
	RolePending:    "P",
	RoleExit:       "X",
}

// Char returns the client-id character for the role
func (r Role) Char() string {
	if c, ok := roleChars[r]; ok {
		return c
	}
	return "X"
}

// RoleFromChar converts a client-id character back to a Role
func RoleFromChar(c byte) (Role, bool) {
	switch c {
	case 'A':
		return RoleAdd, true
	case 'T':
		return RoleTakeProfit, true
	case 'P':
		return RolePending, true
	case 'X':
		return RoleExit, true
	}
	return "", false
}

// ReduceOnly reports whether legs of this role only reduce the position
func (r Role) ReduceOnly() bool {
	return r == RoleTakeProfit || r == RoleExit
}

// Leg is one planned resting order
type Leg struct {
	Role     Role
	Side     strategy.Side
	Price    float64
	Quantity float64
	Spacing  float64
	Notional float64
	Key      string
	ClientID string

	// Omitted legs must not be placed; Reason says why.
	Omitted bool
	Reason  string
}

// ReduceOnly reports whether the leg reduces the position
func (l Leg) ReduceOnly() bool {
	return l.Role.ReduceOnly()
}

// OrderSide returns the exchange side (BUY/SELL) of the leg
func (l Leg) OrderSide() string {
	return OrderSide(l.Side, l.ReduceOnly())
}

// OrderSide maps a grid side and intent to the exchange side.
// Long adds with BUY and reduces with SELL; short is the reverse.
func OrderSide(side strategy.Side, reduce bool) string {
	buy := side == strategy.SideLong
	if reduce {
		buy = !buy
	}
	if buy {
		return "BUY"
	}
	return "SELL"
}

// PositionSide returns the hedge-mode position tag of a grid side
func PositionSide(side strategy.Side) string {
	if side == strategy.SideShort {
		return "SHORT"
	}
	return "LONG"
}

// Plan is the target order set for one side
type Plan struct {
	Side          strategy.Side
	Stage         int
	ConfigVersion int64
	Reference     float64
	Flat          bool
	Add           Leg
	TP            Leg
}
