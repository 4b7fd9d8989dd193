package orders

import (
	"testing"

	"gridbot/internal/strategy"
)

func baseParams() strategy.Stage {
	return strategy.Stage{AddSpacing: 0.003, AddNotional: 40, TPSpacing: 0.003, TPNotional: 40}
}

func TestPlan_LongInPosition(t *testing.T) {
	b := NewPlanBuilder(ethInstrument(t, "20"), "AF")
	plan := b.Build(PlanInput{
		Side:          strategy.SideLong,
		Reference:     2000,
		Bid:           1999.9,
		Ask:           2000.1,
		Position:      0.1,
		Params:        baseParams(),
		ConfigVersion: 1,
	})

	if plan.Flat {
		t.Fatal("plan should not be flat")
	}
	if plan.Add.Price != 1994.0 {
		t.Errorf("add price = %v, want 1994", plan.Add.Price)
	}
	if plan.TP.Price != 2006.0 {
		t.Errorf("tp price = %v, want 2006", plan.TP.Price)
	}
	if plan.Add.Quantity != 0.02 {
		t.Errorf("add qty = %v, want 0.02", plan.Add.Quantity)
	}
	if plan.TP.Quantity != 0.019 {
		t.Errorf("tp qty = %v, want 0.019", plan.TP.Quantity)
	}
	if plan.Add.OrderSide() != "BUY" || plan.TP.OrderSide() != "SELL" {
		t.Errorf("unexpected sides %s/%s", plan.Add.OrderSide(), plan.TP.OrderSide())
	}
	if plan.Add.ReduceOnly() || !plan.TP.ReduceOnly() {
		t.Error("add must be entry, tp must be reduce-only")
	}
	if plan.Add.ClientID[:4] != "AFLA" || plan.TP.ClientID[:4] != "AFLT" {
		t.Errorf("unexpected client ids %s / %s", plan.Add.ClientID, plan.TP.ClientID)
	}
	if !MatchesKey(plan.Add.ClientID, plan.Add.Key) {
		t.Error("add client id must carry its key")
	}
}

func TestPlan_ShortInPosition(t *testing.T) {
	b := NewPlanBuilder(ethInstrument(t, "20"), "AF")
	plan := b.Build(PlanInput{
		Side:      strategy.SideShort,
		Reference: 2000,
		Position:  0.1,
		Params:    baseParams(),
	})
	if plan.Add.Price != 2006.0 || plan.TP.Price != 1994.0 {
		t.Errorf("short prices add=%v tp=%v, want 2006/1994", plan.Add.Price, plan.TP.Price)
	}
	if plan.Add.OrderSide() != "SELL" || plan.TP.OrderSide() != "BUY" {
		t.Errorf("unexpected sides %s/%s", plan.Add.OrderSide(), plan.TP.OrderSide())
	}
}

func TestPlan_TPCappedAtPosition(t *testing.T) {
	b := NewPlanBuilder(ethInstrument(t, "20"), "AF")
	in := PlanInput{Side: strategy.SideLong, Reference: 2000, Params: baseParams()}

	in.Position = 0.015
	plan := b.Build(in)
	if plan.TP.Omitted || plan.TP.Quantity != 0.015 {
		t.Errorf("expected tp capped to 0.015, got %v omitted=%v", plan.TP.Quantity, plan.TP.Omitted)
	}

	in.Position = 0.005
	plan = b.Build(in)
	if !plan.TP.Omitted {
		t.Fatalf("expected tp omitted, got qty %v", plan.TP.Quantity)
	}
	if plan.TP.Reason != ErrAmountTooSmall.Error() {
		t.Errorf("unexpected reason %q", plan.TP.Reason)
	}
}

func TestPlan_FlatUsesBook(t *testing.T) {
	b := NewPlanBuilder(ethInstrument(t, "20"), "AF")
	in := PlanInput{Side: strategy.SideLong, Reference: 2000, Bid: 1999.5, Ask: 1999.6, Params: baseParams()}

	plan := b.Build(in)
	if !plan.Flat {
		t.Fatal("expected flat plan")
	}
	if plan.Add.Price != 1999.5 {
		t.Errorf("flat long add should rest at bid, got %v", plan.Add.Price)
	}
	if !plan.TP.Omitted || plan.TP.Reason != "flat" {
		t.Errorf("flat plan must not carry a tp leg: %+v", plan.TP)
	}

	in.Side = strategy.SideShort
	plan = b.Build(in)
	if plan.Add.Price != 1999.6 {
		t.Errorf("flat short add should rest at ask, got %v", plan.Add.Price)
	}
}

func TestPlan_PendingOverride(t *testing.T) {
	b := NewPlanBuilder(ethInstrument(t, "20"), "AF")
	in := PlanInput{
		Side:          strategy.SideLong,
		Reference:     2000,
		Bid:           1999.5,
		Params:        baseParams(),
		ConfigVersion: 5,
		Pending:       PendingEntry{Enabled: true, Price: 1950},
	}

	plan := b.Build(in)
	if plan.Add.Role != RolePending {
		t.Fatalf("expected pending leg, got %s", plan.Add.Role)
	}
	if plan.Add.Price != 1950 || plan.Add.Notional != 40 {
		t.Errorf("pending leg price=%v notional=%v", plan.Add.Price, plan.Add.Notional)
	}
	if plan.Add.Key != PendingKey(strategy.SideLong, 1950) {
		t.Error("pending leg must use the pending key")
	}
	if plan.Add.ClientID[:4] != "AFLP" {
		t.Errorf("unexpected pending client id %s", plan.Add.ClientID)
	}

	// a config bump does not move the pending order
	in.ConfigVersion = 6
	if again := b.Build(in); again.Add.ClientID != plan.Add.ClientID {
		t.Error("pending client id changed across config versions")
	}

	// once in position the pending override no longer applies
	in.Position = 0.05
	if inPos := b.Build(in); inPos.Add.Role != RoleAdd {
		t.Errorf("expected regular add leg in position, got %s", inPos.Add.Role)
	}
}

func TestPlan_KeysFollowStage(t *testing.T) {
	b := NewPlanBuilder(ethInstrument(t, "20"), "AF")
	in := PlanInput{Side: strategy.SideLong, Reference: 2000, Position: 0.1, Params: baseParams(), ConfigVersion: 1}

	first := b.Build(in)
	in.Stage = 1
	in.Params = strategy.Stage{AddSpacing: 0.005, AddNotional: 60, TPSpacing: 0.003, TPNotional: 60}
	second := b.Build(in)

	if first.Add.Key == second.Add.Key || first.TP.Key == second.TP.Key {
		t.Error("stage change must change keys")
	}
	if second.Add.Price != 1990.0 {
		t.Errorf("stage 1 add price = %v, want 1990", second.Add.Price)
	}
}

func TestPlan_NoReference(t *testing.T) {
	b := NewPlanBuilder(ethInstrument(t, "20"), "AF")
	plan := b.Build(PlanInput{Side: strategy.SideLong, Position: 0.1, Params: baseParams()})
	if !plan.Add.Omitted || !plan.TP.Omitted {
		t.Error("legs without a reference price must be omitted")
	}
}
