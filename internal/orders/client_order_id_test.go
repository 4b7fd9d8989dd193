package orders

import (
	"errors"
	"strings"
	"testing"

	"gridbot/internal/strategy"
)

// ============================================================================
// LEG KEY TESTS
// ============================================================================

func TestLegKey_Deterministic(t *testing.T) {
	a := LegKey(3, strategy.SideLong, RoleAdd, 1, 0.005, 60)
	b := LegKey(3, strategy.SideLong, RoleAdd, 1, 0.005, 60)
	if a != b {
		t.Fatalf("expected identical keys, got %s and %s", a, b)
	}
	if len(a) != 32 {
		t.Errorf("expected 32 hex chars, got %d", len(a))
	}
}

func TestLegKey_SensitiveToEveryInput(t *testing.T) {
	base := LegKey(3, strategy.SideLong, RoleAdd, 1, 0.005, 60)

	variants := map[string]string{
		"version":  LegKey(4, strategy.SideLong, RoleAdd, 1, 0.005, 60),
		"side":     LegKey(3, strategy.SideShort, RoleAdd, 1, 0.005, 60),
		"role":     LegKey(3, strategy.SideLong, RoleTakeProfit, 1, 0.005, 60),
		"stage":    LegKey(3, strategy.SideLong, RoleAdd, 2, 0.005, 60),
		"spacing":  LegKey(3, strategy.SideLong, RoleAdd, 1, 0.00500001, 60),
		"notional": LegKey(3, strategy.SideLong, RoleAdd, 1, 0.005, 60.0001),
	}
	for name, key := range variants {
		t.Run(name, func(t *testing.T) {
			if key == base {
				t.Errorf("changing %s did not change the key", name)
			}
		})
	}

	// below the formatting precision the key is stable
	if LegKey(3, strategy.SideLong, RoleAdd, 1, 0.005, 60.00001) != base {
		t.Error("notional change below 4 decimals should not change the key")
	}
}

func TestPendingKey_IgnoresVersion(t *testing.T) {
	a := PendingKey(strategy.SideLong, 1950)
	if a != PendingKey(strategy.SideLong, 1950) {
		t.Fatal("pending key not deterministic")
	}
	if a == PendingKey(strategy.SideShort, 1950) {
		t.Error("pending key should depend on side")
	}
	if a == PendingKey(strategy.SideLong, 1950.01) {
		t.Error("pending key should depend on price")
	}
}

// ============================================================================
// CLIENT ORDER ID TESTS
// ============================================================================

func TestClientOrderID_Format(t *testing.T) {
	key := LegKey(1, strategy.SideShort, RoleTakeProfit, 0, 0.003, 40)
	id, err := ClientOrderID("AF", strategy.SideShort, RoleTakeProfit, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "AFST" + key[:12]
	if id != want {
		t.Errorf("expected %s, got %s", want, id)
	}
	if err := ValidateClientOrderID(id); err != nil {
		t.Errorf("generated id failed validation: %v", err)
	}
}

func TestClientOrderID_Errors(t *testing.T) {
	if _, err := ClientOrderID("", strategy.SideLong, RoleAdd, "abc"); !errors.Is(err, ErrEmptyPrefix) {
		t.Errorf("expected ErrEmptyPrefix, got %v", err)
	}

	long := strings.Repeat("P", 30)
	if _, err := ClientOrderID(long, strategy.SideLong, RoleAdd, strings.Repeat("a", 32)); !errors.Is(err, ErrClientOrderIDTooLong) {
		t.Errorf("expected ErrClientOrderIDTooLong, got %v", err)
	}
}

func TestFallbackClientOrderID(t *testing.T) {
	a := FallbackClientOrderID("AF")
	b := FallbackClientOrderID("AF")
	if a == b {
		t.Error("fallback ids must be unique")
	}
	if !strings.HasPrefix(a, "AFX") {
		t.Errorf("expected AFX prefix, got %s", a)
	}
	if len(a) > MaxClientOrderIDLength {
		t.Errorf("fallback id too long: %d", len(a))
	}
	if !IsFallbackID("AF", a) {
		t.Errorf("%s should parse as fallback", a)
	}
}

func TestValidateClientOrderID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr error
	}{
		{"AFLA0123456789ab", nil},
		{"", ErrInvalidClientOrderID},
		{strings.Repeat("a", 37), ErrClientOrderIDTooLong},
		{"AF LA", ErrInvalidClientOrderID},
	}
	for _, tt := range tests {
		err := ValidateClientOrderID(tt.id)
		if tt.wantErr == nil && err != nil {
			t.Errorf("%q: unexpected error %v", tt.id, err)
		}
		if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
			t.Errorf("%q: expected %v, got %v", tt.id, tt.wantErr, err)
		}
	}
}

// ============================================================================
// PARSER TESTS
// ============================================================================

func TestParseClientOrderId(t *testing.T) {
	key := LegKey(7, strategy.SideLong, RoleAdd, 2, 0.008, 80)
	id, _ := ClientOrderID("GB1", strategy.SideLong, RoleAdd, key)

	parsed := ParseClientOrderId("GB1", id)
	if parsed == nil {
		t.Fatalf("expected %s to parse", id)
	}
	if parsed.Side != strategy.SideLong || parsed.Role != RoleAdd {
		t.Errorf("unexpected side/role: %s/%s", parsed.Side, parsed.Role)
	}
	if parsed.KeyPrefix != key[:12] {
		t.Errorf("expected key prefix %s, got %s", key[:12], parsed.KeyPrefix)
	}
	if !MatchesKey(id, key) {
		t.Error("id should match its key")
	}
	if MatchesKey(id, LegKey(8, strategy.SideLong, RoleAdd, 2, 0.008, 80)) {
		t.Error("id should not match a key from another version")
	}
}

func TestParseClientOrderId_Foreign(t *testing.T) {
	foreign := []string{
		"",
		"web_abcdef",
		"AFQA0123456789ab",  // bad side
		"AFLZ0123456789ab",  // bad role
		"AFLA0123456789",    // short key
		"AFLA0123456789xyz", // not hex
	}
	for _, id := range foreign {
		if ParseClientOrderId("AF", id) != nil {
			t.Errorf("%q should not parse", id)
		}
		if IsOwnOrder("AF", id) {
			t.Errorf("%q should not be own order", id)
		}
	}
}

func TestOrderSideMapping(t *testing.T) {
	cases := []struct {
		side   strategy.Side
		reduce bool
		want   string
	}{
		{strategy.SideLong, false, "BUY"},
		{strategy.SideLong, true, "SELL"},
		{strategy.SideShort, false, "SELL"},
		{strategy.SideShort, true, "BUY"},
	}
	for _, c := range cases {
		if got := OrderSide(c.side, c.reduce); got != c.want {
			t.Errorf("OrderSide(%s, %v) = %s, want %s", c.side, c.reduce, got, c.want)
		}
	}
}
