package domain

import (
	"errors"
	"testing"
	"time"
)

func TestParseTimeframe(t *testing.T) {
	tests := []struct {
		name string
		want Timeframe
		ok   bool
	}{
		{"M1", TimeframeM1, true},
		{"h1", TimeframeH1, true},
		{"H4", TimeframeH4, true},
		{"MN1", TimeframeMN1, true},
		{"H2", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseTimeframe(tt.name)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseTimeframe(%q) = %v, %v, want %v, %v", tt.name, got, ok, tt.want, tt.ok)
		}
	}
}

func TestTimeframeStringRoundTrip(t *testing.T) {
	for name, tf := range timeframeNames {
		if got := tf.String(); got != name {
			t.Errorf("Timeframe(%d).String() = %q, want %q", int(tf), got, name)
		}
		if tf.Duration() <= 0 {
			t.Errorf("Timeframe %s has no duration", name)
		}
	}
	if got := TimeframeD1.Duration(); got != 24*time.Hour {
		t.Errorf("D1 duration = %v, want 24h", got)
	}
}

func TestOrderSide(t *testing.T) {
	side, ok := ParseOrderSide("SELL")
	if !ok || side != OrderSell {
		t.Fatalf("ParseOrderSide(SELL) = %v, %v", side, ok)
	}
	if side.Opposite() != OrderBuy {
		t.Errorf("Opposite(SELL) = %v, want BUY", side.Opposite())
	}
	if _, ok := ParseOrderSide("hold"); ok {
		t.Error("ParseOrderSide(hold) should fail")
	}
}

func TestParseAccountType(t *testing.T) {
	if got := ParseAccountType("LIVE"); got != AccountLive {
		t.Errorf("ParseAccountType(LIVE) = %q, want live", got)
	}
	if got := ParseAccountType(""); got != AccountDemo {
		t.Errorf("ParseAccountType(\"\") = %q, want demo", got)
	}
}

func TestInvalidf(t *testing.T) {
	err := Invalidf("bars must be between %d and %d", 1, 10000)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Invalidf should wrap ErrInvalidArgument: %v", err)
	}
	want := "invalid argument: bars must be between 1 and 10000"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
