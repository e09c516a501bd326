package game

import (
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

const tolerance = 1e-6

func TestNormalizeSymbol(t *testing.T) {
	valid := map[string]string{"btcusdt": "BTCUSDT", " ETHUSDT ": "ETHUSDT", "SOL1": "SOL1"}
	for in, want := range valid {
		got, err := NormalizeSymbol(in)
		if err != nil {
			t.Fatalf("expected symbol %q to be valid: %v", in, err)
		}
		if got != want {
			t.Fatalf("symbol %q: got %q want %q", in, got, want)
		}
	}

	invalid := []string{"", "B", "BTC-USDT", "A_BCD1", "ABCDEFGHIJKLMNOPQRSTU"}
	for _, s := range invalid {
		if _, err := NormalizeSymbol(s); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected symbol %q to fail with invalid input, got %v", s, err)
		}
	}
}

func TestLiquidationPriceBounds(t *testing.T) {
	prices := []float64{0.0001, 1, 42.5, 100, 65_000}
	for _, p := range prices {
		for l := MinLeverage; l <= MaxLeverage; l++ {
			long := LiquidationPrice(SideLong, p, l)
			short := LiquidationPrice(SideShort, p, l)
			if long > p {
				t.Fatalf("long liq %f above entry %f at leverage %d", long, p, l)
			}
			if short < p {
				t.Fatalf("short liq %f below entry %f at leverage %d", short, p, l)
			}
			if math.Abs(long-p*(1-1/float64(l))) > tolerance {
				t.Fatalf("long liq formula mismatch at p=%f l=%d", p, l)
			}
			if math.Abs(short-p*(1+1/float64(l))) > tolerance {
				t.Fatalf("short liq formula mismatch at p=%f l=%d", p, l)
			}
		}
	}
	if got := LiquidationPrice(SideLong, 100, 1); got != 0 {
		t.Fatalf("leverage 1 long liq: got %f want 0", got)
	}
	if got := LiquidationPrice(SideLong, 100, 10); math.Abs(got-90) > tolerance {
		t.Fatalf("leverage 10 long liq: got %f want 90", got)
	}
}

func TestPnLAndROI(t *testing.T) {
	tests := []struct {
		name     string
		side     Side
		entry    float64
		exit     float64
		size     float64
		leverage int
		wantPnL  float64
		wantROI  float64
	}{
		{name: "short scenario", side: SideShort, entry: 50, exit: 45, size: 100, leverage: 5, wantPnL: 2500, wantROI: 2500},
		{name: "long gain", side: SideLong, entry: 100, exit: 110, size: 2, leverage: 3, wantPnL: 60, wantROI: 3000},
		{name: "long loss", side: SideLong, entry: 100, exit: 99.5, size: 10, leverage: 1, wantPnL: -5, wantROI: -50},
		{name: "short loss", side: SideShort, entry: 10, exit: 12, size: 0.5, leverage: 20, wantPnL: -20, wantROI: -4000},
		{name: "flat", side: SideLong, entry: 7, exit: 7, size: 1, leverage: 100, wantPnL: 0, wantROI: 0},
	}
	for _, tc := range tests {
		pnl := PnL(tc.side, tc.entry, tc.exit, tc.size, tc.leverage)
		if math.Abs(pnl-tc.wantPnL) > tolerance {
			t.Fatalf("%s: pnl got %f want %f", tc.name, pnl, tc.wantPnL)
		}
		roi := ROI(pnl, tc.size)
		if math.Abs(roi-tc.wantROI) > tolerance {
			t.Fatalf("%s: roi got %f want %f", tc.name, roi, tc.wantROI)
		}
	}
}

func TestValidateEntry(t *testing.T) {
	if err := ValidateEntry(10, 50, 100); err != nil {
		t.Fatalf("expected valid entry: %v", err)
	}
	bad := []struct {
		leverage, percent int
		price             float64
	}{
		{0, 50, 100}, {101, 50, 100}, {10, 0, 100}, {10, 101, 100}, {10, 50, 0}, {10, 50, -1}, {10, 50, math.NaN()},
	}
	for _, b := range bad {
		if err := ValidateEntry(b.leverage, b.percent, b.price); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("leverage=%d percent=%d price=%f: expected invalid input, got %v", b.leverage, b.percent, b.price, err)
		}
	}
}

func TestCommittedCapital(t *testing.T) {
	got := CommittedCapital(decimal.NewFromInt(1000), 25)
	if !got.Equal(decimal.NewFromInt(250)) {
		t.Fatalf("got %s want 250", got)
	}
	got = CommittedCapital(decimal.RequireFromString("33.33"), 50)
	if !got.Equal(decimal.RequireFromString("16.67")) {
		t.Fatalf("got %s want 16.67", got)
	}
}

func TestDailyRetryLimit(t *testing.T) {
	if got := DailyRetryLimit(0); got != 15 {
		t.Fatalf("got %d want 15", got)
	}
	if got := DailyRetryLimit(4); got != 27 {
		t.Fatalf("got %d want 27", got)
	}
}
