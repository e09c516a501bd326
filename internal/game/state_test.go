package game

import (
	"math"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlatSession(closes ...float64) *Session {
	candles := make([]Candle, len(closes))
	for i, c := range closes {
		candles[i] = Candle{Time: time.Date(2024, 1, i+1, 0, 0, 0, 0, time.UTC), Open: c, High: c, Low: c, Close: c}
	}
	return &Session{
		ID:            "s-1",
		UserID:        "u-1",
		Symbol:        "BTCUSDT",
		Status:        StatusActiveFlat,
		MaxCandles:    len(candles),
		RevealCandles: candles,
	}
}

func TestSession_LongLiquidationScenario(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newFlatSession(100, 95, 89)

	require.NoError(t, s.Enter(SideLong, 10, 50, 100, 500, now))
	assert.Equal(t, StatusActivePositioned, s.Status)
	assert.InDelta(t, 90, s.LiquidationPrice, tolerance)

	liquidated, err := s.Reveal(0, 100, now)
	require.NoError(t, err)
	assert.False(t, liquidated)

	liquidated, err = s.Reveal(1, 95, now)
	require.NoError(t, err)
	assert.False(t, liquidated)

	liquidated, err = s.Reveal(2, 89, now)
	require.NoError(t, err)
	assert.True(t, liquidated)

	assert.Equal(t, StatusLiquidated, s.Status)
	require.NotNil(t, s.PnL)
	require.NotNil(t, s.ROI)
	assert.InDelta(t, -500, *s.PnL, tolerance)
	assert.InDelta(t, -100, *s.ROI, tolerance)
	assert.Equal(t, 3, s.CandleIndex)
	assert.Equal(t, 3, s.NextDayUsesConsumed)
	require.NotNil(t, s.CompletedAt)
}

func TestSession_ShortLiquidatesAtOrAbove(t *testing.T) {
	now := time.Now()
	s := newFlatSession(105, 110)
	require.NoError(t, s.Enter(SideShort, 10, 100, 100, 1, now))
	assert.InDelta(t, 110, s.LiquidationPrice, tolerance)

	liquidated, err := s.Reveal(0, 0, now)
	require.NoError(t, err)
	assert.False(t, liquidated)

	// price 0 falls back to the revealed candle close (110)
	liquidated, err = s.Reveal(1, 0, now)
	require.NoError(t, err)
	assert.True(t, liquidated)
	assert.InDelta(t, 110, *s.ExitPrice, tolerance)
}

func TestSession_LiquidationPriceIsImmutable(t *testing.T) {
	now := time.Now()
	s := newFlatSession(100, 100)
	require.NoError(t, s.Enter(SideLong, 4, 10, 100, 1, now))
	liq := s.LiquidationPrice

	_, err := s.Reveal(0, 120, now)
	require.NoError(t, err)
	assert.Equal(t, liq, s.LiquidationPrice)

	err = s.Enter(SideShort, 2, 10, 200, 1, now)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, liq, s.LiquidationPrice)
	assert.Equal(t, SideLong, s.Side)
}

func TestSession_EnterValidation(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name     string
		side     Side
		leverage int
		percent  int
		price    float64
		size     float64
		want     error
	}{
		{"leverage zero", SideLong, 0, 10, 100, 1, ErrInvalidInput},
		{"leverage too high", SideLong, 101, 10, 100, 1, ErrInvalidInput},
		{"percent zero", SideShort, 5, 0, 100, 1, ErrInvalidInput},
		{"percent too high", SideShort, 5, 101, 100, 1, ErrInvalidInput},
		{"price zero", SideLong, 5, 10, 0, 1, ErrInvalidInput},
		{"bad side", Side("UP"), 5, 10, 100, 1, ErrInvalidInput},
		{"no capital", SideLong, 5, 10, 100, 0, ErrInsufficientHolding},
		{"price infinite", SideLong, 5, 10, math.Inf(1), 1, ErrInvalidInput},
		{"size infinite", SideLong, 5, 10, 100, math.Inf(1), ErrInvalidInput},
		{"liquidation price overflows", SideShort, 1, 10, 1e308, 1, ErrInvalidInput},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newFlatSession(1)
			err := s.Enter(tc.side, tc.leverage, tc.percent, tc.price, tc.size, now)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, StatusActiveFlat, s.Status)
			assert.Zero(t, s.LiquidationPrice)
		})
	}
}

func TestSession_CloseIsProtectiveOnTerminal(t *testing.T) {
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	later := now.Add(time.Hour)
	s := newFlatSession(50)
	require.NoError(t, s.Enter(SideShort, 5, 100, 50, 100, now))
	require.NoError(t, s.Close(45, now))

	assert.Equal(t, StatusClosed, s.Status)
	assert.InDelta(t, 2500, *s.PnL, tolerance)
	assert.InDelta(t, 2500, *s.ROI, tolerance)

	snapshot := *s
	pnl, roi, exit := *s.PnL, *s.ROI, *s.ExitPrice
	for i := 0; i < 3; i++ {
		err := s.Close(10, later)
		assert.ErrorIs(t, err, ErrInvalidState)
	}
	assert.Equal(t, snapshot.Status, s.Status)
	assert.Equal(t, snapshot.UpdatedAt, s.UpdatedAt)
	assert.Equal(t, pnl, *s.PnL)
	assert.Equal(t, roi, *s.ROI)
	assert.Equal(t, exit, *s.ExitPrice)
	assert.Equal(t, now, *s.CompletedAt)
}

func TestSession_CloseRequiresPosition(t *testing.T) {
	s := newFlatSession(1)
	assert.ErrorIs(t, s.Close(10, time.Now()), ErrInvalidState)
	assert.Equal(t, StatusActiveFlat, s.Status)
}

func TestSession_CloseRejectsOutOfRangeExit(t *testing.T) {
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for _, exit := range []float64{1e306, math.Inf(1), math.NaN(), 1e11} {
		s := newFlatSession(100)
		require.NoError(t, s.Enter(SideLong, 100, 100, 100, 1000, now))
		before := *s

		err := s.Close(exit, now.Add(time.Hour))
		assert.ErrorIs(t, err, ErrInvalidInput, "exit %g", exit)
		assert.Equal(t, before, *s, "exit %g", exit)
		assert.Nil(t, s.PnL)
	}

	s := newFlatSession(100)
	require.NoError(t, s.Enter(SideLong, 100, 100, 100, 1000, now))
	require.NoError(t, s.Close(1e7, now))
	assert.LessOrEqual(t, math.Abs(*s.PnL), MaxPnL)
}

func TestSession_RevealRejectsNonFinitePrice(t *testing.T) {
	now := time.Now()
	s := newFlatSession(100, 100)
	require.NoError(t, s.Enter(SideShort, 10, 50, 100, 500, now))
	for _, price := range []float64{math.Inf(1), math.Inf(-1), math.NaN()} {
		_, err := s.Reveal(0, price, now)
		assert.ErrorIs(t, err, ErrInvalidInput)
	}
	assert.Equal(t, 0, s.CandleIndex)
	assert.Equal(t, StatusActivePositioned, s.Status)
}

func TestSession_RevealGuards(t *testing.T) {
	now := time.Now()

	t.Run("stale index", func(t *testing.T) {
		s := newFlatSession(1, 2)
		_, err := s.Reveal(1, 5, now)
		assert.ErrorIs(t, err, ErrInvalidState)
		assert.Equal(t, 0, s.CandleIndex)
	})

	t.Run("out of candles", func(t *testing.T) {
		s := newFlatSession(1)
		_, err := s.Reveal(0, 5, now)
		require.NoError(t, err)
		_, err = s.Reveal(1, 5, now)
		assert.ErrorIs(t, err, ErrLimitExceeded)
		assert.Equal(t, 1, s.CandleIndex)
	})

	t.Run("terminal", func(t *testing.T) {
		s := newFlatSession(1, 2)
		require.NoError(t, s.Enter(SideLong, 2, 10, 10, 1, now))
		require.NoError(t, s.Close(11, now))
		_, err := s.Reveal(0, 5, now)
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("flat session never liquidates", func(t *testing.T) {
		s := newFlatSession(0.0001)
		liquidated, err := s.Reveal(0, 0.0001, now)
		require.NoError(t, err)
		assert.False(t, liquidated)
		assert.Equal(t, StatusActiveFlat, s.Status)
	})
}

func TestCalendarDayAndMonthStart(t *testing.T) {
	seoul, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)

	// 2024-01-31 16:30 UTC is 2024-02-01 01:30 in Seoul.
	instant := time.Date(2024, 1, 31, 16, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), CalendarDay(instant, seoul))
	assert.Equal(t, time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC), CalendarDay(instant, time.UTC))

	start := MonthStart(instant, seoul)
	assert.Equal(t, time.Date(2024, 1, 31, 15, 0, 0, 0, time.UTC), start.UTC())
}
