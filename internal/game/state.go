package game

import (
	"fmt"
	"math"
	"time"
)

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Enter opens a position on a flat session. The liquidation price is fixed here
// and never recomputed.
func (s *Session) Enter(side Side, leverage, positionPercent int, entryPrice, size float64, now time.Time) error {
	if s.Status != StatusActiveFlat {
		return fmt.Errorf("%w: session is %s, want %s", ErrInvalidState, s.Status, StatusActiveFlat)
	}
	if side != SideLong && side != SideShort {
		return fmt.Errorf("%w: side must be LONG or SHORT", ErrInvalidInput)
	}
	if err := ValidateEntry(leverage, positionPercent, entryPrice); err != nil {
		return err
	}
	if !(size > 0) {
		return fmt.Errorf("%w: no capital to commit", ErrInsufficientHolding)
	}
	if !finite(size) {
		return fmt.Errorf("%w: position size is not finite", ErrInvalidInput)
	}
	liq := LiquidationPrice(side, entryPrice, leverage)
	if !finite(liq) {
		return fmt.Errorf("%w: entry price %g is out of range", ErrInvalidInput, entryPrice)
	}
	s.Side = side
	s.Leverage = leverage
	s.PositionPercent = positionPercent
	s.EntryPrice = entryPrice
	s.PositionSize = size
	s.LiquidationPrice = liq
	s.Status = StatusActivePositioned
	s.UpdatedAt = now
	return nil
}

// Reveal advances the session one candle. A non-positive price means the close
// of the newly revealed candle. It reports whether the step liquidated the position.
func (s *Session) Reveal(currentIndex int, price float64, now time.Time) (bool, error) {
	if s.Status.Terminal() {
		return false, fmt.Errorf("%w: session is %s", ErrInvalidState, s.Status)
	}
	if currentIndex != s.CandleIndex {
		return false, fmt.Errorf("%w: candle index %d is stale, session is at %d", ErrInvalidState, currentIndex, s.CandleIndex)
	}
	if s.CandleIndex >= s.MaxCandles {
		return false, fmt.Errorf("%w: no candles left to reveal", ErrLimitExceeded)
	}
	if !finite(price) {
		return false, fmt.Errorf("%w: price is not finite", ErrInvalidInput)
	}
	if price <= 0 {
		if s.CandleIndex >= len(s.RevealCandles) {
			return false, fmt.Errorf("%w: price must be > 0", ErrInvalidInput)
		}
		price = s.RevealCandles[s.CandleIndex].Close
	}

	s.CandleIndex++
	s.NextDayUsesConsumed++
	s.UpdatedAt = now

	if s.Status == StatusActivePositioned && Crossed(s.Side, price, s.LiquidationPrice) {
		s.finish(StatusLiquidated, price, -s.PositionSize, -100, now)
		return true, nil
	}
	return false, nil
}

// Close settles an open position at exitPrice. Prices whose PnL would not fit
// in MaxPnL are rejected and leave the session untouched.
func (s *Session) Close(exitPrice float64, now time.Time) error {
	if s.Status != StatusActivePositioned {
		return fmt.Errorf("%w: session is %s, want %s", ErrInvalidState, s.Status, StatusActivePositioned)
	}
	if !(exitPrice > 0) || !finite(exitPrice) {
		return fmt.Errorf("%w: exit price must be a finite number > 0", ErrInvalidInput)
	}
	pnl := PnL(s.Side, s.EntryPrice, exitPrice, s.PositionSize, s.Leverage)
	if !finite(pnl) || math.Abs(pnl) > MaxPnL {
		return fmt.Errorf("%w: exit price %g is out of range", ErrInvalidInput, exitPrice)
	}
	s.finish(StatusClosed, exitPrice, pnl, ROI(pnl, s.PositionSize), now)
	return nil
}

func (s *Session) finish(status Status, exitPrice, pnl, roi float64, now time.Time) {
	s.Status = status
	s.ExitPrice = &exitPrice
	s.PnL = &pnl
	s.ROI = &roi
	s.CompletedAt = &now
	s.UpdatedAt = now
}
