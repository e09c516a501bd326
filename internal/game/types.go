package game

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusActiveFlat       Status = "ACTIVE_FLAT"
	StatusActivePositioned Status = "ACTIVE_POSITIONED"
	StatusClosed           Status = "CLOSED"
	StatusLiquidated       Status = "LIQUIDATED"
)

func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusLiquidated
}

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

type Session struct {
	ID                  string     `json:"id"`
	UserID              string     `json:"user_id"`
	Symbol              string     `json:"symbol"`
	Status              Status     `json:"status"`
	Side                Side       `json:"side,omitempty"`
	EntryPrice          float64    `json:"entry_price"`
	Leverage            int        `json:"leverage"`
	PositionPercent     int        `json:"position_percentage"`
	PositionSize        float64    `json:"position_size"`
	LiquidationPrice    float64    `json:"liquidation_price"`
	CandleIndex         int        `json:"candle_index"`
	MaxCandles          int        `json:"max_candles"`
	NextDayUsesConsumed int        `json:"nextday_uses_consumed"`
	ExitPrice           *float64   `json:"exit_price,omitempty"`
	PnL                 *float64   `json:"pnl,omitempty"`
	ROI                 *float64   `json:"roi,omitempty"`
	PreviewCandles      []Candle   `json:"preview_candles"`
	RevealCandles       []Candle   `json:"-"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}

// Revealed returns the reveal candles the player has already seen.
func (s *Session) Revealed() []Candle {
	n := s.CandleIndex
	if n > len(s.RevealCandles) {
		n = len(s.RevealCandles)
	}
	return s.RevealCandles[:n]
}

type Account struct {
	UserID        string          `json:"user_id"`
	RetryTokens   int             `json:"retry_tokens"`
	Balance       decimal.Decimal `json:"balance"`
	NextDayUses   int             `json:"nextday_uses"`
	LastResetDate time.Time       `json:"last_reset_date"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type Asset string

const (
	AssetRetryToken Asset = "retry_token"
	AssetBalance    Asset = "balance"
)

type EntryKind string

const (
	KindEarn  EntryKind = "EARN"
	KindSpend EntryKind = "SPEND"
)

type LedgerEntry struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Asset     Asset           `json:"asset"`
	Delta     decimal.Decimal `json:"delta"`
	Kind      EntryKind       `json:"kind"`
	Reason    string          `json:"reason"`
	Meta      map[string]any  `json:"meta,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type ReferralCode struct {
	UserID    string    `json:"user_id"`
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"created_at"`
}

type Referral struct {
	ID         string    `json:"id"`
	ReferrerID string    `json:"referrer_id"`
	RefereeID  string    `json:"referee_id"`
	Code       string    `json:"code"`
	CreatedAt  time.Time `json:"created_at"`
}

type ReferralStats struct {
	TotalReferrals    int `json:"total_referrals"`
	TotalRewardTokens int `json:"total_reward_tokens"`
	MonthReferrals    int `json:"month_referrals"`
	MonthRewardTokens int `json:"month_reward_tokens"`
}

// CalendarDay truncates t to its calendar date in loc, expressed as UTC midnight.
func CalendarDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// MonthStart is the first instant of t's calendar month in loc.
func MonthStart(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, _ := t.In(loc).Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, loc)
}
