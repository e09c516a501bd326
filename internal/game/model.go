package game

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	StarterRetryTokens = 15
	ReferralBonus      = 3
	MinLeverage        = 1
	MaxLeverage        = 100
	MinPositionPercent = 1
	MaxPositionPercent = 100
)

// MaxPnL bounds the profit or loss a single close may settle.
const MaxPnL = 1e12

// MaxBalance is the largest play-money balance an account can hold. Ledger
// amounts are stored as NUMERIC(18,2), which tops out just under 1e16.
var MaxBalance = decimal.New(1, 15)

// StarterBalance is both the default play-money balance and the daily floor.
var StarterBalance = decimal.NewFromInt(1000)

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrNotFound            = errors.New("not found")
	ErrInvalidState        = errors.New("invalid state")
	ErrInsufficientTokens  = errors.New("insufficient tokens")
	ErrInsufficientHolding = errors.New("insufficient holding")
	ErrSelfReferral        = errors.New("cannot use your own referral code")
	ErrAlreadyReferred     = errors.New("already referred")
	ErrLimitExceeded       = errors.New("limit exceeded")
	ErrRateLimited         = errors.New("rate limited")
	ErrTxConflict          = errors.New("transaction conflict, retry")
)

var symbolRE = regexp.MustCompile(`^[A-Z0-9]{2,20}$`)

func NormalizeSymbol(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if !symbolRE.MatchString(s) {
		return "", fmt.Errorf("%w: symbol must be 2-20 letters or digits", ErrInvalidInput)
	}
	return s, nil
}

func ParseSide(side string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(side))) {
	case SideLong:
		return SideLong, nil
	case SideShort:
		return SideShort, nil
	default:
		return "", fmt.Errorf("%w: side must be LONG or SHORT", ErrInvalidInput)
	}
}

func ValidateEntry(leverage, positionPercent int, entryPrice float64) error {
	if leverage < MinLeverage || leverage > MaxLeverage {
		return fmt.Errorf("%w: leverage must be %d-%d", ErrInvalidInput, MinLeverage, MaxLeverage)
	}
	if positionPercent < MinPositionPercent || positionPercent > MaxPositionPercent {
		return fmt.Errorf("%w: position percentage must be %d-%d", ErrInvalidInput, MinPositionPercent, MaxPositionPercent)
	}
	if !(entryPrice > 0) || math.IsInf(entryPrice, 0) {
		return fmt.Errorf("%w: entry price must be > 0", ErrInvalidInput)
	}
	return nil
}

// LiquidationPrice is the price at which a position loses all committed capital.
func LiquidationPrice(side Side, entryPrice float64, leverage int) float64 {
	step := 1 / float64(leverage)
	if side == SideShort {
		return entryPrice * (1 + step)
	}
	return entryPrice * (1 - step)
}

func Crossed(side Side, price, liquidationPrice float64) bool {
	if side == SideShort {
		return price >= liquidationPrice
	}
	return price <= liquidationPrice
}

func PnL(side Side, entryPrice, exitPrice, size float64, leverage int) float64 {
	if side == SideShort {
		return (entryPrice - exitPrice) * size * float64(leverage)
	}
	return (exitPrice - entryPrice) * size * float64(leverage)
}

func ROI(pnl, size float64) float64 {
	if size == 0 {
		return 0
	}
	return pnl / size * 100
}

// CommittedCapital is the share of the balance backing a position.
func CommittedCapital(balance decimal.Decimal, positionPercent int) decimal.Decimal {
	return balance.Mul(decimal.NewFromInt(int64(positionPercent))).Div(decimal.NewFromInt(100)).Round(2)
}

func DailyRetryLimit(bonusCount int) int {
	return StarterRetryTokens + ReferralBonus*bonusCount
}
