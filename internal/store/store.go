// Package store persists accounts, ledger entries, referrals and game sessions.
// Every mutation runs inside Repository.InTx; callers must make the callback safe
// to run more than once because serialization conflicts are retried.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"levergame/internal/game"
)

// ErrConflict reports a uniqueness collision on insert.
var ErrConflict = errors.New("store: conflict")

// checkAmount rejects money values outside the range every backend can store.
func checkAmount(what string, v decimal.Decimal) error {
	if v.Abs().GreaterThan(game.MaxBalance) {
		return fmt.Errorf("%w: %s %s exceeds %s", game.ErrInvalidInput, what, v.StringFixed(2), game.MaxBalance.StringFixed(0))
	}
	return nil
}

type Repository interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	// TryWithLock runs fn while holding the named lock. It returns false without
	// running fn when another holder has the lock.
	TryWithLock(ctx context.Context, name string, fn func(ctx context.Context) error) (bool, error)
}

type Tx interface {
	Accounts
	Ledger
	Referrals
	Sessions
}

type Accounts interface {
	GetAccount(ctx context.Context, userID string, forUpdate bool) (game.Account, error)
	InsertAccount(ctx context.Context, acc game.Account) (bool, error)
	UpdateAccount(ctx context.Context, acc game.Account) error
	// ListAccountsDue returns the users whose last reset date is before day.
	ListAccountsDue(ctx context.Context, day time.Time) ([]string, error)
}

type Ledger interface {
	AppendEntry(ctx context.Context, e game.LedgerEntry) error
	ListEntries(ctx context.Context, userID string, limit int) ([]game.LedgerEntry, error)
}

type Referrals interface {
	GetCodeByUser(ctx context.Context, userID string) (game.ReferralCode, error)
	GetCodeByCode(ctx context.Context, code string) (game.ReferralCode, error)
	InsertCode(ctx context.Context, rc game.ReferralCode) error
	GetReferralByReferee(ctx context.Context, refereeID string) (game.Referral, error)
	InsertReferral(ctx context.Context, r game.Referral) error
	// CountReferrals counts referrals made by userID at or after since.
	CountReferrals(ctx context.Context, userID string, since time.Time) (int, error)
	// CountBonus counts relationships where userID is either referrer or referee.
	CountBonus(ctx context.Context, userID string) (int, error)
}

type Sessions interface {
	GetSession(ctx context.Context, id string, forUpdate bool) (game.Session, error)
	LatestSession(ctx context.Context, userID string, forUpdate bool) (game.Session, error)
	InsertSession(ctx context.Context, s game.Session) error
	UpdateSession(ctx context.Context, s game.Session) error
	ListSessions(ctx context.Context, userID string, limit int) ([]game.Session, error)
}
