// Package reset refills every account's daily allowance once per calendar day
// in the reference timezone. Each account carries a last-reset date, so a
// tick that runs twice on the same day changes nothing the second time.
package reset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"levergame/internal/game"
	"levergame/internal/ledger"
	"levergame/internal/referral"
	"levergame/internal/store"
)

const (
	LockName = "levergame:daily-reset"

	reasonReset = "daily_reset"
	reasonFloor = "daily_reset_floor"
)

type Result struct {
	Date      string    `json:"date"`
	StartedAt time.Time `json:"started_at"`
	Processed int       `json:"processed"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	// Locked is set when another tick held the lock and this one did nothing.
	Locked bool `json:"locked"`
}

type Scheduler struct {
	repo      store.Repository
	ledger    *ledger.Service
	referrals *referral.Service
	loc       *time.Location
	log       *slog.Logger
}

func NewScheduler(repo store.Repository, tokens *ledger.Service, referrals *referral.Service, loc *time.Location, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{repo: repo, ledger: tokens, referrals: referrals, loc: loc, log: logger}
}

func (s *Scheduler) Location() *time.Location {
	return s.loc
}

// Tick resets every account whose last reset happened before today's date in
// the reference timezone. Only one tick runs at a time; a concurrent call
// returns with Locked set.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (Result, error) {
	day := game.CalendarDay(now, s.loc)
	res := Result{Date: day.Format(time.DateOnly), StartedAt: now.UTC()}

	var failures []error
	ran, err := s.repo.TryWithLock(ctx, LockName, func(ctx context.Context) error {
		var due []string
		err := s.repo.InTx(ctx, func(tx store.Tx) error {
			var err error
			due, err = tx.ListAccountsDue(ctx, day)
			return err
		})
		if err != nil {
			return fmt.Errorf("list accounts due: %w", err)
		}

		for _, userID := range due {
			if err := ctx.Err(); err != nil {
				return err
			}
			applied, err := s.resetAccount(ctx, userID, day, now)
			switch {
			case err != nil:
				res.Failed++
				failures = append(failures, fmt.Errorf("reset %s: %w", userID, err))
				s.log.Error("daily reset failed", "user_id", userID, "err", err)
			case applied:
				res.Processed++
			default:
				res.Skipped++
			}
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	if !ran {
		res.Locked = true
		s.log.Info("daily reset already running", "date", res.Date)
		return res, nil
	}

	s.log.Info("daily reset complete", "date", res.Date, "processed", res.Processed, "skipped", res.Skipped, "failed", res.Failed)
	return res, errors.Join(failures...)
}

// resetAccount re-checks the watermark under the row lock and reports whether
// the account was reset.
func (s *Scheduler) resetAccount(ctx context.Context, userID string, day, now time.Time) (bool, error) {
	var applied bool
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		applied = false
		acc, err := tx.GetAccount(ctx, userID, true)
		if err != nil {
			return err
		}
		if !acc.LastResetDate.Before(day) {
			return nil
		}

		bonus, err := s.referrals.BonusCountTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		limit := game.DailyRetryLimit(bonus)
		meta := map[string]any{"date": day.Format(time.DateOnly), "bonus_count": bonus, "daily_limit": limit}

		switch delta := limit - acc.RetryTokens; {
		case delta > 0:
			_, err = s.ledger.CreditTx(ctx, tx, userID, delta, reasonReset, meta)
		case delta < 0:
			_, err = s.ledger.DebitTx(ctx, tx, userID, -delta, reasonReset, meta)
		}
		if err != nil {
			return err
		}
		if acc.Balance.LessThan(game.StarterBalance) {
			floor := game.StarterBalance.Sub(acc.Balance)
			if _, _, err := s.ledger.AdjustBalanceTx(ctx, tx, userID, floor, reasonFloor, meta); err != nil {
				return err
			}
		}

		acc, err = tx.GetAccount(ctx, userID, true)
		if err != nil {
			return err
		}
		acc.NextDayUses = 0
		acc.LastResetDate = day
		acc.UpdatedAt = now.UTC()
		if err := tx.UpdateAccount(ctx, acc); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}
