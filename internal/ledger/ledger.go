// Package ledger owns retry tokens and the play-money balance. Every change
// appends exactly one audit entry in the same transaction as the account write.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"levergame/internal/game"
	"levergame/internal/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

type Service struct {
	repo store.Repository
	log  *slog.Logger
	loc  *time.Location
	now  func() time.Time
}

type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLocation sets the reference timezone used to stamp new accounts' reset date.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func NewService(repo store.Repository, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{repo: repo, log: logger, loc: time.UTC, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) GetOrInitAccount(ctx context.Context, userID string) (game.Account, error) {
	var acc game.Account
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		var err error
		acc, err = s.GetOrInitAccountTx(ctx, tx, userID)
		return err
	})
	return acc, err
}

// GetOrInitAccountTx loads the account row locked for update, creating it with
// starter values on first touch.
func (s *Service) GetOrInitAccountTx(ctx context.Context, tx store.Tx, userID string) (game.Account, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return game.Account{}, fmt.Errorf("%w: user id is required", game.ErrInvalidInput)
	}
	acc, err := tx.GetAccount(ctx, userID, true)
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, game.ErrNotFound) {
		return acc, err
	}

	now := s.now().UTC()
	fresh := game.Account{
		UserID:        userID,
		RetryTokens:   game.StarterRetryTokens,
		Balance:       game.StarterBalance,
		LastResetDate: game.CalendarDay(now, s.loc),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	inserted, err := tx.InsertAccount(ctx, fresh)
	if err != nil {
		return acc, err
	}
	if inserted {
		s.log.Info("token account created", "user_id", userID)
	}
	return tx.GetAccount(ctx, userID, true)
}

func (s *Service) Credit(ctx context.Context, userID string, amount int, reason string, meta map[string]any) (game.Account, error) {
	var acc game.Account
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		var err error
		acc, err = s.CreditTx(ctx, tx, userID, amount, reason, meta)
		return err
	})
	return acc, err
}

func (s *Service) Debit(ctx context.Context, userID string, amount int, reason string, meta map[string]any) (game.Account, error) {
	var acc game.Account
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		var err error
		acc, err = s.DebitTx(ctx, tx, userID, amount, reason, meta)
		return err
	})
	return acc, err
}

func (s *Service) CreditTx(ctx context.Context, tx store.Tx, userID string, amount int, reason string, meta map[string]any) (game.Account, error) {
	return s.moveTokens(ctx, tx, userID, amount, game.KindEarn, reason, meta)
}

// DebitTx fails with ErrInsufficientTokens before any write when the account
// holds fewer than amount tokens.
func (s *Service) DebitTx(ctx context.Context, tx store.Tx, userID string, amount int, reason string, meta map[string]any) (game.Account, error) {
	return s.moveTokens(ctx, tx, userID, amount, game.KindSpend, reason, meta)
}

func (s *Service) moveTokens(ctx context.Context, tx store.Tx, userID string, amount int, kind game.EntryKind, reason string, meta map[string]any) (game.Account, error) {
	if amount <= 0 {
		return game.Account{}, fmt.Errorf("%w: amount must be > 0", game.ErrInvalidInput)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return game.Account{}, fmt.Errorf("%w: reason is required", game.ErrInvalidInput)
	}
	acc, err := s.GetOrInitAccountTx(ctx, tx, userID)
	if err != nil {
		return acc, err
	}

	delta := amount
	if kind == game.KindSpend {
		if acc.RetryTokens < amount {
			return acc, fmt.Errorf("%w: have %d, need %d", game.ErrInsufficientTokens, acc.RetryTokens, amount)
		}
		delta = -amount
	}

	now := s.now().UTC()
	acc.RetryTokens += delta
	acc.UpdatedAt = now
	if err := tx.UpdateAccount(ctx, acc); err != nil {
		return acc, err
	}
	err = tx.AppendEntry(ctx, game.LedgerEntry{
		ID:        uuid.NewString(),
		UserID:    acc.UserID,
		Asset:     game.AssetRetryToken,
		Delta:     decimal.NewFromInt(int64(delta)),
		Kind:      kind,
		Reason:    reason,
		Meta:      meta,
		CreatedAt: now,
	})
	return acc, err
}

func (s *Service) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal, reason string, meta map[string]any) (game.Account, error) {
	var acc game.Account
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		var err error
		acc, _, err = s.AdjustBalanceTx(ctx, tx, userID, delta, reason, meta)
		return err
	})
	return acc, err
}

// AdjustBalanceTx applies delta to the play-money balance, clamping it to
// [0, game.MaxBalance].
// It returns the change actually applied; a zero change writes nothing.
func (s *Service) AdjustBalanceTx(ctx context.Context, tx store.Tx, userID string, delta decimal.Decimal, reason string, meta map[string]any) (game.Account, decimal.Decimal, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return game.Account{}, decimal.Zero, fmt.Errorf("%w: reason is required", game.ErrInvalidInput)
	}
	acc, err := s.GetOrInitAccountTx(ctx, tx, userID)
	if err != nil {
		return acc, decimal.Zero, err
	}

	next := acc.Balance.Add(delta.Round(2))
	if next.IsNegative() {
		next = decimal.Zero
	}
	if next.GreaterThan(game.MaxBalance) {
		next = game.MaxBalance
	}
	applied := next.Sub(acc.Balance)
	if applied.IsZero() {
		return acc, applied, nil
	}

	now := s.now().UTC()
	acc.Balance = next
	acc.UpdatedAt = now
	if err := tx.UpdateAccount(ctx, acc); err != nil {
		return acc, applied, err
	}
	kind := game.KindEarn
	if applied.IsNegative() {
		kind = game.KindSpend
	}
	err = tx.AppendEntry(ctx, game.LedgerEntry{
		ID:        uuid.NewString(),
		UserID:    acc.UserID,
		Asset:     game.AssetBalance,
		Delta:     applied,
		Kind:      kind,
		Reason:    reason,
		Meta:      meta,
		CreatedAt: now,
	})
	return acc, applied, err
}

// History returns the newest ledger entries for a user.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]game.LedgerEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	var out []game.LedgerEntry
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.ListEntries(ctx, strings.TrimSpace(userID), limit)
		return err
	})
	return out, err
}
