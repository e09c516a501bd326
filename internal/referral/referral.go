// Package referral issues referral codes and pays the signup reward to both
// sides of a referral exactly once.
package referral

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"

	"levergame/internal/game"
	"levergame/internal/ledger"
	"levergame/internal/store"
)

const (
	codeLength      = 8
	maxCodeAttempts = 5
	reasonReferrer  = "referral_bonus_referrer"
	reasonReferee   = "referral_bonus_referee"
)

type Service struct {
	repo   store.Repository
	ledger *ledger.Service
	log    *slog.Logger
	loc    *time.Location
	now    func() time.Time
	random func([]byte) (int, error)
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLocation sets the timezone that bounds the month-to-date stats.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func NewService(repo store.Repository, tokens *ledger.Service, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{repo: repo, ledger: tokens, log: logger, loc: time.UTC, now: time.Now, random: rand.Read}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type Validation struct {
	Valid      bool   `json:"valid"`
	ReferrerID string `json:"referrer_id,omitempty"`
}

// GenerateCode returns the user's code, creating it on first call.
func (s *Service) GenerateCode(ctx context.Context, userID string) (game.ReferralCode, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return game.ReferralCode{}, fmt.Errorf("%w: user id is required", game.ErrInvalidInput)
	}

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		var out game.ReferralCode
		err := s.repo.InTx(ctx, func(tx store.Tx) error {
			existing, err := tx.GetCodeByUser(ctx, userID)
			if err == nil {
				out = existing
				return nil
			}
			if !errors.Is(err, game.ErrNotFound) {
				return err
			}
			code, err := s.newCode()
			if err != nil {
				return err
			}
			out = game.ReferralCode{UserID: userID, Code: code, CreatedAt: s.now().UTC()}
			return tx.InsertCode(ctx, out)
		})
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return game.ReferralCode{}, err
		}
		// either the code collided or a concurrent call created the user's code
		s.log.Debug("referral code conflict, retrying", "user_id", userID, "attempt", attempt+1)
	}
	return game.ReferralCode{}, fmt.Errorf("%w: could not allocate referral code", game.ErrTxConflict)
}

func (s *Service) newCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := s.random(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	code := base62.EncodeToString(buf)
	for len(code) < codeLength {
		code = "0" + code
	}
	return code[:codeLength], nil
}

func normalizeCode(code string) string {
	return strings.TrimSpace(code)
}

func (s *Service) ValidateCode(ctx context.Context, code string) (Validation, error) {
	code = normalizeCode(code)
	if code == "" {
		return Validation{}, nil
	}
	var out Validation
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		out = Validation{}
		rc, err := tx.GetCodeByCode(ctx, code)
		if errors.Is(err, game.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		out = Validation{Valid: true, ReferrerID: rc.UserID}
		return nil
	})
	return out, err
}

// ProcessSignup records refereeID as referred by the owner of code and credits
// both users. Every precondition is checked before the first write.
func (s *Service) ProcessSignup(ctx context.Context, refereeID, code string) (game.Referral, error) {
	refereeID = strings.TrimSpace(refereeID)
	code = normalizeCode(code)
	if refereeID == "" {
		return game.Referral{}, fmt.Errorf("%w: user id is required", game.ErrInvalidInput)
	}
	if code == "" {
		return game.Referral{}, fmt.Errorf("%w: referral code is required", game.ErrInvalidInput)
	}

	var out game.Referral
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		rc, err := tx.GetCodeByCode(ctx, code)
		if err != nil {
			if errors.Is(err, game.ErrNotFound) {
				return fmt.Errorf("%w: referral code %q", game.ErrNotFound, code)
			}
			return err
		}
		if rc.UserID == refereeID {
			return game.ErrSelfReferral
		}
		if _, err := tx.GetReferralByReferee(ctx, refereeID); err == nil {
			return game.ErrAlreadyReferred
		} else if !errors.Is(err, game.ErrNotFound) {
			return err
		}

		out = game.Referral{
			ID:         uuid.NewString(),
			ReferrerID: rc.UserID,
			RefereeID:  refereeID,
			Code:       rc.Code,
			CreatedAt:  s.now().UTC(),
		}
		if err := tx.InsertReferral(ctx, out); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return game.ErrAlreadyReferred
			}
			return err
		}
		meta := map[string]any{"referral_id": out.ID, "code": out.Code}
		if _, err := s.ledger.CreditTx(ctx, tx, out.ReferrerID, game.ReferralBonus, reasonReferrer, withUser(meta, "referee_id", refereeID)); err != nil {
			return err
		}
		_, err = s.ledger.CreditTx(ctx, tx, refereeID, game.ReferralBonus, reasonReferee, withUser(meta, "referrer_id", out.ReferrerID))
		return err
	})
	if err != nil {
		return game.Referral{}, err
	}
	s.log.Info("referral recorded", "referrer_id", out.ReferrerID, "referee_id", out.RefereeID)
	return out, nil
}

func withUser(meta map[string]any, key, userID string) map[string]any {
	out := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out[key] = userID
	return out
}

func (s *Service) GetReferralStats(ctx context.Context, userID string) (game.ReferralStats, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return game.ReferralStats{}, fmt.Errorf("%w: user id is required", game.ErrInvalidInput)
	}
	monthStart := game.MonthStart(s.now(), s.loc)

	var stats game.ReferralStats
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		total, err := tx.CountReferrals(ctx, userID, time.Time{})
		if err != nil {
			return err
		}
		month, err := tx.CountReferrals(ctx, userID, monthStart)
		if err != nil {
			return err
		}
		stats = game.ReferralStats{
			TotalReferrals:    total,
			TotalRewardTokens: total * game.ReferralBonus,
			MonthReferrals:    month,
			MonthRewardTokens: month * game.ReferralBonus,
		}
		return nil
	})
	return stats, err
}

// BonusCount is the number of relationships the user takes part in on either side.
func (s *Service) BonusCount(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		var err error
		n, err = s.BonusCountTx(ctx, tx, userID)
		return err
	})
	return n, err
}

func (s *Service) BonusCountTx(ctx context.Context, tx store.Tx, userID string) (int, error) {
	return tx.CountBonus(ctx, strings.TrimSpace(userID))
}
