package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"levergame/internal/game"
)

// runRepositoryContract exercises behaviour both repository implementations share.
func runRepositoryContract(t *testing.T, repo Repository) {
	ctx := context.Background()
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

	t.Run("accounts", func(t *testing.T) {
		acc := game.Account{UserID: "alice", RetryTokens: 15, Balance: game.StarterBalance, LastResetDate: day, CreatedAt: now}
		require.NoError(t, repo.InTx(ctx, func(tx Tx) error {
			inserted, err := tx.InsertAccount(ctx, acc)
			require.NoError(t, err)
			assert.True(t, inserted)
			inserted, err = tx.InsertAccount(ctx, acc)
			require.NoError(t, err)
			assert.False(t, inserted)
			return nil
		}))

		require.NoError(t, repo.InTx(ctx, func(tx Tx) error {
			got, err := tx.GetAccount(ctx, "alice", true)
			require.NoError(t, err)
			assert.Equal(t, 15, got.RetryTokens)
			assert.True(t, got.Balance.Equal(decimal.NewFromInt(1000)))
			assert.True(t, got.LastResetDate.Equal(day))

			got.Balance = decimal.RequireFromString("1234.56")
			got.RetryTokens = 4
			got.UpdatedAt = now.Add(time.Minute)
			return tx.UpdateAccount(ctx, got)
		}))

		require.NoError(t, repo.InTx(ctx, func(tx Tx) error {
			got, err := tx.GetAccount(ctx, "alice", false)
			require.NoError(t, err)
			assert.Equal(t, 4, got.RetryTokens)
			assert.Equal(t, "1234.56", got.Balance.StringFixed(2))

			due, err := tx.ListAccountsDue(ctx, day.AddDate(0, 0, 1))
			require.NoError(t, err)
			assert.Contains(t, due, "alice")
			due, err = tx.ListAccountsDue(ctx, day)
			require.NoError(t, err)
			assert.NotContains(t, due, "alice")

			_, err = tx.GetAccount(ctx, "nobody", false)
			assert.ErrorIs(t, err, game.ErrNotFound)
			return nil
		}))
	})

	t.Run("amount bounds", func(t *testing.T) {
		acc := game.Account{UserID: "bounded", RetryTokens: 15, Balance: game.StarterBalance, LastResetDate: day, CreatedAt: now}
		require.NoError(t, repo.InTx(ctx, func(tx Tx) error {
			_, err := tx.InsertAccount(ctx, acc)
			return err
		}))

		require.NoError(t, repo.InTx(ctx, func(tx Tx) error {
			acc.Balance = game.MaxBalance
			return tx.UpdateAccount(ctx, acc)
		}))

		require.NoError(t, repo.InTx(ctx, func(tx Tx) error {
			tooBig := acc
			tooBig.Balance = decimal.RequireFromString("1e16")
			assert.ErrorIs(t, tx.UpdateAccount(ctx, tooBig), game.ErrInvalidInput)

			err := tx.AppendEntry(ctx, game.LedgerEntry{
				ID:        uuid.NewString(),
				UserID:    "bounded",
				Asset:     game.AssetBalance,
				Delta:     game.MaxBalance.Add(decimal.NewFromInt(1)),
				Kind:      game.KindEarn,
				Reason:    "game_settlement",
				CreatedAt: now,
			})
			assert.ErrorIs(t, err, game.ErrInvalidInput)
			return nil
		}))

		require.NoError(t, repo.InTx(ctx, func(tx Tx) error {
			got, err := tx.GetAccount(ctx, "bounded", false)
			require.NoError(t, err)
			assert.True(t, got.Balance.Equal(game.MaxBalance), "got %s", got.Balance)
			entries, err := tx.ListEntries(ctx, "bounded", 10)
			require.NoError(t, err)
			assert.Empty(t, entries)
			return nil
		}))
	})

	t.Run("ledger", func(t *testing.T) {
		require.NoError(t, repo.InTx(ctx, func(tx Tx) error {
			for i := 0; i < 3; i++ {
				err := tx.AppendEntry(ctx, game.LedgerEntry{
					ID:        uuid.NewString(),
					UserID:    "alice",
					Asset:     game.AssetRetryToken,
					Delta:     decimal.NewFromInt(int64(-1 - i)),
					Kind:      game.KindSpend,
					Reason:    "game_retry",
					Meta:      map[string]any{"n": float64(i)},
					CreatedAt: now.Add(time.Duration(i) * time.Second),
				})
				require.NoError(t, err)
			}
			return nil
		}))
		require.NoError(t, repo.InTx(ctx, func(tx Tx) error {
			entries, err := tx.ListEntries(ctx, "alice", 2)
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, "-3", entries[0].Delta.String())
			assert.Equal(t, float64(2), entries[0].Meta["n"])
			assert.Equal(t, game.KindSpend, entries[0].Kind)
			return nil
		}))
	})

	t.Run("referrals", func(t *testing.T) {
		require.NoError(t, repo.InTx(ctx, func(tx Tx) error {
			require.NoError(t, tx.InsertCode(ctx, game.ReferralCode{UserID: "alice", Code: "ALICE123", CreatedAt: now}))
			assert.ErrorIs(t, tx.InsertCode(ctx, game.ReferralCode{UserID: "alice", Code: "OTHER999", CreatedAt: now}), ErrConflict)
			assert.ErrorIs(t, tx.InsertCode(ctx, game.ReferralCode{UserID: "bob", Code: "ALICE123", CreatedAt: now}), ErrConflict)
			return nil
		}))
		require.NoError(t, repo.InTx(ctx, func(tx Tx) error {
			rc, err := tx.GetCodeByCode(ctx, "ALICE123")
			require.NoError(t, err)
			assert.Equal(t, "alice", rc.UserID)

			r := game.Referral{ID: uuid.NewString(), ReferrerID: "alice", RefereeID: "bob", Code: "ALICE123", CreatedAt: now}
			require.NoError(t, tx.InsertReferral(ctx, r))
			r.ID = uuid.NewString()
			assert.ErrorIs(t, tx.InsertReferral(ctx, r), ErrConflict)
			return nil
		}))
		require.NoError(t, repo.InTx(ctx, func(tx Tx) error {
			n, err := tx.CountReferrals(ctx, "alice", now)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			n, err = tx.CountReferrals(ctx, "alice", now.Add(time.Second))
			require.NoError(t, err)
			assert.Equal(t, 0, n)

			n, err = tx.CountBonus(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			n, err = tx.CountBonus(ctx, "bob")
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			got, err := tx.GetReferralByReferee(ctx, "bob")
			require.NoError(t, err)
			assert.Equal(t, "alice", got.ReferrerID)
			_, err = tx.GetReferralByReferee(ctx, "alice")
			assert.ErrorIs(t, err, game.ErrNotFound)
			return nil
		}))
	})

	t.Run("sessions", func(t *testing.T) {
		candles := []game.Candle{{Time: day, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10}}
		first := game.Session{
			ID: uuid.NewString(), UserID: "alice", Symbol: "BTCUSDT", Status: game.StatusActiveFlat,
			MaxCandles: 1, PreviewCandles: candles, RevealCandles: candles, CreatedAt: now, UpdatedAt: now,
		}
		second := first
		second.ID = uuid.NewString()
		second.CreatedAt = now.Add(time.Minute)
		second.UpdatedAt = second.CreatedAt

		require.NoError(t, repo.InTx(ctx, func(tx Tx) error {
			require.NoError(t, tx.InsertSession(ctx, first))
			return tx.InsertSession(ctx, second)
		}))

		require.NoError(t, repo.InTx(ctx, func(tx Tx) error {
			latest, err := tx.LatestSession(ctx, "alice", true)
			require.NoError(t, err)
			assert.Equal(t, second.ID, latest.ID)
			require.Len(t, latest.RevealCandles, 1)
			assert.Equal(t, 1.5, latest.RevealCandles[0].Close)

			require.NoError(t, latest.Enter(game.SideLong, 10, 50, 100, 500, now.Add(2*time.Minute)))
			return tx.UpdateSession(ctx, latest)
		}))

		require.NoError(t, repo.InTx(ctx, func(tx Tx) error {
			got, err := tx.GetSession(ctx, second.ID, false)
			require.NoError(t, err)
			assert.Equal(t, game.StatusActivePositioned, got.Status)
			assert.InDelta(t, 90, got.LiquidationPrice, 1e-9)
			assert.Nil(t, got.PnL)

			list, err := tx.ListSessions(ctx, "alice", 10)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, second.ID, list[0].ID)

			_, err = tx.GetSession(ctx, uuid.NewString(), false)
			assert.ErrorIs(t, err, game.ErrNotFound)
			return nil
		}))
	})
}
