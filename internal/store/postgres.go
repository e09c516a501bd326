package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"levergame/internal/game"
)

const (
	maxTxAttempts  = 8
	baseRetryDelay = 75 * time.Millisecond
	maxRetryDelay  = 1200 * time.Millisecond
)

type Postgres struct {
	db  *pgxpool.Pool
	log *slog.Logger
}

func NewPostgres(db *pgxpool.Pool, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{db: db, log: logger}
}

// InTx runs fn in a serializable transaction, retrying serialization failures
// with backoff. ErrTxConflict is returned once attempts are exhausted.
func (p *Postgres) InTx(ctx context.Context, fn func(tx Tx) error) error {
	retryDelay := baseRetryDelay
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		tx, err := p.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return err
		}
		err = func() error {
			defer tx.Rollback(ctx)
			if err := fn(&pgTx{tx: tx}); err != nil {
				return err
			}
			return tx.Commit(ctx)
		}()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		if attempt == maxTxAttempts-1 {
			break
		}
		p.log.Debug("retrying transaction", "attempt", attempt+1, "error", err)
		if err := sleepWithContext(ctx, retryDelay); err != nil {
			return err
		}
		if retryDelay < maxRetryDelay {
			retryDelay *= 2
		}
	}
	return game.ErrTxConflict
}

func (p *Postgres) TryWithLock(ctx context.Context, name string, fn func(ctx context.Context) error) (bool, error) {
	conn, err := p.db.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Release()

	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, name).Scan(&locked); err != nil {
		return false, err
	}
	if !locked {
		return false, nil
	}
	defer func() {
		// the lock is session scoped, so release it on the same connection
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock(hashtext($1))`, name); err != nil {
			p.log.Error("advisory unlock failed", "lock", name, "error", err)
		}
	}()
	return true, fn(ctx)
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type pgTx struct {
	tx pgx.Tx
}

func lockClause(forUpdate bool) string {
	if forUpdate {
		return " FOR UPDATE"
	}
	return ""
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", game.ErrNotFound, what)
	}
	return err
}

func (t *pgTx) GetAccount(ctx context.Context, userID string, forUpdate bool) (game.Account, error) {
	var acc game.Account
	var balance string
	err := t.tx.QueryRow(ctx, `
		SELECT user_id, retry_tokens, balance::text, nextday_uses, last_reset_date, created_at, updated_at
		FROM game.token_accounts
		WHERE user_id = $1`+lockClause(forUpdate),
		userID,
	).Scan(&acc.UserID, &acc.RetryTokens, &balance, &acc.NextDayUses, &acc.LastResetDate, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		return acc, notFound(err, "token account")
	}
	acc.Balance, err = decimal.NewFromString(balance)
	return acc, err
}

func (t *pgTx) InsertAccount(ctx context.Context, acc game.Account) (bool, error) {
	if err := checkAmount("balance", acc.Balance); err != nil {
		return false, err
	}
	cmd, err := t.tx.Exec(ctx, `
		INSERT INTO game.token_accounts (user_id, retry_tokens, balance, nextday_uses, last_reset_date, created_at, updated_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $6)
		ON CONFLICT (user_id) DO NOTHING
	`, acc.UserID, acc.RetryTokens, acc.Balance.StringFixed(2), acc.NextDayUses, acc.LastResetDate, acc.CreatedAt)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (t *pgTx) UpdateAccount(ctx context.Context, acc game.Account) error {
	if err := checkAmount("balance", acc.Balance); err != nil {
		return err
	}
	cmd, err := t.tx.Exec(ctx, `
		UPDATE game.token_accounts
		SET retry_tokens = $2, balance = $3::numeric, nextday_uses = $4, last_reset_date = $5, updated_at = $6
		WHERE user_id = $1
	`, acc.UserID, acc.RetryTokens, acc.Balance.StringFixed(2), acc.NextDayUses, acc.LastResetDate, acc.UpdatedAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("%w: token account", game.ErrNotFound)
	}
	return nil
}

func (t *pgTx) ListAccountsDue(ctx context.Context, day time.Time) ([]string, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT user_id
		FROM game.token_accounts
		WHERE last_reset_date < $1
		ORDER BY user_id
	`, day)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (t *pgTx) AppendEntry(ctx context.Context, e game.LedgerEntry) error {
	if err := checkAmount("delta", e.Delta); err != nil {
		return err
	}
	meta := e.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode ledger meta: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO game.token_ledger (id, user_id, asset, delta, kind, reason, meta, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7::jsonb, $8)
	`, e.ID, e.UserID, string(e.Asset), e.Delta.String(), string(e.Kind), e.Reason, string(raw), e.CreatedAt)
	return err
}

func (t *pgTx) ListEntries(ctx context.Context, userID string, limit int) ([]game.LedgerEntry, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id::text, user_id, asset, delta::text, kind, reason, meta, created_at
		FROM game.token_ledger
		WHERE user_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []game.LedgerEntry
	for rows.Next() {
		var e game.LedgerEntry
		var asset, kind, delta string
		var meta []byte
		if err := rows.Scan(&e.ID, &e.UserID, &asset, &delta, &kind, &e.Reason, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Asset = game.Asset(asset)
		e.Kind = game.EntryKind(kind)
		if e.Delta, err = decimal.NewFromString(delta); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Meta); err != nil {
				return nil, fmt.Errorf("decode ledger meta: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *pgTx) GetCodeByUser(ctx context.Context, userID string) (game.ReferralCode, error) {
	var rc game.ReferralCode
	err := t.tx.QueryRow(ctx, `
		SELECT user_id, code, created_at FROM game.referral_codes WHERE user_id = $1
	`, userID).Scan(&rc.UserID, &rc.Code, &rc.CreatedAt)
	return rc, notFound(err, "referral code")
}

func (t *pgTx) GetCodeByCode(ctx context.Context, code string) (game.ReferralCode, error) {
	var rc game.ReferralCode
	err := t.tx.QueryRow(ctx, `
		SELECT user_id, code, created_at FROM game.referral_codes WHERE code = $1
	`, code).Scan(&rc.UserID, &rc.Code, &rc.CreatedAt)
	return rc, notFound(err, "referral code")
}

func (t *pgTx) InsertCode(ctx context.Context, rc game.ReferralCode) error {
	cmd, err := t.tx.Exec(ctx, `
		INSERT INTO game.referral_codes (user_id, code, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, rc.UserID, rc.Code, rc.CreatedAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (t *pgTx) GetReferralByReferee(ctx context.Context, refereeID string) (game.Referral, error) {
	var r game.Referral
	err := t.tx.QueryRow(ctx, `
		SELECT id::text, referrer_id, referee_id, code, created_at
		FROM game.referrals
		WHERE referee_id = $1
	`, refereeID).Scan(&r.ID, &r.ReferrerID, &r.RefereeID, &r.Code, &r.CreatedAt)
	return r, notFound(err, "referral")
}

func (t *pgTx) InsertReferral(ctx context.Context, r game.Referral) error {
	cmd, err := t.tx.Exec(ctx, `
		INSERT INTO game.referrals (id, referrer_id, referee_id, code, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (referee_id) DO NOTHING
	`, r.ID, r.ReferrerID, r.RefereeID, r.Code, r.CreatedAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (t *pgTx) CountReferrals(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `
		SELECT COUNT(1) FROM game.referrals WHERE referrer_id = $1 AND created_at >= $2
	`, userID, since).Scan(&n)
	return n, err
}

func (t *pgTx) CountBonus(ctx context.Context, userID string) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `
		SELECT COUNT(1) FROM game.referrals WHERE referrer_id = $1 OR referee_id = $1
	`, userID).Scan(&n)
	return n, err
}

const sessionColumns = `id::text, user_id, symbol, status, side, entry_price, leverage, position_percentage,
	position_size, liquidation_price, candle_index, max_candles, nextday_uses_consumed,
	exit_price, pnl, roi, preview_candles, reveal_candles, created_at, updated_at, completed_at`

func scanSession(row pgx.Row) (game.Session, error) {
	var s game.Session
	var status, side string
	var preview, reveal []byte
	err := row.Scan(&s.ID, &s.UserID, &s.Symbol, &status, &side, &s.EntryPrice, &s.Leverage, &s.PositionPercent,
		&s.PositionSize, &s.LiquidationPrice, &s.CandleIndex, &s.MaxCandles, &s.NextDayUsesConsumed,
		&s.ExitPrice, &s.PnL, &s.ROI, &preview, &reveal, &s.CreatedAt, &s.UpdatedAt, &s.CompletedAt)
	if err != nil {
		return s, err
	}
	s.Status = game.Status(status)
	s.Side = game.Side(side)
	if err := json.Unmarshal(preview, &s.PreviewCandles); err != nil {
		return s, fmt.Errorf("decode preview candles: %w", err)
	}
	if err := json.Unmarshal(reveal, &s.RevealCandles); err != nil {
		return s, fmt.Errorf("decode reveal candles: %w", err)
	}
	return s, nil
}

func (t *pgTx) GetSession(ctx context.Context, id string, forUpdate bool) (game.Session, error) {
	s, err := scanSession(t.tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM game.sessions WHERE id = $1`+lockClause(forUpdate), id))
	return s, notFound(err, "game session")
}

func (t *pgTx) LatestSession(ctx context.Context, userID string, forUpdate bool) (game.Session, error) {
	s, err := scanSession(t.tx.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM game.sessions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`+lockClause(forUpdate), userID))
	return s, notFound(err, "game session")
}

func (t *pgTx) InsertSession(ctx context.Context, s game.Session) error {
	preview, reveal, err := encodeCandles(s)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO game.sessions (id, user_id, symbol, status, side, entry_price, leverage, position_percentage,
			position_size, liquidation_price, candle_index, max_candles, nextday_uses_consumed,
			exit_price, pnl, roi, preview_candles, reveal_candles, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17::jsonb, $18::jsonb, $19, $20, $21)
	`, s.ID, s.UserID, s.Symbol, string(s.Status), string(s.Side), s.EntryPrice, s.Leverage, s.PositionPercent,
		s.PositionSize, s.LiquidationPrice, s.CandleIndex, s.MaxCandles, s.NextDayUsesConsumed,
		s.ExitPrice, s.PnL, s.ROI, preview, reveal, s.CreatedAt, s.UpdatedAt, s.CompletedAt)
	return err
}

func (t *pgTx) UpdateSession(ctx context.Context, s game.Session) error {
	cmd, err := t.tx.Exec(ctx, `
		UPDATE game.sessions
		SET status = $2, side = $3, entry_price = $4, leverage = $5, position_percentage = $6,
			position_size = $7, liquidation_price = $8, candle_index = $9, nextday_uses_consumed = $10,
			exit_price = $11, pnl = $12, roi = $13, updated_at = $14, completed_at = $15
		WHERE id = $1
	`, s.ID, string(s.Status), string(s.Side), s.EntryPrice, s.Leverage, s.PositionPercent,
		s.PositionSize, s.LiquidationPrice, s.CandleIndex, s.NextDayUsesConsumed,
		s.ExitPrice, s.PnL, s.ROI, s.UpdatedAt, s.CompletedAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("%w: game session", game.ErrNotFound)
	}
	return nil
}

func (t *pgTx) ListSessions(ctx context.Context, userID string, limit int) ([]game.Session, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM game.sessions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []game.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func encodeCandles(s game.Session) (string, string, error) {
	preview := s.PreviewCandles
	if preview == nil {
		preview = []game.Candle{}
	}
	reveal := s.RevealCandles
	if reveal == nil {
		reveal = []game.Candle{}
	}
	p, err := json.Marshal(preview)
	if err != nil {
		return "", "", fmt.Errorf("encode preview candles: %w", err)
	}
	r, err := json.Marshal(reveal)
	if err != nil {
		return "", "", fmt.Errorf("encode reveal candles: %w", err)
	}
	return string(p), string(r), nil
}
