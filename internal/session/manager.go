// Package session runs the game lifecycle: start, enter, reveal, close and
// restart. Session changes and their balance settlement commit together.
package session

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
	"levergame/internal/ledger"
	"levergame/internal/market"
	"levergame/internal/store"
)

const (
	RetryCost = 1

	reasonRetry       = "game_retry"
	reasonClose       = "game_close"
	reasonLiquidation = "game_liquidation"

	defaultListLimit = 20
	maxListLimit     = 100
)

type Config struct {
	PreviewDays   int
	TotalDays     int
	DailyReveals  int // 0 disables the per-day reveal allowance
	DefaultSymbol string
}

func (c Config) withDefaults() Config {
	if c.PreviewDays <= 0 {
		c.PreviewDays = 60
	}
	if c.TotalDays <= c.PreviewDays {
		c.TotalDays = c.PreviewDays + 30
	}
	if strings.TrimSpace(c.DefaultSymbol) == "" {
		c.DefaultSymbol = "BTCUSDT"
	}
	return c
}

type Manager struct {
	repo   store.Repository
	ledger *ledger.Service
	market market.Provider
	cfg    Config
	log    *slog.Logger
	now    func() time.Time
}

func NewManager(repo store.Repository, tokens *ledger.Service, provider market.Provider, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		repo:   repo,
		ledger: tokens,
		market: provider,
		cfg:    cfg.withDefaults(),
		log:    logger,
		now:    time.Now,
	}
}

// SetClock overrides the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

type StartResult struct {
	Session game.Session `json:"session"`
	Resumed bool         `json:"resumed"`
}

type RevealResult struct {
	Session    game.Session `json:"session"`
	Liquidated bool         `json:"liquidated"`
	Price      float64      `json:"price"`
}

type CloseResult struct {
	Session game.Session    `json:"session"`
	Settled decimal.Decimal `json:"settled"`
	Balance decimal.Decimal `json:"balance"`
}

func (m *Manager) symbolOrDefault(symbol string) (string, error) {
	if strings.TrimSpace(symbol) == "" {
		symbol = m.cfg.DefaultSymbol
	}
	return game.NormalizeSymbol(symbol)
}

// StartNewGame returns the user's open session if there is one, otherwise
// seeds the user's first session. Once a session has finished, a new round
// goes through RestartGame.
func (m *Manager) StartNewGame(ctx context.Context, userID, symbol string) (StartResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return StartResult{}, fmt.Errorf("%w: user id is required", game.ErrUnauthorized)
	}
	symbol, err := m.symbolOrDefault(symbol)
	if err != nil {
		return StartResult{}, err
	}

	existing, found, err := m.openSession(ctx, userID)
	if err != nil || found {
		return StartResult{Session: existing, Resumed: found}, err
	}

	chart, err := m.market.RandomGameChart(ctx, symbol, m.cfg.PreviewDays, m.cfg.TotalDays)
	if err != nil {
		return StartResult{}, fmt.Errorf("load game chart: %w", err)
	}

	var out StartResult
	err = m.repo.InTx(ctx, func(tx store.Tx) error {
		out = StartResult{}
		latest, err := tx.LatestSession(ctx, userID, true)
		switch {
		case err == nil && !latest.Status.Terminal():
			out = StartResult{Session: latest, Resumed: true}
			return nil
		case err == nil:
			return fmt.Errorf("%w: previous game is finished, restart to play again", game.ErrInvalidState)
		case !errors.Is(err, game.ErrNotFound):
			return err
		}
		if _, err := m.ledger.GetOrInitAccountTx(ctx, tx, userID); err != nil {
			return err
		}
		out.Session = m.newSession(userID, chart)
		return tx.InsertSession(ctx, out.Session)
	})
	if err != nil {
		return StartResult{}, err
	}
	if !out.Resumed {
		m.log.Info("game started", "user_id", userID, "session_id", out.Session.ID, "symbol", symbol)
	}
	return out, nil
}

func (m *Manager) openSession(ctx context.Context, userID string) (game.Session, bool, error) {
	var s game.Session
	var found bool
	err := m.repo.InTx(ctx, func(tx store.Tx) error {
		latest, err := tx.LatestSession(ctx, userID, false)
		if errors.Is(err, game.ErrNotFound) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		if latest.Status.Terminal() {
			return fmt.Errorf("%w: previous game is finished, restart to play again", game.ErrInvalidState)
		}
		s, found = latest, true
		return nil
	})
	return s, found, err
}

// RestartGame spends one retry token and starts a fresh session. An unfinished
// previous session is left as it is.
func (m *Manager) RestartGame(ctx context.Context, userID, symbol string) (game.Session, game.Account, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return game.Session{}, game.Account{}, fmt.Errorf("%w: user id is required", game.ErrUnauthorized)
	}
	symbol, err := m.symbolOrDefault(symbol)
	if err != nil {
		return game.Session{}, game.Account{}, err
	}

	// check the balance first so a broke user does not trigger a market fetch
	acc, err := m.ledger.GetOrInitAccount(ctx, userID)
	if err != nil {
		return game.Session{}, game.Account{}, err
	}
	if acc.RetryTokens < RetryCost {
		return game.Session{}, acc, fmt.Errorf("%w: a restart costs %d retry token", game.ErrInsufficientTokens, RetryCost)
	}

	chart, err := m.market.RandomGameChart(ctx, symbol, m.cfg.PreviewDays, m.cfg.TotalDays)
	if err != nil {
		return game.Session{}, game.Account{}, fmt.Errorf("load game chart: %w", err)
	}

	var s game.Session
	err = m.repo.InTx(ctx, func(tx store.Tx) error {
		s = m.newSession(userID, chart)
		var err error
		acc, err = m.ledger.DebitTx(ctx, tx, userID, RetryCost, reasonRetry, map[string]any{"session_id": s.ID, "symbol": s.Symbol})
		if err != nil {
			return err
		}
		return tx.InsertSession(ctx, s)
	})
	if err != nil {
		return game.Session{}, acc, err
	}
	m.log.Info("game restarted", "user_id", userID, "session_id", s.ID, "retry_tokens", acc.RetryTokens)
	return s, acc, nil
}

func (m *Manager) newSession(userID string, chart market.GameChart) game.Session {
	now := m.now().UTC()
	return game.Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Symbol:         chart.Symbol,
		Status:         game.StatusActiveFlat,
		MaxCandles:     len(chart.Reveal),
		PreviewCandles: chart.Preview,
		RevealCandles:  chart.Reveal,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// EnterPosition commits positionPercent of the current balance to a position.
func (m *Manager) EnterPosition(ctx context.Context, userID, sessionID, side string, leverage, positionPercent int, entryPrice float64) (game.Session, error) {
	parsedSide, err := game.ParseSide(side)
	if err != nil {
		return game.Session{}, err
	}
	var s game.Session
	err = m.repo.InTx(ctx, func(tx store.Tx) error {
		var err error
		if s, err = ownedSession(ctx, tx, userID, sessionID); err != nil {
			return err
		}
		acc, err := m.ledger.GetOrInitAccountTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		size := 0.0
		if positionPercent >= game.MinPositionPercent && positionPercent <= game.MaxPositionPercent {
			size = game.CommittedCapital(acc.Balance, positionPercent).InexactFloat64()
		}
		if err := s.Enter(parsedSide, leverage, positionPercent, entryPrice, size, m.now().UTC()); err != nil {
			return err
		}
		return tx.UpdateSession(ctx, s)
	})
	if err != nil {
		return game.Session{}, err
	}
	m.log.Info("position opened", "session_id", s.ID, "side", s.Side, "leverage", s.Leverage, "liquidation_price", s.LiquidationPrice)
	return s, nil
}

// RevealNextDay advances the session one candle and liquidates the position
// when the price crosses the liquidation price. currentIndex must match the
// stored candle index, so a repeated submit of the same step fails.
func (m *Manager) RevealNextDay(ctx context.Context, userID, sessionID string, currentIndex int, price float64) (RevealResult, error) {
	var out RevealResult
	err := m.repo.InTx(ctx, func(tx store.Tx) error {
		out = RevealResult{}
		s, err := ownedSession(ctx, tx, userID, sessionID)
		if err != nil {
			return err
		}
		now := m.now().UTC()
		index := s.CandleIndex
		liquidated, err := s.Reveal(currentIndex, price, now)
		if err != nil {
			return err
		}

		acc, err := m.ledger.GetOrInitAccountTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		if m.cfg.DailyReveals > 0 && acc.NextDayUses >= m.cfg.DailyReveals {
			return fmt.Errorf("%w: daily reveal allowance of %d used", game.ErrLimitExceeded, m.cfg.DailyReveals)
		}
		acc.NextDayUses++
		acc.UpdatedAt = now
		if err := tx.UpdateAccount(ctx, acc); err != nil {
			return err
		}
		if err := tx.UpdateSession(ctx, s); err != nil {
			return err
		}

		out.Price = price
		if out.Price <= 0 {
			out.Price = s.RevealCandles[index].Close
		}
		if liquidated {
			meta := map[string]any{"session_id": s.ID, "pnl": *s.PnL}
			if _, _, err := m.ledger.AdjustBalanceTx(ctx, tx, userID, decimal.NewFromFloat(*s.PnL), reasonLiquidation, meta); err != nil {
				return err
			}
		}
		out.Session = s
		out.Liquidated = liquidated
		return nil
	})
	if err != nil {
		return RevealResult{}, err
	}
	if out.Liquidated {
		m.log.Info("position liquidated", "session_id", out.Session.ID, "price", out.Price, "pnl", *out.Session.PnL)
	}
	return out, nil
}

func (m *Manager) ClosePosition(ctx context.Context, userID, sessionID string, exitPrice float64) (CloseResult, error) {
	var out CloseResult
	err := m.repo.InTx(ctx, func(tx store.Tx) error {
		out = CloseResult{}
		s, err := ownedSession(ctx, tx, userID, sessionID)
		if err != nil {
			return err
		}
		if err := s.Close(exitPrice, m.now().UTC()); err != nil {
			return err
		}
		if err := tx.UpdateSession(ctx, s); err != nil {
			return err
		}
		meta := map[string]any{"session_id": s.ID, "pnl": *s.PnL, "roi": *s.ROI}
		acc, applied, err := m.ledger.AdjustBalanceTx(ctx, tx, userID, decimal.NewFromFloat(*s.PnL), reasonClose, meta)
		if err != nil {
			return err
		}
		out = CloseResult{Session: s, Settled: applied, Balance: acc.Balance}
		return nil
	})
	if err != nil {
		return CloseResult{}, err
	}
	m.log.Info("position closed", "session_id", out.Session.ID, "pnl", *out.Session.PnL, "settled", out.Settled.String())
	return out, nil
}

func (m *Manager) GetSession(ctx context.Context, userID, sessionID string) (game.Session, error) {
	var s game.Session
	err := m.repo.InTx(ctx, func(tx store.Tx) error {
		var err error
		s, err = ownedSession(ctx, tx, userID, sessionID)
		return err
	})
	return s, err
}

func (m *Manager) ListSessions(ctx context.Context, userID string, limit int) ([]game.Session, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	var out []game.Session
	err := m.repo.InTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.ListSessions(ctx, strings.TrimSpace(userID), limit)
		return err
	})
	return out, err
}

// ownedSession loads a session for update. Sessions of other users are reported as missing.
func ownedSession(ctx context.Context, tx store.Tx, userID, sessionID string) (game.Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if _, err := uuid.Parse(sessionID); err != nil {
		return game.Session{}, fmt.Errorf("%w: session id must be a uuid", game.ErrInvalidInput)
	}
	s, err := tx.GetSession(ctx, sessionID, true)
	if err != nil {
		return s, err
	}
	if s.UserID != strings.TrimSpace(userID) {
		return game.Session{}, fmt.Errorf("%w: game session", game.ErrNotFound)
	}
	return s, nil
}
