package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"levergame/internal/game"
)

// Memory is an in-process Repository for tests and local development
// (LEVERGAME_STORE=memory). A single mutex serializes every transaction across
// all users, so it is not meant for production load. A callback that fails or
// panics restores the state it started from.
type Memory struct {
	mu    sync.Mutex
	state memState

	lockMu sync.Mutex
	held   map[string]bool
}

type memState struct {
	accounts  map[string]game.Account
	ledger    []game.LedgerEntry
	codes     map[string]game.ReferralCode
	referrals []game.Referral
	sessions  map[string]game.Session
	seq       map[string]int
	nextSeq   int
}

func NewMemory() *Memory {
	return &Memory{
		state: memState{
			accounts: map[string]game.Account{},
			codes:    map[string]game.ReferralCode{},
			sessions: map[string]game.Session{},
			seq:      map[string]int{},
		},
		held: map[string]bool{},
	}
}

func (m *Memory) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	defer func() {
		if r := recover(); r != nil {
			m.state = snapshot
			panic(r)
		}
	}()
	if err := fn(&memTx{s: &m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (m *Memory) TryWithLock(ctx context.Context, name string, fn func(ctx context.Context) error) (bool, error) {
	m.lockMu.Lock()
	if m.held[name] {
		m.lockMu.Unlock()
		return false, nil
	}
	m.held[name] = true
	m.lockMu.Unlock()

	defer func() {
		m.lockMu.Lock()
		delete(m.held, name)
		m.lockMu.Unlock()
	}()
	return true, fn(ctx)
}

func (s memState) clone() memState {
	out := memState{
		accounts:  make(map[string]game.Account, len(s.accounts)),
		ledger:    append([]game.LedgerEntry(nil), s.ledger...),
		codes:     make(map[string]game.ReferralCode, len(s.codes)),
		referrals: append([]game.Referral(nil), s.referrals...),
		sessions:  make(map[string]game.Session, len(s.sessions)),
		seq:       make(map[string]int, len(s.seq)),
		nextSeq:   s.nextSeq,
	}
	for k, v := range s.accounts {
		out.accounts[k] = v
	}
	for k, v := range s.codes {
		out.codes[k] = v
	}
	for k, v := range s.sessions {
		out.sessions[k] = copySession(v)
	}
	for k, v := range s.seq {
		out.seq[k] = v
	}
	return out
}

func copySession(s game.Session) game.Session {
	s.PreviewCandles = append([]game.Candle(nil), s.PreviewCandles...)
	s.RevealCandles = append([]game.Candle(nil), s.RevealCandles...)
	s.ExitPrice = copyFloat(s.ExitPrice)
	s.PnL = copyFloat(s.PnL)
	s.ROI = copyFloat(s.ROI)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		s.CompletedAt = &t
	}
	return s
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func copyMeta(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

type memTx struct {
	s *memState
}

func (t *memTx) GetAccount(_ context.Context, userID string, _ bool) (game.Account, error) {
	acc, ok := t.s.accounts[userID]
	if !ok {
		return game.Account{}, fmt.Errorf("%w: token account", game.ErrNotFound)
	}
	return acc, nil
}

func (t *memTx) InsertAccount(_ context.Context, acc game.Account) (bool, error) {
	if err := checkAmount("balance", acc.Balance); err != nil {
		return false, err
	}
	if _, ok := t.s.accounts[acc.UserID]; ok {
		return false, nil
	}
	acc.UpdatedAt = acc.CreatedAt
	t.s.accounts[acc.UserID] = acc
	return true, nil
}

func (t *memTx) UpdateAccount(_ context.Context, acc game.Account) error {
	prev, ok := t.s.accounts[acc.UserID]
	if !ok {
		return fmt.Errorf("%w: token account", game.ErrNotFound)
	}
	if acc.RetryTokens < 0 || acc.NextDayUses < 0 || acc.Balance.IsNegative() {
		return fmt.Errorf("token account %s: negative value rejected", acc.UserID)
	}
	if err := checkAmount("balance", acc.Balance); err != nil {
		return err
	}
	acc.CreatedAt = prev.CreatedAt
	t.s.accounts[acc.UserID] = acc
	return nil
}

func (t *memTx) ListAccountsDue(_ context.Context, day time.Time) ([]string, error) {
	var out []string
	for id, acc := range t.s.accounts {
		if acc.LastResetDate.Before(day) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (t *memTx) AppendEntry(_ context.Context, e game.LedgerEntry) error {
	if err := checkAmount("delta", e.Delta); err != nil {
		return err
	}
	e.Meta = copyMeta(e.Meta)
	t.s.ledger = append(t.s.ledger, e)
	return nil
}

func (t *memTx) ListEntries(_ context.Context, userID string, limit int) ([]game.LedgerEntry, error) {
	var out []game.LedgerEntry
	for i := len(t.s.ledger) - 1; i >= 0 && len(out) < limit; i-- {
		if e := t.s.ledger[i]; e.UserID == userID {
			e.Meta = copyMeta(e.Meta)
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *memTx) GetCodeByUser(_ context.Context, userID string) (game.ReferralCode, error) {
	rc, ok := t.s.codes[userID]
	if !ok {
		return rc, fmt.Errorf("%w: referral code", game.ErrNotFound)
	}
	return rc, nil
}

func (t *memTx) GetCodeByCode(_ context.Context, code string) (game.ReferralCode, error) {
	for _, rc := range t.s.codes {
		if rc.Code == code {
			return rc, nil
		}
	}
	return game.ReferralCode{}, fmt.Errorf("%w: referral code", game.ErrNotFound)
}

func (t *memTx) InsertCode(ctx context.Context, rc game.ReferralCode) error {
	if _, ok := t.s.codes[rc.UserID]; ok {
		return ErrConflict
	}
	if _, err := t.GetCodeByCode(ctx, rc.Code); err == nil {
		return ErrConflict
	}
	t.s.codes[rc.UserID] = rc
	return nil
}

func (t *memTx) GetReferralByReferee(_ context.Context, refereeID string) (game.Referral, error) {
	for _, r := range t.s.referrals {
		if r.RefereeID == refereeID {
			return r, nil
		}
	}
	return game.Referral{}, fmt.Errorf("%w: referral", game.ErrNotFound)
}

func (t *memTx) InsertReferral(ctx context.Context, r game.Referral) error {
	if r.ReferrerID == r.RefereeID {
		return fmt.Errorf("referral %s: referrer equals referee", r.ID)
	}
	if _, err := t.GetReferralByReferee(ctx, r.RefereeID); err == nil {
		return ErrConflict
	}
	t.s.referrals = append(t.s.referrals, r)
	return nil
}

func (t *memTx) CountReferrals(_ context.Context, userID string, since time.Time) (int, error) {
	n := 0
	for _, r := range t.s.referrals {
		if r.ReferrerID == userID && !r.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (t *memTx) CountBonus(_ context.Context, userID string) (int, error) {
	n := 0
	for _, r := range t.s.referrals {
		if r.ReferrerID == userID || r.RefereeID == userID {
			n++
		}
	}
	return n, nil
}

func (t *memTx) GetSession(_ context.Context, id string, _ bool) (game.Session, error) {
	s, ok := t.s.sessions[id]
	if !ok {
		return game.Session{}, fmt.Errorf("%w: game session", game.ErrNotFound)
	}
	return copySession(s), nil
}

func (t *memTx) LatestSession(ctx context.Context, userID string, _ bool) (game.Session, error) {
	list, _ := t.ListSessions(ctx, userID, 1)
	if len(list) == 0 {
		return game.Session{}, fmt.Errorf("%w: game session", game.ErrNotFound)
	}
	return list[0], nil
}

func (t *memTx) InsertSession(_ context.Context, s game.Session) error {
	if _, ok := t.s.sessions[s.ID]; ok {
		return ErrConflict
	}
	t.s.nextSeq++
	t.s.seq[s.ID] = t.s.nextSeq
	t.s.sessions[s.ID] = copySession(s)
	return nil
}

func (t *memTx) UpdateSession(_ context.Context, s game.Session) error {
	prev, ok := t.s.sessions[s.ID]
	if !ok {
		return fmt.Errorf("%w: game session", game.ErrNotFound)
	}
	if prev.Status.Terminal() {
		return fmt.Errorf("game session %s is terminal", s.ID)
	}
	if prev.LiquidationPrice != 0 && s.LiquidationPrice != prev.LiquidationPrice {
		return fmt.Errorf("game session %s: liquidation price is immutable", s.ID)
	}
	s.PreviewCandles = prev.PreviewCandles
	s.RevealCandles = prev.RevealCandles
	s.CreatedAt = prev.CreatedAt
	t.s.sessions[s.ID] = copySession(s)
	return nil
}

func (t *memTx) ListSessions(_ context.Context, userID string, limit int) ([]game.Session, error) {
	var out []game.Session
	for _, s := range t.s.sessions {
		if s.UserID == userID {
			out = append(out, copySession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return t.s.seq[out[i].ID] > t.s.seq[out[j].ID]
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
