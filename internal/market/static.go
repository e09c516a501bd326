package market

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"levergame/internal/game"
)

// StaticProvider serves a fixed daily series for every symbol.
type StaticProvider struct {
	candles []game.Candle

	mu  sync.Mutex
	rng *rand.Rand
}

func NewStaticProvider(candles []game.Candle, seed uint64) *StaticProvider {
	return &StaticProvider{
		candles: append([]game.Candle(nil), candles...),
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (p *StaticProvider) Klines(_ context.Context, symbol, _ string, limit int) ([]game.Candle, error) {
	if _, err := game.NormalizeSymbol(symbol); err != nil {
		return nil, err
	}
	out := p.candles
	if limit > 0 && limit < len(out) {
		out = out[len(out)-limit:]
	}
	return append([]game.Candle(nil), out...), nil
}

func (p *StaticProvider) RandomGameChart(_ context.Context, symbol string, previewDays, totalDays int) (GameChart, error) {
	symbol, err := game.NormalizeSymbol(symbol)
	if err != nil {
		return GameChart{}, err
	}
	if len(p.candles) == 0 {
		return GameChart{}, fmt.Errorf("%w: static series is empty", ErrNotEnoughData)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return pickWindow(p.rng, symbol, p.candles, previewDays, totalDays)
}
