// Package market supplies historical candles for game sessions. Prices are
// always real series; a game chart is a random contiguous window of them.
package market

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"levergame/internal/game"
)

var ErrNotEnoughData = errors.New("market: not enough candles")

type GameChart struct {
	Symbol  string        `json:"symbol"`
	Preview []game.Candle `json:"preview"`
	Reveal  []game.Candle `json:"reveal"`
}

type Provider interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]game.Candle, error)
	RandomGameChart(ctx context.Context, symbol string, previewDays, totalDays int) (GameChart, error)
}

// pickWindow splits a random totalDays-long window of candles into preview and reveal parts.
func pickWindow(r *rand.Rand, symbol string, candles []game.Candle, previewDays, totalDays int) (GameChart, error) {
	if previewDays <= 0 || totalDays <= previewDays {
		return GameChart{}, fmt.Errorf("%w: need 0 < preview days < total days", game.ErrInvalidInput)
	}
	if len(candles) < totalDays {
		return GameChart{}, fmt.Errorf("%w: %s has %d, need %d", ErrNotEnoughData, symbol, len(candles), totalDays)
	}
	start := 0
	if span := len(candles) - totalDays; span > 0 {
		start = r.IntN(span + 1)
	}
	window := candles[start : start+totalDays]
	return GameChart{
		Symbol:  symbol,
		Preview: append([]game.Candle(nil), window[:previewDays]...),
		Reveal:  append([]game.Candle(nil), window[previewDays:]...),
	}, nil
}
