package market

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"

	"levergame/internal/game"
)

const maxKlinesPerRequest = 1000

// BinanceProvider reads public spot klines; no API key is needed.
type BinanceProvider struct {
	client *binance.Client
	log    *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func NewBinanceProvider(logger *slog.Logger) *BinanceProvider {
	if logger == nil {
		logger = slog.Default()
	}
	seed := uint64(time.Now().UnixNano())
	return &BinanceProvider{
		client: binance.NewClient("", ""),
		log:    logger,
		rng:    rand.New(rand.NewPCG(seed, seed>>7|1)),
	}
}

func (p *BinanceProvider) Klines(ctx context.Context, symbol, interval string, limit int) ([]game.Candle, error) {
	symbol, err := game.NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxKlinesPerRequest {
		limit = maxKlinesPerRequest
	}
	klines, err := p.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch %s klines: %w", symbol, err)
	}

	out := make([]game.Candle, 0, len(klines))
	for _, k := range klines {
		c, err := toCandle(k)
		if err != nil {
			return nil, fmt.Errorf("decode %s kline: %w", symbol, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func (p *BinanceProvider) RandomGameChart(ctx context.Context, symbol string, previewDays, totalDays int) (GameChart, error) {
	symbol, err := game.NormalizeSymbol(symbol)
	if err != nil {
		return GameChart{}, err
	}
	candles, err := p.Klines(ctx, symbol, "1d", maxKlinesPerRequest)
	if err != nil {
		return GameChart{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	chart, err := pickWindow(p.rng, symbol, candles, previewDays, totalDays)
	if err == nil {
		p.log.Debug("game chart selected", "symbol", symbol, "from", chart.Preview[0].Time, "candles", len(candles))
	}
	return chart, err
}

func toCandle(k *binance.Kline) (game.Candle, error) {
	var c game.Candle
	var err error
	c.Time = time.UnixMilli(k.OpenTime).UTC()
	if c.Open, err = strconv.ParseFloat(k.Open, 64); err != nil {
		return c, err
	}
	if c.High, err = strconv.ParseFloat(k.High, 64); err != nil {
		return c, err
	}
	if c.Low, err = strconv.ParseFloat(k.Low, 64); err != nil {
		return c, err
	}
	if c.Close, err = strconv.ParseFloat(k.Close, 64); err != nil {
		return c, err
	}
	if c.Volume, err = strconv.ParseFloat(k.Volume, 64); err != nil {
		return c, err
	}
	return c, nil
}
