package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cl "levergame/internal/cli"
	"levergame/internal/game"
)

func TestRecentCandlesSpansPreviewAndRevealed(t *testing.T) {
	day := func(i int, c float64) game.Candle {
		return game.Candle{Time: time.Date(2024, 1, 1+i, 0, 0, 0, 0, time.UTC), Close: c}
	}
	s := cl.SessionView{RevealedCandles: []game.Candle{day(3, 103), day(4, 104)}}
	s.PreviewCandles = []game.Candle{day(0, 100), day(1, 101), day(2, 102)}

	got := recentCandles(s, 3)
	require.Len(t, got, 3)
	assert.Equal(t, 102.0, got[0].Close)
	assert.Equal(t, 104.0, lastPrice(s))
	assert.Zero(t, lastPrice(cl.SessionView{}))
}

func TestParsePositiveInt(t *testing.T) {
	v, err := parsePositiveInt(" 25 ", 1, 100)
	require.NoError(t, err)
	assert.Equal(t, 25, v)

	_, err = parsePositiveInt("0", 1, 100)
	assert.Error(t, err)
	_, err = parsePositiveInt("abc", 1, 100)
	assert.Error(t, err)
}

func TestReferralCodeKeepsCase(t *testing.T) {
	var sent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Code string `json:"code"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		sent = body.Code
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": map[string]any{}})
	}))
	defer srv.Close()

	assert.Equal(t, "jUUxyFfV", referralCodeArg("  jUUxyFfV\n"))

	_, err := cl.NewClient(srv.URL).ApplyReferral(context.Background(), "tok", referralCodeArg(" aB3dE9zQ "))
	require.NoError(t, err)
	assert.Equal(t, "aB3dE9zQ", sent)
}
