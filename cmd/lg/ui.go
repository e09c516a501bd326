package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"golang.org/x/term"

	cl "levergame/internal/cli"
	"levergame/internal/game"
)

var (
	stdinReader = bufio.NewReader(os.Stdin)
	accent      = color.New(color.FgCyan, color.Bold)
	success     = color.New(color.FgGreen, color.Bold)
	warn        = color.New(color.FgYellow, color.Bold)
	danger      = color.New(color.FgRed, color.Bold)
	neutral     = color.New(color.FgHiWhite)
)

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printError(msg string) {
	danger.Fprintln(os.Stderr, msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func promptRequired(label string) (string, error) {
	for {
		fmt.Printf("%s: ", label)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		if text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

func promptOptional(label string) (string, error) {
	fmt.Printf("%s: ", label)
	text, err := stdinReader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// promptPassword hides input on a terminal and falls back to a plain read
// when stdin is piped.
func promptPassword(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return promptRequired(label)
	}
	for {
		fmt.Printf("%s: ", label)
		raw, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", err
		}
		if text := strings.TrimSpace(string(raw)); text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

func promptInt(label string, min, max int) (int, error) {
	for {
		text, err := promptRequired(label)
		if err != nil {
			return 0, err
		}
		v, err := parsePositiveInt(text, min, max)
		if err != nil {
			printWarn(err.Error())
			continue
		}
		return v, nil
	}
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	return t
}

func renderSession(s cl.SessionView) {
	accent.Printf("\n== %s  %s ==\n", s.Symbol, colorizeStatus(s.Status))
	fmt.Printf("Session:      %s\n", s.ID)
	fmt.Printf("Day:          %d / %d (%d left)\n", s.CandleIndex, s.MaxCandles, s.RemainingDays)
	if s.Side != "" {
		fmt.Printf("Position:     %s x%d, %d%% of balance (%s)\n", s.Side, s.Leverage, s.PositionPercent, formatPrice(s.PositionSize))
		fmt.Printf("Entry:        %s\n", formatPrice(s.EntryPrice))
		fmt.Printf("Liquidation:  %s\n", danger.Sprint(formatPrice(s.LiquidationPrice)))
	}
	if s.PnL != nil {
		fmt.Printf("PnL:          %s\n", colorizeAmount(decimal.NewFromFloat(*s.PnL).StringFixed(2)))
	}
	if s.ROI != nil {
		fmt.Printf("ROI:          %s\n", colorizePercent(*s.ROI))
	}

	candles := recentCandles(s, 5)
	if len(candles) == 0 {
		fmt.Println()
		return
	}
	t := newTable()
	t.SetTitle("Recent days")
	t.AppendHeader(table.Row{"DATE", "OPEN", "HIGH", "LOW", "CLOSE"})
	for _, c := range candles {
		t.AppendRow(table.Row{c.Time.Format("2006-01-02"), formatPrice(c.Open), formatPrice(c.High), formatPrice(c.Low), formatPrice(c.Close)})
	}
	t.Render()
	fmt.Println()
}

func renderSessionList(list []cl.SessionView) {
	if len(list) == 0 {
		printInfo("No games yet. Run `lg game start`.")
		return
	}
	t := newTable()
	t.AppendHeader(table.Row{"ID", "SYMBOL", "STATUS", "SIDE", "LEV", "DAY", "PNL", "CREATED"})
	for _, s := range list {
		pnl := "-"
		if s.PnL != nil {
			pnl = colorizeAmount(decimal.NewFromFloat(*s.PnL).StringFixed(2))
		}
		t.AppendRow(table.Row{
			s.ID,
			s.Symbol,
			colorizeStatus(s.Status),
			string(s.Side),
			s.Leverage,
			fmt.Sprintf("%d/%d", s.CandleIndex, s.MaxCandles),
			pnl,
			s.CreatedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	t.Render()
}

func renderTokens(out cl.TokensResponse) {
	accent.Println("\n== WALLET ==")
	fmt.Printf("Retry tokens:    %d\n", out.Account.RetryTokens)
	fmt.Printf("Balance:         %s\n", out.Account.Balance.StringFixed(2))
	fmt.Printf("Reveals today:   %d\n", out.Account.NextDayUses)
	if len(out.History) == 0 {
		fmt.Println()
		return
	}
	t := newTable()
	t.SetTitle("Ledger")
	t.AppendHeader(table.Row{"WHEN", "ASSET", "DELTA", "REASON"})
	for _, e := range out.History {
		t.AppendRow(table.Row{e.CreatedAt.Local().Format("2006-01-02 15:04"), string(e.Asset), colorizeAmount(e.Delta.String()), e.Reason})
	}
	t.Render()
	fmt.Println()
}

func renderReferralStats(s game.ReferralStats) {
	t := newTable()
	t.SetTitle("Referrals")
	t.AppendHeader(table.Row{"", "REFERRALS", "BONUS TOKENS"})
	t.AppendRow(table.Row{"This month", s.MonthReferrals, s.MonthRewardTokens})
	t.AppendRow(table.Row{"All time", s.TotalReferrals, s.TotalRewardTokens})
	t.Render()
}

// recentCandles returns the last n candles the player can see.
func recentCandles(s cl.SessionView, n int) []game.Candle {
	all := make([]game.Candle, 0, len(s.PreviewCandles)+len(s.RevealedCandles))
	all = append(all, s.PreviewCandles...)
	all = append(all, s.RevealedCandles...)
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

func lastPrice(s cl.SessionView) float64 {
	candles := recentCandles(s, 1)
	if len(candles) == 0 {
		return 0
	}
	return candles[0].Close
}

func colorizeStatus(s game.Status) string {
	switch s {
	case game.StatusActivePositioned:
		return success.Sprint(string(s))
	case game.StatusLiquidated:
		return danger.Sprint(string(s))
	case game.StatusClosed:
		return neutral.Sprint(string(s))
	default:
		return accent.Sprint(string(s))
	}
}

func colorizeAmount(v string) string {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return v
	}
	switch d.Sign() {
	case 1:
		return success.Sprint("+" + v)
	case -1:
		return danger.Sprint(v)
	default:
		return neutral.Sprint(v)
	}
}

func colorizePercent(v float64) string {
	text := fmt.Sprintf("%+.2f%%", v)
	switch {
	case v > 0:
		return success.Sprint(text)
	case v < 0:
		return danger.Sprint(text)
	default:
		return neutral.Sprint(text)
	}
}

func formatPrice(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(2)
}
