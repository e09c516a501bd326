package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	cl "levergame/internal/cli"
	"levergame/internal/config"
)

const requestTimeout = 30 * time.Second

func main() {
	_ = config.LoadDotEnv()
	cfg := config.LoadCLIFromEnv()
	apiBase := cfg.APIBaseURL

	root := &cobra.Command{
		Use:          "lg",
		Short:        "Leveraged trading game client",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&apiBase, "api", apiBase, "API base URL")

	root.AddCommand(
		newSignupCmd(&apiBase),
		newLoginCmd(&apiBase),
		newLogoutCmd(),
		newRefreshCmd(&apiBase),
		newGameCmd(&apiBase),
		newTokensCmd(&apiBase),
		newReferralCmd(&apiBase),
		newAdminCmd(&apiBase),
	)

	if err := root.Execute(); err != nil {
		printError(fmt.Sprintf("error: %v", err))
		os.Exit(1)
	}
}

func newClient(apiBase *string) *cl.Client {
	return cl.NewClient(strings.TrimRight(strings.TrimSpace(*apiBase), "/"))
}

func requireSession() (cl.Session, error) {
	sess, err := cl.LoadSession()
	if err != nil {
		return cl.Session{}, fmt.Errorf("login required: %w", err)
	}
	return sess, nil
}

func newSignupCmd(apiBase *string) *cobra.Command {
	var referralCode string
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, err := promptRequired("Email")
			if err != nil {
				return err
			}
			password, err := promptPassword("Password")
			if err != nil {
				return err
			}
			if referralCode == "" {
				if referralCode, err = promptOptional("Referral code (optional)"); err != nil {
					return err
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			out, err := newClient(apiBase).Signup(ctx, email, password, referralCodeArg(referralCode))
			if err != nil {
				return err
			}
			switch {
			case out.Referral != nil:
				printSuccess("Referral applied, bonus tokens credited.")
			case out.ReferralError != "":
				printWarn("Referral code not applied: " + out.ReferralError)
			}
			if strings.TrimSpace(out.Session.AccessToken) == "" {
				printWarn("Signup created. Verify email, then run `lg login`.")
				return nil
			}
			if err := cl.SaveSession(cl.Session{
				AccessToken:  out.Session.AccessToken,
				RefreshToken: out.Session.RefreshToken,
				Email:        out.Session.User.Email,
				UserID:       out.Session.User.ID,
				APIBaseURL:   *apiBase,
			}); err != nil {
				return err
			}
			printSuccess("Signup complete. Session saved.")
			return nil
		},
	}
	cmd.Flags().StringVar(&referralCode, "ref", "", "referral code from a friend")
	return cmd
}

func newLoginCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Log in and save the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, err := promptRequired("Email")
			if err != nil {
				return err
			}
			password, err := promptPassword("Password")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			session, err := newClient(apiBase).Login(ctx, email, password)
			if err != nil {
				return err
			}
			if err := cl.SaveSession(cl.Session{
				AccessToken:  session.AccessToken,
				RefreshToken: session.RefreshToken,
				Email:        session.User.Email,
				UserID:       session.User.ID,
				APIBaseURL:   *apiBase,
			}); err != nil {
				return err
			}
			printSuccess("Login successful.")
			return nil
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the local session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.ClearSession(); err != nil {
				return err
			}
			printSuccess("Logged out.")
			return nil
		},
	}
}

func newRefreshCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Renew the saved session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			fresh, err := newClient(apiBase).Refresh(ctx, sess.RefreshToken)
			if err != nil {
				return err
			}
			sess.AccessToken = fresh.AccessToken
			if fresh.RefreshToken != "" {
				sess.RefreshToken = fresh.RefreshToken
			}
			sess.SavedAt = time.Time{}
			if err := cl.SaveSession(sess); err != nil {
				return err
			}
			printSuccess("Session refreshed.")
			return nil
		},
	}
}

func newGameCmd(apiBase *string) *cobra.Command {
	game := &cobra.Command{
		Use:     "game",
		Short:   "Play the leverage game",
		Aliases: []string{"g"},
	}
	game.AddCommand(
		newGameStartCmd(apiBase),
		newGameRestartCmd(apiBase),
		newGameShowCmd(apiBase),
		newGameListCmd(apiBase),
		newGameEnterCmd(apiBase),
		newGameNextCmd(apiBase),
		newGameCloseCmd(apiBase),
	)
	return game
}

func newGameStartCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start [SYMBOL]",
		Short: "Start a game or resume the open one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			out, err := newClient(apiBase).StartGame(ctx, sess.AccessToken, argOr(args, 0, ""))
			if err != nil {
				return err
			}
			if err := rememberGame(sess, out.Session.ID); err != nil {
				return err
			}
			if out.Resumed {
				printInfo("Resuming your open game.")
			}
			renderSession(out.Session)
			return nil
		},
	}
}

func newGameRestartCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "restart [SYMBOL]",
		Short: "Spend a retry token on a fresh game",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			out, err := newClient(apiBase).RestartGame(ctx, sess.AccessToken, argOr(args, 0, ""))
			if err != nil {
				return err
			}
			if err := rememberGame(sess, out.Session.ID); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("New game started. Retry tokens left: %d", out.Tokens.RetryTokens))
			renderSession(out.Session)
			return nil
		},
	}
}

func newGameShowCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show [SESSION_ID]",
		Short: "Show a game (defaults to the active one)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, id, err := sessionAndGame(args)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			out, err := newClient(apiBase).GetGame(ctx, sess.AccessToken, id)
			if err != nil {
				return err
			}
			renderSession(out)
			return nil
		},
	}
}

func newGameListCmd(apiBase *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent games",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			out, err := newClient(apiBase).ListGames(ctx, sess.AccessToken, limit)
			if err != nil {
				return err
			}
			renderSessionList(out)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of games to show")
	return cmd
}

func newGameEnterCmd(apiBase *string) *cobra.Command {
	var (
		leverage int
		percent  int
		price    float64
	)
	cmd := &cobra.Command{
		Use:   "enter long|short",
		Short: "Open a position on the active game",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, id, err := sessionAndGame(nil)
			if err != nil {
				return err
			}
			if leverage == 0 {
				if leverage, err = promptInt("Leverage (1-100)", 1, 100); err != nil {
					return err
				}
			}
			if percent == 0 {
				if percent, err = promptInt("Position size % of balance (1-100)", 1, 100); err != nil {
					return err
				}
			}
			client := newClient(apiBase)
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			if price <= 0 {
				current, err := client.GetGame(ctx, sess.AccessToken, id)
				if err != nil {
					return err
				}
				price = lastPrice(current)
			}
			out, err := client.EnterPosition(ctx, sess.AccessToken, id, args[0], leverage, percent, price)
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("%s x%d opened at %s, liquidation at %s", out.Side, out.Leverage, formatPrice(out.EntryPrice), formatPrice(out.LiquidationPrice)))
			renderSession(out)
			return nil
		},
	}
	cmd.Flags().IntVarP(&leverage, "leverage", "l", 0, "leverage multiplier")
	cmd.Flags().IntVarP(&percent, "size", "s", 0, "percent of balance to commit")
	cmd.Flags().Float64Var(&price, "price", 0, "entry price (defaults to the last visible close)")
	return cmd
}

func newGameNextCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "next",
		Short: "Reveal the next day",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, id, err := sessionAndGame(nil)
			if err != nil {
				return err
			}
			client := newClient(apiBase)
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			current, err := client.GetGame(ctx, sess.AccessToken, id)
			if err != nil {
				return err
			}
			out, err := client.NextDay(ctx, sess.AccessToken, id, current.CandleIndex, 0)
			if err != nil {
				return err
			}
			if out.Liquidated {
				printError(fmt.Sprintf("Liquidated at %s.", formatPrice(out.Price)))
			} else {
				printInfo(fmt.Sprintf("Day %d close: %s", out.Session.CandleIndex, formatPrice(out.Price)))
			}
			renderSession(out.Session)
			return nil
		},
	}
}

func newGameCloseCmd(apiBase *string) *cobra.Command {
	var price float64
	cmd := &cobra.Command{
		Use:   "close",
		Short: "Close the open position",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, id, err := sessionAndGame(nil)
			if err != nil {
				return err
			}
			client := newClient(apiBase)
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			if price <= 0 {
				current, err := client.GetGame(ctx, sess.AccessToken, id)
				if err != nil {
					return err
				}
				price = lastPrice(current)
			}
			out, err := client.ClosePosition(ctx, sess.AccessToken, id, price)
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Closed at %s. Settled %s, balance %s", formatPrice(price), colorizeAmount(out.Settled), out.Balance))
			renderSession(out.Session)
			return nil
		},
	}
	cmd.Flags().Float64Var(&price, "price", 0, "exit price (defaults to the last visible close)")
	return cmd
}

func newTokensCmd(apiBase *string) *cobra.Command {
	var history int
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Show retry tokens, balance and ledger history",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			out, err := newClient(apiBase).Tokens(ctx, sess.AccessToken, history)
			if err != nil {
				return err
			}
			renderTokens(out)
			return nil
		},
	}
	cmd.Flags().IntVar(&history, "history", 10, "ledger entries to show")
	return cmd
}

func newReferralCmd(apiBase *string) *cobra.Command {
	ref := &cobra.Command{
		Use:     "referral",
		Short:   "Referral codes and bonuses",
		Aliases: []string{"ref"},
	}
	ref.AddCommand(
		&cobra.Command{
			Use:   "code",
			Short: "Show your referral code",
			RunE: func(cmd *cobra.Command, args []string) error {
				sess, err := requireSession()
				if err != nil {
					return err
				}
				ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
				defer cancel()
				out, err := newClient(apiBase).ReferralCode(ctx, sess.AccessToken)
				if err != nil {
					return err
				}
				accent.Printf("Your referral code: %s\n", out.Code)
				return nil
			},
		},
		&cobra.Command{
			Use:   "apply CODE",
			Short: "Apply a friend's referral code",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				sess, err := requireSession()
				if err != nil {
					return err
				}
				ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
				defer cancel()
				if _, err := newClient(apiBase).ApplyReferral(ctx, sess.AccessToken, referralCodeArg(args[0])); err != nil {
					return err
				}
				printSuccess("Referral applied. Both of you received bonus tokens.")
				return nil
			},
		},
		&cobra.Command{
			Use:   "check CODE",
			Short: "Check whether a referral code exists",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
				defer cancel()
				out, err := newClient(apiBase).ValidateReferral(ctx, args[0])
				var apiErr *cl.APIError
				if errors.As(err, &apiErr) && apiErr.Code == "not_found" {
					printWarn("Unknown referral code.")
					return nil
				}
				if err != nil {
					return err
				}
				if out.Valid {
					printSuccess("Referral code is valid.")
				} else {
					printWarn("Unknown referral code.")
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Show referral totals",
			RunE: func(cmd *cobra.Command, args []string) error {
				sess, err := requireSession()
				if err != nil {
					return err
				}
				ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
				defer cancel()
				out, err := newClient(apiBase).ReferralStats(ctx, sess.AccessToken)
				if err != nil {
					return err
				}
				renderReferralStats(out)
				return nil
			},
		},
	)
	return ref
}

func newAdminCmd(apiBase *string) *cobra.Command {
	admin := &cobra.Command{
		Use:    "admin",
		Short:  "Operator commands",
		Hidden: true,
	}
	admin.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Trigger the daily reset (needs LEVERGAME_CRON_SECRET)",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := strings.TrimSpace(os.Getenv("LEVERGAME_CRON_SECRET"))
			if secret == "" {
				return fmt.Errorf("LEVERGAME_CRON_SECRET is not set")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()
			out, err := newClient(apiBase).TriggerDailyReset(ctx, secret)
			if err != nil {
				return err
			}
			if out.Result.Locked {
				printWarn("Another reset is already running.")
				return nil
			}
			printSuccess(fmt.Sprintf("Reset %s: processed=%d skipped=%d failed=%d", out.Result.Date, out.Result.Processed, out.Result.Skipped, out.Result.Failed))
			return nil
		},
	})
	return admin
}

func rememberGame(sess cl.Session, id string) error {
	sess.ActiveGame = id
	sess.SavedAt = time.Time{}
	return cl.SaveSession(sess)
}

func sessionAndGame(args []string) (cl.Session, string, error) {
	sess, err := requireSession()
	if err != nil {
		return cl.Session{}, "", err
	}
	id := argOr(args, 0, sess.ActiveGame)
	if strings.TrimSpace(id) == "" {
		return cl.Session{}, "", fmt.Errorf("no active game, run `lg game start` first")
	}
	return sess, id, nil
}

// referralCodeArg trims user input. Codes are case-sensitive base62.
func referralCodeArg(code string) string {
	return strings.TrimSpace(code)
}

func argOr(args []string, idx int, fallback string) string {
	if len(args) > idx {
		return strings.TrimSpace(args[idx])
	}
	return fallback
}

func parsePositiveInt(text string, min, max int) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return 0, fmt.Errorf("enter a whole number")
	}
	if v < min || v > max {
		return 0, fmt.Errorf("value must be %d-%d", min, max)
	}
	return v, nil
}
