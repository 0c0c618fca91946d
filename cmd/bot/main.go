package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"forex-trading-bot/internal/eod"
	"forex-trading-bot/internal/events"
	"forex-trading-bot/internal/logger"
	"forex-trading-bot/internal/safety"
	"forex-trading-bot/internal/trace"
	"forex-trading-bot/internal/types"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	configPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bot",
		Short: "Single-instrument forex trading bot",
		Long: `bot trades one currency pair on a fixed cycle, fusing technical
indicators with an external predictor under hard risk and safety limits.`,
		RunE:          runBot,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the YAML config")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(checkConfigCmd())
	rootCmd.AddCommand(summarizeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Verify the account and start the trading loop",
		RunE:  runBot,
	}
}

func checkConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config against the safety limits",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initializeSystem(); err != nil {
				return err
			}
			ctx := context.Background()
			cfg, err := loadConfig(ctx, configPath)
			if err != nil {
				return err
			}
			if err := safety.New(nil, events.NewBus()).Initialize(cfg); err != nil {
				var cerr *types.ConfigurationError
				if errors.As(err, &cerr) {
					for _, v := range cerr.Violations {
						fmt.Println("✗", v)
					}
				}
				return err
			}
			fmt.Printf("✓ %s config for %s is valid (broker %s, predictor %s)\n",
				cfg.Environment, cfg.Instrument, cfg.Broker.Provider, cfg.Predictor.Provider)
			return nil
		},
	}
}

func summarizeCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "summarize",
		Short: "Write the end-of-day CSV for a day of the trade journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initializeSystem(); err != nil {
				return err
			}
			ctx := context.Background()
			cfg, err := loadConfig(ctx, configPath)
			if err != nil {
				return err
			}
			initializeEOD(cfg)

			day := time.Now().In(cfg.Location())
			if date != "" {
				if day, err = time.ParseInLocation(time.DateOnly, date, cfg.Location()); err != nil {
					return fmt.Errorf("invalid --date %q: %w", date, err)
				}
			}
			path, err := eod.SummarizeDay(day)
			if err != nil {
				return err
			}
			if path == "" {
				fmt.Println("No closed trades on", day.Format(time.DateOnly))
				return nil
			}
			fmt.Println("EOD CSV written:", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "Day to summarize (YYYY-MM-DD), defaults to today")
	return cmd
}

func runBot(cmd *cobra.Command, args []string) error {
	if err := initializeSystem(); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = trace.Shutdown(shutdownCtx)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := newBot(ctx, configPath)
	if err != nil {
		return err
	}
	defer b.close()

	if err := b.safety.VerifyAccount(ctx); err != nil {
		// an empty account has already raised an account_error stop
		logger.ErrorWithErr(ctx, "Account verification failed", err)
		return err
	}
	if err := b.safety.StartTrading(ctx); err != nil {
		logger.ErrorWithErr(ctx, "Trading not started", err)
		return err
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	eodTick := time.NewTicker(60 * time.Second)
	defer eodTick.Stop()

	logger.Info(ctx, "Bot started", "version", version)
	for {
		select {
		case <-eodTick.C:
			if ok, _ := eod.ShouldRunNow(); ok {
				if p, err := eod.SummarizeToday(); err == nil && p != "" {
					logger.Info(ctx, "EOD CSV written", "path", p)
				}
			}
		case <-hup:
			reloadConfig(ctx, b)
		case <-sigc:
			logger.Info(ctx, "Shutting down...")
			if err := b.safety.ManualStop(ctx); err != nil {
				logger.Warn(ctx, "Manual stop failed", "error", err)
			}
			b.scheduler.Wait()
			if p, err := eod.SummarizeToday(); err == nil && p != "" {
				logger.Info(ctx, "EOD CSV written", "path", p)
			}
			return nil
		}
	}
}

// reloadConfig re-reads the config file and applies it if it passes the
// safety checks. A rejected file leaves the running config untouched.
func reloadConfig(ctx context.Context, b *bot) {
	cfg, err := loadConfig(ctx, configPath)
	if err != nil {
		return
	}
	if err := b.safety.UpdateConfig(ctx, cfg); err != nil {
		logger.Warn(ctx, "Config reload rejected", "path", configPath, "error", err)
		return
	}
	logger.Info(ctx, "Config reloaded", "path", configPath)
}
