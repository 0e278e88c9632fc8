// Command liveengine runs the live multi-symbol trend-following controller
// (C7) against Binance USDT-M futures. Command surface modeled on the
// dbn-go-hist cobra root/subcommand layout: persistent flags for the .env
// file, symbols, timeframe, tick interval and metrics address (credentials
// come from the environment), a run subcommand for the trading loop, and a
// shadow subcommand for C8's paper-money mirror.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/bige7x/liveengine/internal/broker/binance"
	"github.com/bige7x/liveengine/internal/config"
	"github.com/bige7x/liveengine/internal/controller"
	"github.com/bige7x/liveengine/internal/metrics"
	"github.com/bige7x/liveengine/internal/notify"
	"github.com/bige7x/liveengine/internal/shadow"
)

var (
	envFile      string
	symbolsFlag  string
	timeframe    string
	tickSeconds  int
	metricsAddr  string
	shadowSignal string
	shadowEquity string
)

func main() {
	rootCmd.PersistentFlags().StringVarP(&envFile, "env-file", "e", ".env", "Path to .env file (missing file is not an error)")
	rootCmd.PersistentFlags().StringVarP(&symbolsFlag, "symbols", "s", "", "Comma-separated symbol list (overrides SYMBOLS env)")
	rootCmd.PersistentFlags().StringVarP(&timeframe, "timeframe", "t", "", "Candle timeframe (overrides TIMEFRAME env)")
	rootCmd.PersistentFlags().IntVarP(&tickSeconds, "tick-interval", "i", 0, "Tick interval in seconds (overrides TICK_INTERVAL_SECONDS env)")
	rootCmd.PersistentFlags().StringVarP(&metricsAddr, "metrics-addr", "m", ":9090", "Address to serve /metrics on")

	shadowCmd.Flags().StringVar(&shadowSignal, "signals-out", "shadow_signals.json", "Path to write shadow signal journal")
	shadowCmd.Flags().StringVar(&shadowEquity, "equity-out", "shadow_equity.json", "Path to write shadow equity journal")

	rootCmd.AddCommand(runCmd, shadowCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err.Error())
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "liveengine",
	Short: "liveengine runs the BiGe 7x multi-symbol futures trend-following controller.",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the live controller against real order execution.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLive(cmd.Context())
	},
}

var shadowCmd = &cobra.Command{
	Use:   "shadow",
	Short: "Run the shadow controller: real klines, simulated order execution.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runShadow(cmd.Context())
	},
}

func loadEnvAndOverrides() (config.Controller, error) {
	if err := config.Load(envFile); err != nil {
		return config.Controller{}, fmt.Errorf("load env: %w", err)
	}
	ctl := config.LoadController()
	if symbolsFlag != "" {
		parts := strings.Split(symbolsFlag, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		ctl.Symbols = parts
	}
	if timeframe != "" {
		ctl.Timeframe = timeframe
	}
	if tickSeconds > 0 {
		ctl.TickInterval = time.Duration(tickSeconds) * time.Second
	}
	return ctl, nil
}

func buildBroker(creds config.Credentials, baseURL string) *binance.Client {
	return binance.New(binance.Config{
		APIKey:    creds.APIKey,
		APISecret: creds.APISecret,
		BaseURL:   baseURL,
	})
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[WARN] metrics server: %v", err)
		}
	}()
}

func runLive(parent context.Context) error {
	ctl, err := loadEnvAndOverrides()
	if err != nil {
		return err
	}
	creds, err := config.LoadCredentials()
	if err != nil {
		return err
	}
	params, err := config.LoadStrategyParams()
	if err != nil {
		return err
	}

	chatID, _ := notify.ChatIDFromString(creds.ChatID)
	notifier := notify.New(notify.Config{BotToken: creds.BotToken, ChatID: chatID})

	bk := buildBroker(creds, ctl.BaseURL)
	serveMetrics(metricsAddr)

	c := controller.New(controller.Config{
		Broker:       bk,
		Notifier:     notifier,
		Symbols:      ctl.Symbols,
		Timeframe:    ctl.Timeframe,
		TickInterval: ctl.TickInterval,
		Params:       params,
	})

	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Printf("[INFO] liveengine: starting run, symbols=%v timeframe=%s tick=%s", ctl.Symbols, ctl.Timeframe, ctl.TickInterval)
	return c.Run(ctx)
}

func runShadow(parent context.Context) error {
	ctl, err := loadEnvAndOverrides()
	if err != nil {
		return err
	}
	creds, err := config.LoadCredentials()
	if err != nil {
		return err
	}
	params, err := config.LoadStrategyParams()
	if err != nil {
		return err
	}

	bk := buildBroker(creds, ctl.BaseURL)
	serveMetrics(metricsAddr)

	sc := shadow.New(shadow.Config{
		RealBroker:   bk,
		Symbols:      ctl.Symbols,
		Timeframe:    ctl.Timeframe,
		TickInterval: ctl.TickInterval,
		Params:       params,
		StartEquity:  decimal.NewFromInt(10_000),
		SignalsPath:  shadowSignal,
		EquityPath:   shadowEquity,
	})

	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Printf("[INFO] liveengine: starting shadow run, symbols=%v timeframe=%s tick=%s", ctl.Symbols, ctl.Timeframe, ctl.TickInterval)
	return sc.Run(ctx)
}
