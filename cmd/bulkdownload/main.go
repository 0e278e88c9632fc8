// Command bulkdownload runs the checkpointed, rate-limited bulk OHLCV
// downloader (C9) against Binance USDT-M futures, writing one CSV file per
// (symbol, timeframe) task plus a JSON download report.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bige7x/liveengine/internal/broker/binance"
	"github.com/bige7x/liveengine/internal/config"
	"github.com/bige7x/liveengine/internal/downloader"
)

var (
	envFile        string
	symbolsFlag    string
	timeframesFlag string
	topN           int
	outRoot        string
	checkpointPath string
	reportPath     string
	workers        int
	maxRetries     int
	resume         bool
)

func main() {
	rootCmd.Flags().StringVarP(&envFile, "env-file", "e", ".env", "Path to .env file (missing file is not an error)")
	rootCmd.Flags().StringVarP(&symbolsFlag, "symbols", "s", "", "Comma-separated symbol list (skips the top-N universe fetch)")
	rootCmd.Flags().StringVarP(&timeframesFlag, "timeframes", "f", "1h,4h,1d", "Comma-separated timeframe list")
	rootCmd.Flags().IntVarP(&topN, "top", "n", 0, "Fetch the top N symbols by 24h volume instead of --symbols")
	rootCmd.Flags().StringVarP(&outRoot, "out", "o", "data", "Output root directory")
	rootCmd.Flags().StringVar(&checkpointPath, "checkpoint", "checkpoint.json", "Checkpoint file path")
	rootCmd.Flags().StringVar(&reportPath, "report", "download_report.json", "Download report output path")
	rootCmd.Flags().IntVarP(&workers, "workers", "w", 4, "Bounded worker pool size")
	rootCmd.Flags().IntVar(&maxRetries, "max-retries", 3, "Retries for failed tasks before giving up")
	rootCmd.Flags().BoolVar(&resume, "resume", true, "Skip tasks already recorded in the checkpoint")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err.Error())
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bulkdownload",
	Short: "bulkdownload fetches historical OHLCV archives for the BiGe 7x universe.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func run(ctx context.Context) error {
	if err := config.Load(envFile); err != nil {
		return fmt.Errorf("load env: %w", err)
	}
	creds, err := config.LoadCredentials()
	if err != nil {
		return err
	}
	ctl := config.LoadController()

	bk := binance.New(binance.Config{APIKey: creds.APIKey, APISecret: creds.APISecret, BaseURL: ctl.BaseURL})

	symbols, err := resolveSymbols(ctx)
	if err != nil {
		return err
	}
	timeframes := splitAndTrim(timeframesFlag)

	var tasks []downloader.Task
	for _, sym := range symbols {
		for _, tf := range timeframes {
			tasks = append(tasks, downloader.Task{Symbol: sym, Timeframe: tf})
		}
	}

	d := downloader.New(downloader.Config{
		Fetcher:        bk,
		Root:           outRoot,
		CheckpointPath: checkpointPath,
		Workers:        workers,
		MaxRetries:     maxRetries,
		Resume:         resume,
	})

	report, err := d.Run(ctx, tasks)
	if err != nil {
		return err
	}

	fmt.Printf("bulkdownload: %d/%d tasks succeeded (%.1f%%)\n", report.Succeeded, report.Total, report.Ratio*100)
	if err := os.MkdirAll(filepath.Dir(reportPath), 0o755); err != nil && filepath.Dir(reportPath) != "." {
		return err
	}
	return report.Save(reportPath)
}

func resolveSymbols(ctx context.Context) ([]string, error) {
	if symbolsFlag != "" {
		return splitAndTrim(symbolsFlag), nil
	}
	n := topN
	if n <= 0 {
		n = 100
	}
	return downloader.FetchTopSymbols(ctx, nil, downloader.UniverseOptions{
		N:                  n,
		Quote:              "USDT",
		ExcludeStablecoins: true,
		ExcludeLeveraged:   true,
	})
}

func splitAndTrim(csv string) []string {
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
