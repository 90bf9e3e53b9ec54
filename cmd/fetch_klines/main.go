package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"fusionbot/config"
	"fusionbot/internal/adapters/binanceclient"
	"fusionbot/internal/adapters/logger"
	"fusionbot/internal/utils"
)

func main() {
	symbol := flag.String("symbol", "BTC/USDT", "Trading pair in BASE/QUOTE form")
	interval := flag.String("interval", "4h", "Candle interval, e.g. 1m, 1h, 4h")
	days := flag.Int("days", 90, "How many days back to fetch")
	outDir := flag.String("out", "data", "Output directory")
	flag.Parse()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger, err := logger.New(logger.Config{Level: cfg.LogLevel, Encoding: "console"})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize logger: %v", err)
	}
	defer func() { _ = appLogger.Sync() }()

	// 3. Initialize Exchange Client (Binance Adapter); candles are public
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.UseTestnet,
		BaseURL:    cfg.BaseURL,
		Logger:     appLogger,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}

	end := time.Now()
	start := end.AddDate(0, 0, -*days)

	fmt.Printf("Fetching klines for %s %s from %s to %s...\n", *symbol, *interval, start.Format(time.DateOnly), end.Format(time.DateOnly))
	klines, err := binanceClient.GetKlinesRange(context.Background(), *symbol, *interval, start, end)
	if err != nil {
		log.Fatalf("Error fetching klines: %v", err)
	}
	appLogger.Info(context.Background(), "Fetched klines", map[string]interface{}{"count": len(klines)})

	name := fmt.Sprintf("%s_%s_%s_to_%s.csv", strings.ReplaceAll(*symbol, "/", ""), *interval, start.Format("20060102"), end.Format("20060102"))
	filename := filepath.Join(*outDir, name)
	if err := utils.WriteKlinesToCSV(klines, filename); err != nil {
		log.Fatalf("Error writing CSV: %v", err)
	}
	appLogger.Info(context.Background(), "Saved klines", map[string]interface{}{"filename": filename})
}
