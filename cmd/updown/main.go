// Updown - automated trading engine for short-horizon binary prediction
// markets.
//
// Each symbol trades a rolling series of fixed windows (15 minutes by
// default). At window open the engine locks a strike from the reference
// price; UP pays out when the window closes at or above it, DOWN otherwise.
// Strategies read a composed tick (oracle-aligned spot, strike, token books,
// time left) and emit buy signals for outcome tokens; a write-ahead intent
// log makes order placement crash-recoverable, and positions run trailing
// stops until exit or window settlement.
//
// Operate it through the web dashboard (/ws + REST), Telegram, or both.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/updown/core"
	"github.com/web3guy0/updown/internal/config"
	"github.com/web3guy0/updown/storage"
)

const version = "1.0.0"

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Str("mode", string(cfg.TradingMode)).
		Strs("symbols", cfg.Symbols).
		Msg("⚡ Updown engine starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ====== STORAGE ======
	db, err := storage.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// ====== ENGINE ======
	engine, err := core.New(cfg, db)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to assemble engine")
	}
	if err := engine.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start engine")
	}

	// ====== STARTUP COMPLETE ======
	log.Info().Msg("✅ All systems online")
	log.Info().Msg("")
	log.Info().Msg("╔══════════════════════════════════════════╗")
	log.Info().Msg("║        UPDOWN WINDOW TRADING ACTIVE      ║")
	log.Info().Msg("║                                          ║")
	log.Info().Msgf("║  Mode: %-33s ║", cfg.TradingMode)
	log.Info().Msgf("║  Symbols: %-30s ║", formatSymbols(cfg.Symbols))
	log.Info().Msgf("║  Dashboard: http://localhost%-11s ║", cfg.ServerAddr)
	log.Info().Msg("║                                          ║")
	log.Info().Msg("║  → Strike locks at window open           ║")
	log.Info().Msg("║  → Signals buy UP/DOWN outcome tokens    ║")
	log.Info().Msg("║  → Trailing stops manage every position  ║")
	log.Info().Msg("╚══════════════════════════════════════════╝")
	log.Info().Msg("")

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("🛑 Received shutdown signal")
	case <-ctx.Done():
		log.Info().Msg("🛑 Context cancelled")
	}

	// Graceful shutdown
	log.Info().Msg("Shutting down...")

	engine.Stop()
	if err := db.Close(); err != nil {
		log.Warn().Err(err).Msg("Database close failed")
	}

	log.Info().Msg("👋 Goodbye!")
}

// formatSymbols renders the symbol list for the banner.
func formatSymbols(symbols []string) string {
	out := ""
	for i, s := range symbols {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
