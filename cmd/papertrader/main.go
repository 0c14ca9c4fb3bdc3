// Papertrader - Paper-trading engine for the NSE index feed
//
// Consumes the vendor binary market feed over WebSocket, derives depth
// metrics and candles, runs intraday strategies (EMA crossover,
// opening-range breakout, multi-confluence) and simulates fills against
// a virtual portfolio. State persists to SQLite or PostgreSQL; UI
// clients subscribe over a local WebSocket hub.
//
// Subcommands:
//
//	serve                   run the live engine (default)
//	replay <file>           deterministic run over a captured frame file
//	seed-instruments [csv]  load an instrument set into the database
package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/niftylabs/papertrader/core"
	"github.com/niftylabs/papertrader/internal/config"
	"github.com/niftylabs/papertrader/storage"
	"github.com/niftylabs/papertrader/types"
)

const version = "1.2.0"

// Exit codes: 0 clean, 1 configuration or runtime error, 2 fatal feed
// authentication failure.
const (
	exitOK        = 0
	exitError     = 1
	exitFeedFatal = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return exitError
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "serve":
		return serve(cfg)
	case "replay":
		if len(args) != 1 {
			fmt.Fprintln(os.Stderr, "usage: papertrader replay <frame-file>")
			return exitError
		}
		return replay(cfg, args[0])
	case "seed-instruments":
		path := ""
		if len(args) > 0 {
			path = args[0]
		}
		return seedInstruments(cfg, path)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\nusage: papertrader [serve|replay <file>|seed-instruments [csv]]\n", cmd)
		return exitError
	}
}

func serve(cfg *config.Config) int {
	log.Info().
		Str("version", version).
		Str("endpoint", cfg.FeedEndpoint).
		Int("instruments", len(cfg.Subscriptions)).
		Msg("📈 Papertrader starting...")

	db, err := storage.New(cfg.DatabasePath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize database")
		return exitError
	}

	engine, err := core.New(cfg, db)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build engine")
		return exitError
	}
	if err := engine.Start(); err != nil {
		log.Error().Err(err).Msg("Failed to start engine")
		return exitError
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down...")
		engine.Stop()
		return exitOK
	case reason := <-engine.Fatal():
		log.Error().Str("reason", reason).Msg("Feed terminally down, exiting")
		engine.Stop()
		return exitFeedFatal
	}
}

func replay(cfg *config.Config, path string) int {
	log.Info().Str("version", version).Str("file", path).Msg("🎬 Replay starting...")

	// No database in replay mode; fills are jitter-seeded so the same
	// file always produces the same run.
	engine, err := core.New(cfg, nil, core.WithDeterministicFills(1))
	if err != nil {
		log.Error().Err(err).Msg("Failed to build engine")
		return exitError
	}
	if err := engine.Replay(path); err != nil {
		return exitError
	}
	return exitOK
}

// seedInstruments loads instruments from a CSV file, or the default NSE
// index set when no file is given.
func seedInstruments(cfg *config.Config, path string) int {
	db, err := storage.New(cfg.DatabasePath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize database")
		return exitError
	}
	defer db.Close()

	instruments := defaultInstruments()
	if path != "" {
		instruments, err = loadInstrumentCSV(path)
		if err != nil {
			log.Error().Err(err).Str("file", path).Msg("Instrument CSV load failed")
			return exitError
		}
	}

	for _, in := range instruments {
		if err := db.SaveInstrument(in); err != nil {
			log.Error().Err(err).Str("symbol", in.Symbol).Msg("Instrument seed failed")
			return exitError
		}
		log.Info().Str("symbol", in.Symbol).Str("security_id", in.SecurityID).Msg("Instrument seeded")
	}
	return exitOK
}

func defaultInstruments() []types.Instrument {
	tick := decimal.NewFromFloat(0.05)
	return []types.Instrument{
		{SecurityID: "13", Symbol: "NIFTY 50", ExchangeSegment: types.SegmentIndex, LotSize: 75, TickSize: tick},
		{SecurityID: "25", Symbol: "NIFTY BANK", ExchangeSegment: types.SegmentIndex, LotSize: 35, TickSize: tick},
		{SecurityID: "27", Symbol: "NIFTY FIN SERVICE", ExchangeSegment: types.SegmentIndex, LotSize: 65, TickSize: tick},
		{SecurityID: "51", Symbol: "SENSEX", ExchangeSegment: types.SegmentIndex, LotSize: 20, TickSize: tick},
	}
}

// loadInstrumentCSV parses rows of
// securityId,symbol,segment,lotSize,tickSize; a header row is skipped.
func loadInstrumentCSV(path string) ([]types.Instrument, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	rows, err := csv.NewReader(fh).ReadAll()
	if err != nil {
		return nil, err
	}

	var out []types.Instrument
	for i, row := range rows {
		if len(row) != 5 {
			return nil, fmt.Errorf("row %d: want 5 columns, got %d", i+1, len(row))
		}
		if i == 0 && strings.EqualFold(strings.TrimSpace(row[0]), "securityId") {
			continue
		}
		seg, err := config.ParseSegment(row[2])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		lot, err := strconv.Atoi(strings.TrimSpace(row[3]))
		if err != nil || lot <= 0 {
			return nil, fmt.Errorf("row %d: bad lot size %q", i+1, row[3])
		}
		tick, err := decimal.NewFromString(strings.TrimSpace(row[4]))
		if err != nil {
			return nil, fmt.Errorf("row %d: bad tick size %q", i+1, row[4])
		}
		out = append(out, types.Instrument{
			SecurityID:      strings.TrimSpace(row[0]),
			Symbol:          strings.TrimSpace(row[1]),
			ExchangeSegment: seg,
			LotSize:         lot,
			TickSize:        tick,
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no instrument rows in %s", path)
	}
	return out, nil
}
