package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/plantworks/waterhub/internal/config"
	"github.com/plantworks/waterhub/internal/engine"
	"github.com/plantworks/waterhub/internal/hub"
	"github.com/plantworks/waterhub/internal/router"
	"github.com/plantworks/waterhub/internal/server"
	"github.com/plantworks/waterhub/internal/store/sqlite"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	db, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DatabasePath).Msg("failed to open database")
	}
	defer func() { _ = db.Close() }()

	// Rows from a previous process must not read online before the device
	// reconnects.
	if n, err := db.ResetOnlineDevices(context.Background()); err != nil {
		log.Warn().Err(err).Msg("failed to reset device status on startup")
	} else if n > 0 {
		log.Info().Int64("count", n).Msg("marked devices offline on startup")
	}

	clock := clockwork.NewRealClock()

	h := hub.New(log, db, clock)
	h.SetSweepTuning(cfg.StaleThreshold, cfg.SweepInterval)

	rt := router.New(log, h, db)

	eng := engine.New(log, db, rt, clock)
	eng.SetTickInterval(cfg.TickInterval)

	srv := server.New(cfg, log, db, h, rt)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go h.RunSweeper(ctx)
	go eng.Run(ctx)

	if err := srv.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
	log.Info().Msg("shut down")
}
