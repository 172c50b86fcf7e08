package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"depthwatch/internal/config"
	"depthwatch/internal/feed"
	"depthwatch/internal/market"
	"depthwatch/internal/server"
	"depthwatch/internal/sound"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load() // best-effort: .env is optional

	cfg, err := config.Load("config.yaml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config.yaml: %v\n", err)
		os.Exit(1)
	}

	logger := config.NewLogger(cfg.LogLevel, cfg.LogFile)

	logger.Info("depthwatch starting",
		slog.Int("port", cfg.Port),
		slog.Int("default_threshold_shares", cfg.DefaultThresholdShares),
		slog.String("recording_dir", cfg.RecordingDir),
	)

	// Sound / hashed URL
	snd, err := sound.NewManager(cfg.SoundFile)
	if err != nil {
		logger.Warn("sound manager init", slog.String("err", err.Error()))
	}

	// The live source. The mock feed stands in until a venue connector is
	// configured; replays swap in a record.Player through the same interface.
	src := feed.NewMockSource()

	srv := server.New(cfg, src, snd, logger)

	m := market.NewMachine(src, srv, market.Options{
		Depth:       cfg.LevelsToScan,
		Cooldown:    cfg.Cooldown(),
		ObiAlpha:    cfg.ObiAlpha,
		ObiLevels:   cfg.ObiLevels,
		MicroWindow: cfg.MicroWindow(),
		MicroBandK:  cfg.MicroBandK,
		RvolHot:     cfg.RvolHot,
		RvolDanger:  cfg.RvolDanger,
		Logger:      logger,
	})
	srv.AttachMachine(m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: srv.Router(),
	}

	done := make(chan struct{})
	go func() {
		logger.Info("HTTP server listening", slog.Int("port", cfg.Port))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", slog.String("err", err.Error()))
			cancel()
		}
		close(done)
	}()

	// Graceful shutdown
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigc:
	case <-ctx.Done():
	}

	logger.Info("shutting down...")
	shCtx, shCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shCancel()

	_ = httpSrv.Shutdown(shCtx)
	if err := srv.Close(); err != nil {
		logger.Error("closing sessions", slog.String("err", err.Error()))
	}
	cancel()
	<-done
	logger.Info("bye")
}
