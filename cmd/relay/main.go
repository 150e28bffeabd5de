package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/technosupport/ts-edge/internal/config"
	"github.com/technosupport/ts-edge/internal/logging"
	"github.com/technosupport/ts-edge/internal/relay"
)

func main() {
	configPath := flag.String("config", "relay.yaml", "path to the relay config file")
	flag.Parse()

	cfg, err := config.LoadRelay(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "relay:", err)
		os.Exit(1)
	}

	logging.Configure(logging.Config{Level: cfg.LogLevel, Service: "ts-edge-relay"})
	log := logging.Base()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lifecycle, err := relay.NewLifecyclePublisher(cfg.NATSURL, log)
	if err != nil {
		log.Warn().Err(err).Msg("lifecycle bus unavailable, continuing without it")
	}
	defer lifecycle.Close()

	hub := relay.NewHub(log, lifecycle)
	go hub.RunReaper(ctx, cfg.RoomIdleTTL, time.Minute)

	server := relay.NewServer(hub, lifecycle, cfg.MetricsToken, cfg.MaxConnRate, log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Str("port", cfg.Port).Msg("relay listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("relay server failed")
		os.Exit(1)
	}
}
