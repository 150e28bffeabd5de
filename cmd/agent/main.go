package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/technosupport/ts-edge/internal/agent"
	"github.com/technosupport/ts-edge/internal/config"
	"github.com/technosupport/ts-edge/internal/logging"
	"github.com/technosupport/ts-edge/internal/metrics"
)

func main() {
	configPath := flag.String("config", "agent.yaml", "path to the agent config file")
	flag.Parse()

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "agent:", err)
		os.Exit(1)
	}

	logging.Configure(logging.Config{Level: cfg.LogLevel, Service: "ts-edge-agent"})
	log := logging.Base()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config.WatchAgent(ctx, *configPath, log, func(next *config.Agent) {
		logging.SetLevel(next.LogLevel)
	})

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Warn().Err(err).Msg("metrics listener failed")
			}
		}()
	}

	a, err := agent.New(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("agent init failed")
		os.Exit(1)
	}

	if err := a.Run(ctx); err != nil {
		log.Error().Err(err).Msg("agent exited with error")
		os.Exit(1)
	}
}
