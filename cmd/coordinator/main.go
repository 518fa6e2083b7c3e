// Escrow coordinator - pairs trade contracts and issues escrow registrations
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/thesimplekid/cashu-escrow-kit/internal/config"
	"github.com/thesimplekid/cashu-escrow-kit/internal/coordinator"
	"github.com/thesimplekid/cashu-escrow-kit/internal/health"
	"github.com/thesimplekid/cashu-escrow-kit/internal/logging"
	"github.com/thesimplekid/cashu-escrow-kit/internal/metrics"
	"github.com/thesimplekid/cashu-escrow-kit/internal/nostr"
	"github.com/thesimplekid/cashu-escrow-kit/internal/retry"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting escrow coordinator",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)

	var keys *nostr.Keys
	if cfg.NostrSecretKey != "" {
		keys, err = nostr.KeysFromHex(cfg.NostrSecretKey)
	} else {
		// An ephemeral identity is useless to returning parties; warn so an
		// operator notices before handing the pubkey out.
		keys, err = nostr.GenerateKeys()
		if err == nil {
			logger.Warn("NOSTR_SECRET_KEY not set, using ephemeral identity")
		}
	}
	if err != nil {
		logger.Error("failed to load nostr identity", "error", err)
		os.Exit(1)
	}
	logger.Info("coordinator identity ready", "pubkey", keys.PublicKeyHex())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool := nostr.NewPool(keys, cfg.Relays, nostr.WithLogger(logger))

	if cfg.MetricsAddr != "" {
		checks := health.NewRegistry()
		checks.Register("relays", health.RelayChecker(pool.Connected))
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.Handle("/healthz", checks.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error("metrics listener failed", "error", err)
			}
		}()
		logger.Info("metrics listening", "addr", cfg.MetricsAddr)
	}

	if err := retry.Do(ctx, 3, time.Second, func() error {
		return pool.Connect(ctx)
	}); err != nil {
		logger.Error("failed to connect to relays", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	svc := coordinator.New(pool, coordinator.WithLogger(logger))
	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("coordinator error", "error", err)
		os.Exit(1)
	}
	logger.Info("coordinator stopped")
}
