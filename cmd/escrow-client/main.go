// Escrow client - runs one side of an ecash escrow trade
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/thesimplekid/cashu-escrow-kit/internal/cashu"
	"github.com/thesimplekid/cashu-escrow-kit/internal/config"
	"github.com/thesimplekid/cashu-escrow-kit/internal/contract"
	"github.com/thesimplekid/cashu-escrow-kit/internal/escrowclient"
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
	var (
		role        = flag.String("role", "", "trade role: buyer or seller (required)")
		amount      = flag.Uint64("amount", 0, "trade amount in sats (required)")
		description = flag.String("description", "", "human-readable trade terms (required)")
		buyerNpub   = flag.String("buyer-npub", "", "buyer nostr pubkey hex; defaults to own key when role=buyer")
		sellerNpub  = flag.String("seller-npub", "", "seller nostr pubkey hex; defaults to own key when role=seller")
		coordNpub   = flag.String("coordinator-npub", "", "coordinator nostr pubkey hex (required)")
		timeLimit   = flag.Uint64("time-limit-sec", 3*24*60*60, "trade time limit in seconds")
		fund        = flag.Uint64("fund", 0, "initial wallet balance in sats (buyer only)")
	)
	flag.Parse()

	logger := logging.New("info", "text")

	logger.Info("starting escrow client",
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

	mode := contract.Role(*role)
	if !mode.Valid() {
		logger.Error("role must be buyer or seller", "role", *role)
		os.Exit(1)
	}
	if *amount == 0 || *description == "" || *coordNpub == "" {
		logger.Error("amount, description and coordinator-npub are required")
		os.Exit(1)
	}
	if cfg.MintURL == "" {
		logger.Error("MINT_URL is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := tradeOpts{
		mode:        mode,
		amount:      *amount,
		description: *description,
		buyerNpub:   *buyerNpub,
		sellerNpub:  *sellerNpub,
		coordNpub:   *coordNpub,
		timeLimit:   *timeLimit,
		fund:        *fund,
	}
	if err := run(ctx, cfg, opts, logger); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("interrupted")
			os.Exit(1)
		}
		logger.Error("trade failed", "error", err)
		os.Exit(1)
	}
}

type tradeOpts struct {
	mode        contract.Role
	amount      uint64
	description string
	buyerNpub   string
	sellerNpub  string
	coordNpub   string
	timeLimit   uint64
	fund        uint64
}

func run(ctx context.Context, cfg *config.Config, opts tradeOpts, logger *slog.Logger) error {
	var keys *nostr.Keys
	var err error
	if cfg.NostrSecretKey != "" {
		keys, err = nostr.KeysFromHex(cfg.NostrSecretKey)
	} else {
		keys, err = nostr.GenerateKeys()
	}
	if err != nil {
		return fmt.Errorf("nostr identity: %w", err)
	}
	logger.Info("nostr identity ready", "pubkey", keys.PublicKeyHex())

	wallet, err := cashu.New(cashu.Config{MintURL: cfg.MintURL}, cashu.WithBalance(opts.fund))
	if err != nil {
		return fmt.Errorf("wallet: %w", err)
	}

	pool := nostr.NewPool(keys, cfg.Relays, nostr.WithLogger(logger))
	if err := retry.Do(ctx, 3, time.Second, func() error {
		return pool.Connect(ctx)
	}); err != nil {
		return fmt.Errorf("connect relays: %w", err)
	}
	defer pool.Close()

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

	// The own key fills the slot named by the role; the counterparty's key
	// must come from the flags.
	if opts.mode == contract.RoleBuyer && opts.buyerNpub == "" {
		opts.buyerNpub = keys.PublicKeyHex()
	}
	if opts.mode == contract.RoleSeller && opts.sellerNpub == "" {
		opts.sellerNpub = keys.PublicKeyHex()
	}

	c, err := contract.New(contract.Params{
		Description:    opts.description,
		Mode:           opts.mode,
		AmountSat:      opts.amount,
		BuyerNostrKey:  opts.buyerNpub,
		SellerNostrKey: opts.sellerNpub,
		CoordinatorKey: opts.coordNpub,
		TimeLimitSec:   opts.timeLimit,
		TradePubKey:    wallet.TradePubKey(),
		OwnNostrKey:    keys.PublicKeyHex(),
	})
	if err != nil {
		return err
	}

	ctx = logging.WithTradeID(ctx, c.Fingerprint()[:16])
	logger = logger.With("trade_id", c.Fingerprint()[:16])

	client := escrowclient.NewInitClient(wallet, c,
		escrowclient.WithTimeout(cfg.TradeTimeout),
		escrowclient.WithLogger(logger),
	)

	logger.Info("submitting contract to coordinator", "coordinator", opts.coordNpub)
	registered, err := client.RegisterTrade(ctx, pool)
	if err != nil {
		return err
	}
	logger.Info("trade registered", "escrow_id", registered.Registration().EscrowIDHex)

	exchanged, err := registered.ExchangeTradeToken(ctx, pool)
	if err != nil {
		return err
	}
	logger.Info("escrow token exchanged")

	outcome, err := exchanged.FulfillDuties(ctx)
	if err != nil {
		return err
	}
	logger.Info("trade complete", "outcome", outcome, "balance_sat", wallet.Balance())
	return nil
}
