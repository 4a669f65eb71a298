package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	"github.com/canvas402/canvas402/internal/canvas"
	"github.com/canvas402/canvas402/internal/chain"
	"github.com/canvas402/canvas402/internal/config"
	"github.com/canvas402/canvas402/internal/payout"
	"github.com/canvas402/canvas402/internal/proof"
	"github.com/canvas402/canvas402/internal/server"
)

var opts struct {
	Config string `short:"c" long:"config" env:"CANVAS_CONFIG" description:"path to YAML config" default:"config.yaml"`
	Listen string `long:"listen" env:"CANVAS_LISTEN" description:"override listen address"`
	Debug  bool   `long:"debug" env:"CANVAS_DEBUG" description:"verbose development logging"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := flags.ParseArgs(&opts, os.Args); err != nil {
		if flags.WroteHelp(err) {
			return
		}
		os.Exit(1)
	}

	logger, err := newLogger(opts.Debug)
	if err != nil {
		panic("can't initialize zap logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync()
	}()

	cfg, err := config.Load(opts.Config)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid config", zap.Error(err))
	}

	store, err := canvas.Open(cfg.DatabasePath)
	if err != nil {
		logger.Fatal("Failed to open canvas store", zap.Error(err))
	}
	defer func() {
		_ = store.Close()
	}()

	chainClient, err := chain.Dial(ctx, cfg.RPCURL, logger,
		chain.WithConfirmations(cfg.Verify.Confirmations))
	if err != nil {
		logger.Fatal("Failed to connect to RPC endpoint", zap.Error(err))
	}
	defer chainClient.Close()

	if cfg.ContractAddress != "" {
		vault, err := chain.NewPixelVault(chainClient, cfg.ContractAddress)
		if err != nil {
			logger.Fatal("Failed to bind settlement contract", zap.Error(err))
		}
		if err := vault.ParityCheck(ctx); err != nil {
			logger.Fatal("Contract pricing constants diverge", zap.Error(err))
		}
		logger.Info("Settlement contract parity verified",
			zap.String("contract", cfg.ContractAddress))
	}

	var payouts *payout.Forwarder
	if cfg.PayoutPrivateKey != "" {
		payoutWallet, err := chain.NewWallet(cfg.PayoutPrivateKey, chainClient, cfg.ChainID)
		if err != nil {
			logger.Fatal("Failed to load payout wallet", zap.Error(err))
		}
		payouts = payout.NewForwarder(payoutWallet, cfg.AssetAddress, cfg.DevWallet, logger)
		logger.Info("Payout forwarding enabled",
			zap.String("from", payoutWallet.Address()),
			zap.String("devWallet", cfg.DevWallet))
	}

	verifier := proof.NewVerifier(chainClient, store.ProofRegistry(), logger,
		proof.WithLookupTimeout(time.Duration(cfg.Verify.TimeoutSeconds)*time.Second),
		proof.WithLookupRetries(cfg.Verify.Retries))

	srv, err := server.New(server.Options{
		Store:              store,
		Verifier:           verifier,
		Policy:             cfg.Splits,
		PayTo:              cfg.PayTo,
		Asset:              cfg.AssetAddress,
		ChainID:            cfg.ChainID,
		QuoteExpirySeconds: cfg.QuoteExpirySeconds,
		Payouts:            payouts,
		Log:                logger,
	})
	if err != nil {
		logger.Fatal("Failed to build server", zap.Error(err))
	}

	s := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		logger.Info("Shutting down the http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shutdown http server", zap.Error(err))
		}
	}()

	logger.Info("Starting canvas server",
		zap.String("addr", cfg.Listen),
		zap.Uint64("chainID", cfg.ChainID),
		zap.String("asset", cfg.AssetAddress),
		zap.String("payTo", cfg.PayTo))
	if err := s.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("Failed to listen and serve", zap.Error(err))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
