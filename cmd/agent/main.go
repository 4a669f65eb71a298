package main

import (
	"context"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"

	"github.com/canvas402/canvas402/internal/chain"
	"github.com/canvas402/canvas402/internal/client"
	"github.com/canvas402/canvas402/internal/pricing"
	"github.com/canvas402/canvas402/internal/proof"
)

var opts struct {
	Server     string `short:"s" long:"server" env:"CANVAS_SERVER" description:"canvas server base URL" default:"http://localhost:8402"`
	RPCURL     string `long:"rpc-url" env:"CANVAS_RPC_URL" description:"EVM RPC endpoint" required:"true"`
	PrivateKey string `long:"private-key" env:"CANVAS_PRIVATE_KEY" description:"hex private key of the paying wallet" required:"true"`
	ChainID    uint64 `long:"chain-id" env:"CANVAS_CHAIN_ID" description:"chain id" default:"84532"`
	Count      int    `short:"n" long:"count" description:"number of pixels to claim" default:"1"`
	Color      string `long:"color" description:"hex color to paint, random when empty"`
	Rate       int    `long:"rate" description:"max claims per second" default:"2"`
	Debug      bool   `long:"debug" description:"verbose logging"`
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
	logger = logger.With(zap.String("run", uuid.NewString()))

	chainClient, err := chain.Dial(ctx, opts.RPCURL, logger)
	if err != nil {
		logger.Fatal("Failed to connect to RPC endpoint", zap.Error(err))
	}
	defer chainClient.Close()

	wallet, err := chain.NewWallet(opts.PrivateKey, chainClient, opts.ChainID)
	if err != nil {
		logger.Fatal("Failed to load wallet", zap.Error(err))
	}
	logger.Info("Agent wallet ready", zap.String("address", wallet.Address()))

	pay := func(ctx context.Context, q *client.Quote) (proof.Proof, error) {
		amount, err := q.Amount()
		if err != nil {
			return proof.Proof{}, err
		}
		txHash, err := wallet.TransferERC20(ctx, q.Asset, q.Recipient, amount)
		if err != nil {
			return proof.Proof{}, err
		}
		return proof.Proof{TxReference: txHash, Payer: wallet.Address()}, nil
	}

	c := client.New(opts.Server, pay, wallet.Address(), logger)
	limiter := ratelimit.New(opts.Rate)

	claimed := 0
	for claimed < opts.Count && ctx.Err() == nil {
		limiter.Take()

		x, y := rand.Intn(pricing.GridSize), rand.Intn(pricing.GridSize)
		px, err := c.Pixel(ctx, x, y)
		if err != nil {
			logger.Warn("Pixel lookup failed", zap.Int("x", x), zap.Int("y", y), zap.Error(err))
			continue
		}
		if px != nil && px.Owner == wallet.Address() {
			continue
		}

		result, err := c.Claim(ctx, x, y, pickColor())
		if err != nil {
			logger.Warn("Claim failed", zap.Int("x", x), zap.Int("y", y), zap.Error(err))
			continue
		}
		claimed++
		logger.Info("Claimed pixel",
			zap.Int("x", result.X), zap.Int("y", result.Y),
			zap.String("color", result.Color),
			zap.String("pricePaid", result.PricePaid),
			zap.String("nextPrice", result.NextPrice),
			zap.String("tx", result.TxReference))
	}

	logger.Info("Done", zap.Int("claimed", claimed))
}

func pickColor() string {
	if opts.Color != "" {
		return opts.Color
	}
	const hex = "0123456789abcdef"
	b := make([]byte, 6)
	for i := range b {
		b[i] = hex[rand.Intn(len(hex))]
	}
	return string(b)
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
