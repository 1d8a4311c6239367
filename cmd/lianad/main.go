// Command lianad is the wallet daemon entrypoint: it wires configuration,
// logging, the store, the spend builder, the PSBT orchestrator, the
// bitcoind collaborator, and the chain follower together and runs the
// follower's loop until signalled to stop. The JSON-RPC command surface
// itself is out of scope (spec's Non-goals): this binary is the core those
// commands would be built against.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/hashicorp/go-hclog"

	"github.com/lianahq/lianad/internal/bitcoind"
	"github.com/lianahq/lianad/internal/config"
	"github.com/lianahq/lianad/internal/errs"
	"github.com/lianahq/lianad/internal/policy"
	"github.com/lianahq/lianad/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		return err
	}

	log := hclog.New(&hclog.LoggerOptions{
		Name:  "lianad",
		Level: hclog.LevelFromString(cfg.LogLevel),
	})

	params, err := networkParams(cfg.Network)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	s, err := store.Open(ctx, cfg.DatabasePath(), log, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	wallet, err := s.GetWallet(ctx)
	if err != nil {
		return err
	}
	if wallet == nil {
		return errs.New(errs.KindStateViolation, "no wallet configured: create one before starting the daemon")
	}
	descriptor, err := policy.Parse(wallet.MainDescriptor)
	if err != nil {
		return err
	}

	bc := bitcoind.NewClient(bitcoind.Config{
		URL:        cfg.BitcoindURL,
		User:       cfg.BitcoindUser,
		Pass:       cfg.BitcoindPass,
		MaxRetries: cfg.BitcoindMaxRetries,
	}, log)

	d := NewDaemon(log, s, descriptor, bc, params, cfg.PollIntervalSeconds)

	log.Info("lianad starting", "network", params.Name, "datadir", cfg.DataDir)
	d.Run(ctx)
	log.Info("lianad stopped")
	return nil
}

func networkParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, errs.New(errs.KindInvalidInput, "unknown network %q", network)
	}
}
