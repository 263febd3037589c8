package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Mindburn-Labs/echocrypt/pkg/config"
	"github.com/Mindburn-Labs/echocrypt/pkg/contentstore"
	"github.com/Mindburn-Labs/echocrypt/pkg/ledger"
	"github.com/Mindburn-Labs/echocrypt/pkg/ledger/evm"
	"github.com/Mindburn-Labs/echocrypt/pkg/ledger/localchain"
	"github.com/Mindburn-Labs/echocrypt/pkg/observability"
	"github.com/Mindburn-Labs/echocrypt/pkg/registration"
	"github.com/Mindburn-Labs/echocrypt/pkg/registrycache"
	"github.com/Mindburn-Labs/echocrypt/pkg/wallet"
)

// subsystems is everything a command may need, built from configuration.
type subsystems struct {
	cfg         *config.Config
	logger      *slog.Logger
	store       contentstore.Store
	cache       registrycache.Cache
	ledger      ledger.Client
	chain       *localchain.Chain // nil unless the local ledger is configured
	wallet      wallet.Wallet
	telemetry   *observability.Provider
	coordinator *registration.Coordinator

	closers []func() error
}

// openSubsystems loads configuration and wires the registry. The caller
// must call close.
func openSubsystems(ctx context.Context, stderr io.Writer) (*subsystems, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, stderr)
	slog.SetDefault(logger)

	s := &subsystems{cfg: cfg, logger: logger}
	if err := s.open(ctx); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *subsystems) open(ctx context.Context) error {
	var err error
	cfg := s.cfg

	s.telemetry, err = observability.New(ctx, cfg.ObservabilityConfig())
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	s.closers = append(s.closers, func() error { return s.telemetry.Shutdown(context.Background()) })

	s.store, err = contentstore.New(ctx, cfg.StoreOptions())
	if err != nil {
		return fmt.Errorf("content store: %w", err)
	}
	if c, ok := s.store.(io.Closer); ok {
		s.closers = append(s.closers, c.Close)
	}

	switch {
	case cfg.Cache.Disabled:
		s.cache = registrycache.Nop{}
	case cfg.Cache.RedisURL != "":
		r, err := registrycache.NewRedis(cfg.Cache.RedisURL)
		if err != nil {
			return err
		}
		s.cache = r
		s.closers = append(s.closers, r.Close)
	default:
		s.cache = registrycache.NewMemory()
	}

	wallets, w, err := wallet.FromEnv()
	if err != nil {
		return fmt.Errorf("wallet: %w", err)
	}
	s.wallet = w

	switch cfg.Ledger.Backend {
	case config.LedgerEVM:
		if !common.IsHexAddress(cfg.Ledger.Contract) {
			return fmt.Errorf("ledger: invalid contract address %q", cfg.Ledger.Contract)
		}
		client, err := evm.Dial(ctx, cfg.Ledger.RPCURL, evm.Config{
			Contract:      common.HexToAddress(cfg.Ledger.Contract),
			Confirmations: cfg.Ledger.Confirmations,
			PollInterval:  cfg.Ledger.PollInterval,
			GasLimit:      cfg.Ledger.GasLimit,
			FromBlock:     cfg.Ledger.FromBlock,
			Wallets:       wallets,
			Logger:        s.logger,
		})
		if err != nil {
			return err
		}
		s.ledger = client
	default:
		chain, err := localchain.Open(ctx, cfg.Ledger.DatabaseURL, localchain.Config{
			Confirmations: cfg.Ledger.Confirmations,
			PollInterval:  cfg.Ledger.PollInterval,
			Wallets:       wallets,
			Logger:        s.logger,
		})
		if err != nil {
			return fmt.Errorf("local chain: %w", err)
		}
		s.chain = chain
		s.ledger = chain
		s.closers = append(s.closers, chain.Close)
	}

	s.coordinator, err = registration.New(registration.Deps{
		Store:     s.store,
		Ledger:    s.ledger,
		Cache:     s.cache,
		Telemetry: s.telemetry,
		Logger:    s.logger,
	}, cfg.CoordinatorConfig())
	return err
}

// sealInBackground runs the local sealer until ctx is done, so that a
// single process can register against the local chain.
func (s *subsystems) sealInBackground(ctx context.Context) {
	if s.chain == nil {
		return
	}
	go func() {
		if err := s.chain.Run(ctx, s.cfg.Ledger.SealInterval); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.ErrorContext(ctx, "sealer stopped", "error", err)
		}
	}()
}

func (s *subsystems) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && s.logger != nil {
			s.logger.Warn("close failed", "error", err)
		}
	}
	s.closers = nil
}
