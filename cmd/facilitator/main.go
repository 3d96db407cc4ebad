// Command facilitator runs the x402 exact-EVM payment facilitator.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	x402 "github.com/TheGreatAxios/skale-facilitator"
	"github.com/TheGreatAxios/skale-facilitator/config"
	"github.com/TheGreatAxios/skale-facilitator/extensions/bazaar"
	"github.com/TheGreatAxios/skale-facilitator/extensions/nonceledger"
	x402http "github.com/TheGreatAxios/skale-facilitator/http"
	"github.com/TheGreatAxios/skale-facilitator/mechanisms/evm"
	"github.com/TheGreatAxios/skale-facilitator/mechanisms/evm/exact/facilitator"
	evmsigners "github.com/TheGreatAxios/skale-facilitator/signers/evm"
)

// dialTimeout bounds connecting to one network's RPC at startup.
const dialTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("facilitator stopped", zap.Error(err))
	}
}

func newLogger(format string) (*zap.Logger, error) {
	if format == config.LogFormatConsole {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	registry, err := loadRegistry(cfg)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	privateKey, err := evmsigners.ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return err
	}

	tasks := x402.NewTaskRunner(x402.WithTaskLogger(logger))
	ledger := nonceledger.New(store)
	catalog := bazaar.NewCatalog(store, bazaar.WithLogger(logger))

	opts := []facilitator.Option{
		facilitator.WithCatalog(catalog),
		facilitator.WithTaskRunner(tasks),
		facilitator.WithLogger(logger),
		facilitator.WithReadTimeout(cfg.ReadTimeout),
	}

	var signers []*evmsigners.FacilitatorSigner
	defer func() {
		for _, s := range signers {
			s.Close()
		}
	}()
	for _, network := range registry.Networks() {
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		signer, err := evmsigners.Dial(dialCtx, privateKey, network.RPCURL, network.ChainID,
			evmsigners.WithLogger(logger.With(zap.String("network", network.Name))),
			evmsigners.WithPollInterval(cfg.ReceiptPollInterval),
		)
		cancel()
		if err != nil {
			// The network stays listed; verification skips on-chain reads and
			// settlement fails with internal_error until restarted.
			logger.Warn("chain client unavailable", zap.String("network", network.Name), zap.Error(err))
			continue
		}
		signers = append(signers, signer)
		opts = append(opts, facilitator.WithSigner(network.Name, signer))
		logger.Info("network ready",
			zap.String("network", network.Name),
			zap.Int64("chain_id", network.ChainID),
			zap.String("facilitator", signer.Address()),
		)
	}

	scheme := facilitator.NewExactEvmScheme(registry, ledger, opts...)
	server := x402http.NewServer(scheme, registry,
		x402http.WithCatalog(catalog),
		x402http.WithLogger(logger),
	)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("facilitator listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := tasks.Wait(shutdownCtx); err != nil {
		logger.Warn("detached tasks still running at exit", zap.Error(err))
	}
	return nil
}

func loadRegistry(cfg *config.Config) (*evm.Registry, error) {
	networks := evm.DefaultNetworks()
	if cfg.NetworksFile != "" {
		loaded, err := evm.LoadNetworksFile(cfg.NetworksFile)
		if err != nil {
			return nil, err
		}
		networks = loaded
	}
	return evm.NewRegistry(evm.ApplyRPCOverrides(networks, os.LookupEnv))
}
