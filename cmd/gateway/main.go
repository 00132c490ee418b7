// x402 subnet gateway: sells fan-out RAG queries over subnets for USDC, one
// HTTP 402 payment per query.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"github.com/siddimore/x402-subnet-gateway/internal/config"
	"github.com/siddimore/x402-subnet-gateway/internal/logging"
	"github.com/siddimore/x402-subnet-gateway/internal/server"
	"github.com/siddimore/x402-subnet-gateway/pkg/catalog"
	"github.com/siddimore/x402-subnet-gateway/pkg/fanout"
	"github.com/siddimore/x402-subnet-gateway/pkg/subnet"
	"github.com/siddimore/x402-subnet-gateway/pkg/x402"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "Path to a YAML config file")
	port := flag.Int("port", 0, "Listen port (overrides PORT)")
	wallet := flag.String("wallet", "", "Address receiving payments (overrides WALLET_ADDRESS)")
	facilitatorURL := flag.String("facilitator", "", "x402 facilitator URL (overrides FACILITATOR_URL)")
	network := flag.String("network", "", "CAIP-2 payment network (overrides NETWORK)")
	catalogFile := flag.String("catalog", "", "Service catalog YAML (overrides CATALOG_FILE)")
	flag.Parse()

	cfg, err := config.Load(*configPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *wallet != "" {
		cfg.WalletAddress = *wallet
	}
	if *facilitatorURL != "" {
		cfg.FacilitatorURL = *facilitatorURL
	}
	if *network != "" {
		cfg.Network = *network
	}
	if *catalogFile != "" {
		cfg.CatalogFile = *catalogFile
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.IsProduction())
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("gateway stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	cat := catalog.Default()
	if cfg.CatalogFile != "" {
		var err error
		if cat, err = catalog.LoadFile(cfg.CatalogFile); err != nil {
			return err
		}
	}

	backend, mode := newBackend(cfg, cat, logger)
	client := subnet.NewClient(backend,
		subnet.WithTimeout(cfg.Subnets.Timeout),
		subnet.WithLogger(logger.Named("subnet")))
	engine := fanout.New(cat, client,
		fanout.WithMaxTopResults(cfg.MaxTopResults),
		fanout.WithLogger(logger.Named("fanout")))

	facilitator := x402.NewCachedFacilitator(
		x402.NewHTTPFacilitator(cfg.FacilitatorURL,
			x402.WithFacilitatorHTTPClient(&http.Client{Timeout: cfg.Timeouts.Facilitator}),
			x402.WithFacilitatorLogger(logger.Named("facilitator"))),
		cfg.Timeouts.SupportedCache)

	srv, err := server.New(server.Options{
		Catalog:           cat,
		Engine:            engine,
		Facilitator:       facilitator,
		Network:           x402.NetworkType(cfg.Network),
		PayTo:             cfg.WalletAddress,
		MaxTimeoutSeconds: cfg.MaxTimeoutSeconds,
		RateLimit:         cfg.RateLimit,
		TrustProxy:        cfg.TrustProxy,
		Production:        cfg.IsProduction(),
		BackendMode:       mode,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	logger.Info("gateway configured",
		zap.String("env", cfg.Env),
		zap.String("network", cfg.Network),
		zap.String("pay_to", cfg.WalletAddress),
		zap.String("facilitator", cfg.FacilitatorURL),
		zap.String("subnets", mode),
		zap.Int("payment_timeout_s", cfg.MaxTimeoutSeconds),
		zap.Bool("trust_proxy", cfg.TrustProxy),
		zap.Int("services", len(cat.Services())))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx, ":"+strconv.Itoa(cfg.Port), cfg.Timeouts)
}

// newBackend queries real subnet nodes for subnets the catalog gives an
// endpoint and simulates the rest.
func newBackend(cfg *config.Config, cat *catalog.Catalog, logger *zap.Logger) (subnet.Backend, string) {
	entropy := subnet.TimeEntropy()
	if cfg.Subnets.Seed != 0 {
		entropy = subnet.SeededEntropy(cfg.Subnets.Seed)
	}
	sim := subnet.NewSimulator(
		subnet.WithEntropy(entropy),
		subnet.WithFailureRate(cfg.Subnets.FailureRate))

	endpoints := cat.Endpoints()
	switch {
	case len(endpoints) == 0:
		return sim, "simulated"
	case len(endpoints) == len(cat.KnownSubnets()):
		sim = nil
	}

	remote := subnet.NewHTTPBackend(endpoints,
		subnet.WithHTTPLogger(logger.Named("subnet-http")),
		subnet.WithBreaker(cfg.Subnets.BreakerFailures, cfg.Subnets.BreakerOpen))
	if sim == nil {
		return remote, "http"
	}
	return subnet.Routed{Remote: remote, Local: sim}, "mixed"
}
