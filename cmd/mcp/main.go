// MCP tool server letting an AI agent browse the gateway catalog and pay for
// subnet queries from a fixed budget.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/siddimore/x402-subnet-gateway/internal/logging"
	"github.com/siddimore/x402-subnet-gateway/pkg/mcp"
	"github.com/siddimore/x402-subnet-gateway/pkg/x402"
)

func main() {
	gateway := flag.String("gateway", "http://localhost:4021", "Gateway base URL")
	budget := flag.Int64("budget", 100000, "Spending budget in USDC atomic units")
	perCall := flag.Int64("max-per-call", 0, "Largest single payment; zero means no limit")
	httpAddr := flag.String("http", "", "Serve MCP over HTTP on this address instead of stdio")
	level := flag.String("log-level", "info", "Log level")
	flag.Parse()

	if env := os.Getenv("X402_GATEWAY_URL"); env != "" {
		*gateway = env
	}

	logger, err := logging.NewStderr(*level, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	payer, err := x402.NewPayer(os.Getenv("PAYER_PRIVATE_KEY"))
	if err != nil {
		logger.Fatal("PAYER_PRIVATE_KEY must hold a hex private key", zap.Error(err))
	}

	server := mcp.NewServer(mcp.ServerConfig{
		GatewayURL: *gateway,
		Client:     x402.NewClient(payer, x402.WithClientLogger(logger.Named("x402"))),
		Budget:     *budget,
		MaxPerCall: *perCall,
		Logger:     logger,
	})
	logger.Info("mcp server ready",
		zap.String("gateway", *gateway),
		zap.String("payer", payer.Address().Hex()),
		zap.Int64("budget", *budget))

	if *httpAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/mcp", server.HTTPHandler())
		srv := &http.Server{Addr: *httpAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		if err := srv.ListenAndServe(); err != nil {
			logger.Fatal("mcp http stopped", zap.Error(err))
		}
		return
	}
	if err := server.ListenStdio(); err != nil {
		logger.Fatal("mcp stdio stopped", zap.Error(err))
	}
}
