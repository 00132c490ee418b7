// Standalone subnet node serving simulated results over the subnet query
// protocol. Point catalog subnet endpoints at one or more of these to exercise
// the gateway's HTTP backend.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/siddimore/x402-subnet-gateway/internal/logging"
	"github.com/siddimore/x402-subnet-gateway/pkg/subnet"
)

func main() {
	listenAddr := flag.String("listen", ":7001", "Listen address")
	seed := flag.Int64("seed", 0, "Simulator seed; zero is time-seeded")
	failureRate := flag.Float64("failure-rate", 0, "Fraction of queries that fail")
	minDelay := flag.Duration("min-delay", 50*time.Millisecond, "Minimum simulated latency")
	maxDelay := flag.Duration("max-delay", 300*time.Millisecond, "Maximum simulated latency")
	level := flag.String("log-level", "info", "Log level")
	flag.Parse()

	if env := os.Getenv("SUBNET_LISTEN_ADDR"); env != "" {
		*listenAddr = env
	}

	logger, err := logging.New(*level, os.Getenv("NODE_ENV") == "production")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	entropy := subnet.TimeEntropy()
	if *seed != 0 {
		entropy = subnet.SeededEntropy(*seed)
	}
	sim := subnet.NewSimulator(
		subnet.WithEntropy(entropy),
		subnet.WithDelayRange(*minDelay, *maxDelay),
		subnet.WithFailureRate(*failureRate))

	mux := http.NewServeMux()
	mux.Handle(subnet.QueryPath, subnet.Handler(sim, logger))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy", "server": "subnet-node"})
	})

	logger.Info("subnet node starting",
		zap.String("addr", *listenAddr),
		zap.Float64("failure_rate", *failureRate),
		zap.Duration("min_delay", *minDelay),
		zap.Duration("max_delay", *maxDelay))

	srv := &http.Server{Addr: *listenAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		logger.Fatal("subnet node stopped", zap.Error(err))
	}
}
