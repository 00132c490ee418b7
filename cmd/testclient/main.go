// Walks the paid query flow against a running gateway: request, decode the
// 402 challenge, sign the advertised requirement and retry with the proof.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/siddimore/x402-subnet-gateway/internal/logging"
	"github.com/siddimore/x402-subnet-gateway/pkg/x402"
)

func main() {
	gateway := flag.String("gateway", "http://localhost:4021", "Gateway base URL")
	query := flag.String("q", "What is machine learning?", "Query text")
	service := flag.String("service", "general", "Service id")
	maxResults := flag.Int("max-results", 5, "Maximum results")
	maxAmount := flag.Int64("max-amount", 100000, "Refuse to pay more than this many atomic units")
	legacy := flag.Bool("legacy", false, "Send the proof in X-PAYMENT instead of PAYMENT-SIGNATURE")
	flag.Parse()

	logger, err := logging.New("debug", false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	key := os.Getenv("PAYER_PRIVATE_KEY")
	if key == "" {
		logger.Fatal("PAYER_PRIVATE_KEY is required")
	}
	payer, err := x402.NewPayer(key)
	if err != nil {
		logger.Fatal("load payer", zap.Error(err))
	}

	opts := []x402.ClientOption{
		x402.WithClientHTTP(&http.Client{Timeout: 30 * time.Second}),
		x402.WithClientLogger(logger),
	}
	if *legacy {
		opts = append(opts, x402.WithLegacyHeader())
	}
	client := x402.NewClient(payer, opts...)

	target := fmt.Sprintf("%s/api/rag/query?%s", *gateway, url.Values{
		"q":          {*query},
		"service":    {*service},
		"maxResults": {fmt.Sprint(*maxResults)},
	}.Encode())

	limit := decimal.NewFromInt(*maxAmount)
	resp, err := client.Get(context.Background(), target, func(r x402.PaymentRequirements) error {
		logger.Info("payment required",
			zap.String("network", r.Network),
			zap.String("amount", r.Amount),
			zap.String("asset", r.Asset),
			zap.String("pay_to", r.PayTo),
			zap.String("payer", payer.Address().Hex()))
		amount, err := decimal.NewFromString(r.Amount)
		if err != nil || amount.GreaterThan(limit) {
			return fmt.Errorf("%w: %s exceeds %s", x402.ErrPaymentDeclined, r.Amount, limit)
		}
		return nil
	})
	if err != nil {
		fields := []zap.Field{zap.Error(err)}
		if resp != nil {
			fields = append(fields, zap.Int("status", resp.StatusCode), zap.ByteString("body", resp.Body))
		}
		logger.Fatal("query failed", fields...)
	}
	if resp.Settlement != nil {
		logger.Info("payment settled",
			zap.String("transaction", resp.Settlement.Transaction),
			zap.String("network", resp.Settlement.Network))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, resp.Body, "", "  "); err != nil {
		pretty.Write(resp.Body)
	}
	fmt.Println(pretty.String())
}
