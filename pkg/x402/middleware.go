package x402

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultMaxTimeoutSeconds is how long a payer has to complete a payment.
const DefaultMaxTimeoutSeconds = 60

// Resource is what a single request is asking to pay for.
type Resource struct {
	ID          string
	URL         string
	Description string
	MimeType    string
	Price       decimal.Decimal
}

// ResourceFunc resolves the resource and its current price for a request. It
// returns an error wrapping ErrResourceNotFound for unknown resources.
type ResourceFunc func(r *http.Request) (Resource, error)

// Config holds the configuration for a Gateway.
type Config struct {
	Network NetworkType
	// PayTo is the address receiving payments.
	PayTo string

	// Schemes selects the verification strategy per network. When nil, an
	// ExactEVMScheme backed by Facilitator is registered.
	Schemes     *SchemeRegistry
	Facilitator Facilitator

	Resolve           ResourceFunc
	MaxTimeoutSeconds int

	// NotFound writes the response for unknown resources. Defaults to a JSON 404.
	NotFound func(w http.ResponseWriter, r *http.Request, err error)

	// Meter receives one UsageEvent per resolved request. Optional.
	Meter  Meter
	Logger *zap.Logger
}

// Gateway gates handlers behind an x402 payment. Each request is either
// answered with a 402 challenge or, once a valid proof is verified, served
// and then settled.
type Gateway struct {
	network    NetworkType
	payTo      string
	schemes    *SchemeRegistry
	resolve    ResourceFunc
	maxTimeout int
	notFound   func(w http.ResponseWriter, r *http.Request, err error)
	meter      Meter
	logger     *zap.Logger
}

// NewGateway validates cfg and builds a Gateway.
func NewGateway(cfg Config) (*Gateway, error) {
	if cfg.Resolve == nil {
		return nil, errors.New("x402: Resolve is required")
	}
	if !common.IsHexAddress(cfg.PayTo) {
		return nil, fmt.Errorf("x402: invalid payTo address %q", cfg.PayTo)
	}
	if cfg.Network == "" {
		cfg.Network = NetworkBaseSepolia
	}
	if cfg.Schemes == nil {
		if cfg.Facilitator == nil {
			return nil, errors.New("x402: either Schemes or Facilitator is required")
		}
		cfg.Schemes = NewSchemeRegistry(&ExactEVMScheme{Facilitator: cfg.Facilitator})
	}
	if !cfg.Schemes.SupportsNetwork(cfg.Network) {
		return nil, fmt.Errorf("x402: %w: %s", ErrUnsupportedNetwork, cfg.Network)
	}
	if cfg.MaxTimeoutSeconds <= 0 {
		cfg.MaxTimeoutSeconds = DefaultMaxTimeoutSeconds
	}
	if cfg.NotFound == nil {
		cfg.NotFound = defaultNotFound
	}
	if cfg.Meter == nil {
		cfg.Meter = nopMeter{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Gateway{
		network:    cfg.Network,
		payTo:      common.HexToAddress(cfg.PayTo).Hex(),
		schemes:    cfg.Schemes,
		resolve:    cfg.Resolve,
		maxTimeout: cfg.MaxTimeoutSeconds,
		notFound:   cfg.NotFound,
		meter:      cfg.Meter,
		logger:     cfg.Logger,
	}, nil
}

// Network returns the network payments are requested on.
func (g *Gateway) Network() NetworkType { return g.network }

// PayTo returns the checksummed receiving address.
func (g *Gateway) PayTo() string { return g.payTo }

// Requirement builds the payment requirement for res. The result depends only
// on the resource, the gateway's network and payee, and the price.
func (g *Gateway) Requirement(res Resource) (PaymentRequirements, error) {
	scheme, ok := g.schemes.Lookup(g.network)
	if !ok {
		return PaymentRequirements{}, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, g.network)
	}
	req, err := scheme.Requirements(g.network, g.payTo, res.Price)
	if err != nil {
		return PaymentRequirements{}, err
	}
	req.Resource = res.URL
	req.Description = res.Description
	req.MimeType = res.MimeType
	req.MaxTimeoutSeconds = g.maxTimeout
	return req, nil
}

// Middleware wraps next so that it only runs for paid requests.
func (g *Gateway) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		res, err := g.resolve(r)
		if errors.Is(err, ErrResourceNotFound) {
			g.notFound(w, r, err)
			return
		}
		if err != nil {
			g.internalError(w, "resolve resource", err)
			return
		}

		requirement, err := g.Requirement(res)
		if err != nil {
			g.internalError(w, "build payment requirement", err)
			return
		}
		scheme, _ := g.schemes.Lookup(g.network)
		record := func(o Outcome) {
			g.meter.Record(UsageEvent{Resource: res.ID, Outcome: o, Amount: requirement.Amount, Latency: time.Since(start)})
		}

		payload, err := extractPaymentProof(r)
		if err != nil {
			record(OutcomeChallenged)
			g.sendPaymentRequired(w, res, requirement, err)
			return
		}
		if !boundTo(payload, requirement) {
			record(OutcomeChallenged)
			g.sendPaymentRequired(w, res, requirement, ErrRequirementMismatch)
			return
		}

		verify, err := scheme.Verify(r.Context(), payload, &requirement)
		if err != nil {
			g.logger.Warn("payment verification failed", zap.String("resource", res.ID), zap.Error(err))
			record(OutcomeRejected)
			g.sendPaymentRequired(w, res, requirement, paymentError(ErrInvalidPayment, "verification unavailable"))
			return
		}
		if !verify.IsValid {
			g.logger.Info("payment rejected",
				zap.String("resource", res.ID),
				zap.String("reason", verify.InvalidReason),
				zap.String("payer", verify.Payer))
			record(OutcomeRejected)
			g.sendPaymentRequired(w, res, requirement, paymentError(ErrInvalidPayment, verify.InvalidReason))
			return
		}

		payment := &Payment{Payer: verify.Payer, Requirements: requirement}
		buf := newBufferedResponse()
		next.ServeHTTP(buf, r.WithContext(context.WithValue(r.Context(), paymentKey{}, payment)))

		// The payer is only charged for responses that succeeded.
		if !buf.succeeded() {
			record(OutcomeUnsettled)
			buf.flush(w)
			return
		}

		settle, err := scheme.Settle(r.Context(), payload, &requirement)
		if err != nil || !settle.Success {
			reason := "settlement unavailable"
			if settle != nil && settle.ErrorReason != "" {
				reason = settle.ErrorReason
			}
			g.logger.Warn("payment settlement failed",
				zap.String("resource", res.ID),
				zap.String("payer", verify.Payer),
				zap.String("reason", reason),
				zap.Error(err))
			record(OutcomeSettlementFailed)
			g.sendPaymentRequired(w, res, requirement, paymentError(ErrSettlementFailed, reason))
			return
		}

		header, err := EncodeHeader(settle)
		if err != nil {
			g.internalError(w, "encode settlement", err)
			return
		}
		g.logger.Info("payment settled",
			zap.String("resource", res.ID),
			zap.String("payer", settle.Payer),
			zap.String("transaction", settle.Transaction),
			zap.String("amount", requirement.Amount))

		record(OutcomeSettled)
		w.Header().Set(HeaderPaymentResponse, header)
		buf.flush(w)
	})
}

// boundTo checks that the proof was made for requirement.
func boundTo(payload *PaymentPayload, requirement PaymentRequirements) bool {
	if !requirement.Matches(payload.Accepted) {
		return false
	}
	if payload.Resource != nil && payload.Resource.URL != "" && payload.Resource.URL != requirement.Resource {
		return false
	}
	return true
}

// sendPaymentRequired sends a 402 Payment Required response
func (g *Gateway) sendPaymentRequired(w http.ResponseWriter, res Resource, requirement PaymentRequirements, cause error) {
	body := PaymentRequired{
		X402Version: X402Version,
		Error:       challengeMessage(cause),
		Resource: &ResourceInfo{
			URL:         res.URL,
			Description: res.Description,
			MimeType:    res.MimeType,
		},
		Accepts: []PaymentRequirements{requirement},
	}

	header, err := EncodeHeader(body)
	if err != nil {
		g.internalError(w, "encode challenge", err)
		return
	}

	w.Header().Set(HeaderPaymentRequired, header)
	if w.Header().Get("Access-Control-Expose-Headers") == "" {
		w.Header().Set("Access-Control-Expose-Headers", HeaderPaymentRequired+", "+HeaderPaymentResponse)
	}
	writeJSON(w, http.StatusPaymentRequired, body)
}

func challengeMessage(err error) string {
	if errors.Is(err, ErrPaymentRequired) {
		return HeaderPaymentSignature + " header is required"
	}
	return err.Error()
}

func (g *Gateway) internalError(w http.ResponseWriter, op string, err error) {
	g.logger.Error("payment gateway error", zap.String("op", op), zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

func defaultNotFound(w http.ResponseWriter, _ *http.Request, err error) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not Found", "message": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Payment describes the verified payment behind a request.
type Payment struct {
	Payer        string
	Requirements PaymentRequirements
}

type paymentKey struct{}

// PaymentFromContext returns the verified payment for a request served
// through the gateway.
func PaymentFromContext(ctx context.Context) (*Payment, bool) {
	p, ok := ctx.Value(paymentKey{}).(*Payment)
	return p, ok
}
