package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/viccon/sturdyc"
	"go.uber.org/zap"
)

// DefaultFacilitatorURL is the public x402.org facilitator.
const DefaultFacilitatorURL = "https://x402.org/facilitator"

// Facilitator verifies and settles payments on the seller's behalf.
type Facilitator interface {
	Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error)
	Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error)
	Supported(ctx context.Context) (*SupportedResponse, error)
}

// facilitatorRequest is the body of /verify and /settle.
type facilitatorRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// HTTPFacilitator talks to a facilitator over its REST API.
type HTTPFacilitator struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

var _ Facilitator = (*HTTPFacilitator)(nil)

// FacilitatorOption configures an HTTPFacilitator.
type FacilitatorOption func(*HTTPFacilitator)

func WithFacilitatorHTTPClient(c *http.Client) FacilitatorOption {
	return func(f *HTTPFacilitator) { f.client = c }
}

func WithFacilitatorLogger(l *zap.Logger) FacilitatorOption {
	return func(f *HTTPFacilitator) { f.logger = l }
}

// NewHTTPFacilitator creates a client for the facilitator at baseURL.
func NewHTTPFacilitator(baseURL string, opts ...FacilitatorOption) *HTTPFacilitator {
	f := &HTTPFacilitator{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *HTTPFacilitator) Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error) {
	var out VerifyResponse
	if err := f.do(ctx, http.MethodPost, "/verify", facilitatorRequest{
		X402Version:         X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	}, &out); err != nil {
		return nil, err
	}
	f.logger.Debug("facilitator verify",
		zap.Bool("valid", out.IsValid),
		zap.String("reason", out.InvalidReason),
		zap.String("payer", out.Payer))
	return &out, nil
}

func (f *HTTPFacilitator) Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error) {
	var out SettleResponse
	if err := f.do(ctx, http.MethodPost, "/settle", facilitatorRequest{
		X402Version:         X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	}, &out); err != nil {
		return nil, err
	}
	f.logger.Debug("facilitator settle",
		zap.Bool("success", out.Success),
		zap.String("transaction", out.Transaction),
		zap.String("network", out.Network))
	return &out, nil
}

func (f *HTTPFacilitator) Supported(ctx context.Context) (*SupportedResponse, error) {
	var out SupportedResponse
	if err := f.do(ctx, http.MethodGet, "/supported", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do performs one facilitator call. Facilitators answer rejected payments
// with a 4xx and a well-formed body, so any body that decodes is returned to
// the caller; only undecodable replies are errors.
func (f *HTTPFacilitator) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, f.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrFacilitator, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %s: read body: %v", ErrFacilitator, path, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %s: status %d: %s", ErrFacilitator, path, resp.StatusCode, truncate(raw, 256))
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s: status %d", ErrFacilitator, path, resp.StatusCode)
	}
	return nil
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

const supportedCacheKey = "supported"

// CachedFacilitator memoizes Supported, which changes rarely and is polled by
// readiness checks. Verify and Settle always go through.
type CachedFacilitator struct {
	Facilitator
	supported *sturdyc.Client[*SupportedResponse]
}

// NewCachedFacilitator wraps inner, caching its supported kinds for ttl.
func NewCachedFacilitator(inner Facilitator, ttl time.Duration) *CachedFacilitator {
	return &CachedFacilitator{
		Facilitator: inner,
		supported:   sturdyc.New[*SupportedResponse](8, 1, ttl, 10),
	}
}

// Supported returns the cached kinds, fetching them on a miss. Concurrent
// misses share one upstream call.
func (c *CachedFacilitator) Supported(ctx context.Context) (*SupportedResponse, error) {
	return c.supported.GetOrFetch(ctx, supportedCacheKey, func(fetchCtx context.Context) (*SupportedResponse, error) {
		return c.Facilitator.Supported(fetchCtx)
	})
}
