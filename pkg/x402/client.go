package x402

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrPaymentDeclined is returned when an Approve callback refuses a price.
var ErrPaymentDeclined = errors.New("payment declined")

const (
	maxResponseBody = 4 << 20
	userAgent       = "x402-client/1.0"
)

// ApproveFunc decides whether to pay requirement. Returning an error aborts
// the request before anything is signed.
type ApproveFunc func(requirement PaymentRequirements) error

// PaidResponse is the final answer to a request made through Client.
type PaidResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Requirement is what was paid, nil when the resource was free.
	Requirement *PaymentRequirements
	// Settlement is the decoded PAYMENT-RESPONSE header, if any.
	Settlement *SettleResponse
}

// Client performs the buyer side of the protocol: request, read the 402
// challenge, sign with Payer and retry once with the proof.
type Client struct {
	payer  *Payer
	http   *http.Client
	legacy bool
	logger *zap.Logger
}

type ClientOption func(*Client)

func WithClientHTTP(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

// WithLegacyHeader sends proofs in X-PAYMENT instead of PAYMENT-SIGNATURE.
func WithLegacyHeader() ClientOption {
	return func(cl *Client) { cl.legacy = true }
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(cl *Client) { cl.logger = l }
}

// NewClient returns a Client paying with payer.
func NewClient(payer *Payer, opts ...ClientOption) *Client {
	c := &Client{
		payer:  payer,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Payer returns the account the client pays from.
func (c *Client) Payer() *Payer { return c.payer }

// Quote fetches url without paying. It returns the challenge when the
// resource is priced and nil when it answered without one.
func (c *Client) Quote(ctx context.Context, url string) (*PaymentRequired, *PaidResponse, error) {
	resp, err := c.get(ctx, url, "", "")
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, resp, nil
	}
	required, err := decodeChallenge(resp.Header)
	if err != nil {
		return nil, resp, err
	}
	return required, resp, nil
}

// Get fetches url, paying the first accepted requirement when challenged.
// approve may be nil to pay any price.
func (c *Client) Get(ctx context.Context, url string, approve ApproveFunc) (*PaidResponse, error) {
	required, resp, err := c.Quote(ctx, url)
	if err != nil || required == nil {
		return resp, err
	}
	if len(required.Accepts) == 0 {
		return resp, errors.New("x402: challenge lists no accepted payment")
	}
	requirement := required.Accepts[0]
	if approve != nil {
		if err := approve(requirement); err != nil {
			return resp, err
		}
	}

	payload, err := c.payer.Pay(required.Resource, requirement)
	if err != nil {
		return resp, err
	}
	proof, err := EncodeHeader(payload)
	if err != nil {
		return resp, err
	}
	header := HeaderPaymentSignature
	if c.legacy {
		header = HeaderXPayment
	}

	c.logger.Debug("paying",
		zap.String("url", url),
		zap.String("amount", requirement.Amount),
		zap.String("network", requirement.Network))

	paid, err := c.get(ctx, url, header, proof)
	if err != nil {
		return nil, err
	}
	if paid.StatusCode == http.StatusPaymentRequired {
		reason := "payment rejected"
		if again, derr := decodeChallenge(paid.Header); derr == nil && again.Error != "" {
			reason = strings.TrimPrefix(again.Error, ErrInvalidPayment.Error()+": ")
		}
		return paid, paymentError(ErrInvalidPayment, reason)
	}
	paid.Requirement = &requirement
	if v := paid.Header.Get(HeaderPaymentResponse); v != "" {
		var settle SettleResponse
		if err := DecodeHeader(v, &settle); err == nil {
			paid.Settlement = &settle
		}
	}
	return paid, nil
}

func (c *Client) get(ctx context.Context, url, header, value string) (*PaidResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	if header != "" {
		req.Header.Set(header, value)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, err
	}
	return &PaidResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func decodeChallenge(h http.Header) (*PaymentRequired, error) {
	v := h.Get(HeaderPaymentRequired)
	if v == "" {
		return nil, fmt.Errorf("x402: 402 response without %s header", HeaderPaymentRequired)
	}
	var required PaymentRequired
	if err := DecodeHeader(v, &required); err != nil {
		return nil, err
	}
	return &required, nil
}
