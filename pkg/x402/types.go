package x402

import (
	"encoding/json"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// X402Version is the protocol version this package speaks.
const X402Version = 2

// Header names used on the wire.
const (
	HeaderPaymentRequired  = "PAYMENT-REQUIRED"
	HeaderPaymentSignature = "PAYMENT-SIGNATURE"
	HeaderPaymentResponse  = "PAYMENT-RESPONSE"
	// HeaderXPayment is the v1 proof header, still accepted.
	HeaderXPayment = "X-PAYMENT"
)

// ResourceInfo describes the resource a payment unlocks.
type ResourceInfo struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PaymentRequirements is one acceptable way to pay for a resource.
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           string                 `json:"network"`
	Amount            string                 `json:"amount"`
	Asset             string                 `json:"asset"`
	PayTo             string                 `json:"payTo"`
	Resource          string                 `json:"resource,omitempty"`
	Description       string                 `json:"description,omitempty"`
	MimeType          string                 `json:"mimeType,omitempty"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// Matches reports whether a requirement echoed back by a payer binds to the
// same payment as r. Addresses compare case-insensitively; descriptive fields
// and the timeout window are ignored.
func (r PaymentRequirements) Matches(other PaymentRequirements) bool {
	return r.Scheme == other.Scheme &&
		r.Network == other.Network &&
		r.Amount == other.Amount &&
		sameAddress(r.Asset, other.Asset) &&
		sameAddress(r.PayTo, other.PayTo) &&
		(other.Resource == "" || r.Resource == other.Resource)
}

func sameAddress(a, b string) bool {
	if common.IsHexAddress(a) && common.IsHexAddress(b) {
		return common.HexToAddress(a) == common.HexToAddress(b)
	}
	return strings.EqualFold(a, b)
}

// PaymentRequired is the challenge envelope sent with a 402.
type PaymentRequired struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Resource    *ResourceInfo         `json:"resource,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// PaymentPayload is the proof a payer attaches to a retried request.
// Payload is scheme specific and passed to the facilitator untouched.
type PaymentPayload struct {
	X402Version int                 `json:"x402Version"`
	Resource    *ResourceInfo       `json:"resource,omitempty"`
	Accepted    PaymentRequirements `json:"accepted"`
	Payload     json.RawMessage     `json:"payload"`
}

// VerifyResponse is the facilitator's answer to /verify.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the facilitator's answer to /settle. It is also what the
// PAYMENT-RESPONSE header carries back to the payer.
type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
}

// SupportedKind is one scheme/network pair a facilitator can process.
type SupportedKind struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     string                 `json:"network"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse lists what a facilitator supports.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// Supports reports whether the facilitator lists the scheme on network.
func (s *SupportedResponse) Supports(scheme, network string) bool {
	if s == nil {
		return false
	}
	for _, k := range s.Kinds {
		if k.Scheme == scheme && k.Network == network {
			return true
		}
	}
	return false
}
