package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// EncodeHeader serializes v as base64 JSON for a payment header.
func EncodeHeader(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeHeader reverses EncodeHeader. Both padded and unpadded base64 are
// accepted, as are the URL-safe alphabets some clients emit.
func DecodeHeader(value string, v interface{}) error {
	value = strings.TrimSpace(value)
	var raw []byte
	var err error
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding,
	} {
		if raw, err = enc.DecodeString(value); err == nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("decode base64: %w", err)
	}
	return json.Unmarshal(raw, v)
}

// extractPaymentProof reads the payment proof from the v2 header, falling back
// to the v1 header. It returns ErrPaymentRequired when neither is present.
func extractPaymentProof(r *http.Request) (*PaymentPayload, error) {
	value := r.Header.Get(HeaderPaymentSignature)
	if value == "" {
		value = r.Header.Get(HeaderXPayment)
	}
	if value == "" {
		return nil, ErrPaymentRequired
	}

	var payload PaymentPayload
	if err := DecodeHeader(value, &payload); err != nil {
		return nil, paymentError(ErrInvalidPayment, "malformed payment header")
	}
	if len(payload.Payload) == 0 || string(payload.Payload) == "null" {
		return nil, paymentError(ErrInvalidPayment, "missing payload")
	}
	return &payload, nil
}
