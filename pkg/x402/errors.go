package x402

import "errors"

var (
	// ErrPaymentRequired means the request carried no proof at all.
	ErrPaymentRequired = errors.New("payment required")
	// ErrInvalidPayment means the proof could not be decoded or was rejected.
	ErrInvalidPayment = errors.New("invalid payment")
	// ErrRequirementMismatch means the proof is bound to a different
	// requirement than the one currently in force (stale price, wrong payee).
	ErrRequirementMismatch = errors.New("payment does not match current requirements")
	ErrSettlementFailed    = errors.New("payment settlement failed")
	// ErrResourceNotFound is returned by a ResourceFunc when the requested
	// resource does not exist. The gateway answers 404 without a challenge.
	ErrResourceNotFound   = errors.New("resource not found")
	ErrUnsupportedNetwork = errors.New("no payment scheme registered for network")
	ErrFacilitator        = errors.New("facilitator request failed")
)

// PaymentError carries the reason reported to the payer in the challenge.
type PaymentError struct {
	Err    error
	Reason string
}

func (e *PaymentError) Error() string {
	if e.Reason == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + ": " + e.Reason
}

func (e *PaymentError) Unwrap() error { return e.Err }

func paymentError(err error, reason string) *PaymentError {
	return &PaymentError{Err: err, Reason: reason}
}
