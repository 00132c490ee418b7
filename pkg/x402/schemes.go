package x402

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

// SchemeType identifies a payment scheme.
type SchemeType string

// SchemeExact transfers an exact amount (EIP-3009 on EVM chains).
const SchemeExact SchemeType = "exact"

// NetworkType is a CAIP-2 network identifier.
type NetworkType string

const (
	NetworkEthereumMainnet NetworkType = "eip155:1"
	NetworkBaseMainnet     NetworkType = "eip155:8453"
	NetworkBaseSepolia     NetworkType = "eip155:84532"
	NetworkOptimism        NetworkType = "eip155:10"
	NetworkArbitrum        NetworkType = "eip155:42161"
	NetworkPolygon         NetworkType = "eip155:137"
	NetworkEVMWildcard     NetworkType = "eip155:*" // All EVM chains
)

// Scheme is a payment verification strategy for one family of networks.
type Scheme interface {
	Type() SchemeType

	// SupportedNetworks may contain wildcard patterns such as "eip155:*".
	SupportedNetworks() []NetworkType

	// Requirements builds the requirement for charging price (USD) on network
	// to payTo. It must be a pure function of its arguments.
	Requirements(network NetworkType, payTo string, price decimal.Decimal) (PaymentRequirements, error)

	Verify(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*VerifyResponse, error)
	Settle(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*SettleResponse, error)
}

// SchemeRegistry maps networks to the scheme that handles them.
type SchemeRegistry struct {
	mu      sync.RWMutex
	schemes map[NetworkType]Scheme
}

// NewSchemeRegistry creates a registry holding the given schemes.
func NewSchemeRegistry(schemes ...Scheme) *SchemeRegistry {
	r := &SchemeRegistry{schemes: make(map[NetworkType]Scheme)}
	for _, s := range schemes {
		r.Register(s)
	}
	return r
}

// Register binds scheme to every network it supports. A later registration
// for the same network replaces the earlier one.
func (r *SchemeRegistry) Register(scheme Scheme) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range scheme.SupportedNetworks() {
		r.schemes[n] = scheme
	}
}

// Lookup finds the scheme for network. Exact registrations win over
// wildcard ones.
func (r *SchemeRegistry) Lookup(network NetworkType) (Scheme, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.schemes[network]; ok {
		return s, true
	}
	for pattern, s := range r.schemes {
		if isWildcardMatch(pattern, network) {
			return s, true
		}
	}
	return nil, false
}

// SupportsNetwork reports whether any registered scheme handles network.
func (r *SchemeRegistry) SupportsNetwork(network NetworkType) bool {
	_, ok := r.Lookup(network)
	return ok
}

// Networks lists the registered network patterns, sorted.
func (r *SchemeRegistry) Networks() []NetworkType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NetworkType, 0, len(r.schemes))
	for n := range r.schemes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// isWildcardMatch checks if a wildcard network matches a specific network
func isWildcardMatch(pattern, network NetworkType) bool {
	// eip155:* matches eip155:8453
	if len(pattern) < 2 || pattern[len(pattern)-1] != '*' {
		return false
	}
	prefix := pattern[:len(pattern)-1]
	return len(network) > len(prefix) && strings.HasPrefix(string(network), string(prefix))
}

// Asset is an ERC-20 token accepted for payment. Name and Version are the
// token's EIP-712 domain values; payers need them to sign.
type Asset struct {
	Address  string
	Name     string
	Version  string
	Decimals int32
}

// USDC deployments on the networks served out of the box.
var USDC = map[NetworkType]Asset{
	NetworkBaseSepolia: {Address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", Name: "USDC", Version: "2", Decimals: 6},
	NetworkBaseMainnet: {Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Name: "USD Coin", Version: "2", Decimals: 6},
}

// ExactEVMScheme implements the exact scheme on EVM chains. Signature
// checking and settlement are delegated to the facilitator; the scheme only
// rejects payloads that are malformed or obviously aimed elsewhere.
type ExactEVMScheme struct {
	Facilitator Facilitator
	// Assets overrides USDC when set.
	Assets map[NetworkType]Asset
	Now    func() time.Time
}

var _ Scheme = (*ExactEVMScheme)(nil)

func (s *ExactEVMScheme) Type() SchemeType {
	return SchemeExact
}

func (s *ExactEVMScheme) SupportedNetworks() []NetworkType {
	networks := make([]NetworkType, 0, len(s.assets()))
	for n := range s.assets() {
		networks = append(networks, n)
	}
	return networks
}

func (s *ExactEVMScheme) assets() map[NetworkType]Asset {
	if s.Assets != nil {
		return s.Assets
	}
	return USDC
}

// Requirements converts price to the asset's atomic units. Prices finer than
// one atomic unit are rejected rather than rounded.
func (s *ExactEVMScheme) Requirements(network NetworkType, payTo string, price decimal.Decimal) (PaymentRequirements, error) {
	asset, ok := s.assets()[network]
	if !ok {
		return PaymentRequirements{}, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, network)
	}
	if !common.IsHexAddress(payTo) {
		return PaymentRequirements{}, fmt.Errorf("invalid payTo address %q", payTo)
	}
	if !price.IsPositive() {
		return PaymentRequirements{}, fmt.Errorf("price must be positive, got %s", price)
	}
	atomic := price.Shift(asset.Decimals)
	if !atomic.Equal(atomic.Truncate(0)) {
		return PaymentRequirements{}, fmt.Errorf("price %s is finer than one unit of %s", price, asset.Name)
	}

	return PaymentRequirements{
		Scheme:  string(SchemeExact),
		Network: string(network),
		Amount:  atomic.String(),
		Asset:   common.HexToAddress(asset.Address).Hex(),
		PayTo:   common.HexToAddress(payTo).Hex(),
		Extra: map[string]interface{}{
			"name":    asset.Name,
			"version": asset.Version,
		},
	}, nil
}

// ExactEVMPayload is the scheme specific part of an exact EVM proof.
type ExactEVMPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// Authorization mirrors EIP-3009 TransferWithAuthorization.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// Verify prechecks the authorization against requirements, then asks the
// facilitator.
func (s *ExactEVMScheme) Verify(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*VerifyResponse, error) {
	if reason := s.precheck(payload, requirements); reason != "" {
		return &VerifyResponse{IsValid: false, InvalidReason: reason}, nil
	}
	return s.Facilitator.Verify(ctx, *payload, *requirements)
}

func (s *ExactEVMScheme) Settle(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*SettleResponse, error) {
	return s.Facilitator.Settle(ctx, *payload, *requirements)
}

func (s *ExactEVMScheme) precheck(payload *PaymentPayload, req *PaymentRequirements) string {
	var p ExactEVMPayload
	if err := json.Unmarshal(payload.Payload, &p); err != nil {
		return "invalid_payload"
	}
	sig, err := hexutil.Decode(p.Signature)
	if err != nil || len(sig) != 65 {
		return "invalid_signature_format"
	}
	auth := p.Authorization
	if !common.IsHexAddress(auth.From) {
		return "invalid_payer"
	}
	if !sameAddress(auth.To, req.PayTo) {
		return "invalid_recipient"
	}
	if auth.Value != req.Amount {
		return "invalid_amount"
	}
	before, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return "invalid_valid_before"
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	if before.Cmp(big.NewInt(now().Unix())) <= 0 {
		return "authorization_expired"
	}
	return ""
}
