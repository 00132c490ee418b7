package x402

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

var transferWithAuthorizationTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"TransferWithAuthorization": {
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	},
}

// ChainID returns the numeric chain id of an eip155 network.
func ChainID(network NetworkType) (*big.Int, error) {
	ref, ok := strings.CutPrefix(string(network), "eip155:")
	if !ok || ref == "*" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, network)
	}
	id, ok := new(big.Int).SetString(ref, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, network)
	}
	return id, nil
}

// Payer signs exact EVM payments for the requirements a gateway advertises.
type Payer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	// Now defaults to time.Now.
	Now func() time.Time
}

// NewPayer loads a hex encoded secp256k1 private key.
func NewPayer(hexKey string) (*Payer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("payer key: %w", err)
	}
	return &Payer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the paying account.
func (p *Payer) Address() common.Address { return p.address }

// Pay builds a signed payment payload for req, valid until the requirement's
// timeout elapses. The random nonce makes every payload single use.
func (p *Payer) Pay(resource *ResourceInfo, req PaymentRequirements) (*PaymentPayload, error) {
	if req.Scheme != string(SchemeExact) {
		return nil, fmt.Errorf("x402: cannot pay scheme %q", req.Scheme)
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	timeout := req.MaxTimeoutSeconds
	if timeout <= 0 {
		timeout = DefaultMaxTimeoutSeconds
	}

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	t := now()
	auth := Authorization{
		From:        p.address.Hex(),
		To:          common.HexToAddress(req.PayTo).Hex(),
		Value:       req.Amount,
		ValidAfter:  strconv.FormatInt(t.Add(-10*time.Second).Unix(), 10),
		ValidBefore: strconv.FormatInt(t.Add(time.Duration(timeout)*time.Second).Unix(), 10),
		Nonce:       hexutil.Encode(nonce),
	}

	sig, err := p.sign(req, auth)
	if err != nil {
		return nil, err
	}
	inner, err := json.Marshal(ExactEVMPayload{Signature: hexutil.Encode(sig), Authorization: auth})
	if err != nil {
		return nil, err
	}
	return &PaymentPayload{
		X402Version: X402Version,
		Resource:    resource,
		Accepted:    req,
		Payload:     inner,
	}, nil
}

func (p *Payer) sign(req PaymentRequirements, auth Authorization) ([]byte, error) {
	chainID, err := ChainID(NetworkType(req.Network))
	if err != nil {
		return nil, err
	}
	name, _ := req.Extra["name"].(string)
	version, _ := req.Extra["version"].(string)
	if name == "" || version == "" {
		return nil, errors.New("x402: requirement lacks the asset's EIP-712 name and version")
	}

	hash, err := AuthorizationHash(chainID, common.HexToAddress(req.Asset), name, version, auth)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(hash, p.key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// AuthorizationHash is the EIP-712 digest of a TransferWithAuthorization
// (EIP-3009) on the token at asset.
func AuthorizationHash(chainID *big.Int, asset common.Address, name, version string, auth Authorization) ([]byte, error) {
	typed := apitypes.TypedData{
		Types:       transferWithAuthorizationTypes,
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              name,
			Version:           version,
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: asset.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From,
			"to":          auth.To,
			"value":       auth.Value,
			"validAfter":  auth.ValidAfter,
			"validBefore": auth.ValidBefore,
			"nonce":       auth.Nonce,
		},
	}
	hash, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return nil, fmt.Errorf("hash authorization: %w", err)
	}
	return hash, nil
}
