package x402

import (
	"context"
	"encoding/json"
	"math/big"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well-known development key; never funded on a real network.
const devKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestPayer_SignsRecoverableAuthorization(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	payer, err := NewPayer(devKey)
	require.NoError(t, err)
	payer.Now = func() time.Time { return now }
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), payer.Address())

	scheme := &ExactEVMScheme{Facilitator: &recordingFacilitator{}, Now: func() time.Time { return now }}
	req, err := scheme.Requirements(NetworkBaseSepolia, testPayTo, decimal.RequireFromString("0.02"))
	require.NoError(t, err)
	req.MaxTimeoutSeconds = 60

	payload, err := payer.Pay(&ResourceInfo{URL: "/api/rag/query?service=scientific"}, req)
	require.NoError(t, err)
	assert.True(t, req.Matches(payload.Accepted))

	var inner ExactEVMPayload
	require.NoError(t, json.Unmarshal(payload.Payload, &inner))
	assert.Equal(t, "20000", inner.Authorization.Value)
	assert.Equal(t, strconv.FormatInt(now.Unix()+60, 10), inner.Authorization.ValidBefore)
	assert.Len(t, hexutil.MustDecode(inner.Authorization.Nonce), 32)

	sig := hexutil.MustDecode(inner.Signature)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	hash, err := AuthorizationHash(big.NewInt(84532), common.HexToAddress(req.Asset), "USDC", "2", inner.Authorization)
	require.NoError(t, err)
	sig[64] -= 27
	pub, err := crypto.SigToPub(hash, sig)
	require.NoError(t, err)
	assert.Equal(t, payer.Address(), crypto.PubkeyToAddress(*pub))

	verify, err := scheme.Verify(context.Background(), payload, &req)
	require.NoError(t, err)
	assert.True(t, verify.IsValid, verify.InvalidReason)
}

func TestPayer_FreshNonces(t *testing.T) {
	payer, err := NewPayer(devKey)
	require.NoError(t, err)
	req, err := (&ExactEVMScheme{}).Requirements(NetworkBaseSepolia, testPayTo, decimal.RequireFromString("0.01"))
	require.NoError(t, err)

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		payload, err := payer.Pay(nil, req)
		require.NoError(t, err)
		var inner ExactEVMPayload
		require.NoError(t, json.Unmarshal(payload.Payload, &inner))
		assert.False(t, seen[inner.Authorization.Nonce])
		seen[inner.Authorization.Nonce] = true
	}
}

func TestPayer_Errors(t *testing.T) {
	_, err := NewPayer("not-a-key")
	assert.Error(t, err)

	payer, err := NewPayer(devKey)
	require.NoError(t, err)

	_, err = payer.Pay(nil, PaymentRequirements{Scheme: "upto", Network: string(NetworkBaseSepolia)})
	assert.Error(t, err)

	_, err = payer.Pay(nil, PaymentRequirements{Scheme: "exact", Network: "eip155:84532", Asset: testPayTo, PayTo: testPayTo, Amount: "1"})
	assert.ErrorContains(t, err, "EIP-712")

	_, err = payer.Pay(nil, PaymentRequirements{Scheme: "exact", Network: "solana:mainnet", Extra: map[string]interface{}{"name": "USDC", "version": "2"}})
	assert.ErrorIs(t, err, ErrUnsupportedNetwork)
}

func TestChainID(t *testing.T) {
	id, err := ChainID(NetworkBaseMainnet)
	require.NoError(t, err)
	assert.Equal(t, int64(8453), id.Int64())

	_, err = ChainID(NetworkEVMWildcard)
	assert.ErrorIs(t, err, ErrUnsupportedNetwork)
}
