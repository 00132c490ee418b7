package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siddimore/x402-subnet-gateway/internal/config"
	"github.com/siddimore/x402-subnet-gateway/pkg/catalog"
	"github.com/siddimore/x402-subnet-gateway/pkg/fanout"
	"github.com/siddimore/x402-subnet-gateway/pkg/subnet"
	"github.com/siddimore/x402-subnet-gateway/pkg/x402"
)

const payTo = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"

type facilitatorStub struct {
	*httptest.Server
	verifies atomic.Int32
	settles  atomic.Int32
}

func newFacilitatorStub(t *testing.T) *facilitatorStub {
	t.Helper()
	f := &facilitatorStub{}
	mux := http.NewServeMux()
	mux.HandleFunc("/verify", func(w http.ResponseWriter, r *http.Request) {
		f.verifies.Add(1)
		_ = json.NewEncoder(w).Encode(x402.VerifyResponse{IsValid: true, Payer: "0x857b06519E91e3A54538791bDbb0E22373e36b66"})
	})
	mux.HandleFunc("/settle", func(w http.ResponseWriter, r *http.Request) {
		f.settles.Add(1)
		_ = json.NewEncoder(w).Encode(x402.SettleResponse{Success: true, Transaction: "0xfeed", Network: "eip155:84532"})
	})
	mux.HandleFunc("/supported", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(x402.SupportedResponse{Kinds: []x402.SupportedKind{
			{X402Version: 2, Scheme: "exact", Network: "eip155:84532"},
		}})
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func newTestServer(t *testing.T, f *facilitatorStub, rl config.RateLimit) http.Handler {
	t.Helper()
	return newTestServerWith(t, f, func(o *Options) { o.RateLimit = rl })
}

func newTestServerWith(t *testing.T, f *facilitatorStub, configure func(*Options)) http.Handler {
	t.Helper()
	cat := catalog.Default()
	sim := subnet.NewSimulator(subnet.WithEntropy(subnet.SeededEntropy(7)), subnet.WithDelay(subnet.NoDelay))
	engine := fanout.New(cat, subnet.NewClient(sim), fanout.WithConfidence(fanout.FixedConfidence(0.876)))

	opts := Options{
		Catalog:     cat,
		Engine:      engine,
		Facilitator: x402.NewCachedFacilitator(x402.NewHTTPFacilitator(f.URL), time.Minute),
		Network:     x402.NetworkBaseSepolia,
		PayTo:       payTo,
	}
	configure(&opts)

	srv, err := New(opts)
	require.NoError(t, err)
	return srv.Handler()
}

func get(h http.Handler, target string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func proofFor(t *testing.T, challenge *httptest.ResponseRecorder) string {
	t.Helper()
	var required x402.PaymentRequired
	require.NoError(t, x402.DecodeHeader(challenge.Header().Get(x402.HeaderPaymentRequired), &required))
	require.Len(t, required.Accepts, 1)
	accepted := required.Accepts[0]

	inner, err := json.Marshal(x402.ExactEVMPayload{
		Signature: "0x" + strings.Repeat("11", 65),
		Authorization: x402.Authorization{
			From:        "0x857b06519E91e3A54538791bDbb0E22373e36b66",
			To:          accepted.PayTo,
			Value:       accepted.Amount,
			ValidAfter:  "0",
			ValidBefore: fmt.Sprint(time.Now().Add(time.Minute).Unix()),
			Nonce:       "0x" + strings.Repeat("02", 32),
		},
	})
	require.NoError(t, err)
	header, err := x402.EncodeHeader(x402.PaymentPayload{
		X402Version: x402.X402Version,
		Resource:    required.Resource,
		Accepted:    accepted,
		Payload:     inner,
	})
	require.NoError(t, err)
	return header
}

func TestHealth(t *testing.T) {
	h := newTestServer(t, newFacilitatorStub(t), config.RateLimit{})

	rec := get(h, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestReady(t *testing.T) {
	f := newFacilitatorStub(t)
	h := newTestServer(t, f, config.RateLimit{})

	rec := get(h, "/health/ready", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body readyJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ready", body.Status)
	assert.True(t, body.Facilitator.SupportsNetwork)
	assert.Equal(t, "simulated", body.Subnets.Mode)
	assert.Equal(t, payTo, body.PayTo)
}

func TestReady_FacilitatorDown(t *testing.T) {
	f := newFacilitatorStub(t)
	h := newTestServer(t, f, config.RateLimit{})
	f.Close()

	rec := get(h, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "not ready")
}

func TestServices(t *testing.T) {
	h := newTestServer(t, newFacilitatorStub(t), config.RateLimit{})

	rec := get(h, "/api/rag/services", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Services []struct {
			ID            string `json:"id"`
			PricePerQuery string `json:"pricePerQuery"`
		} `json:"services"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Services, 4)
	assert.Equal(t, "general", body.Services[0].ID)
	assert.Equal(t, "$0.01", body.Services[0].PricePerQuery)
	assert.Equal(t, "$0.025", body.Services[3].PricePerQuery)
}

func TestQuery_Validation(t *testing.T) {
	f := newFacilitatorStub(t)
	h := newTestServer(t, f, config.RateLimit{})

	tests := []struct {
		name   string
		target string
		fields []string
	}{
		{"missing q", "/api/rag/query", []string{"q"}},
		{"blank q", "/api/rag/query?q=%20%20", []string{"q"}},
		{"long q", "/api/rag/query?q=" + strings.Repeat("a", 1001), []string{"q"}},
		{"maxResults too big", "/api/rag/query?q=x&maxResults=21", []string{"maxResults"}},
		{"maxResults zero", "/api/rag/query?q=x&maxResults=0", []string{"maxResults"}},
		{"maxResults not a number", "/api/rag/query?q=x&maxResults=ten", []string{"maxResults"}},
		{"bad service", "/api/rag/query?q=x&service=Not%20Valid", []string{"service"}},
		{"several", "/api/rag/query?maxResults=99", []string{"q", "maxResults"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(h, tt.target, nil)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, rec.Header().Get(x402.HeaderPaymentRequired))

			var body errorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "Validation Error", body.Error)
			var fields []string
			for _, d := range body.Details {
				fields = append(fields, d.Field)
			}
			assert.Equal(t, tt.fields, fields)
		})
	}
	assert.Zero(t, f.verifies.Load())
}

func TestQuery_UnknownService(t *testing.T) {
	h := newTestServer(t, newFacilitatorStub(t), config.RateLimit{})

	rec := get(h, "/api/rag/query?q=test&service=nonexistent", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, rec.Header().Get(x402.HeaderPaymentRequired))
	assert.Contains(t, rec.Body.String(), "nonexistent")
}

func TestQuery_Challenge(t *testing.T) {
	h := newTestServer(t, newFacilitatorStub(t), config.RateLimit{})

	rec := get(h, "/api/rag/query?q=What+is+machine+learning%3F", nil)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), x402.HeaderPaymentRequired)

	var required x402.PaymentRequired
	require.NoError(t, x402.DecodeHeader(rec.Header().Get(x402.HeaderPaymentRequired), &required))
	require.Len(t, required.Accepts, 1)
	assert.Equal(t, "10000", required.Accepts[0].Amount, "service defaults to general")
	assert.Equal(t, QueryPath+"?service=general", required.Accepts[0].Resource)

	rec = get(h, "/api/rag/query?q=x&service=financial", nil)
	require.NoError(t, x402.DecodeHeader(rec.Header().Get(x402.HeaderPaymentRequired), &required))
	assert.Equal(t, "25000", required.Accepts[0].Amount)
	assert.Equal(t, x402.DefaultMaxTimeoutSeconds, required.Accepts[0].MaxTimeoutSeconds)
}

func TestQuery_ChallengeTimeoutFromOptions(t *testing.T) {
	h := newTestServerWith(t, newFacilitatorStub(t), func(o *Options) { o.MaxTimeoutSeconds = 120 })

	rec := get(h, "/api/rag/query?q=x", nil)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	var required x402.PaymentRequired
	require.NoError(t, x402.DecodeHeader(rec.Header().Get(x402.HeaderPaymentRequired), &required))
	assert.Equal(t, 120, required.Accepts[0].MaxTimeoutSeconds)
}

func TestQuery_PaidFlow(t *testing.T) {
	f := newFacilitatorStub(t)
	h := newTestServer(t, f, config.RateLimit{})
	target := "/api/rag/query?q=What+is+machine+learning%3F&service=general&maxResults=3"

	challenge := get(h, target, nil)
	require.Equal(t, http.StatusPaymentRequired, challenge.Code)

	rec := get(h, target, map[string]string{x402.HeaderPaymentSignature: proofFor(t, challenge)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int32(1), f.settles.Load())

	var settle x402.SettleResponse
	require.NoError(t, x402.DecodeHeader(rec.Header().Get(x402.HeaderPaymentResponse), &settle))
	assert.Equal(t, "0xfeed", settle.Transaction)

	var body QueryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "What is machine learning?", body.Query)
	assert.Equal(t, "general", body.Service)
	require.Len(t, body.Results, 3)
	for i := 1; i < len(body.Results); i++ {
		assert.GreaterOrEqual(t, body.Results[i-1].RelevanceScore, body.Results[i].RelevanceScore)
	}
	for _, r := range body.Results {
		assert.Contains(t, []string{"subnet-1", "subnet-2", "subnet-5"}, r.Source.Subnet)
		assert.NotEmpty(t, r.Source.Document)
	}
	assert.Equal(t, []string{"subnet-1", "subnet-2", "subnet-5"}, body.Provenance.Subnets)
	assert.Len(t, body.Provenance.ResponseTimeBySubnet, 3)
	assert.GreaterOrEqual(t, body.Provenance.TotalSources, 6)
	assert.Empty(t, body.Provenance.FailedSubnets)
	assert.Equal(t, 0.88, body.QualityScore)
	assert.Equal(t, pricingJSON{Service: "general", Price: "$0.01"}, body.Pricing)
}

func TestQuery_ProofForCheaperServiceRejected(t *testing.T) {
	f := newFacilitatorStub(t)
	h := newTestServer(t, f, config.RateLimit{})

	cheap := get(h, "/api/rag/query?q=x&service=general", nil)
	rec := get(h, "/api/rag/query?q=x&service=financial", map[string]string{
		x402.HeaderPaymentSignature: proofFor(t, cheap),
	})

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Zero(t, f.verifies.Load())
	assert.Zero(t, f.settles.Load())
}

func TestRateLimit(t *testing.T) {
	h := newTestServer(t, newFacilitatorStub(t), config.RateLimit{RequestsPerSecond: 1, Burst: 1})

	codes := map[int]int{}
	for i := 0; i < 5; i++ {
		codes[get(h, "/api/rag/services", nil).Code]++
	}
	assert.Positive(t, codes[http.StatusOK])
	assert.Positive(t, codes[http.StatusTooManyRequests])

	assert.Equal(t, http.StatusOK, get(h, "/health", nil).Code, "health is not limited")
}

func TestRateLimit_ForwardedForIgnoredByDefault(t *testing.T) {
	h := newTestServer(t, newFacilitatorStub(t), config.RateLimit{RequestsPerSecond: 1, Burst: 1})

	codes := map[int]int{}
	for i := 0; i < 5; i++ {
		codes[get(h, "/api/rag/services", map[string]string{"X-Forwarded-For": fmt.Sprintf("198.51.100.%d", i+1)}).Code]++
	}
	assert.Positive(t, codes[http.StatusTooManyRequests], "rotating X-Forwarded-For must not reset the bucket")
}

func TestRateLimit_TrustProxyKeysOnForwardedFor(t *testing.T) {
	h := newTestServerWith(t, newFacilitatorStub(t), func(o *Options) {
		o.RateLimit = config.RateLimit{RequestsPerSecond: 1, Burst: 1}
		o.TrustProxy = true
	})

	for i := 0; i < 5; i++ {
		rec := get(h, "/api/rag/services", map[string]string{"X-Forwarded-For": fmt.Sprintf("198.51.100.%d", i+1)})
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newTestServer(t, newFacilitatorStub(t), config.RateLimit{})

	req := httptest.NewRequest(http.MethodOptions, "/api/rag/query", nil)
	req.Header.Set("Origin", "https://wallet.example")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), x402.HeaderPaymentSignature)
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), x402.HeaderPaymentResponse)
}

func TestUnknownRoute(t *testing.T) {
	h := newTestServer(t, newFacilitatorStub(t), config.RateLimit{})

	rec := get(h, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Not Found")
}

func TestParseQuery_Defaults(t *testing.T) {
	req, err := parseQuery(httptest.NewRequest(http.MethodGet, "/api/rag/query?q=%20hello%20", nil))
	require.NoError(t, err)
	assert.Equal(t, fanout.Request{Query: "hello", Service: DefaultService, MaxResults: fanout.DefaultMaxResults}, req)
}

func TestUsage(t *testing.T) {
	h := newTestServer(t, newFacilitatorStub(t), config.RateLimit{})
	target := "/api/rag/query?q=ml&service=code"

	challenge := get(h, target, nil)
	require.Equal(t, http.StatusPaymentRequired, challenge.Code)
	require.Equal(t, http.StatusOK, get(h, target, map[string]string{x402.HeaderPaymentSignature: proofFor(t, challenge)}).Code)

	rec := get(h, "/metrics/usage", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report x402.UsageReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, int64(1), report.TotalSettled)
	assert.Equal(t, "15000", report.TotalRevenue)
	require.Len(t, report.Resources, 1)
	assert.Equal(t, "code", report.Resources[0].Resource)
	assert.Equal(t, int64(1), report.Resources[0].Challenged)
}
