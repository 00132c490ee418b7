package subnet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// QueryPath is the route a subnet node serves.
const QueryPath = "/query"

// wireRequest is the JSON body POSTed to a subnet node.
type wireRequest struct {
	Subnet string `json:"subnet"`
	Request
}

// wireResponse is the JSON body a subnet node answers with.
type wireResponse struct {
	Subnet  string   `json:"subnet"`
	Results []Result `json:"results"`
	Error   string   `json:"error,omitempty"`
}

// HTTPBackend queries remote subnet nodes. Each subnet has its own circuit
// breaker; while a breaker is open, calls to that subnet fail immediately.
type HTTPBackend struct {
	endpoints map[string]string
	breakers  map[string]*gobreaker.CircuitBreaker
	client    *http.Client
	logger    *zap.Logger
}

var _ Backend = (*HTTPBackend)(nil)

// HTTPOption configures an HTTPBackend.
type HTTPOption func(*httpSettings)

type httpSettings struct {
	client       *http.Client
	logger       *zap.Logger
	maxFailures  uint32
	openDuration time.Duration
}

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *httpSettings) { s.client = c }
}

func WithHTTPLogger(l *zap.Logger) HTTPOption {
	return func(s *httpSettings) { s.logger = l }
}

// WithBreaker sets how many consecutive failures open a subnet's breaker and
// how long it stays open before a trial request is let through.
func WithBreaker(maxFailures uint32, openDuration time.Duration) HTTPOption {
	return func(s *httpSettings) {
		s.maxFailures = maxFailures
		s.openDuration = openDuration
	}
}

// NewHTTPBackend builds a backend for the given subnet id -> base URL map.
func NewHTTPBackend(endpoints map[string]string, opts ...HTTPOption) *HTTPBackend {
	settings := httpSettings{
		client:       &http.Client{},
		logger:       zap.NewNop(),
		maxFailures:  5,
		openDuration: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(&settings)
	}

	b := &HTTPBackend{
		endpoints: make(map[string]string, len(endpoints)),
		breakers:  make(map[string]*gobreaker.CircuitBreaker, len(endpoints)),
		client:    settings.client,
		logger:    settings.logger,
	}
	for id, url := range endpoints {
		b.endpoints[id] = strings.TrimRight(url, "/")
		b.breakers[id] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        id,
			MaxRequests: 1,
			Timeout:     settings.openDuration,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= settings.maxFailures
			},
			// Caller cancellation is not a subnet fault. Deadlines are.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				settings.logger.Info("subnet breaker state changed",
					zap.String("subnet", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
	}
	return b
}

// Serves reports whether subnetID has a configured endpoint.
func (b *HTTPBackend) Serves(subnetID string) bool {
	_, ok := b.endpoints[subnetID]
	return ok
}

// Routed sends subnets with a remote endpoint to Remote and the rest to Local.
type Routed struct {
	Remote *HTTPBackend
	Local  Backend
}

var _ Backend = Routed{}

func (r Routed) Query(ctx context.Context, subnetID string, req Request) ([]Result, error) {
	if r.Remote != nil && r.Remote.Serves(subnetID) {
		return r.Remote.Query(ctx, subnetID, req)
	}
	if r.Local == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubnet, subnetID)
	}
	return r.Local.Query(ctx, subnetID, req)
}

// Query POSTs req to the subnet's node.
func (b *HTTPBackend) Query(ctx context.Context, subnetID string, req Request) ([]Result, error) {
	endpoint, ok := b.endpoints[subnetID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubnet, subnetID)
	}

	out, err := b.breakers[subnetID].Execute(func() (interface{}, error) {
		return b.post(ctx, endpoint, subnetID, req)
	})
	if err != nil {
		return nil, err
	}
	return out.([]Result), nil
}

func (b *HTTPBackend) post(ctx context.Context, endpoint, subnetID string, req Request) ([]Result, error) {
	body, err := json.Marshal(wireRequest{Subnet: subnetID, Request: req})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+QueryPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("subnet %s: %w", subnetID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("subnet %s: status %d: %s", subnetID, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("subnet %s: decode response: %w", subnetID, err)
	}
	return wire.Results, nil
}

// Handler serves the subnet node protocol on top of any Backend.
func Handler(backend Backend, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeWire(w, http.StatusMethodNotAllowed, wireResponse{Error: "method not allowed"})
			return
		}

		var req wireRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
			writeWire(w, http.StatusBadRequest, wireResponse{Error: "invalid request body"})
			return
		}
		if req.Subnet == "" || req.Query == "" {
			writeWire(w, http.StatusBadRequest, wireResponse{Subnet: req.Subnet, Error: "subnet and query are required"})
			return
		}

		results, err := backend.Query(r.Context(), req.Subnet, req.Request)
		if err != nil {
			logger.Warn("subnet backend failed", zap.String("subnet", req.Subnet), zap.Error(err))
			writeWire(w, http.StatusServiceUnavailable, wireResponse{Subnet: req.Subnet, Error: err.Error()})
			return
		}
		writeWire(w, http.StatusOK, wireResponse{Subnet: req.Subnet, Results: results})
	})
}

func writeWire(w http.ResponseWriter, status int, body wireResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
