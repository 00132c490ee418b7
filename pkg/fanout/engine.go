// Package fanout broadcasts one query to every subnet serving a service,
// waits for all of them, and merges their answers into a single ranked
// response with per-subnet provenance.
package fanout

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/siddimore/x402-subnet-gateway/pkg/catalog"
	"github.com/siddimore/x402-subnet-gateway/pkg/subnet"
)

// DefaultMaxTopResults bounds the merged result list regardless of the
// requested maxResults.
const DefaultMaxTopResults = 5

// DefaultMaxResults applies when a request does not set MaxResults.
const DefaultMaxResults = 5

// ErrNoSubnets is returned when a service resolves to no subnet at all.
var ErrNoSubnets = errors.New("no subnets resolved for service")

// Querier is the per-subnet query operation the engine depends on.
// *subnet.Client implements it.
type Querier interface {
	Query(ctx context.Context, subnetID string, req subnet.Request) subnet.Response
}

// Request is a broadcast query.
type Request struct {
	Query      string
	Service    string
	MaxResults int
}

// Response is the merged outcome of a broadcast.
type Response struct {
	TopResults []subnet.Result
	// SubnetsQueried lists every subnet dispatched, in resolution order,
	// whether or not it returned results.
	SubnetsQueried []string
	// Subnets holds the per-subnet responses in the same order.
	Subnets      []subnet.Response
	Confidence   float64
	TotalLatency time.Duration
}

// FailedSubnets returns the ids of subnets that errored or timed out.
func (r *Response) FailedSubnets() []string {
	var failed []string
	for _, s := range r.Subnets {
		if s.Failed() {
			failed = append(failed, s.SubnetID)
		}
	}
	return failed
}

// Engine runs broadcasts. It is safe for concurrent use.
type Engine struct {
	registry      catalog.Registry
	querier       Querier
	maxTopResults int
	confidence    ConfidenceFunc
	logger        *zap.Logger
	now           func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxTopResults overrides the absolute ceiling on merged results.
func WithMaxTopResults(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxTopResults = n
		}
	}
}

func WithConfidence(f ConfidenceFunc) Option {
	return func(e *Engine) { e.confidence = f }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds an Engine over an injected catalog and subnet querier.
func New(registry catalog.Registry, querier Querier, opts ...Option) *Engine {
	e := &Engine{
		registry:      registry,
		querier:       querier,
		maxTopResults: DefaultMaxTopResults,
		confidence:    JitteredConfidence(nil),
		logger:        zap.NewNop(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Broadcast queries every subnet of req.Service concurrently and merges the
// results. Services missing from the catalog fall back to the default subnet
// set. Subnet failures never fail the broadcast; they only shrink the pool.
func (e *Engine) Broadcast(ctx context.Context, req Request) (*Response, error) {
	subnets := catalog.SubnetsOrDefault(e.registry, req.Service)
	if len(subnets) == 0 {
		return nil, ErrNoSubnets
	}
	if req.MaxResults <= 0 {
		req.MaxResults = DefaultMaxResults
	}

	e.logger.Debug("broadcasting query",
		zap.String("service", req.Service),
		zap.Strings("subnets", subnets))

	start := e.now()
	responses := e.dispatch(ctx, subnets, subnet.Request{
		Query:      req.Query,
		Service:    req.Service,
		MaxResults: req.MaxResults,
	})
	total := e.now().Sub(start)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	top := merge(responses, e.topN(req.MaxResults))
	resp := &Response{
		TopResults:     top,
		SubnetsQueried: subnets,
		Subnets:        responses,
		Confidence:     clampConfidence(e.confidence(top, responses)),
		TotalLatency:   total,
	}

	e.logger.Debug("broadcast completed",
		zap.String("service", req.Service),
		zap.Int("results", len(top)),
		zap.Int("subnets_queried", len(subnets)),
		zap.Strings("subnets_failed", resp.FailedSubnets()),
		zap.Duration("total_latency", total))
	return resp, nil
}

// dispatch runs one query per subnet and waits for every one of them.
func (e *Engine) dispatch(ctx context.Context, subnets []string, req subnet.Request) []subnet.Response {
	responses := make([]subnet.Response, len(subnets))

	var wg sync.WaitGroup
	wg.Add(len(subnets))
	for i, id := range subnets {
		go func(i int, id string) {
			defer wg.Done()
			responses[i] = e.querier.Query(ctx, id, req)
		}(i, id)
	}
	wg.Wait()

	return responses
}

func (e *Engine) topN(requested int) int {
	if requested < e.maxTopResults {
		return requested
	}
	return e.maxTopResults
}

// merge pools results in subnet order, then each subnet's own order, and
// stable-sorts by descending score. Ties therefore resolve by subnet position
// and then by position within that subnet.
func merge(responses []subnet.Response, limit int) []subnet.Result {
	var pool []subnet.Result
	for _, r := range responses {
		pool = append(pool, r.Results...)
	}
	sort.SliceStable(pool, func(i, j int) bool {
		return pool[i].Score > pool[j].Score
	})
	if len(pool) > limit {
		pool = pool[:limit]
	}
	if pool == nil {
		pool = []subnet.Result{}
	}
	return pool
}
