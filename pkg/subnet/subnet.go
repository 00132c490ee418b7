// Package subnet queries a single data source ("subnet") for one request.
//
// A Backend is whatever actually answers queries: the in-process Simulator or a
// remote node reached through HTTPBackend. Client wraps a Backend with the
// guarantees the fan-out engine relies on: a per-call timeout, a response that
// is always produced (failures become an empty, failure-tagged Response) and a
// stable descending-score ordering of results.
package subnet

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout is the per-call ceiling applied by Client.
const DefaultTimeout = 2 * time.Second

// ErrUnknownSubnet is returned by backends that cannot route a subnet id.
var ErrUnknownSubnet = errors.New("unknown subnet")

// Request is one query addressed to a subnet.
type Request struct {
	Query      string `json:"query"`
	Service    string `json:"service"`
	MaxResults int    `json:"maxResults"`
}

// Source identifies where a result came from.
type Source struct {
	SubnetID   string `json:"subnet"`
	DocumentID string `json:"document"`
	URI        string `json:"uri"`
}

// Result is a single ranked passage returned by a subnet.
type Result struct {
	Text     string         `json:"text"`
	Score    float64        `json:"score"`
	Source   Source         `json:"source"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Response is the outcome of querying one subnet. It is produced for every
// subnet queried, including those that failed.
type Response struct {
	SubnetID string
	Results  []Result
	Latency  time.Duration
	// Err is non-nil when the subnet failed or timed out; Results is then empty.
	Err error
}

// Failed reports whether the subnet contributed no answer because of an error.
func (r Response) Failed() bool { return r.Err != nil }

// UnavailableError records why a subnet contributed nothing.
type UnavailableError struct {
	SubnetID string
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("subnet %s unavailable: %v", e.SubnetID, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Timeout reports whether the subnet exceeded its per-call deadline.
func (e *UnavailableError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// Backend answers queries for subnets. Implementations must honour ctx.
type Backend interface {
	Query(ctx context.Context, subnetID string, req Request) ([]Result, error)
}

// Client queries subnets through a Backend with per-call timeouts.
type Client struct {
	backend Backend
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-call timeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithClock overrides the clock used for latency measurement.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient wraps backend.
func NewClient(backend Backend, opts ...Option) *Client {
	c := &Client{
		backend: backend,
		timeout: DefaultTimeout,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type backendResult struct {
	results []Result
	err     error
}

// Query asks one subnet and never fails. Backend errors, timeouts and
// cancellation are folded into the returned Response.
func (c *Client) Query(ctx context.Context, subnetID string, req Request) Response {
	start := c.now()

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// The backend runs on its own goroutine so a backend that ignores its
	// context still cannot hold the caller past the deadline.
	done := make(chan backendResult, 1)
	go func() {
		results, err := c.backend.Query(callCtx, subnetID, req)
		done <- backendResult{results, err}
	}()

	var out backendResult
	select {
	case out = <-done:
	case <-callCtx.Done():
		out.err = callCtx.Err()
	}

	resp := Response{SubnetID: subnetID, Latency: c.now().Sub(start)}
	if out.err != nil {
		resp.Err = &UnavailableError{SubnetID: subnetID, Err: out.err}
		c.logger.Warn("subnet query failed",
			zap.String("subnet", subnetID),
			zap.Duration("latency", resp.Latency),
			zap.Error(out.err))
		return resp
	}

	resp.Results = Rank(out.results)
	c.logger.Debug("subnet query completed",
		zap.String("subnet", subnetID),
		zap.Int("results", len(resp.Results)),
		zap.Duration("latency", resp.Latency))
	return resp
}

// Rank clamps scores to [0,1] and stable-sorts results by descending score, so
// equal scores keep their emission order.
func Rank(results []Result) []Result {
	out := make([]Result, len(results))
	copy(out, results)
	for i := range out {
		out[i].Score = clampScore(out[i].Score)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}

func clampScore(s float64) float64 {
	switch {
	case math.IsNaN(s) || s < 0:
		return 0
	case s > 1:
		return 1
	default:
		return s
	}
}
