package subnet

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrSimulatedFailure is returned by a Simulator configured with a failure rate.
var ErrSimulatedFailure = errors.New("simulated subnet failure")

// Entropy returns the random stream for one simulated call. Each call gets its
// own *rand.Rand so concurrent subnet queries never share generator state.
type Entropy func(subnetID string, req Request) *rand.Rand

// SeededEntropy derives a per-call stream from seed and the call's inputs, so a
// given (seed, subnet, request) always yields the same results.
func SeededEntropy(seed int64) Entropy {
	return func(subnetID string, req Request) *rand.Rand {
		h := fnv.New64a()
		fmt.Fprintf(h, "%s\x00%s\x00%s\x00%d", subnetID, req.Service, req.Query, req.MaxResults)
		return rand.New(rand.NewSource(seed ^ int64(h.Sum64())))
	}
}

// TimeEntropy seeds every call from the wall clock.
func TimeEntropy() Entropy {
	var n atomic.Int64
	return func(string, Request) *rand.Rand {
		return rand.New(rand.NewSource(time.Now().UnixNano() + n.Add(1)))
	}
}

// Delay waits for d or until ctx is done.
type Delay func(ctx context.Context, d time.Duration) error

// SleepDelay is the real-time Delay.
func SleepDelay(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NoDelay returns immediately unless ctx is already done.
func NoDelay(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

// Simulator is a Backend producing plausible placeholder results with
// network-like latency.
type Simulator struct {
	entropy     Entropy
	delay       Delay
	minDelay    time.Duration
	maxDelay    time.Duration
	failureRate float64
	now         func() time.Time
}

var _ Backend = (*Simulator)(nil)

// SimulatorOption configures a Simulator.
type SimulatorOption func(*Simulator)

func WithEntropy(e Entropy) SimulatorOption {
	return func(s *Simulator) { s.entropy = e }
}

func WithDelay(d Delay) SimulatorOption {
	return func(s *Simulator) { s.delay = d }
}

// WithDelayRange sets the simulated latency bounds.
func WithDelayRange(lo, hi time.Duration) SimulatorOption {
	return func(s *Simulator) {
		if lo >= 0 && hi >= lo {
			s.minDelay, s.maxDelay = lo, hi
		}
	}
}

// WithFailureRate makes a fraction p of calls fail with ErrSimulatedFailure.
func WithFailureRate(p float64) SimulatorOption {
	return func(s *Simulator) { s.failureRate = p }
}

func WithSimulatorClock(now func() time.Time) SimulatorOption {
	return func(s *Simulator) { s.now = now }
}

// NewSimulator returns a Simulator with 50-300ms latency and no failures.
func NewSimulator(opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		entropy:  TimeEntropy(),
		delay:    SleepDelay,
		minDelay: 50 * time.Millisecond,
		maxDelay: 300 * time.Millisecond,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Query returns 2-4 results whose scores decay with rank.
func (s *Simulator) Query(ctx context.Context, subnetID string, req Request) ([]Result, error) {
	rng := s.entropy(subnetID, req)

	wait := s.minDelay + time.Duration(rng.Float64()*float64(s.maxDelay-s.minDelay))
	if err := s.delay(ctx, wait); err != nil {
		return nil, err
	}

	if s.failureRate > 0 && rng.Float64() < s.failureRate {
		return nil, ErrSimulatedFailure
	}

	count := rng.Intn(3) + 2
	results := make([]Result, 0, count)
	for i := 0; i < count; i++ {
		id, err := uuid.NewRandomFromReader(rng)
		if err != nil {
			return nil, err
		}
		docID := "doc-" + id.String()[:8]
		score := math.Round((0.95-float64(i)*0.1+rng.Float64()*0.05)*100) / 100

		results = append(results, Result{
			Text: fmt.Sprintf("[Mock] Result from %s for %q in %s domain. This is placeholder data that will be replaced with real subnet data.",
				subnetID, req.Query, req.Service),
			Score: clampScore(score),
			Source: Source{
				SubnetID:   subnetID,
				DocumentID: docID,
				URI:        fmt.Sprintf("reppo:%s:%s:%s", req.Service, subnetID, docID),
			},
			Metadata: map[string]any{
				"type":      "annotation",
				"verified":  rng.Float64() > 0.3,
				"timestamp": s.now().UTC().Format(time.RFC3339),
			},
		})
	}
	return results, nil
}
