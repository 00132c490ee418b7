package subnet

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backendFunc func(ctx context.Context, subnetID string, req Request) ([]Result, error)

func (f backendFunc) Query(ctx context.Context, subnetID string, req Request) ([]Result, error) {
	return f(ctx, subnetID, req)
}

func testRequest() Request {
	return Request{Query: "What is machine learning?", Service: "general", MaxResults: 5}
}

func TestClient_RanksStably(t *testing.T) {
	backend := backendFunc(func(context.Context, string, Request) ([]Result, error) {
		return []Result{
			{Text: "a", Score: 0.5},
			{Text: "b", Score: 0.9},
			{Text: "c", Score: 0.5},
			{Text: "d", Score: 1.7},
		}, nil
	})

	resp := NewClient(backend).Query(context.Background(), "subnet-1", testRequest())

	require.False(t, resp.Failed())
	texts := make([]string, len(resp.Results))
	for i, r := range resp.Results {
		texts[i] = r.Text
	}
	assert.Equal(t, []string{"d", "b", "a", "c"}, texts)
	assert.Equal(t, 1.0, resp.Results[0].Score, "scores are clamped to [0,1]")
}

func TestClient_FailureBecomesEmptyResponse(t *testing.T) {
	boom := errors.New("boom")
	backend := backendFunc(func(context.Context, string, Request) ([]Result, error) {
		return nil, boom
	})

	resp := NewClient(backend).Query(context.Background(), "subnet-3", testRequest())

	assert.Equal(t, "subnet-3", resp.SubnetID)
	assert.Empty(t, resp.Results)
	require.True(t, resp.Failed())

	var unavailable *UnavailableError
	require.ErrorAs(t, resp.Err, &unavailable)
	assert.Equal(t, "subnet-3", unavailable.SubnetID)
	assert.ErrorIs(t, resp.Err, boom)
	assert.False(t, unavailable.Timeout())
}

func TestClient_TimeoutEvenIfBackendIgnoresContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	backend := backendFunc(func(context.Context, string, Request) ([]Result, error) {
		<-release
		return []Result{{Text: "late", Score: 1}}, nil
	})

	start := time.Now()
	resp := NewClient(backend, WithTimeout(20*time.Millisecond)).Query(context.Background(), "subnet-1", testRequest())

	assert.Less(t, time.Since(start), time.Second)
	require.True(t, resp.Failed())
	var unavailable *UnavailableError
	require.ErrorAs(t, resp.Err, &unavailable)
	assert.True(t, unavailable.Timeout())
	assert.Empty(t, resp.Results)
}

func TestClient_ParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sim := NewSimulator(WithEntropy(SeededEntropy(1)))
	resp := NewClient(sim).Query(ctx, "subnet-1", testRequest())

	require.True(t, resp.Failed())
	assert.ErrorIs(t, resp.Err, context.Canceled)
}

func TestSimulator_Deterministic(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	newSim := func() *Simulator {
		return NewSimulator(
			WithEntropy(SeededEntropy(42)),
			WithDelay(NoDelay),
			WithSimulatorClock(func() time.Time { return fixed }),
		)
	}

	a, err := newSim().Query(context.Background(), "subnet-2", testRequest())
	require.NoError(t, err)
	b, err := newSim().Query(context.Background(), "subnet-2", testRequest())
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.GreaterOrEqual(t, len(a), 2)
	assert.LessOrEqual(t, len(a), 4)
	for _, r := range a {
		assert.GreaterOrEqual(t, r.Score, 0.0)
		assert.LessOrEqual(t, r.Score, 1.0)
		assert.Equal(t, "subnet-2", r.Source.SubnetID)
		assert.Contains(t, r.Source.URI, "reppo:general:subnet-2:doc-")
	}
}

func TestSimulator_DelayWithinRange(t *testing.T) {
	var waited time.Duration
	sim := NewSimulator(
		WithEntropy(SeededEntropy(7)),
		WithDelay(func(_ context.Context, d time.Duration) error {
			waited = d
			return nil
		}),
	)

	_, err := sim.Query(context.Background(), "subnet-1", testRequest())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, waited, 50*time.Millisecond)
	assert.LessOrEqual(t, waited, 300*time.Millisecond)
}

func TestSimulator_FailureRate(t *testing.T) {
	sim := NewSimulator(WithEntropy(SeededEntropy(3)), WithDelay(NoDelay), WithFailureRate(1))

	_, err := sim.Query(context.Background(), "subnet-1", testRequest())
	assert.ErrorIs(t, err, ErrSimulatedFailure)
}

func TestHTTPBackend_RoundTrip(t *testing.T) {
	sim := NewSimulator(WithEntropy(SeededEntropy(9)), WithDelay(NoDelay))
	node := httptest.NewServer(Handler(sim, nil))
	defer node.Close()

	backend := NewHTTPBackend(map[string]string{"subnet-4": node.URL + "/"})

	got, err := backend.Query(context.Background(), "subnet-4", testRequest())
	require.NoError(t, err)

	want, err := sim.Query(context.Background(), "subnet-4", testRequest())
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Source, got[i].Source)
		assert.Equal(t, want[i].Score, got[i].Score)
	}
}

func TestHTTPBackend_UnknownSubnet(t *testing.T) {
	backend := NewHTTPBackend(map[string]string{})

	_, err := backend.Query(context.Background(), "subnet-1", testRequest())
	assert.ErrorIs(t, err, ErrUnknownSubnet)
}

func TestRouted_SplitsRemoteAndLocal(t *testing.T) {
	remoteSim := NewSimulator(WithEntropy(SeededEntropy(9)), WithDelay(NoDelay))
	node := httptest.NewServer(Handler(remoteSim, nil))
	defer node.Close()

	var local atomic.Int32
	r := Routed{
		Remote: NewHTTPBackend(map[string]string{"subnet-4": node.URL}),
		Local: backendFunc(func(_ context.Context, subnetID string, _ Request) ([]Result, error) {
			local.Add(1)
			return []Result{{Text: subnetID, Score: 0.5}}, nil
		}),
	}

	got, err := r.Query(context.Background(), "subnet-4", testRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, got)
	assert.Zero(t, local.Load())

	got, err = r.Query(context.Background(), "subnet-6", testRequest())
	require.NoError(t, err)
	assert.Equal(t, "subnet-6", got[0].Text)
	assert.Equal(t, int32(1), local.Load())

	_, err = Routed{}.Query(context.Background(), "subnet-6", testRequest())
	assert.ErrorIs(t, err, ErrUnknownSubnet)
}

func TestHTTPBackend_BreakerOpens(t *testing.T) {
	var hits atomic.Int32
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer node.Close()

	backend := NewHTTPBackend(map[string]string{"subnet-1": node.URL}, WithBreaker(2, time.Minute))

	for i := 0; i < 2; i++ {
		_, err := backend.Query(context.Background(), "subnet-1", testRequest())
		require.Error(t, err)
	}
	_, err := backend.Query(context.Background(), "subnet-1", testRequest())
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), hits.Load())
}

func TestHTTPBackend_CallerCancellationKeepsBreakerClosed(t *testing.T) {
	node := httptest.NewServer(Handler(NewSimulator(WithDelay(NoDelay)), nil))
	defer node.Close()

	backend := NewHTTPBackend(map[string]string{"subnet-1": node.URL}, WithBreaker(3, time.Minute))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 3; i++ {
		_, err := backend.Query(cancelled, "subnet-1", testRequest())
		require.ErrorIs(t, err, context.Canceled)
	}

	results, err := backend.Query(context.Background(), "subnet-1", testRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, results)
}

func TestHTTPBackend_DeadlinesTripBreaker(t *testing.T) {
	release := make(chan struct{})
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer node.Close()
	defer close(release)

	backend := NewHTTPBackend(map[string]string{"subnet-1": node.URL}, WithBreaker(2, time.Minute))
	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		_, err := backend.Query(ctx, "subnet-1", testRequest())
		cancel()
		require.ErrorIs(t, err, context.DeadlineExceeded)
	}

	_, err := backend.Query(context.Background(), "subnet-1", testRequest())
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestHandler_RejectsBadRequests(t *testing.T) {
	h := Handler(NewSimulator(WithDelay(NoDelay)), nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, QueryPath, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, QueryPath, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
