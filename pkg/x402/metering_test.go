package x402

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryMeter_Aggregates(t *testing.T) {
	m := NewInMemoryMeter()

	for i := 0; i < 3; i++ {
		m.Record(UsageEvent{Resource: "general", Outcome: OutcomeSettled, Amount: "10000", Latency: time.Duration(10*(i+1)) * time.Millisecond})
	}
	m.Record(UsageEvent{Resource: "general", Outcome: OutcomeChallenged, Amount: "10000"})
	m.Record(UsageEvent{Resource: "general", Outcome: OutcomeRejected, Amount: "10000"})
	m.Record(UsageEvent{Resource: "financial", Outcome: OutcomeSettled, Amount: "25000", Latency: 5 * time.Millisecond})
	m.Record(UsageEvent{Resource: "financial", Outcome: OutcomeSettlementFailed, Amount: "25000"})
	m.Record(UsageEvent{Resource: "code", Outcome: OutcomeUnsettled, Amount: "15000"})

	report := m.Report()
	assert.Equal(t, int64(4), report.TotalSettled)
	assert.Equal(t, "55000", report.TotalRevenue)
	require.Len(t, report.Resources, 3)

	assert.Equal(t, ResourceUsage{
		Resource: "general", Challenged: 1, Rejected: 1, Settled: 3, Revenue: "30000", AvgLatencyMs: 20,
	}, report.Resources[0])
	assert.Equal(t, "financial", report.Resources[1].Resource)
	assert.Equal(t, int64(1), report.Resources[1].SettlementFailed)
	assert.Equal(t, ResourceUsage{Resource: "code", Unsettled: 1, Revenue: "0"}, report.Resources[2])
}

func TestInMemoryMeter_IgnoresMalformedAmount(t *testing.T) {
	m := NewInMemoryMeter()
	m.Record(UsageEvent{Resource: "general", Outcome: OutcomeSettled, Amount: "ten"})

	report := m.Report()
	assert.Equal(t, int64(1), report.TotalSettled)
	assert.Equal(t, "0", report.TotalRevenue)
}

func TestInMemoryMeter_Concurrent(t *testing.T) {
	m := NewInMemoryMeter()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Record(UsageEvent{Resource: "general", Outcome: OutcomeSettled, Amount: "1"})
			_ = m.Report()
		}()
	}
	wg.Wait()
	assert.Equal(t, "50", m.Report().TotalRevenue)
}

func TestUsageHandler(t *testing.T) {
	m := NewInMemoryMeter()
	m.Record(UsageEvent{Resource: "general", Outcome: OutcomeSettled, Amount: "10000"})

	rec := httptest.NewRecorder()
	UsageHandler(m)(rec, httptest.NewRequest(http.MethodGet, "/usage", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var report UsageReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "10000", report.TotalRevenue)
}
