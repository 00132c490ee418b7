package x402

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is how the gateway disposed of one request.
type Outcome string

const (
	// OutcomeChallenged: no usable proof, a 402 challenge was returned.
	OutcomeChallenged Outcome = "challenged"
	// OutcomeRejected: a proof was presented but failed verification.
	OutcomeRejected Outcome = "rejected"
	// OutcomeSettled: served and charged.
	OutcomeSettled Outcome = "settled"
	// OutcomeUnsettled: the handler failed, so nothing was charged.
	OutcomeUnsettled Outcome = "unsettled"
	// OutcomeSettlementFailed: served but the charge did not go through.
	OutcomeSettlementFailed Outcome = "settlement_failed"
)

// UsageEvent is a single metered request.
type UsageEvent struct {
	Resource string
	Outcome  Outcome
	// Amount is in the asset's atomic units; only counted for settled requests.
	Amount  string
	Latency time.Duration
}

// Meter receives one event per request handled by a Gateway.
type Meter interface {
	Record(UsageEvent)
}

// ResourceUsage aggregates the events of one resource.
type ResourceUsage struct {
	Resource         string  `json:"resource"`
	Challenged       int64   `json:"challenged"`
	Rejected         int64   `json:"rejected"`
	Settled          int64   `json:"settled"`
	Unsettled        int64   `json:"unsettled"`
	SettlementFailed int64   `json:"settlementFailed"`
	Revenue          string  `json:"revenue"`
	AvgLatencyMs     float64 `json:"avgLatencyMs"`
}

// UsageReport is a snapshot of an InMemoryMeter.
type UsageReport struct {
	Since        time.Time       `json:"since"`
	TotalSettled int64           `json:"totalSettled"`
	TotalRevenue string          `json:"totalRevenue"`
	Resources    []ResourceUsage `json:"resources"`
}

type resourceUsage struct {
	counts       map[Outcome]int64
	revenue      decimal.Decimal
	latencyTotal time.Duration
	latencyN     int64
}

// InMemoryMeter keeps running totals per resource. It holds no per-request
// history, so its size is bounded by the number of resources.
type InMemoryMeter struct {
	mu        sync.RWMutex
	resources map[string]*resourceUsage
	since     time.Time
}

var _ Meter = (*InMemoryMeter)(nil)

// NewInMemoryMeter returns an empty meter.
func NewInMemoryMeter() *InMemoryMeter {
	return &InMemoryMeter{resources: make(map[string]*resourceUsage), since: time.Now()}
}

// Record adds ev to the totals. Malformed amounts are ignored for revenue.
func (m *InMemoryMeter) Record(ev UsageEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ru, ok := m.resources[ev.Resource]
	if !ok {
		ru = &resourceUsage{counts: make(map[Outcome]int64)}
		m.resources[ev.Resource] = ru
	}
	ru.counts[ev.Outcome]++

	if ev.Outcome != OutcomeSettled {
		return
	}
	if amount, err := decimal.NewFromString(ev.Amount); err == nil {
		ru.revenue = ru.revenue.Add(amount)
	}
	ru.latencyTotal += ev.Latency
	ru.latencyN++
}

// Report returns the totals, highest revenue first.
func (m *InMemoryMeter) Report() UsageReport {
	m.mu.RLock()
	defer m.mu.RUnlock()

	report := UsageReport{Since: m.since, Resources: make([]ResourceUsage, 0, len(m.resources))}
	total := decimal.Zero
	for id, ru := range m.resources {
		u := ResourceUsage{
			Resource:         id,
			Challenged:       ru.counts[OutcomeChallenged],
			Rejected:         ru.counts[OutcomeRejected],
			Settled:          ru.counts[OutcomeSettled],
			Unsettled:        ru.counts[OutcomeUnsettled],
			SettlementFailed: ru.counts[OutcomeSettlementFailed],
			Revenue:          ru.revenue.String(),
		}
		if ru.latencyN > 0 {
			u.AvgLatencyMs = float64(ru.latencyTotal.Milliseconds()) / float64(ru.latencyN)
		}
		report.TotalSettled += u.Settled
		total = total.Add(ru.revenue)
		report.Resources = append(report.Resources, u)
	}
	report.TotalRevenue = total.String()

	sort.Slice(report.Resources, func(i, j int) bool {
		ri, rj := m.resources[report.Resources[i].Resource].revenue, m.resources[report.Resources[j].Resource].revenue
		if !ri.Equal(rj) {
			return ri.GreaterThan(rj)
		}
		return report.Resources[i].Resource < report.Resources[j].Resource
	})
	return report
}

// UsageHandler serves the meter's report as JSON.
func UsageHandler(m *InMemoryMeter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(m.Report())
	}
}

type nopMeter struct{}

func (nopMeter) Record(UsageEvent) {}
