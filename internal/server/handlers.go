package server

import (
	"context"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/siddimore/x402-subnet-gateway/pkg/catalog"
	"github.com/siddimore/x402-subnet-gateway/pkg/fanout"
	"github.com/siddimore/x402-subnet-gateway/pkg/x402"
)

type sourceJSON struct {
	Subnet   string `json:"subnet"`
	Document string `json:"document"`
	URI      string `json:"uri,omitempty"`
}

type resultJSON struct {
	Text           string     `json:"text"`
	RelevanceScore float64    `json:"relevanceScore"`
	Source         sourceJSON `json:"source"`
}

type provenanceJSON struct {
	Subnets              []string         `json:"subnets"`
	TotalSources         int              `json:"totalSources"`
	ResponseTimeBySubnet map[string]int64 `json:"responseTimeBySubnet"`
	FailedSubnets        []string         `json:"failedSubnets"`
}

type pricingJSON struct {
	Service string `json:"service"`
	Price   string `json:"price"`
}

// QueryResponse is the body of a successful paid query.
type QueryResponse struct {
	Query            string         `json:"query"`
	Service          string         `json:"service"`
	Results          []resultJSON   `json:"results"`
	Provenance       provenanceJSON `json:"provenance"`
	QualityScore     float64        `json:"qualityScore"`
	ProcessingTimeMs int64          `json:"processingTimeMs"`
	Pricing          pricingJSON    `json:"pricing"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	req, ok := queryFromContext(r.Context())
	if !ok {
		s.logger.Error("query handler reached without validated request")
		writeInternalError(w)
		return
	}
	svc, _ := s.catalog.Service(req.Service)

	logger := s.logger.With(
		zap.String("request_id", requestIDFrom(r.Context())),
		zap.String("service", req.Service))
	if p, ok := x402.PaymentFromContext(r.Context()); ok {
		logger = logger.With(zap.String("payer", p.Payer))
	}

	resp, err := s.engine.Broadcast(r.Context(), req)
	if err != nil {
		logger.Error("broadcast failed", zap.Error(err))
		writeInternalError(w)
		return
	}
	logger.Info("query served",
		zap.Int("results", len(resp.TopResults)),
		zap.Strings("failed_subnets", resp.FailedSubnets()),
		zap.Duration("latency", resp.TotalLatency))

	writeJSON(w, http.StatusOK, buildQueryResponse(req, svc, resp))
}

func buildQueryResponse(req fanout.Request, svc catalog.Service, resp *fanout.Response) QueryResponse {
	results := make([]resultJSON, len(resp.TopResults))
	for i, r := range resp.TopResults {
		results[i] = resultJSON{
			Text:           r.Text,
			RelevanceScore: r.Score,
			Source: sourceJSON{
				Subnet:   r.Source.SubnetID,
				Document: r.Source.DocumentID,
				URI:      r.Source.URI,
			},
		}
	}

	byLatency := make(map[string]int64, len(resp.Subnets))
	total := 0
	for _, sr := range resp.Subnets {
		byLatency[sr.SubnetID] = sr.Latency.Milliseconds()
		total += len(sr.Results)
	}
	failed := resp.FailedSubnets()
	if failed == nil {
		failed = []string{}
	}

	return QueryResponse{
		Query:   req.Query,
		Service: req.Service,
		Results: results,
		Provenance: provenanceJSON{
			Subnets:              resp.SubnetsQueried,
			TotalSources:         total,
			ResponseTimeBySubnet: byLatency,
			FailedSubnets:        failed,
		},
		QualityScore:     math.Round(resp.Confidence*100) / 100,
		ProcessingTimeMs: resp.TotalLatency.Milliseconds(),
		Pricing: pricingJSON{
			Service: svc.ID,
			Price:   svc.DisplayPrice(),
		},
	}
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]catalog.Service{"services": s.catalog.Services()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": now.UTC().Format(time.RFC3339),
		"uptime":    math.Round(now.Sub(s.started).Seconds()),
	})
}

type readyJSON struct {
	Status      string          `json:"status"`
	Network     string          `json:"network"`
	PayTo       string          `json:"payTo"`
	Facilitator facilitatorJSON `json:"facilitator"`
	Subnets     subnetsJSON     `json:"subnets"`
}

type facilitatorJSON struct {
	Reachable       bool   `json:"reachable"`
	SupportsNetwork bool   `json:"supportsNetwork"`
	Error           string `json:"error,omitempty"`
}

type subnetsJSON struct {
	Mode string `json:"mode"`
}

// handleReady reports whether the facilitator is reachable and supports the
// configured network. The facilitator answer is cached upstream.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	body := readyJSON{
		Status:  "ready",
		Network: string(s.gateway.Network()),
		PayTo:   s.gateway.PayTo(),
		Subnets: subnetsJSON{Mode: s.backendMode},
	}

	supported, err := s.facilitator.Supported(ctx)
	if err != nil {
		s.logger.Warn("facilitator not reachable", zap.Error(err))
		body.Status = "not ready"
		body.Facilitator.Error = "facilitator unreachable"
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	body.Facilitator.Reachable = true
	body.Facilitator.SupportsNetwork = supported.Supports(string(x402.SchemeExact), string(s.gateway.Network()))
	if !body.Facilitator.SupportsNetwork {
		body.Status = "not ready"
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

var _ Broadcaster = (*fanout.Engine)(nil)
