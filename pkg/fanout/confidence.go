package fanout

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/siddimore/x402-subnet-gateway/pkg/subnet"
)

// minConfidence keeps confidence strictly positive.
const minConfidence = 0.01

// ConfidenceFunc scores the quality of a merged response.
type ConfidenceFunc func(top []subnet.Result, responses []subnet.Response) float64

// Float64Source yields uniform values in [0,1).
type Float64Source interface {
	Float64() float64
}

type lockedSource struct {
	mu  sync.Mutex
	src Float64Source
}

func (l *lockedSource) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.src.Float64()
}

// JitteredConfidence is a fixed 0.85 baseline plus up to 0.1 of jitter drawn
// from src. A nil src uses a time-seeded generator. src may be shared across
// goroutines; access is serialized.
func JitteredConfidence(src Float64Source) ConfidenceFunc {
	if src == nil {
		src = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	locked := &lockedSource{src: src}
	return func([]subnet.Result, []subnet.Response) float64 {
		return 0.85 + locked.Float64()*0.1
	}
}

// MeanScoreConfidence is the mean score of the merged results scaled by the
// fraction of subnets that answered. It is deterministic.
func MeanScoreConfidence(top []subnet.Result, responses []subnet.Response) float64 {
	if len(top) == 0 || len(responses) == 0 {
		return minConfidence
	}
	var sum float64
	for _, r := range top {
		sum += r.Score
	}
	answered := 0
	for _, r := range responses {
		if !r.Failed() {
			answered++
		}
	}
	return sum / float64(len(top)) * float64(answered) / float64(len(responses))
}

// FixedConfidence always reports v.
func FixedConfidence(v float64) ConfidenceFunc {
	return func([]subnet.Result, []subnet.Response) float64 { return v }
}

func clampConfidence(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < minConfidence:
		return minConfidence
	case v > 1:
		return 1
	default:
		return v
	}
}
