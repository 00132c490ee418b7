package server

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"
	"go.uber.org/zap"

	"github.com/siddimore/x402-subnet-gateway/internal/ids"
	"github.com/siddimore/x402-subnet-gateway/pkg/x402"
)

type requestIDKey struct{}

// requestID tags every request with an id, echoing a sane caller supplied one.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := ids.Request(r.Header.Get(ids.RequestHeader))
		w.Header().Set(ids.RequestHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// logRequests emits one line per request once it completes.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", s.now().Sub(start)),
			zap.Int("bytes", ww.BytesWritten()),
			zap.String("remote", r.RemoteAddr),
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.Bool("agent", isAgent(r)),
		}
		switch {
		case status >= 500:
			s.logger.Error("request", fields...)
		case status >= 400 && status != http.StatusPaymentRequired:
			s.logger.Warn("request", fields...)
		default:
			s.logger.Info("request", fields...)
		}
	})
}

// securityHeaders sets conservative browser hardening headers.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cross-Origin-Resource-Policy", "cross-origin")
		if s.production {
			h.Set("Strict-Transport-Security", "max-age=15552000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

var (
	allowedHeaders = strings.Join([]string{
		"Content-Type", x402.HeaderPaymentSignature, x402.HeaderXPayment, ids.RequestHeader,
	}, ", ")
	exposedHeaders = strings.Join([]string{
		x402.HeaderPaymentRequired, x402.HeaderPaymentResponse, ids.RequestHeader,
	}, ", ")
)

// cors allows browser wallets on any origin to read the payment headers.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Expose-Headers", exposedHeaders)
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			h.Set("Access-Control-Allow-Headers", allowedHeaders)
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// newLimiter builds a per-client token bucket, or nil when rps is zero.
func newLimiter(rps, burst int64) (*limiter.TokenBucket, error) {
	if rps <= 0 {
		return nil, nil
	}
	return limiter.NewTokenBucket(
		limiter.Config{
			Rate:     rps,
			Duration: time.Second,
			Burst:    burst,
		},
		store.NewMemoryStore(time.Minute),
	)
}

// rateLimit throttles per client IP.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(clientKey(r)) {
			s.logger.Debug("rate limited", zap.String("remote", r.RemoteAddr))
			writeTooManyRequests(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
