// Package server wires the HTTP surface of the gateway: routing, request
// validation, the payment gate in front of the query endpoint, and the free
// catalog and health endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"go.uber.org/zap"

	"github.com/siddimore/x402-subnet-gateway/internal/config"
	"github.com/siddimore/x402-subnet-gateway/pkg/catalog"
	"github.com/siddimore/x402-subnet-gateway/pkg/fanout"
	"github.com/siddimore/x402-subnet-gateway/pkg/x402"
)

// QueryPath is the paid query route.
const QueryPath = "/api/rag/query"

// Broadcaster runs a fan-out query. *fanout.Engine implements it.
type Broadcaster interface {
	Broadcast(ctx context.Context, req fanout.Request) (*fanout.Response, error)
}

// Options holds everything the server depends on.
type Options struct {
	Catalog     catalog.Registry
	Engine      Broadcaster
	Facilitator x402.Facilitator
	// Gateway options; Resolve and NotFound are supplied by the server.
	Network           x402.NetworkType
	PayTo             string
	MaxTimeoutSeconds int

	RateLimit   config.RateLimit
	Production  bool
	BackendMode string
	Logger      *zap.Logger
	Now         func() time.Time

	// TrustProxy takes client addresses from X-Forwarded-For / X-Real-IP.
	// Otherwise logs and rate limits key on the socket address.
	TrustProxy bool
}

// Server is the gateway's HTTP application.
type Server struct {
	catalog     catalog.Registry
	engine      Broadcaster
	facilitator x402.Facilitator
	gateway     *x402.Gateway
	meter       *x402.InMemoryMeter
	limiter     *limiter.TokenBucket
	trustProxy  bool
	production  bool
	backendMode string
	logger      *zap.Logger
	now         func() time.Time
	started     time.Time
}

// New builds a Server.
func New(opts Options) (*Server, error) {
	if opts.Catalog == nil || opts.Engine == nil || opts.Facilitator == nil {
		return nil, errors.New("server: catalog, engine and facilitator are required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.BackendMode == "" {
		opts.BackendMode = "simulated"
	}

	s := &Server{
		catalog:     opts.Catalog,
		engine:      opts.Engine,
		facilitator: opts.Facilitator,
		meter:       x402.NewInMemoryMeter(),
		trustProxy:  opts.TrustProxy,
		production:  opts.Production,
		backendMode: opts.BackendMode,
		logger:      opts.Logger,
		now:         opts.Now,
	}
	s.started = s.now()

	gw, err := x402.NewGateway(x402.Config{
		Network:           opts.Network,
		PayTo:             opts.PayTo,
		Facilitator:       opts.Facilitator,
		Resolve:           s.resolveResource,
		MaxTimeoutSeconds: opts.MaxTimeoutSeconds,
		NotFound: func(w http.ResponseWriter, _ *http.Request, err error) {
			writeNotFound(w, err.Error())
		},
		Meter:  s.meter,
		Logger: opts.Logger.Named("x402"),
	})
	if err != nil {
		return nil, err
	}
	s.gateway = gw

	s.limiter, err = newLimiter(opts.RateLimit.RequestsPerSecond, opts.RateLimit.Burst)
	if err != nil {
		return nil, fmt.Errorf("server: rate limiter: %w", err)
	}
	return s, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	if s.trustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(requestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)
	r.Use(cors)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeNotFound(w, fmt.Sprintf("route %s not found", r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "Method Not Allowed"})
	})

	r.Get("/health", s.handleHealth)
	r.Get("/health/ready", s.handleReady)
	r.Get("/metrics/usage", x402.UsageHandler(s.meter))

	r.Route("/api/rag", func(api chi.Router) {
		if s.limiter != nil {
			api.Use(s.rateLimit)
		}
		api.Get("/services", s.handleServices)
		api.With(s.validateQuery, s.gateway.Middleware).Get("/query", s.handleQuery)
	})
	return r
}

// resolveResource prices the service named by the validated query.
func (s *Server) resolveResource(r *http.Request) (x402.Resource, error) {
	req, ok := queryFromContext(r.Context())
	if !ok {
		return x402.Resource{}, errors.New("query not validated")
	}
	svc, ok := s.catalog.Service(req.Service)
	if !ok {
		return x402.Resource{}, fmt.Errorf("%w: service '%s' not found: %w",
			x402.ErrResourceNotFound, req.Service, catalog.ErrServiceNotFound)
	}
	return x402.Resource{
		ID:          svc.ID,
		URL:         QueryPath + "?service=" + svc.ID,
		Description: svc.Name + " query",
		MimeType:    "application/json",
		Price:       svc.PricePerQuery,
	}, nil
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string, timeouts config.Timeouts) error {
	timeouts = timeouts.WithDefaults()
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: timeouts.Read,
		ReadTimeout:       timeouts.Read,
		WriteTimeout:      timeouts.Write,
		IdleTimeout:       timeouts.Idle,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down", zap.Duration("grace", timeouts.Shutdown))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
