package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"rentescrow/internal/config"
	"rentescrow/internal/escrow"
	"rentescrow/internal/idempotency"
	"rentescrow/internal/metrics"
	"rentescrow/internal/sigauth"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const requestIDHeader = "X-Request-Id"

// Options carries the optional collaborators of the server.
type Options struct {
	// Events backs the events endpoint; nil disables it.
	Events escrow.EventReader
	// Metrics defaults to a fresh registry.
	Metrics *metrics.Registry
	Logger  *zap.Logger
	// QueueDepth reports undelivered event batches for the health endpoint.
	QueueDepth func() int
	// DatabasePing checks the projection database, if any.
	DatabasePing func(context.Context) error
}

type Server struct {
	cfg         *config.AppConfig
	backend     escrow.Backend
	events      escrow.EventReader
	store       idempotency.Store
	auth        *sigauth.Verifier
	httpServer  *http.Server
	metrics     *metrics.Registry
	logger      *zap.Logger
	queueDepth  func() int
	dbHealthFns []func(context.Context) error
	rpcHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, backend escrow.Backend, store idempotency.Store, opts Options) *Server {
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &Server{
		cfg:     cfg,
		backend: backend,
		events:  opts.Events,
		store:   store,
		auth: &sigauth.Verifier{
			MaxSkew:  cfg.Service.SignatureSkew,
			Insecure: cfg.Service.InsecureAuth,
		},
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		queueDepth: opts.QueueDepth,
	}

	if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFns = append(s.dbHealthFns, checker.Ping)
	}
	if opts.DatabasePing != nil {
		s.dbHealthFns = append(s.dbHealthFns, opts.DatabasePing)
	}
	if checker, ok := backend.(escrow.HealthChecker); ok {
		s.rpcHealthFn = checker.Ping
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/health", s.handleHealth)
		api.Handle("/metrics", s.metrics.Handler())

		api.Get("/agreements", s.handleAllAgreements)
		api.Get("/agreements/count", s.handleAgreementCount)
		api.Get("/agreements/{address}", s.handleRentalInfo)
		api.Get("/agreements/{address}/balance", s.handleContractBalance)
		api.Get("/agreements/{address}/events", s.handleEvents)
		api.Get("/participants/{address}/agreements", s.handleParticipantAgreements)

		api.Group(func(signed chi.Router) {
			signed.Use(s.auth.Middleware)
			signed.Post("/agreements", s.mutation("create", s.createAgreement))
			signed.Post("/agreements/{address}/deposit", s.mutation("deposit", s.payDeposit))
			signed.Post("/agreements/{address}/complete", s.mutation("complete", s.complete))
			signed.Post("/agreements/{address}/cancel", s.mutation("cancel", s.cancel))
			signed.Post("/agreements/{address}/extend", s.mutation("extend", s.extend))
			signed.Post("/agreements/{address}/dispute", s.mutation("dispute", s.openDispute))
			signed.Post("/agreements/{address}/resolve", s.mutation("resolve", s.resolveDispute))
		})
	})

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// Handler exposes the routed handler, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.logger.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type dependencyHealth struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms,omitempty"`
	Error     string  `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := dependencyHealth{Connected: true}
	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo = dependencyHealth{Error: err.Error()}
			overallHealthy = false
		} else {
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	dbInfo := dependencyHealth{Connected: true}
	for _, ping := range s.dbHealthFns {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := ping(dbCtx)
		cancel()
		if err != nil {
			dbInfo = dependencyHealth{Error: err.Error()}
			overallHealthy = false
			break
		}
	}

	queueDepth := 0
	if s.queueDepth != nil {
		queueDepth = s.queueDepth()
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status     string           `json:"status"`
		RPC        dependencyHealth `json:"rpc"`
		Database   dependencyHealth `json:"database"`
		QueueDepth int              `json:"queue_depth"`
	}{
		Status:     status,
		RPC:        rpcInfo,
		Database:   dbInfo,
		QueueDepth: queueDepth,
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
