// Package httpapi serves the engine over HTTP: inbound webhooks, queries
// over events, executions and escalations, rule management and /metrics.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ppiankov/autoremedy/internal/engine"
	"github.com/ppiankov/autoremedy/internal/escalation"
	"github.com/ppiankov/autoremedy/internal/metrics"
	"github.com/ppiankov/autoremedy/internal/model"
	"github.com/ppiankov/autoremedy/internal/rules"
	"github.com/ppiankov/autoremedy/internal/store"
)

// maxBody caps inbound request bodies.
const maxBody = 1 << 20

// Engine is the subset of *engine.Engine the API drives.
type Engine interface {
	Ingest(ctx context.Context, source string, raw []byte, headers http.Header) (*model.AlertEvent, error)
	Process(ctx context.Context, eventID string) (*engine.ProcessResult, error)
	Running() bool

	Event(ctx context.Context, id string) (*model.AlertEvent, error)
	Events(ctx context.Context, f store.EventFilter) ([]*model.AlertEvent, error)
	Execution(ctx context.Context, id string) (*model.MappingExecution, error)
	Executions(ctx context.Context, f store.ExecutionFilter) ([]*model.MappingExecution, error)
	Escalation(ctx context.Context, id string) (*model.EscalationExecution, error)
	Escalations(ctx context.Context, f store.EscalationFilter) ([]*model.EscalationExecution, error)
	ResolveEscalation(ctx context.Context, id, by, resolution string) (*model.EscalationExecution, error)
	AdvanceEscalation(ctx context.Context, id string) (*model.EscalationExecution, error)

	Rules(ctx context.Context) ([]model.Rule, error)
	Rule(ctx context.Context, id string) (*model.Rule, error)
	SaveRule(ctx context.Context, r *model.Rule) error
	DeleteRule(ctx context.Context, id string) error
	RuleStats(ctx context.Context, id string) (model.RuleStats, error)
	TestRule(ctx context.Context, ruleID string, ev *model.AlertEvent, opts engine.TestOptions) (*engine.TestResult, error)
	Chains(ctx context.Context) ([]model.EscalationChain, error)
	SaveChain(ctx context.Context, c *model.EscalationChain) error
	DeleteChain(ctx context.Context, id string) error
}

var _ Engine = (*engine.Engine)(nil)

// Config holds server settings.
type Config struct {
	Addr string
	// RatePerSecond and Burst limit POST /webhooks/{source} per source.
	// Zero disables limiting.
	RatePerSecond float64
	Burst         int
}

// Server is the HTTP front end.
type Server struct {
	cfg     Config
	engine  Engine
	metrics *metrics.Metrics
	logger  *zap.Logger
	router  *mux.Router
	srv     *http.Server

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds the router. m may be nil, in which case /metrics is not served.
func New(cfg Config, eng Engine, m *metrics.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		engine:   eng,
		metrics:  m,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
	s.router = s.routes()
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	r.HandleFunc("/webhooks/{source}", s.webhook).Methods(http.MethodPost)

	r.HandleFunc("/events", s.listEvents).Methods(http.MethodGet)
	r.HandleFunc("/events/{id}", s.getEvent).Methods(http.MethodGet)
	r.HandleFunc("/events/{id}/process", s.processEvent).Methods(http.MethodPost)

	r.HandleFunc("/executions", s.listExecutions).Methods(http.MethodGet)
	r.HandleFunc("/executions/{id}", s.getExecution).Methods(http.MethodGet)

	r.HandleFunc("/escalations", s.listEscalations).Methods(http.MethodGet)
	r.HandleFunc("/escalations/{id}", s.getEscalation).Methods(http.MethodGet)
	r.HandleFunc("/escalations/{id}/resolve", s.resolveEscalation).Methods(http.MethodPost)
	r.HandleFunc("/escalations/{id}/advance", s.advanceEscalation).Methods(http.MethodPost)

	r.HandleFunc("/rules", s.listRules).Methods(http.MethodGet)
	r.HandleFunc("/rules/{id}", s.getRule).Methods(http.MethodGet)
	r.HandleFunc("/rules/{id}", s.putRule).Methods(http.MethodPut)
	r.HandleFunc("/rules/{id}", s.deleteRule).Methods(http.MethodDelete)
	r.HandleFunc("/rules/{id}/stats", s.ruleStats).Methods(http.MethodGet)
	r.HandleFunc("/rules/{id}/test", s.testRule).Methods(http.MethodPost)

	r.HandleFunc("/chains", s.listChains).Methods(http.MethodGet)
	r.HandleFunc("/chains/{id}", s.putChain).Methods(http.MethodPut)
	r.HandleFunc("/chains/{id}", s.deleteChain).Methods(http.MethodDelete)

	r.Use(s.logRequests)
	return r
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on cfg.Addr and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.srv.Addr, err)
	}
	s.logger.Info("http api listening", zap.String("addr", ln.Addr().String()))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()

	err = s.srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// limiter returns the token bucket for source, or nil when limiting is off.
func (s *Server) limiter(source string) *rate.Limiter {
	if s.cfg.RatePerSecond <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[source]
	if !ok {
		burst := s.cfg.Burst
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(s.cfg.RatePerSecond), burst)
		s.limiters[source] = l
	}
	return l
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	var verr *rules.ValidationError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrImmutable),
		errors.Is(err, escalation.ErrResolved), errors.Is(err, escalation.ErrFinalLevel):
		return http.StatusConflict
	case errors.As(err, &verr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
