package service

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/bugbot-io/bugbot/pkg/metrics"
	"github.com/bugbot-io/bugbot/pkg/version"
)

// Health status values shared across services.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// DependencyProbe checks one declared dependency; a non-nil error demotes
// the service to degraded.
type DependencyProbe func(ctx context.Context) error

// HealthResponse is the uniform GET /health body.
type HealthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Version string            `json:"version,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// Server is the stage-worker scaffold: an echo server carrying the uniform
// health/metrics surface plus whatever routes the owning service registers.
type Server struct {
	name    string
	echo    *echo.Echo
	httpSrv *http.Server
	metrics *metrics.Metrics
	probes  map[string]DependencyProbe

	customHealth echo.HandlerFunc
}

// Option customizes scaffold construction.
type Option func(*Server)

// WithHealthHandler replaces the uniform health handler with a
// service-specific one (the LLM router reports backend connectivity in
// its own shape).
func WithHealthHandler(h echo.HandlerFunc) Option {
	return func(s *Server) { s.customHealth = h }
}

// New creates a service server with the uniform routes registered.
// dashboardOrigins feeds CORS; probes feed /health.
func New(name string, m *metrics.Metrics, dashboardOrigins []string, probes map[string]DependencyProbe, opts ...Option) *Server {
	e := echo.New()
	s := &Server{
		name:    name,
		echo:    e,
		metrics: m,
		probes:  probes,
	}
	for _, opt := range opts {
		opt(s)
	}

	e.Use(CORS(dashboardOrigins))
	e.Use(RequestMetrics(name, m))

	if s.customHealth != nil {
		e.GET("/health", s.customHealth)
	} else {
		e.GET("/health", s.healthHandler)
	}
	metricsHandler := m.Handler()
	e.GET("/metrics", func(c *echo.Context) error {
		metricsHandler.ServeHTTP(c.Response(), c.Request())
		return nil
	})

	return s
}

// Echo exposes the router so services can register their work endpoints.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Name returns the service name used in health and metrics labels.
func (s *Server) Name() string { return s.name }

// Start runs the HTTP server; blocks until shutdown or failure.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// healthHandler handles GET /health. healthy requires every declared
// dependency probe to pass; otherwise degraded. Probe failures report the
// dependency name but never leak endpoint URLs.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	status := StatusHealthy
	details := make(map[string]string, len(s.probes))
	for name, probe := range s.probes {
		if err := probe(reqCtx); err != nil {
			status = StatusDegraded
			details[name] = "unreachable"
		} else {
			details[name] = "ok"
		}
	}

	if status == StatusHealthy {
		s.metrics.ServiceHealth.WithLabelValues(s.name).Set(1)
	} else {
		s.metrics.ServiceHealth.WithLabelValues(s.name).Set(0.5)
	}

	return c.JSON(http.StatusOK, &HealthResponse{
		Status:  status,
		Service: s.name,
		Version: version.GitCommit,
		Details: details,
	})
}
