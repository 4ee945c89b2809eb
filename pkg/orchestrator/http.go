package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/bugbot-io/bugbot/pkg/addrscan"
	"github.com/bugbot-io/bugbot/pkg/config"
	"github.com/bugbot-io/bugbot/pkg/metrics"
	"github.com/bugbot-io/bugbot/pkg/models"
	"github.com/bugbot-io/bugbot/pkg/service"
	"github.com/bugbot-io/bugbot/pkg/version"
)

const (
	maxListLimit     = 200
	defaultListLimit = 50
	probeCacheTTL    = 30 * time.Second
)

// Server is the orchestrator HTTP service.
type Server struct {
	*service.Server
	orch *Orchestrator
	cfg  *config.Config

	probeMu   sync.Mutex
	probeAt   time.Time
	probeView map[string]string
}

// NewServer wires the orchestrator behind the service scaffold.
func NewServer(orch *Orchestrator, cfg *config.Config, m *metrics.Metrics) *Server {
	s := &Server{orch: orch, cfg: cfg}
	s.Server = service.New("orchestrator", m, cfg.System.DashboardOrigins, nil,
		service.WithHealthHandler(s.healthHandler))

	e := s.Echo()
	e.POST("/scan", s.submitHandler)
	e.GET("/scan/:id", s.getHandler)
	e.GET("/scans", s.listHandler)
	e.POST("/scan/:id/cancel", s.cancelHandler)
	return s
}

type submitRequest struct {
	TargetURL       string            `json:"target_url,omitempty"`
	ContractAddress string            `json:"contract_address,omitempty"`
	Chain           string            `json:"chain,omitempty"`
	ScanConfig      models.ScanConfig `json:"scan_config"`
}

type submitResponse struct {
	ScanID  string            `json:"scan_id"`
	Status  models.ScanStatus `json:"status"`
	Message string            `json:"message"`
}

// submitHandler handles POST /scan: validate, resolve the target, admit.
func (s *Server) submitHandler(c *echo.Context) error {
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	target, err := resolveTarget(req, s.cfg)
	if err != nil {
		return service.MapError(err)
	}
	if err := validateScanConfig(req.ScanConfig); err != nil {
		return service.MapError(err)
	}

	scan, err := s.orch.Submit(c.Request().Context(), target, req.Chain, req.ScanConfig,
		c.Request().Header.Get("Idempotency-Key"))
	if errors.Is(err, ErrQueueFull) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "scan queue full, retry later")
	}
	if err != nil {
		return service.MapError(err)
	}

	return c.JSON(http.StatusAccepted, &submitResponse{
		ScanID:  scan.ScanID,
		Status:  scan.Status,
		Message: "scan accepted",
	})
}

// resolveTarget enforces exactly-one-of target_url / contract_address and
// resolves the chain for address targets.
func resolveTarget(req submitRequest, cfg *config.Config) (models.Target, error) {
	hasURL := req.TargetURL != ""
	hasAddr := req.ContractAddress != ""
	if hasURL == hasAddr {
		return models.Target{}, service.NewValidationError("target", "exactly one of target_url or contract_address is required")
	}

	if hasURL {
		return models.Target{Kind: models.TargetGitURL, URL: req.TargetURL}, nil
	}

	chain := req.Chain
	if chain == "" {
		detected, err := addrscan.DetectChain(req.ContractAddress)
		if err != nil {
			return models.Target{}, service.NewValidationError("chain", err.Error())
		}
		chain = detected
	} else {
		if !cfg.Chains.Has(chain) {
			return models.Target{}, service.NewValidationError("chain", "chain not configured: "+chain)
		}
		if err := addrscan.ValidateChainForAddress(req.ContractAddress, chain); err != nil {
			return models.Target{}, service.NewValidationError("chain", err.Error())
		}
	}
	return models.Target{
		Kind:    models.TargetAddress,
		Address: req.ContractAddress,
		Chain:   chain,
	}, nil
}

// validateScanConfig rejects unknown enum values up front.
func validateScanConfig(cfg models.ScanConfig) error {
	switch cfg.SandboxType {
	case "", models.SandboxFoundry, models.SandboxHardhat, models.SandboxDocker:
	default:
		return service.NewValidationError("sandbox_type", "unknown sandbox type")
	}
	for _, f := range cfg.ReportFormats {
		switch f {
		case models.ReportImmunefi, models.ReportHackenProof, models.ReportJSON:
		default:
			return service.NewValidationError("report_formats", "unknown format: "+string(f))
		}
	}
	for _, ch := range cfg.NotifyChannels {
		switch ch {
		case models.NotifySlack, models.NotifyEmail, models.NotifyGitHubIssue:
		default:
			return service.NewValidationError("notify_channels", "unknown channel: "+string(ch))
		}
	}
	if cfg.MonitorDurationMinutes != nil {
		if m := *cfg.MonitorDurationMinutes; m < 0 || m > 60 {
			return service.NewValidationError("monitor_duration_minutes", "must be in [0, 60]")
		}
	}
	return nil
}

// getHandler handles GET /scan/:id.
func (s *Server) getHandler(c *echo.Context) error {
	scan, err := s.orch.store.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		// An unknown ID maps to 404; a store outage must stay a 5xx.
		return service.MapError(err)
	}
	return c.JSON(http.StatusOK, scan)
}

type listResponse struct {
	Total int            `json:"total"`
	Scans []*models.Scan `json:"scans"`
}

// listHandler handles GET /scans with limit and status filters.
func (s *Server) listHandler(c *echo.Context) error {
	limit := defaultListLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be an integer in [1, 200]")
		}
		limit = n
	}
	status := models.ScanStatus(c.QueryParam("status"))
	switch status {
	case "", models.ScanStatusPending, models.ScanStatusRunning, models.ScanStatusCompleted, models.ScanStatusFailed:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown status filter")
	}

	scans, err := s.orch.store.List(c.Request().Context(), limit, status)
	if err != nil {
		return service.MapError(err)
	}
	return c.JSON(http.StatusOK, &listResponse{Total: len(scans), Scans: scans})
}

// cancelHandler handles POST /scan/:id/cancel.
func (s *Server) cancelHandler(c *echo.Context) error {
	if err := s.orch.Cancel(c.Request().Context(), c.Param("id")); err != nil {
		return service.MapError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "cancelling"})
}

// healthHandler rolls up stage worker health, cached for 30s so probes
// do not amplify dashboard polling.
func (s *Server) healthHandler(c *echo.Context) error {
	details := s.probeStages(c.Request().Context())

	status := service.StatusHealthy
	for _, v := range details {
		if v != "ok" {
			status = service.StatusDegraded
			break
		}
	}
	return c.JSON(http.StatusOK, &service.HealthResponse{
		Status:  status,
		Service: "orchestrator",
		Version: version.GitCommit,
		Details: details,
	})
}

func (s *Server) probeStages(ctx context.Context) map[string]string {
	s.probeMu.Lock()
	defer s.probeMu.Unlock()
	if s.probeView != nil && time.Since(s.probeAt) < probeCacheTTL {
		return s.probeView
	}

	view := make(map[string]string)
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, stage := range s.orch.stages.Stages() {
		wg.Add(1)
		go func(stage models.Stage) {
			defer wg.Done()
			state := "ok"
			if err := s.orch.stages.Probe(ctx, stage); err != nil {
				state = "unreachable"
			}
			mu.Lock()
			view[string(stage)] = state
			mu.Unlock()
		}(stage)
	}
	wg.Wait()

	s.probeView = view
	s.probeAt = time.Now()
	return view
}
