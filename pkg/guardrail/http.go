package guardrail

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/bugbot-io/bugbot/pkg/config"
	"github.com/bugbot-io/bugbot/pkg/metrics"
	"github.com/bugbot-io/bugbot/pkg/models"
	"github.com/bugbot-io/bugbot/pkg/service"
)

// Server is the guardrail HTTP service. Pause approval and rejection sit
// behind the admin bearer middleware.
type Server struct {
	*service.Server
	svc *Service
}

// NewServer wires the guardrail behind the service scaffold.
func NewServer(svc *Service, cfg *config.Config, m *metrics.Metrics) *Server {
	s := &Server{svc: svc}
	s.Server = service.New("guardrail", m, cfg.System.DashboardOrigins, nil)

	e := s.Echo()
	e.POST("/monitor/start", s.startMonitorHandler)
	e.POST("/monitor/stop", s.stopMonitorHandler)
	e.GET("/monitor/status", s.monitorStatusHandler)
	e.POST("/pause/request", s.pauseRequestHandler)
	e.GET("/pause/requests", s.pauseListHandler)
	e.GET("/rpc-status", s.rpcStatusHandler)

	admin := service.AdminAuth(cfg.AdminToken)
	e.POST("/pause/approve/:id", s.approveHandler, admin)
	e.POST("/pause/reject/:id", s.rejectHandler, admin)
	return s
}

type monitorStartRequest struct {
	ContractAddress string                 `json:"contract_address"`
	Chain           string                 `json:"chain"`
	AutoPause       bool                   `json:"auto_pause"`
	AlertChannels   []models.NotifyChannel `json:"alert_channels,omitempty"`
}

func (s *Server) startMonitorHandler(c *echo.Context) error {
	var req monitorStartRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	m, err := s.svc.StartMonitor(req.ContractAddress, req.Chain, req.AutoPause, req.AlertChannels)
	if err != nil {
		return service.MapError(err)
	}
	return c.JSON(http.StatusCreated, m)
}

func (s *Server) stopMonitorHandler(c *echo.Context) error {
	address := c.QueryParam("contract_address")
	chain := c.QueryParam("chain")
	if address == "" || chain == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "contract_address and chain query parameters are required")
	}
	if err := s.svc.StopMonitor(address, chain); err != nil {
		return service.MapError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) monitorStatusHandler(c *echo.Context) error {
	monitors := s.svc.Monitors()
	return c.JSON(http.StatusOK, map[string]any{
		"total":    len(monitors),
		"monitors": monitors,
	})
}

type pauseRequestBody struct {
	ContractAddress string          `json:"contract_address"`
	Chain           string          `json:"chain"`
	Reason          string          `json:"reason"`
	Severity        models.Severity `json:"severity,omitempty"`
}

func (s *Server) pauseRequestHandler(c *echo.Context) error {
	var req pauseRequestBody
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	severity := req.Severity
	if severity == "" {
		severity = models.SeverityHigh
	}
	if !models.ValidSeverity(severity) {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown severity")
	}
	pr, err := s.svc.RaisePause(c.Request().Context(), req.ContractAddress, req.Chain, req.Reason, severity, models.RequesterOperatorToken)
	if err != nil {
		return service.MapError(err)
	}
	return c.JSON(http.StatusCreated, pr)
}

func (s *Server) approveHandler(c *echo.Context) error {
	pr, err := s.svc.Approve(c.Request().Context(), c.Param("id"))
	if err != nil {
		return service.MapError(err)
	}
	return c.JSON(http.StatusOK, pr)
}

func (s *Server) rejectHandler(c *echo.Context) error {
	pr, err := s.svc.Reject(c.Param("id"))
	if err != nil {
		return service.MapError(err)
	}
	return c.JSON(http.StatusOK, pr)
}

func (s *Server) pauseListHandler(c *echo.Context) error {
	requests := s.svc.Requests()
	return c.JSON(http.StatusOK, map[string]any{
		"total":    len(requests),
		"requests": requests,
	})
}

func (s *Server) rpcStatusHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.svc.RPCStatus())
}
