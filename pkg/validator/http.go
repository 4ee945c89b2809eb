package validator

import (
	"errors"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/bugbot-io/bugbot/pkg/config"
	"github.com/bugbot-io/bugbot/pkg/metrics"
	"github.com/bugbot-io/bugbot/pkg/models"
	"github.com/bugbot-io/bugbot/pkg/service"
)

// Server is the validator HTTP service. Manual marking is admin-only.
type Server struct {
	*service.Server
	svc *Service
}

// NewServer wires the validator behind the service scaffold.
func NewServer(svc *Service, cfg *config.Config, m *metrics.Metrics) *Server {
	s := &Server{svc: svc}
	s.Server = service.New("validator", m, cfg.System.DashboardOrigins, nil)

	e := s.Echo()
	e.POST("/validate", s.submitHandler)
	e.GET("/validate/:id", s.getHandler)
	e.GET("/validations", s.listHandler)
	e.POST("/validate/:id/cancel", s.cancelHandler)
	e.POST("/validate/:id/mark", s.markHandler, service.AdminAuth(cfg.AdminToken))
	return s
}

type submitRequest struct {
	FindingRef     models.FindingRef  `json:"finding_ref"`
	Finding        *models.Finding    `json:"finding"`
	SandboxType    models.SandboxType `json:"sandbox_type,omitempty"`
	TimeoutSeconds int                `json:"timeout_seconds,omitempty"`
}

func (s *Server) submitHandler(c *echo.Context) error {
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	job, err := s.svc.Submit(req.FindingRef, req.Finding, req.SandboxType, req.TimeoutSeconds)
	if errors.Is(err, ErrQueueFull) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "validation queue full, retry later")
	}
	if err != nil {
		return service.MapError(err)
	}
	return c.JSON(http.StatusAccepted, job)
}

func (s *Server) getHandler(c *echo.Context) error {
	job, err := s.svc.Get(c.Param("id"))
	if err != nil {
		return service.MapError(err)
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) listHandler(c *echo.Context) error {
	jobs := s.svc.List()
	return c.JSON(http.StatusOK, map[string]any{
		"total":       len(jobs),
		"validations": jobs,
	})
}

func (s *Server) cancelHandler(c *echo.Context) error {
	job, err := s.svc.Cancel(c.Param("id"))
	if err != nil {
		return service.MapError(err)
	}
	return c.JSON(http.StatusOK, job)
}

// markHandler appends an operator verdict; query parameters per the
// operator tooling convention.
func (s *Server) markHandler(c *echo.Context) error {
	isValid, err := strconv.ParseBool(c.QueryParam("is_valid"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "is_valid must be a boolean")
	}
	confidence, err := strconv.ParseFloat(c.QueryParam("confidence"), 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "confidence must be a number")
	}
	job, err := s.svc.Mark(c.Param("id"), isValid, confidence)
	if err != nil {
		return service.MapError(err)
	}
	return c.JSON(http.StatusOK, job)
}
