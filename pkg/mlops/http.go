package mlops

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/bugbot-io/bugbot/pkg/config"
	"github.com/bugbot-io/bugbot/pkg/metrics"
	"github.com/bugbot-io/bugbot/pkg/service"
)

// Server is the mlops HTTP service.
type Server struct {
	*service.Server
	svc *Service
}

// NewServer wires the mlops shell behind the service scaffold.
func NewServer(svc *Service, cfg *config.Config, m *metrics.Metrics) *Server {
	s := &Server{svc: svc}
	s.Server = service.New("mlops", m, cfg.System.DashboardOrigins, nil)

	e := s.Echo()
	e.POST("/mlops/ingest", s.ingestHandler)
	e.POST("/mlops/train", s.trainHandler)
	e.POST("/mlops/generate-rules", s.rulesHandler)
	return s
}

type ingestRequest struct {
	Samples []Sample `json:"samples"`
}

func (s *Server) ingestHandler(c *echo.Context) error {
	var req ingestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	report, err := s.svc.Ingest(req.Samples)
	if err != nil {
		return service.MapError(err)
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) trainHandler(c *echo.Context) error {
	metrics, err := s.svc.Train()
	if err != nil {
		return service.MapError(err)
	}
	return c.JSON(http.StatusOK, metrics)
}

func (s *Server) rulesHandler(c *echo.Context) error {
	rules, err := s.svc.GenerateRules()
	if err != nil {
		return service.MapError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"total": len(rules), "rules": rules})
}
