package signature

import (
	"net/http"
	"sync"

	echo "github.com/labstack/echo/v5"

	"github.com/bugbot-io/bugbot/pkg/config"
	"github.com/bugbot-io/bugbot/pkg/metrics"
	"github.com/bugbot-io/bugbot/pkg/models"
	"github.com/bugbot-io/bugbot/pkg/service"
)

// Server is the signature generator HTTP service. Generated bundles are
// kept in memory for export.
type Server struct {
	*service.Server

	mu      sync.RWMutex
	bundles []*Bundle
}

// NewServer wires the generator behind the service scaffold.
func NewServer(cfg *config.Config, m *metrics.Metrics) *Server {
	s := &Server{}
	s.Server = service.New("signature", m, cfg.System.DashboardOrigins, nil)

	e := s.Echo()
	e.POST("/signatures/generate", s.generateHandler)
	e.POST("/signatures/export", s.exportHandler)
	return s
}

type generateRequest struct {
	Finding *models.Finding `json:"finding"`
}

func (s *Server) generateHandler(c *echo.Context) error {
	var req generateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	bundle, err := Generate(req.Finding)
	if err != nil {
		return service.MapError(err)
	}

	s.mu.Lock()
	s.bundles = append(s.bundles, bundle)
	s.mu.Unlock()

	return c.JSON(http.StatusOK, bundle)
}

func (s *Server) exportHandler(c *echo.Context) error {
	format := Format(c.QueryParam("format"))

	s.mu.RLock()
	bundles := append([]*Bundle(nil), s.bundles...)
	s.mu.RUnlock()

	doc, err := Export(bundles, format)
	if err != nil {
		return service.MapError(err)
	}
	c.Response().Header().Set("Content-Disposition", `attachment; filename="signatures-`+string(format)+`.txt"`)
	return c.Blob(http.StatusOK, "text/plain; charset=utf-8", []byte(doc))
}
