package addrscan

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/bugbot-io/bugbot/pkg/config"
	"github.com/bugbot-io/bugbot/pkg/metrics"
	"github.com/bugbot-io/bugbot/pkg/service"
)

// Server is the address scanner HTTP service.
type Server struct {
	*service.Server
	scanner *Scanner
}

// NewServer wires the scanner behind the service scaffold.
func NewServer(scanner *Scanner, cfg *config.Config, m *metrics.Metrics) *Server {
	s := &Server{scanner: scanner}
	s.Server = service.New("addrscan", m, cfg.System.DashboardOrigins, nil)

	e := s.Echo()
	e.POST("/scan-address", s.scanHandler)
	e.GET("/supported-chains", s.chainsHandler)
	return s
}

type scanRequest struct {
	ContractAddress string `json:"contract_address"`
	Chain           string `json:"chain,omitempty"`
	ForceDecompile  bool   `json:"force_decompile,omitempty"`
}

func (s *Server) scanHandler(c *echo.Context) error {
	var req scanRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ContractAddress == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "contract_address is required")
	}

	result, err := s.scanner.Scan(c.Request().Context(), req.ContractAddress, req.Chain, req.ForceDecompile)
	if err != nil {
		return service.MapError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) chainsHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"chains": s.scanner.SupportedChains()})
}
