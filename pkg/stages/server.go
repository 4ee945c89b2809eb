package stages

import (
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/bugbot-io/bugbot/pkg/metrics"
	"github.com/bugbot-io/bugbot/pkg/service"
)

// Server hosts one stage worker behind the uniform service scaffold.
type Server struct {
	*service.Server
	worker Worker
	logger *slog.Logger
}

// NewServer wires a Worker into an HTTP service named after its stage.
func NewServer(w Worker, m *metrics.Metrics, dashboardOrigins []string, probes map[string]service.DependencyProbe) *Server {
	name := string(w.Stage())
	s := &Server{
		worker: w,
		logger: slog.Default().With("component", name),
	}
	s.Server = service.New(name, m, dashboardOrigins, probes)
	s.Echo().POST("/execute", s.executeHandler)
	return s
}

// executeHandler handles POST /execute: decode, run the stage, classify.
func (s *Server) executeHandler(c *echo.Context) error {
	var req Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ScanID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "scan_id is required")
	}

	start := time.Now()
	resp, err := s.worker.Execute(c.Request().Context(), &req)
	elapsed := time.Since(start)
	if err != nil {
		s.logger.Error("Stage execution failed",
			"scan_id", req.ScanID, "duration_ms", elapsed.Milliseconds(), "error", err)
		return service.MapError(err)
	}

	s.logger.Info("Stage execution finished",
		"scan_id", req.ScanID, "stage_status", resp.StageStatus, "duration_ms", elapsed.Milliseconds())
	return c.JSON(http.StatusOK, resp)
}
