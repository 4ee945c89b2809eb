package remediator

import (
	"crypto/subtle"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/bugbot-io/bugbot/pkg/config"
	"github.com/bugbot-io/bugbot/pkg/metrics"
	"github.com/bugbot-io/bugbot/pkg/models"
	"github.com/bugbot-io/bugbot/pkg/service"
)

// Server is the remediator HTTP service. Patch generation is open; PR
// creation additionally requires the admin bearer token on the request.
type Server struct {
	*service.Server
	svc        *Service
	adminToken string
}

// NewServer wires the remediator behind the service scaffold.
func NewServer(svc *Service, cfg *config.Config, m *metrics.Metrics) *Server {
	s := &Server{svc: svc, adminToken: cfg.AdminToken}
	s.Server = service.New("remediator", m, cfg.System.DashboardOrigins, nil)
	s.Echo().POST("/remediate", s.remediateHandler)
	return s
}

type remediateRequest struct {
	Finding  *models.Finding `json:"finding"`
	CreatePR bool            `json:"create_pr,omitempty"`
}

func (s *Server) remediateHandler(c *echo.Context) error {
	var req remediateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	// PR creation is a mutation on an external repo: admin only.
	if req.CreatePR && !s.isAdmin(c) {
		return echo.NewHTTPError(http.StatusUnauthorized, "pull request creation requires the admin token")
	}

	patch, err := s.svc.Remediate(c.Request().Context(), req.Finding, req.CreatePR)
	if err != nil {
		return service.MapError(err)
	}
	return c.JSON(http.StatusOK, patch)
}

func (s *Server) isAdmin(c *echo.Context) bool {
	if s.adminToken == "" {
		return false
	}
	token, ok := strings.CutPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) == 1
}
