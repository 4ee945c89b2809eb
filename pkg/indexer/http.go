package indexer

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	echo "github.com/labstack/echo/v5"

	"github.com/bugbot-io/bugbot/pkg/config"
	"github.com/bugbot-io/bugbot/pkg/metrics"
	"github.com/bugbot-io/bugbot/pkg/service"
)

// Server is the indexer HTTP service, including the /ws event stream.
type Server struct {
	*service.Server
	svc     *Service
	origins []string
}

// NewServer wires the indexer behind the service scaffold.
func NewServer(svc *Service, cfg *config.Config, m *metrics.Metrics) *Server {
	s := &Server{svc: svc, origins: cfg.System.DashboardOrigins}
	s.Server = service.New("indexer", m, cfg.System.DashboardOrigins, nil)

	e := s.Echo()
	e.POST("/index/start", s.startHandler)
	e.POST("/index/stop", s.stopHandler)
	e.GET("/index/streams", s.streamsHandler)
	e.POST("/index/query", s.queryHandler)
	e.GET("/ws", s.wsHandler)
	return s
}

type startRequest struct {
	ContractAddress string `json:"contract_address"`
	Chain           string `json:"chain"`
	Backfill        uint64 `json:"backfill,omitempty"`
}

func (s *Server) startHandler(c *echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.svc.StartStream(c.Request().Context(), req.ContractAddress, req.Chain, req.Backfill); err != nil {
		return service.MapError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "indexing"})
}

func (s *Server) stopHandler(c *echo.Context) error {
	address := c.QueryParam("contract_address")
	chain := c.QueryParam("chain")
	if address == "" || chain == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "contract_address and chain query parameters are required")
	}
	if err := s.svc.StopStream(address, chain); err != nil {
		return service.MapError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) streamsHandler(c *echo.Context) error {
	streams := s.svc.Streams()
	return c.JSON(http.StatusOK, map[string]any{"total": len(streams), "streams": streams})
}

func (s *Server) queryHandler(c *echo.Context) error {
	var q Query
	if err := c.Bind(&q); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	events := s.svc.Run(q)
	return c.JSON(http.StatusOK, map[string]any{"total": len(events), "events": events})
}

// wsHandler streams indexed events until the client disconnects.
func (s *Server) wsHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns: s.origins,
	})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	events, cancel := s.svc.Subscribe()
	defer cancel()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			writeCtx, done := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, conn, ev)
			done()
			if err != nil {
				return nil
			}
		}
	}
}
