package llmrouter

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/bugbot-io/bugbot/pkg/config"
	"github.com/bugbot-io/bugbot/pkg/metrics"
	"github.com/bugbot-io/bugbot/pkg/models"
	"github.com/bugbot-io/bugbot/pkg/service"
)

// Server is the LLM router HTTP service.
type Server struct {
	*service.Server
	router *Router
}

// NewServer wires the router behind the uniform service scaffold.
func NewServer(cfg *config.Config, m *metrics.Metrics) *Server {
	router := New(cfg, m)
	s := &Server{router: router}
	s.Server = service.New("llmrouter", m, cfg.System.DashboardOrigins, nil,
		service.WithHealthHandler(s.healthHandler))

	e := s.Echo()
	e.POST("/generate", s.generateHandler)
	e.POST("/embed", s.embedHandler)
	e.GET("/models", s.modelsHandler)
	return s
}

// Router exposes the underlying router (used by in-process consumers).
func (s *Server) Router() *Router { return s.router }

type generateRequest struct {
	TaskType     string  `json:"task_type"`
	Prompt       string  `json:"prompt"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
}

type generateResponse struct {
	Response   string           `json:"response"`
	ModelUsed  string           `json:"model_used"`
	ModelType  models.ModelType `json:"model_type"`
	TokensUsed int              `json:"tokens_used,omitempty"`
	Metadata   map[string]any   `json:"metadata,omitempty"`
}

// generateHandler handles POST /generate.
func (s *Server) generateHandler(c *echo.Context) error {
	var req generateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Prompt == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "prompt is required")
	}
	if req.TaskType == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task_type is required")
	}

	resp, err := s.router.Generate(c.Request().Context(), models.LLMTask{
		TaskType:     req.TaskType,
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
	})
	if err != nil {
		return service.MapError(err)
	}

	return c.JSON(http.StatusOK, &generateResponse{
		Response:   resp.Text,
		ModelUsed:  resp.ModelUsed,
		ModelType:  resp.ModelType,
		TokensUsed: resp.TokensUsed,
		Metadata:   map[string]any{"task_type": req.TaskType},
	})
}

type embedRequest struct {
	Texts []string `json:"texts"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	ModelUsed  string      `json:"model_used"`
	Dimensions int         `json:"dimensions"`
}

// embedHandler handles POST /embed.
func (s *Server) embedHandler(c *echo.Context) error {
	var req embedRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Texts) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "texts is required")
	}

	vectors, err := s.router.Embed(c.Request().Context(), req.Texts)
	if err != nil {
		return service.MapError(err)
	}

	dims := 0
	if len(vectors) > 0 {
		dims = len(vectors[0])
	}
	return c.JSON(http.StatusOK, &embedResponse{
		Embeddings: vectors,
		ModelUsed:  s.router.modelOf[models.ModelLocalEmbeddings],
		Dimensions: dims,
	})
}

// modelsHandler handles GET /models: the routing snapshot, no secrets.
func (s *Server) modelsHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.router.Models())
}

// healthHandler reports backend availability in the router's shape.
func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.router.Health(c.Request().Context()))
}
