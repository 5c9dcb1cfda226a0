package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"scriptforge/backend/internal/auth"
	"scriptforge/backend/internal/services"
	"scriptforge/backend/internal/workflow"
	"scriptforge/backend/pkg/models"
)

// Server implements ServerInterface on top of the workflow orchestrator and
// the version services.
type Server struct {
	workflows *workflow.Orchestrator
	versions  *services.VersionService
	reverts   *services.RevertService
	limiter   *StartLimiter
}

var _ ServerInterface = (*Server)(nil)

// NewServer creates a new Server. A nil limiter disables start limiting.
func NewServer(workflows *workflow.Orchestrator, versions *services.VersionService, reverts *services.RevertService, limiter *StartLimiter) *Server {
	return &Server{
		workflows: workflows,
		versions:  versions,
		reverts:   reverts,
		limiter:   limiter,
	}
}

// StartWorkflowResponse is returned by POST /workflows.
type StartWorkflowResponse struct {
	SessionID string `json:"session_id"`
}

// StartWorkflow schedules a generation run and returns its session id
// (POST /api/v1/workflows)
func (s *Server) StartWorkflow(c echo.Context) error {
	ctx := c.Request().Context()
	userID := auth.UserIDFromContext(ctx)
	if userID == "" {
		return services.Unauthenticated("start workflow")
	}

	var req models.GenerationRequest
	if err := c.Bind(&req); err != nil {
		return services.Validation("start workflow", "invalid request body")
	}
	if !s.limiter.Allow(userID) {
		return services.RateLimited("start workflow", "too many workflows started, try again shortly")
	}

	sessionID, err := s.workflows.Start(ctx, userID, req)
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderLocation, strings.TrimSuffix(c.Request().URL.Path, "/")+"/"+sessionID)
	return c.JSON(http.StatusAccepted, StartWorkflowResponse{SessionID: sessionID})
}

// GetWorkflowProgress returns the latest progress record
// (GET /api/v1/workflows/progress?sessionId=)
func (s *Server) GetWorkflowProgress(c echo.Context, params GetWorkflowProgressParams) error {
	ctx := c.Request().Context()
	rec, err := s.workflows.Progress(ctx, params.SessionId, auth.UserIDFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

// GetWorkflow returns the resumable view of a run
// (GET /api/v1/workflows/{sessionId})
func (s *Server) GetWorkflow(c echo.Context, sessionId string) error {
	ctx := c.Request().Context()
	run, err := s.workflows.Resume(ctx, sessionId, auth.UserIDFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// ListWorkflows returns the caller's runs, newest first
// (GET /api/v1/workflows)
func (s *Server) ListWorkflows(c echo.Context, params ListParams) error {
	ctx := c.Request().Context()
	runs, err := s.workflows.List(ctx, auth.UserIDFromContext(ctx), limitOf(params))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, runs)
}

func limitOf(params ListParams) int {
	if params.Limit == nil {
		return 0
	}
	return *params.Limit
}
