package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"scriptforge/backend/internal/auth"
	"scriptforge/backend/internal/services"
	"scriptforge/backend/pkg/models"
)

// RevertResponse is returned by the revert endpoint.
type RevertResponse struct {
	Script  *models.Script        `json:"script"`
	Version *models.ScriptVersion `json:"version"`
}

// ListScripts returns the caller's scripts
// (GET /api/v1/scripts)
func (s *Server) ListScripts(c echo.Context, params ListParams) error {
	ctx := c.Request().Context()
	scripts, err := s.versions.ListScripts(ctx, auth.UserIDFromContext(ctx), limitOf(params))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, scripts)
}

// GetScript returns one script
// (GET /api/v1/scripts/{scriptId})
func (s *Server) GetScript(c echo.Context, scriptId string) error {
	ctx := c.Request().Context()
	script, err := s.versions.GetScript(ctx, scriptId, auth.UserIDFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, script)
}

// ListScriptVersions returns the version history, newest first
// (GET /api/v1/scripts/{scriptId}/versions)
func (s *Server) ListScriptVersions(c echo.Context, scriptId string, params ListParams) error {
	ctx := c.Request().Context()
	versions, err := s.versions.GetVersions(ctx, scriptId, auth.UserIDFromContext(ctx), limitOf(params))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, versions)
}

// SaveScriptVersion appends a version and makes it current
// (POST /api/v1/scripts/{scriptId}/versions)
func (s *Server) SaveScriptVersion(c echo.Context, scriptId string) error {
	ctx := c.Request().Context()
	var input services.VersionInput
	if err := c.Bind(&input); err != nil {
		return services.Validation("save version", "invalid request body")
	}
	version, err := s.versions.SaveAsVersion(ctx, scriptId, auth.UserIDFromContext(ctx), input)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, version)
}

// RevertScript appends a copy of an earlier version
// (POST /api/v1/scripts/{scriptId}/revert/{versionId})
func (s *Server) RevertScript(c echo.Context, scriptId string, versionId string) error {
	ctx := c.Request().Context()
	script, version, err := s.reverts.RevertToVersion(ctx, scriptId, versionId, auth.UserIDFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, RevertResponse{Script: script, Version: version})
}
