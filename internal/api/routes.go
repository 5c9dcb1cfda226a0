package api

import (
	"github.com/labstack/echo/v4"
	"github.com/oapi-codegen/runtime"

	"scriptforge/backend/internal/services"
)

// ListParams defines parameters for list endpoints.
type ListParams struct {
	Limit *int `form:"limit,omitempty" json:"limit,omitempty"`
}

// GetWorkflowProgressParams defines parameters for GetWorkflowProgress.
type GetWorkflowProgressParams struct {
	SessionId string `form:"sessionId" json:"sessionId"`
}

// ServerInterface represents all server handlers.
type ServerInterface interface {
	// (GET /workflows)
	ListWorkflows(ctx echo.Context, params ListParams) error
	// (POST /workflows)
	StartWorkflow(ctx echo.Context) error
	// (GET /workflows/progress)
	GetWorkflowProgress(ctx echo.Context, params GetWorkflowProgressParams) error
	// (GET /workflows/{sessionId})
	GetWorkflow(ctx echo.Context, sessionId string) error
	// (GET /scripts)
	ListScripts(ctx echo.Context, params ListParams) error
	// (GET /scripts/{scriptId})
	GetScript(ctx echo.Context, scriptId string) error
	// (GET /scripts/{scriptId}/versions)
	ListScriptVersions(ctx echo.Context, scriptId string, params ListParams) error
	// (POST /scripts/{scriptId}/versions)
	SaveScriptVersion(ctx echo.Context, scriptId string) error
	// (POST /scripts/{scriptId}/revert/{versionId})
	RevertScript(ctx echo.Context, scriptId string, versionId string) error
}

// ServerInterfaceWrapper converts echo contexts to parameters.
type ServerInterfaceWrapper struct {
	Handler ServerInterface
}

func (w *ServerInterfaceWrapper) ListWorkflows(ctx echo.Context) error {
	var params ListParams
	if err := bindLimit(ctx, &params); err != nil {
		return err
	}
	return w.Handler.ListWorkflows(ctx, params)
}

func (w *ServerInterfaceWrapper) StartWorkflow(ctx echo.Context) error {
	return w.Handler.StartWorkflow(ctx)
}

func (w *ServerInterfaceWrapper) GetWorkflowProgress(ctx echo.Context) error {
	var params GetWorkflowProgressParams
	err := runtime.BindQueryParameter("form", true, true, "sessionId", ctx.QueryParams(), &params.SessionId)
	if err != nil || params.SessionId == "" {
		return invalidParam("sessionId", err)
	}
	return w.Handler.GetWorkflowProgress(ctx, params)
}

func (w *ServerInterfaceWrapper) GetWorkflow(ctx echo.Context) error {
	sessionId, err := bindPath(ctx, "sessionId")
	if err != nil {
		return err
	}
	return w.Handler.GetWorkflow(ctx, sessionId)
}

func (w *ServerInterfaceWrapper) ListScripts(ctx echo.Context) error {
	var params ListParams
	if err := bindLimit(ctx, &params); err != nil {
		return err
	}
	return w.Handler.ListScripts(ctx, params)
}

func (w *ServerInterfaceWrapper) GetScript(ctx echo.Context) error {
	scriptId, err := bindPath(ctx, "scriptId")
	if err != nil {
		return err
	}
	return w.Handler.GetScript(ctx, scriptId)
}

func (w *ServerInterfaceWrapper) ListScriptVersions(ctx echo.Context) error {
	scriptId, err := bindPath(ctx, "scriptId")
	if err != nil {
		return err
	}
	var params ListParams
	if err := bindLimit(ctx, &params); err != nil {
		return err
	}
	return w.Handler.ListScriptVersions(ctx, scriptId, params)
}

func (w *ServerInterfaceWrapper) SaveScriptVersion(ctx echo.Context) error {
	scriptId, err := bindPath(ctx, "scriptId")
	if err != nil {
		return err
	}
	return w.Handler.SaveScriptVersion(ctx, scriptId)
}

func (w *ServerInterfaceWrapper) RevertScript(ctx echo.Context) error {
	scriptId, err := bindPath(ctx, "scriptId")
	if err != nil {
		return err
	}
	versionId, err := bindPath(ctx, "versionId")
	if err != nil {
		return err
	}
	return w.Handler.RevertScript(ctx, scriptId, versionId)
}

func bindPath(ctx echo.Context, name string) (string, error) {
	var value string
	err := runtime.BindStyledParameterWithOptions("simple", name, ctx.Param(name), &value,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil || value == "" {
		return "", invalidParam(name, err)
	}
	return value, nil
}

func bindLimit(ctx echo.Context, params *ListParams) error {
	if err := runtime.BindQueryParameter("form", true, false, "limit", ctx.QueryParams(), &params.Limit); err != nil {
		return invalidParam("limit", err)
	}
	return nil
}

func invalidParam(name string, err error) error {
	if err == nil {
		return services.Validation("bind", "parameter %s is required", name)
	}
	return services.Validation("bind", "invalid format for parameter %s: %s", name, err)
}

// EchoRouter is satisfied by both *echo.Echo and *echo.Group.
type EchoRouter interface {
	GET(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	POST(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
}

// RegisterHandlers adds each server route to the EchoRouter.
func RegisterHandlers(router EchoRouter, si ServerInterface) {
	RegisterHandlersWithBaseURL(router, si, "")
}

// RegisterHandlersWithBaseURL registers the routes under baseURL.
func RegisterHandlersWithBaseURL(router EchoRouter, si ServerInterface, baseURL string) {
	wrapper := ServerInterfaceWrapper{Handler: si}

	router.GET(baseURL+"/workflows", wrapper.ListWorkflows)
	router.POST(baseURL+"/workflows", wrapper.StartWorkflow)
	router.GET(baseURL+"/workflows/progress", wrapper.GetWorkflowProgress)
	router.GET(baseURL+"/workflows/:sessionId", wrapper.GetWorkflow)
	router.GET(baseURL+"/scripts", wrapper.ListScripts)
	router.GET(baseURL+"/scripts/:scriptId", wrapper.GetScript)
	router.GET(baseURL+"/scripts/:scriptId/versions", wrapper.ListScriptVersions)
	router.POST(baseURL+"/scripts/:scriptId/versions", wrapper.SaveScriptVersion)
	router.POST(baseURL+"/scripts/:scriptId/revert/:versionId", wrapper.RevertScript)
}
