package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriptforge/backend/internal/auth"
	"scriptforge/backend/internal/logging"
	"scriptforge/backend/internal/pipeline"
	"scriptforge/backend/internal/progress"
	"scriptforge/backend/internal/repository"
	"scriptforge/backend/internal/services"
	"scriptforge/backend/internal/workflow"
	"scriptforge/backend/pkg/models"
)

type testAPI struct {
	e        *echo.Echo
	store    *repository.MemoryStore
	orch     *workflow.Orchestrator
	versions *services.VersionService
}

func newTestAPI(t *testing.T, limiter *StartLimiter) *testAPI {
	t.Helper()
	store := repository.NewMemoryStore()
	versions := services.NewVersionService(store)
	orch := workflow.New(workflow.Deps{
		Tracker:  progress.NewMemoryTracker(100, time.Minute),
		Runs:     store,
		Versions: versions,
		Stages: []pipeline.Stage{{
			Name:    models.StageGenerating,
			Percent: pipeline.PercentGenerating,
			Runner: pipeline.RunnerFunc(func(ctx context.Context, wc models.WorkflowContext) (models.WorkflowContext, error) {
				wc.Draft = models.Draft{Title: "Generated", Content: "Generated body for " + wc.Request.Topic}
				return wc, nil
			}),
		}},
	}, workflow.Config{InitialBackoff: time.Millisecond, RunTimeout: 5 * time.Second})
	t.Cleanup(func() { _ = orch.Shutdown(context.Background()) })

	e := echo.New()
	e.HTTPErrorHandler = HTTPErrorHandler(logging.NewNop())
	e.GET("/health", NewHandler(store).HandleHealth)
	g := e.Group("/api/v1")
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if user := c.Request().Header.Get("X-Test-User"); user != "" {
				c.SetRequest(c.Request().WithContext(auth.WithUserID(c.Request().Context(), user)))
			}
			return next(c)
		}
	})
	RegisterHandlers(g, NewServer(orch, versions, services.NewRevertService(versions), limiter))
	return &testAPI{e: e, store: store, orch: orch, versions: versions}
}

func (a *testAPI) do(t *testing.T, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (a *testAPI) seedScript(t *testing.T, owner string) *models.Script {
	t.Helper()
	script, _, err := a.versions.CreateScript(context.Background(), owner, services.VersionInput{Title: "v1", Content: "first"})
	require.NoError(t, err)
	return script
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t, nil)
	rec := a.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	status := decode[models.HealthStatus](t, rec)
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, "ok", status.Checks["database"])
}

func TestWorkflowLifecycle(t *testing.T) {
	a := newTestAPI(t, nil)

	rec := a.do(t, http.MethodPost, "/api/v1/workflows", "alice", `{"topic":"intro hook"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	started := decode[StartWorkflowResponse](t, rec)
	require.NotEmpty(t, started.SessionID)
	assert.Equal(t, "/api/v1/workflows/"+started.SessionID, rec.Header().Get(echo.HeaderLocation))

	a.orch.Wait()

	rec = a.do(t, http.MethodGet, "/api/v1/workflows/progress?sessionId="+started.SessionID, "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	progress := decode[models.ProgressRecord](t, rec)
	assert.Equal(t, models.StageCompleted, progress.Stage)
	assert.Equal(t, 100, progress.Progress)
	require.NotEmpty(t, progress.ScriptID)

	rec = a.do(t, http.MethodGet, "/api/v1/workflows/"+started.SessionID, "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StageCompleted, decode[models.WorkflowRun](t, rec).Stage)

	rec = a.do(t, http.MethodGet, "/api/v1/workflows/"+started.SessionID, "bob", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/v1/workflows?limit=5", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.WorkflowRun](t, rec), 1)

	rec = a.do(t, http.MethodGet, "/api/v1/scripts/"+progress.ScriptID+"/versions", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	versions := decode[[]models.ScriptVersion](t, rec)
	require.Len(t, versions, 1)
	assert.Equal(t, 1, versions[0].SequenceNumber)
}

func TestProgress_DefaultPayload(t *testing.T) {
	a := newTestAPI(t, nil)

	rec := a.do(t, http.MethodGet, "/api/v1/workflows/progress?sessionId=nope", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Initializing", body["stage"])
	assert.Equal(t, "Initializing...", body["message"])
	assert.EqualValues(t, 0, body["progress"])

	rec = a.do(t, http.MethodGet, "/api/v1/workflows/progress", "alice", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartWorkflow_Errors(t *testing.T) {
	a := newTestAPI(t, nil)

	rec := a.do(t, http.MethodPost, "/api/v1/workflows", "", `{"topic":"x"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/v1/workflows", "alice", `{"topic":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	problem := decode[models.ProblemDetails](t, rec)
	assert.Equal(t, "validation", problem.Kind)
	assert.Equal(t, "topic is required", problem.Detail)
	assert.Equal(t, "application/problem+json", rec.Header().Get(echo.HeaderContentType))

	rec = a.do(t, http.MethodPost, "/api/v1/workflows", "alice", `{"topic":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartWorkflow_RateLimited(t *testing.T) {
	a := newTestAPI(t, NewStartLimiter(1, 2))

	for i := 0; i < 2; i++ {
		rec := a.do(t, http.MethodPost, "/api/v1/workflows", "alice", `{"topic":"x"}`)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
	rec := a.do(t, http.MethodPost, "/api/v1/workflows", "alice", `{"topic":"x"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decode[models.ProblemDetails](t, rec).Kind)

	rec = a.do(t, http.MethodPost, "/api/v1/workflows", "bob", `{"topic":"x"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code, "limits are per user")
}

func TestSaveAndRevert(t *testing.T) {
	a := newTestAPI(t, nil)
	script := a.seedScript(t, "alice")
	base := "/api/v1/scripts/" + script.ID

	rec := a.do(t, http.MethodPost, base+"/versions", "alice", `{"title":"v2","content":"second","tags":["a"]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	v2 := decode[models.ScriptVersion](t, rec)
	assert.Equal(t, 2, v2.SequenceNumber)

	rec = a.do(t, http.MethodPost, base+"/versions", "alice", `{"title":"v3"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodPost, base+"/versions", "bob", `{"title":"x","content":"y"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.do(t, http.MethodPost, base+"/versions", "alice", `{"title":"x","content":"y","base_version_id":"stale"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = a.do(t, http.MethodGet, base+"/versions?limit=1", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	latest := decode[[]models.ScriptVersion](t, rec)
	require.Len(t, latest, 1)
	assert.Equal(t, v2.ID, latest[0].ID)

	rec = a.do(t, http.MethodPost, base+"/revert/"+script.CurrentVersionID, "bob", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.do(t, http.MethodPost, base+"/revert/missing", "alice", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodPost, base+"/revert/"+script.CurrentVersionID, "alice", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	reverted := decode[RevertResponse](t, rec)
	assert.Equal(t, 3, reverted.Version.SequenceNumber)
	assert.Equal(t, "first", reverted.Version.Content)
	assert.Equal(t, reverted.Version.ID, reverted.Script.CurrentVersionID)
}

func TestScripts_ReadsHideForeignScripts(t *testing.T) {
	a := newTestAPI(t, nil)
	script := a.seedScript(t, "alice")

	rec := a.do(t, http.MethodGet, "/api/v1/scripts/"+script.ID, "bob", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = a.do(t, http.MethodGet, "/api/v1/scripts/"+script.ID+"/versions", "bob", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/v1/scripts", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.Script](t, rec), 1)

	rec = a.do(t, http.MethodGet, "/api/v1/scripts?limit=abc", "alice", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProblemFor(t *testing.T) {
	p := problemFor(errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, p.Status)
	assert.Equal(t, "internal error", p.Detail, "causes are not leaked")

	p = problemFor(echo.NewHTTPError(http.StatusMethodNotAllowed))
	assert.Equal(t, http.StatusMethodNotAllowed, p.Status)

	p = problemFor(services.Conflict("save", nil, "moved"))
	assert.Equal(t, http.StatusConflict, p.Status)
	assert.Equal(t, "moved", p.Detail)
}

func TestStartLimiter_Disabled(t *testing.T) {
	var l *StartLimiter = NewStartLimiter(0, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("alice"))
	}
}

func TestSpecHandler_SubstitutesIssuer(t *testing.T) {
	rec := httptest.NewRecorder()
	SpecHandler("https://example.okta.com/oauth2/default")(rec, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "https://example.okta.com/oauth2/default/v1/authorize")
	assert.NotContains(t, rec.Body.String(), "{oktaIssuer}")
}
