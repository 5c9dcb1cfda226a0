// Package api contains the HTTP handlers for the script service.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"scriptforge/backend/internal/logging"
	"scriptforge/backend/internal/services"
	"scriptforge/backend/pkg/models"
)

const (
	serviceName    = "scriptforge"
	serviceVersion = "1.0.0"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains the unauthenticated operational endpoints.
type Handler struct {
	db Pinger
}

// NewHandler creates a new Handler with required dependencies
func NewHandler(db Pinger) *Handler {
	return &Handler{db: db}
}

// HandleHealth reports service health. A failing store ping turns the
// response into 503 so load balancers stop routing to the instance.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := models.HealthStatus{
		Status:    "ok",
		Service:   serviceName,
		Version:   serviceVersion,
		Timestamp: time.Now().UTC(),
		Checks:    map[string]string{"database": "ok"},
	}
	code := http.StatusOK

	if h.db != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			status.Status = "degraded"
			status.Checks["database"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	return c.JSON(code, status)
}

// HTTPErrorHandler renders every error as an RFC 7807 problem document
// carrying the error kind.
func HTTPErrorHandler(log *logging.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		problem := problemFor(err)
		problem.Instance = c.Request().URL.Path
		if problem.Status >= http.StatusInternalServerError {
			log.Error("request failed", "method", c.Request().Method, "path", c.Request().URL.Path, "error", err)
		}

		c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(problem.Status)
		} else {
			err = c.JSON(problem.Status, problem)
		}
		if err != nil {
			log.Error("writing error response failed", "error", err)
		}
	}
}

func problemFor(err error) models.ProblemDetails {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		detail := http.StatusText(he.Code)
		if msg, ok := he.Message.(string); ok {
			detail = msg
		}
		return models.ProblemDetails{
			Type:   "about:blank",
			Title:  http.StatusText(he.Code),
			Status: he.Code,
			Kind:   string(kindForStatus(he.Code)),
			Detail: detail,
		}
	}

	kind := services.KindOf(err)
	status := kind.HTTPStatus()
	detail := services.MessageOf(err)
	if kind == services.KindInternal || kind == services.KindStage {
		kind = services.KindInternal
		detail = "internal error"
	}
	return models.ProblemDetails{
		Type:   "about:blank",
		Title:  http.StatusText(status),
		Status: status,
		Kind:   string(kind),
		Detail: detail,
	}
}

func kindForStatus(code int) services.Kind {
	switch code {
	case http.StatusBadRequest, http.StatusUnsupportedMediaType, http.StatusRequestEntityTooLarge:
		return services.KindValidation
	case http.StatusUnauthorized:
		return services.KindUnauthenticated
	case http.StatusForbidden:
		return services.KindPermissionDenied
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return services.KindNotFound
	case http.StatusConflict:
		return services.KindConflict
	case http.StatusTooManyRequests:
		return services.KindRateLimited
	case http.StatusServiceUnavailable:
		return services.KindUpstreamUnavailable
	default:
		return services.KindInternal
	}
}
