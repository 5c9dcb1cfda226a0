package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"golang.org/x/sync/errgroup"

	"scriptforge/backend/internal/api"
	"scriptforge/backend/internal/auth"
	"scriptforge/backend/internal/config"
	"scriptforge/backend/internal/logging"
	"scriptforge/backend/internal/mcp"
	"scriptforge/backend/internal/pipeline"
	"scriptforge/backend/internal/progress"
	"scriptforge/backend/internal/repository"
	"scriptforge/backend/internal/services"
	"scriptforge/backend/internal/tls"
	"scriptforge/backend/internal/workflow"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and MCP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), ctx)
		},
	}
}

func runServe(ctx context.Context, cc *commandContext) error {
	cfg, err := cc.ensureConfig()
	if err != nil {
		return err
	}
	logger := cc.logger(cfg)
	logger.Info("Configuration loaded",
		"environment", cfg.Environment,
		"db_driver", cfg.DB.Driver,
		"okta_domain", cfg.Auth.OktaDomain,
		"config_file", cfg.ConfigFile,
	)
	if cfg.Auth.SwaggerClientID != "" && cfg.Auth.SwaggerClientID == cfg.Auth.ClientID {
		logger.Warn("Swagger client id matches the backend client id; PKCE login from /docs will fail for a web app client")
	}

	repo, err := repository.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	defer repo.Close()
	logger.Info("Repository ready", "driver", cfg.DB.Driver)

	orch, versions, reverts, err := buildWorkflow(cfg, repo, logger)
	if err != nil {
		return err
	}

	authz, err := auth.New(ctx, cfg, services.NewUserService(repo), logger)
	if err != nil {
		return fmt.Errorf("initialize auth: %w", err)
	}

	e := newEcho(cfg, logger, repo, authz)
	limiter := api.NewStartLimiter(cfg.RateLimit.StartsPerMinute, cfg.RateLimit.Burst)
	apiGroup := e.Group("/api/v1")
	apiGroup.Use(echo.WrapMiddleware(authz.RequireAuth))
	api.RegisterHandlers(apiGroup, api.NewServer(orch, versions, reverts, limiter))

	mcpServer := mcp.NewServer(orch, versions, reverts)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer(), authz.RequireAuth)
	e.Any("/mcp/*", echo.WrapHandler(mcpHandlers))

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	if cfg.TLS.Enable {
		addr = fmt.Sprintf(":%d", cfg.Server.TLSPort)
		created, err := tls.EnsureSelfSignedCert(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames)
		if err != nil {
			return err
		}
		if created {
			logger.Info("Generated self-signed certificate", "cert_file", cfg.TLS.CertFile)
		}
	}
	server := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE streams stay open
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server starting", "address", addr, "tls", cfg.TLS.Enable)
		var err error
		if cfg.TLS.Enable {
			err = server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		return shutdown(server, orch, cfg.Server.ShutdownTimeout, logger)
	})

	return g.Wait()
}

// shutdown drains open connections and in-flight workflow runs concurrently,
// each bounded by timeout.
func shutdown(server *http.Server, orch *workflow.Orchestrator, timeout time.Duration, logger *logging.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error {
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			_ = server.Close()
		}
		return nil
	})
	g.Go(func() error {
		if err := orch.Shutdown(ctx); err != nil {
			logger.Warn("Workflow runs were cancelled before completing", "error", err)
		}
		return nil
	})
	err := g.Wait()
	logger.Info("Server stopped")
	return err
}

func buildWorkflow(cfg *config.Config, repo repository.Repository, logger *logging.Logger) (*workflow.Orchestrator, *services.VersionService, *services.RevertService, error) {
	versions := services.NewVersionService(repo)
	reverts := services.NewRevertService(versions)

	gen := services.NewHTTPTextGenerator(services.GeneratorConfig{
		BaseURL:     cfg.Generator.BaseURL,
		APIKey:      cfg.Generator.APIKey,
		Model:       cfg.Generator.Model,
		Temperature: cfg.Generator.Temperature,
		MaxTokens:   cfg.Generator.MaxTokens,
		Timeout:     cfg.Generator.Timeout,
	}, nil)
	stages, err := pipeline.DefaultStages(gen, pipeline.Config{MinWords: cfg.Workflow.MinWords})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load stages: %w", err)
	}
	metrics, err := workflow.NewMetrics(nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("register metrics: %w", err)
	}

	orch := workflow.New(workflow.Deps{
		Tracker:  progress.NewMemoryTracker(cfg.Progress.Capacity, cfg.Progress.Retention),
		Runs:     repo,
		Versions: versions,
		Stages:   stages,
		Logger:   logger,
		Metrics:  metrics,
	}, workflow.Config{
		MaxAttempts:    cfg.Workflow.MaxAttempts,
		InitialBackoff: cfg.Workflow.InitialBackoff,
		MaxBackoff:     cfg.Workflow.MaxBackoff,
		RunTimeout:     cfg.Workflow.RunTimeout,
	})
	return orch, versions, reverts, nil
}

func newEcho(cfg *config.Config, logger *logging.Logger, repo repository.Repository, authz *auth.Auth) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = api.HTTPErrorHandler(logger)

	e.Use(middleware.Recover())
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{Output: logger.Writer()}))
	e.Use(otelecho.Middleware("scriptforge"))

	e.GET("/health", api.NewHandler(repo).HandleHealth)

	e.GET("/login", echo.WrapHandler(http.HandlerFunc(authz.LoginHandler)))
	e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(authz.CallbackHandler)))
	e.GET("/logout", echo.WrapHandler(http.HandlerFunc(authz.LogoutHandler)))

	e.GET("/openapi.yaml", echo.WrapHandler(api.SpecHandler(cfg.Auth.OktaDomain)))
	e.GET("/docs", echo.WrapHandler(api.SwaggerHandler(cfg.Auth.SwaggerClientID)))
	e.GET("/docs/oauth2-redirect.html", echo.WrapHandler(http.HandlerFunc(api.OAuthRedirectHandler)))
	return e
}
