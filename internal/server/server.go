package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"chatbridge/internal/config"
	"chatbridge/internal/observability"
	"chatbridge/internal/provider"
	"chatbridge/internal/router"
	"chatbridge/internal/translator"
)

const (
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	writeTimeout        = 45 * time.Second
	idleTimeout         = 120 * time.Second

	dialectChat     = "chat_completions"
	dialectMessages = "messages"
)

// Catalog lists what the registry holds.
type Catalog interface {
	ListBackends() []provider.Backend
	ListModels() []provider.ModelInfo
}

type Server struct {
	cfg     config.Config
	router  *router.Router
	catalog Catalog
	app     *echo.Echo
	handler http.Handler
	address string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, rt *router.Router, catalog Catalog) (*Server, error) {
	if rt == nil {
		return nil, errors.New("router must not be nil")
	}
	if catalog == nil {
		return nil, errors.New("catalog must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = dialectErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))
	e.Use(observability.Middleware(dialectOf))

	srv := &Server{
		cfg:     cfg,
		router:  rt,
		catalog: catalog,
		app:     e,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	// CORS sits in front of echo so preflight requests never reach routing.
	corsHandler := cors.AllowAll()
	if len(cfg.Server.CORSOrigins) > 0 {
		corsHandler = cors.New(cors.Options{
			AllowedOrigins: cfg.Server.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"*"},
		})
	}
	srv.handler = corsHandler.Handler(e)

	return srv, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port, s.catalog.ListModels())
	slog.Info("starting server", "addr", s.address)

	httpServer := &http.Server{
		Addr:         s.address,
		Handler:      s.handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.app.GET("/v1/adapters", s.handleAdapters)
	s.app.GET("/v1/models", s.handleModels)
	s.app.POST("/v1/chat/completions", s.handleChatCompletions)
	s.app.POST("/v1/messages", s.handleMessages)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func dialectOf(path string) string {
	switch path {
	case "/v1/chat/completions":
		return dialectChat
	case "/v1/messages":
		return dialectMessages
	default:
		return ""
	}
}

func isMessagesPath(path string) bool {
	return strings.HasPrefix(path, "/v1/messages")
}

func (s *Server) decodeRequestBody(c echo.Context, target any) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, s.cfg.Server.MaxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		var maxErr *http.MaxBytesError
		var validationErr *translator.ValidationError
		switch {
		case errors.Is(err, io.EOF):
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    errTypeInvalidRequest,
			}
		case errors.As(err, &maxErr):
			return requestError{
				Status:  http.StatusRequestEntityTooLarge,
				Message: fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit),
				Type:    errTypeInvalidRequest,
			}
		case errors.As(err, &validationErr):
			return toRequestError(validationErr)
		default:
			return requestError{
				Status:  http.StatusBadRequest,
				Message: fmt.Sprintf("invalid JSON payload: %v", err),
				Type:    errTypeInvalidRequest,
			}
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    errTypeInvalidRequest,
		}
	}
	return nil
}

func printStartupBanner(port int, models []provider.ModelInfo) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("chatbridge ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /metrics")
	fmt.Println("  GET  /v1/adapters")
	fmt.Println("  GET  /v1/models")
	fmt.Println("  POST /v1/chat/completions")
	fmt.Println("  POST /v1/messages")
	if len(models) > 0 {
		fmt.Println("Models:")
		for _, m := range models {
			fmt.Printf("  %s (%s)\n", m.ID, m.Model.DisplayName())
		}
	}
	example := "__USTC_Adapter__deepseek-v3"
	if len(models) > 0 {
		example = models[0].ID
	}
	fmt.Printf("OpenAI-style example:\n  curl http://%s:%d/v1/chat/completions -H 'Content-Type: application/json' -d '{\"model\":\"%s\",\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n", host, port, example)
	fmt.Printf("Messages-style example:\n  ANTHROPIC_BASE_URL=http://%s:%d claude --model %s\n\n", host, port, example)
}
