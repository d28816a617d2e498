package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/liamcoop/queuerules/internal/app"
	"github.com/liamcoop/queuerules/internal/config"
	"github.com/liamcoop/queuerules/internal/logger"
	"github.com/liamcoop/queuerules/rules"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unrolled/secure"
	"golang.org/x/sync/errgroup"
)

type Server struct {
	app    *app.App
	log    *slog.Logger
	router *chi.Mux
}

func NewServer(a *app.App) *Server {
	s := &Server{app: a, log: a.Log.With("component", "http")}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	cfg := s.app.Config
	r := chi.NewRouter()

	secureMiddleware := secure.New(secure.Options{
		AllowedHosts:       cfg.Server.AllowedHosts,
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		IsDevelopment:      cfg.Server.IsDevelopment,
	})

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(secureMiddleware.Handler)

	if cfg.Metrics.Enabled {
		r.Handle(cfg.Metrics.Path, promhttp.HandlerFor(s.app.Registry, promhttp.HandlerOpts{}))
	}

	// Runs are bounded by the executor's own budget, so they skip the request timeout
	timeout := middleware.Timeout(cfg.Server.RequestTimeout)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(timeout)

			r.Get("/health", s.handleHealth)

			r.Route("/rules", func(r chi.Router) {
				r.Get("/", s.handleListRules)
				r.Post("/", s.handleCreateRule)
				r.Route("/{ruleId}", func(r chi.Router) {
					r.Get("/", s.handleGetRule)
					r.Put("/", s.handleUpdateRule)
					r.Patch("/", s.handleUpdateRule)
					r.Delete("/", s.handleDeleteRule)
					r.Get("/preview", s.handlePreviewRule)
				})
			})

			r.Get("/transitions", s.handleTransitions)
			r.Post("/transitions/validate", s.handleValidateTransitions)
		})

		r.Route("/executions", func(r chi.Router) {
			r.Post("/", s.handleExecute)
			r.With(timeout).Get("/history", s.handleHistory)
			r.With(timeout).Delete("/history", s.handlePruneHistory)
		})

		r.Route("/scheduler", func(r chi.Router) {
			r.Post("/check", s.handleSchedulerCheck)
			r.Group(func(r chi.Router) {
				r.Use(timeout)
				r.Get("/", s.handleSchedulerStatus)
				r.Post("/start", s.handleSchedulerStart)
				r.Post("/stop", s.handleSchedulerStop)
			})
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger logs one structured line per request and counts error responses
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.CountHTTPStatus(status)

			args := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			}
			switch {
			case status >= 500:
				s.log.Error("request failed", args...)
			case status >= 400:
				s.log.Warn("request rejected", args...)
			default:
				s.log.Info("request served", args...)
			}
		}()
		next.ServeHTTP(ww, r)
	})
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Setup(ctx, cfg.Log); err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	defer logger.Shutdown(context.Background())

	a, err := app.Build(ctx, cfg, app.Options{Logger: logger.Logger})
	if err != nil {
		return fmt.Errorf("failed to build application: %w", err)
	}
	defer a.Close()

	if a.RulesFile != "" && cfg.Rules.Watch {
		// Loading once creates the file and its directory before the watch starts
		if _, err := a.Engine.ListRules(ctx); err != nil {
			return err
		}
	}

	server := NewServer(a)
	// A run may overshoot its budget by the batch in flight
	writeTimeout := max(cfg.Server.RequestTimeout, a.Executor.Config().RunTimeout) + cfg.Server.RequestTimeout
	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.Scheduler.AutoStart {
		if err := a.Ticker.Start(cfg.Scheduler.IntervalMinutes); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server starting", "port", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		a.Ticker.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if a.RulesFile != "" && cfg.Rules.Watch {
		g.Go(func() error {
			return rules.WatchFile(gctx, a.RulesFile, a.Engine.Cache(), logger.Logger)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

func main() {
	configPath := flag.String("config", os.Getenv("QUEUERULES_CONFIG"), "path to a YAML configuration file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		logger.Fatal("server exited", "error", err)
	}
}
