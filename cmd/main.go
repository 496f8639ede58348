package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"raffle/internal/config"
	"raffle/internal/handlers"
	"raffle/internal/metrics"
	"raffle/internal/models"
	"raffle/internal/services"
	"raffle/internal/store"
	"raffle/internal/store/backend"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "raffle",
		Short: "Raffle ticket service",
		Long:  "Raffle ticket service with sequential, store-backed reference numbers.",
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to a YAML config file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(peekCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("raffle", version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app bundles what every command needs.
type app struct {
	cfg       *config.Config
	store     store.Store
	allocator *services.RaffleManager
	metrics   *metrics.Metrics
	closeLog  func()
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		logger.Errorf("Failed to close store: %v", err)
	}
	a.closeLog()
}

func setup(ctx context.Context, reg prometheus.Registerer) (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	closeLog, err := initLogger(cfg.Log)
	if err != nil {
		return nil, err
	}

	s, err := backend.Open(ctx, cfg.Store)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	m := metrics.New(reg)
	allocator := services.NewRaffleManager(s, services.AllocatorOptions{
		FailurePolicy: services.FailurePolicy(cfg.Allocator.FailurePolicy),
		Interactive:   cfg.Allocator.Interactive,
		RandomMax:     cfg.Allocator.RandomMax,
		Metrics:       m,
	})
	return &app{cfg: cfg, store: s, allocator: allocator, metrics: m, closeLog: closeLog}, nil
}

func initLogger(cfg config.LogConfig) (func(), error) {
	if cfg.File == "" {
		l := logger.Init("raffle", cfg.Verbose, false, os.Stderr)
		return func() { l.Close() }, nil
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o660)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	l := logger.Init("raffle", cfg.Verbose, false, f)
	return func() {
		l.Close()
		f.Close()
	}, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := setup(ctx, prometheus.DefaultRegisterer)
			if err != nil {
				return err
			}
			defer a.Close()

			raffleService := services.NewRaffleService(a.allocator, a.metrics)
			httpHandler := handlers.NewHTTPHandler(raffleService, a.allocator, a.cfg.Admin.Token, prometheus.DefaultGatherer)
			if a.cfg.Admin.Token == "" {
				logger.Warning("admin.token is empty; admin routes will reject every request")
			}

			gin.SetMode(a.cfg.Server.Mode)
			r := gin.New()
			r.Use(gin.Logger(), gin.Recovery(), corsMiddleware(a.cfg.Server.CORSOrigins))

			httpHandler.RegisterPublicRoutes(r)

			api := r.Group("/api")
			api.Use(httpHandler.SessionMiddleware())
			httpHandler.RegisterSessionRoutes(api)
			httpHandler.RegisterAdminRoutes(api)

			janitor := cron.New()
			idle := a.cfg.Session.IdleTimeout
			if _, err := janitor.AddFunc(a.cfg.Session.CleanupSchedule, func() {
				removed := raffleService.CleanUpInactiveSessions(idle)
				logger.Infof("Performed cleanup of inactive sessions, removed %d.", removed)
			}); err != nil {
				return fmt.Errorf("invalid session.cleanup_schedule: %w", err)
			}
			janitor.Start()
			defer janitor.Stop()

			srv := &http.Server{
				Addr:              a.cfg.Server.Addr(),
				Handler:           r,
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				logger.Infof("Server starting on %s", srv.Addr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("failed to run server: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			logger.Info("Shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		// Credentials cannot be combined with a wildcard origin.
		cfg.AllowAllOrigins = true
		cfg.AllowCredentials = false
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

func peekCmd() *cobra.Command {
	var (
		modeName string
		count    int
	)
	cmd := &cobra.Command{
		Use:   "peek",
		Short: "Show the next references of a mode without reserving them",
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := models.ParseMode(modeName)
			if err != nil {
				return err
			}
			if count < 1 || count > services.MaxPeekCount {
				return services.ErrPeekCount
			}
			a, err := setup(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.Close()

			preview, err := a.allocator.PeekNext(cmd.Context(), mode, count)
			if err != nil {
				return err
			}
			for _, ref := range preview.Refs {
				fmt.Println(ref)
			}
			fmt.Printf("played: %d\n", preview.Count)
			return nil
		},
	}
	cmd.Flags().StringVarP(&modeName, "mode", "m", string(models.ModeTwoDigit), "two-digit, three-digit or infinite")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of references to show (1-50)")
	return cmd
}

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-counters",
		Short: "Put every reference counter back to its start value",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.allocator.Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("counters reset")
			return nil
		},
	}
}
