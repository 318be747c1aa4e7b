package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradepilot/tradepilot/internal/config"
	"github.com/tradepilot/tradepilot/internal/di"
	"github.com/tradepilot/tradepilot/internal/jobs"
	analysishandlers "github.com/tradepilot/tradepilot/internal/modules/analysis/handlers"
	rebalancehandlers "github.com/tradepilot/tradepilot/internal/modules/rebalance/handlers"
	scheduleshandlers "github.com/tradepilot/tradepilot/internal/modules/schedules/handlers"
	tradinghandlers "github.com/tradepilot/tradepilot/internal/modules/trading/handlers"
	"github.com/tradepilot/tradepilot/internal/server"
	"github.com/tradepilot/tradepilot/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// No logger yet
		panic(err)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Msg("Starting TradePilot coordinator")

	// Build the dependency graph
	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.Close()

	// Register background jobs
	sched := jobs.NewScheduler(log)
	if err := registerJobs(sched, container, log); err != nil {
		log.Fatal().Err(err).Msg("Failed to register jobs")
	}
	sched.Start()
	defer sched.Stop()

	// Initialize HTTP server
	srv := server.New(server.Config{
		Port:      cfg.Port,
		Log:       log,
		Config:    cfg,
		Users:     container.UsersRepo,
		Events:    container.EventManager,
		Sweeper:   container.Sweeper,
		Databases: container.Databases(),
		Modules: []server.RouteRegistrar{
			analysishandlers.NewHandler(container.AnalysisCoordinator, container.AnalysisRepo, log),
			rebalancehandlers.NewHandler(container.RebalanceCoordinator, container.RebalanceRepo, log),
			tradinghandlers.NewHandler(container.TradeExecutor, container.TradingRepo, log),
			scheduleshandlers.NewHandler(container.SchedulesRepo, container.RolesService, log),
		},
	})

	// Start server in goroutine
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}

func registerJobs(sched *jobs.Scheduler, c *di.Container, log zerolog.Logger) error {
	// Stale analysis sweep - every minute
	if err := sched.AddJob("0 * * * * *", jobs.NewStaleSweepJob(c.Sweeper, log)); err != nil {
		return err
	}
	// Schedule runner - every 30 minutes, the due window looks 35 ahead
	if err := sched.AddJob("0 */30 * * * *", jobs.NewScheduleRunnerJob(c.ScheduleRunner)); err != nil {
		return err
	}
	// Role consistency sweep - hourly
	if err := sched.AddJob("0 15 * * * *", jobs.NewRoleConsistencyJob(c.RolesService)); err != nil {
		return err
	}
	// WAL checkpoint - hourly
	if err := sched.AddJob("0 5 * * * *", jobs.NewCheckpointJob(c.Databases(), log)); err != nil {
		return err
	}
	// Nightly backup - 03:00
	if err := sched.AddJob("0 0 3 * * *", jobs.NewBackupJob(c.BackupService)); err != nil {
		return err
	}
	return nil
}
