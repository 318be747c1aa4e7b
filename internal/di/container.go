// Package di wires the application together. The Container is the single
// source of truth for all service instances; Wire() builds it bottom-up
// from the configuration.
package di

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/tradepilot/tradepilot/internal/agents"
	"github.com/tradepilot/tradepilot/internal/clients/alpaca"
	"github.com/tradepilot/tradepilot/internal/config"
	"github.com/tradepilot/tradepilot/internal/database"
	"github.com/tradepilot/tradepilot/internal/events"
	"github.com/tradepilot/tradepilot/internal/modules/analysis"
	"github.com/tradepilot/tradepilot/internal/modules/rebalance"
	"github.com/tradepilot/tradepilot/internal/modules/roles"
	"github.com/tradepilot/tradepilot/internal/modules/schedules"
	"github.com/tradepilot/tradepilot/internal/modules/trading"
	"github.com/tradepilot/tradepilot/internal/modules/users"
	"github.com/tradepilot/tradepilot/internal/reliability"
	"github.com/tradepilot/tradepilot/internal/sweeper"
)

// Container holds all dependencies for the application.
type Container struct {
	// Databases. Workflow state and the trade ledger are kept apart so the
	// ledger can run with the stricter durability profile.
	WorkflowsDB *database.DB
	LedgerDB    *database.DB

	// Repositories
	AnalysisRepo  *analysis.Repository
	RebalanceRepo *rebalance.Repository
	TradingRepo   *trading.Repository
	SchedulesRepo *schedules.Repository
	UsersRepo     *users.Repository
	RolesRepo     *roles.Repository

	// Services
	EventManager         *events.Manager
	AgentInvoker         *agents.Invoker
	RolesService         *roles.Service
	BrokerFactory        *alpaca.Factory
	AnalysisCoordinator  *analysis.Coordinator
	RebalanceCoordinator *rebalance.Coordinator
	TradeExecutor        *trading.Executor
	Sweeper              *sweeper.Sweeper
	ScheduleRunner       *schedules.Runner
	BackupService        *reliability.BackupService

	log zerolog.Logger
}

// Wire builds the full dependency graph.
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	c := &Container{log: log}

	if err := c.wireDatabases(cfg); err != nil {
		return nil, err
	}
	if err := c.wireRepositories(); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.wireServices(cfg); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Container) wireDatabases(cfg *config.Config) error {
	workflowsDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "workflows.db"),
		Profile: database.ProfileStandard,
		Name:    "workflows",
	})
	if err != nil {
		return fmt.Errorf("failed to open workflows database: %w", err)
	}
	c.WorkflowsDB = workflowsDB

	ledgerDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "ledger.db"),
		Profile: database.ProfileLedger,
		Name:    "ledger",
	})
	if err != nil {
		return fmt.Errorf("failed to open ledger database: %w", err)
	}
	c.LedgerDB = ledgerDB
	return nil
}

func (c *Container) wireRepositories() error {
	c.AnalysisRepo = analysis.NewRepository(c.WorkflowsDB.Conn(), c.log)
	c.RebalanceRepo = rebalance.NewRepository(c.WorkflowsDB.Conn(), c.log)
	c.SchedulesRepo = schedules.NewRepository(c.WorkflowsDB.Conn(), c.log)
	c.UsersRepo = users.NewRepository(c.WorkflowsDB.Conn(), c.log)
	c.RolesRepo = roles.NewRepository(c.WorkflowsDB.Conn(), c.log)
	c.TradingRepo = trading.NewRepository(c.LedgerDB.Conn(), c.log)

	type schemaIniter interface {
		InitSchema() error
	}
	for _, repo := range []schemaIniter{
		c.AnalysisRepo, c.RebalanceRepo, c.SchedulesRepo,
		c.UsersRepo, c.RolesRepo, c.TradingRepo,
	} {
		if err := repo.InitSchema(); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

func (c *Container) wireServices(cfg *config.Config) error {
	c.EventManager = events.NewManager(c.log)
	c.AgentInvoker = agents.NewInvoker(cfg.AgentBaseURL, cfg.ServiceToken, c.log)
	c.RolesService = roles.NewService(c.RolesRepo, c.SchedulesRepo, c.UsersRepo, c.log)
	c.BrokerFactory = alpaca.NewFactory(c.UsersRepo, cfg.AlpacaPaperBaseURL, cfg.AlpacaLiveBaseURL, c.log)

	c.AnalysisCoordinator = analysis.NewCoordinator(
		c.AnalysisRepo,
		c.AgentInvoker,
		c.UsersRepo,
		c.RolesService,
		c.EventManager,
		cfg.StaleThreshold,
		c.log,
	)

	c.TradeExecutor = trading.NewExecutor(c.TradingRepo, c.BrokerFactory, c.UsersRepo, c.EventManager, c.log)

	c.RebalanceCoordinator = rebalance.NewCoordinator(
		c.RebalanceRepo,
		c.AnalysisCoordinator,
		c.AnalysisRepo,
		c.AgentInvoker,
		c.BrokerFactory,
		c.UsersRepo,
		c.RolesService,
		c.EventManager,
		c.log,
	)

	// Break the module cycles: analysis calls up into rebalance and trading
	// only through these interfaces.
	c.AnalysisCoordinator.SetRebalanceNotifier(c.RebalanceCoordinator)
	c.AnalysisCoordinator.SetTradeOrderSink(c.TradeExecutor)
	c.RebalanceCoordinator.SetAutoTrader(c.TradeExecutor)

	c.Sweeper = sweeper.New(c.AnalysisRepo, c.AnalysisCoordinator, cfg.StaleThreshold, cfg.MaxReactivation, c.log)
	c.ScheduleRunner = schedules.NewRunner(c.SchedulesRepo, c.RebalanceCoordinator, c.UsersRepo, c.EventManager, c.log)

	backupSvc, err := reliability.NewBackupService(cfg.Backup, cfg.DataDir, []reliability.BackupDatabase{
		{Name: "workflows", DB: c.WorkflowsDB},
		{Name: "ledger", DB: c.LedgerDB},
	}, c.log)
	if err != nil {
		return fmt.Errorf("failed to build backup service: %w", err)
	}
	c.BackupService = backupSvc
	return nil
}

// Databases returns every open database, for health checks and checkpoints.
func (c *Container) Databases() []*database.DB {
	return []*database.DB{c.WorkflowsDB, c.LedgerDB}
}

// Close releases all held resources.
func (c *Container) Close() {
	if c.LedgerDB != nil {
		if err := c.LedgerDB.Close(); err != nil {
			c.log.Error().Err(err).Msg("Failed to close ledger database")
		}
	}
	if c.WorkflowsDB != nil {
		if err := c.WorkflowsDB.Close(); err != nil {
			c.log.Error().Err(err).Msg("Failed to close workflows database")
		}
	}
}
