package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradepilot/tradepilot/internal/database"
	"github.com/tradepilot/tradepilot/internal/modules/roles"
	"github.com/tradepilot/tradepilot/internal/modules/schedules"
	"github.com/tradepilot/tradepilot/internal/reliability"
	"github.com/tradepilot/tradepilot/internal/sweeper"
)

// StaleSweepJob reactivates or retires analysis runs that stopped moving.
type StaleSweepJob struct {
	sweeper *sweeper.Sweeper
	log     zerolog.Logger
}

func NewStaleSweepJob(s *sweeper.Sweeper, log zerolog.Logger) *StaleSweepJob {
	return &StaleSweepJob{
		sweeper: s,
		log:     log.With().Str("job", "stale_sweep").Logger(),
	}
}

func (j *StaleSweepJob) Name() string { return "stale_sweep" }

func (j *StaleSweepJob) Run() error {
	reactivated, retired, err := j.sweeper.Sweep()
	if err != nil {
		return fmt.Errorf("stale sweep failed: %w", err)
	}
	if reactivated > 0 || retired > 0 {
		j.log.Info().
			Int("reactivated", reactivated).
			Int("retired", retired).
			Msg("Stale sweep applied changes")
	}
	return nil
}

// ScheduleRunnerJob fires due schedule rules into the rebalance coordinator.
type ScheduleRunnerJob struct {
	runner *schedules.Runner
}

func NewScheduleRunnerJob(runner *schedules.Runner) *ScheduleRunnerJob {
	return &ScheduleRunnerJob{runner: runner}
}

func (j *ScheduleRunnerJob) Name() string { return "schedule_runner" }

func (j *ScheduleRunnerJob) Run() error {
	j.runner.Run(time.Now())
	return nil
}

// RoleConsistencyJob disables schedules and settings that outgrew their
// owner's current role limits.
type RoleConsistencyJob struct {
	service *roles.Service
}

func NewRoleConsistencyJob(service *roles.Service) *RoleConsistencyJob {
	return &RoleConsistencyJob{service: service}
}

func (j *RoleConsistencyJob) Name() string { return "role_consistency" }

func (j *RoleConsistencyJob) Run() error {
	if err := j.service.SweepConsistency(); err != nil {
		return fmt.Errorf("role consistency sweep failed: %w", err)
	}
	return nil
}

// CheckpointJob truncates the WAL on each database so it never grows
// unbounded between backups.
type CheckpointJob struct {
	databases []*database.DB
	log       zerolog.Logger
}

func NewCheckpointJob(databases []*database.DB, log zerolog.Logger) *CheckpointJob {
	return &CheckpointJob{
		databases: databases,
		log:       log.With().Str("job", "wal_checkpoint").Logger(),
	}
}

func (j *CheckpointJob) Name() string { return "wal_checkpoint" }

func (j *CheckpointJob) Run() error {
	for _, db := range j.databases {
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			return fmt.Errorf("checkpoint %s failed: %w", db.Name(), err)
		}
		j.log.Debug().Str("database", db.Name()).Msg("WAL checkpoint complete")
	}
	return nil
}

// BackupJob runs the nightly database backup cycle.
type BackupJob struct {
	service *reliability.BackupService
	timeout time.Duration
}

func NewBackupJob(service *reliability.BackupService) *BackupJob {
	return &BackupJob{service: service, timeout: 15 * time.Minute}
}

func (j *BackupJob) Name() string { return "nightly_backup" }

func (j *BackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	return j.service.Run(ctx)
}
