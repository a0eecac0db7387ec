package puddlesbot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// ReminderDispatcher delivers a single staged due-date reminder. An
// error return means the stage is not recorded as sent, and is retried
// on the next scheduler tick. Duplicate attempts after a transient
// failure are the preferred failure mode over a silently lost reminder.
type ReminderDispatcher interface {
	DispatchReminder(ctx context.Context, task Task, stage ReminderStage) error
}

// reminderScheduler is the background loop that scans OPEN tasks with
// due dates and fires the 7d/3d/1d staged reminders. Polling is
// deliberate: due dates are day-granular, so a few minutes of scan
// cadence loses nothing over per-task timers.
type reminderScheduler struct {
	db         DBI
	config     *ReminderConfig
	dispatcher ReminderDispatcher
	logger     *slog.Logger

	// enabled gates dispatch, reloaded from RuntimeConfig
	enabled func() bool

	// now is the clock, injectable for tests
	now func() time.Time

	// triggerTick forces an immediate scan
	triggerTick chan struct{}

	// databaseType and databasePath drive the backup job, which only
	// applies to SQLite
	databaseType string
	databasePath string
}

func newReminderScheduler(
	db DBI,
	config *ReminderConfig,
	dispatcher ReminderDispatcher,
	logger *slog.Logger,
	enabled func() bool,
) *reminderScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if enabled == nil {
		enabled = func() bool { return true }
	}
	return &reminderScheduler{
		db:          db,
		config:      config,
		dispatcher:  dispatcher,
		logger:      logger.With(loggerNameKey, "reminder_scheduler"),
		enabled:     enabled,
		now:         time.Now,
		triggerTick: make(chan struct{}, 1),
	}
}

// Run executes the scan loop until ctx is cancelled
func (s *reminderScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	var backupCh <-chan time.Time
	if s.config.BackupDir != "" && s.databaseType == dbTypeSQLite {
		backupTicker := time.NewTicker(s.config.BackupInterval)
		defer backupTicker.Stop()
		backupCh = backupTicker.C
	}

	s.logger.InfoContext(
		ctx,
		"reminder scheduler started",
		"interval", s.config.Interval,
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "reminder scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		case <-s.triggerTick:
			s.tick(ctx)
		case <-backupCh:
			if err := s.backupDatabase(ctx); err != nil {
				s.logger.ErrorContext(
					ctx,
					"database backup failed",
					tint.Err(err),
				)
			}
		}
	}
}

// tick scans for eligible (task, stage) pairs and dispatches them,
// returning the number of reminders sent. A stage is recorded as sent
// only after the dispatcher acknowledges it.
func (s *reminderScheduler) tick(ctx context.Context) int {
	if !s.enabled() {
		return 0
	}
	now := s.now().UTC()

	tasks, err := dueOpenTasks(ctx, s.db.DB(), now)
	if err != nil {
		s.logger.ErrorContext(ctx, "error scanning due tasks", tint.Err(err))
		return 0
	}

	dispatched := 0
	for i := range tasks {
		task := tasks[i]
		for _, stage := range eligibleStages(task, now) {
			if err = s.dispatchStage(ctx, &task, stage); err != nil {
				s.logger.WarnContext(
					ctx,
					"reminder dispatch failed, will retry next tick",
					"task_id", task.ID,
					"stage", stage,
					tint.Err(err),
				)
				continue
			}
			dispatched++
		}
	}
	if dispatched > 0 {
		s.logger.InfoContext(
			ctx,
			"reminder scan finished",
			"dispatched", dispatched,
			"candidate_tasks", len(tasks),
		)
	}
	return dispatched
}

// dispatchStage delivers one reminder, then records the stage as sent.
// The record is a conditional update filtered on OPEN status, so a task
// actioned mid-dispatch doesn't get its stage set mutated.
func (s *reminderScheduler) dispatchStage(
	ctx context.Context,
	task *Task,
	stage ReminderStage,
) error {
	dispatchCtx, cancel := context.WithTimeout(ctx, s.config.DispatchTimeout)
	defer cancel()

	if err := s.dispatcher.DispatchReminder(dispatchCtx, *task, stage); err != nil {
		return err
	}

	task.StagesSent = task.StagesSent.Add(stage)
	rowsAffected, err := s.db.UpdatesWhere(
		ctx,
		&Task{},
		map[string]any{columnTaskStagesSent: task.StagesSent},
		"id = ? AND status = ?",
		task.ID,
		TaskStatusOpen,
	)
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		s.logger.InfoContext(
			ctx,
			"task actioned during dispatch, stage not recorded",
			"task_id", task.ID,
			"stage", stage,
		)
		return nil
	}

	for _, assignee := range task.Assignees {
		if _, err = s.db.Create(
			ctx,
			&TaskReminder{
				TaskID:      task.ID,
				Stage:       stage,
				RecipientID: assignee.UserID,
			},
		); err != nil {
			s.logger.ErrorContext(
				ctx,
				"error recording reminder audit row",
				"task_id", task.ID,
				tint.Err(err),
			)
		}
	}
	return nil
}

// eligibleStages returns the stages due to fire for a task at the given
// time, in firing order. A stage S fires when now >= due - lead(S), the
// stage hasn't been sent, and the task is still OPEN.
func eligibleStages(task Task, now time.Time) []ReminderStage {
	if task.Status != TaskStatusOpen || task.DueAt == 0 {
		return nil
	}
	due := time.UnixMilli(task.DueAt)
	var eligible []ReminderStage
	for _, s := range reminderStages {
		if task.StagesSent.Contains(s.Stage) {
			continue
		}
		if now.Before(due.Add(-s.Lead)) {
			continue
		}
		eligible = append(eligible, s.Stage)
	}
	return eligible
}

// backupDatabase writes a timestamped copy of the SQLite database via
// VACUUM INTO, then prunes old backups past the retention count.
func (s *reminderScheduler) backupDatabase(ctx context.Context) error {
	if err := os.MkdirAll(s.config.BackupDir, 0o755); err != nil {
		return err
	}
	target := filepath.Join(
		s.config.BackupDir,
		fmt.Sprintf(
			"%s.%s.bak",
			filepath.Base(s.databasePath),
			s.now().UTC().Format("20060102T150405"),
		),
	)
	err := s.db.DB().WithContext(ctx).Exec(
		"VACUUM INTO ?",
		target,
	).Error
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "database backed up", "target", target)
	return s.pruneBackups()
}

func (s *reminderScheduler) pruneBackups() error {
	if s.config.BackupKeep <= 0 {
		return nil
	}
	entries, err := os.ReadDir(s.config.BackupDir)
	if err != nil {
		return err
	}
	var backups []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".bak") {
			continue
		}
		backups = append(backups, entry.Name())
	}
	if len(backups) <= s.config.BackupKeep {
		return nil
	}
	sort.Strings(backups)
	for _, name := range backups[:len(backups)-s.config.BackupKeep] {
		if rmErr := os.Remove(
			filepath.Join(s.config.BackupDir, name),
		); rmErr != nil {
			s.logger.Warn(
				"error pruning old backup",
				"name", name,
				tint.Err(rmErr),
			)
		}
	}
	return nil
}
