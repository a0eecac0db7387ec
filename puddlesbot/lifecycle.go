package puddlesbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const maxTaskNameLength = 200

// Actor identifies the user performing a lifecycle operation, with the
// capabilities the calling layer resolved for them. Admin reflects
// platform-level permission (or the guild's configured admin role), and
// is distinct from the creation whitelist.
type Actor struct {
	UserID  string
	GuildID string
	Admin   bool
}

func (a Actor) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("user_id", a.UserID),
		slog.String("guild_id", a.GuildID),
		slog.Bool("admin", a.Admin),
	)
}

// CreateTaskParams are the inputs to [TaskLifecycle.CreateTask]
type CreateTaskParams struct {
	Name        string
	Description string
	AssigneeIDs []string

	// DueAt is optional. Zero means no due date.
	DueAt time.Time

	// ChannelID is the channel the task was created in
	ChannelID string
}

// EditTaskParams are the inputs to [TaskLifecycle.EditTask]. Nil fields
// are left unchanged.
type EditTaskParams struct {
	Name        *string
	Description *string
	AssigneeIDs []string
	DueAt       *time.Time
}

// TaskLifecycle serializes all state transitions on tasks. Status
// transitions are conditional updates filtered on the current status,
// so two racing transitions on the same task cannot both succeed.
type TaskLifecycle struct {
	db     DBI
	logger *slog.Logger

	// now is the clock, injectable for tests
	now func() time.Time

	// resetStagesOnDueEdit controls whether editing a due date clears
	// previously-sent reminder stages
	resetStagesOnDueEdit func() bool
}

// NewTaskLifecycle returns a lifecycle engine over the given database.
// resetStagesOnDueEdit may be nil, in which case sent reminder stages
// survive due-date edits.
func NewTaskLifecycle(
	db DBI,
	logger *slog.Logger,
	resetStagesOnDueEdit func() bool,
) *TaskLifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	if resetStagesOnDueEdit == nil {
		resetStagesOnDueEdit = func() bool { return false }
	}
	return &TaskLifecycle{
		db:                   db,
		logger:               logger.With(loggerNameKey, "task_lifecycle"),
		now:                  time.Now,
		resetStagesOnDueEdit: resetStagesOnDueEdit,
	}
}

// GetTask retrieves a task by ID, assignees included
func (tl *TaskLifecycle) GetTask(ctx context.Context, taskID uint) (*Task, error) {
	return getTask(tl.db.DB().WithContext(ctx), taskID)
}

// CreateTask creates a new OPEN task. The creator must be an admin or
// on the guild's creation whitelist, and the assignee set must be
// non-empty.
func (tl *TaskLifecycle) CreateTask(
	ctx context.Context,
	creator Actor,
	params CreateTaskParams,
) (*Task, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return nil, ValidationError{Reason: "task name cannot be empty"}
	}
	assigneeIDs := dedupeStrings(params.AssigneeIDs)
	if len(assigneeIDs) == 0 {
		return nil, ValidationError{Reason: "at least one assignee is required"}
	}

	if !creator.Admin {
		whitelisted, err := isWhitelistedCreator(
			ctx,
			tl.db.DB(),
			creator.GuildID,
			creator.UserID,
		)
		if err != nil {
			return nil, err
		}
		if !whitelisted {
			return nil, AuthorizationError{
				UserID: creator.UserID,
				Reason: "not permitted to create tasks",
			}
		}
	}

	task := &Task{
		Name:        truncate(name, maxTaskNameLength),
		Description: params.Description,
		CreatorID:   creator.UserID,
		GuildID:     creator.GuildID,
		ChannelID:   params.ChannelID,
		Status:      TaskStatusOpen,
	}
	if !params.DueAt.IsZero() {
		task.DueAt = params.DueAt.UnixMilli()
	}
	for _, userID := range assigneeIDs {
		task.Assignees = append(task.Assignees, TaskAssignee{UserID: userID})
	}

	if _, err := tl.db.Create(ctx, task); err != nil {
		tl.logger.ErrorContext(ctx, "error creating task", tint.Err(err))
		return nil, err
	}
	tl.logger.InfoContext(ctx, "created task", "task", *task, "creator", creator)
	return task, nil
}

// EditTask updates a task's name, description, assignees and/or due
// date. Only the creator or an admin may edit, and only while the task
// is OPEN.
func (tl *TaskLifecycle) EditTask(
	ctx context.Context,
	editor Actor,
	taskID uint,
	params EditTaskParams,
) (*Task, error) {
	task, err := tl.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.CreatorID != editor.UserID && !editor.Admin {
		return nil, AuthorizationError{
			UserID: editor.UserID,
			Reason: "only the task's creator or an admin can edit it",
		}
	}
	if !task.Status.Actionable() {
		return nil, StateError{
			TaskID: task.ID,
			Status: task.Status,
			Reason: "only open tasks can be edited",
		}
	}

	updates := map[string]any{}
	if params.Name != nil {
		name := strings.TrimSpace(*params.Name)
		if name == "" {
			return nil, ValidationError{Reason: "task name cannot be empty"}
		}
		updates[columnTaskName] = truncate(name, maxTaskNameLength)
	}
	if params.Description != nil {
		updates[columnTaskDescription] = *params.Description
	}

	var assigneeIDs []string
	if params.AssigneeIDs != nil {
		assigneeIDs = dedupeStrings(params.AssigneeIDs)
		if len(assigneeIDs) == 0 {
			return nil, ValidationError{
				Reason: "at least one assignee is required",
			}
		}
	}

	if params.DueAt != nil {
		dueAt := int64(0)
		if !params.DueAt.IsZero() {
			dueAt = params.DueAt.UnixMilli()
		}
		if dueAt != task.DueAt {
			updates[columnTaskDueAt] = dueAt
			if tl.resetStagesOnDueEdit() {
				updates[columnTaskStagesSent] = StageSet("")
			}
		}
	}

	err = tl.db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			if len(updates) > 0 {
				rv := tx.Model(&Task{}).Where(
					"id = ? AND status = ?",
					task.ID,
					TaskStatusOpen,
				).Updates(updates)
				if rv.Error != nil {
					return rv.Error
				}
				if rv.RowsAffected == 0 {
					return StateError{
						TaskID: task.ID,
						Status: task.Status,
						Reason: "task changed state during edit",
					}
				}
			}
			if assigneeIDs != nil {
				// re-check status inside the transaction so an
				// assignee-only edit can't replace rows on a task a
				// racing transition just closed
				var current Task
				e := tx.Where(
					"id = ? AND status = ?",
					task.ID,
					TaskStatusOpen,
				).First(&current).Error
				if errors.Is(e, gorm.ErrRecordNotFound) {
					return StateError{
						TaskID: task.ID,
						Status: task.Status,
						Reason: "task changed state during edit",
					}
				}
				if e != nil {
					return e
				}
				if e = tx.Unscoped().Where(
					fmt.Sprintf("%s = ?", columnTaskAssigneeTaskID),
					task.ID,
				).Delete(&TaskAssignee{}).Error; e != nil {
					return e
				}
				for _, userID := range assigneeIDs {
					if e = tx.Create(
						&TaskAssignee{TaskID: task.ID, UserID: userID},
					).Error; e != nil {
						return e
					}
				}
			}
			return nil
		},
	)
	if err != nil {
		return nil, err
	}
	tl.logger.InfoContext(
		ctx,
		"edited task",
		"task_id", task.ID,
		"editor", editor,
	)
	return tl.GetTask(ctx, taskID)
}

// CompleteTask marks an OPEN task completed by one of its assignees
func (tl *TaskLifecycle) CompleteTask(
	ctx context.Context,
	completer Actor,
	taskID uint,
) (*Task, error) {
	task, err := tl.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.HasAssignee(completer.UserID) {
		return nil, StateError{
			TaskID: task.ID,
			Status: task.Status,
			Reason: "only an assignee can complete this task",
		}
	}

	now := tl.now().UTC()
	err = tl.transition(
		ctx,
		task.ID,
		TaskStatusOpen,
		map[string]any{
			columnTaskStatus:      TaskStatusCompleted,
			columnTaskCompletedBy: completer.UserID,
			columnTaskCompletedAt: now.UnixMilli(),
		},
	)
	if err != nil {
		return nil, err
	}
	tl.logger.InfoContext(
		ctx,
		"task completed",
		"task_id", task.ID,
		"completed_by", completer.UserID,
	)
	return tl.GetTask(ctx, taskID)
}

// SnipeTask records a completion-credit claim by a non-assignee,
// pending admin approval.
func (tl *TaskLifecycle) SnipeTask(
	ctx context.Context,
	claimant Actor,
	taskID uint,
) (*Task, error) {
	task, err := tl.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.HasAssignee(claimant.UserID) {
		return nil, StateError{
			TaskID: task.ID,
			Status: task.Status,
			Reason: "assignees complete tasks directly instead of sniping them",
		}
	}

	err = tl.transition(
		ctx,
		task.ID,
		TaskStatusOpen,
		map[string]any{
			columnTaskStatus:   TaskStatusSnipedPending,
			columnTaskSnipedBy: claimant.UserID,
		},
	)
	if err != nil {
		return nil, err
	}
	tl.logger.InfoContext(
		ctx,
		"task sniped, pending approval",
		"task_id", task.ID,
		"claimant", claimant.UserID,
	)
	return tl.GetTask(ctx, taskID)
}

// ApproveSnipe grants completion credit to the snipe claimant. Requires
// admin capability.
func (tl *TaskLifecycle) ApproveSnipe(
	ctx context.Context,
	admin Actor,
	taskID uint,
) (*Task, error) {
	task, err := tl.snipeReviewTask(ctx, admin, taskID)
	if err != nil {
		return nil, err
	}

	now := tl.now().UTC()
	err = tl.transition(
		ctx,
		task.ID,
		TaskStatusSnipedPending,
		map[string]any{
			columnTaskStatus:      TaskStatusSnipedApproved,
			columnTaskCompletedBy: task.SnipedBy,
			columnTaskCompletedAt: now.UnixMilli(),
		},
	)
	if err != nil {
		return nil, err
	}
	tl.logger.InfoContext(
		ctx,
		"snipe approved",
		"task_id", task.ID,
		"claimant", task.SnipedBy,
		"admin", admin.UserID,
	)
	return tl.GetTask(ctx, taskID)
}

// RejectSnipe rejects a pending snipe, returning the task to OPEN and
// clearing the claimant. Requires admin capability.
func (tl *TaskLifecycle) RejectSnipe(
	ctx context.Context,
	admin Actor,
	taskID uint,
) (*Task, error) {
	task, err := tl.snipeReviewTask(ctx, admin, taskID)
	if err != nil {
		return nil, err
	}

	err = tl.transition(
		ctx,
		task.ID,
		TaskStatusSnipedPending,
		map[string]any{
			columnTaskStatus:   TaskStatusOpen,
			columnTaskSnipedBy: "",
		},
	)
	if err != nil {
		return nil, err
	}
	tl.logger.InfoContext(
		ctx,
		"snipe rejected",
		"task_id", task.ID,
		"claimant", task.SnipedBy,
		"admin", admin.UserID,
	)
	return tl.GetTask(ctx, taskID)
}

// DeleteTask hard-removes a task and its assignee rows. Only the
// creator or an admin may delete.
func (tl *TaskLifecycle) DeleteTask(
	ctx context.Context,
	actor Actor,
	taskID uint,
) error {
	task, err := tl.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.CreatorID != actor.UserID && !actor.Admin {
		return AuthorizationError{
			UserID: actor.UserID,
			Reason: "only the task's creator or an admin can delete it",
		}
	}

	err = tl.db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			if e := tx.Unscoped().Where(
				fmt.Sprintf("%s = ?", columnTaskAssigneeTaskID),
				task.ID,
			).Delete(&TaskAssignee{}).Error; e != nil {
				return e
			}
			return tx.Unscoped().Delete(&Task{}, task.ID).Error
		},
	)
	if err != nil {
		return err
	}
	tl.logger.InfoContext(
		ctx,
		"deleted task",
		"task_id", task.ID,
		"actor", actor,
	)
	return nil
}

// snipeReviewTask loads a task for snipe review, verifying admin
// capability and that a snipe is actually pending.
func (tl *TaskLifecycle) snipeReviewTask(
	ctx context.Context,
	admin Actor,
	taskID uint,
) (*Task, error) {
	if !admin.Admin {
		return nil, AuthorizationError{
			UserID: admin.UserID,
			Reason: "snipe review requires admin capability",
		}
	}
	task, err := tl.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != TaskStatusSnipedPending {
		return nil, StateError{
			TaskID: task.ID,
			Status: task.Status,
			Reason: "no snipe is pending on this task",
		}
	}
	return task, nil
}

// transition applies a conditional status update: the update only lands
// if the task is still in fromStatus, so racing transitions settle with
// exactly one winner. Zero rows affected means the task moved out of
// fromStatus underneath us.
func (tl *TaskLifecycle) transition(
	ctx context.Context,
	taskID uint,
	fromStatus TaskStatus,
	updates map[string]any,
) error {
	rowsAffected, err := tl.db.UpdatesWhere(
		ctx,
		&Task{},
		updates,
		"id = ? AND status = ?",
		taskID,
		fromStatus,
	)
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		current, getErr := tl.GetTask(ctx, taskID)
		if getErr != nil {
			return getErr
		}
		return StateError{
			TaskID: current.ID,
			Status: current.Status,
			Reason: fmt.Sprintf(
				"task is no longer %s",
				fromStatus,
			),
		}
	}
	return nil
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]bool, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		result = append(result, v)
	}
	return result
}
