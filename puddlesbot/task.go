package puddlesbot

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Task status values. A task starts OPEN, and either an assignee
// completes it, or a non-assignee snipes it (claims credit), which an
// admin then approves or rejects.
const (
	TaskStatusOpen           TaskStatus = "open"
	TaskStatusCompleted      TaskStatus = "completed"
	TaskStatusSnipedPending  TaskStatus = "sniped_pending"
	TaskStatusSnipedApproved TaskStatus = "sniped_approved"
)

// Reminder stages, in firing order. Each names its lead time before the
// task's due date.
const (
	ReminderStage7Day ReminderStage = "7d"
	ReminderStage3Day ReminderStage = "3d"
	ReminderStage1Day ReminderStage = "1d"
)

const stageSetSeparator = ","

var (
	columnTaskName        = "name"
	columnTaskDescription = "description"
	columnTaskStatus      = "status"
	columnTaskGuildID     = "guild_id"
	columnTaskDueAt       = "due_at"
	columnTaskCompletedBy = "completed_by"
	columnTaskCompletedAt = "completed_at"
	columnTaskSnipedBy    = "sniped_by"
	columnTaskStagesSent  = "stages_sent"

	columnTaskAssigneeTaskID = "task_id"
	columnTaskAssigneeUserID = "user_id"

	columnTaskCreatorGuildID = "guild_id"
	columnTaskCreatorUserID  = "user_id"
)

// reminderStages lists all stages in firing order, with their lead
// durations before due
var reminderStages = []struct {
	Stage ReminderStage
	Lead  time.Duration
}{
	{ReminderStage7Day, 7 * 24 * time.Hour},
	{ReminderStage3Day, 3 * 24 * time.Hour},
	{ReminderStage1Day, 24 * time.Hour},
}

// TaskStatus is the lifecycle state of a [Task]
type TaskStatus string

func (s TaskStatus) String() string {
	return string(s)
}

// Actionable indicates whether the task can still be completed or sniped
func (s TaskStatus) Actionable() bool {
	return s == TaskStatusOpen
}

// Finished indicates whether completion credit has been assigned
func (s TaskStatus) Finished() bool {
	return s == TaskStatusCompleted || s == TaskStatusSnipedApproved
}

// ReminderStage identifies one of the staged due-date reminders
type ReminderStage string

func (r ReminderStage) String() string {
	return string(r)
}

// Lead returns the stage's lead time before the due date (zero for an
// unknown stage).
func (r ReminderStage) Lead() time.Duration {
	for _, s := range reminderStages {
		if s.Stage == r {
			return s.Lead
		}
	}
	return 0
}

// StageSet is the set of reminder stages already dispatched for a task,
// stored as a comma-joined string column. The set only grows, except for
// an explicit reset when a due date is edited and resets are enabled.
type StageSet string

// Scan implements the sql.Scanner interface.
func (s *StageSet) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*s = ""
		return nil
	case []byte:
		*s = StageSet(v)
		return nil
	case string:
		*s = StageSet(v)
		return nil
	default:
		return fmt.Errorf("unexpected type for StageSet: %T", value)
	}
}

// Value implements the driver.Valuer interface.
func (s StageSet) Value() (driver.Value, error) {
	return string(s), nil
}

// GormDataType is used by GORM to determine the default data type for a field.
func (StageSet) GormDataType() string {
	return "string"
}

// Contains reports whether the given stage has been recorded
func (s StageSet) Contains(stage ReminderStage) bool {
	for _, existing := range s.Stages() {
		if existing == stage {
			return true
		}
	}
	return false
}

// Stages returns the recorded stages
func (s StageSet) Stages() []ReminderStage {
	if s == "" {
		return nil
	}
	parts := strings.Split(string(s), stageSetSeparator)
	stages := make([]ReminderStage, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		stages = append(stages, ReminderStage(part))
	}
	return stages
}

// Add returns a copy of the set with the given stage recorded. Adding a
// stage already present is a no-op.
func (s StageSet) Add(stage ReminderStage) StageSet {
	if s.Contains(stage) {
		return s
	}
	if s == "" {
		return StageSet(stage)
	}
	return StageSet(string(s) + stageSetSeparator + string(stage))
}

// Task is a tracked piece of work with one or more assignees, an
// optional due date, and a completion or snipe-credit record.
type Task struct {
	ModelUintID
	ModelUnixTime

	Name        string `json:"name" gorm:"not null"`
	Description string `json:"description"`

	// CreatorID is the discord user ID of the task's creator
	CreatorID string `json:"creator_id" gorm:"not null;index"`

	// GuildID scopes the task to its owning server
	GuildID string `json:"guild_id" gorm:"not null;index"`

	// ChannelID is the channel the task was created in, used as the
	// reminder fallback destination
	ChannelID string `json:"channel_id"`

	// DueAt is the optional due date (unix milliseconds). Zero means no
	// due date, and no reminders.
	DueAt int64 `json:"due_at,omitempty"`

	Status TaskStatus `json:"status" gorm:"not null;index;default:open"`

	// CompletedBy is set only when status is completed or sniped_approved
	CompletedBy string `json:"completed_by,omitempty"`

	// CompletedAt is the completion timestamp (unix milliseconds), set
	// if and only if the task is finished
	CompletedAt int64 `json:"completed_at,omitempty"`

	// SnipedBy is the claimant's user ID while a snipe is pending, and
	// after approval
	SnipedBy string `json:"sniped_by,omitempty"`

	// StagesSent records which due-date reminder stages have fired
	StagesSent StageSet `json:"stages_sent"`

	Assignees []TaskAssignee `json:"assignees" gorm:"foreignKey:TaskID"`
}

func (t Task) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Uint64("id", uint64(t.ID)),
		slog.String(columnTaskName, t.Name),
		slog.String(columnTaskStatus, t.Status.String()),
		slog.String(columnTaskGuildID, t.GuildID),
		slog.String("creator_id", t.CreatorID),
	}
	if t.DueAt > 0 {
		attrs = append(
			attrs,
			slog.Time(columnTaskDueAt, time.UnixMilli(t.DueAt)),
		)
	}
	if t.SnipedBy != "" {
		attrs = append(attrs, slog.String(columnTaskSnipedBy, t.SnipedBy))
	}
	return slog.GroupValue(attrs...)
}

// AssigneeIDs returns the user IDs of the task's assignees
func (t Task) AssigneeIDs() []string {
	ids := make([]string, 0, len(t.Assignees))
	for _, a := range t.Assignees {
		ids = append(ids, a.UserID)
	}
	return ids
}

// HasAssignee reports whether the given user is assigned to the task
func (t Task) HasAssignee(userID string) bool {
	for _, a := range t.Assignees {
		if a.UserID == userID {
			return true
		}
	}
	return false
}

// Late reports whether the task was (or is being) finished past its due
// date. Sniped tasks are never late: the claimant shouldn't be penalized
// for the admin-review delay, and sniping already-overdue work is the
// usual case.
func (t Task) Late(now time.Time) bool {
	if t.DueAt == 0 {
		return false
	}
	if t.Status == TaskStatusSnipedApproved || t.Status == TaskStatusSnipedPending {
		return false
	}
	if t.CompletedAt > 0 {
		return t.CompletedAt > t.DueAt
	}
	return now.UnixMilli() > t.DueAt
}

// TaskAssignee associates a discord user with a [Task]
type TaskAssignee struct {
	ModelUintID
	ModelUnixTime

	TaskID uint   `json:"task_id" gorm:"not null;index:idx_task_assignee,unique"`
	UserID string `json:"user_id" gorm:"not null;index:idx_task_assignee,unique"`
}

// TaskReminder records a single dispatched reminder, for auditing.
// Duplicate suppression is driven by [Task.StagesSent]; these rows are
// the history of what actually went out.
type TaskReminder struct {
	ModelUintID
	ModelUnixTime

	TaskID uint          `json:"task_id" gorm:"not null;index"`
	Stage  ReminderStage `json:"stage" gorm:"not null"`

	// RecipientID is the user the reminder was sent to
	RecipientID string `json:"recipient_id"`
}

// TaskCreator is a whitelist entry permitting a non-admin user to use
// creation-class task commands in a guild.
type TaskCreator struct {
	ModelUintID
	ModelUnixTime

	GuildID string `json:"guild_id" gorm:"not null;index:idx_task_creator,unique"`
	UserID  string `json:"user_id" gorm:"not null;index:idx_task_creator,unique"`

	// AddedBy is the admin who whitelisted the user
	AddedBy string `json:"added_by"`
}

// GuildSettings holds per-guild configuration for the task commands
type GuildSettings struct {
	ModelUintID
	ModelUnixTime

	GuildID string `json:"guild_id" gorm:"not null;uniqueIndex"`

	// ReminderChannelID, if set, receives due-date reminders instead of
	// the task's creation channel
	ReminderChannelID string `json:"reminder_channel_id"`

	// AdminRoleID, if set, grants task-admin capability in addition to
	// the platform ManageServer permission
	AdminRoleID string `json:"admin_role_id"`
}

// getTask retrieves a task by ID with its assignees preloaded, returning
// [NotFoundError] for an unknown or deleted ID.
func getTask(db *gorm.DB, taskID uint) (*Task, error) {
	var task Task
	err := db.Preload("Assignees").First(&task, taskID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NotFoundError{TaskID: taskID}
		}
		return nil, err
	}
	return &task, nil
}

// guildTasks returns tasks for a guild matching the given statuses,
// assignees preloaded, ordered by due date (tasks without one last),
// then by creation time.
func guildTasks(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
	statuses ...TaskStatus,
) ([]Task, error) {
	var tasks []Task
	q := db.WithContext(ctx).Preload("Assignees").Where(
		fmt.Sprintf("%s = ?", columnTaskGuildID),
		guildID,
	)
	if len(statuses) > 0 {
		q = q.Where(fmt.Sprintf("%s IN ?", columnTaskStatus), statuses)
	}
	err := q.Order(
		fmt.Sprintf(
			"CASE WHEN %[1]s = 0 THEN 1 ELSE 0 END, %[1]s asc, created_at asc",
			columnTaskDueAt,
		),
	).Find(&tasks).Error
	return tasks, err
}

// userTasks returns the given user's tasks in a guild matching the given
// statuses, assignees preloaded.
func userTasks(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
	userID string,
	statuses ...TaskStatus,
) ([]Task, error) {
	var tasks []Task
	q := db.WithContext(ctx).Preload("Assignees").
		Joins(
			"JOIN task_assignees ON task_assignees.task_id = tasks.id",
		).
		Where("tasks.guild_id = ?", guildID).
		Where("task_assignees.user_id = ?", userID).
		Where("task_assignees.deleted_at IS NULL")
	if len(statuses) > 0 {
		q = q.Where("tasks.status IN ?", statuses)
	}
	err := q.Order(
		"CASE WHEN tasks.due_at = 0 THEN 1 ELSE 0 END, tasks.due_at asc, tasks.created_at asc",
	).Find(&tasks).Error
	return tasks, err
}

// dueOpenTasks returns OPEN tasks with a due date after the given cutoff
// is applied: any task whose earliest unfired stage is eligible at `now`
// is included. The caller still filters per-stage.
func dueOpenTasks(
	ctx context.Context,
	db *gorm.DB,
	now time.Time,
) ([]Task, error) {
	maxLead := reminderStages[0].Lead
	var tasks []Task
	err := db.WithContext(ctx).Preload("Assignees").
		Where(fmt.Sprintf("%s = ?", columnTaskStatus), TaskStatusOpen).
		Where(fmt.Sprintf("%s > 0", columnTaskDueAt)).
		Where(
			fmt.Sprintf("%s <= ?", columnTaskDueAt),
			now.Add(maxLead).UnixMilli(),
		).
		Find(&tasks).Error
	return tasks, err
}

// getGuildSettings returns the guild's settings record, or a zero-value
// record when none exists.
func getGuildSettings(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
) (GuildSettings, error) {
	var settings GuildSettings
	err := db.WithContext(ctx).Where(
		"guild_id = ?",
		guildID,
	).First(&settings).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return GuildSettings{GuildID: guildID}, nil
		}
		return settings, err
	}
	return settings, nil
}

// isWhitelistedCreator reports whether the user has a [TaskCreator]
// entry in the guild.
func isWhitelistedCreator(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
	userID string,
) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Model(&TaskCreator{}).
		Where(
			fmt.Sprintf(
				"%s = ? AND %s = ?",
				columnTaskCreatorGuildID,
				columnTaskCreatorUserID,
			),
			guildID,
			userID,
		).Count(&count).Error
	return count > 0, err
}
