package puddlesbot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageSet(t *testing.T) {
	t.Parallel()

	var set StageSet
	assert.False(t, set.Contains(ReminderStage7Day))
	assert.Empty(t, set.Stages())

	set = set.Add(ReminderStage7Day)
	assert.True(t, set.Contains(ReminderStage7Day))
	assert.False(t, set.Contains(ReminderStage3Day))

	// adding is idempotent
	set = set.Add(ReminderStage7Day)
	assert.Equal(t, []ReminderStage{ReminderStage7Day}, set.Stages())

	set = set.Add(ReminderStage3Day).Add(ReminderStage1Day)
	assert.Equal(
		t,
		[]ReminderStage{ReminderStage7Day, ReminderStage3Day, ReminderStage1Day},
		set.Stages(),
	)
}

func TestStageSet_ScanValue(t *testing.T) {
	t.Parallel()

	var set StageSet
	require.NoError(t, set.Scan("7d,3d"))
	assert.True(t, set.Contains(ReminderStage7Day))
	assert.True(t, set.Contains(ReminderStage3Day))
	assert.False(t, set.Contains(ReminderStage1Day))

	value, err := set.Value()
	require.NoError(t, err)
	assert.Equal(t, "7d,3d", value)

	require.NoError(t, set.Scan(nil))
	assert.Empty(t, set.Stages())
}

func TestReminderStageLead(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 7*24*time.Hour, ReminderStage7Day.Lead())
	assert.Equal(t, 3*24*time.Hour, ReminderStage3Day.Lead())
	assert.Equal(t, 24*time.Hour, ReminderStage1Day.Lead())
	assert.Zero(t, ReminderStage("2w").Lead())
}

func TestTaskStatus(t *testing.T) {
	t.Parallel()

	assert.True(t, TaskStatusOpen.Actionable())
	assert.False(t, TaskStatusCompleted.Actionable())
	assert.False(t, TaskStatusSnipedPending.Actionable())

	assert.True(t, TaskStatusCompleted.Finished())
	assert.True(t, TaskStatusSnipedApproved.Finished())
	assert.False(t, TaskStatusOpen.Finished())
	assert.False(t, TaskStatusSnipedPending.Finished())
}

func TestGuildTasks_Ordering(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	// created out of order: undated, later due, sooner due
	undated := &Task{
		Name: "undated", CreatorID: "u", GuildID: "guild-1",
		Status: TaskStatusOpen,
	}
	later := &Task{
		Name: "later", CreatorID: "u", GuildID: "guild-1",
		Status: TaskStatusOpen, DueAt: base.AddDate(0, 0, 20).UnixMilli(),
	}
	sooner := &Task{
		Name: "sooner", CreatorID: "u", GuildID: "guild-1",
		Status: TaskStatusOpen, DueAt: base.AddDate(0, 0, 2).UnixMilli(),
	}
	otherGuild := &Task{
		Name: "elsewhere", CreatorID: "u", GuildID: "guild-2",
		Status: TaskStatusOpen,
	}
	for _, task := range []*Task{undated, later, sooner, otherGuild} {
		require.NoError(t, db.Create(task).Error)
	}

	tasks, err := guildTasks(ctx, db, "guild-1", TaskStatusOpen)
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	// dated tasks come first, soonest due leading; undated tasks trail
	assert.Equal(t, "sooner", tasks[0].Name)
	assert.Equal(t, "later", tasks[1].Name)
	assert.Equal(t, "undated", tasks[2].Name)
}

func TestUserTasks(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()

	mine := &Task{
		Name: "mine", CreatorID: "u", GuildID: "guild-1",
		Status:    TaskStatusOpen,
		Assignees: []TaskAssignee{{UserID: "user-1"}},
	}
	shared := &Task{
		Name: "shared", CreatorID: "u", GuildID: "guild-1",
		Status:    TaskStatusOpen,
		Assignees: []TaskAssignee{{UserID: "user-1"}, {UserID: "user-2"}},
	}
	theirs := &Task{
		Name: "theirs", CreatorID: "u", GuildID: "guild-1",
		Status:    TaskStatusOpen,
		Assignees: []TaskAssignee{{UserID: "user-2"}},
	}
	done := &Task{
		Name: "done", CreatorID: "u", GuildID: "guild-1",
		Status:    TaskStatusCompleted,
		Assignees: []TaskAssignee{{UserID: "user-1"}},
	}
	for _, task := range []*Task{mine, shared, theirs, done} {
		require.NoError(t, db.Create(task).Error)
	}

	tasks, err := userTasks(ctx, db, "guild-1", "user-1", TaskStatusOpen)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	names := []string{tasks[0].Name, tasks[1].Name}
	assert.ElementsMatch(t, []string{"mine", "shared"}, names)

	// assignees are preloaded
	for _, task := range tasks {
		assert.NotEmpty(t, task.Assignees)
	}
}

func TestDueOpenTasks(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	within := &Task{
		Name: "within-window", CreatorID: "u", GuildID: "guild-1",
		Status: TaskStatusOpen, DueAt: now.AddDate(0, 0, 5).UnixMilli(),
	}
	beyond := &Task{
		Name: "beyond-window", CreatorID: "u", GuildID: "guild-1",
		Status: TaskStatusOpen, DueAt: now.AddDate(0, 0, 10).UnixMilli(),
	}
	overdue := &Task{
		Name: "overdue", CreatorID: "u", GuildID: "guild-1",
		Status: TaskStatusOpen, DueAt: now.AddDate(0, 0, -1).UnixMilli(),
	}
	closed := &Task{
		Name: "closed", CreatorID: "u", GuildID: "guild-1",
		Status: TaskStatusCompleted, DueAt: now.AddDate(0, 0, 1).UnixMilli(),
	}
	for _, task := range []*Task{within, beyond, overdue, closed} {
		require.NoError(t, db.Create(task).Error)
	}

	tasks, err := dueOpenTasks(ctx, db, now)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	names := []string{tasks[0].Name, tasks[1].Name}
	assert.ElementsMatch(t, []string{"within-window", "overdue"}, names)
}

func TestGetGuildSettings(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()

	// missing settings come back zero-valued, not as an error
	settings, err := getGuildSettings(ctx, db, "guild-1")
	require.NoError(t, err)
	assert.Empty(t, settings.ReminderChannelID)
	assert.Empty(t, settings.AdminRoleID)

	require.NoError(
		t,
		db.Create(
			&GuildSettings{
				GuildID:           "guild-1",
				ReminderChannelID: "chan-reminders",
				AdminRoleID:       "role-admin",
			},
		).Error,
	)

	settings, err = getGuildSettings(ctx, db, "guild-1")
	require.NoError(t, err)
	assert.Equal(t, "chan-reminders", settings.ReminderChannelID)
	assert.Equal(t, "role-admin", settings.AdminRoleID)
}

func TestIsWhitelistedCreator(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()

	ok, err := isWhitelistedCreator(ctx, db, "guild-1", "user-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(
		t,
		db.Create(
			&TaskCreator{GuildID: "guild-1", UserID: "user-1", AddedBy: "admin"},
		).Error,
	)

	ok, err = isWhitelistedCreator(ctx, db, "guild-1", "user-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// whitelist entries are per guild
	ok, err = isWhitelistedCreator(ctx, db, "guild-2", "user-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
